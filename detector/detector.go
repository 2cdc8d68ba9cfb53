// Package detector manages the object-detection boundary: the catalog of
// loadable model descriptors, the single active model and asynchronous loads.
//
// Inference itself is delegated to a Backend.
package detector

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/k4Y53N/nanoServer/log"
	"github.com/k4Y53N/nanoServer/metrics"
	"github.com/k4Y53N/nanoServer/types"
)

// ErrUnavailable is returned by Detect while no model is active.
var ErrUnavailable = errors.New("detector: no model loaded")

// Result is the detections for one image, in pixel coordinates.
type Result struct {
	Boxes      []types.Box
	Scores     []float64
	ClassNames []string
}

// Options configures a Detector.
type Options struct {
	// Dir holds the descriptor files.
	Dir string
	// Backend builds models. Defaults to FileBackend.
	Backend Backend
	// LoadTimeout bounds one model load (default 60s).
	LoadTimeout time.Duration

	Logger    *log.Logger
	Collector *metrics.Collector
}

// activeModel counts the Detect calls using it. Once retired it is closed
// by whoever holds the last reference, so a model is never closed under
// inference and retiring never waits for inference.
type activeModel struct {
	cfg   types.DetectorConfig
	model Model

	mu      sync.Mutex
	users   int
	retired bool
	closed  bool
}

func (m *activeModel) acquire() {
	m.mu.Lock()
	m.users++
	m.mu.Unlock()
}

func (m *activeModel) release() {
	m.mu.Lock()
	m.users--
	m.mu.Unlock()
	m.closeIfIdle()
}

// retire marks the model for closing. It reports whether inference is
// still running on it.
func (m *activeModel) retire() (busy bool) {
	m.mu.Lock()
	m.retired = true
	busy = m.users > 0
	m.mu.Unlock()
	m.closeIfIdle()
	return busy
}

func (m *activeModel) closeIfIdle() {
	m.mu.Lock()
	closeNow := m.retired && m.users == 0 && !m.closed
	if closeNow {
		m.closed = true
	}
	m.mu.Unlock()
	if closeNow {
		closeModel(m.model)
	}
}

// Detector owns the descriptor catalog and the active model.
type Detector struct {
	opts      Options
	logger    *log.Logger
	collector *metrics.Collector

	catalogMu sync.RWMutex
	configs   map[string]types.DetectorConfig

	// mu guards active. It is never held across inference.
	mu     sync.RWMutex
	active *activeModel
	// generation is bumped by Reset so a load that finishes afterwards is discarded.
	generation uint64

	loading atomic.Bool
	loads   sync.WaitGroup
}

// New creates a detector and scans the descriptor directory.
// Unreadable descriptors are logged and skipped.
func New(opts Options) *Detector {
	if opts.Backend == nil {
		opts.Backend = FileBackend{}
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 60 * time.Second
	}
	d := &Detector{
		opts:      opts,
		logger:    log.OrNop(opts.Logger).Component("detector"),
		collector: opts.Collector,
		configs:   make(map[string]types.DetectorConfig),
	}
	d.Rescan()
	return d
}

// Dir returns the descriptor directory.
func (d *Detector) Dir() string {
	return d.opts.Dir
}

// Rescan reloads the catalog from disk and returns the number of usable configs.
// The active model is kept even if its descriptor disappeared.
func (d *Detector) Rescan() int {
	configs, errs := ScanDir(d.opts.Dir)
	for _, err := range errs {
		d.logger.Warn("skipping detector config", map[string]any{
			log.FieldKind: "config_load",
			"error":       err.Error(),
		})
	}

	d.catalogMu.Lock()
	d.configs = configs
	d.catalogMu.Unlock()

	d.logger.Info("detector configs loaded", map[string]any{
		"dir":   d.opts.Dir,
		"count": len(configs),
		"names": sortedNames(configs),
	})
	return len(configs)
}

// Configs returns a copy of the catalog.
func (d *Detector) Configs() map[string]types.DetectorConfig {
	d.catalogMu.RLock()
	defer d.catalogMu.RUnlock()
	out := make(map[string]types.DetectorConfig, len(d.configs))
	for name, cfg := range d.configs {
		out[name] = cfg.Clone()
	}
	return out
}

// Lookup returns one catalog entry.
func (d *Detector) Lookup(name string) (types.DetectorConfig, bool) {
	d.catalogMu.RLock()
	defer d.catalogMu.RUnlock()
	cfg, ok := d.configs[name]
	if !ok {
		return types.DetectorConfig{}, false
	}
	return cfg.Clone(), true
}

// Active returns a copy of the active config, or nil when none is loaded.
func (d *Detector) Active() *types.DetectorConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.active == nil {
		return nil
	}
	cfg := d.active.cfg.Clone()
	return &cfg
}

// Available reports whether a model is active.
func (d *Detector) Available() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.active != nil
}

// Loading reports whether a load is in flight.
func (d *Detector) Loading() bool {
	return d.loading.Load()
}

// LoadConfig starts loading the named config in the background and returns
// immediately. At most one load runs at a time: a request made while another
// is in flight is dropped and LoadConfig returns false. Unknown names also
// return false.
//
// The active model is swapped only after the new one loaded successfully;
// a failed load leaves the previous model active.
func (d *Detector) LoadConfig(name string) bool {
	cfg, ok := d.Lookup(name)
	if !ok {
		d.logger.Warn("unknown detector config", map[string]any{
			log.FieldKind: "config_load",
			"config":      name,
		})
		return false
	}

	if !d.loading.CompareAndSwap(false, true) {
		d.collector.IncDetectorLoadsDropped()
		d.logger.Info("detector load already in progress, request dropped", map[string]any{"config": name})
		return false
	}

	d.mu.RLock()
	gen := d.generation
	d.mu.RUnlock()

	d.loads.Add(1)
	go func() {
		defer d.loads.Done()
		defer d.loading.Store(false)
		d.load(cfg, gen)
	}()
	return true
}

func (d *Detector) load(cfg types.DetectorConfig, gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.LoadTimeout)
	defer cancel()

	start := time.Now()
	d.logger.Info("loading detector model", map[string]any{"config": cfg.Name})

	model, err := d.opts.Backend.Load(ctx, cfg)
	if err != nil {
		d.collector.IncDetectorLoadFailures()
		loadErr := &ConfigLoadError{Name: cfg.Name, Err: err}
		d.logger.Error("detector model load failed", map[string]any{
			log.FieldKind: "config_load",
			"config":      cfg.Name,
			"error":       loadErr.Error(),
		})
		return
	}

	d.mu.Lock()
	if d.generation != gen {
		d.mu.Unlock()
		closeModel(model)
		d.logger.Info("detector reset during load, discarding model", map[string]any{"config": cfg.Name})
		return
	}
	prev := d.active
	d.active = &activeModel{cfg: cfg, model: model}
	d.mu.Unlock()

	if prev != nil {
		prev.retire()
	}
	d.collector.IncDetectorLoads()
	d.logger.Info("detector model loaded", map[string]any{
		"config":      cfg.Name,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

// Detect runs the active model on img. It returns ErrUnavailable when no
// model is active.
//
// A model that ignores ctx can keep running after Detect's caller gave up;
// Reset and model swaps do not wait for it.
func (d *Detector) Detect(ctx context.Context, img image.Image) (Result, error) {
	d.mu.RLock()
	am := d.active
	if am != nil {
		am.acquire()
	}
	d.mu.RUnlock()

	if am == nil {
		return Result{}, ErrUnavailable
	}
	defer am.release()

	raw, err := am.model.Infer(ctx, img)
	if err != nil {
		return Result{}, fmt.Errorf("infer with %s: %w", am.cfg.Name, err)
	}
	return toResult(raw, am.cfg, img.Bounds()), nil
}

// toResult filters raw detections by the config's score threshold and
// limits, and scales boxes to pixel coordinates.
func toResult(raw []Detection, cfg types.DetectorConfig, bounds image.Rectangle) Result {
	sorted := make([]Detection, 0, len(raw))
	for _, det := range raw {
		if det.Score < cfg.ScoreThreshold {
			continue
		}
		if det.Class < 0 || det.Class >= len(cfg.Classes) {
			continue
		}
		sorted = append(sorted, det)
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	width, height := float64(bounds.Dx()), float64(bounds.Dy())
	perClass := make(map[int]int)
	res := Result{
		Boxes:      []types.Box{},
		Scores:     []float64{},
		ClassNames: append([]string(nil), cfg.Classes...),
	}
	for _, det := range sorted {
		if cfg.MaxTotalSize > 0 && len(res.Boxes) >= cfg.MaxTotalSize {
			break
		}
		if cfg.MaxOutputSizePerClass > 0 && perClass[det.Class] >= cfg.MaxOutputSizePerClass {
			continue
		}
		perClass[det.Class]++
		res.Boxes = append(res.Boxes, types.Box{
			int(clamp01(det.X1) * width),
			int(clamp01(det.Y1) * height),
			int(clamp01(det.X2) * width),
			int(clamp01(det.Y2) * height),
			det.Class,
		})
		res.Scores = append(res.Scores, det.Score)
	}
	return res
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Reset unloads the active model. A load in flight is discarded when it finishes.
func (d *Detector) Reset() {
	d.mu.Lock()
	prev := d.active
	d.active = nil
	d.generation++
	d.mu.Unlock()

	if prev != nil {
		busy := prev.retire()
		d.logger.Info("detector model unloaded", map[string]any{
			"config":         prev.cfg.Name,
			"close_deferred": busy,
		})
	}
}

// Wait blocks until any in-flight load has finished.
func (d *Detector) Wait() {
	d.loads.Wait()
}

// Close unloads the model and waits for in-flight loads.
func (d *Detector) Close() {
	d.Reset()
	d.loads.Wait()
}

func closeModel(m Model) {
	if m != nil {
		_ = m.Close()
	}
}

func sortedNames(configs map[string]types.DetectorConfig) []string {
	names := make([]string, 0, len(configs))
	for name := range configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
