// Package pipeline produces one outbound frame per cycle from the camera and,
// when inferring, the detector. Encode and detect run concurrently on a
// bounded worker pool and are bounded by a per-cycle timeout.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/k4Y53N/nanoServer/detector"
	"github.com/k4Y53N/nanoServer/log"
	"github.com/k4Y53N/nanoServer/metrics"
	"github.com/k4Y53N/nanoServer/types"
)

// ErrTimeout marks a cycle whose encode or detect did not finish in time.
var ErrTimeout = errors.New("pipeline: processing timed out")

// Camera is the frame source.
type Camera interface {
	Capture(ctx context.Context) (image.Image, error)
	Encode(img image.Image) (string, error)
	SetQuality(width, height int) error
	Quality() (width, height int)
	Reset()
}

// Detector is the inference capability. Detect returns detector.ErrUnavailable
// while no model is loaded.
type Detector interface {
	Detect(ctx context.Context, img image.Image) (detector.Result, error)
	Available() bool
	LoadConfig(name string) bool
	Reset()
}

// Options configures a Pipeline.
type Options struct {
	// MaxFPS caps the output rate (default 20).
	MaxFPS float64
	// IdleInterval is slept after a cycle without a frame (default 500ms).
	IdleInterval time.Duration
	// Timeout bounds encode and detect for one cycle (default 10s).
	Timeout time.Duration
	// Workers is the size of the encode/detect pool (default 5).
	Workers int64

	Logger    *log.Logger
	Collector *metrics.Collector
}

// Pipeline owns the mode flags and drives the camera and detector.
type Pipeline struct {
	camera    Camera
	detector  Detector
	opts      Options
	logger    *log.Logger
	collector *metrics.Collector
	pool      *semaphore.Weighted

	mu    sync.Mutex
	flags types.ModeFlags

	closed atomic.Bool
}

// New creates a pipeline.
func New(camera Camera, det Detector, opts Options) *Pipeline {
	if opts.MaxFPS <= 0 {
		opts.MaxFPS = 20
	}
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = 500 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 5
	}
	return &Pipeline{
		camera:    camera,
		detector:  det,
		opts:      opts,
		logger:    log.OrNop(opts.Logger).Component("pipeline"),
		collector: opts.Collector,
		pool:      semaphore.NewWeighted(opts.Workers),
	}
}

// FrameInterval is the minimum time between two available frames.
func (p *Pipeline) FrameInterval() time.Duration {
	return time.Duration(float64(time.Second) / p.opts.MaxFPS)
}

// Flags returns a consistent snapshot of both mode flags.
func (p *Pipeline) Flags() types.ModeFlags {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flags
}

// SetStream turns streaming on or off.
func (p *Pipeline) SetStream(on bool) {
	p.mu.Lock()
	p.flags.Streaming = on
	p.mu.Unlock()
}

// SetInfer turns inference on or off.
func (p *Pipeline) SetInfer(on bool) {
	p.mu.Lock()
	p.flags.Inferring = on
	p.mu.Unlock()
}

// SetConfig asks the detector to load a config in the background.
// It reports whether the request was accepted.
func (p *Pipeline) SetConfig(name string) bool {
	return p.detector.LoadConfig(name)
}

// SetQuality changes the camera resolution. Range checks are the caller's.
func (p *Pipeline) SetQuality(width, height int) error {
	return p.camera.SetQuality(width, height)
}

// Quality returns the camera resolution.
func (p *Pipeline) Quality() (width, height int) {
	return p.camera.Quality()
}

// Reset clears both flags and releases camera and detector state.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	p.flags = types.ModeFlags{}
	p.mu.Unlock()

	p.camera.Reset()
	p.detector.Reset()
}

// Close resets the pipeline; later calls to Get return empty frames.
func (p *Pipeline) Close() {
	p.closed.Store(true)
	p.Reset()
}

// Get produces one frame and then paces the caller: after an available
// frame it sleeps out the rest of the frame interval, otherwise the idle
// interval. An unavailable frame has an empty Image.
func (p *Pipeline) Get(ctx context.Context) types.Frame {
	start := time.Now()
	frame := p.Produce(ctx)

	wait := p.opts.IdleInterval
	if frame.Available() {
		wait = p.FrameInterval() - time.Since(start)
	}
	sleep(ctx, wait)
	return frame
}

// Produce runs one cycle without pacing.
func (p *Pipeline) Produce(ctx context.Context) types.Frame {
	if p.closed.Load() {
		return types.Frame{}
	}
	flags := p.Flags()
	if !flags.Streaming {
		return types.Frame{}
	}

	img, err := p.camera.Capture(ctx)
	if err != nil {
		p.collector.IncFramesUnavailable()
		p.logger.Debug("capture failed", map[string]any{"error": err.Error()})
		return types.Frame{}
	}

	infer := flags.Inferring && p.detector.Available()
	frame, err := p.process(ctx, img, infer)
	if err != nil {
		p.collector.IncFramesUnavailable()
		kind := "handler"
		if errors.Is(err, ErrTimeout) {
			kind = "resource_timeout"
			p.collector.IncPipelineTimeouts()
		}
		p.logger.Error("frame processing failed", map[string]any{
			log.FieldKind: kind,
			"inferring":   infer,
			"error":       err.Error(),
		})
		return types.Frame{}
	}

	p.collector.IncFramesProduced()
	return frame
}

// process encodes img and, when infer is set, detects on it concurrently.
// It returns within the configured timeout even if a task is still running.
func (p *Pipeline) process(ctx context.Context, img image.Image, infer bool) (types.Frame, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	var (
		encoded string
		result  detector.Result
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.submit(gctx, func() (err error) {
			encoded, err = p.camera.Encode(img)
			return err
		})
	})
	if infer {
		g.Go(func() error {
			return p.submit(gctx, func() error {
				res, err := p.detector.Detect(gctx, img)
				if errors.Is(err, detector.ErrUnavailable) {
					// Model unloaded mid-cycle: fall back to the raw frame.
					return nil
				}
				result = res
				return err
			})
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return types.Frame{}, fmt.Errorf("%w after %s", ErrTimeout, p.opts.Timeout)
		}
		return types.Frame{}, err
	}

	return types.Frame{
		Image:      encoded,
		Boxes:      result.Boxes,
		ClassNames: result.ClassNames,
		Scores:     result.Scores,
	}, nil
}

// submit runs fn on a pool slot.
func (p *Pipeline) submit(ctx context.Context, fn func() error) (err error) {
	if err := p.pool.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.pool.Release(1)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return fn()
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
