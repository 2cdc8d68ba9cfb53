// Package runtime wires the server components into a runnable application:
// the framed connection, the command dispatcher and its handlers, the frame
// pipeline with camera and detector, the motion controller, and the optional
// metrics endpoint and session notifier.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/k4Y53N/nanoServer/adapter"
	"github.com/k4Y53N/nanoServer/camera"
	"github.com/k4Y53N/nanoServer/connection"
	"github.com/k4Y53N/nanoServer/detector"
	"github.com/k4Y53N/nanoServer/dispatch"
	"github.com/k4Y53N/nanoServer/log"
	"github.com/k4Y53N/nanoServer/metrics"
	"github.com/k4Y53N/nanoServer/motion"
	"github.com/k4Y53N/nanoServer/pipeline"
	"github.com/k4Y53N/nanoServer/types"
)

// Camera is a pipeline camera that owns a device.
type Camera interface {
	pipeline.Camera
	Close() error
}

// QualityRange bounds SET_QUALITY requests (inclusive).
type QualityRange struct {
	MinWidth, MaxWidth   int
	MinHeight, MaxHeight int
}

// Allows reports whether width x height is inside the range.
func (q QualityRange) Allows(width, height int) bool {
	return width >= q.MinWidth && width <= q.MaxWidth &&
		height >= q.MinHeight && height <= q.MaxHeight
}

// DefaultQualityRange is used when Options.Quality is zero.
var DefaultQualityRange = QualityRange{MinWidth: 100, MaxWidth: 1920, MinHeight: 100, MaxHeight: 1080}

// DetectorOptions configures descriptor discovery.
type DetectorOptions struct {
	Dir         string
	Default     string
	Watch       bool
	Debounce    time.Duration
	LoadTimeout time.Duration
	Backend     detector.Backend
}

// Options configures an App. Logger and Collector are shared by every component.
type Options struct {
	Server   connection.Options
	Dispatch dispatch.Options
	Pipeline pipeline.Options
	Camera   camera.Options
	Quality  QualityRange
	Detector DetectorOptions
	Motion   motion.Options
	Power    PowerCommand

	// MetricsAddr enables the Prometheus endpoint when non-empty.
	MetricsAddr string
	MetricsPath string

	// Adapter receives session events when non-nil.
	Adapter      adapter.Adapter
	AdapterQueue int

	// CameraDevice and Actuator override the synthetic camera and log actuator.
	CameraDevice Camera
	Actuator     motion.Actuator

	Version   string
	Logger    *log.Logger
	Collector *metrics.Collector
}

// App is the assembled server.
type App struct {
	opts      Options
	logger    *log.Logger
	collector *metrics.Collector

	server     *connection.Server
	dispatcher *dispatch.Dispatcher
	camera     Camera
	detector   *detector.Detector
	watcher    *detector.Watcher
	pipeline   *pipeline.Pipeline
	motion     *motion.Controller
	metrics    *metrics.Server
	notifier   *adapter.Notifier
}

// New builds every component and binds the listening socket.
func New(opts Options) (*App, error) {
	logger := log.OrNop(opts.Logger)
	collector := opts.Collector
	if collector == nil {
		collector = metrics.NewCollector("", opts.Version)
	}
	if opts.Quality == (QualityRange{}) {
		opts.Quality = DefaultQualityRange
	}

	a := &App{
		opts:      opts,
		logger:    logger.Component("runtime"),
		collector: collector,
	}

	serverOpts := opts.Server
	serverOpts.Logger = logger
	serverOpts.Collector = collector
	server, err := connection.New(serverOpts)
	if err != nil {
		return nil, err
	}
	a.server = server
	collector.SetServerAddr(server.Addr().String())

	a.camera = opts.CameraDevice
	if a.camera == nil {
		a.camera = camera.NewSynthetic(opts.Camera)
	}

	a.detector = detector.New(detector.Options{
		Dir:         opts.Detector.Dir,
		Backend:     opts.Detector.Backend,
		LoadTimeout: opts.Detector.LoadTimeout,
		Logger:      logger,
		Collector:   collector,
	})
	if opts.Detector.Watch && opts.Detector.Dir != "" {
		w, err := detector.NewWatcher(opts.Detector.Dir, a.detector, opts.Detector.Debounce, logger)
		if err != nil {
			a.logger.Warn("detector config watch disabled", map[string]any{"error": err.Error()})
		} else {
			a.watcher = w
		}
	}

	pipeOpts := opts.Pipeline
	pipeOpts.Logger = logger
	pipeOpts.Collector = collector
	a.pipeline = pipeline.New(a.camera, a.detector, pipeOpts)

	actuator := opts.Actuator
	if actuator == nil {
		actuator = motion.LogActuator{Logger: logger.Component("motion.actuator")}
	}
	motionOpts := opts.Motion
	motionOpts.Logger = logger
	motionOpts.Collector = collector
	a.motion = motion.NewController(actuator, motionOpts)

	if opts.MetricsAddr != "" {
		registry, err := metrics.NewRegistry(collector)
		if err != nil {
			a.server.Close()
			return nil, fmt.Errorf("metrics registry: %w", err)
		}
		a.metrics = metrics.NewServer(opts.MetricsAddr, opts.MetricsPath, registry)
	}

	if opts.Adapter != nil {
		a.notifier = adapter.NewNotifier(opts.Adapter, opts.AdapterQueue, logger, collector)
	}

	dispOpts := opts.Dispatch
	dispOpts.Logger = logger
	dispOpts.Collector = collector
	a.dispatcher = dispatch.New(a.server, dispOpts)
	a.register()
	a.server.SetHooks(a.dispatcher.Hooks())

	return a, nil
}

// Addr returns the bound server address.
func (a *App) Addr() types.Address { return a.server.Addr() }

// MetricsAddr returns the metrics endpoint address once started, or "".
func (a *App) MetricsAddr() string {
	if a.metrics == nil {
		return ""
	}
	return a.metrics.Addr()
}

// Collector returns the shared metrics collector.
func (a *App) Collector() *metrics.Collector { return a.collector }

// Run starts every component and blocks until a client sends EXIT or
// SHUTDOWN, or ctx ends. After SHUTDOWN the power command runs, if configured.
func (a *App) Run(ctx context.Context) (types.FinalControl, error) {
	if a.metrics != nil {
		if err := a.metrics.Start(); err != nil {
			a.server.Close()
			return types.FinalNone, fmt.Errorf("metrics server: %w", err)
		}
		a.logger.Info("metrics endpoint listening", map[string]any{"addr": a.metrics.Addr()})
	}
	if name := a.opts.Detector.Default; name != "" {
		if !a.detector.LoadConfig(name) {
			a.logger.Warn("default detector config not loaded", map[string]any{"config": name})
		}
	}

	if a.watcher != nil {
		a.watcher.Start(ctx)
	}
	if a.notifier != nil {
		a.notifier.Start(ctx)
	}
	a.motion.Start(ctx)
	a.dispatcher.Start(ctx)
	a.server.Start(ctx)

	a.logger.Info("server started", map[string]any{
		log.FieldServerAddr: a.server.Addr().String(),
		"version":           a.opts.Version,
	})

	select {
	case <-ctx.Done():
	case <-a.server.Done():
	}

	a.shutdown()
	final := a.server.FinalControl()
	a.logger.Info("server stopped", map[string]any{"final_control": final.String()})

	if final == types.FinalShutdown {
		return final, a.powerOff()
	}
	return final, nil
}

// Close stops the server; Run returns once everything has wound down.
func (a *App) Close() { a.server.Close() }

func (a *App) shutdown() {
	a.server.Close()
	a.dispatcher.Close()
	a.motion.Close()
	if a.watcher != nil {
		a.watcher.Close()
	}
	if a.notifier != nil {
		a.notifier.Close()
	}

	a.server.Join()
	a.dispatcher.Join()
	a.motion.Join()
	if a.watcher != nil {
		a.watcher.Join()
	}
	if a.notifier != nil {
		a.notifier.Join()
	}

	a.pipeline.Close()
	a.detector.Close()
	if err := a.camera.Close(); err != nil && !errors.Is(err, camera.ErrClosed) {
		a.logger.Warn("camera close failed", map[string]any{"error": err.Error()})
	}

	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.metrics.Stop(ctx); err != nil {
			a.logger.Warn("metrics server stop failed", map[string]any{"error": err.Error()})
		}
	}
}

func (a *App) powerOff() error {
	if !a.opts.Power.Enabled() {
		a.logger.Info("shutdown requested; no power command configured", nil)
		return nil
	}
	a.logger.Warn("running power command", map[string]any{"argv": a.opts.Power.Argv})
	res, err := a.opts.Power.Run(context.Background())
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("power command exited with code %d: %s", res.ExitCode, res.Stderr)
	}
	return nil
}
