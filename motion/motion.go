// Package motion drives the robot actuator from polar commands and stops it
// when commands stop arriving.
package motion

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/k4Y53N/nanoServer/lifecycle"
	"github.com/k4Y53N/nanoServer/log"
	"github.com/k4Y53N/nanoServer/metrics"
)

// Command is a polar motion command. R is the speed in [0,1]; Theta is the
// heading in degrees, 90 meaning straight ahead.
type Command struct {
	R     float64 `json:"r"`
	Theta float64 `json:"theta"`
}

// Stop is the fail-safe command: no speed, wheels centred.
var Stop = Command{R: 0, Theta: 90}

// Normalize clamps R to [0,1] and folds Theta into [0,360).
// Non-finite values fall back to Stop's components.
func Normalize(r, theta float64) Command {
	switch {
	case math.IsNaN(r) || r < 0:
		r = 0
	case r > 1:
		r = 1
	}
	if math.IsNaN(theta) || math.IsInf(theta, 0) {
		theta = Stop.Theta
	}
	theta = math.Mod(theta, 360)
	if theta < 0 {
		theta += 360
	}
	return Command{R: r, Theta: theta}
}

// Actuator applies commands to hardware.
type Actuator interface {
	Apply(ctx context.Context, cmd Command) error
}

// ActuatorFunc adapts a function to Actuator.
type ActuatorFunc func(ctx context.Context, cmd Command) error

// Apply calls f.
func (f ActuatorFunc) Apply(ctx context.Context, cmd Command) error { return f(ctx, cmd) }

// LogActuator logs every command instead of driving PWM outputs.
type LogActuator struct {
	Logger *log.Logger
}

// Apply logs cmd at debug level.
func (a LogActuator) Apply(_ context.Context, cmd Command) error {
	log.OrNop(a.Logger).Debug("motion applied", map[string]any{
		"r":     cmd.R,
		"theta": cmd.Theta,
	})
	return nil
}

// Options configures a Controller.
type Options struct {
	// ResetInterval is how long a command stays in force (default 1s).
	ResetInterval time.Duration
	// CheckInterval is the watchdog period (default 200ms).
	CheckInterval time.Duration

	Logger    *log.Logger
	Collector *metrics.Collector
}

// Controller forwards commands to an Actuator and drives it to Stop once per
// idle period when no command arrives within ResetInterval.
type Controller struct {
	actuator  Actuator
	opts      Options
	logger    *log.Logger
	collector *metrics.Collector
	worker    *lifecycle.Worker

	mu      sync.Mutex
	last    Command
	setAt   time.Time
	stopped bool
}

// NewController creates a controller. The actuator starts at Stop.
func NewController(actuator Actuator, opts Options) *Controller {
	if opts.ResetInterval <= 0 {
		opts.ResetInterval = time.Second
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 200 * time.Millisecond
	}
	c := &Controller{
		actuator:  actuator,
		opts:      opts,
		logger:    log.OrNop(opts.Logger).Component("motion"),
		collector: opts.Collector,
		last:      Stop,
		stopped:   true,
	}
	c.worker = lifecycle.New("motion", lifecycle.PhaseFuncs{
		InitFn:    c.init,
		ExecuteFn: c.watchdog,
		CloseFn:   c.halt,
	}, opts.CheckInterval, opts.Logger)
	return c
}

// Start runs the watchdog.
func (c *Controller) Start(ctx context.Context) { c.worker.Start(ctx) }

// Close stops the watchdog; the actuator is left at Stop.
func (c *Controller) Close() { c.worker.Close() }

// Join waits for the watchdog to exit.
func (c *Controller) Join() { c.worker.Join() }

// Set normalises and applies a command.
func (c *Controller) Set(ctx context.Context, r, theta float64) error {
	cmd := Normalize(r, theta)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.actuator.Apply(ctx, cmd); err != nil {
		return err
	}
	c.last = cmd
	c.setAt = time.Now()
	c.stopped = false
	c.collector.IncMotionCommands()
	return nil
}

// Reset drives the actuator to Stop immediately.
func (c *Controller) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked(ctx)
}

// Last returns the command currently in force.
func (c *Controller) Last() Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// init puts the actuator in a known state unless a command already arrived.
func (c *Controller) init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopped {
		return nil
	}
	return c.stopLocked(ctx)
}

func (c *Controller) watchdog(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || time.Since(c.setAt) < c.opts.ResetInterval {
		return nil
	}
	c.logger.Debug("no motion command, stopping", map[string]any{
		"idle": time.Since(c.setAt).String(),
	})
	return c.stopLocked(ctx)
}

func (c *Controller) halt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.stopLocked(context.Background()); err != nil {
		c.logger.Error("stop on close failed", map[string]any{"error": err.Error()})
	}
}

func (c *Controller) stopLocked(ctx context.Context) error {
	if err := c.actuator.Apply(ctx, Stop); err != nil {
		return err
	}
	c.last = Stop
	c.stopped = true
	c.collector.IncMotionStops()
	return nil
}
