// Package dispatch routes inbound commands to registered handlers and drives
// the per-cycle outbound producer.
//
// Registration is explicit: handlers are bound to their collaborators by
// closure or struct field and registered at startup.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/k4Y53N/nanoServer/connection"
	"github.com/k4Y53N/nanoServer/lifecycle"
	"github.com/k4Y53N/nanoServer/log"
	"github.com/k4Y53N/nanoServer/metrics"
	"github.com/k4Y53N/nanoServer/types"
)

// ErrUnknownCommand is returned by Dispatch for commands with no handler.
var ErrUnknownCommand = errors.New("dispatch: unknown command")

// Handler performs the side effects of one command and optionally returns a reply.
// A nil reply means nothing is sent back.
type Handler interface {
	Handle(ctx context.Context, msg types.Message) (types.Message, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg types.Message) (types.Message, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, msg types.Message) (types.Message, error) {
	return f(ctx, msg)
}

// Producer builds the next outbound message for the active client.
// A nil or empty message means nothing to send this cycle.
type Producer func(ctx context.Context) (types.Message, error)

// EnterFunc runs when a client session starts.
type EnterFunc func(ctx context.Context, session types.Session)

// ExitFunc runs when a client session ends.
type ExitFunc func(ctx context.Context, session types.Session, reason types.DisconnectReason)

// HandlerError wraps a failure raised while handling one command.
type HandlerError struct {
	Command string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s: %v", e.Command, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Conn is the framed connection the dispatcher reads from and writes to.
type Conn interface {
	Get(timeLimit time.Duration) (types.Message, types.Address)
	Put(msg types.Message, addr types.Address, timeLimit time.Duration) bool
	ActiveSession() (types.Session, bool)
}

// Options configures a Dispatcher.
type Options struct {
	// GetTimeLimit bounds each inbound poll (default 200ms).
	GetTimeLimit time.Duration
	// PutTimeLimit bounds each outbound enqueue (default 200ms).
	PutTimeLimit time.Duration
	// IdleInterval paces the routine loop while no client is connected (default 100ms).
	IdleInterval time.Duration

	Logger    *log.Logger
	Collector *metrics.Collector
}

// Dispatcher owns the command registry and the two dispatch loops.
type Dispatcher struct {
	conn      Conn
	opts      Options
	logger    *log.Logger
	collector *metrics.Collector

	mu       sync.RWMutex
	handlers map[string]Handler
	onEnter  []EnterFunc
	onExit   []ExitFunc
	routine  Producer
	baseCtx  context.Context

	commands *lifecycle.Worker
	producer *lifecycle.Worker
}

// New creates a dispatcher over conn.
func New(conn Conn, opts Options) *Dispatcher {
	if opts.GetTimeLimit <= 0 {
		opts.GetTimeLimit = 200 * time.Millisecond
	}
	if opts.PutTimeLimit <= 0 {
		opts.PutTimeLimit = 200 * time.Millisecond
	}
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = 100 * time.Millisecond
	}

	d := &Dispatcher{
		conn:      conn,
		opts:      opts,
		logger:    log.OrNop(opts.Logger).Component("dispatch"),
		collector: opts.Collector,
		handlers:  make(map[string]Handler),
		baseCtx:   context.Background(),
	}
	d.commands = lifecycle.NewFunc("dispatch.commands", d.commandCycle, 0, opts.Logger)
	d.producer = lifecycle.NewFunc("dispatch.routine", d.routineCycle, 0, opts.Logger)
	return d
}

// Register binds a handler to a command. Registering the same command
// twice replaces the earlier handler.
func (d *Dispatcher) Register(cmd string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[cmd]; exists {
		d.logger.Warn("handler replaced", map[string]any{"cmd": cmd})
	}
	d.handlers[cmd] = h
}

// RegisterFunc binds a function handler to a command.
func (d *Dispatcher) RegisterFunc(cmd string, fn func(ctx context.Context, msg types.Message) (types.Message, error)) {
	d.Register(cmd, HandlerFunc(fn))
}

// Commands returns the registered command names.
func (d *Dispatcher) Commands() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for cmd := range d.handlers {
		out = append(out, cmd)
	}
	return out
}

// OnEnter registers a callback for client connect.
func (d *Dispatcher) OnEnter(fn EnterFunc) {
	d.mu.Lock()
	d.onEnter = append(d.onEnter, fn)
	d.mu.Unlock()
}

// OnExit registers a callback for client disconnect.
func (d *Dispatcher) OnExit(fn ExitFunc) {
	d.mu.Lock()
	d.onExit = append(d.onExit, fn)
	d.mu.Unlock()
}

// SetRoutine registers the per-cycle producer. Only one producer is kept.
func (d *Dispatcher) SetRoutine(p Producer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.routine != nil {
		d.logger.Warn("routine producer replaced", nil)
	}
	d.routine = p
}

// Hooks returns connection hooks that fan out to the OnEnter and OnExit callbacks.
func (d *Dispatcher) Hooks() connection.Hooks {
	return connection.Hooks{
		OnConnect:    d.Enter,
		OnDisconnect: d.Exit,
	}
}

// Enter runs every OnEnter callback. A panicking callback does not stop the others.
func (d *Dispatcher) Enter(session types.Session) {
	d.mu.RLock()
	callbacks := append([]EnterFunc(nil), d.onEnter...)
	ctx := d.baseCtx
	d.mu.RUnlock()

	for _, fn := range callbacks {
		d.guard("on_enter", func() { fn(ctx, session) })
	}
}

// Exit runs every OnExit callback. A panicking callback does not stop the others.
func (d *Dispatcher) Exit(session types.Session, reason types.DisconnectReason) {
	d.mu.RLock()
	callbacks := append([]ExitFunc(nil), d.onExit...)
	ctx := d.baseCtx
	d.mu.RUnlock()

	for _, fn := range callbacks {
		d.guard("on_exit", func() { fn(ctx, session, reason) })
	}
}

// Dispatch routes one message to its handler. Handler panics are returned
// as *HandlerError; unknown commands wrap ErrUnknownCommand.
func (d *Dispatcher) Dispatch(ctx context.Context, msg types.Message) (reply types.Message, err error) {
	cmd, ok := msg.Command()
	if !ok {
		return nil, fmt.Errorf("%w: message has no %s", ErrUnknownCommand, types.CommandKey)
	}

	d.mu.RLock()
	h, ok := d.handlers[cmd]
	d.mu.RUnlock()
	if !ok {
		d.collector.IncUnknownCommands()
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd)
	}

	d.collector.IncCommandsDispatched()
	defer func() {
		if r := recover(); r != nil {
			reply = nil
			err = &HandlerError{Command: cmd, Err: fmt.Errorf("panic: %v", r)}
		}
		if err != nil {
			d.collector.IncHandlerErrors()
		}
	}()

	reply, err = h.Handle(ctx, msg)
	if err != nil {
		return nil, &HandlerError{Command: cmd, Err: err}
	}
	return reply, nil
}

// Start launches the command and routine loops.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	d.baseCtx = ctx
	d.mu.Unlock()

	d.commands.Start(ctx)
	d.producer.Start(ctx)
}

// Close stops both loops without waiting.
func (d *Dispatcher) Close() {
	d.commands.Close()
	d.producer.Close()
}

// Join waits for both loops to exit.
func (d *Dispatcher) Join() {
	d.commands.Join()
	d.producer.Join()
}

func (d *Dispatcher) commandCycle(ctx context.Context) error {
	msg, addr := d.conn.Get(d.opts.GetTimeLimit)
	if msg.IsEmpty() {
		return nil
	}

	cmd, _ := msg.Command()
	reply, err := d.Dispatch(ctx, msg)
	switch {
	case errors.Is(err, ErrUnknownCommand):
		d.logger.Warn("unknown command", map[string]any{
			log.FieldKind: "handler",
			"cmd":         cmd,
		})
		return nil
	case err != nil:
		d.logger.Error("command failed", map[string]any{
			log.FieldKind: "handler",
			"cmd":         cmd,
			"error":       err.Error(),
		})
		return nil
	}

	if reply.IsEmpty() {
		return nil
	}
	if !d.conn.Put(reply, addr, d.opts.PutTimeLimit) {
		d.logger.Debug("reply dropped, outbound queue full", map[string]any{"cmd": cmd})
	}
	return nil
}

func (d *Dispatcher) routineCycle(ctx context.Context) error {
	session, active := d.conn.ActiveSession()

	d.mu.RLock()
	routine := d.routine
	d.mu.RUnlock()

	if !active || routine == nil {
		select {
		case <-ctx.Done():
		case <-time.After(d.opts.IdleInterval):
		}
		return nil
	}

	msg, err := d.produce(ctx, routine)
	if err != nil {
		return err
	}
	if msg.IsEmpty() {
		return nil
	}
	d.conn.Put(msg, session.Address, d.opts.PutTimeLimit)
	return nil
}

func (d *Dispatcher) produce(ctx context.Context, routine Producer) (msg types.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			msg = nil
			err = fmt.Errorf("routine producer panicked: %v", r)
		}
	}()
	return routine(ctx)
}

func (d *Dispatcher) guard(hook string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("session callback panicked", map[string]any{
				log.FieldKind: "handler",
				"hook":        hook,
				"panic":       fmt.Sprint(r),
			})
		}
	}()
	fn()
}
