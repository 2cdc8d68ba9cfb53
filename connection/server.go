// Package connection implements the single-client framed TCP server.
//
// A Server owns one listening socket and at most one active client. For each
// client it runs a receiver and a sender duty; control keywords (LOGOUT, EXIT,
// SHUTDOWN) are answered and end the connection before reaching the inbound
// queue. Everything else flows through bounded, lossy queues exposed by Get and Put.
package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/k4Y53N/nanoServer/iox"
	"github.com/k4Y53N/nanoServer/ipc"
	"github.com/k4Y53N/nanoServer/lifecycle"
	"github.com/k4Y53N/nanoServer/log"
	"github.com/k4Y53N/nanoServer/metrics"
	"github.com/k4Y53N/nanoServer/types"
)

// Defaults applied by New for zero-valued options.
const (
	DefaultServerTimeout  = 300 * time.Second
	DefaultClientTimeout  = 30 * time.Second
	DefaultQueueSize      = 50
	DefaultQueueTimeLimit = 200 * time.Millisecond
)

// Hooks are invoked from the accept goroutine around each client session.
type Hooks struct {
	// OnConnect runs after accept and verification, before any message is read.
	OnConnect func(types.Session)
	// OnDisconnect runs after both duties have exited and the queues are cleared.
	OnDisconnect func(types.Session, types.DisconnectReason)
}

// Options configures a Server.
type Options struct {
	Host string
	Port int
	// ServerTimeout bounds each accept call; expiry just re-arms the accept.
	ServerTimeout time.Duration
	// ClientTimeout bounds each socket read and write. Zero uses the default;
	// a negative value disables the deadline.
	ClientTimeout time.Duration
	// QueueSize is the capacity of both the inbound and outbound queues.
	QueueSize int
	// QueueTimeLimit is how long the receiver waits on a full inbound queue
	// before dropping a message.
	QueueTimeLimit time.Duration
	// Verify optionally inspects a new session; a non-nil error rejects it.
	Verify func(types.Session) error

	Hooks     Hooks
	Logger    *log.Logger
	Collector *metrics.Collector
}

// Server is the framed connection server.
type Server struct {
	opts      Options
	logger    *log.Logger
	collector *metrics.Collector

	listener  *net.TCPListener
	addr      types.Address
	closeOnce sync.Once
	worker    *lifecycle.Worker

	inbound  chan types.Envelope
	outbound chan types.Envelope

	// sendMu serializes frame writes so header and body of two messages never interleave.
	sendMu sync.Mutex

	mu      sync.Mutex
	state   types.ConnectionState
	session *types.Session
	final   types.FinalControl
}

// New binds the listening socket and returns a server ready to Start.
func New(opts Options) (*Server, error) {
	if opts.ServerTimeout <= 0 {
		opts.ServerTimeout = DefaultServerTimeout
	}
	if opts.ClientTimeout == 0 {
		opts.ClientTimeout = DefaultClientTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.QueueTimeLimit <= 0 {
		opts.QueueTimeLimit = DefaultQueueTimeLimit
	}

	bindAddr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", bindAddr, err)
	}

	s := &Server{
		opts:      opts,
		collector: opts.Collector,
		listener:  ln.(*net.TCPListener),
		addr:      types.AddressOf(ln.Addr()),
		inbound:   make(chan types.Envelope, opts.QueueSize),
		outbound:  make(chan types.Envelope, opts.QueueSize),
		state:     types.StateListening,
	}
	s.logger = log.OrNop(opts.Logger).With(map[string]any{
		log.FieldServerAddr: s.addr.String(),
	})
	s.worker = lifecycle.New("connection", lifecycle.PhaseFuncs{
		InitFn:    s.listen,
		ExecuteFn: s.acceptOne,
		CloseFn:   s.shutdown,
	}, 0, s.logger)
	return s, nil
}

// Addr returns the bound listening address.
func (s *Server) Addr() types.Address {
	return s.addr
}

// Start launches the accept loop.
func (s *Server) Start(ctx context.Context) {
	s.worker.Start(ctx)
}

// Close stops accepting, ends any active session and closes the listener.
// It is idempotent and does not wait; use Join.
func (s *Server) Close() {
	s.worker.Close()
	s.closeListener()
}

// Join blocks until the accept loop has exited.
func (s *Server) Join() {
	s.worker.Join()
}

// Done returns a channel closed when the accept loop has exited.
func (s *Server) Done() <-chan struct{} {
	return s.worker.Done()
}

// IsConnected reports whether the server is still running.
func (s *Server) IsConnected() bool {
	return s.worker.Running()
}

// HasClient reports whether a client session is active.
func (s *Server) HasClient() bool {
	return s.State() == types.StateActive
}

// State returns the current connection state.
func (s *Server) State() types.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ActiveSession returns the current client session, if any.
func (s *Server) ActiveSession() (types.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return types.Session{}, false
	}
	return *s.session, true
}

// SetHooks replaces the session hooks. Call before Start.
func (s *Server) SetHooks(h Hooks) {
	s.mu.Lock()
	s.opts.Hooks = h
	s.mu.Unlock()
}

func (s *Server) hooks() Hooks {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.Hooks
}

// FinalControl reports whether a client asked the process to exit or shut down.
func (s *Server) FinalControl() types.FinalControl {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.final
}

// Get pops the oldest inbound message. If none arrives within timeLimit it
// returns a nil message and the active client's address (zero when idle).
func (s *Server) Get(timeLimit time.Duration) (types.Message, types.Address) {
	timer := time.NewTimer(timeLimit)
	defer timer.Stop()

	select {
	case env := <-s.inbound:
		return env.Message, env.Address
	case <-timer.C:
		return nil, s.activeAddress()
	}
}

// Put queues a message for the client at addr. If the outbound queue is
// still full after timeLimit the message is dropped. Put reports whether the
// message was queued.
func (s *Server) Put(msg types.Message, addr types.Address, timeLimit time.Duration) bool {
	env := types.Envelope{Message: msg, Address: addr}

	select {
	case s.outbound <- env:
		return true
	default:
	}

	timer := time.NewTimer(timeLimit)
	defer timer.Stop()
	select {
	case s.outbound <- env:
		return true
	case <-timer.C:
		s.collector.IncOutboundDropped()
		return false
	}
}

func (s *Server) activeAddress() types.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return types.Address{}
	}
	return s.session.Address
}

func (s *Server) setState(state types.ConnectionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Server) closeListener() {
	s.closeOnce.Do(func() {
		iox.DiscardClose(s.listener)
	})
}

func (s *Server) listen(ctx context.Context) error {
	// Cancellation from the parent unblocks a pending accept.
	context.AfterFunc(ctx, s.closeListener)

	s.setState(types.StateAccepting)
	s.logger.Info("server listening", nil)
	return nil
}

// acceptOne accepts and serves one client. An accept timeout just returns
// so the worker loop re-arms it.
func (s *Server) acceptOne(ctx context.Context) error {
	if err := s.listener.SetDeadline(time.Now().Add(s.opts.ServerTimeout)); err != nil && ctx.Err() == nil {
		s.logger.Warn("failed to set accept deadline", map[string]any{"error": err.Error()})
	}

	s.logger.Debug("waiting for client", nil)
	conn, err := s.listener.Accept()
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil
		case iox.IsTimeout(err):
			return nil
		case errors.Is(err, net.ErrClosed):
			s.worker.Close()
			return fmt.Errorf("listener closed unexpectedly: %w", err)
		default:
			s.collector.IncTransportErrors()
			return fmt.Errorf("accept: %w", err)
		}
	}

	s.handleClient(ctx, conn)
	return nil
}

func (s *Server) shutdown() {
	s.closeListener()
	s.clearQueues()
	s.setState(types.StateClosed)
	s.logger.Info("server closed", map[string]any{
		"final_control": s.FinalControl().String(),
	})
}

// handleClient runs one session from handshake to teardown.
func (s *Server) handleClient(ctx context.Context, conn net.Conn) {
	defer iox.DiscardClose(conn)

	session := types.Session{
		ID:          uuid.New().String(),
		Address:     types.AddressOf(conn.RemoteAddr()),
		ConnectedAt: time.Now(),
	}
	logger := s.logger.With(map[string]any{
		log.FieldSessionID:  session.ID,
		log.FieldClientAddr: session.Address.String(),
	})

	if s.opts.Verify != nil {
		if err := s.opts.Verify(session); err != nil {
			logger.Warn("client rejected", map[string]any{"error": err.Error()})
			return
		}
	}

	s.mu.Lock()
	s.session = &session
	s.state = types.StateActive
	s.mu.Unlock()

	s.collector.SessionStarted(session.ConnectedAt)
	logger.Info("client connected", nil)
	hooks := s.hooks()
	s.callHook(logger, "on_connect", func() {
		if hooks.OnConnect != nil {
			hooks.OnConnect(session)
		}
	})

	reason := s.serve(ctx, conn, session, logger)

	s.mu.Lock()
	s.state = types.StateDisconnecting
	s.session = nil
	s.mu.Unlock()

	s.clearQueues()
	s.collector.SessionEnded(string(reason))

	fields := map[string]any{
		"reason":      string(reason),
		"duration_ms": time.Since(session.ConnectedAt).Milliseconds(),
	}
	if reason.IsNormal() {
		logger.Info("client disconnected", fields)
	} else {
		logger.Warn("client disconnected", fields)
	}

	s.callHook(logger, "on_disconnect", func() {
		if hooks.OnDisconnect != nil {
			hooks.OnDisconnect(session, reason)
		}
	})

	if ctx.Err() == nil {
		s.setState(types.StateAccepting)
	}
}

// serve runs the receiver and sender duties until either ends the session.
func (s *Server) serve(ctx context.Context, conn net.Conn, session types.Session, logger *log.Logger) types.DisconnectReason {
	g, gctx := errgroup.WithContext(ctx)
	// Closing the socket unblocks whichever duty is still in a read or write.
	stop := context.AfterFunc(gctx, func() { iox.DiscardClose(conn) })
	defer stop()

	encoder := ipc.NewFrameEncoder(conn)
	g.Go(func() error { return s.receive(gctx, conn, encoder, session, logger) })
	g.Go(func() error { return s.send(gctx, conn, encoder, session, logger) })

	err := g.Wait()
	if err == nil {
		return types.ReasonServerClosed
	}
	return reasonOf(err)
}

func (s *Server) receive(ctx context.Context, conn net.Conn, encoder *ipc.FrameEncoder, session types.Session, logger *log.Logger) error {
	decoder := ipc.NewFrameDecoder(conn)

	for {
		if s.opts.ClientTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.opts.ClientTimeout))
		}

		msg, err := decoder.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ipc.IsProtocolError(err) {
				s.collector.IncProtocolErrors()
				logger.Error("protocol violation", map[string]any{
					log.FieldKind: "protocol",
					"error":       err.Error(),
				})
				return &disconnectError{reason: types.ReasonProtocol, err: err}
			}
			s.collector.IncTransportErrors()
			logger.Warn("receive failed", map[string]any{
				log.FieldKind: "transport",
				"error":       err.Error(),
				"peer_closed": iox.IsClosed(err),
				"timeout":     iox.IsTimeout(err),
			})
			return &disconnectError{reason: types.ReasonTransport, err: err}
		}

		s.collector.IncMessagesReceived()
		cmd, _ := msg.Command()

		if ack, ok := types.ControlAck(cmd); ok {
			return s.handleControl(conn, encoder, cmd, ack, logger)
		}

		if !s.enqueueInbound(ctx, types.Envelope{Message: msg, Address: session.Address}) {
			logger.Warn("inbound queue full, message dropped", map[string]any{"cmd": cmd})
		}
	}
}

func (s *Server) enqueueInbound(ctx context.Context, env types.Envelope) bool {
	timer := time.NewTimer(s.opts.QueueTimeLimit)
	defer timer.Stop()

	select {
	case s.inbound <- env:
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
		s.collector.IncInboundDropped()
		return false
	}
}

// handleControl acknowledges a control keyword and ends the session.
// EXIT and SHUTDOWN also record the final control and stop the server.
func (s *Server) handleControl(conn net.Conn, encoder *ipc.FrameEncoder, cmd string, ack types.Message, logger *log.Logger) error {
	if err := s.writeBlocking(conn, encoder, ack); err != nil {
		logger.Warn("failed to send control acknowledgement", map[string]any{
			log.FieldKind: "transport",
			"cmd":         cmd,
			"error":       err.Error(),
		})
	}

	var reason types.DisconnectReason
	switch cmd {
	case types.CmdExit:
		reason = types.ReasonExit
		s.setFinal(types.FinalExit)
	case types.CmdShutdown:
		reason = types.ReasonShutdown
		s.setFinal(types.FinalShutdown)
	default:
		reason = types.ReasonLogout
	}

	logger.Info("control keyword received", map[string]any{"cmd": cmd})
	if reason != types.ReasonLogout {
		s.Close()
	}
	return &disconnectError{reason: reason}
}

func (s *Server) setFinal(f types.FinalControl) {
	s.mu.Lock()
	s.final = f
	s.mu.Unlock()
}

func (s *Server) send(ctx context.Context, conn net.Conn, encoder *ipc.FrameEncoder, session types.Session, logger *log.Logger) error {
	for {
		var env types.Envelope
		select {
		case <-ctx.Done():
			return nil
		case env = <-s.outbound:
		}

		if env.Address != session.Address {
			s.collector.IncSendsSkipped()
			continue
		}

		sent, err := s.writeBestEffort(conn, encoder, env.Message)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ipc.IsEncodeError(err) {
				logger.Error("dropping unencodable message", map[string]any{
					log.FieldKind: "handler",
					"error":       err.Error(),
				})
				continue
			}
			s.collector.IncTransportErrors()
			logger.Warn("send failed", map[string]any{
				log.FieldKind: "transport",
				"error":       err.Error(),
			})
			return &disconnectError{reason: types.ReasonTransport, err: err}
		}
		if !sent {
			s.collector.IncSendsSkipped()
		}
	}
}

// writeBestEffort writes msg only if no other write holds the send lock.
func (s *Server) writeBestEffort(conn net.Conn, encoder *ipc.FrameEncoder, msg types.Message) (bool, error) {
	if !s.sendMu.TryLock() {
		return false, nil
	}
	defer s.sendMu.Unlock()
	return true, s.write(conn, encoder, msg)
}

// writeBlocking waits for the send lock; used for control acknowledgements.
func (s *Server) writeBlocking(conn net.Conn, encoder *ipc.FrameEncoder, msg types.Message) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.write(conn, encoder, msg)
}

func (s *Server) write(conn net.Conn, encoder *ipc.FrameEncoder, msg types.Message) error {
	if s.opts.ClientTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.opts.ClientTimeout))
	}
	if err := encoder.WriteMessage(msg); err != nil {
		return err
	}
	s.collector.IncMessagesSent()
	return nil
}

func (s *Server) clearQueues() {
	for {
		select {
		case <-s.inbound:
		case <-s.outbound:
		default:
			return
		}
	}
}

func (s *Server) callHook(logger *log.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("session hook panicked", map[string]any{
				log.FieldKind: "handler",
				"hook":        name,
				"panic":       fmt.Sprint(r),
			})
		}
	}()
	fn()
}
