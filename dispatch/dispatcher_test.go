package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/k4Y53N/nanoServer/metrics"
	"github.com/k4Y53N/nanoServer/types"
)

// fakeConn is an in-memory Conn.
type fakeConn struct {
	inbound chan types.Envelope

	mu      sync.Mutex
	sent    []types.Envelope
	session *types.Session
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan types.Envelope, 16)}
}

func (c *fakeConn) Get(timeLimit time.Duration) (types.Message, types.Address) {
	select {
	case env := <-c.inbound:
		return env.Message, env.Address
	case <-time.After(timeLimit):
		return nil, types.Address{}
	}
}

func (c *fakeConn) Put(msg types.Message, addr types.Address, _ time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, types.Envelope{Message: msg, Address: addr})
	return true
}

func (c *fakeConn) ActiveSession() (types.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return types.Session{}, false
	}
	return *c.session, true
}

func (c *fakeConn) setSession(s *types.Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

func (c *fakeConn) sentMessages() []types.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.Envelope(nil), c.sent...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

var clientAddr = types.Address{Host: "127.0.0.1", Port: 40000}

func TestDispatch_RoutesToHandler(t *testing.T) {
	d := New(newFakeConn(), Options{})
	d.RegisterFunc(types.CmdGetSysInfo, func(context.Context, types.Message) (types.Message, error) {
		return types.SysInfo(false, false, 640, 480), nil
	})

	reply, err := d.Dispatch(context.Background(), types.NewMessage(types.CmdGetSysInfo))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if cmd, _ := reply.Command(); cmd != types.CmdSysInfo {
		t.Errorf("reply CMD = %q, want %q", cmd, types.CmdSysInfo)
	}
}

func TestDispatch_UnknownCommand(t *testing.T) {
	c := metrics.NewCollector("", "")
	d := New(newFakeConn(), Options{Collector: c})

	_, err := d.Dispatch(context.Background(), types.NewMessage("WHAT"))
	if !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("err = %v, want ErrUnknownCommand", err)
	}
	if got := c.Snapshot().UnknownCommands; got != 1 {
		t.Errorf("UnknownCommands = %d, want 1", got)
	}
}

func TestDispatch_HandlerFailuresIsolated(t *testing.T) {
	c := metrics.NewCollector("", "")
	d := New(newFakeConn(), Options{Collector: c})
	d.RegisterFunc("PANIC", func(context.Context, types.Message) (types.Message, error) {
		panic("bad handler")
	})
	d.RegisterFunc("FAIL", func(context.Context, types.Message) (types.Message, error) {
		return nil, errors.New("no camera")
	})
	d.RegisterFunc("OK", func(context.Context, types.Message) (types.Message, error) {
		return types.NewMessage("DONE"), nil
	})

	var he *HandlerError
	if _, err := d.Dispatch(context.Background(), types.NewMessage("PANIC")); !errors.As(err, &he) || he.Command != "PANIC" {
		t.Errorf("panic err = %v, want HandlerError for PANIC", err)
	}
	if _, err := d.Dispatch(context.Background(), types.NewMessage("FAIL")); !errors.As(err, &he) {
		t.Errorf("fail err = %v, want HandlerError", err)
	}
	reply, err := d.Dispatch(context.Background(), types.NewMessage("OK"))
	if err != nil {
		t.Fatalf("dispatch after failures: %v", err)
	}
	if cmd, _ := reply.Command(); cmd != "DONE" {
		t.Errorf("reply CMD = %q, want DONE", cmd)
	}
	if got := c.Snapshot().HandlerErrors; got != 2 {
		t.Errorf("HandlerErrors = %d, want 2", got)
	}
}

func TestDispatcher_CommandLoopRepliesToSender(t *testing.T) {
	conn := newFakeConn()
	d := New(conn, Options{GetTimeLimit: 10 * time.Millisecond})
	d.RegisterFunc(types.CmdGetConfig, func(context.Context, types.Message) (types.Message, error) {
		return types.ConfigReply(nil), nil
	})
	d.RegisterFunc(types.CmdSetStream, func(context.Context, types.Message) (types.Message, error) {
		return nil, nil
	})

	d.Start(context.Background())
	defer func() {
		d.Close()
		d.Join()
	}()

	conn.inbound <- types.Envelope{Message: types.NewMessage(types.CmdSetStream), Address: clientAddr}
	conn.inbound <- types.Envelope{Message: types.NewMessage("UNKNOWN"), Address: clientAddr}
	conn.inbound <- types.Envelope{Message: types.NewMessage(types.CmdGetConfig), Address: clientAddr}

	waitFor(t, func() bool { return len(conn.sentMessages()) == 1 })
	sent := conn.sentMessages()[0]
	if cmd, _ := sent.Message.Command(); cmd != types.CmdConfig {
		t.Errorf("sent CMD = %q, want %q", cmd, types.CmdConfig)
	}
	if sent.Address != clientAddr {
		t.Errorf("sent to %v, want %v", sent.Address, clientAddr)
	}
}

func TestDispatcher_RoutineOnlyWhileActive(t *testing.T) {
	conn := newFakeConn()
	d := New(conn, Options{IdleInterval: 5 * time.Millisecond})

	var mu sync.Mutex
	calls := 0
	d.SetRoutine(func(context.Context) (types.Message, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		time.Sleep(2 * time.Millisecond)
		if calls%2 == 0 {
			return nil, nil
		}
		return types.FrameReply(types.Frame{Image: "img"}), nil
	})
	countCalls := func() int {
		mu.Lock()
		defer mu.Unlock()
		return calls
	}

	d.Start(context.Background())
	defer func() {
		d.Close()
		d.Join()
	}()

	time.Sleep(30 * time.Millisecond)
	if n := countCalls(); n != 0 {
		t.Fatalf("producer called %d times without a client", n)
	}

	conn.setSession(&types.Session{ID: "s1", Address: clientAddr})
	waitFor(t, func() bool { return countCalls() >= 4 })
	conn.setSession(nil)

	for _, env := range conn.sentMessages() {
		if cmd, _ := env.Message.Command(); cmd != types.CmdFrame {
			t.Errorf("unexpected message %q", cmd)
		}
		if env.Address != clientAddr {
			t.Errorf("frame sent to %v, want %v", env.Address, clientAddr)
		}
	}
	// Empty results are never queued.
	if sent, n := len(conn.sentMessages()), countCalls(); sent > (n+1)/2 {
		t.Errorf("sent %d frames for %d calls", sent, n)
	}
}

func TestDispatcher_SetRoutineReplaces(t *testing.T) {
	conn := newFakeConn()
	conn.setSession(&types.Session{ID: "s1", Address: clientAddr})
	d := New(conn, Options{})

	d.SetRoutine(func(context.Context) (types.Message, error) { return types.NewMessage("OLD"), nil })
	d.SetRoutine(func(context.Context) (types.Message, error) { return types.NewMessage("NEW"), nil })

	d.Start(context.Background())
	waitFor(t, func() bool { return len(conn.sentMessages()) > 0 })
	d.Close()
	d.Join()

	for _, env := range conn.sentMessages() {
		if cmd, _ := env.Message.Command(); cmd != "NEW" {
			t.Fatalf("old producer still active: %q", cmd)
		}
	}
}

func TestDispatcher_EnterExitHooks(t *testing.T) {
	d := New(newFakeConn(), Options{})

	var entered, exited []string
	d.OnEnter(func(_ context.Context, s types.Session) { panic("first hook fails") })
	d.OnEnter(func(_ context.Context, s types.Session) { entered = append(entered, s.ID) })
	d.OnExit(func(_ context.Context, s types.Session, r types.DisconnectReason) {
		exited = append(exited, s.ID+":"+string(r))
	})

	hooks := d.Hooks()
	session := types.Session{ID: "s1", Address: clientAddr}
	hooks.OnConnect(session)
	hooks.OnDisconnect(session, types.ReasonLogout)

	if len(entered) != 1 || entered[0] != "s1" {
		t.Errorf("entered = %v, want [s1]", entered)
	}
	if len(exited) != 1 || exited[0] != "s1:logout" {
		t.Errorf("exited = %v, want [s1:logout]", exited)
	}
}

func TestDispatcher_CloseIdempotent(t *testing.T) {
	d := New(newFakeConn(), Options{})
	d.Close()
	d.Start(context.Background())
	d.Close()
	d.Close()
	d.Join()
}
