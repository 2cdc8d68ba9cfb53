// Package metrics collects server counters and exports them to Prometheus.
//
// The Collector is a leaf package with no internal dependencies. All
// increment methods are nil-receiver safe so components may run without one.
package metrics

import (
	"sync"
	"time"
)

// Snapshot is an immutable point-in-time view of all counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Connection
	SessionsAccepted     int64
	SessionsEnded        int64
	DisconnectsByReason  map[string]int64
	MessagesReceived     int64
	MessagesSent         int64
	InboundDropped       int64
	OutboundDropped      int64
	SendsSkipped         int64
	ProtocolErrors       int64
	TransportErrors      int64
	ClientConnected      bool
	LastSessionStartedAt time.Time

	// Dispatcher
	CommandsDispatched int64
	UnknownCommands    int64
	HandlerErrors      int64

	// Pipeline
	FramesProduced    int64
	FramesUnavailable int64
	PipelineTimeouts  int64

	// Detector
	DetectorLoads        int64
	DetectorLoadFailures int64
	DetectorLoadsDropped int64

	// Motion
	MotionCommands int64
	MotionStops    int64

	// Adapter
	AdapterPublished int64
	AdapterFailures  int64

	// Dimensions (informational, set at construction)
	ServerAddr string
	Version    string
}

// Collector accumulates server counters.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex
	s  Snapshot
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(serverAddr, version string) *Collector {
	return &Collector{s: Snapshot{
		DisconnectsByReason: make(map[string]int64),
		ServerAddr:          serverAddr,
		Version:             version,
	}}
}

// SetServerAddr records the bound listener address once it is known.
func (c *Collector) SetServerAddr(addr string) {
	c.update(func(s *Snapshot) { s.ServerAddr = addr })
}

func (c *Collector) update(fn func(s *Snapshot)) {
	if c == nil {
		return
	}
	c.mu.Lock()
	fn(&c.s)
	c.mu.Unlock()
}

// --- Connection ---

// SessionStarted records an accepted client.
func (c *Collector) SessionStarted(at time.Time) {
	c.update(func(s *Snapshot) {
		s.SessionsAccepted++
		s.ClientConnected = true
		s.LastSessionStartedAt = at
	})
}

// SessionEnded records a client teardown and its reason.
func (c *Collector) SessionEnded(reason string) {
	c.update(func(s *Snapshot) {
		s.SessionsEnded++
		s.ClientConnected = false
		s.DisconnectsByReason[reason]++
	})
}

// IncMessagesReceived records one decoded inbound message.
func (c *Collector) IncMessagesReceived() { c.update(func(s *Snapshot) { s.MessagesReceived++ }) }

// IncMessagesSent records one message written to the socket.
func (c *Collector) IncMessagesSent() { c.update(func(s *Snapshot) { s.MessagesSent++ }) }

// IncInboundDropped records an inbound message dropped on a full queue.
func (c *Collector) IncInboundDropped() { c.update(func(s *Snapshot) { s.InboundDropped++ }) }

// IncOutboundDropped records an outbound message dropped on a full queue.
func (c *Collector) IncOutboundDropped() { c.update(func(s *Snapshot) { s.OutboundDropped++ }) }

// IncSendsSkipped records a best-effort send that was not written
// (stale address or send lock busy).
func (c *Collector) IncSendsSkipped() { c.update(func(s *Snapshot) { s.SendsSkipped++ }) }

// IncProtocolErrors records a malformed inbound frame.
func (c *Collector) IncProtocolErrors() { c.update(func(s *Snapshot) { s.ProtocolErrors++ }) }

// IncTransportErrors records a socket failure.
func (c *Collector) IncTransportErrors() { c.update(func(s *Snapshot) { s.TransportErrors++ }) }

// --- Dispatcher ---

// IncCommandsDispatched records a command routed to a handler.
func (c *Collector) IncCommandsDispatched() { c.update(func(s *Snapshot) { s.CommandsDispatched++ }) }

// IncUnknownCommands records a command with no registered handler.
func (c *Collector) IncUnknownCommands() { c.update(func(s *Snapshot) { s.UnknownCommands++ }) }

// IncHandlerErrors records a handler that returned an error or panicked.
func (c *Collector) IncHandlerErrors() { c.update(func(s *Snapshot) { s.HandlerErrors++ }) }

// --- Pipeline ---

// IncFramesProduced records an available frame.
func (c *Collector) IncFramesProduced() { c.update(func(s *Snapshot) { s.FramesProduced++ }) }

// IncFramesUnavailable records a cycle that produced no frame.
func (c *Collector) IncFramesUnavailable() { c.update(func(s *Snapshot) { s.FramesUnavailable++ }) }

// IncPipelineTimeouts records a cycle that hit the processing timeout.
func (c *Collector) IncPipelineTimeouts() { c.update(func(s *Snapshot) { s.PipelineTimeouts++ }) }

// --- Detector ---

// IncDetectorLoads records a successful model load.
func (c *Collector) IncDetectorLoads() { c.update(func(s *Snapshot) { s.DetectorLoads++ }) }

// IncDetectorLoadFailures records a failed model load.
func (c *Collector) IncDetectorLoadFailures() {
	c.update(func(s *Snapshot) { s.DetectorLoadFailures++ })
}

// IncDetectorLoadsDropped records a load request dropped while another load was running.
func (c *Collector) IncDetectorLoadsDropped() {
	c.update(func(s *Snapshot) { s.DetectorLoadsDropped++ })
}

// --- Motion ---

// IncMotionCommands records a motion command applied to the actuator.
func (c *Collector) IncMotionCommands() { c.update(func(s *Snapshot) { s.MotionCommands++ }) }

// IncMotionStops records an automatic or explicit stop.
func (c *Collector) IncMotionStops() { c.update(func(s *Snapshot) { s.MotionStops++ }) }

// --- Adapter ---

// IncAdapterPublished records a delivered session event.
func (c *Collector) IncAdapterPublished() { c.update(func(s *Snapshot) { s.AdapterPublished++ }) }

// IncAdapterFailures records a session event that could not be delivered.
func (c *Collector) IncAdapterFailures() { c.update(func(s *Snapshot) { s.AdapterFailures++ }) }

// Snapshot returns a deep copy of the current counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{DisconnectsByReason: map[string]int64{}}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.s
	out.DisconnectsByReason = make(map[string]int64, len(c.s.DisconnectsByReason))
	for k, v := range c.s.DisconnectsByReason {
		out.DisconnectsByReason[k] = v
	}
	return out
}
