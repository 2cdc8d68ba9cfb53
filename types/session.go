package types

import "time"

// Session describes one accepted client connection.
type Session struct {
	// ID is a unique identifier assigned on accept.
	ID string `json:"id"`
	// Address is the client's peer address.
	Address Address `json:"address"`
	// ConnectedAt is when the connection was accepted.
	ConnectedAt time.Time `json:"connected_at"`
}

// DisconnectReason explains why a session ended.
type DisconnectReason string

// Disconnect reasons.
const (
	ReasonLogout       DisconnectReason = "logout"
	ReasonExit         DisconnectReason = "exit"
	ReasonShutdown     DisconnectReason = "shutdown"
	ReasonProtocol     DisconnectReason = "protocol"
	ReasonTransport    DisconnectReason = "transport"
	ReasonServerClosed DisconnectReason = "server_closed"
)

// IsNormal reports whether the session ended through a control keyword.
func (r DisconnectReason) IsNormal() bool {
	return r == ReasonLogout || r == ReasonExit || r == ReasonShutdown
}

// FinalControl records how the owning process should stop once the server has closed.
type FinalControl int

const (
	// FinalNone means the server was closed without a client request.
	FinalNone FinalControl = iota
	// FinalExit means a client asked the process to exit.
	FinalExit
	// FinalShutdown means a client asked the process to exit and power off the host.
	FinalShutdown
)

// String returns the lowercase name of the final control.
func (f FinalControl) String() string {
	switch f {
	case FinalExit:
		return "exit"
	case FinalShutdown:
		return "shutdown"
	default:
		return "none"
	}
}

// ConnectionState is the state of the framed connection server.
type ConnectionState int

// Connection states.
const (
	StateListening ConnectionState = iota
	StateAccepting
	StateActive
	StateDisconnecting
	StateClosed
)

// String returns the state name.
func (s ConnectionState) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateAccepting:
		return "accepting"
	case StateActive:
		return "active"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
