// Package types defines the domain types shared by the nanoServer packages:
// wire messages, sessions, pipeline frames and detector descriptors.
//
//nolint:revive // types is a common Go package naming convention
package types

import (
	"fmt"
	"net"
	"strconv"
)

// CommandKey is the message field that identifies a message's type.
const CommandKey = "CMD"

// Message is one decoded wire message: a JSON object keyed by string.
// Every valid message carries a string CMD field.
type Message map[string]any

// Command returns the CMD field and whether it is present as a string.
func (m Message) Command() (string, bool) {
	if m == nil {
		return "", false
	}
	cmd, ok := m[CommandKey].(string)
	return cmd, ok
}

// IsEmpty reports whether the message carries no fields.
func (m Message) IsEmpty() bool {
	return len(m) == 0
}

// Clone returns a shallow copy of the message.
func (m Message) Clone() Message {
	if m == nil {
		return nil
	}
	out := make(Message, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// NewMessage returns a message with only its CMD field set.
func NewMessage(cmd string) Message {
	return Message{CommandKey: cmd}
}

// Address identifies a TCP peer. The zero value means "no peer".
type Address struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// AddressOf converts a net.Addr into an Address.
// Addresses that cannot be split into host and port yield the zero value.
func AddressOf(addr net.Addr) Address {
	if addr == nil {
		return Address{}
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return Address{}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Address{}
	}
	return Address{Host: host, Port: port}
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a.Host == "" && a.Port == 0
}

// String formats the address as host:port.
func (a Address) String() string {
	if a.IsZero() {
		return ""
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Envelope pairs a message with the peer it came from or is addressed to.
type Envelope struct {
	Message Message
	Address Address
}

// String implements fmt.Stringer for log output.
func (e Envelope) String() string {
	cmd, _ := e.Message.Command()
	return fmt.Sprintf("%s@%s", cmd, e.Address)
}
