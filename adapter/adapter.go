// Package adapter publishes client session notifications to downstream
// systems. Publishing never blocks the connection: events are queued and
// delivered by a background Notifier.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Event types.
const (
	EventClientConnected    = "client_connected"
	EventClientDisconnected = "client_disconnected"
)

// SessionEvent describes a client connecting or disconnecting.
type SessionEvent struct {
	EventType  string `json:"event_type" msgpack:"event_type"`
	SessionID  string `json:"session_id" msgpack:"session_id"`
	ClientAddr string `json:"client_addr" msgpack:"client_addr"`
	ServerAddr string `json:"server_addr" msgpack:"server_addr"`
	Version    string `json:"version" msgpack:"version"`
	Timestamp  string `json:"timestamp" msgpack:"timestamp"` // RFC 3339
	Reason     string `json:"reason,omitempty" msgpack:"reason,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty" msgpack:"duration_ms,omitempty"`
}

// Adapter publishes session events to a downstream system.
type Adapter interface {
	// Publish sends one event. Must respect ctx cancellation.
	Publish(ctx context.Context, event *SessionEvent) error
	Close() error
}

// Codec names.
const (
	CodecJSON    = "json"
	CodecMsgpack = "msgpack"
)

// Encode serialises event with the named codec and returns the body and its
// content type. An empty codec means JSON.
func Encode(codec string, event *SessionEvent) ([]byte, string, error) {
	switch codec {
	case "", CodecJSON:
		b, err := json.Marshal(event)
		return b, "application/json", err
	case CodecMsgpack:
		b, err := msgpack.Marshal(event)
		return b, "application/msgpack", err
	default:
		return nil, "", fmt.Errorf("unknown codec %q", codec)
	}
}

// Decode is the inverse of Encode.
func Decode(codec string, body []byte) (*SessionEvent, error) {
	var ev SessionEvent
	var err error
	switch codec {
	case "", CodecJSON:
		err = json.Unmarshal(body, &ev)
	case CodecMsgpack:
		err = msgpack.Unmarshal(body, &ev)
	default:
		err = fmt.Errorf("unknown codec %q", codec)
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// ValidCodec reports whether codec is supported.
func ValidCodec(codec string) bool {
	return codec == "" || codec == CodecJSON || codec == CodecMsgpack
}

// Retry calls fn up to 1+retries times with exponential backoff starting at
// base. It stops early when ctx ends or when permanent reports true.
func Retry(ctx context.Context, retries int, base time.Duration, fn func(ctx context.Context) error, permanent func(error) bool) error {
	var lastErr error
	attempts := 1 + retries
	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context canceled: %w", err)
		}
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * base
			select {
			case <-ctx.Done():
				return fmt.Errorf("context canceled during backoff: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if permanent != nil && permanent(lastErr) {
			return fmt.Errorf("non-retriable error: %w", lastErr)
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}
