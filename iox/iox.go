// Package iox provides I/O helpers for socket cleanup and error classification.
package iox

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// DiscardClose closes c and discards the error.
//
//	defer iox.DiscardClose(conn)
func DiscardClose(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

// CloseFunc returns a cleanup function that closes c, for t.Cleanup and friends.
func CloseFunc(c io.Closer) func() {
	return func() { DiscardClose(c) }
}

// DiscardErr calls fn and discards the returned error.
func DiscardErr(fn func() error) { _ = fn() }

// IsTimeout reports whether err is a deadline expiry on a socket.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsClosed reports whether err means the socket is gone: closed locally,
// closed by the peer, or reset.
func IsClosed(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, net.ErrClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return true
	}
	return false
}
