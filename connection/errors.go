package connection

import (
	"errors"
	"fmt"

	"github.com/k4Y53N/nanoServer/types"
)

// VerificationError rejects a client during the accept handshake.
// The connection is closed without starting its duties; the server keeps accepting.
type VerificationError struct {
	Address types.Address
	Reason  string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification failed for %s: %s", e.Address, e.Reason)
}

// disconnectError carries the reason a connection duty ended.
type disconnectError struct {
	reason types.DisconnectReason
	err    error
}

func (e *disconnectError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.reason, e.err)
	}
	return string(e.reason)
}

func (e *disconnectError) Unwrap() error {
	return e.err
}

func reasonOf(err error) types.DisconnectReason {
	var de *disconnectError
	if errors.As(err, &de) {
		return de.reason
	}
	return types.ReasonTransport
}
