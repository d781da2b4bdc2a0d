package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportUnavailable means no connection is open; commands stay queued.
	ErrTransportUnavailable = errors.New("dispatch: transport unavailable")

	// ErrFlowRunning is returned when a flow is started while another runs.
	ErrFlowRunning = errors.New("dispatch: flow already running")

	// ErrEmergencyTimeout means the device never answered a suspend command.
	ErrEmergencyTimeout = errors.New("dispatch: no reply to emergency command")

	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("dispatch: transport closed")
)

// TransportError is an I/O failure against the device link.
type TransportError struct {
	Op  string // "open", "read", "write" or "close"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsWriteFailure reports whether err is a failed frame write.
func IsWriteFailure(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Op == "write"
}
