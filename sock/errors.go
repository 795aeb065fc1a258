package sock

import (
	"errors"
	"strings"
)

// Contract violations. Hitting one of these is a programming error on the
// caller's side, not a recoverable runtime condition.
var (
	// ErrConnClosed is returned when an operation is attempted on a
	// connection whose descriptor has already been released.
	ErrConnClosed = errors.New("sock: connection closed")

	// ErrCloseInProgress is returned when a write is submitted after a
	// close has been requested but before pending sends have drained.
	ErrCloseInProgress = errors.New("sock: close in progress")

	// ErrAlreadyConnected is returned by Connect on a connection that
	// already has a peer. Reconnection is not supported.
	ErrAlreadyConnected = errors.New("sock: already connected")

	// ErrNoHandler is returned when a readiness source is created without
	// a handler to deliver events to.
	ErrNoHandler = errors.New("sock: readiness source requires a handler")
)

type MultiError []error

func (m MultiError) Error() string {
	var b strings.Builder
	b.WriteString("multiple errors:")
	for _, err := range m {
		b.WriteString("\n- " + err.Error())
	}
	return b.String()
}
