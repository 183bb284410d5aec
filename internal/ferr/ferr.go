// Package ferr defines the typed error kinds shared across the firmware
// core, following the bracketed-component error-wrapping convention used
// throughout the reviewed fleet client and server.
package ferr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can branch on errors.Is / errors.As
// instead of matching error strings.
type Kind int

const (
	// Init indicates a component failed to come up (driver/memory/certs).
	Init Kind = iota
	// Memory indicates an allocation in a bounded pool failed.
	Memory
	// AudioDriver indicates a short or failed frame read from the mic driver.
	AudioDriver
	// WakeWordModel indicates a schema mismatch or tensor shape mismatch.
	WakeWordModel
	// WifiFailed indicates association was lost or never reached UP.
	WifiFailed
	// TlsFailed indicates a handshake, verification, or key/cert mismatch.
	TlsFailed
	// WebSocketFailed indicates a transport error, oversize message, or
	// send/receive failure.
	WebSocketFailed
	// SessionState indicates an operation invalid for the current state.
	SessionState
)

func (k Kind) String() string {
	switch k {
	case Init:
		return "init"
	case Memory:
		return "memory"
	case AudioDriver:
		return "audio_driver"
	case WakeWordModel:
		return "wake_word_model"
	case WifiFailed:
		return "wifi_failed"
	case TlsFailed:
		return "tls_failed"
	case WebSocketFailed:
		return "websocket_failed"
	case SessionState:
		return "session_state"
	default:
		return "unknown"
	}
}

// Error is the single typed error carried across component boundaries.
// Op names the component/operation that failed (e.g. "tlssession.load").
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Op)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a Kind and the operation that produced it. err may be nil.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}
