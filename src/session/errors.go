package session

import (
	"errors"
	"fmt"
)

// ErrPermissionDenied is returned (possibly wrapped) by a Microphone when the
// user or environment refuses capture access.
var ErrPermissionDenied = errors.New("microphone permission denied")

// ErrCallInProgress is returned by StartCall while a session is already
// Connecting or Active.
var ErrCallInProgress = errors.New("call already in progress")

// ErrorCategory classifies a call failure for user-facing handling
type ErrorCategory string

const (
	// CategoryPermissionDenied means microphone access was refused. Terminal
	// for the attempt; the user must retry explicitly.
	CategoryPermissionDenied ErrorCategory = "permission_denied"

	// CategoryConnectionFailed means the credential fetch or transport
	// handshake failed. Terminal for the attempt.
	CategoryConnectionFailed ErrorCategory = "connection_failed"

	// CategoryProtocolParse means an individual side-channel message could not
	// be parsed. Never terminal; the message is dropped and the call continues.
	CategoryProtocolParse ErrorCategory = "protocol_parse"

	// CategoryUnknown is the catch-all for any other setup failure.
	CategoryUnknown ErrorCategory = "unknown"
)

// CallError is the user-facing error descriptor published on the session
type CallError struct {
	Category ErrorCategory
	Message  string
	Err      error
}

func (e *CallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// classifyStartError maps a setup failure onto the error taxonomy
func classifyStartError(stage string, err error) *CallError {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return &CallError{
			Category: CategoryPermissionDenied,
			Message:  "microphone access was denied",
			Err:      err,
		}
	case stage == "credentials" || stage == "handshake":
		return &CallError{
			Category: CategoryConnectionFailed,
			Message:  "could not connect to the voice service",
			Err:      err,
		}
	default:
		return &CallError{
			Category: CategoryUnknown,
			Message:  err.Error(),
			Err:      err,
		}
	}
}
