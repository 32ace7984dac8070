package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Category classifies orchestration failures so callers can decide whether to
// rethrow, retry silently, or surface an event.
type Category int

const (
	// CategorySetup - fatal to start/resume, rethrown to the caller.
	CategorySetup Category = iota
	// CategoryTransient - caught, logged, retried on the next poll tick.
	CategoryTransient
	// CategoryRemote - the remote runtime reported an operational error.
	CategoryRemote
	// CategoryCancel - explicit abort/stop, never treated as a failure.
	CategoryCancel
)

// SetupError wraps a failure that must abort session creation entirely.
type SetupError struct {
	Op  string // operation that failed, e.g. "create remote session"
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("setup failed: %s: %v", e.Op, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// NewSetup wraps err as a setup failure for the named operation.
func NewSetup(op string, err error) error {
	if err == nil {
		return nil
	}
	return &SetupError{Op: op, Err: err}
}

// RemoteError carries an operational error reported by the remote runtime,
// either on an assistant message or through a retry status.
type RemoteError struct {
	RemoteSessionID string
	Message         string
}

func (e *RemoteError) Error() string {
	if e.RemoteSessionID == "" {
		return fmt.Sprintf("remote runtime error: %s", e.Message)
	}
	return fmt.Sprintf("remote runtime error (session %s): %s", e.RemoteSessionID, e.Message)
}

// APIError reports a non-2xx response from the remote runtime HTTP API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("runtime API returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("runtime API returned status %d: %s", e.StatusCode, e.Body)
}

// IsSetup reports whether err is a setup failure.
func IsSetup(err error) bool {
	var setupErr *SetupError
	return errors.As(err, &setupErr)
}

// IsRemote reports whether err carries a remote-reported operational error.
func IsRemote(err error) bool {
	var remoteErr *RemoteError
	return errors.As(err, &remoteErr)
}

// IsCanceled reports whether err stems from explicit cancellation. Cancellation
// is excluded from error logging throughout the engine.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// IsTransient reports whether err looks like a transient network/API failure
// that the poll loop should absorb and retry on the next tick.
func IsTransient(err error) bool {
	if err == nil || IsCanceled(err) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == 429
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded)
}

// Classify maps err onto the failure taxonomy.
func Classify(err error) Category {
	switch {
	case IsCanceled(err):
		return CategoryCancel
	case IsRemote(err):
		return CategoryRemote
	case IsTransient(err):
		return CategoryTransient
	default:
		return CategorySetup
	}
}
