package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors used throughout the agent.
// Handlers translate these to HTTP status codes via a single mapError function.
var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidStream        = errors.New("stream name must be 1-64 non-blank characters")
	ErrEmptyPayload         = errors.New("payload must not be empty")
	ErrCycleInProgress      = errors.New("sync cycle already in progress")
	ErrNotConfigured        = errors.New("device is not paired")
	ErrNeedsReconfiguration = errors.New("device token rejected, needs reconfiguration")
	ErrInvalidSchedule      = errors.New("unrecognised schedule expression")
	ErrInvalidRecord        = errors.New("invalid signal record")

	ErrStorage           = errors.New("storage error")
	ErrDecode            = errors.New("payload decode error")
	ErrTransientNetwork  = errors.New("transient network error")
	ErrAuth              = errors.New("authentication failed")
	ErrUnsupportedStream = errors.New("unsupported stream")
)

// StorageError reports a failed durable read or write. It is always
// surfaced to the caller.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }
func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// DecodeError isolates one malformed payload to its own retry counter.
type DecodeError struct {
	ItemID string
	Stream StreamName
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s item %s: %v", e.Stream, e.ItemID, e.Err)
}
func (e *DecodeError) Unwrap() error        { return e.Err }
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// TransientNetworkError covers timeouts, lost connectivity and retryable
// server statuses. StatusCode is 0 when no response was received.
type TransientNetworkError struct {
	Stream     StreamName
	StatusCode int
	Err        error
}

func (e *TransientNetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upload %s: http %d: %v", e.Stream, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upload %s: %v", e.Stream, e.Err)
}
func (e *TransientNetworkError) Unwrap() error        { return e.Err }
func (e *TransientNetworkError) Is(target error) bool { return target == ErrTransientNetwork }

// AuthError means the device token was rejected. Retrying cannot succeed
// until the device is paired again.
type AuthError struct {
	StatusCode int
	Code       string
}

func (e *AuthError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("authentication failed: http %d %s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("authentication failed: http %d", e.StatusCode)
}
func (e *AuthError) Is(target error) bool { return target == ErrAuth }

// UnsupportedStreamError marks items for which no codec is registered.
type UnsupportedStreamError struct {
	Stream StreamName
}

func (e *UnsupportedStreamError) Error() string {
	return fmt.Sprintf("no codec registered for stream %q", e.Stream)
}
func (e *UnsupportedStreamError) Is(target error) bool { return target == ErrUnsupportedStream }

// FailureClass labels a failed item for logs and metrics.
type FailureClass string

const (
	FailureDecode      FailureClass = "decode"
	FailureNetwork     FailureClass = "network"
	FailureRejected    FailureClass = "rejected"
	FailureUnsupported FailureClass = "unsupported"
)

// ClassifyFailure maps an upload or decode error to its failure class.
func ClassifyFailure(err error) FailureClass {
	switch {
	case errors.Is(err, ErrDecode):
		return FailureDecode
	case errors.Is(err, ErrUnsupportedStream):
		return FailureUnsupported
	case errors.Is(err, ErrTransientNetwork):
		return FailureNetwork
	default:
		return FailureRejected
	}
}
