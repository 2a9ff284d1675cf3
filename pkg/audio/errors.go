package audio

import (
	"errors"
	"fmt"
)

// MicReason classifies why a microphone could not be acquired.
type MicReason string

const (
	// ReasonPermissionDenied means the operator has to grant access or
	// perform a start gesture; automatic retries cannot succeed.
	ReasonPermissionDenied MicReason = "permission-denied"

	// ReasonNotFound means no capture device is present.
	ReasonNotFound MicReason = "not-found"

	// ReasonDeviceBusy means a device exists but could not be opened right
	// now; retrying later may succeed.
	ReasonDeviceBusy MicReason = "device-busy"
)

// Sentinel errors matched by [MicError.Is].
var (
	ErrPermissionDenied = errors.New("audio: microphone permission denied")
	ErrDeviceNotFound   = errors.New("audio: no capture device found")
	ErrDeviceBusy       = errors.New("audio: capture device busy")
)

// MicError reports a failed microphone acquisition.
type MicError struct {
	Reason MicReason
	Err    error
}

func (e *MicError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("audio: microphone unavailable (%s)", e.Reason)
	}
	return fmt.Sprintf("audio: microphone unavailable (%s): %v", e.Reason, e.Err)
}

func (e *MicError) Unwrap() error { return e.Err }

// Is matches the sentinel that corresponds to e.Reason.
func (e *MicError) Is(target error) bool {
	switch e.Reason {
	case ReasonPermissionDenied:
		return target == ErrPermissionDenied
	case ReasonNotFound:
		return target == ErrDeviceNotFound
	case ReasonDeviceBusy:
		return target == ErrDeviceBusy
	}
	return false
}

// Retryable reports whether acquisition may succeed later without operator
// action.
func (e *MicError) Retryable() bool { return e.Reason == ReasonDeviceBusy }
