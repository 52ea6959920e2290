package session

import (
	"errors"
	"fmt"
)

var (
	// ErrCaptureStart marks a capture that could not be started after its
	// retry.
	ErrCaptureStart = errors.New("capture could not be started")
	// ErrNoInputDevice indicates neither the requested device nor a system
	// default exists.
	ErrNoInputDevice = errors.New("no input device available")
	// ErrDeviceDisconnected is the restart cause when the bound device vanishes.
	ErrDeviceDisconnected = errors.New("bound input device disconnected")
)

// StartError reports an unrecoverable start failure.
type StartError struct {
	UID      string
	Attempts int
	Err      error
}

func (e *StartError) Error() string {
	uid := e.UID
	if uid == "" {
		uid = "system default"
	}
	return fmt.Sprintf("start capture on %s after %d attempts: %v", uid, e.Attempts, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

func (e *StartError) Is(target error) bool { return target == ErrCaptureStart }
