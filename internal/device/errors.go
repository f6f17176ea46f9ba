package device

import (
	"errors"
	"fmt"
	"strings"
)

// Bridge error taxonomy
var (
	ErrPermissionDenied   = errors.New("permission denied")
	ErrAdapterNotReady    = errors.New("adapter not ready")
	ErrCapacityExceeded   = errors.New("capacity exceeded")
	ErrDeviceNotConnected = errors.New("device not connected")
	ErrSetupFailed        = errors.New("setup failed")
	ErrMalformedTopic     = errors.New("malformed topic")
	ErrTransportLost      = errors.New("transport lost")
)

// Operation errors
var (
	ErrScanInProgress    = errors.New("scan already in progress")
	ErrConnectInProgress = errors.New("connection transition in progress")
	ErrClosed            = errors.New("closed")
	ErrUnsupported       = errors.New("unsupported")
)

// SetupStage identifies the part of connection setup that failed
type SetupStage string

const (
	StageDiscover  SetupStage = "discover"
	StageSubscribe SetupStage = "subscribe"
	StageLost      SetupStage = "lost"
)

// SetupError is returned when channel discovery or subscription fails after a transport connect.
type SetupError struct {
	ID    string
	Stage SetupStage
	Err   error
}

func (e *SetupError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("setup failed for %s during %s: %v", e.ID, e.Stage, e.Err)
}

// Is makes errors.Is(err, ErrSetupFailed) match any SetupError
func (e *SetupError) Is(target error) bool {
	return target == ErrSetupFailed
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// NormalizeError maps known backend error strings to the bridge taxonomy.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "is bluetooth turned on"):
		return fmt.Errorf("%w: %v", ErrAdapterNotReady, err)
	case containsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", ErrAdapterNotReady, err)
	case containsIgnoreCase(msg, "adapter not powered"), containsIgnoreCase(msg, "org.bluez.error.notready"):
		return fmt.Errorf("%w: %v", ErrAdapterNotReady, err)
	case containsIgnoreCase(msg, "not permitted"), containsIgnoreCase(msg, "unauthorized"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case containsIgnoreCase(msg, "device not connected"), containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", ErrDeviceNotConnected, err)
	default:
		return err
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
