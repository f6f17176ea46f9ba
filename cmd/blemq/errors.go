package main

import (
	"errors"
	"fmt"

	"github.com/srg/blemq/internal/device"
	"github.com/srg/blemq/internal/mqtt"
)

// FormatUserError turns known failures into a hint the operator can act on.
// Unknown errors are returned verbatim.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, device.ErrPermissionDenied):
		return fmt.Sprintf("%v\nGrant this process Bluetooth access (macOS: System Settings > Privacy & Security > Bluetooth; Linux: run with CAP_NET_ADMIN or as a member of the bluetooth group).", err)
	case errors.Is(err, device.ErrAdapterNotReady):
		return fmt.Sprintf("%v\nMake sure Bluetooth is turned on and the adapter is available.", err)
	case errors.Is(err, device.ErrUnsupported):
		return fmt.Sprintf("%v\nTry a different device.backend in the config file.", err)
	case errors.Is(err, mqtt.ErrConnectionFailed):
		return fmt.Sprintf("%v\nCheck mqtt.broker.host, mqtt.broker.port and credentials.", err)
	default:
		return err.Error()
	}
}
