// Package topic holds the broker addressing convention for per-device topics.
//
//	devices/<id>/in   broker -> bridge -> device
//	devices/<id>/out  device -> bridge -> broker
//
// Everything here is a pure function of the device id.
package topic

import (
	"fmt"
	"strings"

	"github.com/srg/blemq/internal/device"
)

const (
	prefix      = "devices"
	inSuffix    = "in"
	outSuffix   = "out"
	separator   = "/"
	singleLevel = "+"
)

// Inbound returns the topic carrying commands to the device.
func Inbound(id string) string {
	return prefix + separator + id + separator + inSuffix
}

// Outbound returns the topic carrying device notifications.
func Outbound(id string) string {
	return prefix + separator + id + separator + outSuffix
}

// InboundWildcard is the subscription pattern matching every device inbound topic.
func InboundWildcard() string {
	return Inbound(singleLevel)
}

// ParseInbound extracts the device id from an inbound topic.
// Fails with device.ErrMalformedTopic if t is not devices/<id>/in.
func ParseInbound(t string) (string, error) {
	parts := strings.Split(t, separator)
	if len(parts) != 3 || parts[0] != prefix || parts[2] != inSuffix {
		return "", fmt.Errorf("%w: %q", device.ErrMalformedTopic, t)
	}
	id := parts[1]
	if id == "" || strings.ContainsAny(id, "+#") {
		return "", fmt.Errorf("%w: invalid device id in %q", device.ErrMalformedTopic, t)
	}
	return id, nil
}
