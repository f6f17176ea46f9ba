//go:build linux || windows

package tinyble

import (
	"fmt"
	"strconv"

	"tinygo.org/x/bluetooth"

	"github.com/srg/blemq/internal/device"
)

// parseUUID accepts the 16-bit, 32-bit and 128-bit forms understood by device.NormalizeUUID.
func parseUUID(s string) (bluetooth.UUID, error) {
	n := device.NormalizeUUID(s)
	switch len(n) {
	case 4:
		v, err := strconv.ParseUint(n, 16, 16)
		if err != nil {
			return bluetooth.UUID{}, fmt.Errorf("invalid UUID %q: %w", s, err)
		}
		return bluetooth.New16BitUUID(uint16(v)), nil
	case 8:
		v, err := strconv.ParseUint(n, 16, 32)
		if err != nil {
			return bluetooth.UUID{}, fmt.Errorf("invalid UUID %q: %w", s, err)
		}
		return bluetooth.New32BitUUID(uint32(v)), nil
	case 32:
		dashed := n[0:8] + "-" + n[8:12] + "-" + n[12:16] + "-" + n[16:20] + "-" + n[20:32]
		return bluetooth.ParseUUID(dashed)
	default:
		return bluetooth.UUID{}, fmt.Errorf("invalid UUID %q", s)
	}
}
