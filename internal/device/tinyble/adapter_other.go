//go:build !linux && !windows

package tinyble

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blemq/internal/device"
)

// Options tunes the data path of connections made by the adapter
type Options struct {
	WriteChunkSize  int
	WriteChunkDelay time.Duration
}

// Adapter is unavailable on this platform.
type Adapter struct {
	device.Adapter
}

// NewAdapter always fails here; use the goble backend.
func NewAdapter(Options, *logrus.Logger) (*Adapter, error) {
	return nil, fmt.Errorf("tinygo backend on this platform: %w (use the goble backend)", device.ErrUnsupported)
}
