// Package adapterfactory selects the wireless backend named in the configuration.
package adapterfactory

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/srg/blemq/internal/device"
	"github.com/srg/blemq/internal/device/goble"
	"github.com/srg/blemq/internal/device/tinyble"
	"github.com/srg/blemq/pkg/config"
)

// TinyGoFactory creates the tinygo backend.
// This is a variable so that it can be overridden in tests.
var TinyGoFactory = func(opts tinyble.Options, logger *logrus.Logger) (device.Adapter, error) {
	a, err := tinyble.NewAdapter(opts, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// New creates the device.Adapter for cfg.Device.Backend.
func New(cfg *config.Config, logger *logrus.Logger) (device.Adapter, error) {
	switch cfg.Device.Backend {
	case config.BackendGoBLE, "":
		return goble.NewAdapter(goble.Options{
			WriteChunkSize: cfg.Device.WriteChunkSize,
		}, logger), nil
	case config.BackendTinyGo:
		return TinyGoFactory(tinyble.Options{
			WriteChunkSize: cfg.Device.WriteChunkSize,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown device backend %q: %w", cfg.Device.Backend, device.ErrUnsupported)
	}
}

// ChannelSpec builds the per-device channel layout from cfg.
func ChannelSpec(cfg *config.Config) device.ChannelSpec {
	return device.ChannelSpec{
		Service:  cfg.Scan.Service,
		Inbound:  cfg.Device.InboundChar,
		Outbound: cfg.Device.OutboundChar,
	}
}
