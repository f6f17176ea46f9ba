// Package goble implements device.Adapter on top of github.com/go-ble/ble.
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blemq/internal/device"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking as goble.DeviceFactory
var DeviceFactory = newPlatformDevice

// Options tunes the data path of connections made by the adapter
type Options struct {
	WriteChunkSize  int
	WriteChunkDelay time.Duration
}

// Adapter is a go-ble backed device.Adapter. The HCI/CoreBluetooth device is created
// lazily on first use and shared by scans and connections.
type Adapter struct {
	opts   Options
	logger *logrus.Logger

	mu  sync.Mutex
	dev ble.Device
}

// NewAdapter creates a go-ble adapter.
func NewAdapter(opts Options, logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.WriteChunkSize <= 0 {
		opts.WriteChunkSize = device.DefaultWriteChunkSize
	}
	if opts.WriteChunkDelay <= 0 {
		opts.WriteChunkDelay = device.DefaultWriteChunkDelay
	}
	return &Adapter{opts: opts, logger: logger}
}

// bleDevice returns the shared ble.Device, creating it on first call.
func (a *Adapter) bleDevice() (ble.Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.dev != nil {
		return a.dev, nil
	}

	dev, err := DeviceFactory()
	if err != nil {
		a.logger.WithField("error", err).Debug("Failed to create BLE device")
		return nil, fmt.Errorf("failed to create BLE device: %w", device.NormalizeError(err))
	}
	a.dev = dev
	return dev, nil
}

// checkPower drops dev when err says the radio went away, so the next call reopens it.
func (a *Adapter) checkPower(dev ble.Device, err error) error {
	if !errors.Is(err, device.ErrAdapterNotReady) {
		return err
	}

	a.mu.Lock()
	stale := a.dev == dev
	if stale {
		a.dev = nil
	}
	a.mu.Unlock()

	if stale {
		a.logger.WithError(err).Debug("BLE device lost power, dropping it")
		if stopErr := dev.Stop(); stopErr != nil {
			a.logger.WithError(stopErr).Debug("Failed to stop BLE device")
		}
	}
	return err
}

// Powered reports whether the BLE device could be opened.
func (a *Adapter) Powered() bool {
	_, err := a.bleDevice()
	return err == nil
}

// Scan reports advertisements carrying filter.Service until ctx is done.
func (a *Adapter) Scan(ctx context.Context, filter device.ScanFilter, onResult func(device.Candidate)) error {
	dev, err := a.bleDevice()
	if err != nil {
		return err
	}

	err = dev.Scan(ctx, true, func(adv ble.Advertisement) {
		if filter.Service != "" && !advertises(adv, filter.Service) {
			return
		}
		onResult(device.Candidate{
			ID:       adv.Addr().String(),
			Name:     adv.LocalName(),
			RSSI:     adv.RSSI(),
			LastSeen: time.Now(),
		})
	})
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return a.checkPower(dev, device.NormalizeError(err))
}

// advertises reports whether adv lists service among its advertised services.
func advertises(adv ble.Advertisement, service string) bool {
	for _, u := range adv.Services() {
		if device.SameUUID(u.String(), service) {
			return true
		}
	}
	for _, u := range adv.OverflowService() {
		if device.SameUUID(u.String(), service) {
			return true
		}
	}
	return false
}

// Connect dials the peripheral at address id.
func (a *Adapter) Connect(ctx context.Context, id string) (device.Conn, error) {
	dev, err := a.bleDevice()
	if err != nil {
		return nil, err
	}

	a.logger.WithField("address", id).Debug("Dialing BLE device...")
	client, err := dev.Dial(ctx, ble.NewAddr(id))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", id, a.checkPower(dev, device.NormalizeError(err)))
	}

	c := newConn(id, client, a.opts, a.logger)
	c.monitor()
	return c, nil
}
