//go:build linux || windows

package tinyble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	"github.com/srg/blemq/internal/device"
	"github.com/srg/blemq/internal/groutine"
)

// DefaultAdapter is the radio used by NewAdapter.
var DefaultAdapter = bluetooth.DefaultAdapter

// Options tunes the data path of connections made by the adapter
type Options struct {
	WriteChunkSize  int
	WriteChunkDelay time.Duration
}

// radio is the part of *bluetooth.Adapter the backend drives.
type radio interface {
	Enable() error
	SetConnectHandler(func(device bluetooth.Device, connected bool))
	Scan(func(*bluetooth.Adapter, bluetooth.ScanResult)) error
	StopScan() error
	Connect(bluetooth.Address, bluetooth.ConnectionParams) (bluetooth.Device, error)
}

// Adapter is a tinygo bluetooth backed device.Adapter.
type Adapter struct {
	radio  radio
	opts   Options
	logger *logrus.Logger

	enableMu    sync.Mutex
	enabled     bool
	handlerOnce sync.Once

	mu    sync.Mutex
	conns map[string]*conn
}

// NewAdapter creates an adapter on DefaultAdapter. The radio is enabled lazily.
func NewAdapter(opts Options, logger *logrus.Logger) (*Adapter, error) {
	return newAdapter(DefaultAdapter, opts, logger), nil
}

func newAdapter(r radio, opts Options, logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.WriteChunkSize <= 0 {
		opts.WriteChunkSize = device.DefaultWriteChunkSize
	}
	if opts.WriteChunkDelay <= 0 {
		opts.WriteChunkDelay = device.DefaultWriteChunkDelay
	}
	return &Adapter{
		radio:  r,
		opts:   opts,
		logger: logger,
		conns:  make(map[string]*conn),
	}
}

// enable turns the radio on, retrying on every call until it succeeds.
// The disconnect dispatcher is installed once.
func (a *Adapter) enable() error {
	a.enableMu.Lock()
	defer a.enableMu.Unlock()

	if a.enabled {
		return nil
	}
	if err := a.radio.Enable(); err != nil {
		a.logger.WithError(err).Debug("Failed to enable bluetooth adapter")
		return fmt.Errorf("%w: failed to enable bluetooth adapter: %w", device.ErrAdapterNotReady, err)
	}
	a.enabled = true

	a.handlerOnce.Do(func() {
		a.radio.SetConnectHandler(func(d bluetooth.Device, connected bool) {
			if !connected {
				a.dispatchLoss(d.Address.String())
			}
		})
	})
	return nil
}

// checkPower forces the next call to enable the radio again when err says it went away.
func (a *Adapter) checkPower(err error) error {
	if errors.Is(err, device.ErrAdapterNotReady) {
		a.enableMu.Lock()
		a.enabled = false
		a.enableMu.Unlock()
	}
	return err
}

// Powered reports whether the radio could be enabled.
func (a *Adapter) Powered() bool {
	return a.enable() == nil
}

// Scan reports advertisements carrying filter.Service until ctx is done.
func (a *Adapter) Scan(ctx context.Context, filter device.ScanFilter, onResult func(device.Candidate)) error {
	if err := a.enable(); err != nil {
		return err
	}

	var (
		service   bluetooth.UUID
		hasFilter bool
	)
	if filter.Service != "" {
		u, err := parseUUID(filter.Service)
		if err != nil {
			return err
		}
		service, hasFilter = u, true
	}

	if ctx.Err() != nil {
		return nil
	}
	stop := context.AfterFunc(ctx, func() {
		if err := a.radio.StopScan(); err != nil {
			a.logger.WithError(err).Debug("StopScan failed")
		}
	})
	defer stop()

	err := a.radio.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
		if hasFilter && !r.HasServiceUUID(service) {
			return
		}
		onResult(device.Candidate{
			ID:       r.Address.String(),
			Name:     r.LocalName(),
			RSSI:     int(r.RSSI),
			LastSeen: time.Now(),
		})
	})
	if ctx.Err() != nil {
		return nil
	}
	return a.checkPower(device.NormalizeError(err))
}

// Connect dials the peripheral at address id. The dial is abandoned when ctx is done;
// a connection that completes afterwards is closed right away.
func (a *Adapter) Connect(ctx context.Context, id string) (device.Conn, error) {
	if err := a.enable(); err != nil {
		return nil, err
	}

	mac, err := bluetooth.ParseMAC(id)
	if err != nil {
		return nil, fmt.Errorf("invalid device address %q: %w", id, err)
	}
	addr := bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}

	type dialResult struct {
		dev bluetooth.Device
		err error
	}
	results := make(chan dialResult, 1)
	groutine.Go(ctx, "tinygo-connect:"+id, func(context.Context) {
		dev, err := a.radio.Connect(addr, bluetooth.ConnectionParams{})
		results <- dialResult{dev: dev, err: err}
	})

	select {
	case r := <-results:
		if r.err != nil {
			return nil, fmt.Errorf("failed to connect to device with address %q: %w", id, a.checkPower(device.NormalizeError(r.err)))
		}
		c := newConn(id, r.dev, a)
		a.mu.Lock()
		a.conns[key(id)] = c
		a.mu.Unlock()
		return c, nil
	case <-ctx.Done():
		groutine.Go(context.Background(), "tinygo-connect-cleanup:"+id, func(context.Context) {
			if r := <-results; r.err == nil {
				_ = r.dev.Disconnect()
			}
		})
		return nil, ctx.Err()
	}
}

// dispatchLoss routes a radio disconnect event to the connection it belongs to.
func (a *Adapter) dispatchLoss(address string) {
	a.mu.Lock()
	c, ok := a.conns[key(address)]
	delete(a.conns, key(address))
	a.mu.Unlock()

	if ok {
		c.lost(fmt.Errorf("peripheral %s disconnected: %w", address, device.ErrTransportLost))
	}
}

func (a *Adapter) forget(c *conn) {
	a.mu.Lock()
	if a.conns[key(c.id)] == c {
		delete(a.conns, key(c.id))
	}
	a.mu.Unlock()
}

// key normalizes an address for map lookups; BlueZ reports MACs upper-case.
func key(address string) string {
	return strings.ToUpper(address)
}

// errNoService is returned when the peripheral does not expose the configured service.
var errNoService = errors.New("service not found")
