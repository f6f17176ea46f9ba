//go:build linux || windows

package tinyble

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/bluetooth"

	"github.com/srg/blemq/internal/device"
)

// fakeRadio fails Enable with the queued errors, then succeeds.
type fakeRadio struct {
	mu          sync.Mutex
	enableErrs  []error
	enableCalls int
	handlers    int
	scanErr     error
}

func (r *fakeRadio) Enable() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enableCalls++
	if len(r.enableErrs) == 0 {
		return nil
	}
	err := r.enableErrs[0]
	r.enableErrs = r.enableErrs[1:]
	return err
}

func (r *fakeRadio) SetConnectHandler(func(bluetooth.Device, bool)) {
	r.mu.Lock()
	r.handlers++
	r.mu.Unlock()
}

func (r *fakeRadio) Scan(func(*bluetooth.Adapter, bluetooth.ScanResult)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanErr
}

func (r *fakeRadio) StopScan() error { return nil }

func (r *fakeRadio) Connect(bluetooth.Address, bluetooth.ConnectionParams) (bluetooth.Device, error) {
	return bluetooth.Device{}, errors.New("connection refused")
}

func (r *fakeRadio) counts() (enables, handlers int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enableCalls, r.handlers
}

func TestAdapter_EnableRetriesUntilPowered(t *testing.T) {
	radio := &fakeRadio{enableErrs: []error{errors.New("adapter not powered"), errors.New("no adapter")}}
	a := newAdapter(radio, Options{}, logrus.New())

	assert.False(t, a.Powered())
	err := a.Scan(context.Background(), device.ScanFilter{}, func(device.Candidate) {})
	assert.ErrorIs(t, err, device.ErrAdapterNotReady)

	assert.True(t, a.Powered())
	assert.True(t, a.Powered())

	enables, handlers := radio.counts()
	assert.Equal(t, 3, enables, "a powered radio is not enabled again")
	assert.Equal(t, 1, handlers)
}

func TestAdapter_PowerLossReenables(t *testing.T) {
	radio := &fakeRadio{scanErr: errors.New("adapter not powered")}
	a := newAdapter(radio, Options{}, logrus.New())

	require.True(t, a.Powered())

	err := a.Scan(context.Background(), device.ScanFilter{}, func(device.Candidate) {})
	assert.ErrorIs(t, err, device.ErrAdapterNotReady)

	require.True(t, a.Powered())

	enables, handlers := radio.counts()
	assert.Equal(t, 2, enables)
	assert.Equal(t, 1, handlers, "the disconnect handler is installed once")
}

func TestAdapter_ConnectErrorKeepsRadio(t *testing.T) {
	radio := &fakeRadio{}
	a := newAdapter(radio, Options{}, logrus.New())

	_, err := a.Connect(context.Background(), "AA:BB:CC:DD:EE:FF")
	assert.ErrorContains(t, err, "connection refused")

	_, err = a.Connect(context.Background(), "not-a-mac")
	assert.ErrorContains(t, err, "invalid device address")

	enables, _ := radio.counts()
	assert.Equal(t, 1, enables)
}
