package goble

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blemq/internal/device"
)

const (
	nusService = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	nusRX      = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	nusTX      = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

func nusSpec() device.ChannelSpec {
	return device.ChannelSpec{Service: nusService, Inbound: nusRX, Outbound: nusTX}
}

func nusProfile(rxProps, txProps ble.Property) *ble.Profile {
	return &ble.Profile{
		Services: []*ble.Service{
			{UUID: ble.UUID16(0x180F)},
			{
				UUID: ble.MustParse(nusService),
				Characteristics: []*ble.Characteristic{
					{UUID: ble.MustParse(nusRX), Property: rxProps},
					{UUID: ble.MustParse(nusTX), Property: txProps},
				},
			},
		},
	}
}

func TestAdapter_BluetoothOff(t *testing.T) {
	original := DeviceFactory
	t.Cleanup(func() { DeviceFactory = original })

	var calls atomic.Int32
	DeviceFactory = func() (ble.Device, error) {
		calls.Add(1)
		return nil, errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?")
	}

	a := NewAdapter(Options{}, logrus.New())

	assert.False(t, a.Powered())

	err := a.Scan(context.Background(), device.ScanFilter{Service: nusService}, func(device.Candidate) {
		t.Fatal("no advertisement expected")
	})
	assert.ErrorIs(t, err, device.ErrAdapterNotReady)

	_, err = a.Connect(context.Background(), "AA:BB:CC:DD:EE:FF")
	assert.ErrorIs(t, err, device.ErrAdapterNotReady)

	assert.Equal(t, int32(3), calls.Load(), "a failed device is not cached")
}

// poweredDevice is a ble.Device whose scans fail with scanErr.
type poweredDevice struct {
	ble.Device
	scanErr error
	stopped atomic.Int32
}

func (d *poweredDevice) Scan(context.Context, bool, ble.AdvHandler) error { return d.scanErr }

func (d *poweredDevice) Dial(context.Context, ble.Addr) (ble.Client, error) { return nil, d.scanErr }

func (d *poweredDevice) Stop() error {
	d.stopped.Add(1)
	return nil
}

func TestAdapter_PowerLossDropsDevice(t *testing.T) {
	original := DeviceFactory
	t.Cleanup(func() { DeviceFactory = original })

	var devices []*poweredDevice
	DeviceFactory = func() (ble.Device, error) {
		d := &poweredDevice{scanErr: errors.New("bluetooth is turned off")}
		devices = append(devices, d)
		return d, nil
	}

	a := NewAdapter(Options{}, logrus.New())

	require.True(t, a.Powered())
	require.True(t, a.Powered())
	require.Len(t, devices, 1, "an open device is reused")

	err := a.Scan(context.Background(), device.ScanFilter{}, func(device.Candidate) {})
	assert.ErrorIs(t, err, device.ErrAdapterNotReady)
	assert.Equal(t, int32(1), devices[0].stopped.Load(), "the dead device is stopped")

	require.True(t, a.Powered())
	require.Len(t, devices, 2, "the next call reopens the device")

	_, err = a.Connect(context.Background(), "AA:BB:CC:DD:EE:FF")
	assert.ErrorIs(t, err, device.ErrAdapterNotReady)
	assert.Equal(t, int32(1), devices[1].stopped.Load())

	require.True(t, a.Powered())
	assert.Len(t, devices, 3)
}

func TestAdapter_OtherScanErrorsKeepDevice(t *testing.T) {
	original := DeviceFactory
	t.Cleanup(func() { DeviceFactory = original })

	var opened atomic.Int32
	dev := &poweredDevice{scanErr: errors.New("scan window rejected")}
	DeviceFactory = func() (ble.Device, error) {
		opened.Add(1)
		return dev, nil
	}

	a := NewAdapter(Options{}, logrus.New())

	err := a.Scan(context.Background(), device.ScanFilter{}, func(device.Candidate) {})
	assert.ErrorContains(t, err, "scan window rejected")
	require.True(t, a.Powered())

	assert.Equal(t, int32(1), opened.Load())
	assert.Zero(t, dev.stopped.Load())
}

func TestNewAdapter_Defaults(t *testing.T) {
	a := NewAdapter(Options{}, nil)

	assert.Equal(t, device.DefaultWriteChunkSize, a.opts.WriteChunkSize)
	assert.Equal(t, device.DefaultWriteChunkDelay, a.opts.WriteChunkDelay)
	assert.NotNil(t, a.logger)
}

func TestResolveChannels(t *testing.T) {
	t.Run("finds write and notify characteristics", func(t *testing.T) {
		profile := nusProfile(ble.CharWrite|ble.CharWriteNR, ble.CharNotify)

		in, out, err := resolveChannels(profile, nusSpec())

		require.NoError(t, err)
		assert.True(t, device.SameUUID(in.UUID.String(), nusRX))
		assert.True(t, device.SameUUID(out.UUID.String(), nusTX))
	})

	t.Run("missing service", func(t *testing.T) {
		spec := nusSpec()
		spec.Service = "180D"

		_, _, err := resolveChannels(nusProfile(ble.CharWrite, ble.CharNotify), spec)

		assert.ErrorContains(t, err, "service 180D not found")
	})

	t.Run("missing characteristic", func(t *testing.T) {
		spec := nusSpec()
		spec.Outbound = "2A37"

		_, _, err := resolveChannels(nusProfile(ble.CharWrite, ble.CharNotify), spec)

		assert.ErrorContains(t, err, "characteristic 2A37 not found")
	})

	t.Run("inbound not writable", func(t *testing.T) {
		_, _, err := resolveChannels(nusProfile(ble.CharRead, ble.CharNotify), nusSpec())

		assert.ErrorIs(t, err, device.ErrUnsupported)
	})

	t.Run("outbound does not notify", func(t *testing.T) {
		_, _, err := resolveChannels(nusProfile(ble.CharWriteNR, ble.CharRead), nusSpec())

		assert.ErrorIs(t, err, device.ErrUnsupported)
	})

	t.Run("indicate-only outbound is accepted", func(t *testing.T) {
		_, out, err := resolveChannels(nusProfile(ble.CharWriteNR, ble.CharIndicate), nusSpec())

		require.NoError(t, err)
		assert.Equal(t, ble.CharIndicate, out.Property)
	})
}

func TestConn_LossAndDisconnect(t *testing.T) {
	logger := logrus.New()

	t.Run("loss fires the callback once", func(t *testing.T) {
		c := newConn("dev", nil, Options{}, logger)
		var fired atomic.Int32
		var cause error
		c.OnDisconnect(func(err error) {
			fired.Add(1)
			cause = err
		})

		c.lost(device.ErrTransportLost)
		c.lost(device.ErrTransportLost)

		assert.Equal(t, int32(1), fired.Load())
		assert.ErrorIs(t, cause, device.ErrTransportLost)
		assert.NoError(t, c.Disconnect())
	})

	t.Run("explicit disconnect suppresses the callback", func(t *testing.T) {
		c := newConn("dev", nil, Options{}, logger)
		c.OnDisconnect(func(error) { t.Fatal("callback after explicit disconnect") })

		require.NoError(t, c.Disconnect())
		require.NoError(t, c.Disconnect())
		c.lost(device.ErrTransportLost)

		select {
		case <-c.done:
		default:
			t.Fatal("monitor stop channel not closed")
		}
	})
}
