//go:build linux || windows

package tinyble

import (
	"context"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/srg/blemq/internal/device"
)

type conn struct {
	id      string
	dev     bluetooth.Device
	adapter *Adapter

	writeMu sync.Mutex

	mu     sync.Mutex
	onLost func(error)
	closed bool
}

func newConn(id string, dev bluetooth.Device, adapter *Adapter) *conn {
	return &conn{id: id, dev: dev, adapter: adapter}
}

func (c *conn) OnDisconnect(fn func(error)) {
	c.mu.Lock()
	c.onLost = fn
	c.mu.Unlock()
}

func (c *conn) lost(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	fn := c.onLost
	c.mu.Unlock()

	c.adapter.logger.WithField("address", c.id).Warn("BLE link reported disconnection")
	if fn != nil {
		fn(cause)
	}
}

// Disconnect closes the link without firing the loss callback.
func (c *conn) Disconnect() error {
	c.mu.Lock()
	alreadyClosed := c.closed
	c.closed = true
	c.mu.Unlock()

	c.adapter.forget(c)
	if err := c.dev.Disconnect(); err != nil && !alreadyClosed {
		return device.NormalizeError(err)
	}
	return nil
}

// DiscoverChannels resolves the write and notify characteristics named by spec.
func (c *conn) DiscoverChannels(ctx context.Context, spec device.ChannelSpec) (device.InboundChannel, device.OutboundChannel, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	svcUUID, err := parseUUID(spec.Service)
	if err != nil {
		return nil, nil, err
	}
	inUUID, err := parseUUID(spec.Inbound)
	if err != nil {
		return nil, nil, err
	}
	outUUID, err := parseUUID(spec.Outbound)
	if err != nil {
		return nil, nil, err
	}

	services, err := c.dev.DiscoverServices([]bluetooth.UUID{svcUUID})
	switch {
	case err != nil:
		return nil, nil, fmt.Errorf("failed to discover services: %w", device.NormalizeError(err))
	case len(services) == 0:
		return nil, nil, fmt.Errorf("%w: %s", errNoService, spec.Service)
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{inUUID, outUUID})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to discover characteristics: %w", device.NormalizeError(err))
	}

	var (
		in, out       bluetooth.DeviceCharacteristic
		hasIn, hasOut bool
	)
	for _, ch := range chars {
		switch ch.UUID() {
		case inUUID:
			in, hasIn = ch, true
		case outUUID:
			out, hasOut = ch, true
		}
	}
	if !hasIn {
		return nil, nil, fmt.Errorf("characteristic %s not found in service %s", spec.Inbound, spec.Service)
	}
	if !hasOut {
		return nil, nil, fmt.Errorf("characteristic %s not found in service %s", spec.Outbound, spec.Service)
	}

	return &inbound{conn: c, char: in}, &outbound{char: out}, nil
}

type inbound struct {
	conn *conn
	char bluetooth.DeviceCharacteristic
}

func (in *inbound) Write(data []byte) error {
	c := in.conn
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	opts := c.adapter.opts
	err := device.WriteChunked(data, opts.WriteChunkSize, opts.WriteChunkDelay, func(chunk []byte) error {
		_, err := in.char.WriteWithoutResponse(chunk)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to write to characteristic %s: %w", in.char.UUID(), device.NormalizeError(err))
	}
	return nil
}

type outbound struct {
	char bluetooth.DeviceCharacteristic
}

func (out *outbound) Subscribe(onData func([]byte)) error {
	err := out.char.EnableNotifications(func(buf []byte) {
		onData(append([]byte(nil), buf...))
	})
	if err != nil {
		return fmt.Errorf("failed to enable notifications on %s: %w", out.char.UUID(), device.NormalizeError(err))
	}
	return nil
}
