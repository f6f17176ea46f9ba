package goble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blemq/internal/device"
	"github.com/srg/blemq/internal/groutine"
)

// conn is a live go-ble client connection
type conn struct {
	id     string
	client ble.Client
	opts   Options
	logger *logrus.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	onLost func(error)
	closed bool
	done   chan struct{}
	once   sync.Once
}

func newConn(id string, client ble.Client, opts Options, logger *logrus.Logger) *conn {
	return &conn{
		id:     id,
		client: client,
		opts:   opts,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// monitor watches the client's Disconnected() channel, where the platform provides one.
func (c *conn) monitor() {
	dc, ok := c.client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		c.logger.Debug("Client does not support Disconnected() channel, loss detection unavailable")
		return
	}

	groutine.Go(context.Background(), "ble-connection-monitor:"+c.id, func(context.Context) {
		select {
		case <-dc.Disconnected():
			c.lost(fmt.Errorf("peripheral %s disconnected: %w", c.id, device.ErrTransportLost))
		case <-c.done:
		}
	})
}

// lost fires the loss callback once, unless Disconnect came first.
func (c *conn) lost(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	fn := c.onLost
	c.mu.Unlock()

	c.logger.WithField("address", c.id).Warn("BLE link reported disconnection")
	if fn != nil {
		fn(cause)
	}
}

func (c *conn) OnDisconnect(fn func(error)) {
	c.mu.Lock()
	c.onLost = fn
	c.mu.Unlock()
}

// Disconnect cancels the connection. The loss callback is not fired for it.
func (c *conn) Disconnect() error {
	c.mu.Lock()
	alreadyClosed := c.closed
	c.closed = true
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })

	if c.client == nil {
		return nil
	}

	err := c.client.CancelConnection()
	if err != nil && !alreadyClosed {
		return device.NormalizeError(err)
	}
	return nil
}

// DiscoverChannels resolves the write and notify characteristics named by spec.
func (c *conn) DiscoverChannels(ctx context.Context, spec device.ChannelSpec) (device.InboundChannel, device.OutboundChannel, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	profile, err := c.client.DiscoverProfile(true)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to discover profile: %w", device.NormalizeError(err))
	}

	c.logger.WithFields(logrus.Fields{
		"address":  c.id,
		"services": len(profile.Services),
	}).Debug("Profile discovered successfully")

	inChar, outChar, err := resolveChannels(profile, spec)
	if err != nil {
		return nil, nil, err
	}

	return &inbound{conn: c, char: inChar, noRsp: inChar.Property&ble.CharWrite == 0},
		&outbound{conn: c, char: outChar, indicate: outChar.Property&ble.CharNotify == 0},
		nil
}

// resolveChannels finds the inbound (writable) and outbound (notifying) characteristics.
func resolveChannels(profile *ble.Profile, spec device.ChannelSpec) (*ble.Characteristic, *ble.Characteristic, error) {
	var svc *ble.Service
	for _, s := range profile.Services {
		if device.SameUUID(s.UUID.String(), spec.Service) {
			svc = s
			break
		}
	}
	if svc == nil {
		return nil, nil, fmt.Errorf("service %s not found", spec.Service)
	}

	var inChar, outChar *ble.Characteristic
	for _, ch := range svc.Characteristics {
		u := ch.UUID.String()
		switch {
		case device.SameUUID(u, spec.Inbound):
			inChar = ch
		case device.SameUUID(u, spec.Outbound):
			outChar = ch
		}
	}

	switch {
	case inChar == nil:
		return nil, nil, fmt.Errorf("characteristic %s not found in service %s", spec.Inbound, spec.Service)
	case outChar == nil:
		return nil, nil, fmt.Errorf("characteristic %s not found in service %s", spec.Outbound, spec.Service)
	case inChar.Property&(ble.CharWrite|ble.CharWriteNR) == 0:
		return nil, nil, fmt.Errorf("characteristic %s is not writable: %w", spec.Inbound, device.ErrUnsupported)
	case outChar.Property&(ble.CharNotify|ble.CharIndicate) == 0:
		return nil, nil, fmt.Errorf("characteristic %s does not notify: %w", spec.Outbound, device.ErrUnsupported)
	}
	return inChar, outChar, nil
}

type inbound struct {
	conn  *conn
	char  *ble.Characteristic
	noRsp bool
}

// Write sends data in ATT-sized chunks; writes on one connection are serialized.
func (in *inbound) Write(data []byte) error {
	c := in.conn
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	err := device.WriteChunked(data, c.opts.WriteChunkSize, c.opts.WriteChunkDelay, func(chunk []byte) error {
		return c.client.WriteCharacteristic(in.char, chunk, in.noRsp)
	})
	if err != nil {
		return fmt.Errorf("failed to write to characteristic %s: %w", in.char.UUID, device.NormalizeError(err))
	}
	return nil
}

type outbound struct {
	conn     *conn
	char     *ble.Characteristic
	indicate bool
}

func (out *outbound) Subscribe(onData func([]byte)) error {
	err := out.conn.client.Subscribe(out.char, out.indicate, func(req []byte) {
		onData(append([]byte(nil), req...))
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to characteristic %s: %w", out.char.UUID, device.NormalizeError(err))
	}
	return nil
}
