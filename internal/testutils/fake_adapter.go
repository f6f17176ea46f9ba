package testutils

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/srg/blemq/internal/device"
)

// ErrFakeDisconnected is what a FakeConn write returns after the link is gone.
var ErrFakeDisconnected = errors.New("fake: device not connected")

// FakeAdapter is an in-memory device.Adapter.
//
// Failures are programmed per device id; every Connect creates a fresh FakeConn so tests
// can assert that handles are never reused.
type FakeAdapter struct {
	mu sync.Mutex

	powered        bool
	advertisements []device.Candidate
	scanErr        error
	scanFilters    []device.ScanFilter
	scanning       bool

	connectErr    map[string]error
	discoverErr   map[string]error
	subscribeErr  map[string]error
	writeErr      map[string]error
	disconnErr    map[string]error
	gates         map[string]chan struct{}
	discoverHook  map[string]func(*FakeConn)
	subscribeHook map[string]func(*FakeConn)

	connectCalls map[string][]time.Time
	conns        map[string]*FakeConn
}

// NewFakeAdapter creates a powered adapter with no advertisements.
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{
		powered:       true,
		connectErr:    make(map[string]error),
		discoverErr:   make(map[string]error),
		subscribeErr:  make(map[string]error),
		writeErr:      make(map[string]error),
		disconnErr:    make(map[string]error),
		gates:         make(map[string]chan struct{}),
		discoverHook:  make(map[string]func(*FakeConn)),
		subscribeHook: make(map[string]func(*FakeConn)),
		connectCalls:  make(map[string][]time.Time),
		conns:         make(map[string]*FakeConn),
	}
}

// SetPowered switches the simulated radio on or off.
func (a *FakeAdapter) SetPowered(on bool) {
	a.mu.Lock()
	a.powered = on
	a.mu.Unlock()
}

// WithAdvertisements sets the observations reported by every Scan.
func (a *FakeAdapter) WithAdvertisements(c ...device.Candidate) *FakeAdapter {
	a.mu.Lock()
	a.advertisements = append(a.advertisements, c...)
	a.mu.Unlock()
	return a
}

// FailScan makes Scan return err immediately.
func (a *FakeAdapter) FailScan(err error) {
	a.mu.Lock()
	a.scanErr = err
	a.mu.Unlock()
}

// FailConnect makes every Connect(id) fail with err until cleared.
func (a *FakeAdapter) FailConnect(id string, err error) {
	a.mu.Lock()
	a.connectErr[id] = err
	a.mu.Unlock()
}

// FailDiscover makes channel discovery fail on connections to id.
func (a *FakeAdapter) FailDiscover(id string, err error) {
	a.mu.Lock()
	a.discoverErr[id] = err
	a.mu.Unlock()
}

// FailSubscribe makes the notification subscription fail on connections to id.
func (a *FakeAdapter) FailSubscribe(id string, err error) {
	a.mu.Lock()
	a.subscribeErr[id] = err
	a.mu.Unlock()
}

// FailWrite makes inbound writes to id fail with err.
func (a *FakeAdapter) FailWrite(id string, err error) {
	a.mu.Lock()
	a.writeErr[id] = err
	a.mu.Unlock()
	if c := a.Conn(id); c != nil {
		c.setWriteErr(err)
	}
}

// FailDisconnect makes explicit disconnects of id fail with err. The link stays open.
func (a *FakeAdapter) FailDisconnect(id string, err error) {
	a.mu.Lock()
	a.disconnErr[id] = err
	a.mu.Unlock()
	if c := a.Conn(id); c != nil {
		c.mu.Lock()
		c.disconnectErr = err
		c.mu.Unlock()
	}
}

// OnDiscover runs fn at the start of channel discovery on connections to id.
func (a *FakeAdapter) OnDiscover(id string, fn func(*FakeConn)) {
	a.mu.Lock()
	a.discoverHook[id] = fn
	a.mu.Unlock()
}

// OnSubscribe runs fn right after the notification handler of a connection to id is installed.
func (a *FakeAdapter) OnSubscribe(id string, fn func(*FakeConn)) {
	a.mu.Lock()
	a.subscribeHook[id] = fn
	a.mu.Unlock()
}

// ClearFailures removes every programmed failure for id.
func (a *FakeAdapter) ClearFailures(id string) {
	a.mu.Lock()
	delete(a.connectErr, id)
	delete(a.discoverErr, id)
	delete(a.subscribeErr, id)
	delete(a.writeErr, id)
	delete(a.disconnErr, id)
	a.mu.Unlock()
}

// HoldConnect makes Connect(id) block until the returned release func is called
// or the connect context is done.
func (a *FakeAdapter) HoldConnect(id string) (release func()) {
	gate := make(chan struct{})
	a.mu.Lock()
	a.gates[id] = gate
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			if a.gates[id] == gate {
				delete(a.gates, id)
			}
			a.mu.Unlock()
			close(gate)
		})
	}
}

// ConnectCalls returns how many times Connect(id) was invoked.
func (a *FakeAdapter) ConnectCalls(id string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.connectCalls[id])
}

// ConnectTimes returns when each Connect(id) call happened.
func (a *FakeAdapter) ConnectTimes(id string) []time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]time.Time(nil), a.connectCalls[id]...)
}

// Conn returns the most recent connection created for id.
func (a *FakeAdapter) Conn(id string) *FakeConn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conns[id]
}

// InjectLoss simulates the link to id dropping without an explicit disconnect.
func (a *FakeAdapter) InjectLoss(id string) {
	if c := a.Conn(id); c != nil {
		c.Drop(ErrFakeDisconnected)
	}
}

// ScanFilters returns the filters passed to every Scan call.
func (a *FakeAdapter) ScanFilters() []device.ScanFilter {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]device.ScanFilter(nil), a.scanFilters...)
}

// IsScanning reports whether a Scan call is currently blocked on its context.
func (a *FakeAdapter) IsScanning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanning
}

// Powered implements device.Adapter.
func (a *FakeAdapter) Powered() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.powered
}

// Scan implements device.Adapter: reports the configured advertisements, then waits for ctx.
func (a *FakeAdapter) Scan(ctx context.Context, filter device.ScanFilter, onResult func(device.Candidate)) error {
	a.mu.Lock()
	a.scanFilters = append(a.scanFilters, filter)
	if a.scanErr != nil {
		err := a.scanErr
		a.mu.Unlock()
		return err
	}
	advs := append([]device.Candidate(nil), a.advertisements...)
	a.scanning = true
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.scanning = false
		a.mu.Unlock()
	}()

	for _, adv := range advs {
		if ctx.Err() != nil {
			return nil
		}
		adv.LastSeen = time.Now()
		onResult(adv)
	}

	<-ctx.Done()
	return nil
}

// Connect implements device.Adapter.
func (a *FakeAdapter) Connect(ctx context.Context, id string) (device.Conn, error) {
	a.mu.Lock()
	a.connectCalls[id] = append(a.connectCalls[id], time.Now())
	gate := a.gates[id]
	a.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.connectErr[id]; err != nil {
		return nil, err
	}

	conn := &FakeConn{
		ID:            id,
		discoverErr:   a.discoverErr[id],
		subscribeErr:  a.subscribeErr[id],
		writeErr:      a.writeErr[id],
		disconnectErr: a.disconnErr[id],
		onDiscover:    a.discoverHook[id],
		onSubscribe:   a.subscribeHook[id],
	}
	a.conns[id] = conn
	return conn, nil
}

// FakeConn is a single simulated link created by FakeAdapter.Connect.
type FakeConn struct {
	ID string

	mu              sync.Mutex
	discoverErr     error
	subscribeErr    error
	writeErr        error
	disconnectErr   error
	writeDelay      time.Duration
	onDiscover      func(*FakeConn)
	onSubscribe     func(*FakeConn)
	onLost          func(error)
	notify          func([]byte)
	closed          bool
	disconnectCalls int
	written         [][]byte
}

// DiscoverChannels implements device.Conn.
func (c *FakeConn) DiscoverChannels(_ context.Context, _ device.ChannelSpec) (device.InboundChannel, device.OutboundChannel, error) {
	c.mu.Lock()
	hook := c.onDiscover
	c.mu.Unlock()
	if hook != nil {
		hook(c)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.discoverErr != nil {
		return nil, nil, c.discoverErr
	}
	return &fakeInbound{conn: c}, &fakeOutbound{conn: c}, nil
}

// Disconnect implements device.Conn.
func (c *FakeConn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCalls++
	if c.disconnectErr != nil {
		return c.disconnectErr
	}
	c.closed = true
	return nil
}

// OnDisconnect implements device.Conn.
func (c *FakeConn) OnDisconnect(fn func(error)) {
	c.mu.Lock()
	c.onLost = fn
	c.mu.Unlock()
}

// Drop simulates an unexpected link loss.
func (c *FakeConn) Drop(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	fn := c.onLost
	c.mu.Unlock()

	if fn != nil {
		fn(err)
	}
}

// Notify pushes data from the device's outbound channel.
func (c *FakeConn) Notify(data []byte) {
	c.mu.Lock()
	fn := c.notify
	c.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

// SetWriteDelay slows down every inbound write.
func (c *FakeConn) SetWriteDelay(d time.Duration) {
	c.mu.Lock()
	c.writeDelay = d
	c.mu.Unlock()
}

func (c *FakeConn) setWriteErr(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

// Written returns a copy of every payload written to the inbound channel.
func (c *FakeConn) Written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

// Closed reports whether the link was disconnected or dropped.
func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// DisconnectCalls returns how many times Disconnect was invoked.
func (c *FakeConn) DisconnectCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnectCalls
}

// Subscribed reports whether a notification handler is registered.
func (c *FakeConn) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notify != nil
}

type fakeInbound struct {
	conn *FakeConn
}

func (in *fakeInbound) Write(data []byte) error {
	c := in.conn
	c.mu.Lock()
	delay := c.writeDelay
	c.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrFakeDisconnected
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

type fakeOutbound struct {
	conn *FakeConn
}

func (out *fakeOutbound) Subscribe(onData func([]byte)) error {
	c := out.conn
	c.mu.Lock()
	if c.subscribeErr != nil {
		err := c.subscribeErr
		c.mu.Unlock()
		return err
	}
	c.notify = onData
	hook := c.onSubscribe
	c.mu.Unlock()

	if hook != nil {
		hook(c)
	}
	return nil
}
