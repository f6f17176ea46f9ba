package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blemq/internal/device"
	"github.com/srg/blemq/internal/groutine"
	"github.com/srg/blemq/internal/ringchan"
)

const (
	// DefaultReconnectDelay is used when Options.ReconnectDelay is not set.
	DefaultReconnectDelay = 5 * time.Second

	// DefaultEventBuffer is the number of state events kept for slow readers.
	DefaultEventBuffer = 64
)

// Options configures the Manager
type Options struct {
	// MaxDevices is the capacity bound on records in Connecting or Ready.
	MaxDevices int

	// ReconnectDelay is the fixed wait between an unexpected loss and each reconnect attempt.
	ReconnectDelay time.Duration

	// ConnectTimeout bounds the transport dial. Zero leaves it to the adapter.
	ConnectTimeout time.Duration

	// Channels names the service and characteristics resolved during setup.
	Channels device.ChannelSpec
}

// ScanStopper pauses discovery before a connection attempt.
type ScanStopper interface {
	StopScan()
}

// NotificationHandler receives outbound data from a connected device.
type NotificationHandler func(id string, data []byte)

// entry is a live-set slot. The record is guarded by Manager.mu; io orders writes
// against an explicit disconnect.
type entry struct {
	rec    *device.Record
	io     sync.RWMutex
	cancel context.CancelFunc

	// aborted is set when Disconnect interrupts setup.
	aborted bool
	// lost is set when the link drops while setup is still running.
	lost error
}

// pendingReconnect is the single reconnect slot of a device.
type pendingReconnect struct {
	timer   *time.Timer
	name    string
	attempt int
	running bool
	// held is set while a connect from outside the cycle owns the attempt.
	held bool
}

// Manager is the connection lifecycle manager.
type Manager struct {
	adapter device.Adapter
	opts    Options
	logger  *logrus.Logger

	mu      sync.Mutex
	live    *orderedmap.OrderedMap[string, *entry]
	timers  map[string]*pendingReconnect
	scanner ScanStopper
	onData  NotificationHandler
	closed  bool

	hasPermission device.PermissionChecker

	events *ringchan.RingChannel[device.StateEvent]
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a lifecycle manager on top of adapter.
func NewManager(adapter device.Adapter, opts Options, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.MaxDevices < 1 {
		opts.MaxDevices = 1
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		adapter: adapter,
		opts:    opts,
		logger:  logger,
		live:    orderedmap.New[string, *entry](),
		timers:  make(map[string]*pendingReconnect),
		events:  ringchan.New[device.StateEvent](DefaultEventBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetScanner registers the scan to pause before each connection attempt.
func (m *Manager) SetScanner(s ScanStopper) {
	m.mu.Lock()
	m.scanner = s
	m.mu.Unlock()
}

// SetPermissionChecker installs the precondition checked before every connect and
// reconnect attempt. A nil checker grants permission.
func (m *Manager) SetPermissionChecker(fn device.PermissionChecker) {
	m.mu.Lock()
	m.hasPermission = fn
	m.mu.Unlock()
}

// SetNotificationHandler sets the receiver of device notifications.
func (m *Manager) SetNotificationHandler(h NotificationHandler) {
	m.mu.Lock()
	m.onData = h
	m.mu.Unlock()
}

// Events returns the stream of state transitions. Old events are overwritten when the
// reader falls behind. The channel is closed by Close.
func (m *Manager) Events() <-chan device.StateEvent {
	return m.events.C()
}

// Connect brings id to Ready.
//
// It is a no-op if id is already Ready. It fails with device.ErrPermissionDenied or
// device.ErrAdapterNotReady before touching the radio, with device.ErrCapacityExceeded when
// the live set is full and with device.ErrConnectInProgress while id is mid-transition. Any setup
// failure removes the record again; channel discovery and subscription failures are
// returned as *device.SetupError.
func (m *Manager) Connect(ctx context.Context, id string) error {
	return m.connect(ctx, device.NewRecord(id, "", 0))
}

// ConnectCandidate is Connect for a scan observation, keeping its name and RSSI.
func (m *Manager) ConnectCandidate(ctx context.Context, c device.Candidate) error {
	return m.connect(ctx, device.NewRecord(c.ID, c.Name, c.RSSI))
}

func (m *Manager) connect(ctx context.Context, rec *device.Record) (err error) {
	id := rec.ID
	if id == "" {
		return errors.New("connect: device id is empty")
	}

	m.mu.Lock()
	done, err := m.admitLocked(id)
	m.mu.Unlock()
	if done {
		return err
	}

	// Backends may open the radio here, so these run without holding mu.
	if !m.permitted() {
		return fmt.Errorf("connect %s: %w", id, device.ErrPermissionDenied)
	}
	if !m.adapter.Powered() {
		return fmt.Errorf("connect %s: %w", id, device.ErrAdapterNotReady)
	}

	m.mu.Lock()
	if done, err := m.admitLocked(id); done {
		m.mu.Unlock()
		return err
	}
	if n := m.liveCountLocked(); n >= m.opts.MaxDevices {
		m.mu.Unlock()
		return fmt.Errorf("connect %s: %w (%d/%d live)", id, device.ErrCapacityExceeded, n, m.opts.MaxDevices)
	}

	if held := m.holdReconnectLocked(id); held != nil {
		defer func() { m.releaseReconnect(id, held, err) }()
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e := &entry{rec: rec, cancel: cancel}
	rec.State = device.Connecting
	m.live.Set(id, e)
	scanner := m.scanner
	m.mu.Unlock()

	m.emit(id, device.Connecting, nil)

	if scanner != nil {
		scanner.StopScan()
	}

	m.logger.WithField("device", id).Info("Connecting to device...")

	dialCtx := connCtx
	if m.opts.ConnectTimeout > 0 {
		var dialCancel context.CancelFunc
		dialCtx, dialCancel = context.WithTimeout(connCtx, m.opts.ConnectTimeout)
		defer dialCancel()
	}

	conn, err := m.adapter.Connect(dialCtx, id)
	if err != nil {
		if m.rollback(e, err) {
			return fmt.Errorf("connect %s: %w", id, context.Canceled)
		}
		m.logger.WithError(err).WithField("device", id).Error("Failed to connect to device")
		return fmt.Errorf("connect %s: %w", id, device.NormalizeError(err))
	}

	conn.OnDisconnect(func(cause error) {
		m.handleLoss(e, cause)
	})

	m.mu.Lock()
	e.rec.Conn = conn
	m.mu.Unlock()

	inbound, outbound, err := conn.DiscoverChannels(connCtx, m.opts.Channels)
	if err != nil {
		return m.failSetup(e, conn, device.StageDiscover, err)
	}

	if err := outbound.Subscribe(func(data []byte) { m.dispatch(e, data) }); err != nil {
		return m.failSetup(e, conn, device.StageSubscribe, err)
	}

	m.mu.Lock()
	current, present := m.live.Get(id)
	if !present || current != e || e.aborted || connCtx.Err() != nil {
		m.mu.Unlock()
		cause := connCtx.Err()
		if cause == nil {
			cause = context.Canceled
		}
		_ = conn.Disconnect()
		m.rollback(e, cause)
		return fmt.Errorf("connect %s: %w", id, cause)
	}
	if e.lost != nil {
		lost := e.lost
		m.mu.Unlock()
		return m.failSetup(e, conn, device.StageLost, lost)
	}
	e.rec.Inbound = inbound
	e.rec.Outbound = outbound
	e.rec.State = device.Ready
	e.rec.ConnectedAt = time.Now()
	name := e.rec.DisplayName
	m.mu.Unlock()

	m.emit(id, device.Ready, nil)
	m.logger.WithFields(logrus.Fields{
		"device": id,
		"name":   name,
	}).Info("Device connected and ready")
	return nil
}

// admitLocked reports whether connect must stop before dialing, and with what result.
// A Ready device is a no-op; any other live state is a transition in progress.
func (m *Manager) admitLocked(id string) (bool, error) {
	if m.closed {
		return true, fmt.Errorf("connect %s: %w", id, device.ErrClosed)
	}
	e, ok := m.live.Get(id)
	if !ok {
		return false, nil
	}
	if e.rec.State == device.Ready {
		m.logger.WithField("device", id).Debug("Device already connected")
		return true, nil
	}
	return true, fmt.Errorf("connect %s: %w (state %s)", id, device.ErrConnectInProgress, e.rec.State)
}

func (m *Manager) permitted() bool {
	m.mu.Lock()
	check := m.hasPermission
	m.mu.Unlock()
	return check == nil || check()
}

// failSetup releases a connection whose channel setup failed and removes its record.
func (m *Manager) failSetup(e *entry, conn device.Conn, stage device.SetupStage, cause error) error {
	id := e.rec.ID
	if err := conn.Disconnect(); err != nil {
		m.logger.WithError(err).WithField("device", id).Debug("Disconnect after failed setup")
	}

	if m.rollback(e, cause) {
		return fmt.Errorf("connect %s: %w", id, context.Canceled)
	}

	setupErr := &device.SetupError{ID: id, Stage: stage, Err: device.NormalizeError(cause)}
	m.logger.WithError(setupErr.Err).WithFields(logrus.Fields{
		"device": id,
		"stage":  stage,
	}).Error("Device setup failed")
	return setupErr
}

// rollback removes e from the live set if it is still there and reports whether setup
// was aborted by an explicit Disconnect.
func (m *Manager) rollback(e *entry, cause error) bool {
	id := e.rec.ID

	m.mu.Lock()
	aborted := e.aborted
	removed := false
	if current, ok := m.live.Get(id); ok && current == e {
		m.live.Delete(id)
		removed = true
	}
	e.rec.State = device.Disconnected
	e.rec.Release()
	m.mu.Unlock()

	if removed {
		m.emit(id, device.Disconnected, cause)
	}
	return aborted
}

// Disconnect tears down id and removes its record. Unknown ids are a no-op.
// A pending reconnect for id is always canceled; a connect still in setup is aborted.
func (m *Manager) Disconnect(id string) error {
	m.mu.Lock()
	m.cancelReconnectLocked(id)

	e, ok := m.live.Get(id)
	if !ok {
		m.mu.Unlock()
		return nil
	}

	switch e.rec.State {
	case device.Connecting:
		e.aborted = true
		e.cancel()
		m.live.Delete(id)
		e.rec.State = device.Disconnected
		m.mu.Unlock()

		m.logger.WithField("device", id).Info("Connection attempt aborted")
		m.emit(id, device.Disconnected, nil)
		return nil
	case device.Disconnecting:
		m.mu.Unlock()
		return nil
	}

	e.rec.State = device.Disconnecting
	conn := e.rec.Conn
	m.mu.Unlock()

	m.emit(id, device.Disconnecting, nil)
	m.logger.WithField("device", id).Info("Disconnecting device...")

	// Waits for writes that started while the device was Ready.
	e.io.Lock()
	var err error
	if conn != nil {
		err = conn.Disconnect()
	}
	m.mu.Lock()
	if current, ok := m.live.Get(id); ok && current == e {
		m.live.Delete(id)
	}
	e.rec.State = device.Disconnected
	e.rec.Release()
	m.mu.Unlock()
	e.io.Unlock()

	m.emit(id, device.Disconnected, nil)

	if err != nil {
		err = device.NormalizeError(err)
		m.logger.WithError(err).WithField("device", id).Warn("Device disconnect reported an error")
		return fmt.Errorf("disconnect %s: %w", id, err)
	}
	m.logger.WithField("device", id).Info("Device disconnected")
	return nil
}

// DisconnectAll disconnects every live device concurrently and cancels all pending
// reconnects. Individual failures are joined into the returned error.
func (m *Manager) DisconnectAll() error {
	m.mu.Lock()
	for id := range m.timers {
		m.cancelReconnectLocked(id)
	}
	ids := make([]string, 0, m.live.Len())
	for pair := m.live.Oldest(); pair != nil; pair = pair.Next() {
		ids = append(ids, pair.Key)
	}
	m.mu.Unlock()

	var (
		mu   sync.Mutex
		errs []error
	)
	group := groutine.NewGroup(context.Background())
	for _, id := range ids {
		group.Go("disconnect:"+id, func(context.Context) {
			if err := m.Disconnect(id); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
	}
	group.Wait()

	return errors.Join(errs...)
}

// Write sends data to the inbound channel of a Ready device.
// Fails with device.ErrDeviceNotConnected if id is not Ready.
func (m *Manager) Write(id string, data []byte) error {
	m.mu.Lock()
	e, ok := m.live.Get(id)
	if !ok || e.rec.State != device.Ready {
		m.mu.Unlock()
		return fmt.Errorf("write %s: %w", id, device.ErrDeviceNotConnected)
	}
	m.mu.Unlock()

	e.io.RLock()
	defer e.io.RUnlock()

	// Re-check: a disconnect may have completed while waiting for the io lock.
	m.mu.Lock()
	inbound := e.rec.Inbound
	ready := e.rec.State == device.Ready
	m.mu.Unlock()
	if !ready || inbound == nil {
		return fmt.Errorf("write %s: %w", id, device.ErrDeviceNotConnected)
	}

	if err := inbound.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", id, device.NormalizeError(err))
	}
	m.logger.WithFields(logrus.Fields{
		"device": id,
		"bytes":  len(data),
	}).Debug("Wrote to device")
	return nil
}

// dispatch forwards a notification from the connection owning e.
func (m *Manager) dispatch(e *entry, data []byte) {
	m.mu.Lock()
	current, ok := m.live.Get(e.rec.ID)
	ready := ok && current.rec.State == device.Ready
	handler := m.onData
	m.mu.Unlock()

	if !ok || current != e {
		m.logger.WithField("device", e.rec.ID).Debug("Dropping notification from stale connection")
		return
	}
	if !ready {
		m.logger.WithField("device", e.rec.ID).Debug("Dropping notification received before ready")
		return
	}
	if handler != nil {
		handler(e.rec.ID, data)
	}
}

// Close cancels every pending reconnect, disconnects all devices and closes Events.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	err := m.DisconnectAll()
	m.events.Close()

	if stats := m.events.GetMetrics(); stats.Overwritten > 0 {
		m.logger.WithFields(logrus.Fields{
			"written":     stats.Written,
			"overwritten": stats.Overwritten,
		}).Debug("State events were overwritten before being read")
	}
	return err
}

func (m *Manager) emit(id string, state device.ConnectionState, err error) {
	m.events.Send(device.StateEvent{ID: id, State: state, Err: err, At: time.Now()})
}

func (m *Manager) liveCountLocked() int {
	n := 0
	for pair := m.live.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.rec.State.IsLive() {
			n++
		}
	}
	return n
}
