package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blemq/internal/device"
	"github.com/srg/blemq/internal/groutine"
)

// handleLoss is the OnDisconnect callback of the connection owned by e.
func (m *Manager) handleLoss(e *entry, cause error) {
	id := e.rec.ID
	if cause == nil {
		cause = device.ErrTransportLost
	}

	m.mu.Lock()
	current, ok := m.live.Get(id)
	if !ok || current != e {
		m.mu.Unlock()
		return
	}

	switch e.rec.State {
	case device.Connecting:
		// Setup is still running; it sees the loss and rolls back.
		e.lost = cause
		m.mu.Unlock()
		return
	case device.Disconnecting, device.Disconnected:
		m.mu.Unlock()
		return
	}

	m.live.Delete(id)
	conn := e.rec.Conn
	name := e.rec.DisplayName
	e.rec.State = device.Disconnected
	e.rec.Release()
	m.scheduleReconnectLocked(id, name, 1)
	m.mu.Unlock()

	lossErr := fmt.Errorf("%w: %v", device.ErrTransportLost, cause)
	m.emit(id, device.Disconnected, lossErr)
	m.logger.WithError(cause).WithFields(logrus.Fields{
		"device": id,
		"delay":  m.opts.ReconnectDelay,
	}).Warn("Device connection lost, reconnect scheduled")

	if conn != nil {
		groutine.Go(m.ctx, "release:"+id, func(_ context.Context) {
			if err := conn.Disconnect(); err != nil {
				m.logger.WithError(err).WithField("device", id).Debug("Releasing lost connection")
			}
		})
	}
}

// scheduleReconnectLocked arms the single reconnect slot of id, replacing any previous one.
func (m *Manager) scheduleReconnectLocked(id, name string, attempt int) {
	if m.closed {
		return
	}
	if prev, ok := m.timers[id]; ok {
		prev.timer.Stop()
	}

	rt := &pendingReconnect{name: name, attempt: attempt}
	m.timers[id] = rt
	rt.timer = time.AfterFunc(m.opts.ReconnectDelay, func() {
		m.reconnect(id, rt)
	})
}

// cancelReconnectLocked drops the reconnect slot of id, including a running or held attempt.
func (m *Manager) cancelReconnectLocked(id string) {
	rt, ok := m.timers[id]
	if !ok {
		return
	}
	rt.timer.Stop()
	delete(m.timers, id)
	m.logger.WithField("device", id).Debug("Pending reconnect canceled")
}

// reconnect runs one attempt for rt and re-arms the slot after any failure.
func (m *Manager) reconnect(id string, rt *pendingReconnect) {
	m.mu.Lock()
	if m.closed || m.timers[id] != rt || rt.held {
		m.mu.Unlock()
		return
	}
	rt.running = true
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"device":  id,
		"attempt": rt.attempt,
	}).Info("Reconnecting to device...")

	err := m.connect(m.ctx, device.NewRecord(id, rt.name, 0))

	m.mu.Lock()
	defer m.mu.Unlock()

	// Disconnect, Close or a newer loss took the slot over.
	if m.timers[id] != rt {
		return
	}
	delete(m.timers, id)

	if err == nil || errors.Is(err, device.ErrConnectInProgress) || m.closed {
		return
	}

	m.logger.WithError(err).WithFields(logrus.Fields{
		"device":  id,
		"attempt": rt.attempt,
		"delay":   m.opts.ReconnectDelay,
	}).Warn("Reconnect failed, retrying")
	m.scheduleReconnectLocked(id, rt.name, rt.attempt+1)
}

// holdReconnectLocked pauses the pending reconnect of id while a connect from outside the
// cycle runs. The slot stays in place so the cycle survives if that connect fails.
// Returns nil when there is nothing to hold or the cycle's own attempt is running.
func (m *Manager) holdReconnectLocked(id string) *pendingReconnect {
	rt, ok := m.timers[id]
	if !ok || rt.running {
		return nil
	}
	rt.timer.Stop()
	rt.held = true
	return rt
}

// releaseReconnect ends the hold taken by connect: a successful connect closes the cycle,
// a failed one re-arms it at the same fixed delay.
func (m *Manager) releaseReconnect(id string, rt *pendingReconnect, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Disconnect, Close or a newer loss took the slot over.
	if m.timers[id] != rt {
		return
	}
	delete(m.timers, id)
	if err == nil || m.closed {
		return
	}

	m.logger.WithError(err).WithFields(logrus.Fields{
		"device":  id,
		"attempt": rt.attempt,
		"delay":   m.opts.ReconnectDelay,
	}).Warn("Connect failed during reconnect cycle, retrying")
	m.scheduleReconnectLocked(id, rt.name, rt.attempt)
}

// ReconnectPending reports whether id has a scheduled or running reconnect.
func (m *Manager) ReconnectPending(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.timers[id]
	return ok
}
