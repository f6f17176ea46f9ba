package lifecycle

import (
	"github.com/srg/blemq/internal/device"
)

// Get returns a snapshot of the live record for id.
func (m *Manager) Get(id string) (device.Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live.Get(id)
	if !ok {
		return device.Info{}, false
	}
	return e.rec.Info(), true
}

// ReadyIDs returns the ids of Ready devices, oldest first.
func (m *Manager) ReadyIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, m.live.Len())
	for pair := m.live.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.rec.State == device.Ready {
			ids = append(ids, pair.Key)
		}
	}
	return ids
}

// LiveCount returns the number of records counting against capacity.
func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveCountLocked()
}

// HasCapacity reports whether another Connect could be admitted right now.
func (m *Manager) HasCapacity() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveCountLocked() < m.opts.MaxDevices
}

// UpdateRSSI records a fresh signal reading for a Ready device. Others are ignored.
func (m *Manager) UpdateRSSI(id string, rssi int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.live.Get(id); ok && e.rec.State == device.Ready {
		e.rec.RSSI = rssi
	}
}
