// Package mocks holds testify mocks for collaborators of the bridge.
package mocks

import (
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/srg/blemq/internal/mqtt"
)

// MockBroker is a testify mock of the broker client used by the bridge.
// Subscribe handlers are captured so tests can inject inbound messages with Deliver.
type MockBroker struct {
	mock.Mock

	mu       sync.Mutex
	handlers map[string]mqtt.MessageHandler
}

func (m *MockBroker) Publish(topic string, payload []byte) error {
	args := m.Called(topic, payload)
	return args.Error(0)
}

func (m *MockBroker) Subscribe(topic string, handler mqtt.MessageHandler) error {
	args := m.Called(topic, handler)
	if err := args.Error(0); err != nil {
		return err
	}
	m.mu.Lock()
	if m.handlers == nil {
		m.handlers = make(map[string]mqtt.MessageHandler)
	}
	m.handlers[topic] = handler
	m.mu.Unlock()
	return nil
}

func (m *MockBroker) Unsubscribe(topic string) error {
	args := m.Called(topic)
	m.mu.Lock()
	delete(m.handlers, topic)
	m.mu.Unlock()
	return args.Error(0)
}

func (m *MockBroker) SetOnConnectionChange(cb mqtt.ConnectionHandler) {
	m.Called(cb)
}

// Deliver invokes the handler registered for subscription as if the broker delivered
// a message on topic. Reports false when nothing is subscribed, otherwise the handler's error.
func (m *MockBroker) Deliver(subscription, topic string, payload []byte) (bool, error) {
	m.mu.Lock()
	h := m.handlers[subscription]
	m.mu.Unlock()
	if h == nil {
		return false, nil
	}
	return true, h(topic, payload)
}
