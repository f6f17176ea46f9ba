package mqtt

import (
	"errors"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// fakeToken is an already-completed paho token
type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type published struct {
	topic    string
	retained bool
	payload  []byte
}

// fakePaho is an in-memory paho client driven by the options the Client built.
type fakePaho struct {
	opts *pahomqtt.ClientOptions

	mu            sync.Mutex
	connected     bool
	connectErr    error
	subscribeErr  error
	published     []published
	subscribed    []string
	unsubscribed  []string
	handlers      map[string]pahomqtt.MessageHandler
	disconnectCnt int
}

func newFakePaho(opts *pahomqtt.ClientOptions) *fakePaho {
	return &fakePaho{opts: opts, handlers: make(map[string]pahomqtt.MessageHandler)}
}

func (f *fakePaho) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakePaho) IsConnectionOpen() bool { return f.IsConnected() }

func (f *fakePaho) Connect() pahomqtt.Token {
	f.mu.Lock()
	err := f.connectErr
	if err == nil {
		f.connected = true
	}
	f.mu.Unlock()

	if err == nil && f.opts.OnConnect != nil {
		f.opts.OnConnect(f)
	}
	return &fakeToken{err: err}
}

func (f *fakePaho) Disconnect(uint) {
	f.mu.Lock()
	f.connected = false
	f.disconnectCnt++
	f.mu.Unlock()
}

func (f *fakePaho) Publish(topic string, _ byte, retained bool, payload interface{}) pahomqtt.Token {
	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = p
	case string:
		body = []byte(p)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic: topic, retained: retained, payload: body})
	return &fakeToken{}
}

func (f *fakePaho) Subscribe(topic string, _ byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return &fakeToken{err: f.subscribeErr}
	}
	f.subscribed = append(f.subscribed, topic)
	f.handlers[topic] = callback
	return &fakeToken{}
}

func (f *fakePaho) SubscribeMultiple(map[string]byte, pahomqtt.MessageHandler) pahomqtt.Token {
	return &fakeToken{err: errors.New("not supported")}
}

func (f *fakePaho) Unsubscribe(topics ...string) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range topics {
		f.unsubscribed = append(f.unsubscribed, t)
		delete(f.handlers, t)
	}
	return &fakeToken{}
}

func (f *fakePaho) AddRoute(string, pahomqtt.MessageHandler) {}

func (f *fakePaho) OptionsReader() pahomqtt.ClientOptionsReader {
	return pahomqtt.NewOptionsReader(f.opts)
}

// deliver simulates an incoming broker message on a subscription
func (f *fakePaho) deliver(subscription, topic string, payload []byte) {
	f.mu.Lock()
	h := f.handlers[subscription]
	f.mu.Unlock()
	if h != nil {
		h(f, &fakeMessage{topic: topic, payload: payload})
	}
}

// dropConnection simulates a broker connection loss
func (f *fakePaho) dropConnection(err error) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	if f.opts.OnConnectionLost != nil {
		f.opts.OnConnectionLost(f, err)
	}
}

// reconnect simulates paho's automatic reconnect
func (f *fakePaho) reconnect() {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	if f.opts.OnConnect != nil {
		f.opts.OnConnect(f)
	}
}

func (f *fakePaho) publishedOn(topic string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, p := range f.published {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakePaho) subscribeCalls(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.subscribed {
		if t == topic {
			n++
		}
	}
	return n
}
