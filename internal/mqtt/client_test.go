package mqtt

import (
	"errors"
	"sort"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blemq/pkg/config"
)

func testConfig() config.MQTTConfig {
	cfg := config.DefaultConfig().MQTT
	cfg.Broker.ClientID = "blemq-test"
	return cfg
}

// connectFake connects a Client backed by a fakePaho and restores the factory on cleanup.
func connectFake(t *testing.T, prepare func(*fakePaho)) (*Client, *fakePaho) {
	t.Helper()

	var fake *fakePaho
	original := ClientFactory
	ClientFactory = func(o *pahomqtt.ClientOptions) pahomqtt.Client {
		fake = newFakePaho(o)
		if prepare != nil {
			prepare(fake)
		}
		return fake
	}
	t.Cleanup(func() { ClientFactory = original })

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	c, err := Connect(testConfig(), logger)
	require.NoError(t, err)
	return c, fake
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Host = "broker.local"
	cfg.Broker.Port = 8883
	cfg.Broker.TLS = true
	cfg.Auth.Username = "hub"
	cfg.Auth.Password = "secret"

	opts := buildClientOptions(cfg)

	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "ssl://broker.local:8883", opts.Servers[0].String())
	assert.Equal(t, "blemq-test", opts.ClientID)
	assert.Equal(t, "hub", opts.Username)
	assert.True(t, opts.AutoReconnect)
	assert.True(t, opts.CleanSession)
	require.NotNil(t, opts.TLSConfig)
	assert.True(t, opts.WillEnabled)
	assert.Equal(t, "blemq/status", opts.WillTopic)
	assert.True(t, opts.WillRetained)
	assert.Contains(t, string(opts.WillPayload), `"reason":"unexpected_disconnect"`)
}

func TestConnect_PublishesOnlineStatus(t *testing.T) {
	c, fake := connectFake(t, nil)

	assert.True(t, c.IsConnected())

	statuses := fake.publishedOn("blemq/status")
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].retained)
	assert.Contains(t, string(statuses[0].payload), `"status":"online"`)
}

func TestConnect_Failure(t *testing.T) {
	original := ClientFactory
	ClientFactory = func(o *pahomqtt.ClientOptions) pahomqtt.Client {
		f := newFakePaho(o)
		f.connectErr = errors.New("connection refused")
		return f
	}
	t.Cleanup(func() { ClientFactory = original })

	_, err := Connect(testConfig(), nil)

	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.ErrorContains(t, err, "connection refused")
}

func TestPublish(t *testing.T) {
	c, fake := connectFake(t, nil)

	require.NoError(t, c.Publish("devices/abc/out", []byte("hello")))

	msgs := fake.publishedOn("devices/abc/out")
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("hello"), msgs[0].payload)
	assert.False(t, msgs[0].retained)
}

// tracked returns the topics c restores after a reconnect.
func tracked(c *Client) []string {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	topics := make([]string, 0, len(c.subscriptions))
	for t := range c.subscriptions {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

func TestPublish_Validation(t *testing.T) {
	c, fake := connectFake(t, nil)

	assert.ErrorIs(t, c.Publish("", []byte("x")), ErrInvalidTopic)
	assert.ErrorIs(t, c.Publish("t", make([]byte, maxPayloadSize+1)), ErrPublishFailed)

	fake.dropConnection(errors.New("network down"))
	assert.ErrorIs(t, c.Publish("t", []byte("x")), ErrNotConnected)
}

func TestSubscribe_DeliversMessages(t *testing.T) {
	c, fake := connectFake(t, nil)

	received := make(chan string, 1)
	err := c.Subscribe("devices/+/in", func(topic string, payload []byte) error {
		received <- topic + "=" + string(payload)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"devices/+/in"}, tracked(c))

	fake.deliver("devices/+/in", "devices/abc/in", []byte("cmd"))

	select {
	case got := <-received:
		assert.Equal(t, "devices/abc/in=cmd", got)
	case <-time.After(time.Second):
		t.Fatal("handler not invoked")
	}
}

func TestSubscribe_Validation(t *testing.T) {
	c, fake := connectFake(t, nil)

	assert.ErrorIs(t, c.Subscribe("", func(string, []byte) error { return nil }), ErrInvalidTopic)
	assert.ErrorIs(t, c.Subscribe("a", nil), ErrSubscribeFailed)

	fake.mu.Lock()
	fake.subscribeErr = errors.New("not authorized")
	fake.mu.Unlock()

	err := c.Subscribe("a", func(string, []byte) error { return nil })
	assert.ErrorIs(t, err, ErrSubscribeFailed)
	assert.Empty(t, tracked(c), "failed subscription MUST not be tracked")
}

func TestSubscribe_HandlerPanicIsRecovered(t *testing.T) {
	c, fake := connectFake(t, nil)

	require.NoError(t, c.Subscribe("t", func(string, []byte) error { panic("boom") }))

	assert.NotPanics(t, func() { fake.deliver("t", "t", nil) })
}

func TestUnsubscribe(t *testing.T) {
	c, fake := connectFake(t, nil)
	require.NoError(t, c.Subscribe("t", func(string, []byte) error { return nil }))

	require.NoError(t, c.Unsubscribe("t"))

	assert.Empty(t, tracked(c))
	assert.Equal(t, []string{"t"}, fake.unsubscribed)
	assert.ErrorIs(t, c.Unsubscribe(""), ErrInvalidTopic)
}

func TestReconnect_RestoresSubscriptionsAndNotifies(t *testing.T) {
	c, fake := connectFake(t, nil)
	require.NoError(t, c.Subscribe("devices/+/in", func(string, []byte) error { return nil }))

	var events []bool
	c.SetOnConnectionChange(func(connected bool, err error) {
		events = append(events, connected)
	})

	fake.dropConnection(errors.New("EOF"))
	assert.False(t, c.IsConnected())

	fake.reconnect()
	assert.True(t, c.IsConnected())

	assert.Equal(t, []bool{false, true}, events)
	assert.Equal(t, 2, fake.subscribeCalls("devices/+/in"))
	assert.Len(t, fake.publishedOn("blemq/status"), 2)
}

func TestClose(t *testing.T) {
	c, fake := connectFake(t, nil)

	require.NoError(t, c.Close())

	assert.False(t, c.IsConnected())
	assert.Equal(t, 1, fake.disconnectCnt)
	statuses := fake.publishedOn("blemq/status")
	require.Len(t, statuses, 2)
	assert.Contains(t, string(statuses[1].payload), `"reason":"graceful_shutdown"`)
}

func TestClose_Nil(t *testing.T) {
	var c *Client
	assert.NoError(t, c.Close())
}
