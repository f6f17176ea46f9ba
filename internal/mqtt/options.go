package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/srg/blemq/pkg/config"
)

const (
	// defaultConnectTimeout is the maximum time to wait for the initial connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultAckTimeout bounds subscribe/unsubscribe acknowledgements and background publish waits.
	defaultAckTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time, in milliseconds, given to pending work on Close.
	defaultDisconnectQuiesce = 1000

	defaultKeepAlive = 60 * time.Second

	// maxPayloadSize guards against oversized payloads; typical brokers cap at 1MB too.
	maxPayloadSize = 1 << 20

	tlsMinVersion = tls.VersionTLS12
)

// Status payloads published on the status topic
const (
	statusOnline   = "online"
	statusOffline  = "offline"
	reasonGraceful = "graceful_shutdown"
	reasonLWT      = "unexpected_disconnect"
)

// buildClientOptions creates paho options from the hub config.
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port))
	opts.SetClientID(cfg.Broker.ClientID)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	// Subscriptions are replayed by the Client, no persistent broker session needed.
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(cfg.Reconnect.InitialDelay)
	opts.SetMaxReconnectInterval(cfg.Reconnect.MaxDelay)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}

	if cfg.StatusTopic != "" {
		opts.SetWill(cfg.StatusTopic, statusPayload(statusOffline, cfg.Broker.ClientID, reasonLWT), 1, true)
	}

	return opts
}

// statusPayload renders the JSON body published on the status topic.
func statusPayload(status, clientID, reason string) string {
	ts := time.Now().UTC().Format(time.RFC3339)
	if reason == "" {
		return fmt.Sprintf(`{"status":%q,"client_id":%q,"timestamp":%q}`, status, clientID, ts)
	}
	return fmt.Sprintf(`{"status":%q,"client_id":%q,"reason":%q,"timestamp":%q}`, status, clientID, reason, ts)
}
