// Package mqtt wraps paho.mqtt.golang for the hub.
//
// The Client keeps a subscription table that is replayed after every broker
// reconnect, announces hub presence on a retained status topic (with a Last Will
// for crashes), and reports connection-state changes through a single callback.
// Publishing is fire-and-forget: delivery guarantees belong to paho and the broker.
package mqtt
