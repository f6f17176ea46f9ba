package mqtt

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Publish sends payload to topic with the configured QoS, not retained.
//
// The call does not wait for the broker acknowledgement; a late failure is logged.
// Immediate problems (empty topic, oversized payload, no connection) are returned.
func (c *Client) Publish(topic string, payload []byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, c.qos(), false, payload)

	go func() {
		if !token.WaitTimeout(defaultAckTimeout) {
			c.logger.WithField("topic", topic).Warn("MQTT publish not acknowledged in time")
			return
		}
		if err := token.Error(); err != nil {
			c.logger.WithFields(logrus.Fields{
				"topic": topic,
				"error": err,
			}).Error("MQTT publish failed")
		}
	}()

	return nil
}
