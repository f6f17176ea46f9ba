// Package bridge moves bytes between connected peripherals and the broker.
//
// Device notifications are published on devices/<id>/out; messages on devices/<id>/in
// are written to the device. The bridge never mutates the live set, it only asks the
// lifecycle manager to write and reads which devices are Ready.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/srg/blemq/internal/device"
	"github.com/srg/blemq/internal/groutine"
	"github.com/srg/blemq/internal/lifecycle"
	"github.com/srg/blemq/internal/mqtt"
	"github.com/srg/blemq/internal/topic"
)

// Broker is the subset of the MQTT client the bridge uses.
type Broker interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// connectionNotifier is implemented by brokers that report connection changes.
type connectionNotifier interface {
	SetOnConnectionChange(mqtt.ConnectionHandler)
}

// Devices is the read/write view of the lifecycle manager.
type Devices interface {
	Write(id string, data []byte) error
	ReadyIDs() []string
	SetNotificationHandler(lifecycle.NotificationHandler)
}

// Stats counts messages moved by the bridge
type Stats struct {
	Published       int64
	PublishFailed   int64
	Delivered       int64
	DeliveryFailed  int64
	MalformedTopics int64
}

// Bridge routes messages between a Broker and Devices.
type Bridge struct {
	broker  Broker
	devices Devices
	logger  *logrus.Logger

	mu      sync.Mutex
	running bool

	published       atomic.Int64
	publishFailed   atomic.Int64
	delivered       atomic.Int64
	deliveryFailed  atomic.Int64
	malformedTopics atomic.Int64
}

// New creates a bridge. Call Start to begin routing.
func New(broker Broker, devices Devices, logger *logrus.Logger) *Bridge {
	if logger == nil {
		logger = logrus.New()
	}
	return &Bridge{
		broker:  broker,
		devices: devices,
		logger:  logger,
	}
}

// Start hooks device notifications and subscribes to every device inbound topic.
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return errors.New("bridge is already running")
	}

	b.devices.SetNotificationHandler(b.handleNotification)

	if err := b.broker.Subscribe(topic.InboundWildcard(), b.handleInbound); err != nil {
		b.devices.SetNotificationHandler(nil)
		return fmt.Errorf("failed to subscribe to %s: %w", topic.InboundWildcard(), err)
	}

	if n, ok := b.broker.(connectionNotifier); ok {
		n.SetOnConnectionChange(b.handleBrokerState)
	}

	b.running = true
	b.logger.WithField("topic", topic.InboundWildcard()).Info("Bridge started")
	return nil
}

// Stop detaches the bridge from both sides. Safe to call when not running.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return nil
	}
	b.running = false

	b.devices.SetNotificationHandler(nil)
	if n, ok := b.broker.(connectionNotifier); ok {
		n.SetOnConnectionChange(nil)
	}

	if err := b.broker.Unsubscribe(topic.InboundWildcard()); err != nil {
		b.logger.WithError(err).Warn("Failed to unsubscribe bridge topic")
		return fmt.Errorf("failed to unsubscribe from %s: %w", topic.InboundWildcard(), err)
	}

	b.logger.Info("Bridge stopped")
	return nil
}

// handleNotification publishes device data on the device's outbound topic.
// Delivery is the broker client's business; failures are counted and logged.
func (b *Bridge) handleNotification(id string, data []byte) {
	t := topic.Outbound(id)
	if err := b.broker.Publish(t, data); err != nil {
		b.publishFailed.Add(1)
		b.logger.WithError(err).WithFields(logrus.Fields{
			"device": id,
			"topic":  t,
		}).Warn("Failed to publish device notification")
		return
	}

	b.published.Add(1)
	b.logger.WithFields(logrus.Fields{
		"device": id,
		"topic":  t,
		"bytes":  len(data),
	}).Debug("Published device notification")
}

// handleInbound writes a broker message to the device addressed by its topic.
// Malformed topics are dropped; write failures are reported, never retried.
func (b *Bridge) handleInbound(t string, payload []byte) error {
	id, err := topic.ParseInbound(t)
	if err != nil {
		b.malformedTopics.Add(1)
		b.logger.WithError(err).WithField("topic", t).Warn("Dropping message with malformed topic")
		return err
	}

	if err := b.devices.Write(id, payload); err != nil {
		b.deliveryFailed.Add(1)
		b.logger.WithError(err).WithFields(logrus.Fields{
			"device": id,
			"topic":  t,
		}).Warn("Inbound message not delivered")
		return err
	}

	b.delivered.Add(1)
	b.logger.WithFields(logrus.Fields{
		"device": id,
		"bytes":  len(payload),
	}).Debug("Delivered inbound message")
	return nil
}

func (b *Bridge) handleBrokerState(connected bool, err error) {
	if connected {
		b.logger.Info("Broker connection established, inbound routing active")
		return
	}
	b.logger.WithError(err).Warn("Broker connection lost, device notifications will fail until it returns")
}

// Write sends data to a single device.
// Fails with device.ErrDeviceNotConnected if the device is not Ready.
func (b *Bridge) Write(id string, data []byte) error {
	return b.devices.Write(id, data)
}

// Outcome is the result of a broadcast write to one device
type Outcome struct {
	ID  string
	Err error
}

// BroadcastResult lists the per-device outcomes of a Broadcast.
type BroadcastResult struct {
	Outcomes []Outcome
}

// Succeeded returns the ids written successfully.
func (r BroadcastResult) Succeeded() []string {
	var ids []string
	for _, o := range r.Outcomes {
		if o.Err == nil {
			ids = append(ids, o.ID)
		}
	}
	return ids
}

// Failed returns the outcomes that carry an error.
func (r BroadcastResult) Failed() []Outcome {
	var failed []Outcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			failed = append(failed, o)
		}
	}
	return failed
}

// Err joins the per-device failures, or returns nil when every write succeeded.
func (r BroadcastResult) Err() error {
	var errs []error
	for _, o := range r.Failed() {
		errs = append(errs, fmt.Errorf("%s: %w", o.ID, o.Err))
	}
	return errors.Join(errs...)
}

// Broadcast writes data to every Ready device concurrently.
//
// A failing device never blocks or fails the others; the result holds one outcome per
// device in the order the devices became Ready. Devices not yet written when ctx is done
// report ctx.Err().
func (b *Bridge) Broadcast(ctx context.Context, data []byte) BroadcastResult {
	ids := b.devices.ReadyIDs()
	outcomes := make([]Outcome, len(ids))

	group := groutine.NewGroup(ctx)
	for i, id := range ids {
		outcomes[i].ID = id
		group.Go("broadcast:"+id, func(ctx context.Context) {
			if err := ctx.Err(); err != nil {
				outcomes[i].Err = err
				return
			}
			outcomes[i].Err = b.devices.Write(id, data)
		})
	}
	group.Wait()

	result := BroadcastResult{Outcomes: outcomes}
	failed := len(result.Failed())
	b.logger.WithFields(logrus.Fields{
		"devices": len(ids),
		"failed":  failed,
	}).Debug("Broadcast finished")
	if failed > 0 {
		for _, o := range result.Failed() {
			if !errors.Is(o.Err, device.ErrDeviceNotConnected) {
				b.logger.WithError(o.Err).WithField("device", o.ID).Warn("Broadcast write failed")
			}
		}
	}
	return result
}

// Stats returns a snapshot of the message counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Published:       b.published.Load(),
		PublishFailed:   b.publishFailed.Load(),
		Delivered:       b.delivered.Load(),
		DeliveryFailed:  b.deliveryFailed.Load(),
		MalformedTopics: b.malformedTopics.Load(),
	}
}
