package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blemq/internal/adapterfactory"
	"github.com/srg/blemq/internal/bridge"
	"github.com/srg/blemq/internal/device"
	"github.com/srg/blemq/internal/groutine"
	"github.com/srg/blemq/internal/lifecycle"
	"github.com/srg/blemq/internal/scan"
	"github.com/srg/blemq/pkg/config"
)

// hub wires discovery, the connection lifecycle and the broker bridge together.
type hub struct {
	cfg     *config.Config
	logger  *logrus.Logger
	scanner *scan.Controller
	manager *lifecycle.Manager
	bridge  *bridge.Bridge

	// rescanInterval is how often discovery is retried while there is spare capacity.
	rescanInterval time.Duration

	watchDone chan struct{}
}

func newHub(cfg *config.Config, adapter device.Adapter, broker bridge.Broker, logger *logrus.Logger) *hub {
	scanner := scan.NewController(adapter, scan.Options{
		Service:   cfg.Scan.Service,
		Timeout:   cfg.Scan.Timeout,
		AllowList: cfg.Scan.AllowList,
		BlockList: cfg.Scan.BlockList,
	}, logger)

	manager := lifecycle.NewManager(adapter, lifecycle.Options{
		MaxDevices:     cfg.MaxDevices,
		ReconnectDelay: cfg.ReconnectDelay,
		ConnectTimeout: cfg.Device.ConnectTimeout,
		Channels:       adapterfactory.ChannelSpec(cfg),
	}, logger)
	manager.SetScanner(scanner)

	h := &hub{
		cfg:            cfg,
		logger:         logger,
		scanner:        scanner,
		manager:        manager,
		bridge:         bridge.New(broker, manager, logger),
		rescanInterval: cfg.Scan.Timeout,
	}
	h.setPermissionChecker(osPermissions)
	return h
}

// osPermissions leaves radio permission to the platform: a missing grant surfaces as a
// backend error mapped to device.ErrPermissionDenied.
func osPermissions() bool { return true }

// setPermissionChecker installs one precondition for discovery and for every connect.
func (h *hub) setPermissionChecker(fn device.PermissionChecker) {
	h.scanner.SetPermissionChecker(fn)
	h.manager.SetPermissionChecker(fn)
}

// start subscribes the bridge, begins discovery and watches lifecycle events until ctx is done.
func (h *hub) start(ctx context.Context) error {
	if err := h.bridge.Start(); err != nil {
		return err
	}
	h.scanner.OnCandidate(func(c device.Candidate) { h.handleCandidate(ctx, c) })

	if err := h.scanner.StartScan(ctx); err != nil {
		_ = h.bridge.Stop()
		return fmt.Errorf("failed to start discovery: %w", err)
	}

	h.watchDone = make(chan struct{})
	groutine.Go(ctx, "hub-events", func(ctx context.Context) {
		defer close(h.watchDone)
		h.watch(ctx)
	})
	return nil
}

// handleCandidate connects a newly seen device while capacity allows.
// A repeated observation of a Ready device only refreshes its RSSI.
func (h *hub) handleCandidate(ctx context.Context, c device.Candidate) {
	if info, ok := h.manager.Get(c.ID); ok {
		if info.State == device.Ready {
			h.manager.UpdateRSSI(c.ID, c.RSSI)
		}
		return
	}
	if !h.manager.HasCapacity() {
		h.logger.WithField("device", c.ID).Debug("At capacity, ignoring candidate")
		return
	}

	groutine.Go(ctx, "hub-connect:"+c.ID, func(ctx context.Context) {
		err := h.manager.ConnectCandidate(ctx, c)
		switch {
		case err == nil:
		case errors.Is(err, device.ErrCapacityExceeded), errors.Is(err, device.ErrConnectInProgress):
			h.logger.WithField("device", c.ID).WithError(err).Debug("Candidate skipped")
		case errors.Is(err, context.Canceled), errors.Is(err, device.ErrClosed):
		default:
			h.logger.WithField("device", c.ID).WithError(err).Error("Failed to connect")
		}
	})
}

// watch logs state changes and restarts discovery when a slot is free.
func (h *hub) watch(ctx context.Context) {
	ticker := time.NewTicker(h.rescanInterval)
	defer ticker.Stop()

	events := h.manager.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.logEvent(ev)
			if ev.State == device.Ready || ev.State == device.Disconnected {
				h.maybeScan(ctx)
			}
		case <-ticker.C:
			h.maybeScan(ctx)
		}
	}
}

func (h *hub) maybeScan(ctx context.Context) {
	if ctx.Err() != nil || !h.manager.HasCapacity() || h.scanner.IsScanning() {
		return
	}
	err := h.scanner.StartScan(ctx)
	if err != nil && !errors.Is(err, device.ErrScanInProgress) {
		h.logger.WithError(err).Warn("Failed to restart discovery")
	}
}

func (h *hub) logEvent(ev device.StateEvent) {
	entry := h.logger.WithFields(logrus.Fields{
		"device": ev.ID,
		"state":  ev.State,
	})
	switch {
	case ev.Err != nil && errors.Is(ev.Err, device.ErrTransportLost):
		entry.WithError(ev.Err).Warn("Device connection lost")
	case ev.Err != nil:
		entry.WithError(ev.Err).Info("Device state changed")
	case ev.State == device.Ready:
		entry.Info("Device ready")
	default:
		entry.Debug("Device state changed")
	}
}

// shutdown stops the bridge first so no inbound write races the disconnects.
func (h *hub) shutdown() error {
	h.scanner.StopScan()
	bridgeErr := h.bridge.Stop()
	managerErr := h.manager.Close()
	if h.watchDone != nil {
		<-h.watchDone
	}

	stats := h.bridge.Stats()
	h.logger.WithFields(logrus.Fields{
		"published":       stats.Published,
		"publish_failed":  stats.PublishFailed,
		"delivered":       stats.Delivered,
		"delivery_failed": stats.DeliveryFailed,
		"malformed":       stats.MalformedTopics,
	}).Info("Bridge traffic")
	return errors.Join(bridgeErr, managerErr)
}
