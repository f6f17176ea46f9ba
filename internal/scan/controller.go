// Package scan runs time-bounded discovery of peripherals advertising the hub's service.
//
// The controller only surfaces candidates; connecting is the lifecycle manager's job.
package scan

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/blemq/internal/device"
	"github.com/srg/blemq/internal/groutine"
)

// DefaultTimeout bounds a scan when Options.Timeout is not set.
const DefaultTimeout = 10 * time.Second

// PermissionChecker is the discovery precondition, shared with the lifecycle manager.
type PermissionChecker = device.PermissionChecker

// CandidateHandler receives every matching observation, duplicates included.
type CandidateHandler func(device.Candidate)

// Options configures discovery
type Options struct {
	Service   string
	Timeout   time.Duration
	AllowList []string
	BlockList []string
}

// Controller starts and stops discovery on a device.Adapter.
type Controller struct {
	adapter       device.Adapter
	opts          Options
	logger        *logrus.Logger
	hasPermission PermissionChecker

	mu          sync.Mutex
	scanning    bool
	cancel      context.CancelFunc
	timer       *time.Timer
	done        chan struct{}
	lastErr     error
	onCandidate CandidateHandler

	discovered *hashmap.Map[string, device.Candidate]
}

// NewController creates a scan controller. The permission check defaults to granted.
func NewController(adapter device.Adapter, opts Options, logger *logrus.Logger) *Controller {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	done := make(chan struct{})
	close(done)

	return &Controller{
		adapter:       adapter,
		opts:          opts,
		logger:        logger,
		hasPermission: func() bool { return true },
		done:          done,
		discovered:    hashmap.New[string, device.Candidate](),
	}
}

// SetPermissionChecker replaces the permission precondition.
func (c *Controller) SetPermissionChecker(fn PermissionChecker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn == nil {
		fn = func() bool { return true }
	}
	c.hasPermission = fn
}

// OnCandidate sets the handler called for each observation.
func (c *Controller) OnCandidate(fn CandidateHandler) {
	c.mu.Lock()
	c.onCandidate = fn
	c.mu.Unlock()
}

// StartScan begins discovery and returns once the scan is running.
//
// Fails with device.ErrPermissionDenied or device.ErrAdapterNotReady before touching the
// radio, and with device.ErrScanInProgress if a scan is already running. The scan stops
// on StopScan, on ctx cancellation, or after the configured timeout.
func (c *Controller) StartScan(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasPermission() {
		return fmt.Errorf("scan: %w", device.ErrPermissionDenied)
	}
	if !c.adapter.Powered() {
		return fmt.Errorf("scan: %w", device.ErrAdapterNotReady)
	}
	if c.scanning {
		return device.ErrScanInProgress
	}

	scanCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.scanning = true
	c.cancel = cancel
	c.done = done
	c.lastErr = nil
	c.discovered = hashmap.New[string, device.Candidate]()
	c.timer = time.AfterFunc(c.opts.Timeout, func() {
		if c.stopIfCurrent(done) {
			c.logger.WithField("timeout", c.opts.Timeout).Debug("Scan timeout reached")
		}
	})

	c.logger.WithFields(logrus.Fields{
		"service": c.opts.Service,
		"timeout": c.opts.Timeout,
	}).Info("Starting BLE scan...")

	filter := device.ScanFilter{Service: c.opts.Service}
	groutine.Go(scanCtx, "ble-scan", func(ctx context.Context) {
		err := c.adapter.Scan(ctx, filter, func(cand device.Candidate) {
			if ctx.Err() == nil {
				c.handleCandidate(cand)
			}
		})
		c.finish(done, err)
	})

	return nil
}

// finish records the outcome of the scan owning done and releases the scanning slot.
func (c *Controller) finish(done chan struct{}, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	err = device.NormalizeError(err)

	c.mu.Lock()
	count := c.discovered.Len()
	if c.done == done {
		c.scanning = false
		c.lastErr = err
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.WithError(err).Error("BLE scan failed")
	} else {
		c.logger.WithField("device_count", count).Info("BLE scan completed")
	}
	close(done)
}

// StopScan cancels the running scan. Safe to call at any time, any number of times.
// It does not wait for the adapter to return; use Done for that.
func (c *Controller) StopScan() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

// stopIfCurrent stops the scan owning done. A timer of an earlier scan must not
// stop one started after it.
func (c *Controller) stopIfCurrent(done chan struct{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != done {
		return false
	}
	c.stopLocked()
	return true
}

func (c *Controller) stopLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// IsScanning reports whether the adapter is still scanning.
func (c *Controller) IsScanning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scanning
}

// Done returns a channel closed when the current (or last) scan has fully stopped.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err returns the error the last finished scan ended with.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Run performs a full scan and returns the candidates seen, strongest signal first.
func (c *Controller) Run(ctx context.Context) ([]device.Candidate, error) {
	if err := c.StartScan(ctx); err != nil {
		return nil, err
	}
	<-c.Done()
	if err := c.Err(); err != nil {
		return nil, err
	}
	return c.Discovered(), nil
}

// Discovered returns the latest observation of every candidate seen by the current
// or last scan, ordered by RSSI (strongest first), then by ID.
func (c *Controller) Discovered() []device.Candidate {
	c.mu.Lock()
	discovered := c.discovered
	c.mu.Unlock()

	result := make([]device.Candidate, 0, discovered.Len())
	discovered.Range(func(_ string, cand device.Candidate) bool {
		result = append(result, cand)
		return true
	})
	sort.Slice(result, func(i, j int) bool {
		if result[i].RSSI != result[j].RSSI {
			return result[i].RSSI > result[j].RSSI
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// handleCandidate applies the allow/block lists and delivers the observation.
func (c *Controller) handleCandidate(cand device.Candidate) {
	if !c.shouldInclude(cand.ID) {
		return
	}
	if cand.LastSeen.IsZero() {
		cand.LastSeen = time.Now()
	}

	c.mu.Lock()
	discovered := c.discovered
	handler := c.onCandidate
	c.mu.Unlock()

	if _, existing := discovered.Get(cand.ID); !existing {
		c.logger.WithFields(logrus.Fields{
			"device": cand.DisplayName(),
			"id":     cand.ID,
			"rssi":   cand.RSSI,
		}).Info("Discovered new device")
	}
	discovered.Set(cand.ID, cand)

	if handler != nil {
		handler(cand)
	}
}

// shouldInclude applies the allow/block lists to a device address
func (c *Controller) shouldInclude(id string) bool {
	for _, blocked := range c.opts.BlockList {
		if strings.EqualFold(id, blocked) {
			return false
		}
	}

	if len(c.opts.AllowList) == 0 {
		return true
	}
	for _, allowed := range c.opts.AllowList {
		if strings.EqualFold(id, allowed) {
			return true
		}
	}
	return false
}
