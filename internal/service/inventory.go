// Package service runs background work that feeds the foreman engine.
package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/bcnelson/hunt-foreman/internal/domain"
	"github.com/bcnelson/hunt-foreman/internal/logging"
	"github.com/bcnelson/hunt-foreman/internal/tailscale"
)

// CheckInHandler accepts endpoint check-ins.
type CheckInHandler interface {
	CheckIn(ctx context.Context, req *domain.CheckInRequest) (*domain.CheckInResponse, error)
}

// PollResult summarizes one pass over the device inventory.
type PollResult struct {
	Devices   int       `json:"devices"`
	CheckedIn int       `json:"checked_in"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	Actions   int       `json:"actions"`
	Finished  time.Time `json:"finished"`
}

// maxConcurrentCheckIns bounds check-ins in flight during a poll.
const maxConcurrentCheckIns = 8

// InventoryPoller periodically lists tailnet devices and checks each one in
// with the engine, so hunts reach devices that never call in themselves.
type InventoryPoller struct {
	source   tailscale.DeviceLister
	engine   CheckInHandler
	interval time.Duration
	debounce time.Duration
	logger   zerolog.Logger

	mu          sync.Mutex
	pollTimer   *time.Timer
	pollPending bool
}

// NewInventoryPoller creates a poller running every interval.
func NewInventoryPoller(source tailscale.DeviceLister, engine CheckInHandler, interval time.Duration, logger zerolog.Logger) *InventoryPoller {
	return &InventoryPoller{
		source:   source,
		engine:   engine,
		interval: interval,
		debounce: 5 * time.Second,
		logger:   logging.WithComponent(logger, "inventory"),
	}
}

// TriggerPoll schedules a debounced poll.
// Multiple triggers within the debounce period will result in a single poll.
func (p *InventoryPoller) TriggerPoll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pollTimer != nil {
		p.pollTimer.Stop()
	}

	p.pollPending = true
	p.pollTimer = time.AfterFunc(p.debounce, func() {
		p.mu.Lock()
		p.pollPending = false
		p.mu.Unlock()

		if _, err := p.Poll(context.Background()); err != nil {
			p.logger.Error().Err(err).Msg("Triggered poll failed")
		}
	})
}

// Pending reports whether a triggered poll is waiting to run.
func (p *InventoryPoller) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pollPending
}

// Stop cancels a triggered poll that has not started yet.
func (p *InventoryPoller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pollTimer != nil {
		p.pollTimer.Stop()
	}
	p.pollPending = false
}

// Run polls immediately and then every interval until ctx is cancelled.
func (p *InventoryPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error().Err(err).Msg("Inventory poll failed")
		}
		select {
		case <-ctx.Done():
			p.Stop()
			return nil
		case <-ticker.C:
		}
	}
}

// Poll lists the inventory once and checks in every authorized device.
// Individual check-in failures are counted, not returned.
func (p *InventoryPoller) Poll(ctx context.Context) (*PollResult, error) {
	devices, err := p.source.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}

	var checkedIn, skipped, failed, actions atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentCheckIns)

	for _, d := range devices {
		req, ok := DeviceCheckIn(d)
		if !ok {
			skipped.Add(1)
			continue
		}
		g.Go(func() error {
			resp, err := p.engine.CheckIn(gctx, req)
			if resp != nil {
				actions.Add(int64(len(resp.Actions)))
			}
			if err != nil {
				failed.Add(1)
				p.logger.Warn().Err(err).Str("endpoint_id", req.EndpointID).Msg("Device check-in failed")
				return nil
			}
			checkedIn.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	result := &PollResult{
		Devices:   len(devices),
		CheckedIn: int(checkedIn.Load()),
		Skipped:   int(skipped.Load()),
		Failed:    int(failed.Load()),
		Actions:   int(actions.Load()),
		Finished:  time.Now().UTC(),
	}
	p.logger.Debug().
		Int("devices", result.Devices).
		Int("checked_in", result.CheckedIn).
		Int("failed", result.Failed).
		Int("actions", result.Actions).
		Msg("Inventory poll complete")
	return result, ctx.Err()
}

// systemNames maps Tailscale OS names to the System values endpoints report.
var systemNames = map[string]string{
	"linux":   "Linux",
	"windows": "Windows",
	"macos":   "Darwin",
}

// DeviceCheckIn builds the check-in for a device. Unauthorized devices and
// devices without an id are skipped.
func DeviceCheckIn(d tailscale.Device) (*domain.CheckInRequest, bool) {
	id := d.NodeID
	if id == "" {
		id = d.ID
	}
	if id == "" || !d.Authorized {
		return nil, false
	}

	system, ok := systemNames[strings.ToLower(d.OS)]
	if !ok {
		system = d.OS
	}

	attrs := domain.AttributeSnapshot{
		domain.AttrSystem:   domain.StringValue(system),
		domain.AttrHostname: domain.StringValue(d.Hostname),
	}
	if seen, ok := d.LastSeenTime(); ok {
		attrs[domain.AttrClock] = domain.TimestampValue(seen)
	}
	if len(d.Tags) > 0 {
		attrs[domain.AttrTags] = domain.StringValue(strings.Join(d.Tags, ","))
	}
	if d.ClientVersion != "" {
		attrs[domain.AttrClientVersion] = domain.StringValue(d.ClientVersion)
	}
	if d.User != "" {
		attrs[domain.AttrUser] = domain.StringValue(d.User)
	}
	return &domain.CheckInRequest{EndpointID: id, Attributes: attrs}, true
}
