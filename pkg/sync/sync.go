// Package sync is the control-plane client to the external data-sync
// daemon. The daemon itself, and the bulk data it
// moves between the two BMCs, are both out of scope; this package only
// issues the small set of control commands the redundancy manager and role
// handlers need, issued against the daemon's Redis-protocol control
// endpoint.
package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/ibm-openbmc/phosphor-state-manager/pkg/bmc"
	"k8s.io/klog/v2"
)

// Status mirrors the sync daemon's FullSyncStatus property.
type Status int

const (
	StatusUnknown Status = iota
	StatusInProgress
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusInProgress:
		return "InProgress"
	case StatusCompleted:
		return "Completed"
	case StatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Health mirrors the sync daemon's SyncEventsHealth property.
type Health int

const (
	HealthOK Health = iota
	HealthCritical
)

func (h Health) String() string {
	if h == HealthCritical {
		return "Critical"
	}
	return "OK"
}

// Well-known keys and channel the sync daemon publishes its control surface
// under. There is no ecosystem schema for this; it is this process's own
// wire contract with the daemon.
const (
	keyStatus  = "rbmc:sync:status"
	keyDisable = "rbmc:sync:disable"
	keyHealth  = "rbmc:sync:health"
	channel    = "rbmc:sync:events"

	lookupBackoff    = 100 * time.Millisecond
	lookupMaxRetries = 200
)

// Client is the SyncInterface implementation.
type Client struct {
	rdb *redis.Client

	mu         sync.Mutex
	inProgress bool

	healthCallbacks map[bmc.Role]func(Health)
}

// NewClient connects to the sync daemon's Redis-protocol control endpoint,
// retrying up to lookupMaxRetries times at lookupBackoff intervals since
// the daemon may not have started its control listener yet when this
// process comes up.
func NewClient(ctx context.Context, addr, password string) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: 0})

	var lastErr error
	for attempt := 0; attempt < lookupMaxRetries; attempt++ {
		if err := rdb.Ping(ctx).Err(); err == nil {
			klog.InfoS("Connected to sync daemon control endpoint", "addr", addr, "attempt", attempt)
			return &Client{rdb: rdb, healthCallbacks: map[bmc.Role]func(Health){}}, nil
		} else {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for sync daemon: %w", ctx.Err())
		case <-time.After(lookupBackoff):
		}
	}

	return nil, fmt.Errorf("sync daemon unreachable at %s after %d attempts: %w", addr, lookupMaxRetries, lastErr)
}

// FullSyncStatus reads the daemon's current full-sync status.
func (c *Client) FullSyncStatus(ctx context.Context) (Status, error) {
	val, err := c.rdb.Get(ctx, keyStatus).Int()
	if err == redis.Nil {
		return StatusUnknown, nil
	}
	if err != nil {
		return StatusUnknown, fmt.Errorf("reading full sync status: %w", err)
	}
	return Status(val), nil
}

// StartFullSync requests the daemon begin a full sync.
func (c *Client) StartFullSync(ctx context.Context) error {
	if err := c.rdb.Publish(ctx, channel, "start-full-sync").Err(); err != nil {
		return fmt.Errorf("requesting full sync: %w", err)
	}
	return nil
}

// DisableSync sets the daemon's DisableSync flag.
func (c *Client) DisableSync(ctx context.Context, disable bool) error {
	if err := c.rdb.Set(ctx, keyDisable, disable, 0).Err(); err != nil {
		return fmt.Errorf("setting DisableSync=%v: %w", disable, err)
	}
	return nil
}

// SyncEventsHealth reads the daemon's current sync-events health.
func (c *Client) SyncEventsHealth(ctx context.Context) (Health, error) {
	val, err := c.rdb.Get(ctx, keyHealth).Int()
	if err == redis.Nil {
		return HealthOK, nil
	}
	if err != nil {
		return HealthOK, fmt.Errorf("reading sync events health: %w", err)
	}
	return Health(val), nil
}

// DoFullSync implements doFullSync: clears DisableSync, checks
// whether a sync is already in progress, starts one if not, then polls
// until it completes or fails. The returned bool is true iff the sync
// daemon reported Completed.
func (c *Client) DoFullSync(ctx context.Context) (bool, error) {
	c.mu.Lock()
	c.inProgress = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inProgress = false
		c.mu.Unlock()
	}()

	if err := c.DisableSync(ctx, false); err != nil {
		return false, err
	}

	status, err := c.FullSyncStatus(ctx)
	if err != nil {
		return false, err
	}

	if status != StatusInProgress {
		if err := c.StartFullSync(ctx); err != nil {
			return false, err
		}
	}

	ticker := time.NewTicker(lookupBackoff)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
			status, err := c.FullSyncStatus(ctx)
			if err != nil {
				return false, err
			}
			switch status {
			case StatusCompleted:
				return true, nil
			case StatusFailed:
				return false, nil
			}
		}
	}
}

// InProgress reports whether a full sync started by this client is
// currently running.
func (c *Client) InProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inProgress
}

// DisableBackgroundSync implements disableBackgroundSync: sets
// DisableSync=true, logging rather than returning any error, since the
// caller treats the bus in this path as best-effort.
func (c *Client) DisableBackgroundSync(ctx context.Context) {
	if err := c.DisableSync(ctx, true); err != nil {
		klog.ErrorS(err, "Failed disabling background sync")
	}
}

// AddHealthCallback registers fn, tagged under role, to be invoked whenever
// Watch observes a sync-events health transition.
func (c *Client) AddHealthCallback(role bmc.Role, fn func(Health)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.healthCallbacks == nil {
		c.healthCallbacks = map[bmc.Role]func(Health){}
	}
	c.healthCallbacks[role] = fn
}

// ClearCallbacks unregisters the health callback tagged under role.
func (c *Client) ClearCallbacks(role bmc.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.healthCallbacks, role)
}

// Watch polls SyncEventsHealth until ctx is cancelled, dispatching
// registered callbacks on transitions. Mirrors Sibling.Watch's one
// goroutine-per-loop pattern.
func (c *Client) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prev := HealthOK
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			health, err := c.SyncEventsHealth(ctx)
			if err != nil {
				klog.V(2).InfoS("Failed polling sync events health", "error", err)
				continue
			}
			if health == prev {
				continue
			}
			prev = health

			c.mu.Lock()
			fns := make([]func(Health), 0, len(c.healthCallbacks))
			for _, fn := range c.healthCallbacks {
				fns = append(fns, fn)
			}
			c.mu.Unlock()

			for _, fn := range fns {
				fn(health)
			}
		}
	}
}

// Close releases the underlying Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}
