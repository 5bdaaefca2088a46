// Package services is the facade over the small set of host-local external
// collaborators this process depends on but never implements: the
// provisioning signal, the host-state object, and the unit-start
// subsystem. This package only defines the narrow seam this process
// calls through, the same role pkg/bmc's hostinfo.go plays for the
// firmware digest and BMC position.
package services

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/ibm-openbmc/phosphor-state-manager/pkg/bmc"
	"k8s.io/klog/v2"
)

// DefaultProvisionedMarkerPath is where Provisioned looks for an explicit
// override. Its absence means "provisioned".
const DefaultProvisionedMarkerPath = "/var/lib/phosphor-state-manager/redundant-bmc/provisioned"

// Provisioned reports whether this chassis is considered provisioned. It is
// a plug point, not a behavior contract: markerPath (DefaultProvisionedMarkerPath
// when empty) is read and only an explicit "false" flips the answer.
//
// TODO: replace the marker-file check with the real provisioning signal once
// one exists upstream; nothing currently publishes it.
func Provisioned(markerPath string) bool {
	if markerPath == "" {
		markerPath = DefaultProvisionedMarkerPath
	}

	data, err := os.ReadFile(markerPath)
	if err != nil {
		return true
	}
	return strings.TrimSpace(string(data)) != "false"
}

// HostStateSource fetches the host-state object's raw CurrentHostState
// property. The host-state daemon itself is out of scope; this is the
// narrow seam this process polls through.
type HostStateSource func(ctx context.Context) (string, error)

// FileHostStateSource reads the raw host-state string from a file, the
// simplest possible stand-in for the host-state daemon's published
// property in environments without a running one.
func FileHostStateSource(path string) HostStateSource {
	return func(ctx context.Context) (string, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading host state from %s: %w", path, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
}

// HostState tracks the coarse system power state and notifies registered
// callbacks on transitions, the Go equivalent of subscribing to the
// host-state object's interface-added and properties-changed signals.
type HostState struct {
	source HostStateSource

	mu       sync.RWMutex
	current  bmc.SystemState
	observed bool

	callbacksMu sync.Mutex
	callbacks   map[bmc.Role]func(bmc.SystemState)
}

// NewHostState constructs a HostState polling source.
func NewHostState(source HostStateSource) *HostState {
	return &HostState{
		source:    source,
		callbacks: map[bmc.Role]func(bmc.SystemState){},
	}
}

// Current returns the most recently observed system state.
func (h *HostState) Current() bmc.SystemState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// AddCallback registers fn, tagged under role, to be invoked on the first
// observed system state and on every later system-state transition.
func (h *HostState) AddCallback(role bmc.Role, fn func(bmc.SystemState)) {
	h.callbacksMu.Lock()
	defer h.callbacksMu.Unlock()
	h.callbacks[role] = fn
}

// ClearCallbacks unregisters the callback tagged under role.
func (h *HostState) ClearCallbacks(role bmc.Role) {
	h.callbacksMu.Lock()
	defer h.callbacksMu.Unlock()
	delete(h.callbacks, role)
}

// Poll fetches the current raw state once, updates the cache, and
// dispatches callbacks on the first successful observation and on every
// transition after it. Exported so callers (and tests) can drive a single
// cycle without waiting on Watch's ticker.
func (h *HostState) Poll(ctx context.Context) error {
	raw, err := h.source(ctx)
	if err != nil {
		return err
	}

	next := bmc.MapHostState(raw)

	h.mu.Lock()
	prev, seen := h.current, h.observed
	h.current = next
	h.observed = true
	h.mu.Unlock()

	if seen && next == prev {
		return nil
	}

	h.callbacksMu.Lock()
	fns := make([]func(bmc.SystemState), 0, len(h.callbacks))
	for _, fn := range h.callbacks {
		fns = append(fns, fn)
	}
	h.callbacksMu.Unlock()

	for _, fn := range fns {
		fn(next)
	}
	return nil
}

// Watch polls on interval until ctx is cancelled.
func (h *HostState) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.Poll(ctx); err != nil {
				klog.V(2).InfoS("Failed polling host state", "error", err)
			}
		}
	}
}

// StateSource fetches the local BMC's raw BMCState property. The BMC
// state-machine daemon itself is out of scope; this is the narrow seam
// this process polls through, mirroring HostStateSource's shape.
type StateSource func(ctx context.Context) (string, error)

// FileStateSource reads the raw BMC-state string from a file, the simplest
// stand-in for the state-machine daemon's published property.
func FileStateSource(path string) StateSource {
	return func(ctx context.Context) (string, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading local BMC state from %s: %w", path, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
}

// StaticState is a StateSource that never changes, for environments with no
// state-machine daemon to poll.
func StaticState(s bmc.State) StateSource {
	raw := map[bmc.State]string{
		bmc.StateReady:    "xyz.openbmc_project.State.BMC.BMCState.Ready",
		bmc.StateQuiesced: "xyz.openbmc_project.State.BMC.BMCState.Quiesced",
		bmc.StateNotReady: "xyz.openbmc_project.State.BMC.BMCState.NotReady",
	}[s]
	return func(ctx context.Context) (string, error) { return raw, nil }
}

// LocalState tracks this BMC's own lifecycle state, the local
// analogue of HostState for the state-machine daemon's property instead of
// the host-state object's.
type LocalState struct {
	source StateSource

	mu      sync.RWMutex
	current bmc.State
}

// NewLocalState constructs a LocalState polling source.
func NewLocalState(source StateSource) *LocalState {
	return &LocalState{source: source}
}

// Current returns the most recently observed local BMC state.
func (l *LocalState) Current() bmc.State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Poll fetches the current raw state once and updates the cache.
func (l *LocalState) Poll(ctx context.Context) error {
	raw, err := l.source(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.current = bmc.MapBMCState(raw)
	l.mu.Unlock()
	return nil
}

// Watch polls on interval until ctx is cancelled.
func (l *LocalState) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Poll(ctx); err != nil {
				klog.V(2).InfoS("Failed polling local BMC state", "error", err)
			}
		}
	}
}

// UnitManager starts units and queries their active state. It models the
// out-of-scope unit-start subsystem as an interface seam rather
// than reimplementing it.
type UnitManager interface {
	// StartUnit requests name be started, replacing any conflicting job, the
	// same semantics as `systemctl start --job-mode=replace`.
	StartUnit(ctx context.Context, name string) error
	// ActiveState returns the unit's current ActiveState property. A unit
	// that does not exist is reported as "inactive" rather than an error.
	ActiveState(ctx context.Context, name string) (string, error)
}

// systemdUnitManager shells out to systemctl, the default UnitManager for a
// real BMC.
type systemdUnitManager struct{}

// NewUnitManager returns the systemctl-backed UnitManager.
func NewUnitManager() UnitManager {
	return systemdUnitManager{}
}

func (systemdUnitManager) StartUnit(ctx context.Context, name string) error {
	out, err := exec.CommandContext(ctx, "systemctl", "start", "--job-mode=replace", name).CombinedOutput()
	if err != nil {
		return fmt.Errorf("starting unit %s: %w (%s)", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (systemdUnitManager) ActiveState(ctx context.Context, name string) (string, error) {
	out, err := exec.CommandContext(ctx, "systemctl", "show", "-p", "ActiveState", "--value", name).Output()
	if err != nil {
		if strings.Contains(err.Error(), "could not be found") {
			return "inactive", nil
		}
		return "", fmt.Errorf("querying unit %s state: %w", name, err)
	}

	state := strings.TrimSpace(string(out))
	if state == "" {
		return "inactive", nil
	}
	return state, nil
}
