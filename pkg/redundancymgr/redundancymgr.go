// Package redundancymgr is the stateful policy layer wrapping the pure
// RedundancyEvaluator: it computes, publishes, and persists the
// current redundancy decision, handles the manual-disable override, and
// reacts to system-state and sync-health changes. It follows the same
// long-lived stateful-collaborator shape used elsewhere in this process:
// mutex-guarded fields, klog structured logging, explicit error
// wrapping.
package redundancymgr

import (
	"context"
	"errors"
	"sync"

	"github.com/ibm-openbmc/phosphor-state-manager/pkg/bmc"
	"github.com/ibm-openbmc/phosphor-state-manager/pkg/redundancy"
	"github.com/ibm-openbmc/phosphor-state-manager/pkg/services"
	"github.com/ibm-openbmc/phosphor-state-manager/pkg/sibling"
	"github.com/ibm-openbmc/phosphor-state-manager/pkg/store"
	syncctl "github.com/ibm-openbmc/phosphor-state-manager/pkg/sync"
	"k8s.io/klog/v2"
)

// ErrUnavailable is returned by DisableRedPropChanged when the requested
// mutation is rejected outright rather than queued.
var ErrUnavailable = errors.New("redundancy override unavailable in current state")

// LocalFacts supplies facts RedundancyManager has no other source for:
// this BMC's own readiness state, the sibling's own reported communication
// health (CommsOK), and whether this BMC's firmware digest matches the
// sibling's (CodeOK). All three are plugged in by the caller (Manager)
// rather than computed here. CommsOK and CodeOK feed the evaluator input;
// State is carried but not read by the redundancy determination.
type LocalFacts struct {
	State    func() bmc.State
	CommsOK  func() bool
	CodeOK   func() bool
}

// Manager is the RedundancyManager.
type Manager struct {
	role   bmc.Role
	sib    *sibling.Sibling
	host   *services.HostState
	syncer *syncctl.Client
	store  *store.Store
	facts  LocalFacts

	mu                sync.Mutex
	subscribed        bool
	firstDetermination bool
	redundancyEnabled bool
	failoversAllowed  bool
	manualDisable     bool
	pendingOverride   *bool
	syncFailed        bool
	redundancyOffAtRuntime store.RuntimeLatch
}

// New constructs a RedundancyManager for a BMC holding role. role is fixed
// for the lifetime of the handler that owns this Manager.
func New(role bmc.Role, sib *sibling.Sibling, host *services.HostState, syncer *syncctl.Client, st *store.Store, facts LocalFacts) *Manager {
	manualDisable, _ := store.Read[bool](st, store.KeyDisableRed)
	latch, ok := store.Read[store.RuntimeLatch](st, store.KeyRedundancyOffAtRuntime)
	if !ok {
		latch = store.RuntimeLatch{}
	}

	return &Manager{
		role:                   role,
		sib:                    sib,
		host:                   host,
		syncer:                 syncer,
		store:                  st,
		facts:                  facts,
		manualDisable:          manualDisable,
		redundancyOffAtRuntime: latch,
	}
}

// RedundancyEnabled reports the currently published redundancy decision.
func (m *Manager) RedundancyEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.redundancyEnabled
}

// FailoversAllowed reports the currently published failovers-allowed
// decision.
func (m *Manager) FailoversAllowed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failoversAllowed
}

// DetermineAndSetRedundancy implements determineAndSetRedundancy.
func (m *Manager) DetermineAndSetRedundancy(ctx context.Context) {
	m.mu.Lock()
	if !m.subscribed {
		m.subscribed = true
		m.host.AddCallback(m.role, func(s bmc.SystemState) { m.SystemStateChange(ctx, s) })
		if m.host.Current() == bmc.SystemStateOff {
			m.redundancyOffAtRuntime = store.RuntimeLatch{}
			m.persistLatchLocked()
		}
	}
	in := m.buildEvaluatorInputLocked()
	systemState := m.host.Current()
	m.mu.Unlock()

	reasons := redundancy.GetNoRedundancyReasons(in)
	enabled := len(reasons) == 0

	m.mu.Lock()
	wasEnabled := m.redundancyEnabled
	m.redundancyEnabled = enabled
	firstRun := !m.firstDetermination
	m.firstDetermination = true
	var pending *bool
	if firstRun && m.pendingOverride != nil {
		pending = m.pendingOverride
		m.pendingOverride = nil
		m.manualDisable = *pending
	}
	m.mu.Unlock()

	if pending != nil {
		if err := store.Write(m.store, store.KeyDisableRed, *pending); err != nil {
			klog.ErrorS(err, "Failed persisting deferred manual disable override")
		}
	}

	m.persistNoRedundancyReasons(reasons)
	klog.InfoS("Redundancy determination complete", "role", m.role, "enabled", enabled, "reasons", describeReasons(reasons))

	m.reevaluateFailoversAllowed(systemState)

	if wasEnabled && !enabled {
		m.syncer.DisableBackgroundSync(ctx)
	}
}

// DetermineRedundancyAndSync implements determineRedundancyAndSync.
func (m *Manager) DetermineRedundancyAndSync(ctx context.Context) {
	m.DetermineAndSetRedundancy(ctx)

	if !m.RedundancyEnabled() {
		return
	}

	ok, err := m.syncer.DoFullSync(ctx)
	if err != nil || !ok {
		if err != nil {
			klog.ErrorS(err, "Full sync failed")
		} else {
			klog.InfoS("Full sync did not complete")
		}

		m.mu.Lock()
		m.syncFailed = true
		m.mu.Unlock()

		m.DetermineAndSetRedundancy(ctx)

		m.mu.Lock()
		m.syncFailed = false
		m.mu.Unlock()
	}
}

// HandleBackgroundSyncFailed implements handleBackgroundSyncFailed:
// same latch-then-reevaluate-then-clear pattern as
// DetermineRedundancyAndSync, for a failure reported asynchronously by a
// role handler's sync-health watch rather than discovered inline.
func (m *Manager) HandleBackgroundSyncFailed(ctx context.Context) {
	m.mu.Lock()
	m.syncFailed = true
	m.mu.Unlock()

	m.DetermineAndSetRedundancy(ctx)

	m.mu.Lock()
	m.syncFailed = false
	m.mu.Unlock()
}

// DisableRedPropChanged mutates the manual-disable override once the first
// redundancy determination has run, and then only while the system is off
// and no full sync is running; otherwise it rejects with ErrUnavailable.
// Before the first determination the request is accepted in any system
// state and stored; that first determination then persists it as the
// override.
func (m *Manager) DisableRedPropChanged(ctx context.Context, disable bool) error {
	m.mu.Lock()
	if !m.firstDetermination {
		m.pendingOverride = &disable
		m.mu.Unlock()
		return nil
	}

	systemState := m.host.Current()
	if systemState != bmc.SystemStateOff || m.syncer.InProgress() {
		m.mu.Unlock()
		return ErrUnavailable
	}

	noop := disable == !m.redundancyEnabled
	m.manualDisable = disable
	m.mu.Unlock()

	if err := store.Write(m.store, store.KeyDisableRed, disable); err != nil {
		klog.ErrorS(err, "Failed persisting manual disable override")
	}

	if noop {
		return nil
	}

	m.DetermineRedundancyAndSync(ctx)
	return nil
}

// SystemStateChange updates the redundancyOffAtRuntime latch: it clears on
// a transition to Off and sets on a transition to Runtime while
// redundancy is disabled.
func (m *Manager) SystemStateChange(ctx context.Context, newState bmc.SystemState) {
	m.mu.Lock()
	switch newState {
	case bmc.SystemStateOff:
		m.redundancyOffAtRuntime = store.RuntimeLatch{}
		m.persistLatchLocked()
	case bmc.SystemStateRuntime:
		if !m.redundancyOffAtRuntime.Valid {
			m.redundancyOffAtRuntime = store.RuntimeLatch{Valid: true, Value: !m.redundancyEnabled}
			m.persistLatchLocked()
		}
	}
	m.mu.Unlock()

	m.reevaluateFailoversAllowed(newState)
}

// reevaluateFailoversAllowed re-runs the failovers-paused evaluation and
// publishes/persists it, independent of the redundancy determination.
func (m *Manager) reevaluateFailoversAllowed(systemState bmc.SystemState) {
	m.mu.Lock()
	pausedIn := redundancy.PausedInput{
		SystemState:       systemState,
		RedundancyEnabled: m.redundancyEnabled,
		// A simplification: "full sync complete" is approximated as "no
		// full sync is presently in progress," since RedundancyManager has
		// no separate latch for "has a full sync ever completed."
		FullSyncComplete: !m.syncer.InProgress(),
	}
	m.mu.Unlock()

	reasons := redundancy.GetFailoversPausedReasons(pausedIn)
	allowed := len(reasons) == 0

	m.mu.Lock()
	m.failoversAllowed = allowed
	m.mu.Unlock()

	m.persistFailoversPausedReasons(reasons)
}

func (m *Manager) buildEvaluatorInputLocked() redundancy.Input {
	siblingPresent := m.sib.GetInterfacePresent()
	siblingHeartbeat := m.sib.HasHeartbeat()
	siblingRole, _ := m.sib.GetRole()
	siblingProvisioned, _ := m.sib.GetProvisioned()
	siblingState, _ := m.sib.GetBMCState()

	return redundancy.Input{
		Role:                        m.role,
		ManualDisable:               m.manualDisable,
		SiblingPresent:              siblingPresent,
		SiblingHeartbeat:            siblingHeartbeat,
		SiblingProvisioned:          siblingProvisioned,
		SiblingRole:                 siblingRole,
		SiblingHasSiblingComm:       m.facts.CommsOK(),
		CodeVersionsMatch:           m.facts.CodeOK(),
		SiblingState:                siblingState,
		SyncFailed:                  m.syncFailed,
		RedundancyOffAtRuntimeStart: m.redundancyOffAtRuntime.Valid && m.redundancyOffAtRuntime.Value,
	}
}

func (m *Manager) persistLatchLocked() {
	if err := store.Write(m.store, store.KeyRedundancyOffAtRuntime, m.redundancyOffAtRuntime); err != nil {
		klog.ErrorS(err, "Failed persisting redundancyOffAtRuntime latch")
	}
}

func (m *Manager) persistNoRedundancyReasons(reasons redundancy.NoRedundancyReasons) {
	if err := store.Write(m.store, store.KeyNoRedundancyDetails, describeReasons(reasons)); err != nil {
		klog.ErrorS(err, "Failed persisting no-redundancy reasons")
	}
}

func (m *Manager) persistFailoversPausedReasons(reasons redundancy.FailoversPausedReasons) {
	descriptions := make([]string, 0, len(reasons))
	for r := range reasons {
		descriptions = append(descriptions, r.Description())
	}
	if err := store.Write(m.store, store.KeyFailoversPausedReasons, descriptions); err != nil {
		klog.ErrorS(err, "Failed persisting failovers-paused reasons")
	}
}

// describeReasons builds the reason-code-to-description map persisted under
// KeyNoRedundancyDetails, matching the on-disk object shape external
// consumers read rather than a flattened list that drops the reason codes.
func describeReasons(reasons redundancy.NoRedundancyReasons) map[redundancy.NoRedundancyReason]string {
	descriptions := make(map[redundancy.NoRedundancyReason]string, len(reasons))
	for r := range reasons {
		descriptions[r] = r.Description()
	}
	return descriptions
}
