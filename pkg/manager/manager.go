// Package manager implements the top-level Manager: it loads the
// persisted role state, runs startup sequencing against Services and
// Sibling, elects and persists this BMC's role, constructs the matching
// role handler, and runs the 1Hz heartbeat loop. It is this process's
// top-level stateful coordinator: a synchronous constructor, an
// asynchronous run task, mutex-guarded published fields, and klog
// structured logging throughout.
package manager

import (
	"context"
	"sync"
	"time"

	"github.com/ibm-openbmc/phosphor-state-manager/pkg/bmc"
	"github.com/ibm-openbmc/phosphor-state-manager/pkg/redundancy"
	"github.com/ibm-openbmc/phosphor-state-manager/pkg/redundancymgr"
	"github.com/ibm-openbmc/phosphor-state-manager/pkg/role"
	"github.com/ibm-openbmc/phosphor-state-manager/pkg/rolehandler"
	"github.com/ibm-openbmc/phosphor-state-manager/pkg/services"
	"github.com/ibm-openbmc/phosphor-state-manager/pkg/sibling"
	"github.com/ibm-openbmc/phosphor-state-manager/pkg/store"
	syncctl "github.com/ibm-openbmc/phosphor-state-manager/pkg/sync"
	"github.com/ibm-openbmc/phosphor-state-manager/pkg/transport"
	"k8s.io/klog/v2"
)

// siblingServiceUnit is the well-known local unit that must be Active before
// this process considers its side of the sibling link usable.
const siblingServiceUnit = "sibling-bmc.service"

const siblingRoleWaitAfterPreviousPassive = 10 * time.Second

// defaultHeartbeatInterval is the 1Hz publish cadence.
const defaultHeartbeatInterval = 1 * time.Second

// Identity holds this BMC's fixed hardware facts, gathered once at startup
//: its chassis position and firmware digest.
type Identity struct {
	Position       uint
	FirmwareDigest string
}

// Manager is the top-level orchestrator.
type Manager struct {
	store      *store.Store
	sib        *sibling.Sibling
	host       *services.HostState
	localState *services.LocalState
	units      services.UnitManager
	syncer     *syncctl.Client
	identity   Identity

	provisionedMarkerPath string
	heartbeatInterval     time.Duration

	previousRole       bmc.Role
	previousDueToError bool

	mu              sync.Mutex
	role            bmc.Role
	roleReason      role.Reason
	heartbeatActive bool
	heartbeatCancel context.CancelFunc
	handler         *rolehandler.Handler
	redundancyMgr   *redundancymgr.Manager
	commsOK         bool
}

// New loads persisted role state synchronously, so the constructor never
// blocks on a goroutine; a read failure defaults to Unknown/false with a
// logged error.
func New(st *store.Store, sib *sibling.Sibling, host *services.HostState, localState *services.LocalState, units services.UnitManager, syncer *syncctl.Client, identity Identity, provisionedMarkerPath string) *Manager {
	previousRole, ok := store.Read[bmc.Role](st, store.KeyRole)
	if !ok {
		klog.ErrorS(nil, "No usable persisted role, defaulting to Unknown")
		previousRole = bmc.RoleUnknown
	}

	previousDueToError, ok := store.Read[bool](st, store.KeyPassiveDueToError)
	if !ok {
		previousDueToError = false
	}

	return &Manager{
		store:                 st,
		sib:                   sib,
		host:                  host,
		localState:            localState,
		units:                 units,
		syncer:                syncer,
		identity:              identity,
		provisionedMarkerPath: provisionedMarkerPath,
		heartbeatInterval:     defaultHeartbeatInterval,
		previousRole:          previousRole,
		previousDueToError:    previousDueToError,
		commsOK:               true,
	}
}

// Start schedules the asynchronous startup task and returns
// immediately.
func (m *Manager) Start(ctx context.Context) {
	go m.startup(ctx)
}

// Stop tears down the heartbeat loop and the current role handler, if any.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.heartbeatCancel != nil {
		m.heartbeatCancel()
		m.heartbeatCancel = nil
		m.heartbeatActive = false
	}
	handler := m.handler
	m.mu.Unlock()

	if handler != nil {
		handler.Stop()
	}
}

// DisableRedPropChanged forwards a manual-override request to the current
// handler, rejecting with Unavailable if none has been constructed yet
//.
func (m *Manager) DisableRedPropChanged(ctx context.Context, disable bool) error {
	m.mu.Lock()
	handler := m.handler
	m.mu.Unlock()

	if handler == nil {
		return redundancymgr.ErrUnavailable
	}
	return handler.DisableRedPropChanged(ctx, disable)
}

// StartFailover forwards a failover request to the current handler.
// Before a handler exists there is nothing to fail over to, so the
// request is refused the same way an Active handler refuses one.
func (m *Manager) StartFailover(ctx context.Context, force bool) redundancy.BlockedReason {
	m.mu.Lock()
	handler := m.handler
	m.mu.Unlock()

	if handler == nil {
		return redundancy.BlockedBMCNotPassive
	}
	return handler.StartFailover(ctx, force)
}

// SetCommsOK updates this BMC's own view of its communication path to its
// sibling, a plug point fed by the transport layer's health.
func (m *Manager) SetCommsOK(ok bool) {
	m.mu.Lock()
	m.commsOK = ok
	m.mu.Unlock()
}

// Document builds the wire document this BMC currently publishes, for
// use as a transport.Provider.
func (m *Manager) Document() transport.Document {
	m.mu.Lock()
	defer m.mu.Unlock()

	redundancyEnabled, failoversAllowed := false, false
	if m.handler != nil {
		redundancyEnabled, failoversAllowed = m.handler.PublishedState()
	}

	return transport.Document{
		Role:              m.role,
		BMCState:          m.localState.Current(),
		FWVersion:         m.identity.FirmwareDigest,
		Position:          m.identity.Position,
		Provisioned:       services.Provisioned(m.provisionedMarkerPath),
		RedundancyEnabled: redundancyEnabled,
		FailoversAllowed:  failoversAllowed,
		HeartbeatActive:   m.heartbeatActive,
		CommsOK:           m.commsOK,
	}
}

// startup performs the initial data collection, forced-passive check, role
// determination, and role-handler dispatch, in that order.
func (m *Manager) startup(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); m.sib.Init(ctx) }()
	go func() { defer wg.Done(); _ = m.host.Poll(ctx) }()
	go func() { defer wg.Done(); _ = m.localState.Poll(ctx) }()
	wg.Wait()

	m.startHeartbeat(ctx)

	if info, forced := m.checkForcedPassive(ctx); forced {
		m.persistRole(info)
		m.dispatch(ctx, info)
		return
	}

	if m.sib.IsBMCPresent() {
		if err := m.sib.WaitForSiblingUp(ctx); err != nil {
			klog.V(2).InfoS("Timed out waiting for sibling to come up", "error", err)
		}
	}

	previousRole := m.previousRole
	if m.previousDueToError {
		previousRole = bmc.RoleUnknown
	}

	if previousRole == bmc.RolePassive {
		waitCtx, cancel := context.WithTimeout(ctx, siblingRoleWaitAfterPreviousPassive)
		if err := m.sib.WaitForSiblingRole(waitCtx); err != nil {
			klog.V(2).InfoS("Timed out waiting for sibling role before resuming Passive", "error", err)
		}
		cancel()
	}

	siblingRole, _ := m.sib.GetRole()
	siblingPosition, _ := m.sib.GetPosition()
	siblingProvisioned, _ := m.sib.GetProvisioned()

	info := role.Determine(role.Input{
		BMCPosition:        m.identity.Position,
		PreviousRole:       previousRole,
		SiblingPosition:    siblingPosition,
		SiblingRole:        siblingRole,
		SiblingHeartbeat:   m.sib.HasHeartbeat(),
		SiblingProvisioned: siblingProvisioned,
	})

	m.persistRole(info)
	m.dispatch(ctx, info)
}

// checkForcedPassive forces Passive before the elector ever runs, when
// this BMC isn't provisioned or its own sibling-facing service failed to
// start.
func (m *Manager) checkForcedPassive(ctx context.Context) (role.Info, bool) {
	if !services.Provisioned(m.provisionedMarkerPath) {
		return role.Info{Role: bmc.RolePassive, Reason: role.ReasonNotProvisioned}, true
	}

	state, err := m.units.ActiveState(ctx, siblingServiceUnit)
	if err != nil {
		klog.ErrorS(err, "Failed querying sibling service unit state")
	}
	if state != "active" {
		return role.Info{Role: bmc.RolePassive, Reason: role.ReasonSiblingServiceNotRunning}, true
	}

	return role.Info{}, false
}

func (m *Manager) persistRole(info role.Info) {
	if err := store.Write(m.store, store.KeyRole, info.Role); err != nil {
		klog.ErrorS(err, "Failed persisting role")
	}
	if err := store.Write(m.store, store.KeyRoleReason, info.Reason.Description()); err != nil {
		klog.ErrorS(err, "Failed persisting role reason")
	}
	if err := store.Write(m.store, store.KeyPassiveDueToError, role.IsErrorReason(info.Reason)); err != nil {
		klog.ErrorS(err, "Failed persisting passive-due-to-error flag")
	}

	klog.InfoS("Role determined", "role", info.Role, "reason", info.Reason.Description())
}

// dispatch constructs the matching RoleHandler and spawns its start.
func (m *Manager) dispatch(ctx context.Context, info role.Info) {
	m.mu.Lock()
	m.role = info.Role
	m.roleReason = info.Reason
	m.mu.Unlock()

	base := rolehandler.HandlerBase{
		Role:       info.Role,
		Sibling:    m.sib,
		Units:      m.units,
		Sync:       m.syncer,
		Store:      m.store,
		LocalState: m.localState.Current,
	}

	var handler *rolehandler.Handler
	if info.Role == bmc.RoleActive {
		facts := redundancymgr.LocalFacts{
			State: m.localState.Current,
			CommsOK: func() bool {
				ok, _ := m.sib.GetSiblingCommsOK()
				return ok
			},
			CodeOK: func() bool {
				siblingVersion, ok := m.sib.GetFWVersion()
				return ok && siblingVersion == m.identity.FirmwareDigest
			},
		}
		red := redundancymgr.New(info.Role, m.sib, m.host, m.syncer, m.store, facts)

		m.mu.Lock()
		m.redundancyMgr = red
		m.mu.Unlock()

		handler = rolehandler.NewActive(base, red)
	} else {
		handler = rolehandler.NewPassive(base)
	}

	m.mu.Lock()
	m.handler = handler
	m.mu.Unlock()

	go func() {
		if err := handler.Start(ctx); err != nil {
			klog.ErrorS(err, "Role handler start failed")
		}
	}()
}

// startHeartbeat spawns the heartbeat loop if it isn't already running: emit
// once immediately, then every heartbeatInterval, until Stop is called.
func (m *Manager) startHeartbeat(ctx context.Context) {
	m.mu.Lock()
	if m.heartbeatCancel != nil {
		m.mu.Unlock()
		return
	}
	heartbeatCtx, cancel := context.WithCancel(ctx)
	m.heartbeatCancel = cancel
	m.heartbeatActive = true
	m.mu.Unlock()

	go m.runHeartbeat(heartbeatCtx)
}

func (m *Manager) runHeartbeat(ctx context.Context) {
	klog.V(2).InfoS("Heartbeat pulse")

	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			klog.V(2).InfoS("Heartbeat pulse")
		}
	}
}

// HeartbeatActive reports whether the heartbeat loop has been started and
// not since torn down by Stop.
func (m *Manager) HeartbeatActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heartbeatActive
}

// Role reports the currently assigned role, or RoleUnknown before startup
// completes.
func (m *Manager) Role() bmc.Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

// RoleReason reports why the current role was chosen.
func (m *Manager) RoleReason() role.Reason {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roleReason
}
