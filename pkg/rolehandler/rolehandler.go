// Package rolehandler implements the Active and Passive role handlers as
// a tagged variant over {Active(*ActiveState), Passive(*PassiveState)}
// rather than a base-class hierarchy. HandlerBase carries the fields
// every variant shares; exactly one of Handler's two pointer fields is
// non-nil at a time, structurally enforcing that exactly one role
// handler is alive for a given BMC at any time.
package rolehandler

import (
	"context"
	"sync"
	"time"

	"github.com/ibm-openbmc/phosphor-state-manager/pkg/bmc"
	"github.com/ibm-openbmc/phosphor-state-manager/pkg/redundancy"
	"github.com/ibm-openbmc/phosphor-state-manager/pkg/redundancymgr"
	"github.com/ibm-openbmc/phosphor-state-manager/pkg/services"
	"github.com/ibm-openbmc/phosphor-state-manager/pkg/sibling"
	"github.com/ibm-openbmc/phosphor-state-manager/pkg/store"
	syncctl "github.com/ibm-openbmc/phosphor-state-manager/pkg/sync"
	"github.com/ibm-openbmc/phosphor-state-manager/pkg/timer"
	"k8s.io/klog/v2"
)

const (
	activeUnit  = "bmc-active.service"
	passiveUnit = "bmc-passive.service"

	heartbeatLossDebounce = 5 * time.Minute
)

// HandlerBase is the set of collaborators and identity every role handler
// needs, composed by value into whichever variant is active.
type HandlerBase struct {
	Role       bmc.Role
	Sibling    *sibling.Sibling
	Units      services.UnitManager
	Sync       *syncctl.Client
	Store      *store.Store
	LocalState func() bmc.State
}

// redundancyDeterminer is the slice of redundancymgr.Manager's behavior
// ActiveState depends on, narrowed to an interface so tests can
// substitute a fake.
type redundancyDeterminer interface {
	RedundancyEnabled() bool
	FailoversAllowed() bool
	DetermineAndSetRedundancy(ctx context.Context)
	DetermineRedundancyAndSync(ctx context.Context)
	HandleBackgroundSyncFailed(ctx context.Context)
	DisableRedPropChanged(ctx context.Context, disable bool) error
}

// ActiveState is the Active role handler.
type ActiveState struct {
	HandlerBase
	red redundancyDeterminer

	mu             sync.Mutex
	heartbeatTimer timer.Timer
	watchCtx       context.Context
	cancelWatch    context.CancelFunc
}

// PassiveState is the Passive role handler. It mirrors the peer's
// redundancyEnabled/failoversAllowed rather than running the evaluator
// itself, so it carries its own small published-state cache instead of a
// redundancymgr.Manager.
type PassiveState struct {
	HandlerBase

	mu                sync.Mutex
	redundancyEnabled bool
	failoversAllowed  bool
	cancelWatch       context.CancelFunc
}

// Handler is the tagged variant Manager constructs and dispatches to.
type Handler struct {
	active  *ActiveState
	passive *PassiveState
}

// NewActive builds a Handler in the Active variant, wired to red for the
// redundancy determination the active side owns.
func NewActive(base HandlerBase, red *redundancymgr.Manager) *Handler {
	return &Handler{active: &ActiveState{HandlerBase: base, red: red}}
}

// newActiveWithDeterminer is the test seam for NewActive, accepting any
// redundancyDeterminer rather than requiring a concrete
// *redundancymgr.Manager.
func newActiveWithDeterminer(base HandlerBase, red redundancyDeterminer) *Handler {
	return &Handler{active: &ActiveState{HandlerBase: base, red: red}}
}

// NewPassive builds a Handler in the Passive variant.
func NewPassive(base HandlerBase) *Handler {
	return &Handler{passive: &PassiveState{HandlerBase: base}}
}

// Start runs the handler's startup sequence.
func (h *Handler) Start(ctx context.Context) error {
	if h.active != nil {
		return h.active.start(ctx)
	}
	return h.passive.start(ctx)
}

// Stop unregisters every callback this handler registered, satisfying
// invariant 7 before the next handler is constructed.
func (h *Handler) Stop() {
	if h.active != nil {
		h.active.stop()
		return
	}
	h.passive.stop()
}

// DisableRedPropChanged forwards a manual-override request to the current
// handler.
// The passive side always rejects it; the active side forwards to its
// RedundancyManager.
func (h *Handler) DisableRedPropChanged(ctx context.Context, disable bool) error {
	if h.active != nil {
		return h.active.red.DisableRedPropChanged(ctx, disable)
	}
	return h.passive.DisableRedPropChanged(ctx, disable)
}

// PublishedState reports the redundancyEnabled/failoversAllowed pair this
// handler currently publishes, for the local Document.
func (h *Handler) PublishedState() (redundancyEnabled, failoversAllowed bool) {
	if h.active != nil {
		return h.active.red.RedundancyEnabled(), h.active.red.FailoversAllowed()
	}
	h.passive.mu.Lock()
	defer h.passive.mu.Unlock()
	return h.passive.redundancyEnabled, h.passive.failoversAllowed
}

// Role reports which role this handler was constructed for.
func (h *Handler) Role() bmc.Role {
	if h.active != nil {
		return h.active.Role
	}
	return h.passive.Role
}

// StartFailover evaluates a requested failover. An
// active BMC refuses every request outright; a passive BMC runs the
// failover-blocked evaluation.
func (h *Handler) StartFailover(ctx context.Context, force bool) redundancy.BlockedReason {
	if h.active != nil {
		return redundancy.BlockedBMCNotPassive
	}
	return h.passive.startFailover(force)
}

func (a *ActiveState) start(ctx context.Context) error {
	if err := a.Store.Remove(store.KeyNoRedundancyDetails); err != nil {
		klog.ErrorS(err, "Failed clearing persisted no-redundancy details")
	}

	if err := a.Units.StartUnit(ctx, activeUnit); err != nil {
		klog.ErrorS(err, "Failed starting active unit")
	}

	if a.Sibling.HasHeartbeat() {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); a.Sibling.WaitForSiblingRole(ctx) }()
		go func() { defer wg.Done(); a.Sibling.WaitForBMCSteadyState(ctx) }()
		wg.Wait()
	}

	a.red.DetermineRedundancyAndSync(ctx)

	watchCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.watchCtx = watchCtx
	a.cancelWatch = cancel
	a.mu.Unlock()

	a.installWatches(watchCtx)
	return nil
}

func (a *ActiveState) installWatches(ctx context.Context) {
	a.Sibling.AddStateCallback(a.Role, func(s bmc.State) {
		if s == bmc.StateQuiesced {
			a.red.DetermineAndSetRedundancy(ctx)
		}
	})

	a.Sibling.AddHeartbeatCallback(a.Role, func(active bool) {
		if active {
			a.onSiblingHeartbeatStarted(ctx)
		} else {
			a.onSiblingHeartbeatLost(ctx)
		}
	})

	a.Sync.AddHealthCallback(a.Role, func(h syncctl.Health) {
		if h != syncctl.HealthCritical || !a.red.RedundancyEnabled() {
			return
		}
		a.Sync.DisableBackgroundSync(ctx)
		a.Sibling.PauseForHeartbeatChange(ctx)
		if a.Sibling.HasHeartbeat() {
			a.red.HandleBackgroundSyncFailed(ctx)
		}
		// Else: collateral from peer death, owned by the heartbeat-loss path.
	})
}

// onSiblingHeartbeatLost starts the 5-minute debounce timer: short
// peer reboots must not drop redundancy.
func (a *ActiveState) onSiblingHeartbeatLost(ctx context.Context) {
	if !a.red.RedundancyEnabled() {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.heartbeatTimer.Start(heartbeatLossDebounce, func() {
		a.red.DetermineAndSetRedundancy(ctx)
	})
}

// onSiblingHeartbeatStarted cancels the debounce timer, tears down the
// watches while the re-determination sequence runs so a concurrent
// heartbeat-loss or state-change callback can't re-enter it, and
// reinstalls the watches once it completes.
func (a *ActiveState) onSiblingHeartbeatStarted(ctx context.Context) {
	a.mu.Lock()
	a.heartbeatTimer.Stop()
	a.mu.Unlock()

	a.Sibling.ClearCallbacks(a.Role)
	a.Sync.ClearCallbacks(a.Role)

	go func() {
		a.Sibling.WaitForSiblingRole(ctx)
		a.Sibling.WaitForBMCSteadyState(ctx)
		a.red.DetermineRedundancyAndSync(ctx)
		if ctx.Err() != nil {
			return
		}
		a.installWatches(ctx)
	}()
}

func (a *ActiveState) stop() {
	a.mu.Lock()
	a.heartbeatTimer.Stop()
	if a.cancelWatch != nil {
		a.cancelWatch()
	}
	a.mu.Unlock()

	a.Sibling.ClearCallbacks(a.Role)
	a.Sync.ClearCallbacks(a.Role)
}

func (p *PassiveState) start(ctx context.Context) error {
	if err := p.Units.StartUnit(ctx, passiveUnit); err != nil {
		klog.ErrorS(err, "Failed starting passive unit")
	}

	if err := p.Store.Remove(store.KeyNoRedundancyDetails); err != nil {
		klog.ErrorS(err, "Failed clearing persisted no-redundancy details")
	}

	watchCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancelWatch = cancel
	p.mu.Unlock()

	p.Sibling.AddRedundancyEnabledCallback(p.Role, func(enabled bool) {
		p.mirrorRedundancyEnabled(enabled)
		p.tryFullSync(watchCtx)
	})
	p.Sibling.AddFailoversAllowedCallback(p.Role, func(allowed bool) {
		p.mirrorFailoversAllowed(allowed)
	})
	p.Sibling.AddHeartbeatCallback(p.Role, func(active bool) {
		if active {
			p.tryFullSync(watchCtx)
		}
	})

	return nil
}

// mirrorRedundancyEnabled mirrors the peer's redundancyEnabled iff the
// peer is Active.
func (p *PassiveState) mirrorRedundancyEnabled(enabled bool) {
	role, ok := p.Sibling.GetRole()
	if !ok || role != bmc.RoleActive {
		return
	}
	p.mu.Lock()
	p.redundancyEnabled = enabled
	p.mu.Unlock()
}

func (p *PassiveState) mirrorFailoversAllowed(allowed bool) {
	role, ok := p.Sibling.GetRole()
	if !ok || role != bmc.RoleActive {
		return
	}
	p.mu.Lock()
	p.failoversAllowed = allowed
	p.mu.Unlock()
}

// tryFullSync starts a full sync iff the peer has a heartbeat, is Active,
// and currently publishes redundancyEnabled=true.
func (p *PassiveState) tryFullSync(ctx context.Context) {
	role, ok := p.Sibling.GetRole()
	if !ok || role != bmc.RoleActive {
		return
	}
	enabled, ok := p.Sibling.GetRedundancyEnabled()
	if !ok || !enabled {
		return
	}
	go p.startSync(ctx)
}

func (p *PassiveState) startSync(ctx context.Context) {
	ok, err := p.Sync.DoFullSync(ctx)
	if err != nil {
		klog.ErrorS(err, "Full sync failed")
		p.stopSync(ctx)
		return
	}
	if !ok {
		p.stopSync(ctx)
		return
	}

	p.Sync.AddHealthCallback(p.Role, func(h syncctl.Health) {
		if h == syncctl.HealthCritical {
			p.Sync.DisableBackgroundSync(ctx)
		}
	})
}

func (p *PassiveState) stopSync(ctx context.Context) {
	p.Sync.ClearCallbacks(p.Role)
	p.Sync.DisableBackgroundSync(ctx)
}

// startFailover implements the passive-side StartFailover request.
func (p *PassiveState) startFailover(force bool) redundancy.BlockedReason {
	p.mu.Lock()
	redundancyEnabled := p.redundancyEnabled
	failoversAllowed := p.failoversAllowed
	p.mu.Unlock()

	siblingState, _ := p.Sibling.GetBMCState()

	return redundancy.GetFailoverBlockedReason(redundancy.BlockedInput{
		Force:                      force,
		SiblingHeartbeat:           p.Sibling.HasHeartbeat(),
		RedundancyEnabled:          redundancyEnabled,
		FailoversNotAllowed:        !failoversAllowed,
		SiblingState:               siblingState,
		SyncInProgress:             p.Sync.InProgress(),
		LastKnownRedundancyEnabled: p.Sibling.LastKnownRedundancyEnabled(),
		State:                      p.LocalState(),
	})
}

func (p *PassiveState) stop() {
	p.mu.Lock()
	if p.cancelWatch != nil {
		p.cancelWatch()
	}
	p.mu.Unlock()

	p.Sibling.ClearCallbacks(p.Role)
	p.Sync.ClearCallbacks(p.Role)
}

// DisableRedPropChanged on the passive side always fails with Unavailable
//: only the active side owns the override.
func (p *PassiveState) DisableRedPropChanged(context.Context, bool) error {
	return redundancymgr.ErrUnavailable
}
