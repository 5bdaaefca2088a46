// Package sibling maintains the cached, event-driven view of the peer BMC's
// published properties. It is the only package that ever calls
// through to the bus transport on the sibling's behalf; everything else
// reads the cache through Sibling's getters.
package sibling

import (
	"context"
	"sync"
	"time"

	"github.com/ibm-openbmc/phosphor-state-manager/pkg/bmc"
	"github.com/ibm-openbmc/phosphor-state-manager/pkg/transport"
	"k8s.io/klog/v2"
)

// Default poll cadence and bounded-wait timeouts.
const (
	pollInterval        = 1 * time.Second
	SiblingUpTimeout    = 6 * time.Minute
	SiblingRoleTimeout  = 10 * time.Second
	SteadyStateTimeout  = 10 * time.Minute
	HeartbeatLossPause  = 5 * time.Second
	HeartbeatLossDebounce = 5 * time.Minute
)

// view is the cached aggregate. interfacePresent and
// heartbeatActive gate every other field: a getter only returns a value
// when both are true.
type view struct {
	interfacePresent bool
	heartbeatActive  bool
	doc              transport.Document

	// lastKnownRedundancyEnabled survives interface/heartbeat loss, used by
	// the failover-blocked evaluation to reason about a dead peer.
	lastKnownRedundancyEnabled bool
}

func (v view) valid() bool {
	return v.interfacePresent && v.heartbeatActive
}

// callbackSet fans out a property change to every Role that registered
// one, keyed by Role so a handler's teardown can cleanly clear only its
// own callbacks.
type callbackSet[T any] struct {
	mu    sync.Mutex
	byRole map[bmc.Role]func(T)
}

func newCallbackSet[T any]() *callbackSet[T] {
	return &callbackSet[T]{byRole: map[bmc.Role]func(T){}}
}

func (c *callbackSet[T]) add(role bmc.Role, fn func(T)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byRole[role] = fn
}

func (c *callbackSet[T]) clear(role bmc.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byRole, role)
}

func (c *callbackSet[T]) dispatch(value T) {
	c.mu.Lock()
	fns := make([]func(T), 0, len(c.byRole))
	for _, fn := range c.byRole {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(value)
	}
}

// Sibling is the cached peer view. All mutation happens in Poll, which
// Watch, Init and the bounded waits call, each possibly from its own
// goroutine; Poll takes the write lock and getters take a read lock, so
// handlers and the manager can read the cache safely while it is polled.
type Sibling struct {
	bus transport.Bus
	// bmcPresent records whether this platform is wired for a sibling BMC
	// at all; always true on the dual-BMC chassis this subsystem targets,
	// but kept as a constructor argument rather than a hardcoded constant.
	bmcPresent bool

	mu   sync.RWMutex
	view view

	roleCallbacks              *callbackSet[bmc.Role]
	stateCallbacks             *callbackSet[bmc.State]
	redundancyEnabledCallbacks *callbackSet[bool]
	failoversAllowedCallbacks  *callbackSet[bool]
	heartbeatCallbacks         *callbackSet[bool]
}

// New constructs a Sibling backed by bus. bmcPresent reflects whether this
// chassis is provisioned for a sibling at all.
func New(bus transport.Bus, bmcPresent bool) *Sibling {
	return &Sibling{
		bus:                        bus,
		bmcPresent:                 bmcPresent,
		roleCallbacks:              newCallbackSet[bmc.Role](),
		stateCallbacks:             newCallbackSet[bmc.State](),
		redundancyEnabledCallbacks: newCallbackSet[bool](),
		failoversAllowedCallbacks:  newCallbackSet[bool](),
		heartbeatCallbacks:         newCallbackSet[bool](),
	}
}

// IsBMCPresent reports whether this chassis has a sibling BMC slot at all.
func (s *Sibling) IsBMCPresent() bool {
	return s.bmcPresent
}

// Poll performs one bus fetch, updates the cache, and dispatches any
// callbacks for properties that changed. A transport failure clears
// interfacePresent and heartbeatActive, modeling the effect of an
// interface-removed / name-owner-lost signal.
func (s *Sibling) Poll(ctx context.Context) {
	doc, err := s.bus.Fetch(ctx)

	s.mu.Lock()
	prev := s.view
	if err != nil {
		klog.V(2).InfoS("Sibling unreachable, treating as not present", "error", err)
		s.view = view{lastKnownRedundancyEnabled: prev.lastKnownRedundancyEnabled}
	} else {
		s.view = view{
			interfacePresent:           true,
			heartbeatActive:            doc.HeartbeatActive,
			doc:                        doc,
			lastKnownRedundancyEnabled: prev.lastKnownRedundancyEnabled,
		}
		if s.view.valid() {
			s.view.lastKnownRedundancyEnabled = doc.RedundancyEnabled
		}
	}
	cur := s.view
	s.mu.Unlock()

	s.dispatchChanges(prev, cur)
}

func (s *Sibling) dispatchChanges(prev, cur view) {
	if cur.heartbeatActive != prev.heartbeatActive {
		s.heartbeatCallbacks.dispatch(cur.heartbeatActive)
	}

	if !cur.valid() {
		return
	}

	if !prev.valid() || cur.doc.Role != prev.doc.Role {
		s.roleCallbacks.dispatch(cur.doc.Role)
	}
	if !prev.valid() || cur.doc.BMCState != prev.doc.BMCState {
		s.stateCallbacks.dispatch(cur.doc.BMCState)
	}
	if !prev.valid() || cur.doc.RedundancyEnabled != prev.doc.RedundancyEnabled {
		s.redundancyEnabledCallbacks.dispatch(cur.doc.RedundancyEnabled)
	}
	if !prev.valid() || cur.doc.FailoversAllowed != prev.doc.FailoversAllowed {
		s.failoversAllowedCallbacks.dispatch(cur.doc.FailoversAllowed)
	}
}

// Init performs the initial synchronous fetch used during startup.
func (s *Sibling) Init(ctx context.Context) {
	s.Poll(ctx)
}

// Watch runs the polling loop until ctx is cancelled. It is meant to be
// spawned once, for the lifetime of the process, mirroring the manager's
// heartbeat loop.
func (s *Sibling) Watch(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// HasHeartbeat reports whether the sibling currently has a live heartbeat.
func (s *Sibling) HasHeartbeat() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view.valid()
}

// GetInterfacePresent reports raw interface presence, independent of
// heartbeat.
func (s *Sibling) GetInterfacePresent() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view.interfacePresent
}

// GetRole returns the sibling's role, or false if the view isn't valid.
func (s *Sibling) GetRole() (bmc.Role, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.view.valid() {
		return bmc.RoleUnknown, false
	}
	return s.view.doc.Role, true
}

// GetBMCState returns the sibling's BMC state, or false if the view isn't
// valid.
func (s *Sibling) GetBMCState() (bmc.State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.view.valid() {
		return bmc.StateNotReady, false
	}
	return s.view.doc.BMCState, true
}

// GetFWVersion returns the sibling's firmware digest, or false if the view
// isn't valid.
func (s *Sibling) GetFWVersion() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.view.valid() {
		return "", false
	}
	return s.view.doc.FWVersion, true
}

// GetPosition returns the sibling's slot position, or false if the view
// isn't valid.
func (s *Sibling) GetPosition() (uint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.view.valid() {
		return 0, false
	}
	return s.view.doc.Position, true
}

// GetProvisioned returns whether the sibling is provisioned, or false if the
// view isn't valid.
func (s *Sibling) GetProvisioned() (bool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.view.valid() {
		return false, false
	}
	return s.view.doc.Provisioned, true
}

// GetRedundancyEnabled returns the sibling's currently published
// RedundancyEnabled value, or false if the view isn't valid.
func (s *Sibling) GetRedundancyEnabled() (bool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.view.valid() {
		return false, false
	}
	return s.view.doc.RedundancyEnabled, true
}

// GetFailoversAllowed returns the sibling's currently published
// FailoversAllowed value, or false if the view isn't valid.
func (s *Sibling) GetFailoversAllowed() (bool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.view.valid() {
		return false, false
	}
	return s.view.doc.FailoversAllowed, true
}

// GetSiblingCommsOK reports the sibling's own view of its communication
// path to its sibling (i.e. to this BMC), or false if the view isn't valid.
func (s *Sibling) GetSiblingCommsOK() (bool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.view.valid() {
		return false, false
	}
	return s.view.doc.CommsOK, true
}

// LastKnownRedundancyEnabled returns the most recently observed
// RedundancyEnabled value even after the sibling has gone missing, for the
// failover-blocked evaluation.
func (s *Sibling) LastKnownRedundancyEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view.lastKnownRedundancyEnabled
}

// AddRoleCallback registers fn, tagged under role, to be called whenever the
// sibling's role changes while the view is valid.
func (s *Sibling) AddRoleCallback(role bmc.Role, fn func(bmc.Role)) {
	s.roleCallbacks.add(role, fn)
}

// AddStateCallback registers fn, tagged under role, to be called whenever
// the sibling's BMC state changes while the view is valid.
func (s *Sibling) AddStateCallback(role bmc.Role, fn func(bmc.State)) {
	s.stateCallbacks.add(role, fn)
}

// AddRedundancyEnabledCallback registers fn, tagged under role, to be called
// whenever the sibling's RedundancyEnabled changes while the view is valid.
func (s *Sibling) AddRedundancyEnabledCallback(role bmc.Role, fn func(bool)) {
	s.redundancyEnabledCallbacks.add(role, fn)
}

// AddFailoversAllowedCallback registers fn, tagged under role, to be called
// whenever the sibling's FailoversAllowed changes while the view is valid.
func (s *Sibling) AddFailoversAllowedCallback(role bmc.Role, fn func(bool)) {
	s.failoversAllowedCallbacks.add(role, fn)
}

// AddHeartbeatCallback registers fn, tagged under role, to be called
// whenever the sibling's heartbeat flips, regardless of interface presence.
func (s *Sibling) AddHeartbeatCallback(role bmc.Role, fn func(bool)) {
	s.heartbeatCallbacks.add(role, fn)
}

// ClearCallbacks unregisters every callback tagged under role. A role
// handler's teardown must call this before a new handler is constructed
//.
func (s *Sibling) ClearCallbacks(role bmc.Role) {
	s.roleCallbacks.clear(role)
	s.stateCallbacks.clear(role)
	s.redundancyEnabledCallbacks.clear(role)
	s.failoversAllowedCallbacks.clear(role)
	s.heartbeatCallbacks.clear(role)
}

// WaitForSiblingUp polls until the sibling has both interface presence and a
// heartbeat, or ctx is cancelled/times out. A bounded internal timeout of
// SiblingUpTimeout applies even with a longer ctx.
func (s *Sibling) WaitForSiblingUp(ctx context.Context) error {
	return s.waitUntil(ctx, SiblingUpTimeout, func() bool { return s.HasHeartbeat() })
}

// WaitForSiblingRole polls until the sibling publishes a non-Unknown role,
// bounded by SiblingRoleTimeout.
func (s *Sibling) WaitForSiblingRole(ctx context.Context) error {
	return s.waitUntil(ctx, SiblingRoleTimeout, func() bool {
		role, ok := s.GetRole()
		return ok && role != bmc.RoleUnknown
	})
}

// WaitForBMCSteadyState polls until the sibling reports Ready or Quiesced,
// bounded by SteadyStateTimeout.
func (s *Sibling) WaitForBMCSteadyState(ctx context.Context) error {
	return s.waitUntil(ctx, SteadyStateTimeout, func() bool {
		state, ok := s.GetBMCState()
		return ok && (state == bmc.StateReady || state == bmc.StateQuiesced)
	})
}

// PauseForHeartbeatChange sleeps for the fixed window needed to let a
// heartbeat signal change propagate.
func (s *Sibling) PauseForHeartbeatChange(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(HeartbeatLossPause):
	}
}

func (s *Sibling) waitUntil(ctx context.Context, timeout time.Duration, done func() bool) error {
	if done() {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			return waitCtx.Err()
		case <-ticker.C:
			s.Poll(waitCtx)
			if done() {
				return nil
			}
		}
	}
}
