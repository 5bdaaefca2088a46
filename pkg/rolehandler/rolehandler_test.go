package rolehandler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ibm-openbmc/phosphor-state-manager/pkg/bmc"
	"github.com/ibm-openbmc/phosphor-state-manager/pkg/redundancy"
	"github.com/ibm-openbmc/phosphor-state-manager/pkg/sibling"
	"github.com/ibm-openbmc/phosphor-state-manager/pkg/store"
	syncctl "github.com/ibm-openbmc/phosphor-state-manager/pkg/sync"
	"github.com/ibm-openbmc/phosphor-state-manager/pkg/transport"
)

type fakeBus struct {
	mu  sync.Mutex
	doc transport.Document
	err error
}

func (f *fakeBus) set(doc transport.Document) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.doc, f.err = doc, nil
}

func (f *fakeBus) Fetch(ctx context.Context) (transport.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.doc, f.err
}

type fakeUnits struct {
	mu      sync.Mutex
	started []string
}

func (f *fakeUnits) StartUnit(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, name)
	return nil
}

func (f *fakeUnits) ActiveState(ctx context.Context, name string) (string, error) {
	return "active", nil
}

func newTestPassive(t *testing.T, doc transport.Document) (*PassiveState, *fakeBus, *fakeUnits) {
	t.Helper()

	bus := &fakeBus{doc: doc}
	sib := sibling.New(bus, true)
	sib.Init(context.Background())

	units := &fakeUnits{}
	st := store.New(filepath.Join(t.TempDir(), "data.json"))

	return &PassiveState{
		HandlerBase: HandlerBase{
			Role:       bmc.RolePassive,
			Sibling:    sib,
			Units:      units,
			Sync:       &syncctl.Client{},
			Store:      st,
			LocalState: func() bmc.State { return bmc.StateReady },
		},
	}, bus, units
}

func TestPassiveMirrorsRedundancyEnabledOnlyWhenSiblingActive(t *testing.T) {
	p, _, _ := newTestPassive(t, transport.Document{Role: bmc.RoleActive, HeartbeatActive: true})

	p.mirrorRedundancyEnabled(true)

	p.mu.Lock()
	got := p.redundancyEnabled
	p.mu.Unlock()
	if !got {
		t.Error("expected mirrorRedundancyEnabled to apply when the sibling is Active")
	}
}

func TestPassiveDoesNotMirrorWhenSiblingNotActive(t *testing.T) {
	p, _, _ := newTestPassive(t, transport.Document{Role: bmc.RolePassive, HeartbeatActive: true})

	p.mirrorRedundancyEnabled(true)

	p.mu.Lock()
	got := p.redundancyEnabled
	p.mu.Unlock()
	if got {
		t.Error("expected mirrorRedundancyEnabled to be a no-op when the sibling is not Active")
	}
}

func TestPassiveStartFailoverBlockedWhenNotEnabled(t *testing.T) {
	p, _, _ := newTestPassive(t, transport.Document{Role: bmc.RoleActive, HeartbeatActive: true, BMCState: bmc.StateReady})

	got := p.startFailover(false)
	if got != redundancy.BlockedRedundancyNotEnabled {
		t.Errorf("startFailover() = %v, want BlockedRedundancyNotEnabled", got)
	}
}

func TestPassiveStartFailoverAllowedWhenEverythingHealthy(t *testing.T) {
	p, _, _ := newTestPassive(t, transport.Document{Role: bmc.RoleActive, HeartbeatActive: true, BMCState: bmc.StateReady})
	p.mirrorRedundancyEnabled(true)
	p.mirrorFailoversAllowed(true)

	got := p.startFailover(false)
	if got != redundancy.BlockedNone {
		t.Errorf("startFailover() = %v, want BlockedNone", got)
	}
}

func TestPassiveStartFailoverUsesLastKnownWhenSiblingDead(t *testing.T) {
	bus := &fakeBus{doc: transport.Document{Role: bmc.RoleActive, HeartbeatActive: true, RedundancyEnabled: true}}
	sib := sibling.New(bus, true)
	sib.Init(context.Background())

	p := &PassiveState{HandlerBase: HandlerBase{
		Role:       bmc.RolePassive,
		Sibling:    sib,
		Sync:       &syncctl.Client{},
		LocalState: func() bmc.State { return bmc.StateReady },
	}}

	bus.err = errors.New("peer unreachable")
	sib.Init(context.Background())

	got := p.startFailover(false)
	if got != redundancy.BlockedNone {
		t.Errorf("startFailover() with a dead but last-known-enabled sibling = %v, want BlockedNone", got)
	}
}

func TestPassiveDisableRedPropChangedAlwaysUnavailable(t *testing.T) {
	p, _, _ := newTestPassive(t, transport.Document{})
	if err := p.DisableRedPropChanged(context.Background(), true); err == nil {
		t.Error("expected the passive handler to always reject DisableRedPropChanged")
	}
}

type fakeDeterminer struct {
	mu      sync.Mutex
	enabled bool
	calls   int
}

func (f *fakeDeterminer) RedundancyEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}
func (f *fakeDeterminer) FailoversAllowed() bool { return true }
func (f *fakeDeterminer) DetermineAndSetRedundancy(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
}
func (f *fakeDeterminer) DetermineRedundancyAndSync(ctx context.Context) {}
func (f *fakeDeterminer) HandleBackgroundSyncFailed(ctx context.Context) {}
func (f *fakeDeterminer) DisableRedPropChanged(ctx context.Context, disable bool) error {
	return nil
}

func TestHandlerStartFailoverActiveAlwaysRefuses(t *testing.T) {
	h := newActiveWithDeterminer(HandlerBase{}, &fakeDeterminer{})
	if got := h.StartFailover(context.Background(), true); got != redundancy.BlockedBMCNotPassive {
		t.Errorf("StartFailover() on an active handler = %v, want BlockedBMCNotPassive", got)
	}
}

func TestActiveHeartbeatLossNoTimerWhenRedundancyNotEnabled(t *testing.T) {
	h := newActiveWithDeterminer(HandlerBase{}, &fakeDeterminer{enabled: false})
	a := h.active
	a.onSiblingHeartbeatLost(context.Background())

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.heartbeatTimer.Pending() {
		t.Error("expected no debounce timer started when redundancy is not currently enabled")
	}
}

func TestActiveHeartbeatLossStartsTimerWhenRedundancyEnabled(t *testing.T) {
	h := newActiveWithDeterminer(HandlerBase{}, &fakeDeterminer{enabled: true})
	a := h.active
	a.onSiblingHeartbeatLost(context.Background())

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.heartbeatTimer.Pending() {
		t.Error("expected a debounce timer to be started when redundancy is currently enabled")
	}
	a.heartbeatTimer.Stop()
}

func TestActiveHeartbeatStartedCancelsPendingTimer(t *testing.T) {
	bus := &fakeBus{doc: transport.Document{Role: bmc.RolePassive, HeartbeatActive: true}}
	sib := sibling.New(bus, true)
	sib.Init(context.Background())

	base := HandlerBase{Sibling: sib, Sync: &syncctl.Client{}}
	h := newActiveWithDeterminer(base, &fakeDeterminer{enabled: true})
	a := h.active
	a.onSiblingHeartbeatLost(context.Background())

	a.mu.Lock()
	if !a.heartbeatTimer.Pending() {
		a.mu.Unlock()
		t.Fatal("expected a debounce timer before simulating heartbeat recovery")
	}
	a.mu.Unlock()

	a.onSiblingHeartbeatStarted(context.Background())

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.heartbeatTimer.Pending() {
		t.Error("expected the debounce timer to be cleared once the sibling heartbeat resumed")
	}
}

func TestActiveHeartbeatStartedTearsDownWatchesBeforeReRunningDetermination(t *testing.T) {
	bus := &fakeBus{doc: transport.Document{Role: bmc.RolePassive, HeartbeatActive: true, BMCState: bmc.StateReady}}
	sib := sibling.New(bus, true)
	sib.Init(context.Background())

	base := HandlerBase{Sibling: sib, Sync: &syncctl.Client{}}
	det := &fakeDeterminer{enabled: true}
	h := newActiveWithDeterminer(base, det)
	a := h.active
	a.installWatches(context.Background())

	// Confirm the heartbeat-loss watch is live before the recovery sequence.
	bus.set(transport.Document{Role: bmc.RolePassive, HeartbeatActive: false, BMCState: bmc.StateReady})
	sib.Poll(context.Background())

	a.mu.Lock()
	armed := a.heartbeatTimer.Pending()
	a.heartbeatTimer.Stop()
	a.mu.Unlock()
	if !armed {
		t.Fatal("expected the heartbeat-loss watch to arm the debounce timer before recovery")
	}

	// Role stays Unknown so the re-determination goroutine blocks in
	// WaitForSiblingRole for the rest of this test, giving a deterministic
	// window to check that the watches were torn down.
	bus.set(transport.Document{Role: bmc.RoleUnknown, HeartbeatActive: true, BMCState: bmc.StateReady})
	a.onSiblingHeartbeatStarted(context.Background())

	// The teardown of installWatches happens synchronously before the
	// re-determination goroutine is spawned, so a callback fired right
	// after onSiblingHeartbeatStarted returns must see no live watches.
	bus.set(transport.Document{Role: bmc.RoleUnknown, HeartbeatActive: false, BMCState: bmc.StateReady})
	sib.Poll(context.Background())

	a.mu.Lock()
	stillArmed := a.heartbeatTimer.Pending()
	a.mu.Unlock()
	if stillArmed {
		t.Error("expected the heartbeat-loss watch to be torn down while the recovery sequence runs")
	}
}
