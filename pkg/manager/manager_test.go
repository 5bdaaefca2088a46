package manager

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ibm-openbmc/phosphor-state-manager/pkg/bmc"
	"github.com/ibm-openbmc/phosphor-state-manager/pkg/redundancymgr"
	"github.com/ibm-openbmc/phosphor-state-manager/pkg/role"
	"github.com/ibm-openbmc/phosphor-state-manager/pkg/services"
	"github.com/ibm-openbmc/phosphor-state-manager/pkg/sibling"
	"github.com/ibm-openbmc/phosphor-state-manager/pkg/store"
	syncctl "github.com/ibm-openbmc/phosphor-state-manager/pkg/sync"
	"github.com/ibm-openbmc/phosphor-state-manager/pkg/transport"
)

type fakeUnits struct {
	mu     sync.Mutex
	states map[string]string
}

func newFakeUnits(siblingUnitState string) *fakeUnits {
	return &fakeUnits{states: map[string]string{siblingServiceUnit: siblingUnitState}}
}

func (f *fakeUnits) StartUnit(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[name] = "active"
	return nil
}

func (f *fakeUnits) ActiveState(ctx context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.states[name]; ok {
		return s, nil
	}
	return "inactive", nil
}

type fakeBus struct {
	mu  sync.Mutex
	doc transport.Document
	err error
}

func (f *fakeBus) Fetch(ctx context.Context) (transport.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.doc, f.err
}

// newTestManager builds a Manager wired to fakes and file-backed sources
// under a scratch temp dir. unitState controls the sibling-service-unit
// forced-passive check; doc controls what the sibling bus reports.
func newTestManager(t *testing.T, unitState string, doc transport.Document, position uint) *Manager {
	t.Helper()

	dataDir := t.TempDir()
	st := store.New(filepath.Join(dataDir, "data.json"))

	bus := &fakeBus{doc: doc}
	sib := sibling.New(bus, true)

	hostFile := filepath.Join(dataDir, "host-state")
	if err := os.WriteFile(hostFile, []byte("xyz.openbmc_project.State.Host.HostState.Off"), 0o644); err != nil {
		t.Fatal(err)
	}
	host := services.NewHostState(services.FileHostStateSource(hostFile))

	localState := services.NewLocalState(services.StaticState(bmc.StateReady))
	syncer := &syncctl.Client{}
	units := newFakeUnits(unitState)
	identity := Identity{Position: position, FirmwareDigest: "digest-a"}

	m := New(st, sib, host, localState, units, syncer, identity, filepath.Join(dataDir, "provisioned"))
	m.heartbeatInterval = 5 * time.Millisecond
	return m
}

func waitForRole(t *testing.T, m *Manager, want bmc.Role) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if m.Role() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for role %v, got %v", want, m.Role())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestCheckForcedPassiveWhenNotProvisioned(t *testing.T) {
	m := newTestManager(t, "active", transport.Document{}, 0)
	if err := os.WriteFile(m.provisionedMarkerPath, []byte("false"), 0o644); err != nil {
		t.Fatal(err)
	}

	info, forced := m.checkForcedPassive(context.Background())
	if !forced || info.Role != bmc.RolePassive || info.Reason != role.ReasonNotProvisioned {
		t.Errorf("checkForcedPassive() = %+v, %v; want Passive/NotProvisioned, true", info, forced)
	}
}

func TestCheckForcedPassiveWhenSiblingServiceNotRunning(t *testing.T) {
	m := newTestManager(t, "inactive", transport.Document{}, 0)

	info, forced := m.checkForcedPassive(context.Background())
	if !forced || info.Role != bmc.RolePassive || info.Reason != role.ReasonSiblingServiceNotRunning {
		t.Errorf("checkForcedPassive() = %+v, %v; want Passive/SiblingServiceNotRunning, true", info, forced)
	}
}

func TestCheckForcedPassiveWhenHealthy(t *testing.T) {
	m := newTestManager(t, "active", transport.Document{}, 0)

	_, forced := m.checkForcedPassive(context.Background())
	if forced {
		t.Error("expected checkForcedPassive to report false when provisioned and the sibling unit is active")
	}
}

func TestStartupForcedPassiveStillStartsHeartbeatAndPersists(t *testing.T) {
	m := newTestManager(t, "inactive", transport.Document{}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	waitForRole(t, m, bmc.RolePassive)

	deadline := time.After(2 * time.Second)
	for !m.HeartbeatActive() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the heartbeat loop to start on the forced-passive path")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if m.RoleReason() != role.ReasonSiblingServiceNotRunning {
		t.Errorf("RoleReason() = %v, want ReasonSiblingServiceNotRunning", m.RoleReason())
	}

	persisted, ok := store.Read[bmc.Role](m.store, store.KeyRole)
	if !ok || persisted != bmc.RolePassive {
		t.Errorf("expected persisted role Passive, got %v, ok=%v", persisted, ok)
	}
}

func TestStartupElectsActiveAndStartsHeartbeatWhenSiblingHasNoHeartbeat(t *testing.T) {
	// No sibling heartbeat at all -> RoleElector rule 1 (Active,
	// noSiblingHeartbeat), and the resulting redundancy determination is
	// disabled on its very first pass, so the active handler's startup
	// never reaches the sync daemon.
	m := newTestManager(t, "active", transport.Document{HeartbeatActive: false}, 0)

	// The sibling answers but never heartbeats, so startup stays in
	// WaitForSiblingUp until its context ends; the short deadline stands in
	// for the six-minute SiblingUpTimeout.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	m.Start(ctx)

	waitForRole(t, m, bmc.RoleActive)

	if m.RoleReason() != role.ReasonNoSiblingHeartbeat {
		t.Errorf("RoleReason() = %v, want ReasonNoSiblingHeartbeat", m.RoleReason())
	}

	deadline := time.After(2 * time.Second)
	for !m.HeartbeatActive() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the heartbeat loop to start")
		case <-time.After(5 * time.Millisecond):
		}
	}

	m.Stop()
}

func TestDisableRedPropChangedUnavailableBeforeHandler(t *testing.T) {
	m := newTestManager(t, "active", transport.Document{}, 0)

	if err := m.DisableRedPropChanged(context.Background(), true); err != redundancymgr.ErrUnavailable {
		t.Errorf("DisableRedPropChanged() before a handler exists = %v, want ErrUnavailable", err)
	}
}

func TestDocumentReflectsCurrentRoleAndProvisioned(t *testing.T) {
	m := newTestManager(t, "inactive", transport.Document{}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	waitForRole(t, m, bmc.RolePassive)

	doc := m.Document()
	if doc.Role != bmc.RolePassive {
		t.Errorf("Document().Role = %v, want Passive", doc.Role)
	}
	if !doc.Provisioned {
		t.Error("expected Document().Provisioned to default true with no marker file")
	}
}

func TestSetCommsOKUpdatesPublishedDocument(t *testing.T) {
	m := newTestManager(t, "active", transport.Document{}, 0)

	m.SetCommsOK(false)
	if m.Document().CommsOK {
		t.Error("expected Document().CommsOK to reflect SetCommsOK(false)")
	}

	m.SetCommsOK(true)
	if !m.Document().CommsOK {
		t.Error("expected Document().CommsOK to reflect SetCommsOK(true)")
	}
}
