package role

import (
	"testing"

	"github.com/ibm-openbmc/phosphor-state-manager/pkg/bmc"
)

func TestDeterminePositionTiebreakNoHistory(t *testing.T) {
	in := Input{
		BMCPosition:        0,
		PreviousRole:       bmc.RoleUnknown,
		SiblingPosition:    1,
		SiblingRole:        bmc.RoleUnknown,
		SiblingHeartbeat:   true,
		SiblingProvisioned: true,
	}

	got := Determine(in)

	if got.Role != bmc.RoleActive {
		t.Errorf("expected Active, got %v", got.Role)
	}
	if got.Reason != ReasonPositionZero {
		t.Errorf("expected positionZero, got %v", got.Reason)
	}
}

func TestDeterminePreviousPassiveBeatsPosition(t *testing.T) {
	in := Input{
		BMCPosition:        0,
		PreviousRole:       bmc.RolePassive,
		SiblingPosition:    1,
		SiblingRole:        bmc.RoleUnknown,
		SiblingHeartbeat:   true,
		SiblingProvisioned: true,
	}

	got := Determine(in)

	if got.Role != bmc.RolePassive {
		t.Errorf("expected Passive, got %v", got.Role)
	}
	if got.Reason != ReasonResumePrevious {
		t.Errorf("expected resumePrevious, got %v", got.Reason)
	}
}

func TestDetermineSamePositionsIsAnErrorCase(t *testing.T) {
	in := Input{
		BMCPosition:        2,
		PreviousRole:       bmc.RoleUnknown,
		SiblingPosition:    2,
		SiblingRole:        bmc.RoleUnknown,
		SiblingHeartbeat:   true,
		SiblingProvisioned: true,
	}

	got := Determine(in)

	if got.Role != bmc.RolePassive {
		t.Errorf("expected Passive, got %v", got.Role)
	}
	if got.Reason != ReasonSamePositions {
		t.Errorf("expected samePositions, got %v", got.Reason)
	}
	if !IsErrorReason(got.Reason) {
		t.Error("samePositions must be an error reason")
	}
}

func TestDetermineNoSiblingHeartbeatTakesPriorityOverEverything(t *testing.T) {
	in := Input{
		BMCPosition:        2,
		PreviousRole:       bmc.RolePassive,
		SiblingPosition:    2,
		SiblingRole:        bmc.RolePassive,
		SiblingHeartbeat:   false,
		SiblingProvisioned: true,
	}

	got := Determine(in)

	if got.Role != bmc.RoleActive || got.Reason != ReasonNoSiblingHeartbeat {
		t.Errorf("expected (Active, noSiblingHeartbeat), got (%v, %v)", got.Role, got.Reason)
	}
}

func TestDetermineIsTotalAndDeterministic(t *testing.T) {
	roles := []bmc.Role{bmc.RoleUnknown, bmc.RoleActive, bmc.RolePassive}
	positions := []uint{0, 1, 2}
	bools := []bool{true, false}

	for _, prev := range roles {
		for _, sibRole := range roles {
			for _, pos := range positions {
				for _, sibPos := range positions {
					for _, hb := range bools {
						for _, prov := range bools {
							in := Input{
								BMCPosition:        pos,
								PreviousRole:       prev,
								SiblingPosition:    sibPos,
								SiblingRole:        sibRole,
								SiblingHeartbeat:   hb,
								SiblingProvisioned: prov,
							}
							first := Determine(in)
							second := Determine(in)
							if first != second {
								t.Fatalf("Determine is not deterministic for %+v: %+v != %+v", in, first, second)
							}
							if first.Role != bmc.RoleActive && first.Role != bmc.RolePassive {
								t.Fatalf("Determine returned non-total role %v for %+v", first.Role, in)
							}
						}
					}
				}
			}
		}
	}
}

func TestIsErrorReason(t *testing.T) {
	tests := []struct {
		name    string
		reason  Reason
		isError bool
	}{
		{"samePositions", ReasonSamePositions, true},
		{"notProvisioned", ReasonNotProvisioned, true},
		{"siblingServiceNotRunning", ReasonSiblingServiceNotRunning, true},
		{"exception", ReasonException, true},
		{"noSiblingHeartbeat", ReasonNoSiblingHeartbeat, false},
		{"resumePrevious", ReasonResumePrevious, false},
		{"positionZero", ReasonPositionZero, false},
		{"positionNonzero", ReasonPositionNonzero, false},
		{"siblingPassive", ReasonSiblingPassive, false},
		{"siblingActive", ReasonSiblingActive, false},
		{"siblingNotProvisioned", ReasonSiblingNotProvisioned, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsErrorReason(tt.reason); got != tt.isError {
				t.Errorf("IsErrorReason(%v) = %v, want %v", tt.reason, got, tt.isError)
			}
		})
	}
}
