// Package role implements the RoleElector: a pure, deterministic mapping
// from local and sibling facts to the role this BMC should assume.
package role

import "github.com/ibm-openbmc/phosphor-state-manager/pkg/bmc"

// Reason records why a role was chosen. It is persisted as a human-readable
// description alongside the role itself.
type Reason int

const (
	ReasonUnknown Reason = iota
	ReasonNoSiblingHeartbeat
	ReasonSamePositions
	ReasonSiblingNotProvisioned
	ReasonSiblingPassive
	ReasonSiblingActive
	ReasonResumePrevious
	ReasonPositionZero
	ReasonPositionNonzero
	ReasonNotProvisioned
	ReasonSiblingServiceNotRunning
	ReasonException
)

// Description returns the human-readable sentence persisted next to the
// role.
func (r Reason) Description() string {
	switch r {
	case ReasonNoSiblingHeartbeat:
		return "No sibling heartbeat"
	case ReasonSamePositions:
		return "Both BMCs report the same position"
	case ReasonSiblingNotProvisioned:
		return "Sibling is not provisioned"
	case ReasonSiblingPassive:
		return "Sibling is already passive"
	case ReasonSiblingActive:
		return "Sibling is already active"
	case ReasonResumePrevious:
		return "Resuming previous role"
	case ReasonPositionZero:
		return "BMC is at position 0"
	case ReasonPositionNonzero:
		return "BMC is not at position 0"
	case ReasonNotProvisioned:
		return "BMC is not provisioned"
	case ReasonSiblingServiceNotRunning:
		return "Sibling BMC service is not running"
	case ReasonException:
		return "An error occurred while determining the role"
	default:
		return "Unknown reason"
	}
}

// IsErrorReason reports whether the role was chosen because of an error
// condition rather than ordinary election logic. A `true` result means the
// next boot's elector input must present previousRole as Unknown instead of
// latching this outcome.
func IsErrorReason(r Reason) bool {
	switch r {
	case ReasonSamePositions, ReasonNotProvisioned, ReasonSiblingServiceNotRunning, ReasonException:
		return true
	default:
		return false
	}
}

// Info is the elector's result: the chosen role and why.
type Info struct {
	Role   bmc.Role
	Reason Reason
}

// Input is everything the elector needs. It carries no references to live
// components so it stays pure and trivially testable.
type Input struct {
	BMCPosition        uint
	PreviousRole       bmc.Role
	SiblingPosition    uint
	SiblingRole        bmc.Role
	SiblingHeartbeat   bool
	SiblingProvisioned bool
}

// Determine runs the priority-ordered decision table below. It is total
// and deterministic: every Input yields exactly one Info.
func Determine(in Input) Info {
	switch {
	case !in.SiblingHeartbeat:
		return Info{bmc.RoleActive, ReasonNoSiblingHeartbeat}
	case in.BMCPosition == in.SiblingPosition:
		return Info{bmc.RolePassive, ReasonSamePositions}
	case !in.SiblingProvisioned:
		return Info{bmc.RoleActive, ReasonSiblingNotProvisioned}
	case in.SiblingRole == bmc.RolePassive:
		return Info{bmc.RoleActive, ReasonSiblingPassive}
	case in.SiblingRole == bmc.RoleActive:
		return Info{bmc.RolePassive, ReasonSiblingActive}
	case in.PreviousRole == bmc.RoleActive:
		return Info{bmc.RoleActive, ReasonResumePrevious}
	case in.PreviousRole == bmc.RolePassive:
		return Info{bmc.RolePassive, ReasonResumePrevious}
	case in.BMCPosition == 0:
		return Info{bmc.RoleActive, ReasonPositionZero}
	default:
		return Info{bmc.RolePassive, ReasonPositionNonzero}
	}
}
