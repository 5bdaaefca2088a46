// Package bmc holds the small value types shared across the redundant-BMC
// manager: the Role and state enumerations published on the bus, and the
// host system-state mapping used by the redundancy evaluator.
package bmc

// Role is a BMC's position in the active/passive pair. It is published on
// the bus and persisted across reboots.
type Role int

const (
	RoleUnknown Role = iota
	RoleActive
	RolePassive
)

func (r Role) String() string {
	switch r {
	case RoleActive:
		return "Active"
	case RolePassive:
		return "Passive"
	default:
		return "Unknown"
	}
}

// State is the local or sibling BMC's lifecycle state, as reported by the
// BMC state-machine daemon (out of scope here; only its published values are
// consumed).
type State int

const (
	StateNotReady State = iota
	StateReady
	StateQuiesced
	StateOther
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "Ready"
	case StateQuiesced:
		return "Quiesced"
	case StateOther:
		return "Other"
	default:
		return "NotReady"
	}
}

// SystemState is the coarse host power/boot state, mapped down from the
// host-state object's CurrentHostState property.
type SystemState int

const (
	SystemStateOff SystemState = iota
	SystemStateBooting
	SystemStateRuntime
	SystemStateOther
)

func (s SystemState) String() string {
	switch s {
	case SystemStateOff:
		return "Off"
	case SystemStateBooting:
		return "Booting"
	case SystemStateRuntime:
		return "Runtime"
	default:
		return "Other"
	}
}

// MapBMCState translates a raw BMC-state-object property value into a
// State. The BMC state-machine daemon is an external collaborator;
// this table maps its string vocabulary, and services.StaticState holds the
// reverse mapping for the states it can report.
func MapBMCState(raw string) State {
	switch raw {
	case "xyz.openbmc_project.State.BMC.BMCState.Ready":
		return StateReady
	case "xyz.openbmc_project.State.BMC.BMCState.Quiesced":
		return StateQuiesced
	case "xyz.openbmc_project.State.BMC.BMCState.NotReady":
		return StateNotReady
	default:
		return StateOther
	}
}

// MapHostState translates a raw host-state-object property value into a
// SystemState. The host-state object is an external collaborator; this
// table is the only place its string vocabulary is known to this process.
func MapHostState(raw string) SystemState {
	switch raw {
	case "xyz.openbmc_project.State.Host.HostState.Off":
		return SystemStateOff
	case "xyz.openbmc_project.State.Host.HostState.TransitioningToRunning",
		"xyz.openbmc_project.State.Host.HostState.Booting":
		return SystemStateBooting
	case "xyz.openbmc_project.State.Host.HostState.Running":
		return SystemStateRuntime
	default:
		return SystemStateOther
	}
}
