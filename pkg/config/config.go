// Package config holds the flag-driven configuration for the redundant-BMC
// manager: a flat struct populated by a flag.FlagSet in main, no viper or
// cobra involved.
package config

import "time"

// Config holds every setting the process needs at startup. Fields are
// grouped the way main.go registers their flags.
type Config struct {
	// Persistent state.
	DataDir string

	// Position and firmware identity. PositionOverride < 0 means
	// "unset": the real position comes from fw_printenv.
	PositionOverride int
	OSReleasePath    string

	// Peer transport: the concrete stand-in for the bus/mapper in
	// pkg/transport.
	ListenAddr   string
	SiblingURL   string
	SharedSecret string
	PollTimeout  time.Duration

	// Host state source.
	HostStateFile string
	HostStatePoll time.Duration

	// Local BMC state source. Empty LocalStateFile means no state-machine
	// daemon stand-in is available and the local state is reported as
	// always Ready.
	LocalStateFile string
	LocalStatePoll time.Duration

	// Data-sync daemon control endpoint.
	SyncAddr     string
	SyncPassword string

	// Provisioning marker: a plug point standing in for the real
	// provisioning signal, not a behavior contract.
	ProvisionedMarkerPath string

	// Logging.
	Debug bool
}
