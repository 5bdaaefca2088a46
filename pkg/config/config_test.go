package config

import (
	"testing"
	"time"
)

func TestConfigDefaults(t *testing.T) {
	cfg := &Config{}

	if cfg.DataDir != "" {
		t.Errorf("Expected empty DataDir by default, got %s", cfg.DataDir)
	}

	if cfg.PositionOverride != 0 {
		t.Errorf("Expected zero-value PositionOverride by default, got %d", cfg.PositionOverride)
	}

	if cfg.Debug != false {
		t.Error("Expected Debug to be false by default")
	}

	if cfg.PollTimeout != 0 {
		t.Errorf("Expected 0 PollTimeout by default, got %v", cfg.PollTimeout)
	}
}

func TestConfigWithValues(t *testing.T) {
	cfg := &Config{
		DataDir:          "/var/lib/phosphor-state-manager/redundant-bmc",
		PositionOverride: 1,
		OSReleasePath:    "/etc/os-release",
		ListenAddr:       ":8081",
		SiblingURL:       "http://sibling-bmc:8081",
		SharedSecret:     "secret",
		PollTimeout:      2 * time.Second,
		HostStateFile:    "/run/rbmc/host-state",
		HostStatePoll:    5 * time.Second,
		LocalStateFile:   "/run/rbmc/local-state",
		LocalStatePoll:   5 * time.Second,
		SyncAddr:         "127.0.0.1:6390",
		SyncPassword:     "",
	}

	if cfg.DataDir != "/var/lib/phosphor-state-manager/redundant-bmc" {
		t.Errorf("Expected DataDir set, got %s", cfg.DataDir)
	}

	if cfg.PositionOverride != 1 {
		t.Errorf("Expected PositionOverride 1, got %d", cfg.PositionOverride)
	}

	if cfg.SiblingURL != "http://sibling-bmc:8081" {
		t.Errorf("Expected SiblingURL set, got %s", cfg.SiblingURL)
	}

	if cfg.SharedSecret != "secret" {
		t.Errorf("Expected SharedSecret secret, got %s", cfg.SharedSecret)
	}

	if cfg.PollTimeout != 2*time.Second {
		t.Errorf("Expected PollTimeout 2s, got %v", cfg.PollTimeout)
	}

	if cfg.HostStatePoll != 5*time.Second {
		t.Errorf("Expected HostStatePoll 5s, got %v", cfg.HostStatePoll)
	}

	if cfg.LocalStateFile != "/run/rbmc/local-state" {
		t.Errorf("Expected LocalStateFile set, got %s", cfg.LocalStateFile)
	}

	if cfg.LocalStatePoll != 5*time.Second {
		t.Errorf("Expected LocalStatePoll 5s, got %v", cfg.LocalStatePoll)
	}

	if cfg.SyncAddr != "127.0.0.1:6390" {
		t.Errorf("Expected SyncAddr set, got %s", cfg.SyncAddr)
	}
}

func TestConfigSharedSecretHandling(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		isEmpty bool
	}{
		{name: "with secret", secret: "mysecret", isEmpty: false},
		{name: "empty secret", secret: "", isEmpty: true},
		{name: "whitespace secret", secret: "   ", isEmpty: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{SharedSecret: tt.secret}

			isEmpty := cfg.SharedSecret == ""
			if isEmpty != tt.isEmpty {
				t.Errorf("Expected isEmpty=%v, got %v", tt.isEmpty, isEmpty)
			}
		})
	}
}

func TestConfigPositionOverrideValues(t *testing.T) {
	tests := []struct {
		name     string
		override int
		set      bool
	}{
		{name: "unset (negative sentinel)", override: -1, set: false},
		{name: "position zero", override: 0, set: true},
		{name: "position one", override: 1, set: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{PositionOverride: tt.override}

			set := cfg.PositionOverride >= 0
			if set != tt.set {
				t.Errorf("Expected set=%v for override %d, got %v", tt.set, tt.override, set)
			}
		})
	}
}
