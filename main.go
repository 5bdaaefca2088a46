package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ibm-openbmc/phosphor-state-manager/pkg/bmc"
	"github.com/ibm-openbmc/phosphor-state-manager/pkg/config"
	"github.com/ibm-openbmc/phosphor-state-manager/pkg/manager"
	"github.com/ibm-openbmc/phosphor-state-manager/pkg/services"
	"github.com/ibm-openbmc/phosphor-state-manager/pkg/sibling"
	"github.com/ibm-openbmc/phosphor-state-manager/pkg/store"
	syncctl "github.com/ibm-openbmc/phosphor-state-manager/pkg/sync"
	"github.com/ibm-openbmc/phosphor-state-manager/pkg/transport"
	"k8s.io/klog/v2"
)

var version = "dev"

// syncHealthPollInterval is how often the sync daemon's health property is
// polled once startup has connected the control client.
const syncHealthPollInterval = 5 * time.Second

func main() {
	cfg := &config.Config{}

	flag.StringVar(&cfg.DataDir, "data-dir", "/var/lib/phosphor-state-manager/redundant-bmc", "Directory for the persistent JSON store")
	flag.IntVar(&cfg.PositionOverride, "position-override", -1, "Override the BMC chassis position instead of reading it from fw_printenv (-1 means unset)")
	flag.StringVar(&cfg.OSReleasePath, "os-release-path", "/etc/os-release", "Path to os-release for the firmware digest")

	flag.StringVar(&cfg.ListenAddr, "listen-addr", ":8081", "Address this BMC publishes its document on for the sibling to poll")
	flag.StringVar(&cfg.SiblingURL, "sibling-url", "http://sibling-bmc:8081", "Base URL of the sibling BMC's published document")
	flag.StringVar(&cfg.SharedSecret, "shared-secret", os.Getenv("RBMC_SHARED_SECRET"), "Shared secret for HMAC-signing peer requests (or RBMC_SHARED_SECRET env)")
	flag.DurationVar(&cfg.PollTimeout, "poll-timeout", 5*time.Second, "Timeout for a single sibling document fetch")

	flag.StringVar(&cfg.HostStateFile, "host-state-file", "/run/phosphor-state-manager/host-state", "File publishing the host-state object's raw CurrentHostState value")
	flag.DurationVar(&cfg.HostStatePoll, "host-state-poll", 2*time.Second, "Host-state poll interval")

	flag.StringVar(&cfg.LocalStateFile, "local-state-file", "", "File publishing this BMC's own raw BMCState value (empty means always report Ready)")
	flag.DurationVar(&cfg.LocalStatePoll, "local-state-poll", 2*time.Second, "Local BMC state poll interval")

	flag.StringVar(&cfg.SyncAddr, "sync-addr", "127.0.0.1:6390", "Address of the data-sync daemon's control endpoint")
	flag.StringVar(&cfg.SyncPassword, "sync-password", os.Getenv("RBMC_SYNC_PASSWORD"), "Password for the data-sync daemon's control endpoint (or RBMC_SYNC_PASSWORD env)")

	flag.StringVar(&cfg.ProvisionedMarkerPath, "provisioned-marker-path", services.DefaultProvisionedMarkerPath, "Marker file whose presence/contents override the provisioned signal")

	flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")
	flag.Parse()

	klog.InfoS("Starting redundant-BMC manager", "version", version, "debug", cfg.Debug)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		klog.InfoS("Received signal, shutting down", "signal", sig)
		cancel()
	}()

	position := uint(cfg.PositionOverride)
	if cfg.PositionOverride < 0 {
		p, err := bmc.ReadPosition(ctx)
		if err != nil {
			klog.Fatalf("Failed reading BMC position: %v", err)
		}
		position = p
	}

	digest, err := bmc.FirmwareDigest(cfg.OSReleasePath)
	if err != nil {
		klog.Fatalf("Failed computing firmware digest: %v", err)
	}

	dataPath := ""
	if cfg.DataDir != "" {
		dataPath = filepath.Join(cfg.DataDir, "data.json")
	}
	st := store.New(dataPath)

	client := transport.NewClient(cfg.SiblingURL, cfg.SharedSecret, cfg.PollTimeout)
	// bmcPresent is hardcoded true: this binary targets the dual-BMC chassis
	// topology only.
	sib := sibling.New(client, true)

	host := services.NewHostState(services.FileHostStateSource(cfg.HostStateFile))

	localStateSource := services.StaticState(bmc.StateReady)
	if cfg.LocalStateFile != "" {
		localStateSource = services.FileStateSource(cfg.LocalStateFile)
	}
	localState := services.NewLocalState(localStateSource)

	units := services.NewUnitManager()

	syncer, err := syncctl.NewClient(ctx, cfg.SyncAddr, cfg.SyncPassword)
	if err != nil {
		klog.Fatalf("Failed connecting to data-sync daemon: %v", err)
	}
	defer syncer.Close()

	identity := manager.Identity{Position: position, FirmwareDigest: digest}
	mgr := manager.New(st, sib, host, localState, units, syncer, identity, cfg.ProvisionedMarkerPath)

	server := transport.NewServer(cfg.ListenAddr, cfg.SharedSecret, mgr.Document)
	if err := server.Start(); err != nil {
		klog.Fatalf("Failed starting document server: %v", err)
	}

	go sib.Watch(ctx)
	go host.Watch(ctx, cfg.HostStatePoll)
	go localState.Watch(ctx, cfg.LocalStatePoll)
	go syncer.Watch(ctx, syncHealthPollInterval)

	mgr.Start(ctx)

	<-ctx.Done()

	mgr.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		klog.ErrorS(err, "Failed stopping document server cleanly")
	}

	klog.Info("Shutdown complete")
}
