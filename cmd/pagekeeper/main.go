package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"pagekeeper/internal/api"
	"pagekeeper/internal/cluster"
	"pagekeeper/internal/eviction"
	"pagekeeper/internal/logging"
	"pagekeeper/internal/network/resp"
	"pagekeeper/internal/persistence"
	"pagekeeper/internal/storage"
	"pagekeeper/pkg/config"
)

var (
	configPath = flag.String("config", "configs/pagekeeper.yaml", "Path to configuration file")
	nodeID     = flag.String("node-id", "", "Unique node identifier")
	apiPort    = flag.Int("port", 0, "Admin API port (overrides configuration)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Early error before logging is initialized
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *nodeID != "" {
		cfg.Node.ID = *nodeID
		// Use node-specific data directories
		cfg.Node.DataDir = filepath.Join(cfg.Node.DataDir, *nodeID)
		cfg.Storage.PagesDir = filepath.Join(cfg.Node.DataDir, "pages")
		cfg.UsageIndex.Dir = filepath.Join(cfg.Node.DataDir, "usage")
	}
	if *apiPort != 0 {
		cfg.API.Port = *apiPort
	}

	logger, err := logging.InitializeFromConfig(cfg.Node.ID, logging.LogConfig{
		Level:         cfg.Logging.Level,
		EnableConsole: cfg.Logging.EnableConsole,
		EnableFile:    cfg.Logging.EnableFile,
		LogFile:       cfg.Logging.LogFile,
		BufferSize:    cfg.Logging.BufferSize,
		LogDir:        cfg.Logging.LogDir,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	ctx := logging.WithCorrelationID(context.Background(), logging.NewCorrelationID())
	logging.Info(ctx, logging.ComponentMain, logging.ActionStart, "pagekeeper node starting", logging.Fields{
		"node_id":     cfg.Node.ID,
		"config_file": *configPath,
		"data_dir":    cfg.Node.DataDir,
		"policy":      cfg.Eviction.Policy,
	})

	if err := run(ctx, cfg); err != nil {
		logging.Fatal(ctx, logging.ComponentMain, logging.ActionStart, "pagekeeper node failed", err)
		logger.Close()
		os.Exit(1)
	}
	logging.Info(ctx, logging.ComponentMain, logging.ActionStop, "pagekeeper shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	maxDisk, err := config.ParseSize(cfg.Storage.MaxDisk)
	if err != nil {
		return fmt.Errorf("storage.max_disk: %w", err)
	}
	budget := storage.NewDiskBudget(cfg.Node.ID, maxDisk)
	if err := budget.SetPressureThresholds(cfg.Eviction.WarningThreshold, cfg.Eviction.CriticalThreshold, cfg.Eviction.PanicThreshold); err != nil {
		return err
	}

	pages, err := storage.NewDiskStorage(storage.DiskStorageConfig{
		Root:                cfg.Storage.PagesDir,
		MetadataCacheSize:   cfg.Storage.MetadataCacheSize,
		FilterExpectedPages: cfg.Storage.FilterExpectedPages,
	}, budget)
	if err != nil {
		return err
	}
	if err := pages.Open(ctx); err != nil {
		return fmt.Errorf("failed to open page storage: %w", err)
	}

	index := persistence.NewUsageStore(persistence.UsageStoreConfig{
		Dir:                 cfg.UsageIndex.Dir,
		NodeID:              cfg.Node.ID,
		SyncPolicy:          cfg.UsageIndex.SyncPolicy,
		CompactAfter:        cfg.UsageIndex.CompactAfter,
		SnapshotCompression: cfg.UsageIndex.SnapshotCompression,
		RetainSnapshots:     cfg.UsageIndex.RetainSnapshots,
	})

	policy, err := eviction.NewPolicy(cfg.Eviction.Policy, eviction.PolicyOptions{AgeThreshold: cfg.Eviction.AgeThreshold})
	if err != nil {
		return err
	}
	manager := eviction.NewManager(index, eviction.ManagerConfig{
		Opportunistic: cfg.Eviction.Opportunistic,
		Policy:        policy,
	})
	manager.SetDelegate(pages)
	pages.SetOpenChecker(manager.IsOpen)
	cleanup := eviction.NewDiskCleanupManager(manager, policy)

	if err := cleanup.Init(ctx); err != nil {
		cleanup.Close()
		return fmt.Errorf("failed to initialize eviction: %w", err)
	}

	apiConfig := api.Config{
		NodeID:  cfg.Node.ID,
		Cleanup: cleanup,
		Pages:   pages,
		Index:   index,
	}

	var membership *cluster.GossipMembership
	if cfg.Cluster.Enabled {
		membership, err = startCluster(ctx, cfg, manager)
		if err != nil {
			cleanup.Close()
			return err
		}
		apiConfig.Membership = membership

		broadcaster := cluster.NewEvictionBroadcaster(cfg.Node.ID, membership)
		membership.SetUserEventHandler(broadcaster.HandleUserEvent)
		manager.AddObserver(broadcaster)
		apiConfig.Notices = broadcaster
	}

	var workers sync.WaitGroup
	sweeps := newSweepScheduler(cleanup, budget)
	if membership != nil {
		sweeps.onLevel = func(level storage.PressureLevel) { advertisePressure(ctx, membership, level) }
	}
	budget.SetPressureHandlers(
		func(p float64) {
			logging.Warn(ctx, logging.ComponentCleanup, logging.ActionPressure, "Disk usage high", logging.Fields{"usage": p})
			if membership != nil {
				advertisePressure(ctx, membership, storage.PressureWarning)
			}
		},
		func(p float64) { sweeps.trigger(ctx, "critical_pressure") },
		func(p float64) { sweeps.trigger(ctx, "panic_pressure") },
	)

	workers.Add(1)
	go func() {
		defer workers.Done()
		sweeps.runPeriodic(ctx, cfg.Eviction.CleanupInterval)
	}()

	var sessions *resp.Server
	if cfg.Sessions.Enabled {
		sc := resp.DefaultServerConfig()
		sc.MaxConnections = cfg.Sessions.MaxConnections
		sc.IdleTimeout = cfg.Sessions.IdleTimeout
		sc.CommandTimeout = cfg.Sessions.CommandTimeout
		sessions = resp.NewServer(fmt.Sprintf("%s:%d", cfg.Sessions.BindAddr, cfg.Sessions.Port), cleanup, pages, sc)
		if err := sessions.Start(); err != nil {
			cancel()
			workers.Wait()
			sweeps.wait()
			shutdown(cfg, cleanup, membership)
			return err
		}
	}

	server := api.NewServer(apiConfig)
	addr := fmt.Sprintf("%s:%d", cfg.API.BindAddr, cfg.API.Port)
	serverErr := make(chan error, 1)
	workers.Add(1)
	go func() {
		defer workers.Done()
		serverErr <- server.ListenAndServe(ctx, addr)
	}()

	// Wait for interrupt signal for graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case s := <-sig:
		logging.Info(ctx, logging.ComponentMain, logging.ActionStop, "Shutdown signal received", logging.Fields{"signal": s.String()})
	case runErr = <-serverErr:
	}

	// Disconnecting session clients releases their pages before the manager closes.
	if sessions != nil {
		if err := sessions.Stop(); err != nil {
			logging.Error(ctx, logging.ComponentAPI, logging.ActionStop, "Failed to stop session server", err)
		}
	}
	cancel()
	workers.Wait()
	sweeps.wait()

	shutdown(cfg, cleanup, membership)
	return runErr
}

// startCluster joins the gossip cluster. A node that cannot reach any seed keeps
// running alone.
func startCluster(ctx context.Context, cfg *config.Config, manager *eviction.Manager) (*cluster.GossipMembership, error) {
	cc := cluster.DefaultClusterConfig()
	cc.NodeID = cfg.Node.ID
	if cfg.Cluster.Name != "" {
		cc.ClusterName = cfg.Cluster.Name
	}
	cc.BindAddress = cfg.Cluster.BindAddr
	cc.BindPort = cfg.Cluster.BindPort
	cc.AdvertiseAddress = cfg.Cluster.AdvertiseAddr
	cc.SeedNodes = cfg.Cluster.Seeds
	cc.Tags = map[string]string{
		cluster.TagAPI:          fmt.Sprintf("%s:%d", advertiseHost(cfg), cfg.API.Port),
		cluster.TagDiskPressure: storage.PressureNone.String(),
	}
	if cfg.Sessions.Enabled {
		cc.Tags[cluster.TagSessions] = fmt.Sprintf("%s:%d", advertiseHost(cfg), cfg.Sessions.Port)
	}

	gm, err := cluster.NewGossipMembership(cc)
	if err != nil {
		return nil, err
	}
	if err := gm.Start(ctx); err != nil {
		return nil, err
	}
	if err := gm.Join(ctx, cc.SeedNodes); err != nil {
		logging.Warn(ctx, logging.ComponentCluster, logging.ActionJoin, "Running without peers", logging.Fields{
			"error": err.Error(),
		})
	}

	events := gm.Subscribe()
	go func() {
		for ev := range events {
			logging.Debug(ctx, logging.ComponentCluster, logging.ActionDiscover, "Membership event", logging.Fields{
				"member":     ev.Member.NodeID,
				"type":       string(ev.Type),
				"open_pages": manager.Tracker().OpenPages(),
			})
		}
	}()
	return gm, nil
}

// advertiseHost is the host peers should use for this node's listeners.
func advertiseHost(cfg *config.Config) string {
	if cfg.Cluster.AdvertiseAddr != "" {
		return cfg.Cluster.AdvertiseAddr
	}
	return cfg.API.BindAddr
}

func advertisePressure(ctx context.Context, membership *cluster.GossipMembership, level storage.PressureLevel) {
	if err := membership.SetTag(cluster.TagDiskPressure, level.String()); err != nil {
		logging.Warn(ctx, logging.ComponentCluster, logging.ActionPressure, "Failed to gossip disk pressure", logging.Fields{
			"level": level.String(),
			"error": err.Error(),
		})
	}
}

// shutdown waits for in-flight evictions and usage index writes before closing.
func shutdown(cfg *config.Config, cleanup *eviction.DiskCleanupManager, membership *cluster.GossipMembership) {
	ctx := logging.WithCorrelationID(context.Background(), logging.NewCorrelationID())
	defer logging.StartTimer(ctx, logging.ComponentMain, logging.ActionStop, "Shutdown finished")()

	idle := make(chan struct{})
	var once sync.Once
	cleanup.SetOnDiscardable(func() { once.Do(func() { close(idle) }) })
	if cleanup.IsDiscardable() {
		once.Do(func() { close(idle) })
	}
	select {
	case <-idle:
	case <-time.After(10 * time.Second):
		logging.Warn(ctx, logging.ComponentMain, logging.ActionStop, "Pending eviction operations did not finish, interrupting them")
	}

	if err := cleanup.Close(); err != nil {
		logging.Error(ctx, logging.ComponentMain, logging.ActionStop, "Failed to close eviction manager", err)
	}
	if membership != nil {
		if err := membership.Stop(ctx); err != nil {
			logging.Error(ctx, logging.ComponentCluster, logging.ActionStop, "Failed to leave cluster", err)
		}
	}
	logging.Info(ctx, logging.ComponentMain, logging.ActionStop, "Node stopped", logging.Fields{"node_id": cfg.Node.ID})
}
