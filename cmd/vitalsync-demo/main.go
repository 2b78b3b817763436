// Command vitalsync-demo wires the sync engine against a remote document
// store and walks through the offline-first flow: optimistic writes, manual
// offline mode, and queue drain on reconnect.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/vitalsync/vitalsync"
	"github.com/vitalsync/vitalsync/logging"
	"github.com/vitalsync/vitalsync/network"
	"github.com/vitalsync/vitalsync/remote/httpremote"
	"github.com/vitalsync/vitalsync/storage/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vitalsync-demo: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Local overrides for development; a missing .env file is fine.
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to a YAML or JSON config file")
	flag.Parse()

	config := vitalsync.DefaultConfig()
	if *configPath != "" {
		loaded, err := vitalsync.LoadConfig(*configPath)
		if err != nil {
			return err
		}
		config = loaded
	}
	applyEnvOverrides(config)

	if config.Remote.BaseURL == "" {
		return fmt.Errorf("remote base URL is required (set remote.base_url or VITALSYNC_REMOTE_URL)")
	}
	if config.Network.ProbeURL == "" {
		config.Network.ProbeURL = config.Remote.BaseURL
	}

	logging.Init(config.Logging)
	logger := logging.Default()

	store, err := sqlite.NewWithDataSource(config.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}

	remoteOpts := []httpremote.Option{httpremote.WithTimeout(config.Remote.Timeout())}
	if config.Remote.AuthToken != "" {
		remoteOpts = append(remoteOpts, httpremote.WithAuthToken(config.Remote.AuthToken))
	}
	remote, err := httpremote.NewClient(config.Remote.BaseURL, remoteOpts...)
	if err != nil {
		store.Close()
		return fmt.Errorf("failed to create remote client: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prober := network.NewHTTPProber(config.Network.ProbeURL, config.Network.ProbeTimeout())
	monitor := network.NewPollingMonitor(prober, config.Network.ProbeInterval())

	offline, err := vitalsync.NewOfflineState(ctx, store, monitor, logger.Logger)
	if err != nil {
		store.Close()
		remote.Close()
		return fmt.Errorf("failed to initialize offline state: %w", err)
	}
	monitor.Subscribe(offline.SetNetworkAvailable)

	queue := vitalsync.NewQueue(store, logger.Logger)
	coordinator := vitalsync.NewCoordinator(store, queue, remote, offline, &vitalsync.CoordinatorOptions{
		Logger:           logger.Logger,
		RemoteTimeout:    config.Remote.Timeout(),
		DrainOnReconnect: true,
	})
	defer coordinator.Close()

	coordinator.Subscribe(func(result *vitalsync.DrainResult) {
		logger.Info("queue drained",
			"applied", result.Applied,
			"remaining", result.Remaining)
	})

	if err := monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start network monitor: %w", err)
	}
	defer monitor.Stop()

	if err := demo(ctx, coordinator); err != nil {
		return err
	}

	logger.Info("engine running, press Ctrl+C to exit", "status", coordinator.Status())
	<-ctx.Done()
	return nil
}

// demo exercises the engine's write and read paths once.
func demo(ctx context.Context, coordinator *vitalsync.Coordinator) error {
	logger := logging.WithComponent(logging.Component("demo"))

	ent, err := coordinator.AddEntity(ctx, "supplements", map[string]any{
		"name": "Vitamin C",
		"dose": 500,
		"unit": "mg",
	})
	if err != nil {
		return fmt.Errorf("add failed: %w", err)
	}
	logger.Info("added supplement", "id", ent.ID)

	if err := coordinator.UpdateEntity(ctx, "supplements", ent.ID, map[string]any{
		"dose": 1000,
	}); err != nil {
		return fmt.Errorf("update failed: %w", err)
	}

	entities, err := coordinator.GetEntities(ctx, "supplements")
	if err != nil {
		return fmt.Errorf("read failed: %w", err)
	}
	for _, e := range entities {
		logger.Info("supplement", "id", e.ID, "fields", e.Fields)
	}

	return nil
}

// applyEnvOverrides lets environment variables win over file configuration.
func applyEnvOverrides(config *vitalsync.Config) {
	if v := os.Getenv("VITALSYNC_REMOTE_URL"); v != "" {
		config.Remote.BaseURL = v
	}
	if v := os.Getenv("VITALSYNC_AUTH_TOKEN"); v != "" {
		config.Remote.AuthToken = v
	}
	if v := os.Getenv("VITALSYNC_DB_PATH"); v != "" {
		config.Database.Path = v
	}
	if v := os.Getenv("VITALSYNC_PROBE_URL"); v != "" {
		config.Network.ProbeURL = v
	}
	if v := os.Getenv("VITALSYNC_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
}
