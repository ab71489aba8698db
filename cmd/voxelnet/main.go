// voxelnet is a multiplayer voxel session server.
//
// It accepts player connections over TCP, relays chat, answers online
// queries, applies world edits and authenticates logins, all on a single
// reactor goroutine. Around it run a LAN discovery responder, an admin REST
// API, MQTT telemetry, periodic autosave and an operator console.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/voxelnet-project/voxelnet/internal/api"
	"github.com/voxelnet-project/voxelnet/internal/cli"
	"github.com/voxelnet-project/voxelnet/internal/config"
	"github.com/voxelnet-project/voxelnet/internal/db"
	"github.com/voxelnet-project/voxelnet/internal/events"
	"github.com/voxelnet-project/voxelnet/internal/metrics"
	"github.com/voxelnet-project/voxelnet/internal/network"
	"github.com/voxelnet-project/voxelnet/internal/protocol"
	"github.com/voxelnet-project/voxelnet/internal/scheduler"
	"github.com/voxelnet-project/voxelnet/internal/session"
	"github.com/voxelnet-project/voxelnet/internal/telemetry"
	"github.com/voxelnet-project/voxelnet/internal/util"
	"github.com/voxelnet-project/voxelnet/internal/world"
)

const (
	AppName = "voxelnet"
	Banner  = `
                      _            _
 __   _______  _____ | |_ __   ___| |_
 \ \ / / _ \ \/ / _ \| | '_ \ / _ \ __|
  \ V / (_) >  <  __/| | | | |  __/ |_
   \_/ \___/_/\_\___||_|_| |_|\___|\__|  v%s
`
)

func main() {
	fmt.Printf(Banner, util.Version)
	fmt.Println()

	// console only until the config says where files go
	if err := util.InitLogger(util.LogConfig{App: AppName, Level: "info", Console: true}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", util.Version).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting voxelnet")

	cfg, err := config.Load(config.DefaultConfigDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logCfg := util.LogConfig{
		App:        AppName,
		Level:      cfg.Logging.Level,
		Directory:  cfg.Logging.Directory,
		MaxBackups: cfg.Logging.MaxBackups,
		Console:    cfg.Logging.Console,
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	if cfg.IsFirstRun() && term.IsTerminal(int(os.Stdin.Fd())) {
		log.Info().Msg("first run detected, launching setup wizard")
		if err := config.RunSetupWizard(cfg, os.Stdin, os.Stdout); err != nil {
			log.Fatal().Err(err).Msg("setup wizard failed")
		}
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Str("path", cfg.Path()).Msg("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---------------------------------------------------------------
	// Storage
	// ---------------------------------------------------------------
	database, accounts, w, err := openStorage(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.World.Database).Msg("storage unavailable")
	}

	// ---------------------------------------------------------------
	// Core components
	// ---------------------------------------------------------------
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	eventBus := events.NewEventBus()

	dispatcher := session.NewDispatcher(cfg, w, accounts, eventBus, m)
	reactor := network.NewReactor(cfg.Server, dispatcher, eventBus, m)

	if err := startWithRetry(ctx, "session listener", reactor.Listen, 5); err != nil {
		closeDatabase(database)
		log.Fatal().Err(err).Str("addr", cfg.Server.Addr()).Msg("failed to bind session port")
	}

	var mqttHandler *telemetry.MQTTHandler
	if cfg.MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	sched := scheduler.NewScheduler(cfg.World, eventBus, reactor, w)
	console := cli.NewCLI(cfg, eventBus, reactor, w)

	// the console's quit arrives as a shutdown event
	quitCh := make(chan struct{})
	var quitOnce sync.Once
	eventBus.Subscribe(events.EventShutdown, "main", func(_ context.Context, e events.Event) error {
		if e.Source != "main" {
			quitOnce.Do(func() { close(quitCh) })
		}
		return nil
	})

	// ---------------------------------------------------------------
	// Launch concurrent tasks
	// ---------------------------------------------------------------
	var wg sync.WaitGroup
	errCh := make(chan error, 4)
	reactorDone := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(reactorDone)
		log.Info().Str("addr", reactor.Addr().String()).Msg("starting reactor")
		if err := reactor.Run(ctx); err != nil {
			errCh <- fmt.Errorf("reactor: %w", err)
		}
	}()

	if cfg.Discovery.Enabled {
		responder := network.NewDiscoveryResponder(fmt.Sprintf(":%d", cfg.Discovery.Port), discoveryStatus(cfg, reactor))
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", cfg.Discovery.Port).Msg("starting LAN discovery responder")
			if err := startWithRetry(ctx, "discovery", responder.Start, 5); err != nil {
				log.Warn().Err(err).Msg("discovery responder failed (non-fatal)")
			}
		}()
	}

	if cfg.API.Enabled {
		apiServer := api.NewServer(cfg, reactor, w, eventBus, registry)
		apiServer.SetAccounts(accounts)
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", cfg.API.Port).Msg("starting REST API server")
			if err := startWithRetry(ctx, "API server", apiServer.Start, 5); err != nil {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
		}()
	}

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Start(ctx)
	}()

	// stdin reads are not interruptible, so the console is not waited for
	go console.Start(ctx)

	// ---------------------------------------------------------------
	// Graceful shutdown handling
	// ---------------------------------------------------------------
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-quitCh:
		log.Info().Msg("shutdown requested from console")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
		exitCode = 1
	}

	log.Info().Msg("initiating graceful shutdown...")

	if err := eventBus.EmitSync(context.Background(), events.Event{Type: events.EventShutdown, Source: "main"}); err != nil {
		log.Warn().Err(err).Msg("shutdown handler failed")
	}
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	// the world is only safe to touch once the reactor has let go of it
	select {
	case <-reactorDone:
		saveCtx, saveCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := w.Save(saveCtx); err != nil {
			log.Error().Err(err).Msg("failed to save world on shutdown")
			exitCode = 1
		} else {
			log.Info().Int("blocks", w.Count()).Msg("world saved")
		}
		saveCancel()
	default:
		log.Error().Msg("reactor still running, world not saved")
		exitCode = 1
	}

	eventBus.Stop()

	closeDatabase(database)

	log.Info().Msg("voxelnet stopped")
	os.Exit(exitCode)
}

// openStorage opens the database, seeds the configured accounts and loads the
// world. When a later step fails the database is closed again.
func openStorage(ctx context.Context, cfg *config.Config) (*db.Database, *db.AccountStore, *world.World, error) {
	database, err := db.NewDatabase(cfg.World.Database)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	accounts := db.NewAccountStore(database)
	seed := make(map[string]string, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		seed[a.Name] = a.Password
	}
	if err := accounts.Seed(ctx, seed); err != nil {
		closeDatabase(database)
		return nil, nil, nil, fmt.Errorf("failed to seed accounts: %w", err)
	}

	w := world.New(db.NewChunkStore(database))
	if err := w.Load(ctx); err != nil {
		closeDatabase(database)
		return nil, nil, nil, fmt.Errorf("failed to load world: %w", err)
	}
	return database, accounts, w, nil
}

// closeDatabase releases the database. Tests replace it to observe the call.
var closeDatabase = func(database *db.Database) {
	if err := database.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close database")
	}
}

func discoveryStatus(cfg *config.Config, reactor *network.Reactor) network.StatusFunc {
	port := uint16(cfg.Server.Port)
	if tcp, ok := reactor.Addr().(*net.TCPAddr); ok {
		port = uint16(tcp.Port)
	}

	return func(ctx context.Context) (protocol.ServerInfo, error) {
		ctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()

		info := protocol.ServerInfo{
			Port:     port,
			Hostname: cfg.Server.Hostname,
			MOTD:     cfg.MOTD(),
		}
		err := reactor.Call(ctx, func(h network.Hub) {
			st := h.Stats()
			info.Online = uint16(st.Peers)
			info.Capacity = uint16(st.Capacity)
		})
		return info, err
	}
}

// startWithRetry attempts to start a listener/server with retry on bind errors.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil || errors.Is(lastErr, context.Canceled) {
			return lastErr
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
