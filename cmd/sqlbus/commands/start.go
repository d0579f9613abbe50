package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/sqlbus/sqlbus/internal/logger"
	"github.com/sqlbus/sqlbus/internal/telemetry"
	"github.com/sqlbus/sqlbus/pkg/api"
	"github.com/sqlbus/sqlbus/pkg/config"
	"github.com/sqlbus/sqlbus/pkg/dispatch"
	"github.com/sqlbus/sqlbus/pkg/fanout"
	"github.com/sqlbus/sqlbus/pkg/join"
	"github.com/sqlbus/sqlbus/pkg/metrics"
	"github.com/sqlbus/sqlbus/pkg/outbox"
	"github.com/sqlbus/sqlbus/pkg/scheduler"
	"github.com/sqlbus/sqlbus/pkg/schema"
	"github.com/sqlbus/sqlbus/pkg/semaphore"
	"github.com/sqlbus/sqlbus/pkg/store"
	"github.com/sqlbus/sqlbus/pkg/store/memory"
	"github.com/spf13/cobra"
)

var (
	foreground bool
	devMode    bool
	pidFile    string
	logFile    string
)

// superviseInterval is how often the per-store service supervisor
// reconciles against the provider's store set.
const superviseInterval = 30 * time.Second

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the SQLBus server",
	Long: `Start the SQLBus server with the specified configuration.

The server opens every configured application store and runs the message
dispatch loop, the scheduler, the fanout expander, the retention cleaner
and the semaphore reaper against each of them, plus the admin HTTP API.
Multiple server processes may run against the same stores; per-store
leases split the work between them.

By default, the server runs in the background (daemon mode). Use --foreground
to run in the foreground for debugging or when managed by a process supervisor.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/sqlbus/config.yaml.

Examples:
  # Start in background (default)
  sqlbus start

  # Start in foreground
  sqlbus start --foreground

  # Start with custom config file
  sqlbus start --config /etc/sqlbus/config.yaml

  # Start with environment variable overrides
  SQLBUS_LOGGING_LEVEL=DEBUG sqlbus start --foreground

  # Start with a single in-memory store (no database needed)
  sqlbus start --dev`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "Run in foreground (default: background/daemon mode)")
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Run in foreground against a single in-memory store (data is lost on exit)")
	startCmd.Flags().StringVar(&pidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/sqlbus/sqlbus.pid)")
	startCmd.Flags().StringVar(&logFile, "log-file", "", "Path to log file for daemon mode (default: $XDG_STATE_HOME/sqlbus/sqlbus.log)")
}

func runStart(cmd *cobra.Command, args []string) error {
	// Handle daemon mode (background). Dev mode never daemonizes.
	if !foreground && !devMode {
		return startDaemon()
	}

	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	// Initialize the structured logger
	if err := InitLogger(cfg); err != nil {
		return err
	}

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry (if enabled)
	telemetryCfg := telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "sqlbus",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	}
	telemetryShutdown, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(ctx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	// Initialize metrics (if enabled)
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
	}

	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))
	if telemetry.IsEnabled() {
		logger.Info("Telemetry enabled", "endpoint", cfg.Telemetry.Endpoint, "sample_rate", cfg.Telemetry.SampleRate)
	} else {
		logger.Info("Telemetry disabled")
	}
	if metrics.IsEnabled() {
		logger.Info("Metrics enabled", "endpoint", "/metrics")
	} else {
		logger.Info("Metrics collection disabled")
	}

	// Open the application stores. With schema deployment enabled this
	// also migrates each store, so the ready latch closes right after.
	var provider dispatch.Provider
	if devMode {
		devProvider, err := dispatch.NewStaticProvider(memory.New("dev"))
		if err != nil {
			return err
		}
		provider = devProvider
		logger.Warn("Running with an in-memory store; all data is lost on exit")
	} else {
		built, closeStores, err := config.BuildProvider(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to open stores: %w", err)
		}
		defer closeStores()
		provider = built
	}

	schemaMgr := schema.NewManager()
	schemaMgr.MarkReady()
	logger.Info("Stores ready", "count", len(provider.StoreIDs()),
		"schema_deployment", cfg.IsSchemaDeploymentEnabled())

	// Write PID file if specified
	if pidFile != "" {
		if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0o644); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = os.Remove(pidFile) }()
	}

	// The server's outbox registry carries the built-in topics. Stores
	// are dispatched in rotation, so the join handler resolves its store
	// from the handler context.
	registry := outbox.NewRegistry()
	if err := registry.Register(join.WaitTopic, joinWaitHandler(provider)); err != nil {
		return err
	}

	msd, err := dispatch.NewMultiStoreDispatcher(provider, registry, dispatch.MultiStoreConfig{
		Strategy:        cfg.Dispatcher.SelectionStrategy(),
		BatchSize:       cfg.Dispatcher.BatchSize,
		LeaseSeconds:    cfg.Dispatcher.LeaseSeconds,
		RetryCeiling:    cfg.Dispatcher.RetryCeiling,
		PollMinInterval: cfg.Dispatcher.PollMinInterval,
		PollMaxInterval: cfg.Dispatcher.PollMaxInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to build dispatcher: %w", err)
	}

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- msd.Run(ctx)
	}()

	// Per-store background services follow the provider's store set, so
	// discovery-registered stores pick them up without a restart.
	if cfg.Scheduler.SchedulerEnabled() {
		go superviseStores(ctx, provider, runStoreScheduler(cfg))
	} else {
		logger.Info("Scheduler disabled on this node")
	}
	go superviseStores(ctx, provider, runStoreFanout(cfg, provider))
	go superviseStores(ctx, provider, runStoreCleaner(cfg))
	go superviseStores(ctx, provider, runStoreReaper(cfg))

	// Admin API server (if enabled)
	apiDone := make(chan error, 1)
	if cfg.API.IsEnabled() {
		apiServer := api.NewServer(cfg.API, provider, schemaMgr)
		go func() {
			apiDone <- apiServer.Start(ctx)
		}()
		logger.Info("API server configured", "port", apiServer.Port())
	}

	// Wait for interrupt signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Server is running. Press Ctrl+C to stop.")

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("Shutdown signal received, initiating graceful shutdown")
		cancel()

		// Wait for the dispatch loop to finish its iteration
		shutdownTimer := time.NewTimer(cfg.ShutdownTimeout)
		defer shutdownTimer.Stop()
		select {
		case err := <-serverDone:
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Dispatcher shutdown error", "error", err)
				return err
			}
		case <-shutdownTimer.C:
			logger.Warn("Shutdown timeout exceeded, abandoning in-flight work")
		}
		logger.Info("Server stopped gracefully")

	case err := <-serverDone:
		signal.Stop(sigChan)
		cancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Dispatcher error", "error", err)
			return err
		}
		logger.Info("Server stopped")

	case err := <-apiDone:
		signal.Stop(sigChan)
		cancel()
		if err != nil {
			logger.Error("API server error", "error", err)
			return err
		}
	}

	return nil
}

// joinWaitHandler serves the join completion-check topic across every
// store the provider knows.
func joinWaitHandler(provider dispatch.Provider) outbox.Handler {
	return func(ctx context.Context, msg *store.OutboxMessage) error {
		id, ok := outbox.ContextStoreID(ctx)
		if !ok {
			return fmt.Errorf("join wait message outside a store dispatch")
		}
		st, ok := provider.StoreByID(id)
		if !ok {
			return fmt.Errorf("store %q no longer registered", id)
		}
		return join.WaitHandler(st.Joins(), outbox.NewWriter(st.Outbox()))(ctx, msg)
	}
}

// superviseStores keeps one copy of run per provider store. Every
// reconcile pass spawns run for stores discovery added and cancels it for
// stores discovery dropped.
func superviseStores(ctx context.Context, provider dispatch.Provider, run func(ctx context.Context, st store.Store)) {
	running := make(map[string]context.CancelFunc)
	ticker := time.NewTicker(superviseInterval)
	defer ticker.Stop()

	for {
		current := make(map[string]struct{})
		for _, id := range provider.StoreIDs() {
			current[id] = struct{}{}
			if _, ok := running[id]; ok {
				continue
			}
			st, ok := provider.StoreByID(id)
			if !ok {
				continue
			}
			sctx, cancel := context.WithCancel(ctx)
			running[id] = cancel
			go run(sctx, st)
		}
		for id, cancel := range running {
			if _, ok := current[id]; !ok {
				cancel()
				delete(running, id)
			}
		}

		select {
		case <-ctx.Done():
			for _, cancel := range running {
				cancel()
			}
			return
		case <-ticker.C:
		}
	}
}

// runStoreScheduler competes for the store's scheduler lease and fires
// due timers and job runs while holding it.
func runStoreScheduler(cfg *config.Config) func(ctx context.Context, st store.Store) {
	return func(ctx context.Context, st store.Store) {
		r, err := scheduler.NewRunner(st, scheduler.RunnerConfig{
			StoreID:      st.ID(),
			BatchSize:    cfg.Scheduler.BatchSize,
			LeaseSeconds: cfg.Scheduler.LeaseSeconds,
		})
		if err != nil {
			logger.Error("Failed to build scheduler runner", logger.KeyStore, st.ID(), logger.Err(err))
			return
		}
		if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Scheduler runner stopped", logger.KeyStore, st.ID(), logger.Err(err))
		}
	}
}

// runStoreFanout expands fanout policies on the store, routing cross-store
// destinations through the provider.
func runStoreFanout(cfg *config.Config, provider dispatch.Provider) func(ctx context.Context, st store.Store) {
	resolve := func(storeID string) (store.Store, bool) {
		return provider.StoreByID(storeID)
	}
	return func(ctx context.Context, st store.Store) {
		d, err := fanout.NewDispatcher(st, resolve, fanout.Config{
			StoreID:   st.ID(),
			BatchSize: cfg.Dispatcher.BatchSize,
		})
		if err != nil {
			logger.Error("Failed to build fanout dispatcher", logger.KeyStore, st.ID(), logger.Err(err))
			return
		}
		if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Fanout dispatcher stopped", logger.KeyStore, st.ID(), logger.Err(err))
		}
	}
}

// runStoreCleaner deletes Done outbox rows past the retention window.
func runStoreCleaner(cfg *config.Config) func(ctx context.Context, st store.Store) {
	return func(ctx context.Context, st store.Store) {
		c := outbox.NewCleaner(st.Outbox(), outbox.CleanerConfig{
			Retention: cfg.Retention.Period,
			Interval:  cfg.Retention.CleanupInterval,
		})
		c.Start(ctx)
		<-ctx.Done()
		c.Stop()
	}
}

// runStoreReaper deletes expired semaphore leases.
func runStoreReaper(cfg *config.Config) func(ctx context.Context, st store.Store) {
	return func(ctx context.Context, st store.Store) {
		r := semaphore.NewReaper(st.Semaphores(), semaphore.ReaperConfig{
			Interval: cfg.Semaphore.ReaperInterval,
		})
		r.Start(ctx)
		<-ctx.Done()
		r.Stop()
	}
}

// getConfigSource returns a description of where the config was loaded from.
func getConfigSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}

// startDaemon starts the server as a background daemon process.
func startDaemon() error {
	stateDir := GetDefaultStateDir()

	// Create state directory if it doesn't exist
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	// Set default PID file if not specified
	pidPath := pidFile
	if pidPath == "" {
		pidPath = GetDefaultPidFile()
	}

	// Check if already running
	if _, err := os.Stat(pidPath); err == nil {
		pidData, err := os.ReadFile(pidPath)
		if err == nil {
			var pid int
			if _, err := fmt.Sscanf(string(pidData), "%d", &pid); err == nil {
				// Check if process is still running
				if process, err := os.FindProcess(pid); err == nil {
					if err := process.Signal(syscall.Signal(0)); err == nil {
						return fmt.Errorf("sqlbus is already running (PID %d)", pid)
					}
				}
			}
		}
		// Stale PID file, remove it
		_ = os.Remove(pidPath)
	}

	// Set default log file if not specified
	logPath := logFile
	if logPath == "" {
		logPath = GetDefaultLogFile()
	}

	// Get the executable path
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	// Build arguments for the daemon process
	daemonArgs := []string{"start", "--foreground", "--pid-file", pidPath}
	if GetConfigFile() != "" {
		daemonArgs = append(daemonArgs, "--config", GetConfigFile())
	}

	// Create the daemon process
	daemon := exec.Command(executable, daemonArgs...)

	// Open log file for stdout/stderr
	logFileHandle, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	daemon.Stdout = logFileHandle
	daemon.Stderr = logFileHandle

	// Detach from parent process
	daemon.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	// Start the daemon
	if err := daemon.Start(); err != nil {
		_ = logFileHandle.Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	_ = logFileHandle.Close()

	fmt.Printf("SQLBus started in background (PID %d)\n", daemon.Process.Pid)
	fmt.Printf("  PID file: %s\n", pidPath)
	fmt.Printf("  Log file: %s\n", logPath)

	return nil
}
