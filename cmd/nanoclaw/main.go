// Command nanoclaw is the host daemon: it bridges chat channels to per-group
// sandboxed agents, schedules tasks and serves the agents' file-based IPC.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/qwibitai/nanoclaw-sub014/internal/agent"
	"github.com/qwibitai/nanoclaw-sub014/internal/authz"
	"github.com/qwibitai/nanoclaw-sub014/internal/bus"
	"github.com/qwibitai/nanoclaw-sub014/internal/channels"
	"github.com/qwibitai/nanoclaw-sub014/internal/config"
	"github.com/qwibitai/nanoclaw-sub014/internal/hostops"
	"github.com/qwibitai/nanoclaw-sub014/internal/ipc"
	otelPkg "github.com/qwibitai/nanoclaw-sub014/internal/otel"
	"github.com/qwibitai/nanoclaw-sub014/internal/persistence"
	"github.com/qwibitai/nanoclaw-sub014/internal/queue"
	"github.com/qwibitai/nanoclaw-sub014/internal/recovery"
	"github.com/qwibitai/nanoclaw-sub014/internal/schedule"
	"github.com/qwibitai/nanoclaw-sub014/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the daemon

SUBCOMMANDS:
  %s status [--watch]         Show daemon state; --watch opens a live dashboard
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  NANOCLAW_HOME               Data directory (default: ~/.nanoclaw)
  NANOCLAW_TELEGRAM_TOKEN     Telegram bot token
  NANOCLAW_AGENT_API_KEY      LLM API key for the genkit backend
`)
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	os.Exit(runDaemon(ctx, stop))
}

func runDaemon(ctx context.Context, stop context.CancelFunc) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.DataDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
		SampleRate:  cfg.OTel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(filepath.Join(cfg.DataDir, "nanoclaw.db"), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	if err := store.IntegrityCheck(ctx); err != nil {
		fatalStartup(logger, "E_STORE_INTEGRITY", err)
	}
	logger.Info("startup phase", "phase", "schema_migrated")

	groupsRoot := filepath.Join(cfg.DataDir, "groups")
	if err := os.MkdirAll(groupsRoot, 0o755); err != nil {
		fatalStartup(logger, "E_WORKSPACE_CREATE", err)
	}
	var extraMounts []authz.Mount
	for _, m := range cfg.Mounts {
		extraMounts = append(extraMounts, authz.Mount{
			Folder: m.Folder, Logical: m.Logical, HostPath: m.HostPath, ReadOnly: m.ReadOnly,
		})
	}
	resolver := authz.NewResolver(groupsRoot, cfg.Router.MainFolder, extraMounts)

	backend, err := buildBackend(cfg, logger)
	if err != nil {
		fatalStartup(logger, "E_BACKEND_BUILD", err)
	}
	if err := backend.Init(ctx); err != nil {
		// The daemon still starts; the supervisor keeps probing and
		// reinitializes once the backend comes back.
		logger.Error("backend init failed, will keep probing", "error", err)
	}
	defer backend.Shutdown(context.Background())

	router := channels.NewRouter(channels.RouterConfig{
		TriggerWord: cfg.Router.TriggerWord,
		MainFolder:  cfg.Router.MainFolder,
	}, store, eventBus, logger)

	if cfg.Channels.Telegram.Enabled {
		token := cfg.TelegramToken()
		if token == "" {
			fatalStartup(logger, "E_TELEGRAM_TOKEN", fmt.Errorf("telegram enabled but no token configured"))
		}
		if err := router.Register(channels.NewTelegramChannel(token, cfg.Channels.Telegram.AllowedIDs, router, logger)); err != nil {
			fatalStartup(logger, "E_CHANNEL_REGISTER", err)
		}
	}
	if cfg.Channels.WebSocket.Enabled {
		if err := router.Register(channels.NewWebSocketChannel(cfg.Channels.WebSocket.BindAddr, router, logger)); err != nil {
			fatalStartup(logger, "E_CHANNEL_REGISTER", err)
		}
	}

	secrets := map[string]string{}
	if key := cfg.AgentAPIKey(); key != "" {
		secrets["agent_api_key"] = key
	}
	runner := agent.NewRunner(store, backend, router, resolver, eventBus, agent.RunnerConfig{
		Timeout:             cfg.AgentTimeout(),
		Location:            cfg.Location(),
		HeartbeatOKMaxExtra: cfg.Scheduler.HeartbeatOKMaxExtra,
		Secrets:             secrets,
	}, logger)

	dispatcher := queue.NewDispatcher(queue.Config{
		Concurrency: cfg.Dispatch.Concurrency,
		Depth:       cfg.Dispatch.QueueDepth,
		RetryBase:   cfg.RetryBase(),
		RetryCap:    cfg.RetryCap(),
		MaxRetries:  cfg.Dispatch.MaxRetries,
	}, runner, store, eventBus, metrics, nil, logger)
	dispatcher.Start(ctx)
	router.SetDispatcher(dispatcher)
	dispatcher.SetSender(router)

	restart := make(chan struct{}, 1)
	ops := hostops.NewSystemOps(cfg.DataDir, Version, func() {
		select {
		case restart <- struct{}{}:
		default:
		}
		stop()
	}, logger)

	heartbeat := schedule.NewHeartbeat(store, dispatcher, resolver, eventBus, nil, schedule.HeartbeatConfig{
		CronExpr: cfg.Scheduler.HeartbeatCron,
		Location: cfg.Location(),
	}, logger)

	ipcRoot := filepath.Join(cfg.DataDir, "ipc")
	prov := &groupProvisioner{resolver: resolver, ipcRoot: ipcRoot, heartbeat: heartbeat}
	if err := prov.provisionAll(ctx, store, logger); err != nil {
		fatalStartup(logger, "E_GROUP_PROVISION", err)
	}

	ipcHandler := ipc.NewHandler(store, router, ops, prov, resolver, eventBus, nil, ipc.HandlerConfig{
		MainFolder:   cfg.Router.MainFolder,
		DedupeWindow: time.Duration(cfg.IPC.DedupeSeconds) * time.Second,
		Location:     cfg.Location(),
	}, logger)
	watcher, err := ipc.NewWatcher(ipc.WatcherConfig{
		Root:         ipcRoot,
		PollInterval: cfg.PollInterval(),
		MaxFileSize:  cfg.IPC.MaxFileSize,
	}, ipcHandler, eventBus, metrics, logger)
	if err != nil {
		fatalStartup(logger, "E_IPC_WATCHER", err)
	}
	if err := watcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_IPC_WATCHER", err)
	}

	scheduler := schedule.NewScheduler(schedule.Config{
		Store:      store,
		Dispatcher: dispatcher,
		Heartbeat:  heartbeat,
		EventBus:   eventBus,
		Metrics:    metrics,
		Logger:     logger,
		Interval:   cfg.TickInterval(),
		Location:   cfg.Location(),
	})
	if err := heartbeat.EnsureTasks(ctx); err != nil {
		logger.Warn("heartbeat task sweep failed", "error", err)
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	supervisor := recovery.NewSupervisor(backend, nil, recovery.SupervisorConfig{}, logger)
	supervisor.Start(ctx)
	defer supervisor.Stop()

	router.Start(ctx)

	if err := recovery.Replay(ctx, store, dispatcher, logger); err != nil {
		logger.Warn("startup replay failed", "error", err)
	}

	logger.Info("nanoclaw running", "version", Version, "data_dir", cfg.DataDir)
	<-ctx.Done()

	logger.Info("shutting down")
	dispatcher.Drain(30 * time.Second)
	for _, ch := range router.Channels() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = ch.Stop(shutCtx)
		cancel()
	}

	select {
	case <-restart:
		logger.Info("exiting for restart")
		return hostops.ExitCodeRestart
	default:
	}
	return 0
}

// buildBackend selects the agent backend from config.
func buildBackend(cfg config.Config, logger *slog.Logger) (agent.Backend, error) {
	switch cfg.Agent.Backend {
	case "genkit":
		return agent.NewGenkitBackend(agent.GenkitConfig{
			Provider: cfg.Agent.Provider,
			Model:    cfg.Agent.Model,
			APIKey:   cfg.AgentAPIKey(),
		}, logger), nil
	default:
		return agent.NewContainerBackend(agent.ContainerConfig{
			Image:       cfg.Agent.Image,
			MemoryMB:    cfg.Agent.MemoryMB,
			NetworkMode: cfg.Agent.Network,
		}, logger)
	}
}

// groupProvisioner creates host-side state for registered groups: workspace
// directory, IPC tree, heartbeat task.
type groupProvisioner struct {
	resolver  *authz.Resolver
	ipcRoot   string
	heartbeat *schedule.Heartbeat
}

func (p *groupProvisioner) ProvisionGroup(ctx context.Context, folder string) error {
	if err := os.MkdirAll(p.resolver.WorkspaceDir(folder), 0o755); err != nil {
		return fmt.Errorf("workspace for %s: %w", folder, err)
	}
	if err := ipc.EnsureTree(p.ipcRoot, folder); err != nil {
		return err
	}
	return p.heartbeat.EnsureTask(ctx, folder)
}

func (p *groupProvisioner) provisionAll(ctx context.Context, store *persistence.Store, logger *slog.Logger) error {
	groups, err := store.ListGroups(ctx)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if err := p.ProvisionGroup(ctx, g.Folder); err != nil {
			logger.Warn("group provisioning failed", "folder", g.Folder, "error", err)
		}
	}
	return nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"host","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
