package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"

	"warden/internal/config"
	"warden/internal/events"
	"warden/internal/eventstore"
	"warden/internal/gateway"
	"warden/internal/heartbeat"
	"warden/internal/providers"
	"warden/internal/restart"
	"warden/internal/runs"
	"warden/internal/scheduler"
	"warden/internal/sessions"
	"warden/internal/supervisor"
	"warden/internal/tasks"
)

// NewGatewayCommand returns the gateway subcommand.
func NewGatewayCommand() *cli.Command {
	return &cli.Command{
		Name:  "gateway",
		Usage: "Run the warden core and its gateway server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
			},
		},
		Action: runGateway,
	}
}

// agentAsker adapts the provider invoker to the scheduler's trigger surface.
type agentAsker struct {
	invoker *providers.Invoker
}

func (a *agentAsker) Ask(ctx context.Context, prompt string) (string, error) {
	resp, err := a.invoker.Complete(ctx, providers.ActionChat, providers.Request{Prompt: prompt})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func runGateway(_ context.Context, cmd *cli.Command) error {
	if cmd.Bool("debug") {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	cfg, err := config.LoadOrDefault(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cmd.IsSet("host") {
		cfg.Gateway.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Gateway.Port = int(cmd.Int("port"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	bus := events.NewBus()

	// Durable event log
	log, err := eventstore.Open(filepath.Join(cfg.StateDir, "events.db"))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer log.Close()
	log.SetRetention(time.Duration(cfg.EventStore.RetentionDays) * 24 * time.Hour)
	detach := log.Attach(bus)
	defer detach()
	log.StartRetentionSweep(
		time.Duration(cfg.EventStore.CleanupIntervalHours)*time.Hour,
		cfg.EventStore.CleanupOnStartup)

	// Providers: registry, health tracking, routing
	registry := providers.NewRegistry(cfg.Providers)
	providers.RegisterDefaultConstructors(registry)

	tracker := providers.NewHealthTracker()
	for _, desc := range registry.Descriptors() {
		tracker.Register(desc)
	}
	defer tracker.Attach(bus)()

	actions := make(map[providers.Action]string, len(cfg.Router.Actions))
	for action, id := range cfg.Router.Actions {
		actions[providers.Action(action)] = id
	}
	router := providers.NewRouter(cfg.Router.Default, actions, tracker)
	invoker := providers.NewInvoker(router, registry, bus)

	// Task store, queue, timeout monitor
	store := tasks.NewFileStore(
		filepath.Join(cfg.StateDir, "tasks"),
		time.Duration(cfg.Tasks.CacheTTLMs)*time.Millisecond)
	queue := tasks.NewQueue(tasks.QueueConfig{
		Store: store,
		Bus:   bus,
		Lanes: map[tasks.Lane]int{
			tasks.LaneMain:        cfg.Lanes.Main.MaxConcurrent,
			tasks.LaneAutonomous:  cfg.Lanes.Autonomous.MaxConcurrent,
			tasks.LaneMaintenance: cfg.Lanes.Maintenance.MaxConcurrent,
		},
		Backoff: tasks.BackoffConfig{
			BaseMs:     cfg.Tasks.RetryBackoffMs,
			Multiplier: cfg.Tasks.RetryBackoffMultiplier,
			CapMs:      cfg.Tasks.RetryBackoffCapMs,
		},
	})
	queue.Start()
	defer queue.Stop()

	monitor := tasks.NewMonitor(tasks.MonitorConfig{
		Store: store,
		OnWarning: func(t *tasks.Task, msUntilTimeout int64) {
			bus.PublishTyped(events.TaskTimeoutWarningPayload{
				TaskID:         t.ID,
				MsUntilTimeout: msUntilTimeout,
			}, events.Meta{SessionKey: t.SessionKey})
		},
		OnTimeout: func(t *tasks.Task, elapsedMs int64) {
			queue.MarkTimedOut(t.ID, elapsedMs, t.TimeoutMs)
		},
	})
	queue.AttachMonitor(monitor)

	// Shared in-memory state
	registryRuns := runs.NewRegistry()
	transcripts := sessions.NewStore(cfg.StateDir, bus)

	// Restart coordinator: consume any pending intent before starting
	coordinator := restart.NewCoordinator(cfg.StateDir)
	interrupted, err := coordinator.Initialize()
	if err != nil {
		return fmt.Errorf("restart intent: %w", err)
	}

	// Supervisor
	sup := supervisor.New(supervisor.Config{
		Bus:           bus,
		Store:         store,
		Queue:         queue,
		Monitor:       monitor,
		Executor:      tasks.NewPhaseExecutor(invoker, bus, tasks.DefaultPhases()),
		Completer:     invoker,
		Transcripts:   transcripts,
		Runs:          registryRuns,
		Recipients:    cfg.Supervisor.Recipients,
		AgentID:       cfg.Supervisor.AgentID,
		Interval:      time.Duration(cfg.Supervisor.IntervalMs) * time.Millisecond,
		StateDir:      cfg.StateDir,
		DutiesFile:    cfg.Supervisor.DutiesFile,
		TaskTimeoutMs: cfg.Tasks.TimeoutMs,
		MaxRetries:    cfg.Tasks.MaxRetries,
	})
	coordinator.OnShutdown(func(reason string) error {
		// Save enough of the interrupted Main-lane task to resume it
		// after the restart, then let the supervisor drain.
		if active, err := store.GetActiveTasks(); err == nil {
			for _, t := range active {
				if t.Lane != tasks.LaneMain || t.Status != tasks.StatusRunning {
					continue
				}
				if err := coordinator.SaveTaskContext(&restart.TaskContext{
					TaskID:      t.ID,
					Description: t.Description,
					SessionKey:  t.SessionKey,
				}); err != nil {
					slog.Error("save task context", "task_id", t.ID, "error", err)
				}
				break
			}
		}
		sup.Stop()
		return nil
	})

	if cfg.Supervisor.Enabled {
		if err := sup.Start(ctx); err != nil {
			return fmt.Errorf("start supervisor: %w", err)
		}
		defer sup.Stop()
	} else {
		monitor.Start()
		defer monitor.Stop()
	}

	// Resume a task interrupted by the previous restart.
	if interrupted != nil && interrupted.Description != "" {
		if id, err := sup.AssignTask(interrupted.Description, 0); err != nil {
			slog.Error("resume interrupted task", "error", err)
		} else {
			slog.Info("resumed interrupted task", "task_id", id, "previous", interrupted.TaskID)
		}
	}

	// Scheduler
	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.New(scheduler.Config{
			Store:      scheduler.NewJobStore(filepath.Join(cfg.StateDir, "jobs.json")),
			Bus:        bus,
			Agent:      &agentAsker{invoker: invoker},
			TaskStore:  store,
			Queue:      queue,
			JobTimeout: time.Duration(cfg.Scheduler.JobTimeoutMs) * time.Millisecond,
			MaxRetries: cfg.Scheduler.MaxRetries,
		})
		if err := sched.Start(); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer sched.Stop()
	}

	// Heartbeat for the status command and the supervising parent
	hb := heartbeat.NewWriter(filepath.Join(cfg.StateDir, "heartbeat.json"), 0)
	hb.Start()
	defer hb.Stop()

	// Gateway server
	core := gateway.NewCore(store, queue, sched, tracker, registryRuns, sup.AssignTask)
	core.Restart = func(reason, message string) error {
		return coordinator.RequestRestart(restart.Request{Reason: reason, Message: message})
	}
	core.AbortRestart = coordinator.CancelRestart
	server := gateway.NewServer(bus, log, core, cfg.Gateway.Host, cfg.Gateway.Port)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
