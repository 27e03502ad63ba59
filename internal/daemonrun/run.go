package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"pmwflow/internal/audit"
	"pmwflow/internal/config"
	"pmwflow/internal/daemon"
	"pmwflow/internal/dispatch"
	"pmwflow/internal/events"
	"pmwflow/internal/logging"
	"pmwflow/internal/notifications"
	"pmwflow/internal/pipeline"
	"pmwflow/internal/preflight"
	"pmwflow/internal/retry"
	"pmwflow/internal/stage"
	"pmwflow/internal/store"
	"pmwflow/internal/workflow"
)

const (
	hubCapacity         = 4096
	memoryQueueCapacity = 1024
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Run starts the pmwd runtime loop and blocks until SIGINT or SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	logger, err := logging.ForDaemon(cfg, opts.LogLevel, opts.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	pidPath := filepath.Join(cfg.Paths.StateDir, "pmwd.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	logPreflight(signalCtx, logger, cfg)

	st, err := store.Open(cfg)
	if err != nil {
		logger.Error("open store",
			logging.Error(err),
			logging.EventType("store_open_failed"),
			logging.String(logging.FieldErrorHint, "check database.url and that migrations can be applied"),
		)
		return err
	}

	vault := audit.NewVault(st, logger)
	hub := events.NewHub(hubCapacity)
	publishers := []events.Publisher{hub}

	var queue dispatch.Queue
	if cfg.Redis.URL != "" {
		client, err := dispatch.OpenRedis(signalCtx, cfg.Redis)
		if err != nil {
			st.Close()
			return fmt.Errorf("connect redis: %w", err)
		}
		defer client.Close()
		queue = dispatch.NewRedisQueue(client, cfg.Redis.QueueKey)
		bus := events.NewRedisBus(client, cfg.Redis.EventsChannel, cfg.Redis.PublishBuffer, logger)
		defer bus.Close()
		publishers = append(publishers, bus)
	} else {
		queue = dispatch.NewMemoryQueue(memoryQueueCapacity)
		logger.Info("redis not configured; using in-process dispatch queue",
			logging.EventType("dispatch_memory_queue"),
		)
	}
	defer queue.Close()

	emitter := events.NewEmitter(vault, logger, publishers...)
	notifier := notifications.NewService(cfg)

	runner, executors, err := buildRunner(cfg, st, emitter, notifier, logger)
	if err != nil {
		st.Close()
		return err
	}

	manager := workflow.NewManager(cfg, st, queue, runner, logger,
		workflow.WithNotifier(notifier),
		workflow.WithEmitter(emitter),
		workflow.WithExecutors(executors),
	)

	d, err := daemon.New(cfg, st, logger, manager,
		daemon.WithEventHub(hub),
		daemon.WithVerifier(vault),
		daemon.WithNotifier(notifier),
	)
	if err != nil {
		st.Close()
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		logger.Error("daemon start failed",
			logging.Error(err),
			logging.EventType("daemon_start_failed"),
			logging.String(logging.FieldErrorHint, "check the instance lock, api.bind and database access"),
		)
		return err
	}

	<-signalCtx.Done()
	logger.Info("pmwd shutting down", logging.EventType("daemon_shutdown"))
	return nil
}

// buildRunner wires executors, policies and the retry engine into a runner.
func buildRunner(cfg *config.Config, st *store.Store, emitter *events.Emitter, notifier notifications.Service, logger *slog.Logger) (*pipeline.Runner, stage.Set, error) {
	policies, err := stage.Policies(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("stage policies: %w", err)
	}
	executors, err := stage.NewExecutors(cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("stage executors: %w", err)
	}
	engine := retry.NewEngine(st, emitter,
		retry.WithAlert(notifications.Alerter(notifier)),
		retry.WithLogger(logger),
	)
	runner, err := pipeline.NewRunner(pipeline.Options{
		Store:     st,
		Engine:    engine,
		Emitter:   emitter,
		Executors: executors,
		Policies:  policies,
		Order:     pipeline.NewOrder(cfg),
		Lease:     cfg.Lease(),
		Logger:    logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("pipeline runner: %w", err)
	}
	return runner, executors, nil
}

func logPreflight(ctx context.Context, logger *slog.Logger, cfg *config.Config) {
	for _, result := range preflight.RunAll(ctx, cfg) {
		if result.Passed {
			logger.Debug("preflight check passed",
				logging.String("check", result.Name),
				logging.String("detail", result.Detail),
			)
			continue
		}
		logging.WarnWithContext(logger, "preflight check failed", "preflight_failed",
			logging.String("check", result.Name),
			logging.String("detail", result.Detail),
			logging.String(logging.FieldErrorHint, "run pmw status for details"),
			logging.String(logging.FieldImpact, "stages depending on this check will fail"),
		)
	}
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
