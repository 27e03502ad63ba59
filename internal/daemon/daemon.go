package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"github.com/gofrs/flock"

	"pmwflow/internal/api"
	"pmwflow/internal/config"
	"pmwflow/internal/events"
	"pmwflow/internal/logging"
	"pmwflow/internal/notifications"
	"pmwflow/internal/store"
	"pmwflow/internal/workflow"
)

// Daemon coordinates the worker loops and the API server and enforces
// single-instance execution.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	workflow *workflow.Manager
	api      *api.Server
	notifier notifications.Service

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	PID          int
	LockFilePath string
	Database     store.DatabaseHealth
	Workflow     workflow.StatusSummary
}

// Option configures optional daemon collaborators.
type Option func(*options)

type options struct {
	hub      *events.Hub
	verifier api.Verifier
	notifier notifications.Service
}

// WithEventHub exposes hub on GET /api/events.
func WithEventHub(hub *events.Hub) Option {
	return func(o *options) { o.hub = hub }
}

// WithVerifier exposes audit verification on GET /api/runs/{id}/verify.
func WithVerifier(v api.Verifier) Option {
	return func(o *options) { o.verifier = v }
}

// WithNotifier sets the service used by TestNotification.
func WithNotifier(n notifications.Service) Option {
	return func(o *options) { o.notifier = n }
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, st *store.Store, logger *slog.Logger, wf *workflow.Manager, opts ...Option) (*Daemon, error) {
	if cfg == nil || st == nil || logger == nil || wf == nil {
		return nil, errors.New("daemon requires config, store, logger, and workflow manager")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	notifier := o.notifier
	if notifier == nil {
		notifier = notifications.NewService(cfg)
	}

	lockPath := cfg.LockPath()
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    st,
		workflow: wf,
		notifier: notifier,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}

	if strings.TrimSpace(cfg.API.Bind) != "" {
		srv, err := api.NewServer(api.Options{
			Bind:     cfg.API.Bind,
			Token:    cfg.API.Token,
			Store:    st,
			Workflow: wf.Service(),
			Verifier: o.verifier,
			Hub:      o.hub,
			Status:   d.apiStatus,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("create api server: %w", err)
		}
		d.api = srv
	}
	return d, nil
}

// Start acquires the daemon lock, launches the workflow manager and starts
// serving the API.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}
	if err := d.cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another pmwd instance is already running")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	if err := d.workflow.Start(d.ctx); err != nil {
		d.abortStart()
		return fmt.Errorf("start workflow: %w", err)
	}
	if d.api != nil {
		if err := d.api.Start(d.ctx); err != nil {
			d.workflow.Stop()
			d.abortStart()
			return fmt.Errorf("start api: %w", err)
		}
	}

	d.running.Store(true)
	d.logger.Info("pmwd started",
		logging.String("lock", d.lockPath),
		logging.String("api", d.APIAddr()),
		logging.EventType("daemon_started"),
	)
	return nil
}

func (d *Daemon) abortStart() {
	_ = d.lock.Unlock()
	d.cancel()
	d.ctx = nil
	d.cancel = nil
}

// Stop stops the API, waits for in-flight stages and releases the lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if d.api != nil {
		d.api.Stop()
	}
	d.workflow.Stop()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if err := d.lock.Unlock(); err != nil {
		logging.WarnWithContext(d.logger, "failed to release daemon lock", "daemon_lock_release_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "remove "+d.lockPath+" if no pmwd is running"),
		)
	}
	d.ctx = nil
	d.running.Store(false)
	d.logger.Info("pmwd stopped", logging.EventType("daemon_stopped"))
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// APIAddr returns the address the API server is bound to, or "" when the
// server is disabled or not started.
func (d *Daemon) APIAddr() string {
	if d.api == nil {
		return ""
	}
	return d.api.Addr()
}

// TestNotification sends a test notification using the current configuration.
func (d *Daemon) TestNotification(ctx context.Context) (bool, string, error) {
	if strings.TrimSpace(d.cfg.Notifications.NtfyTopic) == "" {
		return false, "ntfy topic not configured", nil
	}
	if err := d.notifier.Publish(ctx, notifications.EventTest, nil); err != nil {
		return false, "failed to send notification", err
	}
	return true, "test notification sent", nil
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	db, err := d.store.CheckHealth(ctx)
	if err != nil {
		d.logger.Warn("database health check failed", logging.Error(err))
	}
	return Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		LockFilePath: d.lockPath,
		Database:     db,
		Workflow:     d.workflow.Status(ctx),
	}
}

func (d *Daemon) apiStatus(ctx context.Context) api.DaemonStatus {
	status := d.Status(ctx)
	return api.DaemonStatus{
		Running:      status.Running,
		PID:          status.PID,
		LockFilePath: status.LockFilePath,
		Database:     api.FromDatabaseHealth(status.Database),
		Workflow:     api.FromStatusSummary(status.Workflow),
	}
}
