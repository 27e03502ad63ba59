package workflow

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"pmwflow/internal/config"
	"pmwflow/internal/dispatch"
	"pmwflow/internal/events"
	"pmwflow/internal/logging"
	"pmwflow/internal/notifications"
	"pmwflow/internal/pipeline"
	"pmwflow/internal/retry"
	"pmwflow/internal/stage"
	"pmwflow/internal/store"
)

// Manager coordinates the worker loops of one process.
type Manager struct {
	cfg       *config.Config
	store     *store.Store
	queue     dispatch.Queue
	runner    *pipeline.Runner
	emitter   retry.Emitter
	notifier  notifications.Service
	executors stage.Set
	logger    *slog.Logger

	heartbeat *LeaseHeartbeat
	reaper    *Reaper

	mu        sync.RWMutex
	running   bool
	cancel    context.CancelFunc
	group     *errgroup.Group
	lastErr   error
	lastStage *store.Stage

	inflight  atomic.Int64
	processed atomic.Uint64
}

// ManagerOption configures optional Manager behavior.
type ManagerOption func(*Manager)

// WithNotifier sets the service used for run completion notices.
func WithNotifier(notifier notifications.Service) ManagerOption {
	return func(m *Manager) {
		if notifier != nil {
			m.notifier = notifier
		}
	}
}

// WithEmitter sets the event emitter.
func WithEmitter(emitter retry.Emitter) ManagerOption {
	return func(m *Manager) {
		if emitter != nil {
			m.emitter = emitter
		}
	}
}

// WithExecutors registers executors for health reporting.
func WithExecutors(set stage.Set) ManagerOption {
	return func(m *Manager) { m.executors = set }
}

// NewManager constructs a workflow manager.
func NewManager(cfg *config.Config, st *store.Store, queue dispatch.Queue, runner *pipeline.Runner, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	base := logger
	logger = logging.NewComponentLogger(logger, "workflow")
	m := &Manager{
		cfg:      cfg,
		store:    st,
		queue:    queue,
		runner:   runner,
		emitter:  events.NewEmitter(nil, logger),
		notifier: notifications.NewService(cfg),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.heartbeat = NewLeaseHeartbeat(st, logger, seconds(cfg.Workflow.HeartbeatInterval), cfg.Lease())
	m.reaper = NewReaper(st, queue, m.emitter, base, seconds(cfg.Workflow.RequeuePendingAfter))
	return m
}

func seconds(v int) time.Duration {
	return time.Duration(v) * time.Second
}
