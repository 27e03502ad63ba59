package daemon_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"pmwflow/internal/api"
	"pmwflow/internal/config"
	"pmwflow/internal/daemon"
	"pmwflow/internal/dispatch"
	"pmwflow/internal/events"
	"pmwflow/internal/logging"
	"pmwflow/internal/pipeline"
	"pmwflow/internal/retry"
	"pmwflow/internal/stage"
	"pmwflow/internal/store"
	"pmwflow/internal/testsupport"
	"pmwflow/internal/workflow"
)

func newManager(t *testing.T, cfg *config.Config, st *store.Store, hub *events.Hub) *workflow.Manager {
	t.Helper()
	logger := logging.NewNop()
	emitter := events.NewEmitter(nil, logger, hub)
	policies, err := stage.Policies(cfg)
	if err != nil {
		t.Fatalf("Policies: %v", err)
	}
	executors, err := stage.NewExecutors(cfg, logger)
	if err != nil {
		t.Fatalf("NewExecutors: %v", err)
	}
	runner, err := pipeline.NewRunner(pipeline.Options{
		Store:     st,
		Engine:    retry.NewEngine(st, emitter),
		Emitter:   emitter,
		Executors: executors,
		Policies:  policies,
		Order:     pipeline.NewOrder(cfg),
		Lease:     cfg.Lease(),
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return workflow.NewManager(cfg, st, dispatch.NewMemoryQueue(16), runner, logger,
		workflow.WithEmitter(emitter),
		workflow.WithExecutors(executors),
	)
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithMode(config.ModeQueue))
	st := testsupport.MustOpenStore(t, cfg)
	hub := events.NewHub(32)
	d, err := daemon.New(cfg, st, logging.NewNop(), newManager(t, cfg, st, hub), daemon.WithEventHub(hub))
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() { d.Stop() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	status := d.Status(ctx)
	if !status.Running || !status.Workflow.Running {
		t.Fatalf("expected daemon and workflow to report running: %+v", status)
	}
	if !status.Database.Reachable {
		t.Fatalf("expected reachable database: %+v", status.Database)
	}

	if err := d.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}

	addr := d.APIAddr()
	if addr == "" {
		t.Fatal("expected api server to be listening")
	}
	resp, err := http.Get("http://" + addr + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status: %v", err)
	}
	var payload api.DaemonStatus
	err = json.NewDecoder(resp.Body).Decode(&payload)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !payload.Running || payload.Workflow.Mode != config.ModeQueue || payload.Database.Driver != config.DriverSQLite {
		t.Fatalf("unexpected api status %+v", payload)
	}

	d.Stop()
	time.Sleep(50 * time.Millisecond)
	status = d.Status(ctx)
	if status.Running || status.Workflow.Running {
		t.Fatal("expected daemon to be stopped")
	}
}

func TestDaemonLockRejectsSecondInstance(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithMode(config.ModeQueue))
	cfg.API.Bind = ""
	st := testsupport.MustOpenStore(t, cfg)

	first, err := daemon.New(cfg, st, logging.NewNop(), newManager(t, cfg, st, nil))
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	second, err := daemon.New(cfg, st, logging.NewNop(), newManager(t, cfg, st, nil))
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	ctx := context.Background()
	if err := first.Start(ctx); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer first.Stop()

	if err := second.Start(ctx); err == nil {
		second.Stop()
		t.Fatal("expected the second daemon to fail on the instance lock")
	}
	if first.APIAddr() != "" {
		t.Fatal("expected api server disabled without a bind address")
	}
}

func TestDaemonTestNotificationWithoutTopic(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Notifications.NtfyTopic = ""
	st := testsupport.MustOpenStore(t, cfg)
	d, err := daemon.New(cfg, st, logging.NewNop(), newManager(t, cfg, st, nil))
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	sent, message, err := d.TestNotification(context.Background())
	if err != nil || sent || message != "ntfy topic not configured" {
		t.Fatalf("unexpected result %v %q %v", sent, message, err)
	}
}
