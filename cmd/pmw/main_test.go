package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pmwflow/internal/api"
	"pmwflow/internal/config"
	"pmwflow/internal/store"
)

type cliTestEnv struct {
	cfg        *config.Config
	configPath string
	baseDir    string
}

func setupCLITestEnv(t *testing.T, extra string) *cliTestEnv {
	t.Helper()
	t.Setenv("REDIS_URL", "")
	t.Setenv("PMW_API_TOKEN", "")

	base := t.TempDir()
	configPath := filepath.Join(base, "config.toml")
	content := strings.ReplaceAll(`
[paths]
state_dir = "BASE/state"
log_dir = "BASE/logs"

[database]
driver = "sqlite"
url = "BASE/state/pmw.db"

[api]
bind = ""
`+extra, "BASE", base)
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, _, _, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	return &cliTestEnv{cfg: cfg, configPath: configPath, baseDir: base}
}

func (e *cliTestEnv) openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(e.cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func runCLI(t *testing.T, configPath string, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestCLITriggerRunsAndStages(t *testing.T) {
	env := setupCLITestEnv(t, "")

	out, _, err := runCLI(t, env.configPath, "trigger", "--topic", "42", "--json")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	var triggered struct {
		RunID   int64  `json:"run_id"`
		StageID int64  `json:"stage_id"`
		Status  string `json:"status"`
	}
	if err := json.Unmarshal([]byte(out), &triggered); err != nil {
		t.Fatalf("decode trigger output %q: %v", out, err)
	}
	if triggered.RunID == 0 || triggered.Status != "queued" {
		t.Fatalf("unexpected trigger result %+v", triggered)
	}

	out, _, err = runCLI(t, env.configPath, "runs")
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if !strings.Contains(out, "Pending") || !strings.Contains(out, "Research") || !strings.Contains(out, "cli") {
		t.Fatalf("runs output missing triggered run: %q", out)
	}

	out, _, err = runCLI(t, env.configPath, "runs", "--status", "completed")
	if err != nil {
		t.Fatalf("runs --status: %v", err)
	}
	if !strings.Contains(out, "No runs") {
		t.Fatalf("expected no completed runs, got %q", out)
	}

	if _, _, err := runCLI(t, env.configPath, "runs", "--status", "paused"); err == nil {
		t.Fatal("expected unknown status to be rejected")
	}

	out, _, err = runCLI(t, env.configPath, "stages", "1", "--json")
	if err != nil {
		t.Fatalf("stages: %v", err)
	}
	var detail api.RunDetail
	if err := json.Unmarshal([]byte(out), &detail); err != nil {
		t.Fatalf("decode stages output: %v", err)
	}
	if detail.TopicID == nil || *detail.TopicID != 42 {
		t.Fatalf("expected topic 42, got %+v", detail.Run)
	}
	if len(detail.Stages) != 1 || detail.Stages[0].Name != "research" || detail.Stages[0].Attempt != 1 {
		t.Fatalf("unexpected stages %+v", detail.Stages)
	}

	if _, _, err := runCLI(t, env.configPath, "stages", "99"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected missing run error, got %v", err)
	}
}

func TestCLIVerifyReportsIntactChain(t *testing.T) {
	env := setupCLITestEnv(t, "")

	if _, _, err := runCLI(t, env.configPath, "trigger"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	out, _, err := runCLI(t, env.configPath, "verify", "1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !strings.Contains(out, "OK") || !strings.Contains(out, "1 events verified") {
		t.Fatalf("unexpected verify output %q", out)
	}

	if _, _, err := runCLI(t, env.configPath, "verify", "abc"); err == nil {
		t.Fatal("expected invalid run id error")
	}
}

func TestCLIRestartPausedRun(t *testing.T) {
	env := setupCLITestEnv(t, "")
	ctx := context.Background()

	if _, _, err := runCLI(t, env.configPath, "trigger"); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	_, _, err := runCLI(t, env.configPath, "restart", "1", "--operator", "ops")
	if err == nil || !strings.Contains(err.Error(), "not awaiting restart") {
		t.Fatalf("expected pending run restart to be rejected, got %v", err)
	}

	st := env.openStore(t)
	stage, err := st.LatestStage(ctx, 1, "research")
	if err != nil || stage == nil {
		t.Fatalf("LatestStage: %v %v", stage, err)
	}
	if _, err := st.ClaimStage(ctx, stage.ID, time.Minute); err != nil {
		t.Fatalf("ClaimStage: %v", err)
	}
	if _, err := st.UpsertStage(ctx, store.StageRecord{RunID: 1, Name: "research", Attempt: 1, Status: store.StageAwaitingRestart}); err != nil {
		t.Fatalf("UpsertStage: %v", err)
	}
	if err := st.ClearLease(ctx, 1); err != nil {
		t.Fatalf("ClearLease: %v", err)
	}

	out, _, err := runCLI(t, env.configPath, "runs")
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if !strings.Contains(out, "Awaiting Restart") {
		t.Fatalf("expected paused run label, got %q", out)
	}

	out, _, err = runCLI(t, env.configPath, "restart", "1", "--operator", "ops", "--note", "prompt fixed")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if !strings.Contains(out, "attempt 2") || !strings.Contains(out, "offset 1") {
		t.Fatalf("unexpected restart output %q", out)
	}

	out, _, err = runCLI(t, env.configPath, "stages", "1")
	if err != nil {
		t.Fatalf("stages: %v", err)
	}
	if !strings.Contains(out, "Interventions:") || !strings.Contains(out, "prompt fixed") {
		t.Fatalf("expected intervention in stages output, got %q", out)
	}

	if _, _, err := runCLI(t, env.configPath, "restart", "7", "--operator", "ops"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected missing run error, got %v", err)
	}
}

func TestCLIMigrateReportsVersion(t *testing.T) {
	env := setupCLITestEnv(t, "")

	out, _, err := runCLI(t, env.configPath, "migrate")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !strings.Contains(out, "sqlite database") || !strings.Contains(out, "schema version") {
		t.Fatalf("unexpected migrate output %q", out)
	}
}

func TestCLIStatusWithDaemonAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/status" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(api.DaemonStatus{
			Running: true,
			PID:     4242,
			Workflow: api.WorkflowStatus{
				Mode:        "queue",
				Workers:     2,
				Processed:   7,
				StageHealth: []api.StageHealth{{Name: "research", Ready: true}},
			},
		})
	}))
	defer srv.Close()

	env := setupCLITestEnv(t, "")
	out, _, err := runCLI(t, env.configPath, "--api", srv.URL, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"State directory", "Sqlite", "pid 4242", "queue, 2 workers", "7 processed", "Research"} {
		if !strings.Contains(out, want) {
			t.Fatalf("status output missing %q: %q", want, out)
		}
	}
}

func TestCLIStatusWithoutDaemon(t *testing.T) {
	env := setupCLITestEnv(t, "")
	out, _, err := runCLI(t, env.configPath, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "daemon API disabled") {
		t.Fatalf("expected disabled daemon warning, got %q", out)
	}
}

func TestCLIEventsRequiresRedis(t *testing.T) {
	env := setupCLITestEnv(t, "")
	if _, _, err := runCLI(t, env.configPath, "events"); err == nil || !strings.Contains(err.Error(), "redis.url") {
		t.Fatalf("expected redis configuration error, got %v", err)
	}
}

func TestCLIConfigInitAndValidate(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	base := t.TempDir()
	target := filepath.Join(base, "pmw", "config.toml")

	out, _, err := runCLI(t, "", "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	if !strings.Contains(out, "Wrote sample configuration") {
		t.Fatalf("unexpected init output %q", out)
	}
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected sample config: %v", err)
	}
	if _, _, err := runCLI(t, "", "config", "init", "--path", target); err == nil {
		t.Fatal("expected init to refuse overwriting")
	}

	env := setupCLITestEnv(t, "")
	out, _, err = runCLI(t, env.configPath, "config", "validate")
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	if !strings.Contains(out, "Configuration valid") || !strings.Contains(out, "research > planning") || !strings.Contains(out, "Attempts") {
		t.Fatalf("unexpected validate output %q", out)
	}
}

func TestDisplayLabel(t *testing.T) {
	cases := map[string]string{
		"awaiting_restart": "Awaiting Restart",
		"research":         "Research",
		"":                 "-",
		"run.complete":     "Run Complete",
	}
	for input, want := range cases {
		if got := displayLabel(input); got != want {
			t.Fatalf("displayLabel(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestStatusTonesFollowRunState(t *testing.T) {
	expires := time.Now().Add(time.Minute)
	cases := []struct {
		run  *store.Run
		want string
	}{
		{&store.Run{Status: store.RunPending}, "[INFO]"},
		{&store.Run{Status: store.RunRunning, LockExpiresAt: &expires}, "[RUNNING]"},
		{&store.Run{Status: store.RunRunning}, "[PAUSED]"},
		{&store.Run{Status: store.RunCompleted}, "[OK]"},
		{&store.Run{Status: store.RunFailed}, "[ERROR]"},
	}
	for _, tc := range cases {
		line := renderStatusLine("Run 1", runTone(tc.run), runStatusLabel(tc.run), false)
		if !strings.Contains(line, tc.want) {
			t.Fatalf("status %s: expected %s in %q", tc.run.Status, tc.want, line)
		}
	}
	if got := stageTone(store.StageAwaitingRestart); got != tonePaused {
		t.Fatalf("expected awaiting_restart to render paused, got %v", got)
	}
	if got := stageTone(store.StageRetrying); got != toneWarn {
		t.Fatalf("expected retrying to render as a warning, got %v", got)
	}
}
