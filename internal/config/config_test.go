package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"pmwflow/internal/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"DATABASE_URL", "REDIS_URL", "PMW_API_TOKEN", "NTFY_TOPIC", "PMW_EXECUTOR_TOKEN"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	clearEnv(t)
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Chdir(t.TempDir())

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantState := filepath.Join(tempHome, ".local", "share", "pmwflow")
	if cfg.Paths.StateDir != wantState {
		t.Fatalf("unexpected state dir: got %q want %q", cfg.Paths.StateDir, wantState)
	}
	if cfg.SQLitePath() != filepath.Join(wantState, "pmwflow.db") {
		t.Fatalf("unexpected sqlite path: %q", cfg.SQLitePath())
	}
	if cfg.Database.Driver != config.DriverSQLite {
		t.Fatalf("expected sqlite driver by default, got %q", cfg.Database.Driver)
	}
	if cfg.Redis.QueueKey != "agent:queue" || cfg.Redis.EventsChannel != "pmw:events" {
		t.Fatalf("unexpected redis defaults: %+v", cfg.Redis)
	}
	if cfg.API.Bind != "127.0.0.1:7590" {
		t.Fatalf("unexpected api bind: %q", cfg.API.Bind)
	}
	if got := cfg.StageNames(); strings.Join(got, ",") != "research,planning,content,media,publish" {
		t.Fatalf("unexpected stage order: %v", got)
	}
}

func TestLoadDefaultStagePolicies(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())

	cfg, _, _, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	research, ok := cfg.StagePolicy("research")
	if !ok {
		t.Fatal("expected research policy")
	}
	if research.JudgeThreshold == nil || *research.JudgeThreshold != 0.75 {
		t.Fatalf("unexpected research threshold: %v", research.JudgeThreshold)
	}
	if research.HumanInTheLoop == nil || !*research.HumanInTheLoop {
		t.Fatal("expected research to pause for a human on exhaustion")
	}

	content, _ := cfg.StagePolicy("content")
	if content.JudgeThreshold == nil || *content.JudgeThreshold != 0.80 {
		t.Fatalf("unexpected content threshold: %v", content.JudgeThreshold)
	}

	media, _ := cfg.StagePolicy("media")
	if media.JudgeThreshold != nil {
		t.Fatalf("expected media to have no judge, got %v", *media.JudgeThreshold)
	}
	if media.NonFatal == nil || !*media.NonFatal {
		t.Fatal("expected media to be non-fatal")
	}
	if media.HumanInTheLoop == nil || *media.HumanInTheLoop {
		t.Fatal("expected media not to pause for a human")
	}

	publish, _ := cfg.StagePolicy("publish")
	if publish.SingleShot == nil || !*publish.SingleShot {
		t.Fatal("expected publish to be single shot")
	}
	if len(publish.Escalation) != 0 {
		t.Fatalf("expected no escalation for publish, got %v", publish.Escalation)
	}
}

func TestLoadCustomPathMergesStageOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOME", t.TempDir())
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "pmwflow.toml")

	contents := `
[paths]
state_dir = "` + filepath.Join(tempDir, "state") + `"

[workflow]
workers = 4
heartbeat_interval = 10
lease_seconds = 60

[stages.research]
max_retries = 5
escalation = [0.1, 0.9]

[stages.Planning]
judge_threshold = 0.5
`
	if err := os.WriteFile(configPath, []byte(contents), 0o644); err != nil {
		t.Fatalf("write custom config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected exists to be true")
	}
	if resolved != configPath {
		t.Fatalf("unexpected resolved path: got %q want %q", resolved, configPath)
	}
	if cfg.Workflow.Workers != 4 {
		t.Fatalf("expected 4 workers, got %d", cfg.Workflow.Workers)
	}
	if cfg.Lease().Seconds() != 60 {
		t.Fatalf("unexpected lease: %s", cfg.Lease())
	}

	research, _ := cfg.StagePolicy("research")
	if *research.MaxRetries != 5 {
		t.Fatalf("expected max_retries override, got %d", *research.MaxRetries)
	}
	if len(research.Escalation) != 2 || research.Escalation[1] != 0.9 {
		t.Fatalf("unexpected escalation: %v", research.Escalation)
	}
	if *research.JudgeThreshold != 0.75 {
		t.Fatalf("expected default threshold to survive merge, got %v", *research.JudgeThreshold)
	}
	if *research.RetryDelay != 1.0 {
		t.Fatalf("expected default retry delay, got %v", *research.RetryDelay)
	}

	planning, _ := cfg.StagePolicy("planning")
	if *planning.JudgeThreshold != 0.5 {
		t.Fatalf("expected case-insensitive stage key override, got %v", *planning.JudgeThreshold)
	}
}

func TestEnvFallbacks(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())
	t.Setenv("DATABASE_URL", "postgresql://pmw:pmw@db:5432/pmw")
	t.Setenv("REDIS_URL", "redis://cache:6379/0")
	t.Setenv("PMW_API_TOKEN", "secret")
	t.Setenv("NTFY_TOPIC", "https://ntfy.sh/pmw")

	cfg, _, _, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Database.Driver != config.DriverPostgres {
		t.Fatalf("expected postgres driver inferred from url, got %q", cfg.Database.Driver)
	}
	if cfg.Database.URL != "postgres://pmw:pmw@db:5432/pmw" {
		t.Fatalf("unexpected database url: %q", cfg.Database.URL)
	}
	if cfg.Redis.URL != "redis://cache:6379/0" {
		t.Fatalf("unexpected redis url: %q", cfg.Redis.URL)
	}
	if cfg.API.Token != "secret" {
		t.Fatalf("unexpected api token: %q", cfg.API.Token)
	}
	if cfg.Notifications.NtfyTopic != "https://ntfy.sh/pmw" {
		t.Fatalf("unexpected ntfy topic: %q", cfg.Notifications.NtfyTopic)
	}
}

func TestDatabaseURLSelectsPostgresDriver(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())
	t.Setenv("DATABASE_URL", "postgres://pmw:pmw@db:5432/pmw")

	cfg, _, _, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Database.Driver != config.DriverPostgres {
		t.Fatalf("expected postgres driver, got %q", cfg.Database.Driver)
	}
	if strings.Contains(cfg.SQLitePath(), "postgres://") {
		t.Fatalf("sqlite path must not carry the postgres url: %q", cfg.SQLitePath())
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := "[database]\ndriver = \"sqlite\"\nurl = \"" + filepath.Join(dir, "pmw.db") + "\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, _, _, err = config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Database.Driver != config.DriverSQLite || cfg.SQLitePath() != filepath.Join(dir, "pmw.db") {
		t.Fatalf("explicit sqlite config not honored: driver=%q path=%q", cfg.Database.Driver, cfg.SQLitePath())
	}
}

func TestConfigFileWinsOverEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOME", t.TempDir())
	configPath := filepath.Join(t.TempDir(), "pmwflow.toml")

	type payload struct {
		API struct {
			Token string `toml:"token"`
		} `toml:"api"`
	}
	custom := payload{}
	custom.API.Token = "from-file"
	data, err := toml.Marshal(custom)
	if err != nil {
		t.Fatalf("marshal custom config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write custom config: %v", err)
	}
	t.Setenv("PMW_API_TOKEN", "from-env")

	cfg, _, _, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.API.Token != "from-file" {
		t.Fatalf("expected file token to win, got %q", cfg.API.Token)
	}
}

func TestCreateSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample failed: %v", err)
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	if !strings.Contains(string(contents), "[stages.research]") {
		t.Fatalf("sample config missing stage table: %s", contents)
	}

	var cfg config.Config
	if err := toml.Unmarshal(contents, &cfg); err != nil {
		t.Fatalf("unmarshal sample: %v", err)
	}

	clearEnv(t)
	t.Setenv("HOME", t.TempDir())
	loaded, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load sample: %v", err)
	}
	if !exists {
		t.Fatal("expected sample to exist")
	}
	if _, ok := loaded.StagePolicy("publish"); !ok {
		t.Fatal("expected publish policy from sample")
	}
}

func TestValidateDetectsInvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unknown driver", func(c *config.Config) { c.Database.Driver = "mysql" }},
		{"postgres without url", func(c *config.Config) { c.Database.Driver = config.DriverPostgres }},
		{"bad redis scheme", func(c *config.Config) { c.Redis.URL = "http://localhost" }},
		{"zero workers", func(c *config.Config) { c.Workflow.Workers = 0 }},
		{"bad mode", func(c *config.Config) { c.Workflow.Mode = "cron" }},
		{"heartbeat not below lease", func(c *config.Config) { c.Workflow.HeartbeatInterval = c.Workflow.LeaseSeconds }},
		{"duplicate stage", func(c *config.Config) { c.Workflow.StageOrder = []string{"research", "research"} }},
		{"missing stage policy", func(c *config.Config) { c.Workflow.StageOrder = append(c.Workflow.StageOrder, "review") }},
		{"bad bind", func(c *config.Config) { c.API.Bind = "localhost" }},
		{"http executor without url", func(c *config.Config) { c.Executors.Kind = config.ExecutorHTTP }},
		{"bad log format", func(c *config.Config) { c.Logging.Format = "xml" }},
		{"threshold out of range", func(c *config.Config) {
			stage := c.Stages["research"]
			threshold := 1.5
			stage.JudgeThreshold = &threshold
			c.Stages["research"] = stage
		}},
		{"negative retries", func(c *config.Config) {
			stage := c.Stages["content"]
			retries := -1
			stage.MaxRetries = &retries
			c.Stages["content"] = stage
		}},
	}

	base := config.Default()
	if err := base.Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for %s", tc.name)
			}
		})
	}
}

func TestEnsureDirectories(t *testing.T) {
	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.StateDir = filepath.Join(base, "state")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	for _, dir := range []string{cfg.Paths.StateDir, cfg.Paths.LogDir} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Fatalf("expected directory %q: %v", dir, err)
		}
	}
	if cfg.LockPath() != filepath.Join(cfg.Paths.StateDir, "pmwd.lock") {
		t.Fatalf("unexpected lock path: %q", cfg.LockPath())
	}
}
