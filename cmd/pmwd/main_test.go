package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	base := t.TempDir()
	path := filepath.Join(base, "config.toml")
	content := strings.ReplaceAll(body, "BASE", base)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDaemonConfigAppliesOverrides(t *testing.T) {
	path := writeConfig(t, `
[paths]
state_dir = "BASE/state"
log_dir = "BASE/logs"

[workflow]
mode = "queue"
workers = 2
`)
	cfg, err := loadDaemonConfig(daemonFlags{configPath: path, mode: "TICK", workers: 5})
	if err != nil {
		t.Fatalf("loadDaemonConfig: %v", err)
	}
	if cfg.Workflow.Mode != "tick" {
		t.Fatalf("expected tick mode, got %q", cfg.Workflow.Mode)
	}
	if cfg.Workflow.Workers != 5 {
		t.Fatalf("expected 5 workers, got %d", cfg.Workflow.Workers)
	}
}

func TestLoadDaemonConfigRejectsUnknownMode(t *testing.T) {
	path := writeConfig(t, `
[paths]
state_dir = "BASE/state"
log_dir = "BASE/logs"
`)
	if _, err := loadDaemonConfig(daemonFlags{configPath: path, mode: "burst"}); err == nil {
		t.Fatal("expected validation error for unknown mode")
	}
}

func TestRootCommandRejectsArguments(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"extra"})
	cmd.SetOut(&strings.Builder{})
	cmd.SetErr(&strings.Builder{})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for positional arguments")
	}
}
