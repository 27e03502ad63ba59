package testsupport

import (
	"path/filepath"
	"testing"

	"pmwflow/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Stage retry delays are zeroed and leases shortened so workflow tests run fast.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.API.Bind = "127.0.0.1:0"
	cfgVal.Workflow.DequeueTimeout = 1
	cfgVal.Workflow.LeaseSeconds = 30
	cfgVal.Workflow.HeartbeatInterval = 1
	cfgVal.Workflow.ReaperInterval = 1
	cfgVal.Workflow.TickInterval = 1
	cfgVal.Workflow.ErrorRetryInterval = 1
	for name, stage := range cfgVal.Stages {
		stage.RetryDelay = Float(0)
		cfgVal.Stages[name] = stage
	}

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithStage edits the policy of one stage.
func WithStage(name string, edit func(*config.Stage)) ConfigOption {
	return func(b *configBuilder) {
		stage := b.cfg.Stages[name]
		edit(&stage)
		b.cfg.Stages[name] = stage
	}
}

// WithWorkers sets the worker count.
func WithWorkers(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Workflow.Workers = n
	}
}

// WithMode selects queue or tick mode.
func WithMode(mode string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Workflow.Mode = mode
	}
}

// WithDeterministicScore sets the score returned by the deterministic executor.
func WithDeterministicScore(score float64) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Executors.Deterministic.Score = score
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }
