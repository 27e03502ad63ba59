package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains state and log directory configuration.
type Paths struct {
	StateDir string `toml:"state_dir"`
	LogDir   string `toml:"log_dir"`
}

// Database selects the persistence dialect and connection settings.
type Database struct {
	Driver          string `toml:"driver"`
	URL             string `toml:"url"`
	MaxOpenConns    int    `toml:"max_open_conns"`
	ConnMaxLifetime int    `toml:"conn_max_lifetime"`
}

// Redis contains settings for the dispatch queue and the event channel.
// An empty URL selects the in-process queue and hub.
type Redis struct {
	URL           string `toml:"url"`
	QueueKey      string `toml:"queue_key"`
	EventsChannel string `toml:"events_channel"`
	DialTimeout   int    `toml:"dial_timeout"`
	PublishBuffer int    `toml:"publish_buffer"`
}

// Workflow contains worker loop timing and concurrency configuration.
type Workflow struct {
	Mode                string   `toml:"mode"`
	Workers             int      `toml:"workers"`
	StageOrder          []string `toml:"stage_order"`
	DequeueTimeout      int      `toml:"dequeue_timeout"`
	LeaseSeconds        int      `toml:"lease_seconds"`
	HeartbeatInterval   int      `toml:"heartbeat_interval"`
	ReaperInterval      int      `toml:"reaper_interval"`
	RequeuePendingAfter int      `toml:"requeue_pending_after"`
	TickInterval        int      `toml:"tick_interval"`
	ScheduleRuns        bool     `toml:"schedule_runs"`
	ErrorRetryInterval  int      `toml:"error_retry_interval"`
}

// API contains the HTTP bind address and optional bearer token.
type API struct {
	Bind  string `toml:"bind"`
	Token string `toml:"token"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	Alerts         bool   `toml:"alerts"`
	RunCompleted   bool   `toml:"run_completed"`
}

// HTTPExecutor configures the executor that forwards stage requests to an
// external agent service.
type HTTPExecutor struct {
	BaseURL        string `toml:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	Token          string `toml:"token"`
}

// DeterministicExecutor configures the scripted executor used without an agent service.
type DeterministicExecutor struct {
	Score float64 `toml:"score"`
}

// Executors selects the stage executor implementation.
type Executors struct {
	Kind          string                `toml:"kind"`
	HTTP          HTTPExecutor          `toml:"http"`
	Deterministic DeterministicExecutor `toml:"deterministic"`
}

// Stage holds the retry and failure policy for one named stage. Pointer fields
// distinguish "unset" from an explicit zero so defaults can be merged.
type Stage struct {
	MaxRetries      *int      `toml:"max_retries"`
	RetryDelay      *float64  `toml:"retry_delay"`
	Escalation      []float64 `toml:"escalation"`
	Temperature     *float64  `toml:"temperature"`
	JudgeThreshold  *float64  `toml:"judge_threshold"`
	HumanInTheLoop  *bool     `toml:"human_in_the_loop"`
	NonFatal        *bool     `toml:"non_fatal"`
	SingleShot      *bool     `toml:"single_shot"`
	FailureMessage  string    `toml:"failure_message"`
	Model           string    `toml:"model"`
	InputCostPer1K  *float64  `toml:"input_cost_per_1k"`
	OutputCostPer1K *float64  `toml:"output_cost_per_1k"`
	OutputSchema    string    `toml:"output_schema"`
}

// Config encapsulates all configuration values for pmwflow.
//
// Configuration sections by subsystem:
//   - Paths: state (SQLite) and log directories
//   - Database: sqlite or postgres connection
//   - Redis: dispatch queue key and event channel
//   - Workflow: worker mode, concurrency, leases and intervals
//   - API: trigger/operator HTTP server
//   - Logging: log format and level
//   - Notifications: ntfy alerts for exhausted stages
//   - Executors: which stage executor to use
//   - Stages: per-stage retry and failure policy
type Config struct {
	Paths         Paths            `toml:"paths"`
	Database      Database         `toml:"database"`
	Redis         Redis            `toml:"redis"`
	Workflow      Workflow         `toml:"workflow"`
	API           API              `toml:"api"`
	Logging       Logging          `toml:"logging"`
	Notifications Notifications    `toml:"notifications"`
	Executors     Executors        `toml:"executors"`
	Stages        map[string]Stage `toml:"stages"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and stage policies merged with defaults.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()
	// Stage tables in the file replace defaults per key; normalize merges them back.
	cfg.Stages = map[string]Stage{}
	// An unset driver is inferred from database.url during normalize.
	cfg.Database.Driver = ""

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("pmwflow.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// SQLitePath returns the database file used by the sqlite driver.
func (c *Config) SQLitePath() string {
	if url := strings.TrimSpace(c.Database.URL); url != "" && c.Database.Driver == DriverSQLite {
		return url
	}
	return filepath.Join(c.Paths.StateDir, "pmwflow.db")
}

// LockPath returns the daemon instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "pmwd.lock")
}

// DequeueTimeout returns the blocking dequeue bound.
func (c *Config) DequeueTimeout() time.Duration {
	return time.Duration(c.Workflow.DequeueTimeout) * time.Second
}

// Lease returns the run lease duration granted on claim and heartbeat.
func (c *Config) Lease() time.Duration {
	return time.Duration(c.Workflow.LeaseSeconds) * time.Second
}

// StageNames returns the configured pipeline order.
func (c *Config) StageNames() []string {
	out := make([]string, len(c.Workflow.StageOrder))
	copy(out, c.Workflow.StageOrder)
	return out
}

// StagePolicy returns the merged policy for name and whether one exists.
func (c *Config) StagePolicy(name string) (Stage, bool) {
	stage, ok := c.Stages[name]
	return stage, ok
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
