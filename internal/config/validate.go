package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if err := c.validateRedis(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateAPI(); err != nil {
		return err
	}
	if err := c.validateExecutors(); err != nil {
		return err
	}
	if err := c.validateStages(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateDatabase() error {
	switch c.Database.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if strings.TrimSpace(c.Database.URL) == "" {
			return errors.New("database.url must be set when database.driver is postgres (or set DATABASE_URL)")
		}
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Database.Driver)
	}
	if c.Database.MaxOpenConns <= 0 {
		return errors.New("database.max_open_conns must be positive")
	}
	return nil
}

func (c *Config) validateRedis() error {
	if c.Redis.URL != "" && !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("redis.url must use the redis:// or rediss:// scheme, got %q", c.Redis.URL)
	}
	if c.Redis.QueueKey == "" {
		return errors.New("redis.queue_key must be set")
	}
	if c.Redis.EventsChannel == "" {
		return errors.New("redis.events_channel must be set")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	switch c.Workflow.Mode {
	case ModeQueue, ModeTick:
	default:
		return fmt.Errorf("workflow.mode must be %q or %q, got %q", ModeQueue, ModeTick, c.Workflow.Mode)
	}
	if c.Workflow.Workers <= 0 {
		return errors.New("workflow.workers must be positive")
	}
	if len(c.Workflow.StageOrder) == 0 {
		return errors.New("workflow.stage_order must list at least one stage")
	}
	seen := make(map[string]struct{}, len(c.Workflow.StageOrder))
	for _, name := range c.Workflow.StageOrder {
		if _, dup := seen[name]; dup {
			return fmt.Errorf("workflow.stage_order lists %q more than once", name)
		}
		seen[name] = struct{}{}
	}
	if c.Workflow.DequeueTimeout <= 0 {
		return errors.New("workflow.dequeue_timeout must be positive")
	}
	if c.Workflow.LeaseSeconds <= 0 {
		return errors.New("workflow.lease_seconds must be positive")
	}
	if c.Workflow.HeartbeatInterval <= 0 {
		return errors.New("workflow.heartbeat_interval must be positive")
	}
	if c.Workflow.HeartbeatInterval >= c.Workflow.LeaseSeconds {
		return errors.New("workflow.heartbeat_interval must be shorter than workflow.lease_seconds")
	}
	if c.Workflow.ReaperInterval <= 0 {
		return errors.New("workflow.reaper_interval must be positive")
	}
	if c.Workflow.RequeuePendingAfter < 0 {
		return errors.New("workflow.requeue_pending_after must be zero or positive")
	}
	if c.Workflow.TickInterval <= 0 {
		return errors.New("workflow.tick_interval must be positive")
	}
	if c.Workflow.ErrorRetryInterval <= 0 {
		return errors.New("workflow.error_retry_interval must be positive")
	}
	return nil
}

func (c *Config) validateAPI() error {
	if c.API.Bind == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(c.API.Bind); err != nil {
		return fmt.Errorf("api.bind must be host:port: %w", err)
	}
	return nil
}

func (c *Config) validateExecutors() error {
	switch c.Executors.Kind {
	case ExecutorDeterministic:
		if c.Executors.Deterministic.Score < 0 || c.Executors.Deterministic.Score > 1 {
			return errors.New("executors.deterministic.score must be between 0 and 1")
		}
	case ExecutorHTTP:
		if c.Executors.HTTP.BaseURL == "" {
			return errors.New("executors.http.base_url must be set when executors.kind is http")
		}
		if !strings.HasPrefix(c.Executors.HTTP.BaseURL, "http://") && !strings.HasPrefix(c.Executors.HTTP.BaseURL, "https://") {
			return fmt.Errorf("executors.http.base_url must be an http(s) URL, got %q", c.Executors.HTTP.BaseURL)
		}
	default:
		return fmt.Errorf("executors.kind must be %q or %q, got %q", ExecutorDeterministic, ExecutorHTTP, c.Executors.Kind)
	}
	return nil
}

func (c *Config) validateStages() error {
	for _, name := range c.Workflow.StageOrder {
		stage, ok := c.Stages[name]
		if !ok {
			return fmt.Errorf("stages.%s: no policy configured", name)
		}
		if err := validateStage(name, stage); err != nil {
			return err
		}
	}
	return nil
}

func validateStage(name string, stage Stage) error {
	if stage.MaxRetries == nil || *stage.MaxRetries < 0 {
		return fmt.Errorf("stages.%s.max_retries must be zero or positive", name)
	}
	if stage.RetryDelay == nil || *stage.RetryDelay < 0 {
		return fmt.Errorf("stages.%s.retry_delay must be zero or positive", name)
	}
	if stage.Temperature != nil && (*stage.Temperature < 0 || *stage.Temperature > 2) {
		return fmt.Errorf("stages.%s.temperature must be between 0 and 2", name)
	}
	for i, temp := range stage.Escalation {
		if temp < 0 || temp > 2 {
			return fmt.Errorf("stages.%s.escalation[%d] must be between 0 and 2", name, i)
		}
	}
	if stage.JudgeThreshold != nil && (*stage.JudgeThreshold < 0 || *stage.JudgeThreshold > 1) {
		return fmt.Errorf("stages.%s.judge_threshold must be between 0 and 1", name)
	}
	if stage.InputCostPer1K != nil && *stage.InputCostPer1K < 0 {
		return fmt.Errorf("stages.%s.input_cost_per_1k must be zero or positive", name)
	}
	if stage.OutputCostPer1K != nil && *stage.OutputCostPer1K < 0 {
		return fmt.Errorf("stages.%s.output_cost_per_1k must be zero or positive", name)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be \"console\" or \"json\", got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	return nil
}
