package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeDatabase()
	c.normalizeRedis()
	c.normalizeWorkflow()
	c.normalizeAPI()
	c.normalizeNotifications()
	c.normalizeExecutors()
	c.normalizeStages()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeDatabase() {
	if c.Database.URL == "" {
		if value, ok := os.LookupEnv("DATABASE_URL"); ok {
			c.Database.URL = strings.TrimSpace(value)
		}
	}
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	if c.Database.Driver == "" {
		if isPostgresURL(c.Database.URL) {
			c.Database.Driver = DriverPostgres
		} else {
			c.Database.Driver = defaultDatabaseDriver
		}
	}
	if c.Database.Driver == "postgresql" || c.Database.Driver == "pgx" {
		c.Database.Driver = DriverPostgres
	}
	if c.Database.Driver == DriverPostgres && strings.HasPrefix(c.Database.URL, "postgresql://") {
		c.Database.URL = "postgres://" + strings.TrimPrefix(c.Database.URL, "postgresql://")
	}
	if c.Database.Driver == DriverSQLite && c.Database.URL != "" && !isPostgresURL(c.Database.URL) {
		if expanded, err := expandPath(c.Database.URL); err == nil {
			c.Database.URL = expanded
		}
	}
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = defaultMaxOpenConns
	}
	if c.Database.ConnMaxLifetime <= 0 {
		c.Database.ConnMaxLifetime = defaultConnMaxLifetime
	}
}

func isPostgresURL(value string) bool {
	value = strings.TrimSpace(value)
	return strings.HasPrefix(value, "postgres://") || strings.HasPrefix(value, "postgresql://")
}

func (c *Config) normalizeRedis() {
	if c.Redis.URL == "" {
		if value, ok := os.LookupEnv("REDIS_URL"); ok {
			c.Redis.URL = strings.TrimSpace(value)
		}
	}
	c.Redis.QueueKey = strings.TrimSpace(c.Redis.QueueKey)
	if c.Redis.QueueKey == "" {
		c.Redis.QueueKey = defaultQueueKey
	}
	c.Redis.EventsChannel = strings.TrimSpace(c.Redis.EventsChannel)
	if c.Redis.EventsChannel == "" {
		c.Redis.EventsChannel = defaultEventsChannel
	}
	if c.Redis.DialTimeout <= 0 {
		c.Redis.DialTimeout = defaultRedisDialTimeout
	}
	if c.Redis.PublishBuffer <= 0 {
		c.Redis.PublishBuffer = defaultPublishBuffer
	}
}

func (c *Config) normalizeWorkflow() {
	c.Workflow.Mode = strings.ToLower(strings.TrimSpace(c.Workflow.Mode))
	if c.Workflow.Mode == "" {
		c.Workflow.Mode = defaultWorkflowMode
	}
	if len(c.Workflow.StageOrder) == 0 {
		c.Workflow.StageOrder = append([]string(nil), defaultStageOrder...)
	}
	order := c.Workflow.StageOrder[:0]
	for _, name := range c.Workflow.StageOrder {
		if trimmed := strings.ToLower(strings.TrimSpace(name)); trimmed != "" {
			order = append(order, trimmed)
		}
	}
	c.Workflow.StageOrder = order
}

func (c *Config) normalizeAPI() {
	c.API.Bind = strings.TrimSpace(c.API.Bind)
	if c.API.Token == "" {
		if value, ok := os.LookupEnv("PMW_API_TOKEN"); ok {
			c.API.Token = strings.TrimSpace(value)
		}
	}
}

func (c *Config) normalizeNotifications() {
	if c.Notifications.NtfyTopic == "" {
		if value, ok := os.LookupEnv("NTFY_TOPIC"); ok {
			c.Notifications.NtfyTopic = strings.TrimSpace(value)
		}
	}
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyRequestTimeout
	}
}

func (c *Config) normalizeExecutors() {
	c.Executors.Kind = strings.ToLower(strings.TrimSpace(c.Executors.Kind))
	if c.Executors.Kind == "" {
		c.Executors.Kind = defaultExecutorKind
	}
	c.Executors.HTTP.BaseURL = strings.TrimRight(strings.TrimSpace(c.Executors.HTTP.BaseURL), "/")
	if c.Executors.HTTP.TimeoutSeconds <= 0 {
		c.Executors.HTTP.TimeoutSeconds = defaultHTTPExecutorTimeout
	}
	if c.Executors.HTTP.Token == "" {
		if value, ok := os.LookupEnv("PMW_EXECUTOR_TOKEN"); ok {
			c.Executors.HTTP.Token = strings.TrimSpace(value)
		}
	}
	if c.Executors.Deterministic.Score == 0 {
		c.Executors.Deterministic.Score = defaultDeterministicScore
	}
}

// normalizeStages overlays configured stage tables onto the defaults for each
// stage named in the pipeline order.
func (c *Config) normalizeStages() {
	configured := c.Stages
	merged := make(map[string]Stage, len(c.Workflow.StageOrder))
	for _, name := range c.Workflow.StageOrder {
		merged[name] = mergeStage(defaultStage(name), configured[name])
	}
	for name, stage := range configured {
		key := strings.ToLower(strings.TrimSpace(name))
		if _, ok := merged[key]; ok {
			if key != name {
				merged[key] = mergeStage(merged[key], stage)
			}
			continue
		}
		merged[key] = mergeStage(defaultStage(key), stage)
	}
	c.Stages = merged
}

func mergeStage(base, override Stage) Stage {
	if override.MaxRetries != nil {
		base.MaxRetries = override.MaxRetries
	}
	if override.RetryDelay != nil {
		base.RetryDelay = override.RetryDelay
	}
	if override.Escalation != nil {
		base.Escalation = append([]float64(nil), override.Escalation...)
	}
	if override.Temperature != nil {
		base.Temperature = override.Temperature
	}
	if override.JudgeThreshold != nil {
		base.JudgeThreshold = override.JudgeThreshold
	}
	if override.HumanInTheLoop != nil {
		base.HumanInTheLoop = override.HumanInTheLoop
	}
	if override.NonFatal != nil {
		base.NonFatal = override.NonFatal
	}
	if override.SingleShot != nil {
		base.SingleShot = override.SingleShot
	}
	if msg := strings.TrimSpace(override.FailureMessage); msg != "" {
		base.FailureMessage = msg
	}
	if model := strings.TrimSpace(override.Model); model != "" {
		base.Model = model
	}
	if override.InputCostPer1K != nil {
		base.InputCostPer1K = override.InputCostPer1K
	}
	if override.OutputCostPer1K != nil {
		base.OutputCostPer1K = override.OutputCostPer1K
	}
	if schema := strings.TrimSpace(override.OutputSchema); schema != "" {
		if expanded, err := expandPath(schema); err == nil {
			base.OutputSchema = expanded
		} else {
			base.OutputSchema = schema
		}
	}
	return base
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
