package config

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	ModeQueue = "queue"
	ModeTick  = "tick"

	ExecutorDeterministic = "deterministic"
	ExecutorHTTP          = "http"
)

const (
	defaultConfigPath                = "~/.config/pmwflow/config.toml"
	defaultStateDir                  = "~/.local/share/pmwflow"
	defaultLogDir                    = "~/.local/share/pmwflow/logs"
	defaultDatabaseDriver            = DriverSQLite
	defaultMaxOpenConns              = 10
	defaultConnMaxLifetime           = 1800
	defaultQueueKey                  = "agent:queue"
	defaultEventsChannel             = "pmw:events"
	defaultRedisDialTimeout          = 5
	defaultPublishBuffer             = 256
	defaultWorkflowMode              = ModeQueue
	defaultWorkflowWorkers           = 2
	defaultDequeueTimeout            = 30
	defaultLeaseSeconds              = 300
	defaultHeartbeatInterval         = 30
	defaultReaperInterval            = 60
	defaultRequeuePendingAfter       = 300
	defaultTickInterval              = 300
	defaultErrorRetryInterval        = 10
	defaultAPIBind                   = "127.0.0.1:7590"
	defaultLogFormat                 = "console"
	defaultLogLevel                  = "info"
	defaultNotifyRequestTimeout      = 10
	defaultExecutorKind              = ExecutorDeterministic
	defaultHTTPExecutorTimeout       = 120
	defaultDeterministicScore        = 0.9
	defaultStageRetries              = 2
	defaultStageRetryDelay           = 1.0
	defaultStageTemperature          = 0.7
	defaultResearchJudgeThreshold    = 0.75
	defaultGenerationJudgeThreshold  = 0.80
	defaultStageModel                = "claude-sonnet"
	defaultStageInputCostPer1K       = 0.003
	defaultStageOutputCostPer1K      = 0.015
	defaultFailureMessageSuffix      = "stage failed after retries"
	defaultMediaFailureMessageSuffix = "media generation failed; continuing without media"
)

var defaultStageOrder = []string{"research", "planning", "content", "media", "publish"}

var defaultEscalation = []float64{0.2, 0.4, 0.6}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir: defaultStateDir,
			LogDir:   defaultLogDir,
		},
		Database: Database{
			Driver:          defaultDatabaseDriver,
			MaxOpenConns:    defaultMaxOpenConns,
			ConnMaxLifetime: defaultConnMaxLifetime,
		},
		Redis: Redis{
			QueueKey:      defaultQueueKey,
			EventsChannel: defaultEventsChannel,
			DialTimeout:   defaultRedisDialTimeout,
			PublishBuffer: defaultPublishBuffer,
		},
		Workflow: Workflow{
			Mode:                defaultWorkflowMode,
			Workers:             defaultWorkflowWorkers,
			StageOrder:          append([]string(nil), defaultStageOrder...),
			DequeueTimeout:      defaultDequeueTimeout,
			LeaseSeconds:        defaultLeaseSeconds,
			HeartbeatInterval:   defaultHeartbeatInterval,
			ReaperInterval:      defaultReaperInterval,
			RequeuePendingAfter: defaultRequeuePendingAfter,
			TickInterval:        defaultTickInterval,
			ErrorRetryInterval:  defaultErrorRetryInterval,
		},
		API: API{
			Bind: defaultAPIBind,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyRequestTimeout,
			Alerts:         true,
		},
		Executors: Executors{
			Kind: defaultExecutorKind,
			HTTP: HTTPExecutor{
				TimeoutSeconds: defaultHTTPExecutorTimeout,
			},
			Deterministic: DeterministicExecutor{
				Score: defaultDeterministicScore,
			},
		},
		Stages: defaultStages(),
	}
}

func defaultStages() map[string]Stage {
	stages := make(map[string]Stage, len(defaultStageOrder))
	for _, name := range defaultStageOrder {
		stages[name] = defaultStage(name)
	}
	return stages
}

func defaultStage(name string) Stage {
	stage := Stage{
		MaxRetries:      intPtr(defaultStageRetries),
		RetryDelay:      floatPtr(defaultStageRetryDelay),
		Escalation:      append([]float64(nil), defaultEscalation...),
		Temperature:     floatPtr(defaultStageTemperature),
		HumanInTheLoop:  boolPtr(true),
		NonFatal:        boolPtr(false),
		SingleShot:      boolPtr(false),
		FailureMessage:  name + " " + defaultFailureMessageSuffix,
		Model:           defaultStageModel,
		InputCostPer1K:  floatPtr(defaultStageInputCostPer1K),
		OutputCostPer1K: floatPtr(defaultStageOutputCostPer1K),
	}
	switch name {
	case "research":
		stage.JudgeThreshold = floatPtr(defaultResearchJudgeThreshold)
	case "planning", "content":
		stage.JudgeThreshold = floatPtr(defaultGenerationJudgeThreshold)
	case "media":
		stage.HumanInTheLoop = boolPtr(false)
		stage.NonFatal = boolPtr(true)
		stage.MaxRetries = intPtr(1)
		stage.FailureMessage = defaultMediaFailureMessageSuffix
	case "publish":
		stage.Escalation = nil
		stage.SingleShot = boolPtr(true)
		stage.InputCostPer1K = floatPtr(0)
		stage.OutputCostPer1K = floatPtr(0)
	}
	return stage
}

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }

func boolPtr(v bool) *bool { return &v }
