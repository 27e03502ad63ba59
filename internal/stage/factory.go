package stage

import (
	"fmt"
	"log/slog"

	"pmwflow/internal/config"
	"pmwflow/internal/services"
)

// Policies builds the policy and validator of every stage in the configured order.
func Policies(cfg *config.Config) (map[string]Policy, error) {
	policies := make(map[string]Policy, len(cfg.Workflow.StageOrder))
	for _, name := range cfg.StageNames() {
		stageCfg, ok := cfg.StagePolicy(name)
		if !ok {
			return nil, services.Wrap(services.ErrConfiguration, name, "load policy", "stage has no policy", nil)
		}
		policy := PolicyFromConfig(name, stageCfg)
		validator, err := BuildValidator(policy)
		if err != nil {
			return nil, err
		}
		policy.Validator = validator
		policies[name] = policy
	}
	return policies, nil
}

// NewExecutors builds one instrumented executor per configured stage.
// Stages marked single_shot run their executor exactly once.
func NewExecutors(cfg *config.Config, logger *slog.Logger) (Set, error) {
	var base Executor
	switch cfg.Executors.Kind {
	case config.ExecutorDeterministic:
		base = NewDeterministic(cfg.Executors.Deterministic.Score)
	case config.ExecutorHTTP:
		httpExec, err := NewHTTPExecutor(cfg.Executors.HTTP, nil)
		if err != nil {
			return nil, err
		}
		base = httpExec
	default:
		return nil, services.Wrap(services.ErrConfiguration, "", "build executors", fmt.Sprintf("unknown executor kind %q", cfg.Executors.Kind), nil)
	}

	set := make(Set, len(cfg.Workflow.StageOrder))
	for _, name := range cfg.StageNames() {
		exec := base
		if stageCfg, ok := cfg.StagePolicy(name); ok && stageCfg.SingleShot != nil && *stageCfg.SingleShot {
			exec = SingleShot(exec)
		}
		set[name] = Instrument(exec, logger)
	}
	return set, nil
}
