package stage

import (
	"math"
	"time"

	"pmwflow/internal/config"
)

// RetryPolicy bounds the attempts of one engine invocation.
type RetryPolicy struct {
	MaxRetries int
	RetryDelay time.Duration
	// Escalation holds the temperature for attempt a at index a-1; the last
	// value is reused for later attempts.
	Escalation []float64
}

// FailurePolicy decides what happens once retries are exhausted.
type FailurePolicy struct {
	HumanInTheLoop bool
	NonFatal       bool
	FailureMessage string
}

// Policy is the complete execution policy of one stage.
type Policy struct {
	Name            string
	Retry           RetryPolicy
	Failure         FailurePolicy
	Temperature     float64
	JudgeThreshold  *float64
	Model           string
	InputCostPer1K  float64
	OutputCostPer1K float64
	OutputSchema    string
	SingleShot      bool
	Validator       Validator
}

// PolicyFromConfig converts a merged stage configuration into a Policy.
// The validator is left nil; see BuildValidator.
func PolicyFromConfig(name string, cfg config.Stage) Policy {
	policy := Policy{
		Name:            name,
		Model:           cfg.Model,
		OutputSchema:    cfg.OutputSchema,
		JudgeThreshold:  cfg.JudgeThreshold,
		InputCostPer1K:  deref(cfg.InputCostPer1K),
		OutputCostPer1K: deref(cfg.OutputCostPer1K),
		Temperature:     deref(cfg.Temperature),
		SingleShot:      cfg.SingleShot != nil && *cfg.SingleShot,
		Retry: RetryPolicy{
			Escalation: append([]float64(nil), cfg.Escalation...),
		},
		Failure: FailurePolicy{
			HumanInTheLoop: cfg.HumanInTheLoop != nil && *cfg.HumanInTheLoop,
			NonFatal:       cfg.NonFatal != nil && *cfg.NonFatal,
			FailureMessage: cfg.FailureMessage,
		},
	}
	if cfg.MaxRetries != nil && *cfg.MaxRetries > 0 {
		policy.Retry.MaxRetries = *cfg.MaxRetries
	}
	if cfg.RetryDelay != nil && *cfg.RetryDelay > 0 {
		policy.Retry.RetryDelay = time.Duration(*cfg.RetryDelay * float64(time.Second))
	}
	return policy
}

// MaxAttempts is max_retries+1.
func (p Policy) MaxAttempts() int {
	return p.Retry.MaxRetries + 1
}

// TemperatureFor returns the escalated temperature for attempt (1-based)
// within one engine invocation.
func (p Policy) TemperatureFor(attempt int) float64 {
	if len(p.Retry.Escalation) == 0 {
		return p.Temperature
	}
	idx := min(max(attempt-1, 0), len(p.Retry.Escalation)-1)
	return p.Retry.Escalation[idx]
}

// PriceTokens applies the per-1k token rates, rounded to six decimals.
func (p Policy) PriceTokens(inputTokens, outputTokens int64) float64 {
	cost := float64(inputTokens)/1000*p.InputCostPer1K + float64(outputTokens)/1000*p.OutputCostPer1K
	return RoundCost(cost)
}

// RoundCost rounds to six decimal places.
func RoundCost(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
