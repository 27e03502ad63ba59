package stage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Request describes one executor attempt.
type Request struct {
	RunID       int64          `json:"run_id"`
	StageID     int64          `json:"stage_id"`
	Stage       string         `json:"stage"`
	Attempt     int            `json:"attempt"`
	Temperature float64        `json:"temperature"`
	Input       map[string]any `json:"input,omitempty"`
	Model       string         `json:"model,omitempty"`
}

// Response is what an executor reports for one attempt. A zero Cost means the
// engine prices the tokens with the stage's configured rates.
type Response struct {
	Output       string   `json:"output"`
	Score        *float64 `json:"score,omitempty"`
	Feedback     string   `json:"feedback,omitempty"`
	Model        string   `json:"model,omitempty"`
	Prompt       string   `json:"prompt,omitempty"`
	InputTokens  int64    `json:"input_tokens"`
	OutputTokens int64    `json:"output_tokens"`
	Cost         float64  `json:"cost"`
}

// Executor performs a single attempt of a stage.
type Executor interface {
	Execute(ctx context.Context, req Request) (Response, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req Request) (Response, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Unwrapper is implemented by executor decorators.
type Unwrapper interface {
	Unwrap() Executor
}

type singleShot struct {
	Executor
}

func (s singleShot) Unwrap() Executor { return s.Executor }

func (singleShot) isSingleShot() {}

// SingleShot marks exec as non-generative. The retry engine runs such
// executors exactly once regardless of max_retries.
func SingleShot(exec Executor) Executor {
	if exec == nil || IsSingleShot(exec) {
		return exec
	}
	return singleShot{Executor: exec}
}

// IsSingleShot reports whether exec or anything it wraps was marked SingleShot.
func IsSingleShot(exec Executor) bool {
	for exec != nil {
		if _, ok := exec.(interface{ isSingleShot() }); ok {
			return true
		}
		unwrapper, ok := exec.(Unwrapper)
		if !ok {
			return false
		}
		exec = unwrapper.Unwrap()
	}
	return false
}

// Fingerprint identifies a prompt by the first 16 hex characters of its sha256.
func Fingerprint(prompt string) string {
	if prompt == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])[:16]
}

// Set maps stage names to executors.
type Set map[string]Executor

// Lookup returns the executor registered for name.
func (s Set) Lookup(name string) (Executor, bool) {
	exec, ok := s[name]
	return exec, ok && exec != nil
}
