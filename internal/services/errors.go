package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrExecutor      = errors.New("executor call failed")
	ErrValidation    = errors.New("validation error")
	ErrExhausted     = errors.New("retries exhausted")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
	ErrTransient     = errors.New("transient failure")
	ErrInvalidState  = errors.New("invalid state")
)

// Kind is the coarse classification attached to wrapped errors.
type Kind string

const (
	KindExecutor      Kind = "executor"
	KindValidation    Kind = "validation"
	KindExhausted     Kind = "exhausted"
	KindConfiguration Kind = "configuration"
	KindNotFound      Kind = "not_found"
	KindInvalidState  Kind = "invalid_state"
	KindTransient     Kind = "transient"
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one of the
// exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return &detailedError{
			marker:    marker,
			stage:     strings.TrimSpace(stage),
			operation: strings.TrimSpace(operation),
			message:   strings.TrimSpace(message),
			err:       fmt.Errorf("%w: %s: %w", marker, detail, err),
			cause:     err,
		}
	}
	return &detailedError{
		marker:    marker,
		stage:     strings.TrimSpace(stage),
		operation: strings.TrimSpace(operation),
		message:   strings.TrimSpace(message),
		err:       fmt.Errorf("%w: %s", marker, detail),
	}
}

type detailedError struct {
	marker    error
	stage     string
	operation string
	message   string
	err       error
	cause     error
}

func (e *detailedError) Error() string { return e.err.Error() }

func (e *detailedError) Unwrap() error { return e.err }

// ErrorDetails summarizes a wrapped error for structured logging.
type ErrorDetails struct {
	Kind      Kind
	Stage     string
	Operation string
	Message   string
	Hint      string
	Cause     error
}

// Details extracts classification data from err. Errors not produced by Wrap
// are reported as transient with the raw message.
func Details(err error) ErrorDetails {
	if err == nil {
		return ErrorDetails{}
	}
	details := ErrorDetails{Kind: KindOf(err), Message: strings.TrimSpace(err.Error())}
	var de *detailedError
	if errors.As(err, &de) {
		details.Stage = de.stage
		details.Operation = de.operation
		if de.message != "" {
			details.Message = de.message
		}
		details.Cause = de.cause
	}
	details.Hint = hintFor(details.Kind)
	return details
}

// KindOf maps err onto its marker classification.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrExhausted):
		return KindExhausted
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrExecutor):
		return KindExecutor
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	default:
		return KindTransient
	}
}

func hintFor(kind Kind) string {
	switch kind {
	case KindExecutor:
		return "check executor service availability"
	case KindValidation:
		return "inspect judge feedback on the stage record"
	case KindExhausted:
		return "restart the stage once the cause is fixed"
	case KindConfiguration:
		return "review the stage policy in config.toml"
	case KindNotFound:
		return "verify the run and stage identifiers"
	case KindInvalidState:
		return "check run status before retrying the request"
	default:
		return "check logs for details"
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
