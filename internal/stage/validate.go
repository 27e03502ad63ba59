package stage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"pmwflow/internal/services"
)

// Validator accepts or rejects an executor response. A rejection is a
// validation failure and counts as a failed attempt.
type Validator interface {
	Validate(resp Response) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(resp Response) error

// Validate implements Validator.
func (f ValidatorFunc) Validate(resp Response) error { return f(resp) }

// Chain runs validators in order and returns the first rejection.
func Chain(validators ...Validator) Validator {
	filtered := make([]Validator, 0, len(validators))
	for _, v := range validators {
		if v != nil {
			filtered = append(filtered, v)
		}
	}
	return ValidatorFunc(func(resp Response) error {
		for _, v := range filtered {
			if err := v.Validate(resp); err != nil {
				return err
			}
		}
		return nil
	})
}

// StripCodeFence removes a surrounding Markdown code fence, with or without a
// language tag.
func StripCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if nl := strings.IndexByte(trimmed, '\n'); nl >= 0 {
		trimmed = trimmed[nl+1:]
	} else {
		trimmed = ""
	}
	trimmed = strings.TrimSpace(trimmed)
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}

// JSONOutput requires the output, once any code fence is stripped, to be a
// JSON object or array.
func JSONOutput() Validator {
	return ValidatorFunc(func(resp Response) error {
		body := StripCodeFence(resp.Output)
		if body == "" {
			return services.Wrap(services.ErrValidation, "", "validate output", "output is empty", nil)
		}
		if body[0] != '{' && body[0] != '[' {
			return services.Wrap(services.ErrValidation, "", "validate output", "output is not a JSON object or array", nil)
		}
		if !json.Valid([]byte(body)) {
			return services.Wrap(services.ErrValidation, "", "validate output", "output is not valid JSON", nil)
		}
		return nil
	})
}

// ScoreThreshold requires a judge score of at least threshold.
func ScoreThreshold(threshold float64) Validator {
	return ValidatorFunc(func(resp Response) error {
		if resp.Score == nil {
			return services.Wrap(services.ErrValidation, "", "judge output", "judge returned no score", nil)
		}
		if *resp.Score < threshold {
			msg := fmt.Sprintf("score %.2f below threshold %.2f", *resp.Score, threshold)
			if feedback := strings.TrimSpace(resp.Feedback); feedback != "" {
				msg += ": " + feedback
			}
			return services.Wrap(services.ErrValidation, "", "judge output", msg, nil)
		}
		return nil
	})
}

// SchemaValidator checks the JSON output against a JSON Schema.
type SchemaValidator struct {
	schema *gojsonschema.Schema
}

// NewSchemaValidator compiles schema, which is either inline JSON or a path
// to a schema file.
func NewSchemaValidator(schema string) (*SchemaValidator, error) {
	source := strings.TrimSpace(schema)
	if source == "" {
		return nil, errors.New("schema is empty")
	}
	if !strings.HasPrefix(source, "{") {
		data, err := os.ReadFile(source)
		if err != nil {
			return nil, fmt.Errorf("read output schema: %w", err)
		}
		source = string(data)
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(source))
	if err != nil {
		return nil, fmt.Errorf("compile output schema: %w", err)
	}
	return &SchemaValidator{schema: compiled}, nil
}

// Validate implements Validator.
func (v *SchemaValidator) Validate(resp Response) error {
	result, err := v.schema.Validate(gojsonschema.NewStringLoader(StripCodeFence(resp.Output)))
	if err != nil {
		return services.Wrap(services.ErrValidation, "", "validate schema", "output could not be loaded", err)
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "" {
			field = "(root)"
		}
		problems = append(problems, field+": "+desc.Description())
	}
	return services.Wrap(services.ErrValidation, "", "validate schema", strings.Join(problems, "; "), nil)
}

// BuildValidator assembles the validators implied by policy: JSON output,
// the optional output schema and the optional judge threshold.
func BuildValidator(policy Policy) (Validator, error) {
	validators := []Validator{JSONOutput()}
	if policy.OutputSchema != "" {
		schema, err := NewSchemaValidator(policy.OutputSchema)
		if err != nil {
			return nil, services.Wrap(services.ErrConfiguration, policy.Name, "load output schema", "output_schema could not be compiled", err)
		}
		validators = append(validators, schema)
	}
	if policy.JudgeThreshold != nil {
		validators = append(validators, ScoreThreshold(*policy.JudgeThreshold))
	}
	return Chain(validators...), nil
}
