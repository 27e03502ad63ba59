package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"pmwflow/internal/services"
)

const maxBodyBytes = 64 << 10

// RequestError is a rejected request body. Fields maps JSON field names to
// the failed validation tag.
type RequestError struct {
	Message string
	Fields  map[string]string
}

func (e *RequestError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	parts := make([]string, 0, len(e.Fields))
	for field, tag := range e.Fields {
		parts = append(parts, field+" "+tag)
	}
	return fmt.Sprintf("%s: %s", e.Message, strings.Join(parts, ", "))
}

// Unwrap ties request errors to the validation marker.
func (e *RequestError) Unwrap() error { return services.ErrValidation }

// NewValidator returns a validator that reports JSON field names.
func NewValidator() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return validate
}

// DecodeRequest strictly decodes one JSON object from body into dst and
// validates it. An empty body decodes as an empty object.
func DecodeRequest(validate *validator.Validate, body io.Reader, dst any) error {
	decoder := json.NewDecoder(io.LimitReader(body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return &RequestError{Message: "invalid request body: " + err.Error()}
	}
	if decoder.More() {
		return &RequestError{Message: "invalid request body: trailing data"}
	}
	if err := validate.Struct(dst); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			fields := make(map[string]string, len(validationErrors))
			for _, fe := range validationErrors {
				fields[fe.Field()] = fe.Tag()
			}
			return &RequestError{Message: "validation failed", Fields: fields}
		}
		return &RequestError{Message: "validation failed: " + err.Error()}
	}
	return nil
}
