package services_test

import (
	"errors"
	"strings"
	"testing"

	"pmwflow/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrExecutor, "research", "execute", "call failed", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrExecutor) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"research", "execute", "call failed", "boom"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestDetailsClassifiesMarkers(t *testing.T) {
	cases := []struct {
		err  error
		kind services.Kind
	}{
		{services.Wrap(services.ErrValidation, "planning", "judge", "score below threshold", nil), services.KindValidation},
		{services.Wrap(services.ErrExhausted, "content", "retry", "gave up", errors.New("x")), services.KindExhausted},
		{services.Wrap(services.ErrConfiguration, "", "", "missing policy", nil), services.KindConfiguration},
		{errors.New("plain"), services.KindTransient},
	}
	for _, tc := range cases {
		details := services.Details(tc.err)
		if details.Kind != tc.kind {
			t.Fatalf("expected kind %s for %v, got %s", tc.kind, tc.err, details.Kind)
		}
		if details.Hint == "" {
			t.Fatalf("expected hint for %v", tc.err)
		}
	}

	wrapped := services.Wrap(services.ErrExecutor, "research", "execute", "call failed", errors.New("dial tcp"))
	details := services.Details(wrapped)
	if details.Stage != "research" || details.Operation != "execute" || details.Message != "call failed" {
		t.Fatalf("unexpected details: %+v", details)
	}
	if details.Cause == nil || details.Cause.Error() != "dial tcp" {
		t.Fatalf("expected cause to be preserved, got %v", details.Cause)
	}
}

func TestDetailsNil(t *testing.T) {
	if details := services.Details(nil); details.Kind != "" {
		t.Fatalf("expected empty details for nil error, got %+v", details)
	}
}
