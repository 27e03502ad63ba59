package stage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"pmwflow/internal/logging"
	"pmwflow/internal/services"
)

const instrumentationName = "pmwflow/stage"

var (
	metricsOnce    sync.Once
	callCounter    otelmetric.Int64Counter
	tokenCounter   otelmetric.Int64Counter
	costCounter    otelmetric.Float64Counter
	metricsInitErr error
)

func initStageMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error
	callCounter, err = meter.Int64Counter("stage_calls_total")
	if err != nil {
		metricsInitErr = err
		return
	}
	tokenCounter, err = meter.Int64Counter("stage_tokens_total")
	if err != nil {
		metricsInitErr = err
		return
	}
	costCounter, err = meter.Float64Counter("stage_cost_total")
	if err != nil {
		metricsInitErr = err
	}
}

type instrumented struct {
	next   Executor
	logger *slog.Logger
	tracer trace.Tracer
}

// Instrument wraps exec with a span, call and token counters, and a log line
// per attempt. Metrics go to the global OpenTelemetry providers.
func Instrument(exec Executor, logger *slog.Logger) Executor {
	if exec == nil {
		return nil
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	metricsOnce.Do(initStageMetrics)
	return &instrumented{
		next:   exec,
		logger: logging.NewComponentLogger(logger, "executor"),
		tracer: otel.Tracer(instrumentationName),
	}
}

func (i *instrumented) Unwrap() Executor { return i.next }

// Execute implements Executor.
func (i *instrumented) Execute(ctx context.Context, req Request) (Response, error) {
	attrs := []attribute.KeyValue{
		attribute.String("stage", req.Stage),
		attribute.Int64("run_id", req.RunID),
	}
	ctx, span := i.tracer.Start(ctx, "stage.execute", trace.WithAttributes(
		append(attrs,
			attribute.Int("attempt", req.Attempt),
			attribute.Float64("temperature", req.Temperature),
		)...,
	))
	defer span.End()

	started := time.Now()
	resp, err := i.next.Execute(ctx, req)
	elapsed := time.Since(started)

	logger := logging.WithContext(ctx, i.logger).With(
		logging.String(logging.FieldStage, req.Stage),
		logging.Attempt(req.Attempt),
		logging.Duration("elapsed", elapsed),
	)
	outcome := "ok"
	if err != nil {
		outcome = string(services.KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Debug("executor call failed", logging.Args(logging.ErrorAttrs(err)...)...)
	} else {
		span.SetStatus(codes.Ok, "")
		span.SetAttributes(
			attribute.Int64("input_tokens", resp.InputTokens),
			attribute.Int64("output_tokens", resp.OutputTokens),
			attribute.String("model", resp.Model),
		)
		logger.Debug("executor call finished",
			logging.Int64("input_tokens", resp.InputTokens),
			logging.Int64("output_tokens", resp.OutputTokens),
		)
	}

	if metricsInitErr == nil {
		callCounter.Add(ctx, 1, otelmetric.WithAttributes(append(attrs[:1:1], attribute.String("outcome", outcome))...))
		if resp.InputTokens > 0 {
			tokenCounter.Add(ctx, resp.InputTokens, otelmetric.WithAttributes(attrs[0], attribute.String("direction", "input")))
		}
		if resp.OutputTokens > 0 {
			tokenCounter.Add(ctx, resp.OutputTokens, otelmetric.WithAttributes(attrs[0], attribute.String("direction", "output")))
		}
		if resp.Cost > 0 {
			costCounter.Add(ctx, resp.Cost, otelmetric.WithAttributes(attrs[0]))
		}
	}
	return resp, err
}
