// Package stage defines the contract between the workflow core and the
// external collaborators that do the actual work of a stage.
//
// An Executor performs one attempt and reports output, an optional judge
// score, token usage and cost. A Validator decides whether that output is
// acceptable. Policy carries the per-stage retry and failure settings built
// from configuration. Instrument decorates any executor with logging,
// OpenTelemetry counters and a span per call.
package stage
