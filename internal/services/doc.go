// Package services defines shared utilities consumed by the workflow engine,
// the stage executors, and the API.
//
// Key responsibilities:
//   - Context helpers that stamp run IDs, stage IDs, stage names, worker names,
//     and correlation identifiers for logging.
//   - Structured error markers plus the Wrap and Details helpers that classify
//     failures (executor call, validation, exhaustion, configuration).
//
// Use these helpers when wiring new stage logic so operational behaviour (error
// handling, observability, retries) stays uniform across the pipeline.
package services
