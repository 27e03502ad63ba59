// Package retry runs a stage executor under its retry policy.
//
// ExecuteWithRetries makes up to max_retries+1 attempts, escalating the
// temperature per attempt, persisting one stage row per attempt number and
// emitting stage.started/stage.resumed, cost.update and stage.retry events.
// Once attempts run out HandleExhaustion pauses the run for a human, skips a
// non-fatal stage, or fails the run.
package retry
