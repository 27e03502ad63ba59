// Package pipeline defines the ordered stages of a content run, the per-phase
// working state and the PhaseResult boundary between a phase and the run.
//
// A phase receives only the named inputs it needs from PipelineState and
// hands back a PhaseResult; its working struct never leaves the package.
// Runner executes one claimed stage at a time through the retry engine and
// advances the run, which is shared by the queue workers and tick mode.
package pipeline
