// Package workflow runs the worker loops that move runs through their stages.
//
// In queue mode each worker blocks on the dispatch queue, claims the stage
// named by a token and executes it through the pipeline runner under a lease
// heartbeat. In tick mode a single loop drives the oldest pending run end to
// end on a fixed interval. Both modes share the reaper, which returns stages
// of runs with expired leases to pending, and the sweeper, which re-dispatches
// pending stages whose token was lost.
//
// Shutdown only cancels the loops. A claimed stage always runs to completion,
// failure or pause before its worker exits.
//
// Service is the trigger and operator surface used by the HTTP API and the CLI.
package workflow
