// Package daemon coordinates the long-running pmwd process.
//
// It wires configuration, the store, the workflow manager and the API server
// into a single lifecycle with flock-based locking to prevent two daemons from
// sharing one state directory. Stop shuts the API down first, then waits for
// in-flight stages before releasing the lock.
//
// Keep orchestration logic here: stage execution lives in workflow and
// pipeline while the daemon focuses on startup, shutdown and status.
package daemon
