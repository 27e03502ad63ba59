// Package main implements pmw, the operator CLI for pmwflow.
//
// Run, stage, verify, trigger and restart commands talk to the store
// directly so they work whether or not pmwd is running. status and events
// also reach the daemon's HTTP API and the Redis event channel.
package main
