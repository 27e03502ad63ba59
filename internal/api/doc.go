// Package api serves the trigger and operator HTTP surface and defines the
// wire-format types shared with the pmw CLI.
//
// # Endpoints
//
// POST /api/workflow/trigger and POST /api/workflow/restart create and resume
// runs through the workflow service. GET /api/runs, /api/runs/{id} and
// /api/runs/{id}/verify read runs, their attempt rows and the audit chain.
// GET /api/status reports daemon and worker state, GET /api/events streams
// event envelopes as Server-Sent Events, and GET /health is an unauthenticated
// liveness probe that pings the database.
//
// # Design Notes
//
// Request bodies are decoded strictly and checked with validator tags before
// any store access. Errors carry the services taxonomy, which maps onto HTTP
// status codes in writeServiceError. When an API token is configured every
// route except /health requires "Authorization: Bearer <token>".
//
// DTOs use snake_case JSON tags to match the event envelope and dispatch token
// formats. Timestamps use RFC3339 with milliseconds.
package api
