// Package store persists workflow runs, their stage attempts, the audit vault
// and operator interventions in SQLite or Postgres.
//
// One Store serves both dialects over database/sql. Queries are written with
// '?' placeholders and rebound for Postgres, timestamps are stored as
// fixed-width UTC text on SQLite and timestamptz on Postgres, and lock
// conflicts (SQLITE_BUSY, serialization failures) are retried with bounded
// backoff. Migrations for each dialect are embedded and applied on Open.
//
// Status columns only move forward. Every transition is a guarded UPDATE, and
// ReclaimExpired is the single path that returns a running attempt to pending.
package store
