// Package config loads, normalizes, and validates pmwflow configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// DATABASE_URL and REDIS_URL. Stage tables are merged over per-stage defaults
// so a file only needs to name the policy values it changes.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, a known database driver, and complete stage policies.
package config
