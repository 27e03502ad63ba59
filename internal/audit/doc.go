// Package audit keeps the tamper-evident vault of workflow events.
//
// Each run has its own chain. A link stores the canonical JSON payload, the
// sha256 of that payload and the hash of the previous link, starting from a
// genesis value of 64 zeros. Appends never fail the caller; Verify walks a
// chain and reports the first link that no longer matches.
package audit
