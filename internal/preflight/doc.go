// Package preflight provides readiness checks for the filesystem paths and
// external services pmwd depends on.
//
// These checks run in two contexts:
//   - pmwd runs RunAll before starting workers and logs every failure.
//   - The CLI "pmw status" command renders the same results as a table.
//
// Each check is gated by configuration: Redis is probed only when a URL is
// set, and the agent service only when the http executor is selected.
package preflight
