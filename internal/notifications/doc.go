// Package notifications delivers workflow alerts via ntfy.
//
// The ntfy service posts a plain-text message to the configured topic URL and
// degrades to a no-op when no topic is set. Stage exhaustion alerts reach it
// through Alerter, which plugs into the retry engine; run completion is
// published by the workflow manager when enabled.
package notifications
