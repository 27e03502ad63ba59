// Package events carries workflow events to live observers.
//
// Every event is an Envelope whose JSON form is flat: the fixed keys
// event_type, run_id, agent, stage and ts sit beside the payload keys.
// Delivery is best effort. RedisBus publishes on a pub/sub channel through an
// asynchronous buffer that drops when full, and Hub keeps a bounded replay
// buffer for Server-Sent-Events clients. Emitter fans an event out to the
// publishers and appends it to the audit vault.
package events
