// Package dispatch moves stage tokens from triggers to workers.
//
// A token names a stage row and its run. Tokens only say "this row may be
// ready"; workers always claim the row in the store before doing work, so
// duplicate or stale tokens are harmless. RedisQueue uses a Redis list
// (LPUSH, BRPOP) so several processes share one queue, and MemoryQueue serves
// a single process without Redis.
package dispatch
