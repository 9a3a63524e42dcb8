// Package store provides SQLite-backed durable storage for worker oplogs.
//
// One database holds the logs of many workers:
//   - oplog_entries: encoded entries keyed by (component, worker name, index)
//   - oplog_heads: the last index ever appended per worker
//   - payloads: external payloads referenced from entries
//
// # Invariants
//
// Contiguity: an append must start at the stored head plus one and carry
// consecutive indexes. The check and the inserts share one transaction, so
// a rejected or cancelled append leaves no trace.
//
// Heads outlive prefixes: dropping a prefix deletes entries but not the
// head, so a log that was fully compacted continues where it stopped.
//
// Entries are stored as opaque msgpack envelopes. The kind column is
// derived from the envelope tag and only serves filtering.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
package store
