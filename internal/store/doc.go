// Package store provides the SQLite-backed reference collaborators for the
// reconciliation engine.
//
// The store holds:
//   - Transactions: an archive of ledger transactions per channel
//   - Pending messages: the send path's outbox
//   - Balances: the viewer's holdings per asset
//
// # Ordering
//
// Window reads use keyset paging over (slot, signature COLLATE BINARY), so
// the same archive always yields the same windows. The live feed orders by
// updated_seq, a counter bumped on every insert and status change.
//
// # Idempotency
//
// Inserting a transaction that exists is a no-op except for a status
// transition out of pending. Pending messages are keyed by message id with
// ON CONFLICT DO NOTHING.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
