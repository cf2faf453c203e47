// Package engine owns the per-channel reconciliation state and runs the
// pipeline that turns ledger transactions into a renderable timeline.
//
// ARCHITECTURE:
//
// One Engine per channel owns the processed-signature memo, the partial
// assembly map, the visibility cache and the reaction memo. Nothing else
// mutates them.
//
// Operations (Load, LoadMore, LoadNewer, Refresh, Ingest, PendingChanged,
// SetBalance) hold the operation lock for their whole duration. Every
// collaborator call happens before any state is touched, so a transport
// failure leaves the engine exactly as it was.
//
// Pushed changes (live transactions, balance notifications, pending-list
// changes) are enqueued on a FIFO and applied by Run, a single-writer loop
// that drains the queue and applies each batch in one pass.
//
// Pass order:
//  1. decode new transactions concurrently, memoising empty ones
//  2. assemble fragments into messages
//  3. reconcile with the pending list
//  4. gate content on the viewer's balances
//  5. aggregate reactions and reply links
//  6. project the timeline order
//
// The result is published as an immutable Snapshot through an atomic
// pointer, so readers never observe a half-applied batch.
//
// CANCELLATION:
//
// Every engine carries a Ticket. Operations re-check it after each
// suspension point; once the engine is closed (the user switched channels)
// in-flight results are discarded with ErrStale.
package engine
