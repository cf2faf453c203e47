package ledger

import "context"

// Fetcher reads bounded windows of a channel's transactions.
//
// Every method returns transactions in ascending cursor order and never
// more than limit entries.
type Fetcher interface {
	// FetchWindow returns the newest limit transactions of the channel.
	FetchWindow(ctx context.Context, channel string, limit int) ([]Transaction, error)

	// FetchOlder returns the limit transactions immediately before the cursor.
	FetchOlder(ctx context.Context, channel string, before Cursor, limit int) ([]Transaction, error)

	// FetchNewer returns up to limit transactions immediately after the cursor.
	FetchNewer(ctx context.Context, channel string, after Cursor, limit int) ([]Transaction, error)
}

// Unsubscribe stops a live feed. It is safe to call more than once.
type Unsubscribe func()

// Subscriber delivers transactions as they land on the ledger, including
// status updates for transactions already delivered.
type Subscriber interface {
	SubscribeNew(ctx context.Context, channel string, fn func(Transaction)) (Unsubscribe, error)
}

// WindowSource is the full transaction window contract.
type WindowSource interface {
	Fetcher
	Subscriber
}

// Source composes a window source from a separate fetcher and live feed,
// e.g. an archive for paging and a message bus for new transactions.
type Source struct {
	Fetcher
	Subscriber
}

var _ WindowSource = Source{}

// PendingSource exposes the send path's pending messages for a channel.
type PendingSource interface {
	Pending(ctx context.Context, channel string) ([]PendingMessage, error)
}

// BalanceSource looks up and watches an account's holding of an asset.
type BalanceSource interface {
	Balance(ctx context.Context, account, asset string) (uint64, error)

	// WatchBalance calls fn whenever the balance changes until stop is called.
	WatchBalance(account, asset string, fn func(uint64)) (stop func())
}
