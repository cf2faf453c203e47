// Package testutil provides in-memory collaborators and fixture builders
// for engine, harness and CLI tests.
package testutil

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/roach88/ledgerline/internal/ledger"
)

// Operation names accepted by FailOn and counted by Calls.
const (
	OpFetchWindow = "fetch_window"
	OpFetchOlder  = "fetch_older"
	OpFetchNewer  = "fetch_newer"
	OpSubscribe   = "subscribe"
	OpPending     = "pending"
	OpBalance     = "balance"
)

type balanceKey struct {
	account string
	asset   string
}

type blocker struct {
	entered chan struct{}
	release chan struct{}
}

// Ledger is an in-memory ledger, send-path outbox and balance service.
//
// It implements ledger.WindowSource, ledger.PendingSource and
// ledger.BalanceSource. Subscribers and balance watchers are called
// synchronously from the mutating call.
type Ledger struct {
	mu       sync.Mutex
	txs      map[string][]ledger.Transaction
	pending  map[string][]ledger.PendingMessage
	balances map[balanceKey]uint64
	subs     map[string]map[int]func(ledger.Transaction)
	watchers map[balanceKey]map[int]func(uint64)
	nextID   int
	errs     map[string]error
	calls    map[string]int
	block    *blocker
}

var (
	_ ledger.WindowSource  = (*Ledger)(nil)
	_ ledger.PendingSource = (*Ledger)(nil)
	_ ledger.BalanceSource = (*Ledger)(nil)
)

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		txs:      make(map[string][]ledger.Transaction),
		pending:  make(map[string][]ledger.PendingMessage),
		balances: make(map[balanceKey]uint64),
		subs:     make(map[string]map[int]func(ledger.Transaction)),
		watchers: make(map[balanceKey]map[int]func(uint64)),
		errs:     make(map[string]error),
		calls:    make(map[string]int),
	}
}

// Append adds transactions to a channel, replacing any with the same
// signature, and delivers them to subscribers.
func (l *Ledger) Append(channel string, txs ...ledger.Transaction) {
	l.mu.Lock()
	for _, tx := range txs {
		list := l.txs[channel]
		if i := slices.IndexFunc(list, func(x ledger.Transaction) bool { return x.Signature == tx.Signature }); i >= 0 {
			list[i] = tx
		} else {
			list = append(list, tx)
		}
		slices.SortFunc(list, compareTx)
		l.txs[channel] = list
	}
	subs := l.subscribers(channel)
	l.mu.Unlock()

	for _, tx := range txs {
		for _, fn := range subs {
			fn(tx)
		}
	}
}

// SetStatus changes the status of a held transaction and delivers the
// updated transaction to subscribers. Returns false for unknown signatures.
func (l *Ledger) SetStatus(channel, signature string, status ledger.Status) bool {
	l.mu.Lock()
	list := l.txs[channel]
	i := slices.IndexFunc(list, func(x ledger.Transaction) bool { return x.Signature == signature })
	if i < 0 {
		l.mu.Unlock()
		return false
	}
	list[i].Status = status
	tx := list[i]
	subs := l.subscribers(channel)
	l.mu.Unlock()

	for _, fn := range subs {
		fn(tx)
	}
	return true
}

// AddPending records a pending message in the outbox.
func (l *Ledger) AddPending(p ledger.PendingMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending[p.Channel] = append(l.pending[p.Channel], p)
}

// RemovePending deletes pending messages by id.
func (l *Ledger) RemovePending(channel string, ids ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending[channel] = slices.DeleteFunc(l.pending[channel], func(p ledger.PendingMessage) bool {
		return slices.Contains(ids, p.ID)
	})
}

// SetBalance records a balance and notifies watchers if it changed.
func (l *Ledger) SetBalance(account, asset string, amount uint64) {
	key := balanceKey{account, asset}
	l.mu.Lock()
	prev, known := l.balances[key]
	l.balances[key] = amount
	var fns []func(uint64)
	if !known || prev != amount {
		for _, fn := range l.watchers[key] {
			fns = append(fns, fn)
		}
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(amount)
	}
}

// FailOn makes every later call of op return err. A nil err clears it.
func (l *Ledger) FailOn(op string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.errs, op)
		return
	}
	l.errs[op] = err
}

// Calls returns how many times op was called.
func (l *Ledger) Calls(op string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[op]
}

// Block makes fetches wait until release is called or their context ends.
// entered receives once per blocked fetch.
func (l *Ledger) Block() (entered <-chan struct{}, release func()) {
	b := &blocker{
		entered: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
	l.mu.Lock()
	l.block = b
	l.mu.Unlock()

	var once sync.Once
	return b.entered, func() {
		once.Do(func() {
			l.mu.Lock()
			if l.block == b {
				l.block = nil
			}
			l.mu.Unlock()
			close(b.release)
		})
	}
}

// begin counts the call, waits out a block and returns the injected error.
func (l *Ledger) begin(ctx context.Context, op string) error {
	l.mu.Lock()
	l.calls[op]++
	b := l.block
	l.mu.Unlock()

	if b != nil {
		select {
		case b.entered <- struct{}{}:
		default:
		}
		select {
		case <-b.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.errs[op]
}

// FetchWindow implements ledger.Fetcher.
func (l *Ledger) FetchWindow(ctx context.Context, channel string, limit int) ([]ledger.Transaction, error) {
	if err := l.begin(ctx, OpFetchWindow); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	list := l.txs[channel]
	return slices.Clone(list[max(0, len(list)-limit):]), nil
}

// FetchOlder implements ledger.Fetcher.
func (l *Ledger) FetchOlder(ctx context.Context, channel string, before ledger.Cursor, limit int) ([]ledger.Transaction, error) {
	if err := l.begin(ctx, OpFetchOlder); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	list := l.txs[channel]
	end := slices.IndexFunc(list, func(tx ledger.Transaction) bool { return !tx.Cursor().Less(before) })
	if end < 0 {
		end = len(list)
	}
	return slices.Clone(list[max(0, end-limit):end]), nil
}

// FetchNewer implements ledger.Fetcher.
func (l *Ledger) FetchNewer(ctx context.Context, channel string, after ledger.Cursor, limit int) ([]ledger.Transaction, error) {
	if err := l.begin(ctx, OpFetchNewer); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []ledger.Transaction{}
	for _, tx := range l.txs[channel] {
		if after.Less(tx.Cursor()) {
			out = append(out, tx)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// SubscribeNew implements ledger.Subscriber.
func (l *Ledger) SubscribeNew(ctx context.Context, channel string, fn func(ledger.Transaction)) (ledger.Unsubscribe, error) {
	if err := l.begin(ctx, OpSubscribe); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	if l.subs[channel] == nil {
		l.subs[channel] = make(map[int]func(ledger.Transaction))
	}
	l.subs[channel][id] = fn

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.subs[channel], id)
	}, nil
}

// Subscribers returns the number of live subscriptions on channel.
func (l *Ledger) Subscribers(channel string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs[channel])
}

func (l *Ledger) subscribers(channel string) []func(ledger.Transaction) {
	ids := make([]int, 0, len(l.subs[channel]))
	for id := range l.subs[channel] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]func(ledger.Transaction), 0, len(ids))
	for _, id := range ids {
		out = append(out, l.subs[channel][id])
	}
	return out
}

// Pending implements ledger.PendingSource.
func (l *Ledger) Pending(ctx context.Context, channel string) ([]ledger.PendingMessage, error) {
	if err := l.begin(ctx, OpPending); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.pending[channel]), nil
}

// Balance implements ledger.BalanceSource.
func (l *Ledger) Balance(ctx context.Context, account, asset string) (uint64, error) {
	if err := l.begin(ctx, OpBalance); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[balanceKey{account, asset}], nil
}

// WatchBalance implements ledger.BalanceSource.
func (l *Ledger) WatchBalance(account, asset string, fn func(uint64)) func() {
	key := balanceKey{account, asset}
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	if l.watchers[key] == nil {
		l.watchers[key] = make(map[int]func(uint64))
	}
	l.watchers[key][id] = fn

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.watchers[key], id)
	}
}

// Watchers returns the number of live balance watches.
func (l *Ledger) Watchers(account, asset string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.watchers[balanceKey{account, asset}])
}

func compareTx(a, b ledger.Transaction) int {
	return cmp.Or(cmp.Compare(a.Slot, b.Slot), cmp.Compare(a.Signature, b.Signature))
}
