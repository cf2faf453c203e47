package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc/iter"

	"github.com/roach88/ledgerline/internal/assemble"
	"github.com/roach88/ledgerline/internal/decode"
	"github.com/roach88/ledgerline/internal/ledger"
	"github.com/roach88/ledgerline/internal/message"
	"github.com/roach88/ledgerline/internal/metrics"
	"github.com/roach88/ledgerline/internal/reconcile"
	"github.com/roach88/ledgerline/internal/schema"
	"github.com/roach88/ledgerline/internal/thread"
	"github.com/roach88/ledgerline/internal/timeline"
	"github.com/roach88/ledgerline/internal/visibility"
)

// DefaultPageSize is the number of transactions fetched per page.
const DefaultPageSize = 50

// Deps are the collaborators an engine reads from. Only Window is required.
type Deps struct {
	Window   ledger.WindowSource
	Pending  ledger.PendingSource
	Balances ledger.BalanceSource
	Content  visibility.ContentDecoder
}

// Engine owns the reconciliation state of one channel.
//
// Thread-safety model:
//   - operations and Run serialize on the operation lock
//   - Snapshot, Timeline and Reactions never block
//   - Close may be called from any goroutine at any time
type Engine struct {
	channel   string
	deps      Deps
	ticket    Ticket
	pageSize  int
	viewer    string
	program   string
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tokens    TokenGenerator
	validator *schema.Validator
	clock     *Clock
	onPublish func(*Snapshot)

	queue *eventQueue
	snap  atomic.Pointer[Snapshot]

	closed   atomic.Bool
	lifetime context.Context
	cancel   context.CancelFunc

	// subMu guards the live feed and balance watches so Close can stop them
	// without waiting for the operation lock.
	subMu   sync.Mutex
	unsub   ledger.Unsubscribe
	watches map[string]func()

	// mu is the operation lock. It guards every field below.
	mu         sync.Mutex
	decoder    *decode.Decoder
	statuses   map[string]ledger.Status
	empty      map[string]struct{}
	assembler  *assemble.Assembler
	gate       *visibility.Gate
	aggregator *thread.Aggregator
	pending    []ledger.PendingMessage
	balances   map[string]uint64
	oldest     ledger.Cursor
	newest     ledger.Cursor
	more       bool
}

// EngineOption configures an engine.
type EngineOption func(*Engine)

// WithPageSize sets how many transactions Load fetches and the default
// count for LoadMore, LoadNewer and Refresh.
func WithPageSize(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// WithViewer sets the account whose balances gate content and whose
// reactions are marked as mine.
func WithViewer(account string) EngineOption {
	return func(e *Engine) { e.viewer = account }
}

// WithProgram sets the protocol program id the decoder accepts.
func WithProgram(program string) EngineOption {
	return func(e *Engine) { e.program = program }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics records pass and transport metrics.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithTokenGenerator sets the ticket token source.
func WithTokenGenerator(g TokenGenerator) EngineOption {
	return func(e *Engine) {
		if g != nil {
			e.tokens = g
		}
	}
}

// WithValidator shares a compiled protocol schema between engines.
func WithValidator(v *schema.Validator) EngineOption {
	return func(e *Engine) { e.validator = v }
}

// WithClock shares a version clock between engines.
func WithClock(c *Clock) EngineOption {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithOnPublish registers a hook called with every published snapshot.
// The hook runs under the operation lock and must not call back into the
// engine's operations.
func WithOnPublish(fn func(*Snapshot)) EngineOption {
	return func(e *Engine) { e.onPublish = fn }
}

// New creates an engine for channel. The engine starts with an empty
// snapshot; call Load to fetch the first window.
func New(channel string, deps Deps, opts ...EngineOption) (*Engine, error) {
	if channel == "" {
		return nil, errors.New("engine: channel is required")
	}
	if deps.Window == nil {
		return nil, errors.New("engine: window source is required")
	}

	e := &Engine{
		channel:  channel,
		deps:     deps,
		pageSize: DefaultPageSize,
		program:  decode.DefaultProgram,
		logger:   slog.Default(),
		tokens:   UUIDv7Generator{},
		clock:    NewClock(),
		queue:    newEventQueue(),
		watches:  make(map[string]func()),
		statuses: make(map[string]ledger.Status),
		empty:    make(map[string]struct{}),
		balances: make(map[string]uint64),
		more:     true,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.validator == nil {
		v, err := schema.New()
		if err != nil {
			return nil, err
		}
		e.validator = v
	}

	e.ticket = Ticket{Channel: channel, Token: e.tokens.Generate()}
	e.logger = e.logger.With("channel", channel)
	e.lifetime, e.cancel = context.WithCancel(context.Background())
	e.decoder = decode.New(e.program, channel)
	e.assembler = assemble.New(e.validator, e.logger)
	e.gate = visibility.NewGate(e.validator, deps.Content, e.logger)
	e.aggregator = thread.NewAggregator(e.viewer)
	e.snap.Store(emptySnapshot(channel))

	return e, nil
}

// Channel returns the channel the engine owns.
func (e *Engine) Channel() string { return e.channel }

// Ticket returns the engine's cancellation ticket.
func (e *Engine) Ticket() Ticket { return e.ticket }

// Snapshot returns the last published snapshot.
func (e *Engine) Snapshot() *Snapshot { return e.snap.Load() }

// Timeline returns the last published timeline.
func (e *Engine) Timeline() []message.Message { return e.Snapshot().Timeline }

// Reactions returns the last published reaction groups for a message.
func (e *Engine) Reactions(id string) []thread.ReactionGroup {
	return e.Snapshot().ReactionsFor(id)
}

// Load fetches the newest page and the pending list and publishes a
// snapshot. Calling Load again reprocesses the same window idempotently and
// also pages in anything that landed after the newest transaction held.
func (e *Engine) Load(ctx context.Context) (*Snapshot, error) {
	return e.load(ctx, "fetch_window", func(ctx context.Context) ([]ledger.Transaction, bool, error) {
		return e.fetchLatest(ctx, e.pageSize)
	})
}

// LoadMore fetches count transactions older than the oldest one held.
// Once a short page came back there is nothing older and LoadMore returns
// the current snapshot without fetching.
func (e *Engine) LoadMore(ctx context.Context, count int) (*Snapshot, error) {
	count = e.count(count)
	return e.load(ctx, "fetch_older", func(ctx context.Context) ([]ledger.Transaction, bool, error) {
		if e.oldest.IsZero() {
			txs, err := e.deps.Window.FetchWindow(ctx, e.channel, count)
			return txs, len(txs) < count, err
		}
		if !e.more {
			return nil, true, nil
		}
		txs, err := e.deps.Window.FetchOlder(ctx, e.channel, e.oldest, count)
		return txs, len(txs) < count, err
	})
}

// LoadNewer fetches up to count transactions newer than the newest held.
func (e *Engine) LoadNewer(ctx context.Context, count int) (*Snapshot, error) {
	count = e.count(count)
	return e.load(ctx, "fetch_newer", func(ctx context.Context) ([]ledger.Transaction, bool, error) {
		if e.newest.IsZero() {
			txs, err := e.deps.Window.FetchWindow(ctx, e.channel, count)
			return txs, len(txs) < count, err
		}
		txs, err := e.deps.Window.FetchNewer(ctx, e.channel, e.newest, count)
		return txs, false, err
	})
}

// Refresh refetches the newest count transactions and the pending list,
// picking up status changes for transactions already held. Transactions that
// landed between the newest one held and the refetched window are paged in
// too, so the held range stays contiguous.
func (e *Engine) Refresh(ctx context.Context, count int) (*Snapshot, error) {
	count = e.count(count)
	return e.load(ctx, "fetch_window", func(ctx context.Context) ([]ledger.Transaction, bool, error) {
		txs, _, err := e.fetchLatest(ctx, count)
		return txs, false, err
	})
}

// fetchLatest fetches the newest count transactions. When transactions are
// already held it first pages forward from the newest of them until a short
// page comes back, closing any gap up to the window.
func (e *Engine) fetchLatest(ctx context.Context, count int) ([]ledger.Transaction, bool, error) {
	var gap []ledger.Transaction
	for after := e.newest; !after.IsZero(); {
		page, err := e.deps.Window.FetchNewer(ctx, e.channel, after, count)
		if err != nil {
			return nil, false, err
		}
		gap = append(gap, page...)
		if len(page) < count {
			break
		}
		next := page[len(page)-1].Cursor()
		if !after.Less(next) {
			break
		}
		after = next
	}

	txs, err := e.deps.Window.FetchWindow(ctx, e.channel, count)
	if err != nil {
		return nil, false, err
	}
	return append(gap, txs...), len(txs) < count, nil
}

func (e *Engine) count(n int) int {
	if n <= 0 {
		return e.pageSize
	}
	return n
}

// fetchFunc runs under the operation lock and reports whether the page
// reached the start of the channel.
type fetchFunc func(ctx context.Context) (txs []ledger.Transaction, exhausted bool, err error)

// load is the shared fetch-then-apply path. All collaborator calls happen
// before any state is touched.
func (e *Engine) load(ctx context.Context, op string, fetch fetchFunc) (*Snapshot, error) {
	ctx, done, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.ticket

	txs, exhausted, err := fetch(ctx)
	if stale := e.check(t); stale != nil {
		return nil, stale
	}
	if err != nil {
		return nil, e.transport(op, err)
	}

	pending, err := e.fetchPending(ctx)
	if stale := e.check(t); stale != nil {
		return nil, stale
	}
	if err != nil {
		return nil, e.transport("pending", err)
	}

	e.pending = pending
	e.ingest(txs)
	if exhausted {
		e.more = false
	}
	return e.pass(ctx, t)
}

// Ingest applies transactions delivered outside of paging, such as from a
// live feed, and publishes a snapshot.
func (e *Engine) Ingest(ctx context.Context, txs ...ledger.Transaction) (*Snapshot, error) {
	ctx, done, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.ingest(txs)
	return e.pass(ctx, e.ticket)
}

// PendingChanged refetches the pending list and publishes a snapshot.
func (e *Engine) PendingChanged(ctx context.Context) (*Snapshot, error) {
	ctx, done, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.ticket

	pending, err := e.fetchPending(ctx)
	if stale := e.check(t); stale != nil {
		return nil, stale
	}
	if err != nil {
		return nil, e.transport("pending", err)
	}
	e.pending = pending
	return e.pass(ctx, t)
}

// SetBalance records the viewer's balance of asset and re-runs visibility.
// An unchanged balance publishes nothing.
func (e *Engine) SetBalance(ctx context.Context, asset string, amount uint64) (*Snapshot, error) {
	ctx, done, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	e.mu.Lock()
	defer e.mu.Unlock()

	if cur, ok := e.balances[asset]; ok && cur == amount {
		return e.snap.Load(), nil
	}
	e.balances[asset] = amount
	return e.pass(ctx, e.ticket)
}

// NotifyPending queues a pending-list refresh for the Run loop.
// Returns false once the engine is closed.
func (e *Engine) NotifyPending() bool {
	return e.queue.Enqueue(Event{Type: EventPending})
}

// Subscribe starts the live feed. Delivered transactions are queued and
// applied by Run. Subscribing twice is a no-op.
func (e *Engine) Subscribe(ctx context.Context) error {
	if e.closed.Load() {
		return newClosedError(e.channel)
	}

	e.subMu.Lock()
	defer e.subMu.Unlock()
	if e.unsub != nil {
		return nil
	}

	unsub, err := e.deps.Window.SubscribeNew(ctx, e.channel, func(tx ledger.Transaction) {
		e.queue.Enqueue(Event{Type: EventTransaction, Transaction: &tx})
	})
	if err != nil {
		return e.transport("subscribe", err)
	}
	if e.closed.Load() {
		unsub()
		return newStaleError(e.ticket)
	}
	e.unsub = unsub
	return nil
}

// Run applies queued events until ctx is cancelled or the engine is closed.
// Each wake-up drains the whole queue and applies it as one batch.
//
// Must be called from exactly one goroutine. A batch that fails is logged
// and dropped, and the loop continues.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting", "token", e.ticket.Token)

	for {
		if events := e.queue.Drain(); len(events) > 0 {
			if err := e.apply(ctx, events); err != nil {
				if IsStaleError(err) || IsClosedError(err) {
					e.logger.Info("engine stopping: closed")
					return nil
				}
				e.logger.Error("event batch failed", "events", len(events), "error", err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping: context cancelled")
			return ctx.Err()
		case <-e.queue.Wait():
			if e.queue.Closed() && e.queue.Len() == 0 {
				e.logger.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// apply runs one batch of pushed events.
func (e *Engine) apply(ctx context.Context, events []Event) error {
	ctx, done, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.ticket

	var (
		txs            []ledger.Transaction
		balances       = make(map[string]uint64)
		refreshPending bool
	)
	for _, ev := range events {
		switch ev.Type {
		case EventTransaction:
			if ev.Transaction != nil {
				txs = append(txs, *ev.Transaction)
			}
		case EventBalance:
			balances[ev.Asset] = ev.Amount
		case EventPending:
			refreshPending = true
		default:
			e.logger.Warn("ignoring unknown event", "event", ev.Type.String())
		}
	}

	if refreshPending {
		pending, err := e.fetchPending(ctx)
		if stale := e.check(t); stale != nil {
			return stale
		}
		if err != nil {
			// Keep the previous list; the next notification retries.
			e.logger.Warn("pending refresh failed", "error", e.transport("pending", err))
		} else {
			e.pending = pending
		}
	}

	for asset, amount := range balances {
		e.balances[asset] = amount
	}
	e.ingest(txs)
	_, err = e.pass(ctx, t)
	return err
}

// Close stops the live feed and balance watches, discards in-flight
// results and makes Run return. Partial assemblies are dropped with the
// engine. Close is idempotent.
func (e *Engine) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.cancel()
	e.queue.Close()

	e.subMu.Lock()
	unsub := e.unsub
	watches := e.watches
	e.unsub = nil
	e.watches = make(map[string]func())
	e.subMu.Unlock()

	if unsub != nil {
		unsub()
	}
	for _, stop := range watches {
		stop()
	}
	e.logger.Debug("engine closed", "token", e.ticket.Token)
}

// begin derives an operation context that is cancelled when the engine
// closes.
func (e *Engine) begin(ctx context.Context) (context.Context, func(), error) {
	if e.closed.Load() {
		return nil, nil, newClosedError(e.channel)
	}
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(e.lifetime, cancel)
	return ctx, func() {
		stop()
		cancel()
	}, nil
}

// check re-validates the ticket after a suspension point.
func (e *Engine) check(t Ticket) error {
	if e.closed.Load() || t != e.ticket {
		e.metrics.Stale(e.channel)
		e.logger.Debug("discarding stale result", "token", t.Token)
		return newStaleError(t)
	}
	return nil
}

func (e *Engine) transport(op string, err error) error {
	e.metrics.TransportError(e.channel, op)
	return ledger.WrapTransport(op, e.channel, err)
}

func (e *Engine) fetchPending(ctx context.Context) ([]ledger.PendingMessage, error) {
	if e.deps.Pending == nil {
		return []ledger.PendingMessage{}, nil
	}
	return e.deps.Pending.Pending(ctx, e.channel)
}

type decoded struct {
	frags []message.Fragment
	err   error
}

// ingest merges a batch of transactions into the channel state.
//
// A signature is decoded once. Later sightings only advance its status
// (pending to confirmed or failed), which updates held fragments in place.
// Transactions that decode to nothing are memoised and never decoded again.
func (e *Engine) ingest(txs []ledger.Transaction) {
	fresh := make([]ledger.Transaction, 0, len(txs))
	inBatch := make(map[string]int, len(txs))

	for _, tx := range txs {
		if tx.Status == "" {
			tx.Status = ledger.StatusConfirmed
		}
		e.advanceCursors(tx.Cursor())

		if prev, seen := e.statuses[tx.Signature]; seen {
			if advances(prev, tx.Status) {
				e.statuses[tx.Signature] = tx.Status
				if _, empty := e.empty[tx.Signature]; !empty {
					e.assembler.UpdateStatus(tx.Signature, tx.Status)
				}
			}
			continue
		}
		if i, dup := inBatch[tx.Signature]; dup {
			if advances(fresh[i].Status, tx.Status) {
				fresh[i].Status = tx.Status
			}
			continue
		}
		inBatch[tx.Signature] = len(fresh)
		fresh = append(fresh, tx)
	}
	if len(fresh) == 0 {
		return
	}

	results := iter.Map(fresh, func(tx *ledger.Transaction) decoded {
		frags, err := e.decoder.Decode(*tx)
		return decoded{frags: frags, err: err}
	})

	var empty, failed int
	for i, r := range results {
		tx := fresh[i]
		e.statuses[tx.Signature] = tx.Status

		if r.err != nil {
			e.logger.Warn("undecodable transaction",
				"signature", tx.Signature,
				"error", r.err,
			)
			failed++
		}
		if len(r.frags) == 0 {
			e.empty[tx.Signature] = struct{}{}
			empty++
			continue
		}
		e.assembler.Add(r.frags...)
	}
	e.metrics.ObserveDecode(e.channel, len(fresh), empty, failed)
}

// advances reports whether a status may replace prev. Final statuses
// never change.
func advances(prev, next ledger.Status) bool {
	return prev == ledger.StatusPending && next != ledger.StatusPending
}

func (e *Engine) advanceCursors(c ledger.Cursor) {
	if e.oldest.IsZero() || c.Less(e.oldest) {
		e.oldest = c
	}
	if e.newest.IsZero() || e.newest.Less(c) {
		e.newest = c
	}
}

// pass runs the pipeline over the current state and publishes the result.
func (e *Engine) pass(ctx context.Context, t Ticket) (*Snapshot, error) {
	assembled := e.assembler.Messages()
	rec := reconcile.Reconcile(assembled, e.pending, reconcile.FailedSet(e.statuses))
	for _, id := range rec.Invalid {
		e.logger.Warn("dropping undecodable pending message", "message_id", id)
	}

	balances := e.lookupBalances(ctx, rec.Messages)
	if stale := e.check(t); stale != nil {
		return nil, stale
	}

	gated := e.gate.Apply(ctx, rec.Messages, balances)
	if stale := e.check(t); stale != nil {
		return nil, stale
	}

	agg := e.aggregator.Aggregate(gated.Messages)
	unresolved := e.assembler.Unresolved()
	if unresolved == nil {
		unresolved = []string{}
	}

	snap := &Snapshot{
		Channel:          e.channel,
		Version:          e.clock.Next(),
		Timeline:         timeline.Project(agg.Timeline),
		Reactions:        agg.Reactions,
		ReactionVersions: agg.Versions,
		Replies:          agg.Replies,
		MissingParents:   agg.MissingParents,
		Unresolved:       unresolved,
		Superseded:       rec.Superseded,
		Rejected:         rec.Rejected,
		Withheld:         gated.Withheld,
		More:             e.more,
	}
	e.snap.Store(snap)

	e.metrics.ObservePass(e.channel, metrics.Pass{
		Timeline:   len(snap.Timeline),
		Reactions:  len(snap.Reactions),
		Unresolved: len(snap.Unresolved),
		Withheld:   snap.Withheld,
		Superseded: len(snap.Superseded),
		Rejected:   len(snap.Rejected),
	})
	e.logger.Debug("snapshot published",
		"version", snap.Version,
		"timeline", len(snap.Timeline),
		"unresolved", len(snap.Unresolved),
		"withheld", snap.Withheld,
	)
	if e.onPublish != nil {
		e.onPublish(snap)
	}
	return snap, nil
}

// lookupBalances returns the viewer's balance of every asset gating a
// message in msgs. Unknown assets are looked up once and then watched. A
// failed lookup is logged and the asset counts as zero until a later lookup
// or notification succeeds.
func (e *Engine) lookupBalances(ctx context.Context, msgs []message.Message) map[string]uint64 {
	out := make(map[string]uint64)
	for _, m := range msgs {
		if m.Pending || !m.Gated() {
			continue
		}
		asset := m.RequiredAsset
		if _, done := out[asset]; done {
			continue
		}
		if v, ok := e.balances[asset]; ok {
			out[asset] = v
			continue
		}

		out[asset] = 0
		if e.viewer == "" || e.deps.Balances == nil {
			continue
		}
		v, err := e.deps.Balances.Balance(ctx, e.viewer, asset)
		if err != nil {
			e.metrics.TransportError(e.channel, "balance")
			e.logger.Warn("balance lookup failed, treating as locked",
				"asset", asset,
				"error", err,
			)
			continue
		}
		e.balances[asset] = v
		out[asset] = v
		e.watch(asset)
	}
	return out
}

func (e *Engine) watch(asset string) {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	if e.closed.Load() {
		return
	}
	if _, ok := e.watches[asset]; ok {
		return
	}
	e.watches[asset] = e.deps.Balances.WatchBalance(e.viewer, asset, func(v uint64) {
		e.queue.Enqueue(Event{Type: EventBalance, Asset: asset, Amount: v})
	})
}
