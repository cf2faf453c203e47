package engine

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerline/internal/decode"
	"github.com/roach88/ledgerline/internal/ledger"
	"github.com/roach88/ledgerline/internal/message"
	"github.com/roach88/ledgerline/internal/schema"
	"github.com/roach88/ledgerline/internal/testutil"
	"github.com/roach88/ledgerline/internal/thread"
	"github.com/roach88/ledgerline/internal/visibility"
)

var testValidator = schema.MustNew()

// countingDecoder counts sealed-content decodes.
type countingDecoder struct {
	n atomic.Int32
}

func (d *countingDecoder) DecodeContent(ctx context.Context, m message.Message) ([]byte, error) {
	d.n.Add(1)
	return visibility.PassthroughDecoder{}.DecodeContent(ctx, m)
}

type fixture struct {
	t       *testing.T
	ledger  *testutil.Ledger
	clock   *testutil.LedgerClock
	decoder *countingDecoder
	logs    *bytes.Buffer
	eng     *Engine
}

func newFixture(t *testing.T, opts ...EngineOption) *fixture {
	t.Helper()
	f := &fixture{
		t:       t,
		ledger:  testutil.NewLedger(),
		clock:   testutil.NewLedgerClock(),
		decoder: &countingDecoder{},
		logs:    &bytes.Buffer{},
	}
	logger := slog.New(slog.NewTextHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	base := []EngineOption{
		WithViewer("viewer"),
		WithLogger(logger),
		WithValidator(testValidator),
		WithTokenGenerator(testutil.NewSequentialTokens("tok")),
	}
	eng, err := New("general", Deps{
		Window:   f.ledger,
		Pending:  f.ledger,
		Balances: f.ledger,
		Content:  f.decoder,
	}, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(eng.Close)
	f.eng = eng
	return f
}

// post appends a message to the ledger and returns its transactions.
func (f *fixture) post(p testutil.Post) []ledger.Transaction {
	f.t.Helper()
	if p.Channel == "" {
		p.Channel = "general"
	}
	if p.Sender == "" {
		p.Sender = "alice"
	}
	txs, err := testutil.Transactions(f.clock, p)
	require.NoError(f.t, err)
	f.ledger.Append(p.Channel, txs...)
	return txs
}

func text(s string) message.Content { return message.Text{Text: s} }

func ids(msgs []message.Message) []string {
	out := []string{}
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestNew_Validation(t *testing.T) {
	_, err := New("", Deps{Window: testutil.NewLedger()})
	assert.Error(t, err)

	_, err = New("general", Deps{})
	assert.Error(t, err)

	eng, err := New("general", Deps{Window: testutil.NewLedger()},
		WithValidator(testValidator), WithTokenGenerator(NewFixedGenerator("t-1")))
	require.NoError(t, err)
	defer eng.Close()

	assert.Equal(t, Ticket{Channel: "general", Token: "t-1"}, eng.Ticket())
	snap := eng.Snapshot()
	assert.Equal(t, int64(0), snap.Version)
	assert.Empty(t, snap.Timeline)
	assert.True(t, snap.More)
}

func TestLoad_AssemblesFragmentsAcrossTransactions(t *testing.T) {
	f := newFixture(t)
	f.post(testutil.Post{ID: "A", Content: text("content split over two fragments"), Parts: 2})
	f.post(testutil.Post{ID: "B", Content: text("one")})

	snap, err := f.eng.Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"B", "A"}, ids(snap.Timeline), "newest first")
	assert.Equal(t, message.Text{Text: "content split over two fragments"}, snap.Timeline[1].Content)
	assert.Equal(t, []string{"A-0", "A-1"}, snap.Timeline[1].Signatures)
	assert.Empty(t, snap.Unresolved)
	assert.Equal(t, int64(1), snap.Version)
	assert.Same(t, snap, f.eng.Snapshot())
}

func TestLoad_IncompleteMessageIsUnresolvedUntilCompleted(t *testing.T) {
	f := newFixture(t)
	txs := testutil.MustTransactions(f.clock, testutil.Post{
		Channel: "general", ID: "m1", Sender: "alice",
		Content: text("a body that spans three fragments"), Parts: 3,
	})
	f.ledger.Append("general", txs[:2]...)

	snap, err := f.eng.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Timeline)
	assert.Equal(t, []string{"m1"}, snap.Unresolved)

	f.ledger.Append("general", txs[2])
	snap, err = f.eng.LoadNewer(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, ids(snap.Timeline))
	assert.Empty(t, snap.Unresolved)
}

func TestRefresh_ReprocessingIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.post(testutil.Post{ID: "m1", Content: text("sealed"), Sealed: true})
	f.post(testutil.Post{ID: "m2", Content: text("plain"), Parts: 2})
	f.post(testutil.Post{ID: "r1", Sender: "bob", ReplyTo: "m2", Content: message.Reaction{Symbol: "+1"}})

	first, err := f.eng.Load(context.Background())
	require.NoError(t, err)
	want, err := first.Fingerprint()
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		snap, err := f.eng.Refresh(context.Background(), 0)
		require.NoError(t, err)
		got, err := snap.Fingerprint()
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.Greater(t, snap.Version, first.Version)
		assert.Equal(t, first.ReactionVersions, snap.ReactionVersions)
	}

	assert.Equal(t, int32(1), f.decoder.n.Load(), "sealed content decoded once")
}

func TestFingerprint_IndependentOfBatching(t *testing.T) {
	f := newFixture(t)
	var all []ledger.Transaction
	all = append(all, f.post(testutil.Post{ID: "m1", Content: text("first message body"), Parts: 2})...)
	all = append(all, f.post(testutil.Post{ID: "m2", ReplyTo: "m1", Content: text("reply")})...)
	all = append(all, f.post(testutil.Post{ID: "r1", Sender: "bob", ReplyTo: "m1", Content: message.Reaction{Symbol: "+1"}})...)

	whole, err := f.eng.Load(context.Background())
	require.NoError(t, err)

	other := newFixture(t)
	var last *Snapshot
	for i := len(all) - 1; i >= 0; i-- {
		last, err = other.eng.Ingest(context.Background(), all[i])
		require.NoError(t, err)
	}

	a, err := whole.Fingerprint()
	require.NoError(t, err)
	b, err := last.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

// claim posts a one-fragment message under an explicit signature, so that
// several transactions can carry the same message id.
func (f *fixture) claim(sig, id, sender, body string) {
	f.t.Helper()
	txs, err := testutil.Transactions(f.clock, testutil.Post{Channel: "general", ID: id, Sender: sender, Content: text(body)})
	require.NoError(f.t, err)
	require.Len(f.t, txs, 1)
	txs[0].Signature = sig
	f.ledger.Append("general", txs...)
}

func TestFingerprint_DuplicateIDIndependentOfPaging(t *testing.T) {
	ctx := context.Background()
	seed := func(f *fixture) {
		f.claim("a", "m", "alice", "original")
		f.claim("z", "m", "mallory", "impostor")
	}

	paged := newFixture(t, WithPageSize(1))
	seed(paged)
	_, err := paged.eng.Load(ctx)
	require.NoError(t, err)
	pagedSnap, err := paged.eng.LoadMore(ctx, 0)
	require.NoError(t, err)

	whole := newFixture(t, WithPageSize(10))
	seed(whole)
	wholeSnap, err := whole.eng.Load(ctx)
	require.NoError(t, err)

	for _, snap := range []*Snapshot{pagedSnap, wholeSnap} {
		require.Len(t, snap.Timeline, 1)
		assert.Equal(t, "alice", snap.Timeline[0].Sender)
		assert.Equal(t, []string{"a"}, snap.Timeline[0].Signatures)
		assert.Equal(t, message.Text{Text: "original"}, snap.Timeline[0].Content)
	}

	a, err := pagedSnap.Fingerprint()
	require.NoError(t, err)
	b, err := wholeSnap.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, b, a)
}

func TestRefresh_PagesInTransactionsBeyondWindow(t *testing.T) {
	f := newFixture(t, WithPageSize(2))
	ctx := context.Background()
	for _, id := range []string{"A", "B"} {
		f.post(testutil.Post{ID: id, Content: text(id)})
	}

	snap, err := f.eng.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "A"}, ids(snap.Timeline))

	for _, id := range []string{"C", "D", "E"} {
		f.post(testutil.Post{ID: id, Content: text(id)})
	}

	snap, err = f.eng.Refresh(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"E", "D", "C", "B", "A"}, ids(snap.Timeline))

	_, err = f.eng.LoadNewer(ctx, 10)
	require.NoError(t, err)
	snap, err = f.eng.LoadMore(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"E", "D", "C", "B", "A"}, ids(snap.Timeline))
}

func TestLoad_ReloadPagesInTransactionsBeyondWindow(t *testing.T) {
	f := newFixture(t, WithPageSize(1))
	ctx := context.Background()
	f.post(testutil.Post{ID: "A", Content: text("A")})

	_, err := f.eng.Load(ctx)
	require.NoError(t, err)

	for _, id := range []string{"B", "C", "D"} {
		f.post(testutil.Post{ID: id, Content: text(id)})
	}
	snap, err := f.eng.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"D", "C", "B", "A"}, ids(snap.Timeline))
	assert.Equal(t, 4, f.ledger.Calls(testutil.OpFetchNewer), "pages of one until a short page")
}

func TestPending_SupersededByConfirmation(t *testing.T) {
	f := newFixture(t)
	p := testutil.Post{Channel: "general", ID: "m1", Sender: "viewer", Content: text("optimistic"), Parts: 2}
	f.ledger.AddPending(testutil.Pending(p, testutil.Epoch))

	snap, err := f.eng.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Timeline, 1)
	assert.True(t, snap.Timeline[0].Pending)
	assert.Equal(t, message.Text{Text: "optimistic"}, snap.Timeline[0].Content)

	f.post(p)
	snap, err = f.eng.Refresh(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, snap.Timeline, 1, "exactly one entry per id")
	assert.Equal(t, "m1", snap.Timeline[0].ID)
	assert.False(t, snap.Timeline[0].Pending)
	assert.Equal(t, []string{"m1"}, snap.Superseded)
}

func TestPending_RejectedWhenTransactionFails(t *testing.T) {
	f := newFixture(t)
	p := testutil.Post{Channel: "general", ID: "p1", Sender: "viewer", Content: text("will fail on the ledger"), Parts: 2, Status: ledger.StatusPending}
	f.ledger.AddPending(testutil.Pending(p, testutil.Epoch))

	txs := testutil.MustTransactions(f.clock, p)
	f.ledger.Append("general", txs[0])
	f.ledger.SetStatus("general", txs[0].Signature, ledger.StatusFailed)

	snap, err := f.eng.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Timeline)
	assert.Equal(t, []string{"p1"}, snap.Rejected)
}

func TestFailure_ExcludesMessage(t *testing.T) {
	f := newFixture(t)
	f.post(testutil.Post{ID: "m1", Content: text("stays")})
	m2 := f.post(testutil.Post{ID: "m2", Content: text("will fail"), Status: ledger.StatusPending})
	m3 := f.post(testutil.Post{ID: "m3", Content: text("two parts, one fails"), Parts: 2, Status: ledger.StatusPending})

	snap, err := f.eng.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"m3", "m2", "m1"}, ids(snap.Timeline))
	assert.True(t, snap.Timeline[1].Unconfirmed)

	f.ledger.SetStatus("general", m2[0].Signature, ledger.StatusFailed)
	f.ledger.SetStatus("general", m3[0].Signature, ledger.StatusConfirmed)
	f.ledger.SetStatus("general", m3[1].Signature, ledger.StatusFailed)

	snap, err = f.eng.Refresh(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, ids(snap.Timeline))

	// Final statuses do not revert.
	f.ledger.SetStatus("general", m2[0].Signature, ledger.StatusConfirmed)
	snap, err = f.eng.Refresh(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, ids(snap.Timeline))
}

func TestIngest_StatusChangeUpdatesInPlace(t *testing.T) {
	f := newFixture(t)
	txs := f.post(testutil.Post{ID: "m1", Content: text("hello"), Status: ledger.StatusPending})

	snap, err := f.eng.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Timeline, 1)
	assert.True(t, snap.Timeline[0].Unconfirmed)

	confirmed := txs[0]
	confirmed.Status = ledger.StatusConfirmed
	snap, err = f.eng.Ingest(context.Background(), confirmed)
	require.NoError(t, err)
	require.Len(t, snap.Timeline, 1)
	assert.False(t, snap.Timeline[0].Unconfirmed)
}

func TestReactions_GroupedAndDeduplicated(t *testing.T) {
	f := newFixture(t)
	f.post(testutil.Post{ID: "m1", Content: text("react to me")})
	f.post(testutil.Post{ID: "r1", Sender: "S1", ReplyTo: "m1", Content: message.Reaction{Symbol: "+1"}})
	f.post(testutil.Post{ID: "r2", Sender: "S2", ReplyTo: "m1", Content: message.Reaction{Symbol: "+1"}})
	f.post(testutil.Post{ID: "r3", Sender: "S1", ReplyTo: "m1", Content: message.Reaction{Symbol: "+1"}})
	f.post(testutil.Post{ID: "r4", Sender: "viewer", ReplyTo: "m1", Content: message.Reaction{Symbol: "heart"}})

	snap, err := f.eng.Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"m1"}, ids(snap.Timeline), "reactions are not timeline entries")
	assert.Equal(t, []thread.ReactionGroup{
		{Target: "m1", Symbol: "+1", Reactors: []string{"S1", "S2"}},
		{Target: "m1", Symbol: "heart", Reactors: []string{"viewer"}, Mine: true},
	}, f.eng.Reactions("m1"))
	assert.Nil(t, f.eng.Reactions("unknown"))
}

func TestReplies_ResolvedAndMissing(t *testing.T) {
	f := newFixture(t)
	f.post(testutil.Post{ID: "m1", Content: text("parent")})
	f.post(testutil.Post{ID: "m2", ReplyTo: "m1", Content: text("child")})
	f.post(testutil.Post{ID: "m3", ReplyTo: "ghost", Content: text("orphan")})

	snap, err := f.eng.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "m1", snap.Replies["m2"].ID)
	assert.Equal(t, []string{"ghost"}, snap.MissingParents)
}

func TestVisibility_BalanceIncreaseUnlocks(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetBalance("viewer", "gold", 3)
	f.post(testutil.Post{ID: "m1", Content: text("premium"), Sealed: true, Gate: &decode.Gate{Asset: "gold", Min: 5}})

	snap, err := f.eng.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Timeline, 1)
	assert.True(t, snap.Timeline[0].Locked)
	assert.Nil(t, snap.Timeline[0].Content)
	assert.Equal(t, 1, snap.Withheld)
	assert.Equal(t, int32(0), f.decoder.n.Load(), "locked content is never decoded")
	assert.Equal(t, 1, f.ledger.Watchers("viewer", "gold"))

	snap, err = f.eng.SetBalance(context.Background(), "gold", 6)
	require.NoError(t, err)
	assert.False(t, snap.Timeline[0].Locked)
	assert.Equal(t, message.Text{Text: "premium"}, snap.Timeline[0].Content)
	assert.Equal(t, 0, snap.Withheld)

	same, err := f.eng.SetBalance(context.Background(), "gold", 6)
	require.NoError(t, err)
	assert.Same(t, snap, same, "unchanged balance publishes nothing")

	snap, err = f.eng.SetBalance(context.Background(), "gold", 1)
	require.NoError(t, err)
	assert.True(t, snap.Timeline[0].Locked)
}

func TestVisibility_FailedLookupTreatedAsLocked(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetBalance("viewer", "gold", 10)
	f.ledger.FailOn(testutil.OpBalance, errors.New("rpc down"))
	f.post(testutil.Post{ID: "m1", Content: text("premium"), Gate: &decode.Gate{Asset: "gold", Min: 5}})

	snap, err := f.eng.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Timeline[0].Locked)
	assert.Contains(t, f.logs.String(), "balance lookup failed")

	f.ledger.FailOn(testutil.OpBalance, nil)
	snap, err = f.eng.Refresh(context.Background(), 0)
	require.NoError(t, err)
	assert.False(t, snap.Timeline[0].Locked)
}

func TestTransportFailure_LeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	f.post(testutil.Post{ID: "m1", Content: text("hello")})
	before, err := f.eng.Load(context.Background())
	require.NoError(t, err)

	f.post(testutil.Post{ID: "m2", Content: text("unseen")})
	f.ledger.FailOn(testutil.OpPending, errors.New("outbox unavailable"))

	_, err = f.eng.Refresh(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, ledger.IsTransportError(err))
	var te *ledger.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "pending", te.Op)
	assert.Same(t, before, f.eng.Snapshot())

	// The failed refresh did not ingest m2, so a later pass without a fetch
	// still shows only m1.
	snap, err := f.eng.Ingest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, ids(snap.Timeline))
}

func TestLoadMore_PagesBackwards(t *testing.T) {
	f := newFixture(t, WithPageSize(2))
	for _, id := range []string{"m1", "m2", "m3", "m4", "m5"} {
		f.post(testutil.Post{ID: id, Content: text(id)})
	}
	ctx := context.Background()

	snap, err := f.eng.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"m5", "m4"}, ids(snap.Timeline))
	assert.True(t, snap.More)

	snap, err = f.eng.LoadMore(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"m5", "m4", "m3", "m2"}, ids(snap.Timeline))

	snap, err = f.eng.LoadMore(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"m5", "m4", "m3", "m2", "m1"}, ids(snap.Timeline))
	assert.False(t, snap.More)

	calls := f.ledger.Calls(testutil.OpFetchOlder)
	_, err = f.eng.LoadMore(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, calls, f.ledger.Calls(testutil.OpFetchOlder), "no fetch past the start")
}

func TestClose_DiscardsInFlightResult(t *testing.T) {
	f := newFixture(t)
	f.post(testutil.Post{ID: "m1", Content: text("hello")})
	entered, release := f.ledger.Block()
	defer release()

	errc := make(chan error, 1)
	go func() {
		_, err := f.eng.Load(context.Background())
		errc <- err
	}()

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("load did not reach the fetch")
	}
	f.eng.Close()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrStale)
		assert.True(t, IsStaleError(err))
	case <-time.After(time.Second):
		t.Fatal("load did not return after close")
	}
	assert.Empty(t, f.eng.Snapshot().Timeline)
}

func TestClosed_RejectsOperations(t *testing.T) {
	f := newFixture(t)
	f.eng.Close()
	f.eng.Close()

	_, err := f.eng.Load(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.True(t, IsClosedError(err))

	assert.ErrorIs(t, f.eng.Subscribe(context.Background()), ErrClosed)
	assert.False(t, f.eng.NotifyPending())
}

func TestRun_AppliesPushedEvents(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetBalance("viewer", "gold", 0)
	f.post(testutil.Post{ID: "m1", Content: text("premium"), Gate: &decode.Gate{Asset: "gold", Min: 2}})
	ctx := context.Background()

	_, err := f.eng.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, f.eng.Subscribe(ctx))
	require.NoError(t, f.eng.Subscribe(ctx))
	assert.Equal(t, 1, f.ledger.Subscribers("general"))

	runErr := make(chan error, 1)
	go func() { runErr <- f.eng.Run(ctx) }()

	f.post(testutil.Post{ID: "m2", Content: text("live")})
	require.Eventually(t, func() bool {
		return len(f.eng.Timeline()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	f.ledger.SetBalance("viewer", "gold", 2)
	require.Eventually(t, func() bool {
		for _, m := range f.eng.Timeline() {
			if m.ID == "m1" {
				return !m.Locked
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	p := testutil.Post{Channel: "general", ID: "p1", Sender: "viewer", Content: text("queued")}
	f.ledger.AddPending(testutil.Pending(p, testutil.Epoch.Add(time.Hour)))
	require.True(t, f.eng.NotifyPending())
	require.Eventually(t, func() bool {
		tl := f.eng.Timeline()
		return len(tl) == 3 && tl[0].ID == "p1" && tl[0].Pending
	}, 2*time.Second, 10*time.Millisecond)

	f.eng.Close()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run did not stop after close")
	}
	assert.Equal(t, 0, f.ledger.Subscribers("general"))
	assert.Equal(t, 0, f.ledger.Watchers("viewer", "gold"))
}

func TestRun_ContextCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.eng.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("run did not stop")
	}
}

func TestOnPublish(t *testing.T) {
	var published []int64
	f := newFixture(t, WithOnPublish(func(s *Snapshot) { published = append(published, s.Version) }))
	f.post(testutil.Post{ID: "m1", Content: text("hi")})

	_, err := f.eng.Load(context.Background())
	require.NoError(t, err)
	_, err = f.eng.Refresh(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, published)
}

func TestForeignAndMalformedTransactionsAreMemoised(t *testing.T) {
	f := newFixture(t)
	f.post(testutil.Post{ID: "m1", Content: text("ours")})
	f.post(testutil.Post{ID: "x1", Content: text("other program"), Program: "someone/else"})
	f.ledger.Append("general", ledger.Transaction{
		Signature: "bad", Slot: 100, BlockTime: testutil.Epoch, Status: ledger.StatusConfirmed,
		Instructions: []ledger.Instruction{{Program: decode.DefaultProgram, Data: []byte("not json")}},
	})

	snap, err := f.eng.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, ids(snap.Timeline))
	assert.Contains(t, f.logs.String(), "undecodable transaction")
	assert.Len(t, f.eng.empty, 2)
}
