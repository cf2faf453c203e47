package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	for _, s := range []string{"pending", "confirmed", "failed"} {
		st, err := ParseStatus(s)
		require.NoError(t, err)
		assert.Equal(t, Status(s), st)
	}

	_, err := ParseStatus("finalized")
	assert.Error(t, err)
}

func TestCursor_Less(t *testing.T) {
	a := Cursor{Slot: 1, Signature: "b"}
	b := Cursor{Slot: 2, Signature: "a"}
	c := Cursor{Slot: 2, Signature: "b"}

	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.False(t, c.Less(b))
	assert.False(t, c.Less(c))
	assert.True(t, Cursor{}.IsZero())
	assert.False(t, a.IsZero())
}

func TestPendingMessage_EffectiveTime(t *testing.T) {
	created := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	provisional := created.Add(-time.Minute)

	p := PendingMessage{CreatedAt: created, ProvisionalTime: provisional}
	assert.Equal(t, provisional, p.EffectiveTime())

	// Missing provisional clock falls back to the local clock.
	p.ProvisionalTime = time.Time{}
	assert.Equal(t, created, p.EffectiveTime())
}

func TestTransportError(t *testing.T) {
	base := errors.New("connection reset")
	err := WrapTransport("fetch_window", "general", base)

	require.Error(t, err)
	assert.True(t, IsTransportError(err))
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "fetch_window")
	assert.Contains(t, err.Error(), "channel=general")

	wrapped := fmt.Errorf("load: %w", err)
	assert.True(t, IsTransportError(wrapped))
	assert.Same(t, err, WrapTransport("other", "x", err))

	assert.NoError(t, WrapTransport("op", "ch", nil))
	assert.False(t, IsTransportError(base))
}

type stubFetcher struct{}

func (stubFetcher) FetchWindow(context.Context, string, int) ([]Transaction, error) {
	return []Transaction{{Signature: "s1"}}, nil
}

func (stubFetcher) FetchOlder(context.Context, string, Cursor, int) ([]Transaction, error) {
	return nil, nil
}

func (stubFetcher) FetchNewer(context.Context, string, Cursor, int) ([]Transaction, error) {
	return nil, nil
}

type stubSubscriber struct{ called bool }

func (s *stubSubscriber) SubscribeNew(context.Context, string, func(Transaction)) (Unsubscribe, error) {
	s.called = true
	return func() {}, nil
}

func TestSource_ComposesFetcherAndSubscriber(t *testing.T) {
	sub := &stubSubscriber{}
	var src WindowSource = Source{Fetcher: stubFetcher{}, Subscriber: sub}

	txs, err := src.FetchWindow(context.Background(), "general", 10)
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	_, err = src.SubscribeNew(context.Background(), "general", func(Transaction) {})
	require.NoError(t, err)
	assert.True(t, sub.called)
}
