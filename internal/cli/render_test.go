package cli

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerline/internal/engine"
	"github.com/roach88/ledgerline/internal/message"
	"github.com/roach88/ledgerline/internal/thread"
)

func TestRenderTimeline_Empty(t *testing.T) {
	var buf bytes.Buffer
	snap := &engine.Snapshot{Channel: "general", Version: 1}

	require.NoError(t, renderTimeline(&buf, snap, fixedNow))
	assert.Equal(t, "#general  v1, 0 messages\n  (no messages)\n(start of channel)\n", buf.String())
}

func TestRenderTimeline_States(t *testing.T) {
	parent := message.Message{ID: "m1", Sender: "alice", EffectiveTime: fixedNow.Add(-2 * time.Hour), Content: message.Text{Text: "hello"}}
	snap := &engine.Snapshot{
		Channel: "general",
		Version: 3,
		Timeline: []message.Message{
			{ID: "m4", Sender: "viewer", EffectiveTime: fixedNow, Pending: true, Content: message.Text{Text: "typing"}},
			{ID: "m3", Sender: "bob", EffectiveTime: fixedNow.Add(-time.Hour), ReplyTo: "m1", Unconfirmed: true, Content: message.Text{Text: "hi back"}},
			{ID: "m2", Sender: "carol", EffectiveTime: fixedNow.Add(-time.Hour), Locked: true, RequiredAsset: "GOLD", RequiredBalance: 1500},
			parent,
		},
		Reactions: map[string][]thread.ReactionGroup{
			"m1": {{Target: "m1", Symbol: "heart", Reactors: []string{"bob"}}},
		},
		Replies: map[string]message.Message{"m3": parent},
		More:    true,
	}

	var buf bytes.Buffer
	require.NoError(t, renderTimeline(&buf, snap, fixedNow))
	out := buf.String()

	assert.Contains(t, out, "v3, 4 messages")
	assert.Contains(t, out, "typing (sending)")
	assert.Contains(t, out, "hi back (unconfirmed)")
	assert.Contains(t, out, "re alice/m1")
	assert.Contains(t, out, "locked: hold 1,500 GOLD to view")
	assert.Contains(t, out, "2 hours ago")
	assert.Contains(t, out, "heart 1\n")
	assert.NotContains(t, out, "(start of channel)")
}

func TestRenderReactions(t *testing.T) {
	var buf bytes.Buffer
	groups := []thread.ReactionGroup{
		{Target: "m1", Symbol: "+1", Reactors: []string{"alice", "viewer"}, Mine: true},
		{Target: "m1", Symbol: "heart", Reactors: []string{"bob"}},
	}

	require.NoError(t, renderReactions(&buf, "m1", groups))
	assert.Equal(t, "+1  2  alice, viewer (you)\nheart  1  bob\n", buf.String())
}

func TestNewTimelineView(t *testing.T) {
	snap := &engine.Snapshot{
		Channel:  "general",
		Version:  2,
		Timeline: []message.Message{{ID: "m1", Type: message.TypeGif, Sender: "a", Content: message.Gif{URL: "https://x/y.gif"}}},
	}

	v := newTimelineView(snap)
	require.Len(t, v.Messages, 1)
	assert.Equal(t, "[gif https://x/y.gif]", v.Messages[0].Preview)
	assert.Equal(t, stateConfirmed, v.Messages[0].State)
	assert.JSONEq(t, `{"type":"gif","url":"https://x/y.gif"}`, string(v.Messages[0].Content))
	assert.Equal(t, []string{}, v.Unresolved)
	assert.Equal(t, []string{}, v.MissingParents)
	assert.Nil(t, v.Messages[0].Requires)
}
