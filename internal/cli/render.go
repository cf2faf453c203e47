package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/roach88/ledgerline/internal/engine"
	"github.com/roach88/ledgerline/internal/message"
	"github.com/roach88/ledgerline/internal/thread"
)

type styles struct {
	header   lipgloss.Style
	sender   lipgloss.Style
	when     lipgloss.Style
	pending  lipgloss.Style
	locked   lipgloss.Style
	reaction lipgloss.Style
	empty    lipgloss.Style
	warning  lipgloss.Style
}

func newStyles() styles {
	return styles{
		header:   lipgloss.NewStyle().Bold(true),
		sender:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		when:     lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		pending:  lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("250")),
		locked:   lipgloss.NewStyle().Faint(true),
		reaction: lipgloss.NewStyle().Foreground(lipgloss.Color("159")),
		empty:    lipgloss.NewStyle().Faint(true),
		warning:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203")),
	}
}

// MessageView is the JSON form of one timeline entry.
type MessageView struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Sender    string          `json:"sender"`
	ReplyTo   string          `json:"reply_to,omitempty"`
	Time      time.Time       `json:"time"`
	State     string          `json:"state"`
	Preview   string          `json:"preview,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	Requires  *GateView       `json:"requires,omitempty"`
	Reactions []ReactionView  `json:"reactions,omitempty"`
}

// GateView is the balance a locked message requires.
type GateView struct {
	Asset string `json:"asset"`
	Min   uint64 `json:"min"`
}

// ReactionView is the JSON form of one reaction group.
type ReactionView struct {
	Symbol   string   `json:"symbol"`
	Count    int      `json:"count"`
	Reactors []string `json:"reactors"`
	Mine     bool     `json:"mine"`
}

// TimelineView is the JSON form of a snapshot.
type TimelineView struct {
	Channel        string        `json:"channel"`
	Version        int64         `json:"version"`
	Messages       []MessageView `json:"messages"`
	Unresolved     []string      `json:"unresolved"`
	Superseded     []string      `json:"superseded"`
	Rejected       []string      `json:"rejected"`
	MissingParents []string      `json:"missing_parents"`
	Withheld       int           `json:"withheld"`
	More           bool          `json:"more"`
	Pruned         int64         `json:"pruned,omitempty"`
}

// Message states shown to users.
const (
	stateConfirmed   = "confirmed"
	stateUnconfirmed = "unconfirmed"
	statePending     = "pending"
	stateLocked      = "locked"
)

func messageState(m message.Message) string {
	switch {
	case m.Pending:
		return statePending
	case m.Locked:
		return stateLocked
	case m.Unconfirmed:
		return stateUnconfirmed
	default:
		return stateConfirmed
	}
}

func newTimelineView(snap *engine.Snapshot) TimelineView {
	v := TimelineView{
		Channel:        snap.Channel,
		Version:        snap.Version,
		Messages:       make([]MessageView, 0, len(snap.Timeline)),
		Unresolved:     orEmpty(snap.Unresolved),
		Superseded:     orEmpty(snap.Superseded),
		Rejected:       orEmpty(snap.Rejected),
		MissingParents: orEmpty(snap.MissingParents),
		Withheld:       snap.Withheld,
		More:           snap.More,
	}
	for _, m := range snap.Timeline {
		v.Messages = append(v.Messages, newMessageView(m, snap.ReactionsFor(m.ID)))
	}
	return v
}

func newMessageView(m message.Message, groups []thread.ReactionGroup) MessageView {
	mv := MessageView{
		ID:        m.ID,
		Type:      string(m.Type),
		Sender:    m.Sender,
		ReplyTo:   m.ReplyTo,
		Time:      m.EffectiveTime,
		State:     messageState(m),
		Reactions: reactionViews(groups),
	}
	if m.Content != nil {
		mv.Preview = message.Preview(m.Content)
		if raw, err := message.EncodeContent(m.Content); err == nil {
			mv.Content = raw
		}
	}
	if m.Locked {
		mv.Requires = &GateView{Asset: m.RequiredAsset, Min: m.RequiredBalance}
	}
	return mv
}

func reactionViews(groups []thread.ReactionGroup) []ReactionView {
	if len(groups) == 0 {
		return nil
	}
	out := make([]ReactionView, 0, len(groups))
	for _, g := range groups {
		out = append(out, ReactionView{Symbol: g.Symbol, Count: len(g.Reactors), Reactors: g.Reactors, Mine: g.Mine})
	}
	return out
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// renderTimeline writes the human form of a snapshot, newest first.
func renderTimeline(w io.Writer, snap *engine.Snapshot, now time.Time) error {
	st := newStyles()
	var b strings.Builder

	fmt.Fprintf(&b, "%s  %s\n",
		st.header.Render("#"+snap.Channel),
		st.when.Render(fmt.Sprintf("v%d, %s messages", snap.Version, humanize.Comma(int64(len(snap.Timeline))))))

	if len(snap.Timeline) == 0 {
		b.WriteString(st.empty.Render("  (no messages)") + "\n")
	}
	for _, m := range snap.Timeline {
		b.WriteString(renderMessage(st, m, snap, now))
	}

	if n := len(snap.Unresolved); n > 0 {
		b.WriteString(st.warning.Render(fmt.Sprintf("%s incomplete message(s) waiting for fragments", humanize.Comma(int64(n)))) + "\n")
	}
	if n := len(snap.Superseded) + len(snap.Rejected); n > 0 {
		b.WriteString(st.when.Render(fmt.Sprintf("%d superseded, %d rejected pending entries (prune with --prune)",
			len(snap.Superseded), len(snap.Rejected))) + "\n")
	}
	if !snap.More {
		b.WriteString(st.empty.Render("(start of channel)") + "\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func renderMessage(st styles, m message.Message, snap *engine.Snapshot, now time.Time) string {
	var b strings.Builder

	when := humanize.RelTime(m.EffectiveTime, now, "ago", "from now")
	fmt.Fprintf(&b, "%s  %s %s", st.when.Render(when), st.sender.Render(m.Sender), st.when.Render("["+m.ID+"]"))

	if m.ReplyTo != "" {
		if parent, ok := snap.Replies[m.ID]; ok {
			fmt.Fprintf(&b, " %s", st.when.Render("re "+parent.Sender+"/"+parent.ID))
		} else {
			fmt.Fprintf(&b, " %s", st.when.Render("re "+m.ReplyTo+" (not loaded)"))
		}
	}

	switch messageState(m) {
	case stateLocked:
		fmt.Fprintf(&b, "\n    %s", st.locked.Render(fmt.Sprintf("locked: hold %s %s to view",
			humanize.Comma(int64(m.RequiredBalance)), m.RequiredAsset)))
	case statePending:
		fmt.Fprintf(&b, "\n    %s %s", message.Preview(m.Content), st.pending.Render("(sending)"))
	case stateUnconfirmed:
		fmt.Fprintf(&b, "\n    %s %s", message.Preview(m.Content), st.pending.Render("(unconfirmed)"))
	default:
		fmt.Fprintf(&b, "\n    %s", message.Preview(m.Content))
	}
	b.WriteString("\n")

	if groups := snap.ReactionsFor(m.ID); len(groups) > 0 {
		b.WriteString("    " + st.reaction.Render(renderGroups(groups)) + "\n")
	}
	return b.String()
}

func renderGroups(groups []thread.ReactionGroup) string {
	parts := make([]string, 0, len(groups))
	for _, g := range groups {
		part := fmt.Sprintf("%s %d", g.Symbol, len(g.Reactors))
		if g.Mine {
			part += "*"
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, "  ")
}

// renderReactions writes one line per group with every reactor.
func renderReactions(w io.Writer, id string, groups []thread.ReactionGroup) error {
	st := newStyles()
	if len(groups) == 0 {
		_, err := fmt.Fprintln(w, st.empty.Render("no reactions on "+id))
		return err
	}
	for _, g := range groups {
		mine := ""
		if g.Mine {
			mine = " (you)"
		}
		if _, err := fmt.Fprintf(w, "%s  %s  %s%s\n",
			st.reaction.Render(g.Symbol),
			humanize.Comma(int64(len(g.Reactors))),
			strings.Join(g.Reactors, ", "),
			mine); err != nil {
			return err
		}
	}
	return nil
}
