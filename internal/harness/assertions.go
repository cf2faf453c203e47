package harness

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/ledgerline/internal/engine"
	"github.com/roach88/ledgerline/internal/message"
)

// Assertion types.
const (
	// AssertTimelineOrder requires the timeline ids to equal IDs exactly.
	AssertTimelineOrder = "timeline_order"
	// AssertTimelineContains requires ID in the timeline.
	AssertTimelineContains = "timeline_contains"
	// AssertTimelineExcludes requires ID absent from the timeline.
	AssertTimelineExcludes = "timeline_excludes"
	// AssertVisible requires ID unlocked, and its preview to equal Text when set.
	AssertVisible = "visible"
	// AssertLocked requires ID present and locked.
	AssertLocked = "locked"
	// AssertPending requires ID to be a local pending entry.
	AssertPending = "pending"
	// AssertConfirmed requires ID to come from the ledger with every
	// fragment confirmed.
	AssertConfirmed = "confirmed"
	// AssertUnconfirmed requires ID to come from the ledger with a fragment
	// still awaiting confirmation.
	AssertUnconfirmed = "unconfirmed"
	// AssertReactionGroup requires the Symbol group on ID to have exactly
	// Reactors, in order.
	AssertReactionGroup = "reaction_group"
	// AssertNoReactions requires ID to have no reaction groups.
	AssertNoReactions = "no_reactions"
	// AssertReplyTo requires ID's resolved parent to be Parent.
	AssertReplyTo = "reply_to"
	// AssertUnresolved, AssertSuperseded, AssertRejected and
	// AssertMissingParents require the snapshot list to equal IDs.
	AssertUnresolved     = "unresolved"
	AssertSuperseded     = "superseded"
	AssertRejected       = "rejected"
	AssertMissingParents = "missing_parents"
	// AssertMore requires the snapshot's More flag to equal Value.
	AssertMore = "more"
)

// Assertion is one check against a snapshot.
type Assertion struct {
	Type     string   `yaml:"type"`
	ID       string   `yaml:"id,omitempty"`
	IDs      []string `yaml:"ids,omitempty"`
	Text     string   `yaml:"text,omitempty"`
	Symbol   string   `yaml:"symbol,omitempty"`
	Reactors []string `yaml:"reactors,omitempty"`
	Parent   string   `yaml:"parent,omitempty"`
	Value    *bool    `yaml:"value,omitempty"`
}

func (a Assertion) validate() error {
	switch a.Type {
	case AssertTimelineOrder, AssertUnresolved, AssertSuperseded, AssertRejected, AssertMissingParents:
		return nil
	case AssertTimelineContains, AssertTimelineExcludes, AssertVisible, AssertLocked,
		AssertPending, AssertConfirmed, AssertUnconfirmed, AssertNoReactions:
		if a.ID == "" {
			return fmt.Errorf("%s requires id", a.Type)
		}
	case AssertReactionGroup:
		if a.ID == "" || a.Symbol == "" {
			return errors.New("reaction_group requires id and symbol")
		}
	case AssertReplyTo:
		if a.ID == "" || a.Parent == "" {
			return errors.New("reply_to requires id and parent")
		}
	case AssertMore:
		if a.Value == nil {
			return errors.New("more requires value")
		}
	case "":
		return errors.New("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("%s: expected %s, got %s", e.Type, e.Expected, e.Actual)
}

// Evaluate checks a against snap.
func Evaluate(a Assertion, snap *engine.Snapshot) error {
	switch a.Type {
	case AssertTimelineOrder:
		return equalList(a.Type, a.IDs, timelineIDs(snap))
	case AssertUnresolved:
		return equalList(a.Type, a.IDs, snap.Unresolved)
	case AssertSuperseded:
		return equalList(a.Type, a.IDs, snap.Superseded)
	case AssertRejected:
		return equalList(a.Type, a.IDs, snap.Rejected)
	case AssertMissingParents:
		return equalList(a.Type, a.IDs, snap.MissingParents)

	case AssertTimelineExcludes:
		if _, ok := find(snap, a.ID); ok {
			return &AssertionError{Type: a.Type, Expected: a.ID + " absent", Actual: "present"}
		}
		return nil

	case AssertTimelineContains, AssertVisible, AssertLocked, AssertPending, AssertConfirmed, AssertUnconfirmed:
		m, ok := find(snap, a.ID)
		if !ok {
			return &AssertionError{Type: a.Type, Expected: a.ID + " in timeline", Actual: "absent"}
		}
		return checkEntry(a, m)

	case AssertReactionGroup:
		for _, g := range snap.ReactionsFor(a.ID) {
			if g.Symbol == a.Symbol {
				return equalList(a.Type, a.Reactors, g.Reactors)
			}
		}
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s group on %s", a.Symbol, a.ID),
			Actual:   "no group",
		}

	case AssertNoReactions:
		if groups := snap.ReactionsFor(a.ID); len(groups) > 0 {
			return &AssertionError{Type: a.Type, Expected: "no groups on " + a.ID, Actual: fmt.Sprintf("%d groups", len(groups))}
		}
		return nil

	case AssertReplyTo:
		parent, ok := snap.Replies[a.ID]
		if !ok {
			return &AssertionError{Type: a.Type, Expected: "parent " + a.Parent, Actual: "unresolved"}
		}
		if parent.ID != a.Parent {
			return &AssertionError{Type: a.Type, Expected: "parent " + a.Parent, Actual: "parent " + parent.ID}
		}
		return nil

	case AssertMore:
		if snap.More != *a.Value {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprint(*a.Value), Actual: fmt.Sprint(snap.More)}
		}
		return nil
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func checkEntry(a Assertion, m message.Message) error {
	state := entryState(m)
	fail := func(expected string) error {
		return &AssertionError{Type: a.Type, Expected: a.ID + " " + expected, Actual: state}
	}
	switch a.Type {
	case AssertVisible:
		if m.Locked {
			return fail("visible")
		}
		if a.Text != "" && preview(m) != a.Text {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("preview %q", a.Text), Actual: fmt.Sprintf("%q", preview(m))}
		}
	case AssertLocked:
		if !m.Locked {
			return fail("locked")
		}
	case AssertPending:
		if !m.Pending {
			return fail("pending")
		}
	case AssertConfirmed:
		if m.Pending || m.Unconfirmed {
			return fail("confirmed")
		}
	case AssertUnconfirmed:
		if !m.Unconfirmed {
			return fail("unconfirmed")
		}
	}
	return nil
}

// EvaluateAll runs every assertion and returns the failures, prefixed
// with label and the assertion index.
func EvaluateAll(label string, assertions []Assertion, snap *engine.Snapshot) []string {
	var out []string
	for i, a := range assertions {
		if err := Evaluate(a, snap); err != nil {
			out = append(out, fmt.Sprintf("%s[%d]: %v", label, i, err))
		}
	}
	return out
}

func find(snap *engine.Snapshot, id string) (message.Message, bool) {
	i := slices.IndexFunc(snap.Timeline, func(m message.Message) bool { return m.ID == id })
	if i < 0 {
		return message.Message{}, false
	}
	return snap.Timeline[i], true
}

func timelineIDs(snap *engine.Snapshot) []string {
	out := make([]string, 0, len(snap.Timeline))
	for _, m := range snap.Timeline {
		out = append(out, m.ID)
	}
	return out
}

func equalList(kind string, want, got []string) error {
	if len(want) == 0 && len(got) == 0 {
		return nil
	}
	if slices.Equal(want, got) {
		return nil
	}
	return &AssertionError{Type: kind, Expected: "[" + strings.Join(want, " ") + "]", Actual: "[" + strings.Join(got, " ") + "]"}
}
