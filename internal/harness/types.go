package harness

import (
	"strings"

	"github.com/roach88/ledgerline/internal/engine"
	"github.com/roach88/ledgerline/internal/message"
)

// Entry states reported in the trace.
const (
	StateConfirmed   = "confirmed"
	StateUnconfirmed = "unconfirmed"
	StatePending     = "pending"
	StateLocked      = "locked"
)

// TraceEntry is one timeline row as the trace records it.
type TraceEntry struct {
	ID      string `json:"id"`
	State   string `json:"state"`
	Preview string `json:"preview"`
}

// TraceEvent summarizes the snapshot an engine operation published.
type TraceEvent struct {
	// Step is the flow index that ran the operation.
	Step int    `json:"step"`
	Op   string `json:"op"`

	Version  int64        `json:"version"`
	Timeline []TraceEntry `json:"timeline"`

	// Reactions maps target id to "symbol:reactor,reactor" strings.
	Reactions map[string][]string `json:"reactions"`

	Unresolved     []string `json:"unresolved"`
	Superseded     []string `json:"superseded"`
	Rejected       []string `json:"rejected"`
	MissingParents []string `json:"missing_parents"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace has one event per engine operation that succeeded.
	Trace []TraceEvent `json:"trace"`

	// Errors is empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Final is the snapshot published last.
	Final *engine.Snapshot `json:"-"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace records the snapshot published by flow step i.
func (r *Result) AddTrace(step int, op string, snap *engine.Snapshot) {
	r.Trace = append(r.Trace, newTraceEvent(step, op, snap))
}

func newTraceEvent(step int, op string, snap *engine.Snapshot) TraceEvent {
	ev := TraceEvent{
		Step:           step,
		Op:             op,
		Version:        snap.Version,
		Timeline:       make([]TraceEntry, 0, len(snap.Timeline)),
		Reactions:      make(map[string][]string, len(snap.Reactions)),
		Unresolved:     snap.Unresolved,
		Superseded:     snap.Superseded,
		Rejected:       snap.Rejected,
		MissingParents: snap.MissingParents,
	}
	for _, m := range snap.Timeline {
		ev.Timeline = append(ev.Timeline, TraceEntry{ID: m.ID, State: entryState(m), Preview: preview(m)})
	}
	for target, groups := range snap.Reactions {
		rows := make([]string, 0, len(groups))
		for _, g := range groups {
			rows = append(rows, g.Symbol+":"+strings.Join(g.Reactors, ","))
		}
		ev.Reactions[target] = rows
	}
	return ev
}

func entryState(m message.Message) string {
	switch {
	case m.Pending:
		return StatePending
	case m.Locked:
		return StateLocked
	case m.Unconfirmed:
		return StateUnconfirmed
	default:
		return StateConfirmed
	}
}

func preview(m message.Message) string {
	if m.Content == nil {
		return ""
	}
	return message.Preview(m.Content)
}
