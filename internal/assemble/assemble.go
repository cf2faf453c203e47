// Package assemble groups fragments into complete logical messages.
//
// An Assembler keeps every fragment it has seen, keyed by message id, so that
// fragments arriving across separate window fetches join up. A message is
// emitted only once its fragments form a contiguous run from index 0 that
// ends in a terminal fragment (or reaches an announced total). Until then the
// id is unresolved.
package assemble

import (
	"bytes"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/roach88/ledgerline/internal/decode"
	"github.com/roach88/ledgerline/internal/ledger"
	"github.com/roach88/ledgerline/internal/message"
	"github.com/roach88/ledgerline/internal/schema"
)

// Assembler is the per-channel partial-assembly map.
//
// Thread-safety: Assembler is not safe for concurrent use. The engine owns one
// per channel and mutates it under its operation lock.
type Assembler struct {
	validator *schema.Validator
	logger    *slog.Logger
	entries   map[string]*entry
	bySig     map[string][]string // signature -> message ids with fragments from it
}

// entry holds everything known about one message id.
type entry struct {
	// candidates per sequence index, in arrival order.
	candidates map[int][]message.Fragment
	dirty      bool

	// state of the last rebuild
	complete bool
	invalid  bool
	msg      message.Message

	// envelope cache keyed by the payload bytes
	payload []byte
	env     decode.Envelope
}

// New creates an empty assembler.
func New(v *schema.Validator, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		validator: v,
		logger:    logger,
		entries:   make(map[string]*entry),
		bySig:     make(map[string][]string),
	}
}

// Add merges fragments into the map. Re-adding a fragment already held
// (same id, index and signature) is a no-op.
func (a *Assembler) Add(frags ...message.Fragment) {
	for _, f := range frags {
		e, ok := a.entries[f.MessageID]
		if !ok {
			e = &entry{candidates: make(map[int][]message.Fragment)}
			a.entries[f.MessageID] = e
		}

		cands := e.candidates[f.Seq]
		if slices.ContainsFunc(cands, func(c message.Fragment) bool { return c.Signature == f.Signature }) {
			continue
		}
		e.candidates[f.Seq] = append(cands, f)
		e.dirty = true

		if !slices.Contains(a.bySig[f.Signature], f.MessageID) {
			a.bySig[f.Signature] = append(a.bySig[f.Signature], f.MessageID)
		}
	}
}

// UpdateStatus records a new commitment status for every fragment that came
// from signature. Returns true if any held fragment changed.
func (a *Assembler) UpdateStatus(signature string, status ledger.Status) bool {
	changed := false
	for _, id := range a.bySig[signature] {
		e := a.entries[id]
		for seq, cands := range e.candidates {
			for i := range cands {
				if cands[i].Signature == signature && cands[i].Status != status {
					e.candidates[seq][i].Status = status
					e.dirty = true
					changed = true
				}
			}
		}
	}
	return changed
}

// Messages returns every complete, valid message ordered by id.
// Entries whose fragments changed since the last call are rebuilt first;
// the rest are returned unchanged.
func (a *Assembler) Messages() []message.Message {
	out := make([]message.Message, 0, len(a.entries))
	for id, e := range a.entries {
		if e.dirty {
			a.rebuild(id, e)
		}
		if e.complete && !e.invalid {
			out = append(out, e.msg)
		}
	}
	slices.SortFunc(out, func(x, y message.Message) int { return strings.Compare(x.ID, y.ID) })
	return out
}

// Unresolved returns the ids that have fragments but no complete run.
func (a *Assembler) Unresolved() []string {
	var ids []string
	for id, e := range a.entries {
		if e.dirty {
			a.rebuild(id, e)
		}
		if !e.complete {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Len returns the number of message ids held, complete or not.
func (a *Assembler) Len() int {
	return len(a.entries)
}

func (a *Assembler) rebuild(id string, e *entry) {
	e.dirty = false
	e.complete = false

	chosen, ok := completeRun(e.candidates)
	if !ok {
		return
	}
	e.complete = true

	var payload []byte
	for _, f := range chosen {
		payload = append(payload, f.Payload...)
	}

	if e.payload == nil || !bytes.Equal(payload, e.payload) {
		env, err := decode.ParseEnvelope(a.validator, payload)
		e.payload = payload
		if err != nil {
			e.invalid = true
			a.logger.Warn("invalid message envelope",
				"message_id", id,
				"signature", chosen[0].Signature,
				"error", err,
			)
			return
		}
		e.invalid = false
		e.env = env
	}
	if e.invalid {
		return
	}

	e.msg = buildMessage(id, chosen, e.env)
}

// completeRun picks one fragment per index and returns the run 0..end if it
// is complete.
func completeRun(candidates map[int][]message.Fragment) ([]message.Fragment, bool) {
	var run []message.Fragment
	total := 0
	for seq := 0; ; seq++ {
		cands, ok := candidates[seq]
		if !ok {
			return nil, false
		}
		f := choose(cands)
		run = append(run, f)
		if f.Total > 0 && total == 0 {
			total = f.Total
		}
		if f.Last || (total > 0 && len(run) == total) {
			return run, true
		}
	}
}

// choose returns the candidate that comes first in ledger order, preferring
// transactions that have not failed. Resubmissions of a failed fragment
// replace it; among live duplicates the earliest (slot, signature) wins, so
// the choice does not depend on the order fragments were fetched.
func choose(cands []message.Fragment) message.Fragment {
	var best message.Fragment
	found := false
	for _, c := range cands {
		if c.Status == ledger.StatusFailed {
			continue
		}
		if !found || position(c).Less(position(best)) {
			best, found = c, true
		}
	}
	if found {
		return best
	}
	best = cands[0]
	for _, c := range cands[1:] {
		if position(c).Less(position(best)) {
			best = c
		}
	}
	return best
}

func position(f message.Fragment) ledger.Cursor {
	return ledger.Cursor{Slot: f.Slot, Signature: f.Signature}
}

func buildMessage(id string, chosen []message.Fragment, env decode.Envelope) message.Message {
	sigs := make([]string, 0, len(chosen))
	var effective time.Time
	unconfirmed := false
	for _, f := range chosen {
		sigs = append(sigs, f.Signature)
		if f.BlockTime.After(effective) {
			effective = f.BlockTime
		}
		if f.Pending() {
			unconfirmed = true
		}
	}

	m := message.Message{
		ID:            id,
		Type:          env.Type,
		Sender:        chosen[0].Sender,
		ReplyTo:       env.Ref,
		Signatures:    message.SignatureSet(sigs...),
		EffectiveTime: effective,
		Unconfirmed:   unconfirmed,
	}
	if len(env.Sealed) > 0 {
		m.Raw = env.Sealed
		m.Sealed = true
	} else {
		m.Raw = []byte(env.Body)
	}
	if env.Gate != nil {
		m.RequiredAsset = env.Gate.Asset
		m.RequiredBalance = env.Gate.Min
	}
	return m
}

// Assemble merges frags into a and returns its complete messages together
// with the previous messages whose ids a has never seen. An id a holds is
// authoritative: a previous message drops out when its fragments are now
// incomplete or one of its sources failed without a replacement.
func Assemble(a *Assembler, frags []message.Fragment, previous []message.Message) []message.Message {
	a.Add(frags...)
	out := a.Messages()
	for _, m := range previous {
		if _, held := a.entries[m.ID]; !held {
			out = append(out, m)
		}
	}
	slices.SortFunc(out, func(x, y message.Message) int { return strings.Compare(x.ID, y.ID) })
	return out
}
