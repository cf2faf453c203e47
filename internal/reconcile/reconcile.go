// Package reconcile merges ledger-confirmed messages with the local client's
// pending messages.
//
// Precedence rules:
//   - failure always excludes: a message with any failed signature is dropped
//   - confirmation always wins: a pending entry whose id is confirmed is dropped
//   - at most one entry per message id in the result
//
// Reconcile is a pure function; it never mutates its inputs.
package reconcile

import (
	"github.com/roach88/ledgerline/internal/ledger"
	"github.com/roach88/ledgerline/internal/message"
)

// Result is the outcome of one reconciliation pass.
type Result struct {
	// Messages is the reconciled union, confirmed entries first in input
	// order, then surviving pending entries in input order.
	Messages []message.Message

	// Excluded lists confirmed message ids dropped for a failed signature.
	Excluded []string

	// Superseded lists pending ids dropped because the ledger confirmed them.
	// The send path may remove them from its store.
	Superseded []string

	// Rejected lists pending ids dropped because one of their transactions
	// failed.
	Rejected []string

	// Invalid lists pending ids whose local content could not be decoded.
	Invalid []string
}

// Reconcile merges confirmed and pending into one view.
//
// confirmed holds assembled ledger messages (including ones still awaiting
// final confirmation). failed is the set of failed signatures.
func Reconcile(confirmed []message.Message, pending []ledger.PendingMessage, failed map[string]struct{}) Result {
	res := Result{
		Messages:   make([]message.Message, 0, len(confirmed)+len(pending)),
		Excluded:   []string{},
		Superseded: []string{},
		Rejected:   []string{},
		Invalid:    []string{},
	}

	// Supersession is by id regardless of whether the confirmed copy
	// survives failure exclusion.
	confirmedIDs := make(map[string]struct{}, len(confirmed))
	for _, m := range confirmed {
		if _, dup := confirmedIDs[m.ID]; dup {
			continue
		}
		confirmedIDs[m.ID] = struct{}{}

		if message.Intersects(m.Signatures, failed) {
			res.Excluded = append(res.Excluded, m.ID)
			continue
		}
		res.Messages = append(res.Messages, m)
	}

	seenPending := make(map[string]struct{}, len(pending))
	for _, p := range pending {
		if _, dup := seenPending[p.ID]; dup {
			continue
		}
		seenPending[p.ID] = struct{}{}

		if _, ok := confirmedIDs[p.ID]; ok {
			res.Superseded = append(res.Superseded, p.ID)
			continue
		}
		if message.Intersects(p.Signatures, failed) {
			res.Rejected = append(res.Rejected, p.ID)
			continue
		}

		m, err := Project(p)
		if err != nil {
			res.Invalid = append(res.Invalid, p.ID)
			continue
		}
		res.Messages = append(res.Messages, m)
	}

	return res
}

// Project converts a pending entry to the message shape. Pending content is
// local plaintext, so it is decoded and never locked.
func Project(p ledger.PendingMessage) (message.Message, error) {
	typ, err := message.ParseType(p.Type)
	if err != nil {
		return message.Message{}, err
	}
	content, err := message.DecodeContent(typ, p.Content)
	if err != nil {
		return message.Message{}, err
	}
	return message.Message{
		ID:            p.ID,
		Type:          typ,
		Sender:        p.Sender,
		ReplyTo:       p.ReplyTo,
		Signatures:    message.SignatureSet(p.Signatures...),
		EffectiveTime: p.EffectiveTime(),
		Raw:           p.Content,
		Content:       content,
		Pending:       true,
	}, nil
}

// FailedSet builds a signature set from a status map.
func FailedSet(statuses map[string]ledger.Status) map[string]struct{} {
	out := make(map[string]struct{})
	for sig, st := range statuses {
		if st == ledger.StatusFailed {
			out[sig] = struct{}{}
		}
	}
	return out
}
