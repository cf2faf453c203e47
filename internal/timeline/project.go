// Package timeline produces the final ordered message sequence.
package timeline

import (
	"slices"
	"strings"

	"github.com/roach88/ledgerline/internal/message"
)

// Project orders msgs newest first. Messages with equal effective time are
// ordered by id, compared bytewise, so the output is deterministic for any
// input order. Pending messages sort by their provisional time.
//
// The input slice is not modified.
func Project(msgs []message.Message) []message.Message {
	out := slices.Clone(msgs)
	if out == nil {
		out = []message.Message{}
	}
	slices.SortStableFunc(out, Compare)
	return out
}

// Compare is the projection order: effective time descending, then id
// ascending.
func Compare(a, b message.Message) int {
	if c := b.EffectiveTime.Compare(a.EffectiveTime); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}
