package engine

import (
	"time"

	"github.com/roach88/ledgerline/internal/canon"
	"github.com/roach88/ledgerline/internal/message"
	"github.com/roach88/ledgerline/internal/thread"
)

// Snapshot is the published state of one channel after a pass.
//
// A snapshot is never modified after it is published. Callers must treat
// its slices and maps as read-only.
type Snapshot struct {
	Channel string
	Version int64

	// Timeline is in presentation order.
	Timeline []message.Message

	// Reactions maps a target id to its groups, ordered by symbol.
	Reactions map[string][]thread.ReactionGroup

	// ReactionVersions maps a target id to the version of its groups.
	ReactionVersions map[string]uint64

	// Replies maps a reply's id to its parent.
	Replies map[string]message.Message

	// MissingParents lists reply targets that are not in the window.
	MissingParents []string

	// Unresolved lists message ids still waiting for fragments.
	Unresolved []string

	// Superseded and Rejected list pending ids the send path may remove.
	Superseded []string
	Rejected   []string

	// Withheld counts messages locked for insufficient balance.
	Withheld int

	// More is false once paging backwards returned a short page.
	More bool
}

func emptySnapshot(channel string) *Snapshot {
	return &Snapshot{
		Channel:          channel,
		Timeline:         []message.Message{},
		Reactions:        map[string][]thread.ReactionGroup{},
		ReactionVersions: map[string]uint64{},
		Replies:          map[string]message.Message{},
		MissingParents:   []string{},
		Unresolved:       []string{},
		Superseded:       []string{},
		Rejected:         []string{},
		More:             true,
	}
}

// ReactionsFor returns the groups for one message, or nil.
func (s *Snapshot) ReactionsFor(id string) []thread.ReactionGroup {
	return s.Reactions[id]
}

// Fingerprint hashes the observable content of the snapshot. Two engines
// that processed the same inputs produce the same fingerprint regardless of
// batch boundaries or how often inputs were reprocessed. Version is not
// part of the fingerprint.
func (s *Snapshot) Fingerprint() (string, error) {
	timeline := make([]any, 0, len(s.Timeline))
	for _, m := range s.Timeline {
		v, err := canonicalMessage(m)
		if err != nil {
			return "", err
		}
		timeline = append(timeline, v)
	}

	reactions := make(map[string]any, len(s.Reactions))
	for target, groups := range s.Reactions {
		gs := make([]any, 0, len(groups))
		for _, g := range groups {
			gs = append(gs, map[string]any{
				"symbol":   g.Symbol,
				"reactors": g.Reactors,
				"mine":     g.Mine,
			})
		}
		reactions[target] = gs
	}

	replies := make(map[string]string, len(s.Replies))
	for id, parent := range s.Replies {
		replies[id] = parent.ID
	}

	return canon.Fingerprint(canon.DomainSnapshot, map[string]any{
		"channel":         s.Channel,
		"timeline":        timeline,
		"reactions":       reactions,
		"replies":         replies,
		"missing_parents": s.MissingParents,
		"unresolved":      s.Unresolved,
		"superseded":      s.Superseded,
		"rejected":        s.Rejected,
	})
}

func canonicalMessage(m message.Message) (map[string]any, error) {
	content := ""
	if m.Content != nil {
		b, err := message.EncodeContent(m.Content)
		if err != nil {
			return nil, err
		}
		content = string(b)
	}
	return map[string]any{
		"id":          m.ID,
		"type":        string(m.Type),
		"sender":      m.Sender,
		"reply_to":    m.ReplyTo,
		"signatures":  m.Signatures,
		"time":        m.EffectiveTime.UTC().Format(time.RFC3339Nano),
		"content":     content,
		"locked":      m.Locked,
		"pending":     m.Pending,
		"unconfirmed": m.Unconfirmed,
	}, nil
}
