// Package thread splits reactions out of the timeline, groups them per target
// and symbol, and resolves reply links.
package thread

import (
	"slices"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/ledgerline/internal/canon"
	"github.com/roach88/ledgerline/internal/message"
)

// ReactionGroup is every distinct reactor of one symbol on one message.
type ReactionGroup struct {
	Target   string   `json:"target"`
	Symbol   string   `json:"symbol"`
	Reactors []string `json:"reactors"`
	Mine     bool     `json:"mine"`
}

// Result is the outcome of one aggregation pass.
type Result struct {
	// Timeline holds every non-reaction message in input order.
	Timeline []message.Message

	// Reactions maps target id to its groups, ordered by symbol.
	Reactions map[string][]ReactionGroup

	// Versions maps target id to the version of its group collection.
	// A version changes only when the collection changes.
	Versions map[string]uint64

	// Replies maps a reply's id to its parent, for parents in the timeline.
	Replies map[string]message.Message

	// MissingParents lists reply targets outside the timeline, sorted.
	MissingParents []string

	// Dropped lists reactions without a usable target, sorted.
	Dropped []string
}

type targetMemo struct {
	fingerprint string
	groups      []ReactionGroup
	version     uint64
}

type rawReaction struct {
	id     string
	sender string
	symbol string
}

// Aggregator groups reactions for one viewer and keeps per-target memos so
// that unchanged group collections keep their identity across passes.
//
// Thread-safety: not safe for concurrent use; owned by one engine.
type Aggregator struct {
	viewer  string
	version uint64
	memo    map[string]*targetMemo
}

// NewAggregator creates an aggregator for viewer.
func NewAggregator(viewer string) *Aggregator {
	return &Aggregator{
		viewer: viewer,
		memo:   make(map[string]*targetMemo),
	}
}

// Viewer returns the account the Mine flag is computed for.
func (a *Aggregator) Viewer() string {
	return a.viewer
}

// Aggregate partitions msgs and builds reaction groups and reply links.
//
// Reactions with no target, reactions targeting another reaction and
// reactions without decoded content are dropped.
func (a *Aggregator) Aggregate(msgs []message.Message) Result {
	res := Result{
		Timeline:       make([]message.Message, 0, len(msgs)),
		Reactions:      make(map[string][]ReactionGroup),
		Versions:       make(map[string]uint64),
		Replies:        make(map[string]message.Message),
		MissingParents: []string{},
		Dropped:        []string{},
	}

	reactionIDs := make(map[string]struct{})
	var reactions []message.Message
	for _, m := range msgs {
		if m.IsReaction() {
			reactions = append(reactions, m)
			reactionIDs[m.ID] = struct{}{}
			continue
		}
		res.Timeline = append(res.Timeline, m)
	}

	byTarget := make(map[string][]rawReaction)
	for _, r := range reactions {
		c, ok := r.Content.(message.Reaction)
		if _, targetIsReaction := reactionIDs[r.ReplyTo]; r.ReplyTo == "" || targetIsReaction || !ok {
			res.Dropped = append(res.Dropped, r.ID)
			continue
		}
		byTarget[r.ReplyTo] = append(byTarget[r.ReplyTo], rawReaction{
			id:     r.ID,
			sender: r.Sender,
			symbol: NormalizeSymbol(c.Symbol),
		})
	}
	slices.Sort(res.Dropped)

	for target, raws := range byTarget {
		groups, version := a.groupsFor(target, raws)
		res.Reactions[target] = groups
		res.Versions[target] = version
	}
	for target := range a.memo {
		if _, ok := byTarget[target]; !ok {
			delete(a.memo, target)
		}
	}

	a.resolveReplies(&res)
	return res
}

// groupsFor returns the groups for target, reusing the memoized collection
// when the raw reactions or the computed groups are unchanged.
func (a *Aggregator) groupsFor(target string, raws []rawReaction) ([]ReactionGroup, uint64) {
	slices.SortFunc(raws, func(x, y rawReaction) int { return strings.Compare(x.id, y.id) })
	fp := fingerprint(raws)

	prev, ok := a.memo[target]
	if ok && prev.fingerprint == fp {
		return prev.groups, prev.version
	}

	groups := a.group(target, raws)
	if ok && equalGroups(prev.groups, groups) {
		prev.fingerprint = fp
		return prev.groups, prev.version
	}

	a.version++
	a.memo[target] = &targetMemo{fingerprint: fp, groups: groups, version: a.version}
	return groups, a.version
}

func (a *Aggregator) group(target string, raws []rawReaction) []ReactionGroup {
	reactors := make(map[string][]string)
	for _, r := range raws {
		reactors[r.symbol] = append(reactors[r.symbol], r.sender)
	}

	groups := make([]ReactionGroup, 0, len(reactors))
	for symbol, senders := range reactors {
		slices.Sort(senders)
		senders = slices.Compact(senders)
		groups = append(groups, ReactionGroup{
			Target:   target,
			Symbol:   symbol,
			Reactors: senders,
			Mine:     a.viewer != "" && slices.Contains(senders, a.viewer),
		})
	}
	slices.SortFunc(groups, func(x, y ReactionGroup) int { return strings.Compare(x.Symbol, y.Symbol) })
	return groups
}

func (a *Aggregator) resolveReplies(res *Result) {
	byID := make(map[string]message.Message, len(res.Timeline))
	for _, m := range res.Timeline {
		byID[m.ID] = m
	}

	missing := make(map[string]struct{})
	for _, m := range res.Timeline {
		if m.ReplyTo == "" {
			continue
		}
		if parent, ok := byID[m.ReplyTo]; ok {
			res.Replies[m.ID] = parent
			continue
		}
		missing[m.ReplyTo] = struct{}{}
	}
	for id := range missing {
		res.MissingParents = append(res.MissingParents, id)
	}
	slices.Sort(res.MissingParents)
}

// NormalizeSymbol returns the NFC form of a reaction symbol so canonically
// equivalent symbols group together.
func NormalizeSymbol(s string) string {
	return norm.NFC.String(s)
}

func fingerprint(raws []rawReaction) string {
	items := make([]any, 0, len(raws))
	for _, r := range raws {
		items = append(items, map[string]any{
			"id":     r.id,
			"sender": r.sender,
			"symbol": r.symbol,
		})
	}
	return canon.MustFingerprint(canon.DomainReactions, items)
}

func equalGroups(a, b []ReactionGroup) bool {
	return slices.EqualFunc(a, b, func(x, y ReactionGroup) bool {
		return x.Target == y.Target &&
			x.Symbol == y.Symbol &&
			x.Mine == y.Mine &&
			slices.Equal(x.Reactors, y.Reactors)
	})
}
