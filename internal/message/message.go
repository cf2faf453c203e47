// Package message holds the assembled data model: fragments, logical
// messages and their typed content.
package message

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/roach88/ledgerline/internal/ledger"
)

// Type names the kind of a logical message.
type Type string

const (
	TypeText     Type = "text"
	TypeImage    Type = "image"
	TypeGif      Type = "gif"
	TypeHTML     Type = "html"
	TypeReaction Type = "reaction"
)

// ParseType validates a message type name.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case TypeText, TypeImage, TypeGif, TypeHTML, TypeReaction:
		return t, nil
	default:
		return "", fmt.Errorf("unknown message type %q", s)
	}
}

// Fragment is one decoded piece of a logical message, extracted from one
// transaction.
type Fragment struct {
	MessageID string
	Seq       int
	// Last marks the final fragment of the message.
	Last bool
	// Total is the fragment count when the sender announced it, else 0.
	Total   int
	Payload []byte

	Signature string
	Sender    string
	Slot      uint64
	BlockTime time.Time
	Status    ledger.Status
}

// Pending reports whether the source transaction is still unconfirmed.
func (f Fragment) Pending() bool {
	return f.Status == ledger.StatusPending
}

// Message is an assembled logical message.
//
// Content is nil until the visibility gate decodes it. A nil Content on a
// message with Locked set means the viewer cannot see it yet.
type Message struct {
	ID      string
	Type    Type
	Sender  string
	ReplyTo string

	// Signatures is the sorted set of transactions the message was built from.
	Signatures    []string
	EffectiveTime time.Time

	// Raw is the plain content JSON, or the sealed bytes when Sealed is set.
	Raw     []byte
	Sealed  bool
	Content Content
	Locked  bool

	RequiredBalance uint64
	RequiredAsset   string

	// Pending marks a local optimistic entry from the send path.
	Pending bool
	// Unconfirmed marks a message seen on the ledger with at least one
	// fragment still awaiting confirmation.
	Unconfirmed bool
}

// IsReaction reports whether m is a reaction.
func (m Message) IsReaction() bool {
	return m.Type == TypeReaction
}

// Gated reports whether viewing m requires a balance.
func (m Message) Gated() bool {
	return m.RequiredBalance > 0
}

// SignatureKey joins the signature set into a single comparable key.
func (m Message) SignatureKey() string {
	return strings.Join(m.Signatures, ",")
}

// SignatureSet returns the sorted, deduplicated set of the given signatures.
// The result is never nil.
func SignatureSet(sigs ...string) []string {
	out := make([]string, 0, len(sigs))
	for _, s := range sigs {
		if s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Intersects reports whether any signature is in set.
func Intersects(sigs []string, set map[string]struct{}) bool {
	if len(set) == 0 {
		return false
	}
	for _, s := range sigs {
		if _, ok := set[s]; ok {
			return true
		}
	}
	return false
}
