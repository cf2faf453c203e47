// Package visibility decides whether a viewer may see a message's content and
// decodes the content of messages they may see.
package visibility

import (
	"context"
	"errors"
	"log/slog"

	"github.com/roach88/ledgerline/internal/message"
	"github.com/roach88/ledgerline/internal/schema"
)

// Decision is the derived visibility of one message for one viewer.
type Decision struct {
	Visible bool
}

// Decide compares the viewer's balance of the message's gating asset with
// the required threshold. Ungated messages require zero.
func Decide(m message.Message, balance uint64) Decision {
	return Decision{Visible: balance >= m.RequiredBalance}
}

// ContentDecoder opens sealed content. It is only called for messages the
// viewer may see and returns the plaintext content JSON.
type ContentDecoder interface {
	DecodeContent(ctx context.Context, m message.Message) ([]byte, error)
}

// PassthroughDecoder treats sealed bytes as plaintext content JSON.
// It is a reference decoder for tests and local fixtures.
type PassthroughDecoder struct{}

// DecodeContent returns m.Raw unchanged.
func (PassthroughDecoder) DecodeContent(_ context.Context, m message.Message) ([]byte, error) {
	if len(m.Raw) == 0 {
		return nil, errors.New("empty sealed content")
	}
	return m.Raw, nil
}

// Result is the outcome of one gate pass.
type Result struct {
	// Messages holds every message that is not suppressed, in input order.
	Messages []message.Message

	// Suppressed lists ids of legacy or garbage content.
	Suppressed []string

	// Withheld counts messages locked for insufficient balance.
	Withheld int

	// Failed lists ids whose content decoder failed this pass.
	Failed []string

	// Decoded counts content decodes performed this pass (cache misses).
	Decoded int
}

type cacheKey struct {
	id   string
	sigs string
}

type cached struct {
	content    message.Content
	suppressed bool
}

// Gate applies visibility to a message set and caches decoded content per
// (message id, signature set).
//
// Thread-safety: Gate is not safe for concurrent use; the engine owns one per
// channel.
type Gate struct {
	validator *schema.Validator
	decoder   ContentDecoder
	logger    *slog.Logger
	cache     map[cacheKey]cached
}

// NewGate creates a gate. A nil decoder means PassthroughDecoder.
func NewGate(v *schema.Validator, decoder ContentDecoder, logger *slog.Logger) *Gate {
	if decoder == nil {
		decoder = PassthroughDecoder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		validator: v,
		decoder:   decoder,
		logger:    logger,
		cache:     make(map[cacheKey]cached),
	}
}

// Apply decides visibility for every message given the viewer's balances by
// asset, and decodes content for visible messages.
//
// Content is never decoded for a message the viewer cannot afford. Withheld
// messages stay in the result with Locked set and Content nil. Pending
// messages carry local plaintext and pass through unchanged.
func (g *Gate) Apply(ctx context.Context, msgs []message.Message, balances map[string]uint64) Result {
	res := Result{
		Messages:   make([]message.Message, 0, len(msgs)),
		Suppressed: []string{},
		Failed:     []string{},
	}

	for _, m := range msgs {
		if m.Pending {
			res.Messages = append(res.Messages, m)
			continue
		}

		var balance uint64
		if m.Gated() {
			balance = balances[m.RequiredAsset]
		}
		if !Decide(m, balance).Visible {
			m.Locked = true
			m.Content = nil
			res.Withheld++
			res.Messages = append(res.Messages, m)
			continue
		}

		key := cacheKey{id: m.ID, sigs: m.SignatureKey()}
		entry, ok := g.cache[key]
		if !ok {
			raw, err := g.contentBytes(ctx, m)
			if err != nil {
				// Retried on the next pass; render locked meanwhile.
				g.logger.Warn("content decoder failed",
					"message_id", m.ID,
					"error", err,
				)
				m.Locked = true
				m.Content = nil
				res.Failed = append(res.Failed, m.ID)
				res.Messages = append(res.Messages, m)
				continue
			}
			entry = g.decode(m, raw)
			g.cache[key] = entry
			res.Decoded++
		}

		if entry.suppressed {
			res.Suppressed = append(res.Suppressed, m.ID)
			continue
		}
		m.Locked = false
		m.Content = entry.content
		res.Messages = append(res.Messages, m)
	}

	return res
}

func (g *Gate) contentBytes(ctx context.Context, m message.Message) ([]byte, error) {
	if !m.Sealed {
		return m.Raw, nil
	}
	return g.decoder.DecodeContent(ctx, m)
}

// decode validates and parses content. Anything that does not parse as the
// message's own type is garbage and suppressed.
func (g *Gate) decode(m message.Message, raw []byte) cached {
	if err := g.validator.ValidateContent(raw); err != nil {
		g.logger.Debug("suppressing invalid content", "message_id", m.ID, "error", err)
		return cached{suppressed: true}
	}
	c, err := message.DecodeContent(m.Type, raw)
	if err != nil {
		g.logger.Debug("suppressing content", "message_id", m.ID, "error", err)
		return cached{suppressed: true}
	}
	return cached{content: c}
}

// CacheLen returns the number of cached decode results.
func (g *Gate) CacheLen() int {
	return len(g.cache)
}
