package engine

import (
	"sync"

	"github.com/google/uuid"
)

// TokenGenerator generates operation tokens.
// Implemented by UUIDv7Generator (production) and FixedGenerator (tests).
type TokenGenerator interface {
	Generate() string
}

// Ticket identifies the engine generation an operation was started against.
//
// Every engine gets a fresh token when it is created. An operation captures
// the ticket before its first suspension point and re-checks it after each
// one; a result computed for a ticket that is no longer live is discarded.
type Ticket struct {
	Channel string
	Token   string
}

// UUIDv7Generator generates time-sortable UUIDv7 tokens.
//
// Safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 as a hyphenated string.
// Panics if UUID generation fails.
func (g UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined tokens for deterministic tests.
//
// Safe for concurrent use.
type FixedGenerator struct {
	mu     sync.Mutex
	tokens []string
	idx    int
}

// NewFixedGenerator creates a generator that returns tokens in order.
func NewFixedGenerator(tokens ...string) *FixedGenerator {
	return &FixedGenerator{tokens: tokens}
}

// Generate returns the next predetermined token. Panics once all tokens are
// consumed, which catches a test that opened more engines than it expected.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.tokens) {
		panic("FixedGenerator: all tokens exhausted")
	}
	token := g.tokens[g.idx]
	g.idx++
	return token
}
