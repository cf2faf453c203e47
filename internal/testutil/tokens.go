package testutil

import (
	"fmt"
	"sync"
)

// SequentialTokens generates "<prefix>-1", "<prefix>-2", ... forever.
//
// Unlike engine.FixedGenerator it never runs out, which suits scenarios
// that switch channels an unknown number of times.
type SequentialTokens struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialTokens creates a generator. An empty prefix means "token".
func NewSequentialTokens(prefix string) *SequentialTokens {
	if prefix == "" {
		prefix = "token"
	}
	return &SequentialTokens{prefix: prefix}
}

// Generate returns the next token.
func (g *SequentialTokens) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
