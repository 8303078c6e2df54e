// Package testutil provides deterministic helpers for tests and scenarios.
package testutil

import (
	"fmt"
	"sync"

	"github.com/roach88/modeltable/internal/ir"
)

// SequentialOpIDs hands out op ids prefix-1, prefix-2, ... .
//
// Unlike ir.FixedGenerator it never runs out, and it can be reset so the
// same scenario replays with identical op ids.
//
// Thread-safety: all methods are safe for concurrent use.
type SequentialOpIDs struct {
	mu     sync.Mutex
	prefix string
	seq    int64
}

var _ ir.OpIDGenerator = (*SequentialOpIDs)(nil)

// NewSequentialOpIDs creates a generator. An empty prefix means "op".
func NewSequentialOpIDs(prefix string) *SequentialOpIDs {
	if prefix == "" {
		prefix = "op"
	}
	return &SequentialOpIDs{prefix: prefix}
}

// Generate returns the next op id.
func (g *SequentialOpIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	return fmt.Sprintf("%s-%d", g.prefix, g.seq)
}

// Issued returns how many ids have been handed out since the last reset.
func (g *SequentialOpIDs) Issued() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seq
}

// Reset restarts the sequence. The next id is prefix-1.
func (g *SequentialOpIDs) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq = 0
}
