package testutil

import (
	"fmt"
	"sync"
)

// SequenceBatchIDs hands out "<prefix>-1", "<prefix>-2", ... in call order.
//
// Golden snapshots depend on batch ids being reproducible, so scenarios
// use this in place of UUIDv7 ids.
//
// Thread-safety: SequenceBatchIDs is safe for concurrent use.
type SequenceBatchIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceBatchIDs creates a generator. An empty prefix uses "batch".
func NewSequenceBatchIDs(prefix string) *SequenceBatchIDs {
	if prefix == "" {
		prefix = "batch"
	}
	return &SequenceBatchIDs{prefix: prefix}
}

// Generate returns the next id.
func (g *SequenceBatchIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}

// Issued returns how many ids have been generated.
func (g *SequenceBatchIDs) Issued() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.n
}
