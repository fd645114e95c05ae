package service

import (
	"errors"
	"sync"

	"github.com/kjstillabower/air-quality-service/internal/models"
)

// ErrSuperseded is returned by commit when a newer request for the same location
// has already committed its snapshot.
var ErrSuperseded = errors.New("superseded by a newer request")

// generationTracker issues a monotonically increasing generation per location and
// keeps the newest committed snapshot for each.
type generationTracker struct {
	mu        sync.Mutex
	issued    map[string]uint64
	committed map[string]models.Snapshot
}

func newGenerationTracker() *generationTracker {
	return &generationTracker{
		issued:    make(map[string]uint64),
		committed: make(map[string]models.Snapshot),
	}
}

// begin returns the next generation for key. Generations start at 1.
func (g *generationTracker) begin(key string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.issued[key]++
	return g.issued[key]
}

// commit stores snap as key's snapshot unless a newer generation has committed,
// in which case it returns that newer snapshot and ErrSuperseded.
func (g *generationTracker) commit(key string, gen uint64, snap models.Snapshot) (models.Snapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.committed[key]; ok && cur.Generation > gen {
		return cur, ErrSuperseded
	}
	snap.Generation = gen
	g.committed[key] = snap
	return snap, nil
}

// latest returns the newest committed snapshot for key.
func (g *generationTracker) latest(key string) (models.Snapshot, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	snap, ok := g.committed[key]
	return snap, ok
}
