package engine

import (
	"sync"
	"time"
)

const (
	// completedCapacity is the completed-set size that triggers pruning.
	completedCapacity = 64

	// completedTTL is how long a completed segment id stays in the dedup set
	// once pruning kicks in.
	completedTTL = 5 * time.Minute
)

// segmentRegistry guards the one-policy-invocation-per-segment rule. A
// segment id passes Register exactly once; it is rejected while active and
// after completion, until the completed set is pruned.
type segmentRegistry struct {
	mu        sync.Mutex
	active    map[int]struct{}
	completed map[int]time.Time
	now       func() time.Time
}

func newSegmentRegistry() *segmentRegistry {
	return &segmentRegistry{
		active:    make(map[int]struct{}),
		completed: make(map[int]time.Time),
		now:       time.Now,
	}
}

// Register claims id for processing. It returns false when the id is already
// active or completed.
func (r *segmentRegistry) Register(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.active[id]; ok {
		return false
	}
	if _, ok := r.completed[id]; ok {
		return false
	}
	r.active[id] = struct{}{}
	return true
}

// Complete moves id from active to completed and prunes stale entries when
// the completed set outgrows its capacity.
func (r *segmentRegistry) Complete(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.active, id)
	r.completed[id] = r.now()

	if len(r.completed) > completedCapacity {
		cutoff := r.now().Add(-completedTTL)
		for sid, done := range r.completed {
			if done.Before(cutoff) {
				delete(r.completed, sid)
			}
		}
	}
}

// Sizes returns the current active and completed counts, for status snapshots.
func (r *segmentRegistry) Sizes() (active, completed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active), len(r.completed)
}
