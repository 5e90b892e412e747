package feed

import (
	"sync"

	"profilefeed/pkg/market"
)

type seqState struct {
	last      uint64
	resyncing bool
}

// SequenceTracker checks that profile deltas arrive consecutively per key.
type SequenceTracker struct {
	mu   sync.Mutex
	keys map[market.CompositeKey]*seqState
}

func NewSequenceTracker() *SequenceTracker {
	return &SequenceTracker{keys: make(map[market.CompositeKey]*seqState)}
}

// Reset sets the baseline from a snapshot and ends any resync in progress.
func (t *SequenceTracker) Reset(key market.CompositeKey, seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.keys[key] = &seqState{last: seq}
}

// Check reports whether a delta with seq should be applied. A delta at or behind the
// baseline is stale and skipped silently. A jump returns *market.SequenceGapError once;
// later deltas are skipped until the next Reset.
func (t *SequenceTracker) Check(key market.CompositeKey, seq uint64) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.keys[key]
	if !ok {
		// No snapshot yet: nothing to apply the delta to.
		return false, nil
	}
	if s.resyncing || seq <= s.last {
		return false, nil
	}
	if seq != s.last+1 {
		s.resyncing = true
		return false, &market.SequenceGapError{Key: key, Expected: s.last + 1, Got: seq}
	}
	s.last = seq
	return true, nil
}

func (t *SequenceTracker) Last(key market.CompositeKey) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.keys[key]
	if !ok {
		return 0, false
	}
	return s.last, true
}

func (t *SequenceTracker) Forget(key market.CompositeKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.keys, key)
}
