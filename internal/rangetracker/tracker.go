// Package rangetracker follows each key's session open, high, low and last price against
// its average daily range.
package rangetracker

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"profilefeed/internal/session"
	"profilefeed/pkg/market"
	"profilefeed/pkg/wire"
)

// DefaultLookback is the number of complete sessions averaged into the ADR.
const DefaultLookback = 14

type State struct {
	SessionStart time.Time
	Open         float64
	High         float64
	Low          float64
	Current      float64
	ADR          float64
	ADRHigh      float64
	ADRLow       float64
	Sessions     int // complete sessions behind ADR
}

func (s State) Payload() wire.RangePayload {
	return wire.RangePayload{
		SessionStart: s.SessionStart.UnixMilli(),
		Open:         s.Open,
		High:         s.High,
		Low:          s.Low,
		Current:      s.Current,
		ADR:          s.ADR,
		ADRHigh:      s.ADRHigh,
		ADRLow:       s.ADRLow,
		Sessions:     s.Sessions,
	}
}

type tracked struct {
	state  State
	ranges []float64 // ranges of complete sessions, oldest first
}

// Tracker holds one State per key. Keys never share state, even for the same symbol.
type Tracker struct {
	mu       sync.RWMutex
	clock    *session.Clock
	lookback int
	keys     map[market.CompositeKey]*tracked
}

func New(clock *session.Clock, lookback int) *Tracker {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	return &Tracker{clock: clock, lookback: lookback, keys: make(map[market.CompositeKey]*tracked)}
}

// Initialize rebuilds key's state from history. The ADR covers the most recent complete
// sessions before the one containing now; that session seeds open, high, low and current.
func (t *Tracker) Initialize(key market.CompositeKey, bars []market.Bar, now time.Time) State {
	current := t.clock.Start(now)

	type agg struct{ high, low float64 }
	past := make(map[time.Time]*agg)
	var today []market.Bar
	for _, b := range bars {
		if b.Key != key || b.Validate() != nil {
			continue
		}
		start := t.clock.Start(b.Timestamp)
		switch {
		case start.Equal(current):
			today = append(today, b)
		case start.Before(current):
			a, ok := past[start]
			if !ok {
				past[start] = &agg{high: b.High, low: b.Low}
				continue
			}
			a.high = max(a.high, b.High)
			a.low = min(a.low, b.Low)
		}
	}

	starts := make([]time.Time, 0, len(past))
	for s := range past {
		starts = append(starts, s)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })
	if len(starts) > t.lookback {
		starts = starts[len(starts)-t.lookback:]
	}

	tr := &tracked{state: State{SessionStart: current}}
	for _, s := range starts {
		tr.ranges = append(tr.ranges, past[s].high-past[s].low)
	}

	sort.Slice(today, func(i, j int) bool { return today[i].Timestamp.Before(today[j].Timestamp) })
	for i, b := range today {
		if i == 0 {
			tr.state.Open, tr.state.High, tr.state.Low = b.Open, b.High, b.Low
		}
		tr.state.High = max(tr.state.High, b.High)
		tr.state.Low = min(tr.state.Low, b.Low)
		tr.state.Current = b.Close
	}
	tr.recompute()

	t.mu.Lock()
	t.keys[key] = tr
	t.mu.Unlock()
	return tr.state
}

// OnBar folds a live bar into key's session, rolling to a new session when the bar
// belongs to one.
func (t *Tracker) OnBar(key market.CompositeKey, b market.Bar) (State, error) {
	if err := b.Validate(); err != nil {
		return State{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.keys[key]
	if !ok {
		return State{}, fmt.Errorf("%s: %w", key, market.ErrNotSubscribed)
	}

	start := t.clock.Start(b.Timestamp)
	switch {
	case start.Before(tr.state.SessionStart):
		return tr.state, market.ErrOutOfOrderBar
	case start.After(tr.state.SessionStart):
		t.roll(tr, start, b.Open)
	}
	tr.extend(b.Open, b.High, b.Low, b.Close)
	return tr.state, nil
}

// OnTick moves the current price to the tick's mid. It reports false when key is not
// tracked or the tick carries no price.
func (t *Tracker) OnTick(key market.CompositeKey, tick market.Tick) (State, bool) {
	mid := tick.Mid()
	if mid <= 0 {
		return State{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.keys[key]
	if !ok {
		return State{}, false
	}

	start := t.clock.Start(tick.Timestamp)
	switch {
	case start.Before(tr.state.SessionStart):
		return tr.state, false
	case start.After(tr.state.SessionStart):
		t.roll(tr, start, mid)
	}
	tr.extend(mid, mid, mid, mid)
	return tr.state, true
}

// Roll starts a new session for every tracked key whose session ended before at.
func (t *Tracker) Roll(at time.Time) []market.CompositeKey {
	start := t.clock.Start(at)
	t.mu.Lock()
	defer t.mu.Unlock()
	var rolled []market.CompositeKey
	for k, tr := range t.keys {
		if start.After(tr.state.SessionStart) {
			t.roll(tr, start, 0)
			rolled = append(rolled, k)
		}
	}
	return rolled
}

func (t *Tracker) roll(tr *tracked, start time.Time, open float64) {
	if tr.state.Open > 0 {
		tr.ranges = append(tr.ranges, tr.state.High-tr.state.Low)
		if len(tr.ranges) > t.lookback {
			tr.ranges = tr.ranges[len(tr.ranges)-t.lookback:]
		}
	}
	tr.state = State{SessionStart: start, Open: open, High: open, Low: open, Current: open}
	tr.recompute()
}

func (tr *tracked) extend(open, high, low, last float64) {
	if tr.state.Open <= 0 {
		tr.state.Open, tr.state.High, tr.state.Low = open, high, low
	}
	tr.state.High = max(tr.state.High, high)
	tr.state.Low = min(tr.state.Low, low)
	tr.state.Current = last
	tr.bands()
}

// recompute derives the ADR from complete sessions only.
func (tr *tracked) recompute() {
	tr.state.Sessions = len(tr.ranges)
	tr.state.ADR = 0
	if len(tr.ranges) > 0 {
		var sum float64
		for _, r := range tr.ranges {
			sum += r
		}
		tr.state.ADR = sum / float64(len(tr.ranges))
	}
	tr.bands()
}

func (tr *tracked) bands() {
	if tr.state.Open <= 0 || tr.state.ADR == 0 {
		tr.state.ADRHigh, tr.state.ADRLow = 0, 0
		return
	}
	tr.state.ADRHigh = tr.state.Open + tr.state.ADR/2
	tr.state.ADRLow = tr.state.Open - tr.state.ADR/2
}

func (t *Tracker) Get(key market.CompositeKey) (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tr, ok := t.keys[key]
	if !ok {
		return State{}, false
	}
	return tr.state, true
}

func (t *Tracker) Release(key market.CompositeKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.keys, key)
}
