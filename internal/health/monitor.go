// Package health detects feeds that are connected but silent.
package health

import (
	"context"
	"sync"
	"time"

	"profilefeed/internal/session"
	"profilefeed/pkg/market"
	"profilefeed/pkg/wire"

	"go.uber.org/zap"
)

const (
	DefaultThreshold = 2 * time.Minute
	DefaultInterval  = 10 * time.Second
)

// Transition is a change between fresh and stale for one key.
type Transition struct {
	Key     market.CompositeKey
	State   wire.HealthState
	At      time.Time
	Silence time.Duration
}

type record struct {
	lastEvent time.Time
	stale     bool
}

type Config struct {
	Threshold time.Duration
	Interval  time.Duration
	// Hours, when set, suppresses staleness while the market is closed.
	Hours session.Hours
}

// Monitor tracks the last event time of each key. It knows nothing about the connection:
// a connected but silent feed goes stale all the same.
type Monitor struct {
	mu      sync.Mutex
	records map[market.CompositeKey]*record
	cfg     Config
	emit    func(Transition)
	now     func() time.Time
	logger  *zap.Logger
}

func New(cfg Config, emit func(Transition), logger *zap.Logger) *Monitor {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		records: make(map[market.CompositeKey]*record),
		cfg:     cfg,
		emit:    emit,
		now:     time.Now,
		logger:  logger,
	}
}

// Track starts monitoring key as fresh. Tracking an already tracked key is a no-op.
func (m *Monitor) Track(key market.CompositeKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[key]; !ok {
		m.records[key] = &record{lastEvent: m.now()}
	}
}

func (m *Monitor) Release(key market.CompositeKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
}

// Observe records an event for key. The first event after a stale period emits resumed.
func (m *Monitor) Observe(key market.CompositeKey) {
	now := m.now()
	m.mu.Lock()
	r, ok := m.records[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	silence := now.Sub(r.lastEvent)
	r.lastEvent = now
	resumed := r.stale
	r.stale = false
	m.mu.Unlock()

	if resumed {
		m.logger.Info("feed resumed", zap.String("key", key.String()), zap.Duration("silence", silence))
		m.fire(Transition{Key: key, State: wire.HealthResumed, At: now, Silence: silence})
	}
}

// Check marks keys silent for longer than the threshold as stale, once per stale period.
func (m *Monitor) Check(now time.Time) []Transition {
	closed := m.cfg.Hours != nil && !m.cfg.Hours.IsOpen(now)

	var out []Transition
	m.mu.Lock()
	for key, r := range m.records {
		if closed {
			// The silence window restarts when the market opens.
			r.lastEvent = now
			continue
		}
		if r.stale {
			continue
		}
		if silence := now.Sub(r.lastEvent); silence > m.cfg.Threshold {
			r.stale = true
			out = append(out, Transition{Key: key, State: wire.HealthStale, At: now, Silence: silence})
		}
	}
	m.mu.Unlock()

	for _, t := range out {
		m.logger.Warn("feed stale", zap.String("key", t.Key.String()), zap.Duration("silence", t.Silence))
		m.fire(t)
	}
	return out
}

// Run calls Check every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(m.now())
		}
	}
}

// Stale reports whether key is currently stale.
func (m *Monitor) Stale(key market.CompositeKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[key]
	return ok && r.stale
}

// LastEvent returns the last event time of key.
func (m *Monitor) LastEvent(key market.CompositeKey) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[key]
	if !ok {
		return time.Time{}, false
	}
	return r.lastEvent, true
}

func (m *Monitor) fire(t Transition) {
	if m.emit != nil {
		m.emit(t)
	}
}
