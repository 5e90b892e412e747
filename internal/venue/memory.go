package venue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"profilefeed/pkg/market"
)

var ErrClosed = errors.New("venue closed")

// Memory is an in-process Adapter fed by its owner.
type Memory struct {
	source string
	events chan Event

	mu         sync.Mutex
	subscribed map[market.CompositeKey]bool
	connected  bool

	sendMu sync.Mutex // serializes sends with Close
	closed atomic.Bool
	stop   chan struct{}
}

func NewMemory(source string, buffer int) *Memory {
	if buffer <= 0 {
		buffer = 256
	}
	return &Memory{
		source:     source,
		events:     make(chan Event, buffer),
		subscribed: make(map[market.CompositeKey]bool),
		stop:       make(chan struct{}),
	}
}

func (m *Memory) Source() string { return m.source }

func (m *Memory) Start(context.Context) error { return nil }

func (m *Memory) Subscribe(key market.CompositeKey) error {
	if m.isClosed() {
		return ErrClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribed[key] = true
	return nil
}

func (m *Memory) Unsubscribe(key market.CompositeKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscribed, key)
	return nil
}

// Subscribed reports whether key is currently subscribed.
func (m *Memory) Subscribed(key market.CompositeKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribed[key]
}

func (m *Memory) Events() <-chan Event { return m.events }

func (m *Memory) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// SetConnected changes the connection state and emits a status event.
func (m *Memory) SetConnected(connected bool) {
	m.mu.Lock()
	m.connected = connected
	m.mu.Unlock()
	m.push(Event{Kind: EventStatus, Connected: connected})
}

func (m *Memory) PushBar(b market.Bar) { m.push(Event{Kind: EventBar, Bar: b}) }

func (m *Memory) PushTick(t market.Tick) { m.push(Event{Kind: EventTick, Tick: t}) }

func (m *Memory) push(ev Event) {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	if m.closed.Load() {
		return
	}
	select {
	case m.events <- ev:
	case <-m.stop:
	}
}

func (m *Memory) isClosed() bool {
	return m.closed.Load()
}

func (m *Memory) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	close(m.stop)
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	close(m.events)
	return nil
}

// MemoryHistory is a HistorySource over bars held in memory.
type MemoryHistory struct {
	mu   sync.RWMutex
	bars map[market.CompositeKey][]market.Bar
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{bars: make(map[market.CompositeKey][]market.Bar)}
}

func (h *MemoryHistory) Add(bars ...market.Bar) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, b := range bars {
		h.bars[b.Key] = append(h.bars[b.Key], b)
	}
}

func (h *MemoryHistory) Bars(ctx context.Context, key market.CompositeKey, from, to time.Time) ([]market.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []market.Bar
	for _, b := range h.bars[key] {
		if !b.Timestamp.Before(from) && b.Timestamp.Before(to) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
