package venue

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"profilefeed/pkg/market"
)

// Synthetic is a random-walk venue for demos. Like real venues it re-emits the forming
// bar on every tick.
type Synthetic struct {
	*Memory
	interval time.Duration
	period   time.Duration
	base     map[string]float64

	mu     sync.Mutex
	prices map[market.CompositeKey]float64
	bars   map[market.CompositeKey]*market.Bar
}

func NewSynthetic(source string, interval, period time.Duration) *Synthetic {
	if interval <= 0 {
		interval = time.Second
	}
	if period <= 0 {
		period = 30 * time.Minute
	}
	return &Synthetic{
		Memory:   NewMemory(source, 1024),
		interval: interval,
		period:   period,
		base:     map[string]float64{"EURUSD": 1.085, "GBPUSD": 1.27, "USDJPY": 150, "XAUUSD": 2150},
		prices:   make(map[market.CompositeKey]float64),
		bars:     make(map[market.CompositeKey]*market.Bar),
	}
}

func (s *Synthetic) Start(ctx context.Context) error {
	s.SetConnected(true)
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				s.step(now)
			}
		}
	}()
	return nil
}

func (s *Synthetic) step(now time.Time) {
	s.Memory.mu.Lock()
	keys := make([]market.CompositeKey, 0, len(s.subscribed))
	for k := range s.subscribed {
		keys = append(keys, k)
	}
	s.Memory.mu.Unlock()

	for _, k := range keys {
		tick, bar := s.walk(k, now)
		s.PushTick(tick)
		s.PushBar(bar)
	}
}

func (s *Synthetic) walk(k market.CompositeKey, now time.Time) (market.Tick, market.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prices[k]
	if !ok {
		p = s.base[k.Symbol]
		if p == 0 {
			p = 100
		}
	}
	p *= 1 + (rand.Float64()-0.5)*0.0004
	s.prices[k] = p

	start := now.Truncate(s.period)
	b, ok := s.bars[k]
	if !ok || !b.Timestamp.Equal(start) {
		b = &market.Bar{Key: k, Period: s.period.String(), Open: p, High: p, Low: p, Timestamp: start}
		s.bars[k] = b
	}
	b.High = max(b.High, p)
	b.Low = min(b.Low, p)
	b.Close = p

	spread := p * 0.00005
	return market.Tick{Key: k, Bid: p - spread, Ask: p + spread, Timestamp: now}, *b
}
