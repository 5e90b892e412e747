package venue

import (
	"context"
	"testing"
	"time"

	"profilefeed/pkg/market"
)

// go test -v --run TestMemoryHistoryRange
func TestMemoryHistoryRange(t *testing.T) {
	key := market.NewKey("EURUSD", "ctrader")
	base := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	h := NewMemoryHistory()
	h.Add(
		market.Bar{Key: key, Timestamp: base.Add(2 * time.Hour)},
		market.Bar{Key: key, Timestamp: base},
		market.Bar{Key: key, Timestamp: base.Add(time.Hour)},
		market.Bar{Key: market.NewKey("EURUSD", "bybit"), Timestamp: base},
	)

	bars, err := h.Bars(context.Background(), key, base, base.Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(bars) != 2 || !bars[0].Timestamp.Equal(base) || !bars[1].Timestamp.Equal(base.Add(time.Hour)) {
		t.Errorf("expected the two bars in [from, to) oldest first, got %+v", bars)
	}
}

// go test -v --run TestMemoryAdapter
func TestMemoryAdapter(t *testing.T) {
	key := market.NewKey("EURUSD", "ctrader")
	m := NewMemory("ctrader", 4)

	if err := m.Subscribe(key); err != nil || !m.Subscribed(key) {
		t.Fatalf("subscribe: %v", err)
	}
	m.SetConnected(true)
	if ev := <-m.Events(); ev.Kind != EventStatus || !ev.Connected {
		t.Errorf("expected connected status, got %+v", ev)
	}

	m.Close()
	if err := m.Subscribe(key); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	m.PushTick(market.Tick{Key: key}) // dropped after close
	if _, ok := <-m.Events(); ok {
		t.Error("events must be closed")
	}
}

// go test -v --run TestMemoryCloseUnblocksFullBuffer
func TestMemoryCloseUnblocksFullBuffer(t *testing.T) {
	key := market.NewKey("EURUSD", "ctrader")
	m := NewMemory("ctrader", 1)
	m.PushTick(market.Tick{Key: key})

	pushed := make(chan struct{})
	go func() {
		m.PushTick(market.Tick{Key: key}) // blocks: nobody drains
		close(pushed)
	}()
	time.Sleep(20 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		m.Close()
		close(closed)
	}()
	for _, ch := range []chan struct{}{closed, pushed} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("close deadlocked behind a blocked push")
		}
	}
}

// go test -v --run TestSyntheticReemitsFormingBar
func TestSyntheticReemitsFormingBar(t *testing.T) {
	key := market.NewKey("EURUSD", "demo")
	s := NewSynthetic("demo", time.Second, time.Hour)
	_ = s.Subscribe(key)

	now := time.Date(2024, 3, 5, 10, 15, 0, 0, time.UTC)
	s.step(now)
	s.step(now.Add(time.Second))

	var bars []market.Bar
	for len(bars) < 2 {
		ev := <-s.Events()
		if ev.Kind == EventBar {
			bars = append(bars, ev.Bar)
		}
	}
	if !bars[0].Timestamp.Equal(bars[1].Timestamp) {
		t.Errorf("forming bar must keep its period start: %v vs %v", bars[0].Timestamp, bars[1].Timestamp)
	}
	if bars[1].Low > bars[1].High || bars[1].Validate() != nil {
		t.Errorf("invalid bar %+v", bars[1])
	}
}
