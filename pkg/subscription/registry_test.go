package subscription

import (
	"errors"
	"sync"
	"testing"
	"time"

	"profilefeed/pkg/market"
	"profilefeed/pkg/wire"
)

type sent struct {
	key   market.CompositeKey
	unsub bool
	at    time.Time
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
	fail error
}

func (f *fakeSender) SendSubscribe(req Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, sent{key: req.Key, at: time.Now()})
	return nil
}

func (f *fakeSender) SendUnsubscribe(key market.CompositeKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{key: key, unsub: true, at: time.Now()})
	return nil
}

func (f *fakeSender) subscribes() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sent
	for _, s := range f.sent {
		if !s.unsub {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeSender) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

type testConsumer struct{ id string }

func (c testConsumer) ID() string                 { return c.id }
func (c testConsumer) Deliver(f wire.Frame) error { return nil }

func waitFlush(t *testing.T, r *Registry) {
	t.Helper()
	r.mu.RLock()
	done := r.flushDone
	r.mu.RUnlock()
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("flush did not finish")
	}
}

var (
	eurusd = market.NewKey("EURUSD", "ctrader")
	gbpusd = market.NewKey("GBPUSD", "ctrader")
	xauusd = market.NewKey("XAUUSD", "ctrader")
)

// go test -v --run TestOneUpstreamRequestPerKey
func TestOneUpstreamRequestPerKey(t *testing.T) {
	s := &fakeSender{}
	r := New(s, WithSpacing(0))
	r.OnOpen()
	waitFlush(t, r)

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		r.Subscribe(Request{Key: eurusd, LookbackDays: 14}, testConsumer{id})
	}

	if got := len(s.subscribes()); got != 1 {
		t.Fatalf("expected exactly 1 upstream subscribe, got %d", got)
	}
	if got := len(r.Consumers(eurusd)); got != 5 {
		t.Errorf("expected 5 consumers, got %d", got)
	}
}

// go test -v --run TestDuplicateConsumerIgnored
func TestDuplicateConsumerIgnored(t *testing.T) {
	r := New(&fakeSender{}, WithSpacing(0))

	unsub1 := r.Subscribe(Request{Key: eurusd}, testConsumer{"a"})
	unsub2 := r.Subscribe(Request{Key: eurusd}, testConsumer{"a"})

	if got := len(r.Consumers(eurusd)); got != 1 {
		t.Fatalf("expected 1 consumer, got %d", got)
	}

	unsub1()
	unsub2() // idempotent: consumer already gone
	if r.Len() != 0 {
		t.Errorf("expected key removed, %d left", r.Len())
	}
}

// go test -v --run TestReconnectReplaysActiveKeysOnce
func TestReconnectReplaysActiveKeysOnce(t *testing.T) {
	s := &fakeSender{}
	r := New(s, WithSpacing(0))
	r.OnOpen()
	waitFlush(t, r)

	r.Subscribe(Request{Key: eurusd, LookbackDays: 14}, testConsumer{"c1"})
	r.Subscribe(Request{Key: gbpusd}, testConsumer{"c1"})
	r.Subscribe(Request{Key: gbpusd}, testConsumer{"c2"})
	unsubGold := r.Subscribe(Request{Key: xauusd}, testConsumer{"c3"})
	unsubGold()

	r.OnClose()
	s.reset()
	r.OnOpen()
	waitFlush(t, r)

	got := map[market.CompositeKey]int{}
	for _, snt := range s.subscribes() {
		got[snt.key]++
	}
	if got[eurusd] != 1 || got[gbpusd] != 1 {
		t.Errorf("expected each active key replayed once, got %v", got)
	}
	if got[xauusd] != 0 {
		t.Errorf("unsubscribed key must not be replayed, got %v", got)
	}
	if len(got) != 2 {
		t.Errorf("unexpected replay set: %v", got)
	}
}

// go test -v --run TestPendingFlushFIFO
func TestPendingFlushFIFO(t *testing.T) {
	s := &fakeSender{}
	r := New(s, WithSpacing(0))

	r.Subscribe(Request{Key: gbpusd}, testConsumer{"a"})
	r.Subscribe(Request{Key: eurusd}, testConsumer{"a"})
	unsub := r.Subscribe(Request{Key: xauusd}, testConsumer{"a"})
	unsub()

	if len(s.subscribes()) != 0 {
		t.Fatal("nothing may be sent while disconnected")
	}
	if p := r.Pending(); len(p) != 2 {
		t.Fatalf("expected 2 pending requests, got %v", p)
	}

	r.OnOpen()
	waitFlush(t, r)

	out := s.subscribes()
	if len(out) != 2 || out[0].key != gbpusd || out[1].key != eurusd {
		t.Fatalf("unexpected flush order: %+v", out)
	}
	if len(r.Pending()) != 0 {
		t.Error("pending queue must be consumed by the flush")
	}
}

// go test -v --run TestFlushSpacing
func TestFlushSpacing(t *testing.T) {
	s := &fakeSender{}
	r := New(s, WithSpacing(40*time.Millisecond))

	r.Subscribe(Request{Key: eurusd}, testConsumer{"a"})
	r.Subscribe(Request{Key: gbpusd}, testConsumer{"a"})
	r.Subscribe(Request{Key: xauusd}, testConsumer{"a"})

	r.OnOpen()
	waitFlush(t, r)

	out := s.subscribes()
	if len(out) != 3 {
		t.Fatalf("expected 3 sends, got %d", len(out))
	}
	for i := 1; i < len(out); i++ {
		if gap := out[i].at.Sub(out[i-1].at); gap < 35*time.Millisecond {
			t.Errorf("requests %d and %d only %v apart", i-1, i, gap)
		}
	}
}

// go test -v --run TestCloseAbandonsFlush
func TestCloseAbandonsFlush(t *testing.T) {
	s := &fakeSender{}
	r := New(s, WithSpacing(200*time.Millisecond))

	r.Subscribe(Request{Key: eurusd}, testConsumer{"a"})
	r.Subscribe(Request{Key: gbpusd}, testConsumer{"a"})
	r.Subscribe(Request{Key: xauusd}, testConsumer{"a"})

	r.OnOpen()
	time.Sleep(20 * time.Millisecond)
	r.OnClose()
	waitFlush(t, r)

	if got := len(s.subscribes()); got != 1 {
		t.Errorf("expected flush to stop after the first send, got %d sends", got)
	}
}

// go test -v --run TestFlushSkipsKeyEmptiedDuringWait
func TestFlushSkipsKeyEmptiedDuringWait(t *testing.T) {
	s := &fakeSender{}
	r := New(s, WithSpacing(100*time.Millisecond))

	r.Subscribe(Request{Key: eurusd}, testConsumer{"a"})
	r.Subscribe(Request{Key: gbpusd}, testConsumer{"b"})

	r.OnOpen()
	time.Sleep(20 * time.Millisecond)
	r.Unsubscribe(gbpusd, "b")
	waitFlush(t, r)

	s.mu.Lock()
	defer s.mu.Unlock()
	unsubbed := false
	for _, e := range s.sent {
		if e.key != gbpusd {
			continue
		}
		if e.unsub {
			unsubbed = true
			continue
		}
		if unsubbed {
			t.Fatalf("subscribe for %s sent after its last consumer left", gbpusd)
		}
	}
	if !unsubbed {
		t.Errorf("expected an upstream unsubscribe for %s", gbpusd)
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 active key, got %d", r.Len())
	}
}

// go test -v --run TestLastUnsubscribeSendsUpstream
func TestLastUnsubscribeSendsUpstream(t *testing.T) {
	s := &fakeSender{}
	var emptied []market.CompositeKey
	r := New(s, WithSpacing(0), WithOnEmpty(func(k market.CompositeKey) { emptied = append(emptied, k) }))
	r.OnOpen()
	waitFlush(t, r)

	u1 := r.Subscribe(Request{Key: eurusd}, testConsumer{"a"})
	u2 := r.Subscribe(Request{Key: eurusd}, testConsumer{"b"})
	u1()
	if len(emptied) != 0 {
		t.Fatal("key emptied too early")
	}
	u2()

	s.mu.Lock()
	last := s.sent[len(s.sent)-1]
	s.mu.Unlock()
	if !last.unsub || last.key != eurusd {
		t.Errorf("expected upstream unsubscribe, got %+v", last)
	}
	if len(emptied) != 1 || emptied[0] != eurusd {
		t.Errorf("onEmpty not fired: %v", emptied)
	}
}

// go test -v --run TestResync
func TestResync(t *testing.T) {
	s := &fakeSender{}
	r := New(s, WithSpacing(0))

	if err := r.Resync(eurusd); !errors.Is(err, market.ErrNotSubscribed) {
		t.Fatalf("expected ErrNotSubscribed, got %v", err)
	}

	r.Subscribe(Request{Key: eurusd, LookbackDays: 3}, testConsumer{"a"})
	r.Subscribe(Request{Key: eurusd, LookbackDays: 14}, testConsumer{"b"})
	if req, _ := r.Request(eurusd); req.LookbackDays != 14 {
		t.Errorf("expected lookback raised to 14, got %d", req.LookbackDays)
	}

	// Closed: resync only re-queues, without duplicating the pending entry.
	if err := r.Resync(eurusd); err != nil {
		t.Fatalf("resync while closed: %v", err)
	}
	if p := r.Pending(); len(p) != 1 {
		t.Fatalf("expected single pending entry, got %v", p)
	}

	r.OnOpen()
	waitFlush(t, r)
	s.reset()
	if err := r.Resync(eurusd); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if out := s.subscribes(); len(out) != 1 || out[0].key != eurusd {
		t.Errorf("expected one resync request, got %+v", out)
	}
}

// go test -v --run TestAllConsumersDistinct
func TestAllConsumersDistinct(t *testing.T) {
	r := New(&fakeSender{}, WithSpacing(0))
	r.Subscribe(Request{Key: eurusd}, testConsumer{"a"})
	r.Subscribe(Request{Key: gbpusd}, testConsumer{"a"})
	r.Subscribe(Request{Key: gbpusd}, testConsumer{"b"})

	all := r.AllConsumers()
	if len(all) != 2 {
		t.Fatalf("expected 2 distinct consumers, got %d", len(all))
	}
	if !r.Contains(gbpusd, "b") || r.Contains(eurusd, "b") {
		t.Error("Contains reports wrong membership")
	}
}

// go test -v --run TestConcurrentSubscribeUnsubscribe
func TestConcurrentSubscribeUnsubscribe(t *testing.T) {
	s := &fakeSender{}
	r := New(s, WithSpacing(0))
	r.OnOpen()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := string(rune('a' + i%26))
			unsub := r.Subscribe(Request{Key: eurusd}, testConsumer{id})
			_ = r.Consumers(eurusd)
			unsub()
		}()
	}
	wg.Wait()
	waitFlush(t, r)

	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d keys", r.Len())
	}
}
