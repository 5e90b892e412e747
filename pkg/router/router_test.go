package router

import (
	"errors"
	"sync"
	"testing"

	"profilefeed/pkg/market"
	"profilefeed/pkg/subscription"
	"profilefeed/pkg/wire"
)

type recorder struct {
	id     string
	mu     sync.Mutex
	frames []wire.Frame
	err    error
	panics bool
}

func (c *recorder) ID() string { return c.id }

func (c *recorder) Deliver(f wire.Frame) error {
	if c.panics {
		panic("boom")
	}
	if c.err != nil {
		return c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *recorder) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

type staticSource struct {
	byKey map[market.CompositeKey][]subscription.Consumer
}

func (s staticSource) Consumers(key market.CompositeKey) []subscription.Consumer {
	return s.byKey[key]
}

func (s staticSource) AllConsumers() []subscription.Consumer {
	var out []subscription.Consumer
	for _, cs := range s.byKey {
		out = append(out, cs...)
	}
	return out
}

var (
	eurusdCT = market.NewKey("EURUSD", "ctrader")
	eurusdBB = market.NewKey("EURUSD", "bybit")
)

// go test -v --run TestRouteIsolatesFailures
func TestRouteIsolatesFailures(t *testing.T) {
	good1 := &recorder{id: "good1"}
	bad := &recorder{id: "bad", err: errors.New("buffer full")}
	panicky := &recorder{id: "panicky", panics: true}
	good2 := &recorder{id: "good2"}

	r := New(staticSource{byKey: map[market.CompositeKey][]subscription.Consumer{
		eurusdCT: {good1, bad, panicky, good2},
	}}, nil)

	n := r.Route(eurusdCT, wire.NewTick(market.Tick{Key: eurusdCT, Bid: 1.1, Ask: 1.2}))
	if n != 2 {
		t.Fatalf("expected 2 successful deliveries, got %d", n)
	}
	if good1.count() != 1 || good2.count() != 1 {
		t.Errorf("healthy consumers must each receive the frame once: %d, %d", good1.count(), good2.count())
	}
}

// go test -v --run TestRouteKeepsSourcesApart
func TestRouteKeepsSourcesApart(t *testing.T) {
	ct := &recorder{id: "ct"}
	bb := &recorder{id: "bb"}
	r := New(staticSource{byKey: map[market.CompositeKey][]subscription.Consumer{
		eurusdCT: {ct},
		eurusdBB: {bb},
	}}, nil)

	r.Route(eurusdCT, wire.Health{Symbol: "EURUSD", Source: "ctrader", State: wire.HealthStale})

	if ct.count() != 1 || bb.count() != 0 {
		t.Errorf("frame leaked across sources: ctrader=%d bybit=%d", ct.count(), bb.count())
	}
}

// go test -v --run TestBroadcastDistinct
func TestBroadcastDistinct(t *testing.T) {
	shared := &recorder{id: "shared"}
	only := &recorder{id: "only"}
	r := New(staticSource{byKey: map[market.CompositeKey][]subscription.Consumer{
		eurusdCT: {shared},
		eurusdBB: {shared, only},
	}}, nil)

	n := r.Broadcast(wire.SystemError(wire.CodePermanentDisconnect, "gone"))
	if n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
	if shared.count() != 1 {
		t.Errorf("consumer on two keys must get a broadcast once, got %d", shared.count())
	}
}

// go test -v --run TestDispatchBySubject
func TestDispatchBySubject(t *testing.T) {
	ct := &recorder{id: "ct"}
	bb := &recorder{id: "bb"}
	r := New(staticSource{byKey: map[market.CompositeKey][]subscription.Consumer{
		eurusdCT: {ct},
		eurusdBB: {bb},
	}}, nil)

	r.Dispatch(wire.KeyError(eurusdBB, wire.CodeOverflow, "ceiling"))
	if ct.count() != 0 || bb.count() != 1 {
		t.Errorf("key error misrouted: ctrader=%d bybit=%d", ct.count(), bb.count())
	}

	r.Dispatch(wire.Status{State: wire.StatusReconnecting, Attempt: 2})
	if ct.count() != 1 || bb.count() != 2 {
		t.Errorf("status must reach everyone: ctrader=%d bybit=%d", ct.count(), bb.count())
	}
}
