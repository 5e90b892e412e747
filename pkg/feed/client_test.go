package feed

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"profilefeed/pkg/market"
	"profilefeed/pkg/wire"

	"github.com/gorilla/websocket"
)

type testServer struct {
	*httptest.Server
	conns chan *websocket.Conn
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{conns: make(chan *websocket.Conn, 8)}
	upgrader := websocket.Upgrader{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.conns <- ws
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (ts *testServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-ts.conns:
		return ws
	case <-time.After(3 * time.Second):
		t.Fatal("client never connected")
		return nil
	}
}

func readFrame(t *testing.T, ws *websocket.Conn, timeout time.Duration) (wire.Frame, error) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	return wire.Decode(data)
}

func send(t *testing.T, ws *websocket.Conn, f wire.Frame) {
	t.Helper()
	if err := ws.WriteJSON(f); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

type chanConsumer struct {
	id     string
	frames chan wire.Frame
}

func newChanConsumer(id string) *chanConsumer {
	return &chanConsumer{id: id, frames: make(chan wire.Frame, 64)}
}

func (c *chanConsumer) ID() string { return c.id }

func (c *chanConsumer) Deliver(f wire.Frame) error {
	select {
	case c.frames <- f:
	default:
	}
	return nil
}

// waitFor skips frames until match accepts one.
func (c *chanConsumer) waitFor(t *testing.T, what string, match func(wire.Frame) bool) wire.Frame {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case f := <-c.frames:
			if match(f) {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
			return nil
		}
	}
}

func testClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{
		Conn: ConnConfig{
			URL:       url,
			Reconnect: ReconnectConfig{BaseDelay: 20 * time.Millisecond, MaxDelay: 200 * time.Millisecond, MaxAttempts: 5},
		},
		SnapshotTimeout: 300 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func snapshots(t *testing.T, key market.CompositeKey, seq uint64) (wire.Snapshot, wire.Snapshot) {
	t.Helper()
	p, err := wire.NewSnapshot(key, wire.KindProfile, wire.ProfilePayload{
		BucketSize: 0.0005,
		Sequence:   seq,
		Levels:     []wire.Level{{Price: 1.0850, TPO: 2}, {Price: 1.0855, TPO: 1}},
	})
	if err != nil {
		t.Fatal(err)
	}
	r, err := wire.NewSnapshot(key, wire.KindRange, wire.RangePayload{Open: 1.0850, High: 1.0860, Low: 1.0845})
	if err != nil {
		t.Fatal(err)
	}
	return p, r
}

func profileUpdate(t *testing.T, key market.CompositeKey, seq uint64, price float64, tpo int) wire.Update {
	t.Helper()
	u, err := wire.NewUpdate(key, wire.KindProfile, wire.ProfileDelta{Bar: int64(seq), Levels: []wire.Level{{Price: price, TPO: tpo}}}, seq)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func isType(typ wire.Type) func(wire.Frame) bool {
	return func(f wire.Frame) bool { return f.FrameType() == typ }
}

// go test -v --run TestClientSnapshotAndDeltas
func TestClientSnapshotAndDeltas(t *testing.T) {
	ts := newTestServer(t)
	key := market.NewKey("EURUSD", "ctrader")
	client := testClient(t, ts.url())
	consumer := newChanConsumer("ui")

	client.Subscribe(key, 14, consumer)
	if err := client.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	ws := ts.accept(t)

	f, err := readFrame(t, ws, 2*time.Second)
	if err != nil {
		t.Fatalf("read subscribe: %v", err)
	}
	sub, ok := f.(wire.Subscribe)
	if !ok || sub.Symbol != "EURUSD" || sub.Source != "ctrader" || sub.LookbackDays != 14 {
		t.Fatalf("unexpected first frame %#v", f)
	}

	// Parts of one snapshot arrive separately and are delivered as one package.
	p, r := snapshots(t, key, 1)
	send(t, ws, r)
	send(t, ws, p)
	pkg := consumer.waitFor(t, "package", isType(wire.TypePackage)).(wire.Package)
	if !pkg.Complete || len(pkg.Parts) != 2 {
		t.Fatalf("expected complete package, got %+v", pkg)
	}

	send(t, ws, profileUpdate(t, key, 2, 1.0860, 1))
	u := consumer.waitFor(t, "update", isType(wire.TypeUpdate)).(wire.Update)
	if u.Sequence != 2 {
		t.Fatalf("expected sequence 2, got %d", u.Sequence)
	}
	if prof, ok := client.Profile(key); !ok || len(prof.Levels) != 3 || prof.Sequence != 2 {
		t.Errorf("mirror not updated: %+v", prof)
	}

	// Sequence 3 is lost: the consumer is told and the key is re-requested.
	send(t, ws, profileUpdate(t, key, 4, 1.0865, 1))
	e := consumer.waitFor(t, "gap error", isType(wire.TypeError)).(wire.Error)
	if e.Code != wire.CodeSequenceGap || e.Symbol != "EURUSD" {
		t.Fatalf("unexpected error frame %+v", e)
	}
	f, err = readFrame(t, ws, 2*time.Second)
	if err != nil {
		t.Fatalf("read resync: %v", err)
	}
	if _, ok := f.(wire.Subscribe); !ok {
		t.Fatalf("expected resync subscribe, got %#v", f)
	}
}

// go test -v --run TestClientLateJoinerGetsPackageOnce
func TestClientLateJoinerGetsPackageOnce(t *testing.T) {
	ts := newTestServer(t)
	key := market.NewKey("GBPUSD", "ctrader")
	client := testClient(t, ts.url())
	first := newChanConsumer("first")

	client.Subscribe(key, 1, first)
	_ = client.Start()
	ws := ts.accept(t)
	if _, err := readFrame(t, ws, 2*time.Second); err != nil {
		t.Fatalf("read subscribe: %v", err)
	}
	p, r := snapshots(t, key, 3)
	send(t, ws, p)
	send(t, ws, r)
	first.waitFor(t, "package", isType(wire.TypePackage))

	late := newChanConsumer("late")
	client.Subscribe(key, 1, late)
	late.waitFor(t, "initial package", isType(wire.TypePackage))

	client.Subscribe(key, 1, late)
	select {
	case f := <-late.frames:
		t.Fatalf("repeat subscribe delivered %#v", f)
	case <-time.After(100 * time.Millisecond):
	}
}

// go test -v --run TestClientPartialSnapshot
func TestClientPartialSnapshot(t *testing.T) {
	ts := newTestServer(t)
	key := market.NewKey("XAUUSD", "ctrader")
	client := testClient(t, ts.url())
	consumer := newChanConsumer("ui")

	client.Subscribe(key, 1, consumer)
	_ = client.Start()
	ws := ts.accept(t)
	if _, err := readFrame(t, ws, 2*time.Second); err != nil {
		t.Fatalf("read subscribe: %v", err)
	}

	p, _ := snapshots(t, key, 7)
	send(t, ws, p)

	pkg := consumer.waitFor(t, "partial package", isType(wire.TypePackage)).(wire.Package)
	if pkg.Complete {
		t.Fatal("package without range must be incomplete")
	}
	if len(pkg.Missing) != 1 || pkg.Missing[0] != wire.KindRange {
		t.Errorf("expected range missing, got %v", pkg.Missing)
	}
	var prof wire.ProfilePayload
	if err := json.Unmarshal(pkg.Parts[wire.KindProfile], &prof); err != nil || prof.Sequence != 7 {
		t.Errorf("profile part: %+v (%v)", prof, err)
	}
}

// go test -v --run TestClientReplaysAfterDrop
func TestClientReplaysAfterDrop(t *testing.T) {
	ts := newTestServer(t)
	eur := market.NewKey("EURUSD", "ctrader")
	gbp := market.NewKey("GBPUSD", "ctrader")
	client := testClient(t, ts.url())
	a := newChanConsumer("a")
	b := newChanConsumer("b")

	client.Subscribe(eur, 14, a)
	client.Subscribe(eur, 14, b)
	client.Subscribe(gbp, 14, b)
	_ = client.Start()

	ws := ts.accept(t)
	for i := 0; i < 2; i++ {
		if _, err := readFrame(t, ws, 2*time.Second); err != nil {
			t.Fatalf("read initial subscribe %d: %v", i, err)
		}
	}
	ws.Close()

	a.waitFor(t, "reconnecting status", func(f wire.Frame) bool {
		s, ok := f.(wire.Status)
		return ok && s.State == wire.StatusReconnecting
	})

	ws = ts.accept(t)
	seen := map[string]int{}
	for {
		f, err := readFrame(t, ws, 500*time.Millisecond)
		if err != nil {
			break
		}
		if sub, ok := f.(wire.Subscribe); ok {
			seen[sub.Symbol]++
		}
	}
	if seen["EURUSD"] != 1 || seen["GBPUSD"] != 1 || len(seen) != 2 {
		t.Errorf("expected each key replayed exactly once, got %v", seen)
	}
	if client.State() != Connected {
		t.Errorf("expected connected, got %v", client.State())
	}
}

// go test -v --run TestConnSendWhenClosed
func TestConnSendWhenClosed(t *testing.T) {
	c := NewConn(ConnConfig{URL: "ws://127.0.0.1:1"}, Handler{}, nil)
	if err := c.Send(wire.NewHeartbeat(time.Now())); err != market.ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

// go test -v --run TestConnGivesUp
func TestConnGivesUp(t *testing.T) {
	closes := make(chan error, 16)
	permanent := make(chan struct{}, 1)
	c := NewConn(ConnConfig{
		URL:              "ws://127.0.0.1:1",
		HandshakeTimeout: 200 * time.Millisecond,
		Reconnect:        ReconnectConfig{BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, MaxAttempts: 2},
	}, Handler{
		OnClose: func(err error) { closes <- err },
		OnState: func(s State, _ int, _ time.Duration) {
			if s == PermanentlyDisconnected {
				permanent <- struct{}{}
			}
		},
	}, nil)
	defer c.Disconnect()

	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	select {
	case <-permanent:
	case <-time.After(3 * time.Second):
		t.Fatal("connection never gave up")
	}
	if n := len(closes); n != 3 {
		t.Errorf("expected a close per failed dial (3), got %d", n)
	}
	if err := c.Connect(); err != market.ErrPermanentDisconnect {
		t.Errorf("connect after giving up: %v", err)
	}
}
