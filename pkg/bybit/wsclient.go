package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"profilefeed/internal/venue"
	"profilefeed/pkg/feed"
	"profilefeed/pkg/market"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type VenueConfig struct {
	Source           string
	URL              string
	Interval         KlineInterval
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	Buffer           int
}

// Venue streams klines from the public websocket. Confirmed klines become bars;
// updates of the forming kline become ticks at the last price.
type Venue struct {
	cfg    VenueConfig
	period string
	logger *zap.Logger
	events chan venue.Event

	mu        sync.Mutex
	conn      *websocket.Conn
	topics    map[string]market.CompositeKey
	connected bool

	writeMu sync.Mutex
	sendMu  sync.Mutex // serializes event sends with Close
	closed  atomic.Bool
	stop    chan struct{}
}

func NewVenue(cfg VenueConfig, logger *zap.Logger) (*Venue, error) {
	meta, err := ParseKlineInterval(string(cfg.Interval))
	if err != nil {
		return nil, err
	}
	if cfg.Source == "" {
		cfg.Source = "bybit"
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Venue{
		cfg:    cfg,
		period: meta.Period,
		logger: logger,
		events: make(chan venue.Event, cfg.Buffer),
		topics: make(map[string]market.CompositeKey),
		stop:   make(chan struct{}),
	}, nil
}

func (v *Venue) Source() string { return v.cfg.Source }

func (v *Venue) Events() <-chan venue.Event { return v.events }

func (v *Venue) Connected() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.connected
}

// Start dials in the background and keeps the stream alive until ctx ends or Close.
func (v *Venue) Start(ctx context.Context) error {
	if v.closed.Load() {
		return venue.ErrClosed
	}
	go v.run(ctx)
	return nil
}

func (v *Venue) topic(key market.CompositeKey) string {
	return fmt.Sprintf("kline.%s.%s", v.cfg.Interval, key.Symbol)
}

func (v *Venue) Subscribe(key market.CompositeKey) error {
	if v.closed.Load() {
		return venue.ErrClosed
	}
	t := v.topic(key)
	v.mu.Lock()
	if _, ok := v.topics[t]; ok {
		v.mu.Unlock()
		return nil
	}
	v.topics[t] = key
	conn := v.conn
	v.mu.Unlock()

	if conn == nil {
		return nil // sent on connect
	}
	return v.write(conn, opRequest{Op: "subscribe", Args: []string{t}})
}

func (v *Venue) Unsubscribe(key market.CompositeKey) error {
	t := v.topic(key)
	v.mu.Lock()
	if _, ok := v.topics[t]; !ok {
		v.mu.Unlock()
		return nil
	}
	delete(v.topics, t)
	conn := v.conn
	v.mu.Unlock()

	if conn == nil {
		return nil
	}
	return v.write(conn, opRequest{Op: "unsubscribe", Args: []string{t}})
}

func (v *Venue) Close() error {
	if v.closed.Swap(true) {
		return nil
	}
	close(v.stop)
	v.mu.Lock()
	if v.conn != nil {
		_ = v.conn.Close()
	}
	v.mu.Unlock()

	v.sendMu.Lock()
	defer v.sendMu.Unlock()
	close(v.events)
	return nil
}

func (v *Venue) run(ctx context.Context) {
	attempt := 0
	for {
		if v.closed.Load() || ctx.Err() != nil {
			return
		}
		conn, err := v.dial(ctx)
		if err != nil {
			delay := feed.Backoff(v.cfg.BaseDelay, v.cfg.MaxDelay, attempt)
			attempt++
			v.logger.Warn("bybit dial failed", zap.Error(err), zap.Int("attempt", attempt), zap.Duration("retry_in", delay))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			case <-v.stop:
				return
			}
		}
		attempt = 0
		v.serve(ctx, conn)
	}
}

func (v *Venue) dial(ctx context.Context) (*websocket.Conn, error) {
	d := websocket.Dialer{HandshakeTimeout: v.cfg.HandshakeTimeout}
	conn, _, err := d.DialContext(ctx, v.cfg.URL, nil)
	if err != nil {
		return nil, &market.TransportError{Op: "dial", Err: err}
	}
	return conn, nil
}

// serve resubscribes every topic on conn and reads until it fails.
func (v *Venue) serve(ctx context.Context, conn *websocket.Conn) {
	v.mu.Lock()
	v.conn = conn
	v.connected = true
	topics := make([]string, 0, len(v.topics))
	for t := range v.topics {
		topics = append(topics, t)
	}
	v.mu.Unlock()

	v.logger.Info("bybit connected", zap.String("url", v.cfg.URL), zap.Int("topics", len(topics)))
	v.emit(venue.Event{Kind: venue.EventStatus, Connected: true})
	if len(topics) > 0 {
		if err := v.write(conn, opRequest{Op: "subscribe", Args: topics}); err != nil {
			v.logger.Warn("bybit resubscribe failed", zap.Error(err))
		}
	}

	done := make(chan struct{})
	go v.pinger(conn, done)

	err := v.readLoop(conn)
	close(done)
	_ = conn.Close()

	v.mu.Lock()
	v.conn = nil
	v.connected = false
	v.mu.Unlock()

	if v.closed.Load() || ctx.Err() != nil {
		return
	}
	v.logger.Warn("bybit disconnected", zap.Error(err))
	v.emit(venue.Event{Kind: venue.EventStatus, Connected: false, Err: err})
}

func (v *Venue) pinger(conn *websocket.Conn, done <-chan struct{}) {
	t := time.NewTicker(v.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := v.write(conn, opRequest{Op: "ping"}); err != nil {
				return
			}
		}
	}
}

func (v *Venue) readLoop(conn *websocket.Conn) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return &market.TransportError{Op: "read", Err: err}
		}
		v.handle(msg)
	}
}

func (v *Venue) write(conn *websocket.Conn, req opRequest) error {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(req); err != nil {
		return &market.TransportError{Op: req.Op, Err: err}
	}
	return nil
}

// handle parses one message from the stream.
func (v *Venue) handle(msg []byte) {
	// Step 1: Extract topic string for early filtering
	var meta struct {
		Topic string `json:"topic"`
		Op    string `json:"op"`
	}
	if err := json.Unmarshal(msg, &meta); err != nil {
		v.logger.Warn("failed to extract topic", zap.Error(&market.ProtocolError{Frame: string(msg), Err: err}))
		return
	}
	if meta.Op != "" {
		var ack opResponse
		if err := json.Unmarshal(msg, &ack); err == nil && !ack.Success && meta.Op != "pong" {
			v.logger.Warn("bybit rejected request", zap.String("op", ack.Op), zap.String("msg", ack.RetMsg))
		}
		return
	}
	if !isKlineTopic(meta.Topic) {
		return
	}

	v.mu.Lock()
	key, ok := v.topics[meta.Topic]
	v.mu.Unlock()
	if !ok {
		return // unsubscribed while in flight
	}

	// Step 2: Fully parse the kline message payload
	var parsed KlineMessage
	if err := json.Unmarshal(msg, &parsed); err != nil {
		v.logger.Warn("failed to parse kline payload", zap.Error(&market.ProtocolError{Frame: string(msg), Err: err}))
		return
	}
	for _, d := range parsed.Data {
		if d.Confirm {
			b, err := d.Bar(key, v.period)
			if err != nil {
				v.logger.Warn("bad kline", zap.String("topic", meta.Topic), zap.Error(err))
				continue
			}
			v.emit(venue.Event{Kind: venue.EventBar, Bar: b})
			continue
		}
		t, err := d.Tick(key)
		if err != nil {
			v.logger.Warn("bad kline", zap.String("topic", meta.Topic), zap.Error(err))
			continue
		}
		v.emit(venue.Event{Kind: venue.EventTick, Tick: t})
	}
}

func (v *Venue) emit(ev venue.Event) {
	v.sendMu.Lock()
	defer v.sendMu.Unlock()
	if v.closed.Load() {
		return
	}
	select {
	case v.events <- ev:
	case <-v.stop:
	}
}

// isKlineTopic returns true if the topic string indicates a kline stream.
func isKlineTopic(topic string) bool {
	return strings.HasPrefix(topic, "kline.")
}
