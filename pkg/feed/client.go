package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"profilefeed/pkg/coordinator"
	"profilefeed/pkg/market"
	"profilefeed/pkg/router"
	"profilefeed/pkg/subscription"
	"profilefeed/pkg/wire"

	"go.uber.org/zap"
)

type ClientConfig struct {
	Conn            ConnConfig
	Spacing         time.Duration // between subscribe requests replayed after a reconnect
	SnapshotTimeout time.Duration // how long to wait for the second half of a snapshot
}

// Client keeps a set of local consumers subscribed to a profile feed server.
// Consumers receive wire.Package once per snapshot, then wire.Update, wire.Tick,
// wire.Health, wire.Error and wire.Status frames.
type Client struct {
	conn     *Conn
	registry *subscription.Registry
	router   *router.Router
	coord    *coordinator.Coordinator[wire.Kind, json.RawMessage]
	seq      *SequenceTracker
	logger   *zap.Logger

	mu     sync.Mutex
	mirror map[market.CompositeKey]*mirror
}

// mirror is the client's copy of a key's latest profile and range.
type mirror struct {
	profile *wire.ProfilePayload
	levels  map[float64]int
	rng     json.RawMessage
}

var snapshotKinds = []wire.Kind{wire.KindProfile, wire.KindRange}

func NewClient(cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Spacing < 0 {
		cfg.Spacing = subscription.DefaultSpacing
	}
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = 5 * time.Second
	}

	c := &Client{
		seq:    NewSequenceTracker(),
		logger: logger,
		mirror: make(map[market.CompositeKey]*mirror),
	}
	c.registry = subscription.New(wsSender{c},
		subscription.WithSpacing(cfg.Spacing),
		subscription.WithLogger(logger.Named("registry")),
		subscription.WithOnEmpty(c.forget),
	)
	c.router = router.New(c.registry, logger.Named("router"))

	coord, err := coordinator.New(coordinator.Config[wire.Kind, json.RawMessage]{
		Required:   snapshotKinds,
		Timeout:    cfg.SnapshotTimeout,
		OnComplete: c.onPackage,
		OnTimeout:  c.onPartialPackage,
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot coordinator: %w", err)
	}
	c.coord = coord

	c.conn = NewConn(cfg.Conn, Handler{
		OnOpen:    c.onOpen,
		OnClose:   c.onClose,
		OnError:   c.onError,
		OnMessage: c.onMessage,
		OnState:   c.onState,
	}, logger.Named("conn"))
	return c, nil
}

// Start connects in the background.
func (c *Client) Start() error {
	return c.conn.Connect()
}

// Retry reconnects after the client gave up.
func (c *Client) Retry() error {
	return c.conn.Retry()
}

func (c *Client) Close() {
	c.conn.Disconnect()
	c.coord.Close()
}

func (c *Client) State() State {
	return c.conn.State()
}

// Subscribe registers consumer for key. A consumer joining a key that already has a
// snapshot receives the current state immediately; subscribing again delivers nothing.
func (c *Client) Subscribe(key market.CompositeKey, lookbackDays int, consumer subscription.Consumer) func() {
	joined := !c.registry.Contains(key, consumer.ID())
	unsub := c.registry.Subscribe(subscription.Request{Key: key, LookbackDays: lookbackDays}, consumer)
	if !joined {
		return unsub
	}
	if pkg, ok := c.Package(key); ok {
		if err := consumer.Deliver(pkg); err != nil {
			c.logger.Warn("initial package not delivered", zap.String("consumer", consumer.ID()), zap.Error(err))
		}
	}
	return unsub
}

// Keys returns the keys with at least one local consumer.
func (c *Client) Keys() []market.CompositeKey {
	return c.registry.Keys()
}

func (c *Client) onOpen() {
	c.registry.OnOpen()
	c.router.Broadcast(wire.Status{State: wire.StatusConnected})
}

func (c *Client) onClose(err error) {
	c.registry.OnClose()
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	c.router.Broadcast(wire.Status{State: wire.StatusDisconnected, Message: msg})
}

func (c *Client) onError(err error) {
	c.logger.Warn("connection error", zap.Error(err))
}

func (c *Client) onState(state State, attempt int, delay time.Duration) {
	switch {
	case state == Disconnected && attempt > 0:
		c.router.Broadcast(wire.Status{
			State:   wire.StatusReconnecting,
			Attempt: attempt,
			Message: fmt.Sprintf("retry in %s", delay),
		})
	case state == PermanentlyDisconnected:
		c.logger.Error("feed unavailable", zap.Int("attempts", attempt), zap.Error(market.ErrPermanentDisconnect))
		c.router.Broadcast(wire.Status{State: wire.StatusPermanentDisconnected, Attempt: attempt})
		c.router.Broadcast(wire.SystemError(wire.CodePermanentDisconnect, market.ErrPermanentDisconnect.Error()))
	}
}

func (c *Client) onMessage(data []byte) {
	f, err := wire.Decode(data)
	if err != nil {
		c.logger.Warn("dropping frame", zap.Error(err))
		return
	}

	switch m := f.(type) {
	case wire.Snapshot:
		key, _ := m.Subject()
		if len(c.registry.Consumers(key)) == 0 {
			return
		}
		if m.Kind == wire.KindProfile {
			var p wire.ProfilePayload
			if err := json.Unmarshal(m.Payload, &p); err != nil {
				c.logger.Warn("dropping profile snapshot", zap.String("key", key.String()),
					zap.Error(&market.ProtocolError{Frame: string(data), Err: err}))
				return
			}
			c.seq.Reset(key, p.Sequence)
		}
		c.coord.OnMessage(key.String(), m.Kind, m.Payload)

	case wire.Update:
		key, _ := m.Subject()
		if m.Kind == wire.KindProfile {
			apply, err := c.seq.Check(key, m.Sequence)
			if err != nil {
				c.onGap(key, err)
				return
			}
			if !apply {
				return
			}
			if err := c.applyProfile(key, m); err != nil {
				c.logger.Warn("dropping profile update", zap.String("key", key.String()), zap.Error(err))
				return
			}
		} else {
			c.setRange(key, m.Delta)
		}
		c.router.Route(key, m)

	default:
		c.router.Dispatch(f)
	}
}

func (c *Client) onGap(key market.CompositeKey, err error) {
	c.logger.Warn("sequence gap, resyncing", zap.String("key", key.String()), zap.Error(err))
	c.router.Route(key, wire.KeyError(key, wire.CodeSequenceGap, err.Error()))
	if rerr := c.registry.Resync(key); rerr != nil && !errors.Is(rerr, market.ErrNotConnected) {
		c.logger.Warn("resync failed", zap.String("key", key.String()), zap.Error(rerr))
	}
}

func (c *Client) onPackage(subject string, parts map[wire.Kind]json.RawMessage) {
	c.deliverPackage(subject, parts, nil)
}

func (c *Client) onPartialPackage(subject string, partial map[wire.Kind]json.RawMessage, received []wire.Kind) {
	var missing []wire.Kind
	for _, k := range snapshotKinds {
		if _, ok := partial[k]; !ok {
			missing = append(missing, k)
		}
	}
	c.logger.Warn("snapshot incomplete", zap.String("key", subject), zap.Int("received", len(received)))
	c.deliverPackage(subject, partial, missing)
}

func (c *Client) deliverPackage(subject string, parts map[wire.Kind]json.RawMessage, missing []wire.Kind) {
	key, err := market.ParseKey(subject)
	if err != nil {
		c.logger.Error("bad coordinator subject", zap.String("subject", subject), zap.Error(err))
		return
	}
	c.store(key, parts)
	c.router.Route(key, wire.Package{
		Symbol:   key.Symbol,
		Source:   key.Source,
		Parts:    parts,
		Missing:  missing,
		Complete: len(missing) == 0,
	})
}

func (c *Client) store(key market.CompositeKey, parts map[wire.Kind]json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.mirrorLocked(key)
	if raw, ok := parts[wire.KindProfile]; ok {
		var p wire.ProfilePayload
		if err := json.Unmarshal(raw, &p); err == nil {
			m.profile = &p
			m.levels = make(map[float64]int, len(p.Levels))
			for _, l := range p.Levels {
				m.levels[l.Price] = l.TPO
			}
		}
	}
	if raw, ok := parts[wire.KindRange]; ok {
		m.rng = raw
	}
}

func (c *Client) applyProfile(key market.CompositeKey, u wire.Update) error {
	var d wire.ProfileDelta
	if err := json.Unmarshal(u.Delta, &d); err != nil {
		return &market.ProtocolError{Frame: string(u.Delta), Err: err}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.mirrorLocked(key)
	if m.profile == nil {
		return nil
	}
	for _, l := range d.Levels {
		m.levels[l.Price] = l.TPO
	}
	m.profile.LastBar = d.Bar
	m.profile.Sequence = u.Sequence
	return nil
}

func (c *Client) setRange(key market.CompositeKey, raw json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mirrorLocked(key).rng = raw
}

func (c *Client) mirrorLocked(key market.CompositeKey) *mirror {
	m, ok := c.mirror[key]
	if !ok {
		m = &mirror{}
		c.mirror[key] = m
	}
	return m
}

// Profile returns the client's current copy of key's profile.
func (c *Client) Profile(key market.CompositeKey) (wire.ProfilePayload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.mirror[key]
	if !ok || m.profile == nil {
		return wire.ProfilePayload{}, false
	}
	p := *m.profile
	p.Levels = make([]wire.Level, 0, len(m.levels))
	for price, tpo := range m.levels {
		p.Levels = append(p.Levels, wire.Level{Price: price, TPO: tpo})
	}
	sort.Slice(p.Levels, func(i, j int) bool { return p.Levels[i].Price < p.Levels[j].Price })
	return p, true
}

// Range returns the client's current copy of key's range.
func (c *Client) Range(key market.CompositeKey) (wire.RangePayload, bool) {
	c.mu.Lock()
	raw := json.RawMessage(nil)
	if m, ok := c.mirror[key]; ok {
		raw = m.rng
	}
	c.mu.Unlock()
	if raw == nil {
		return wire.RangePayload{}, false
	}
	var r wire.RangePayload
	if err := json.Unmarshal(raw, &r); err != nil {
		return wire.RangePayload{}, false
	}
	return r, true
}

// Package assembles the current state of key as a snapshot package.
func (c *Client) Package(key market.CompositeKey) (wire.Package, bool) {
	parts := make(map[wire.Kind]json.RawMessage, len(snapshotKinds))
	var missing []wire.Kind
	if p, ok := c.Profile(key); ok {
		raw, err := json.Marshal(p)
		if err != nil {
			return wire.Package{}, false
		}
		parts[wire.KindProfile] = raw
	} else {
		missing = append(missing, wire.KindProfile)
	}
	c.mu.Lock()
	if m, ok := c.mirror[key]; ok && m.rng != nil {
		parts[wire.KindRange] = m.rng
	} else {
		missing = append(missing, wire.KindRange)
	}
	c.mu.Unlock()

	if len(parts) == 0 {
		return wire.Package{}, false
	}
	return wire.Package{
		Symbol:   key.Symbol,
		Source:   key.Source,
		Parts:    parts,
		Missing:  missing,
		Complete: len(missing) == 0,
	}, true
}

func (c *Client) forget(key market.CompositeKey) {
	c.coord.Cleanup(key.String())
	c.seq.Forget(key)
	c.mu.Lock()
	delete(c.mirror, key)
	c.mu.Unlock()
}

// wsSender turns registry requests into wire frames.
type wsSender struct{ c *Client }

func (s wsSender) SendSubscribe(req subscription.Request) error {
	return s.c.conn.Send(wire.Subscribe{
		Symbol:       req.Key.Symbol,
		Source:       req.Key.Source,
		LookbackDays: req.LookbackDays,
	})
}

func (s wsSender) SendUnsubscribe(key market.CompositeKey) error {
	return s.c.conn.Send(wire.Unsubscribe{Symbol: key.Symbol, Source: key.Source})
}
