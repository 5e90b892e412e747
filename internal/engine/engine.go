// Package engine turns venue events into profile, range, tick and health frames for the
// consumers subscribed to each key.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"profilefeed/internal/health"
	"profilefeed/internal/profile"
	"profilefeed/internal/rangetracker"
	"profilefeed/internal/session"
	"profilefeed/internal/venue"
	"profilefeed/pkg/market"
	"profilefeed/pkg/router"
	"profilefeed/pkg/subscription"
	"profilefeed/pkg/wire"

	"go.uber.org/zap"
)

type Config struct {
	DefaultLookbackDays int
	// GracePeriod keeps a key's state after its last consumer leaves.
	GracePeriod     time.Duration
	FlushSpacing    time.Duration
	BackfillTimeout time.Duration
	Health          health.Config
}

// Source pairs a live venue with the history used to backfill it.
type Source struct {
	Adapter venue.Adapter
	History venue.HistorySource
}

type source struct {
	name     string
	adapter  venue.Adapter
	history  venue.HistorySource
	registry *subscription.Registry
	router   *router.Router
}

// keyState is owned by the event loop.
type keyState struct {
	initialized bool
	backfill    uint64       // generation of the backfill in flight, 0 when none
	buffered    []market.Bar // live bars held while a backfill is in flight
	grace       *time.Timer
}

// Engine runs every per-key computation on one event loop, so events for a key are
// processed in arrival order.
type Engine struct {
	cfg      Config
	clock    *session.Clock
	profiles *profile.Aggregator
	ranges   *rangetracker.Tracker
	health   *health.Monitor
	sources  map[string]*source
	router   *router.Router
	logger   *zap.Logger
	now      func() time.Time

	inbox chan func()
	done  chan struct{}
	once  sync.Once

	keys    map[market.CompositeKey]*keyState
	backGen uint64
}

func New(cfg Config, clock *session.Clock, profiles *profile.Aggregator, ranges *rangetracker.Tracker,
	sources []Source, logger *zap.Logger) (*Engine, error) {
	if len(sources) == 0 {
		return nil, errors.New("engine needs at least one source")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultLookbackDays <= 0 {
		cfg.DefaultLookbackDays = 1
	}
	if cfg.BackfillTimeout <= 0 {
		cfg.BackfillTimeout = 30 * time.Second
	}

	e := &Engine{
		cfg:      cfg,
		clock:    clock,
		profiles: profiles,
		ranges:   ranges,
		sources:  make(map[string]*source, len(sources)),
		logger:   logger,
		now:      time.Now,
		inbox:    make(chan func(), 4096),
		done:     make(chan struct{}),
		keys:     make(map[market.CompositeKey]*keyState),
	}
	e.health = health.New(cfg.Health, e.onHealth, logger.Named("health"))

	for _, s := range sources {
		name := s.Adapter.Source()
		if _, dup := e.sources[name]; dup {
			return nil, fmt.Errorf("duplicate source %q", name)
		}
		src := &source{name: name, adapter: s.Adapter, history: s.History}
		src.registry = subscription.New(venueSender{src.adapter},
			subscription.WithSpacing(cfg.FlushSpacing),
			subscription.WithLogger(logger.Named("registry").With(zap.String("source", name))),
			subscription.WithOnEmpty(func(k market.CompositeKey) { e.post(func() { e.scheduleRelease(k) }) }),
		)
		src.router = router.New(src.registry, logger.Named("router").With(zap.String("source", name)))
		e.sources[name] = src
	}
	e.router = router.New(e, logger.Named("router"))
	return e, nil
}

// Run starts the venues and processes events until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	for _, src := range e.sources {
		if err := src.adapter.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", src.name, err)
		}
		go e.forward(src)
	}
	go e.health.Run(ctx)
	session.NewRollScheduler(e.clock, e.logger.Named("session")).Start(ctx, func(start time.Time) {
		e.post(func() { e.rollSession(start) })
	})

	e.logger.Info("engine running", zap.Int("sources", len(e.sources)))
	defer e.once.Do(func() { close(e.done) })
	for {
		select {
		case <-ctx.Done():
			for _, src := range e.sources {
				if err := src.adapter.Close(); err != nil {
					e.logger.Warn("close venue", zap.String("source", src.name), zap.Error(err))
				}
			}
			return nil
		case fn := <-e.inbox:
			fn()
		}
	}
}

func (e *Engine) forward(src *source) {
	for ev := range src.adapter.Events() {
		ev := ev
		if !e.post(func() { e.handleEvent(src, ev) }) {
			return
		}
	}
}

// post queues fn on the event loop. It reports false once the loop has stopped.
func (e *Engine) post(fn func()) bool {
	select {
	case e.inbox <- fn:
		return true
	case <-e.done:
		return false
	}
}

// Subscribe registers consumer for key. The first consumer of a key triggers a backfill;
// a consumer subscribing again to a key it already holds asks for a refresh. A consumer
// joining an initialized key receives its snapshots at once.
func (e *Engine) Subscribe(key market.CompositeKey, consumer subscription.Consumer, lookbackDays int) (func(), error) {
	src, ok := e.sources[key.Source]
	if !ok {
		return nil, fmt.Errorf("unknown source %q", key.Source)
	}
	if key.Symbol == "" {
		return nil, errors.New("empty symbol")
	}
	if lookbackDays <= 0 {
		lookbackDays = e.cfg.DefaultLookbackDays
	}

	refresh := src.registry.Contains(key, consumer.ID())
	unsub := src.registry.Subscribe(subscription.Request{Key: key, LookbackDays: lookbackDays}, consumer)
	e.post(func() { e.onSubscribe(src, key, consumer, refresh) })
	return unsub, nil
}

// Unsubscribe removes consumer from key.
func (e *Engine) Unsubscribe(key market.CompositeKey, consumerID string) {
	if src, ok := e.sources[key.Source]; ok {
		src.registry.Unsubscribe(key, consumerID)
	}
}

func (e *Engine) onSubscribe(src *source, key market.CompositeKey, consumer subscription.Consumer, refresh bool) {
	ks, ok := e.keys[key]
	if !ok {
		ks = &keyState{}
		e.keys[key] = ks
	}
	if ks.grace != nil {
		ks.grace.Stop()
		ks.grace = nil
	}
	e.profiles.Subscribe(key)
	e.health.Track(key)

	switch {
	case ks.backfill != 0:
		// The snapshot of the backfill in flight reaches this consumer too.
	case !ks.initialized || refresh:
		e.startBackfill(src, key, ks)
	default:
		e.sendSnapshots(key, func(f wire.Frame) { _ = src.router.Send(consumer, f) })
	}
}

func (e *Engine) startBackfill(src *source, key market.CompositeKey, ks *keyState) {
	e.backGen++
	gen := e.backGen
	ks.backfill = gen

	lookback := e.cfg.DefaultLookbackDays
	if req, ok := src.registry.Request(key); ok && req.LookbackDays > 0 {
		lookback = req.LookbackDays
	}
	now := e.now()
	for _, b := range ks.buffered {
		// A bar that rolled the session defines the session to rebuild.
		if b.Timestamp.After(now) {
			now = b.Timestamp
		}
	}
	from := e.clock.Start(now).AddDate(0, 0, -lookback)

	e.logger.Info("backfill started", zap.String("key", key.String()), zap.Int("lookbackDays", lookback))
	go func() {
		var (
			bars []market.Bar
			err  error
		)
		if src.history != nil {
			ctx, cancel := context.WithTimeout(context.Background(), e.cfg.BackfillTimeout)
			bars, err = src.history.Bars(ctx, key, from, now)
			cancel()
		}
		e.post(func() { e.finishBackfill(src, key, gen, bars, err, now) })
	}()
}

func (e *Engine) finishBackfill(src *source, key market.CompositeKey, gen uint64, bars []market.Bar, err error, now time.Time) {
	ks, ok := e.keys[key]
	if !ok || ks.backfill != gen {
		return
	}
	ks.backfill = 0

	if err != nil {
		e.logger.Warn("backfill failed", zap.String("key", key.String()), zap.Error(err))
		src.router.Route(key, wire.KeyError(key, wire.CodeBackfill, err.Error()))
	}

	if _, ierr := e.profiles.InitializeFromHistory(key, bars, now); ierr != nil {
		e.reportBarError(src, key, ierr)
	}
	e.ranges.Initialize(key, bars, now)
	ks.initialized = true
	e.sendSnapshots(key, func(f wire.Frame) { src.router.Route(key, f) })

	buffered := ks.buffered
	ks.buffered = nil
	for _, b := range buffered {
		e.applyBar(src, key, ks, b)
	}
}

func (e *Engine) sendSnapshots(key market.CompositeKey, send func(wire.Frame)) {
	if p, ok := e.profiles.Snapshot(key); ok {
		if f, err := wire.NewSnapshot(key, wire.KindProfile, p); err == nil {
			send(f)
		}
	}
	if r, ok := e.ranges.Get(key); ok {
		if f, err := wire.NewSnapshot(key, wire.KindRange, r.Payload()); err == nil {
			send(f)
		}
	}
}

func (e *Engine) handleEvent(src *source, ev venue.Event) {
	switch ev.Kind {
	case venue.EventStatus:
		e.onVenueStatus(src, ev)
	case venue.EventTick:
		key := ev.Tick.Key
		if _, ok := e.keys[key]; !ok {
			return
		}
		e.health.Observe(key)
		e.ranges.OnTick(key, ev.Tick)
		src.router.Route(key, wire.NewTick(ev.Tick))
	case venue.EventBar:
		key := ev.Bar.Key
		ks, ok := e.keys[key]
		if !ok {
			return
		}
		e.health.Observe(key)
		if ks.backfill != 0 {
			ks.buffered = append(ks.buffered, ev.Bar)
			return
		}
		e.applyBar(src, key, ks, ev.Bar)
	}
}

func (e *Engine) onVenueStatus(src *source, ev venue.Event) {
	status := wire.Status{State: wire.StatusConnected, Message: src.name}
	if ev.Connected {
		src.registry.OnOpen()
	} else {
		src.registry.OnClose()
		status.State = wire.StatusDisconnected
		if ev.Err != nil {
			status.Message = fmt.Sprintf("%s: %v", src.name, ev.Err)
		}
	}
	e.logger.Info("venue status", zap.String("source", src.name), zap.Bool("connected", ev.Connected))
	src.router.Broadcast(status)
}

func (e *Engine) applyBar(src *source, key market.CompositeKey, ks *keyState, b market.Bar) {
	delta, seq, err := e.profiles.OnBar(key, b)
	switch {
	case err == nil:
		if f, ferr := wire.NewUpdate(key, wire.KindProfile, delta, seq); ferr == nil {
			src.router.Route(key, f)
		}
	case errors.Is(err, market.ErrSessionRolled):
		e.logger.Info("session rolled on bar", zap.String("key", key.String()), zap.Time("bar", b.Timestamp))
		ks.buffered = append(ks.buffered, b)
		e.startBackfill(src, key, ks)
		return
	default:
		e.reportBarError(src, key, err)
	}

	before, _ := e.ranges.Get(key)
	after, rerr := e.ranges.OnBar(key, b)
	if rerr == nil && after != before {
		if f, ferr := wire.NewUpdate(key, wire.KindRange, after.Payload(), 0); ferr == nil {
			src.router.Route(key, f)
		}
	}
}

func (e *Engine) reportBarError(src *source, key market.CompositeKey, err error) {
	switch {
	case errors.Is(err, market.ErrDuplicateBar), errors.Is(err, market.ErrOutOfOrderBar):
		e.logger.Debug("bar dropped", zap.String("key", key.String()), zap.Error(err))
	case errors.Is(err, market.ErrOverflow):
		e.logger.Warn("profile overflow", zap.String("key", key.String()), zap.Error(err))
		src.router.Route(key, wire.KeyError(key, wire.CodeOverflow, err.Error()))
	default:
		e.logger.Warn("bar rejected", zap.String("key", key.String()), zap.Error(err))
	}
}

func (e *Engine) onHealth(t health.Transition) {
	e.post(func() {
		src, ok := e.sources[t.Key.Source]
		if !ok {
			return
		}
		src.router.Route(t.Key, wire.Health{Symbol: t.Key.Symbol, Source: t.Key.Source, State: t.State})
	})
}

// rollSession starts a fresh profile and range session for every initialized key.
func (e *Engine) rollSession(start time.Time) {
	e.ranges.Roll(start)
	for key, ks := range e.keys {
		if !ks.initialized || ks.backfill != 0 {
			continue
		}
		src := e.sources[key.Source]
		if _, err := e.profiles.InitializeFromHistory(key, nil, start); err != nil {
			e.reportBarError(src, key, err)
		}
		e.sendSnapshots(key, func(f wire.Frame) { src.router.Route(key, f) })
	}
}

func (e *Engine) scheduleRelease(key market.CompositeKey) {
	ks, ok := e.keys[key]
	if !ok {
		return
	}
	if e.cfg.GracePeriod <= 0 {
		e.release(key)
		return
	}
	if ks.grace != nil {
		ks.grace.Stop()
	}
	ks.grace = time.AfterFunc(e.cfg.GracePeriod, func() { e.post(func() { e.release(key) }) })
}

func (e *Engine) release(key market.CompositeKey) {
	src, ok := e.sources[key.Source]
	if !ok {
		return
	}
	if _, active := src.registry.Request(key); active {
		return
	}
	if ks, ok := e.keys[key]; ok && ks.grace != nil {
		ks.grace.Stop()
	}
	delete(e.keys, key)
	e.profiles.Release(key)
	e.ranges.Release(key)
	e.health.Release(key)
	if err := src.adapter.Unsubscribe(key); err != nil {
		e.logger.Warn("venue unsubscribe", zap.String("key", key.String()), zap.Error(err))
	}
	e.logger.Info("key released", zap.String("key", key.String()))
}

// Consumers implements router.ConsumerSource across every source.
func (e *Engine) Consumers(key market.CompositeKey) []subscription.Consumer {
	if src, ok := e.sources[key.Source]; ok {
		return src.registry.Consumers(key)
	}
	return nil
}

// AllConsumers implements router.ConsumerSource across every source.
func (e *Engine) AllConsumers() []subscription.Consumer {
	var out []subscription.Consumer
	for _, name := range e.sourceNames() {
		out = append(out, e.sources[name].registry.AllConsumers()...)
	}
	return out
}

// Broadcast sends a system frame to every consumer of every source.
func (e *Engine) Broadcast(f wire.Frame) int {
	return e.router.Broadcast(f)
}

// Profile returns the current profile of key.
func (e *Engine) Profile(key market.CompositeKey) (wire.ProfilePayload, bool) {
	return e.profiles.Snapshot(key)
}

// Range returns the current range of key.
func (e *Engine) Range(key market.CompositeKey) (wire.RangePayload, bool) {
	s, ok := e.ranges.Get(key)
	if !ok {
		return wire.RangePayload{}, false
	}
	return s.Payload(), true
}

type SourceStatus struct {
	Name      string   `json:"name"`
	Connected bool     `json:"connected"`
	Keys      []string `json:"keys"`
	Stale     []string `json:"stale,omitempty"`
}

// Status summarizes every source.
func (e *Engine) Status() []SourceStatus {
	out := make([]SourceStatus, 0, len(e.sources))
	for _, name := range e.sourceNames() {
		src := e.sources[name]
		st := SourceStatus{Name: name, Connected: src.adapter.Connected(), Keys: []string{}}
		for _, k := range src.registry.Keys() {
			st.Keys = append(st.Keys, k.String())
			if e.health.Stale(k) {
				st.Stale = append(st.Stale, k.String())
			}
		}
		out = append(out, st)
	}
	return out
}

func (e *Engine) sourceNames() []string {
	names := make([]string, 0, len(e.sources))
	for n := range e.sources {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// venueSender drives a venue from its registry. Unsubscribing is deferred to release so a
// key in its grace period keeps streaming.
type venueSender struct {
	adapter venue.Adapter
}

func (s venueSender) SendSubscribe(req subscription.Request) error {
	return s.adapter.Subscribe(req.Key)
}

func (s venueSender) SendUnsubscribe(market.CompositeKey) error {
	return nil
}
