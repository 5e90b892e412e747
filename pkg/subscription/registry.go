// Package subscription tracks which consumers want which feeds and keeps the upstream
// side of one connection in sync with that interest across reconnects.
package subscription

import (
	"context"
	"sync"
	"time"

	"profilefeed/pkg/market"
	"profilefeed/pkg/wire"

	"go.uber.org/zap"
)

// DefaultSpacing is the minimum gap between requests sent while flushing after an open.
const DefaultSpacing = 250 * time.Millisecond

// Consumer receives frames for the keys it subscribed to.
type Consumer interface {
	ID() string
	Deliver(f wire.Frame) error
}

// Request is the upstream subscribe request remembered for a key.
type Request struct {
	Key          market.CompositeKey
	LookbackDays int
}

// Sender writes requests to the upstream side of the connection.
type Sender interface {
	SendSubscribe(req Request) error
	SendUnsubscribe(key market.CompositeKey) error
}

type subscription struct {
	req       Request
	consumers map[string]Consumer
	order     []string
}

// Registry maps keys to consumer sets for one connection. All mutation happens under a
// single write lock; sends and callbacks run outside it.
type Registry struct {
	mu       sync.RWMutex
	sender   Sender
	subs     map[market.CompositeKey]*subscription
	keyOrder []market.CompositeKey
	pending  []Request
	open     bool

	spacing time.Duration
	onEmpty func(market.CompositeKey)
	logger  *zap.Logger

	flushCancel context.CancelFunc
	flushDone   chan struct{}
}

type Option func(*Registry)

// WithSpacing sets the minimum inter-request spacing of a flush.
func WithSpacing(d time.Duration) Option {
	return func(r *Registry) { r.spacing = d }
}

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithOnEmpty registers a callback fired after a key loses its last consumer.
func WithOnEmpty(fn func(market.CompositeKey)) Option {
	return func(r *Registry) { r.onEmpty = fn }
}

func New(sender Sender, opts ...Option) *Registry {
	r := &Registry{
		sender:  sender,
		subs:    make(map[market.CompositeKey]*subscription),
		spacing: DefaultSpacing,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers c for req.Key and returns a handle that undoes it. Registering the
// same consumer twice is a no-op. Only the first consumer of a key produces an upstream
// request: sent at once when the connection is open, queued otherwise.
func (r *Registry) Subscribe(req Request, c Consumer) (unsubscribe func()) {
	id := c.ID()

	r.mu.Lock()
	s, exists := r.subs[req.Key]
	if !exists {
		s = &subscription{req: req, consumers: make(map[string]Consumer)}
		r.subs[req.Key] = s
		r.keyOrder = append(r.keyOrder, req.Key)
	}
	if _, dup := s.consumers[id]; !dup {
		s.consumers[id] = c
		s.order = append(s.order, id)
	}
	if req.LookbackDays > s.req.LookbackDays {
		s.req.LookbackDays = req.LookbackDays
	}

	sendNow := false
	if !exists {
		if r.open {
			sendNow = true
		} else {
			r.pending = append(r.pending, req)
		}
	}
	r.mu.Unlock()

	if sendNow {
		// A failure here means the connection is going down; the replay on the next open covers it.
		if err := r.sender.SendSubscribe(req); err != nil {
			r.logger.Warn("subscribe send failed", zap.String("key", req.Key.String()), zap.Error(err))
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { r.Unsubscribe(req.Key, id) })
	}
}

// Unsubscribe removes one consumer. The last consumer out removes the key, its queued
// request, and (when open) sends an upstream unsubscribe.
func (r *Registry) Unsubscribe(key market.CompositeKey, consumerID string) {
	r.mu.Lock()
	s, ok := r.subs[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, ok := s.consumers[consumerID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(s.consumers, consumerID)
	s.order = removeString(s.order, consumerID)

	emptied := len(s.consumers) == 0
	sendUnsub := false
	if emptied {
		delete(r.subs, key)
		r.keyOrder = removeKey(r.keyOrder, key)
		r.pending = removePending(r.pending, key)
		sendUnsub = r.open
	}
	r.mu.Unlock()

	if !emptied {
		return
	}
	if sendUnsub {
		if err := r.sender.SendUnsubscribe(key); err != nil {
			r.logger.Warn("unsubscribe send failed", zap.String("key", key.String()), zap.Error(err))
		}
	}
	if r.onEmpty != nil {
		r.onEmpty(key)
	}
}

// OnOpen marks the connection open and flushes: queued requests first in FIFO order, then
// every other active key, each key once, spaced by the configured interval.
func (r *Registry) OnOpen() {
	r.mu.Lock()
	r.open = true
	r.cancelFlushLocked()

	queue := make([]*subscription, 0, len(r.subs))
	queued := make(map[market.CompositeKey]bool, len(r.subs))
	for _, p := range r.pending {
		if s, ok := r.subs[p.Key]; ok && !queued[p.Key] {
			queue = append(queue, s)
			queued[p.Key] = true
		}
	}
	for _, k := range r.keyOrder {
		if !queued[k] {
			queue = append(queue, r.subs[k])
			queued[k] = true
		}
	}
	r.pending = nil

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.flushCancel = cancel
	r.flushDone = done
	r.mu.Unlock()

	r.logger.Info("flushing subscriptions", zap.Int("count", len(queue)))
	go r.flush(ctx, queue, done)
}

// OnClose marks the connection closed and abandons any flush in progress.
func (r *Registry) OnClose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open = false
	r.cancelFlushLocked()
}

func (r *Registry) cancelFlushLocked() {
	if r.flushCancel != nil {
		r.flushCancel()
		r.flushCancel = nil
	}
}

func (r *Registry) flush(ctx context.Context, queue []*subscription, done chan struct{}) {
	defer close(done)

	sent := 0
	for _, s := range queue {
		// Replay works on the current subscription: keys removed or recreated since the
		// queue was built are skipped.
		if _, active := r.current(s); !active {
			continue
		}

		if sent > 0 && r.spacing > 0 {
			t := time.NewTimer(r.spacing)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		if ctx.Err() != nil {
			return
		}
		// The last consumer may have left during the wait.
		req, active := r.current(s)
		if !active {
			continue
		}
		if err := r.sender.SendSubscribe(req); err != nil {
			r.logger.Warn("flush aborted", zap.String("key", req.Key.String()), zap.Error(err))
			return
		}
		sent++
	}
}

// current returns s's request while s is still the live subscription for its key.
func (r *Registry) current(s *subscription) (Request, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cur, ok := r.subs[s.req.Key]
	return s.req, ok && cur == s
}

// Resync re-sends the remembered request for an active key, or queues it while closed.
func (r *Registry) Resync(key market.CompositeKey) error {
	r.mu.Lock()
	s, ok := r.subs[key]
	if !ok {
		r.mu.Unlock()
		return market.ErrNotSubscribed
	}
	req := s.req
	open := r.open
	if !open {
		r.pending = removePending(r.pending, key)
		r.pending = append(r.pending, req)
	}
	r.mu.Unlock()

	if !open {
		return nil
	}
	return r.sender.SendSubscribe(req)
}

// Consumers returns the key's consumers in registration order.
func (r *Registry) Consumers(key market.CompositeKey) []Consumer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subs[key]
	if !ok {
		return nil
	}
	out := make([]Consumer, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.consumers[id])
	}
	return out
}

// AllConsumers returns every distinct consumer across every key.
func (r *Registry) AllConsumers() []Consumer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var out []Consumer
	for _, k := range r.keyOrder {
		s := r.subs[k]
		for _, id := range s.order {
			if !seen[id] {
				seen[id] = true
				out = append(out, s.consumers[id])
			}
		}
	}
	return out
}

// Keys returns the active keys in subscription order.
func (r *Registry) Keys() []market.CompositeKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]market.CompositeKey, len(r.keyOrder))
	copy(out, r.keyOrder)
	return out
}

// Contains reports whether consumerID is subscribed to key.
func (r *Registry) Contains(key market.CompositeKey, consumerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subs[key]
	if !ok {
		return false
	}
	_, ok = s.consumers[consumerID]
	return ok
}

// Request returns the remembered request for key.
func (r *Registry) Request(key market.CompositeKey) (Request, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subs[key]
	if !ok {
		return Request{}, false
	}
	return s.req, true
}

// Pending returns a copy of the queued requests.
func (r *Registry) Pending() []Request {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Request, len(r.pending))
	copy(out, r.pending)
	return out
}

// Len returns the number of active keys.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Open reports whether the registry considers its connection open.
func (r *Registry) Open() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.open
}

func removeString(s []string, v string) []string {
	for i, x := range s {
		if x == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

func removeKey(s []market.CompositeKey, k market.CompositeKey) []market.CompositeKey {
	for i, x := range s {
		if x == k {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

func removePending(s []Request, k market.CompositeKey) []Request {
	out := s[:0]
	for _, p := range s {
		if p.Key != k {
			out = append(out, p)
		}
	}
	return out
}
