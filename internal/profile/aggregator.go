// Package profile builds per-key market profiles: histograms of how many bars touched
// each price bucket during the current trading session.
package profile

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"profilefeed/internal/session"
	"profilefeed/pkg/market"
	"profilefeed/pkg/wire"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// DefaultCeiling bounds the number of price levels of one profile.
const DefaultCeiling = 2000

type aggregate struct {
	bucket       decimal.Decimal
	class        string
	levels       map[int64]int // bucket index -> TPO
	last         time.Time     // newest applied bar
	sequence     uint64
	sessionStart time.Time
}

// Aggregator owns every profile, keyed by CompositeKey.
type Aggregator struct {
	mu      sync.RWMutex
	aggs    map[market.CompositeKey]*aggregate
	clock   *session.Clock
	table   *BucketTable
	ceiling int
	logger  *zap.Logger

	applied    metric.Int64Counter
	duplicates metric.Int64Counter
	overflows  metric.Int64Counter
}

func NewAggregator(clock *session.Clock, table *BucketTable, ceiling int, logger *zap.Logger) *Aggregator {
	if table == nil {
		table = DefaultBucketTable()
	}
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Aggregator{
		aggs:    make(map[market.CompositeKey]*aggregate),
		clock:   clock,
		table:   table,
		ceiling: ceiling,
		logger:  logger,
	}
	a.setupMetrics()
	return a
}

func (a *Aggregator) setupMetrics() {
	meter := otel.Meter("profilefeed/profile")
	var err error
	if a.applied, err = meter.Int64Counter("profile.bars_applied",
		metric.WithDescription("Bars applied to a profile"), metric.WithUnit("{bar}")); err != nil {
		a.logger.Warn("register applied counter", zap.Error(err))
	}
	if a.duplicates, err = meter.Int64Counter("profile.bars_duplicate",
		metric.WithDescription("Re-emitted bars discarded by timestamp"), metric.WithUnit("{bar}")); err != nil {
		a.logger.Warn("register duplicate counter", zap.Error(err))
	}
	if a.overflows, err = meter.Int64Counter("profile.overflows",
		metric.WithDescription("Bars rejected at the level ceiling"), metric.WithUnit("{bar}")); err != nil {
		a.logger.Warn("register overflow counter", zap.Error(err))
	}
}

func (a *Aggregator) count(c metric.Int64Counter, key market.CompositeKey) {
	if c == nil {
		return
	}
	c.Add(context.Background(), 1, metric.WithAttributes(attribute.String("source", key.Source)))
}

// Subscribe creates the aggregate for key if it does not exist and reports whether it did.
// The bucket size is fixed here for the aggregate's lifetime.
func (a *Aggregator) Subscribe(key market.CompositeKey) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.subscribeLocked(key)
}

func (a *Aggregator) subscribeLocked(key market.CompositeKey) bool {
	if _, ok := a.aggs[key]; ok {
		return false
	}
	bucket, class := a.table.Resolve(key.Symbol)
	a.aggs[key] = &aggregate{bucket: bucket, class: class, levels: make(map[int64]int)}
	a.logger.Debug("profile created", zap.String("key", key.String()),
		zap.String("class", class), zap.String("bucket", bucket.String()))
	return true
}

// InitializeFromHistory discards the profile of key and rebuilds it from the bars of the
// session containing now. Bars from other sessions are ignored. Bars that would breach
// the ceiling are skipped and reported with *market.OverflowError; the returned snapshot
// is valid either way.
func (a *Aggregator) InitializeFromHistory(key market.CompositeKey, bars []market.Bar, now time.Time) (wire.ProfilePayload, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subscribeLocked(key)
	agg := a.aggs[key]

	start := a.clock.Start(now)
	sorted := make([]market.Bar, 0, len(bars))
	for _, b := range bars {
		if b.Key != key || b.Validate() != nil {
			continue
		}
		if !a.clock.Start(b.Timestamp).Equal(start) {
			continue
		}
		sorted = append(sorted, b)
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	agg.levels = make(map[int64]int)
	agg.last = time.Time{}
	agg.sessionStart = start

	skipped := 0
	for _, b := range sorted {
		if !b.Timestamp.After(agg.last) {
			continue
		}
		lo, hi := agg.index(b.Low), agg.index(b.High)
		if a.wouldOverflow(agg, lo, hi) {
			skipped++
			continue
		}
		for i := lo; i <= hi; i++ {
			agg.levels[i]++
		}
		agg.last = b.Timestamp
	}
	agg.sequence++

	snap := agg.snapshot()
	a.logger.Info("profile initialized",
		zap.String("key", key.String()),
		zap.Int("bars", len(sorted)),
		zap.Int("levels", len(agg.levels)),
		zap.Uint64("sequence", agg.sequence))

	if skipped > 0 {
		a.count(a.overflows, key)
		return snap, &market.OverflowError{Key: key, Levels: len(agg.levels), Ceiling: a.ceiling, Skipped: skipped}
	}
	return snap, nil
}

// OnBar applies one live bar and returns the touched levels with the new sequence.
//
// Errors leave the profile untouched: ErrDuplicateBar for a re-emitted bar,
// ErrOutOfOrderBar for a bar older than the last applied one, ErrSessionRolled for a bar
// from a later session (the caller re-initializes), *market.OverflowError at the ceiling.
func (a *Aggregator) OnBar(key market.CompositeKey, bar market.Bar) (wire.ProfileDelta, uint64, error) {
	if err := bar.Validate(); err != nil {
		return wire.ProfileDelta{}, 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	agg, ok := a.aggs[key]
	if !ok {
		return wire.ProfileDelta{}, 0, fmt.Errorf("%s: %w", key, market.ErrNotSubscribed)
	}

	switch {
	case bar.Timestamp.Equal(agg.last):
		a.count(a.duplicates, key)
		return wire.ProfileDelta{}, agg.sequence, market.ErrDuplicateBar
	case bar.Timestamp.Before(agg.last):
		return wire.ProfileDelta{}, agg.sequence, market.ErrOutOfOrderBar
	}
	barSession := a.clock.Start(bar.Timestamp)
	switch {
	case barSession.After(agg.sessionStart):
		return wire.ProfileDelta{}, agg.sequence, market.ErrSessionRolled
	case barSession.Before(agg.sessionStart):
		return wire.ProfileDelta{}, agg.sequence, market.ErrOutOfOrderBar
	}

	lo, hi := agg.index(bar.Low), agg.index(bar.High)
	if a.wouldOverflow(agg, lo, hi) {
		a.count(a.overflows, key)
		return wire.ProfileDelta{}, agg.sequence, &market.OverflowError{Key: key, Levels: len(agg.levels), Ceiling: a.ceiling}
	}

	delta := wire.ProfileDelta{Bar: bar.Timestamp.UnixMilli(), Levels: make([]wire.Level, 0, hi-lo+1)}
	for i := lo; i <= hi; i++ {
		agg.levels[i]++
		delta.Levels = append(delta.Levels, wire.Level{Price: agg.price(i), TPO: agg.levels[i]})
	}
	agg.last = bar.Timestamp
	agg.sequence++
	a.count(a.applied, key)
	return delta, agg.sequence, nil
}

// wouldOverflow reports whether applying [lo, hi] would leave agg above the ceiling.
// An aggregate already at the ceiling accepts nothing.
func (a *Aggregator) wouldOverflow(agg *aggregate, lo, hi int64) bool {
	n := len(agg.levels)
	if n >= a.ceiling {
		return true
	}
	for i := lo; i <= hi; i++ {
		if _, ok := agg.levels[i]; !ok {
			n++
			if n > a.ceiling {
				return true
			}
		}
	}
	return false
}

// Snapshot returns the full profile of key.
func (a *Aggregator) Snapshot(key market.CompositeKey) (wire.ProfilePayload, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	agg, ok := a.aggs[key]
	if !ok {
		return wire.ProfilePayload{}, false
	}
	return agg.snapshot(), true
}

// Sequence returns the current sequence of key.
func (a *Aggregator) Sequence(key market.CompositeKey) (uint64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	agg, ok := a.aggs[key]
	if !ok {
		return 0, market.ErrNotSubscribed
	}
	return agg.sequence, nil
}

// Release drops the aggregate of key.
func (a *Aggregator) Release(key market.CompositeKey) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.aggs, key)
}

// Keys returns the keys with an aggregate.
func (a *Aggregator) Keys() []market.CompositeKey {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]market.CompositeKey, 0, len(a.aggs))
	for k := range a.aggs {
		out = append(out, k)
	}
	return out
}

func (agg *aggregate) index(price float64) int64 {
	return decimal.NewFromFloat(price).Div(agg.bucket).Floor().IntPart()
}

func (agg *aggregate) price(index int64) float64 {
	return decimal.NewFromInt(index).Mul(agg.bucket).InexactFloat64()
}

func (agg *aggregate) snapshot() wire.ProfilePayload {
	idx := make([]int64, 0, len(agg.levels))
	for i := range agg.levels {
		idx = append(idx, i)
	}
	sort.Slice(idx, func(i, j int) bool { return idx[i] < idx[j] })

	levels := make([]wire.Level, len(idx))
	for n, i := range idx {
		levels[n] = wire.Level{Price: agg.price(i), TPO: agg.levels[i]}
	}
	var last int64
	if !agg.last.IsZero() {
		last = agg.last.UnixMilli()
	}
	return wire.ProfilePayload{
		BucketSize:   agg.bucket.InexactFloat64(),
		SessionStart: agg.sessionStart.UnixMilli(),
		LastBar:      last,
		Sequence:     agg.sequence,
		Levels:       levels,
	}
}
