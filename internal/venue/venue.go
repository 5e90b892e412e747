// Package venue defines what the engine needs from an upstream market data source.
package venue

import (
	"context"
	"time"

	"profilefeed/pkg/market"
)

type EventKind int

const (
	EventTick EventKind = iota
	EventBar
	// EventStatus reports a change of the venue connection.
	EventStatus
)

// Event is one normalized upstream event.
type Event struct {
	Kind      EventKind
	Tick      market.Tick
	Bar       market.Bar
	Connected bool
	Err       error
}

// Adapter streams normalized ticks and bars for the keys it is subscribed to.
// Subscribe and Unsubscribe are idempotent.
type Adapter interface {
	Source() string
	Start(ctx context.Context) error
	Subscribe(key market.CompositeKey) error
	Unsubscribe(key market.CompositeKey) error
	Events() <-chan Event
	Connected() bool
	Close() error
}

// HistorySource returns the bars of key with from <= timestamp < to, oldest first.
type HistorySource interface {
	Bars(ctx context.Context, key market.CompositeKey, from, to time.Time) ([]market.Bar, error)
}
