package market

import (
	"fmt"
	"strings"
	"time"
)

// SystemSymbol addresses frames that concern every subscription rather than one feed.
const SystemSymbol = "system"

// CompositeKey identifies one logical data feed: a symbol as published by one upstream source.
// The same symbol from two sources is two independent feeds.
type CompositeKey struct {
	Symbol string `json:"symbol"` // e.g. "EURUSD"
	Source string `json:"source"` // e.g. "ctrader", "bybit"
}

// NewKey normalizes symbol to upper case and source to lower case.
func NewKey(symbol, source string) CompositeKey {
	return CompositeKey{
		Symbol: strings.ToUpper(strings.TrimSpace(symbol)),
		Source: strings.ToLower(strings.TrimSpace(source)),
	}
}

// ParseKey parses the "SYMBOL/source" form produced by String.
func ParseKey(s string) (CompositeKey, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return CompositeKey{}, fmt.Errorf("invalid key %q: want SYMBOL/source", s)
	}
	return NewKey(parts[0], parts[1]), nil
}

func (k CompositeKey) String() string {
	return k.Symbol + "/" + k.Source
}

// IsZero reports whether either half of the key is missing.
func (k CompositeKey) IsZero() bool {
	return k.Symbol == "" || k.Source == ""
}

// Tick is a normalized top-of-book quote.
type Tick struct {
	Key       CompositeKey
	Bid       float64
	Ask       float64
	Timestamp time.Time
}

// Mid returns the midpoint of bid and ask, falling back to whichever side is set.
func (t Tick) Mid() float64 {
	switch {
	case t.Bid > 0 && t.Ask > 0:
		return (t.Bid + t.Ask) / 2
	case t.Bid > 0:
		return t.Bid
	default:
		return t.Ask
	}
}

// Bar is a normalized period candle. Timestamp is the period open time and is the
// identity used for deduplication: venues re-emit the same bar many times per period.
type Bar struct {
	Key       CompositeKey
	Period    string // e.g. "30m"
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Timestamp time.Time
}

// Validate rejects bars that cannot be placed on a price ladder.
func (b Bar) Validate() error {
	if b.Key.IsZero() {
		return fmt.Errorf("bar without key")
	}
	if b.Timestamp.IsZero() {
		return fmt.Errorf("bar %s without timestamp", b.Key)
	}
	if b.Low <= 0 || b.High <= 0 {
		return fmt.Errorf("bar %s has non-positive range [%v, %v]", b.Key, b.Low, b.High)
	}
	if b.Low > b.High {
		return fmt.Errorf("bar %s has low %v above high %v", b.Key, b.Low, b.High)
	}
	return nil
}
