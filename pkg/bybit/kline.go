package bybit

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"profilefeed/pkg/market"
)

// ParseKlineList converts REST kline rows to bars of key, oldest first.
// Rows that fail to parse are skipped.
func ParseKlineList(key market.CompositeKey, period string, raw [][]string) []market.Bar {
	out := make([]market.Bar, 0, len(raw))
	for _, row := range raw {
		if len(row) < 5 {
			continue // skip incomplete row
		}
		start, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			continue
		}
		var ohlc [4]float64
		ok := true
		for i := range ohlc {
			if ohlc[i], err = strconv.ParseFloat(row[i+1], 64); err != nil {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		out = append(out, market.Bar{
			Key:       key,
			Period:    period,
			Open:      ohlc[0],
			High:      ohlc[1],
			Low:       ohlc[2],
			Close:     ohlc[3],
			Timestamp: time.UnixMilli(start).UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// Bar converts a streamed kline to a bar of key.
func (k Kline) Bar(key market.CompositeKey, period string) (market.Bar, error) {
	var ohlc [4]float64
	for i, s := range []string{k.Open, k.High, k.Low, k.Close} {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return market.Bar{}, fmt.Errorf("parse kline price %q: %w", s, err)
		}
		ohlc[i] = v
	}
	return market.Bar{
		Key:       key,
		Period:    period,
		Open:      ohlc[0],
		High:      ohlc[1],
		Low:       ohlc[2],
		Close:     ohlc[3],
		Timestamp: time.UnixMilli(k.Start).UTC(),
	}, nil
}

// Tick approximates a quote from a forming kline: bid and ask both at the last price.
func (k Kline) Tick(key market.CompositeKey) (market.Tick, error) {
	last, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return market.Tick{}, fmt.Errorf("parse kline close %q: %w", k.Close, err)
	}
	ts := k.Timestamp
	if ts == 0 {
		ts = k.Start
	}
	return market.Tick{Key: key, Bid: last, Ask: last, Timestamp: time.UnixMilli(ts).UTC()}, nil
}
