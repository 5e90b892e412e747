package bybit

import (
	"fmt"
	"time"
)

// KlineInterval is the interval type used for API requests
type KlineInterval string

// KlineIntervalMeta holds the API value and the bar period name of a Kline interval
type KlineIntervalMeta struct {
	APIValue string
	Period   string
	Minutes  int
}

const (
	Interval1Min    KlineInterval = "1"
	Interval3Min    KlineInterval = "3"
	Interval5Min    KlineInterval = "5"
	Interval15Min   KlineInterval = "15"
	Interval30Min   KlineInterval = "30"
	Interval60Min   KlineInterval = "60"
	Interval120Min  KlineInterval = "120"
	Interval240Min  KlineInterval = "240"
	Interval360Min  KlineInterval = "360"
	Interval720Min  KlineInterval = "720"
	IntervalDaily   KlineInterval = "D"
	IntervalWeekly  KlineInterval = "W"
	IntervalMonthly KlineInterval = "M"
)

// validKlineIntervals maps KlineInterval to its API value and bar period
var validKlineIntervals = map[KlineInterval]KlineIntervalMeta{
	Interval1Min:    {APIValue: "1", Period: "1m", Minutes: 1},
	Interval3Min:    {APIValue: "3", Period: "3m", Minutes: 3},
	Interval5Min:    {APIValue: "5", Period: "5m", Minutes: 5},
	Interval15Min:   {APIValue: "15", Period: "15m", Minutes: 15},
	Interval30Min:   {APIValue: "30", Period: "30m", Minutes: 30},
	Interval60Min:   {APIValue: "60", Period: "1h", Minutes: 60},
	Interval120Min:  {APIValue: "120", Period: "2h", Minutes: 120},
	Interval240Min:  {APIValue: "240", Period: "4h", Minutes: 240},
	Interval360Min:  {APIValue: "360", Period: "6h", Minutes: 360},
	Interval720Min:  {APIValue: "720", Period: "12h", Minutes: 720},
	IntervalDaily:   {APIValue: "D", Period: "1d", Minutes: 1440},  // 24*60
	IntervalWeekly:  {APIValue: "W", Period: "1w", Minutes: 10080}, // 7*24*60
	IntervalMonthly: {APIValue: "M", Period: "1M", Minutes: 43200}, // 30*24*60, approximate
}

// IsValid checks if the KlineInterval is a valid predefined interval
func (k KlineInterval) IsValid() bool {
	_, ok := validKlineIntervals[k]
	return ok
}

// ParseKlineInterval parses a string into a valid KlineIntervalMeta
func ParseKlineInterval(s string) (KlineIntervalMeta, error) {
	interval := KlineInterval(s)
	meta, ok := validKlineIntervals[interval]
	if !ok {
		return KlineIntervalMeta{}, fmt.Errorf("invalid KlineInterval: %s", s)
	}
	return meta, nil
}

// Duration is the nominal length of one bar.
func (m KlineIntervalMeta) Duration() time.Duration {
	return time.Duration(m.Minutes) * time.Minute
}
