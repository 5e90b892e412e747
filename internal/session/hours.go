package session

import (
	"strings"
	"time"

	"github.com/scmhub/calendar"
)

// Hours reports whether a market is trading at an instant.
type Hours interface {
	IsOpen(t time.Time) bool
}

// ExchangeHours follows an exchange calendar identified by its MIC (ISO 10383).
type ExchangeHours struct {
	cal *calendar.Calendar
}

// FXHours is the 24x5 FX week: open from the Sunday roll to the Friday roll.
type FXHours struct {
	clock *Clock
}

// NewHours returns exchange hours for mic, FX hours when mic is empty or "fx", and
// AlwaysOpen for "24x7". An unknown MIC falls back to FX hours.
func NewHours(mic string, clock *Clock) Hours {
	mic = strings.ToLower(strings.TrimSpace(mic))
	switch mic {
	case "", "fx":
		return FXHours{clock: clock}
	case "24x7":
		return AlwaysOpen{}
	}
	cal := calendar.GetCalendar(mic)
	if cal == nil {
		return FXHours{clock: clock}
	}
	return ExchangeHours{cal: cal}
}

func (h ExchangeHours) IsOpen(t time.Time) bool {
	return h.cal.IsOpen(t.In(h.cal.Loc))
}

func (h FXHours) IsOpen(t time.Time) bool {
	switch h.clock.Weekday(h.clock.Start(t)) {
	case time.Saturday, time.Sunday:
		return false
	default:
		return true
	}
}

// AlwaysOpen is used for venues that never close, such as crypto.
type AlwaysOpen struct{}

func (AlwaysOpen) IsOpen(time.Time) bool { return true }
