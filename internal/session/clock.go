// Package session decides which trading session an instant belongs to.
package session

import (
	"fmt"
	"time"
)

const (
	DefaultTimezone = "America/New_York"
	DefaultRollHour = 17
)

// Clock splits time into trading sessions that start every day at RollHour in Location.
// The default is the FX convention: 17:00 New York.
type Clock struct {
	loc      *time.Location
	rollHour int
}

func NewClock(timezone string, rollHour int) (*Clock, error) {
	if timezone == "" {
		timezone = DefaultTimezone
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("session timezone %q: %w", timezone, err)
	}
	if rollHour < 0 || rollHour > 23 {
		return nil, fmt.Errorf("session roll hour %d out of range", rollHour)
	}
	return &Clock{loc: loc, rollHour: rollHour}, nil
}

// MustClock is NewClock for constant arguments.
func MustClock(timezone string, rollHour int) *Clock {
	c, err := NewClock(timezone, rollHour)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Clock) Location() *time.Location { return c.loc }

// Start returns the start of the session containing t.
func (c *Clock) Start(t time.Time) time.Time {
	local := t.In(c.loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), c.rollHour, 0, 0, 0, c.loc)
	if local.Before(start) {
		start = time.Date(local.Year(), local.Month(), local.Day()-1, c.rollHour, 0, 0, 0, c.loc)
	}
	return start
}

// Next returns the start of the session after the one containing t.
func (c *Clock) Next(t time.Time) time.Time {
	s := c.Start(t)
	return time.Date(s.Year(), s.Month(), s.Day()+1, c.rollHour, 0, 0, 0, c.loc)
}

// Same reports whether a and b fall in the same session.
func (c *Clock) Same(a, b time.Time) bool {
	return c.Start(a).Equal(c.Start(b))
}

// Weekday returns the calendar day a session is traded for: a session starting
// Sunday 17:00 New York is Monday's session.
func (c *Clock) Weekday(start time.Time) time.Weekday {
	return c.Next(start).Add(-time.Minute).In(c.loc).Weekday()
}
