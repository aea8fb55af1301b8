// Package market provides the exchange-hours predicate used to gate
// simulated fills and the strategy's entry logic.
package market

import (
	"time"
)

// Clock answers whether the exchange is currently open for intraday trading.
type Clock interface {
	IsMarketOpen() bool
}

// istOffset is the fixed fallback when tzdata is unavailable in the container.
const istOffset = 5*60*60 + 30*60

// SessionClock implements Clock for an intraday session: weekdays only,
// within [open, close] exchange wall-clock time. Any internal failure reports
// the market as closed.
type SessionClock struct {
	loc       *time.Location
	openHour  int
	openMin   int
	closeHour int
	closeMin  int
	now       func() time.Time
}

// NewSessionClock builds a clock for the given IANA timezone and "HH:MM"
// session bounds. Defaults to the NSE session (Asia/Kolkata, 09:15-15:30)
// when arguments are empty or malformed.
func NewSessionClock(timezone, open, close string) *SessionClock {
	if timezone == "" {
		timezone = "Asia/Kolkata"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.FixedZone("IST", istOffset)
	}

	c := &SessionClock{
		loc:       loc,
		openHour:  9,
		openMin:   15,
		closeHour: 15,
		closeMin:  30,
		now:       time.Now,
	}
	if h, m, ok := parseClock(open); ok {
		c.openHour, c.openMin = h, m
	}
	if h, m, ok := parseClock(close); ok {
		c.closeHour, c.closeMin = h, m
	}
	return c
}

// WithNow overrides the time source. Tests only.
func (c *SessionClock) WithNow(now func() time.Time) *SessionClock {
	c.now = now
	return c
}

// IsMarketOpen reports whether now falls on a weekday inside the session
// window, inclusive on both ends.
func (c *SessionClock) IsMarketOpen() bool {
	if c == nil || c.loc == nil {
		return false
	}
	now := c.now().In(c.loc)

	switch now.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}

	minutes := now.Hour()*60 + now.Minute()
	open := c.openHour*60 + c.openMin
	end := c.closeHour*60 + c.closeMin
	return minutes >= open && minutes <= end
}

func parseClock(s string) (hour, minute int, ok bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, false
	}
	return t.Hour(), t.Minute(), true
}

// Stub is a fixed-answer clock for tests and for forcing behavior in tools.
type Stub struct {
	Open bool
}

// IsMarketOpen returns the configured answer.
func (s Stub) IsMarketOpen() bool { return s.Open }
