// Package clock is the single source of calendar truth for scheduling.
//
// Every "which local day is this instant", "when is HH:MM on that day" and
// "did we already run today" decision routes through this package. Nothing
// else in the repo is allowed to do wall-clock math against a timezone.
package clock

import (
	"fmt"
	"strings"
	"time"
)

// DateKeyLayout is the canonical local calendar-day key format.
const DateKeyLayout = "2006-01-02"

// Clock converts between absolute instants and local calendar days/times in
// one fixed reference timezone.
//
// It is immutable after construction and safe for concurrent use.
type Clock struct {
	loc *time.Location
	now func() time.Time
}

// New resolves the reference timezone. An unresolvable zone is a deployment
// defect; the caller must treat the error as fatal rather than fall back to a
// guessed zone.
func New(tz string) (*Clock, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return nil, fmt.Errorf("clock: reference timezone is required")
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("clock: cannot resolve timezone %q: %w", tz, err)
	}
	return &Clock{loc: loc, now: time.Now}, nil
}

// NewWithNow is New with an injected time source. Tests use it to pin "now".
func NewWithNow(tz string, now func() time.Time) (*Clock, error) {
	c, err := New(tz)
	if err != nil {
		return nil, err
	}
	if now != nil {
		c.now = now
	}
	return c, nil
}

func (c *Clock) Location() *time.Location { return c.loc }

func (c *Clock) Now() time.Time { return c.now() }

// DateKey returns the calendar-day key of an instant in the reference zone.
// It is stable across DST transitions: an instant maps to exactly one key.
func (c *Clock) DateKey(t time.Time) string {
	return t.In(c.loc).Format(DateKeyLayout)
}

// TodayKey is DateKey(Now()).
func (c *Clock) TodayKey() string { return c.DateKey(c.now()) }

// NextDateKey returns the key of the calendar day after the given one.
func NextDateKey(key string) (string, error) {
	y, m, d, err := splitKey(key)
	if err != nil {
		return "", err
	}
	// time.Date normalizes day overflow; UTC keeps this pure calendar math.
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC).Format(DateKeyLayout), nil
}

// DayBounds returns the absolute instants bounding the local day: midnight of
// the day (inclusive) and midnight of the next day (exclusive). On DST
// transition days the interval is 23 or 25 hours long.
func (c *Clock) DayBounds(key string) (start, end time.Time, err error) {
	start, err = c.ClockTime(key, 0, 0)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	next, err := NextDateKey(key)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err = c.ClockTime(next, 0, 0)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}

// ClockTime returns the absolute instant of a wall-clock HH:MM on the given
// local day.
//
// DST is resolved by real offset math, never by string round-tripping:
// a first estimate is built with the offset in effect at the start of the day,
// then the offset actually in effect at that estimate is measured and the
// estimate rebuilt if the two differ. This catches the one day per transition
// where the morning offset is wrong for an afternoon trigger (and vice versa).
// Times inside a skipped hour resolve with the post-transition offset;
// ambiguous fall-back times resolve to their first occurrence.
func (c *Clock) ClockTime(key string, hour, minute int) (time.Time, error) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return time.Time{}, fmt.Errorf("clock: invalid wall time %02d:%02d", hour, minute)
	}
	y, m, d, err := splitKey(key)
	if err != nil {
		return time.Time{}, err
	}

	// Offset in effect near the start of this local day. Probing the civil
	// midnight through time.Date is safe: midnight itself may be skipped in
	// exotic zones, in which case Go normalizes forward within the same day.
	_, dayOff := time.Date(y, m, d, 0, 0, 0, 0, c.loc).Zone()

	build := func(offsetSec int) time.Time {
		return time.Date(y, m, d, hour, minute, 0, 0, time.UTC).
			Add(-time.Duration(offsetSec) * time.Second)
	}

	est := build(dayOff)
	if _, off := est.In(c.loc).Zone(); off != dayOff {
		est = build(off)
	}
	return est, nil
}

func splitKey(key string) (int, time.Month, int, error) {
	t, err := time.Parse(DateKeyLayout, strings.TrimSpace(key))
	if err != nil {
		return 0, 0, 0, fmt.Errorf("clock: invalid date key %q: %w", key, err)
	}
	y, m, d := t.Date()
	return y, m, d, nil
}
