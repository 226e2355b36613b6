// Package schedule decides which thinking sessions each user gets on a given
// calendar day and writes them to the job table, exactly once per
// (user, session, day).
package schedule

import (
	"fmt"
	"time"

	"reverie/internal/store"
)

// Entry is one catalog line: when a session type runs, in local wall time.
type Entry struct {
	Type   store.SessionType
	Hour   int
	Minute int

	// Days restricts the entry to specific weekdays; empty means every day.
	Days []time.Weekday

	// Meta decorates the job with variant hints, given the day being
	// scheduled. Nil entries carry no metadata.
	Meta func(day time.Time) string
}

func (e Entry) runsOn(wd time.Weekday) bool {
	if len(e.Days) == 0 {
		return true
	}
	for _, d := range e.Days {
		if d == wd {
			return true
		}
	}
	return false
}

// DefaultCatalog is the built-in daily rhythm. Times are local wall clock in
// the reference timezone; overrides come from configuration.
func DefaultCatalog() []Entry {
	weekdays := []time.Weekday{
		time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday,
	}
	return []Entry{
		{Type: store.SessionNightDream, Hour: 2},
		{Type: store.SessionMorningBriefing, Hour: 7},
		{Type: store.SessionHealthCheckMorning, Hour: 8, Minute: 30},
		{Type: store.SessionInvestmentResearch, Hour: 9, Minute: 30, Days: weekdays},
		{Type: store.SessionAbilitySpending, Hour: 10, Days: []time.Weekday{time.Saturday}},
		{Type: store.SessionMiddayCuriosity, Hour: 12},
		{Type: store.SessionAfternoonSynthesis, Hour: 15},
		{Type: store.SessionWeeklyDigest, Hour: 18, Days: []time.Weekday{time.Sunday}},
		{Type: store.SessionSelfReview, Hour: 19, Days: []time.Weekday{time.Thursday}, Meta: selfReviewMeta},
		{Type: store.SessionEveningConsolidation, Hour: 20},
		{Type: store.SessionHealthCheckEvening, Hour: 21, Minute: 30},
	}
}

// selfReviewMeta marks the first Thursday of each month as the deep variant.
func selfReviewMeta(day time.Time) string {
	if day.Weekday() == time.Thursday && day.Day() <= 7 {
		return `{"variant":"deep"}`
	}
	return ""
}

// Override reshapes one catalog entry from configuration.
type Override struct {
	Type    store.SessionType
	Hour    int
	Minute  int
	Disable bool
}

// ApplyOverrides returns the catalog with overrides applied. Unknown session
// types in overrides are an error so typos fail at startup, not silently.
func ApplyOverrides(cat []Entry, ovs []Override) ([]Entry, error) {
	byType := make(map[store.SessionType]int, len(cat))
	for i, e := range cat {
		byType[e.Type] = i
	}
	out := make([]Entry, len(cat))
	copy(out, cat)
	drop := make(map[store.SessionType]bool)
	for _, o := range ovs {
		i, ok := byType[o.Type]
		if !ok {
			return nil, fmt.Errorf("schedule: override for unknown session type %q", o.Type)
		}
		if o.Disable {
			drop[o.Type] = true
			continue
		}
		if o.Hour < 0 || o.Hour > 23 || o.Minute < 0 || o.Minute > 59 {
			return nil, fmt.Errorf("schedule: override for %s: bad time %02d:%02d", o.Type, o.Hour, o.Minute)
		}
		out[i].Hour, out[i].Minute = o.Hour, o.Minute
	}
	if len(drop) == 0 {
		return out, nil
	}
	kept := out[:0]
	for _, e := range out {
		if !drop[e.Type] {
			kept = append(kept, e)
		}
	}
	return kept, nil
}
