package clock

import (
	"testing"
	"time"
)

// America/New_York: spring forward 2025-03-09 (02:00 EST -> 03:00 EDT),
// fall back 2025-11-02 (02:00 EDT -> 01:00 EST).
const tzNY = "America/New_York"

func mustClock(t *testing.T, tz string) *Clock {
	t.Helper()
	c, err := New(tz)
	if err != nil {
		t.Fatalf("New(%q): %v", tz, err)
	}
	return c
}

func TestNewRejectsBadZone(t *testing.T) {
	t.Parallel()
	if _, err := New("Mars/Olympus_Mons"); err == nil {
		t.Fatal("expected error for unknown timezone")
	}
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty timezone")
	}
}

func TestDateKeyStableAcrossOffsets(t *testing.T) {
	t.Parallel()
	c := mustClock(t, tzNY)

	// 03:30 UTC on Jul 2 is 23:30 on Jul 1 in New York.
	in := time.Date(2025, 7, 2, 3, 30, 0, 0, time.UTC)
	if got := c.DateKey(in); got != "2025-07-01" {
		t.Fatalf("DateKey = %s, want 2025-07-01", got)
	}
}

func TestClockTimeSpringForward(t *testing.T) {
	t.Parallel()
	c := mustClock(t, tzNY)

	before, err := c.ClockTime("2025-03-08", 7, 0)
	if err != nil {
		t.Fatal(err)
	}
	after, err := c.ClockTime("2025-03-09", 7, 0)
	if err != nil {
		t.Fatal(err)
	}

	// 07:00 EST -> 07:00 EDT: consecutive wall-clock days are 23h apart.
	if d := after.Sub(before); d != 23*time.Hour {
		t.Fatalf("spring-forward gap = %v, want 23h", d)
	}
	if got := after.In(c.Location()).Hour(); got != 7 {
		t.Fatalf("local hour = %d, want 7", got)
	}
}

func TestClockTimeFallBack(t *testing.T) {
	t.Parallel()
	c := mustClock(t, tzNY)

	before, err := c.ClockTime("2025-11-01", 7, 0)
	if err != nil {
		t.Fatal(err)
	}
	after, err := c.ClockTime("2025-11-02", 7, 0)
	if err != nil {
		t.Fatal(err)
	}

	// 07:00 EDT -> 07:00 EST: consecutive wall-clock days are 25h apart.
	if d := after.Sub(before); d != 25*time.Hour {
		t.Fatalf("fall-back gap = %v, want 25h", d)
	}
	if got := after.In(c.Location()).Hour(); got != 7 {
		t.Fatalf("local hour = %d, want 7", got)
	}
}

func TestClockTimeMorningTriggersUnaffectedMidYear(t *testing.T) {
	t.Parallel()
	c := mustClock(t, tzNY)

	a, err := c.ClockTime("2025-06-10", 7, 0)
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.ClockTime("2025-06-11", 7, 0)
	if err != nil {
		t.Fatal(err)
	}
	if d := b.Sub(a); d != 24*time.Hour {
		t.Fatalf("plain-day gap = %v, want 24h", d)
	}
}

func TestDayBoundsDSTLengths(t *testing.T) {
	t.Parallel()
	c := mustClock(t, tzNY)

	tests := []struct {
		key  string
		want time.Duration
	}{
		{"2025-03-09", 23 * time.Hour}, // spring forward
		{"2025-11-02", 25 * time.Hour}, // fall back
		{"2025-06-10", 24 * time.Hour},
	}
	for _, tt := range tests {
		start, end, err := c.DayBounds(tt.key)
		if err != nil {
			t.Fatalf("DayBounds(%s): %v", tt.key, err)
		}
		if d := end.Sub(start); d != tt.want {
			t.Fatalf("DayBounds(%s) length = %v, want %v", tt.key, d, tt.want)
		}
		if got := c.DateKey(start); got != tt.key {
			t.Fatalf("start of %s maps to key %s", tt.key, got)
		}
		if got := c.DateKey(end.Add(-time.Second)); got != tt.key {
			t.Fatalf("end-1s of %s maps to key %s", tt.key, got)
		}
	}
}

func TestNextDateKey(t *testing.T) {
	t.Parallel()
	tests := []struct{ in, want string }{
		{"2025-01-31", "2025-02-01"},
		{"2025-12-31", "2026-01-01"},
		{"2024-02-28", "2024-02-29"}, // leap year
	}
	for _, tt := range tests {
		got, err := NextDateKey(tt.in)
		if err != nil {
			t.Fatalf("NextDateKey(%s): %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("NextDateKey(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
	if _, err := NextDateKey("yesterday"); err == nil {
		t.Fatal("expected error for invalid key")
	}
}

func TestClockTimeInvalidInput(t *testing.T) {
	t.Parallel()
	c := mustClock(t, tzNY)
	if _, err := c.ClockTime("2025-06-10", 24, 0); err == nil {
		t.Fatal("expected error for hour 24")
	}
	if _, err := c.ClockTime("06/10/2025", 7, 0); err == nil {
		t.Fatal("expected error for malformed key")
	}
}

func TestNewWithNow(t *testing.T) {
	t.Parallel()
	fixed := time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC)
	c, err := NewWithNow(tzNY, func() time.Time { return fixed })
	if err != nil {
		t.Fatal(err)
	}
	if got := c.TodayKey(); got != "2025-03-09" {
		t.Fatalf("TodayKey = %s, want 2025-03-09", got)
	}
}
