package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"reverie/internal/clock"
	"reverie/internal/store"
	logx "reverie/pkg/logx"
)

type fakeSender struct {
	mu     sync.Mutex
	sent   []string
	failOn map[int64]bool
}

func (f *fakeSender) Send(ctx context.Context, chatID int64, title, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn[chatID] {
		return errors.New("channel unavailable")
	}
	f.sent = append(f.sent, title)
	return nil
}

type fixture struct {
	d      *Dispatcher
	st     *store.Store
	sender *fakeSender
	now    time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st, err := store.Open(store.Config{Path: t.TempDir() + "/notify.db"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	clk, err := clock.NewWithNow("UTC", func() time.Time { return now })
	if err != nil {
		t.Fatal(err)
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = 1000
		cfg.GlobalBurst = 1000
	}
	sender := &fakeSender{failOn: map[int64]bool{}}
	return &fixture{
		d: New(cfg, st, clk, sender, nil, logx.Nop()), st: st, sender: sender, now: now,
	}
}

func (f *fixture) seedUser(t *testing.T, id string, chatID int64) {
	t.Helper()
	err := f.st.UpsertProfile(context.Background(), store.Profile{
		UserID: id, Active: true, AgentsEnabled: true, ChatID: chatID,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) seedNotification(t *testing.T, id, user string, prio int, expires time.Time) {
	t.Helper()
	ctx := context.Background()
	// Distinct local day per seed so the job dedup key never collides.
	if _, err := f.st.InsertJob(ctx, store.Job{
		ID: "job-" + id, UserID: user, SessionType: "midday-curiosity",
		LocalDay: "day-" + id, ScheduledFor: f.now, CreatedAt: f.now,
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.st.InsertOutput(ctx, store.Output{
		ID: "out-" + id, UserID: user, Title: "title-" + id, Body: "body",
		SourceJobID: "job-" + id, ProducedAt: f.now,
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.st.InsertNotification(ctx, store.Notification{
		ID: id, UserID: user, OutputID: "out-" + id, Status: store.NotifPending,
		Priority: prio, CreatedAt: f.now, ExpiresAt: expires,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestDispatchHonorsPerUserBudget(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{PerUserHourly: 5, BatchSize: 20})
	f.seedUser(t, "u1", 100)

	// Two already sent inside the rolling hour eat into the budget of five.
	for i := 0; i < 2; i++ {
		id := fmt.Sprintf("prior-%d", i)
		f.seedNotification(t, id, "u1", 0, f.now.Add(time.Hour))
		if err := f.st.MarkNotificationSent(ctx, id, f.now.Add(-10*time.Minute)); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 10; i++ {
		f.seedNotification(t, fmt.Sprintf("n-%d", i), "u1", 0, f.now.Add(time.Hour))
	}

	if err := f.d.Dispatch(ctx); err != nil {
		t.Fatal(err)
	}
	if len(f.sender.sent) != 3 {
		t.Fatalf("sent %d, want 3 (budget 5 minus 2 already used)", len(f.sender.sent))
	}
	pend, err := f.st.PendingNotifications(ctx, f.now, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(pend) != 7 {
		t.Errorf("pending after pass = %d, want 7", len(pend))
	}
}

func TestDispatchPriorityFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{PerUserHourly: 1, BatchSize: 20})
	f.seedUser(t, "u1", 100)
	f.seedNotification(t, "low", "u1", 0, f.now.Add(time.Hour))
	f.seedNotification(t, "high", "u1", 2, f.now.Add(time.Hour))

	if err := f.d.Dispatch(ctx); err != nil {
		t.Fatal(err)
	}
	if len(f.sender.sent) != 1 || f.sender.sent[0] != "title-high" {
		t.Errorf("sent = %v, want the high-priority item", f.sender.sent)
	}
}

func TestDispatchExpiresStale(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.seedUser(t, "u1", 100)
	f.seedNotification(t, "stale", "u1", 2, f.now.Add(-time.Minute))
	f.seedNotification(t, "fresh", "u1", 0, f.now.Add(time.Hour))

	if err := f.d.Dispatch(ctx); err != nil {
		t.Fatal(err)
	}
	if len(f.sender.sent) != 1 || f.sender.sent[0] != "title-fresh" {
		t.Errorf("sent = %v, want only the fresh one", f.sender.sent)
	}
	if st := f.d.Stats(); st.Expired != 1 {
		t.Errorf("expired = %d, want 1", st.Expired)
	}
}

func TestDispatchLeavesFailedPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.seedUser(t, "u1", 100)
	f.sender.failOn[100] = true
	f.seedNotification(t, "n1", "u1", 0, f.now.Add(time.Hour))

	if err := f.d.Dispatch(ctx); err != nil {
		t.Fatal(err)
	}
	pend, err := f.st.PendingNotifications(ctx, f.now, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pend) != 1 {
		t.Fatalf("failed send should stay pending, got %d pending", len(pend))
	}

	// Channel recovers; the next pass delivers it.
	f.sender.failOn[100] = false
	if err := f.d.Dispatch(ctx); err != nil {
		t.Fatal(err)
	}
	if len(f.sender.sent) != 1 {
		t.Errorf("retry pass sent %d, want 1", len(f.sender.sent))
	}
}

func TestDispatchSkipsUserWithoutChat(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.seedUser(t, "u1", 0)
	f.seedNotification(t, "n1", "u1", 0, f.now.Add(time.Hour))

	if err := f.d.Dispatch(ctx); err != nil {
		t.Fatal(err)
	}
	if len(f.sender.sent) != 0 {
		t.Errorf("sent to chatless user: %v", f.sender.sent)
	}
}
