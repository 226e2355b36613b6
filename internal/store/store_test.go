package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "reverie/pkg/logx"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "reverie.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func pendingJob(id, user string, typ SessionType, day string, at time.Time) Job {
	return Job{
		ID:           id,
		UserID:       user,
		SessionType:  typ,
		LocalDay:     day,
		ScheduledFor: at,
		CreatedAt:    at,
	}
}

func TestInsertJobDedup(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()
	at := time.Date(2025, 6, 10, 11, 0, 0, 0, time.UTC)

	created, err := s.InsertJob(ctx, pendingJob("j1", "u1", SessionMorningBriefing, "2025-06-10", at))
	if err != nil || !created {
		t.Fatalf("first insert: created=%v err=%v", created, err)
	}
	// Same user/type/day with a different id: conflict is "already scheduled".
	created, err = s.InsertJob(ctx, pendingJob("j2", "u1", SessionMorningBriefing, "2025-06-10", at))
	if err != nil {
		t.Fatalf("duplicate insert errored: %v", err)
	}
	if created {
		t.Fatal("duplicate insert reported created")
	}

	// Different day and different type both insert.
	if created, _ := s.InsertJob(ctx, pendingJob("j3", "u1", SessionMorningBriefing, "2025-06-11", at)); !created {
		t.Fatal("next-day insert should create")
	}
	if created, _ := s.InsertJob(ctx, pendingJob("j4", "u1", SessionNightDream, "2025-06-10", at)); !created {
		t.Fatal("other-type insert should create")
	}

	jobs, err := s.JobsForUserDay(ctx, "u1", "2025-06-10")
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Fatalf("jobs on 2025-06-10 = %d, want 2", len(jobs))
	}
}

func TestDueJobsWindow(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	lookback := 48 * time.Hour

	cases := []struct {
		id   string
		at   time.Time
		want bool
	}{
		{"due-1m", now.Add(-time.Minute), true},
		{"due-old", now.Add(-47 * time.Hour), true},
		{"ancient", now.Add(-49 * time.Hour), false}, // outside lookback, never resurrected
		{"future", now.Add(time.Minute), false},
	}
	for i, c := range cases {
		day := now.Add(-time.Duration(i) * 24 * time.Hour).Format("2006-01-02")
		if _, err := s.InsertJob(ctx, pendingJob(c.id, "u1", SessionMiddayCuriosity, day, c.at)); err != nil {
			t.Fatal(err)
		}
	}

	due, err := s.DueJobs(ctx, now, lookback, 10)
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]bool{}
	for _, j := range due {
		got[j.ID] = true
	}
	for _, c := range cases {
		if got[c.id] != c.want {
			t.Fatalf("job %s due=%v, want %v", c.id, got[c.id], c.want)
		}
	}
	// Oldest first.
	if len(due) != 2 || due[0].ID != "due-old" {
		t.Fatalf("due order = %+v, want due-old first", due)
	}
}

func TestClaimJobSingleWinner(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()
	at := time.Date(2025, 6, 10, 7, 0, 0, 0, time.UTC)

	if _, err := s.InsertJob(ctx, pendingJob("j1", "u1", SessionMorningBriefing, "2025-06-10", at)); err != nil {
		t.Fatal(err)
	}

	ok, err := s.ClaimJob(ctx, "j1", at)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	ok, err = s.ClaimJob(ctx, "j1", at)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("second claim should lose")
	}

	j, err := s.GetJob(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != JobRunning || j.StartedAt == nil {
		t.Fatalf("after claim: status=%s started=%v", j.Status, j.StartedAt)
	}
}

func TestJobTerminalTransitions(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()
	at := time.Date(2025, 6, 10, 7, 0, 0, 0, time.UTC)

	mk := func(id string) {
		t.Helper()
		if _, err := s.InsertJob(ctx, pendingJob(id, "u-"+id, SessionSelfReview, "2025-06-10", at)); err != nil {
			t.Fatal(err)
		}
	}

	// completed
	mk("jc")
	if _, err := s.ClaimJob(ctx, "jc", at); err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteJob(ctx, "jc", at.Add(time.Minute), 1, "out-1"); err != nil {
		t.Fatal(err)
	}
	j, _ := s.GetJob(ctx, "jc")
	if j.Status != JobCompleted || j.OutputRef != "out-1" || j.ResultCount != 1 {
		t.Fatalf("completed job = %+v", j)
	}

	// failed
	mk("jf")
	if _, err := s.ClaimJob(ctx, "jf", at); err != nil {
		t.Fatal(err)
	}
	if err := s.FailJob(ctx, "jf", at.Add(time.Minute), "generation timeout"); err != nil {
		t.Fatal(err)
	}
	j, _ = s.GetJob(ctx, "jf")
	if j.Status != JobFailed || j.ErrorMessage == "" {
		t.Fatalf("failed job = %+v", j)
	}

	// skipped straight from pending
	mk("js")
	if err := s.SkipJob(ctx, "js", at.Add(time.Minute), "disabled"); err != nil {
		t.Fatal(err)
	}
	j, _ = s.GetJob(ctx, "js")
	if j.Status != JobSkipped || j.ErrorMessage != "disabled" {
		t.Fatalf("skipped job = %+v", j)
	}

	// Terminal jobs are never re-opened: a second claim or finish fails.
	if ok, _ := s.ClaimJob(ctx, "jc", at); ok {
		t.Fatal("claimed a completed job")
	}
	if err := s.FailJob(ctx, "jc", at, "late"); err == nil {
		t.Fatal("failed a completed job")
	}
}

func TestOutputsAndQueries(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

	if _, err := s.InsertJob(ctx, pendingJob("j1", "u1", SessionMiddayCuriosity, "2025-06-10", now)); err != nil {
		t.Fatal(err)
	}
	out := Output{
		ID: "o1", UserID: "u1", Title: "Octopus cognition", Body: "body text",
		Category: "curiosity", SourceJobID: "j1", ProducedAt: now,
	}
	if err := s.InsertOutput(ctx, out); err != nil {
		t.Fatal(err)
	}
	old := out
	old.ID = "o0"
	old.Title = "Stale topic"
	old.ProducedAt = now.Add(-10 * 24 * time.Hour)
	if err := s.InsertOutput(ctx, old); err != nil {
		t.Fatal(err)
	}

	recent, err := s.RecentOutputs(ctx, "u1", now.Add(-7*24*time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 || recent[0].ID != "o1" {
		t.Fatalf("recent outputs = %+v", recent)
	}

	if err := s.AppendQuery(ctx, QueryLog{UserID: "u1", SessionType: SessionMiddayCuriosity, Query: "octopus cognition", At: now}); err != nil {
		t.Fatal(err)
	}
	qs, err := s.RecentQueries(ctx, "u1", now.Add(-time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(qs) != 1 || qs[0].Query != "octopus cognition" {
		t.Fatalf("recent queries = %+v", qs)
	}
}

func TestNotificationsLifecycle(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

	if _, err := s.InsertJob(ctx, pendingJob("j1", "u1", SessionMorningBriefing, "2025-06-10", now)); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertOutput(ctx, Output{ID: "o1", UserID: "u1", Title: "t", Body: "b", Category: "briefing", SourceJobID: "j1", ProducedAt: now}); err != nil {
		t.Fatal(err)
	}

	mk := func(id string, prio int, expires time.Time) {
		t.Helper()
		err := s.InsertNotification(ctx, Notification{
			ID: id, UserID: "u1", OutputID: "o1", Priority: prio,
			CreatedAt: now, ExpiresAt: expires,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	mk("n-low", 3, now.Add(time.Hour))
	mk("n-high", 8, now.Add(time.Hour))
	mk("n-stale", 9, now.Add(-time.Minute))

	expired, err := s.ExpireNotifications(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if expired != 1 {
		t.Fatalf("expired = %d, want 1", expired)
	}

	pend, err := s.PendingNotifications(ctx, now, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pend) != 2 || pend[0].ID != "n-high" {
		t.Fatalf("pending = %+v, want n-high first", pend)
	}

	if err := s.MarkNotificationSent(ctx, "n-high", now); err != nil {
		t.Fatal(err)
	}
	sent, err := s.CountSentSince(ctx, "u1", now.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if sent != 1 {
		t.Fatalf("sent count = %d, want 1", sent)
	}
	// Already-sent rows can't be re-sent.
	if err := s.MarkNotificationSent(ctx, "n-high", now); err == nil {
		t.Fatal("re-marking sent should fail")
	}
}

func TestProfiles(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()

	if err := s.UpsertProfile(ctx, Profile{UserID: "u1", DisplayName: "Ada", Active: true, AgentsEnabled: true, ChatID: 42}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertProfile(ctx, Profile{UserID: "u2", Active: false, AgentsEnabled: true}); err != nil {
		t.Fatal(err)
	}

	p, err := s.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !p.Active || !p.AgentsEnabled || p.ChatID != 42 {
		t.Fatalf("profile = %+v", p)
	}

	active, err := s.ActiveProfiles(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].UserID != "u1" {
		t.Fatalf("active = %+v", active)
	}

	if _, err := s.GetProfile(ctx, "nobody"); err != ErrNotFound {
		t.Fatalf("missing profile err = %v, want ErrNotFound", err)
	}
}

func TestPruneJobs(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	old := now.Add(-40 * 24 * time.Hour)

	if _, err := s.InsertJob(ctx, pendingJob("j-old-done", "u1", SessionWeeklyDigest, "2025-05-01", old)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimJob(ctx, "j-old-done", old); err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteJob(ctx, "j-old-done", old, 0, ""); err != nil {
		t.Fatal(err)
	}
	// Old but still pending: kept.
	if _, err := s.InsertJob(ctx, pendingJob("j-old-pending", "u1", SessionSelfReview, "2025-05-01", old)); err != nil {
		t.Fatal(err)
	}

	n, err := s.PruneJobs(ctx, now.Add(-30*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("pruned = %d, want 1", n)
	}
	if _, err := s.GetJob(ctx, "j-old-pending"); err != nil {
		t.Fatal("pending job should survive pruning")
	}
}
