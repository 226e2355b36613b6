package schedule

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"reverie/internal/clock"
	"reverie/internal/eventbus"
	"reverie/internal/store"
	logx "reverie/pkg/logx"
)

// Scheduler materializes catalog entries into job rows. It is stateless
// between calls; the unique index on (user, session, day) makes every path
// through it idempotent.
type Scheduler struct {
	st  *store.Store
	clk *clock.Clock
	bus eventbus.Bus
	log logx.Logger

	catalog []Entry
}

func New(st *store.Store, clk *clock.Clock, catalog []Entry, bus eventbus.Bus, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{st: st, clk: clk, bus: bus, log: log, catalog: catalog}
}

func (s *Scheduler) Catalog() []Entry { return s.catalog }

// ScheduleDay writes the jobs one user should get on the given day. Entries
// that already exist are left untouched; only newly created jobs are
// returned. A failure on one entry does not stop the rest.
func (s *Scheduler) ScheduleDay(ctx context.Context, userID, dateKey string) ([]store.Job, error) {
	dayStart, _, err := s.clk.DayBounds(dateKey)
	if err != nil {
		return nil, fmt.Errorf("schedule: %w", err)
	}
	wd := dayStart.In(s.clk.Location()).Weekday()

	var created []store.Job
	var firstErr error
	for _, e := range s.catalog {
		if !e.runsOn(wd) {
			continue
		}
		at, err := s.clk.ClockTime(dateKey, e.Hour, e.Minute)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			s.log.Error("schedule: resolve time", logx.Err(err),
				logx.String("session", string(e.Type)), logx.String("day", dateKey))
			continue
		}
		j := store.Job{
			ID:           uuid.NewString(),
			UserID:       userID,
			SessionType:  e.Type,
			Status:       store.JobPending,
			LocalDay:     dateKey,
			ScheduledFor: at,
			CreatedAt:    s.clk.Now(),
		}
		if e.Meta != nil {
			j.MetaJSON = e.Meta(dayStart.In(s.clk.Location()))
		}
		ok, err := s.st.InsertJob(ctx, j)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			s.log.Error("schedule: insert job", logx.Err(err),
				logx.String("session", string(e.Type)), logx.String("user", userID))
			continue
		}
		if !ok {
			continue
		}
		created = append(created, j)
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "job.scheduled", Time: s.clk.Now(), Data: j})
		}
	}
	if len(created) > 0 {
		s.log.Info("scheduled sessions",
			logx.String("user", userID), logx.String("day", dateKey), logx.Int("created", len(created)))
	}
	return created, firstErr
}

// SweepDay schedules the given day for every active profile. Scheduling is
// deliberately independent of the agents flag: the executor re-checks
// eligibility at claim time and retires jobs for disabled users as skipped.
// Per-user failures are logged and do not stop the sweep.
func (s *Scheduler) SweepDay(ctx context.Context, dateKey string) error {
	profiles, err := s.st.ActiveProfiles(ctx)
	if err != nil {
		return fmt.Errorf("schedule: sweep %s: %w", dateKey, err)
	}
	for _, p := range profiles {
		if _, err := s.ScheduleDay(ctx, p.UserID, dateKey); err != nil {
			s.log.Error("schedule: sweep user", logx.Err(err), logx.String("user", p.UserID))
		}
	}
	return nil
}

// SweepToday is the startup and midnight entry point. It also schedules
// tomorrow so a sweep missed around midnight still leaves the next day
// covered.
func (s *Scheduler) SweepToday(ctx context.Context) error {
	today := s.clk.TodayKey()
	if err := s.SweepDay(ctx, today); err != nil {
		return err
	}
	tomorrow, err := clock.NextDateKey(today)
	if err != nil {
		return err
	}
	return s.SweepDay(ctx, tomorrow)
}

// ScheduleAdHoc inserts an immediately-due job outside the catalog, used by
// the manual trigger path. The dedup key still applies: re-triggering a
// session type on a day it already ran reuses the existing row and reports
// created=false.
func (s *Scheduler) ScheduleAdHoc(ctx context.Context, userID string, t store.SessionType) (store.Job, bool, error) {
	now := s.clk.Now()
	j := store.Job{
		ID:           uuid.NewString(),
		UserID:       userID,
		SessionType:  t,
		Status:       store.JobPending,
		LocalDay:     s.clk.DateKey(now),
		ScheduledFor: now,
		CreatedAt:    now,
	}
	ok, err := s.st.InsertJob(ctx, j)
	if err != nil {
		return store.Job{}, false, err
	}
	if ok && s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "job.scheduled", Time: now, Data: j})
	}
	return j, ok, nil
}
