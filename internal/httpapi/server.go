// Package httpapi exposes the local admin surface: health, diagnostics, and
// manual session triggers. It binds to loopback by default and carries no
// auth of its own.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"reverie/internal/clock"
	"reverie/internal/executor"
	"reverie/internal/notify"
	"reverie/internal/runtime/supervisor"
	"reverie/internal/schedule"
	"reverie/internal/store"
	logx "reverie/pkg/logx"
)

type Config struct {
	Listen string
}

type Server struct {
	cfg  Config
	st   *store.Store
	clk  *clock.Clock
	sch  *schedule.Scheduler
	ex   *executor.Executor
	disp *notify.Dispatcher
	log  logx.Logger

	counters func() supervisor.Counters

	srv *http.Server
}

// SetCounters installs a runtime goroutine-counter source included in
// diagnostics. Optional; the wiring layer sets it once the supervisor exists.
func (s *Server) SetCounters(fn func() supervisor.Counters) { s.counters = fn }

func New(cfg Config, st *store.Store, clk *clock.Clock, sch *schedule.Scheduler, ex *executor.Executor, disp *notify.Dispatcher, log logx.Logger) *Server {
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:8699"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, st: st, clk: clk, sch: sch, ex: ex, disp: disp, log: log}
	s.srv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/diagnostics/{userID}", s.diagnostics)
	r.Post("/sessions/{userID}/{sessionType}/run", s.runSession)
	return r
}

// Start begins serving in the background. The returned error channel yields
// at most one value.
func (s *Server) Start() (<-chan error, error) {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("admin api listening", logx.String("addr", ln.Addr().String()))
	return errCh, nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type runSessionResp struct {
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	Reused   bool   `json:"reused"`
	OutputID string `json:"output_id,omitempty"`
	Title    string `json:"title,omitempty"`
	Error    string `json:"error,omitempty"`
}

// runSession schedules (or reuses) today's job for the session type and runs
// it synchronously. The daily dedup still applies: a type that already ran
// today returns the existing terminal job instead of a fresh run.
func (s *Server) runSession(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	typ := store.SessionType(chi.URLParam(r, "sessionType"))

	known := false
	for _, e := range s.sch.Catalog() {
		if e.Type == typ {
			known = true
			break
		}
	}
	if !known {
		http.Error(w, "unknown session type", http.StatusNotFound)
		return
	}

	j, created, err := s.sch.ScheduleAdHoc(r.Context(), userID, typ)
	if err != nil {
		s.log.Error("manual trigger: schedule", logx.Err(err))
		http.Error(w, "schedule failed", http.StatusInternalServerError)
		return
	}
	if !created {
		// Find the existing row for today.
		jobs, err := s.st.JobsForUserDay(r.Context(), userID, s.clk.TodayKey())
		if err != nil {
			http.Error(w, "lookup failed", http.StatusInternalServerError)
			return
		}
		for _, cand := range jobs {
			if cand.SessionType == typ {
				j = cand
				break
			}
		}
		if j.Status != store.JobPending {
			writeJSON(w, http.StatusConflict, runSessionResp{
				JobID: j.ID, Status: string(j.Status), Reused: true,
				OutputID: j.OutputRef, Error: j.ErrorMessage,
			})
			return
		}
	}

	done, err := s.ex.RunJobNow(r.Context(), j.ID)
	if errors.Is(err, executor.ErrBusy) {
		http.Error(w, "executor busy, retry shortly", http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		s.log.Error("manual trigger: run", logx.Err(err))
		http.Error(w, "run failed", http.StatusInternalServerError)
		return
	}

	resp := runSessionResp{
		JobID: done.ID, Status: string(done.Status), Reused: !created,
		OutputID: done.OutputRef, Error: done.ErrorMessage,
	}
	if done.OutputRef != "" {
		if out, err := s.st.GetOutput(r.Context(), done.OutputRef); err == nil {
			resp.Title = out.Title
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type diagnosticsResp struct {
	Now           time.Time            `json:"now"`
	Today         string               `json:"today"`
	Timezone      string               `json:"timezone"`
	Profile       *profileView         `json:"profile,omitempty"`
	Jobs          []jobView            `json:"jobs_today"`
	Recent        []jobView            `json:"jobs_recent"`
	Executor      executor.Stats       `json:"executor"`
	Notify        notify.Stats         `json:"notify"`
	Runtime       *supervisor.Counters `json:"runtime,omitempty"`
	Notifications []notificationView   `json:"notifications_recent"`
	WouldRun      []wouldRunEntry      `json:"would_run"`
}

type notificationView struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Priority int    `json:"priority"`
}

type profileView struct {
	Active        bool `json:"active"`
	AgentsEnabled bool `json:"agents_enabled"`
	HasChat       bool `json:"has_chat"`
}

type jobView struct {
	ID           string    `json:"id"`
	Session      string    `json:"session"`
	Status       string    `json:"status"`
	ScheduledFor time.Time `json:"scheduled_for"`
	Error        string    `json:"error,omitempty"`
}

type wouldRunEntry struct {
	Session string `json:"session"`
	At      string `json:"at"`
	Reason  string `json:"reason"`
}

// diagnostics answers "why did nothing happen" for one user: the flags that
// gate execution, today's jobs with their statuses, and what the catalog
// would schedule.
func (s *Server) diagnostics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")
	now := s.clk.Now()
	today := s.clk.TodayKey()

	resp := diagnosticsResp{
		Now:      now,
		Today:    today,
		Timezone: s.clk.Location().String(),
		Executor: s.ex.Stats(),
		Notify:   s.disp.Stats(),
	}
	if s.counters != nil {
		c := s.counters()
		resp.Runtime = &c
	}

	p, err := s.st.GetProfile(ctx, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// Profile stays nil; WouldRun below will say why nothing runs.
	case err != nil:
		http.Error(w, "profile lookup failed", http.StatusInternalServerError)
		return
	default:
		resp.Profile = &profileView{Active: p.Active, AgentsEnabled: p.AgentsEnabled, HasChat: p.ChatID != 0}
	}

	if jobs, err := s.st.JobsForUserDay(ctx, userID, today); err == nil {
		for _, j := range jobs {
			resp.Jobs = append(resp.Jobs, jobView{
				ID: j.ID, Session: string(j.SessionType), Status: string(j.Status),
				ScheduledFor: j.ScheduledFor, Error: j.ErrorMessage,
			})
		}
	}
	if ns, err := s.st.RecentNotifications(ctx, userID, 10); err == nil {
		for _, n := range ns {
			resp.Notifications = append(resp.Notifications, notificationView{
				ID: n.ID, Status: string(n.Status), Priority: n.Priority,
			})
		}
	}
	if jobs, err := s.st.RecentJobs(ctx, userID, 20); err == nil {
		for _, j := range jobs {
			resp.Recent = append(resp.Recent, jobView{
				ID: j.ID, Session: string(j.SessionType), Status: string(j.Status),
				ScheduledFor: j.ScheduledFor, Error: j.ErrorMessage,
			})
		}
	}

	wd := now.In(s.clk.Location()).Weekday()
	for _, e := range s.sch.Catalog() {
		entry := wouldRunEntry{
			Session: string(e.Type),
			At:      clockLabel(e.Hour, e.Minute),
		}
		switch {
		case resp.Profile == nil:
			entry.Reason = "no profile"
		case !resp.Profile.Active:
			entry.Reason = "profile inactive"
		case !resp.Profile.AgentsEnabled:
			entry.Reason = "agents disabled"
		case !entryRunsOn(e, wd):
			entry.Reason = "not scheduled today"
		default:
			entry.Reason = "eligible"
		}
		resp.WouldRun = append(resp.WouldRun, entry)
	}

	writeJSON(w, http.StatusOK, resp)
}

func entryRunsOn(e schedule.Entry, wd time.Weekday) bool {
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

func clockLabel(h, m int) string {
	return time.Date(2000, 1, 1, h, m, 0, 0, time.UTC).Format("15:04")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
