// Package executor drains due jobs: claim, run the session pipeline, record
// the outcome. One batch runs at a time; a slow batch makes the next poll a
// no-op rather than a second concurrent drain.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"reverie/internal/clock"
	"reverie/internal/eventbus"
	"reverie/internal/pipeline"
	"reverie/internal/store"
	logx "reverie/pkg/logx"
)

// ErrBusy is returned when a poll overlaps an in-flight batch.
var ErrBusy = errors.New("executor: batch already running")

type Config struct {
	// Lookback bounds how far into the past a pending job is still worth
	// running. Older pending jobs stay untouched until pruned.
	Lookback time.Duration

	BatchSize     int
	InterJobDelay time.Duration
	JobTimeout    time.Duration

	// NotifyExpiry is how long a queued notification stays deliverable.
	NotifyExpiry time.Duration
}

func (c *Config) fill() {
	if c.Lookback <= 0 {
		c.Lookback = 48 * time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 5 * time.Minute
	}
	if c.NotifyExpiry <= 0 {
		c.NotifyExpiry = 6 * time.Hour
	}
}

type Executor struct {
	cfg Config
	st  *store.Store
	clk *clock.Clock
	eng *pipeline.Engine
	mem *pipeline.Memory
	bus eventbus.Bus
	log logx.Logger

	running atomic.Bool

	batches  atomic.Int64
	overlaps atomic.Int64
	lastRun  atomic.Int64
}

func New(cfg Config, st *store.Store, clk *clock.Clock, eng *pipeline.Engine, mem *pipeline.Memory, bus eventbus.Bus, log logx.Logger) *Executor {
	cfg.fill()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{cfg: cfg, st: st, clk: clk, eng: eng, mem: mem, bus: bus, log: log}
}

// RunDue drains one batch of due jobs sequentially. It returns ErrBusy when
// a previous batch is still in flight.
func (e *Executor) RunDue(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		e.overlaps.Add(1)
		return ErrBusy
	}
	defer e.running.Store(false)

	now := e.clk.Now()
	e.batches.Add(1)
	e.lastRun.Store(now.UnixMilli())

	jobs, err := e.st.DueJobs(ctx, now, e.cfg.Lookback, e.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("executor: list due: %w", err)
	}
	for i, j := range jobs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if i > 0 && e.cfg.InterJobDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.cfg.InterJobDelay):
			}
		}
		e.runOne(ctx, j)
	}
	return nil
}

// Running reports whether a batch is currently in flight.
func (e *Executor) Running() bool { return e.running.Load() }

// Stats is a snapshot for diagnostics.
type Stats struct {
	Batches  int64     `json:"batches"`
	Overlaps int64     `json:"overlaps"`
	LastRun  time.Time `json:"last_run"`
	Running  bool      `json:"running"`
}

func (e *Executor) Stats() Stats {
	var last time.Time
	if ms := e.lastRun.Load(); ms > 0 {
		last = time.UnixMilli(ms)
	}
	return Stats{
		Batches:  e.batches.Load(),
		Overlaps: e.overlaps.Load(),
		LastRun:  last,
		Running:  e.running.Load(),
	}
}

// runOne takes a single job through claim, eligibility, pipeline, and
// outcome. Every failure mode is contained here; nothing a job does can
// abort the batch.
func (e *Executor) runOne(ctx context.Context, j store.Job) {
	log := e.log.With(
		logx.String("job", j.ID),
		logx.String("user", j.UserID),
		logx.String("session", string(j.SessionType)),
	)

	reason, eligible, err := e.eligibility(ctx, j)
	if err != nil {
		log.Error("executor: eligibility check", logx.Err(err))
		return
	}
	if !eligible {
		if err := e.st.SkipJob(ctx, j.ID, e.clk.Now(), reason); err != nil {
			log.Error("executor: skip", logx.Err(err))
			return
		}
		log.Info("job skipped", logx.String("reason", reason))
		e.publish("job.skipped", j)
		return
	}

	claimed, err := e.st.ClaimJob(ctx, j.ID, e.clk.Now())
	if err != nil {
		log.Error("executor: claim", logx.Err(err))
		return
	}
	if !claimed {
		// Another path (manual trigger) got here first.
		return
	}

	res, runErr := e.runPipeline(ctx, j)
	now := e.clk.Now()
	if runErr != nil {
		log.Error("job failed", logx.Err(runErr))
		if err := e.st.FailJob(ctx, j.ID, now, runErr.Error()); err != nil {
			log.Error("executor: record failure", logx.Err(err))
		}
		e.publish("job.failed", j)
		return
	}

	if res.Nothing {
		if err := e.st.CompleteJob(ctx, j.ID, now, 0, ""); err != nil {
			log.Error("executor: record completion", logx.Err(err))
		}
		log.Info("job completed with nothing to report")
		e.publish("job.completed", j)
		return
	}

	outputID, err := e.persistOutput(ctx, j, res, now)
	if err != nil {
		log.Error("job failed", logx.Err(err))
		if ferr := e.st.FailJob(ctx, j.ID, now, err.Error()); ferr != nil {
			log.Error("executor: record failure", logx.Err(ferr))
		}
		e.publish("job.failed", j)
		return
	}
	if err := e.st.CompleteJob(ctx, j.ID, now, 1, outputID); err != nil {
		log.Error("executor: record completion", logx.Err(err))
	}
	log.Info("job completed", logx.String("output", outputID))
	e.publish("job.completed", j)
}

// eligibility re-checks the user right before running; flags may have
// changed since the job was scheduled.
func (e *Executor) eligibility(ctx context.Context, j store.Job) (reason string, ok bool, err error) {
	p, err := e.st.GetProfile(ctx, j.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return "profile missing", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if !p.Active {
		return "profile inactive", false, nil
	}
	if !p.AgentsEnabled {
		return "agents disabled", false, nil
	}
	return "", true, nil
}

// runPipeline executes the session with a per-job timeout and panic
// containment.
func (e *Executor) runPipeline(ctx context.Context, j store.Job) (res pipeline.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor: pipeline panic: %v\n%s", r, debug.Stack())
		}
	}()

	jctx, cancel := context.WithTimeout(ctx, e.cfg.JobTimeout)
	defer cancel()

	sc := &pipeline.StepContext{
		UserID:      j.UserID,
		SessionType: j.SessionType,
		DateKey:     j.LocalDay,
		Variant:     jobVariant(j.MetaJSON),
		History:     e.mem.Load(jctx, j.UserID, e.clk.Now()),
	}
	return e.eng.Run(jctx, sc)
}

func (e *Executor) persistOutput(ctx context.Context, j store.Job, res pipeline.Result, now time.Time) (string, error) {
	def, _ := e.eng.Definition(j.SessionType)

	meta, _ := json.Marshal(struct {
		Steps []pipeline.StepOutput `json:"steps"`
	}{Steps: res.Steps})

	out := store.Output{
		ID:          uuid.NewString(),
		UserID:      j.UserID,
		Title:       res.Title,
		Body:        res.Body,
		Category:    def.Category,
		SourceJobID: j.ID,
		MetaJSON:    string(meta),
		ProducedAt:  now,
	}
	if err := e.st.InsertOutput(ctx, out); err != nil {
		return "", fmt.Errorf("executor: persist output: %w", err)
	}

	if def.Notify {
		n := store.Notification{
			ID:        uuid.NewString(),
			UserID:    j.UserID,
			OutputID:  out.ID,
			Status:    store.NotifPending,
			Priority:  def.Priority,
			CreatedAt: now,
			ExpiresAt: now.Add(e.cfg.NotifyExpiry),
		}
		if err := e.st.InsertNotification(ctx, n); err != nil {
			// The output survives; delivery is best-effort.
			e.log.Error("executor: enqueue notification", logx.Err(err), logx.String("job", j.ID))
		}
	}
	return out.ID, nil
}

func (e *Executor) publish(typ string, j store.Job) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Time: e.clk.Now(), Data: j})
}

func jobVariant(metaJSON string) string {
	if metaJSON == "" {
		return ""
	}
	var m struct {
		Variant string `json:"variant"`
	}
	if err := json.Unmarshal([]byte(metaJSON), &m); err != nil {
		return ""
	}
	return m.Variant
}

// RunJobNow is the manual-trigger path: it claims and runs one specific job
// regardless of its scheduled time, still respecting single-flight against
// the background drain.
func (e *Executor) RunJobNow(ctx context.Context, jobID string) (store.Job, error) {
	if !e.running.CompareAndSwap(false, true) {
		return store.Job{}, ErrBusy
	}
	defer e.running.Store(false)

	j, err := e.st.GetJob(ctx, jobID)
	if err != nil {
		return store.Job{}, err
	}
	if j.Status != store.JobPending {
		return j, fmt.Errorf("executor: job %s is %s, not pending", jobID, j.Status)
	}
	e.runOne(ctx, j)
	return e.st.GetJob(ctx, jobID)
}
