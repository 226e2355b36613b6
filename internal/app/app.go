// Package app wires the daemon together: config, storage, pipelines, the
// cron triggers that drive scheduling and polling, and the admin API.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"reverie/internal/clock"
	"reverie/internal/config"
	"reverie/internal/eventbus"
	"reverie/internal/executor"
	"reverie/internal/genai"
	"reverie/internal/httpapi"
	"reverie/internal/notify"
	"reverie/internal/pipeline"
	"reverie/internal/push"
	"reverie/internal/research"
	"reverie/internal/runtime/supervisor"
	"reverie/internal/schedule"
	"reverie/internal/store"
	logx "reverie/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	clk *clock.Clock
	st  *store.Store

	sched *schedule.Scheduler
	ex    *executor.Executor
	disp  *notify.Dispatcher
	api   *httpapi.Server

	cron *cron.Cron

	pollInterval   time.Duration
	notifyInterval time.Duration
	retention      time.Duration
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	// The reference timezone defines what "a day" means everywhere. A bad
	// zone must stop startup; falling back to UTC would shift every session
	// silently.
	clk, err := clock.New(cfg.Timezone)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: config.Duration(cfg.Storage.BusyTimeout, 0),
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	gen, err := genai.New(genai.Config{
		BaseURL: cfg.GenAI.BaseURL,
		APIKey:  cfg.GenAI.APIKey,
		Model:   cfg.GenAI.Model,
		Timeout: config.Duration(cfg.GenAI.Timeout, 60*time.Second),
	}, log.With(logx.String("comp", "genai")))
	if err != nil {
		return nil, err
	}

	var searcher research.Searcher
	var market research.MarketData
	if cfg.Research.SearchURL != "" || cfg.Research.MarketURL != "" {
		hp := research.NewHTTP(research.Config{
			SearchURL: cfg.Research.SearchURL,
			MarketURL: cfg.Research.MarketURL,
			APIKey:    cfg.Research.APIKey,
			Timeout:   config.Duration(cfg.Research.Timeout, 15*time.Second),
		})
		if cfg.Research.SearchURL != "" {
			searcher = hp
		}
		if cfg.Research.MarketURL != "" {
			market = hp
		}
	}

	mem := pipeline.NewMemory(st,
		config.Duration(cfg.Engine.HistoryWindow, 7*24*time.Hour),
		log.With(logx.String("comp", "memory")))

	reg := pipeline.NewRegistry()
	if err := pipeline.RegisterSessions(reg, pipeline.Deps{
		Gen:     gen,
		Search:  searcher,
		Market:  market,
		Memory:  mem,
		Symbols: cfg.Research.Symbols,
	}); err != nil {
		return nil, err
	}
	eng := pipeline.NewEngine(reg,
		config.Duration(cfg.Engine.StepTimeout, 90*time.Second),
		log.With(logx.String("comp", "pipeline")))

	catalog, err := catalogFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := schedule.New(st, clk, catalog, bus, log.With(logx.String("comp", "schedule")))

	ex := executor.New(executor.Config{
		Lookback:      config.Duration(cfg.Engine.Lookback, 48*time.Hour),
		BatchSize:     cfg.Engine.BatchSize,
		InterJobDelay: config.Duration(cfg.Engine.InterJobDelay, 2*time.Second),
		JobTimeout:    config.Duration(cfg.Engine.JobTimeout, 5*time.Minute),
		NotifyExpiry:  config.Duration(cfg.Notify.Expiry, 6*time.Hour),
	}, st, clk, eng, mem, bus, log.With(logx.String("comp", "executor")))

	sender, err := push.NewTelegram(push.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: config.Duration(cfg.Telegram.PollTimeout, 10*time.Second),
	}, log.With(logx.String("comp", "push")))
	if err != nil {
		return nil, err
	}

	disp := notify.New(notify.Config{
		PerUserHourly: cfg.Notify.PerUserHourly,
		GlobalRate:    cfg.Notify.GlobalRate,
		GlobalBurst:   cfg.Notify.GlobalBurst,
	}, st, clk, sender, bus, log.With(logx.String("comp", "notify")))

	var api *httpapi.Server
	if cfg.API.Enabled {
		api = httpapi.New(httpapi.Config{Listen: cfg.API.Listen},
			st, clk, sched, ex, disp, log.With(logx.String("comp", "api")))
	}

	return &App{
		cfgm:           cfgm,
		log:            log,
		logs:           logSvc,
		bus:            bus,
		clk:            clk,
		st:             st,
		sched:          sched,
		ex:             ex,
		disp:           disp,
		api:            api,
		pollInterval:   config.Duration(cfg.Engine.PollInterval, time.Minute),
		notifyInterval: config.Duration(cfg.Notify.Interval, 30*time.Second),
		retention:      config.Duration(cfg.Engine.Retention, 90*24*time.Hour),
	}, nil
}

func catalogFromConfig(cfg *config.Config) ([]schedule.Entry, error) {
	ovs := make([]schedule.Override, 0, len(cfg.Sessions))
	for _, s := range cfg.Sessions {
		o := schedule.Override{Type: store.SessionType(s.Type), Disable: s.Disable}
		if !s.Disable {
			h, m, err := s.ParseAt()
			if err != nil {
				return nil, err
			}
			o.Hour, o.Minute = h, m
		}
		ovs = append(ovs, o)
	}
	return schedule.ApplyOverrides(schedule.DefaultCatalog(), ovs)
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		// Validate() already ran in Parse; here we reject reloads that would
		// need a restart to honor.
		cur := a.cfgm.Get()
		if cur != nil && cfg.Timezone != cur.Timezone {
			return fmt.Errorf("timezone cannot change at runtime; restart required")
		}
		if cur != nil && cfg.Storage.Path != cur.Storage.Path {
			return fmt.Errorf("storage.path cannot change at runtime; restart required")
		}
		if _, err := time.LoadLocation(cfg.Timezone); err != nil {
			return fmt.Errorf("timezone: invalid %q: %w", cfg.Timezone, err)
		}
		if _, err := catalogFromConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	// Startup sweep covers days missed while the process was down.
	if err := a.sched.SweepToday(a.sup.Context()); err != nil {
		a.log.Error("startup sweep", logx.Err(err))
	}

	if err := a.startCron(); err != nil {
		return err
	}

	if a.api != nil {
		a.api.SetCounters(a.sup.CountersNow)
		errCh, err := a.api.Start()
		if err != nil {
			return err
		}
		a.sup.Go("api.serve", func(c context.Context) error {
			select {
			case <-c.Done():
				return nil
			case err := <-errCh:
				return err
			}
		})
	}

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("started",
		logx.String("timezone", a.clk.Location().String()),
		logx.Duration("poll_interval", a.pollInterval))
	return nil
}

func (a *App) startCron() error {
	c := cron.New(cron.WithLocation(a.clk.Location()))

	// Midnight in the reference zone: materialize the new day's sessions.
	if _, err := c.AddFunc("5 0 * * *", func() {
		ctx, cancel := context.WithTimeout(a.sup.Context(), time.Minute)
		defer cancel()
		if err := a.sched.SweepToday(ctx); err != nil {
			a.log.Error("midnight sweep", logx.Err(err))
		}
	}); err != nil {
		return err
	}

	if _, err := c.AddFunc(fmt.Sprintf("@every %s", a.pollInterval), func() {
		if err := a.ex.RunDue(a.sup.Context()); err != nil && err != executor.ErrBusy {
			a.log.Error("poll", logx.Err(err))
		}
	}); err != nil {
		return err
	}

	if _, err := c.AddFunc(fmt.Sprintf("@every %s", a.notifyInterval), func() {
		if err := a.disp.Dispatch(a.sup.Context()); err != nil {
			a.log.Error("dispatch", logx.Err(err))
		}
	}); err != nil {
		return err
	}

	// Daily retention pass for terminal jobs.
	if _, err := c.AddFunc("30 3 * * *", func() {
		ctx, cancel := context.WithTimeout(a.sup.Context(), time.Minute)
		defer cancel()
		n, err := a.st.PruneJobs(ctx, a.clk.Now().Add(-a.retention))
		if err != nil {
			a.log.Error("prune", logx.Err(err))
			return
		}
		if n > 0 {
			a.log.Info("pruned jobs", logx.Int64("count", n))
		}
	}); err != nil {
		return err
	}

	c.Start()
	a.cron = c
	return nil
}

// reloadLoop applies hot-reloadable settings. Structural settings (timezone,
// storage, telegram token) were already rejected by the validator.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the newest config matters.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs := config.SummarizeChange(lastApplied, newCfg)
			if len(sections) == 0 {
				continue
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config change applied", fields...)
			lastApplied = newCfg

			a.logs.Apply(logx.Config{
				Level:   newCfg.Logging.Level,
				Console: newCfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: newCfg.Logging.File.Enabled,
					Path:    newCfg.Logging.File.Path,
				},
			})

			for _, s := range sections {
				switch s {
				case "engine", "notify", "sessions", "genai", "research", "telegram", "api":
					a.log.Warn("section change requires restart to take full effect",
						logx.String("section", s))
				}
			}
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if a.cron != nil {
		stopped := a.cron.Stop()
		select {
		case <-stopped.Done():
		case <-ctx.Done():
		}
	}
	if a.api != nil {
		if err := a.api.Stop(ctx); err != nil {
			a.log.Warn("api shutdown", logx.Err(err))
		}
	}
	if a.sup != nil {
		_ = a.sup.Stop(ctx)
	}
	if err := a.st.Close(); err != nil {
		a.log.Warn("store close", logx.Err(err))
	}
	a.log.Info("stopped")
	return nil
}
