package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"newspipe/internal/config"
	"newspipe/internal/eventbus"
	"newspipe/internal/fetch"
	"newspipe/internal/ingest"
	"newspipe/internal/pipeline"
	"newspipe/internal/runtime/supervisor"
	"newspipe/internal/storage"
	"newspipe/internal/task/dispatch"
	"newspipe/internal/task/executor"
	"newspipe/internal/task/registry"
	logx "newspipe/pkg/logx"
)

// App assembles the ingestion daemon: config, logging, storage, fetcher,
// merger, registry, executor and dispatcher, with lifecycle tied to process
// start/stop. Nothing here is a global; every collaborator receives its
// dependencies explicitly.
type App struct {
	cfgPath string

	mu  sync.Mutex
	cfg *config.Config

	logSvc *logx.Service
	log    logx.Logger
	store  storage.Store
	bus    eventbus.Bus
	reg    *registry.Registry
	disp   *dispatch.Dispatcher
	sup    *supervisor.Supervisor

	initialTimer *time.Timer
}

func New(cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	store, err := storage.Open(storage.Config{
		Backend:     cfg.Storage.Backend,
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeout.D(),
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	sources := make(map[string]fetch.Source, len(cfg.Sources))
	for _, s := range cfg.Sources {
		sources[s.ID] = fetch.Source{URL: s.URL}
	}
	fetcher := fetch.NewHTTP(fetch.Config{
		UserAgent:  cfg.Fetch.UserAgent,
		Timeout:    cfg.Fetch.Timeout.D(),
		RatePerSec: cfg.Fetch.RatePerSec,
	}, sources, log.With(logx.String("comp", "fetch")))

	merger := ingest.NewMerger(ingest.MergerConfig{
		MinTitleLen: cfg.Merge.MinTitleLen,
	}, store, log.With(logx.String("comp", "merge")))

	bus := eventbus.New()
	reg := registry.New()
	exec := executor.New(executor.Config{
		MaxConcurrentFetches: cfg.Fetch.MaxConcurrent,
	}, reg, log.With(logx.String("comp", "executor")), bus)

	svc := pipeline.New(fetcher, merger, exec, log.With(logx.String("comp", "pipeline")))

	disp := dispatch.New(dispatch.Config{
		TickInterval:  cfg.Dispatch.TickInterval.D(),
		MaxInstances:  cfg.Dispatch.MaxInstances,
		MisfireGrace:  cfg.Dispatch.MisfireGrace.D(),
		CatchUp:       cfg.Dispatch.CatchUp,
		RetentionAge:  cfg.Dispatch.RetentionAge.D(),
		SweepInterval: cfg.Dispatch.SweepInterval.D(),
	}, reg, exec, svc.WorkFor, log.With(logx.String("comp", "dispatch")), bus)

	return &App{
		cfgPath: cfgPath,
		cfg:     cfg,
		logSvc:  logSvc,
		log:     log,
		store:   store,
		bus:     bus,
		reg:     reg,
		disp:    disp,
	}, nil
}

// Dispatcher exposes the task façade (submit, cancel, status, list).
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.disp }

func (a *App) Start(ctx context.Context) error {
	// Snapshot before the watcher goroutine exists; applyConfig swaps a.cfg
	// concurrently once it does.
	a.mu.Lock()
	cfg := a.cfg
	a.mu.Unlock()

	a.disp.Start(ctx)

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "app"))))
	a.sup.GoRestart("config-watch", func(c context.Context) error {
		return config.Watch(c, a.cfgPath, a.log, a.applyConfig)
	})
	a.sup.Go("event-log", a.consumeEvents)

	// Schedules live in memory only; the configured recurring fetch-all is
	// re-registered on every startup.
	if cfg.Schedule.IsEnabled() {
		trigger := dispatch.Interval(2 * time.Hour)
		if cfg.Schedule.Cron != "" {
			trigger = dispatch.Cron(cfg.Schedule.Cron)
		} else if cfg.Schedule.Every.D() > 0 {
			trigger = dispatch.Interval(cfg.Schedule.Every.D())
		}
		id, err := a.disp.SubmitRecurring(registry.KindPeriodic, trigger, "")
		if err != nil {
			return fmt.Errorf("register periodic schedule: %w", err)
		}
		a.log.Info("periodic ingestion scheduled",
			logx.String("schedule", id), logx.String("trigger", trigger.String()))
	}

	if delay := cfg.Schedule.InitialDelay.D(); delay > 0 {
		a.initialTimer = time.AfterFunc(delay, func() {
			id, err := a.disp.SubmitImmediate(registry.KindFetchAll, "")
			if err != nil {
				a.log.Warn("initial ingestion failed to submit", logx.Err(err))
				return
			}
			a.log.Info("initial ingestion triggered", logx.String("task", id))
		})
	}

	a.log.Info("newspipe started", logx.Int("sources", len(cfg.Sources)))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.initialTimer != nil {
		a.initialTimer.Stop()
	}
	if a.sup != nil {
		a.sup.Cancel()
		_ = a.sup.Wait(ctx)
	}
	a.disp.Stop(ctx)
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
	a.log.Info("newspipe stopped")
	return a.logSvc.Close()
}

// applyConfig handles hot reload. Only logging knobs apply live; everything
// else needs a restart and says so.
func (a *App) applyConfig(cfg *config.Config) {
	a.mu.Lock()
	prev := a.cfg
	a.cfg = cfg
	a.mu.Unlock()

	a.logSvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	if len(cfg.Sources) != len(prev.Sources) {
		a.log.Warn("source list changed; restart to apply")
	}
}

// consumeEvents logs per-source failures attached to completed runs. The
// executor already logs the aggregate; this surfaces which sources limped.
func (a *App) consumeEvents(ctx context.Context) error {
	sub := a.bus.Subscribe(64)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			rec, isRecord := ev.Data.(registry.Record)
			if !isRecord || ev.Type != eventbus.TopicTaskCompleted || rec.Result == nil {
				continue
			}
			for source, msg := range rec.Result.SourceErrors {
				a.log.Warn("source failed during run",
					logx.String("task", rec.ID),
					logx.String("source", source),
					logx.String("err", msg))
			}
		}
	}
}
