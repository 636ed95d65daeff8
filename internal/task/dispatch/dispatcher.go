package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"newspipe/internal/eventbus"
	"newspipe/internal/runtime/supervisor"
	"newspipe/internal/task/executor"
	"newspipe/internal/task/registry"
	logx "newspipe/pkg/logx"
)

var (
	// ErrInvalidTrigger rejects a recurring registration synchronously.
	ErrInvalidTrigger = errors.New("invalid trigger")
)

// WorkFactory builds the unit of work for a task. It is called once per
// registration/submit; an error here (e.g. unknown source) is returned
// synchronously to the submitter.
type WorkFactory func(kind registry.Kind, source string) (executor.Work, error)

type Config struct {
	// TickInterval is the dispatcher's clock resolution. Defaults to 1s.
	TickInterval time.Duration

	// MaxInstances caps concurrent runs per recurring definition, guarding
	// against pile-up when a run overruns its interval. Defaults to 3.
	MaxInstances int

	// MisfireGrace is how late a firing may be and still fire. Beyond it
	// the firing coalesces to the next window unless CatchUp is set.
	// Defaults to 5x TickInterval.
	MisfireGrace time.Duration

	// CatchUp fires missed windows late instead of coalescing.
	CatchUp bool

	// RetentionAge is how long terminal task records are kept. Defaults
	// to 24h.
	RetentionAge time.Duration

	// SweepInterval is the retention sweep cadence. Defaults to 1h.
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.MaxInstances <= 0 {
		c.MaxInstances = 3
	}
	if c.MisfireGrace <= 0 {
		c.MisfireGrace = 5 * c.TickInterval
	}
	if c.RetentionAge <= 0 {
		c.RetentionAge = 24 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Hour
	}
	return c
}

// schedule is one recurring definition. Guarded by Dispatcher.mu.
type schedule struct {
	id      string
	kind    registry.Kind
	source  string
	trigger Trigger
	sched   cron.Schedule // non-nil for cron triggers
	work    executor.Work

	nextAt  time.Time
	running int
}

// Dispatcher owns recurring definitions, evaluates triggers against the
// clock and spawns executor runs when due. Run outcomes never disable a
// definition; only Cancel removes one.
type Dispatcher struct {
	cfg    Config
	log    logx.Logger
	reg    *registry.Registry
	exec   *executor.Executor
	workFn WorkFactory
	bus    eventbus.Bus
	parser cron.Parser

	mu     sync.Mutex
	scheds map[string]*schedule
	sup    *supervisor.Supervisor
}

func New(cfg Config, reg *registry.Registry, exec *executor.Executor, workFn WorkFactory, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg.withDefaults(),
		log:    log,
		reg:    reg,
		exec:   exec,
		workFn: workFn,
		bus:    bus,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		scheds: make(map[string]*schedule),
	}
}

// Start launches the tick loop and the retention sweeper. Idempotent.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sup != nil {
		return
	}
	d.sup = supervisor.New(ctx, supervisor.WithLogger(d.log.With(logx.String("comp", "dispatch"))))
	d.sup.GoRestart("tick", d.tickLoop)
	d.sup.GoRestart("sweep", d.sweepLoop)
	d.log.Info("dispatcher started",
		logx.Duration("tick", d.cfg.TickInterval),
		logx.Int("max_instances", d.cfg.MaxInstances))
}

// Stop cancels the loops and cooperatively cancels in-flight runs (their
// contexts derive from the dispatcher's). It waits until ctx expires.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	sup := d.sup
	d.sup = nil
	d.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil {
		d.log.Warn("dispatcher stop timed out", logx.Err(err))
		return
	}
	d.log.Info("dispatcher stopped")
}

// SubmitImmediate creates a pending record and hands it to the executor
// asynchronously; it returns the task id without waiting for completion.
func (d *Dispatcher) SubmitImmediate(kind registry.Kind, source string) (string, error) {
	work, err := d.workFn(kind, source)
	if err != nil {
		return "", err
	}
	id := d.reg.Create(kind, source)
	go d.exec.Run(d.runContext(), id, work)
	d.log.Debug("task submitted",
		logx.String("task", id), logx.String("kind", string(kind)), logx.String("source", source))
	return id, nil
}

// SubmitRecurring validates the trigger, stores a recurring definition and
// returns its schedule id. Each firing spawns a fresh ephemeral task record.
func (d *Dispatcher) SubmitRecurring(kind registry.Kind, trigger Trigger, source string) (string, error) {
	sched, err := trigger.compile(d.parser)
	if err != nil {
		return "", err
	}
	work, err := d.workFn(kind, source)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	s := &schedule{
		id:      id,
		kind:    kind,
		source:  source,
		trigger: trigger,
		sched:   sched,
		work:    work,
		nextAt:  trigger.first(time.Now(), sched),
	}

	d.mu.Lock()
	d.scheds[id] = s
	d.mu.Unlock()

	d.log.Info("schedule registered",
		logx.String("schedule", id),
		logx.String("kind", string(kind)),
		logx.String("source", source),
		logx.String("trigger", trigger.String()),
		logx.Time("next", s.nextAt))
	return id, nil
}

// Cancel removes a recurring definition or cooperatively cancels a run.
// It reports whether anything was actually affected; unknown ids are false.
func (d *Dispatcher) Cancel(id string) bool {
	d.mu.Lock()
	if _, ok := d.scheds[id]; ok {
		delete(d.scheds, id)
		d.mu.Unlock()
		d.log.Info("schedule removed", logx.String("schedule", id))
		return true
	}
	d.mu.Unlock()
	return d.exec.Cancel(id)
}

// Status returns a snapshot of one task record.
func (d *Dispatcher) Status(id string) (registry.Record, bool) { return d.reg.Get(id) }

// Tasks returns snapshots of task records matching the filter.
func (d *Dispatcher) Tasks(f registry.Filter) []registry.Record { return d.reg.List(f) }

// Schedules reports the ids of live recurring definitions.
func (d *Dispatcher) Schedules() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.scheds))
	for id := range d.scheds {
		out = append(out, id)
	}
	return out
}

func (d *Dispatcher) runContext() context.Context {
	d.mu.Lock()
	sup := d.sup
	d.mu.Unlock()
	if sup != nil {
		return sup.Context()
	}
	return context.Background()
}

func (d *Dispatcher) tickLoop(ctx context.Context) error {
	t := time.NewTicker(d.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			d.tick(ctx, now)
		}
	}
}

// tick fires every due definition whose concurrency guard allows it and
// recomputes its next window. Fire decisions happen under the lock; the
// runs themselves are spawned outside it.
func (d *Dispatcher) tick(ctx context.Context, now time.Time) {
	type firing struct {
		s    *schedule
		task string
	}
	var firings []firing

	d.mu.Lock()
	for id, s := range d.scheds {
		if s.nextAt.IsZero() || s.nextAt.After(now) {
			continue
		}

		late := now.Sub(s.nextAt)
		if late > d.cfg.MisfireGrace && !d.cfg.CatchUp {
			d.log.Warn("missed firing coalesced",
				logx.String("schedule", id), logx.Duration("late", late))
			if d.bus != nil {
				d.bus.Publish(eventbus.Event{Type: eventbus.TopicScheduleMiss, Data: id})
			}
			d.advanceLocked(s)
			continue
		}

		if s.running >= d.cfg.MaxInstances {
			d.log.Warn("schedule at max instances, skipping window",
				logx.String("schedule", id), logx.Int("running", s.running))
			d.advanceLocked(s)
			continue
		}

		s.running++
		taskID := d.reg.Create(s.kind, s.source)
		firings = append(firings, firing{s: s, task: taskID})
		d.advanceLocked(s)
	}
	d.mu.Unlock()

	for _, f := range firings {
		if d.bus != nil {
			d.bus.Publish(eventbus.Event{Type: eventbus.TopicScheduleFired, Data: f.s.id})
		}
		go func(f firing) {
			defer d.release(f.s)
			d.exec.Run(ctx, f.task, f.s.work)
		}(f)
	}
}

// advanceLocked recomputes a schedule's next window and drops exhausted
// one-shot definitions. Call with d.mu held.
func (d *Dispatcher) advanceLocked(s *schedule) {
	s.nextAt = s.trigger.next(time.Now(), s.sched)
	if s.nextAt.IsZero() {
		delete(d.scheds, s.id)
	}
}

func (d *Dispatcher) release(s *schedule) {
	d.mu.Lock()
	if s.running > 0 {
		s.running--
	}
	d.mu.Unlock()
}

func (d *Dispatcher) sweepLoop(ctx context.Context) error {
	t := time.NewTicker(d.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if n := d.reg.RemoveOlderThan(d.cfg.RetentionAge); n > 0 {
				d.log.Info("swept old task records", logx.Int("removed", n))
			}
		}
	}
}
