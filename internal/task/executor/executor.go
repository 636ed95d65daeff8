package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"newspipe/internal/eventbus"
	"newspipe/internal/task/registry"
	logx "newspipe/pkg/logx"
)

// Work is one task's unit of work. It must observe ctx at its suspension
// points (fetch calls, store calls); cancellation is cooperative only.
type Work func(ctx context.Context) (registry.Result, error)

type Config struct {
	// MaxConcurrentFetches caps simultaneous per-source fetch operations
	// across all runs. 0 disables the global cap (the per-schedule
	// MaxInstances guard still applies).
	MaxConcurrentFetches int
}

// Executor drives task runs through the registry's state machine. Exactly
// one Run call owns a given record for its whole lifetime, so record writes
// never race; the run handle map is the only shared state and is released in
// a cleanup path that always executes.
type Executor struct {
	cfg Config
	reg *registry.Registry
	log logx.Logger
	bus eventbus.Bus

	mu      sync.Mutex
	running map[string]context.CancelFunc

	fetchSlots chan struct{}
}

func New(cfg Config, reg *registry.Registry, log logx.Logger, bus eventbus.Bus) *Executor {
	e := &Executor{
		cfg:     cfg,
		reg:     reg,
		log:     log,
		bus:     bus,
		running: make(map[string]context.CancelFunc),
	}
	if cfg.MaxConcurrentFetches > 0 {
		e.fetchSlots = make(chan struct{}, cfg.MaxConcurrentFetches)
	}
	return e
}

// Running reports how many runs currently hold a live handle.
func (e *Executor) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

// Run executes one task to a terminal status. It blocks until the work
// resolves; callers that want fire-and-forget semantics spawn it on a
// goroutine.
func (e *Executor) Run(ctx context.Context, taskID string, work Work) {
	runCtx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	e.running[taskID] = cancel
	e.mu.Unlock()

	// The handle is released no matter how the run ends, so the registry's
	// "currently running" view stays consistent on abnormal exit too.
	defer func() {
		e.mu.Lock()
		delete(e.running, taskID)
		e.mu.Unlock()
		cancel()
	}()

	if !e.reg.MarkRunning(taskID) {
		// Cancelled (or swept) before the run started.
		e.log.Debug("run not started", logx.String("task", taskID))
		return
	}
	e.publish(eventbus.TopicTaskStarted, taskID)

	res, err := runProtected(runCtx, work)

	switch {
	case runCtx.Err() != nil || errors.Is(err, context.Canceled):
		if e.reg.Cancel(taskID) {
			e.publish(eventbus.TopicTaskCancelled, taskID)
			e.log.Info("task cancelled", logx.String("task", taskID))
		}
	case err != nil:
		e.reg.Fail(taskID, err.Error())
		e.publish(eventbus.TopicTaskFailed, taskID)
		e.log.Warn("task failed", logx.String("task", taskID), logx.Err(err))
	default:
		if e.reg.Complete(taskID, res) {
			e.publish(eventbus.TopicTaskCompleted, taskID)
			e.log.Info("task completed",
				logx.String("task", taskID),
				logx.Int("inserted", res.Inserted),
				logx.Int("updated", res.Updated),
				logx.Int("source_errors", len(res.SourceErrors)))
		} else {
			// The record went terminal while we were finishing (cooperative
			// cancel raced the result). The result is discarded.
			e.log.Debug("late result discarded", logx.String("task", taskID))
		}
	}
}

// Cancel requests cooperative cancellation of a run. Pending records go
// terminal immediately; running records are signalled through their run
// context and marked cancelled here so an uninterruptible fetch that runs to
// completion cannot resurrect the status. Terminal or unknown ids report
// false.
func (e *Executor) Cancel(taskID string) bool {
	affected := e.reg.Cancel(taskID)

	e.mu.Lock()
	cancel := e.running[taskID]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return affected
}

func runProtected(ctx context.Context, work Work) (res registry.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return work(ctx)
}

func (e *Executor) publish(topic string, taskID string) {
	if e.bus == nil {
		return
	}
	if rec, ok := e.reg.Get(taskID); ok {
		e.bus.Publish(eventbus.Event{Type: topic, Data: rec})
	}
}
