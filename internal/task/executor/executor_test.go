package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"newspipe/internal/eventbus"
	"newspipe/internal/task/registry"
	logx "newspipe/pkg/logx"
)

func newTestExecutor(cfg Config) (*Executor, *registry.Registry, eventbus.Bus) {
	reg := registry.New()
	bus := eventbus.New()
	return New(cfg, reg, logx.Nop(), bus), reg, bus
}

func TestRunCompletes(t *testing.T) {
	t.Parallel()
	e, reg, bus := newTestExecutor(Config{})
	sub := bus.Subscribe(8)
	defer sub.Close()

	id := reg.Create(registry.KindFetchSource, "idnes")
	e.Run(context.Background(), id, func(ctx context.Context) (registry.Result, error) {
		return registry.Result{Inserted: 2, Updated: 1}, nil
	})

	rec, _ := reg.Get(id)
	if rec.Status != registry.StatusCompleted {
		t.Fatalf("status = %s, want completed", rec.Status)
	}
	if rec.Result.Inserted != 2 || rec.Result.Updated != 1 {
		t.Fatalf("result = %+v", rec.Result)
	}
	if e.Running() != 0 {
		t.Fatalf("run handle leaked")
	}

	var topics []string
	for len(topics) < 2 {
		select {
		case ev := <-sub.C:
			topics = append(topics, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for events, got %v", topics)
		}
	}
	sort.Strings(topics)
	want := []string{eventbus.TopicTaskCompleted, eventbus.TopicTaskStarted}
	sort.Strings(want)
	for i := range want {
		if topics[i] != want[i] {
			t.Fatalf("events = %v, want %v", topics, want)
		}
	}
}

func TestRunFails(t *testing.T) {
	t.Parallel()
	e, reg, _ := newTestExecutor(Config{})

	id := reg.Create(registry.KindFetchSource, "blesk")
	e.Run(context.Background(), id, func(ctx context.Context) (registry.Result, error) {
		return registry.Result{}, errors.New("parse exploded")
	})

	rec, _ := reg.Get(id)
	if rec.Status != registry.StatusFailed || rec.Error != "parse exploded" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestRunRecoversPanic(t *testing.T) {
	t.Parallel()
	e, reg, _ := newTestExecutor(Config{})

	id := reg.Create(registry.KindFetchAll, "")
	e.Run(context.Background(), id, func(ctx context.Context) (registry.Result, error) {
		panic("bad parser")
	})

	rec, _ := reg.Get(id)
	if rec.Status != registry.StatusFailed {
		t.Fatalf("status = %s, want failed", rec.Status)
	}
	if rec.Error == "" {
		t.Fatalf("panic left no error message")
	}
}

func TestCancelRunningTask(t *testing.T) {
	t.Parallel()
	e, reg, _ := newTestExecutor(Config{})

	started := make(chan struct{})
	id := reg.Create(registry.KindFetchAll, "")

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(context.Background(), id, func(ctx context.Context) (registry.Result, error) {
			close(started)
			<-ctx.Done()
			return registry.Result{}, ctx.Err()
		})
	}()

	<-started
	if !e.Cancel(id) {
		t.Fatalf("Cancel refused a running task")
	}
	<-done

	rec, _ := reg.Get(id)
	if rec.Status != registry.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", rec.Status)
	}
}

func TestCancelPendingTask(t *testing.T) {
	t.Parallel()
	e, reg, _ := newTestExecutor(Config{})

	id := reg.Create(registry.KindFetchAll, "")
	if !e.Cancel(id) {
		t.Fatalf("Cancel refused a pending task")
	}

	// A run attempted afterwards must not start.
	ran := false
	e.Run(context.Background(), id, func(ctx context.Context) (registry.Result, error) {
		ran = true
		return registry.Result{}, nil
	})
	if ran {
		t.Fatalf("work ran for a cancelled record")
	}
	rec, _ := reg.Get(id)
	if rec.Status != registry.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", rec.Status)
	}
}

func TestCancelTerminalTaskReportsFalse(t *testing.T) {
	t.Parallel()
	e, reg, _ := newTestExecutor(Config{})

	id := reg.Create(registry.KindFetchAll, "")
	e.Run(context.Background(), id, func(ctx context.Context) (registry.Result, error) {
		return registry.Result{}, nil
	})
	if e.Cancel(id) {
		t.Fatalf("Cancel accepted a completed task")
	}
	rec, _ := reg.Get(id)
	if rec.Status != registry.StatusCompleted {
		t.Fatalf("completed record mutated: %+v", rec)
	}
}

func TestLateResultDiscardedAfterCancel(t *testing.T) {
	t.Parallel()
	e, reg, _ := newTestExecutor(Config{})

	started := make(chan struct{})
	release := make(chan struct{})
	id := reg.Create(registry.KindFetchAll, "")

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(context.Background(), id, func(ctx context.Context) (registry.Result, error) {
			close(started)
			// Ignore cancellation and produce a result anyway, like an
			// uninterruptible fetch finishing after its deadline.
			<-release
			return registry.Result{Inserted: 7}, nil
		})
	}()

	<-started
	if !e.Cancel(id) {
		t.Fatalf("Cancel refused")
	}
	close(release)
	<-done

	rec, _ := reg.Get(id)
	if rec.Status != registry.StatusCancelled {
		t.Fatalf("late result resurrected the record: %+v", rec)
	}
	if rec.Result != nil {
		t.Fatalf("discarded result was stored: %+v", rec.Result)
	}
}

func TestFanOutIsolatesFailures(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestExecutor(Config{})

	res := e.FanOut(context.Background(), []string{"good", "bad", "alsoGood"},
		func(ctx context.Context, source string) (registry.Result, error) {
			if source == "bad" {
				return registry.Result{}, errors.New("503 from origin")
			}
			return registry.Result{Inserted: 1}, nil
		})

	if res.Inserted != 2 {
		t.Fatalf("inserted = %d, want 2", res.Inserted)
	}
	if len(res.SourceErrors) != 1 || res.SourceErrors["bad"] == "" {
		t.Fatalf("source errors = %+v", res.SourceErrors)
	}
}

func TestFanOutRecordsPerSourceTimeout(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestExecutor(Config{})

	// A per-source fetch timeout surfaces like an http.Client timeout: it
	// unwraps to context.DeadlineExceeded while the run context is alive.
	// It must land in SourceErrors, not vanish.
	res := e.FanOut(context.Background(), []string{"slow", "ok"},
		func(ctx context.Context, source string) (registry.Result, error) {
			if source == "slow" {
				return registry.Result{}, fmt.Errorf("Get %q: %w", "https://slow.cz/", context.DeadlineExceeded)
			}
			return registry.Result{Inserted: 1}, nil
		})

	if res.Inserted != 1 {
		t.Fatalf("inserted = %d, want 1", res.Inserted)
	}
	if len(res.SourceErrors) != 1 || res.SourceErrors["slow"] == "" {
		t.Fatalf("timed-out source not recorded: %+v", res.SourceErrors)
	}
}

func TestFanOutSkipsErrorsAfterRunCancelled(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestExecutor(Config{})

	ctx, cancel := context.WithCancel(context.Background())
	res := e.FanOut(ctx, []string{"a", "b"},
		func(c context.Context, source string) (registry.Result, error) {
			if source == "a" {
				cancel()
				return registry.Result{}, context.Canceled
			}
			<-c.Done()
			return registry.Result{}, c.Err()
		})

	if len(res.SourceErrors) != 0 {
		t.Fatalf("cancellation recorded as a source failure: %+v", res.SourceErrors)
	}
}

func TestFanOutHonoursFetchCap(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestExecutor(Config{MaxConcurrentFetches: 2})

	var (
		mu      sync.Mutex
		active  int
		highest int
	)
	sources := []string{"a", "b", "c", "d", "e", "f"}
	e.FanOut(context.Background(), sources,
		func(ctx context.Context, source string) (registry.Result, error) {
			mu.Lock()
			active++
			if active > highest {
				highest = active
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			return registry.Result{Inserted: 1}, nil
		})

	if highest > 2 {
		t.Fatalf("observed %d concurrent fetches, cap is 2", highest)
	}
}
