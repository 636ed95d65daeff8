package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "newspipe/pkg/logx"
)

// Supervisor manages named background goroutines tied to a shared context.
//
//   - Panic recovery with stack logging.
//   - GoRestart restarts a loop with doubling backoff (capped at 10s) until
//     the context ends.
//   - Graceful stop: Cancel() then Wait(ctx).
//
// It is a deliberately small tool: the dispatcher's tick loop and the
// registry retention sweeper run under it so a panic in either never takes
// the process down.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log logx.Logger

	wg     sync.WaitGroup
	active int64

	mu       sync.Mutex
	firstErr error
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, log: logx.Nop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Context returns the supervisor's context. It ends when Cancel is called
// or the parent context ends.
func (s *Supervisor) Context() context.Context { return s.ctx }

// Active reports how many supervised goroutines are currently running.
// Operational signal only, not a synchronization primitive.
func (s *Supervisor) Active() int64 { return atomic.LoadInt64(&s.active) }

// FirstErr returns the first non-cancellation error observed, if any.
func (s *Supervisor) FirstErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

// Go runs fn once in a supervised goroutine.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		atomic.AddInt64(&s.active, 1)
		defer atomic.AddInt64(&s.active, -1)
		s.runOnce(name, fn)
	}()
}

// GoRestart runs fn in a loop, restarting it after a backoff whenever it
// returns or panics, until the supervisor context ends.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		atomic.AddInt64(&s.active, 1)
		defer atomic.AddInt64(&s.active, -1)

		backoff := 250 * time.Millisecond
		const maxBackoff = 10 * time.Second
		for {
			start := time.Now()
			s.runOnce(name, fn)
			if s.ctx.Err() != nil {
				return
			}
			// A run that survived a while earns a fresh backoff.
			if time.Since(start) > time.Minute {
				backoff = 250 * time.Millisecond
			}
			s.log.Warn("supervised goroutine restarting",
				logx.String("name", name), logx.Duration("backoff", backoff))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < maxBackoff {
				backoff *= 2
			}
		}
	}()
}

func (s *Supervisor) runOnce(name string, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic in %s: %v", name, r)
			s.record(err)
			s.log.Error("supervised goroutine panicked",
				logx.String("name", name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	if err := fn(s.ctx); err != nil && err != context.Canceled && s.ctx.Err() == nil {
		s.record(err)
		s.log.Warn("supervised goroutine exited with error",
			logx.String("name", name), logx.Err(err))
	}
}

func (s *Supervisor) record(err error) {
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
}

// Cancel asks all supervised goroutines to stop.
func (s *Supervisor) Cancel() { s.cancel() }

// Wait blocks until all supervised goroutines have returned or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
