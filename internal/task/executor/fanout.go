package executor

import (
	"context"
	"sync"

	"newspipe/internal/task/registry"
	logx "newspipe/pkg/logx"
)

// FanOut dispatches one concurrent sub-operation per source and aggregates
// the outcomes. One source's failure is recorded in the result and never
// aborts its siblings; sources complete in no particular order. When the
// executor carries a global fetch cap, each sub-operation holds one slot for
// its duration.
func (e *Executor) FanOut(ctx context.Context, sources []string, perSource func(ctx context.Context, source string) (registry.Result, error)) registry.Result {
	var (
		mu  sync.Mutex
		agg registry.Result
		wg  sync.WaitGroup
	)

	for _, source := range sources {
		wg.Add(1)
		go func(source string) {
			defer wg.Done()

			if !e.acquireSlot(ctx) {
				return
			}
			defer e.releaseSlot()

			res, err := perSource(ctx, source)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// Only a dead run context turns errors into non-events: the
				// owning run resolves to cancelled as a whole. A per-source
				// timeout with the run still alive is a real failure and is
				// recorded like any other.
				if ctx.Err() != nil {
					return
				}
				if agg.SourceErrors == nil {
					agg.SourceErrors = make(map[string]string)
				}
				agg.SourceErrors[source] = err.Error()
				e.log.Warn("source fetch failed", logx.String("source", source), logx.Err(err))
				return
			}
			agg = agg.Merge(res)
		}(source)
	}

	wg.Wait()
	return agg
}

func (e *Executor) acquireSlot(ctx context.Context) bool {
	if e.fetchSlots == nil {
		return true
	}
	select {
	case e.fetchSlots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Executor) releaseSlot() {
	if e.fetchSlots == nil {
		return
	}
	<-e.fetchSlots
}
