package pipeline

import (
	"context"
	"fmt"

	"newspipe/internal/fetch"
	"newspipe/internal/ingest"
	"newspipe/internal/task/executor"
	"newspipe/internal/task/registry"
	logx "newspipe/pkg/logx"
)

// Service wires the fetch and merge stages into executor work units. It is
// the WorkFactory handed to the dispatcher: the dispatcher decides when to
// run, the service decides what a run does.
type Service struct {
	fetcher fetch.Fetcher
	merger  *ingest.Merger
	exec    *executor.Executor
	log     logx.Logger
}

func New(fetcher fetch.Fetcher, merger *ingest.Merger, exec *executor.Executor, log logx.Logger) *Service {
	return &Service{fetcher: fetcher, merger: merger, exec: exec, log: log}
}

// WorkFor builds the unit of work for a task kind. Unknown sources and task
// kinds are rejected synchronously, before any record is created.
func (s *Service) WorkFor(kind registry.Kind, source string) (executor.Work, error) {
	switch kind {
	case registry.KindFetchSource:
		if !fetch.Has(s.fetcher, source) {
			return nil, fmt.Errorf("%w: %q", fetch.ErrUnknownSource, source)
		}
		return func(ctx context.Context) (registry.Result, error) {
			return s.fetchOne(ctx, source)
		}, nil

	case registry.KindFetchAll, registry.KindPeriodic:
		return func(ctx context.Context) (registry.Result, error) {
			return s.exec.FanOut(ctx, s.fetcher.Sources(), s.fetchOne), nil
		}, nil
	}
	return nil, fmt.Errorf("unknown task kind %q", kind)
}

// fetchOne is one attempt against one source: fetch, then merge. No retry on
// fetch errors; a merge rolled back by a persistence failure surfaces as
// this source's error.
func (s *Service) fetchOne(ctx context.Context, source string) (registry.Result, error) {
	candidates, err := s.fetcher.Fetch(ctx, source)
	if err != nil {
		return registry.Result{}, fmt.Errorf("fetch %s: %w", source, err)
	}
	res, err := s.merger.MergeBatch(ctx, source, candidates)
	if err != nil {
		return registry.Result{}, err
	}
	s.log.Debug("source ingested",
		logx.String("source", source),
		logx.Int("inserted", res.Inserted), logx.Int("updated", res.Updated))
	return registry.Result{Inserted: res.Inserted, Updated: res.Updated}, nil
}
