package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of one execution attempt.
//
// Transitions are monotonic:
//
//	pending → running → {completed, failed}
//	pending → cancelled
//	running → cancelled
//
// completed, failed and cancelled are terminal; the registry refuses any
// transition out of a terminal state, which is what keeps a late result from
// resurrecting a cancelled task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func canTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StatusRunning:
		return from == StatusPending
	case StatusCompleted, StatusFailed:
		return from == StatusRunning
	case StatusCancelled:
		return from == StatusPending || from == StatusRunning
	}
	return false
}

// Kind classifies what a task fetches.
type Kind string

const (
	// KindFetchAll fans out over every registered source.
	KindFetchAll Kind = "fetch_all"
	// KindFetchSource fetches one source.
	KindFetchSource Kind = "fetch_source"
	// KindPeriodic marks runs spawned by a recurring schedule.
	KindPeriodic Kind = "periodic"
)

// Result is the aggregate outcome of a run: summed upsert counts plus any
// per-source failures recorded during fan-out. Per-source failures are
// visibility only; they do not flip the run to failed.
type Result struct {
	Inserted     int
	Updated      int
	SourceErrors map[string]string
}

func (r Result) Merge(o Result) Result {
	out := Result{
		Inserted: r.Inserted + o.Inserted,
		Updated:  r.Updated + o.Updated,
	}
	if len(r.SourceErrors)+len(o.SourceErrors) > 0 {
		out.SourceErrors = make(map[string]string, len(r.SourceErrors)+len(o.SourceErrors))
		for k, v := range r.SourceErrors {
			out.SourceErrors[k] = v
		}
		for k, v := range o.SourceErrors {
			out.SourceErrors[k] = v
		}
	}
	return out
}

// Record tracks one execution attempt. Records are created by submit calls,
// mutated only through the registry by the single executor that owns the run,
// and removed only by the retention sweep.
type Record struct {
	ID          string
	Kind        Kind
	Status      Status
	Source      string
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Result      *Result
	Error       string
	Progress    float64
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status Status
	Kind   Kind
}

// Registry is the authoritative in-memory map of task records.
//
// All reads return copies (snapshot-on-read) so listing stays safe while
// other records are being written concurrently. It holds no hidden global
// state: construct one per process and hand it to collaborators.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func New() *Registry {
	return &Registry{records: make(map[string]*Record)}
}

// Create adds a new pending record and returns its id.
func (r *Registry) Create(kind Kind, source string) string {
	id := uuid.NewString()
	r.mu.Lock()
	r.records[id] = &Record{
		ID:        id,
		Kind:      kind,
		Status:    StatusPending,
		Source:    source,
		CreatedAt: time.Now().UTC(),
	}
	r.mu.Unlock()
	return id
}

// Get returns a copy of the record, if present.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	return rec.snapshot(), true
}

// List returns copies of records matching the filter, oldest first.
func (r *Registry) List(f Filter) []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		if f.Kind != "" && rec.Kind != f.Kind {
			continue
		}
		out = append(out, rec.snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *Registry) ListByStatus(s Status) []Record { return r.List(Filter{Status: s}) }
func (r *Registry) ListByKind(k Kind) []Record     { return r.List(Filter{Kind: k}) }

// MarkRunning moves a pending record to running. It reports false when the
// record is unknown or no longer pending (e.g. cancelled before starting).
func (r *Registry) MarkRunning(id string) bool {
	return r.transition(id, StatusRunning, func(rec *Record) {
		rec.StartedAt = time.Now().UTC()
	})
}

// Complete finishes a running record with its aggregate result.
func (r *Registry) Complete(id string, res Result) bool {
	return r.transition(id, StatusCompleted, func(rec *Record) {
		cp := res
		rec.Result = &cp
		rec.Progress = 1.0
		rec.CompletedAt = time.Now().UTC()
	})
}

// Fail finishes a running record with an error description.
func (r *Registry) Fail(id string, errMsg string) bool {
	return r.transition(id, StatusFailed, func(rec *Record) {
		rec.Error = errMsg
		rec.CompletedAt = time.Now().UTC()
	})
}

// Cancel marks a pending or running record cancelled. Terminal records are
// untouched and Cancel reports false.
func (r *Registry) Cancel(id string) bool {
	return r.transition(id, StatusCancelled, func(rec *Record) {
		rec.CompletedAt = time.Now().UTC()
	})
}

func (r *Registry) transition(id string, to Status, apply func(*Record)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || !canTransition(rec.Status, to) {
		return false
	}
	rec.Status = to
	apply(rec)
	return true
}

// RemoveOlderThan sweeps terminal records whose CompletedAt predates the
// cutoff. It returns how many were removed. Non-terminal records are never
// swept regardless of age.
func (r *Registry) RemoveOlderThan(age time.Duration) int {
	cutoff := time.Now().UTC().Add(-age)
	removed := 0

	r.mu.Lock()
	for id, rec := range r.records {
		if !rec.Status.Terminal() {
			continue
		}
		if !rec.CompletedAt.IsZero() && rec.CompletedAt.Before(cutoff) {
			delete(r.records, id)
			removed++
		}
	}
	r.mu.Unlock()
	return removed
}

// Len reports how many records the registry holds.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

func (rec *Record) snapshot() Record {
	cp := *rec
	if rec.Result != nil {
		res := *rec.Result
		if rec.Result.SourceErrors != nil {
			res.SourceErrors = make(map[string]string, len(rec.Result.SourceErrors))
			for k, v := range rec.Result.SourceErrors {
				res.SourceErrors[k] = v
			}
		}
		cp.Result = &res
	}
	return cp
}
