package dispatch

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// TriggerKind discriminates the trigger variants.
type TriggerKind int

const (
	// TriggerImmediate fires once, at the first tick after registration.
	TriggerImmediate TriggerKind = iota
	// TriggerInterval fires every fixed duration.
	TriggerInterval
	// TriggerCron fires on a cron expression (standard five fields or a
	// descriptor like "@hourly").
	TriggerCron
	// TriggerOnce fires once at a fixed timestamp.
	TriggerOnce
)

// Trigger is an immutable description of when a recurring definition fires.
// Build one with Immediate, Interval, Cron or Once; the zero value is not a
// valid trigger.
type Trigger struct {
	kind  TriggerKind
	every time.Duration
	spec  string
	at    time.Time
}

func Immediate() Trigger                   { return Trigger{kind: TriggerImmediate} }
func Interval(every time.Duration) Trigger { return Trigger{kind: TriggerInterval, every: every} }
func Cron(spec string) Trigger             { return Trigger{kind: TriggerCron, spec: spec} }
func Once(at time.Time) Trigger            { return Trigger{kind: TriggerOnce, at: at} }

func (t Trigger) Kind() TriggerKind { return t.kind }

func (t Trigger) String() string {
	switch t.kind {
	case TriggerImmediate:
		return "immediate"
	case TriggerInterval:
		return fmt.Sprintf("every %s", t.every)
	case TriggerCron:
		return fmt.Sprintf("cron %q", t.spec)
	case TriggerOnce:
		return fmt.Sprintf("once at %s", t.at.Format(time.RFC3339))
	}
	return "invalid"
}

// compile validates the trigger and resolves its cron schedule, if any.
// Validation failures surface synchronously at registration time.
func (t Trigger) compile(parser cron.Parser) (cron.Schedule, error) {
	switch t.kind {
	case TriggerImmediate:
		return nil, nil
	case TriggerInterval:
		if t.every <= 0 {
			return nil, fmt.Errorf("%w: interval must be positive, got %s", ErrInvalidTrigger, t.every)
		}
		return nil, nil
	case TriggerCron:
		sched, err := parser.Parse(t.spec)
		if err != nil {
			return nil, fmt.Errorf("%w: cron spec %q: %v", ErrInvalidTrigger, t.spec, err)
		}
		return sched, nil
	case TriggerOnce:
		if t.at.IsZero() {
			return nil, fmt.Errorf("%w: one-shot timestamp required", ErrInvalidTrigger)
		}
		return nil, nil
	}
	return nil, fmt.Errorf("%w: unknown trigger kind %d", ErrInvalidTrigger, t.kind)
}

// first returns the first fire time after registration.
func (t Trigger) first(now time.Time, sched cron.Schedule) time.Time {
	switch t.kind {
	case TriggerImmediate:
		return now
	case TriggerInterval:
		return now.Add(t.every)
	case TriggerCron:
		return sched.Next(now)
	case TriggerOnce:
		return t.at
	}
	return time.Time{}
}

// next returns the fire time following a firing (or a skipped window).
// A zero time means the definition is exhausted and should be removed.
func (t Trigger) next(now time.Time, sched cron.Schedule) time.Time {
	switch t.kind {
	case TriggerInterval:
		return now.Add(t.every)
	case TriggerCron:
		return sched.Next(now)
	}
	// Immediate and Once fire only once.
	return time.Time{}
}
