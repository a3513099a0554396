// Package scheduling abstracts "call me back at the right wall-clock moment"
// behind a small Scheduler interface so the broadcast coordinator stays
// agnostic to HOW firing moments are produced. Two implementations ship:
//
//   - Cron: daily at HH:MM in a per-job timezone (production), on robfig/cron.
//   - Interval: fixed-period timers with an optional start offset
//     (dev/accelerated mode, keeps warning-before-trigger ordering observable).
package scheduling

import (
	"context"
	"fmt"
	"time"
)

type Kind int

const (
	KindCron Kind = iota + 1
	KindInterval
)

// Spec is a tagged schedule description. Kind selects which fields apply.
type Spec struct {
	Kind Kind

	// KindCron: daily at Hour:Minute in Timezone (empty = scheduler local).
	Hour     int
	Minute   int
	Timezone string

	// KindInterval: every Every, first fire delayed by an extra Offset.
	Every  time.Duration
	Offset time.Duration
}

// DailyAt describes a daily wall-clock schedule.
func DailyAt(hour, minute int, tz string) Spec {
	return Spec{Kind: KindCron, Hour: hour, Minute: minute, Timezone: tz}
}

// Every describes a fixed-interval schedule with a start offset.
func Every(every, offset time.Duration) Spec {
	return Spec{Kind: KindInterval, Every: every, Offset: offset}
}

func (s Spec) validate() error {
	switch s.Kind {
	case KindCron:
		if s.Hour < 0 || s.Hour > 23 {
			return fmt.Errorf("scheduling: hour %d out of range", s.Hour)
		}
		if s.Minute < 0 || s.Minute > 59 {
			return fmt.Errorf("scheduling: minute %d out of range", s.Minute)
		}
		return nil
	case KindInterval:
		if s.Every <= 0 {
			return fmt.Errorf("scheduling: interval must be > 0, got %v", s.Every)
		}
		if s.Offset < 0 {
			return fmt.Errorf("scheduling: offset must be >= 0, got %v", s.Offset)
		}
		return nil
	default:
		return fmt.Errorf("scheduling: unknown spec kind %d", s.Kind)
	}
}

// String renders the spec for job snapshots and logs.
func (s Spec) String() string {
	switch s.Kind {
	case KindCron:
		if s.Timezone != "" {
			return fmt.Sprintf("daily %02d:%02d %s", s.Hour, s.Minute, s.Timezone)
		}
		return fmt.Sprintf("daily %02d:%02d", s.Hour, s.Minute)
	case KindInterval:
		if s.Offset > 0 {
			return fmt.Sprintf("every %v +%v", s.Every, s.Offset)
		}
		return fmt.Sprintf("every %v", s.Every)
	default:
		return "invalid"
	}
}

// Handle cancels one registered job. Cancel is idempotent; a callback already
// in flight may still complete, but no new fires happen after Cancel returns.
type Handle interface {
	ID() string
	Cancel()
}

// Scheduler registers callbacks against wall-clock specs.
// Implementations must be safe for concurrent Schedule/Cancel.
type Scheduler interface {
	Schedule(name string, spec Spec, fn func(ctx context.Context)) (Handle, error)
}
