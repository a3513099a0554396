package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	logx "rallybot/pkg/logx"
)

// Interval is the accelerated scheduler for dev and tests: each job fires
// every spec.Every, with the first fire delayed by spec.Every + spec.Offset.
// The Offset keeps warning-then-trigger ordering observable without waiting
// for real wall-clock times.
type Interval struct {
	log logx.Logger

	mu     sync.Mutex
	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewInterval(log logx.Logger) *Interval {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Interval{log: log}
}

// Start makes the scheduler accept jobs. Idempotent.
func (s *Interval) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx != nil {
		return
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.log.Info("interval scheduler started")
}

// Stop cancels all jobs and waits for their goroutines, bounded by ctx.
func (s *Interval) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cancel := s.cancel
	s.runCtx = nil
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("interval scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("interval scheduler stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Interval) Schedule(name string, spec Spec, fn func(ctx context.Context)) (Handle, error) {
	if fn == nil {
		return nil, errors.New("scheduling: nil callback")
	}
	if spec.Kind != KindInterval {
		return nil, fmt.Errorf("scheduling: interval scheduler got %v spec", spec.Kind)
	}
	if err := spec.validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	runCtx := s.runCtx
	s.mu.Unlock()
	if runCtx == nil {
		return nil, errors.New("scheduling: scheduler not started")
	}

	jobCtx, jobCancel := context.WithCancel(runCtx)
	h := &intervalHandle{id: uuid.NewString(), cancel: jobCancel}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		timer := time.NewTimer(spec.Every + spec.Offset)
		defer timer.Stop()
		select {
		case <-jobCtx.Done():
			return
		case <-timer.C:
		}
		if jobCtx.Err() != nil {
			return
		}
		fn(jobCtx)

		ticker := time.NewTicker(spec.Every)
		defer ticker.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				if jobCtx.Err() != nil {
					return
				}
				fn(jobCtx)
			}
		}
	}()

	s.log.Debug("interval job registered",
		logx.String("job", name),
		logx.String("id", h.id),
		logx.String("spec", spec.String()),
	)
	return h, nil
}

type intervalHandle struct {
	id     string
	cancel context.CancelFunc
	once   sync.Once
}

func (h *intervalHandle) ID() string { return h.id }

func (h *intervalHandle) Cancel() {
	h.once.Do(h.cancel)
}
