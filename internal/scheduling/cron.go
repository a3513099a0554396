package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	logx "rallybot/pkg/logx"
)

// Cron runs daily wall-clock schedules on a single robfig/cron runtime.
// Per-job timezones ride on cron's CRON_TZ spec prefix, so activities in
// different timezones share one runtime.
type Cron struct {
	log logx.Logger

	mu     sync.Mutex
	c      *cron.Cron
	runCtx context.Context
	cancel context.CancelFunc
}

func NewCron(log logx.Logger) *Cron {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Cron{
		log: log,
		c:   cron.New(),
	}
}

// Start launches the cron runtime. Idempotent.
func (s *Cron) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx != nil {
		return
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.c.Start()
	s.log.Info("cron scheduler started")
}

// Stop halts the runtime and waits for in-flight jobs, bounded by ctx.
func (s *Cron) Stop(ctx context.Context) {
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

	done := s.c.Stop().Done()
	select {
	case <-done:
		s.log.Info("cron scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("cron scheduler stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Cron) Schedule(name string, spec Spec, fn func(ctx context.Context)) (Handle, error) {
	if fn == nil {
		return nil, errors.New("scheduling: nil callback")
	}
	if spec.Kind != KindCron {
		return nil, fmt.Errorf("scheduling: cron scheduler got %v spec", spec.Kind)
	}
	if err := spec.validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx == nil {
		return nil, errors.New("scheduling: scheduler not started")
	}
	runCtx := s.runCtx

	entryID, err := s.c.AddFunc(cronExpr(spec), func() {
		if runCtx.Err() != nil {
			return
		}
		fn(runCtx)
	})
	if err != nil {
		return nil, fmt.Errorf("scheduling: register %q: %w", name, err)
	}

	h := &cronHandle{id: uuid.NewString(), owner: s, entry: entryID}
	s.log.Debug("cron job registered",
		logx.String("job", name),
		logx.String("id", h.id),
		logx.String("spec", spec.String()),
	)
	return h, nil
}

// cronExpr builds a standard 5-field expression with an optional CRON_TZ
// prefix (robfig/cron evaluates the entry in that location).
func cronExpr(spec Spec) string {
	expr := fmt.Sprintf("%d %d * * *", spec.Minute, spec.Hour)
	if spec.Timezone != "" {
		expr = "CRON_TZ=" + spec.Timezone + " " + expr
	}
	return expr
}

type cronHandle struct {
	id    string
	owner *Cron
	entry cron.EntryID
	once  sync.Once
}

func (h *cronHandle) ID() string { return h.id }

func (h *cronHandle) Cancel() {
	h.once.Do(func() {
		h.owner.c.Remove(h.entry)
	})
}
