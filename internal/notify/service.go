// Package notify is the delivery side of the bot: a bounded queue, a small
// worker pool, token-bucket pacing and bounded retry in front of the chat
// adapter. Retry/backoff lives here on purpose; callers perform exactly one
// attempt and treat a returned error as final.
package notify

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	kit "rallybot/internal/transport"
	logx "rallybot/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notify: queue full")
	ErrStopped   = errors.New("notify: stopped")
)

type Config struct {
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	return c
}

// Service is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	adapter kit.Adapter

	cfg     Config
	limiter *rate.Limiter

	queue     chan kit.Notification
	accepting bool
	// sendWG tracks in-flight enqueues so Stop never closes the queue under
	// a concurrent Send.
	sendWG     sync.WaitGroup
	wg         sync.WaitGroup
	workCancel context.CancelFunc
	stopDone   chan struct{}

	sent atomic.Int64
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log, adapter: adapter}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the worker pool. Idempotent. Workers get their own
// lifetime so queued replies still drain after the run context is
// cancelled; Stop bounds how long that drain may take.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan kit.Notification, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	q := s.queue
	workCtx, workCancel := context.WithCancel(context.Background())
	s.workCancel = workCancel
	s.mu.Unlock()

	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer s.wg.Done()
			s.workerLoop(workCtx, q)
		}()
	}
	go func() {
		select {
		case <-ctx.Done():
			// Run context gone without an explicit Stop: drain with a
			// default grace so workers do not leak.
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.Stop(stopCtx)
			cancel()
		case <-workCtx.Done():
		}
	}()
	s.log.Info("notify workers started", logx.Int("workers", workers))
}

// Stop blocks intake, then closes the queue once in-flight enqueues have
// finished and lets the workers drain what is queued, bounded by ctx.
// Safe to call concurrently; late callers wait for the first drain.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	q := s.queue
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	workCancel := s.workCancel
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)
		s.wg.Wait()
		if workCancel != nil {
			workCancel()
		}
		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.workCancel = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
		s.log.Info("notify drained")
	case <-ctx.Done():
		// Out of time: cut the workers loose mid-send, remaining items
		// are dropped with a warn each.
		if workCancel != nil {
			workCancel()
		}
		s.log.Warn("notify stop timed out", logx.Err(ctx.Err()))
	}
}

// Send queues a notification for async delivery.
func (s *Service) Send(ctx context.Context, n kit.Notification) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- n:
		return nil
	default:
		return ErrQueueFull
	}
}

// SendNow delivers synchronously (rate-limited, single attempt) and returns
// the sent message handle. Used when the caller needs the ref, e.g. to run
// an after-send hook against the posted message.
func (s *Service) SendNow(ctx context.Context, n kit.Notification) (kit.MessageRef, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	lim := s.limiter
	s.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return kit.MessageRef{}, err
	}
	ref, err := s.deliver(ctx, n)
	if err == nil {
		s.sent.Add(1)
	}
	return ref, err
}

// QueueDepth reports pending async notifications (diagnostics).
func (s *Service) QueueDepth() int {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		return 0
	}
	return len(q)
}

// SentCount reports total successful deliveries since start.
func (s *Service) SentCount() int64 { return s.sent.Load() }

func (s *Service) workerLoop(ctx context.Context, q <-chan kit.Notification) {
	// Drain until the queue closes; ctx only bounds the individual sends.
	for n := range q {
		s.sendWithRetry(ctx, n)
	}
}

func (s *Service) sendWithRetry(ctx context.Context, n kit.Notification) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			s.log.Warn("notification dropped at shutdown",
				logx.Err(err),
				logx.Int64("chat_id", n.Target.ChatID),
			)
			return
		}

		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := s.deliver(callCtx, n)
		cancel()
		if err == nil {
			s.sent.Add(1)
			return
		}
		lastErr = err
		s.log.Debug("send failed",
			logx.Err(err),
			logx.Int("attempt", attempt),
			logx.Int("max", maxAttempts),
			logx.Int64("chat_id", n.Target.ChatID),
		)

		if attempt >= maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			s.log.Warn("notification dropped at shutdown",
				logx.Err(ctx.Err()),
				logx.Int64("chat_id", n.Target.ChatID),
			)
			return
		}
	}

	if lastErr != nil {
		s.log.Warn("notification dropped after retries",
			logx.Err(lastErr),
			logx.Int64("chat_id", n.Target.ChatID),
			logx.Int("thread_id", n.Target.ThreadID),
		)
	}
}

func (s *Service) deliver(ctx context.Context, n kit.Notification) (kit.MessageRef, error) {
	if n.Payload != nil {
		return s.adapter.SendPayload(ctx, n.Target, n.Payload)
	}
	return s.adapter.SendText(ctx, n.Target, n.Text, n.Options)
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// Exponential backoff: base * 2^(attempt-1), jittered 0.7..1.3.
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	if d < 0 {
		return 0
	}
	return d
}
