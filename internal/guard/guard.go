// Package guard is the admission controller for high-frequency, low-value
// commands. It keeps a sliding window of attempts per (tenant, user), a
// lifetime violation score per user, and per-command usage counters for
// analytics. All state is in-memory and clears on restart by design.
//
// The guard only counts and admits/denies. Escalating consequences for heavy
// violators (mutes, bans) belong to the command layer consuming Stats.
package guard

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	logx "rallybot/pkg/logx"
)

// ErrInvalidScope is returned when a tenant or user identifier is missing.
var ErrInvalidScope = errors.New("guard: tenant and user are required")

type Config struct {
	MaxCommands       int           // admitted attempts per window
	Window            time.Duration // sliding window size
	CleanupInterval   time.Duration // background sweep period
	ViolatorThreshold int           // lifetime score at which a user counts as a violator
}

func (c Config) withDefaults() Config {
	if c.MaxCommands <= 0 {
		c.MaxCommands = 5
	}
	if c.Window <= 0 {
		c.Window = 10 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.ViolatorThreshold <= 0 {
		c.ViolatorThreshold = 50
	}
	return c
}

type scopeKey struct {
	tenant string
	user   string
}

type commandKey struct {
	tenant  string
	command string
}

// Guard is safe for concurrent use. One instance serves all tenants.
type Guard struct {
	mu  sync.Mutex
	cfg Config

	windows map[scopeKey][]time.Time
	scores  map[scopeKey]int
	usage   map[commandKey]int

	log logx.Logger
	now func() time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(cfg Config, log logx.Logger) *Guard {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Guard{
		cfg:     cfg.withDefaults(),
		windows: map[scopeKey][]time.Time{},
		scores:  map[scopeKey]int{},
		usage:   map[commandKey]int{},
		log:     log,
		now:     time.Now,
	}
}

// Apply swaps limits at runtime. Existing windows keep their timestamps and
// are re-evaluated against the new limits on the next check.
func (g *Guard) Apply(cfg Config) {
	g.mu.Lock()
	g.cfg = cfg.withDefaults()
	g.mu.Unlock()
}

// Check records an attempt and reports whether it is admitted.
// Every attempt bumps the lifetime score and (when command is non-empty) the
// per-command usage counter, admitted or not. Denied attempts do not consume
// window capacity.
func (g *Guard) Check(tenant, user, command string) (bool, error) {
	if err := validScope(tenant, user); err != nil {
		return false, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	key := scopeKey{tenant: tenant, user: user}

	g.scores[key]++
	if command != "" {
		g.usage[commandKey{tenant: tenant, command: command}]++
	}

	window := g.pruneLocked(key, now)
	if len(window) >= g.cfg.MaxCommands {
		return false, nil
	}

	g.windows[key] = append(window, now)
	return true, nil
}

// RemainingTime reports how long until the oldest in-window attempt expires.
// Zero means the user can act immediately.
func (g *Guard) RemainingTime(tenant, user string) (time.Duration, error) {
	if err := validScope(tenant, user); err != nil {
		return 0, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	window := g.pruneLocked(scopeKey{tenant: tenant, user: user}, now)
	if len(window) == 0 {
		return 0, nil
	}
	rem := g.cfg.Window - now.Sub(window[0])
	if rem < 0 {
		rem = 0
	}
	return rem, nil
}

// RemainingCommands reports how many attempts the user can still make in the
// current window. Never negative; equals MaxCommands for unknown users.
func (g *Guard) RemainingCommands(tenant, user string) (int, error) {
	if err := validScope(tenant, user); err != nil {
		return 0, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	window := g.pruneLocked(scopeKey{tenant: tenant, user: user}, g.now())
	rem := g.cfg.MaxCommands - len(window)
	if rem < 0 {
		rem = 0
	}
	return rem, nil
}

// ResetUser clears the user's window and lifetime score.
// Administrative override only; usage counters are left untouched.
func (g *Guard) ResetUser(tenant, user string) error {
	if err := validScope(tenant, user); err != nil {
		return err
	}

	g.mu.Lock()
	key := scopeKey{tenant: tenant, user: user}
	delete(g.windows, key)
	delete(g.scores, key)
	g.mu.Unlock()

	g.log.Info("user rate state reset", logx.String("tenant", tenant), logx.String("user", user))
	return nil
}

// pruneLocked drops out-of-window timestamps for key and returns the surviving
// slice. Caller holds g.mu.
func (g *Guard) pruneLocked(key scopeKey, now time.Time) []time.Time {
	window := g.windows[key]
	if len(window) == 0 {
		return window
	}
	cutoff := now.Add(-g.cfg.Window)
	i := 0
	for i < len(window) && !window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		window = append(window[:0], window[i:]...)
		if len(window) == 0 {
			delete(g.windows, key)
			return nil
		}
		g.windows[key] = window
	}
	return window
}

// Start launches the background sweep. Idempotent.
func (g *Guard) Start(ctx context.Context) {
	g.mu.Lock()
	if g.stopCh != nil {
		g.mu.Unlock()
		return
	}
	g.stopCh = make(chan struct{})
	g.doneCh = make(chan struct{})
	stopCh, doneCh := g.stopCh, g.doneCh
	interval := g.cfg.CleanupInterval
	g.mu.Unlock()

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				g.sweep()
			}
		}
	}()
	g.log.Debug("sweep started", logx.Duration("interval", interval))
}

// Stop halts the background sweep. Idempotent, safe without Start.
func (g *Guard) Stop() {
	g.mu.Lock()
	stopCh, doneCh := g.stopCh, g.doneCh
	g.stopCh = nil
	g.doneCh = nil
	g.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}

// sweep drops stale window entries across all tenants and users.
// Lifetime scores and usage counters are deliberately not touched.
func (g *Guard) sweep() {
	g.mu.Lock()
	now := g.now()
	cutoff := now.Add(-g.cfg.Window)
	removed := 0
	for key, window := range g.windows {
		i := 0
		for i < len(window) && !window[i].After(cutoff) {
			i++
		}
		if i == 0 {
			continue
		}
		removed += i
		if i == len(window) {
			delete(g.windows, key)
			continue
		}
		g.windows[key] = append(window[:0], window[i:]...)
	}
	tracked := len(g.windows)
	g.mu.Unlock()

	if removed > 0 {
		g.log.Debug("sweep pruned stale attempts", logx.Int("removed", removed), logx.Int("tracked_users", tracked))
	}
}

func validScope(tenant, user string) error {
	if strings.TrimSpace(tenant) == "" || strings.TrimSpace(user) == "" {
		return ErrInvalidScope
	}
	return nil
}
