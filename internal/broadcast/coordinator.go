// Package broadcast drives the bot's proactive behavior: for every configured
// activity it keeps one or two live timers (an optional warning and the main
// trigger) and, on each fire, fans a notification out to every served tenant
// that has the activity's channel. All per-tenant errors stay inside the
// fan-out loop; a broken tenant never costs the others their broadcast.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"rallybot/internal/content"
	"rallybot/internal/directory"
	"rallybot/internal/rotation"
	"rallybot/internal/scheduling"
	"rallybot/internal/transport"
	logx "rallybot/pkg/logx"
)

type Config struct {
	// Accelerated collapses daily schedules into fixed-interval timers for
	// dev runs; Stagger delays the trigger so warning-then-trigger ordering
	// stays observable.
	Accelerated bool
	Every       time.Duration
	Stagger     time.Duration

	DefaultTimezone  string
	DefaultTrackLast int
}

func (c Config) withDefaults() Config {
	if c.Every <= 0 {
		c.Every = 5 * time.Minute
	}
	if c.Stagger <= 0 {
		c.Stagger = 2 * time.Minute
	}
	if c.DefaultTrackLast <= 0 {
		c.DefaultTrackLast = 10
	}
	return c
}

// Coordinator is safe for concurrent use. Construct once, Initialize at
// startup, CancelAll on shutdown.
type Coordinator struct {
	cfg Config
	log logx.Logger

	sched  scheduling.Scheduler
	dir    *directory.Directory
	pool   content.Provider
	cache  *rotation.Cache
	sender Sender

	now func() time.Time

	mu        sync.Mutex
	jobs      map[JobKey]scheduling.Handle
	specs     map[JobKey]string
	cancelled bool
}

func New(cfg Config, sched scheduling.Scheduler, dir *directory.Directory, pool content.Provider, cache *rotation.Cache, sender Sender, log logx.Logger) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{
		cfg:    cfg.withDefaults(),
		log:    log,
		sched:  sched,
		dir:    dir,
		pool:   pool,
		cache:  cache,
		sender: sender,
		now:    time.Now,
		jobs:   map[JobKey]scheduling.Handle{},
		specs:  map[JobKey]string{},
	}
}

// WarningTime computes the wall-clock moment minutesBefore ahead of
// hour:minute, wrapping past midnight into the previous day.
func WarningTime(hour, minute, minutesBefore int) (int, int) {
	total := hour*60 + minute - minutesBefore
	for total < 0 {
		total += 24 * 60
	}
	return (total / 60) % 24, total % 60
}

// Initialize registers timers for every activity: a warning job when
// WarnBefore is set, and always a trigger job. On any registration error the
// jobs registered so far are cancelled and the error returned.
func (c *Coordinator) Initialize(activities []Activity) error {
	c.mu.Lock()
	c.cancelled = false
	c.mu.Unlock()

	for i := range activities {
		a := activities[i]
		if err := validateActivity(a); err != nil {
			c.CancelAll()
			return err
		}

		if a.WarnBefore > 0 {
			if err := c.register(a, KindWarning); err != nil {
				c.CancelAll()
				return err
			}
		}
		if err := c.register(a, KindTrigger); err != nil {
			c.CancelAll()
			return err
		}
	}

	c.mu.Lock()
	n := len(c.jobs)
	c.mu.Unlock()
	c.log.Info("schedules initialized", logx.Int("activities", len(activities)), logx.Int("jobs", n))
	return nil
}

func (c *Coordinator) register(a Activity, kind JobKind) error {
	spec := c.jobSpec(a, kind)
	key := JobKey{Activity: a.ID, Kind: kind}

	c.mu.Lock()
	if _, dup := c.jobs[key]; dup {
		c.mu.Unlock()
		return fmt.Errorf("broadcast: duplicate job for activity %q kind %s", a.ID, kind)
	}
	c.mu.Unlock()

	h, err := c.sched.Schedule(a.ID+"."+string(kind), spec, func(ctx context.Context) {
		c.fire(ctx, a, kind)
	})
	if err != nil {
		return fmt.Errorf("broadcast: schedule %s/%s: %w", a.ID, kind, err)
	}

	c.mu.Lock()
	c.jobs[key] = h
	c.specs[key] = spec.String()
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) jobSpec(a Activity, kind JobKind) scheduling.Spec {
	if c.cfg.Accelerated {
		if kind == KindTrigger {
			return scheduling.Every(c.cfg.Every, c.cfg.Stagger)
		}
		return scheduling.Every(c.cfg.Every, 0)
	}

	tz := a.Timezone
	if tz == "" {
		tz = c.cfg.DefaultTimezone
	}
	if kind == KindWarning {
		h, m := WarningTime(a.Hour, a.Minute, int(a.WarnBefore.Minutes()))
		return scheduling.DailyAt(h, m, tz)
	}
	return scheduling.DailyAt(a.Hour, a.Minute, tz)
}

// CancelAll cancels every registered timer and clears the job map.
// Idempotent; no new fires start after it returns.
func (c *Coordinator) CancelAll() {
	c.mu.Lock()
	jobs := c.jobs
	c.jobs = map[JobKey]scheduling.Handle{}
	c.specs = map[JobKey]string{}
	c.cancelled = true
	c.mu.Unlock()

	for _, h := range jobs {
		h.Cancel()
	}
	if len(jobs) > 0 {
		c.log.Info("schedules cancelled", logx.Int("jobs", len(jobs)))
	}
}

// Jobs returns a sorted snapshot of the live timers.
func (c *Coordinator) Jobs() []Job {
	c.mu.Lock()
	out := make([]Job, 0, len(c.jobs))
	for key, h := range c.jobs {
		out = append(out, Job{Key: key, ID: h.ID(), Spec: c.specs[key]})
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Activity != out[j].Key.Activity {
			return out[i].Key.Activity < out[j].Key.Activity
		}
		return out[i].Key.Kind < out[j].Key.Kind
	})
	return out
}

func (c *Coordinator) fire(ctx context.Context, a Activity, kind JobKind) {
	c.mu.Lock()
	cancelled := c.cancelled
	c.mu.Unlock()
	if cancelled || ctx.Err() != nil {
		return
	}

	now := c.now()
	for _, tnt := range c.dir.Tenants() {
		c.fireTenant(ctx, a, kind, tnt, now)
	}
}

// fireTenant handles one tenant. Every failure path logs with tenant context
// and returns; nothing here may abort the caller's loop.
func (c *Coordinator) fireTenant(ctx context.Context, a Activity, kind JobKind, tnt directory.Tenant, now time.Time) {
	log := c.log.With(
		logx.String("activity", a.ID),
		logx.String("kind", string(kind)),
		logx.String("tenant", tnt.ID),
		logx.String("tenant_name", tnt.Name),
	)
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic during broadcast",
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()

	target, err := c.dir.ResolveChannel(tnt.ID, a.Channel)
	if err != nil {
		log.Warn("channel not resolved, tenant skipped", logx.Err(err), logx.String("op", "resolve_channel"))
		return
	}

	if kind == KindTrigger && a.BeforeSend != nil {
		if err := a.BeforeSend(ctx, tnt); err != nil {
			log.Warn("before-send hook failed", logx.Err(err), logx.String("op", "before_send"))
		}
	}

	if kind == KindTrigger && a.Role != "" {
		if tag, ok := c.dir.ResolveRole(tnt.ID, a.Role); ok {
			if _, err := c.sender.SendNow(ctx, transport.Notification{Target: target, Text: tag}); err != nil {
				log.Warn("role mention failed", logx.Err(err), logx.String("op", "send"))
			}
		}
	}

	p := c.buildPayload(a, kind, now)
	if kind == KindTrigger && a.Category != "" {
		if url, ok := c.pickMedia(ctx, tnt.ID, a, log); ok {
			p.ImageURL = url
		}
	}

	ref, err := c.sender.SendNow(ctx, transport.Notification{Target: target, Payload: p})
	if err != nil {
		log.Warn("broadcast send failed", logx.Err(err), logx.String("op", "send"))
		return
	}

	if kind == KindTrigger && a.AfterSend != nil {
		if err := a.AfterSend(ctx, tnt, ref); err != nil {
			log.Warn("after-send hook failed", logx.Err(err), logx.String("op", "after_send"))
		}
	}
}

// buildPayload renders the trigger payload, or the reduced warning variant
// (no checklist, no dynamic fields, no media).
func (c *Coordinator) buildPayload(a Activity, kind JobKind, now time.Time) *transport.Payload {
	if kind == KindWarning {
		return &transport.Payload{
			Title:       "⏰ " + a.Embed.Title,
			Description: "Starting in " + leadText(a.WarnBefore) + ".",
			Color:       a.Embed.Color,
			Footer:      a.Embed.Footer,
			Timestamp:   now,
		}
	}

	p := &transport.Payload{
		Title:       a.Embed.Title,
		Description: a.Embed.Description,
		Color:       a.Embed.Color,
		Footer:      a.Embed.Footer,
		Timestamp:   now,
	}
	p.Fields = append(p.Fields, a.Checklist...)
	if a.DynamicFields != nil {
		p.Fields = append(p.Fields, a.DynamicFields(now)...)
	}
	return p
}

// leadText renders the warning lead time in whole minutes, falling back to
// seconds for sub-minute leads.
func leadText(d time.Duration) string {
	if d < time.Minute {
		secs := int(d.Seconds())
		if secs <= 1 {
			return "1 second"
		}
		return fmt.Sprintf("%d seconds", secs)
	}
	mins := int(d.Minutes())
	if mins == 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", mins)
}

// pickMedia fetches the tenant's pool and rotates a selection.
// Any failure degrades to "no attachment".
func (c *Coordinator) pickMedia(ctx context.Context, tenantID string, a Activity, log logx.Logger) (string, bool) {
	items, err := c.pool.List(ctx, tenantID, a.Category)
	if err != nil {
		log.Warn("content pool unavailable", logx.Err(err), logx.String("op", "pool_list"))
		return "", false
	}
	if len(items) == 0 {
		log.Debug("content pool empty", logx.String("category", a.Category))
		return "", false
	}

	ids := make([]string, len(items))
	urls := make(map[string]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
		urls[it.ID] = it.URL
	}

	trackLast := a.TrackLast
	if trackLast <= 0 {
		trackLast = c.cfg.DefaultTrackLast
	}

	id, err := c.cache.SelectOne(ids, rotation.Key{Tenant: tenantID, Category: a.Category}, trackLast)
	if err != nil {
		if !errors.Is(err, rotation.ErrEmptyPool) {
			log.Warn("rotation failed", logx.Err(err), logx.String("op", "rotate"))
		}
		return "", false
	}
	return urls[id], true
}

func validateActivity(a Activity) error {
	if strings.TrimSpace(a.ID) == "" {
		return errors.New("broadcast: activity id is required")
	}
	if strings.TrimSpace(a.Channel) == "" {
		return fmt.Errorf("broadcast: activity %q has no channel", a.ID)
	}
	if a.Hour < 0 || a.Hour > 23 || a.Minute < 0 || a.Minute > 59 {
		return fmt.Errorf("broadcast: activity %q has invalid time %02d:%02d", a.ID, a.Hour, a.Minute)
	}
	if a.WarnBefore < 0 {
		return fmt.Errorf("broadcast: activity %q has negative warning lead", a.ID)
	}
	return nil
}
