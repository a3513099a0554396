package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"rallybot/internal/content"
	"rallybot/internal/directory"
	"rallybot/internal/rotation"
	"rallybot/internal/scheduling"
	"rallybot/internal/transport"
	logx "rallybot/pkg/logx"
)

type fakeJob struct {
	name      string
	spec      scheduling.Spec
	fn        func(ctx context.Context)
	cancelled bool
}

type fakeHandle struct {
	id  string
	job *fakeJob
}

func (h *fakeHandle) ID() string { return h.id }
func (h *fakeHandle) Cancel()    { h.job.cancelled = true }

// fakeScheduler records registrations and lets tests fire them by hand.
type fakeScheduler struct {
	mu   sync.Mutex
	jobs []*fakeJob
	err  error
}

func (s *fakeScheduler) Schedule(name string, spec scheduling.Spec, fn func(ctx context.Context)) (scheduling.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	j := &fakeJob{name: name, spec: spec, fn: fn}
	s.jobs = append(s.jobs, j)
	return &fakeHandle{id: fmt.Sprintf("job-%d", len(s.jobs)), job: j}, nil
}

func (s *fakeScheduler) fire(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.name == name && !j.cancelled {
			j.fn(context.Background())
		}
	}
}

func (s *fakeScheduler) allCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if !j.cancelled {
			return false
		}
	}
	return true
}

type fakeSender struct {
	mu   sync.Mutex
	sent []transport.Notification
	err  error
}

func (f *fakeSender) SendNow(ctx context.Context, n transport.Notification) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return transport.MessageRef{}, f.err
	}
	f.sent = append(f.sent, n)
	return transport.MessageRef{ChatID: n.Target.ChatID, ThreadID: n.Target.ThreadID, MessageID: len(f.sent)}, nil
}

func (f *fakeSender) notifications() []transport.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Notification(nil), f.sent...)
}

func testTenants() []directory.Tenant {
	return []directory.Tenant{
		{
			ID: "alpha", Name: "Alpha", ChatID: 100,
			Channels: map[string]int{"announcements": 7},
			Roles:    map[string]string{"raiders": "@alpha-raiders"},
		},
		{
			ID: "beta", Name: "Beta", ChatID: 200,
			Channels: map[string]int{"announcements": 0},
		},
	}
}

func newTestCoordinator(t *testing.T, cfg Config) (*Coordinator, *fakeScheduler, *fakeSender) {
	t.Helper()
	sched := &fakeScheduler{}
	sender := &fakeSender{}
	pool := content.NewMemory([]content.Entry{
		{Item: content.Item{ID: "m1", URL: "https://cdn/m1.png"}, Category: "memes", Bytes: 100, ContentType: "image/png"},
		{Item: content.Item{ID: "m2", URL: "https://cdn/m2.png"}, Category: "memes", Bytes: 100, ContentType: "image/png"},
	})
	cache := rotation.New()
	c := New(cfg, sched, directory.New(testTenants()), pool, cache, sender, logx.Nop())
	c.now = func() time.Time { return time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC) }
	return c, sched, sender
}

func TestWarningTime(t *testing.T) {
	t.Parallel()
	cases := []struct {
		h, m, before int
		wantH, wantM int
	}{
		{20, 0, 60, 19, 0},
		{0, 30, 60, 23, 30},
		{1, 0, 120, 23, 0},
		{0, 0, 1, 23, 59},
		{12, 15, 0, 12, 15},
	}
	for _, tc := range cases {
		h, m := WarningTime(tc.h, tc.m, tc.before)
		if h != tc.wantH || m != tc.wantM {
			t.Errorf("WarningTime(%d,%d,%d) = %d:%d, want %d:%d", tc.h, tc.m, tc.before, h, m, tc.wantH, tc.wantM)
		}
	}
}

func TestInitializeRegistersJobs(t *testing.T) {
	t.Parallel()
	c, sched, _ := newTestCoordinator(t, Config{})

	err := c.Initialize([]Activity{
		{ID: "raid", Channel: "announcements", Hour: 20, Minute: 0, WarnBefore: time.Hour, Embed: Embed{Title: "Raid"}},
		{ID: "daily", Channel: "announcements", Hour: 9, Minute: 30, Embed: Embed{Title: "Daily"}},
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	jobs := c.Jobs()
	if len(jobs) != 3 {
		t.Fatalf("got %d jobs, want 3: %+v", len(jobs), jobs)
	}
	// Sorted by activity then kind: daily/trigger, raid/trigger, raid/warning.
	if jobs[0].Key != (JobKey{Activity: "daily", Kind: KindTrigger}) {
		t.Fatalf("jobs[0] = %+v", jobs[0].Key)
	}
	if jobs[1].Key != (JobKey{Activity: "raid", Kind: KindTrigger}) {
		t.Fatalf("jobs[1] = %+v", jobs[1].Key)
	}
	if jobs[2].Key != (JobKey{Activity: "raid", Kind: KindWarning}) {
		t.Fatalf("jobs[2] = %+v", jobs[2].Key)
	}

	// Warning registered at trigger time minus the lead.
	for _, j := range sched.jobs {
		if j.name == "raid.warning" {
			if j.spec.Hour != 19 || j.spec.Minute != 0 {
				t.Fatalf("warning spec = %02d:%02d, want 19:00", j.spec.Hour, j.spec.Minute)
			}
		}
	}
}

func TestInitializeAcceleratedStaggersTrigger(t *testing.T) {
	t.Parallel()
	c, sched, _ := newTestCoordinator(t, Config{Accelerated: true, Every: time.Minute, Stagger: 20 * time.Second})

	if err := c.Initialize([]Activity{
		{ID: "raid", Channel: "announcements", Hour: 20, WarnBefore: time.Hour, Embed: Embed{Title: "Raid"}},
	}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	for _, j := range sched.jobs {
		if j.spec.Kind != scheduling.KindInterval {
			t.Fatalf("job %s not interval in accelerated mode", j.name)
		}
		switch j.name {
		case "raid.warning":
			if j.spec.Offset != 0 {
				t.Fatalf("warning offset = %v, want 0", j.spec.Offset)
			}
		case "raid.trigger":
			if j.spec.Offset != 20*time.Second {
				t.Fatalf("trigger offset = %v, want 20s", j.spec.Offset)
			}
		}
	}
}

func TestInitializeRollsBackOnError(t *testing.T) {
	t.Parallel()
	c, sched, _ := newTestCoordinator(t, Config{})

	err := c.Initialize([]Activity{
		{ID: "ok", Channel: "announcements", Hour: 10, Embed: Embed{Title: "OK"}},
		{ID: "bad", Channel: "announcements", Hour: 25, Embed: Embed{Title: "Bad"}},
	})
	if err == nil {
		t.Fatal("expected error for hour 25")
	}
	if !sched.allCancelled() {
		t.Fatal("registered jobs not cancelled after failed Initialize")
	}
	if len(c.Jobs()) != 0 {
		t.Fatalf("jobs remain after failed Initialize: %+v", c.Jobs())
	}
}

func TestTriggerFansOutToAllTenants(t *testing.T) {
	t.Parallel()
	c, sched, sender := newTestCoordinator(t, Config{})

	a := Activity{
		ID: "raid", Channel: "announcements", Role: "raiders",
		Hour: 20, Category: "memes", TrackLast: 1,
		Embed:     Embed{Title: "Raid Night", Description: "Form up.", Footer: "GL HF"},
		Checklist: []transport.EmbedField{{Name: "Bring", Value: "potions"}},
		DynamicFields: func(now time.Time) []transport.EmbedField {
			return []transport.EmbedField{{Name: "Date", Value: now.Format("2006-01-02")}}
		},
	}
	if err := c.Initialize([]Activity{a}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	sched.fire("raid.trigger")

	got := sender.notifications()
	// alpha: role mention + payload; beta has no role mapping: payload only.
	if len(got) != 3 {
		t.Fatalf("got %d sends, want 3: %+v", len(got), got)
	}
	if got[0].Text != "@alpha-raiders" || got[0].Target.ChatID != 100 || got[0].Target.ThreadID != 7 {
		t.Fatalf("first send not alpha role mention: %+v", got[0])
	}
	p := got[1].Payload
	if p == nil || p.Title != "Raid Night" {
		t.Fatalf("second send not alpha payload: %+v", got[1])
	}
	if len(p.Fields) != 2 || p.Fields[0].Name != "Bring" || p.Fields[1].Value != "2026-03-14" {
		t.Fatalf("payload fields = %+v", p.Fields)
	}
	if p.ImageURL == "" {
		t.Fatal("trigger payload missing rotated media")
	}
	if got[2].Target.ChatID != 200 || got[2].Payload == nil {
		t.Fatalf("third send not beta payload: %+v", got[2])
	}
}

func TestWarningUsesReducedTemplate(t *testing.T) {
	t.Parallel()
	c, sched, sender := newTestCoordinator(t, Config{})

	a := Activity{
		ID: "raid", Channel: "announcements", Role: "raiders",
		Hour: 20, WarnBefore: 45 * time.Minute, Category: "memes",
		Embed:     Embed{Title: "Raid Night", Description: "Form up.", Footer: "GL HF"},
		Checklist: []transport.EmbedField{{Name: "Bring", Value: "potions"}},
	}
	if err := c.Initialize([]Activity{a}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	sched.fire("raid.warning")

	got := sender.notifications()
	// No role mention on warnings; one payload per tenant.
	if len(got) != 2 {
		t.Fatalf("got %d sends, want 2: %+v", len(got), got)
	}
	for _, n := range got {
		p := n.Payload
		if p == nil {
			t.Fatalf("warning sent as text: %+v", n)
		}
		if !strings.HasPrefix(p.Title, "⏰ ") {
			t.Fatalf("warning title = %q", p.Title)
		}
		if !strings.Contains(p.Description, "45 minutes") {
			t.Fatalf("warning description = %q", p.Description)
		}
		if len(p.Fields) != 0 || p.ImageURL != "" {
			t.Fatalf("warning carries trigger-only content: %+v", p)
		}
	}
}

func TestWarningLeadTimeWording(t *testing.T) {
	t.Parallel()
	cases := []struct {
		lead time.Duration
		want string
	}{
		{time.Minute, "Starting in 1 minute."},
		{2 * time.Minute, "Starting in 2 minutes."},
		{45 * time.Second, "Starting in 45 seconds."},
		{time.Second, "Starting in 1 second."},
	}
	for _, tc := range cases {
		c, sched, sender := newTestCoordinator(t, Config{})
		a := Activity{
			ID: "raid", Channel: "announcements",
			Hour: 20, WarnBefore: tc.lead,
			Embed: Embed{Title: "Raid"},
		}
		if err := c.Initialize([]Activity{a}); err != nil {
			t.Fatalf("lead %v: Initialize: %v", tc.lead, err)
		}
		sched.fire("raid.warning")
		got := sender.notifications()
		if len(got) == 0 || got[0].Payload == nil {
			t.Fatalf("lead %v: no warning payload: %+v", tc.lead, got)
		}
		if desc := got[0].Payload.Description; desc != tc.want {
			t.Errorf("lead %v: description = %q, want %q", tc.lead, desc, tc.want)
		}
	}
}

func TestMissingChannelSkipsTenantOnly(t *testing.T) {
	t.Parallel()
	c, sched, sender := newTestCoordinator(t, Config{})
	// beta lacks this channel; alpha must still receive.
	c.dir.Apply([]directory.Tenant{
		{ID: "alpha", ChatID: 100, Channels: map[string]int{"raids": 3}},
		{ID: "beta", ChatID: 200, Channels: map[string]int{"general": 0}},
	})

	if err := c.Initialize([]Activity{
		{ID: "raid", Channel: "raids", Hour: 20, Embed: Embed{Title: "Raid"}},
	}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	sched.fire("raid.trigger")

	got := sender.notifications()
	if len(got) != 1 || got[0].Target.ChatID != 100 {
		t.Fatalf("expected only alpha delivery, got %+v", got)
	}
}

func TestHookPanicIsIsolated(t *testing.T) {
	t.Parallel()
	c, sched, sender := newTestCoordinator(t, Config{})

	if err := c.Initialize([]Activity{{
		ID: "raid", Channel: "announcements", Hour: 20,
		Embed: Embed{Title: "Raid"},
		AfterSend: func(ctx context.Context, tnt directory.Tenant, ref transport.MessageRef) error {
			if tnt.ID == "alpha" {
				panic("hook blew up")
			}
			return nil
		},
	}}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	sched.fire("raid.trigger")

	// alpha's payload was sent before its hook panicked; beta still delivered.
	got := sender.notifications()
	if len(got) != 2 {
		t.Fatalf("got %d sends, want 2: %+v", len(got), got)
	}
}

func TestHookErrorDoesNotAbort(t *testing.T) {
	t.Parallel()
	c, sched, sender := newTestCoordinator(t, Config{})

	var afterCalls int32
	var mu sync.Mutex
	if err := c.Initialize([]Activity{{
		ID: "raid", Channel: "announcements", Hour: 20,
		Embed:      Embed{Title: "Raid"},
		BeforeSend: func(ctx context.Context, tnt directory.Tenant) error { return errors.New("warmup failed") },
		AfterSend: func(ctx context.Context, tnt directory.Tenant, ref transport.MessageRef) error {
			mu.Lock()
			afterCalls++
			mu.Unlock()
			if ref.MessageID == 0 {
				t.Errorf("after-send got zero ref for tenant %s", tnt.ID)
			}
			return nil
		},
	}}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	sched.fire("raid.trigger")

	if got := sender.notifications(); len(got) != 2 {
		t.Fatalf("got %d sends, want 2", len(got))
	}
	mu.Lock()
	defer mu.Unlock()
	if afterCalls != 2 {
		t.Fatalf("after-send ran %d times, want 2", afterCalls)
	}
}

func TestEmptyPoolOmitsAttachment(t *testing.T) {
	t.Parallel()
	sched := &fakeScheduler{}
	sender := &fakeSender{}
	c := New(Config{}, sched, directory.New(testTenants()), content.NewMemory(nil), rotation.New(), sender, logx.Nop())

	if err := c.Initialize([]Activity{
		{ID: "raid", Channel: "announcements", Hour: 20, Category: "memes", Embed: Embed{Title: "Raid"}},
	}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	sched.fire("raid.trigger")

	got := sender.notifications()
	if len(got) != 2 {
		t.Fatalf("got %d sends, want 2", len(got))
	}
	for _, n := range got {
		if n.Payload.ImageURL != "" {
			t.Fatalf("attachment set despite empty pool: %+v", n.Payload)
		}
	}
}

func TestCancelAllStopsFiring(t *testing.T) {
	t.Parallel()
	c, sched, sender := newTestCoordinator(t, Config{})

	if err := c.Initialize([]Activity{
		{ID: "raid", Channel: "announcements", Hour: 20, Embed: Embed{Title: "Raid"}},
	}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	c.CancelAll()
	c.CancelAll() // idempotent

	if !sched.allCancelled() {
		t.Fatal("handles not cancelled")
	}
	if len(c.Jobs()) != 0 {
		t.Fatalf("jobs remain after CancelAll: %+v", c.Jobs())
	}

	// Even a callback already captured by a timer is a no-op now.
	sched.mu.Lock()
	fn := sched.jobs[0].fn
	sched.mu.Unlock()
	fn(context.Background())

	if got := sender.notifications(); len(got) != 0 {
		t.Fatalf("fired after CancelAll: %+v", got)
	}
}
