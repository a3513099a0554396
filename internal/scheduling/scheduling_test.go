package scheduling

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	logx "rallybot/pkg/logx"
)

func TestSpecValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		spec    Spec
		wantErr bool
	}{
		{name: "daily ok", spec: DailyAt(20, 0, "Europe/Berlin")},
		{name: "daily midnight", spec: DailyAt(0, 0, "")},
		{name: "hour high", spec: DailyAt(24, 0, ""), wantErr: true},
		{name: "minute high", spec: DailyAt(10, 60, ""), wantErr: true},
		{name: "interval ok", spec: Every(time.Minute, 0)},
		{name: "interval with offset", spec: Every(5*time.Minute, 2*time.Minute)},
		{name: "zero interval", spec: Every(0, 0), wantErr: true},
		{name: "negative offset", spec: Every(time.Minute, -time.Second), wantErr: true},
		{name: "unknown kind", spec: Spec{}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.validate()
			if tt.wantErr && err == nil {
				t.Fatalf("expected error for %+v", tt.spec)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestCronExpr(t *testing.T) {
	t.Parallel()
	if got := cronExpr(DailyAt(20, 30, "")); got != "30 20 * * *" {
		t.Fatalf("cronExpr = %q", got)
	}
	if got := cronExpr(DailyAt(0, 5, "Asia/Jakarta")); got != "CRON_TZ=Asia/Jakarta 5 0 * * *" {
		t.Fatalf("cronExpr = %q", got)
	}
}

func TestIntervalFiresAndCancels(t *testing.T) {
	t.Parallel()
	s := NewInterval(logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	var fires atomic.Int32
	fired := make(chan struct{}, 8)
	h, err := s.Schedule("tick", Every(20*time.Millisecond, 0), func(ctx context.Context) {
		fires.Add(1)
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if h.ID() == "" {
		t.Fatal("empty handle id")
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("job never fired")
	}

	h.Cancel()
	h.Cancel() // idempotent
	after := fires.Load()
	time.Sleep(100 * time.Millisecond)
	if got := fires.Load(); got != after {
		t.Fatalf("job fired after cancel: %d -> %d", after, got)
	}
}

func TestIntervalOffsetOrdering(t *testing.T) {
	t.Parallel()
	s := NewInterval(logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	order := make(chan string, 2)
	if _, err := s.Schedule("warning", Every(50*time.Millisecond, 0), func(ctx context.Context) {
		select {
		case order <- "warning":
		default:
		}
	}); err != nil {
		t.Fatalf("Schedule warning: %v", err)
	}
	if _, err := s.Schedule("trigger", Every(50*time.Millisecond, 25*time.Millisecond), func(ctx context.Context) {
		select {
		case order <- "trigger":
		default:
		}
	}); err != nil {
		t.Fatalf("Schedule trigger: %v", err)
	}

	first := <-order
	second := <-order
	if first != "warning" || second != "trigger" {
		t.Fatalf("expected warning before trigger, got %q then %q", first, second)
	}
}

func TestScheduleRequiresStart(t *testing.T) {
	t.Parallel()
	s := NewInterval(logx.Nop())
	if _, err := s.Schedule("tick", Every(time.Second, 0), func(ctx context.Context) {}); err == nil {
		t.Fatal("expected error before Start")
	}

	c := NewCron(logx.Nop())
	if _, err := c.Schedule("daily", DailyAt(1, 0, ""), func(ctx context.Context) {}); err == nil {
		t.Fatal("expected error before Start")
	}
}

func TestCronScheduleAndCancel(t *testing.T) {
	t.Parallel()
	c := NewCron(logx.Nop())
	c.Start(context.Background())
	defer c.Stop(context.Background())

	h, err := c.Schedule("daily", DailyAt(3, 30, "UTC"), func(ctx context.Context) {})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	h.Cancel()
	h.Cancel() // idempotent

	if _, err := c.Schedule("bad tz", DailyAt(3, 30, "Not/AZone"), func(ctx context.Context) {}); err == nil {
		t.Fatal("expected error for unknown timezone")
	}
}
