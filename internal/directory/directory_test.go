package directory

import (
	"errors"
	"testing"
)

func testTenants() []Tenant {
	return []Tenant{
		{
			ID:       "alpha",
			Name:     "Alpha Club",
			ChatID:   -100123,
			Channels: map[string]int{"announcements": 7, "general": 0},
			Roles:    map[string]string{"raiders": "@alpha_raiders"},
		},
		{
			ID:     "beta",
			Name:   "Beta Crew",
			ChatID: -100456,
			// no announcements channel on purpose
			Channels: map[string]int{"general": 0},
		},
	}
}

func TestResolveChannel(t *testing.T) {
	t.Parallel()
	d := New(testTenants())

	target, err := d.ResolveChannel("alpha", "announcements")
	if err != nil {
		t.Fatalf("ResolveChannel: %v", err)
	}
	if target.ChatID != -100123 || target.ThreadID != 7 {
		t.Fatalf("unexpected target: %+v", target)
	}

	_, err = d.ResolveChannel("beta", "announcements")
	if !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("expected ErrChannelNotFound, got %v", err)
	}

	_, err = d.ResolveChannel("gamma", "general")
	if !errors.Is(err, ErrTenantNotFound) {
		t.Fatalf("expected ErrTenantNotFound, got %v", err)
	}
}

func TestResolveRole(t *testing.T) {
	t.Parallel()
	d := New(testTenants())

	tag, ok := d.ResolveRole("alpha", "raiders")
	if !ok || tag != "@alpha_raiders" {
		t.Fatalf("ResolveRole = %q, %v", tag, ok)
	}
	if _, ok := d.ResolveRole("beta", "raiders"); ok {
		t.Fatal("expected missing role on beta")
	}
}

func TestByChatAndApply(t *testing.T) {
	t.Parallel()
	d := New(testTenants())

	if tnt, ok := d.ByChat(-100456); !ok || tnt.ID != "beta" {
		t.Fatalf("ByChat = %+v, %v", tnt, ok)
	}

	d.Apply([]Tenant{{ID: "gamma", ChatID: -100789, Channels: map[string]int{"general": 0}}})
	if _, ok := d.ByChat(-100123); ok {
		t.Fatal("stale tenant survived Apply")
	}
	if got := len(d.Tenants()); got != 1 {
		t.Fatalf("Tenants len = %d, want 1", got)
	}
}
