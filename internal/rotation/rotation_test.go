package rotation

import (
	"errors"
	"testing"
)

func testCache() *Cache {
	c := New()
	// Always pick the first available candidate so assertions are deterministic.
	c.pick = func(n int) int { return 0 }
	return c
}

func TestSelectOneAvoidsRecent(t *testing.T) {
	t.Parallel()
	c := testCache()
	scope := Key{Tenant: "t1", Category: "memes"}
	pool := []string{"a", "b", "c", "d", "e"}

	recent := map[string]struct{}{}
	for i := 0; i < 3; i++ {
		id, err := c.SelectOne(pool, scope, 3)
		if err != nil {
			t.Fatalf("SelectOne: %v", err)
		}
		if _, dup := recent[id]; dup {
			t.Fatalf("repeated %q within trackLast window", id)
		}
		recent[id] = struct{}{}
	}

	id, err := c.SelectOne(pool, scope, 3)
	if err != nil {
		t.Fatalf("SelectOne: %v", err)
	}
	if _, dup := recent[id]; dup {
		t.Fatalf("4th selection %q is among the 3 most recent", id)
	}
}

func TestSelectOneHistoryBounded(t *testing.T) {
	t.Parallel()
	c := testCache()
	scope := Key{Tenant: "t1", Category: "memes"}
	pool := []string{"a", "b", "c", "d", "e", "f", "g"}

	for i := 0; i < len(pool); i++ {
		if _, err := c.SelectOne(pool, scope, 3); err != nil {
			t.Fatalf("SelectOne: %v", err)
		}
		if got := len(c.History(scope)); got > 3 {
			t.Fatalf("history length %d exceeds trackLast", got)
		}
	}
}

func TestSelectOneExhaustionResets(t *testing.T) {
	t.Parallel()
	c := testCache()
	scope := Key{Tenant: "t1", Category: "memes"}
	pool := []string{"a", "b"}

	first, err := c.SelectOne(pool, scope, 5)
	if err != nil {
		t.Fatalf("SelectOne: %v", err)
	}
	second, err := c.SelectOne(pool, scope, 5)
	if err != nil {
		t.Fatalf("SelectOne: %v", err)
	}
	if first == second {
		t.Fatalf("second selection repeated %q before exhaustion", first)
	}

	// Both candidates are now tracked; the third select must reset instead of failing.
	third, err := c.SelectOne(pool, scope, 5)
	if err != nil {
		t.Fatalf("SelectOne after exhaustion: %v", err)
	}
	if third != "a" && third != "b" {
		t.Fatalf("unexpected selection %q", third)
	}
	if got := len(c.History(scope)); got != 1 {
		t.Fatalf("expected freshly-reset history of length 1, got %d", got)
	}
}

func TestSelectOneEmptyPool(t *testing.T) {
	t.Parallel()
	c := testCache()
	_, err := c.SelectOne(nil, Key{Tenant: "t1", Category: "memes"}, 3)
	if !errors.Is(err, ErrEmptyPool) {
		t.Fatalf("expected ErrEmptyPool, got %v", err)
	}
}

func TestSelectOneInvalidScope(t *testing.T) {
	t.Parallel()
	c := testCache()
	tests := []Key{
		{Tenant: "", Category: "memes"},
		{Tenant: "t1", Category: ""},
		{Tenant: "  ", Category: "memes"},
	}
	for _, scope := range tests {
		if _, err := c.SelectOne([]string{"a"}, scope, 3); !errors.Is(err, ErrInvalidScope) {
			t.Fatalf("scope %+v: expected ErrInvalidScope, got %v", scope, err)
		}
	}
}

func TestScopesAreIndependent(t *testing.T) {
	t.Parallel()
	c := testCache()
	pool := []string{"a", "b", "c"}

	a := Key{Tenant: "t1", Category: "memes"}
	b := Key{Tenant: "t2", Category: "memes"}

	idA, err := c.SelectOne(pool, a, 3)
	if err != nil {
		t.Fatalf("SelectOne: %v", err)
	}
	idB, err := c.SelectOne(pool, b, 3)
	if err != nil {
		t.Fatalf("SelectOne: %v", err)
	}
	// Deterministic pick: both scopes should start from the same candidate,
	// proving t1's history did not leak into t2.
	if idA != idB {
		t.Fatalf("expected identical first picks across scopes, got %q vs %q", idA, idB)
	}
}
