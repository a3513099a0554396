// Package rotation implements repeat-avoiding random selection over a
// caller-supplied candidate pool, scoped by (tenant, category), with bounded
// history. It is pure bookkeeping over identifiers; fetching the pool is the
// content provider's job.
package rotation

import (
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"
)

var (
	// ErrEmptyPool is returned when the caller supplies zero candidates.
	// Callers should omit the media attachment, not surface this to users.
	ErrEmptyPool = errors.New("rotation: empty candidate pool")

	// ErrInvalidScope is returned for a missing tenant or category.
	ErrInvalidScope = errors.New("rotation: tenant and category are required")
)

// Key identifies one independent rotation bucket.
type Key struct {
	Tenant   string
	Category string
}

// Cache tracks recently-selected identifiers per scope.
// Safe for concurrent use; calls for different scopes do not block each other
// beyond the short map critical section.
type Cache struct {
	mu      sync.Mutex
	history map[Key][]string

	// pick returns a uniform index in [0, n). Swapped in tests.
	pick func(n int) int
}

func New() *Cache {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Cache{
		history: map[Key][]string{},
		pick:    rng.Intn,
	}
}

// SelectOne picks one identifier from pool that has not been chosen among the
// last trackLast selections for scope. When the tracked history exhausts the
// whole pool, the history is reset and the pick is uniform over the full pool
// again; with pools not much larger than trackLast this can repeat a recently
// evicted identifier, which is accepted.
func (c *Cache) SelectOne(pool []string, scope Key, trackLast int) (string, error) {
	if strings.TrimSpace(scope.Tenant) == "" || strings.TrimSpace(scope.Category) == "" {
		return "", ErrInvalidScope
	}
	if len(pool) == 0 {
		return "", ErrEmptyPool
	}
	if trackLast < 0 {
		trackLast = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	hist := c.history[scope]
	seen := make(map[string]struct{}, len(hist))
	for _, id := range hist {
		seen[id] = struct{}{}
	}

	available := make([]string, 0, len(pool))
	for _, id := range pool {
		if _, ok := seen[id]; !ok {
			available = append(available, id)
		}
	}

	if len(available) == 0 {
		// Pool exhausted by history: start over from the full pool.
		hist = hist[:0]
		available = pool
	}

	chosen := available[c.pick(len(available))]

	hist = append(hist, chosen)
	if len(hist) > trackLast {
		hist = hist[len(hist)-trackLast:]
	}
	if trackLast == 0 {
		hist = nil
	}
	c.history[scope] = hist

	return chosen, nil
}

// History returns a copy of the tracked identifiers for scope, oldest first.
// Diagnostic accessor.
func (c *Cache) History(scope Key) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.history[scope]...)
}

// Forget drops the tracked history for scope.
func (c *Cache) Forget(scope Key) {
	c.mu.Lock()
	delete(c.history, scope)
	c.mu.Unlock()
}
