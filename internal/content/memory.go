package content

import (
	"context"
	"strings"
	"sync"
)

// Entry is a raw catalog row for the in-memory provider.
type Entry struct {
	Item
	Tenant      string // empty = shared across all tenants
	Category    string
	Bytes       int64
	ContentType string
}

// Memory is a map-backed provider for tests and catalog-less deployments.
type Memory struct {
	mu       sync.RWMutex
	entries  []Entry
	maxBytes int64
}

func NewMemory(entries []Entry) *Memory {
	return &Memory{
		entries:  append([]Entry(nil), entries...),
		maxBytes: defaultMaxBytes,
	}
}

// Put appends catalog rows.
func (m *Memory) Put(entries ...Entry) {
	m.mu.Lock()
	m.entries = append(m.entries, entries...)
	m.mu.Unlock()
}

func (m *Memory) List(ctx context.Context, tenant, category string) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Item
	for _, e := range m.entries {
		if e.Tenant != "" && e.Tenant != tenant {
			continue
		}
		if !strings.HasPrefix(e.Category, category) {
			continue
		}
		if e.Bytes > m.maxBytes {
			continue
		}
		if !allowedType(e.ContentType) {
			continue
		}
		out = append(out, e.Item)
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
