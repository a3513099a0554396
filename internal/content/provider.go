// Package content supplies candidate media pools for broadcast rotation.
// A Provider lists items per (tenant, category), already filtered by size and
// type, so the rotation cache only ever sees usable identifiers.
package content

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrDisabled = errors.New("content: provider disabled")

// Item is one attachable media entry.
type Item struct {
	ID  string
	URL string
}

type Provider interface {
	// List returns the candidate pool for a tenant and category prefix.
	// An empty result is not an error; the caller decides how to degrade.
	List(ctx context.Context, tenant, category string) ([]Item, error)
	Close() error
}

type Config struct {
	Driver   string // "memory" (default) or "sqlite"
	Path     string
	MaxBytes int64 // per-item size cap; 0 = 8 MiB

	BusyTimeout time.Duration // sqlite only
}

const defaultMaxBytes = 8 << 20

// allowedType reports whether a catalog content type is attachable.
// Only still images; the platform renders their previews inline.
func allowedType(ct string) bool {
	switch strings.ToLower(strings.TrimSpace(ct)) {
	case "image/jpeg", "image/png", "image/gif", "image/webp":
		return true
	}
	return false
}

// Open picks the provider implementation for cfg.
func Open(cfg Config) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(nil), nil
	case "sqlite":
		return openSQLite(cfg)
	default:
		return nil, errors.New("content: unknown driver " + cfg.Driver)
	}
}
