// Package directory tracks the tenants (communities) the bot currently
// serves, and resolves their named channels and role mention tags. It is the
// lookup side of broadcast fan-out: activities name channels abstractly
// ("announcements"), tenants map those names onto their own chat topology.
package directory

import (
	"errors"
	"fmt"
	"sync"

	"rallybot/internal/transport"
)

var (
	ErrTenantNotFound  = errors.New("directory: tenant not found")
	ErrChannelNotFound = errors.New("directory: channel not found")
)

// Tenant is one served community: a group chat whose forum topics act as
// named channels.
type Tenant struct {
	ID     string
	Name   string
	ChatID int64

	// Channels maps a channel name to the forum topic thread id (0 = main chat).
	Channels map[string]int

	// Roles maps a role name to the mention tag posted before a trigger
	// broadcast (e.g. "@raiders").
	Roles map[string]string
}

// Directory is safe for concurrent use; Apply swaps the tenant set atomically.
type Directory struct {
	mu      sync.RWMutex
	tenants []Tenant
	byID    map[string]int
	byChat  map[int64]int
}

func New(tenants []Tenant) *Directory {
	d := &Directory{}
	d.Apply(tenants)
	return d
}

// Apply replaces the served tenant set (config hot reload).
func (d *Directory) Apply(tenants []Tenant) {
	cp := append([]Tenant(nil), tenants...)
	byID := make(map[string]int, len(cp))
	byChat := make(map[int64]int, len(cp))
	for i, t := range cp {
		byID[t.ID] = i
		byChat[t.ChatID] = i
	}

	d.mu.Lock()
	d.tenants = cp
	d.byID = byID
	d.byChat = byChat
	d.mu.Unlock()
}

// Tenants returns a snapshot of all served tenants.
func (d *Directory) Tenants() []Tenant {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Tenant(nil), d.tenants...)
}

// ByChat resolves the tenant owning a chat id (incoming command dispatch).
func (d *Directory) ByChat(chatID int64) (Tenant, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	i, ok := d.byChat[chatID]
	if !ok {
		return Tenant{}, false
	}
	return d.tenants[i], true
}

// ResolveChannel maps (tenant, channel name) onto a concrete send target.
func (d *Directory) ResolveChannel(tenantID, channel string) (transport.ChatTarget, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	i, ok := d.byID[tenantID]
	if !ok {
		return transport.ChatTarget{}, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}
	t := d.tenants[i]
	thread, ok := t.Channels[channel]
	if !ok {
		return transport.ChatTarget{}, fmt.Errorf("%w: %s in tenant %s", ErrChannelNotFound, channel, tenantID)
	}
	return transport.ChatTarget{ChatID: t.ChatID, ThreadID: thread}, nil
}

// ResolveRole maps (tenant, role name) onto the tenant's mention tag.
func (d *Directory) ResolveRole(tenantID, role string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	i, ok := d.byID[tenantID]
	if !ok {
		return "", false
	}
	tag, ok := d.tenants[i].Roles[role]
	return tag, ok
}
