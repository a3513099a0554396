package broadcast

import (
	"context"
	"time"

	"rallybot/internal/directory"
	"rallybot/internal/transport"
)

type JobKind string

const (
	KindWarning JobKind = "warning"
	KindTrigger JobKind = "trigger"
)

// JobKey identifies one live timer: an activity has at most one job per kind.
type JobKey struct {
	Activity string
	Kind     JobKind
}

// Job is a read-only snapshot row for diagnostics.
type Job struct {
	Key  JobKey
	ID   string
	Spec string
}

// Embed carries the static presentation bits of an activity's broadcast.
type Embed struct {
	Title       string
	Description string
	Color       string
	Footer      string
}

// Activity describes one recurring broadcast. Loaded once at startup;
// treated as immutable after Initialize.
type Activity struct {
	ID      string
	Channel string // tenant-agnostic channel name, resolved per tenant
	Role    string // optional role name, mentioned before the trigger payload

	Hour     int
	Minute   int
	Timezone string // IANA zone; empty = coordinator default

	// WarnBefore > 0 registers a warning job that lead time before the trigger.
	WarnBefore time.Duration

	// Category selects a rotation pool; empty = no media attachment.
	Category  string
	TrackLast int

	Embed     Embed
	Checklist []transport.EmbedField

	// DynamicFields computes date-dependent fields at fire time (trigger only).
	DynamicFields func(now time.Time) []transport.EmbedField

	// BeforeSend/AfterSend run per tenant around the trigger payload.
	// Failures and panics are logged with tenant context and never abort
	// the fan-out loop.
	BeforeSend func(ctx context.Context, tenant directory.Tenant) error
	AfterSend  func(ctx context.Context, tenant directory.Tenant, ref transport.MessageRef) error
}

// Sender delivers one notification synchronously and returns its handle.
// Implemented by the notify service.
type Sender interface {
	SendNow(ctx context.Context, n transport.Notification) (transport.MessageRef, error)
}
