// Package config loads and watches the bot configuration. Files may be JSON
// or YAML; YAML is coerced to JSON so both formats go through the same strict
// decoder and unknown keys are rejected early.
package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	Broadcast BroadcastConfig `json:"broadcast"`
	Guard     GuardConfig     `json:"guard"`

	// Notifier and Content may be omitted; runtime defaults apply.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Content  *ContentConfig  `json:"content,omitempty"`

	Tenants    []TenantConfig   `json:"tenants"`
	Activities []ActivityConfig `json:"activities"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// BroadcastConfig controls the schedule coordinator.
//
// Accelerated collapses every daily schedule into interval timers for dev
// runs: warnings fire every Interval, triggers Stagger later.
type BroadcastConfig struct {
	Accelerated bool   `json:"accelerated"`
	Interval    string `json:"interval,omitempty"`
	Stagger     string `json:"stagger,omitempty"`

	// Timezone is the default IANA zone for activities that don't set one.
	Timezone string `json:"timezone,omitempty"`

	// TrackLast is the default rotation history depth.
	TrackLast int `json:"track_last,omitempty"`
}

// GuardConfig controls command admission.
// All durations are Go duration strings.
type GuardConfig struct {
	MaxCommands       int    `json:"max_commands,omitempty"`
	Window            string `json:"window,omitempty"`
	CleanupInterval   string `json:"cleanup_interval,omitempty"`
	ViolatorThreshold int    `json:"violator_threshold,omitempty"`
}

type NotifierConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

// ContentConfig selects the media pool backend.
//
// Example:
//
//	"content": { "driver": "sqlite", "path": "./rallybot_media.db" }
type ContentConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	MaxBytes    int64  `json:"max_bytes,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type TenantConfig struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	ChatID int64  `json:"chat_id"`

	// Channels maps channel names to forum topic thread ids (0 = main chat).
	Channels map[string]int `json:"channels"`

	// Roles maps role names to mention tags.
	Roles map[string]string `json:"roles,omitempty"`
}

type ActivityConfig struct {
	ID      string `json:"id"`
	Channel string `json:"channel"`
	Role    string `json:"role,omitempty"`

	// Time is "HH:MM" on a 24h clock.
	Time     string `json:"time"`
	Timezone string `json:"timezone,omitempty"`

	// WarnBefore is a Go duration string; empty or "0s" disables the warning.
	WarnBefore string `json:"warn_before,omitempty"`

	Category  string `json:"category,omitempty"`
	TrackLast int    `json:"track_last,omitempty"`

	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Color       string        `json:"color,omitempty"`
	Footer      string        `json:"footer,omitempty"`
	Checklist   []FieldConfig `json:"checklist,omitempty"`

	// ShowDate appends the fire date as a payload field.
	ShowDate bool `json:"show_date,omitempty"`
}

type FieldConfig struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Validate checks the cross-field constraints a strict decode can't:
// duplicate ids, unparsable times and durations, dangling channel refs.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		return err
	}

	for _, f := range []struct{ path, raw string }{
		{"broadcast.interval", c.Broadcast.Interval},
		{"broadcast.stagger", c.Broadcast.Stagger},
		{"guard.window", c.Guard.Window},
		{"guard.cleanup_interval", c.Guard.CleanupInterval},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if c.Notifier != nil {
		if _, err := ParseDurationField("notifier.retry_base", c.Notifier.RetryBase); err != nil {
			return err
		}
		if _, err := ParseDurationField("notifier.retry_max_delay", c.Notifier.RetryMaxDelay); err != nil {
			return err
		}
	}
	if c.Content != nil {
		if _, err := ParseDurationField("content.busy_timeout", c.Content.BusyTimeout); err != nil {
			return err
		}
	}

	seenTenants := map[string]bool{}
	seenChats := map[int64]bool{}
	for i, t := range c.Tenants {
		if strings.TrimSpace(t.ID) == "" {
			return fmt.Errorf("tenants[%d].id is required", i)
		}
		if seenTenants[t.ID] {
			return fmt.Errorf("tenants: duplicate id %q", t.ID)
		}
		seenTenants[t.ID] = true
		if t.ChatID == 0 {
			return fmt.Errorf("tenants[%s].chat_id is required", t.ID)
		}
		if seenChats[t.ChatID] {
			return fmt.Errorf("tenants: duplicate chat_id %d", t.ChatID)
		}
		seenChats[t.ChatID] = true
		if len(t.Channels) == 0 {
			return fmt.Errorf("tenants[%s].channels must not be empty", t.ID)
		}
	}

	seenActs := map[string]bool{}
	for i, a := range c.Activities {
		if strings.TrimSpace(a.ID) == "" {
			return fmt.Errorf("activities[%d].id is required", i)
		}
		if seenActs[a.ID] {
			return fmt.Errorf("activities: duplicate id %q", a.ID)
		}
		seenActs[a.ID] = true
		if strings.TrimSpace(a.Channel) == "" {
			return fmt.Errorf("activities[%s].channel is required", a.ID)
		}
		if strings.TrimSpace(a.Title) == "" {
			return fmt.Errorf("activities[%s].title is required", a.ID)
		}
		if _, _, err := ParseHHMM(a.Time); err != nil {
			return fmt.Errorf("activities[%s].time: %w", a.ID, err)
		}
		if _, err := ParseDurationField(fmt.Sprintf("activities[%s].warn_before", a.ID), a.WarnBefore); err != nil {
			return err
		}
	}
	return nil
}
