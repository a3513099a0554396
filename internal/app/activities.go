package app

import (
	"fmt"
	"time"

	"rallybot/internal/broadcast"
	"rallybot/internal/config"
	"rallybot/internal/content"
	"rallybot/internal/directory"
	"rallybot/internal/guard"
	"rallybot/internal/notify"
	"rallybot/internal/transport"
)

func mapTenants(cfg *config.Config) []directory.Tenant {
	out := make([]directory.Tenant, 0, len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		name := t.Name
		if name == "" {
			name = t.ID
		}
		out = append(out, directory.Tenant{
			ID:       t.ID,
			Name:     name,
			ChatID:   t.ChatID,
			Channels: t.Channels,
			Roles:    t.Roles,
		})
	}
	return out
}

func mapActivities(cfg *config.Config) ([]broadcast.Activity, error) {
	out := make([]broadcast.Activity, 0, len(cfg.Activities))
	for _, ac := range cfg.Activities {
		hour, minute, err := config.ParseHHMM(ac.Time)
		if err != nil {
			return nil, fmt.Errorf("activities[%s].time: %w", ac.ID, err)
		}
		warn, err := config.ParseDurationField(fmt.Sprintf("activities[%s].warn_before", ac.ID), ac.WarnBefore)
		if err != nil {
			return nil, err
		}

		a := broadcast.Activity{
			ID:         ac.ID,
			Channel:    ac.Channel,
			Role:       ac.Role,
			Hour:       hour,
			Minute:     minute,
			Timezone:   ac.Timezone,
			WarnBefore: warn,
			Category:   ac.Category,
			TrackLast:  ac.TrackLast,
			Embed: broadcast.Embed{
				Title:       ac.Title,
				Description: ac.Description,
				Color:       ac.Color,
				Footer:      ac.Footer,
			},
		}
		for _, f := range ac.Checklist {
			a.Checklist = append(a.Checklist, transport.EmbedField{Name: f.Name, Value: f.Value})
		}
		if ac.ShowDate {
			a.DynamicFields = func(now time.Time) []transport.EmbedField {
				return []transport.EmbedField{{Name: "Date", Value: now.Format("Monday, 02 Jan 2006")}}
			}
		}
		out = append(out, a)
	}
	return out, nil
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	every, err := config.ParseDurationOrDefault("broadcast.interval", cfg.Broadcast.Interval, 5*time.Minute)
	if err != nil {
		return broadcast.Config{}, err
	}
	stagger, err := config.ParseDurationOrDefault("broadcast.stagger", cfg.Broadcast.Stagger, 2*time.Minute)
	if err != nil {
		return broadcast.Config{}, err
	}
	return broadcast.Config{
		Accelerated:      cfg.Broadcast.Accelerated,
		Every:            every,
		Stagger:          stagger,
		DefaultTimezone:  cfg.Broadcast.Timezone,
		DefaultTrackLast: cfg.Broadcast.TrackLast,
	}, nil
}

func mapGuardConfig(cfg *config.Config) (guard.Config, error) {
	window, err := config.ParseDurationField("guard.window", cfg.Guard.Window)
	if err != nil {
		return guard.Config{}, err
	}
	cleanup, err := config.ParseDurationField("guard.cleanup_interval", cfg.Guard.CleanupInterval)
	if err != nil {
		return guard.Config{}, err
	}
	return guard.Config{
		MaxCommands:       cfg.Guard.MaxCommands,
		Window:            window,
		CleanupInterval:   cleanup,
		ViolatorThreshold: cfg.Guard.ViolatorThreshold,
	}, nil
}

func mapNotifyConfig(cfg *config.Config) (notify.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notify.Config{}, nil
	}
	base, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notify.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		Workers:       n.Workers,
		QueueSize:     n.QueueSize,
		RatePerSec:    n.RatePerSec,
		RetryMax:      n.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
	}, nil
}

func mapContentConfig(cfg *config.Config) (content.Config, error) {
	c := cfg.Content
	if c == nil {
		return content.Config{}, nil
	}
	busy, err := config.ParseDurationField("content.busy_timeout", c.BusyTimeout)
	if err != nil {
		return content.Config{}, err
	}
	return content.Config{
		Driver:      c.Driver,
		Path:        c.Path,
		MaxBytes:    c.MaxBytes,
		BusyTimeout: busy,
	}, nil
}
