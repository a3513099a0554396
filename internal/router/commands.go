package router

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	logx "rallybot/pkg/logx"
)

func (r *Router) registerBuiltins() {
	for _, c := range []Command{
		{
			Name:        "help",
			Description: "List available commands",
			Handle:      r.cmdHelp,
		},
		{
			Name:        "ping",
			Description: "Liveness check",
			Handle: func(ctx context.Context, req *Request) error {
				r.reply(ctx, req, "pong")
				return nil
			},
		},
		{
			Name:        "ratestatus",
			Description: "Show your remaining command budget",
			Handle:      r.cmdRateStatus,
		},
		{
			Name:        "ratestats",
			Description: "Usage and violator stats for this community",
			Access:      AccessOwnerOnly,
			Handle:      r.cmdRateStats,
		},
		{
			Name:        "ratereset",
			Description: "Clear a user's rate-limit state",
			Usage:       "/ratereset <user_id>",
			Access:      AccessOwnerOnly,
			Handle:      r.cmdRateReset,
		},
		{
			Name:        "schedules",
			Description: "List live broadcast timers",
			Access:      AccessOwnerOnly,
			Handle:      r.cmdSchedules,
		},
	} {
		if err := r.Register(c); err != nil {
			r.log.Error("builtin registration failed", logx.Err(err))
		}
	}
}

func (r *Router) cmdHelp(ctx context.Context, req *Request) error {
	var b strings.Builder
	b.WriteString("Commands:\n")
	owner := r.isOwner(req.FromID)
	for _, c := range r.Commands() {
		if c.Access == AccessOwnerOnly && !owner {
			continue
		}
		name := "/" + c.Name
		if c.Text {
			name = c.Name
		}
		fmt.Fprintf(&b, "%s - %s\n", name, c.Description)
	}
	r.reply(ctx, req, strings.TrimRight(b.String(), "\n"))
	return nil
}

func (r *Router) cmdRateStatus(ctx context.Context, req *Request) error {
	user := strconv.FormatInt(req.FromID, 10)
	left, err := r.guard.RemainingCommands(req.Tenant.ID, user)
	if err != nil {
		return err
	}
	rem, err := r.guard.RemainingTime(req.Tenant.ID, user)
	if err != nil {
		return err
	}

	if rem <= 0 {
		r.reply(ctx, req, fmt.Sprintf("You have %d commands available.", left))
		return nil
	}
	secs := int(math.Ceil(rem.Seconds()))
	r.reply(ctx, req, fmt.Sprintf("You have %d commands available. Window resets in %ds.", left, secs))
	return nil
}

func (r *Router) cmdRateStats(ctx context.Context, req *Request) error {
	st, err := r.guard.Stats(req.Tenant.ID)
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Usage for %s:\n", req.Tenant.Name)
	fmt.Fprintf(&b, "users: %d total, %d active now\n", st.TotalUsers, st.ActiveUsers)
	fmt.Fprintf(&b, "attempts: %d\n", st.TotalUsage)
	fmt.Fprintf(&b, "notify: %d queued, %d sent\n", r.notify.QueueDepth(), r.notify.SentCount())

	if len(st.TopCommands) > 0 {
		b.WriteString("top commands:\n")
		for _, c := range st.TopCommands {
			fmt.Fprintf(&b, "  %s: %d\n", c.Command, c.Count)
		}
	}
	if len(st.TopViolators) > 0 {
		b.WriteString("top violators:\n")
		for _, v := range st.TopViolators {
			fmt.Fprintf(&b, "  %s: %d\n", v.User, v.Score)
		}
	}
	r.reply(ctx, req, strings.TrimRight(b.String(), "\n"))
	return nil
}

func (r *Router) cmdRateReset(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		r.reply(ctx, req, "Usage: /ratereset <user_id>")
		return nil
	}
	user := req.Args[0]
	if _, err := strconv.ParseInt(user, 10, 64); err != nil {
		r.reply(ctx, req, "Usage: /ratereset <user_id>")
		return nil
	}
	if err := r.guard.ResetUser(req.Tenant.ID, user); err != nil {
		return err
	}
	r.reply(ctx, req, fmt.Sprintf("Rate state cleared for user %s.", user))
	return nil
}

func (r *Router) cmdSchedules(ctx context.Context, req *Request) error {
	jobs := r.jobs.Jobs()
	if len(jobs) == 0 {
		r.reply(ctx, req, "No live schedules.")
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Live schedules (%d):\n", len(jobs))
	for _, j := range jobs {
		fmt.Fprintf(&b, "  %s/%s: %s\n", j.Key.Activity, j.Key.Kind, j.Spec)
	}
	r.reply(ctx, req, strings.TrimRight(b.String(), "\n"))
	return nil
}
