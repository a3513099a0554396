// Package router turns incoming chat updates into command executions. Every
// matched command runs through a middleware chain (panic recovery, request
// logging, timeout, rate-limit admission) before its handler; replies go out
// through the async notify queue.
package router

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"rallybot/internal/broadcast"
	"rallybot/internal/directory"
	"rallybot/internal/guard"
	"rallybot/internal/transport"
	logx "rallybot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Description string
	Usage       string
	Access      Access

	// Text matches the bare keyword (first word, case-insensitive) instead
	// of the "/name" form.
	Text bool

	Handle HandlerFunc
}

type Request struct {
	Update transport.Update
	Chat   transport.ChatTarget
	Tenant directory.Tenant
	FromID int64

	Command string
	Args    []string

	Logger logx.Logger
}

// Notifier is the reply path plus the delivery counters surfaced by
// /ratestats. Implemented by the notify service.
type Notifier interface {
	Send(ctx context.Context, n transport.Notification) error
	QueueDepth() int
	SentCount() int64
}

// JobLister exposes the coordinator's live timer snapshot for /schedules.
type JobLister interface {
	Jobs() []broadcast.Job
}

type Config struct {
	Owners         []int64
	CommandTimeout time.Duration
}

type Router struct {
	cfg Config
	log logx.Logger

	guard  *guard.Guard
	dir    *directory.Directory
	notify Notifier
	jobs   JobLister

	mu     sync.RWMutex
	slash  map[string]Command
	text   map[string]Command
	owners map[int64]bool

	handler HandlerFunc
}

func New(cfg Config, g *guard.Guard, dir *directory.Directory, notify Notifier, jobs JobLister, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 10 * time.Second
	}
	owners := make(map[int64]bool, len(cfg.Owners))
	for _, id := range cfg.Owners {
		owners[id] = true
	}
	r := &Router{
		cfg:    cfg,
		log:    log,
		guard:  g,
		dir:    dir,
		notify: notify,
		jobs:   jobs,
		slash:  map[string]Command{},
		text:   map[string]Command{},
		owners: owners,
	}
	r.handler = Chain(
		r.execute,
		MWPanicRecover(log),
		MWRequestLog(log),
		MWTimeout(cfg.CommandTimeout),
		r.mwGuard(),
	)
	r.registerBuiltins()
	return r
}

// SetOwners swaps the owner allowlist (config hot reload).
func (r *Router) SetOwners(ids []int64) {
	owners := make(map[int64]bool, len(ids))
	for _, id := range ids {
		owners[id] = true
	}
	r.mu.Lock()
	r.owners = owners
	r.mu.Unlock()
}

func (r *Router) Register(c Command) error {
	name := strings.ToLower(strings.TrimSpace(c.Name))
	if name == "" || c.Handle == nil {
		return fmt.Errorf("router: command needs a name and a handler")
	}
	c.Name = name

	r.mu.Lock()
	defer r.mu.Unlock()
	reg := r.slash
	if c.Text {
		reg = r.text
	}
	if _, dup := reg[name]; dup {
		return fmt.Errorf("router: duplicate command %q", name)
	}
	reg[name] = c
	return nil
}

// Run consumes updates until the channel closes or ctx is done. The adapter
// owns the channel; stopping the adapter ends this loop.
func (r *Router) Run(ctx context.Context, updates <-chan transport.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			r.handleUpdate(ctx, upd)
		}
	}
}

func (r *Router) handleUpdate(ctx context.Context, upd transport.Update) {
	if upd.Kind != transport.UpdateMessage || upd.Message == nil {
		return
	}
	msg := upd.Message

	tenant, ok := r.dir.ByChat(msg.ChatID)
	if !ok {
		r.log.Debug("update from unserved chat", logx.Int64("chat_id", msg.ChatID))
		return
	}

	cmd, args, ok := r.match(msg.Text)
	if !ok {
		return
	}

	req := &Request{
		Update:  upd,
		Chat:    transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		Tenant:  tenant,
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    args,
		Logger: r.log.With(
			logx.String("tenant", tenant.ID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}

	if cmd.Access == AccessOwnerOnly && !r.isOwner(msg.FromID) {
		r.reply(ctx, req, "This command is restricted.")
		return
	}

	_ = r.handler(ctx, req)
}

// match resolves the message text against the slash and keyword registries.
func (r *Router) match(text string) (Command, []string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return Command{}, nil, false
	}
	head := strings.ToLower(fields[0])

	r.mu.RLock()
	defer r.mu.RUnlock()

	if strings.HasPrefix(head, "/") {
		name := strings.TrimPrefix(head, "/")
		// Group chats address commands as /name@botname.
		name, _, _ = strings.Cut(name, "@")
		c, ok := r.slash[name]
		return c, fields[1:], ok
	}
	c, ok := r.text[head]
	return c, fields[1:], ok
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owners[id]
}

// mwGuard is the admission middleware: non-owner traffic must pass the rate
// guard; denied requests get a retry hint instead of execution.
func (r *Router) mwGuard() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if r.isOwner(req.FromID) {
				return next(ctx, req)
			}

			user := strconv.FormatInt(req.FromID, 10)
			ok, err := r.guard.Check(req.Tenant.ID, user, req.Command)
			if err != nil {
				return err
			}
			if !ok {
				rem, err := r.guard.RemainingTime(req.Tenant.ID, user)
				if err != nil {
					return err
				}
				secs := int(math.Ceil(rem.Seconds()))
				if secs < 1 {
					secs = 1
				}
				r.reply(ctx, req, fmt.Sprintf("Slow down. Try again in %ds.", secs))
				return nil
			}
			return next(ctx, req)
		}
	}
}

func (r *Router) execute(ctx context.Context, req *Request) error {
	r.mu.RLock()
	c, ok := r.slash[req.Command]
	if !ok {
		c, ok = r.text[req.Command]
	}
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("router: command %q vanished", req.Command)
	}
	return c.Handle(ctx, req)
}

func (r *Router) reply(ctx context.Context, req *Request, text string) {
	err := r.notify.Send(ctx, transport.Notification{Target: req.Chat, Text: text})
	if err != nil {
		req.Logger.Warn("reply not queued", logx.Err(err))
	}
}

// Commands returns the registered commands sorted by name, slash before text.
func (r *Router) Commands() []Command {
	r.mu.RLock()
	out := make([]Command, 0, len(r.slash)+len(r.text))
	for _, c := range r.slash {
		out = append(out, c)
	}
	for _, c := range r.text {
		out = append(out, c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Text != out[j].Text {
			return !out[i].Text
		}
		return out[i].Name < out[j].Name
	})
	return out
}
