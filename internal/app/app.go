// Package app wires the bot together: config in, adapter and services up,
// broadcast schedules registered, command loop running. It owns startup and
// shutdown ordering and the config hot-reload fan-out.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rallybot/internal/broadcast"
	"rallybot/internal/config"
	"rallybot/internal/content"
	"rallybot/internal/directory"
	"rallybot/internal/guard"
	"rallybot/internal/notify"
	"rallybot/internal/rotation"
	"rallybot/internal/router"
	"rallybot/internal/scheduling"
	kit "rallybot/internal/transport"
	telegram "rallybot/internal/transport/telegram"
	logx "rallybot/pkg/logx"
)

// schedRuntime is what the app needs from either scheduler implementation.
type schedRuntime interface {
	scheduling.Scheduler
	Start(ctx context.Context)
	Stop(ctx context.Context)
}

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service

	adapter kit.Adapter
	dir     *directory.Directory
	pool    content.Provider
	cache   *rotation.Cache

	guard  *guard.Guard
	notif  *notify.Service
	sched  schedRuntime
	coord  *broadcast.Coordinator
	router *router.Router

	updates chan kit.Update

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(logs.Logger().With(logx.String("comp", "config")))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, logs.Logger().With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	ccfg, err := mapContentConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := content.Open(ccfg)
	if err != nil {
		return nil, err
	}

	gcfg, err := mapGuardConfig(cfg)
	if err != nil {
		return nil, err
	}
	g := guard.New(gcfg, logs.Logger().With(logx.String("comp", "guard")))

	ncfg, err := mapNotifyConfig(cfg)
	if err != nil {
		return nil, err
	}
	notif := notify.New(ncfg, ad, logs.Logger().With(logx.String("comp", "notify")))

	bcfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		return nil, err
	}
	var sched schedRuntime
	if bcfg.Accelerated {
		sched = scheduling.NewInterval(logs.Logger().With(logx.String("comp", "scheduling")))
	} else {
		sched = scheduling.NewCron(logs.Logger().With(logx.String("comp", "scheduling")))
	}

	dir := directory.New(mapTenants(cfg))
	cache := rotation.New()
	coord := broadcast.New(bcfg, sched, dir, pool, cache, notif,
		logs.Logger().With(logx.String("comp", "broadcast")))

	rt := router.New(router.Config{Owners: cfg.Telegram.OwnerUserIDs},
		g, dir, notif, coord, logs.Logger().With(logx.String("comp", "router")))

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		adapter: ad,
		dir:     dir,
		pool:    pool,
		cache:   cache,
		guard:   g,
		notif:   notif,
		sched:   sched,
		coord:   coord,
		router:  rt,
		updates: make(chan kit.Update, 256),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	cfg := a.cfgm.Get()

	a.guard.Start(runCtx)
	a.notif.Start(runCtx)
	a.sched.Start(runCtx)

	activities, err := mapActivities(cfg)
	if err != nil {
		return err
	}
	if err := a.coord.Initialize(activities); err != nil {
		return fmt.Errorf("app: initialize schedules: %w", err)
	}

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return fmt.Errorf("app: start adapter: %w", err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.router.Run(runCtx, a.updates)
	}()

	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-runCtx.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(newCfg)
			}
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(runCtx)
	}()

	a.log.Info("app started",
		logx.Int("tenants", len(cfg.Tenants)),
		logx.Int("activities", len(cfg.Activities)),
	)
	return nil
}

// applyConfig fans a hot reload out to the running services. Structural
// changes (adapter token, content driver) need a restart and are skipped.
func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	a.dir.Apply(mapTenants(cfg))
	a.router.SetOwners(cfg.Telegram.OwnerUserIDs)

	if gcfg, err := mapGuardConfig(cfg); err != nil {
		a.log.Warn("invalid guard config, keeping previous", logx.Err(err))
	} else {
		a.guard.Apply(gcfg)
	}

	if ncfg, err := mapNotifyConfig(cfg); err != nil {
		a.log.Warn("invalid notifier config, keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}

	// Re-register schedules against the new activity set.
	activities, err := mapActivities(cfg)
	if err != nil {
		a.log.Warn("invalid activities, keeping previous schedules", logx.Err(err))
	} else {
		a.coord.CancelAll()
		if err := a.coord.Initialize(activities); err != nil {
			a.log.Error("schedule re-initialization failed", logx.Err(err))
		}
	}

	a.log.Info("config applied",
		logx.Int("tenants", len(cfg.Tenants)),
		logx.Int("activities", len(cfg.Activities)),
	)
}

// Stop shuts the bot down in dependency order: intake first, then timers,
// then the delivery queue so queued replies still drain, then the adapter.
func (a *App) Stop(ctx context.Context) {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel == nil {
		return
	}

	a.log.Info("stopping")
	cancel()

	a.coord.CancelAll()
	a.sched.Stop(ctx)
	a.notif.Stop(ctx)
	if err := a.adapter.Stop(ctx); err != nil {
		a.log.Warn("adapter stop failed", logx.Err(err))
	}
	a.guard.Stop()
	if err := a.pool.Close(); err != nil {
		a.log.Warn("content provider close failed", logx.Err(err))
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("background loops did not finish in time", logx.Err(ctx.Err()))
	}

	a.log.Info("stopped")
	_ = a.logs.Close()
}
