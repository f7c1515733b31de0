// Package app wires the daemon together: config, logging, storage,
// the platform client, the campaign executor, and the control API.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"dripbot/internal/activator"
	"dripbot/internal/api"
	"dripbot/internal/campaign"
	"dripbot/internal/config"
	"dripbot/internal/eventbus"
	"dripbot/internal/executor"
	"dripbot/internal/metrics"
	"dripbot/internal/notifier"
	"dripbot/internal/ratelimit"
	"dripbot/internal/runtime/supervisor"
	"dripbot/internal/store"
	"dripbot/internal/transport"
	"dripbot/internal/transport/instagram"
	logx "dripbot/pkg/logx"
)

// StopReason labels why the app is shutting down, for the final log line.
type StopReason string

const (
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

type App struct {
	cfgPath string
	cfgm    *config.ConfigManager
	sup     *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	st      store.Store
	client  *instagram.Client
	limiter *ratelimit.Limiter
	coll    *metrics.Collector

	exec  *executor.Service
	serv  *api.Server
	notif *notifier.Service
	act   *activator.Service

	// loggedIn gates campaign runners: without a session every send
	// would fail, so reconciliation starts nothing until login succeeds.
	loggedIn atomic.Bool
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(context.Background(), cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	igTimeout, err := config.ParseDurationField("instagram.timeout", cfg.Instagram.Timeout)
	if err != nil {
		return nil, err
	}
	client, err := instagram.New(instagram.Config{
		BaseURL: cfg.Instagram.BaseURL,
		Timeout: igTimeout,
	}, log.With(logx.String("comp", "instagram")))
	if err != nil {
		return nil, err
	}

	window, err := config.ParseDurationOrDefault("rate_limit.window", cfg.RateLimit.Window, ratelimit.DefaultWindow)
	if err != nil {
		return nil, err
	}
	ceiling := cfg.RateLimit.Ceiling
	if ceiling <= 0 {
		ceiling = ratelimit.DefaultCeiling
	}
	limiter := ratelimit.New(ceiling, window)

	coll, err := metrics.New()
	if err != nil {
		return nil, err
	}

	exec := executor.New(limiter, client, client, bus, log.With(logx.String("comp", "executor")))

	var notif *notifier.Service
	if nc := cfg.Notifier; nc != nil && nc.Enabled {
		sender, err := notifier.NewTelegramSender(nc.Token, nc.ChatID)
		if err != nil {
			return nil, fmt.Errorf("notifier: %w", err)
		}
		notif = notifier.New(notifier.Config{
			Enabled:    nc.Enabled,
			Token:      nc.Token,
			ChatID:     nc.ChatID,
			RatePerSec: nc.RatePerSec,
		}, sender, log.With(logx.String("comp", "notifier")), bus)
	}

	var act *activator.Service
	if ac := cfg.Activator; ac != nil && ac.Enabled {
		every, err := config.ParseDurationOrDefault("activator.every", ac.Every, time.Minute)
		if err != nil {
			return nil, err
		}
		act = activator.New(activator.Config{Enabled: true, Every: every},
			st, log.With(logx.String("comp", "activator")))
	}

	apiCfg, err := mapAPIConfig(cfg)
	if err != nil {
		return nil, err
	}
	serv := api.NewServer(apiCfg, st, exec, limiter, coll, log.With(logx.String("comp", "api")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		st:      st,
		client:  client,
		limiter: limiter,
		coll:    coll,
		exec:    exec,
		serv:    serv,
		notif:   notif,
		act:     act,
	}, nil
}

func mapAPIConfig(cfg *config.Config) (api.Config, error) {
	read, err := config.ParseDurationField("http.read_timeout", cfg.HTTP.ReadTimeout)
	if err != nil {
		return api.Config{}, err
	}
	write, err := config.ParseDurationField("http.write_timeout", cfg.HTTP.WriteTimeout)
	if err != nil {
		return api.Config{}, err
	}
	idle, err := config.ParseDurationField("http.idle_timeout", cfg.HTTP.IdleTimeout)
	if err != nil {
		return api.Config{}, err
	}
	return api.Config{
		Addr:         cfg.HTTP.Addr,
		StaticDir:    cfg.HTTP.StaticDir,
		RatePerMin:   cfg.HTTP.RatePerMin,
		RateBurst:    cfg.HTTP.RateBurst,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(config.Validate)

	// A credentials update over the API retries the login immediately and
	// lifts the runner gate on success.
	a.serv.SetLoginHook(func(ctx context.Context, creds transport.Credentials) error {
		if err := a.client.Login(ctx, creds); err != nil {
			return err
		}
		a.loggedIn.Store(true)
		a.reconcileOnce(ctx)
		return nil
	})

	// Platform login is best-effort at boot. A failure is reported once,
	// not per campaign; runners stay gated until credentials are fixed
	// over the API.
	a.login(runCtx)

	a.exec.Start(runCtx)

	a.sup.Go0("events.apply", func(c context.Context) { a.applyEventsLoop(c) })
	a.sup.Go0("reconcile", func(c context.Context) { a.reconcileLoop(c) })

	if a.notif != nil {
		a.notif.Start(runCtx)
	}
	if a.act != nil {
		if err := a.act.Start(runCtx); err != nil {
			return err
		}
		// Catch up on schedules that came due while the daemon was down.
		a.act.Sweep(runCtx)
	}

	a.sup.Go("http.serve", func(c context.Context) error {
		return a.serv.Start(c)
	})

	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c) })
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) login(ctx context.Context) {
	creds, err := a.st.Credentials(ctx)
	if err != nil {
		a.log.Warn("credentials read failed", logx.Any("err", err))
		return
	}
	if creds.Empty() {
		a.log.Info("no credentials stored; login skipped")
		return
	}
	if err := a.client.Login(ctx, creds); err != nil {
		a.log.Error("login failed", logx.String("username", creds.Username), logx.Any("err", err))
		a.bus.Publish(eventbus.Event{
			Type: eventbus.TypeLoginFailed,
			Data: eventbus.LoginFailedEvent{Reason: err.Error()},
		})
		return
	}
	a.loggedIn.Store(true)
	a.log.Info("logged in", logx.String("username", creds.Username))
}

// applyEventsLoop folds executor events back into the store and metrics.
// Progress events are cumulative per run, so deltas come from diffing
// against the last seen progress per campaign.
func (a *App) applyEventsLoop(ctx context.Context) {
	events, unsub := a.bus.Subscribe(256)
	defer unsub()

	last := map[string]campaign.Progress{}

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch e.Type {
			case eventbus.TypeCampaignProgress:
				p, ok := e.Data.(eventbus.ProgressEvent)
				if !ok {
					continue
				}
				prev := last[p.CampaignID]
				for i := prev.SuccessfulMessages; i < p.Progress.SuccessfulMessages; i++ {
					a.coll.MessageSent()
				}
				for i := prev.FailedMessages; i < p.Progress.FailedMessages; i++ {
					a.coll.MessageFailed()
				}
				last[p.CampaignID] = p.Progress
				if err := store.ApplyProgress(ctx, a.st, p.CampaignID, p.Progress); err != nil {
					a.log.Warn("progress apply failed",
						logx.String("campaign", p.CampaignID), logx.Any("err", err))
				}

			case eventbus.TypeCampaignError:
				ev, ok := e.Data.(eventbus.ErrorEvent)
				if !ok {
					continue
				}
				a.coll.CampaignError(ev.CampaignID)
				if err := store.AppendError(ctx, a.st, ev.CampaignID, ev.Error); err != nil {
					a.log.Warn("error append failed",
						logx.String("campaign", ev.CampaignID), logx.Any("err", err))
				}

			case eventbus.TypeCampaignState:
				st, ok := e.Data.(eventbus.StateEvent)
				if !ok {
					continue
				}
				delete(last, st.CampaignID)
				if st.State == "completed" {
					if _, err := store.SetStatus(ctx, a.st, st.CampaignID, campaign.StatusCompleted); err != nil {
						a.log.Warn("completion status failed",
							logx.String("campaign", st.CampaignID), logx.Any("err", err))
					}
				}

			case eventbus.TypeRateLimitState:
				rl, ok := e.Data.(eventbus.RateLimitEvent)
				if !ok {
					continue
				}
				a.coll.SetQuotaRemaining(rl.State.Remaining)
			}
		}
	}
}

// reconcileLoop keeps the running set aligned with the store: every
// store mutation pings it, plus a periodic safety pass.
func (a *App) reconcileLoop(ctx context.Context) {
	pings, unsub := a.st.Subscribe(4)
	defer unsub()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	a.reconcileOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-pings:
			a.reconcileOnce(ctx)
		case <-ticker.C:
			a.reconcileOnce(ctx)
		}
	}
}

func (a *App) reconcileOnce(ctx context.Context) {
	if !a.loggedIn.Load() {
		return
	}
	list, err := a.st.List(ctx)
	if err != nil {
		a.log.Warn("reconcile: list failed", logx.Any("err", err))
		return
	}
	if err := a.exec.Reconcile(ctx, list); err != nil {
		a.log.Warn("reconcile failed", logx.Any("err", err))
		return
	}
	a.coll.SetCampaignsRunning(len(a.exec.Snapshots()))
	a.coll.SetQuotaRemaining(a.limiter.Snapshot().Remaining)
}

// reloadLoop applies hot config changes where possible and warns where
// a restart is required (storage, http listener, transport).
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Info("config reloaded (no changes)")
				continue
			}

			for _, s := range sections {
				switch s {
				case "storage", "http", "instagram", "rate_limit":
					a.log.Warn("config section changed; restart required for changes to take effect",
						logx.String("section", s))
				}
			}

			a.logs.Apply(logx.Config{
				Level:   newCfg.Logging.Level,
				Console: newCfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: newCfg.Logging.File.Enabled,
					Path:    newCfg.Logging.File.Path,
				},
			})

			if a.notif != nil && newCfg.Notifier != nil {
				prevEnabled := a.notif.Enabled()
				a.notif.Apply(notifier.Config{
					Enabled:    newCfg.Notifier.Enabled,
					Token:      newCfg.Notifier.Token,
					ChatID:     newCfg.Notifier.ChatID,
					RatePerSec: newCfg.Notifier.RatePerSec,
				})
				if prevEnabled && !newCfg.Notifier.Enabled {
					a.log.Info("notifier disabled via config")
					stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
					_ = a.notif.Stop(stopCtx)
					cancel()
				} else if !prevEnabled && newCfg.Notifier.Enabled {
					a.log.Info("notifier enabled via config")
					a.notif.Start(ctx)
				}
			}

			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Run each shutdown step with an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem > 0 && rem < max {
					max = rem
				}
			}
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Any("err", err))
		}
	}

	step("http", 3*time.Second, func(c context.Context) error { return a.serv.Stop(c) })
	if a.act != nil {
		step("activator", 2*time.Second, func(c context.Context) error { return a.act.Stop(c) })
	}
	step("executor", 5*time.Second, func(c context.Context) error { return a.exec.Stop(c) })
	if a.notif != nil {
		step("notifier", 2*time.Second, func(c context.Context) error { return a.notif.Stop(c) })
	}
	step("store", 1*time.Second, func(c context.Context) error { return a.st.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
