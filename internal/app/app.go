// Package app wires configuration, storage, the trigger loop, the execution
// engine and the operational surfaces into one process lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"scriptsched/internal/adminapi"
	"scriptsched/internal/alert"
	"scriptsched/internal/config"
	"scriptsched/internal/health"
	rtsup "scriptsched/internal/runtime/supervisor"
	"scriptsched/internal/storage"
	"scriptsched/internal/task/deps"
	"scriptsched/internal/task/engine"
	"scriptsched/internal/task/retry"
	"scriptsched/internal/task/runner"
	"scriptsched/internal/task/scheduler"
	"scriptsched/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	store storage.Store

	sched    *scheduler.Service
	resolver *deps.Resolver
	runner   *runner.Runner
	alerts   *alert.Emitter
	telegram *alert.Telegram
	engine   *engine.Service
	health   *health.Monitor
	units    health.UnitProber
	systemd  health.Systemd
	admin    *adminapi.Service

	healthOn bool
	tgCfg    alert.TelegramConfig
	tgOn     bool
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	comp := func(name string) logx.Logger { return log.With(logx.String("comp", name)) }

	store, err := storage.Open(mapStorage(cfg), comp("storage"))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage ready", logx.String("driver", mapStorage(cfg).Driver))

	sched := scheduler.New(mapScheduler(cfg), nil, store, comp("scheduler"))
	resolver := deps.New(mapDeps(cfg), store, sched.Location, comp("deps"))
	tracker := runner.NewTracker()
	run := runner.New(mapRunner(cfg), tracker, comp("runner"))
	alerts := alert.New(store, comp("alert"))
	eng := engine.New(mapEngine(cfg), engine.Deps{
		Store:    store,
		Trigger:  sched,
		Resolver: resolver,
		Exec:     run,
		Tracker:  tracker,
		Retry:    retry.New(sched, alerts, comp("retry")),
		Alerts:   alerts,
	}, comp("engine"))
	sched.SetDispatcher(eng)

	a := &App{
		cfgm:     cfgm,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		store:    store,
		sched:    sched,
		resolver: resolver,
		runner:   run,
		alerts:   alerts,
		engine:   eng,
		systemd:  health.Systemd{Enabled: cfg.Health.SystemdNotify, Log: comp("systemd")},
		healthOn: !cfg.Health.Disabled,
	}
	a.health = health.New(mapHealth(cfg), store, nil, func() (int, int) {
		return tracker.Len(), sched.Len()
	}, comp("health"))
	a.admin = adminapi.New(mapAdmin(cfg), adminapi.NewAPI(eng, store, sched.Entries, comp("admin")), log)

	if err := a.applyTelegram(context.Background(), cfg); err != nil {
		a.log.Warn("telegram alerts disabled", logx.Err(err))
	}

	// A crashed trigger loop is reported before the app shuts down.
	sched.OnFatal(func(err error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		alerts.Emit(ctx, storage.Alert{
			Severity: storage.SeverityCritical,
			Type:     alert.TypeSchedulerCrash,
			Message:  fmt.Sprintf("Scheduler loop crashed: %v", err),
		})
	})
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
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
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if tg, on := mapTelegram(cfg); on {
			if _, err := alert.NewTelegram(tg, logx.Nop()); err != nil {
				return err
			}
		}
		return nil
	})

	// The engine and the notifier are stopped explicitly, after the trigger
	// loop, so they do not inherit the app cancellation.
	detached := context.WithoutCancel(a.sup.Context())
	if a.telegram != nil {
		a.telegram.Start(detached)
	}
	if err := a.engine.Start(detached); err != nil {
		return err
	}
	if _, err := a.engine.Reload(ctx); err != nil {
		a.log.Error("initial task load failed; trigger set is empty until reload", logx.Err(err))
	}

	a.sup.Go("scheduler.loop", a.sched.Run)

	if a.healthOn {
		if len(a.cfgm.Get().Health.Units) > 0 {
			p, err := health.NewUnitProber(ctx)
			if err != nil {
				a.log.Warn("systemd unit probing disabled", logx.Err(err))
			} else {
				a.units = p
				a.health.SetUnitProber(p)
			}
		}
		a.sup.Go("health.monitor", a.health.Run)
	}
	a.sup.Go("systemd.watchdog", a.systemd.Watchdog)
	a.admin.Start(a.sup.Context())

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.systemd.Ready()
	a.log.Info("app started", logx.Int("entries", a.sched.Len()))
	return nil
}

// applyConfig pushes a committed config to every component that supports
// live changes. Storage and the health toggle need a restart.
func (a *App) applyConfig(ctx context.Context, prev, cfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.logs.Apply(mapLogging(cfg))

	if prev.Storage != cfg.Storage {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if prev.Health.Disabled != cfg.Health.Disabled || prev.Health.SystemdNotify != cfg.Health.SystemdNotify {
		a.log.Warn("health toggles changed; restart required for changes to take effect")
	}

	prevSched := mapScheduler(prev)
	a.sched.Apply(mapScheduler(cfg))
	a.runner.Apply(mapRunner(cfg))
	a.resolver.Apply(mapDeps(cfg))
	a.engine.Apply(mapEngine(cfg))
	a.health.Apply(mapHealth(cfg))
	if prevSched.Timezone != mapScheduler(cfg).Timezone {
		// Cron entries are bound to the zone they were built in.
		if _, err := a.engine.Reload(ctx); err != nil {
			a.log.Warn("reload after timezone change failed", logx.Err(err))
		}
	}

	if err := a.applyTelegram(ctx, cfg); err != nil {
		a.log.Warn("invalid telegram alert config; notifier disabled", logx.Err(err))
	}
	a.admin.Reconfigure(ctx, mapAdmin(cfg))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// applyTelegram replaces the Telegram notifier when its settings change.
func (a *App) applyTelegram(ctx context.Context, cfg *config.Config) error {
	tg, on := mapTelegram(cfg)
	if on == a.tgOn && reflect.DeepEqual(tg, a.tgCfg) && (a.telegram != nil) == on {
		return nil
	}
	a.tgCfg, a.tgOn = tg, on
	if a.telegram != nil {
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.telegram.Stop(stopCtx)
		cancel()
		a.telegram = nil
		a.alerts.SetNotifiers()
	}
	if !on {
		return nil
	}
	t, err := alert.NewTelegram(tg, a.log.With(logx.String("comp", "alert.telegram")))
	if err != nil {
		return err
	}
	a.telegram = t
	a.alerts.SetNotifiers(t)
	if a.sup != nil {
		t.Start(context.WithoutCancel(a.sup.Context()))
	}
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.systemd.Stopping()

	// Cancel the app context first: the trigger loop, config watch and
	// health loop unwind while the engine drains below.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	engCfg := mapEngine(a.cfgm.Get())
	step("admin", 2*time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("engine", engCfg.DrainGrace+engCfg.KillGrace+2*time.Second, func(c context.Context) error {
		a.engine.Stop(c)
		return nil
	})
	step("alerts", 3*time.Second, func(c context.Context) error {
		if a.telegram != nil {
			a.telegram.Stop(c)
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("heartbeat", 2*time.Second, func(c context.Context) error {
		if a.healthOn {
			a.health.Offline(c)
		}
		if a.units != nil {
			return a.units.Close()
		}
		return nil
	})
	step("storage", 2*time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
