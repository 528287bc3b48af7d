// Package app wires herald's components from a config file and runs them
// under one supervisor.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"herald/internal/candidate"
	"herald/internal/config"
	"herald/internal/delivery"
	"herald/internal/lock"
	"herald/internal/metrics"
	"herald/internal/policy"
	"herald/internal/preference"
	"herald/internal/recurrence"
	"herald/internal/runtime/supervisor"
	"herald/internal/scheduler"
	"herald/internal/store"
	"herald/internal/task"
	"herald/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	log  logx.Logger
	logs *logx.Service
	sup  *supervisor.Supervisor

	store   store.Store
	prefs   preference.Provider
	static  *preference.Static
	cached  *preference.Cached
	queue   chan candidate.Candidate
	pushed  *candidate.RedisSource
	rdb     redis.UniversalClient
	metrics *metrics.Metrics

	dispatcher *delivery.Dispatcher
	loop       *scheduler.Loop
	sched      *scheduler.Service

	// closers run in reverse order on Stop.
	closers []closer
}

type closer struct {
	name string
	fn   func() error
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg)
}

func build(cfgm *config.Manager, cfg *config.Config) (a *App, err error) {
	logs, log := logx.New(mapLogging(cfg))
	a = &App{cfgm: cfgm, log: log.With(logx.String("comp", "app")), logs: logs}
	defer func() {
		if err != nil {
			_ = a.close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a.store, err = store.Open(mapStore(cfg), log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.onClose("store", a.store.Close)

	if strings.TrimSpace(cfg.Redis.Addr) != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.rdb = rdb
		a.onClose("redis", rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
	}

	prefs, err := a.buildPreferences(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.prefs = prefs

	var locker lock.Locker = lock.NewLocal()
	if strings.EqualFold(strings.TrimSpace(cfg.Lock.Driver), "redis") {
		if a.rdb == nil {
			return nil, errors.New("lock.driver redis needs redis.addr")
		}
		locker = lock.NewRedis(a.rdb, cfg.Lock.Prefix)
	}

	a.metrics = metrics.New(prometheus.NewRegistry())

	a.dispatcher = delivery.NewDispatcher(mapDelivery(cfg), log.With(logx.String("comp", "delivery")), a.metrics)
	gws, err := buildGateways(cfg, log)
	if err != nil {
		return nil, err
	}
	if len(gws) == 0 {
		a.log.Warn("app.no_gateways", logx.String("hint", "every delivery will be suppressed with NO_DELIVERABLE_CHANNEL"))
	}
	for ch, gw := range gws {
		a.dispatcher.Register(ch, gw)
		a.log.Info("app.gateway_registered", logx.String("channel", string(ch)), logx.String("gateway", gw.Name()))
	}

	clog := log.With(logx.String("comp", "candidate"))
	buf := cfg.Candidates.Buffer
	if buf <= 0 {
		buf = 256
	}
	a.queue = make(chan candidate.Candidate, buf)
	sources := []candidate.Source{candidate.NewChanSource(a.queue)}
	if key := strings.TrimSpace(cfg.Candidates.RedisKey); key != "" {
		if a.rdb == nil {
			return nil, errors.New("candidates.redis_key needs redis.addr")
		}
		a.pushed = candidate.NewRedisSource(a.rdb, key, clog)
		sources = append(sources, a.pushed)
	}
	opts := []scheduler.Option{
		scheduler.WithObserver(a.metrics),
		scheduler.WithIngestor(candidate.NewIngestor(a.store, mapGranularity(cfg), clog, sources...)),
	}

	a.loop = scheduler.NewLoop(a.store, prefs, policy.New(mapPolicy(cfg)), a.dispatcher, mapLoop(cfg), log.With(logx.String("comp", "scheduler")), opts...)
	a.sched = scheduler.NewService(a.loop, a.store, locker, mapService(cfg), log.With(logx.String("comp", "scheduler")), a.metrics)
	return a, nil
}

// ErrQueueFull is returned by Submit when the in-process candidate queue has
// no room left before the next tick drains it.
var ErrQueueFull = errors.New("candidate queue full")

// Submit hands an alert candidate to the next tick. With a redis list
// configured the candidate is pushed there, where every herald process can
// pick it up; otherwise it waits in the in-process queue.
func (a *App) Submit(ctx context.Context, c candidate.Candidate) error {
	if a.pushed != nil {
		return a.pushed.Push(ctx, c)
	}
	select {
	case a.queue <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// seedReminders inserts the config reminders not yet in the store and
// reports how many were added. A bad entry is logged and skipped.
func (a *App) seedReminders(ctx context.Context, rs []config.ReminderConfig) int {
	now := time.Now()
	added := 0
	for _, r := range rs {
		t, ok, err := mapReminder(r, now)
		if err != nil {
			a.log.Warn("app.reminder_invalid", logx.String("id", r.ID), logx.Err(err))
			continue
		}
		if !ok {
			continue
		}
		if _, err := a.store.Get(ctx, t.ID); err == nil {
			continue
		}
		var tz string
		if p, err := a.prefs.Get(ctx, t.Owner); err == nil {
			tz = p.Timezone
		}
		if err := recurrence.Seed(&t, tz); err != nil {
			a.log.Warn("app.reminder_invalid", logx.String("id", r.ID), logx.Err(err))
			continue
		}
		if err := a.store.Insert(ctx, t); err != nil {
			if !errors.Is(err, task.ErrDuplicateID) {
				a.log.Warn("app.reminder_insert_failed", logx.String("id", r.ID), logx.Err(err))
			}
			continue
		}
		added++
	}
	if added > 0 {
		a.log.Info("app.reminders_seeded", logx.Int("count", added))
	}
	return added
}

func (a *App) buildPreferences(ctx context.Context, cfg *config.Config) (preference.Provider, error) {
	ttl := config.DurationOr(cfg.Preferences.CacheTTL, time.Minute)
	switch strings.ToLower(strings.TrimSpace(cfg.Preferences.Source)) {
	case "postgres":
		pg, err := preference.OpenPostgres(ctx, cfg.Preferences.DSN)
		if err != nil {
			return nil, fmt.Errorf("open preferences: %w", err)
		}
		a.onClose("preferences", pg.Close)
		a.cached = preference.NewCached(pg, ttl)
		if err := a.seedPreferences(ctx, cfg.Preferences.Static); err != nil {
			return nil, err
		}
		return a.cached, nil
	default:
		a.static = preference.NewStatic(cfg.Preferences.Static)
		return a.static, nil
	}
}

// seedPreferences upserts the configured static entries into the postgres
// source. Rows the API layer wrote for other owners are left alone.
func (a *App) seedPreferences(ctx context.Context, prefs []task.Preference) error {
	for _, p := range prefs {
		if err := a.cached.Put(ctx, p); err != nil {
			return fmt.Errorf("seed preference %s: %w", p.Owner, err)
		}
	}
	if len(prefs) > 0 {
		a.log.Info("app.preferences_seeded", logx.Int("count", len(prefs)))
	}
	return nil
}

func (a *App) onClose(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) close() error {
	var errs *multierror.Error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errs.ErrorOrNil()
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	cfg := a.cfgm.Get()
	a.seedReminders(ctx, cfg.Reminders)

	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		addr := metricsAddr(cfg)
		mlog := a.log.With(logx.String("comp", "metrics"))
		var opts []metrics.ServeOption
		if cfg.Metrics.Pprof {
			opts = append(opts, metrics.WithPprof())
		}
		a.sup.GoRestart("metrics.serve", func(c context.Context) error {
			return a.metrics.Serve(c, addr, mlog, opts...)
		}, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	}

	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	sub := a.cfgm.Subscribe(4)
	a.sup.Go("config.apply", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := cfg
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				a.apply(c, last, next)
				last = next
			}
		}
	})

	a.log.Info("app.started", logx.String("config", a.cfgm.Path()))
	return nil
}

// apply pushes the live-reloadable sections of a new config into the running
// components. Other sections only take effect after a restart.
func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	changed, fields := config.SummarizeChange(prev, next)
	if len(changed) == 0 {
		return
	}
	a.log.Info("config.applied", append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, fields...)...)

	for _, section := range changed {
		switch section {
		case "logging":
			a.logs.Apply(mapLogging(next))
		case "scheduler", "policy":
			a.loop.Apply(mapLoop(next), policy.New(mapPolicy(next)))
			if err := a.sched.Apply(ctx, mapService(next)); err != nil {
				a.log.Error("config.scheduler_apply_failed", logx.Err(err))
			}
		case "delivery":
			a.dispatcher.Apply(mapDelivery(next))
		case "preferences":
			if a.static != nil {
				a.static.Replace(next.Preferences.Static)
			}
			if a.cached != nil {
				if err := a.seedPreferences(ctx, next.Preferences.Static); err != nil {
					a.log.Error("config.preferences_seed_failed", logx.Err(err))
				}
				a.cached.Flush()
			}
		case "reminders":
			a.seedReminders(ctx, next.Reminders)
		case "restart_required":
			a.log.Warn("config.restart_required")
		}
	}
}

// Stop shuts components down in dependency order. Each step is bounded so a
// stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context) error {
	var errs *multierror.Error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		start := time.Now()
		if err := fn(stepCtx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", name, err))
			a.log.Warn("app.stop_step_failed", logx.String("step", name), logx.Err(err))
		}
		a.log.Debug("app.stop_step", logx.String("step", name), logx.Duration("took", time.Since(start)))
	}

	a.log.Info("app.stopping")
	if a.sched != nil {
		step("scheduler", 30*time.Second, a.sched.Stop)
	}
	if a.sup != nil {
		a.sup.Cancel()
		step("supervisor", 5*time.Second, func(c context.Context) error {
			err := a.sup.Wait(c)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	step("close", 5*time.Second, func(context.Context) error { return a.close() })

	a.log.Info("app.stopped")
	if err := a.logs.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}
