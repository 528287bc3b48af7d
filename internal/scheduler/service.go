package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"herald/internal/lock"
	"herald/internal/store"
	"herald/pkg/logx"
)

type ServiceConfig struct {
	Spec            string        // tick cadence; default "@every 1m"
	MaintenanceSpec string        // compaction cadence; default "@daily"
	Retention       time.Duration // record and terminal task retention; default 30 days
	LockTTL         time.Duration // lease ttl, refreshed every LockTTL/3; default 2m
	Timezone        string        // cron location for MaintenanceSpec
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if strings.TrimSpace(c.Spec) == "" {
		c.Spec = "@every 1m"
	}
	if strings.TrimSpace(c.MaintenanceSpec) == "" {
		c.MaintenanceSpec = "@daily"
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 2 * time.Minute
	}
	return c
}

const (
	tickLock        = "tick"
	maintenanceLock = "maintenance"
)

// Service triggers Loop.Tick from cron. DelayIfStillRunning keeps ticks from
// overlapping in-process; the Locker keeps them from overlapping across
// processes.
type Service struct {
	loop   *Loop
	store  store.Store
	locker lock.Locker
	log    logx.Logger
	obs    Observer
	now    func() time.Time

	mu     sync.Mutex
	cfg    ServiceConfig
	parser cron.Parser
	c      *cron.Cron
}

func NewService(loop *Loop, st store.Store, locker lock.Locker, cfg ServiceConfig, log logx.Logger, obs Observer) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if locker == nil {
		locker = lock.NewLocal()
	}
	if obs == nil {
		obs = nopObserver{}
	}
	return &Service{
		loop:   loop,
		store:  st,
		locker: locker,
		log:    log,
		obs:    obs,
		now:    time.Now,
		cfg:    cfg.withDefaults(),
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Start registers the tick and maintenance entries and starts cron. Start is
// idempotent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	c, err := s.buildLocked(ctx)
	if err != nil {
		return err
	}
	s.c = c
	s.c.Start()
	s.log.Info("scheduler.started", logx.String("spec", s.cfg.Spec), logx.String("maintenance", s.cfg.MaintenanceSpec))
	return nil
}

func (s *Service) buildLocked(ctx context.Context) (*cron.Cron, error) {
	loc := time.UTC
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("scheduler timezone %q: %w", tz, err)
		}
		loc = l
	}
	clog := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(clog), cron.DelayIfStillRunning(clog)),
	)
	if _, err := c.AddFunc(s.cfg.Spec, func() { s.RunTick(ctx) }); err != nil {
		return nil, fmt.Errorf("tick spec %q: %w", s.cfg.Spec, err)
	}
	if _, err := c.AddFunc(s.cfg.MaintenanceSpec, func() { s.RunMaintenance(ctx) }); err != nil {
		return nil, fmt.Errorf("maintenance spec %q: %w", s.cfg.MaintenanceSpec, err)
	}
	return c, nil
}

// Apply swaps the service settings, restarting cron when a spec changed. The
// old cron drains outside the lock; the tick lock keeps the two from
// overlapping.
func (s *Service) Apply(ctx context.Context, cfg ServiceConfig) error {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	if s.c == nil || (prev.Spec == cfg.Spec && prev.MaintenanceSpec == cfg.MaintenanceSpec && prev.Timezone == cfg.Timezone) {
		s.mu.Unlock()
		return nil
	}
	c, err := s.buildLocked(ctx)
	if err != nil {
		s.cfg = prev
		s.mu.Unlock()
		return err
	}
	old := s.c
	s.c = c
	s.c.Start()
	s.mu.Unlock()

	<-old.Stop().Done()
	s.log.Info("scheduler.restarted", logx.String("spec", cfg.Spec))
	return nil
}

// Stop halts cron and waits for a running tick, bounded by ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) settings() ServiceConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// RunTick runs one tick under the tick lock. A tick that cannot take the lock
// is skipped.
func (s *Service) RunTick(ctx context.Context) Report {
	cfg := s.settings()
	lease, ok, err := s.locker.TryAcquire(ctx, tickLock, cfg.LockTTL)
	if err != nil {
		s.log.Error("tick.lock_failed", logx.Err(err))
		s.obs.ObserveSkippedTick()
		return Report{Err: err}
	}
	if !ok {
		s.log.Info("tick.lock_busy")
		s.obs.ObserveSkippedTick()
		return Report{}
	}
	defer func() {
		if err := lease.Release(context.Background()); err != nil && !errors.Is(err, lock.ErrNotHeld) {
			s.log.Warn("tick.unlock_failed", logx.Err(err))
		}
	}()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.keepAlive(ctx, cancel, lease, cfg.LockTTL, "tick")()

	rep := s.loop.Tick(ctx, s.now())
	s.obs.ObserveTick(rep.Duration, rep.Err)
	s.log.Info("tick.completed",
		logx.Int("due", rep.Due),
		logx.Int("claimed", rep.Claimed),
		logx.Int("delivered", rep.Delivered),
		logx.Int("requeued", rep.Requeued),
		logx.Int("skipped", rep.Skipped),
		logx.Int("failed", rep.Failed),
		logx.Duration("took", rep.Duration),
	)
	return rep
}

// RunMaintenance compacts the store when the backend supports it.
func (s *Service) RunMaintenance(ctx context.Context) {
	cfg := s.settings()
	c, ok := s.store.(store.Compactor)
	if !ok {
		return
	}
	lease, ok, err := s.locker.TryAcquire(ctx, maintenanceLock, cfg.LockTTL)
	if err != nil || !ok {
		return
	}
	defer func() { _ = lease.Release(context.Background()) }()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.keepAlive(ctx, cancel, lease, cfg.LockTTL, "maintenance")()

	start := time.Now()
	if err := c.Compact(ctx, s.now(), cfg.Retention); err != nil {
		s.log.Error("maintenance.compact_failed", logx.Err(err))
		return
	}
	s.log.Info("maintenance.compacted", logx.Duration("took", time.Since(start)))
}

// keepAlive refreshes lease every ttl/3 until the returned stop is called. A
// failed refresh cancels the work: from then on another process may hold the
// lock.
func (s *Service) keepAlive(ctx context.Context, cancel context.CancelFunc, lease lock.Lease, ttl time.Duration, name string) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		every := ttl / 3
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				rctx, rcancel := context.WithTimeout(ctx, every)
				err := lease.Refresh(rctx)
				rcancel()
				if err != nil {
					s.log.Error(name+".lock_lost", logx.Err(err))
					cancel()
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// cronLogger routes robfig/cron's internal logging to logx.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron."+msg, kv(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron."+msg, append(kv(keysAndValues), logx.Err(err))...)
}

func kv(pairs []any) []logx.Field {
	out := make([]logx.Field, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		k, ok := pairs[i].(string)
		if !ok {
			k = fmt.Sprint(pairs[i])
		}
		out = append(out, logx.Any(k, pairs[i+1]))
	}
	return out
}
