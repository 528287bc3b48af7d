package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"herald/internal/candidate"
	"herald/internal/policy"
	"herald/internal/preference"
	"herald/internal/store"
	"herald/internal/task"
	"herald/pkg/logx"
)

// Dispatcher delivers a task that passed the policy checks.
type Dispatcher interface {
	Dispatch(ctx context.Context, t task.Task, pref task.Preference, now time.Time) (task.Task, []task.DeliveryRecord)
}

// Observer receives tick-level signals. Metrics implement it.
type Observer interface {
	ObserveTick(elapsed time.Duration, err error)
	ObserveSkippedTick()
	ObserveSuppressed(reason task.Reason)
}

type nopObserver struct{}

func (nopObserver) ObserveTick(time.Duration, error) {}
func (nopObserver) ObserveSkippedTick()              {}
func (nopObserver) ObserveSuppressed(task.Reason)    {}

type Config struct {
	Workers  int           // owners processed in parallel; default 4
	ClaimTTL time.Duration // IN_PROGRESS older than this is released; default 5m
	DrainMax int           // candidates ingested per tick; 0 means all available
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 5 * time.Minute
	}
	return c
}

// Report summarizes one tick.
type Report struct {
	Due        int
	Claimed    int
	Skipped    int // claim lost to a concurrent tick
	Delivered  int
	Requeued   int
	Failed     int
	Discarded  int // cancelled while in flight
	Released   int
	Ingested   int
	Suppressed map[task.Reason]int
	Duration   time.Duration
	Err        error
}

type tally struct {
	mu sync.Mutex
	r  Report
}

func (t *tally) add(fn func(r *Report)) {
	t.mu.Lock()
	fn(&t.r)
	t.mu.Unlock()
}

// Loop runs one polling pass over due tasks.
type Loop struct {
	store    store.Store
	prefs    preference.Provider
	dispatch Dispatcher
	ingest   *candidate.Ingestor
	log      logx.Logger
	obs      Observer
	tracer   trace.Tracer

	mu     sync.RWMutex
	cfg    Config
	engine policy.Engine
}

type Option func(*Loop)

// WithIngestor drains alert candidates at the start of every tick.
func WithIngestor(in *candidate.Ingestor) Option { return func(l *Loop) { l.ingest = in } }

func WithObserver(obs Observer) Option {
	return func(l *Loop) {
		if obs != nil {
			l.obs = obs
		}
	}
}

func NewLoop(st store.Store, prefs preference.Provider, engine policy.Engine, d Dispatcher, cfg Config, log logx.Logger, opts ...Option) *Loop {
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Loop{
		store:    st,
		prefs:    prefs,
		dispatch: d,
		log:      log,
		obs:      nopObserver{},
		tracer:   otel.Tracer("herald/scheduler"),
		cfg:      cfg.withDefaults(),
		engine:   engine,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Apply swaps the loop and policy settings for subsequent ticks.
func (l *Loop) Apply(cfg Config, engine policy.Engine) {
	l.mu.Lock()
	l.cfg = cfg.withDefaults()
	l.engine = engine
	l.mu.Unlock()
}

func (l *Loop) settings() (Config, policy.Engine) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg, l.engine
}

// Tick processes every task due at now. Per-task failures are isolated and
// counted; Report.Err is set only when the due set could not be read.
func (l *Loop) Tick(ctx context.Context, now time.Time) Report {
	start := time.Now()
	cfg, engine := l.settings()
	ctx, span := l.tracer.Start(ctx, "Loop.Tick")
	defer span.End()

	tl := &tally{r: Report{Suppressed: map[task.Reason]int{}}}

	if n, err := l.store.ReleaseStale(ctx, now.Add(-cfg.ClaimTTL)); err != nil {
		l.log.Warn("tick.release_stale_failed", logx.Err(err))
	} else if n > 0 {
		tl.r.Released = n
		l.log.Info("tick.released_stale", logx.Int("count", n))
	}

	if l.ingest != nil {
		n, err := l.ingest.Drain(ctx, now, cfg.DrainMax)
		tl.r.Ingested = n
		if err != nil {
			l.log.Warn("tick.ingest_failed", logx.Int("ingested", n), logx.Err(err))
		}
	}

	due, err := l.store.GetDue(ctx, now)
	if err != nil {
		tl.r.Err = fmt.Errorf("get due: %w", err)
		tl.r.Duration = time.Since(start)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.log.Error("tick.get_due_failed", logx.Err(err))
		return tl.r
	}
	tl.r.Due = len(due)

	owners, byOwner := groupByOwner(due)
	var g errgroup.Group
	g.SetLimit(cfg.Workers)
	for _, owner := range owners {
		tasks := byOwner[owner]
		g.Go(func() error {
			// Sequential per owner: records appended for one task are visible
			// to the dedup and rate checks of the next. at moves past the
			// stamps of those records so the checks count them.
			at := now
			for i, t := range tasks {
				if ctx.Err() != nil {
					return nil
				}
				last, err := l.process(ctx, engine, t, at, i == 0, tl)
				if err != nil {
					tl.add(func(r *Report) { r.Failed++ })
					l.log.Error("tick.task_failed", logx.String("task", t.ID), logx.String("owner", t.Owner), logx.Err(err))
				}
				if last.After(at) {
					at = last
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	rep := tl.r
	rep.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Int("herald.due", rep.Due),
		attribute.Int("herald.claimed", rep.Claimed),
		attribute.Int("herald.delivered", rep.Delivered),
		attribute.Int("herald.skipped", rep.Skipped),
	)
	return rep
}

func groupByOwner(due []task.Task) ([]string, map[string][]task.Task) {
	var owners []string
	byOwner := map[string][]task.Task{}
	for _, t := range due {
		if _, ok := byOwner[t.Owner]; !ok {
			owners = append(owners, t.Owner)
		}
		byOwner[t.Owner] = append(byOwner[t.Owner], t)
	}
	return owners, byOwner
}

// process claims t and carries it through policy, delivery and persistence.
// Any failure after the claim puts t back as it was. fresh bypasses the
// preference cache. last is the latest attempt time among the records
// committed for t.
func (l *Loop) process(ctx context.Context, engine policy.Engine, t task.Task, now time.Time, fresh bool, tl *tally) (last time.Time, err error) {
	ok, err := l.store.Claim(ctx, t.ID, now)
	if err != nil {
		return last, fmt.Errorf("claim: %w", err)
	}
	if !ok {
		tl.add(func(r *Report) { r.Skipped++ })
		l.log.Debug("tick.claim_lost", logx.String("task", t.ID), logx.Err(task.ErrContention))
		return last, nil
	}
	tl.add(func(r *Report) { r.Claimed++ })

	defer func() {
		if p := recover(); p != nil {
			l.log.Error("tick.task_panic", logx.String("task", t.ID), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", p)
		}
		if err != nil {
			l.release(t, now)
		}
	}()

	claimed := t.Clone()
	claimed.Status = task.StatusInProgress
	claimed.ClaimedAt = task.TimePtr(now.UTC())

	var pref *task.Preference
	get := l.prefs.Get
	if fresh {
		get = func(ctx context.Context, owner string) (task.Preference, error) {
			return preference.Fresh(ctx, l.prefs, owner)
		}
	}
	p, perr := get(ctx, t.Owner)
	switch {
	case perr == nil:
		pref = &p
	case errors.Is(perr, task.ErrPreferenceNotFound):
		l.log.Error("tick.no_preference", logx.String("task", t.ID), logx.String("owner", t.Owner))
	default:
		return last, fmt.Errorf("preference: %w", perr)
	}

	recent, err := l.store.RecentDeliveries(ctx, t.Owner, "", engine.LookBack(), now)
	if err != nil {
		return last, fmt.Errorf("recent deliveries: %w", err)
	}

	d := engine.Evaluate(now, claimed, pref, recent)
	var (
		out  task.Task
		recs []task.DeliveryRecord
	)
	if d.Action == policy.Deliver {
		out, recs = l.dispatch.Dispatch(ctx, claimed, *pref, now)
	} else {
		out = policy.Apply(claimed, d, now)
		recs = []task.DeliveryRecord{policy.Record(claimed, d, now)}
		l.obs.ObserveSuppressed(d.Reason)
		l.log.Debug("tick.suppressed", logx.String("task", t.ID), logx.String("reason", string(d.Reason)), logx.Bool("deferred", !d.Terminal()))
	}

	for _, rec := range recs {
		if rec.AttemptedAt.After(last) {
			last = rec.AttemptedAt
		}
	}

	out.UpdatedAt = now.UTC()
	if err := l.store.Commit(ctx, out, recs); err != nil {
		if errors.Is(err, task.ErrCancelled) {
			tl.add(func(r *Report) { r.Discarded++ })
			l.log.Info("tick.cancelled_in_flight", logx.String("task", t.ID))
			return last, nil
		}
		return time.Time{}, fmt.Errorf("commit: %w", err)
	}

	tl.add(func(r *Report) { count(r, d, out, recs) })
	return last, nil
}

func count(r *Report, d policy.Decision, out task.Task, recs []task.DeliveryRecord) {
	if d.Action == policy.Suppress {
		r.Suppressed[d.Reason]++
		if !d.Terminal() {
			r.Requeued++
		}
		return
	}
	for _, rec := range recs {
		if rec.Outcome == task.OutcomeSent {
			r.Delivered++
			return
		}
	}
	if out.Status == task.StatusPending {
		r.Requeued++
		return
	}
	r.Failed++
}

// release returns a claimed task to its pre-claim state.
func (l *Loop) release(t task.Task, now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	t.UpdatedAt = now.UTC()
	if err := l.store.Save(ctx, t); err != nil && !errors.Is(err, task.ErrCancelled) {
		l.log.Warn("tick.release_failed", logx.String("task", t.ID), logx.Err(err))
	}
}
