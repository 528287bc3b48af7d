package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"herald/internal/candidate"
	"herald/internal/delivery"
	"herald/internal/lock"
	"herald/internal/policy"
	"herald/internal/preference"
	"herald/internal/recurrence"
	"herald/internal/store"
	"herald/internal/task"
	"herald/pkg/logx"
)

type fakeGateway struct {
	calls atomic.Int32
	send  func(ctx context.Context, recipient string, msg delivery.Message) error

	mu    sync.Mutex
	texts []string
}

func (g *fakeGateway) Name() string { return "fake" }

func (g *fakeGateway) Send(ctx context.Context, recipient string, msg delivery.Message) error {
	g.calls.Add(1)
	var err error
	if g.send != nil {
		err = g.send(ctx, recipient, msg)
	}
	if err == nil {
		g.mu.Lock()
		g.texts = append(g.texts, msg.Text)
		g.mu.Unlock()
	}
	return err
}

func chatPref(owner string) task.Preference {
	return task.Preference{
		Owner:      owner,
		OptedIn:    true,
		Channels:   []task.Channel{task.ChannelChat},
		Recipients: map[task.Channel]string{task.ChannelChat: "chat-" + owner},
		Timezone:   "Asia/Jakarta",
	}
}

type harness struct {
	store store.Store
	prefs *preference.Static
	gw    *fakeGateway
	loop  *Loop
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store: store.NewMemory(),
		prefs: preference.NewStatic([]task.Preference{chatPref("u1"), chatPref("u2")}),
		gw:    &fakeGateway{},
	}
	d := delivery.NewDispatcher(delivery.DefaultConfig(), logx.Nop(), nil)
	d.Register(task.ChannelChat, h.gw)
	h.loop = NewLoop(h.store, h.prefs, policy.New(policy.DefaultConfig()), d, Config{}, logx.Nop(), opts...)
	return h
}

func (h *harness) insert(t *testing.T, tk task.Task) task.Task {
	t.Helper()
	if err := recurrence.Seed(&tk, ""); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := h.store.Insert(context.Background(), tk); err != nil {
		t.Fatalf("insert: %v", err)
	}
	return tk
}

func (h *harness) get(t *testing.T, id string) task.Task {
	t.Helper()
	tk, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return tk
}

func jakarta(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Jakarta")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	return loc
}

func TestDailyReminderAdvancesAfterDelivery(t *testing.T) {
	t.Parallel()
	jkt := jakarta(t)
	h := newHarness(t)
	ctx := context.Background()

	created := time.Date(2025, 8, 22, 14, 0, 0, 0, jkt)
	anchor := time.Date(2025, 8, 22, 14, 30, 0, 0, jkt)
	tk := h.insert(t, task.New("u1", task.KindReminder, task.Payload{Body: "drink water"},
		task.Every(task.Daily, anchor, "Asia/Jakarta"), created))

	first := time.Date(2025, 8, 22, 7, 30, 0, 0, time.UTC)
	if !tk.NextFireAt.Equal(first) {
		t.Fatalf("seeded next = %v, want %v", tk.NextFireAt, first)
	}

	if rep := h.loop.Tick(ctx, first.Add(-time.Second)); rep.Due != 0 {
		t.Fatalf("task due early: %+v", rep)
	}

	rep := h.loop.Tick(ctx, first)
	if rep.Err != nil || rep.Due != 1 || rep.Claimed != 1 || rep.Delivered != 1 {
		t.Fatalf("report = %+v", rep)
	}

	got := h.get(t, tk.ID)
	want := time.Date(2025, 8, 23, 7, 30, 0, 0, time.UTC)
	if got.Status != task.StatusPending || !got.NextFireAt.Equal(want) {
		t.Fatalf("after tick: status=%s next=%v, want PENDING %v", got.Status, got.NextFireAt, want)
	}
	if got.Occurrences != 1 || got.Requeue != task.RequeueRecurrence || got.ClaimedAt != nil {
		t.Fatalf("after tick: %+v", got)
	}

	recs, _ := h.store.Deliveries(ctx, tk.ID)
	if len(recs) != 1 || recs[0].Outcome != task.OutcomeSent || recs[0].Channel != task.ChannelChat {
		t.Fatalf("records = %+v", recs)
	}
	if len(h.gw.texts) != 1 || !strings.Contains(h.gw.texts[0], "Reminder: drink water") ||
		!strings.Contains(h.gw.texts[0], "2025-08-22 14:30 WIB") {
		t.Fatalf("texts = %q", h.gw.texts)
	}
}

func TestTransientFailuresExhaustAfterFiveAttempts(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.gw.send = func(context.Context, string, delivery.Message) error {
		return delivery.Transient(errors.New("gateway 503"))
	}
	ctx := context.Background()
	start := time.Date(2025, 8, 22, 7, 30, 0, 0, time.UTC)
	tk := h.insert(t, task.New("u1", task.KindReminder, task.Payload{Body: "pay rent"}, task.OneShotAt(start), start.Add(-time.Hour)))

	at := start
	wantDelays := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute, 8 * time.Minute}
	for i, delay := range wantDelays {
		rep := h.loop.Tick(ctx, at)
		if rep.Requeued != 1 {
			t.Fatalf("attempt %d: report = %+v", i+1, rep)
		}
		got := h.get(t, tk.ID)
		if got.Attempts != i+1 || got.Requeue != task.RequeueBackoff {
			t.Fatalf("attempt %d: %+v", i+1, got)
		}
		if d := got.NextFireAt.Sub(at); d != delay {
			t.Fatalf("attempt %d: backoff %v, want %v", i+1, d, delay)
		}
		at = *got.NextFireAt
	}

	rep := h.loop.Tick(ctx, at)
	if rep.Failed != 1 {
		t.Fatalf("final report = %+v", rep)
	}
	got := h.get(t, tk.ID)
	if got.Status != task.StatusSuppressed || got.Reason != task.ReasonDeliveryExhausted || got.NextFireAt != nil {
		t.Fatalf("final task = %+v", got)
	}
	if n := h.gw.calls.Load(); n != 5 {
		t.Fatalf("gateway calls = %d, want 5", n)
	}

	recs, _ := h.store.Deliveries(ctx, tk.ID)
	if len(recs) != 6 {
		t.Fatalf("records = %d, want 6", len(recs))
	}
	last := recs[len(recs)-1]
	if last.Outcome != task.OutcomeFailedPermanent || last.Reason != task.ReasonDeliveryExhausted {
		t.Fatalf("last record = %+v", last)
	}
}

// barrierStore holds every GetDue caller until parties callers have read the
// same due snapshot.
type barrierStore struct {
	store.Store
	wg *sync.WaitGroup
}

func (b barrierStore) GetDue(ctx context.Context, now time.Time) ([]task.Task, error) {
	due, err := b.Store.GetDue(ctx, now)
	b.wg.Done()
	b.wg.Wait()
	return due, err
}

func TestOverlappingTicksClaimOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	now := time.Date(2025, 8, 22, 7, 30, 0, 0, time.UTC)
	tk := h.insert(t, task.New("u1", task.KindReminder, task.Payload{Body: "stretch"}, task.OneShotAt(now), now.Add(-time.Hour)))

	var barrier sync.WaitGroup
	barrier.Add(2)
	shared := barrierStore{Store: h.store, wg: &barrier}
	d := delivery.NewDispatcher(delivery.DefaultConfig(), logx.Nop(), nil)
	d.Register(task.ChannelChat, h.gw)
	engine := policy.New(policy.DefaultConfig())
	a := NewLoop(shared, h.prefs, engine, d, Config{}, logx.Nop())
	b := NewLoop(shared, h.prefs, engine, d, Config{}, logx.Nop())

	var reps [2]Report
	var wg sync.WaitGroup
	for i, l := range []*Loop{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reps[i] = l.Tick(context.Background(), now)
		}()
	}
	wg.Wait()

	if reps[0].Due != 1 || reps[1].Due != 1 {
		t.Fatalf("both ticks should see the task: %+v", reps)
	}
	if claimed := reps[0].Claimed + reps[1].Claimed; claimed != 1 {
		t.Fatalf("claimed = %d, want 1", claimed)
	}
	if skipped := reps[0].Skipped + reps[1].Skipped; skipped != 1 {
		t.Fatalf("skipped = %d, want 1", skipped)
	}
	if n := h.gw.calls.Load(); n != 1 {
		t.Fatalf("gateway calls = %d, want 1", n)
	}
	if got := h.get(t, tk.ID); got.Status != task.StatusDelivered {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestCancelWinsOverInFlightDelivery(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	now := time.Date(2025, 8, 22, 7, 30, 0, 0, time.UTC)
	tk := h.insert(t, task.New("u1", task.KindReminder, task.Payload{Body: "meeting"}, task.OneShotAt(now), now.Add(-time.Hour)))
	h.gw.send = func(ctx context.Context, _ string, _ delivery.Message) error {
		return h.store.Cancel(ctx, tk.ID, now)
	}

	rep := h.loop.Tick(context.Background(), now)
	if rep.Discarded != 1 {
		t.Fatalf("report = %+v", rep)
	}
	got := h.get(t, tk.ID)
	if got.Status != task.StatusCancelled || got.NextFireAt != nil {
		t.Fatalf("task = %+v", got)
	}
	if due, _ := h.store.GetDue(context.Background(), now.Add(24*time.Hour)); len(due) != 0 {
		t.Fatalf("cancelled task came back: %v", due)
	}
}

func TestDuplicateAlertDeliveredOnce(t *testing.T) {
	t.Parallel()
	ch := make(chan candidate.Candidate, 4)
	h := newHarness(t)
	ingest := candidate.NewIngestor(h.store, candidate.GranularityContent, logx.Nop(), candidate.NewChanSource(ch))
	h.loop = NewLoop(h.store, h.prefs, policy.New(policy.DefaultConfig()), dispatcherFor(h.gw), Config{}, logx.Nop(), WithIngestor(ingest))

	c := candidate.Candidate{
		Owner:       "u1",
		Kind:        task.KindPriceAlert,
		Title:       "ThinkPad X1",
		Content:     "30% off at Example Store",
		URL:         "https://example.com/x1",
		DiscountPct: 30,
	}
	at := time.Date(2025, 8, 22, 7, 0, 0, 0, time.UTC)
	ch <- c
	if rep := h.loop.Tick(context.Background(), at); rep.Ingested != 1 || rep.Delivered != 1 {
		t.Fatalf("first tick = %+v", rep)
	}

	c.Content = "  30%   OFF at example store "
	ch <- c
	rep := h.loop.Tick(context.Background(), at.Add(time.Hour))
	if rep.Ingested != 1 || rep.Suppressed[task.ReasonDuplicate] != 1 || rep.Delivered != 0 {
		t.Fatalf("second tick = %+v", rep)
	}

	recs, _ := h.store.RecentDeliveries(context.Background(), "u1", task.KindPriceAlert, 24*time.Hour, at.Add(time.Hour))
	sent := 0
	for _, r := range recs {
		if r.Outcome == task.OutcomeSent {
			sent++
		}
	}
	if sent != 1 || h.gw.calls.Load() != 1 {
		t.Fatalf("sent records = %d, gateway calls = %d; want 1 and 1", sent, h.gw.calls.Load())
	}
}

func TestSameTickDuplicatesSeeEarlierRecords(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c := candidate.Candidate{Owner: "u1", Kind: task.KindJobAlert, Title: "Go engineer", Content: "remote, Jakarta"}
	ingest := candidate.NewIngestor(h.store, candidate.GranularityContent, logx.Nop(), candidate.NewSliceSource(c, c))
	h.loop = NewLoop(h.store, h.prefs, policy.New(policy.DefaultConfig()), dispatcherFor(h.gw), Config{}, logx.Nop(), WithIngestor(ingest))

	rep := h.loop.Tick(context.Background(), time.Date(2025, 8, 22, 7, 0, 0, 0, time.UTC))
	if rep.Due != 2 || rep.Delivered != 1 || rep.Suppressed[task.ReasonDuplicate] != 1 {
		t.Fatalf("report = %+v", rep)
	}
}

func dispatcherFor(gw delivery.Gateway) *delivery.Dispatcher {
	d := delivery.NewDispatcher(delivery.DefaultConfig(), logx.Nop(), nil)
	d.Register(task.ChannelChat, gw)
	return d
}

func TestMissingPreferenceSuppresses(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	now := time.Date(2025, 8, 22, 7, 30, 0, 0, time.UTC)
	tk := h.insert(t, task.New("stranger", task.KindReminder, task.Payload{Body: "hi"}, task.OneShotAt(now), now.Add(-time.Hour)))

	rep := h.loop.Tick(context.Background(), now)
	if rep.Suppressed[task.ReasonNoPreference] != 1 {
		t.Fatalf("report = %+v", rep)
	}
	got := h.get(t, tk.ID)
	if got.Status != task.StatusSuppressed || got.Reason != task.ReasonNoPreference {
		t.Fatalf("task = %+v", got)
	}
	recs, _ := h.store.Deliveries(context.Background(), tk.ID)
	if len(recs) != 1 || recs[0].Outcome != task.OutcomeSuppressed {
		t.Fatalf("records = %+v", recs)
	}
}

func TestQuietHoursDefer(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	p := chatPref("u1")
	p.QuietHours = task.QuietHours{Start: "22:00", End: "07:00"}
	h.prefs.Replace([]task.Preference{p})

	// 23:30 WIB.
	now := time.Date(2025, 8, 22, 16, 30, 0, 0, time.UTC)
	tk := h.insert(t, task.New("u1", task.KindReminder, task.Payload{Body: "sleep"}, task.OneShotAt(now), now.Add(-time.Hour)))

	rep := h.loop.Tick(context.Background(), now)
	if rep.Requeued != 1 || rep.Suppressed[task.ReasonQuietHours] != 1 {
		t.Fatalf("report = %+v", rep)
	}
	got := h.get(t, tk.ID)
	want := time.Date(2025, 8, 23, 0, 0, 0, 0, time.UTC) // 07:00 WIB
	if got.Status != task.StatusPending || !got.NextFireAt.Equal(want) || got.Requeue != task.RequeueQuietHours {
		t.Fatalf("task = %+v", got)
	}
	if h.gw.calls.Load() != 0 {
		t.Fatal("gateway called during quiet hours")
	}
}

type panickyPrefs struct {
	preference.Provider
}

func (p panickyPrefs) Get(ctx context.Context, owner string) (task.Preference, error) {
	if owner == "boom" {
		panic("preference backend exploded")
	}
	return p.Provider.Get(ctx, owner)
}

func TestTaskPanicIsIsolated(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.loop = NewLoop(h.store, panickyPrefs{h.prefs}, policy.New(policy.DefaultConfig()), dispatcherFor(h.gw), Config{Workers: 1}, logx.Nop())
	now := time.Date(2025, 8, 22, 7, 30, 0, 0, time.UTC)
	bad := h.insert(t, task.New("boom", task.KindReminder, task.Payload{Body: "x"}, task.OneShotAt(now), now.Add(-time.Hour)))
	good := h.insert(t, task.New("u1", task.KindReminder, task.Payload{Body: "y"}, task.OneShotAt(now), now.Add(-time.Hour)))

	rep := h.loop.Tick(context.Background(), now)
	if rep.Failed != 1 || rep.Delivered != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if got := h.get(t, bad.ID); got.Status != task.StatusPending || got.ClaimedAt != nil || !got.NextFireAt.Equal(*bad.NextFireAt) {
		t.Fatalf("panicking task not released: %+v", got)
	}
	if got := h.get(t, good.ID); got.Status != task.StatusDelivered {
		t.Fatalf("good task = %+v", got)
	}
}

func TestStaleClaimReleased(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	now := time.Date(2025, 8, 22, 7, 30, 0, 0, time.UTC)
	tk := h.insert(t, task.New("u1", task.KindReminder, task.Payload{Body: "z"}, task.OneShotAt(now), now.Add(-time.Hour)))
	// A crashed tick claimed the task ten minutes ago.
	if ok, _ := h.store.Claim(context.Background(), tk.ID, now); !ok {
		t.Fatal("claim")
	}

	rep := h.loop.Tick(context.Background(), now.Add(10*time.Minute))
	if rep.Released != 1 || rep.Delivered != 1 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestServiceSkipsTickWhenLockHeld(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	now := time.Date(2025, 8, 22, 7, 30, 0, 0, time.UTC)
	h.insert(t, task.New("u1", task.KindReminder, task.Payload{Body: "q"}, task.OneShotAt(now), now.Add(-time.Hour)))

	locker := lock.NewLocal()
	svc := NewService(h.loop, h.store, locker, ServiceConfig{}, logx.Nop(), nil)
	svc.now = func() time.Time { return now }

	lease, ok, _ := locker.TryAcquire(context.Background(), tickLock, time.Minute)
	if !ok {
		t.Fatal("pre-acquire")
	}
	if rep := svc.RunTick(context.Background()); rep.Due != 0 || h.gw.calls.Load() != 0 {
		t.Fatalf("tick ran while locked: %+v", rep)
	}
	_ = lease.Release(context.Background())

	if rep := svc.RunTick(context.Background()); rep.Delivered != 1 {
		t.Fatalf("tick after unlock = %+v", rep)
	}
}

func TestServiceMaintenanceCompacts(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	now := time.Date(2025, 8, 22, 7, 30, 0, 0, time.UTC)
	old := task.New("u1", task.KindReminder, task.Payload{Body: "old"}, task.OneShotAt(now), now.AddDate(0, -3, 0))
	old.Finish(task.StatusDelivered, task.ReasonNone)
	if err := h.store.Insert(context.Background(), old); err != nil {
		t.Fatal(err)
	}

	svc := NewService(h.loop, h.store, nil, ServiceConfig{Retention: 30 * 24 * time.Hour}, logx.Nop(), nil)
	svc.now = func() time.Time { return now }
	svc.RunMaintenance(context.Background())

	if _, err := h.store.Get(context.Background(), old.ID); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("expected compaction to drop old task, got %v", err)
	}
}

func TestServiceRejectsBadSpec(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	svc := NewService(h.loop, h.store, nil, ServiceConfig{Spec: "every minute please"}, logx.Nop(), nil)
	if err := svc.Start(context.Background()); err == nil {
		_ = svc.Stop(context.Background())
		t.Fatal("expected spec error")
	}
}

func TestSubSecondCreationFiresOnFirstTick(t *testing.T) {
	t.Parallel()
	jkt := jakarta(t)
	h := newHarness(t)
	created := time.Date(2025, 8, 22, 14, 30, 0, 500_000_000, jkt)
	tk := h.insert(t, task.New("u1", task.KindReminder, task.Payload{Body: "stand up"},
		task.Every(task.Daily, created, "Asia/Jakarta"), created))

	rep := h.loop.Tick(context.Background(), time.Date(2025, 8, 22, 14, 31, 0, 0, jkt))
	if rep.Due != 1 || rep.Delivered != 1 {
		t.Fatalf("report = %+v", rep)
	}
	got := h.get(t, tk.ID)
	if want := created.AddDate(0, 0, 1); !got.NextFireAt.Equal(want) {
		t.Fatalf("next = %v, want %v", got.NextFireAt, want)
	}
}

func TestOptOutSeenThroughPreferenceCache(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	cached := preference.NewCached(h.prefs, time.Hour)
	h.loop = NewLoop(h.store, cached, policy.New(policy.DefaultConfig()), dispatcherFor(h.gw), Config{}, logx.Nop())
	ctx := context.Background()
	now := time.Date(2025, 8, 22, 7, 30, 0, 0, time.UTC)

	h.insert(t, task.New("u1", task.KindReminder, task.Payload{Body: "first"}, task.OneShotAt(now), now.Add(-time.Hour)))
	if rep := h.loop.Tick(ctx, now); rep.Delivered != 1 {
		t.Fatalf("first tick = %+v", rep)
	}
	if p, _ := cached.Get(ctx, "u1"); !p.OptedIn {
		t.Fatal("cache should hold the opted-in preference")
	}

	out := chatPref("u1")
	out.OptedIn = false
	h.prefs.Replace([]task.Preference{out})

	later := now.Add(time.Minute)
	tk := h.insert(t, task.New("u1", task.KindReminder, task.Payload{Body: "second"}, task.OneShotAt(later), now))
	rep := h.loop.Tick(ctx, later)
	if rep.Suppressed[task.ReasonOptedOut] != 1 || rep.Delivered != 0 {
		t.Fatalf("second tick = %+v", rep)
	}
	if got := h.get(t, tk.ID); got.Reason != task.ReasonOptedOut {
		t.Fatalf("task = %+v", got)
	}
	if n := h.gw.calls.Load(); n != 1 {
		t.Fatalf("gateway calls = %d, want 1", n)
	}
}

// failingCommitStore rejects every Commit.
type failingCommitStore struct {
	store.Store
}

func (failingCommitStore) Commit(context.Context, task.Task, []task.DeliveryRecord) error {
	return errors.New("disk full")
}

func TestFailedCommitLeavesNoRecords(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	now := time.Date(2025, 8, 22, 7, 30, 0, 0, time.UTC)
	tk := h.insert(t, task.New("u1", task.KindReminder, task.Payload{Body: "pay rent"}, task.OneShotAt(now), now.Add(-time.Hour)))
	h.loop = NewLoop(failingCommitStore{h.store}, h.prefs, policy.New(policy.DefaultConfig()), dispatcherFor(h.gw), Config{}, logx.Nop())

	rep := h.loop.Tick(context.Background(), now)
	if rep.Failed != 1 || rep.Delivered != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if recs, _ := h.store.Deliveries(context.Background(), tk.ID); len(recs) != 0 {
		t.Fatalf("records written without the task: %+v", recs)
	}
	if got := h.get(t, tk.ID); got.Status != task.StatusPending || got.ClaimedAt != nil {
		t.Fatalf("task not released: %+v", got)
	}
}

func TestFallbackSendCountsTowardSameTickRateLimit(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	sms := &fakeGateway{}
	h.gw.send = func(context.Context, string, delivery.Message) error {
		return delivery.Permanent(errors.New("chat blocked"))
	}
	d := dispatcherFor(h.gw)
	d.Register(task.ChannelSMS, sms)
	p := chatPref("u1")
	p.Channels = append(p.Channels, task.ChannelSMS)
	p.Recipients[task.ChannelSMS] = "+62800"
	h.prefs.Replace([]task.Preference{p})
	cfg := policy.DefaultConfig()
	cfg.RateLimit = 1
	h.loop = NewLoop(h.store, h.prefs, policy.New(cfg), d, Config{Workers: 1}, logx.Nop())

	now := time.Date(2025, 8, 22, 7, 30, 0, 0, time.UTC)
	h.insert(t, task.New("u1", task.KindReminder, task.Payload{Body: "one"}, task.OneShotAt(now), now.Add(-time.Hour)))
	h.insert(t, task.New("u1", task.KindReminder, task.Payload{Body: "two"}, task.OneShotAt(now), now.Add(-time.Hour)))

	rep := h.loop.Tick(context.Background(), now)
	if rep.Delivered != 1 || rep.Suppressed[task.ReasonRateLimited] != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if n := sms.calls.Load(); n != 1 {
		t.Fatalf("sms calls = %d, want 1", n)
	}
}

// countingLocker hands out leases whose Refresh fails after okRefreshes calls.
type countingLocker struct {
	okRefreshes int32
	refreshes   atomic.Int32
}

func (c *countingLocker) TryAcquire(context.Context, string, time.Duration) (lock.Lease, bool, error) {
	return countingLease{c}, true, nil
}

type countingLease struct{ c *countingLocker }

func (l countingLease) Refresh(context.Context) error {
	if l.c.refreshes.Add(1) > l.c.okRefreshes {
		return lock.ErrNotHeld
	}
	return nil
}

func (countingLease) Release(context.Context) error { return nil }

func TestServiceRefreshesLeaseDuringLongTick(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	now := time.Date(2025, 8, 22, 7, 30, 0, 0, time.UTC)
	h.insert(t, task.New("u1", task.KindReminder, task.Payload{Body: "slow"}, task.OneShotAt(now), now.Add(-time.Hour)))
	h.gw.send = func(context.Context, string, delivery.Message) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	}

	locker := &countingLocker{okRefreshes: 100}
	svc := NewService(h.loop, h.store, locker, ServiceConfig{LockTTL: 60 * time.Millisecond}, logx.Nop(), nil)
	svc.now = func() time.Time { return now }

	if rep := svc.RunTick(context.Background()); rep.Delivered != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if n := locker.refreshes.Load(); n < 3 {
		t.Fatalf("refreshes = %d during a tick three times the ttl", n)
	}
}

func TestServiceStopsTickWhenLeaseLost(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.loop = NewLoop(h.store, h.prefs, policy.New(policy.DefaultConfig()), dispatcherFor(h.gw), Config{Workers: 1}, logx.Nop())
	now := time.Date(2025, 8, 22, 7, 30, 0, 0, time.UTC)
	first := h.insert(t, task.New("u1", task.KindReminder, task.Payload{Body: "a"}, task.OneShotAt(now), now.Add(-time.Hour)))
	second := h.insert(t, task.New("u1", task.KindReminder, task.Payload{Body: "b"}, task.OneShotAt(now), now.Add(-time.Hour)))
	h.gw.send = func(context.Context, string, delivery.Message) error {
		time.Sleep(150 * time.Millisecond)
		return nil
	}

	svc := NewService(h.loop, h.store, &countingLocker{}, ServiceConfig{LockTTL: 30 * time.Millisecond}, logx.Nop(), nil)
	svc.now = func() time.Time { return now }

	rep := svc.RunTick(context.Background())
	if rep.Claimed != 1 {
		t.Fatalf("report = %+v, want only the in-flight task claimed", rep)
	}
	a, b := h.get(t, first.ID), h.get(t, second.ID)
	if (a.Status == task.StatusPending) == (b.Status == task.StatusPending) {
		t.Fatalf("want exactly one task left pending: %s, %s", a.Status, b.Status)
	}
}
