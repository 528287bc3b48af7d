// Package delivery sends due tasks through the owner's channels in priority
// order and turns gateway outcomes into task state and delivery records.
package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"herald/internal/recurrence"
	"herald/internal/task"
	"herald/pkg/logx"
)

// Config controls retries and per-call bounds.
type Config struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	SendTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BackoffBase: time.Minute,
		BackoffMax:  30 * time.Minute,
		SendTimeout: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = def.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = def.BackoffMax
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = def.SendTimeout
	}
	return c
}

// Observer receives one call per gateway attempt.
type Observer interface {
	ObserveSend(channel task.Channel, outcome task.Outcome, elapsed time.Duration)
}

// Dispatcher is safe for concurrent use; gateways may be registered while
// dispatches are running.
type Dispatcher struct {
	mu       sync.RWMutex
	cfg      Config
	gateways map[task.Channel]Gateway
	obs      Observer
	log      logx.Logger
}

func NewDispatcher(cfg Config, log logx.Logger, obs Observer) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		cfg:      cfg.withDefaults(),
		gateways: map[task.Channel]Gateway{},
		obs:      obs,
		log:      log,
	}
}

func (d *Dispatcher) Register(ch task.Channel, gw Gateway) {
	d.mu.Lock()
	d.gateways[ch] = gw
	d.mu.Unlock()
}

func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg.withDefaults()
	d.mu.Unlock()
}

func (d *Dispatcher) snapshot() (Config, map[task.Channel]Gateway) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	gws := make(map[task.Channel]Gateway, len(d.gateways))
	for k, v := range d.gateways {
		gws[k] = v
	}
	return d.cfg, gws
}

// Dispatch attempts delivery of t at now and returns the updated task plus
// the records to append, in attempt order. Channels are tried in preference
// order: a transient or permanent failure on one channel falls through to the
// next, and the first SENT ends the walk. Each record carries the time its own
// attempt started; the first is stamped now.
func (d *Dispatcher) Dispatch(ctx context.Context, t task.Task, pref task.Preference, now time.Time) (task.Task, []task.DeliveryRecord) {
	cfg, gws := d.snapshot()
	now = now.UTC()
	out := t.Clone()
	out.LastAttemptAt = task.TimePtr(now)
	out.UpdatedAt = now

	loc, locErr := task.OwnerLocation(pref.Timezone, t.Schedule)
	msg := Message{
		TaskID: t.ID,
		Owner:  t.Owner,
		Kind:   t.Kind,
		Title:  t.Payload.Title,
		Text:   task.FormatMessage(t, loc),
		URL:    t.Payload.URL,
	}

	var (
		records   []task.DeliveryRecord
		transient *multierror.Error
		permanent *multierror.Error
		attempted int
	)
	clock := newAttemptClock(now)
	for _, ch := range pref.Channels {
		gw, ok := gws[ch]
		rcpt := pref.Recipients[ch]
		if !ok || rcpt == "" {
			continue
		}
		attempted++
		rec := d.record(out, ch, clock.next())
		err := d.send(ctx, cfg, ch, gw, rcpt, msg)
		switch {
		case err == nil:
			rec.Outcome = task.OutcomeSent
			records = append(records, rec)
			return d.sent(out, loc, locErr, now), records
		case IsPermanent(err):
			rec.Outcome = task.OutcomeFailedPermanent
			rec.Reason = task.ReasonPermanentFailure
			rec.Error = err.Error()
			records = append(records, rec)
			permanent = multierror.Append(permanent, fmt.Errorf("%s: %w", ch, err))
			d.log.Warn("delivery.channel_rejected", logx.String("task", t.ID), logx.String("channel", string(ch)), logx.Err(err))
		default:
			rec.Outcome = task.OutcomeFailedTransient
			rec.Error = err.Error()
			records = append(records, rec)
			transient = multierror.Append(transient, fmt.Errorf("%s: %w", ch, err))
		}
	}

	if attempted == 0 {
		rec := d.record(out, "", clock.next())
		rec.Outcome = task.OutcomeFailedPermanent
		rec.Reason = task.ReasonNoDeliverableRoute
		rec.Error = "no channel with both a gateway and a recipient"
		records = append(records, rec)
		d.log.Warn("delivery.no_route", logx.String("task", t.ID), logx.String("owner", t.Owner))
		out.Finish(task.StatusSuppressed, task.ReasonNoDeliverableRoute)
		return out, records
	}

	// Every attempted channel refused for good: retrying cannot help.
	if transient == nil {
		d.log.Warn("delivery.permanent_failure", logx.String("task", t.ID), logx.Int("channels", attempted), logx.Err(permanent.ErrorOrNil()))
		out.Finish(task.StatusSuppressed, task.ReasonPermanentFailure)
		return out, records
	}

	err := transient.ErrorOrNil()
	out.Attempts++
	if out.Attempts >= cfg.MaxAttempts {
		rec := d.record(out, "", clock.next())
		rec.Outcome = task.OutcomeFailedPermanent
		rec.Reason = task.ReasonDeliveryExhausted
		rec.Error = err.Error()
		records = append(records, rec)
		d.log.Warn("delivery.exhausted", logx.String("task", t.ID), logx.Int("attempts", out.Attempts), logx.Err(err))
		out.Finish(task.StatusSuppressed, task.ReasonDeliveryExhausted)
		return out, records
	}

	hint := maxHint(transient)
	delay := Backoff(cfg.BackoffBase, cfg.BackoffMax, out.Attempts, hint)
	out.Status = task.StatusPending
	out.ClaimedAt = nil
	out.SetNext(now.Add(delay), task.RequeueBackoff)
	d.log.Debug("delivery.retry_scheduled", logx.String("task", t.ID), logx.Int("attempt", out.Attempts), logx.Duration("delay", delay), logx.Err(err))
	return out, records
}

// attemptClock hands out strictly increasing attempt times that start at the
// dispatch time and advance by the real time spent on earlier attempts.
type attemptClock struct {
	base  time.Time
	start time.Time
	last  time.Time
}

func newAttemptClock(base time.Time) *attemptClock {
	return &attemptClock{base: base, start: time.Now()}
}

func (c *attemptClock) next() time.Time {
	if c.last.IsZero() {
		c.last = c.base
		return c.last
	}
	at := c.base.Add(time.Since(c.start))
	if !at.After(c.last) {
		at = c.last.Add(time.Nanosecond)
	}
	c.last = at
	return at
}

func (d *Dispatcher) send(ctx context.Context, cfg Config, ch task.Channel, gw Gateway, rcpt string, msg Message) (err error) {
	callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = Transient(fmt.Errorf("gateway %s panic: %v", gw.Name(), r))
		}
		if d.obs != nil {
			d.obs.ObserveSend(ch, outcomeOf(err), time.Since(start))
		}
	}()
	return gw.Send(callCtx, rcpt, msg)
}

// sent advances t after a successful delivery.
func (d *Dispatcher) sent(t task.Task, loc *time.Location, locErr error, now time.Time) task.Task {
	t.Occurrences++
	t.Attempts = 0
	t.Reason = task.ReasonNone
	if !t.Schedule.Recurring() {
		t.Finish(task.StatusDelivered, task.ReasonNone)
		return t
	}
	if locErr != nil {
		d.log.Error("delivery.malformed_schedule", logx.String("task", t.ID), logx.Err(locErr))
		t.Finish(task.StatusFailed, task.ReasonMalformedSchedule)
		return t
	}
	res := recurrence.Next(t.Schedule, t.Occurrences, loc, now)
	switch {
	case res.Err != nil:
		d.log.Error("delivery.malformed_schedule", logx.String("task", t.ID), logx.Err(res.Err))
		t.Finish(task.StatusFailed, task.ReasonMalformedSchedule)
	case res.Exhausted:
		t.Finish(task.StatusExhausted, task.ReasonNone)
	default:
		t.Status = task.StatusPending
		t.ClaimedAt = nil
		t.SetNext(res.At, task.RequeueRecurrence)
	}
	return t
}

func (d *Dispatcher) record(t task.Task, ch task.Channel, at time.Time) task.DeliveryRecord {
	return task.DeliveryRecord{
		TaskID:      t.ID,
		Owner:       t.Owner,
		Kind:        t.Kind,
		AttemptedAt: at,
		Channel:     ch,
		Fingerprint: t.Fingerprint,
	}
}

func outcomeOf(err error) task.Outcome {
	switch {
	case err == nil:
		return task.OutcomeSent
	case IsPermanent(err):
		return task.OutcomeFailedPermanent
	}
	return task.OutcomeFailedTransient
}

func maxHint(errs *multierror.Error) time.Duration {
	if errs == nil {
		return 0
	}
	var hint time.Duration
	for _, err := range errs.Errors {
		if h, ok := RetryHint(err); ok && h > hint {
			hint = h
		}
	}
	return hint
}
