// Package policy decides whether a due task is delivered now, deferred or
// dropped. Evaluation is a pure function of its inputs.
package policy

import (
	"sort"
	"time"

	"herald/internal/candidate"
	"herald/internal/task"
)

type Action string

const (
	Deliver  Action = "DELIVER"
	Suppress Action = "SUPPRESS"
)

// Decision is the outcome of Evaluate. A SUPPRESS with a RequeueAt defers
// the task; without one the suppression is terminal.
type Decision struct {
	Action    Action
	Reason    task.Reason
	RequeueAt *time.Time
}

func (d Decision) Terminal() bool { return d.Action == Suppress && d.RequeueAt == nil }

// Config tunes the suppression checks.
type Config struct {
	DedupWindow      time.Duration
	RateLimit        int
	RateWindow       time.Duration
	MaxPerDayDefault int
}

func DefaultConfig() Config {
	return Config{
		DedupWindow: 24 * time.Hour,
		RateLimit:   5,
		RateWindow:  time.Hour,
	}
}

// Engine evaluates the ordered suppression checks.
type Engine struct {
	cfg Config
}

func New(cfg Config) Engine {
	def := DefaultConfig()
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = def.DedupWindow
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = def.RateWindow
	}
	if cfg.MaxPerDayDefault < 0 {
		cfg.MaxPerDayDefault = 0
	}
	return Engine{cfg: cfg}
}

func (e Engine) Config() Config { return e.cfg }

// LookBack is how far back delivery history must reach for Evaluate to see
// every record it may count. A local calendar day spans at most 25h.
func (e Engine) LookBack() time.Duration {
	lb := 25 * time.Hour
	if e.cfg.DedupWindow > lb {
		lb = e.cfg.DedupWindow
	}
	if e.cfg.RateWindow > lb {
		lb = e.cfg.RateWindow
	}
	return lb
}

// Evaluate applies, in order: opt-out, quiet hours, duplicate, rate limit and
// daily cap, then the alert filter. The first match wins. pref nil means the
// owner has no preference record. recent is the owner's delivery history of
// every kind.
func (e Engine) Evaluate(now time.Time, t task.Task, pref *task.Preference, recent []task.DeliveryRecord) Decision {
	if pref == nil {
		return terminal(task.ReasonNoPreference)
	}
	if !pref.OptedIn {
		return terminal(task.ReasonOptedOut)
	}

	loc, _ := task.OwnerLocation(pref.Timezone, t.Schedule)

	if q, ok := parseQuiet(pref.QuietHours); ok && q.contains(now.In(loc)) {
		return requeue(task.ReasonQuietHours, q.nextEnd(now.In(loc)))
	}

	if t.Kind.IsAlert() && t.Fingerprint != "" && e.duplicate(now, t.Fingerprint, recent) {
		return terminal(task.ReasonDuplicate)
	}

	if at, limited := e.rateLimited(now, recent); limited {
		return requeue(task.ReasonRateLimited, at)
	}

	max := pref.MaxPerDay
	if max <= 0 {
		max = e.cfg.MaxPerDayDefault
	}
	if max > 0 {
		midnight := localMidnight(now.In(loc))
		if countSent(recent, midnight, now) >= max {
			return requeue(task.ReasonRateLimited, midnight.AddDate(0, 0, 1))
		}
	}

	if t.Kind.IsAlert() && !candidate.Match(candidate.FromTask(t), pref.Filter(t.Kind)) {
		return terminal(task.ReasonNoMatch)
	}
	return Decision{Action: Deliver}
}

func (e Engine) duplicate(now time.Time, fp string, recent []task.DeliveryRecord) bool {
	from := now.Add(-e.cfg.DedupWindow)
	for _, r := range recent {
		if r.Outcome == task.OutcomeSent && r.Fingerprint == fp && r.AttemptedAt.After(from) && !r.AttemptedAt.After(now) {
			return true
		}
	}
	return false
}

// rateLimited reports whether RateLimit SENT records already fall inside the
// trailing RateWindow. The returned time is when enough of them age out for
// one more delivery to fit.
func (e Engine) rateLimited(now time.Time, recent []task.DeliveryRecord) (time.Time, bool) {
	from := now.Add(-e.cfg.RateWindow)
	var sent []time.Time
	for _, r := range recent {
		if r.Outcome == task.OutcomeSent && r.AttemptedAt.After(from) && !r.AttemptedAt.After(now) {
			sent = append(sent, r.AttemptedAt)
		}
	}
	if len(sent) < e.cfg.RateLimit {
		return time.Time{}, false
	}
	sort.Slice(sent, func(i, j int) bool { return sent[i].Before(sent[j]) })
	return sent[len(sent)-e.cfg.RateLimit].Add(e.cfg.RateWindow), true
}

func countSent(recent []task.DeliveryRecord, from, now time.Time) int {
	n := 0
	for _, r := range recent {
		if r.Outcome == task.OutcomeSent && !r.AttemptedAt.Before(from) && !r.AttemptedAt.After(now) {
			n++
		}
	}
	return n
}

func localMidnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func terminal(r task.Reason) Decision {
	return Decision{Action: Suppress, Reason: r}
}

func requeue(r task.Reason, at time.Time) Decision {
	at = at.UTC()
	return Decision{Action: Suppress, Reason: r, RequeueAt: &at}
}
