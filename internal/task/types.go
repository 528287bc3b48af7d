package task

import (
	"fmt"
	"time"
)

// Kind discriminates the notification families that share one scheduling
// pipeline.
type Kind string

const (
	KindReminder         Kind = "REMINDER"
	KindPriceAlert       Kind = "PRICE_ALERT"
	KindJobAlert         Kind = "JOB_ALERT"
	KindTransactionAlert Kind = "TRANSACTION_ALERT"
	KindEventReminder    Kind = "EVENT_REMINDER"
)

// IsAlert reports whether k is produced from monitoring candidates. Alert kinds
// are subject to fingerprint dedup and threshold/keyword filtering.
func (k Kind) IsAlert() bool {
	switch k {
	case KindPriceAlert, KindJobAlert, KindTransactionAlert:
		return true
	}
	return false
}

func (k Kind) Valid() bool {
	switch k {
	case KindReminder, KindPriceAlert, KindJobAlert, KindTransactionAlert, KindEventReminder:
		return true
	}
	return false
}

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS" // claimed by a tick; never persisted as a final state
	StatusDelivered  Status = "DELIVERED"
	StatusSuppressed Status = "SUPPRESSED"
	StatusExhausted  Status = "EXHAUSTED"
	StatusCancelled  Status = "CANCELLED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether no further fire time exists for s.
func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusSuppressed, StatusExhausted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Reason explains a suppression or a terminal failure.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonOptedOut           Reason = "OPTED_OUT"
	ReasonQuietHours         Reason = "QUIET_HOURS"
	ReasonDuplicate          Reason = "DUPLICATE"
	ReasonRateLimited        Reason = "RATE_LIMITED"
	ReasonNoMatch            Reason = "NO_MATCH"
	ReasonNoPreference       Reason = "NO_PREFERENCE"
	ReasonDeliveryExhausted  Reason = "DELIVERY_EXHAUSTED"
	ReasonPermanentFailure   Reason = "DELIVERY_PERMANENT_FAILURE"
	ReasonMalformedSchedule  Reason = "MALFORMED_SCHEDULE"
	ReasonNoDeliverableRoute Reason = "NO_DELIVERABLE_CHANNEL"
)

// Requeue records why NextFireAt last moved, so the path to the current value
// can be traced without replaying history.
type Requeue string

const (
	RequeueNone        Requeue = "NONE"
	RequeueRecurrence  Requeue = "RECURRENCE"
	RequeueQuietHours  Requeue = "QUIET_HOURS"
	RequeueRateLimited Requeue = "RATE_LIMITED"
	RequeueBackoff     Requeue = "BACKOFF"
)

// Payload is channel-agnostic message content. Alert tasks carry the
// normalized candidate attributes used by threshold and keyword filters.
type Payload struct {
	Title       string            `json:"title,omitempty"`
	Body        string            `json:"body"`
	URL         string            `json:"url,omitempty"`
	DiscountPct float64           `json:"discount_pct,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
}

// Task is a unit of schedulable reminder/alert work owned by a user.
type Task struct {
	ID       string   `json:"id"`
	Owner    string   `json:"owner"`
	Kind     Kind     `json:"kind"`
	Payload  Payload  `json:"payload"`
	Schedule Schedule `json:"schedule"`

	Status        Status     `json:"status"`
	NextFireAt    *time.Time `json:"next_fire_at,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	Attempts      int        `json:"attempts"`
	Occurrences   int        `json:"occurrences"`
	Requeue       Requeue    `json:"requeue,omitempty"`
	Reason        Reason     `json:"reason,omitempty"`
	Fingerprint   string     `json:"fingerprint,omitempty"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Due reports whether t should be selected by a tick at now.
func (t Task) Due(now time.Time) bool {
	return t.Status == StatusPending && t.NextFireAt != nil && !t.NextFireAt.After(now)
}

// Validate checks the lifecycle invariants of a persisted task.
func (t Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: id required", ErrInvalidTask)
	}
	if t.Owner == "" {
		return fmt.Errorf("%w: owner required", ErrInvalidTask)
	}
	if !t.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTask, t.Kind)
	}
	if t.Attempts < 0 {
		return fmt.Errorf("%w: negative attempt count", ErrInvalidTask)
	}
	switch {
	case t.Status.Terminal() && t.NextFireAt != nil:
		return fmt.Errorf("%w: %s task must not have a next fire time", ErrInvalidTask, t.Status)
	case t.Status == StatusPending && t.NextFireAt == nil:
		return fmt.Errorf("%w: pending task needs a next fire time", ErrInvalidTask)
	case t.Status == StatusPending && t.NextFireAt.Before(t.CreatedAt):
		return fmt.Errorf("%w: next fire time precedes creation", ErrInvalidTask)
	}
	return nil
}

// Clone returns a deep copy, so stores never share pointers with callers.
func (t Task) Clone() Task {
	cp := t
	cp.NextFireAt = clonePtr(t.NextFireAt)
	cp.LastAttemptAt = clonePtr(t.LastAttemptAt)
	cp.ClaimedAt = clonePtr(t.ClaimedAt)
	cp.Schedule.At = clonePtr(t.Schedule.At)
	if t.Schedule.Rule != nil {
		r := *t.Schedule.Rule
		r.End.Until = clonePtr(t.Schedule.Rule.End.Until)
		cp.Schedule.Rule = &r
	}
	if t.Payload.Data != nil {
		cp.Payload.Data = make(map[string]string, len(t.Payload.Data))
		for k, v := range t.Payload.Data {
			cp.Payload.Data[k] = v
		}
	}
	return cp
}

// SetNext sets NextFireAt and records why it moved.
func (t *Task) SetNext(at time.Time, why Requeue) {
	at = at.UTC()
	t.NextFireAt = &at
	t.Requeue = why
}

// Finish moves t to a terminal status and clears its fire time.
func (t *Task) Finish(s Status, why Reason) {
	t.Status = s
	t.Reason = why
	t.NextFireAt = nil
	t.ClaimedAt = nil
}

func clonePtr(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// TimePtr is a small helper for building optional timestamps.
func TimePtr(t time.Time) *time.Time { return &t }
