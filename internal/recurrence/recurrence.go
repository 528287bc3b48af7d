// Package recurrence computes the next fire time of a task schedule.
//
// Every function here is pure: the reference time is always passed in and the
// package never reads the wall clock.
package recurrence

import (
	"fmt"
	"time"

	"herald/internal/task"
)

// Result is the outcome of a next-fire computation. Exactly one of At,
// Exhausted or Err is meaningful.
type Result struct {
	At        time.Time
	Exhausted bool
	Err       error
}

func exhausted() Result { return Result{Exhausted: true} }

func malformed(format string, args ...any) Result {
	return Result{Err: fmt.Errorf("%w: "+format, append([]any{task.ErrMalformedSchedule}, args...)...)}
}

// Next returns the first occurrence of s strictly after ref, interpreted in
// loc. occurrences is the number of occurrences already delivered, used by the
// MaxOccurrences end condition.
func Next(s task.Schedule, occurrences int, loc *time.Location, ref time.Time) Result {
	if loc == nil {
		loc = time.UTC
	}
	switch {
	case s.Rule != nil:
		return nextRule(*s.Rule, occurrences, loc, ref)
	case s.At != nil:
		if s.At.IsZero() {
			return malformed("zero one-shot timestamp")
		}
		if ref.Before(*s.At) {
			return Result{At: s.At.UTC()}
		}
		return exhausted()
	default:
		return malformed("schedule has neither a timestamp nor a rule")
	}
}

func nextRule(r task.Rule, occurrences int, loc *time.Location, ref time.Time) Result {
	if r.Anchor.IsZero() {
		return malformed("rule anchor is zero")
	}
	if r.End.MaxOccurrences < 0 {
		return malformed("negative max occurrences")
	}
	if r.End.MaxOccurrences > 0 && occurrences >= r.End.MaxOccurrences {
		return exhausted()
	}

	anchor := r.Anchor.In(loc)
	// Occurrences never precede the anchor itself.
	if ref.Before(anchor) {
		ref = anchor.Add(-time.Nanosecond)
	}

	var at time.Time
	switch r.Frequency {
	case task.Daily:
		at = nextDaily(anchor, ref.In(loc))
	case task.Weekly:
		at = nextWeekly(anchor, ref.In(loc))
	case task.Monthly:
		at = nextMonthly(anchor, ref.In(loc))
	default:
		return malformed("unknown frequency %q", r.Frequency)
	}

	if r.End.Until != nil && at.After(*r.End.Until) {
		return exhausted()
	}
	return Result{At: at.UTC()}
}

// wallClock keeps the anchor's full clock reading, sub-second part included,
// so the first occurrence of an anchor taken from time.Now is the anchor.
func wallClock(anchor time.Time, y int, m time.Month, d int, loc *time.Location) time.Time {
	return time.Date(y, m, d, anchor.Hour(), anchor.Minute(), anchor.Second(), anchor.Nanosecond(), loc)
}

func nextDaily(anchor, ref time.Time) time.Time {
	loc := ref.Location()
	y, m, d := ref.Date()
	at := wallClock(anchor, y, m, d, loc)
	if !at.After(ref) {
		at = wallClock(anchor, y, m, d+1, loc)
	}
	return at
}

func nextWeekly(anchor, ref time.Time) time.Time {
	loc := ref.Location()
	y, m, d := ref.Date()
	delta := (int(anchor.Weekday()) - int(ref.Weekday()) + 7) % 7
	at := wallClock(anchor, y, m, d+delta, loc)
	if !at.After(ref) {
		at = wallClock(anchor, y, m, d+delta+7, loc)
	}
	return at
}

func nextMonthly(anchor, ref time.Time) time.Time {
	loc := ref.Location()
	y, m, _ := ref.Date()
	at := monthDay(anchor, y, m, loc)
	if !at.After(ref) {
		at = monthDay(anchor, y, m+1, loc)
	}
	return at
}

// monthDay places anchor's day of month in the given month, clamped to the
// month's last day.
func monthDay(anchor time.Time, y int, m time.Month, loc *time.Location) time.Time {
	first := time.Date(y, m, 1, 0, 0, 0, 0, loc)
	last := daysIn(first.Year(), first.Month(), loc)
	day := anchor.Day()
	if day > last {
		day = last
	}
	return wallClock(anchor, first.Year(), first.Month(), day, loc)
}

func daysIn(y int, m time.Month, loc *time.Location) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, loc).Day()
}

// Initial returns the first fire time of a newly created schedule: never
// earlier than created. A one-shot timestamp in the past is clamped to
// created so it fires on the next tick.
func Initial(s task.Schedule, loc *time.Location, created time.Time) Result {
	if s.Rule == nil && s.At != nil {
		if s.At.IsZero() {
			return malformed("zero one-shot timestamp")
		}
		if s.At.Before(created) {
			return Result{At: created.UTC()}
		}
		return Result{At: s.At.UTC()}
	}
	return Next(s, 0, loc, created.Add(-time.Nanosecond))
}

// Seed fills in NextFireAt of a freshly built task. prefTZ is the owner's
// preference timezone, if known.
func Seed(t *task.Task, prefTZ string) error {
	loc, err := task.OwnerLocation(prefTZ, t.Schedule)
	if err != nil {
		return fmt.Errorf("%w: %v", task.ErrMalformedSchedule, err)
	}
	res := Initial(t.Schedule, loc, t.CreatedAt)
	switch {
	case res.Err != nil:
		return res.Err
	case res.Exhausted:
		return fmt.Errorf("%w: schedule has no occurrence after creation", task.ErrMalformedSchedule)
	}
	t.SetNext(res.At, task.RequeueNone)
	return nil
}
