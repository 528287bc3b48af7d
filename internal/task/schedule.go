package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

type Frequency string

const (
	Daily   Frequency = "DAILY"
	Weekly  Frequency = "WEEKLY"
	Monthly Frequency = "MONTHLY"
)

// ParseFrequency accepts a frequency in any case, as written in config
// ("daily", "weekly", "monthly").
func ParseFrequency(s string) (Frequency, bool) {
	switch Frequency(strings.ToUpper(strings.TrimSpace(s))) {
	case Daily:
		return Daily, true
	case Weekly:
		return Weekly, true
	case Monthly:
		return Monthly, true
	}
	return "", false
}

// End stops a recurrence. Zero value means "never".
type End struct {
	MaxOccurrences int        `json:"max_occurrences,omitempty"`
	Until          *time.Time `json:"until,omitempty"`
}

// Rule repeats at the wall-clock time of Anchor in the owner's timezone.
// WEEKLY repeats on Anchor's weekday, MONTHLY on Anchor's day of month.
type Rule struct {
	Frequency Frequency `json:"frequency"`
	Anchor    time.Time `json:"anchor"`
	End       End       `json:"end,omitempty"`
}

// Schedule is either a one-shot timestamp (At) or a recurrence Rule.
// Timezone is the owner's IANA zone at creation; an empty value falls back to
// the preference timezone at dispatch time.
type Schedule struct {
	At       *time.Time `json:"at,omitempty"`
	Rule     *Rule      `json:"rule,omitempty"`
	Timezone string     `json:"timezone,omitempty"`
}

func (s Schedule) OneShot() bool   { return s.At != nil && s.Rule == nil }
func (s Schedule) Recurring() bool { return s.Rule != nil }

func OneShotAt(at time.Time) Schedule { return Schedule{At: TimePtr(at.UTC())} }

func Every(freq Frequency, anchor time.Time, tz string) Schedule {
	return Schedule{Rule: &Rule{Frequency: freq, Anchor: anchor}, Timezone: tz}
}

// OwnerLocation resolves the zone a task is evaluated in: the owner
// preference timezone, then the schedule's, then UTC. A name that fails to
// load is skipped. The error is set only when no configured name loaded.
func OwnerLocation(prefTZ string, s Schedule) (*time.Location, error) {
	var errs *multierror.Error
	for _, name := range []string{prefTZ, s.Timezone} {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		loc, err := time.LoadLocation(name)
		if err == nil {
			return loc, nil
		}
		errs = multierror.Append(errs, fmt.Errorf("timezone %q: %w", name, err))
	}
	return time.UTC, errs.ErrorOrNil()
}
