package app

import (
	"fmt"
	"strings"
	"time"

	"herald/internal/candidate"
	"herald/internal/config"
	"herald/internal/delivery"
	"herald/internal/policy"
	"herald/internal/scheduler"
	"herald/internal/store"
	"herald/internal/task"
	"herald/pkg/logx"
)

// The map* helpers translate a validated config into component settings.

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	console := l.Console
	if !console && !l.File.Enabled {
		console = true
	}
	return logx.Config{
		Level:   l.Level,
		Console: console,
		JSON:    l.JSON,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Operator: logx.OperatorConfig{
			Enabled:    l.Operator.Enabled,
			Path:       l.Operator.Path,
			MinLevel:   l.Operator.MinLevel,
			RatePerSec: l.Operator.RatePerSec,
		},
	}
}

func mapPolicy(cfg *config.Config) policy.Config {
	def := policy.DefaultConfig()
	p := cfg.Policy
	return policy.Config{
		DedupWindow:      config.DurationOr(p.DedupWindow, def.DedupWindow),
		RateLimit:        p.RateLimit,
		RateWindow:       config.DurationOr(p.RateWindow, def.RateWindow),
		MaxPerDayDefault: p.MaxPerDay,
	}
}

func mapGranularity(cfg *config.Config) candidate.Granularity {
	g, err := candidate.ParseGranularity(cfg.Policy.Granularity)
	if err != nil {
		return candidate.GranularityContent
	}
	return g
}

func mapDelivery(cfg *config.Config) delivery.Config {
	def := delivery.DefaultConfig()
	d := cfg.Delivery
	out := delivery.Config{
		MaxAttempts: d.MaxAttempts,
		BackoffBase: config.DurationOr(d.BackoffBase, def.BackoffBase),
		BackoffMax:  config.DurationOr(d.BackoffMax, def.BackoffMax),
		SendTimeout: config.DurationOr(d.SendTimeout, def.SendTimeout),
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = def.MaxAttempts
	}
	return out
}

func mapLoop(cfg *config.Config) scheduler.Config {
	s := cfg.Scheduler
	return scheduler.Config{
		Workers:  s.Workers,
		ClaimTTL: config.DurationOr(s.ClaimTTL, 5*time.Minute),
		DrainMax: s.DrainMax,
	}
}

func mapService(cfg *config.Config) scheduler.ServiceConfig {
	s := cfg.Scheduler
	return scheduler.ServiceConfig{
		Spec:            s.Spec,
		MaintenanceSpec: s.MaintenanceSpec,
		Retention:       config.DurationOr(s.Retention, 30*24*time.Hour),
		LockTTL:         config.DurationOr(s.LockTTL, 2*time.Minute),
		Timezone:        s.Timezone,
	}
}

func mapStore(cfg *config.Config) store.Config {
	s := cfg.Store
	return store.Config{
		Driver:      strings.TrimSpace(s.Driver),
		Path:        strings.TrimSpace(s.Path),
		DSN:         strings.TrimSpace(s.DSN),
		BusyTimeout: config.DurationOr(s.BusyTimeout, time.Second),
	}
}

func metricsAddr(cfg *config.Config) string {
	if a := strings.TrimSpace(cfg.Metrics.Addr); a != "" {
		return a
	}
	return "127.0.0.1:9464"
}

// reminderID namespaces config reminders so they never collide with ids the
// API layer generates.
func reminderID(id string) string { return "config:" + strings.TrimSpace(id) }

// mapReminder builds the task for r. ok is false when r is a one-shot whose
// time already passed, which is not inserted again.
func mapReminder(r config.ReminderConfig, now time.Time) (t task.Task, ok bool, err error) {
	at, err := time.Parse(time.RFC3339, strings.TrimSpace(r.At))
	if err != nil {
		return task.Task{}, false, fmt.Errorf("reminder %s: %w", r.ID, err)
	}
	switch {
	case r.Event != nil:
		if !at.After(now) {
			return task.Task{}, false, nil
		}
		lead := config.DurationOr(r.Event.Lead, task.DefaultEventLead)
		t = task.EventReminder(r.Owner, r.Text, r.Event.Location, at, lead, now)
	case strings.TrimSpace(r.Every) != "":
		freq, known := task.ParseFrequency(r.Every)
		if !known {
			return task.Task{}, false, fmt.Errorf("reminder %s: %w: frequency %q", r.ID, task.ErrMalformedSchedule, r.Every)
		}
		t = task.New(r.Owner, task.KindReminder, task.Payload{Body: r.Text}, task.Every(freq, at, strings.TrimSpace(r.Timezone)), now)
	default:
		if !at.After(now) {
			return task.Task{}, false, nil
		}
		t = task.New(r.Owner, task.KindReminder, task.Payload{Body: r.Text}, task.OneShotAt(at), now)
	}
	t.ID = reminderID(r.ID)
	return t, true, nil
}
