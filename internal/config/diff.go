package config

import (
	"reflect"

	"herald/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs and
// safe fields for logging the change. Secrets are reported only as set/unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		fields  []logx.Field
	)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		fields = append(fields,
			logx.String("scheduler.spec", newCfg.Scheduler.Spec),
			logx.Int("scheduler.workers", newCfg.Scheduler.Workers),
		)
	}
	if oldCfg.Policy != newCfg.Policy {
		changed = append(changed, "policy")
		fields = append(fields,
			logx.String("policy.dedup_window", newCfg.Policy.DedupWindow),
			logx.Int("policy.rate_limit", newCfg.Policy.RateLimit),
		)
	}
	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
		fields = append(fields, logx.Int("delivery.max_attempts", newCfg.Delivery.MaxAttempts))
	}
	if !reflect.DeepEqual(oldCfg.Preferences.Static, newCfg.Preferences.Static) ||
		oldCfg.Preferences.CacheTTL != newCfg.Preferences.CacheTTL {
		changed = append(changed, "preferences")
		fields = append(fields, logx.Int("preferences.static", len(newCfg.Preferences.Static)))
	}

	if !reflect.DeepEqual(oldCfg.Reminders, newCfg.Reminders) {
		changed = append(changed, "reminders")
		fields = append(fields, logx.Int("reminders", len(newCfg.Reminders)))
	}

	// Sections only applied on restart.
	restart := oldCfg.Store != newCfg.Store ||
		oldCfg.Redis != newCfg.Redis ||
		oldCfg.Lock != newCfg.Lock ||
		oldCfg.Candidates != newCfg.Candidates ||
		oldCfg.Metrics != newCfg.Metrics ||
		oldCfg.Preferences.Source != newCfg.Preferences.Source ||
		oldCfg.Preferences.DSN != newCfg.Preferences.DSN ||
		!reflect.DeepEqual(oldCfg.Gateways, newCfg.Gateways)
	if restart {
		changed = append(changed, "restart_required")
		fields = append(fields, logx.Bool("config.restart_required", true))
	}
	return changed, fields
}
