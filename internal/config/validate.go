package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"

	"herald/internal/candidate"
	"herald/internal/task"
)

var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate reports every problem in cfg at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	var errs *multierror.Error
	add := func(err error) {
		if err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	s := cfg.Scheduler
	for path, spec := range map[string]string{"scheduler.spec": s.Spec, "scheduler.maintenance_spec": s.MaintenanceSpec} {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		if _, err := specParser.Parse(spec); err != nil {
			add(fmt.Errorf("%s: %w", path, err))
		}
	}
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if s.Workers < 0 {
		add(fmt.Errorf("scheduler.workers must be >= 0"))
	}
	dur("scheduler.claim_ttl", s.ClaimTTL)
	dur("scheduler.lock_ttl", s.LockTTL)
	dur("scheduler.retention", s.Retention)

	p := cfg.Policy
	dur("policy.dedup_window", p.DedupWindow)
	dur("policy.rate_window", p.RateWindow)
	if p.RateLimit < 0 || p.MaxPerDay < 0 {
		add(fmt.Errorf("policy.rate_limit and policy.max_per_day must be >= 0"))
	}
	if _, err := candidate.ParseGranularity(p.Granularity); err != nil {
		add(fmt.Errorf("policy.granularity: %w", err))
	}

	d := cfg.Delivery
	dur("delivery.backoff_base", d.BackoffBase)
	dur("delivery.backoff_max", d.BackoffMax)
	dur("delivery.send_timeout", d.SendTimeout)
	if d.MaxAttempts < 0 {
		add(fmt.Errorf("delivery.max_attempts must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Store.Driver)) {
	case "", "memory":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Store.Path) == "" {
			add(fmt.Errorf("store.path is required for driver %q", cfg.Store.Driver))
		}
	case "postgres", "postgresql":
		if strings.TrimSpace(cfg.Store.DSN) == "" {
			add(fmt.Errorf("store.dsn is required for postgres"))
		}
	default:
		add(fmt.Errorf("store.driver: unknown driver %q", cfg.Store.Driver))
	}
	dur("store.busy_timeout", cfg.Store.BusyTimeout)

	needRedis := cfg.Candidates.RedisKey != ""
	switch strings.ToLower(strings.TrimSpace(cfg.Lock.Driver)) {
	case "", "local":
	case "redis":
		needRedis = true
	default:
		add(fmt.Errorf("lock.driver: unknown driver %q", cfg.Lock.Driver))
	}
	if needRedis && strings.TrimSpace(cfg.Redis.Addr) == "" {
		add(fmt.Errorf("redis.addr is required by the redis locker and candidate source"))
	}

	pr := cfg.Preferences
	switch strings.ToLower(strings.TrimSpace(pr.Source)) {
	case "", "static":
	case "postgres":
		if strings.TrimSpace(pr.DSN) == "" {
			add(fmt.Errorf("preferences.dsn is required for postgres"))
		}
	default:
		add(fmt.Errorf("preferences.source: unknown source %q", pr.Source))
	}
	dur("preferences.cache_ttl", pr.CacheTTL)
	for i, pref := range pr.Static {
		add(validatePreference(fmt.Sprintf("preferences.static[%d]", i), pref))
	}

	if cfg.Candidates.Buffer < 0 {
		add(fmt.Errorf("candidates.buffer must be >= 0"))
	}
	seen := map[string]bool{}
	for i, r := range cfg.Reminders {
		path := fmt.Sprintf("reminders[%d]", i)
		add(validateReminder(path, r))
		if id := strings.TrimSpace(r.ID); id != "" {
			if seen[id] {
				add(fmt.Errorf("%s.id %q is used twice", path, id))
			}
			seen[id] = true
		}
	}

	g := cfg.Gateways
	if g.Telegram != nil {
		dur("gateways.telegram.request_timeout", g.Telegram.RequestTimeout)
	}
	if g.SMS != nil && (g.SMS.SignName == "" || g.SMS.TemplateCode == "") {
		add(fmt.Errorf("gateways.sms: sign_name and template_code are required"))
	}
	if g.Voice != nil {
		if strings.TrimSpace(g.Voice.URL) == "" {
			add(fmt.Errorf("gateways.voice.url is required"))
		}
		dur("gateways.voice.timeout", g.Voice.Timeout)
	}
	for _, ch := range g.Console {
		add(validateChannel("gateways.console", ch))
	}

	return errs.ErrorOrNil()
}

func validatePreference(path string, p task.Preference) error {
	var errs *multierror.Error
	if strings.TrimSpace(p.Owner) == "" {
		errs = multierror.Append(errs, fmt.Errorf("%s.owner is required", path))
	}
	if p.QuietHours.Enabled() {
		for _, raw := range []string{p.QuietHours.Start, p.QuietHours.End} {
			if _, err := task.ParseClock(raw); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s.quiet_hours: %w", path, err))
			}
		}
	}
	if tz := strings.TrimSpace(p.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s.timezone: %w", path, err))
		}
	}
	for _, ch := range p.Channels {
		if err := validateChannel(path+".channels", ch); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func validateReminder(path string, r ReminderConfig) error {
	var errs *multierror.Error
	add := func(err error) {
		if err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if strings.TrimSpace(r.ID) == "" || strings.TrimSpace(r.Owner) == "" {
		add(fmt.Errorf("%s: id and owner are required", path))
	}
	if strings.TrimSpace(r.Text) == "" {
		add(fmt.Errorf("%s.text is required", path))
	}
	if _, err := time.Parse(time.RFC3339, strings.TrimSpace(r.At)); err != nil {
		add(fmt.Errorf("%s.at: %w", path, err))
	}
	if every := strings.TrimSpace(r.Every); every != "" {
		if _, ok := task.ParseFrequency(every); !ok {
			add(fmt.Errorf("%s.every: unknown frequency %q", path, r.Every))
		}
		if r.Event != nil {
			add(fmt.Errorf("%s: an event reminder cannot repeat", path))
		}
	}
	if tz := strings.TrimSpace(r.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("%s.timezone: %w", path, err))
		}
	}
	if r.Event != nil {
		_, err := ParseDurationField(path+".event.lead", r.Event.Lead)
		add(err)
	}
	return errs.ErrorOrNil()
}

func validateChannel(path string, ch task.Channel) error {
	switch ch {
	case task.ChannelChat, task.ChannelSMS, task.ChannelVoice:
		return nil
	}
	return fmt.Errorf("%s: unknown channel %q", path, ch)
}
