package config

import "herald/internal/task"

// Config is the daemon configuration file. Durations are Go duration strings
// ("30s", "5m", "24h"); empty means the component default.
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Policy      PolicyConfig      `json:"policy"`
	Delivery    DeliveryConfig    `json:"delivery"`
	Store       StoreConfig       `json:"store"`
	Redis       RedisConfig       `json:"redis,omitempty"`
	Lock        LockConfig        `json:"lock,omitempty"`
	Preferences PreferencesConfig `json:"preferences"`
	Candidates  CandidatesConfig  `json:"candidates,omitempty"`
	Reminders   []ReminderConfig  `json:"reminders,omitempty"`
	Gateways    GatewaysConfig    `json:"gateways"`
	Metrics     MetricsConfig     `json:"metrics,omitempty"`
}

type LoggingConfig struct {
	Level    string         `json:"level"`
	Console  bool           `json:"console"`
	JSON     bool           `json:"json,omitempty"`
	File     FileLogConfig  `json:"file,omitempty"`
	Operator OperatorConfig `json:"operator,omitempty"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// OperatorConfig mirrors warnings and errors into a separate file.
type OperatorConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// SchedulerConfig controls the tick trigger and per-tick execution.
//
// Defaults:
//   - spec: "@every 1m"
//   - maintenance_spec: "@daily"
//   - workers: 4
//   - claim_ttl: "5m"
//   - lock_ttl: "2m"
//   - retention: "720h"
type SchedulerConfig struct {
	Spec            string `json:"spec,omitempty"`
	MaintenanceSpec string `json:"maintenance_spec,omitempty"`
	Timezone        string `json:"timezone,omitempty"` // cron location
	Workers         int    `json:"workers,omitempty"`
	ClaimTTL        string `json:"claim_ttl,omitempty"`
	LockTTL         string `json:"lock_ttl,omitempty"`
	Retention       string `json:"retention,omitempty"`
	DrainMax        int    `json:"drain_max,omitempty"`
}

type PolicyConfig struct {
	DedupWindow string `json:"dedup_window,omitempty"` // default "24h"
	RateLimit   int    `json:"rate_limit,omitempty"`   // deliveries per rate_window; default 5
	RateWindow  string `json:"rate_window,omitempty"`  // default "1h"
	MaxPerDay   int    `json:"max_per_day,omitempty"`  // default daily cap for alert kinds; 0 disables

	// Granularity selects the alert fingerprint: "content" or "content+threshold".
	Granularity string `json:"granularity,omitempty"`
}

type DeliveryConfig struct {
	MaxAttempts int    `json:"max_attempts,omitempty"` // default 5
	BackoffBase string `json:"backoff_base,omitempty"` // default "1m"
	BackoffMax  string `json:"backoff_max,omitempty"`  // default "30m"
	SendTimeout string `json:"send_timeout,omitempty"` // default "10s"
}

// StoreConfig selects the task store.
//
// Example:
//
//	"store": { "driver": "sqlite", "path": "./data/herald.db" }
type StoreConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres; HERALD_STORE_DSN overrides
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// RedisConfig is shared by the redis locker and the redis candidate source.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"` // HERALD_REDIS_PASSWORD overrides
	DB       int    `json:"db,omitempty"`
}

type LockConfig struct {
	Driver string `json:"driver,omitempty"` // "local" (default) or "redis"
	Prefix string `json:"prefix,omitempty"`
}

// PreferencesConfig selects where owner preferences are read from.
//
// source "static" serves the inline list; "postgres" reads the
// herald_preferences table at dsn, cached for cache_ttl. With postgres the
// inline list, if any, is upserted into the table at startup and on reload.
type PreferencesConfig struct {
	Source   string            `json:"source,omitempty"`
	DSN      string            `json:"dsn,omitempty"` // HERALD_PREFERENCES_DSN overrides
	CacheTTL string            `json:"cache_ttl,omitempty"`
	Static   []task.Preference `json:"static,omitempty"`
}

type CandidatesConfig struct {
	// RedisKey enables the redis list source when set. App.Submit then pushes
	// to the list instead of the in-process queue.
	RedisKey string `json:"redis_key,omitempty"`
	// Buffer is the in-process queue size; default 256.
	Buffer int `json:"buffer,omitempty"`
}

// ReminderConfig declares a reminder kept in the config file. Reminders are
// inserted at startup and on reload; an id already in the store is left
// alone, so editing one needs a new id.
//
// Example:
//
//	reminders:
//	  - id: standup
//	    owner: alice
//	    text: Daily standup
//	    at: "2025-08-25T09:30:00+07:00"
//	    every: daily
//	    timezone: Asia/Jakarta
type ReminderConfig struct {
	ID       string       `json:"id"`
	Owner    string       `json:"owner"`
	Text     string       `json:"text"`
	At       string       `json:"at"`              // RFC 3339; the anchor when every is set
	Every    string       `json:"every,omitempty"` // daily, weekly or monthly
	Timezone string       `json:"timezone,omitempty"`
	Event    *EventConfig `json:"event,omitempty"`
}

// EventConfig makes the reminder a one-shot EVENT_REMINDER for an event
// starting at the reminder's at.
type EventConfig struct {
	Location string `json:"location,omitempty"`
	Lead     string `json:"lead,omitempty"` // default "15m"
}

type GatewaysConfig struct {
	Telegram *TelegramConfig `json:"telegram,omitempty"`
	SMS      *SMSConfig      `json:"sms,omitempty"`
	Voice    *VoiceConfig    `json:"voice,omitempty"`

	// Console registers a logging gateway for each listed channel. Useful in
	// development.
	Console []task.Channel `json:"console,omitempty"`
}

type TelegramConfig struct {
	Token          string  `json:"token,omitempty"` // HERALD_TELEGRAM_TOKEN overrides
	APIURL         string  `json:"api_url,omitempty"`
	RequestTimeout string  `json:"request_timeout,omitempty"`
	DisablePreview bool    `json:"disable_preview,omitempty"`
	RatePerSec     float64 `json:"rate_per_sec,omitempty"`
	Burst          int     `json:"burst,omitempty"`
}

type SMSConfig struct {
	RegionID        string  `json:"region_id,omitempty"`
	Endpoint        string  `json:"endpoint,omitempty"`
	AccessKeyID     string  `json:"access_key_id,omitempty"`     // HERALD_ALIYUN_ACCESS_KEY_ID overrides
	AccessKeySecret string  `json:"access_key_secret,omitempty"` // HERALD_ALIYUN_ACCESS_KEY_SECRET overrides
	SignName        string  `json:"sign_name"`
	TemplateCode    string  `json:"template_code"`
	ParamKey        string  `json:"param_key,omitempty"`
	MaxRunes        int     `json:"max_runes,omitempty"`
	RatePerSec      float64 `json:"rate_per_sec,omitempty"`
	Burst           int     `json:"burst,omitempty"`
}

type VoiceConfig struct {
	URL        string  `json:"url"`
	Token      string  `json:"token,omitempty"` // HERALD_VOICE_TOKEN overrides
	Voice      string  `json:"voice,omitempty"`
	Timeout    string  `json:"timeout,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:9464"
	Pprof   bool   `json:"pprof,omitempty"`
}
