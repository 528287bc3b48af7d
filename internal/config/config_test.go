package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"herald/internal/task"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  spec: "@every 30s"
  workers: 8
  claim_ttl: 10m
store:
  driver: sqlite
  path: ./data/herald.db
preferences:
  source: static
  static:
    - owner: u1
      opted_in: true
      channels: [chat, sms]
      recipients: {chat: "42", sms: "+628123"}
      timezone: Asia/Jakarta
      quiet_hours: {start: "22:00", end: "07:00"}
      filters:
        PRICE_ALERT: {min_discount_pct: 20, keywords: [laptop]}
gateways:
  console: [chat]
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	m := NewManager(writeFile(t, "herald.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.Spec != "@every 30s" || cfg.Scheduler.Workers != 8 || cfg.Store.Driver != "sqlite" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if len(cfg.Preferences.Static) != 1 {
		t.Fatalf("static prefs = %d", len(cfg.Preferences.Static))
	}
	p := cfg.Preferences.Static[0]
	if p.Recipients[task.ChannelSMS] != "+628123" || p.Filter(task.KindPriceAlert).MinDiscountPct != 20 {
		t.Fatalf("preference = %+v", p)
	}
	if m.Get() != cfg {
		t.Fatal("Load did not commit")
	}
}

func TestParseStrict(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name, file, body, want string
	}{
		{"unknown field", "c.json", `{"store":{"driver":"memory","pth":"x"}}`, "unknown field"},
		{"trailing data", "c.json", `{"store":{"driver":"memory"}}{}`, "trailing data"},
		{"bad yaml", "c.yml", "store: [", "yaml"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := parse(tc.file, []byte(tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("parse() error = %v, want it to mention %q", err, tc.want)
			}
		})
	}
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Scheduler:   SchedulerConfig{Spec: "every minute", ClaimTTL: "soon"},
		Policy:      PolicyConfig{Granularity: "fuzzy"},
		Store:       StoreConfig{Driver: "sqlite"},
		Lock:        LockConfig{Driver: "redis"},
		Preferences: PreferencesConfig{Static: []task.Preference{{Owner: "u1", QuietHours: task.QuietHours{Start: "25:00", End: "07:00"}}}},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"scheduler.spec", "scheduler.claim_ttl", "policy.granularity", "store.path", "redis.addr", "quiet_hours"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %s:\n%v", want, err)
		}
	}
}

func TestValidateAcceptsEmpty(t *testing.T) {
	t.Parallel()
	if err := Validate(&Config{}); err != nil {
		t.Fatalf("empty config should use defaults: %v", err)
	}
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Setenv("HERALD_TELEGRAM_TOKEN", "123:abc")
	t.Setenv("HERALD_STORE_DSN", "postgres://herald@db/herald")
	t.Setenv("HERALD_ALIYUN_ACCESS_KEY_SECRET", "s3cret")

	cfg, err := parse("c.json", []byte(`{"store":{"driver":"postgres"},"gateways":{"sms":{"sign_name":"Herald","template_code":"SMS_1"}}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Gateways.Telegram == nil || cfg.Gateways.Telegram.Token != "123:abc" {
		t.Fatalf("telegram token not applied: %+v", cfg.Gateways.Telegram)
	}
	if cfg.Store.DSN != "postgres://herald@db/herald" || cfg.Gateways.SMS.AccessKeySecret != "s3cret" {
		t.Fatalf("env overlay = %+v", cfg)
	}
}

func TestLoadDotenvIgnoresMissing(t *testing.T) {
	if err := LoadDotenv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("LoadDotenv: %v", err)
	}
	p := writeFile(t, ".env", "HERALD_TEST_DOTENV=loaded\n")
	t.Setenv("HERALD_TEST_DOTENV", "")
	_ = os.Unsetenv("HERALD_TEST_DOTENV")
	if err := LoadDotenv(p); err != nil {
		t.Fatalf("LoadDotenv: %v", err)
	}
	if got := os.Getenv("HERALD_TEST_DOTENV"); got != "loaded" {
		t.Fatalf("HERALD_TEST_DOTENV = %q", got)
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", time.Minute, false},
		{"0s", time.Minute, false},
		{"90s", 90 * time.Second, false},
		{"-1s", 0, true},
		{"fortnight", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseDurationOrDefault("x", tc.raw, time.Minute)
		if (err != nil) != tc.wantErr || (!tc.wantErr && got != tc.want) {
			t.Errorf("ParseDurationOrDefault(%q) = %v, %v", tc.raw, got, err)
		}
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	a := &Config{Policy: PolicyConfig{RateLimit: 5}}
	b := &Config{Policy: PolicyConfig{RateLimit: 3}, Store: StoreConfig{Driver: "sqlite", Path: "x.db"}}
	changed, _ := SummarizeChange(a, b)
	if strings.Join(changed, ",") != "policy,restart_required" {
		t.Fatalf("changed = %v", changed)
	}
}

func TestWatchPublishesReload(t *testing.T) {
	path := writeFile(t, "herald.json", `{"policy":{"rate_limit":5}}`)
	m := NewManager(path)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Rewrite until the watcher is up and picks the change.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-sub:
			if cfg.Policy.RateLimit != 2 {
				t.Fatalf("published rate_limit = %d", cfg.Policy.RateLimit)
			}
			if m.Get().Policy.RateLimit != 2 {
				t.Fatal("reload not committed")
			}
			return
		case <-tick.C:
			if err := os.WriteFile(path, []byte(`{"policy":{"rate_limit":2}}`), 0o644); err != nil {
				t.Fatal(err)
			}
		case <-deadline:
			t.Fatal("no reload published")
		}
	}
}

func TestWatchRejectsInvalidReload(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "herald.json", `{"policy":{"rate_limit":5}}`)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(`{"store":{"driver":"cassandra"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	m.reload(context.Background())
	if m.Get().Policy.RateLimit != 5 {
		t.Fatal("invalid config replaced the active one")
	}
}

func TestValidateReminders(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		r    ReminderConfig
		want string
	}{
		{"ok daily", ReminderConfig{ID: "a", Owner: "u1", Text: "x", At: "2025-08-25T09:30:00+07:00", Every: "Daily"}, ""},
		{"ok event", ReminderConfig{ID: "a", Owner: "u1", Text: "x", At: "2025-08-25T09:30:00Z", Event: &EventConfig{Lead: "30m"}}, ""},
		{"bad frequency", ReminderConfig{ID: "a", Owner: "u1", Text: "x", At: "2025-08-25T09:30:00Z", Every: "hourly"}, "unknown frequency"},
		{"bad at", ReminderConfig{ID: "a", Owner: "u1", Text: "x", At: "tomorrow"}, "reminders[0].at"},
		{"repeating event", ReminderConfig{ID: "a", Owner: "u1", Text: "x", At: "2025-08-25T09:30:00Z", Every: "weekly", Event: &EventConfig{}}, "cannot repeat"},
		{"missing owner", ReminderConfig{ID: "a", Text: "x", At: "2025-08-25T09:30:00Z"}, "owner are required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&Config{Reminders: []ReminderConfig{tc.r}})
			if tc.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error = %v, want it to mention %q", err, tc.want)
			}
		})
	}

	dup := ReminderConfig{ID: "a", Owner: "u1", Text: "x", At: "2025-08-25T09:30:00Z"}
	if err := Validate(&Config{Reminders: []ReminderConfig{dup, dup}}); err == nil || !strings.Contains(err.Error(), "used twice") {
		t.Fatalf("duplicate ids: %v", err)
	}
}
