package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotenv loads KEY=VALUE files into the process environment. Missing
// files are ignored; variables already set win.
func LoadDotenv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// applyEnv overlays secrets and connection strings from HERALD_* variables so
// they can stay out of the config file.
func applyEnv(cfg *Config) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&cfg.Logging.Level, "HERALD_LOG_LEVEL")
	set(&cfg.Store.DSN, "HERALD_STORE_DSN")
	set(&cfg.Preferences.DSN, "HERALD_PREFERENCES_DSN")
	set(&cfg.Redis.Addr, "HERALD_REDIS_ADDR")
	set(&cfg.Redis.Password, "HERALD_REDIS_PASSWORD")

	if tok := getenv("HERALD_TELEGRAM_TOKEN"); tok != "" {
		if cfg.Gateways.Telegram == nil {
			cfg.Gateways.Telegram = &TelegramConfig{}
		}
		cfg.Gateways.Telegram.Token = tok
	}
	if sms := cfg.Gateways.SMS; sms != nil {
		set(&sms.AccessKeyID, "HERALD_ALIYUN_ACCESS_KEY_ID")
		set(&sms.AccessKeySecret, "HERALD_ALIYUN_ACCESS_KEY_SECRET")
	}
	if v := cfg.Gateways.Voice; v != nil {
		set(&v.Token, "HERALD_VOICE_TOKEN")
	}
}

func getenv(key string) string { return strings.TrimSpace(os.Getenv(key)) }
