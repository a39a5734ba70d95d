package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// envOverrides maps runtime environment variables onto the "default"
// account, so a single-account deployment needs no config file at all.
type envOverrides struct {
	WSUrl       string   `env:"ONEBRIDGE_WS_URL"`
	HTTPUrl     string   `env:"ONEBRIDGE_HTTP_URL"`
	AccessToken string   `env:"ONEBRIDGE_ACCESS_TOKEN"`
	AllowFrom   []string `env:"ONEBRIDGE_ALLOW_FROM" envSeparator:","`
	MediaDir    string   `env:"ONEBRIDGE_MEDIA_DIR"`
	Debug       bool     `env:"ONEBRIDGE_DEBUG"`
}

const envAccountName = "default"

func applyEnvOverrides(cfg *Config) error {
	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return fmt.Errorf("parsing environment overrides: %w", err)
	}

	if ov.MediaDir != "" {
		cfg.Media.Dir = ov.MediaDir
	}
	if ov.Debug {
		cfg.Debug = true
	}

	if ov.WSUrl == "" && ov.HTTPUrl == "" && ov.AccessToken == "" && len(ov.AllowFrom) == 0 {
		return nil
	}

	if cfg.Accounts == nil {
		cfg.Accounts = map[string]AccountConfig{}
	}
	account := cfg.Accounts[envAccountName]
	if ov.WSUrl != "" {
		account.WSUrl = ov.WSUrl
	}
	if ov.HTTPUrl != "" {
		account.HTTPUrl = ov.HTTPUrl
	}
	if ov.AccessToken != "" {
		account.AccessToken = ov.AccessToken
	}
	if len(ov.AllowFrom) > 0 {
		account.AllowFrom = FlexibleStringSlice(ov.AllowFrom)
	}
	cfg.Accounts[envAccountName] = account
	return nil
}
