// Package config loads and validates the bridge configuration: a JSON
// file (created with defaults on first run) plus environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	// Try []interface{} to handle mixed types
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// ErrNoEndpoint means an account configures neither a socket nor an
// HTTP endpoint and therefore has no usable transport.
var ErrNoEndpoint = errors.New("account has neither ws_url nor http_url")

// AccountConfig identifies one logical connection to an IM endpoint.
type AccountConfig struct {
	WSUrl              string              `json:"ws_url"`
	HTTPUrl            string              `json:"http_url"`
	AccessToken        string              `json:"access_token"`
	AllowFrom          FlexibleStringSlice `json:"allow_from"`
	GroupTriggerPrefix []string            `json:"group_trigger_prefix,omitempty"`
	ReconnectInterval  int                 `json:"reconnect_interval,omitempty"` // seconds, backoff base
	ActionTimeout      int                 `json:"action_timeout,omitempty"`     // seconds, socket call timeout
}

// Validate checks the at-least-one-endpoint invariant.
func (a AccountConfig) Validate() error {
	if a.WSUrl == "" && a.HTTPUrl == "" {
		return ErrNoEndpoint
	}
	return nil
}

// MediaConfig controls where inbound media gets downloaded.
type MediaConfig struct {
	Dir string `json:"dir,omitempty"`
}

type Config struct {
	Accounts map[string]AccountConfig `json:"accounts"`
	Media    MediaConfig              `json:"media,omitzero"`
	Debug    bool                     `json:"debug,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Accounts: map[string]AccountConfig{},
	}
}

// DefaultConfigPath is ~/.onebridge/config.json.
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".onebridge", "config.json")
}

// MediaDir resolves the inbound media directory, defaulting under the
// OS temp dir.
func (c *Config) MediaDir() string {
	if c.Media.Dir != "" {
		return c.Media.Dir
	}
	return filepath.Join(os.TempDir(), "onebridge_media")
}

// LoadConfig reads the config file, creating it with defaults when
// missing, then applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath()
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		if err := SaveConfig(path, cfg); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if cfg.Accounts == nil {
		cfg.Accounts = map[string]AccountConfig{}
	}
	return cfg, nil
}

// SaveConfig writes the config file, creating parent directories.
func SaveConfig(path string, cfg *Config) error {
	if path == "" {
		path = DefaultConfigPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0600)
}
