// Package config loads flowshift settings with viper.
//
// Precedence: flags (bound by the CLI) > FLOWSHIFT_* environment variables >
// .flowshift/config.yaml (walking up from the working directory) >
// ~/.config/flowshift/config.yaml > defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DirName is the per-project directory holding config, the embedded database
// and the audit file.
const DirName = ".flowshift"

var v *viper.Viper

// Initialize (re)loads configuration. Safe to call more than once; tests rely on it.
func Initialize() error {
	v = viper.New()
	v.SetConfigType("yaml")

	setDefaults(v)

	v.SetEnvPrefix("FLOWSHIFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	configPath := findConfigFile()
	if configPath == "" {
		return nil
	}
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configPath, err)
	}
	return nil
}

// InitializeFile loads an explicit config file (--config).
func InitializeFile(path string) error {
	if err := Initialize(); err != nil {
		return err
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", path, err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend", "memory")
	v.SetDefault("tenant", "default")

	v.SetDefault("dolt.path", filepath.Join(DirName, "dolt"))
	v.SetDefault("dolt.database", "flowshift")
	v.SetDefault("dolt.server-mode", false)
	v.SetDefault("dolt.host", "127.0.0.1")
	v.SetDefault("dolt.port", 3307)
	v.SetDefault("dolt.user", "root")
	v.SetDefault("dolt.password", "")
	v.SetDefault("dolt.tls", false)

	v.SetDefault("scenarios.dir", "")

	v.SetDefault("plan.ttl", 720*time.Hour)
	v.SetDefault("deploy.concurrency", 8)

	v.SetDefault("gapfill.auto-accept-confidence", 0.85)
	v.SetDefault("gapfill.min-confidence", 0.5)
	v.SetDefault("gapfill.history-turns", 10)
	v.SetDefault("gapfill.field-timeout", 10*time.Second)
	v.SetDefault("gapfill.persist-extracted", true)

	v.SetDefault("ai.model", "claude-haiku-4-5")
	v.SetDefault("ai.api-key", "")

	v.SetDefault("audit.path", filepath.Join(DirName, "audit.jsonl"))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
}

// findConfigFile walks up from the working directory looking for
// .flowshift/config.yaml, then falls back to the user config directory.
func findConfigFile() string {
	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; ; dir = filepath.Dir(dir) {
			p := filepath.Join(dir, DirName, "config.yaml")
			if _, err := os.Stat(p); err == nil {
				return p
			}
			if dir == filepath.Dir(dir) {
				break
			}
		}
	}
	if configDir, err := os.UserConfigDir(); err == nil {
		p := filepath.Join(configDir, "flowshift", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func ensure() *viper.Viper {
	if v == nil {
		_ = Initialize()
	}
	return v
}

// Viper exposes the underlying instance so the CLI can bind flags.
func Viper() *viper.Viper { return ensure() }

// ConfigFileUsed returns the loaded config file path, or "".
func ConfigFileUsed() string { return ensure().ConfigFileUsed() }

// GetString returns a string value.
func GetString(key string) string { return ensure().GetString(key) }

// GetBool returns a bool value.
func GetBool(key string) bool { return ensure().GetBool(key) }

// GetInt returns an int value.
func GetInt(key string) int { return ensure().GetInt(key) }

// GetFloat64 returns a float value.
func GetFloat64(key string) float64 { return ensure().GetFloat64(key) }

// GetDuration returns a duration value.
func GetDuration(key string) time.Duration { return ensure().GetDuration(key) }

// Set overrides a value for the rest of the process.
func Set(key string, value any) { ensure().Set(key, value) }

// AllSettings returns every resolved key, for `flowshift config list`.
func AllSettings() map[string]any { return ensure().AllSettings() }

// DefaultAIModel returns the model used for field extraction.
func DefaultAIModel() string {
	return GetString("ai.model")
}

// AnthropicAPIKey returns ANTHROPIC_API_KEY when set, else ai.api-key.
func AnthropicAPIKey() string {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return key
	}
	return GetString("ai.api-key")
}
