package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and
// environment variables. If configFile is empty, datagate.yaml/.yml is
// searched in standard locations. The search requires an explicit YAML
// extension so Viper never matches the binary itself.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		viper.SetConfigName("datagate")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: DATAGATE_WAREHOUSE_DSN etc.
	viper.SetEnvPrefix("DATAGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for datagate.yaml or
// datagate.yml.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".datagate"),
		"/etc/datagate",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "datagate"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested config keys for environment
// overrides. Arrays (auth.api_keys) stay file-only.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.listen_addr")
	_ = viper.BindEnv("server.log_level")

	_ = viper.BindEnv("store.dsn")

	_ = viper.BindEnv("warehouse.dsn")
	_ = viper.BindEnv("warehouse.max_conns")
	_ = viper.BindEnv("warehouse.statement_timeout")
	_ = viper.BindEnv("warehouse.row_cap")
	_ = viper.BindEnv("warehouse.analyst_row_cap")

	_ = viper.BindEnv("bundle.dir")
	_ = viper.BindEnv("bundle.watch")
	_ = viper.BindEnv("bundle.cache_size")

	_ = viper.BindEnv("approval.secret")
	_ = viper.BindEnv("approval.ttl")
	_ = viper.BindEnv("approval.sweep_interval")
	_ = viper.BindEnv("approval.webhook_url")

	_ = viper.BindEnv("auth.required")

	_ = viper.BindEnv("dev_mode")
}

// LoadConfigRaw reads the configuration file and applies environment
// overrides and defaults, without dev-mode fills or validation. The
// CLI uses this so flags can override before validating.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// LoadConfig reads, applies defaults, then validates. A missing file
// is fine; env vars alone can configure the gateway.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}

	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// ConfigFileUsed returns the loaded config file path, or "" when
// running on environment variables only.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
