// Package config provides configuration types and loading for the
// DataGate gateway. Configuration comes from a YAML file plus
// DATAGATE_* environment overrides; durations are strings ("30s",
// "24h") parsed on access so a typo fails at startup, not mid-request.
package config

import (
	"time"
)

// Config is the top-level gateway configuration.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Store configures the governance database (identities, approvals,
	// audit log). Postgres DSN or a SQLite path for development.
	Store StoreConfig `yaml:"store" mapstructure:"store"`

	// Warehouse configures the Postgres data warehouse pool.
	Warehouse WarehouseConfig `yaml:"warehouse" mapstructure:"warehouse"`

	// Bundle configures the policy rule bundle.
	Bundle BundleConfig `yaml:"bundle" mapstructure:"bundle"`

	// Approval configures the human-approval workflow.
	Approval ApprovalConfig `yaml:"approval" mapstructure:"approval"`

	// Auth configures optional gateway API keys.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// DevMode relaxes startup requirements (in-memory SQLite store,
	// generated approval secret) for local development.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on. Defaults to
	// "127.0.0.1:8484" (localhost only).
	ListenAddr string `yaml:"listen_addr" mapstructure:"listen_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level: debug, info, warn, error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
}

// StoreConfig configures the governance database.
type StoreConfig struct {
	// DSN is "postgres://..." for Postgres or a file path (":memory:"
	// included) for SQLite.
	DSN string `yaml:"dsn" mapstructure:"dsn"`
}

// WarehouseConfig configures warehouse access.
type WarehouseConfig struct {
	// DSN must be a Postgres URL; the warehouse relies on session
	// settings SQLite cannot provide.
	DSN string `yaml:"dsn" mapstructure:"dsn" validate:"omitempty,startswith=postgres"`

	// MaxConns caps the pool. Defaults to 20.
	MaxConns int `yaml:"max_conns" mapstructure:"max_conns" validate:"omitempty,min=1,max=500"`

	// StatementTimeout bounds one statement (e.g. "30s").
	StatementTimeout string `yaml:"statement_timeout" mapstructure:"statement_timeout" validate:"omitempty,duration"`

	// RowCap is the result cap for most roles; AnalystRowCap applies
	// to data_analyst and admin.
	RowCap        int `yaml:"row_cap" mapstructure:"row_cap" validate:"omitempty,min=1"`
	AnalystRowCap int `yaml:"analyst_row_cap" mapstructure:"analyst_row_cap" validate:"omitempty,min=1"`
}

// BundleConfig configures the policy bundle.
type BundleConfig struct {
	// Dir is the rule-module directory. Empty means built-in defaults
	// only.
	Dir string `yaml:"dir" mapstructure:"dir"`

	// Watch reloads the bundle on file changes (fsnotify). SIGHUP
	// reloads regardless.
	Watch bool `yaml:"watch" mapstructure:"watch"`

	// CacheSize bounds the decision cache. Defaults to 1024 entries.
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size" validate:"omitempty,min=1"`
}

// ApprovalConfig configures the approval workflow.
type ApprovalConfig struct {
	// Secret signs approval tokens. Required outside dev mode.
	Secret string `yaml:"secret" mapstructure:"secret"`

	// TTL bounds a pending request and its token (e.g. "24h").
	TTL string `yaml:"ttl" mapstructure:"ttl" validate:"omitempty,duration"`

	// SweepInterval is how often expired requests are swept.
	SweepInterval string `yaml:"sweep_interval" mapstructure:"sweep_interval" validate:"omitempty,duration"`

	// WebhookURL receives pending-approval notifications. Empty
	// disables notification.
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url" validate:"omitempty,url"`
}

// AuthConfig configures gateway API keys.
type AuthConfig struct {
	// Required refuses envelopes without a valid key when set. When
	// false, keys that are present are still verified.
	Required bool `yaml:"required" mapstructure:"required"`

	// APIKeys are pre-provisioned hashed keys.
	APIKeys []APIKeyConfig `yaml:"api_keys" mapstructure:"api_keys" validate:"omitempty,dive"`
}

// APIKeyConfig is one pre-provisioned key.
type APIKeyConfig struct {
	ID             string `yaml:"id" mapstructure:"id" validate:"required"`
	Name           string `yaml:"name" mapstructure:"name"`
	KeyHash        string `yaml:"key_hash" mapstructure:"key_hash" validate:"required"`
	ExternalUserID string `yaml:"external_user_id" mapstructure:"external_user_id" validate:"required"`
}

// SetDefaults applies defaults for optional fields.
func (c *Config) SetDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = "127.0.0.1:8484"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Warehouse.MaxConns == 0 {
		c.Warehouse.MaxConns = 20
	}
	if c.Warehouse.StatementTimeout == "" {
		c.Warehouse.StatementTimeout = "30s"
	}
	if c.Warehouse.RowCap == 0 {
		c.Warehouse.RowCap = 1000
	}
	if c.Warehouse.AnalystRowCap == 0 {
		c.Warehouse.AnalystRowCap = 10000
	}
	if c.Bundle.CacheSize == 0 {
		c.Bundle.CacheSize = 1024
	}
	if c.Approval.TTL == "" {
		c.Approval.TTL = "24h"
	}
	if c.Approval.SweepInterval == "" {
		c.Approval.SweepInterval = "1m"
	}
}

// SetDevDefaults fills in what dev mode allows to be absent. No-op
// unless DevMode is set.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	if c.Store.DSN == "" {
		c.Store.DSN = ":memory:"
	}
	if c.Approval.Secret == "" {
		c.Approval.Secret = "dev-only-approval-secret"
	}
	if c.Server.LogLevel == "info" {
		c.Server.LogLevel = "debug"
	}
}

// StatementTimeout returns the parsed statement timeout.
func (c *WarehouseConfig) ParseStatementTimeout() time.Duration {
	d, err := time.ParseDuration(c.StatementTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// ParseTTL returns the parsed approval TTL.
func (c *ApprovalConfig) ParseTTL() time.Duration {
	d, err := time.ParseDuration(c.TTL)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// ParseSweepInterval returns the parsed sweep interval.
func (c *ApprovalConfig) ParseSweepInterval() time.Duration {
	d, err := time.ParseDuration(c.SweepInterval)
	if err != nil {
		return time.Minute
	}
	return d
}
