// Package config loads and validates the LabAnalyzer configuration file and
// holds it as an atomically replaced immutable snapshot. Components receive
// the snapshot (or the values they need) at construction; nothing reads
// global mutable state.
package config

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/harrisyn/LabAnalyzer/errors"
	"github.com/harrisyn/LabAnalyzer/types"
)

// SyncFrequency selects the outbound sync trigger mode
type SyncFrequency string

const (
	// SyncRealtime sends a batch whenever a new result is committed
	SyncRealtime SyncFrequency = "realtime"
	// SyncScheduled sends on a fixed interval
	SyncScheduled SyncFrequency = "scheduled"
	// SyncCron sends on a 5-field cron schedule
	SyncCron SyncFrequency = "cron"
)

// AuthScheme selects how the outbound request is authenticated
type AuthScheme string

const (
	// AuthNone sends unauthenticated requests
	AuthNone AuthScheme = "none"
	// AuthAPIKey sends the key in a configurable header
	AuthAPIKey AuthScheme = "api_key"
	// AuthBearer sends an Authorization: Bearer token
	AuthBearer AuthScheme = "bearer"
	// AuthBasic sends HTTP basic credentials
	AuthBasic AuthScheme = "basic"
	// AuthHeaders sends a custom header set verbatim
	AuthHeaders AuthScheme = "headers"
	// AuthOAuth2 uses the client-credentials grant, refreshing on 401
	AuthOAuth2 AuthScheme = "oauth2"
)

// AuthConfig carries the (opaque) credential material for the sync endpoint
type AuthConfig struct {
	Scheme AuthScheme `yaml:"scheme" json:"scheme"`

	APIKey     string `yaml:"api_key,omitempty"     json:"api_key,omitempty"`
	HeaderName string `yaml:"header_name,omitempty" json:"header_name,omitempty"`

	Token string `yaml:"token,omitempty" json:"token,omitempty"`

	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`

	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	TokenURL     string `yaml:"token_url,omitempty"     json:"token_url,omitempty"`
	ClientID     string `yaml:"client_id,omitempty"     json:"client_id,omitempty"`
	ClientSecret string `yaml:"client_secret,omitempty" json:"client_secret,omitempty"`
	Scope        string `yaml:"scope,omitempty"         json:"scope,omitempty"`
}

// Validate checks the auth block
func (a *AuthConfig) Validate() error {
	switch a.Scheme {
	case "", AuthNone:
		return nil
	case AuthAPIKey:
		if a.APIKey == "" {
			return fmt.Errorf("auth scheme api_key requires api_key")
		}
	case AuthBearer:
		if a.Token == "" {
			return fmt.Errorf("auth scheme bearer requires token")
		}
	case AuthBasic:
		if a.Username == "" {
			return fmt.Errorf("auth scheme basic requires username")
		}
	case AuthHeaders:
		if len(a.Headers) == 0 {
			return fmt.Errorf("auth scheme headers requires at least one header")
		}
	case AuthOAuth2:
		if a.TokenURL == "" || a.ClientID == "" {
			return fmt.Errorf("auth scheme oauth2 requires token_url and client_id")
		}
	default:
		return fmt.Errorf("unknown auth scheme %q", string(a.Scheme))
	}
	return nil
}

// ExternalServerConfig configures the outbound sync engine
type ExternalServerConfig struct {
	Enabled         bool          `yaml:"enabled"                    json:"enabled"`
	URL             string        `yaml:"url,omitempty"              json:"url,omitempty"`
	Auth            AuthConfig    `yaml:"auth,omitempty"             json:"auth,omitempty"`
	SyncFrequency   SyncFrequency `yaml:"sync_frequency,omitempty"   json:"sync_frequency,omitempty"`
	IntervalSeconds int           `yaml:"interval_seconds,omitempty" json:"interval_seconds,omitempty"`
	CronSchedule    string        `yaml:"cron_schedule,omitempty"    json:"cron_schedule,omitempty"`
	BatchSize       int           `yaml:"batch_size,omitempty"       json:"batch_size,omitempty"`
	TimeoutSeconds  int           `yaml:"timeout_seconds,omitempty"  json:"timeout_seconds,omitempty"`
	Workers         int           `yaml:"workers,omitempty"          json:"workers,omitempty"`
}

// Interval returns the scheduled-mode period
func (e *ExternalServerConfig) Interval() time.Duration {
	if e.IntervalSeconds <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(e.IntervalSeconds) * time.Second
}

// Timeout returns the per-request timeout
func (e *ExternalServerConfig) Timeout() time.Duration {
	if e.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// Validate checks the external server block
func (e *ExternalServerConfig) Validate() error {
	if !e.Enabled {
		return nil
	}
	if e.URL == "" {
		return fmt.Errorf("external_server.url is required when sync is enabled")
	}
	switch e.SyncFrequency {
	case SyncRealtime:
	case "", SyncScheduled:
		if e.IntervalSeconds < 0 {
			return fmt.Errorf("external_server.interval_seconds cannot be negative")
		}
	case SyncCron:
		if e.CronSchedule == "" {
			return fmt.Errorf("external_server.cron_schedule is required for cron sync")
		}
		if _, err := cron.ParseStandard(e.CronSchedule); err != nil {
			return fmt.Errorf("external_server.cron_schedule: %w", err)
		}
	default:
		return fmt.Errorf("unknown sync_frequency %q", string(e.SyncFrequency))
	}
	if err := e.Auth.Validate(); err != nil {
		return err
	}
	return nil
}

// HTTPConfig configures the status gateway
type HTTPConfig struct {
	Port int `yaml:"port,omitempty" json:"port,omitempty"`
}

// DatabaseConfig configures the embedded store
type DatabaseConfig struct {
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

// Config is the full application configuration
type Config struct {
	AppName    string `yaml:"app_name,omitempty"    json:"app_name,omitempty"`
	InstanceID string `yaml:"instance_id,omitempty" json:"instance_id,omitempty"`

	// Multi-port mode
	Listeners []types.ListenerSpec `yaml:"listeners,omitempty" json:"listeners,omitempty"`

	// Single-port compatibility fields, folded into Listeners by Normalize
	Port         int                `yaml:"port,omitempty"          json:"port,omitempty"`
	AnalyzerType types.AnalyzerType `yaml:"analyzer_type,omitempty" json:"analyzer_type,omitempty"`
	Protocol     types.Protocol     `yaml:"protocol,omitempty"      json:"protocol,omitempty"`

	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds,omitempty" json:"idle_timeout_seconds,omitempty"`

	Database       DatabaseConfig       `yaml:"database,omitempty"        json:"database,omitempty"`
	HTTP           HTTPConfig           `yaml:"http,omitempty"            json:"http,omitempty"`
	ExternalServer ExternalServerConfig `yaml:"external_server,omitempty" json:"external_server,omitempty"`
}

// DefaultConfig returns a runnable single-listener configuration
func DefaultConfig() *Config {
	return &Config{
		AppName:            "LabAnalyzer",
		InstanceID:         "XN-L-001",
		Port:               5000,
		AnalyzerType:       types.AnalyzerSysmexXNL,
		Protocol:           types.ProtocolASTM,
		IdleTimeoutSeconds: 60,
		Database:           DatabaseConfig{Path: "labanalyzer.db"},
		HTTP:               HTTPConfig{Port: 8080},
		ExternalServer: ExternalServerConfig{
			Enabled:         false,
			SyncFrequency:   SyncScheduled,
			IntervalSeconds: 900,
			CronSchedule:    "0 * * * *",
			BatchSize:       100,
		},
	}
}

// IdleTimeout returns the per-connection idle limit
func (c *Config) IdleTimeout() time.Duration {
	if c.IdleTimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// Normalize folds the single-port compatibility fields into Listeners and
// fills protocol defaults from analyzer types
func (c *Config) Normalize() {
	if len(c.Listeners) == 0 && c.Port != 0 {
		c.Listeners = []types.ListenerSpec{{
			Port:         c.Port,
			AnalyzerType: c.AnalyzerType,
			Protocol:     c.Protocol,
		}}
	}
	for i := range c.Listeners {
		spec := &c.Listeners[i]
		if spec.AnalyzerType == "" {
			spec.AnalyzerType = types.AnalyzerSysmexXNL
		}
		if spec.Protocol == "" {
			if p, err := spec.AnalyzerType.DefaultProtocol(); err == nil {
				spec.Protocol = p
			}
		}
	}
}

// Validate checks the whole configuration. Normalize must run first.
func (c *Config) Validate() error {
	if c.InstanceID == "" {
		return errors.Wrap(errors.ErrMissingConfig, "config", "Validate", "instance_id")
	}
	if len(c.Listeners) == 0 {
		return errors.Wrap(errors.ErrMissingConfig, "config", "Validate", "listeners")
	}

	seen := make(map[int]bool, len(c.Listeners))
	for _, spec := range c.Listeners {
		if err := spec.Validate(); err != nil {
			return errors.WrapInvalid(err, "config", "Validate", "listener spec")
		}
		if seen[spec.Port] {
			return errors.WrapInvalid(
				fmt.Errorf("duplicate listener port %d", spec.Port),
				"config", "Validate", "listener ports")
		}
		seen[spec.Port] = true

		if def, err := spec.AnalyzerType.DefaultProtocol(); err == nil && def != spec.Protocol {
			return errors.WrapInvalid(
				fmt.Errorf("analyzer %s speaks %s, not %s", spec.AnalyzerType, def, spec.Protocol),
				"config", "Validate", "protocol compatibility")
		}
	}

	if err := c.ExternalServer.Validate(); err != nil {
		return errors.WrapInvalid(err, "config", "Validate", "external server")
	}
	return nil
}
