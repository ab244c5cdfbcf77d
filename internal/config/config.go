package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "TASKMIRROR"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "taskmirror.db"
	defaultLogLevel        = "info"
	defaultRemoteBaseURL   = "https://api.todoist.com/sync/v9"
	defaultSyncInterval    = 5
	defaultRoutineRunHour  = 6
	defaultTokenTTLMinutes = 60
)

// AppConfig captures runtime configuration for the mirror service.
type AppConfig struct {
	HTTPAddress      string
	DatabasePath     string
	LogLevel         string
	RemoteBaseURL    string
	RemoteAPIToken   string
	WebhookSecret    string
	APISigningSecret string
	APITokenTTL      time.Duration
	SyncInterval     time.Duration
	RoutineRunHour   int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("remote.base_url", defaultRemoteBaseURL)
	configViper.SetDefault("sync.interval_minutes", defaultSyncInterval)
	configViper.SetDefault("routine.run_hour", defaultRoutineRunHour)
	configViper.SetDefault("api.token_ttl_minutes", defaultTokenTTLMinutes)
}

// Load parses runtime configuration from viper.
//
// The remote API token is deliberately not validated here: a missing token is
// a per-cycle configuration error reported by the sync engine, not a reason
// to refuse startup (the webhook and routine surfaces still function).
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		RemoteBaseURL:    configViper.GetString("remote.base_url"),
		RemoteAPIToken:   configViper.GetString("remote.api_token"),
		WebhookSecret:    configViper.GetString("remote.webhook_secret"),
		APISigningSecret: configViper.GetString("api.signing_secret"),
		APITokenTTL:      time.Duration(configViper.GetInt("api.token_ttl_minutes")) * time.Minute,
		SyncInterval:     time.Duration(configViper.GetInt("sync.interval_minutes")) * time.Minute,
		RoutineRunHour:   configViper.GetInt("routine.run_hour"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.APISigningSecret) == "" {
		return fmt.Errorf("api.signing_secret is required")
	}
	if strings.TrimSpace(c.RemoteBaseURL) == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval_minutes must be positive")
	}
	if c.RoutineRunHour < 0 || c.RoutineRunHour > 23 {
		return fmt.Errorf("routine.run_hour must be between 0 and 23")
	}
	return nil
}
