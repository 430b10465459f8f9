package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                   = "COMPOSE"
	defaultHTTPAddress          = "0.0.0.0:8080"
	defaultDatabasePath         = "compose.db"
	defaultLogLevel             = "info"
	defaultNATSURL              = "nats://127.0.0.1:4222"
	defaultTokenIssuer          = "compose-api"
	defaultStalenessSeconds  = 30
	defaultSettleDelayMillis = 100
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	NATSURL           string
	SessionSigningKey string
	SessionIssuer     string
	StalenessHorizon  time.Duration
	SettleDelay       time.Duration
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
	configViper.SetDefault("nats.url", defaultNATSURL)
	configViper.SetDefault("session.issuer", defaultTokenIssuer)
	configViper.SetDefault("presence.staleness_seconds", defaultStalenessSeconds)
	configViper.SetDefault("broadcast.settle_delay_ms", defaultSettleDelayMillis)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		NATSURL:           configViper.GetString("nats.url"),
		SessionSigningKey: configViper.GetString("session.signing_secret"),
		SessionIssuer:     configViper.GetString("session.issuer"),
		StalenessHorizon:  time.Duration(configViper.GetInt("presence.staleness_seconds")) * time.Second,
		SettleDelay:       time.Duration(configViper.GetInt("broadcast.settle_delay_ms")) * time.Millisecond,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningKey) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.NATSURL) == "" {
		return fmt.Errorf("nats.url is required")
	}
	if c.StalenessHorizon <= 0 {
		return fmt.Errorf("presence.staleness_seconds must be positive")
	}
	if c.SettleDelay <= 0 {
		return fmt.Errorf("broadcast.settle_delay_ms must be positive")
	}
	return nil
}
