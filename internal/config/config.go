package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "AGORA"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabaseDriver     = "sqlite"
	defaultDatabaseDSN        = "agora.db"
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultAuthIssuer         = "agora-auth"
	defaultAuthAudience       = "agora-api"
	defaultTokenTTLMinutes    = 60 * 24
	defaultHandshakeTimeout   = 5
	defaultSchedulerInterval  = 60
	defaultMaxContentLength   = 1000
	defaultReportThreshold    = 5
	defaultNATSSubject        = "notifications.dispatch"
	defaultRateLimitMessages  = 20
	defaultRateLimitWindowSec = 10
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	DatabaseDriver    string
	DatabaseDSN       string
	LogLevel          string
	LogFormat         string
	SigningSecret     string
	TokenIssuer       string
	TokenAudience     string
	TokenTTL          time.Duration
	HandshakeTimeout  time.Duration
	SchedulerInterval time.Duration
	MaxContentLength  int
	ReportThreshold   int
	InternalAPIKey    string
	AllowedOrigins    []string
	NATSURL           string
	NATSSubject       string
	RedisAddress      string
	RedisPassword     string
	RateLimitMessages int
	RateLimitWindow   time.Duration
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
	configViper.SetDefault("http.allowed_origins", []string{"*"})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("auth.handshake_timeout_seconds", defaultHandshakeTimeout)
	configViper.SetDefault("scheduler.interval_seconds", defaultSchedulerInterval)
	configViper.SetDefault("chat.max_content_length", defaultMaxContentLength)
	configViper.SetDefault("moderation.report_threshold", defaultReportThreshold)
	configViper.SetDefault("nats.subject", defaultNATSSubject)
	configViper.SetDefault("ratelimit.messages_per_window", defaultRateLimitMessages)
	configViper.SetDefault("ratelimit.window_seconds", defaultRateLimitWindowSec)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		AllowedOrigins:    configViper.GetStringSlice("http.allowed_origins"),
		DatabaseDriver:    strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:       configViper.GetString("database.dsn"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         configViper.GetString("log.format"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		TokenIssuer:       configViper.GetString("auth.issuer"),
		TokenAudience:     configViper.GetString("auth.audience"),
		TokenTTL:          time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		HandshakeTimeout:  time.Duration(configViper.GetInt("auth.handshake_timeout_seconds")) * time.Second,
		SchedulerInterval: time.Duration(configViper.GetInt("scheduler.interval_seconds")) * time.Second,
		MaxContentLength:  configViper.GetInt("chat.max_content_length"),
		ReportThreshold:   configViper.GetInt("moderation.report_threshold"),
		InternalAPIKey:    configViper.GetString("internal.api_key"),
		NATSURL:           configViper.GetString("nats.url"),
		NATSSubject:       configViper.GetString("nats.subject"),
		RedisAddress:      configViper.GetString("redis.address"),
		RedisPassword:     configViper.GetString("redis.password"),
		RateLimitMessages: configViper.GetInt("ratelimit.messages_per_window"),
		RateLimitWindow:   time.Duration(configViper.GetInt("ratelimit.window_seconds")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	switch c.DatabaseDriver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("database.driver must be sqlite or mysql, got %q", c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("auth.handshake_timeout_seconds must be positive")
	}
	if c.SchedulerInterval <= 0 {
		return fmt.Errorf("scheduler.interval_seconds must be positive")
	}
	if c.MaxContentLength <= 0 {
		return fmt.Errorf("chat.max_content_length must be positive")
	}
	if c.ReportThreshold <= 0 {
		return fmt.Errorf("moderation.report_threshold must be positive")
	}
	if strings.TrimSpace(c.NATSURL) != "" && strings.TrimSpace(c.NATSSubject) == "" {
		return fmt.Errorf("nats.subject is required when nats.url is set")
	}
	if strings.TrimSpace(c.RedisAddress) != "" && (c.RateLimitMessages <= 0 || c.RateLimitWindow <= 0) {
		return fmt.Errorf("ratelimit settings must be positive when redis.address is set")
	}
	return nil
}
