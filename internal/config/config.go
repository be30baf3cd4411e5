package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "STOCKROOM"
	defaultHTTPAddress       = "127.0.0.1:8765"
	defaultDatabasePath      = "stockroom.db"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultRemoteTimeout     = 15 * time.Second
	defaultDeviceID          = "stockroom-agent"
	defaultBatchSize         = 50
	defaultSchedule          = "@every 5m"
	defaultHistoryRetention  = 100
	defaultProbeInterval     = 30 * time.Second
	defaultHighLatency       = 150 * time.Millisecond
	defaultMediumLatency     = 600 * time.Millisecond
	defaultShutdownTimeout   = 10 * time.Second
	defaultHeartbeatInterval = 15 * time.Second
)

// AppConfig captures runtime configuration for the sync agent.
type AppConfig struct {
	HTTPAddress       string
	AllowedOrigins    []string
	ShutdownTimeout   time.Duration
	HeartbeatInterval time.Duration
	DatabasePath      string
	LogLevel          string
	LogFormat         string

	RemoteBaseURL       string
	RemoteTimeout       time.Duration
	RemoteSigningSecret string
	RemoteDeviceID      string

	SyncBatchSize        int
	SyncSchedule         string
	SyncHistoryRetention int

	NetworkProbeURL      string
	NetworkProbeInterval time.Duration
	NetworkHighLatency   time.Duration
	NetworkMediumLatency time.Duration
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
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("http.shutdown_timeout", defaultShutdownTimeout)
	configViper.SetDefault("http.heartbeat_interval", defaultHeartbeatInterval)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("remote.timeout", defaultRemoteTimeout)
	configViper.SetDefault("remote.device_id", defaultDeviceID)
	configViper.SetDefault("sync.batch_size", defaultBatchSize)
	configViper.SetDefault("sync.schedule", defaultSchedule)
	configViper.SetDefault("sync.history_retention", defaultHistoryRetention)
	configViper.SetDefault("network.probe_interval", defaultProbeInterval)
	configViper.SetDefault("network.high_latency", defaultHighLatency)
	configViper.SetDefault("network.medium_latency", defaultMediumLatency)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		AllowedOrigins:       configViper.GetStringSlice("http.allowed_origins"),
		ShutdownTimeout:      configViper.GetDuration("http.shutdown_timeout"),
		HeartbeatInterval:    configViper.GetDuration("http.heartbeat_interval"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		LogFormat:            configViper.GetString("log.format"),
		RemoteBaseURL:        strings.TrimSpace(configViper.GetString("remote.base_url")),
		RemoteTimeout:        configViper.GetDuration("remote.timeout"),
		RemoteSigningSecret:  configViper.GetString("remote.signing_secret"),
		RemoteDeviceID:       configViper.GetString("remote.device_id"),
		SyncBatchSize:        configViper.GetInt("sync.batch_size"),
		SyncSchedule:         configViper.GetString("sync.schedule"),
		SyncHistoryRetention: configViper.GetInt("sync.history_retention"),
		NetworkProbeURL:      strings.TrimSpace(configViper.GetString("network.probe_url")),
		NetworkProbeInterval: configViper.GetDuration("network.probe_interval"),
		NetworkHighLatency:   configViper.GetDuration("network.high_latency"),
		NetworkMediumLatency: configViper.GetDuration("network.medium_latency"),
	}
	if cfg.NetworkProbeURL == "" && cfg.RemoteBaseURL != "" {
		cfg.NetworkProbeURL = strings.TrimRight(cfg.RemoteBaseURL, "/") + "/health"
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadLocal parses only the settings needed to open the local store, for commands that never reach the remote.
func LoadLocal(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),
		LogFormat:    configViper.GetString("log.format"),
	}
	if strings.TrimSpace(cfg.DatabasePath) == "" {
		return AppConfig{}, fmt.Errorf("database.path is required")
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.RemoteBaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if err := validateAbsoluteURL(c.RemoteBaseURL); err != nil {
		return fmt.Errorf("remote.base_url: %w", err)
	}
	if err := validateAbsoluteURL(c.NetworkProbeURL); err != nil {
		return fmt.Errorf("network.probe_url: %w", err)
	}
	if strings.TrimSpace(c.RemoteSigningSecret) == "" {
		return fmt.Errorf("remote.signing_secret is required")
	}
	if strings.TrimSpace(c.RemoteDeviceID) == "" {
		return fmt.Errorf("remote.device_id is required")
	}
	if c.SyncBatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive")
	}
	if c.SyncHistoryRetention <= 0 {
		return fmt.Errorf("sync.history_retention must be positive")
	}
	if c.NetworkHighLatency <= 0 || c.NetworkMediumLatency <= c.NetworkHighLatency {
		return fmt.Errorf("network.medium_latency must exceed network.high_latency")
	}
	return nil
}

func validateAbsoluteURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("%q is not an absolute url", raw)
	}
	return nil
}
