package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "TIMBERLINE"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultMaxMessageBytes   = 32 << 20
	defaultDatabaseDir       = "databases"
	defaultMaxOpenConns      = 20
	defaultLogLevel          = "info"
	defaultLogMaxSizeMB      = 50
	defaultLogMaxBackups     = 5
	defaultIssuer            = "timberline"
	defaultAuthTimeout       = 10 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	defaultIdleTimeout       = 90 * time.Second
	defaultWriteTimeout      = 10 * time.Second
	defaultSendBuffer        = 64
	defaultPageSize          = 200
)

// AppConfig captures runtime configuration for the sync server.
type AppConfig struct {
	HTTPAddress     string
	AllowedOrigins  []string
	MaxMessageBytes int64

	DatabaseDir          string
	CreateMissingTenants bool
	DatabaseMaxOpenConns int

	LogLevel      string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int

	SigningSecret   string
	Issuer          string
	KeyTTL          time.Duration
	AllowLegacyKeys bool

	AuthTimeout       time.Duration
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	WriteTimeout      time.Duration
	SendBuffer        int
	PageSize          int
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
	configViper.SetDefault("http.max_message_bytes", defaultMaxMessageBytes)
	configViper.SetDefault("database.dir", defaultDatabaseDir)
	configViper.SetDefault("database.create_missing", false)
	configViper.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("log.max_size_mb", defaultLogMaxSizeMB)
	configViper.SetDefault("log.max_backups", defaultLogMaxBackups)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.key_ttl", time.Duration(0))
	configViper.SetDefault("auth.allow_legacy_keys", false)
	configViper.SetDefault("session.auth_timeout", defaultAuthTimeout)
	configViper.SetDefault("session.heartbeat_interval", defaultHeartbeatInterval)
	configViper.SetDefault("session.idle_timeout", defaultIdleTimeout)
	configViper.SetDefault("session.write_timeout", defaultWriteTimeout)
	configViper.SetDefault("session.send_buffer", defaultSendBuffer)
	configViper.SetDefault("sync.page_size", defaultPageSize)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		AllowedOrigins:       splitList(configViper.GetStringSlice("http.allowed_origins")),
		MaxMessageBytes:      configViper.GetInt64("http.max_message_bytes"),
		DatabaseDir:          configViper.GetString("database.dir"),
		CreateMissingTenants: configViper.GetBool("database.create_missing"),
		DatabaseMaxOpenConns: configViper.GetInt("database.max_open_conns"),
		LogLevel:             configViper.GetString("log.level"),
		LogFile:              configViper.GetString("log.file"),
		LogMaxSizeMB:         configViper.GetInt("log.max_size_mb"),
		LogMaxBackups:        configViper.GetInt("log.max_backups"),
		SigningSecret:        configViper.GetString("auth.signing_secret"),
		Issuer:               configViper.GetString("auth.issuer"),
		KeyTTL:               configViper.GetDuration("auth.key_ttl"),
		AllowLegacyKeys:      configViper.GetBool("auth.allow_legacy_keys"),
		AuthTimeout:          configViper.GetDuration("session.auth_timeout"),
		HeartbeatInterval:    configViper.GetDuration("session.heartbeat_interval"),
		IdleTimeout:          configViper.GetDuration("session.idle_timeout"),
		WriteTimeout:         configViper.GetDuration("session.write_timeout"),
		SendBuffer:           configViper.GetInt("session.send_buffer"),
		PageSize:             configViper.GetInt("sync.page_size"),
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
	if strings.TrimSpace(c.Issuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.DatabaseDir) == "" {
		return fmt.Errorf("database.dir is required")
	}
	if c.KeyTTL < 0 {
		return fmt.Errorf("auth.key_ttl must not be negative")
	}
	if c.HeartbeatInterval <= 0 || c.IdleTimeout <= 0 || c.AuthTimeout <= 0 {
		return fmt.Errorf("session timeouts must be positive")
	}
	if c.IdleTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("session.idle_timeout must exceed session.heartbeat_interval")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("sync.page_size must be positive")
	}
	return nil
}

// splitList accepts both list values and comma separated env strings.
func splitList(values []string) []string {
	var items []string
	for _, value := range values {
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
	}
	return items
}
