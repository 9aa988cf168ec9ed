package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/shellsync/internal/storage"
	"github.com/spf13/viper"
)

const (
	envPrefix               = "SHELLSYNC_SERVER"
	defaultHTTPAddress      = "0.0.0.0:8888"
	defaultDatabaseDriver   = DriverSQLite
	defaultDatabasePath     = "shellsync.db"
	defaultMaxOpenConns     = 10
	defaultLogLevel         = "info"
	defaultPageSize         = 1100
	defaultLegacyPageSize   = 100
	defaultMinPagedVersion  = "v0.2.0"
	defaultMaxHistoryLength = 8192
	defaultHostFilter       = "none"
	defaultDeviceCodeTTL    = 10 * time.Minute
	defaultPublicURL        = "http://localhost:8888"
)

const (
	// DriverSQLite selects the embedded SQLite backend.
	DriverSQLite = "sqlite"
	// DriverPostgres selects the PostgreSQL backend.
	DriverPostgres = "postgres"
)

// ServerConfig captures runtime configuration for the sync server.
type ServerConfig struct {
	HTTPAddress      string
	DatabaseDriver   string
	DatabasePath     string
	DatabaseDSN      string
	MaxOpenConns     int
	LogLevel         string
	PageSize         int
	LegacyPageSize   int
	MinPagedVersion  string
	MaxHistoryLength int
	HostFilter       storage.HostFilter
	RegistrationOpen bool
	SigningSecret    string
	DeviceCodeTTL    time.Duration
	PublicURL        string
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
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("sync.page_size", defaultPageSize)
	configViper.SetDefault("sync.legacy_page_size", defaultLegacyPageSize)
	configViper.SetDefault("sync.min_paged_version", defaultMinPagedVersion)
	configViper.SetDefault("sync.max_history_length", defaultMaxHistoryLength)
	configViper.SetDefault("sync.host_filter", defaultHostFilter)
	configViper.SetDefault("registration.open", true)
	configViper.SetDefault("auth.device_code_ttl", defaultDeviceCodeTTL)
	configViper.SetDefault("hub.public_url", defaultPublicURL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (ServerConfig, error) {
	hostFilter, err := storage.ParseHostFilter(configViper.GetString("sync.host_filter"))
	if err != nil {
		return ServerConfig{}, err
	}

	cfg := ServerConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabaseDriver:   strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:     configViper.GetString("database.path"),
		DatabaseDSN:      configViper.GetString("database.dsn"),
		MaxOpenConns:     configViper.GetInt("database.max_open_conns"),
		LogLevel:         configViper.GetString("log.level"),
		PageSize:         configViper.GetInt("sync.page_size"),
		LegacyPageSize:   configViper.GetInt("sync.legacy_page_size"),
		MinPagedVersion:  configViper.GetString("sync.min_paged_version"),
		MaxHistoryLength: configViper.GetInt("sync.max_history_length"),
		HostFilter:       hostFilter,
		RegistrationOpen: configViper.GetBool("registration.open"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		DeviceCodeTTL:    configViper.GetDuration("auth.device_code_ttl"),
		PublicURL:        configViper.GetString("hub.public_url"),
	}

	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}

	return cfg, nil
}

func (c ServerConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	switch c.DatabaseDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DatabaseDriver)
	}
	if c.PageSize < 1 {
		return fmt.Errorf("sync.page_size must be positive")
	}
	if c.LegacyPageSize < 1 {
		return fmt.Errorf("sync.legacy_page_size must be positive")
	}
	if c.MaxHistoryLength < 0 {
		return fmt.Errorf("sync.max_history_length must not be negative")
	}
	if c.DeviceCodeTTL <= 0 {
		return fmt.Errorf("auth.device_code_ttl must be positive")
	}
	return nil
}
