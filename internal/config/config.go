// Package config loads downloader configuration from a YAML file and
// SOLAR_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"solar-history/internal/models"
)

// Sentinel validation errors.
var (
	ErrInvalidBaseURL        = errors.New("tesla base url is required")
	ErrInvalidAttempts       = errors.New("fetch max attempts must be at least 1")
	ErrInvalidRetryDelay     = errors.New("fetch retry delay must not be negative")
	ErrInvalidSpacing        = errors.New("fetch request spacing must be at least 1s")
	ErrInvalidKinds          = errors.New("at least one series kind is required")
	ErrInvalidStoreBackend   = errors.New("store backend must be csv, postgres or memory")
	ErrInvalidStoreDirectory = errors.New("store directory is required for the csv backend")
	ErrInvalidDatabase       = errors.New("database host and name are required for the postgres backend")
	ErrInvalidPort           = errors.New("invalid server port")
)

// Store backends.
const (
	BackendCSV      = "csv"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

const (
	envPrefix      = "SOLAR"
	maxPort        = 65535
	minimumSpacing = time.Second
)

// Config holds all configuration for the downloader.
type Config struct {
	Tesla    TeslaConfig    `mapstructure:"tesla"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Download DownloadConfig `mapstructure:"download"`
	Store    StoreConfig    `mapstructure:"store"`
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// TeslaConfig holds upstream API settings.
type TeslaConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Email          string        `mapstructure:"email"`
	AccessToken    string        `mapstructure:"access_token"`
	TokenCache     string        `mapstructure:"token_cache"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// FetchConfig holds the retry and pacing policy for calendar requests.
type FetchConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	RequestSpacing time.Duration `mapstructure:"request_spacing"`
}

// DownloadConfig selects what a run downloads.
type DownloadConfig struct {
	Kinds           []string `mapstructure:"kinds"`
	SiteIDs         []string `mapstructure:"site_ids"`
	ContinueOnError bool     `mapstructure:"continue_on_error"`
}

// StoreConfig selects the period store backend.
type StoreConfig struct {
	Backend   string `mapstructure:"backend"`
	Directory string `mapstructure:"directory"`
}

// DatabaseConfig holds PostgreSQL settings for the postgres store.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// ServerConfig holds the optional status/metrics HTTP server settings.
type ServerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// LoggingConfig holds logging-specific configuration.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// LoadConfig loads configuration from file and environment variables.
// An empty path searches ./solar-history.yaml and ./config/.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("solar-history")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Env values for list keys arrive as one comma separated string
	cfg.Download.Kinds = splitList(cfg.Download.Kinds)
	cfg.Download.SiteIDs = splitList(cfg.Download.SiteIDs)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("tesla.base_url", "https://owner-api.teslamotors.com")
	v.SetDefault("tesla.email", "")
	v.SetDefault("tesla.access_token", "")
	v.SetDefault("tesla.token_cache", "cache.json")
	v.SetDefault("tesla.request_timeout", 10*time.Second)
	v.SetDefault("tesla.user_agent", "solar-history/1.0")

	v.SetDefault("fetch.max_attempts", 2)
	v.SetDefault("fetch.retry_delay", 5*time.Second)
	v.SetDefault("fetch.request_spacing", 3*time.Second)

	v.SetDefault("download.kinds", []string{string(models.SeriesPower), string(models.SeriesEnergy)})
	v.SetDefault("download.site_ids", []string{})
	v.SetDefault("download.continue_on_error", false)

	v.SetDefault("store.backend", BackendCSV)
	v.SetDefault("store.directory", "download")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "solar")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "solar_history")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.conn_max_idle_time", 5*time.Minute)

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 9108)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)

	v.SetDefault("logging.level", "info")
}

func splitList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// SeriesKinds parses the configured kinds, dropping duplicates
func (c *Config) SeriesKinds() ([]models.SeriesKind, error) {
	seen := make(map[models.SeriesKind]bool, len(c.Download.Kinds))
	kinds := make([]models.SeriesKind, 0, len(c.Download.Kinds))
	for _, name := range c.Download.Kinds {
		kind, err := models.ParseSeriesKind(name)
		if err != nil {
			return nil, err
		}
		if !seen[kind] {
			seen[kind] = true
			kinds = append(kinds, kind)
		}
	}
	return kinds, nil
}

// Validate checks the configuration for values the downloader cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Tesla.BaseURL) == "" {
		return ErrInvalidBaseURL
	}

	if c.Fetch.MaxAttempts < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidAttempts, c.Fetch.MaxAttempts)
	}
	if c.Fetch.RetryDelay < 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRetryDelay, c.Fetch.RetryDelay)
	}
	if c.Fetch.RequestSpacing < minimumSpacing {
		return fmt.Errorf("%w: %s", ErrInvalidSpacing, c.Fetch.RequestSpacing)
	}

	if len(c.Download.Kinds) == 0 {
		return ErrInvalidKinds
	}
	if _, err := c.SeriesKinds(); err != nil {
		return fmt.Errorf("invalid download kinds: %w", err)
	}

	switch c.Store.Backend {
	case BackendCSV:
		if strings.TrimSpace(c.Store.Directory) == "" {
			return ErrInvalidStoreDirectory
		}
	case BackendPostgres:
		if c.Database.Host == "" || c.Database.Database == "" {
			return ErrInvalidDatabase
		}
		if c.Database.Port <= 0 || c.Database.Port > maxPort {
			return fmt.Errorf("%w: database port %d", ErrInvalidPort, c.Database.Port)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStoreBackend, c.Store.Backend)
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > maxPort) {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Server.Port)
	}

	return nil
}
