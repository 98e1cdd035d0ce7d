// Package config loads notesync settings from defaults, an optional YAML
// file, a .env file and NOTESYNC_* environment variables, in increasing
// precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/kimhsiao/notesync/internal/db"
	apperrors "github.com/kimhsiao/notesync/internal/errors"
	"github.com/kimhsiao/notesync/internal/logging"
)

const (
	EnvPrefix = "NOTESYNC"

	EnvLocal = "local"
	EnvDev   = "dev"
	EnvProd  = "prod"

	defaultDataDir    = ".notesync"
	defaultListenAddr = "127.0.0.1:7000"
	defaultHubAddr    = "127.0.0.1:7001"
)

// Config holds every notesync setting.
type Config struct {
	Env        string `mapstructure:"env"`
	DataDir    string `mapstructure:"data_dir"`
	DBName     string `mapstructure:"db_name"`
	ServerURL  string `mapstructure:"server_url"`
	HubURL     string `mapstructure:"hub_url"`
	ListenAddr string `mapstructure:"listen_addr"`
	HubAddr    string `mapstructure:"hub_addr"`
	LogLevel   string `mapstructure:"log_level"`
	Sync       Sync   `mapstructure:"sync"`
}

// Sync holds the sync driver and scheduler settings.
type Sync struct {
	Interval         time.Duration `mapstructure:"interval"`
	QueueInterval    time.Duration `mapstructure:"queue_interval"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`
	ReconnectTimeout time.Duration `mapstructure:"reconnect_timeout"`
	PushAttempts     int           `mapstructure:"push_attempts"`
	LockedBackoff    time.Duration `mapstructure:"locked_backoff"`
	NotifyDebounce   time.Duration `mapstructure:"notify_debounce"`
	LeaderRetry      time.Duration `mapstructure:"leader_retry"`
}

// Options select where Load looks for settings.
type Options struct {
	// ConfigFile is an explicit YAML file. When empty, config.yaml is looked
	// up in the working directory and the data directory.
	ConfigFile string
	// EnvFile is loaded into the environment when it exists.
	EnvFile string
}

func setDefaults(v *viper.Viper) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	v.SetDefault("env", EnvLocal)
	v.SetDefault("data_dir", filepath.Join(home, defaultDataDir))
	v.SetDefault("db_name", db.DefaultName)
	v.SetDefault("server_url", "")
	v.SetDefault("hub_url", "")
	v.SetDefault("listen_addr", defaultListenAddr)
	v.SetDefault("hub_addr", defaultHubAddr)
	v.SetDefault("log_level", "info")

	v.SetDefault("sync.interval", time.Minute)
	v.SetDefault("sync.queue_interval", 5*time.Second)
	v.SetDefault("sync.request_timeout", 30*time.Second)
	v.SetDefault("sync.max_retries", 5)
	v.SetDefault("sync.reconnect_timeout", 2*time.Second)
	v.SetDefault("sync.push_attempts", 5)
	v.SetDefault("sync.locked_backoff", 500*time.Millisecond)
	v.SetDefault("sync.notify_debounce", 50*time.Millisecond)
	v.SetDefault("sync.leader_retry", 500*time.Millisecond)
}

// Load resolves the configuration.
func Load(opts Options) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
		logging.Debug("Loaded env file", map[string]interface{}{"path": envFile})
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(v.GetString("data_dir"))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		logging.Debug("Loaded config file", map[string]interface{}{"path": v.ConfigFileUsed()})
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return apperrors.New(apperrors.ErrValidation, "data_dir must not be empty")
	}
	if c.DBName == "" {
		return apperrors.New(apperrors.ErrValidation, "db_name must not be empty")
	}
	switch c.Env {
	case EnvLocal, EnvDev, EnvProd:
	default:
		return apperrors.New(apperrors.ErrValidation, fmt.Sprintf("unknown env %q", c.Env))
	}
	if c.Sync.Interval <= 0 || c.Sync.QueueInterval <= 0 {
		return apperrors.New(apperrors.ErrValidation, "sync intervals must be positive")
	}
	if c.Sync.MaxRetries < 1 || c.Sync.PushAttempts < 1 {
		return apperrors.New(apperrors.ErrValidation, "sync.max_retries and sync.push_attempts must be at least 1")
	}
	return nil
}

// IsProd reports whether the production environment is selected.
func (c *Config) IsProd() bool {
	return c.Env == EnvProd
}

// Level returns the parsed log level. Production never logs below info.
func (c *Config) Level() logging.LogLevel {
	level := logging.ParseLevel(c.LogLevel)
	if c.IsProd() && level == logging.LevelDebug {
		return logging.LevelInfo
	}
	return level
}
