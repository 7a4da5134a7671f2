package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"urlstore/storage"
)

// Config represents the application configuration
type Config struct {
	Storage StorageConfig `mapstructure:"storage"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// StorageConfig selects the backing engine and the table layout
type StorageConfig struct {
	Backend        string `mapstructure:"backend"`
	DataDir        string `mapstructure:"data_dir"`
	DSN            string `mapstructure:"dsn"`
	Table          string `mapstructure:"table"`
	KeyColumn      string `mapstructure:"key_column"`
	ValueColumn    string `mapstructure:"value_column"`
	InMemory       bool   `mapstructure:"in_memory"`
	CacheSize      int64  `mapstructure:"cache_size"`
	GCInterval     int    `mapstructure:"gc_interval"`
	CheckThenWrite bool   `mapstructure:"check_then_write"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Load reads configuration from the file at configPath (or the default
// search paths), URLSTORE_* environment variables and v's bound flags.
// Passing nil uses a fresh viper instance.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	v.SetConfigName("urlstore")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/urlstore")
	}

	// Set defaults
	setDefaults(v)

	// Read environment variables
	v.SetEnvPrefix("URLSTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Storage defaults
	v.SetDefault("storage.backend", storage.BackendSQLite)
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.table", storage.DefaultSchema.Table)
	v.SetDefault("storage.key_column", storage.DefaultSchema.KeyColumn)
	v.SetDefault("storage.value_column", storage.DefaultSchema.ValueColumn)
	v.SetDefault("storage.in_memory", false)
	v.SetDefault("storage.cache_size", 64<<20)
	v.SetDefault("storage.gc_interval", 300)
	v.SetDefault("storage.check_then_write", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	config.Storage.DataDir = filepath.Clean(config.Storage.DataDir)

	switch config.Storage.Backend {
	case storage.BackendSQLite, storage.BackendBolt, storage.BackendBadger, storage.BackendMemory:
	default:
		return fmt.Errorf("storage.backend must be one of sqlite, bolt, badger, memory; got %q", config.Storage.Backend)
	}

	if err := config.Storage.Schema().Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	if config.Storage.CacheSize < 0 {
		return fmt.Errorf("storage.cache_size must not be negative")
	}
	if config.Storage.GCInterval < 0 {
		return fmt.Errorf("storage.gc_interval must not be negative")
	}

	switch config.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json; got %q", config.Logging.Format)
	}

	return nil
}

// Schema returns the table layout described by the storage section.
func (c StorageConfig) Schema() storage.Schema {
	return storage.Schema{
		Table:       c.Table,
		KeyColumn:   c.KeyColumn,
		ValueColumn: c.ValueColumn,
	}.WithDefaults()
}

// EngineOptions converts the storage section into storage.Open options.
func (c StorageConfig) EngineOptions() storage.Options {
	return storage.Options{
		Backend:    c.Backend,
		DataDir:    c.DataDir,
		DSN:        c.DSN,
		InMemory:   c.InMemory,
		CacheSize:  c.CacheSize,
		GCInterval: time.Duration(c.GCInterval) * time.Second,
		Schema:     c.Schema(),
	}
}

// SlogLevel maps the configured level name to a slog.Level.
func (c LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	_ = v.Unmarshal(&config)
	_ = validateConfig(&config)

	return &config
}
