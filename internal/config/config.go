package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "ALARMD_"

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Notifier   NotifierConfig   `yaml:"notifier"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Auth       AuthConfig       `yaml:"auth"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Addr             string   `yaml:"addr"`
	APIType          string   `yaml:"api_type"`
	ReadTimeout      int      `yaml:"read_timeout"`
	IdleTimeout      int      `yaml:"idle_timeout"`
	RequestTimeout   int      `yaml:"request_timeout"`
	ShutdownTimeout  int      `yaml:"shutdown_timeout"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	DefaultListLimit int      `yaml:"default_list_limit"`
	MaxListLimit     int      `yaml:"max_list_limit"`
}

// StorageConfig contains storage engine settings
type StorageConfig struct {
	StorageType            string `yaml:"storage_type"`
	DataDir                string `yaml:"data_dir"`
	SyncWrites             bool   `yaml:"sync_writes"`
	CacheEnabled           bool   `yaml:"cache_enabled"`
	CacheSize              int    `yaml:"cache_size"`
	CacheExpirationSeconds int    `yaml:"cache_expiration_seconds"`
	MemTableSizeMB         int    `yaml:"mem_table_size_mb"`
	BlockCacheMB           int    `yaml:"block_cache_mb"`
	GCIntervalMinutes      int    `yaml:"gc_interval_minutes"`
	MarkAllBatchSize       int    `yaml:"mark_all_batch_size"`
}

// NotifierConfig contains connection, heartbeat and replay settings
type NotifierConfig struct {
	Shards            int `yaml:"shards"`
	IdleTimeout       int `yaml:"idle_timeout"`
	HeartbeatInterval int `yaml:"heartbeat_interval"`
	WriteTimeoutMs    int `yaml:"write_timeout_ms"`
	CatchUpTimeoutMs  int `yaml:"catch_up_timeout_ms"`
	SweepInterval     int `yaml:"sweep_interval"`
	BacklogSize       int `yaml:"backlog_size"`
	ReplayCacheSize   int `yaml:"replay_cache_size"`
	ReplayTTL         int `yaml:"replay_ttl"`
}

// DispatcherConfig contains fanout settings
type DispatcherConfig struct {
	FanoutConcurrency    int `yaml:"fanout_concurrency"`
	BroadcastConcurrency int `yaml:"broadcast_concurrency"`
}

// AuthConfig contains authentication settings
type AuthConfig struct {
	Enabled              bool   `yaml:"enabled"`
	JWTSecret            string `yaml:"jwt_secret"`
	JWTExpirationMinutes int    `yaml:"jwt_expiration_minutes"`
	InternalToken        string `yaml:"internal_token"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string            `yaml:"level"`
	Format        string            `yaml:"format"`
	IncludeCaller bool              `yaml:"include_caller"`
	GlobalFields  map[string]string `yaml:"global_fields"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	Enabled       bool              `yaml:"enabled"`
	ServiceName   string            `yaml:"service_name"`
	Endpoint      string            `yaml:"endpoint"`
	SamplingRatio float64           `yaml:"sampling_ratio"`
	Attributes    map[string]string `yaml:"attributes"`
}

// MetricsConfig contains metrics settings
type MetricsConfig struct {
	Enabled  bool `yaml:"enabled"`
	Interval int  `yaml:"interval"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:             ":8080",
			APIType:          "chi",
			ReadTimeout:      5,
			IdleTimeout:      120,
			RequestTimeout:   30,
			ShutdownTimeout:  15,
			AllowedOrigins:   []string{"*"},
			DefaultListLimit: 15,
			MaxListLimit:     100,
		},
		Storage: StorageConfig{
			StorageType:            "badger",
			DataDir:                "./data",
			SyncWrites:             true,
			CacheEnabled:           true,
			CacheSize:              10000,
			CacheExpirationSeconds: 30,
			GCIntervalMinutes:      10,
			MarkAllBatchSize:       1000,
		},
		Notifier: NotifierConfig{
			Shards:            64,
			IdleTimeout:       3600,
			HeartbeatInterval: 30,
			WriteTimeoutMs:    5000,
			CatchUpTimeoutMs:  10000,
			SweepInterval:     60,
			BacklogSize:       15,
			ReplayCacheSize:   256,
			ReplayTTL:         600,
		},
		Dispatcher: DispatcherConfig{
			FanoutConcurrency:    16,
			BroadcastConcurrency: 8,
		},
		Auth: AuthConfig{
			Enabled:              false,
			JWTSecret:            "change-me-in-production",
			JWTExpirationMinutes: 60,
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "json",
			IncludeCaller: true,
			GlobalFields:  map[string]string{},
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			ServiceName:   "alarmd",
			Endpoint:      "localhost:4317",
			SamplingRatio: 0.1,
			Attributes:    map[string]string{},
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Interval: 15,
		},
	}
}

// LoadConfigFromFile loads configuration from a YAML file
func LoadConfigFromFile(filePath string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("file", filePath).Msg("Configuration file not found, using defaults")
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration from file, environment variables, and flags.
// Later sources win.
func LoadConfig(configFile string, dataDir string, serverAddr string, logLevel string) (*Config, error) {
	var config *Config
	var err error

	if configFile != "" {
		config, err = LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		config = DefaultConfig()
	}

	if err := applyEnvOverrides(config); err != nil {
		return nil, err
	}

	if dataDir != "" {
		absDataDir, err := filepath.Abs(dataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for data directory: %w", err)
		}
		config.Storage.DataDir = absDataDir
	}

	if serverAddr != "" {
		config.Server.Addr = serverAddr
	}

	if logLevel != "" {
		config.Logging.Level = logLevel
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects settings the engine cannot run with
func (c *Config) Validate() error {
	var errs []error

	switch c.Server.APIType {
	case "chi", "fiber":
	default:
		errs = append(errs, fmt.Errorf("server.api_type must be chi or fiber, got %q", c.Server.APIType))
	}

	switch c.Storage.StorageType {
	case "badger", "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.storage_type must be badger or memory, got %q", c.Storage.StorageType))
	}

	if c.Storage.StorageType == "badger" && c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir is required for badger storage"))
	}

	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required when auth is enabled"))
	}

	if c.Notifier.HeartbeatInterval < 0 || c.Notifier.IdleTimeout < 0 || c.Notifier.ReplayTTL < 0 ||
		c.Notifier.CatchUpTimeoutMs < 0 {
		errs = append(errs, errors.New("notifier intervals must not be negative"))
	}

	return errors.Join(errs...)
}

// applyEnvOverrides applies ALARMD_* environment variables
func applyEnvOverrides(config *Config) error {
	var errs []error

	envString("SERVER_ADDR", &config.Server.Addr)
	envString("SERVER_API_TYPE", &config.Server.APIType)
	if origins, ok := os.LookupEnv(EnvPrefix + "SERVER_ALLOWED_ORIGINS"); ok {
		config.Server.AllowedOrigins = strings.Split(origins, ",")
	}

	envString("STORAGE_TYPE", &config.Storage.StorageType)
	envString("STORAGE_DATA_DIR", &config.Storage.DataDir)
	errs = append(errs,
		envBool("STORAGE_SYNC_WRITES", &config.Storage.SyncWrites),
		envBool("STORAGE_CACHE_ENABLED", &config.Storage.CacheEnabled),
	)

	errs = append(errs,
		envInt("NOTIFIER_IDLE_TIMEOUT", &config.Notifier.IdleTimeout),
		envInt("NOTIFIER_HEARTBEAT_INTERVAL", &config.Notifier.HeartbeatInterval),
		envInt("NOTIFIER_WRITE_TIMEOUT_MS", &config.Notifier.WriteTimeoutMs),
		envInt("NOTIFIER_CATCH_UP_TIMEOUT_MS", &config.Notifier.CatchUpTimeoutMs),
		envInt("NOTIFIER_BACKLOG_SIZE", &config.Notifier.BacklogSize),
		envInt("NOTIFIER_REPLAY_CACHE_SIZE", &config.Notifier.ReplayCacheSize),
		envInt("NOTIFIER_REPLAY_TTL", &config.Notifier.ReplayTTL),
		envInt("DISPATCHER_FANOUT_CONCURRENCY", &config.Dispatcher.FanoutConcurrency),
	)

	errs = append(errs, envBool("AUTH_ENABLED", &config.Auth.Enabled))
	envString("AUTH_JWT_SECRET", &config.Auth.JWTSecret)
	envString("AUTH_INTERNAL_TOKEN", &config.Auth.InternalToken)

	envString("LOG_LEVEL", &config.Logging.Level)
	envString("LOG_FORMAT", &config.Logging.Format)

	errs = append(errs, envBool("TELEMETRY_ENABLED", &config.Telemetry.Enabled))
	envString("TELEMETRY_ENDPOINT", &config.Telemetry.Endpoint)

	return errors.Join(errs...)
}

func envString(name string, dst *string) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) error {
	v := os.Getenv(EnvPrefix + name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
	}
	*dst = n
	return nil
}

func envBool(name string, dst *bool) error {
	v := os.Getenv(EnvPrefix + name)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
	}
	*dst = b
	return nil
}
