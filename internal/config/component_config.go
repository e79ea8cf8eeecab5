package config

import (
	"os"
	"time"

	"github.com/nkkko/alarmd/internal/api"
	chiapi "github.com/nkkko/alarmd/internal/api/chi"
	"github.com/nkkko/alarmd/internal/auth"
	"github.com/nkkko/alarmd/internal/dispatcher"
	"github.com/nkkko/alarmd/internal/logging"
	"github.com/nkkko/alarmd/internal/notifier"
	"github.com/nkkko/alarmd/internal/registry"
	"github.com/nkkko/alarmd/internal/storage"
	"github.com/nkkko/alarmd/internal/storage/badger"
	"github.com/nkkko/alarmd/internal/storage/factory"
	"github.com/nkkko/alarmd/internal/telemetry"
)

// ToStorageFactoryConfig converts to storage factory config
func (c *Config) ToStorageFactoryConfig() factory.Config {
	basic := storage.Config{
		DataDir:         c.Storage.DataDir,
		SyncWrites:      c.Storage.SyncWrites,
		CacheEnabled:    c.Storage.CacheEnabled,
		CacheSize:       c.Storage.CacheSize,
		CacheExpiration: time.Duration(c.Storage.CacheExpirationSeconds) * time.Second,
	}

	tuned := badger.DefaultConfig()
	tuned.MemTableSize = int64(c.Storage.MemTableSizeMB) << 20
	tuned.BlockCacheSize = int64(c.Storage.BlockCacheMB) << 20
	tuned.GCInterval = time.Duration(c.Storage.GCIntervalMinutes) * time.Minute
	tuned.MarkAllBatchSize = c.Storage.MarkAllBatchSize
	if c.Metrics.Enabled && c.Metrics.Interval > 0 {
		tuned.MetricsInterval = time.Duration(c.Metrics.Interval) * time.Second
	}

	return factory.Config{
		Type:    factory.StorageType(c.Storage.StorageType),
		Storage: basic,
		Badger:  tuned,
	}
}

// ToRegistryConfig converts to connection registry config
func (c *Config) ToRegistryConfig() registry.Config {
	return registry.Config{
		Shards:            c.Notifier.Shards,
		IdleTimeout:       time.Duration(c.Notifier.IdleTimeout) * time.Second,
		HeartbeatInterval: time.Duration(c.Notifier.HeartbeatInterval) * time.Second,
		WriteTimeout:      time.Duration(c.Notifier.WriteTimeoutMs) * time.Millisecond,
		SweepInterval:     time.Duration(c.Notifier.SweepInterval) * time.Second,
		ReplayCacheSize:   c.Notifier.ReplayCacheSize,
		ReplayTTL:         time.Duration(c.Notifier.ReplayTTL) * time.Second,
	}
}

// ToDispatcherConfig converts to dispatcher config
func (c *Config) ToDispatcherConfig() dispatcher.Config {
	return dispatcher.Config{
		FanoutConcurrency:    c.Dispatcher.FanoutConcurrency,
		WriteTimeout:         time.Duration(c.Notifier.WriteTimeoutMs) * time.Millisecond,
		BroadcastConcurrency: c.Dispatcher.BroadcastConcurrency,
	}
}

// ToNotifierConfig converts to subscription handler config
func (c *Config) ToNotifierConfig() notifier.Config {
	return notifier.Config{
		BacklogSize:    c.Notifier.BacklogSize,
		WriteTimeout:   time.Duration(c.Notifier.WriteTimeoutMs) * time.Millisecond,
		CatchUpTimeout: time.Duration(c.Notifier.CatchUpTimeoutMs) * time.Millisecond,
	}
}

// ToChiAPIConfig converts to chi API config
func (c *Config) ToChiAPIConfig() chiapi.Config {
	return chiapi.Config{
		Addr:             c.Server.Addr,
		ReadTimeout:      time.Duration(c.Server.ReadTimeout) * time.Second,
		IdleTimeout:      time.Duration(c.Server.IdleTimeout) * time.Second,
		RequestTimeout:   time.Duration(c.Server.RequestTimeout) * time.Second,
		AllowedOrigins:   c.Server.AllowedOrigins,
		DefaultListLimit: c.Server.DefaultListLimit,
		MaxListLimit:     c.Server.MaxListLimit,
	}
}

// ToAPIConfig converts to fiber API config
func (c *Config) ToAPIConfig() api.Config {
	return api.Config{
		Addr:             c.Server.Addr,
		ReadTimeout:      time.Duration(c.Server.ReadTimeout) * time.Second,
		IdleTimeout:      time.Duration(c.Server.IdleTimeout) * time.Second,
		AllowedOrigins:   c.Server.AllowedOrigins,
		DefaultListLimit: c.Server.DefaultListLimit,
		MaxListLimit:     c.Server.MaxListLimit,
	}
}

// ToAuthConfig converts to authenticator config
func (c *Config) ToAuthConfig() auth.Config {
	return auth.Config{
		Enabled:       c.Auth.Enabled,
		JWTSecret:     c.Auth.JWTSecret,
		InternalToken: c.Auth.InternalToken,
	}
}

// TokenTTL is the lifetime of tokens issued by the CLI
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.Auth.JWTExpirationMinutes) * time.Minute
}

// ShutdownTimeout bounds the graceful shutdown
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeout) * time.Second
}

// ToLoggingConfig converts to logging config
func (c *Config) ToLoggingConfig() logging.Config {
	fields := map[string]string{"service": "alarmd"}
	for k, v := range c.Logging.GlobalFields {
		fields[k] = v
	}
	return logging.Config{
		Level:             logging.LogLevel(c.Logging.Level),
		Format:            logging.LogFormat(c.Logging.Format),
		IncludeCaller:     c.Logging.IncludeCaller,
		IncludeStacktrace: true,
		Output:            os.Stdout,
		GlobalFields:      fields,
	}
}

// ToTelemetryConfig converts to telemetry config
func (c *Config) ToTelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:       c.Telemetry.Enabled,
		ServiceName:   c.Telemetry.ServiceName,
		Endpoint:      c.Telemetry.Endpoint,
		SamplingRatio: c.Telemetry.SamplingRatio,
		Timeout:       5 * time.Second,
		Attributes:    c.Telemetry.Attributes,
	}
}
