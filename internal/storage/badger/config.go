package badger

import (
	"time"
)

// Config contains Badger store configuration
type Config struct {
	// Base directory for data files
	DataDir string

	// Keep everything in memory (tests)
	InMemory bool

	// Fsync each commit before it is acknowledged
	SyncWrites bool

	// Badger tuning, zero keeps Badger's default
	MemTableSize   int64
	BlockCacheSize int64

	// Value log GC
	GCInterval     time.Duration
	GCDiscardRatio float64

	// How often the DB size gauge is refreshed
	MetricsInterval time.Duration

	// Notifications flipped per transaction by MarkAllRead
	MarkAllBatchSize int

	// Cache settings
	CacheEnabled    bool
	CacheSize       int
	CacheExpiration time.Duration
}

// DefaultConfig returns a default configuration for Badger-based storage
func DefaultConfig() Config {
	return Config{
		DataDir:          "./data",
		SyncWrites:       true,
		GCInterval:       10 * time.Minute,
		GCDiscardRatio:   0.5,
		MetricsInterval:  15 * time.Second,
		MarkAllBatchSize: 1000,
		CacheEnabled:     true,
		CacheSize:        10000,
		CacheExpiration:  30 * time.Second,
	}
}

// withDefaults fills zero values from DefaultConfig
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.DataDir == "" && !c.InMemory {
		c.DataDir = def.DataDir
	}
	if c.GCInterval <= 0 {
		c.GCInterval = def.GCInterval
	}
	if c.GCDiscardRatio <= 0 || c.GCDiscardRatio >= 1 {
		c.GCDiscardRatio = def.GCDiscardRatio
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = def.MetricsInterval
	}
	if c.MarkAllBatchSize <= 0 {
		c.MarkAllBatchSize = def.MarkAllBatchSize
	}
	if c.CacheSize <= 0 {
		c.CacheSize = def.CacheSize
	}
	if c.CacheExpiration <= 0 {
		c.CacheExpiration = def.CacheExpiration
	}
	return c
}
