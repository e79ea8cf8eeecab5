package factory

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/nkkko/alarmd/internal/storage"
	"github.com/nkkko/alarmd/internal/storage/badger"
	"github.com/nkkko/alarmd/internal/storage/memory"
)

// StorageType represents the type of storage implementation to use
type StorageType string

const (
	// BadgerStorage is the default, durable storage type
	BadgerStorage StorageType = "badger"

	// MemoryStorage keeps notifications in process memory only
	MemoryStorage StorageType = "memory"
)

// Config contains configuration for the storage factory
type Config struct {
	// Storage type to create
	Type StorageType

	// Shared storage settings
	Storage storage.Config

	// Badger-only tuning; DataDir, SyncWrites and cache fields are
	// taken from Storage
	Badger badger.Config
}

// DefaultConfig returns the default factory configuration
func DefaultConfig() Config {
	return Config{
		Type:    BadgerStorage,
		Storage: storage.DefaultConfig(),
		Badger:  badger.DefaultConfig(),
	}
}

// New creates a storage instance based on the factory configuration
func New(config Config) (storage.Storage, error) {
	switch config.Type {
	case BadgerStorage, "":
		bc := config.Badger
		bc.DataDir = config.Storage.DataDir
		bc.SyncWrites = config.Storage.SyncWrites
		bc.CacheEnabled = config.Storage.CacheEnabled
		bc.CacheSize = config.Storage.CacheSize
		bc.CacheExpiration = config.Storage.CacheExpiration

		s, err := badger.NewStorage(bc)
		if err != nil {
			return nil, err
		}
		return s, nil

	case MemoryStorage:
		log.Warn().Str("component", "storage").Msg("Using in-memory storage; notifications are lost on restart")
		return memory.NewStorage(), nil

	default:
		return nil, fmt.Errorf("unknown storage type: %q", config.Type)
	}
}
