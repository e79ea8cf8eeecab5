package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/nkkko/alarmd/internal/api"
	chiapi "github.com/nkkko/alarmd/internal/api/chi"
	"github.com/nkkko/alarmd/internal/auth"
	"github.com/nkkko/alarmd/internal/config"
	"github.com/nkkko/alarmd/internal/dispatcher"
	"github.com/nkkko/alarmd/internal/notifier"
	"github.com/nkkko/alarmd/internal/reconciler"
	"github.com/nkkko/alarmd/internal/registry"
	"github.com/nkkko/alarmd/internal/storage"
	"github.com/nkkko/alarmd/internal/storage/factory"
	"github.com/nkkko/alarmd/internal/telemetry"
)

// APIType selects the HTTP engine
type APIType string

const (
	// ChiAPI serves the API with the chi router on net/http
	ChiAPI APIType = "chi"

	// FiberAPI serves the API with fiber on fasthttp
	FiberAPI APIType = "fiber"
)

// Server is an HTTP front end the engine runs
type Server interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Engine is the main coordinator of all alarmd components
type Engine struct {
	config      *config.Config
	storage     storage.Storage
	registry    *registry.Registry
	dispatcher  *dispatcher.Dispatcher
	notifier    *notifier.Notifier
	reconciler  *reconciler.Reconciler
	server      Server
	logger      zerolog.Logger
	telemetryFn func(context.Context) error
}

// CreateEngine builds every component from the configuration
func CreateEngine(cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := factory.New(cfg.ToStorageFactoryConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	reg := registry.New(cfg.ToRegistryConfig())
	disp := dispatcher.New(cfg.ToDispatcherConfig(), store, reg)
	ntf := notifier.New(cfg.ToNotifierConfig(), reg, store)
	rec := reconciler.New(store, reg)
	authn := auth.New(cfg.ToAuthConfig())

	var server Server
	switch APIType(cfg.Server.APIType) {
	case FiberAPI:
		server = api.NewAPI(cfg.ToAPIConfig(), api.Services{
			Dispatcher:  disp,
			Reconciler:  rec,
			Store:       store,
			Subscriber:  ntf,
			Connections: reg,
			Auth:        authn,
		})
	default:
		server = chiapi.NewChiAPI(cfg.ToChiAPIConfig(), chiapi.Services{
			Dispatcher:  disp,
			Reconciler:  rec,
			Store:       store,
			Subscriber:  ntf,
			Connections: reg,
			Auth:        authn,
		})
	}

	return &Engine{
		config:     cfg,
		storage:    store,
		registry:   reg,
		dispatcher: disp,
		notifier:   ntf,
		reconciler: rec,
		server:     server,
		logger:     log.With().Str("component", "engine").Logger(),
	}, nil
}

// Registry returns the connection registry
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Dispatcher returns the alarm dispatcher
func (e *Engine) Dispatcher() *dispatcher.Dispatcher { return e.dispatcher }

// Notifier returns the subscription handler
func (e *Engine) Notifier() *notifier.Notifier { return e.notifier }

// Reconciler returns the read-state reconciler
func (e *Engine) Reconciler() *reconciler.Reconciler { return e.reconciler }

// Storage returns the notification store
func (e *Engine) Storage() storage.Storage { return e.storage }

// Start runs all components until ctx is cancelled or one of them fails
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info().
		Str("addr", e.config.Server.Addr).
		Str("api_type", e.config.Server.APIType).
		Str("storage_type", e.config.Storage.StorageType).
		Msg("Starting alarmd engine")

	telShutdown, err := telemetry.Setup(ctx, e.config.ToTelemetryConfig())
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to set up telemetry, continuing without it")
	} else {
		e.telemetryFn = telShutdown
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.storage.Start(ctx)
	})

	g.Go(func() error {
		return e.registry.Start(ctx)
	})

	g.Go(func() error {
		if err := e.server.Start(ctx); err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("error running engine: %w", err)
	}

	e.logger.Info().Msg("alarmd engine stopped")
	return nil
}

// Shutdown stops the engine. Open streams are closed first so the API
// server is not held up by them, and storage goes last.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info().Msg("Shutting down alarmd engine")

	var errs []error

	if err := e.registry.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down connection registry")
		errs = append(errs, err)
	}

	if err := e.server.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down API")
		errs = append(errs, err)
	}

	if err := e.storage.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down storage")
		errs = append(errs, err)
	}

	if e.telemetryFn != nil {
		if err := e.telemetryFn(ctx); err != nil {
			e.logger.Error().Err(err).Msg("Failed to shut down telemetry")
		}
	}

	return errors.Join(errs...)
}
