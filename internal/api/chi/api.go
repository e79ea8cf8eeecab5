package chi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nkkko/alarmd/internal/api/models"
	"github.com/nkkko/alarmd/internal/api/response"
	"github.com/nkkko/alarmd/internal/api/validation"
	"github.com/nkkko/alarmd/internal/auth"
	"github.com/nkkko/alarmd/internal/logging"
	"github.com/nkkko/alarmd/internal/telemetry"
	"github.com/nkkko/alarmd/pkg/proto"
)

// Config contains API configuration
type Config struct {
	// Server address
	Addr string

	// Server timeouts; streaming routes manage their own write deadlines
	ReadTimeout time.Duration
	IdleTimeout time.Duration

	// Deadline for non-streaming requests
	RequestTimeout time.Duration

	// Allowed CORS origins
	AllowedOrigins []string

	// Default and maximum page size of the list endpoint
	DefaultListLimit int
	MaxListLimit     int
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr:             ":8080",
		ReadTimeout:      5 * time.Second,
		IdleTimeout:      120 * time.Second,
		RequestTimeout:   30 * time.Second,
		AllowedOrigins:   []string{"*"},
		DefaultListLimit: 15,
		MaxListLimit:     100,
	}
}

// Services are the components the API exposes
type Services struct {
	Dispatcher  Dispatcher
	Reconciler  Reconciler
	Store       Store
	Subscriber  Subscriber
	Connections Connections
	Auth        *auth.Authenticator
}

// ChiAPI handles HTTP endpoints using Chi router
type ChiAPI struct {
	config   Config
	services Services
	router   *chi.Mux
	server   *http.Server
	logger   zerolog.Logger
}

// NewChiAPI creates a new API instance with Chi router
func NewChiAPI(config Config, services Services) *ChiAPI {
	def := DefaultConfig()
	if config.Addr == "" {
		config.Addr = def.Addr
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = def.ReadTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = def.IdleTimeout
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = def.RequestTimeout
	}
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = def.AllowedOrigins
	}
	if config.DefaultListLimit <= 0 {
		config.DefaultListLimit = def.DefaultListLimit
	}
	if config.MaxListLimit <= 0 {
		config.MaxListLimit = def.MaxListLimit
	}
	if services.Auth == nil {
		services.Auth = auth.New(auth.Config{})
	}

	a := &ChiAPI{
		config:   config,
		services: services,
		logger:   log.With().Str("component", "api-chi").Logger(),
	}
	a.router = a.newRouter()
	return a
}

// Handler returns the routed handler
func (a *ChiAPI) Handler() http.Handler {
	return a.router
}

func (a *ChiAPI) newRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(telemetry.HTTPMiddleware("alarmd"))
	r.Use(logging.HTTPMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID", auth.RecipientHeader},
		ExposedHeaders:   []string{logging.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	a.registerRoutes(r)
	return r
}

// Start runs the API server until ctx is cancelled or the listener fails
func (a *ChiAPI) Start(ctx context.Context) error {
	a.server = &http.Server{
		Addr:              a.config.Addr,
		Handler:           a.router,
		ReadHeaderTimeout: a.config.ReadTimeout,
		IdleTimeout:       a.config.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", a.config.Addr).Msg("API server started")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

// Shutdown stops the API server
func (a *ChiAPI) Shutdown(ctx context.Context) error {
	a.logger.Info().Msg("Shutting down API server")
	if a.server != nil {
		return a.server.Shutdown(ctx)
	}
	return nil
}

// registerRoutes sets up all API endpoints
func (a *ChiAPI) registerRoutes(r chi.Router) {
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Get("/readyz", a.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/alarms", func(r chi.Router) {
		r.Use(a.services.Auth.Middleware())

		// Streams stay open far longer than any request timeout
		r.Get("/subscribe", a.handleSubscribeSSE)
		r.Get("/stream", a.handleSubscribeWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(a.config.RequestTimeout))
			r.Get("/", a.handleList)
			r.Get("/unread-count", a.handleUnreadCount)
			r.Patch("/read-all", a.handleMarkAllRead)
			r.Patch("/{id}/read", a.handleMarkRead)
		})
	})

	r.Route("/internal/alarms", func(r chi.Router) {
		r.Use(a.services.Auth.InternalOnly())
		r.Use(middleware.Timeout(a.config.RequestTimeout))
		r.Post("/", a.handleCreate)
		r.Post("/broadcast", a.handleBroadcast)
	})
}

func (a *ChiAPI) handleReady(w http.ResponseWriter, r *http.Request) {
	connections := 0
	if a.services.Connections != nil {
		connections = a.services.Connections.ConnectionCount()
	}
	response.JSON(w, r, http.StatusOK, models.HealthResponse{Status: "ready", Connections: connections})
}

func (a *ChiAPI) handleSubscribeSSE(w http.ResponseWriter, r *http.Request) {
	a.services.Subscriber.ServeSSE(w, r, auth.RecipientFromContext(r.Context()))
}

func (a *ChiAPI) handleSubscribeWebSocket(w http.ResponseWriter, r *http.Request) {
	a.services.Subscriber.ServeWebSocket(w, r, auth.RecipientFromContext(r.Context()))
}

// handleList returns the caller's most recent alarms, newest first
func (a *ChiAPI) handleList(w http.ResponseWriter, r *http.Request) {
	recipientID := auth.RecipientFromContext(r.Context())

	limit, err := validation.Limit(r.URL.Query().Get("limit"), a.config.DefaultListLimit, a.config.MaxListLimit)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	list, err := a.services.Store.ListRecent(r.Context(), recipientID, limit)
	if err != nil {
		logger := logging.FromContext(r.Context())
		logger.Error().Err(err).Msg("Failed to list alarms")
		response.Error(w, r, err)
		return
	}

	response.WithMeta(w, r, http.StatusOK, models.AlarmsFromProto(list), models.ListMeta{
		Limit: limit,
		Count: len(list),
	})
}

func (a *ChiAPI) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	count, err := a.services.Store.CountUnread(r.Context(), auth.RecipientFromContext(r.Context()))
	if err != nil {
		logger := logging.FromContext(r.Context())
		logger.Error().Err(err).Msg("Failed to count unread alarms")
		response.Error(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, proto.UnreadCountResponse{Unread: count})
}

// handleMarkRead marks one of the caller's alarms read
func (a *ChiAPI) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id, err := validation.AlarmID(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, r, err)
		return
	}

	n, err := a.services.Reconciler.MarkOneRead(r.Context(), auth.RecipientFromContext(r.Context()), id)
	if err != nil {
		logger := logging.FromContext(r.Context())
		logger.Debug().Err(err).Uint64("alarm_id", id).Msg("Mark read failed")
		response.Error(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, models.AlarmFromProto(n))
}

func (a *ChiAPI) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	updated, err := a.services.Reconciler.MarkAllRead(r.Context(), auth.RecipientFromContext(r.Context()))
	if err != nil {
		logger := logging.FromContext(r.Context())
		logger.Error().Err(err).Int("updated", updated).Msg("Mark all read failed")
		response.Error(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, proto.MarkAllReadResponse{Updated: updated})
}

// handleCreate persists an alarm and pushes it to the recipient
func (a *ChiAPI) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req models.CreateAlarmRequest
	if err := validation.ParseAndValidate(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}

	n, err := a.services.Dispatcher.CreateAndDispatch(r.Context(), req.ToProto())
	if err != nil {
		logger := logging.FromContext(r.Context())
		logger.Error().Err(err).Str("recipient_id", req.RecipientID).Msg("Failed to dispatch alarm")
		response.Error(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusCreated, models.AlarmFromProto(n))
}

// handleBroadcast sends one alarm to several recipients. Partial failures
// are reported alongside the alarms that were created.
func (a *ChiAPI) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req models.BroadcastAlarmRequest
	if err := validation.ParseAndValidate(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}

	created, err := a.services.Dispatcher.Broadcast(r.Context(), req.ToProto())
	if err != nil && len(created) == 0 {
		logger := logging.FromContext(r.Context())
		logger.Error().Err(err).Msg("Broadcast failed")
		response.Error(w, r, err)
		return
	}

	status, body := models.NewBroadcastResponse(req.RecipientIDs, created, err)
	response.JSON(w, r, status, body)
}
