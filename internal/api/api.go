package api

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/nkkko/alarmd/internal/api/models"
	"github.com/nkkko/alarmd/internal/api/response"
	"github.com/nkkko/alarmd/internal/api/validation"
	"github.com/nkkko/alarmd/internal/auth"
	"github.com/nkkko/alarmd/internal/logging"
	"github.com/nkkko/alarmd/internal/notifier"
	"github.com/nkkko/alarmd/pkg/proto"
)

// Config contains API configuration
type Config struct {
	// Server address
	Addr string

	// Server timeouts; streams are bounded by per-write deadlines instead
	ReadTimeout time.Duration
	IdleTimeout time.Duration

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

// API handles HTTP endpoints on fiber
type API struct {
	config   Config
	services Services
	app      *fiber.App
	logger   zerolog.Logger
}

// NewAPI creates a new API instance
func NewAPI(config Config, services Services) *API {
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

	a := &API{
		config:   config,
		services: services,
		logger:   log.With().Str("component", "api").Logger(),
	}
	a.app = a.newApp()
	return a
}

// App returns the fiber application
func (a *API) App() *fiber.App {
	return a.app
}

func (a *API) newApp() *fiber.App {
	app := fiber.New(fiber.Config{
		ReadTimeout:           a.config.ReadTimeout,
		IdleTimeout:           a.config.IdleTimeout,
		BodyLimit:             validation.MaxBodyBytes,
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			if fe, ok := err.(*fiber.Error); ok {
				return c.Status(fe.Code).SendString(fe.Message)
			}
			return response.FiberError(c, err)
		},
	})

	app.Use(recover.New())
	app.Use(requestid.New(requestid.Config{Header: logging.RequestIDHeader}))
	app.Use(logging.FiberMiddleware())
	app.Use(cors.New(cors.Config{
		AllowOrigins:  strings.Join(a.config.AllowedOrigins, ","),
		AllowMethods:  "GET,POST,PATCH,OPTIONS",
		AllowHeaders:  "Accept,Authorization,Content-Type,Last-Event-ID," + auth.RecipientHeader,
		ExposeHeaders: logging.RequestIDHeader,
		MaxAge:        300,
	}))

	a.registerRoutes(app)
	return app
}

// Start runs the API server until ctx is cancelled or the listener fails
func (a *API) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", a.config.Addr).Msg("API server started")
		errCh <- a.app.Listen(a.config.Addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

// Shutdown stops the API server
func (a *API) Shutdown(ctx context.Context) error {
	a.logger.Info().Msg("Shutting down API server")
	return a.app.ShutdownWithContext(ctx)
}

// registerRoutes sets up all API endpoints
func (a *API) registerRoutes(app *fiber.App) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("OK")
	})
	app.Get("/readyz", a.handleReady)

	metricsHandler := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	app.Get("/metrics", func(c *fiber.Ctx) error {
		metricsHandler(c.Context())
		return nil
	})

	alarms := app.Group("/api/v1/alarms", a.services.Auth.FiberMiddleware())
	alarms.Get("/subscribe", a.handleSubscribeSSE)
	alarms.Get("/stream", notifier.FiberWebSocketUpgrade, a.services.Subscriber.FiberWebSocket(auth.RecipientLocal))
	alarms.Get("/", a.handleList)
	alarms.Get("/unread-count", a.handleUnreadCount)
	alarms.Patch("/read-all", a.handleMarkAllRead)
	alarms.Patch("/:id/read", a.handleMarkRead)

	internal := app.Group("/internal/alarms", a.services.Auth.FiberInternalOnly())
	internal.Post("/", a.handleCreate)
	internal.Post("/broadcast", a.handleBroadcast)
}

func (a *API) handleReady(c *fiber.Ctx) error {
	connections := 0
	if a.services.Connections != nil {
		connections = a.services.Connections.ConnectionCount()
	}
	return response.FiberJSON(c, fiber.StatusOK, models.HealthResponse{Status: "ready", Connections: connections})
}

func (a *API) handleSubscribeSSE(c *fiber.Ctx) error {
	return a.services.Subscriber.FiberSSE(c, auth.FiberRecipient(c))
}

// handleList returns the caller's most recent alarms, newest first
func (a *API) handleList(c *fiber.Ctx) error {
	limit, err := validation.Limit(c.Query("limit"), a.config.DefaultListLimit, a.config.MaxListLimit)
	if err != nil {
		return response.FiberError(c, err)
	}

	list, err := a.services.Store.ListRecent(c.UserContext(), auth.FiberRecipient(c), limit)
	if err != nil {
		logger := logging.FromContext(c.UserContext())
		logger.Error().Err(err).Msg("Failed to list alarms")
		return response.FiberError(c, err)
	}

	requestID, _ := c.Locals("requestid").(string)
	return c.Status(fiber.StatusOK).JSON(response.Response{
		Success:   true,
		RequestID: requestID,
		Data:      models.AlarmsFromProto(list),
		Meta:      models.ListMeta{Limit: limit, Count: len(list)},
	})
}

func (a *API) handleUnreadCount(c *fiber.Ctx) error {
	count, err := a.services.Store.CountUnread(c.UserContext(), auth.FiberRecipient(c))
	if err != nil {
		logger := logging.FromContext(c.UserContext())
		logger.Error().Err(err).Msg("Failed to count unread alarms")
		return response.FiberError(c, err)
	}
	return response.FiberJSON(c, fiber.StatusOK, proto.UnreadCountResponse{Unread: count})
}

// handleMarkRead marks one of the caller's alarms read
func (a *API) handleMarkRead(c *fiber.Ctx) error {
	id, err := validation.AlarmID(c.Params("id"))
	if err != nil {
		return response.FiberError(c, err)
	}

	n, err := a.services.Reconciler.MarkOneRead(c.UserContext(), auth.FiberRecipient(c), id)
	if err != nil {
		return response.FiberError(c, err)
	}
	return response.FiberJSON(c, fiber.StatusOK, models.AlarmFromProto(n))
}

func (a *API) handleMarkAllRead(c *fiber.Ctx) error {
	updated, err := a.services.Reconciler.MarkAllRead(c.UserContext(), auth.FiberRecipient(c))
	if err != nil {
		logger := logging.FromContext(c.UserContext())
		logger.Error().Err(err).Int("updated", updated).Msg("Mark all read failed")
		return response.FiberError(c, err)
	}
	return response.FiberJSON(c, fiber.StatusOK, proto.MarkAllReadResponse{Updated: updated})
}

// handleCreate persists an alarm and pushes it to the recipient
func (a *API) handleCreate(c *fiber.Ctx) error {
	var req models.CreateAlarmRequest
	if err := validation.UnmarshalAndValidate(c.Body(), &req); err != nil {
		return response.FiberError(c, err)
	}

	n, err := a.services.Dispatcher.CreateAndDispatch(c.UserContext(), req.ToProto())
	if err != nil {
		logger := logging.FromContext(c.UserContext())
		logger.Error().Err(err).Str("recipient_id", req.RecipientID).Msg("Failed to dispatch alarm")
		return response.FiberError(c, err)
	}
	return response.FiberJSON(c, fiber.StatusCreated, models.AlarmFromProto(n))
}

// handleBroadcast sends one alarm to several recipients
func (a *API) handleBroadcast(c *fiber.Ctx) error {
	var req models.BroadcastAlarmRequest
	if err := validation.UnmarshalAndValidate(c.Body(), &req); err != nil {
		return response.FiberError(c, err)
	}

	created, err := a.services.Dispatcher.Broadcast(c.UserContext(), req.ToProto())
	if err != nil && len(created) == 0 {
		logger := logging.FromContext(c.UserContext())
		logger.Error().Err(err).Msg("Broadcast failed")
		return response.FiberError(c, err)
	}

	status, body := models.NewBroadcastResponse(req.RecipientIDs, created, err)
	return response.FiberJSON(c, status, body)
}
