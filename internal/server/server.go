package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/doorlink/doorlink-gateway/internal/config"
	"github.com/doorlink/doorlink-gateway/internal/metrics"
	"github.com/doorlink/doorlink-gateway/internal/model"
	"github.com/doorlink/doorlink-gateway/internal/service"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"go.uber.org/zap"
)

const requestTimeout = 30 * time.Second

// Services bundles the application services the HTTP layer calls into.
type Services struct {
	Registry   *service.DeviceRegistry
	Commands   *service.CommandService
	Dispatcher *service.Dispatcher
	Sweeper    *service.Sweeper
	Auth       *service.AuthService
}

// Server wires HTTP handlers.
type Server struct {
	app        *fiber.App
	registry   *service.DeviceRegistry
	commands   *service.CommandService
	dispatcher *service.Dispatcher
	sweeper    *service.Sweeper
	authSvc    *service.AuthService
	metrics    *metrics.Metrics
	logger     *zap.Logger
	cfg        *config.Config
}

// New builds a server instance.
func New(cfg *config.Config, svc Services, m *metrics.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := fiber.New(fiber.Config{
		IdleTimeout:           cfg.HTTP.ReadTimeout,
		ReadTimeout:           cfg.HTTP.ReadTimeout,
		WriteTimeout:          cfg.HTTP.WriteTimeout,
		AppName:               "doorlink-gateway",
		DisableStartupMessage: true,
	})
	s := &Server{
		app:        app,
		registry:   svc.Registry,
		commands:   svc.Commands,
		dispatcher: svc.Dispatcher,
		sweeper:    svc.Sweeper,
		authSvc:    svc.Auth,
		metrics:    m,
		logger:     logger,
		cfg:        cfg,
	}
	s.registerRoutes()
	return s
}

// App exposes the fiber app, mainly for app.Test in tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start listens and serves HTTP traffic.
func (s *Server) Start() error {
	return s.app.Listen(s.cfg.HTTP.Addr)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) registerRoutes() {
	s.app.Use(s.observe)

	s.app.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(s.metrics.Handler()))
	}

	s.app.Post("/auth/login", s.handleLogin)
	s.app.Get("/auth/profile", s.handleProfile)

	devices := s.app.Group("/devices", s.requireAuth)
	devices.Get("/", s.handleListDevices)
	devices.Get("/:id", s.handleGetDevice)
	devices.Put("/:id", s.handleRenameDevice)
	devices.Delete("/:id", s.handleDeleteDevice)
	devices.Post("/:id/revoke-token", s.handleRevokeToken)
	devices.Post("/:id/command", s.handleSendCommand)
	devices.Post("/:id/config", s.shortcut(model.KindConfig))
	devices.Post("/:id/fingerprint/add", s.shortcut(model.KindFingerprintAdd))
	devices.Post("/:id/fingerprint/delete", s.shortcut(model.KindFingerprintDelete))
	devices.Post("/:id/control", s.shortcut(model.KindControl))
	devices.Get("/:id/status", s.handleDeviceStatus)
	devices.Get("/:id/commands", s.handleListCommands)

	admin := s.app.Group("/admin", s.requireAuth)
	admin.Post("/commands/retry", s.handleSweepRetry)
	admin.Post("/commands/requeue-stale", s.handleSweepStale)
	admin.Post("/commands/purge", s.handleSweepPurge)
	admin.Post("/sweep", s.handleSweepAll)

	deviceAPI := s.app.Group("/device-api")
	deviceAPI.Post("/register", s.handleRegister)
	deviceAPI.Get("/config", s.requireDevice, s.handleDeviceConfig)
	deviceAPI.Post("/heartbeat", s.requireDevice, s.handleHeartbeat)
	deviceAPI.Get("/commands/pending", s.requireDevice, s.handlePendingCommands)
	deviceAPI.Post("/commands/:messageId/complete", s.requireDevice, s.handleCompleteCommand)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.Status(http.StatusOK).JSON(fiber.Map{"status": "ok"})
}

// observe records request metrics and logs failed requests.
func (s *Server) observe(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	status := c.Response().StatusCode()
	if err != nil {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		} else {
			status = http.StatusInternalServerError
		}
	}
	path := c.Route().Path
	if path == "/" && c.Path() != "/" {
		path = "unmatched"
	}
	elapsed := time.Since(start)
	s.metrics.ObserveHTTP(c.Method(), path, strconv.Itoa(status), elapsed)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("elapsed", elapsed),
		)
	}
	return err
}

// writeError maps service errors onto HTTP statuses. Internal failures are
// logged and reported without detail.
func (s *Server) writeError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrValidation), errors.Is(err, service.ErrDeviceInactive):
		return c.Status(http.StatusBadRequest).JSON(model.Error(err.Error()))
	case errors.Is(err, service.ErrUnauthorized), errors.Is(err, service.ErrInvalidCode):
		return c.Status(http.StatusUnauthorized).JSON(model.Error(err.Error()))
	case errors.Is(err, service.ErrDeviceNotFound), errors.Is(err, service.ErrCommandNotFound):
		return c.Status(http.StatusNotFound).JSON(model.Error(err.Error()))
	}
	s.logger.Error("request error", zap.String("method", c.Method()), zap.String("path", c.Path()), zap.Error(err))
	return c.Status(http.StatusInternalServerError).JSON(model.Error("internal error"))
}

func (s *Server) fail(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(model.Error(message))
}

func (s *Server) requireAuth(c *fiber.Ctx) error {
	if s.authSvc == nil || !s.authSvc.Enabled() {
		return c.Next()
	}
	token := extractBearerToken(c.Get(fiber.HeaderAuthorization))
	if token == "" {
		return s.fail(c, http.StatusUnauthorized, "login required")
	}
	claims, err := s.authSvc.Validate(token)
	if err != nil {
		return s.fail(c, http.StatusUnauthorized, "session expired")
	}
	c.Locals("username", claims.Username)
	return c.Next()
}

func requestContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), requestTimeout)
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func paramID(c *fiber.Ctx) (uint64, error) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, service.ErrDeviceNotFound
	}
	return id, nil
}

func queryLimit(c *fiber.Ctx) (int, error) {
	raw := strings.TrimSpace(c.Query("limit"))
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("%w: limit must be a non-negative integer", service.ErrValidation)
	}
	return limit, nil
}
