package api

import (
	"context"
	"fmt"
	"net"

	"github.com/cockroachdb/errors"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rxtech-lab/launchpad-deployer/internal/api/middleware"
	"github.com/rxtech-lab/launchpad-deployer/internal/deployer"
	"github.com/rxtech-lab/launchpad-deployer/internal/logging"
	"github.com/rxtech-lab/launchpad-deployer/internal/mcp"
	"github.com/rxtech-lab/launchpad-deployer/internal/models"
	"github.com/rxtech-lab/launchpad-deployer/internal/ratelimit"
)

var log = logging.New("api")

// Deployer is satisfied by *deployer.Orchestrator.
type Deployer interface {
	Deploy(ctx context.Context, req deployer.DeployRequest) (*models.DeploymentRecord, error)
	Get(ctx context.Context, tokenID string) (*models.DeploymentRecord, error)
	History(ctx context.Context, tokenID string) ([]models.DeploymentRecord, error)
	Cancel(ctx context.Context, tokenID string) (*models.DeploymentRecord, error)
	IsActive(tokenID string) bool
}

// RateLimits is satisfied by *ratelimit.Limiter.
type RateLimits interface {
	CheckAllowed(ctx context.Context, userID, projectID string) ratelimit.Decision
}

// Notifications is satisfied by *notification.Dispatcher.
type Notifications interface {
	Initialize(ctx context.Context, userID string)
	GetUnreadCount(userID string) int
	ListRecent(userID string, limit, offset int) []models.Notification
	MarkRead(userID, id string) error
	MarkAllRead(userID string) int
}

type Options struct {
	Deployer      Deployer
	RateLimits    RateLimits
	Notifications Notifications
	Auth          middleware.AuthConfig
	// RequestsPerMinute throttles each caller; zero disables it.
	RequestsPerMinute int64
	// DefaultKeyRef signs deployments whose request names no key.
	DefaultKeyRef string
}

type APIServer struct {
	app           *fiber.App
	deployer      Deployer
	rateLimits    RateLimits
	notifications Notifications
	defaultKeyRef string
	auth          fiber.Handler
	throttle      fiber.Handler
	mcpServer     *mcp.MCPServer
	port          int
}

func NewAPIServer(opts Options) (*APIServer, error) {
	if opts.Deployer == nil || opts.RateLimits == nil || opts.Notifications == nil {
		return nil, errors.New("deployer, rate limits and notifications are required")
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	// Add middleware
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} - ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))

	authConfig := opts.Auth
	onAuthenticated := authConfig.OnAuthenticated
	authConfig.OnAuthenticated = func(c *fiber.Ctx, userID string) {
		// the user's notification context exists from the first request on
		opts.Notifications.Initialize(c.UserContext(), userID)
		if onAuthenticated != nil {
			onAuthenticated(c, userID)
		}
	}

	server := &APIServer{
		app:           app,
		deployer:      opts.Deployer,
		rateLimits:    opts.RateLimits,
		notifications: opts.Notifications,
		defaultKeyRef: opts.DefaultKeyRef,
		auth:          middleware.AuthMiddleware(authConfig),
		throttle:      func(c *fiber.Ctx) error { return c.Next() },
	}
	if opts.RequestsPerMinute > 0 {
		throttle, err := middleware.RateLimitMiddleware(opts.RequestsPerMinute)
		if err != nil {
			return nil, err
		}
		server.throttle = throttle
	}
	server.setupRoutes()
	return server, nil
}

func (s *APIServer) setupRoutes() {
	api := s.app.Group("/api", s.auth, s.throttle)

	api.Post("/deployments", s.handleDeploy)
	api.Get("/deployments/:tokenId", s.handleGetDeployment)
	api.Post("/deployments/:tokenId/cancel", s.handleCancelDeployment)
	api.Get("/rate-limit", s.handleRateLimit)

	api.Get("/notifications", s.handleListNotifications)
	api.Get("/notifications/unread-count", s.handleUnreadCount)
	api.Post("/notifications/read-all", s.handleMarkAllRead)
	api.Post("/notifications/:id/read", s.handleMarkRead)

	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// Health check
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(map[string]string{"status": "ok"})
	})
}

// SetMCPServer sets the MCP server instance served by EnableStreamableHttp
func (s *APIServer) SetMCPServer(mcpServer *mcp.MCPServer) {
	s.mcpServer = mcpServer
}

// GetMCPServer returns the MCP server instance
func (s *APIServer) GetMCPServer() *mcp.MCPServer {
	return s.mcpServer
}

// EnableStreamableHttp serves the MCP server at /mcp behind the same
// authentication as the API.
func (s *APIServer) EnableStreamableHttp() error {
	if s.mcpServer == nil {
		return errors.New("mcp server is not set")
	}
	handler := adaptor.HTTPHandler(s.mcpServer.StreamableHTTPHandler(middleware.UserIDHeader))
	s.app.All("/mcp", s.auth, s.throttle, handler)
	s.app.All("/mcp/*", s.auth, s.throttle, handler)
	return nil
}

// Start listens on port, or on a random available port when port is nil or
// zero, and returns the bound port.
func (s *APIServer) Start(port *int) (int, error) {
	addr := ":0"
	if port != nil && *port != 0 {
		addr = fmt.Sprintf(":%d", *port)
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to listen on %s", addr)
	}
	s.port = listener.Addr().(*net.TCPAddr).Port

	go func() {
		if err := s.app.Listener(listener); err != nil {
			log.Error("api server stopped", "err", err)
		}
	}()
	return s.port, nil
}

func (s *APIServer) Shutdown() error {
	return s.app.Shutdown()
}

func (s *APIServer) GetPort() int {
	return s.port
}

func (s *APIServer) GetFiberApp() *fiber.App {
	return s.app
}
