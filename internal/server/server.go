// Package server assembles the fiber application: middleware, routes and
// the error handler shared by the serve command and the end-to-end tests.
package server

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/shelfscan/api/internal/auth"
	"github.com/shelfscan/api/internal/config"
	"github.com/shelfscan/api/internal/handler"
	"github.com/shelfscan/api/internal/middleware"
	"github.com/shelfscan/api/internal/service"
	ws "github.com/shelfscan/api/internal/websocket"
	"github.com/shelfscan/api/pkg/response"
)

// Deps are the collaborators the routes are wired to
type Deps struct {
	Config        *config.Config
	Service       *service.IdentifyService
	Hub           *ws.Hub
	Authenticator *auth.Authenticator
	RateLimiter   *middleware.RateLimiter
	Logger        *zap.Logger
	// Health reports which collaborators are configured
	Health map[string]bool
}

// New builds the fiber app
func New(d Deps) *fiber.App {
	cfg := d.Config
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}

	bodyLimit := cfg.Server.BodyLimitMB * 1024 * 1024
	if bodyLimit <= 0 {
		bodyLimit = fiber.DefaultBodyLimit
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          errorHandler(log),
		BodyLimit:             bodyLimit,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	if cfg.IsDevelopment() {
		app.Use(logger.New(logger.Config{
			Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
		}))
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	validate := validator.New()
	identifyHandler := handler.NewIdentifyHandler(d.Service, validate, cfg.Worker.JobTimeout, log)
	authHandler := handler.NewAuthHandler(d.Authenticator)
	socketHandler := handler.NewJobSocketHandler(d.Service, d.Hub, log)

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	health := d.Health
	if health == nil {
		health = map[string]bool{}
	}
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":   "ok",
			"services": health,
		})
	})

	// ForwardAuth verification endpoint (internal, called by the gateway)
	app.Get("/auth/verify", authHandler.Verify)

	var authMiddleware fiber.Handler
	if cfg.Gateway.Enabled {
		authMiddleware = middleware.GatewayAuthMiddleware()
	} else {
		authMiddleware = middleware.NewAuthMiddleware(d.Authenticator).Authenticate()
	}

	rl := d.RateLimiter
	if rl == nil {
		rl = middleware.NewRateLimiter(nil, log)
	}

	api := app.Group("/api", authMiddleware)
	api.Post("/jobs", rl.SubmitLimit(cfg.RateLimit.SubmitPerMin), identifyHandler.Submit)
	api.Get("/jobs/:jobId", identifyHandler.Status)
	api.Post("/identify", rl.IdentifyLimit(cfg.RateLimit.IdentifyPerMin), identifyHandler.Identify)

	app.Get("/ws/jobs/:jobId", socketHandler.Upgrade, socketHandler.Watch())

	return app
}

func errorHandler(log *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		message := "Internal Server Error"

		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
			message = fe.Message
		} else {
			log.Error("unhandled request error", zap.String("path", c.Path()), zap.Error(err))
		}

		switch code {
		case fiber.StatusRequestEntityTooLarge:
			return response.PayloadTooLarge(c, message)
		case fiber.StatusNotFound:
			return response.NotFound(c, message)
		}
		return response.Error(c, code, response.CodeServiceError, message, nil)
	}
}
