package handler

import (
	"errors"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/shelfscan/api/internal/model"
	"github.com/shelfscan/api/internal/service"
	"github.com/shelfscan/api/internal/store"
	ws "github.com/shelfscan/api/internal/websocket"
	"github.com/shelfscan/api/pkg/response"
)

const jobLocal = "job"

// JobSocketHandler streams job updates over WebSocket
type JobSocketHandler struct {
	service *service.IdentifyService
	hub     *ws.Hub
	logger  *zap.Logger
}

func NewJobSocketHandler(svc *service.IdentifyService, hub *ws.Hub, logger *zap.Logger) *JobSocketHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobSocketHandler{service: svc, hub: hub, logger: logger}
}

// Upgrade rejects plain HTTP requests and unknown jobs before the handshake.
func (h *JobSocketHandler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	job, err := h.service.Status(c.UserContext(), c.Params("jobId"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Job not found")
		}
		h.logger.Error("job lookup failed", zap.Error(err))
		return response.ServiceError(c, "Failed to load job")
	}

	c.Locals(jobLocal, job)
	return c.Next()
}

// Watch handles GET /ws/jobs/:jobId after Upgrade
func (h *JobSocketHandler) Watch() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		job, _ := c.Locals(jobLocal).(*model.Job)
		h.hub.HandleConnection(c, c.Params("jobId"), job)
	})
}
