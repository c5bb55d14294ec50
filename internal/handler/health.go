package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/rightsmatch/internal/service"
	"github.com/makeasinger/rightsmatch/pkg/response"
)

const redisPingTimeout = 2 * time.Second

type HealthHandler struct {
	redis      *redis.Client
	dispatcher *service.Dispatcher
}

func NewHealthHandler(redisClient *redis.Client, d *service.Dispatcher) *HealthHandler {
	return &HealthHandler{redis: redisClient, dispatcher: d}
}

// Check handles GET /health. Redis only backs rate limiting, so an
// unreachable redis degrades the report without failing it.
func (h *HealthHandler) Check(c *fiber.Ctx) error {
	redisStatus := "disabled"
	if h.redis != nil {
		ctx, cancel := context.WithTimeout(c.UserContext(), redisPingTimeout)
		defer cancel()
		redisStatus = "ok"
		if err := h.redis.Ping(ctx).Err(); err != nil {
			redisStatus = "unavailable"
		}
	}

	return response.OK(c, fiber.Map{
		"status":  "ok",
		"redis":   redisStatus,
		"workers": len(h.dispatcher.Workers()),
	})
}
