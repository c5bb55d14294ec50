package handler

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/rightsmatch/internal/model"
	"github.com/makeasinger/rightsmatch/internal/service"
	"github.com/makeasinger/rightsmatch/pkg/response"
)

type ArtistHandler struct {
	dispatcher *service.Dispatcher
}

func NewArtistHandler(d *service.Dispatcher) *ArtistHandler {
	return &ArtistHandler{dispatcher: d}
}

// Process handles POST /api/artists/:artistId/process
func (h *ArtistHandler) Process(c *fiber.Ctx) error {
	key, ok := jobKey(c)
	if !ok {
		return response.ValidationError(c, "Artist ID is required", nil)
	}

	status, err := h.dispatcher.RequestJob(c.UserContext(), key)
	if err != nil {
		if errors.Is(err, service.ErrNoIdleWorker) {
			return response.Busy(c, err.Error())
		}
		return response.ServiceError(c, err.Error())
	}

	if status.State == model.JobStateCompleted {
		return response.OK(c, status)
	}
	return response.Accepted(c, status)
}

// Result handles GET /api/artists/:artistId/result
func (h *ArtistHandler) Result(c *fiber.Ctx) error {
	key, ok := jobKey(c)
	if !ok {
		return response.ValidationError(c, "Artist ID is required", nil)
	}

	status, err := h.dispatcher.Status(key)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, err.Error())
	}

	if status.State == model.JobStateCompleted {
		return response.OK(c, status)
	}
	return response.Accepted(c, status)
}

// Workers handles GET /api/workers
func (h *ArtistHandler) Workers(c *fiber.Ctx) error {
	return response.OK(c, fiber.Map{"workers": h.dispatcher.Workers()})
}

func jobKey(c *fiber.Ctx) (model.JobKey, bool) {
	artistID := strings.TrimSpace(c.Params("artistId"))
	if artistID == "" {
		return model.JobKey{}, false
	}
	return model.JobKey{
		ArtistID: model.ArtistID(artistID),
		PName:    strings.TrimSpace(c.Query("pname")),
	}, true
}
