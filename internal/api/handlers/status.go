package handlers

import (
	"github.com/amaumene/anidbarr/internal/models"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// StatusHandler handles status requests
type StatusHandler struct {
	db     *models.Database
	logger *logrus.Logger
}

// NewStatusHandler creates a new status handler
func NewStatusHandler(db *models.Database, logger *logrus.Logger) *StatusHandler {
	return &StatusHandler{
		db:     db,
		logger: logger,
	}
}

// StatusResponse represents the status response
type StatusResponse struct {
	TotalAnime      int `json:"total_anime"`
	Complete        int `json:"complete"`
	Incomplete      int `json:"incomplete"`
	UnknownTotal    int `json:"unknown_total"` // Still airing or length not announced
	MissingEpisodes int `json:"missing_episodes"`
}

// Handle serves the status endpoint
func (h *StatusHandler) Handle(c *fiber.Ctx) error {
	statuses, err := h.db.GetAllStatuses()
	if err != nil {
		h.logger.WithError(err).Error("Failed to get statuses")
		return fiber.NewError(fiber.StatusInternalServerError, "Internal server error")
	}

	response := StatusResponse{TotalAnime: len(statuses)}
	for _, status := range statuses {
		switch {
		case status.Total == nil:
			response.UnknownTotal++
		case status.Complete():
			response.Complete++
		default:
			response.Incomplete++
		}
		response.MissingEpisodes += status.MissingCount()
	}

	return c.JSON(response)
}
