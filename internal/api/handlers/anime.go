package handlers

import (
	"errors"

	"github.com/amaumene/anidbarr/internal/models"
	"github.com/amaumene/anidbarr/internal/reconcile"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// AnimeHandler serves stored anime records with their collection status
type AnimeHandler struct {
	db     *models.Database
	logger *logrus.Logger
}

// NewAnimeHandler creates a new anime handler
func NewAnimeHandler(db *models.Database, logger *logrus.Logger) *AnimeHandler {
	return &AnimeHandler{db: db, logger: logger}
}

// AnimeResponse is an anime record joined with its last computed status
type AnimeResponse struct {
	Anime   *models.AnimeRecord      `json:"anime"`
	Status  *models.CollectionStatus `json:"status,omitempty"`
	Summary string                   `json:"summary,omitempty"`
}

// List serves every stored anime
func (h *AnimeHandler) List(c *fiber.Ctx) error {
	records, err := h.db.GetAllAnime()
	if err != nil {
		h.logger.WithError(err).Error("Failed to get anime")
		return fiber.NewError(fiber.StatusInternalServerError, "Internal server error")
	}

	response := make([]AnimeResponse, 0, len(records))
	for _, anime := range records {
		response = append(response, h.withStatus(anime))
	}
	return c.JSON(response)
}

// Get serves one anime by AniDB ID
func (h *AnimeHandler) Get(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid anime id")
	}

	anime, err := h.db.GetAnime(id)
	if errors.Is(err, models.ErrNotFound) {
		return fiber.NewError(fiber.StatusNotFound, "Anime not found")
	}
	if err != nil {
		h.logger.WithError(err).WithField("anidb_id", id).Error("Failed to get anime")
		return fiber.NewError(fiber.StatusInternalServerError, "Internal server error")
	}

	return c.JSON(h.withStatus(anime))
}

func (h *AnimeHandler) withStatus(anime *models.AnimeRecord) AnimeResponse {
	response := AnimeResponse{Anime: anime}
	status, err := h.db.GetStatus(anime.AnimeID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			h.logger.WithError(err).WithField("anidb_id", anime.AnimeID).Warn("Failed to get status")
		}
		return response
	}
	response.Status = status
	response.Summary = reconcile.Summary(status.MissingRanges)
	return response
}
