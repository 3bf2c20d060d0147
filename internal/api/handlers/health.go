package handlers

import (
	"github.com/amaumene/anidbarr/internal/services/anidb"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// SessionReporter exposes the AniDB session state
type SessionReporter interface {
	Session() anidb.Session
}

// HealthHandler handles health check requests
type HealthHandler struct {
	session SessionReporter
	logger  *logrus.Logger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(session SessionReporter, logger *logrus.Logger) *HealthHandler {
	return &HealthHandler{session: session, logger: logger}
}

// Handle serves the health check endpoint
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	response := fiber.Map{
		"status": "healthy",
	}
	if h.session != nil {
		s := h.session.Session()
		response["session"] = s.State
		if !s.BannedUntil.IsZero() {
			response["banned_until"] = s.BannedUntil
		}
	}
	return c.JSON(response)
}
