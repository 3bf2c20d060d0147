package handlers

import (
	"github.com/amaumene/anidbarr/internal/controllers"
	"github.com/gofiber/fiber/v2"
)

// CollectionHandler serves the outcome of the latest collection checks
type CollectionHandler struct {
	collectionCtrl *controllers.CollectionController
	events         *controllers.EventLog
}

// NewCollectionHandler creates a new collection handler
func NewCollectionHandler(collectionCtrl *controllers.CollectionController, events *controllers.EventLog) *CollectionHandler {
	return &CollectionHandler{collectionCtrl: collectionCtrl, events: events}
}

// Reports serves the latest report of every checked folder
func (h *CollectionHandler) Reports(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"running": h.collectionCtrl.Running(),
		"folders": h.collectionCtrl.Reports(),
	})
}

// Renames serves the pending rename proposals
func (h *CollectionHandler) Renames(c *fiber.Ctx) error {
	return c.JSON(h.collectionCtrl.Renames())
}

// Events serves recent progress events, oldest first
func (h *CollectionHandler) Events(c *fiber.Ctx) error {
	return c.JSON(h.events.Recent())
}
