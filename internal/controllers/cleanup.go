package controllers

import (
	"context"
	"fmt"
	"os"

	"github.com/amaumene/anidbarr/internal/models"
	"github.com/sirupsen/logrus"
)

// CleanupController removes records of anime whose folder is gone
type CleanupController struct {
	db     *models.Database
	logger *logrus.Logger
}

// NewCleanupController creates a new cleanup controller
func NewCleanupController(db *models.Database, logger *logrus.Logger) *CleanupController {
	return &CleanupController{
		db:     db,
		logger: logger,
	}
}

// PruneMissing deletes anime records, and their status, whose folder no
// longer exists. Returns the number of records removed.
func (c *CleanupController) PruneMissing(ctx context.Context) (int, error) {
	c.logger.Info("Starting cleanup of vanished anime folders")

	records, err := c.db.GetAllAnime()
	if err != nil {
		return 0, fmt.Errorf("failed to get anime: %w", err)
	}

	removed := 0
	for _, anime := range records {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if anime.Path == "" {
			continue
		}
		if _, err := os.Stat(anime.Path); !os.IsNotExist(err) {
			continue
		}

		c.logger.WithFields(logrus.Fields{
			"anidb_id": anime.AnimeID,
			"title":    anime.PrimaryTitle,
			"path":     anime.Path,
		}).Info("Removing anime whose folder vanished")

		if err := c.db.DeleteAnime(anime.AnimeID); err != nil {
			c.logger.WithError(err).Error("Failed to delete anime")
			continue
		}
		removed++
	}

	c.logger.WithField("removed", removed).Info("Cleanup of vanished anime folders completed")
	return removed, nil
}
