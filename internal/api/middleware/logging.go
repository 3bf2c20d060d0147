package middleware

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// Logging middleware logs HTTP requests
func Logging(logger *logrus.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		// Errors are turned into responses after the middleware returns
		status := c.Response().StatusCode()
		if err != nil {
			status = fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
			}
		}

		logger.WithFields(logrus.Fields{
			"method":      c.Method(),
			"path":        c.Path(),
			"status":      status,
			"duration_ms": time.Since(start).Milliseconds(),
			"remote_addr": c.IP(),
		}).Info("HTTP request")

		return err
	}
}
