package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amaumene/anidbarr/internal/api/handlers"
	"github.com/amaumene/anidbarr/internal/api/middleware"
	"github.com/amaumene/anidbarr/internal/controllers"
	"github.com/amaumene/anidbarr/internal/models"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Server represents the HTTP server
type Server struct {
	app            *fiber.App
	port           string
	db             *models.Database
	collectionCtrl *controllers.CollectionController
	events         *controllers.EventLog
	session        handlers.SessionReporter
	gatherer       prometheus.Gatherer
	logger         *logrus.Logger
}

// NewServer creates a new HTTP server
func NewServer(
	port string,
	db *models.Database,
	collectionCtrl *controllers.CollectionController,
	events *controllers.EventLog,
	session handlers.SessionReporter,
	gatherer prometheus.Gatherer,
	logger *logrus.Logger,
) *Server {
	s := &Server{
		port:           port,
		db:             db,
		collectionCtrl: collectionCtrl,
		events:         events,
		session:        session,
		gatherer:       gatherer,
		logger:         logger,
	}

	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           15 * time.Second,
		WriteTimeout:          15 * time.Second,
		IdleTimeout:           60 * time.Second,
		ErrorHandler:          errorHandler,
	})
	s.app.Use(middleware.Logging(logger))
	s.setupRoutes()

	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	// Health check
	healthHandler := handlers.NewHealthHandler(s.session, s.logger)
	s.app.Get("/health", healthHandler.Handle)

	// Collection counts
	statusHandler := handlers.NewStatusHandler(s.db, s.logger)
	s.app.Get("/status", statusHandler.Handle)

	// Stored anime
	animeHandler := handlers.NewAnimeHandler(s.db, s.logger)
	s.app.Get("/anime", animeHandler.List)
	s.app.Get("/anime/:id", animeHandler.Get)

	// Latest check results
	collectionHandler := handlers.NewCollectionHandler(s.collectionCtrl, s.events)
	s.app.Get("/reports", collectionHandler.Reports)
	s.app.Get("/renames", collectionHandler.Renames)
	s.app.Get("/events", collectionHandler.Events)

	if s.gatherer != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
}

// Start starts the HTTP server
func (s *Server) Start(ctx context.Context) error {
	s.logger.WithField("port", s.port).Info("Starting HTTP server")

	errChan := make(chan error, 1)
	go func() {
		if err := s.app.Listen(":" + s.port); err != nil {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown() error {
	s.logger.Info("Shutting down HTTP server")
	return s.app.ShutdownWithTimeout(10 * time.Second)
}

// App exposes the fiber application, mainly for tests
func (s *Server) App() *fiber.App {
	return s.app
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
