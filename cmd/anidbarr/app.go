package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/amaumene/anidbarr/internal/config"
	"github.com/amaumene/anidbarr/internal/controllers"
	"github.com/amaumene/anidbarr/internal/metrics"
	"github.com/amaumene/anidbarr/internal/models"
	"github.com/amaumene/anidbarr/internal/scanner"
	"github.com/amaumene/anidbarr/internal/services/anidb"
	"github.com/amaumene/anidbarr/internal/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

// app holds the wired components shared by the commands
type app struct {
	cfg      *config.Config
	logger   *logrus.Logger
	registry *prometheus.Registry
	db       *models.Database
	client   *anidb.Client
	service  *anidb.Service

	events         *controllers.EventLog
	collectionCtrl *controllers.CollectionController
	cleanupCtrl    *controllers.CleanupController

	cancel context.CancelFunc
}

func newApp(cfg *config.Config) (*app, error) {
	// 1. Setup logger
	logger := utils.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.WithField("config_dir", filepath.Dir(cfg.DatabaseFile)).Info("Configuration loaded")

	// 2. Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	// 3. Initialize database
	db, err := models.NewDatabase(cfg.DatabaseFile)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	logger.Info("Database initialized")

	// 4. Load ignore list
	ignore, err := utils.LoadIgnoreList(cfg.IgnoreFile)
	if err != nil {
		logger.WithError(err).Warn("Failed to load ignore list, continuing without it")
		ignore = utils.NewIgnoreList()
	} else {
		logger.WithField("terms", ignore.Len()).Info("Ignore list loaded")
	}

	// 5. Initialize AniDB client
	transport, err := anidb.DialUDP(cfg.AniDBHost, cfg.AniDBPort, cfg.AniDBLocalPort)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open AniDB transport: %w", err)
	}

	opts := anidb.DefaultOptions()
	opts.MaxRetries = cfg.MaxRetries
	opts.RequestTimeout = cfg.RequestTimeout
	opts.LoginTimeout = cfg.LoginTimeout
	opts.KeepaliveInterval = cfg.KeepaliveInterval
	opts.RateLimitCooldown = cfg.RateLimitCooldown
	opts.BanCooldown = cfg.BanCooldown
	opts.PacketInterval = cfg.PacketInterval
	opts.Metrics = m
	opts.Redial = func() (anidb.Transport, error) {
		t, err := anidb.DialUDP(cfg.AniDBHost, cfg.AniDBPort, cfg.AniDBLocalPort)
		if err != nil {
			return nil, err
		}
		return t, nil
	}

	client := anidb.NewClient(transport, opts, logger)
	creds := anidb.Credentials{
		Username:      cfg.AniDBUsername,
		Password:      cfg.AniDBPassword,
		Client:        cfg.AniDBClient,
		ClientVersion: cfg.AniDBClientVersion,
	}
	service := anidb.NewService(client, creds, cfg.CacheTTL, logger)
	logger.WithField("host", cfg.AniDBHost).Info("AniDB client initialized")

	// 6. Initialize controllers
	scan := scanner.New(scanner.Options{Ignore: ignore}, logger)
	events := controllers.NewEventLog(200, logger)
	collectionCtrl := controllers.NewCollectionController(db, service, scan, events, m, cfg.CollectionRoot, logger)
	collectionCtrl.SetWorkers(cfg.ScanWorkers)
	cleanupCtrl := controllers.NewCleanupController(db, logger)
	logger.Info("Controllers initialized")

	return &app{
		cfg:            cfg,
		logger:         logger,
		registry:       registry,
		db:             db,
		client:         client,
		service:        service,
		events:         events,
		collectionCtrl: collectionCtrl,
		cleanupCtrl:    cleanupCtrl,
	}, nil
}

// start runs the client's read and keepalive loops until close
func (a *app) start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.client.Start(ctx)
}

// login tries to open the session up front. Lookups log in on demand, so a
// failure here is only reported.
func (a *app) login(ctx context.Context) {
	if _, err := a.service.Login(ctx); err != nil {
		a.logger.WithError(err).WithField("severity", anidb.Classify(err)).Warn("AniDB login failed")
	}
}

// close ends the session and releases the socket and database
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.RequestTimeout)
	defer cancel()

	if a.client.Session().Active() {
		if err := a.service.Logout(ctx); err != nil {
			a.logger.WithError(err).Warn("AniDB logout failed")
		}
	}
	if a.cancel != nil {
		a.cancel()
	}
	if err := a.client.Close(); err != nil {
		a.logger.WithError(err).Warn("Failed to close AniDB client")
	}
	if err := a.db.Close(); err != nil {
		a.logger.WithError(err).Warn("Failed to close database")
	}
}

func since(start time.Time) time.Duration {
	return time.Since(start).Round(time.Millisecond)
}
