package controllers

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amaumene/anidbarr/internal/metrics"
	"github.com/amaumene/anidbarr/internal/models"
	"github.com/amaumene/anidbarr/internal/reconcile"
	"github.com/amaumene/anidbarr/internal/scanner"
	"github.com/amaumene/anidbarr/internal/services/anidb"
	"github.com/amaumene/anidbarr/internal/utils"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultWorkers is the number of anime folders checked in parallel
const DefaultWorkers = 4

// ErrCheckRunning is returned when a full check is requested while one is running
var ErrCheckRunning = errors.New("collection check already running")

var tracer = otel.Tracer("github.com/amaumene/anidbarr/internal/controllers")

// MetadataSource provides authoritative anime and episode data
type MetadataSource interface {
	AnimeByID(ctx context.Context, animeID int) (models.AnimeRecord, error)
	AnimeByName(ctx context.Context, title string) (models.AnimeRecord, error)
	Episodes(ctx context.Context, anime models.AnimeRecord) ([]models.EpisodeRecord, error)
}

// FolderReport is the outcome of checking one anime folder
type FolderReport struct {
	Folder    string                      `json:"folder"`
	AnimeID   int                         `json:"anidb_id,omitempty"`
	Title     string                      `json:"title,omitempty"`
	Status    *models.CollectionStatus    `json:"status,omitempty"`
	Summary   string                      `json:"summary,omitempty"`
	Renames   []models.RenameProposal     `json:"renames,omitempty"`
	Conflicts []reconcile.EpisodeConflict `json:"conflicts,omitempty"`
	// Files whose anime could only be guessed and needs confirming
	Unconfirmed  []models.LocalFile `json:"unconfirmed,omitempty"`
	NewlyPresent []int              `json:"newly_present,omitempty"`
	Error        string             `json:"error,omitempty"`
	Severity     string             `json:"severity,omitempty"`
	CheckedAt    time.Time          `json:"checked_at"`
}

// Identified reports whether the folder was tied to an anime
func (r FolderReport) Identified() bool {
	return r.AnimeID != 0
}

// CollectionController runs the collection workflow:
// scan -> identify -> query -> reconcile -> persist -> notify.
type CollectionController struct {
	db       *models.Database
	source   MetadataSource
	scanner  *scanner.Scanner
	engine   *reconcile.Engine
	notifier Notifier
	metrics  *metrics.Metrics
	root     string
	workers  int
	logger   *logrus.Logger

	running atomic.Bool
	mu      sync.RWMutex
	reports map[string]FolderReport
}

// NewCollectionController creates a new collection controller
func NewCollectionController(db *models.Database, source MetadataSource, scan *scanner.Scanner, notifier Notifier, m *metrics.Metrics, root string, logger *logrus.Logger) *CollectionController {
	return &CollectionController{
		db:       db,
		source:   source,
		scanner:  scan,
		engine:   reconcile.NewEngine(),
		notifier: notifier,
		metrics:  m,
		root:     root,
		workers:  DefaultWorkers,
		logger:   logger,
		reports:  make(map[string]FolderReport),
	}
}

// SetWorkers changes how many folders CheckAll processes in parallel
func (c *CollectionController) SetWorkers(n int) {
	if n > 0 {
		c.workers = n
	}
}

// CheckAll checks every anime folder under the collection root
func (c *CollectionController) CheckAll(ctx context.Context) ([]FolderReport, error) {
	if !c.running.CompareAndSwap(false, true) {
		return nil, ErrCheckRunning
	}
	defer c.running.Store(false)

	c.logger.WithField("root", c.root).Info("Starting collection check")
	start := time.Now()

	folders, err := c.scanner.ListFolders(c.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list anime folders: %w", err)
	}

	// Title matchers compare against everything identified so far
	if known, err := c.db.GetAllAnime(); err == nil {
		records := make([]models.AnimeRecord, len(known))
		for i, r := range known {
			records[i] = *r
		}
		c.scanner.SetKnown(records)
	} else {
		c.logger.WithError(err).Warn("Failed to load known anime for title matching")
	}
	c.scanner.ResetCache()

	p := pool.NewWithResults[FolderReport]().WithContext(ctx).WithMaxGoroutines(c.workers)
	for _, folder := range folders {
		p.Go(func(ctx context.Context) (FolderReport, error) {
			return c.Check(ctx, folder), nil
		})
	}
	reports, err := p.Wait()
	if err != nil {
		return nil, err
	}

	sort.Slice(reports, func(i, j int) bool {
		return reports[i].Folder < reports[j].Folder
	})

	failed := 0
	for _, r := range reports {
		if r.Error != "" {
			failed++
		}
	}
	c.logger.WithFields(logrus.Fields{
		"folders":  len(reports),
		"failed":   failed,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("Collection check completed")

	if err := ctx.Err(); err != nil {
		return reports, err
	}
	return reports, nil
}

// Check runs the workflow for one anime folder. Failures are recorded in the
// report rather than returned so one bad folder never stops a full check.
func (c *CollectionController) Check(ctx context.Context, folder string) FolderReport {
	start := time.Now()
	folder = filepath.Clean(folder)

	ctx, span := tracer.Start(ctx, "collection.check")
	span.SetAttributes(attribute.String("folder", folder))
	defer span.End()

	report := c.check(ctx, folder)
	report.CheckedAt = time.Now()

	if report.Error != "" {
		span.SetStatus(codes.Error, report.Error)
	}
	if report.AnimeID != 0 {
		span.SetAttributes(attribute.Int("anidb_id", report.AnimeID))
	}
	c.metrics.ObserveCheck(time.Since(start))

	c.mu.Lock()
	c.reports[folder] = report
	c.mu.Unlock()

	return report
}

func (c *CollectionController) check(ctx context.Context, folder string) FolderReport {
	report := FolderReport{Folder: folder}
	log := c.logger.WithField("folder", folder)

	c.notify(models.PhaseScanning, 0, folder, "Scanning folder")
	files, err := scanner.Collect(c.scanner.ScanFolder(ctx, folder))
	if err != nil {
		return c.fail(report, log, fmt.Errorf("failed to scan folder: %w", err))
	}

	anime, err := c.identify(ctx, folder, files)
	if errors.Is(err, anidb.ErrNotFound) {
		report.Unconfirmed = unconfirmed(files)
		report.Error = "anime could not be identified"
		report.Severity = anidb.SeverityFatal.String()
		log.Warn("No anime matches this folder")
		return report
	}
	if err != nil {
		return c.fail(report, log, err)
	}
	report.AnimeID = anime.AnimeID
	report.Title = anime.PrimaryTitle
	log = log.WithField("anidb_id", anime.AnimeID)

	suggestFolderIdentity(files, anime.AnimeID)
	report.Unconfirmed = unconfirmed(files)

	c.notify(models.PhaseQuerying, anime.AnimeID, folder, "Fetching episodes of "+anime.PrimaryTitle)
	episodes, err := c.source.Episodes(ctx, anime)
	if err != nil {
		return c.fail(report, log, fmt.Errorf("failed to fetch episodes: %w", err))
	}

	c.notify(models.PhaseReconciling, anime.AnimeID, folder, "Reconciling local files")
	previous, err := c.db.GetStatus(anime.AnimeID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			log.WithError(err).Warn("Failed to load previous status")
		}
		previous = nil
	}

	result := c.engine.Reconcile(anime, episodes, files, previous)

	anime.Path = folder
	if err := c.db.SaveAnime(&anime); err != nil {
		return c.fail(report, log, fmt.Errorf("failed to save anime: %w", err))
	}
	if err := c.db.SaveStatus(&result.Status); err != nil {
		return c.fail(report, log, fmt.Errorf("failed to save status: %w", err))
	}
	c.metrics.SetMissing(anime.AnimeID, result.Status.MissingCount())

	status := result.Status
	report.Status = &status
	report.Summary = result.Summary()
	report.Renames = result.Renames
	report.Conflicts = result.Conflicts
	report.NewlyPresent = result.NewlyPresent

	if err := result.Err(); err != nil {
		report.Error = err.Error()
		report.Severity = anidb.SeverityFatal.String()
		log.WithError(err).Warn("Conflicting files need attention")
	}
	if len(result.NewlyPresent) > 0 {
		c.notify(models.PhaseReconciling, anime.AnimeID, folder,
			fmt.Sprintf("%d new episode(s) of %s", len(result.NewlyPresent), anime.PrimaryTitle))
	}

	log.WithFields(logrus.Fields{
		"summary": report.Summary,
		"renames": len(report.Renames),
	}).Info("Folder checked")
	c.notify(models.PhaseReconciling, anime.AnimeID, folder, report.Summary)

	return report
}

// identify picks the anime most accepted files agree on. Without any, the
// strongest suggestion or an AniDB lookup of the folder name decides which
// anime to report on, but those files stay unconfirmed.
func (c *CollectionController) identify(ctx context.Context, folder string, files []models.LocalFile) (models.AnimeRecord, error) {
	best := majority(files, func(f models.LocalFile) *int { return f.InferredAnimeID })
	if best == 0 {
		best = majority(files, func(f models.LocalFile) *int { return f.SuggestedAnimeID })
	}

	if best != 0 {
		anime, err := c.source.AnimeByID(ctx, best)
		if err != nil {
			return models.AnimeRecord{}, fmt.Errorf("failed to fetch anime %d: %w", best, err)
		}
		return anime, nil
	}

	name := utils.CleanReleaseName(filepath.Base(folder))
	anime, err := c.source.AnimeByName(ctx, name)
	if err != nil {
		return models.AnimeRecord{}, fmt.Errorf("failed to look up %q: %w", name, err)
	}
	return anime, nil
}

// majority returns the id most files carry, the lowest on a tie, 0 for none
func majority(files []models.LocalFile, id func(models.LocalFile) *int) int {
	votes := make(map[int]int)
	for _, f := range files {
		if v := id(f); v != nil {
			votes[*v]++
		}
	}

	best, bestVotes := 0, 0
	for v, n := range votes {
		if n > bestVotes || (n == bestVotes && v < best) {
			best, bestVotes = v, n
		}
	}
	return best
}

func (c *CollectionController) fail(report FolderReport, log *logrus.Entry, err error) FolderReport {
	report.Error = err.Error()
	report.Severity = anidb.Classify(err).String()
	log.WithError(err).WithField("severity", report.Severity).Error("Folder check failed")
	return report
}

func (c *CollectionController) notify(phase models.Phase, animeID int, folder, message string) {
	if c.notifier == nil {
		return
	}
	c.notifier.Notify(models.ProgressEvent{
		Phase:   phase,
		AnimeID: animeID,
		Folder:  folder,
		Message: message,
		At:      time.Now(),
	})
}

// Reports returns the latest report of every checked folder, ordered by folder
func (c *CollectionController) Reports() []FolderReport {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]FolderReport, 0, len(c.reports))
	for _, r := range c.reports {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Folder < out[j].Folder
	})
	return out
}

// Renames returns every pending rename proposal from the latest reports
func (c *CollectionController) Renames() []models.RenameProposal {
	renames := []models.RenameProposal{}
	for _, r := range c.Reports() {
		renames = append(renames, r.Renames...)
	}
	return renames
}

// Running reports whether a full check is in progress
func (c *CollectionController) Running() bool {
	return c.running.Load()
}

// suggestFolderIdentity proposes the anime the folder resolved to for files
// nothing else identified. They still need confirming and do not count
// towards the collection.
func suggestFolderIdentity(files []models.LocalFile, animeID int) {
	for i := range files {
		f := &files[i]
		if f.InferredAnimeID != nil || f.SuggestedAnimeID != nil {
			continue
		}
		id := animeID
		f.SuggestedAnimeID = &id
		f.Confidence = models.ConfidenceLow
		f.MatchSource = "folder"
		f.NeedsConfirmation = true
	}
}

func unconfirmed(files []models.LocalFile) []models.LocalFile {
	var out []models.LocalFile
	for _, f := range files {
		if f.NeedsConfirmation {
			out = append(out, f)
		}
	}
	return out
}
