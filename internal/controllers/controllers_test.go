package controllers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/amaumene/anidbarr/internal/models"
	"github.com/amaumene/anidbarr/internal/scanner"
	"github.com/amaumene/anidbarr/internal/services/anidb"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func openTestDatabase(t *testing.T) *models.Database {
	t.Helper()
	db, err := models.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// fakeSource serves a fixed catalogue of anime with episodes 1..total
type fakeSource struct {
	mu          sync.Mutex
	anime       map[int]models.AnimeRecord
	episodesErr error
	byIDCalls   int
	byNameCalls int
}

func newFakeSource() *fakeSource {
	a, b := 3, 2
	return &fakeSource{anime: map[int]models.AnimeRecord{
		42: {AnimeID: 42, PrimaryTitle: "Show A", EpisodeCountTotal: &a, HighestEpisode: 3},
		23: {AnimeID: 23, PrimaryTitle: "Bebop", EpisodeCountTotal: &b, HighestEpisode: 2},
	}}
}

func (s *fakeSource) AnimeByID(ctx context.Context, animeID int) (models.AnimeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byIDCalls++
	anime, ok := s.anime[animeID]
	if !ok {
		return models.AnimeRecord{}, anidb.ErrNotFound
	}
	return anime, nil
}

func (s *fakeSource) AnimeByName(ctx context.Context, title string) (models.AnimeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byNameCalls++
	for _, anime := range s.anime {
		if strings.EqualFold(anime.PrimaryTitle, title) {
			return anime, nil
		}
	}
	return models.AnimeRecord{}, anidb.ErrNotFound
}

func (s *fakeSource) Episodes(ctx context.Context, anime models.AnimeRecord) ([]models.EpisodeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.episodesErr != nil {
		return nil, s.episodesErr
	}
	var episodes []models.EpisodeRecord
	for i := 1; i <= *anime.EpisodeCountTotal; i++ {
		episodes = append(episodes, models.EpisodeRecord{
			EpisodeID: anime.AnimeID*100 + i,
			AnimeID:   anime.AnimeID,
			Number:    models.EpisodeNumber{Season: 1, Index: i},
			Title:     fmt.Sprintf("Episode %d", i),
		})
	}
	return episodes, nil
}

const bebopNFO = `<tvshow><uniqueid type="anidb">23</uniqueid></tvshow>`

// buildCollection lays out three anime folders and returns the root
func buildCollection(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "Show A", "Show A S01E01.mkv"), "")
	writeFile(t, filepath.Join(root, "Show A", "[Grp] Show A - 03 [1080p].mkv"), "")
	writeFile(t, filepath.Join(root, "Bebop", scanner.NFOFileName), bebopNFO)
	writeFile(t, filepath.Join(root, "Bebop", "Bebop S01E01.mkv"), "")
	writeFile(t, filepath.Join(root, "Bebop", "[Grp] Bebop - 02 [1080p].mkv"), "")
	writeFile(t, filepath.Join(root, "Mystery", "Mystery E01.mkv"), "")
	return root
}

func newTestController(t *testing.T, root string, source MetadataSource) (*CollectionController, *models.Database, *EventLog) {
	t.Helper()
	db := openTestDatabase(t)
	events := NewEventLog(100, testLogger())
	scan := scanner.New(scanner.Options{}, testLogger())
	return NewCollectionController(db, source, scan, events, nil, root, testLogger()), db, events
}

func reportFor(t *testing.T, reports []FolderReport, name string) FolderReport {
	t.Helper()
	for _, r := range reports {
		if filepath.Base(r.Folder) == name {
			return r
		}
	}
	t.Fatalf("No report for folder %q", name)
	return FolderReport{}
}

func TestCheckAll(t *testing.T) {
	root := buildCollection(t)
	ctrl, db, events := newTestController(t, root, newFakeSource())

	reports, err := ctrl.CheckAll(context.Background())
	if err != nil {
		t.Fatalf("CheckAll failed: %v", err)
	}
	if len(reports) != 3 {
		t.Fatalf("Expected 3 reports, got %d", len(reports))
	}
	if filepath.Base(reports[0].Folder) != "Bebop" || filepath.Base(reports[2].Folder) != "Show A" {
		t.Errorf("Expected reports ordered by folder, got %s first and %s last", reports[0].Folder, reports[2].Folder)
	}

	// Without an NFO the folder name only suggests an anime
	show := reportFor(t, reports, "Show A")
	if show.AnimeID != 42 {
		t.Errorf("Expected Show A reported as 42, got %d", show.AnimeID)
	}
	if show.Summary != "Episodes 1-3 missing" {
		t.Errorf("Expected 'Episodes 1-3 missing', got %q", show.Summary)
	}
	if len(show.Unconfirmed) != 2 {
		t.Fatalf("Expected 2 unconfirmed files, got %d", len(show.Unconfirmed))
	}
	for _, f := range show.Unconfirmed {
		if f.InferredAnimeID != nil {
			t.Errorf("%s: folder name must not be accepted, got %d", f.Path, *f.InferredAnimeID)
		}
		if f.SuggestedAnimeID == nil || *f.SuggestedAnimeID != 42 || !f.NeedsConfirmation {
			t.Errorf("%s: expected anime 42 suggested, got %+v", f.Path, f)
		}
		if f.Confidence != models.ConfidenceLow || f.MatchSource != "folder" {
			t.Errorf("%s: expected low confidence folder match, got %s/%s", f.Path, f.Confidence, f.MatchSource)
		}
	}
	if len(show.Renames) != 0 {
		t.Errorf("Expected no renames for unconfirmed files, got %+v", show.Renames)
	}

	bebop := reportFor(t, reports, "Bebop")
	if bebop.AnimeID != 23 {
		t.Errorf("Expected Bebop identified from its NFO as 23, got %d", bebop.AnimeID)
	}
	if bebop.Status == nil || !bebop.Status.Complete() {
		t.Errorf("Expected Bebop complete, got %+v", bebop.Status)
	}
	if len(bebop.Unconfirmed) != 0 {
		t.Errorf("Expected no unconfirmed Bebop files, got %d", len(bebop.Unconfirmed))
	}
	if len(bebop.Renames) != 1 || filepath.Base(bebop.Renames[0].NewPath) != "Bebop S01E02.mkv" {
		t.Errorf("Expected one rename to 'Bebop S01E02.mkv', got %+v", bebop.Renames)
	}

	mystery := reportFor(t, reports, "Mystery")
	if mystery.Identified() {
		t.Errorf("Expected Mystery unidentified, got %d", mystery.AnimeID)
	}
	if mystery.Severity != "fatal" {
		t.Errorf("Expected fatal severity, got %q", mystery.Severity)
	}

	anime, err := db.GetAnime(42)
	if err != nil {
		t.Fatalf("GetAnime failed: %v", err)
	}
	if anime.Path != filepath.Join(root, "Show A") {
		t.Errorf("Expected stored path %q, got %q", filepath.Join(root, "Show A"), anime.Path)
	}
	status, err := db.GetStatus(42)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if len(status.PresentEpisodes) != 0 {
		t.Errorf("Expected unconfirmed files not counted, got %v", status.PresentEpisodes)
	}
	status, err = db.GetStatus(23)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if len(status.PresentEpisodes) != 2 || status.PresentEpisodes[0] != 1 || status.PresentEpisodes[1] != 2 {
		t.Errorf("Expected present [1 2], got %v", status.PresentEpisodes)
	}

	if len(ctrl.Renames()) != 1 {
		t.Errorf("Expected 1 pending rename, got %d", len(ctrl.Renames()))
	}
	if len(ctrl.Reports()) != 3 {
		t.Errorf("Expected 3 stored reports, got %d", len(ctrl.Reports()))
	}

	phases := make(map[models.Phase]bool)
	for _, e := range events.Recent() {
		phases[e.Phase] = true
	}
	for _, phase := range []models.Phase{models.PhaseScanning, models.PhaseQuerying, models.PhaseReconciling} {
		if !phases[phase] {
			t.Errorf("Expected a %s event", phase)
		}
	}
}

func TestCheckReportsNewEpisodes(t *testing.T) {
	root := buildCollection(t)
	if err := os.Remove(filepath.Join(root, "Bebop", "[Grp] Bebop - 02 [1080p].mkv")); err != nil {
		t.Fatalf("Failed to remove episode: %v", err)
	}
	source := newFakeSource()
	ctrl, _, _ := newTestController(t, root, source)

	if _, err := ctrl.CheckAll(context.Background()); err != nil {
		t.Fatalf("CheckAll failed: %v", err)
	}

	writeFile(t, filepath.Join(root, "Bebop", "Bebop S01E02.mkv"), "")
	source.byNameCalls = 0

	reports, err := ctrl.CheckAll(context.Background())
	if err != nil {
		t.Fatalf("CheckAll failed: %v", err)
	}
	bebop := reportFor(t, reports, "Bebop")
	if len(bebop.NewlyPresent) != 1 || bebop.NewlyPresent[0] != 2 {
		t.Errorf("Expected episode 2 newly present, got %v", bebop.NewlyPresent)
	}
	if bebop.Status == nil || !bebop.Status.Complete() {
		t.Errorf("Expected Bebop complete, got %+v", bebop.Status)
	}

	// Show A is now known locally, so its title is suggested without a
	// name lookup; the files still wait for confirmation
	show := reportFor(t, reports, "Show A")
	if show.AnimeID != 42 || len(show.Unconfirmed) != 2 {
		t.Errorf("Expected Show A reported as 42 with 2 unconfirmed files, got %d/%d", show.AnimeID, len(show.Unconfirmed))
	}
	for _, f := range show.Unconfirmed {
		if f.MatchSource != "title" {
			t.Errorf("%s: expected a title suggestion, got %q", f.Path, f.MatchSource)
		}
	}
	if source.byNameCalls != 1 {
		t.Errorf("Expected 1 name lookup on the second run, got %d", source.byNameCalls)
	}
}

func TestCheckClassifiesFailures(t *testing.T) {
	root := buildCollection(t)
	source := newFakeSource()
	source.episodesErr = fmt.Errorf("wrapped: %w", anidb.ErrTimeout)
	ctrl, db, _ := newTestController(t, root, source)

	report := ctrl.Check(context.Background(), filepath.Join(root, "Show A"))
	if report.Error == "" {
		t.Fatal("Expected the check to fail")
	}
	if report.Severity != "transient" {
		t.Errorf("Expected transient severity, got %q", report.Severity)
	}
	if _, err := db.GetStatus(42); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected no status stored after a failure, got %v", err)
	}
}

func TestCheckAllRejectsOverlappingRuns(t *testing.T) {
	ctrl, _, _ := newTestController(t, t.TempDir(), newFakeSource())
	ctrl.running.Store(true)

	if _, err := ctrl.CheckAll(context.Background()); !errors.Is(err, ErrCheckRunning) {
		t.Errorf("Expected ErrCheckRunning, got %v", err)
	}
}

func TestEventLogKeepsNewest(t *testing.T) {
	log := NewEventLog(2, testLogger())
	for i := 1; i <= 3; i++ {
		log.Notify(models.ProgressEvent{AnimeID: i})
	}

	recent := log.Recent()
	if len(recent) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(recent))
	}
	if recent[0].AnimeID != 2 || recent[1].AnimeID != 3 {
		t.Errorf("Expected events 2 and 3 oldest first, got %d and %d", recent[0].AnimeID, recent[1].AnimeID)
	}
}

func TestPruneMissing(t *testing.T) {
	db := openTestDatabase(t)
	kept := t.TempDir()

	db.SaveAnime(&models.AnimeRecord{AnimeID: 1, Path: kept})
	db.SaveAnime(&models.AnimeRecord{AnimeID: 2, Path: filepath.Join(kept, "gone")})
	db.SaveAnime(&models.AnimeRecord{AnimeID: 3})

	removed, err := NewCleanupController(db, testLogger()).PruneMissing(context.Background())
	if err != nil {
		t.Fatalf("PruneMissing failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 record removed, got %d", removed)
	}
	if _, err := db.GetAnime(2); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected anime 2 deleted, got %v", err)
	}
	if _, err := db.GetAnime(1); err != nil {
		t.Errorf("Expected anime 1 kept, got %v", err)
	}
}
