package scanner

import (
	"context"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/amaumene/anidbarr/internal/models"
	"github.com/amaumene/anidbarr/internal/utils"
	"github.com/sirupsen/logrus"
)

// DefaultExtensions are the media containers the scanner recognises
var DefaultExtensions = []string{
	".mkv", ".mp4", ".avi", ".m4v", ".mov", ".wmv", ".webm",
	".ogm", ".flv", ".ts", ".m2ts", ".mpg", ".mpeg",
}

// FuzzyMinRatio is the similarity a fuzzy title match needs to be suggested
const FuzzyMinRatio = 0.8

// Options configure a Scanner
type Options struct {
	Extensions []string
	Ignore     *utils.IgnoreList
	Known      []models.AnimeRecord
	Threshold  models.Confidence // Weakest confidence accepted without confirmation
}

// Scanner walks collection folders and infers anime and episode identity
// for every media file. Scans hold no state besides the NFO cache, so one
// Scanner can serve parallel scans of distinct folders.
type Scanner struct {
	extensions map[string]bool
	ignore     *utils.IgnoreList
	titles     *titleIndex
	nfo        *NFOMatcher
	chain      *Chain
	logger     *logrus.Logger
}

// New creates a new Scanner
func New(opts Options, logger *logrus.Logger) *Scanner {
	if len(opts.Extensions) == 0 {
		opts.Extensions = DefaultExtensions
	}
	if opts.Threshold == models.ConfidenceNone {
		opts.Threshold = models.ConfidenceMedium
	}

	extensions := make(map[string]bool, len(opts.Extensions))
	for _, ext := range opts.Extensions {
		extensions[strings.ToLower(ext)] = true
	}

	titles := &titleIndex{}
	titles.set(opts.Known)
	nfo := NewNFOMatcher(logger)

	return &Scanner{
		extensions: extensions,
		ignore:     opts.Ignore,
		titles:     titles,
		nfo:        nfo,
		chain: NewChain(opts.Threshold,
			nfo,
			&TitleMatcher{index: titles},
			&FuzzyTitleMatcher{index: titles, minRatio: FuzzyMinRatio},
		),
		logger: logger,
	}
}

// SetKnown replaces the anime titles the title matchers compare against
func (s *Scanner) SetKnown(records []models.AnimeRecord) {
	s.titles.set(records)
}

// ResetCache drops cached NFO lookups
func (s *Scanner) ResetCache() {
	s.nfo.Reset()
}

// Scan lazily walks the whole collection. Each top-level folder is taken as
// one anime and its name is the title hint; for loose files in root the hint
// comes from the file name. Iteration can stop early and be restarted.
func (s *Scanner) Scan(ctx context.Context, root string) iter.Seq2[models.LocalFile, error] {
	return s.walk(ctx, root, func(path string) string {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return ""
		}
		if first, _, nested := strings.Cut(filepath.ToSlash(rel), "/"); nested {
			return first
		}
		return titleFromFilename(filepath.Base(path))
	})
}

// ScanFolder lazily walks one anime folder, using its name as the title hint
func (s *Scanner) ScanFolder(ctx context.Context, dir string) iter.Seq2[models.LocalFile, error] {
	hint := filepath.Base(filepath.Clean(dir))
	return s.walk(ctx, dir, func(string) string { return hint })
}

func (s *Scanner) walk(ctx context.Context, root string, hintFor func(path string) string) iter.Seq2[models.LocalFile, error] {
	root = filepath.Clean(root)
	return func(yield func(models.LocalFile, error) bool) {
		stopped := false
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if err != nil {
				if !yield(models.LocalFile{Path: path}, err) {
					stopped = true
					return filepath.SkipAll
				}
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}

			if path != root && s.skip(path, d) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() || !s.extensions[strings.ToLower(filepath.Ext(path))] {
				return nil
			}

			if !yield(s.inspect(root, path, hintFor(path)), nil) {
				stopped = true
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil && !stopped {
			yield(models.LocalFile{Path: root}, err)
		}
	}
}

// skip reports hidden entries and entries on the ignore list
func (s *Scanner) skip(path string, d fs.DirEntry) bool {
	if strings.HasPrefix(d.Name(), ".") {
		return true
	}
	if ignored, term := s.ignore.Matches(path); ignored {
		s.logger.WithFields(logrus.Fields{
			"path": path,
			"term": term,
		}).Debug("Skipping ignored path")
		return true
	}
	return false
}

func (s *Scanner) inspect(root, path, hint string) models.LocalFile {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	number, canonical := ParseEpisode(stem)

	f := models.LocalFile{
		Path:            path,
		InferredEpisode: number,
		Canonical:       canonical,
	}
	s.chain.Apply(&f, Candidate{Path: path, Root: root, TitleHint: hint})
	return f
}

// Collect drains a scan into a slice, stopping at the first error
func Collect(seq iter.Seq2[models.LocalFile, error]) ([]models.LocalFile, error) {
	var files []models.LocalFile
	for f, err := range seq {
		if err != nil {
			return files, err
		}
		files = append(files, f)
	}
	return files, nil
}

// ListFolders returns the anime folders directly under root, skipping hidden
// and ignored ones
func (s *Scanner) ListFolders(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var folders []string
	for _, e := range entries {
		path := filepath.Join(root, e.Name())
		if !e.IsDir() || s.skip(path, e) {
			continue
		}
		folders = append(folders, path)
	}
	return folders, nil
}
