package scanner

import (
	"path/filepath"
	"sync"

	"github.com/agnivade/levenshtein"
	"github.com/amaumene/anidbarr/internal/models"
	"github.com/amaumene/anidbarr/internal/utils"
	"github.com/sirupsen/logrus"
)

// Candidate is a scanned file as seen by the matchers
type Candidate struct {
	Path      string
	Root      string // NFO lookups stop here
	TitleHint string // Folder or file-derived title
}

// Match is a matcher's answer for a candidate
type Match struct {
	AnimeID    int
	Confidence models.Confidence
	Source     string
}

// Matcher infers the anime a candidate belongs to
type Matcher interface {
	Name() string
	Match(c Candidate) (Match, bool)
}

// Chain runs matchers in order. The first result at or above the threshold
// is accepted; weaker results are kept only as a suggestion.
type Chain struct {
	matchers  []Matcher
	threshold models.Confidence
}

// NewChain creates a new matcher chain
func NewChain(threshold models.Confidence, matchers ...Matcher) *Chain {
	return &Chain{matchers: matchers, threshold: threshold}
}

// Resolve returns the accepted match, or nil plus the strongest suggestion
func (c *Chain) Resolve(cand Candidate) (accepted *Match, suggestion *Match) {
	for _, m := range c.matchers {
		result, ok := m.Match(cand)
		if !ok {
			continue
		}
		if result.Confidence >= c.threshold {
			return &result, nil
		}
		if suggestion == nil || result.Confidence > suggestion.Confidence {
			r := result
			suggestion = &r
		}
	}
	return nil, suggestion
}

// Apply records the chain's verdict on f
func (c *Chain) Apply(f *models.LocalFile, cand Candidate) {
	accepted, suggestion := c.Resolve(cand)
	switch {
	case accepted != nil:
		id := accepted.AnimeID
		f.InferredAnimeID = &id
		f.Confidence = accepted.Confidence
		f.MatchSource = accepted.Source
	case suggestion != nil:
		id := suggestion.AnimeID
		f.SuggestedAnimeID = &id
		f.Confidence = suggestion.Confidence
		f.MatchSource = suggestion.Source
		f.NeedsConfirmation = true
	}
}

// NFOMatcher reads the anidb id from the nearest tvshow.nfo between the
// file's directory and the scan root
type NFOMatcher struct {
	logger *logrus.Logger

	mu    sync.Mutex
	cache map[string]int // dir -> id, 0 when the dir has no usable NFO
}

// NewNFOMatcher creates a new NFO matcher
func NewNFOMatcher(logger *logrus.Logger) *NFOMatcher {
	return &NFOMatcher{logger: logger, cache: make(map[string]int)}
}

func (m *NFOMatcher) Name() string { return "nfo" }

func (m *NFOMatcher) Match(c Candidate) (Match, bool) {
	root := filepath.Clean(c.Root)
	dir := filepath.Dir(c.Path)
	for {
		if id := m.lookup(dir); id > 0 {
			return Match{AnimeID: id, Confidence: models.ConfidenceHigh, Source: m.Name()}, true
		}
		if dir == root {
			return Match{}, false
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return Match{}, false
		}
		dir = parent
	}
}

func (m *NFOMatcher) lookup(dir string) int {
	m.mu.Lock()
	id, ok := m.cache[dir]
	m.mu.Unlock()
	if ok {
		return id
	}

	id, found, err := AniDBIDFromNFO(dir)
	if err != nil {
		m.logger.WithError(err).WithField("dir", dir).Warn("Ignoring unreadable NFO")
	}
	if !found {
		id = 0
	}

	m.mu.Lock()
	m.cache[dir] = id
	m.mu.Unlock()
	return id
}

// Reset forgets cached NFO lookups so edits are picked up by the next scan
func (m *NFOMatcher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = make(map[string]int)
}

type titleEntry struct {
	animeID    int
	normalized string
}

// titleIndex holds the normalised titles of known anime
type titleIndex struct {
	mu      sync.RWMutex
	entries []titleEntry
}

func (idx *titleIndex) set(records []models.AnimeRecord) {
	entries := make([]titleEntry, 0, len(records)*2)
	for _, r := range records {
		for _, title := range r.Titles() {
			if n := utils.NormalizeTitle(title); n != "" {
				entries = append(entries, titleEntry{animeID: r.AnimeID, normalized: n})
			}
		}
	}
	idx.mu.Lock()
	idx.entries = entries
	idx.mu.Unlock()
}

func (idx *titleIndex) snapshot() []titleEntry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.entries
}

// TitleMatcher finds a known title equal to the normalised title hint. A
// folder name is only a heuristic, so its answers stay low confidence and
// never clear the default threshold.
type TitleMatcher struct {
	index *titleIndex
}

func (m *TitleMatcher) Name() string { return "title" }

func (m *TitleMatcher) Match(c Candidate) (Match, bool) {
	hint := utils.NormalizeTitle(c.TitleHint)
	if hint == "" {
		return Match{}, false
	}
	for _, e := range m.index.snapshot() {
		if e.normalized == hint {
			return Match{AnimeID: e.animeID, Confidence: models.ConfidenceLow, Source: m.Name()}, true
		}
	}
	return Match{}, false
}

// FuzzyTitleMatcher suggests the known title closest to the hint by edit
// distance. Its answers are always low confidence.
type FuzzyTitleMatcher struct {
	index    *titleIndex
	minRatio float64
}

func (m *FuzzyTitleMatcher) Name() string { return "fuzzy_title" }

func (m *FuzzyTitleMatcher) Match(c Candidate) (Match, bool) {
	hint := utils.NormalizeTitle(c.TitleHint)
	if hint == "" {
		return Match{}, false
	}

	best, bestRatio := 0, 0.0
	for _, e := range m.index.snapshot() {
		if r := similarity(hint, e.normalized); r > bestRatio {
			best, bestRatio = e.animeID, r
		}
	}
	if bestRatio < m.minRatio {
		return Match{}, false
	}
	return Match{AnimeID: best, Confidence: models.ConfidenceLow, Source: m.Name()}, true
}

// similarity is 1 minus the edit distance over the longer length, in runes
func similarity(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	longest := max(la, lb)
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}
