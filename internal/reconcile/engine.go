package reconcile

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/amaumene/anidbarr/internal/models"
	"github.com/amaumene/anidbarr/internal/utils"
)

// EpisodeConflict lists local files claiming the same episode of one anime
type EpisodeConflict struct {
	AnimeID int                  `json:"anidb_id"`
	Number  models.EpisodeNumber `json:"number"`
	Paths   []string             `json:"paths"`
}

// InconsistentLocalMatchError reports conflicts that need a person to pick a file
type InconsistentLocalMatchError struct {
	AnimeID   int
	Conflicts []EpisodeConflict
}

func (e *InconsistentLocalMatchError) Error() string {
	numbers := make([]string, len(e.Conflicts))
	for i, c := range e.Conflicts {
		numbers[i] = c.Number.String()
	}
	return fmt.Sprintf("anime %d: several files claim %s", e.AnimeID, strings.Join(numbers, ", "))
}

// Result is the outcome of one reconciliation pass
type Result struct {
	Status       models.CollectionStatus
	Episodes     []models.EpisodeRecord  // Input episodes with LocalStatus filled in
	Files        []models.LocalFile      // Files of this anime with Matched filled in
	Renames      []models.RenameProposal // Sorted by old path, unmatched files included
	Conflicts    []EpisodeConflict       // Sorted by episode number
	NewlyPresent []int                   // Present now but not in the previous status
}

// Err returns an *InconsistentLocalMatchError when files conflict
func (r Result) Err() error {
	if len(r.Conflicts) == 0 {
		return nil
	}
	return &InconsistentLocalMatchError{AnimeID: r.Status.AnimeID, Conflicts: r.Conflicts}
}

// Summary describes the missing ranges
func (r Result) Summary() string {
	return Summary(r.Status.MissingRanges)
}

// Engine merges authoritative episode data with scanned files. It keeps no
// state between calls; only LastComputedAt differs across identical runs.
type Engine struct {
	now func() time.Time
}

// NewEngine creates a new reconciliation engine
func NewEngine() *Engine {
	return &Engine{now: time.Now}
}

// Reconcile computes the collection status of anime. Only files whose
// accepted identity is anime count; suggestions awaiting confirmation do not.
// previous is the last status computed for the same anime, nil if none.
func (e *Engine) Reconcile(anime models.AnimeRecord, episodes []models.EpisodeRecord, files []models.LocalFile, previous *models.CollectionStatus) Result {
	var total *int
	if anime.TotalKnown() {
		t := *anime.EpisodeCountTotal
		total = &t
	}

	known := make(map[models.EpisodeNumber]bool, len(episodes))
	observedMax := anime.HighestEpisode
	for _, ep := range episodes {
		known[ep.Number] = true
		if ep.Number.Regular() {
			observedMax = max(observedMax, ep.Number.Index)
		}
	}

	// Claims per episode number, in input order
	var own []models.LocalFile
	claims := make(map[models.EpisodeNumber][]int)
	for _, f := range files {
		if f.InferredAnimeID == nil || *f.InferredAnimeID != anime.AnimeID {
			continue
		}
		f.Matched = false
		if n := f.InferredEpisode; n != nil && validNumber(*n, total, known) {
			f.Matched = true
			claims[*n] = append(claims[*n], len(own))
		}
		own = append(own, f)
	}

	present := make(map[int]bool)
	canonical := make(map[models.EpisodeNumber]bool)
	var conflicts []EpisodeConflict
	conflicted := make(map[int]bool)
	for number, idx := range claims {
		if number.Regular() {
			present[number.Index] = true
			observedMax = max(observedMax, number.Index)
		}
		for _, i := range idx {
			if own[i].Canonical {
				canonical[number] = true
			}
		}
		if len(idx) > 1 {
			c := EpisodeConflict{AnimeID: anime.AnimeID, Number: number}
			for _, i := range idx {
				c.Paths = append(c.Paths, own[i].Path)
				conflicted[i] = true
			}
			sort.Strings(c.Paths)
			conflicts = append(conflicts, c)
		}
	}
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].Number.Less(conflicts[j].Number) })

	reconciled := make([]models.EpisodeRecord, len(episodes))
	for i, ep := range episodes {
		switch {
		case len(claims[ep.Number]) == 0:
			ep.LocalStatus = models.LocalMissing
		case canonical[ep.Number]:
			ep.LocalStatus = models.LocalPresent
		default:
			ep.LocalStatus = models.LocalPresentNonCanonical
		}
		reconciled[i] = ep
	}

	width := max(2, len(strconv.Itoa(max(observedMax, valueOr(total, 0)))))
	var renames []models.RenameProposal
	for i, f := range own {
		switch {
		case conflicted[i]:
		case f.InferredEpisode != nil && !f.Matched:
			renames = append(renames, models.RenameProposal{
				AnimeID: anime.AnimeID,
				OldPath: f.Path,
				Reason:  unmatchedReason(*f.InferredEpisode, total),
			})
		case f.NeedsRename():
			if p, ok := proposeRename(anime, f, width); ok {
				renames = append(renames, p)
			}
		}
	}
	sort.Slice(renames, func(i, j int) bool { return renames[i].OldPath < renames[j].OldPath })

	presentList := sortedKeys(present)
	var newly []int
	if previous != nil {
		before := make(map[int]bool, len(previous.PresentEpisodes))
		for _, n := range previous.PresentEpisodes {
			before[n] = true
		}
		for _, n := range presentList {
			if !before[n] {
				newly = append(newly, n)
			}
		}
	}

	return Result{
		Status: models.CollectionStatus{
			AnimeID:         anime.AnimeID,
			Total:           total,
			PresentEpisodes: presentList,
			MissingRanges:   MissingRanges(presentList, total, observedMax),
			LastComputedAt:  e.now(),
		},
		Episodes:     reconciled,
		Files:        own,
		Renames:      renames,
		Conflicts:    conflicts,
		NewlyPresent: newly,
	}
}

// validNumber rejects regular episodes past a known total and specials
// AniDB does not list
func validNumber(n models.EpisodeNumber, total *int, known map[models.EpisodeNumber]bool) bool {
	if n.Index <= 0 {
		return false
	}
	if n.Regular() {
		return total == nil || n.Index <= *total
	}
	return known[n]
}

// unmatchedReason explains why a file of the anime fits none of its episodes.
// AniDB keeps every season as its own anime, so a season other than 1 is
// never folded into the regular run.
func unmatchedReason(n models.EpisodeNumber, total *int) string {
	switch {
	case n.Index <= 0:
		return fmt.Sprintf("episode %s is not a valid episode number", n)
	case n.Regular() && total != nil:
		return fmt.Sprintf("episode %d is past the last episode (%d)", n.Index, *total)
	case n.Season > 1:
		return fmt.Sprintf("season %d belongs to another AniDB entry, %s matches no episode of this anime", n.Season, n)
	}
	return fmt.Sprintf("AniDB lists no episode %s for this anime", n)
}

// proposeRename builds "<dir>/<Title> S01E05<ext>". Files without an episode
// number get a proposal with an empty NewPath for the user to complete.
func proposeRename(anime models.AnimeRecord, f models.LocalFile, width int) (models.RenameProposal, bool) {
	p := models.RenameProposal{AnimeID: anime.AnimeID, OldPath: f.Path}
	if f.InferredEpisode == nil {
		p.Reason = "episode number could not be inferred from the file name"
		return p, true
	}

	title := utils.SanitizeFilename(anime.PrimaryTitle)
	if title == "" {
		title = "AniDB " + strconv.Itoa(anime.AnimeID)
	}
	n := *f.InferredEpisode
	name := fmt.Sprintf("%s S%02dE%0*d%s", title, n.Season, width, n.Index, strings.ToLower(filepath.Ext(f.Path)))
	p.NewPath = filepath.Join(filepath.Dir(f.Path), name)
	if p.NewPath == f.Path {
		return p, false
	}
	p.Reason = "file name lacks a canonical episode token"
	return p, true
}

func valueOr(p *int, fallback int) int {
	if p == nil {
		return fallback
	}
	return *p
}
