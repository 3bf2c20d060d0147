package models

import (
	"fmt"
	"time"
)

// TagRef is a weighted AniDB tag attached to an anime
type TagRef struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Weight int    `json:"weight"`
}

// AnimeRecord represents an anime as described by AniDB
type AnimeRecord struct {
	AnimeID      int    `json:"anidb_id"`
	PrimaryTitle string `json:"primary_title"`
	KanjiTitle   string `json:"kanji_title,omitempty"`
	EnglishTitle string `json:"english_title,omitempty"`
	Year         string `json:"year,omitempty"`
	Type         string `json:"type,omitempty"`

	// Episode counts
	EpisodeCountTotal *int `json:"episode_count_total"` // nil while unknown or ongoing
	HighestEpisode    int  `json:"highest_episode"`
	SpecialCount      int  `json:"special_count"`

	AirDate *time.Time `json:"air_date,omitempty"`
	EndDate *time.Time `json:"end_date,omitempty"`
	Tags    []TagRef   `json:"tags,omitempty"`

	// Local folder, filled in by the collection workflow
	Path      string    `json:"path,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TotalKnown reports whether AniDB announced a final episode count
func (a AnimeRecord) TotalKnown() bool {
	return a.EpisodeCountTotal != nil && *a.EpisodeCountTotal > 0
}

// Titles returns every non-empty title of the anime
func (a AnimeRecord) Titles() []string {
	titles := make([]string, 0, 3)
	for _, t := range []string{a.PrimaryTitle, a.EnglishTitle, a.KanjiTitle} {
		if t != "" {
			titles = append(titles, t)
		}
	}
	return titles
}

// EpisodeNumber orders episodes by (season, index).
// Regular episodes live in season 1, specials and extras in season 0.
type EpisodeNumber struct {
	Season int `json:"season"`
	Index  int `json:"index"`
}

// Regular reports whether the number belongs to the main episode run
func (n EpisodeNumber) Regular() bool {
	return n.Season == 1
}

// Less orders episode numbers by season first, then index
func (n EpisodeNumber) Less(other EpisodeNumber) bool {
	if n.Season != other.Season {
		return n.Season < other.Season
	}
	return n.Index < other.Index
}

func (n EpisodeNumber) String() string {
	return fmt.Sprintf("S%02dE%02d", n.Season, n.Index)
}

// EpisodeRecord represents one episode of an anime
type EpisodeRecord struct {
	EpisodeID   int           `json:"episode_id"`
	AnimeID     int           `json:"anidb_id"`
	Number      EpisodeNumber `json:"number"`
	Title       string        `json:"title"`
	AirDate     *time.Time    `json:"air_date,omitempty"` // nil when AniDB has no air date
	LocalStatus LocalStatus   `json:"local_status"`
}
