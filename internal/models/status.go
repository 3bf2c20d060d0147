package models

import (
	"strconv"
	"time"
)

// Range is an inclusive run of missing episode numbers.
// Open ranges have no known end (the anime is still airing or its length is unknown).
type Range struct {
	Start int  `json:"start"`
	End   int  `json:"end"`
	Open  bool `json:"open"`
}

// Len returns the number of episodes in a closed range, 0 for open ranges
func (r Range) Len() int {
	if r.Open {
		return 0
	}
	return r.End - r.Start + 1
}

func (r Range) String() string {
	switch {
	case r.Open:
		return strconv.Itoa(r.Start) + "+"
	case r.Start == r.End:
		return strconv.Itoa(r.Start)
	default:
		return strconv.Itoa(r.Start) + "-" + strconv.Itoa(r.End)
	}
}

// CollectionStatus is the computed completeness of one anime in the local collection
type CollectionStatus struct {
	AnimeID         int       `json:"anidb_id"`
	Total           *int      `json:"total"`
	PresentEpisodes []int     `json:"present_episodes"` // ascending
	MissingRanges   []Range   `json:"missing_ranges"`   // ascending, disjoint, maximal
	LastComputedAt  time.Time `json:"last_computed_at"`
}

// Complete reports whether every episode of a finished anime is present
func (s CollectionStatus) Complete() bool {
	return s.Total != nil && len(s.MissingRanges) == 0
}

// MissingCount returns the number of missing episodes in closed ranges
func (s CollectionStatus) MissingCount() int {
	count := 0
	for _, r := range s.MissingRanges {
		count += r.Len()
	}
	return count
}

// ProgressEvent reports collection-check progress to the UI/notification layer
type ProgressEvent struct {
	Phase   Phase     `json:"phase"`
	AnimeID int       `json:"anidb_id"`
	Folder  string    `json:"folder,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}
