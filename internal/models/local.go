package models

// LocalFile is a media file found by a scan. It is rebuilt on every scan and never persisted.
type LocalFile struct {
	Path string `json:"path"`

	// Identity inferred by the matcher chain
	InferredAnimeID *int       `json:"inferred_anidb_id"`
	Confidence      Confidence `json:"confidence"`
	MatchSource     string     `json:"match_source,omitempty"`

	// Low-confidence guess that needs a human before it counts
	SuggestedAnimeID  *int `json:"suggested_anidb_id,omitempty"`
	NeedsConfirmation bool `json:"needs_confirmation"`

	InferredEpisode *EpisodeNumber `json:"inferred_episode_number"`
	Canonical       bool           `json:"canonical"` // Filename carries an SxxEyy/Eyy token

	Matched bool `json:"matched"`
}

// NeedsRename reports whether the file should get a rename proposal
func (f LocalFile) NeedsRename() bool {
	return f.InferredEpisode == nil || !f.Canonical
}

// RenameProposal suggests a canonical name for a file. NewPath is empty when
// the episode number could not be inferred or matches no episode of the
// anime, and the user has to supply it.
type RenameProposal struct {
	AnimeID int    `json:"anidb_id"`
	OldPath string `json:"old_path"`
	NewPath string `json:"new_path"`
	Reason  string `json:"reason"`
}
