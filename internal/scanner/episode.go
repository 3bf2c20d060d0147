package scanner

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/amaumene/anidbarr/internal/models"
	"github.com/amaumene/anidbarr/internal/utils"
)

// Canonical token: E + zero-padded 2-3 digit number, optionally after S + season
var canonicalRegex = regexp.MustCompile(`(?:^|[^A-Za-z0-9])(?:S(\d{1,2}))?E(\d{2,3})(?:[^0-9]|$)`)

// Loose patterns give an episode number but mark the name non-canonical
var looseRegexes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:^|[^a-z0-9])s(\d{1,2})[ ._-]?e(\d{1,4})(?:[^0-9]|$)`),
	regexp.MustCompile(`(?i)(?:^|[^a-z0-9])()e(\d{1,4})(?:[^0-9]|$)`),
	regexp.MustCompile(`(?i)(?:^|[^a-z0-9])()(?:ep|episode)[ ._-]*(\d{1,4})(?:[^0-9]|$)`),
	regexp.MustCompile(`(?:^|\s)-\s*()(\d{1,3})(?:v\d)?(?:\s|$)`),
	regexp.MustCompile(`()#(\d{1,4})(?:[^0-9]|$)`),
}

// ParseEpisode extracts the episode number from a file name without its
// extension. canonical is true only for the SxxEyy/Eyy form.
func ParseEpisode(name string) (*models.EpisodeNumber, bool) {
	if m := canonicalRegex.FindStringSubmatchIndex(name); m != nil {
		if number := toEpisodeNumber(name, m); number != nil {
			return number, true
		}
	}

	cleaned := utils.CleanReleaseName(name)
	for _, re := range looseRegexes {
		m := re.FindStringSubmatchIndex(cleaned)
		if m == nil {
			continue
		}
		if number := toEpisodeNumber(cleaned, m); number != nil {
			return number, false
		}
	}
	return nil, false
}

// titleFromFilename strips the extension, release noise and everything from
// the episode token on: "[Group] Show Name - 05 [1080p].mkv" -> "Show Name"
func titleFromFilename(name string) string {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	cleaned := utils.CleanReleaseName(stem)
	for _, re := range append([]*regexp.Regexp{canonicalRegex}, looseRegexes...) {
		if m := re.FindStringIndex(cleaned); m != nil {
			cleaned = cleaned[:m[0]]
			break
		}
	}
	return strings.Trim(cleaned, " -_.")
}

// toEpisodeNumber reads season (group 1, optional) and index (group 2)
func toEpisodeNumber(s string, m []int) *models.EpisodeNumber {
	season := 1
	if m[2] >= 0 && m[3] > m[2] {
		n, err := strconv.Atoi(s[m[2]:m[3]])
		if err != nil {
			return nil
		}
		season = n
	}
	index, err := strconv.Atoi(s[m[4]:m[5]])
	if err != nil || index <= 0 {
		return nil
	}
	return &models.EpisodeNumber{Season: season, Index: index}
}
