package utils

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	yearRegex = regexp.MustCompile(`\b(19\d{2}|20\d{2})\b`)

	// [Group], (1080p), {hash} and similar bracketed release noise
	bracketRegex = regexp.MustCompile(`[\[\(\{][^\]\)\}]*[\]\)\}]`)

	// Quality and encoding tokens common in fansub and BD releases
	releaseTokenRegex = regexp.MustCompile(`(?i)\b(2160p|1080p|720p|480p|4k|uhd|bd|bdrip|bluray|blu-ray|web-?dl|webrip|hdtv|dvd|dvdrip|remux|x264|x265|h\.?264|h\.?265|hevc|avc|10-?bit|8-?bit|hi10p|flac|aac|ac3|dts|opus|dual[ -]audio|multi[ -]?subs?|raw)\b`)
)

// ExtractYear extracts a 4-digit year from a folder or file name
// Returns 0 if no year is found
// Matches years like: (2009), 2009, [2009], etc.
func ExtractYear(name string) int {
	matches := yearRegex.FindStringSubmatch(name)
	if len(matches) > 1 {
		year, err := strconv.Atoi(matches[1])
		if err == nil {
			return year
		}
	}
	return 0
}

// CleanReleaseName strips bracketed groups, quality tokens and separators
// from a release-style name, leaving something close to the show title.
// "[SubsPlease] Sousou no Frieren (1080p) [ABCD1234]" -> "Sousou no Frieren"
func CleanReleaseName(name string) string {
	cleaned := bracketRegex.ReplaceAllString(name, " ")
	cleaned = releaseTokenRegex.ReplaceAllString(cleaned, " ")
	cleaned = strings.NewReplacer("_", " ", ".", " ").Replace(cleaned)
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	return strings.Trim(cleaned, " -")
}
