package utils

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// NormalizeTitle folds a title for comparison: release noise removed,
// diacritics stripped, full-width forms narrowed, lower case, punctuation
// collapsed to single spaces. "Shingeki no Kyojin: The Final Season" and
// "shingeki_no_kyojin the final season" normalise to the same string.
func NormalizeTitle(title string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.Predicate(isDiacritic)), width.Fold, norm.NFC)
	folded, _, err := transform.String(t, CleanReleaseName(title))
	if err != nil {
		folded = title
	}

	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(folded) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteRune(r)
			space = false
			continue
		}
		space = true
	}
	return b.String()
}

// isDiacritic matches Latin combining marks only. Kana voicing marks are
// also nonspacing and must survive so NFC can recompose them.
func isDiacritic(r rune) bool {
	return r >= 0x0300 && r <= 0x036F
}

var unsafeFilenameChars = strings.NewReplacer(
	"/", " ", "\\", " ", ":", " - ", "*", "", "?", "", "\"", "'",
	"<", "", ">", "", "|", " ",
)

// SanitizeFilename makes a title safe to use as a file name on common
// filesystems while keeping non-Latin scripts intact
func SanitizeFilename(name string) string {
	name = norm.NFC.String(name)
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = unsafeFilenameChars.Replace(name)
	name = strings.Join(strings.Fields(name), " ")
	return strings.Trim(name, " .")
}
