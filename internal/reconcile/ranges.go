package reconcile

import (
	"sort"
	"strings"

	"github.com/amaumene/anidbarr/internal/models"
)

// MissingRanges run-length encodes the episodes absent from present.
//
// With a known total the result covers exactly [1, total] minus present.
// Without one, gaps are computed up to observedMax and an open range follows
// it; a gap touching observedMax is folded into that open range.
// The result is ascending, disjoint and maximal.
func MissingRanges(present []int, total *int, observedMax int) []models.Range {
	have := make(map[int]bool, len(present))
	highest := 0
	for _, n := range present {
		if n <= 0 {
			continue
		}
		have[n] = true
		highest = max(highest, n)
	}

	known := total != nil && *total > 0
	limit := max(observedMax, highest)
	if known {
		limit = *total
	}

	var ranges []models.Range
	start := 0
	for n := 1; n <= limit; n++ {
		if !have[n] {
			if start == 0 {
				start = n
			}
			continue
		}
		if start != 0 {
			ranges = append(ranges, models.Range{Start: start, End: n - 1})
			start = 0
		}
	}

	if known {
		if start != 0 {
			ranges = append(ranges, models.Range{Start: start, End: limit})
		}
		return ranges
	}

	if start == 0 {
		start = limit + 1
	}
	return append(ranges, models.Range{Start: start, Open: true})
}

// Summary renders ranges for people: "Episodes 2, 4-6 missing"
func Summary(ranges []models.Range) string {
	switch {
	case len(ranges) == 0:
		return "No episodes missing"
	case len(ranges) == 1 && !ranges[0].Open && ranges[0].Start == ranges[0].End:
		return "Episode " + ranges[0].String() + " missing"
	}

	parts := make([]string, len(ranges))
	for i, r := range ranges {
		parts[i] = r.String()
	}
	return "Episodes " + strings.Join(parts, ", ") + " missing"
}

// sortedKeys returns the keys of set in ascending order
func sortedKeys(set map[int]bool) []int {
	keys := make([]int, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
