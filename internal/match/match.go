// Package match reconnects detached attachment files to the MIME parts that
// reference them. Declared filenames are frequently percent- or
// HTML-escaped, reflowed or truncated relative to the on-disk name, so
// candidates are ranked by normalized edit distance rather than looked up
// exactly.
package match

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// Threshold is the maximum accepted normalized edit distance. Normalizing by
// the candidate's length keeps short and long filenames comparable;
// empirically 0.8 separates true matches from unrelated files.
const Threshold = 0.8

// Normalize collapses runs of whitespace to a single hyphen, mirroring what
// the export does to filenames when it writes attachment files to disk.
func Normalize(name string) string {
	return strings.Join(strings.Fields(name), "-")
}

// Best returns the file id of the candidate whose filename is closest to
// wanted, or ok=false when no candidate clears the threshold.
//
// Candidates are iterated in ascending file-id order so ties resolve the
// same way on every run.
func Best(wanted string, candidates map[int]string) (fileID int, ok bool) {
	if len(candidates) == 0 {
		return 0, false
	}
	normalized := Normalize(wanted)

	ids := make([]int, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	bestID := 0
	bestDist := -1.0
	for _, id := range ids {
		name := candidates[id]
		if name == wanted || name == normalized {
			return id, true
		}
		n := utf8.RuneCountInString(name)
		if n == 0 {
			continue
		}
		d := float64(levenshtein.ComputeDistance(normalized, name)) / float64(n)
		if bestDist < 0 || d < bestDist {
			bestID, bestDist = id, d
		}
	}
	if bestDist < 0 || bestDist > Threshold {
		return 0, false
	}
	return bestID, true
}
