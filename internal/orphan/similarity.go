// Package orphan matches loans that were imported without an owning customer
// back to the agency's customers.
package orphan

import (
	"strings"

	"github.com/texttheater/golang-levenshtein/levenshtein"
)

// Scores for the non-distance similarity cases.
const (
	ScoreEqual    = 1.0
	ScoreContains = 0.95
)

// Similarity scores two names in [0,1]. Names equal after case folding and
// whitespace collapsing score 1; one containing the other scores 0.95;
// otherwise the score is the normalized edit distance. An empty name matches
// nothing.
func Similarity(a, b string) float64 {
	a, b = fold(a), fold(b)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return ScoreEqual
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return ScoreContains
	}

	ra, rb := []rune(a), []rune(b)
	longest := max(len(ra), len(rb))
	dist := levenshtein.DistanceForStrings(ra, rb, levenshtein.DefaultOptionsWithSub)
	return float64(longest-dist) / float64(longest)
}

func fold(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
