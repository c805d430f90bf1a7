package schema

import (
	"strings"
	"unicode"

	"github.com/agext/levenshtein"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold normalises a header name for comparison: accents stripped via NFD
// decomposition, spaces and punctuation removed, lowercased. "Razão Social"
// and "razao social" fold to the same key.
func Fold(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = name
	}
	var sb strings.Builder
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(unicode.ToLower(r))
		}
	}
	return sb.String()
}

// MatchColumn scores a raw header cell against the schema's columns and
// returns the best match with its score in [0,1]. Scoring combines exact
// folded equality, substring containment, and Levenshtein similarity on the
// folded forms, so accented, re-cased or slightly mangled headers still land
// on the right column.
func (s *Schema) MatchColumn(header string) (Column, float64) {
	key := Fold(header)
	if key == "" {
		return Column{}, 0
	}

	var best Column
	var bestScore float64
	for _, c := range s.Columns {
		score := matchScore(key, Fold(c.Name))
		for _, alias := range c.Aliases {
			if as := matchScore(key, Fold(alias)); as > score {
				score = as
			}
		}
		if score > bestScore {
			bestScore = score
			best = c
		}
	}
	return best, bestScore
}

func matchScore(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	score := levenshtein.Similarity(a, b, nil)
	if strings.Contains(a, b) || strings.Contains(b, a) {
		// Containment beats raw edit distance for prefixed headers like
		// "SOCIO1Celular1" vs "Celular".
		if c := 0.55 + 0.35*float64(min(len(a), len(b)))/float64(max(len(a), len(b))); c > score {
			score = c
		}
	}
	return score
}

// MatchThreshold is the minimum MatchColumn score treated as a hit during
// header detection.
const MatchThreshold = 0.72
