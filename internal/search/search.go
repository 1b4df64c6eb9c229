// Package search matches entity titles against user queries.
package search

import (
	"sort"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"
	sahilm "github.com/sahilm/fuzzy"
)

// Match is one ranked hit
type Match struct {
	Index          int   // position in the input slice
	Score          int   // higher is better
	MatchedIndexes []int // matched character positions, for highlighting
}

// titles implements sahilm/fuzzy.Source over pre-lowered strings
type titles []string

func (t titles) String(i int) string { return t[i] }
func (t titles) Len() int            { return len(t) }

// Rank returns the titles matching query, best match first
func Rank(query string, in []string) []Match {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" || len(in) == 0 {
		return nil
	}

	lower := make(titles, len(in))
	for i, s := range in {
		lower[i] = strings.ToLower(s)
	}

	found := sahilm.FindFrom(query, lower)
	out := make([]Match, len(found))
	for i, m := range found {
		out[i] = Match{Index: m.Index, Score: m.Score, MatchedIndexes: m.MatchedIndexes}
	}
	return out
}

// Filter returns the indexes of titles that contain the query's characters
// in order, case-insensitively. Input order is kept.
func Filter(query string, in []string) []int {
	query = strings.TrimSpace(query)
	if query == "" {
		out := make([]int, len(in))
		for i := range in {
			out[i] = i
		}
		return out
	}

	var out []int
	for i, s := range in {
		if fuzzy.MatchFold(query, s) {
			out = append(out, i)
		}
	}
	return out
}

// Suggest returns the candidate closest to name, for "did you mean" hints
func Suggest(name string, candidates []string) (string, bool) {
	if name == "" || len(candidates) == 0 {
		return "", false
	}

	ranks := fuzzy.RankFindFold(name, candidates)
	if len(ranks) == 0 {
		// no subsequence match, fall back to edit distance
		best, bestDist := "", -1
		for _, c := range candidates {
			d := fuzzy.LevenshteinDistance(strings.ToLower(name), strings.ToLower(c))
			if bestDist < 0 || d < bestDist {
				best, bestDist = c, d
			}
		}
		if bestDist > len(name)/2+1 {
			return "", false
		}
		return best, true
	}

	sort.Sort(ranks)
	return ranks[0].Target, true
}
