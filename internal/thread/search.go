package thread

import (
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/doclens-ai/doclens/pkg/types"
)

// searchThreshold is the minimum title similarity to count as a match.
const searchThreshold = 0.5

// SearchResult pairs a matched thread with its similarity score.
type SearchResult struct {
	Thread types.Thread
	Score  float64
}

// Search ranks cached threads by title similarity to query, best first.
// It only consults the cache; call List or Refresh beforehand when
// freshness matters.
func (r *Registry) Search(query string) []SearchResult {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}

	r.mu.RLock()
	candidates := r.snapshotLocked()
	r.mu.RUnlock()

	var results []SearchResult
	for _, th := range candidates {
		score := titleSimilarity(query, th.Title)
		if score >= searchThreshold {
			results = append(results, SearchResult{Thread: th, Score: score})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results
}

// titleSimilarity scores how well a query matches a title, in [0,1].
// Exact match beats substring match beats edit distance.
func titleSimilarity(query, title string) float64 {
	q := strings.ToLower(query)
	t := strings.ToLower(title)

	if len(q) == 0 && len(t) == 0 {
		return 1.0
	}
	if len(q) == 0 || len(t) == 0 {
		return 0.0
	}
	if q == t {
		return 1.0
	}
	if strings.Contains(t, q) {
		return 0.9
	}

	dist := levenshtein.ComputeDistance(q, t)
	maxLen := max(len(q), len(t))
	return 1.0 - float64(dist)/float64(maxLen)
}
