package vector

import (
	"sort"
	"strings"
)

// tokenize splits text into lowercase terms, dropping punctuation and very
// short words.
func tokenize(text string) map[string]struct{} {
	words := make(map[string]struct{})
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'()[]{}")
		if len(word) > 2 {
			words[word] = struct{}{}
		}
	}
	return words
}

// keywordScore is the fraction of query terms present in the document.
func keywordScore(query, doc map[string]struct{}) float64 {
	if len(query) == 0 {
		return 0
	}
	var hits float64
	for word := range query {
		if _, ok := doc[word]; ok {
			hits++
		}
	}
	return hits / float64(len(query))
}

func sortByScore(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
}
