// ABOUTME: Topic extraction and similarity primitives for conversation scoring
// ABOUTME: Keyword frequency extraction plus Jaccard similarity over token sets

package convo

import (
	"sort"
	"strings"
)

// minKeywordLen filters out short filler words during topic extraction.
const minKeywordLen = 4

// maxTopicKeywords caps how many keywords form a topic signature.
const maxTopicKeywords = 5

// Similarity returns the Jaccard index over the whitespace-split lowercase
// token sets of a and b. Returns 0 when both strings produce no tokens.
func Similarity(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)

	union := make(map[string]struct{}, len(setA)+len(setB))
	for w := range setA {
		union[w] = struct{}{}
	}
	for w := range setB {
		union[w] = struct{}{}
	}
	if len(union) == 0 {
		return 0
	}

	intersection := 0
	for w := range setA {
		if _, ok := setB[w]; ok {
			intersection++
		}
	}
	return float64(intersection) / float64(len(union))
}

// ExtractTopic derives a topic signature from message content: the top
// keywords by frequency, joined into a single string. Deliberately
// simplistic; swap in a real NLP component without changing the contract.
func ExtractTopic(content string) string {
	counts := make(map[string]int)
	order := make(map[string]int)
	next := 0

	for _, w := range strings.Fields(strings.ToLower(content)) {
		w = strings.Trim(w, ".,!?;:\"'()[]")
		if len(w) < minKeywordLen {
			continue
		}
		if _, seen := counts[w]; !seen {
			order[w] = next
			next++
		}
		counts[w]++
	}

	keywords := make([]string, 0, len(counts))
	for w := range counts {
		keywords = append(keywords, w)
	}
	// Highest frequency first; ties broken by first occurrence so the
	// signature is deterministic for identical content.
	sort.Slice(keywords, func(i, j int) bool {
		if counts[keywords[i]] != counts[keywords[j]] {
			return counts[keywords[i]] > counts[keywords[j]]
		}
		return order[keywords[i]] < order[keywords[j]]
	})

	if len(keywords) > maxTopicKeywords {
		keywords = keywords[:maxTopicKeywords]
	}
	return strings.Join(keywords, " ")
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = struct{}{}
	}
	return set
}
