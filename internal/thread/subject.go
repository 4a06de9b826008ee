// ABOUTME: Reply-aware subject matching for thread identification
// ABOUTME: Strips reply prefixes and accepts half-overlap so mutated reply subjects merge

package thread

import (
	"strings"

	"github.com/tandemlab/tandem/internal/convo"
)

// subjectOverlapThreshold: two subjects belong to the same thread when at
// least half their words are shared.
const subjectOverlapThreshold = 0.5

// replyPrefixes are stripped repeatedly from the front of a subject.
var replyPrefixes = []string{"re:", "fwd:", "fw:"}

// normalizeSubject lowercases a subject and strips any stack of leading
// reply prefixes.
func normalizeSubject(subject string) string {
	s := strings.ToLower(strings.TrimSpace(subject))
	for {
		stripped := false
		for _, p := range replyPrefixes {
			if strings.HasPrefix(s, p) {
				s = strings.TrimSpace(s[len(p):])
				stripped = true
			}
		}
		if !stripped {
			return s
		}
	}
}

// subjectsMatch reports whether two subjects identify the same thread:
// equal after normalization, or sharing at least half their words.
func subjectsMatch(a, b string) bool {
	na, nb := normalizeSubject(a), normalizeSubject(b)
	if na == nb {
		return true
	}
	return convo.Similarity(na, nb) >= subjectOverlapThreshold
}
