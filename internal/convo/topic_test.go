// ABOUTME: Tests for topic extraction and token-set similarity
// ABOUTME: Covers frequency ordering, short-word filtering, and Jaccard edge cases

package convo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"identical", "database migration plan", "database migration plan", 1.0},
		{"case insensitive", "Database Migration", "database migration", 1.0},
		{"disjoint", "database migration", "budget forecast", 0.0},
		{"partial overlap", "database migration plan review", "database migration budget forecast", 1.0 / 3.0},
		{"both empty", "", "", 0.0},
		{"one empty", "", "database", 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Similarity(tt.a, tt.b), 0.0001)
		})
	}
}

func TestExtractTopic_FrequencyOrdersKeywords(t *testing.T) {
	got := ExtractTopic("alpha beta alpha gamma beta alpha")
	assert.Equal(t, "alpha beta gamma", got)
}

func TestExtractTopic_FiltersShortWords(t *testing.T) {
	got := ExtractTopic("go to the big event now")
	assert.Equal(t, "event", got)
}

func TestExtractTopic_TrimsPunctuation(t *testing.T) {
	got := ExtractTopic("Ship it! Ship the (release).")
	assert.Equal(t, "ship release", got)
}

func TestExtractTopic_CapsKeywordCount(t *testing.T) {
	got := ExtractTopic("first second third fourth fifth sixth")
	assert.Equal(t, "first second third fourth fifth", got)
}

func TestExtractTopic_TiesBreakByFirstOccurrence(t *testing.T) {
	// Same content must always produce the same signature.
	first := ExtractTopic("planning review deployment")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, ExtractTopic("planning review deployment"))
	}
	assert.Equal(t, "planning review deployment", first)
}

func TestExtractTopic_EmptyContent(t *testing.T) {
	assert.Equal(t, "", ExtractTopic(""))
	assert.Equal(t, "", ExtractTopic("a an is"))
}
