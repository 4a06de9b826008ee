// ABOUTME: Tests for the conversation context engine
// ABOUTME: Covers topic trail, coherence bounds, engagement caps, and extraction

package convo

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_InitializeContextSeedsFromSubject(t *testing.T) {
	e := NewEngine(nil)
	e.InitializeContext("t1", []string{"A", "B"}, "database migration planning")

	snap, ok := e.Snapshot("t1")
	require.True(t, ok)
	assert.Equal(t, "t1", snap.ThreadID)
	assert.Equal(t, "database migration planning", snap.CurrentTopic)
	assert.Equal(t, []string{"database migration planning"}, snap.TopicHistory)
	assert.Equal(t, []string{"A", "B"}, snap.Participants)
	assert.NotEmpty(t, snap.ContextHash)
}

func TestEngine_ContextHashIgnoresParticipantOrder(t *testing.T) {
	e := NewEngine(nil)
	e.InitializeContext("t1", []string{"A", "B"}, "Sync")
	e.InitializeContext("t2", []string{"B", "A"}, "Sync")

	a, _ := e.Snapshot("t1")
	b, _ := e.Snapshot("t2")
	assert.Equal(t, a.ContextHash, b.ContextHash)
}

func TestEngine_UpdateContextUnknownThread(t *testing.T) {
	e := NewEngine(nil)
	assert.False(t, e.UpdateContext("missing", Update{Sender: "A", Content: "hello"}))
}

func TestEngine_TopicTrailRecordsOnlyGenuineShifts(t *testing.T) {
	e := NewEngine(nil)
	e.InitializeContext("t1", []string{"A", "B"}, "database migration planning")

	// Minor rewording: topic updates but no new history entry.
	require.True(t, e.UpdateContext("t1", Update{
		Sender: "A", Content: "database migration planning continues",
	}))
	snap, _ := e.Snapshot("t1")
	assert.Len(t, snap.TopicHistory, 1)
	assert.Equal(t, "database migration planning continues", snap.CurrentTopic)

	// Hard shift: new history entry.
	require.True(t, e.UpdateContext("t1", Update{
		Sender: "B", Content: "budget forecast numbers",
	}))
	snap, _ = e.Snapshot("t1")
	assert.Len(t, snap.TopicHistory, 2)
	assert.Equal(t, "budget forecast numbers", snap.CurrentTopic)
}

func TestEngine_TopicHistoryIsBounded(t *testing.T) {
	e := NewEngine(nil)
	e.InitializeContext("t1", []string{"A"}, "start")

	for i := 0; i < 30; i++ {
		require.True(t, e.UpdateContext("t1", Update{
			Sender:  "A",
			Content: fmt.Sprintf("distinct%dtopic%d entirely", i, i),
		}))
	}

	snap, _ := e.Snapshot("t1")
	assert.LessOrEqual(t, len(snap.TopicHistory), 10)
}

func TestEngine_CoherenceBounds(t *testing.T) {
	e := NewEngine(nil)
	e.InitializeContext("t1", []string{"A", "B"}, "database migration")

	// Single-entry history is perfectly coherent.
	assert.Equal(t, 1.0, e.Coherence("t1"))
	assert.Equal(t, 1.0, e.Coherence("missing"))

	require.True(t, e.UpdateContext("t1", Update{Sender: "A", Content: "budget forecast numbers"}))
	require.True(t, e.UpdateContext("t1", Update{Sender: "B", Content: "vacation schedule question"}))

	score := e.Coherence("t1")
	assert.GreaterOrEqual(t, score, 0.0)
	assert.LessOrEqual(t, score, 1.0)
	// Disjoint topic shifts mean low coherence.
	assert.Less(t, score, 0.5)
}

func TestEngine_TopicDriftReflectsLastShift(t *testing.T) {
	e := NewEngine(nil)
	e.InitializeContext("t1", []string{"A"}, "database migration")

	assert.Equal(t, 1.0, e.TopicDrift("t1"))

	require.True(t, e.UpdateContext("t1", Update{Sender: "A", Content: "budget forecast numbers"}))
	assert.Less(t, e.TopicDrift("t1"), 0.5)
}

func TestEngine_EngagementStepAndCap(t *testing.T) {
	e := NewEngine(nil)
	e.InitializeContext("t1", []string{"A", "B"}, "Sync")

	require.True(t, e.UpdateContext("t1", Update{Sender: "A", Content: "hello there"}))
	levels := e.EngagementLevels("t1")
	assert.InDelta(t, 0.1, levels["A"], 0.0001)
	assert.InDelta(t, 0.0, levels["B"], 0.0001)

	for i := 0; i < 20; i++ {
		require.True(t, e.UpdateContext("t1", Update{Sender: "A", Content: "more words here"}))
	}
	levels = e.EngagementLevels("t1")
	assert.InDelta(t, 1.0, levels["A"], 0.0001)

	assert.Nil(t, e.EngagementLevels("missing"))
}

func TestEngine_ContextAwarenessTracksRecency(t *testing.T) {
	e := NewEngine(nil)
	e.InitializeContext("t1", []string{"A"}, "Sync")

	base := time.Now()

	// First message after an unknown idle period: partial awareness.
	require.True(t, e.UpdateContext("t1", Update{Sender: "A", Content: "hello", Timestamp: base}))
	state, ok := e.ParticipantStateFor("t1", "A")
	require.True(t, ok)
	assert.InDelta(t, 0.8, state.ContextAwareness, 0.0001)

	// Quick follow-up: fully aware.
	require.True(t, e.UpdateContext("t1", Update{Sender: "A", Content: "hello again", Timestamp: base.Add(time.Minute)}))
	state, _ = e.ParticipantStateFor("t1", "A")
	assert.InDelta(t, 1.0, state.ContextAwareness, 0.0001)

	// Long gap: back to partial awareness.
	require.True(t, e.UpdateContext("t1", Update{Sender: "A", Content: "back now", Timestamp: base.Add(20 * time.Minute)}))
	state, _ = e.ParticipantStateFor("t1", "A")
	assert.InDelta(t, 0.8, state.ContextAwareness, 0.0001)
}

func TestEngine_KeyPointsAndPendingActions(t *testing.T) {
	e := NewEngine(nil)
	e.InitializeContext("t1", []string{"A", "B"}, "Release")

	content := "Important: freeze begins Friday\n" +
		"just chatting about lunch\n" +
		"TODO: update the changelog\n" +
		"we must tag the release before noon"
	require.True(t, e.UpdateContext("t1", Update{Sender: "A", Content: content}))

	snap, _ := e.Snapshot("t1")
	assert.Equal(t, []string{"Important: freeze begins Friday"}, snap.KeyPoints)
	assert.Equal(t, []string{
		"TODO: update the changelog",
		"we must tag the release before noon",
	}, snap.PendingActions)

	// Repeating the same lines does not duplicate them.
	require.True(t, e.UpdateContext("t1", Update{Sender: "B", Content: content}))
	snap, _ = e.Snapshot("t1")
	assert.Len(t, snap.KeyPoints, 1)
	assert.Len(t, snap.PendingActions, 2)
}

func TestEngine_KeyPointsAreBounded(t *testing.T) {
	e := NewEngine(nil)
	e.InitializeContext("t1", []string{"A"}, "Sync")

	for i := 0; i < 15; i++ {
		require.True(t, e.UpdateContext("t1", Update{
			Sender:  "A",
			Content: fmt.Sprintf("important fact number %d", i),
		}))
	}

	snap, _ := e.Snapshot("t1")
	assert.Len(t, snap.KeyPoints, 10)
	// Newest entries are kept.
	assert.Equal(t, "important fact number 14", snap.KeyPoints[9])
}

func TestEngine_SummaryReflectsActivity(t *testing.T) {
	e := NewEngine(nil)
	e.InitializeContext("t1", []string{"A", "B"}, "deployment rollout")

	require.True(t, e.UpdateContext("t1", Update{Sender: "A", Content: "deployment rollout status update"}))
	require.True(t, e.UpdateContext("t1", Update{Sender: "B", Content: "deployment rollout status approved"}))

	snap, _ := e.Snapshot("t1")
	assert.Contains(t, snap.Summary, "2 messages")
	assert.Contains(t, snap.Summary, "2 participants")
}

func TestEngine_RemoveContext(t *testing.T) {
	e := NewEngine(nil)
	e.InitializeContext("t1", []string{"A"}, "Sync")
	e.RemoveContext("t1")

	_, ok := e.Snapshot("t1")
	assert.False(t, ok)
	assert.False(t, e.UpdateContext("t1", Update{Sender: "A", Content: "hello"}))
}
