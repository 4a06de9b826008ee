// ABOUTME: Tests for the SQLite-backed message log
// ABOUTME: Covers agent upserts, thread CRUD, message persistence, and inbox queries

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// testTime returns a time the RFC3339 round-trip preserves exactly.
func testTime() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

func testThread(id string) *Thread {
	now := testTime()
	return &Thread{
		ID:           id,
		Subject:      "Sync",
		Participants: []string{"A", "B"},
		Priority:     PriorityNormal,
		State:        ThreadActive,
		LastActivity: now,
		CreatedAt:    now,
	}
}

func testMessage(id, threadID string) *Message {
	return &Message{
		ID:        id,
		ThreadID:  threadID,
		Sender:    "A",
		Recipient: "B",
		Subject:   "Sync",
		Content:   "hello",
		Priority:  PriorityNormal,
		State:     DeliverySent,
		CreatedAt: testTime(),
	}
}

func TestSQLiteStore_AgentUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetAgent(ctx, "agent-1")
	assert.ErrorIs(t, err, ErrNotFound)

	first := testTime()
	require.NoError(t, s.UpsertAgentLastSeen(ctx, "agent-1", first))

	agent, err := s.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", agent.AgentID)
	assert.Equal(t, first, agent.LastSeen)
	assert.Equal(t, first, agent.CreatedAt)

	// A later sighting moves last_seen but not created_at.
	later := first.Add(time.Minute)
	require.NoError(t, s.UpsertAgentLastSeen(ctx, "agent-1", later))

	agent, err = s.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, later, agent.LastSeen)
	assert.Equal(t, first, agent.CreatedAt)
}

func TestSQLiteStore_ThreadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	th := testThread("t1")
	require.NoError(t, s.CreateThread(ctx, th))

	got, err := s.GetThread(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, th.Subject, got.Subject)
	assert.Equal(t, th.Participants, got.Participants)
	assert.Equal(t, PriorityNormal, got.Priority)
	assert.Equal(t, ThreadActive, got.State)
	assert.Equal(t, th.LastActivity, got.LastActivity)

	_, err = s.GetThread(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_DuplicateThread(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateThread(ctx, testThread("t1")))
	err := s.CreateThread(ctx, testThread("t1"))
	assert.ErrorIs(t, err, ErrDuplicateThread)
}

func TestSQLiteStore_UpdateThread(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	th := testThread("t1")
	require.NoError(t, s.CreateThread(ctx, th))

	th.Priority = PriorityHigh
	th.State = ThreadArchived
	th.LastActivity = th.LastActivity.Add(time.Hour)
	require.NoError(t, s.UpdateThread(ctx, th))

	got, err := s.GetThread(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, got.Priority)
	assert.Equal(t, ThreadArchived, got.State)
	assert.Equal(t, th.LastActivity, got.LastActivity)

	missing := testThread("missing")
	assert.ErrorIs(t, s.UpdateThread(ctx, missing), ErrNotFound)
}

func TestSQLiteStore_MessageRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateThread(ctx, testThread("t1")))

	msg := testMessage("m1", "t1")
	msg.ReplyTo = "m0"
	require.NoError(t, s.SaveMessage(ctx, msg))

	got, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, msg.Sender, got.Sender)
	assert.Equal(t, msg.Recipient, got.Recipient)
	assert.Equal(t, msg.Content, got.Content)
	assert.Equal(t, DeliverySent, got.State)
	assert.Equal(t, "m0", got.ReplyTo)
	assert.Equal(t, msg.CreatedAt, got.CreatedAt)

	_, err = s.GetMessage(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_EmptyReplyToIsNull(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateThread(ctx, testThread("t1")))
	require.NoError(t, s.SaveMessage(ctx, testMessage("m1", "t1")))

	got, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Empty(t, got.ReplyTo)
}

func TestSQLiteStore_UpdateMessageState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateThread(ctx, testThread("t1")))
	require.NoError(t, s.SaveMessage(ctx, testMessage("m1", "t1")))

	require.NoError(t, s.UpdateMessageState(ctx, "m1", DeliveryDelivered))

	got, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, DeliveryDelivered, got.State)

	assert.ErrorIs(t, s.UpdateMessageState(ctx, "missing", DeliveryRead), ErrNotFound)
}

func TestSQLiteStore_ThreadMessagesChronological(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateThread(ctx, testThread("t1")))

	// Insert out of order; created_at decides the read order.
	base := testTime()
	offsets := map[string]time.Duration{"m1": 0, "m2": time.Second, "m3": 2 * time.Second}
	for _, id := range []string{"m3", "m1", "m2"} {
		msg := testMessage(id, "t1")
		msg.CreatedAt = base.Add(offsets[id])
		require.NoError(t, s.SaveMessage(ctx, msg))
	}

	msgs, err := s.GetThreadMessages(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)
	assert.Equal(t, "m3", msgs[2].ID)

	limited, err := s.GetThreadMessages(ctx, "t1", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestSQLiteStore_ListInboxNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateThread(ctx, testThread("t1")))

	base := testTime()
	older := testMessage("m1", "t1")
	older.CreatedAt = base
	newer := testMessage("m2", "t1")
	newer.CreatedAt = base.Add(time.Second)
	forOther := testMessage("m3", "t1")
	forOther.Recipient = "C"
	forOther.CreatedAt = base.Add(2 * time.Second)

	require.NoError(t, s.SaveMessage(ctx, older))
	require.NoError(t, s.SaveMessage(ctx, newer))
	require.NoError(t, s.SaveMessage(ctx, forOther))

	inbox, err := s.ListInbox(ctx, "B", 0)
	require.NoError(t, err)
	require.Len(t, inbox, 2)
	assert.Equal(t, "m2", inbox[0].ID)
	assert.Equal(t, "m1", inbox[1].ID)
}

func TestPriority_Rank(t *testing.T) {
	assert.Greater(t, PriorityHigh.Rank(), PriorityNormal.Rank())
	assert.Greater(t, PriorityNormal.Rank(), PriorityLow.Rank())
	// Unknown priorities rank as normal.
	assert.Equal(t, PriorityNormal.Rank(), Priority("bogus").Rank())
}

func TestPriority_Valid(t *testing.T) {
	assert.True(t, PriorityHigh.Valid())
	assert.True(t, PriorityNormal.Valid())
	assert.True(t, PriorityLow.Valid())
	assert.False(t, Priority("").Valid())
	assert.False(t, Priority("urgent").Valid())
}
