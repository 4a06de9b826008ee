// ABOUTME: Conversation context engine tracking topic history, summaries, and engagement
// ABOUTME: Maintains per-thread working memory used for scoring, never to gate delivery

package convo

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// maxTopicHistory bounds the per-thread topic trail.
	maxTopicHistory = 10
	// maxKeyPoints bounds the extracted key-point list.
	maxKeyPoints = 10
	// maxPendingActions bounds the extracted action-item list.
	maxPendingActions = 10
	// topicShiftThreshold: a new topic entry is recorded only when its
	// similarity to the previous entry falls below this value.
	topicShiftThreshold = 0.7
	// engagementStep is added to a participant's engagement per message.
	engagementStep = 0.1
	// awarenessWindow is how recently a participant must have been active
	// to count as fully context-aware.
	awarenessWindow = 5 * time.Minute
)

// emphasisWords mark lines worth keeping as key points.
var emphasisWords = []string{"important", "key", "note", "critical", "remember"}

// actionWords mark lines worth keeping as pending actions.
var actionWords = []string{"todo", "action", "must", "need to"}

// ParticipantState is the engagement record for one (thread, agent) pair.
type ParticipantState struct {
	LastMessageID    string
	EngagementLevel  float64
	ContextAwareness float64
	LastActivity     time.Time
}

// Context is a read-only snapshot of a thread's working memory.
type Context struct {
	ThreadID       string
	CurrentTopic   string
	Participants   []string
	Summary        string
	KeyPoints      []string
	PendingActions []string
	ContextHash    string
	LastUpdated    time.Time
	TopicHistory   []string
}

// Update carries the message fields the engine needs.
type Update struct {
	MessageID string
	Sender    string
	Content   string
	Timestamp time.Time
}

type threadContext struct {
	threadID       string
	currentTopic   string
	participants   []string
	summary        string
	keyPoints      []string
	pendingActions []string
	contextHash    string
	lastUpdated    time.Time
	topicHistory   []string
	states         map[string]*ParticipantState
	messageCount   int
}

// Engine maintains conversation context for active threads. One context
// exists per active thread; the thread manager creates and destroys them
// together with the thread itself.
type Engine struct {
	mu       sync.RWMutex
	contexts map[string]*threadContext
	logger   *slog.Logger
}

// NewEngine creates a context engine. Pass nil logger for default.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		contexts: make(map[string]*threadContext),
		logger:   logger.With("component", "convo"),
	}
}

// InitializeContext seeds the working memory for a new thread: topic and
// topic history start from the subject, and the context hash covers the
// subject plus the sorted participant set.
func (e *Engine) InitializeContext(threadID string, participants []string, subject string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	states := make(map[string]*ParticipantState, len(participants))
	for _, p := range participants {
		states[p] = &ParticipantState{
			EngagementLevel:  0,
			ContextAwareness: 1.0,
		}
	}

	e.contexts[threadID] = &threadContext{
		threadID:     threadID,
		currentTopic: subject,
		participants: append([]string(nil), participants...),
		contextHash:  contextHash(subject, participants),
		lastUpdated:  time.Now(),
		topicHistory: []string{subject},
		states:       states,
	}

	e.logger.Debug("context initialized",
		"thread_id", threadID,
		"participants", len(participants))
}

// RemoveContext tears down the working memory for a thread.
func (e *Engine) RemoveContext(threadID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.contexts, threadID)
}

// UpdateContext folds a message into the thread's working memory. Returns
// false when no context exists for the thread.
func (e *Engine) UpdateContext(threadID string, msg Update) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	tc, ok := e.contexts[threadID]
	if !ok {
		return false
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	// Topic trail: only record a genuine shift, not every rewording.
	topic := ExtractTopic(msg.Content)
	if topic != "" {
		prev := tc.topicHistory[len(tc.topicHistory)-1]
		if Similarity(topic, prev) < topicShiftThreshold {
			tc.topicHistory = append(tc.topicHistory, topic)
			if len(tc.topicHistory) > maxTopicHistory {
				tc.topicHistory = tc.topicHistory[len(tc.topicHistory)-maxTopicHistory:]
			}
		}
		tc.currentTopic = topic
	}

	tc.keyPoints = mergeLines(tc.keyPoints, msg.Content, emphasisWords, maxKeyPoints)
	tc.pendingActions = mergeLines(tc.pendingActions, msg.Content, actionWords, maxPendingActions)

	state, ok := tc.states[msg.Sender]
	if !ok {
		state = &ParticipantState{ContextAwareness: 1.0}
		tc.states[msg.Sender] = state
	}
	state.LastMessageID = msg.MessageID
	state.EngagementLevel = min(state.EngagementLevel+engagementStep, 1.0)
	if ts.Sub(state.LastActivity) <= awarenessWindow {
		state.ContextAwareness = 1.0
	} else {
		state.ContextAwareness = 0.8
	}
	state.LastActivity = ts

	tc.messageCount++
	tc.lastUpdated = ts
	tc.summary = fmt.Sprintf("%d messages between %d participants; currently discussing: %s",
		tc.messageCount, len(tc.participants), tc.currentTopic)

	return true
}

// Coherence returns the average pairwise similarity across consecutive
// topic-history entries, or exactly 1.0 when fewer than two entries exist.
func (e *Engine) Coherence(threadID string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	tc, ok := e.contexts[threadID]
	if !ok || len(tc.topicHistory) < 2 {
		return 1.0
	}

	var sum float64
	for i := 1; i < len(tc.topicHistory); i++ {
		sum += Similarity(tc.topicHistory[i-1], tc.topicHistory[i])
	}
	return sum / float64(len(tc.topicHistory)-1)
}

// TopicDrift scores how far the latest topic has moved from its
// predecessor: 1.0 means no drift, values toward 0 mean a hard shift.
func (e *Engine) TopicDrift(threadID string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	tc, ok := e.contexts[threadID]
	if !ok || len(tc.topicHistory) < 2 {
		return 1.0
	}
	last := len(tc.topicHistory) - 1
	return Similarity(tc.topicHistory[last-1], tc.topicHistory[last])
}

// EngagementLevels returns a copy of the per-participant engagement map.
func (e *Engine) EngagementLevels(threadID string) map[string]float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	tc, ok := e.contexts[threadID]
	if !ok {
		return nil
	}
	levels := make(map[string]float64, len(tc.states))
	for p, s := range tc.states {
		levels[p] = s.EngagementLevel
	}
	return levels
}

// ParticipantStateFor returns a copy of one participant's state.
func (e *Engine) ParticipantStateFor(threadID, participant string) (ParticipantState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	tc, ok := e.contexts[threadID]
	if !ok {
		return ParticipantState{}, false
	}
	s, ok := tc.states[participant]
	if !ok {
		return ParticipantState{}, false
	}
	return *s, true
}

// Snapshot returns a read-only copy of the thread's context.
func (e *Engine) Snapshot(threadID string) (Context, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	tc, ok := e.contexts[threadID]
	if !ok {
		return Context{}, false
	}
	return Context{
		ThreadID:       tc.threadID,
		CurrentTopic:   tc.currentTopic,
		Participants:   append([]string(nil), tc.participants...),
		Summary:        tc.summary,
		KeyPoints:      append([]string(nil), tc.keyPoints...),
		PendingActions: append([]string(nil), tc.pendingActions...),
		ContextHash:    tc.contextHash,
		LastUpdated:    tc.lastUpdated,
		TopicHistory:   append([]string(nil), tc.topicHistory...),
	}, true
}

// mergeLines appends lines from content containing any of the markers,
// deduplicated, keeping the newest entries up to limit.
func mergeLines(existing []string, content string, markers []string, limit int) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, l := range existing {
		seen[l] = struct{}{}
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		lower := strings.ToLower(trimmed)
		for _, m := range markers {
			if strings.Contains(lower, m) {
				if _, dup := seen[trimmed]; !dup {
					existing = append(existing, trimmed)
					seen[trimmed] = struct{}{}
				}
				break
			}
		}
	}

	if len(existing) > limit {
		existing = existing[len(existing)-limit:]
	}
	return existing
}

func contextHash(subject string, participants []string) string {
	sorted := append([]string(nil), participants...)
	sort.Strings(sorted)
	h := sha256.Sum256([]byte(subject + "|" + strings.Join(sorted, ",")))
	return hex.EncodeToString(h[:8])
}
