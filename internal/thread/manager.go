// ABOUTME: Conversation thread manager owning the thread registry and message attachment
// ABOUTME: Maps (participants, subject) to thread identity and drives context/metric updates

package thread

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tandemlab/tandem/internal/convo"
	"github.com/tandemlab/tandem/internal/store"
)

// Message is a message as stored inside a thread. ContextRelevance and
// TopicAlignment are derived when the message is attached.
type Message struct {
	ID               string
	ThreadID         string
	Sender           string
	Recipient        string
	Subject          string
	Content          string
	Timestamp        time.Time
	State            store.DeliveryState
	Priority         store.Priority
	ReplyTo          string
	ContextRelevance float64
	TopicAlignment   float64
}

// Thread is a snapshot of a conversation thread. Returned copies never
// alias the manager's internal state.
type Thread struct {
	ID              string
	Participants    []string
	Messages        []Message
	Subject         string
	Priority        store.Priority
	State           store.ThreadState
	LastActivity    time.Time
	ContextHash     string
	TopicDriftScore float64
	Engagement      map[string]float64
	CoherenceScore  float64
	Summary         string
	CreatedAt       time.Time
}

// Metrics is the on-demand derived view of a thread's conversation.
type Metrics struct {
	MessageCount     int
	ParticipantCount int
	AvgResponseTime  time.Duration
	Coherence        float64
	TopicDrift       float64
	AvgEngagement    float64
}

type threadRecord struct {
	id              string
	participants    []string // deduplicated, sorted
	messages        []Message
	subject         string
	priority        store.Priority
	state           store.ThreadState
	lastActivity    time.Time
	topicDriftScore float64
	engagement      map[string]float64
	coherenceScore  float64
	createdAt       time.Time
}

// Manager owns the thread registry, thread lookup/creation, and
// message-to-thread attachment.
type Manager struct {
	mu      sync.RWMutex
	threads map[string]*threadRecord
	byAgent map[string]map[string]struct{} // agent -> thread ids
	engine  *convo.Engine
	logger  *slog.Logger
}

// NewManager creates a thread manager backed by the given context engine.
func NewManager(engine *convo.Engine, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		threads: make(map[string]*threadRecord),
		byAgent: make(map[string]map[string]struct{}),
		engine:  engine,
		logger:  logger.With("component", "thread"),
	}
}

// FindOrCreateThread returns the ID of an existing active thread whose
// participant set is set-equal to the input and whose subject matches under
// the reply-aware rule, creating a new thread when none matches. The second
// return reports whether a thread was created. Lookup and creation share
// one critical section so concurrent first sends converge on one thread.
func (m *Manager) FindOrCreateThread(participants []string, subject string, priority store.Priority) (string, bool) {
	normalized := normalizeParticipants(participants)
	if !priority.Valid() {
		priority = store.PriorityNormal
	}

	m.mu.Lock()
	for id, rec := range m.threads {
		if rec.state != store.ThreadActive {
			continue
		}
		if participantsEqual(rec.participants, normalized) && subjectsMatch(rec.subject, subject) {
			m.mu.Unlock()
			return id, false
		}
	}
	id := m.createLocked(normalized, subject, priority)
	m.mu.Unlock()

	m.finishCreate(id, normalized, subject)
	return id, true
}

// CreateThread allocates a new thread, initializes its conversation
// context, and registers it against every participant for reverse lookup.
func (m *Manager) CreateThread(participants []string, subject string, priority store.Priority) string {
	normalized := normalizeParticipants(participants)
	if !priority.Valid() {
		priority = store.PriorityNormal
	}

	m.mu.Lock()
	id := m.createLocked(normalized, subject, priority)
	m.mu.Unlock()

	m.finishCreate(id, normalized, subject)
	return id
}

// createLocked allocates and registers a thread record. Caller holds mu and
// calls finishCreate after releasing it.
func (m *Manager) createLocked(normalized []string, subject string, priority store.Priority) string {
	id := uuid.New().String()
	now := time.Now()
	m.threads[id] = &threadRecord{
		id:              id,
		participants:    normalized,
		subject:         subject,
		priority:        priority,
		state:           store.ThreadActive,
		lastActivity:    now,
		topicDriftScore: 1.0,
		coherenceScore:  1.0,
		engagement:      make(map[string]float64, len(normalized)),
		createdAt:       now,
	}
	for _, p := range normalized {
		if _, ok := m.byAgent[p]; !ok {
			m.byAgent[p] = make(map[string]struct{})
		}
		m.byAgent[p][id] = struct{}{}
	}
	return id
}

func (m *Manager) finishCreate(id string, normalized []string, subject string) {
	m.engine.InitializeContext(id, normalized, subject)
	m.logger.Info("thread created",
		"thread_id", id,
		"subject", subject,
		"participants", normalized)
}

// AddMessageToThread attaches a message to its thread, updating activity,
// priority, context, and thread-level scores. Returns false without
// mutation when the thread does not exist or the sender is not a declared
// participant.
func (m *Manager) AddMessageToThread(threadID string, msg Message) bool {
	m.mu.Lock()
	rec, ok := m.threads[threadID]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("message for unknown thread", "thread_id", threadID)
		return false
	}
	if !contains(rec.participants, msg.Sender) {
		m.mu.Unlock()
		m.logger.Warn("sender not a thread participant",
			"thread_id", threadID,
			"sender", msg.Sender)
		return false
	}
	m.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.State == "" {
		msg.State = store.DeliverySent
	}
	msg.ThreadID = threadID

	// Derive relevance/alignment against the context as it stood before
	// this message.
	if snap, ok := m.engine.Snapshot(threadID); ok {
		msg.ContextRelevance = convo.Similarity(msg.Content, snap.Summary)
		msg.TopicAlignment = convo.Similarity(convo.ExtractTopic(msg.Content), snap.CurrentTopic)
	}

	m.engine.UpdateContext(threadID, convo.Update{
		MessageID: msg.ID,
		Sender:    msg.Sender,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
	})

	coherence := m.engine.Coherence(threadID)
	drift := m.engine.TopicDrift(threadID)
	engagement := m.engine.EngagementLevels(threadID)

	m.mu.Lock()
	// Re-check existence: the thread may have been evicted while the
	// context update ran.
	rec, ok = m.threads[threadID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	rec.messages = append(rec.messages, msg)
	rec.lastActivity = msg.Timestamp
	if msg.Priority.Valid() && msg.Priority.Rank() > rec.priority.Rank() {
		rec.priority = msg.Priority
	}
	rec.coherenceScore = coherence
	rec.topicDriftScore = drift
	rec.engagement = engagement
	m.mu.Unlock()

	m.logger.Debug("message attached",
		"thread_id", threadID,
		"message_id", msg.ID,
		"sender", msg.Sender)
	return true
}

// ArchiveThread transitions an active thread to archived. Idempotent:
// archiving an archived thread reports success.
func (m *Manager) ArchiveThread(threadID string) bool {
	return m.setState(threadID, store.ThreadArchived)
}

// CloseThread transitions an active thread to closed. Idempotent.
func (m *Manager) CloseThread(threadID string) bool {
	return m.setState(threadID, store.ThreadClosed)
}

func (m *Manager) setState(threadID string, target store.ThreadState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.threads[threadID]
	if !ok {
		return false
	}
	if rec.state == target {
		return true
	}
	if rec.state != store.ThreadActive {
		return false
	}
	rec.state = target
	return true
}

// CleanupOldThreads evicts non-active threads whose last activity is older
// than maxAge, removing them from the registry, the reverse index, and the
// context engine. Active threads are never evicted by age alone. Returns
// the evicted thread IDs.
func (m *Manager) CleanupOldThreads(maxAge time.Duration) []string {
	cutoff := time.Now().Add(-maxAge)

	m.mu.Lock()
	var evicted []string
	for id, rec := range m.threads {
		if rec.state == store.ThreadActive {
			continue
		}
		if rec.lastActivity.After(cutoff) {
			continue
		}
		for _, p := range rec.participants {
			delete(m.byAgent[p], id)
			if len(m.byAgent[p]) == 0 {
				delete(m.byAgent, p)
			}
		}
		delete(m.threads, id)
		evicted = append(evicted, id)
	}
	m.mu.Unlock()

	for _, id := range evicted {
		m.engine.RemoveContext(id)
	}
	if len(evicted) > 0 {
		m.logger.Info("evicted old threads", "count", len(evicted))
	}
	return evicted
}

// GetThread returns a snapshot of a thread.
func (m *Manager) GetThread(threadID string) (Thread, bool) {
	summary := ""
	contextHash := ""
	if snap, ok := m.engine.Snapshot(threadID); ok {
		summary = snap.Summary
		contextHash = snap.ContextHash
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.threads[threadID]
	if !ok {
		return Thread{}, false
	}

	engagement := make(map[string]float64, len(rec.engagement))
	for p, lvl := range rec.engagement {
		engagement[p] = lvl
	}
	return Thread{
		ID:              rec.id,
		Participants:    append([]string(nil), rec.participants...),
		Messages:        append([]Message(nil), rec.messages...),
		Subject:         rec.subject,
		Priority:        rec.priority,
		State:           rec.state,
		LastActivity:    rec.lastActivity,
		ContextHash:     contextHash,
		TopicDriftScore: rec.topicDriftScore,
		Engagement:      engagement,
		CoherenceScore:  rec.coherenceScore,
		Summary:         summary,
		CreatedAt:       rec.createdAt,
	}, true
}

// ThreadsForAgent returns the IDs of threads the agent participates in.
func (m *Manager) ThreadsForAgent(agentID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.byAgent[agentID]))
	for id := range m.byAgent[agentID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetConversationMetrics derives the thread's metrics on demand; read-only,
// never cached.
func (m *Manager) GetConversationMetrics(threadID string) (Metrics, bool) {
	m.mu.RLock()
	rec, ok := m.threads[threadID]
	if !ok {
		m.mu.RUnlock()
		return Metrics{}, false
	}

	metrics := Metrics{
		MessageCount:     len(rec.messages),
		ParticipantCount: len(rec.participants),
		Coherence:        rec.coherenceScore,
		TopicDrift:       rec.topicDriftScore,
	}

	if len(rec.messages) > 1 {
		var total time.Duration
		for i := 1; i < len(rec.messages); i++ {
			total += rec.messages[i].Timestamp.Sub(rec.messages[i-1].Timestamp)
		}
		metrics.AvgResponseTime = total / time.Duration(len(rec.messages)-1)
	}

	if len(rec.engagement) > 0 {
		var sum float64
		for _, lvl := range rec.engagement {
			sum += lvl
		}
		metrics.AvgEngagement = sum / float64(len(rec.engagement))
	}
	m.mu.RUnlock()

	return metrics, true
}

// normalizeParticipants deduplicates and sorts a participant list so
// set-equality reduces to slice equality.
func normalizeParticipants(participants []string) []string {
	seen := make(map[string]struct{}, len(participants))
	out := make([]string, 0, len(participants))
	for _, p := range participants {
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func participantsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
