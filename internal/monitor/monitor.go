// ABOUTME: Agent liveness and identity monitor, the gatekeeper for message sends
// ABOUTME: Tracks online status, response times, identity consistency, and rejects ghost/self interactions

package monitor

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tandemlab/tandem/internal/auth"
	"github.com/tandemlab/tandem/internal/events"
)

const (
	// responseTimeWindow is how many recent response times feed the
	// rolling average.
	responseTimeWindow = 20
	// defaultSessionTTL is the session token lifetime when none is
	// configured.
	defaultSessionTTL = time.Hour
)

// TokenIssuer mints session tokens for agents coming online.
type TokenIssuer interface {
	Issue(agentID string, ttl time.Duration) (string, error)
}

// AgentStatus is the monitor's live view of one agent. Returned values are
// snapshots; mutating them has no effect on the monitor.
type AgentStatus struct {
	AgentID             string
	Online              bool
	LastSeen            time.Time
	LastActivity        time.Time
	AvgResponseTime     time.Duration
	MessageCount        int
	ErrorCount          int
	SessionToken        string
	SessionExpiry       time.Time
	IdentityHash        string
	RoleConsistency     float64
	ConversationContext string
	ActiveThreads       []string
	LastIdentityCheck   time.Time
}

// StatusUpdate carries a partial update to an agent's status. Nil pointer
// fields are left unchanged.
type StatusUpdate struct {
	Online              *bool
	Role                string
	Capabilities        []string
	Workspace           string
	ConversationContext *string
	ActiveThreads       []string
}

// ValidationResult is the structured outcome of an interaction check.
// Rejections carry a specific, distinguishable reason; callers branch on
// the result rather than on an error.
type ValidationResult struct {
	Valid  bool
	Reason string
}

// SystemHealth is an aggregate read-only view across all tracked agents.
type SystemHealth struct {
	TotalAgents     int
	OnlineAgents    int
	AvgResponseTime time.Duration
	TotalMessages   int
	TotalErrors     int
	ErrorRate       float64
}

type agentRecord struct {
	status            AgentStatus
	identityHistory   []string
	responseTimes     []time.Duration
	selfInteractions  int
	ghostInteractions int
}

// Monitor is the single source of truth for whether an agent is real,
// online, and behaviorally consistent.
type Monitor struct {
	mu         sync.RWMutex
	agents     map[string]*agentRecord
	tokens     TokenIssuer
	verifier   auth.TokenVerifier
	sessionTTL time.Duration
	bus        *events.Bus
	logger     *slog.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithSessionTTL overrides the session token lifetime.
func WithSessionTTL(ttl time.Duration) Option {
	return func(m *Monitor) { m.sessionTTL = ttl }
}

// WithTokenVerifier enables session validation against issued tokens.
func WithTokenVerifier(v auth.TokenVerifier) Option {
	return func(m *Monitor) { m.verifier = v }
}

// New creates a Monitor. The bus and token issuer may be nil, in which case
// no events are emitted and MarkAgentOnline issues no token.
func New(bus *events.Bus, tokens TokenIssuer, logger *slog.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		agents:     make(map[string]*agentRecord),
		tokens:     tokens,
		sessionTTL: defaultSessionTTL,
		bus:        bus,
		logger:     logger.With("component", "monitor"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// UpdateAgentStatus merges a partial update into the agent's status record,
// creating a default record on first contact, and runs identity validation.
// Returns a snapshot of the resulting status.
func (m *Monitor) UpdateAgentStatus(agentID string, upd StatusUpdate) AgentStatus {
	m.mu.Lock()

	rec, ok := m.agents[agentID]
	if !ok {
		rec = &agentRecord{
			status: AgentStatus{
				AgentID:         agentID,
				RoleConsistency: 1.0,
			},
		}
		m.agents[agentID] = rec
		m.logger.Info("agent registered", "agent_id", agentID)
	}

	now := time.Now()
	rec.status.LastSeen = now
	rec.status.LastActivity = now

	if upd.Online != nil {
		rec.status.Online = *upd.Online
	}
	if upd.ConversationContext != nil {
		rec.status.ConversationContext = *upd.ConversationContext
	}
	if upd.ActiveThreads != nil {
		rec.status.ActiveThreads = append([]string(nil), upd.ActiveThreads...)
	}

	hash := identityHash(agentID, upd.Role, upd.Capabilities, upd.Workspace)
	check := checkIdentity(rec.identityHistory, hash)
	rec.identityHistory = pushHistory(rec.identityHistory, hash)
	rec.status.IdentityHash = hash
	rec.status.RoleConsistency = check.Consistency
	rec.status.LastIdentityCheck = now

	snapshot := rec.snapshot()
	m.mu.Unlock()

	if check.DriftDetected {
		m.logger.Warn("identity drift detected",
			"agent_id", agentID,
			"consistency", check.Consistency)
		m.publish(events.TypeIdentityDriftDetected, snapshot)
	}
	m.publish(events.TypeAgentStatusUpdated, snapshot)

	return snapshot
}

// ValidateAgentInteraction gates whether sender may address recipient.
// Self-interactions and ghost agents are rejected with per-agent counters;
// an offline recipient is rejected without a counter increment.
func (m *Monitor) ValidateAgentInteraction(senderID, recipientID string) ValidationResult {
	if senderID == recipientID {
		m.mu.Lock()
		if rec, ok := m.agents[senderID]; ok {
			rec.selfInteractions++
		}
		m.mu.Unlock()

		m.logger.Warn("self-interaction rejected", "agent_id", senderID)
		m.publish(events.TypeSelfInteraction, senderID)
		return ValidationResult{Reason: fmt.Sprintf("self-interaction: agent %s cannot message itself", senderID)}
	}

	m.mu.Lock()
	recipient, exists := m.agents[recipientID]
	var online bool
	if exists {
		online = recipient.status.Online
	} else {
		if sender, ok := m.agents[senderID]; ok {
			sender.ghostInteractions++
		}
	}
	m.mu.Unlock()

	if !exists {
		m.logger.Warn("ghost-agent interaction rejected",
			"sender", senderID,
			"recipient", recipientID)
		m.publish(events.TypeGhostInteraction, map[string]string{
			"sender":    senderID,
			"recipient": recipientID,
		})
		return ValidationResult{Reason: fmt.Sprintf("ghost agent: recipient %s does not exist", recipientID)}
	}

	if !online {
		return ValidationResult{Reason: fmt.Sprintf("recipient %s is offline", recipientID)}
	}

	return ValidationResult{Valid: true}
}

// MarkAgentOnline brings an agent online and assigns a fresh session token.
func (m *Monitor) MarkAgentOnline(agentID string, upd StatusUpdate) (AgentStatus, error) {
	online := true
	upd.Online = &online
	status := m.UpdateAgentStatus(agentID, upd)

	var token string
	var err error
	if m.tokens != nil {
		token, err = m.tokens.Issue(agentID, m.sessionTTL)
		if err != nil {
			return status, fmt.Errorf("issuing session token: %w", err)
		}
	}

	m.mu.Lock()
	rec := m.agents[agentID]
	rec.status.SessionToken = token
	rec.status.SessionExpiry = time.Now().Add(m.sessionTTL)
	status = rec.snapshot()
	m.mu.Unlock()

	return status, nil
}

// ValidateSession reports whether token is the agent's current, unexpired
// session token. Always false when no verifier is configured.
func (m *Monitor) ValidateSession(agentID, token string) bool {
	if m.verifier == nil || token == "" {
		return false
	}
	subject, err := m.verifier.Verify(token)
	if err != nil || subject != agentID {
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.agents[agentID]
	if !ok {
		return false
	}
	return rec.status.SessionToken == token && time.Now().Before(rec.status.SessionExpiry)
}

// MarkAgentOffline takes an agent offline and clears its session.
func (m *Monitor) MarkAgentOffline(agentID string) AgentStatus {
	online := false
	status := m.UpdateAgentStatus(agentID, StatusUpdate{Online: &online})

	m.mu.Lock()
	rec := m.agents[agentID]
	rec.status.SessionToken = ""
	rec.status.SessionExpiry = time.Time{}
	status = rec.snapshot()
	m.mu.Unlock()

	return status
}

// RecordResponseTime folds a delivery response time into the agent's
// rolling average. Unknown agents are ignored.
func (m *Monitor) RecordResponseTime(agentID string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.agents[agentID]
	if !ok {
		return
	}
	rec.responseTimes = append(rec.responseTimes, d)
	if len(rec.responseTimes) > responseTimeWindow {
		rec.responseTimes = rec.responseTimes[len(rec.responseTimes)-responseTimeWindow:]
	}

	var total time.Duration
	for _, rt := range rec.responseTimes {
		total += rt
	}
	rec.status.AvgResponseTime = total / time.Duration(len(rec.responseTimes))
}

// RecordMessage increments the agent's message counter.
func (m *Monitor) RecordMessage(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.agents[agentID]; ok {
		rec.status.MessageCount++
		rec.status.LastActivity = time.Now()
	}
}

// RecordError increments the agent's error counter.
func (m *Monitor) RecordError(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.agents[agentID]; ok {
		rec.status.ErrorCount++
	}
}

// GetStatus returns a snapshot of one agent's status.
func (m *Monitor) GetStatus(agentID string) (AgentStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.agents[agentID]
	if !ok {
		return AgentStatus{}, false
	}
	return rec.snapshot(), true
}

// SelfInteractions returns how many times the agent addressed itself.
func (m *Monitor) SelfInteractions(agentID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.agents[agentID]; ok {
		return rec.selfInteractions
	}
	return 0
}

// GhostInteractions returns how many times the agent addressed an unknown
// recipient.
func (m *Monitor) GhostInteractions(agentID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.agents[agentID]; ok {
		return rec.ghostInteractions
	}
	return 0
}

// GetSystemHealth folds over all agent records. O(n) per call, acceptable
// for expected agent populations.
func (m *Monitor) GetSystemHealth() SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	health := SystemHealth{TotalAgents: len(m.agents)}

	var totalResponse time.Duration
	var withResponse int
	for _, rec := range m.agents {
		if rec.status.Online {
			health.OnlineAgents++
		}
		health.TotalMessages += rec.status.MessageCount
		health.TotalErrors += rec.status.ErrorCount
		if rec.status.AvgResponseTime > 0 {
			totalResponse += rec.status.AvgResponseTime
			withResponse++
		}
	}
	if withResponse > 0 {
		health.AvgResponseTime = totalResponse / time.Duration(withResponse)
	}
	if health.TotalMessages > 0 {
		health.ErrorRate = float64(health.TotalErrors) / float64(health.TotalMessages)
	}
	return health
}

// CleanupExpiredAgents evicts agents whose last sighting predates the
// cutoff, along with their history. Returns the evicted agent IDs.
func (m *Monitor) CleanupExpiredAgents(expiration time.Duration) []string {
	cutoff := time.Now().Add(-expiration)

	m.mu.Lock()
	var expired []string
	for id, rec := range m.agents {
		if rec.status.LastSeen.Before(cutoff) {
			expired = append(expired, id)
			delete(m.agents, id)
		}
	}
	m.mu.Unlock()

	if len(expired) > 0 {
		m.logger.Info("expired inactive agents",
			"count", len(expired),
			"expiration", expiration)
		m.publish(events.TypeAgentsExpired, expired)
	}
	return expired
}

func (m *Monitor) publish(t events.Type, payload any) {
	if m.bus != nil {
		m.bus.Publish(t, payload)
	}
}

// snapshot copies the status so callers never alias internal state.
func (r *agentRecord) snapshot() AgentStatus {
	s := r.status
	s.ActiveThreads = append([]string(nil), r.status.ActiveThreads...)
	return s
}
