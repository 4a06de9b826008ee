// ABOUTME: Orchestrating send path: validation, thread attachment, persistence, enqueue
// ABOUTME: All sends flow through here - the message log is the source of truth, not a side effect

package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tandemlab/tandem/internal/dedupe"
	"github.com/tandemlab/tandem/internal/monitor"
	"github.com/tandemlab/tandem/internal/queue"
	"github.com/tandemlab/tandem/internal/store"
	"github.com/tandemlab/tandem/internal/thread"
)

// MessageStore defines what the service needs from storage
type MessageStore interface {
	UpsertAgentLastSeen(ctx context.Context, agentID string, lastSeen time.Time) error
	CreateThread(ctx context.Context, thread *store.Thread) error
	UpdateThread(ctx context.Context, thread *store.Thread) error
	SaveMessage(ctx context.Context, msg *store.Message) error
	GetMessage(ctx context.Context, id string) (*store.Message, error)
	UpdateMessageState(ctx context.Context, id string, state store.DeliveryState) error
	GetThreadMessages(ctx context.Context, threadID string, limit int) ([]*store.Message, error)
	ListInbox(ctx context.Context, agentID string, limit int) ([]*store.Message, error)
}

// SendRequest contains everything needed to send a message. SessionToken is
// optional; when present it must be the sender's current session.
type SendRequest struct {
	Sender       string
	Recipient    string
	Subject      string
	Content      string
	Priority     store.Priority
	ReplyTo      string
	SessionToken string
	Metadata     map[string]string
}

// SendResult reports the outcome of a send. Validation rejections set
// Accepted=false with a specific reason; they are not errors.
type SendResult struct {
	Accepted  bool
	Reason    string
	ThreadID  string
	MessageID string
}

// Service is the orchestrating send layer. The interaction gate runs
// first, the message is recorded before it is enqueued, and only then does
// the delivery queue take over.
type Service struct {
	store   MessageStore
	monitor *monitor.Monitor
	threads *thread.Manager
	dedupe  *dedupe.Cache
	queue   *queue.Queue
	logger  *slog.Logger
}

// New creates the mailbox service. Attach the delivery queue with SetQueue
// once it has been constructed around this service's Deliver callback.
func New(st MessageStore, mon *monitor.Monitor, threads *thread.Manager, dd *dedupe.Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   st,
		monitor: mon,
		threads: threads,
		dedupe:  dd,
		logger:  logger.With("component", "mailbox"),
	}
}

// SetQueue attaches the delivery queue. Must be called before Send.
func (s *Service) SetQueue(q *queue.Queue) {
	s.queue = q
}

// Send validates the interaction, attaches the message to its thread,
// records it, and enqueues it for delivery.
//
// Key principle: record first, then act. The message is saved to the store
// BEFORE being handed to the queue, so a record exists even if delivery
// never succeeds.
func (s *Service) Send(ctx context.Context, req *SendRequest) (*SendResult, error) {
	if s.queue == nil {
		return nil, fmt.Errorf("delivery queue not attached")
	}
	if req.Sender == "" || req.Recipient == "" {
		return nil, fmt.Errorf("sender and recipient are required")
	}
	if req.Content == "" {
		return nil, fmt.Errorf("content is required")
	}

	// 1. When the sender presents a session token it must be their
	// current one; a bad token is rejected before anything is recorded.
	if req.SessionToken != "" && !s.monitor.ValidateSession(req.Sender, req.SessionToken) {
		return &SendResult{Reason: "invalid session token"}, nil
	}

	// 2. Suppress exact duplicates inside the dedupe window
	if s.dedupe != nil && s.dedupe.CheckAndMark(dedupe.KeyFor(req.Sender, req.Recipient, req.Content)) {
		s.logger.Debug("duplicate send suppressed",
			"sender", req.Sender,
			"recipient", req.Recipient)
		return &SendResult{Reason: "duplicate message suppressed"}, nil
	}

	// 3. Interaction gate: self-interaction, ghost agent, offline recipient
	if v := s.monitor.ValidateAgentInteraction(req.Sender, req.Recipient); !v.Valid {
		return &SendResult{Reason: v.Reason}, nil
	}

	// 4. Resolve or create the thread and attach the message. A freshly
	// created thread is persisted before any message references it.
	threadID, created := s.threads.FindOrCreateThread(
		[]string{req.Sender, req.Recipient}, req.Subject, req.Priority)
	if created {
		if err := s.persistThread(ctx, threadID); err != nil {
			return nil, fmt.Errorf("failed to record thread: %w", err)
		}
	}

	messageID := uuid.New().String()
	now := time.Now()

	if !s.threads.AddMessageToThread(threadID, thread.Message{
		ID:        messageID,
		Sender:    req.Sender,
		Recipient: req.Recipient,
		Subject:   req.Subject,
		Content:   req.Content,
		Timestamp: now,
		Priority:  req.Priority,
		ReplyTo:   req.ReplyTo,
	}) {
		return &SendResult{Reason: "sender is not a thread participant", ThreadID: threadID}, nil
	}

	// 5. Record the message before enqueueing
	if err := s.store.SaveMessage(ctx, &store.Message{
		ID:        messageID,
		ThreadID:  threadID,
		Sender:    req.Sender,
		Recipient: req.Recipient,
		Subject:   req.Subject,
		Content:   req.Content,
		Priority:  req.Priority,
		State:     store.DeliverySent,
		ReplyTo:   req.ReplyTo,
		CreatedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("failed to record message: %w", err)
	}
	if err := s.store.UpsertAgentLastSeen(ctx, req.Sender, now); err != nil {
		// Observability failure must never abort a send.
		s.logger.Error("failed to update sender last seen",
			"error", err,
			"agent_id", req.Sender)
	}

	// The thread row tracks the in-memory registry (escalated priority,
	// last activity); a stale row must not abort the send.
	if err := s.syncThread(ctx, threadID); err != nil {
		s.logger.Error("failed to update thread record",
			"error", err,
			"thread_id", threadID)
	}

	// 6. Enqueue for delivery
	if _, err := s.queue.Enqueue(&queue.Message{
		ID:         messageID,
		Sender:     req.Sender,
		Recipient:  req.Recipient,
		Subject:    req.Subject,
		ContentRef: messageID,
		Priority:   req.Priority,
		Metadata:   req.Metadata,
	}); err != nil {
		if err == queue.ErrQueueFull {
			return &SendResult{
				Reason:    "delivery queue full, try again later",
				ThreadID:  threadID,
				MessageID: messageID,
			}, nil
		}
		return nil, fmt.Errorf("enqueue failed: %w", err)
	}

	s.monitor.RecordMessage(req.Sender)

	s.logger.Debug("message accepted",
		"message_id", messageID,
		"thread_id", threadID,
		"sender", req.Sender,
		"recipient", req.Recipient)

	return &SendResult{
		Accepted:  true,
		ThreadID:  threadID,
		MessageID: messageID,
	}, nil
}

// persistThread writes the freshly created thread to the store. A
// concurrent send may have recorded it first; that is not an error.
func (s *Service) persistThread(ctx context.Context, threadID string) error {
	row, ok := s.threadRow(threadID)
	if !ok {
		return fmt.Errorf("thread %s missing from registry", threadID)
	}
	if err := s.store.CreateThread(ctx, row); err != nil && !errors.Is(err, store.ErrDuplicateThread) {
		return err
	}
	return nil
}

// syncThread brings the persisted thread row up to date with the registry.
func (s *Service) syncThread(ctx context.Context, threadID string) error {
	row, ok := s.threadRow(threadID)
	if !ok {
		return fmt.Errorf("thread %s missing from registry", threadID)
	}
	return s.store.UpdateThread(ctx, row)
}

func (s *Service) threadRow(threadID string) (*store.Thread, bool) {
	snap, ok := s.threads.GetThread(threadID)
	if !ok {
		return nil, false
	}
	return &store.Thread{
		ID:           snap.ID,
		Subject:      snap.Subject,
		Participants: snap.Participants,
		Priority:     snap.Priority,
		State:        snap.State,
		LastActivity: snap.LastActivity,
		CreatedAt:    snap.CreatedAt,
	}, true
}

// Deliver is the queue's delivery callback: it marks the persisted message
// delivered and credits the recipient. Wire it into queue.New.
func (s *Service) Deliver(ctx context.Context, msg *queue.Message) error {
	if err := s.store.UpdateMessageState(ctx, msg.ContentRef, store.DeliveryDelivered); err != nil {
		return fmt.Errorf("marking message delivered: %w", err)
	}
	s.monitor.RecordMessage(msg.Recipient)
	return nil
}

// History returns a thread's messages in chronological order.
func (s *Service) History(ctx context.Context, threadID string, limit int) ([]*store.Message, error) {
	return s.store.GetThreadMessages(ctx, threadID, limit)
}

// Inbox returns the most recent messages addressed to an agent.
func (s *Service) Inbox(ctx context.Context, agentID string, limit int) ([]*store.Message, error) {
	return s.store.ListInbox(ctx, agentID, limit)
}

// GetMessage returns a single persisted message.
func (s *Service) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	return s.store.GetMessage(ctx, id)
}
