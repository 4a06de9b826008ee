// ABOUTME: Store interface and shared data types for tandem persistence
// ABOUTME: Defines Priority, DeliveryState, Agent, Thread, Message and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateThread is returned when trying to create a thread that already exists
var ErrDuplicateThread = errors.New("thread already exists")

// Priority orders messages across delivery lanes.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank returns the numeric weight of a priority; higher outranks lower.
// Unknown values rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityLow:
		return 1
	default:
		return 2
	}
}

// Valid reports whether p is one of the three known priorities.
func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityNormal || p == PriorityLow
}

// DeliveryState tracks a message through its delivery lifecycle.
type DeliveryState string

const (
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryRead      DeliveryState = "read"
	DeliveryReplied   DeliveryState = "replied"
)

// ThreadState is the lifecycle state of a conversation thread.
type ThreadState string

const (
	ThreadActive   ThreadState = "active"
	ThreadArchived ThreadState = "archived"
	ThreadClosed   ThreadState = "closed"
)

// Agent is the persisted view of a registered agent.
type Agent struct {
	AgentID   string
	LastSeen  time.Time
	CreatedAt time.Time
}

// Thread is the persisted form of a conversation thread.
type Thread struct {
	ID           string
	Subject      string
	Participants []string
	Priority     Priority
	State        ThreadState
	LastActivity time.Time
	CreatedAt    time.Time
}

// Message is the persisted form of a message in the log.
type Message struct {
	ID        string
	ThreadID  string
	Sender    string
	Recipient string
	Subject   string
	Content   string
	Priority  Priority
	State     DeliveryState
	ReplyTo   string
	CreatedAt time.Time
}

// Store defines the persistence collaborator boundary. The core never
// issues raw queries; it treats this as a key-value/lookup service.
type Store interface {
	// Agents
	GetAgent(ctx context.Context, agentID string) (*Agent, error)
	UpsertAgentLastSeen(ctx context.Context, agentID string, lastSeen time.Time) error

	// Threads
	CreateThread(ctx context.Context, thread *Thread) error
	GetThread(ctx context.Context, id string) (*Thread, error)
	UpdateThread(ctx context.Context, thread *Thread) error

	// Message log
	SaveMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	UpdateMessageState(ctx context.Context, id string, state DeliveryState) error
	GetThreadMessages(ctx context.Context, threadID string, limit int) ([]*Message, error)
	ListInbox(ctx context.Context, agentID string, limit int) ([]*Message, error)

	// Close releases any resources held by the store
	Close() error
}
