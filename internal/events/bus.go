// ABOUTME: In-memory fan-out bus for delivery, thread, and agent lifecycle events
// ABOUTME: Subscribers register per event type (or wildcard) and receive snapshots in emission order

package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Type identifies the kind of event carried on the bus.
type Type string

const (
	TypeMessageEnqueued        Type = "messageEnqueued"
	TypeDeliveryAttempt        Type = "deliveryAttempt"
	TypeMessageDelivered       Type = "messageDelivered"
	TypeMessageRetry           Type = "messageRetry"
	TypeMessageFailed          Type = "messageFailed"
	TypeMessageError           Type = "messageError"
	TypeQueueCleared           Type = "queueCleared"
	TypeAgentStatusUpdated     Type = "agentStatusUpdated"
	TypeIdentityDriftDetected  Type = "identityDriftDetected"
	TypeGhostInteraction       Type = "ghostInteractionDetected"
	TypeSelfInteraction        Type = "selfInteractionDetected"
	TypeAgentsExpired          Type = "agentsExpired"

	// TypeAll subscribes to every event type.
	TypeAll Type = "*"
)

// Event is a single notification. Payload is a snapshot of the relevant
// entity at emission time; consumers must not mutate it.
type Event struct {
	ID        string
	Type      Type
	Timestamp time.Time
	Payload   any
}

type subscription struct {
	types []Type
	ch    chan Event
}

// Bus provides in-memory pub/sub for component events. Publishing is
// non-blocking: events are dropped for subscribers whose channels are full.
// Within a single publishing component, events arrive in emission order.
type Bus struct {
	mu     sync.RWMutex
	byType map[Type]map[string]chan Event // type -> subID -> ch
	subs   map[string]*subscription
	logger *slog.Logger
}

// NewBus creates a bus. Pass nil logger for default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		byType: make(map[Type]map[string]chan Event),
		subs:   make(map[string]*subscription),
		logger: logger.With("component", "events"),
	}
}

// Subscribe registers a subscriber for the given event types (TypeAll for
// everything). Returns a channel that receives events and a subscription ID.
// The subscription is automatically cleaned up when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, types ...Type) (<-chan Event, string) {
	if len(types) == 0 {
		types = []Type{TypeAll}
	}

	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	b.subs[subID] = &subscription{types: types, ch: ch}
	for _, t := range types {
		if _, ok := b.byType[t]; !ok {
			b.byType[t] = make(map[string]chan Event)
		}
		b.byType[t][subID] = ch
	}
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID, "types", types)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish stamps and delivers an event to all matching subscribers.
// Non-blocking: slow subscribers drop events rather than stall the publisher.
func (b *Bus) Publish(t Type, payload any) {
	event := Event{
		ID:        uuid.New().String(),
		Type:      t,
		Timestamp: time.Now(),
		Payload:   payload,
	}

	// Sends run under the read lock: Unsubscribe and Close take the write
	// lock before closing channels, so no send can race a close. Sends
	// never block, so the lock is held only briefly.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.byType[t] {
		b.send(ch, event)
	}
	for subID, ch := range b.byType[TypeAll] {
		// A wildcard subscriber that also named this type explicitly
		// still receives the event exactly once.
		if _, dup := b.byType[t][subID]; !dup {
			b.send(ch, event)
		}
	}
}

func (b *Bus) send(ch chan Event, event Event) {
	select {
	case ch <- event:
	default:
		b.logger.Debug("dropped event for slow subscriber",
			"type", event.Type,
			"event_id", event.ID)
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[subID]
	if !ok {
		return
	}

	for _, t := range sub.types {
		delete(b.byType[t], subID)
		if len(b.byType[t]) == 0 {
			delete(b.byType, t)
		}
	}
	delete(b.subs, subID)
	close(sub.ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close shuts down the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subID, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, subID)
	}
	b.byType = make(map[Type]map[string]chan Event)

	b.logger.Debug("bus closed")
}
