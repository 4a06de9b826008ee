// ABOUTME: Priority message delivery queue with strict lanes, bounded concurrency, and retries
// ABOUTME: Drives messages through enqueued -> in-flight -> delivered/timed-out/failed transitions

package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/tandemlab/tandem/internal/events"
	"github.com/tandemlab/tandem/internal/store"
)

// ErrQueueFull is returned when a lane has reached its configured depth.
var ErrQueueFull = errors.New("queue full")

// ErrNilDeliver is returned when the queue is constructed without a
// delivery callback.
var ErrNilDeliver = errors.New("delivery callback is required")

// DeliverFunc is the injected delivery callback. Its latency and failure
// behavior drive the retry/timeout logic; the queue is agnostic to what
// delivery means downstream.
type DeliverFunc func(ctx context.Context, msg *Message) error

// Message is a unit of delivery work.
type Message struct {
	ID         string
	Sender     string
	Recipient  string
	Subject    string
	ContentRef string
	Priority   store.Priority
	EnqueuedAt time.Time
	RetryCount int
	MaxRetries int
	Metadata   map[string]string
}

// Config holds the queue's tunables. Zero values fall back to defaults.
type Config struct {
	Concurrency    int64         // in-flight ceiling, default 5
	MaxRetries     int           // default 3
	BaseRetryDelay time.Duration // exponential base for timeout retries, default 2s
	RetryDelay     time.Duration // flat delay for error retries, default 1s
	HighTimeout    time.Duration // default 5s
	NormalTimeout  time.Duration // default 10s
	LowTimeout     time.Duration // default 30s
	MaxLaneDepth   int           // per-lane backpressure limit, default 1000
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = 2 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.HighTimeout <= 0 {
		c.HighTimeout = 5 * time.Second
	}
	if c.NormalTimeout <= 0 {
		c.NormalTimeout = 10 * time.Second
	}
	if c.LowTimeout <= 0 {
		c.LowTimeout = 30 * time.Second
	}
	if c.MaxLaneDepth <= 0 {
		c.MaxLaneDepth = 1000
	}
	return c
}

// Stats reports per-lane depth and in-flight count. Side-effect-free.
type Stats struct {
	High     int
	Normal   int
	Low      int
	InFlight int
}

// AttemptEvent is published before each delivery attempt.
type AttemptEvent struct {
	Message Message
	Attempt int
}

// DeliveredEvent is published on successful delivery.
type DeliveredEvent struct {
	Message Message
	Elapsed time.Duration
}

// RetryEvent is published when a message is scheduled for re-delivery.
type RetryEvent struct {
	Message Message
	Delay   time.Duration
	Reason  string
}

// FailedEvent is published when retries are exhausted.
type FailedEvent struct {
	Message Message
	Reason  string
}

// ErrorEvent is published when the delivery callback returns an error.
type ErrorEvent struct {
	Message Message
	Err     string
}

// Queue accepts messages for delivery and guarantees priority-ordered,
// bounded-concurrency, retried delivery attempts. Within a lane messages
// are FIFO; across lanes priority is strict, so a continuous stream of
// high-priority traffic can starve lower lanes.
type Queue struct {
	mu       sync.Mutex
	lanes    map[store.Priority][]*Message
	inFlight map[string]*Message
	sem      *semaphore.Weighted
	cfg      Config
	deliver  DeliverFunc
	bus      *events.Bus
	logger   *slog.Logger
}

// New creates a delivery queue. The bus may be nil.
func New(cfg Config, deliver DeliverFunc, bus *events.Bus, logger *slog.Logger) (*Queue, error) {
	if deliver == nil {
		return nil, ErrNilDeliver
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Queue{
		lanes: map[store.Priority][]*Message{
			store.PriorityHigh:   nil,
			store.PriorityNormal: nil,
			store.PriorityLow:    nil,
		},
		inFlight: make(map[string]*Message),
		sem:      semaphore.NewWeighted(cfg.Concurrency),
		cfg:      cfg,
		deliver:  deliver,
		bus:      bus,
		logger:   logger.With("component", "queue"),
	}, nil
}

// Enqueue places a message into the lane selected by its priority and
// returns the generated message ID immediately. Returns ErrQueueFull when
// the lane is at its configured depth.
func (q *Queue) Enqueue(msg *Message) (string, error) {
	if !msg.Priority.Valid() {
		msg.Priority = store.PriorityNormal
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.MaxRetries <= 0 {
		msg.MaxRetries = q.cfg.MaxRetries
	}
	msg.EnqueuedAt = time.Now()

	q.mu.Lock()
	if len(q.lanes[msg.Priority]) >= q.cfg.MaxLaneDepth {
		q.mu.Unlock()
		return "", ErrQueueFull
	}
	q.lanes[msg.Priority] = append(q.lanes[msg.Priority], msg)
	q.mu.Unlock()

	q.logger.Debug("message enqueued",
		"message_id", msg.ID,
		"priority", msg.Priority,
		"recipient", msg.Recipient)
	q.publish(events.TypeMessageEnqueued, *msg)

	go q.drain()
	return msg.ID, nil
}

// drain starts delivery attempts while in-flight capacity remains and
// messages are pending, always pulling from the highest lane first.
func (q *Queue) drain() {
	for q.sem.TryAcquire(1) {
		msg := q.popNext()
		if msg == nil {
			q.sem.Release(1)
			// An Enqueue may have appended after popNext saw empty lanes
			// and lost its own TryAcquire to the permit held here. Stop
			// only once the lanes are confirmed empty after the release.
			if !q.pending() {
				return
			}
			continue
		}
		go q.attempt(msg)
	}
}

func (q *Queue) pending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, lane := range q.lanes {
		if len(lane) > 0 {
			return true
		}
	}
	return false
}

// popNext removes the next message in strict priority order and records it
// as in-flight. Returns nil when all lanes are empty.
func (q *Queue) popNext() *Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range []store.Priority{store.PriorityHigh, store.PriorityNormal, store.PriorityLow} {
		lane := q.lanes[p]
		if len(lane) == 0 {
			continue
		}
		msg := lane[0]
		q.lanes[p] = lane[1:]
		q.inFlight[msg.ID] = msg
		return msg
	}
	return nil
}

// attempt races the delivery callback against the per-priority timeout
// budget and routes the outcome through the retry state machine.
func (q *Queue) attempt(msg *Message) {
	q.publish(events.TypeDeliveryAttempt, AttemptEvent{
		Message: *msg,
		Attempt: msg.RetryCount + 1,
	})

	ctx, cancel := context.WithTimeout(context.Background(), q.timeoutFor(msg.Priority))
	defer cancel()

	start := time.Now()
	result := make(chan error, 1)
	go func() {
		result <- q.deliver(ctx, msg)
	}()

	select {
	case err := <-result:
		if err != nil {
			q.handleError(msg, err)
			return
		}
		q.handleDelivered(msg, time.Since(start))

	case <-ctx.Done():
		q.handleTimeout(msg)
	}
}

func (q *Queue) handleDelivered(msg *Message, elapsed time.Duration) {
	if !q.finishInFlight(msg.ID) {
		return
	}
	q.logger.Debug("message delivered",
		"message_id", msg.ID,
		"elapsed", elapsed)
	q.publish(events.TypeMessageDelivered, DeliveredEvent{
		Message: *msg,
		Elapsed: elapsed,
	})
	q.sem.Release(1)
	q.drain()
}

// handleTimeout re-enqueues after an exponential backoff delay, or fails
// the message when retries are exhausted.
func (q *Queue) handleTimeout(msg *Message) {
	if !q.finishInFlight(msg.ID) {
		return
	}
	if msg.RetryCount >= msg.MaxRetries {
		q.fail(msg, "delivery timed out")
		return
	}
	msg.RetryCount++
	delay := q.cfg.BaseRetryDelay << (msg.RetryCount - 1)
	q.scheduleRetry(msg, delay, "timeout")
}

// handleError re-enqueues after the flat retry delay rather than the
// exponential backoff used for timeouts. The asymmetry is intentional and
// covered by tests.
func (q *Queue) handleError(msg *Message, err error) {
	if !q.finishInFlight(msg.ID) {
		return
	}
	q.publish(events.TypeMessageError, ErrorEvent{
		Message: *msg,
		Err:     err.Error(),
	})
	if msg.RetryCount >= msg.MaxRetries {
		q.fail(msg, "delivery error: "+err.Error())
		return
	}
	msg.RetryCount++
	q.scheduleRetry(msg, q.cfg.RetryDelay, "error")
}

func (q *Queue) scheduleRetry(msg *Message, delay time.Duration, reason string) {
	q.logger.Debug("retry scheduled",
		"message_id", msg.ID,
		"retry", msg.RetryCount,
		"delay", delay,
		"reason", reason)
	q.publish(events.TypeMessageRetry, RetryEvent{
		Message: *msg,
		Delay:   delay,
		Reason:  reason,
	})

	time.AfterFunc(delay, func() {
		q.requeue(msg)
	})

	q.sem.Release(1)
	q.drain()
}

// requeue returns a retried message to the back of its lane. Retries are
// exempt from the lane-depth limit so backpressure never drops work the
// queue already accepted.
func (q *Queue) requeue(msg *Message) {
	q.mu.Lock()
	q.lanes[msg.Priority] = append(q.lanes[msg.Priority], msg)
	q.mu.Unlock()
	q.drain()
}

func (q *Queue) fail(msg *Message, reason string) {
	q.logger.Warn("message failed",
		"message_id", msg.ID,
		"retries", msg.RetryCount,
		"reason", reason)
	q.publish(events.TypeMessageFailed, FailedEvent{
		Message: *msg,
		Reason:  reason,
	})
	q.sem.Release(1)
	q.drain()
}

// finishInFlight removes the message from in-flight bookkeeping. Returns
// false when the message was abandoned by Clear, in which case the
// capacity is released and no outcome is reported.
func (q *Queue) finishInFlight(id string) bool {
	q.mu.Lock()
	_, ok := q.inFlight[id]
	if ok {
		delete(q.inFlight, id)
	}
	q.mu.Unlock()

	if !ok {
		q.sem.Release(1)
		q.drain()
		return false
	}
	return true
}

// GetQueueStats returns per-lane depth and in-flight count.
func (q *Queue) GetQueueStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		High:     len(q.lanes[store.PriorityHigh]),
		Normal:   len(q.lanes[store.PriorityNormal]),
		Low:      len(q.lanes[store.PriorityLow]),
		InFlight: len(q.inFlight),
	}
}

// Clear drops all queued messages and in-flight bookkeeping. In-flight
// attempts are abandoned, not cancelled: their outcomes are discarded when
// they complete. Callers must treat all outstanding messages as presumed
// undelivered.
func (q *Queue) Clear() {
	q.mu.Lock()
	dropped := 0
	for p, lane := range q.lanes {
		dropped += len(lane)
		q.lanes[p] = nil
	}
	abandoned := len(q.inFlight)
	q.inFlight = make(map[string]*Message)
	q.mu.Unlock()

	q.logger.Info("queue cleared",
		"dropped", dropped,
		"abandoned", abandoned)
	q.publish(events.TypeQueueCleared, Stats{})
}

func (q *Queue) timeoutFor(p store.Priority) time.Duration {
	switch p {
	case store.PriorityHigh:
		return q.cfg.HighTimeout
	case store.PriorityLow:
		return q.cfg.LowTimeout
	default:
		return q.cfg.NormalTimeout
	}
}

func (q *Queue) publish(t events.Type, payload any) {
	if q.bus != nil {
		q.bus.Publish(t, payload)
	}
}
