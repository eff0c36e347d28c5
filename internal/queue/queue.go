// Package queue defines the message queue contract the orchestrator
// schedules over: named, priority-ordered buffers with at-least-once
// delivery, acknowledge / reject(requeue) semantics, and dead-lettering.
// Backends: memory (reference), redis, rabbitmq.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrQueueFull is returned by SendMessage when a bounded queue is at capacity.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueNotFound is returned for operations that require an existing queue.
	ErrQueueNotFound = errors.New("queue not found")
	// ErrQueueClosed is returned after Shutdown.
	ErrQueueClosed = errors.New("queue backend is shut down")
)

// Priority orders messages within a queue. Higher values are delivered first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

// Valid reports whether p is one of the four priority levels.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityUrgent
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	}
	return "unknown"
}

// Status tracks a message through its delivery lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRetry      Status = "retry"
)

// DefaultMaxRetries is the retry budget applied when none is supplied.
const DefaultMaxRetries = 3

// Message is the envelope stored on a queue. A message is in exactly one
// of three places at any moment: its queue's pending list, its queue's
// in-flight set, or removed (acknowledged or dead-lettered).
type Message struct {
	ID            string         `json:"id"`
	QueueName     string         `json:"queue_name"`
	Payload       []byte         `json:"payload"`
	Priority      Priority       `json:"priority"`
	Status        Status         `json:"status"`
	RetryCount    int            `json:"retry_count"`
	MaxRetries    int            `json:"max_retries"`
	DelaySeconds  int            `json:"delay_seconds"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	ReplyTo       string         `json:"reply_to,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// NewMessage builds a pending message with defaults applied.
func NewMessage(queueName string, payload []byte, opts ...SendOption) *Message {
	o := applySendOptions(opts)
	now := time.Now().UTC()
	return &Message{
		ID:            uuid.New().String(),
		QueueName:     queueName,
		Payload:       payload,
		Priority:      o.priority,
		Status:        StatusPending,
		MaxRetries:    o.maxRetries,
		DelaySeconds:  o.delaySeconds,
		CorrelationID: o.correlationID,
		ReplyTo:       o.replyTo,
		Metadata:      o.metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Stats is a consistent snapshot of one queue's counters.
type Stats struct {
	Name       string `json:"name"`
	Pending    int    `json:"pending"`
	Processing int    `json:"processing"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
	Retried    int    `json:"retried"`
	Total      int    `json:"total"`
}

// Queue is the backend contract. All implementations deliver higher
// priority messages first, FIFO within a priority class, and requeued
// messages rejoin the tail of their original priority class.
type Queue interface {
	// Initialize prepares the backend. Idempotent.
	Initialize(ctx context.Context) error
	// Shutdown releases all backend state. Idempotent.
	Shutdown(ctx context.Context) error

	// CreateQueue declares a queue. Returns true when newly created,
	// false when it already existed. Queues are also auto-created on
	// first SendMessage.
	CreateQueue(ctx context.Context, name string, opts ...QueueOption) (bool, error)
	// DeleteQueue removes a queue and everything in it. False when unknown.
	DeleteQueue(ctx context.Context, name string) (bool, error)
	// PurgeQueue drops all pending messages and returns the count removed.
	PurgeQueue(ctx context.Context, name string) (int, error)
	// ListQueues returns the known queue names.
	ListQueues(ctx context.Context) ([]string, error)

	// SendMessage enqueues a payload and returns the message ID.
	SendMessage(ctx context.Context, queueName string, payload []byte, opts ...SendOption) (string, error)
	// ReceiveMessage delivers the highest-priority pending message and
	// moves it in-flight. A zero timeout returns nil immediately when the
	// queue is empty; a positive timeout blocks cooperatively until a
	// message arrives or the timeout elapses.
	ReceiveMessage(ctx context.Context, queueName string, timeout time.Duration) (*Message, error)
	// ReceiveMessages delivers up to max messages as a contiguous prefix
	// of the priority order.
	ReceiveMessages(ctx context.Context, queueName string, max int, timeout time.Duration) ([]*Message, error)

	// AcknowledgeMessage removes an in-flight message. False when the
	// message is not in-flight (idempotent no-op).
	AcknowledgeMessage(ctx context.Context, msg *Message) (bool, error)
	// RejectMessage returns an in-flight message. With requeue and budget
	// remaining the message rejoins the tail of its priority class;
	// otherwise it is dead-lettered. False when not in-flight.
	RejectMessage(ctx context.Context, msg *Message, requeue bool, reason string) (bool, error)

	// GetQueueStats returns a consistent snapshot of the queue counters.
	GetQueueStats(ctx context.Context, name string) (*Stats, error)
}

// sendOptions collects the optional attributes of a send.
type sendOptions struct {
	priority      Priority
	delaySeconds  int
	correlationID string
	replyTo       string
	metadata      map[string]any
	maxRetries    int
}

// SendOption customizes one SendMessage call.
type SendOption func(*sendOptions)

func applySendOptions(opts []SendOption) sendOptions {
	o := sendOptions{priority: PriorityNormal, maxRetries: DefaultMaxRetries}
	for _, opt := range opts {
		opt(&o)
	}
	if !o.priority.Valid() {
		o.priority = PriorityNormal
	}
	return o
}

// WithPriority sets the message priority. Invalid values fall back to Normal.
func WithPriority(p Priority) SendOption {
	return func(o *sendOptions) { o.priority = p }
}

// WithDelay records a delivery delay in seconds. The memory backend stores
// the value without honoring it; the redis backend honors it.
func WithDelay(seconds int) SendOption {
	return func(o *sendOptions) { o.delaySeconds = seconds }
}

// WithCorrelationID attaches an opaque correlation identifier.
func WithCorrelationID(id string) SendOption {
	return func(o *sendOptions) { o.correlationID = id }
}

// WithReplyTo names the queue replies should be sent to.
func WithReplyTo(queueName string) SendOption {
	return func(o *sendOptions) { o.replyTo = queueName }
}

// WithMetadata attaches arbitrary metadata to the message.
func WithMetadata(md map[string]any) SendOption {
	return func(o *sendOptions) { o.metadata = md }
}

// WithMaxRetries overrides the retry budget for this message.
func WithMaxRetries(n int) SendOption {
	return func(o *sendOptions) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

// queueOptions collects the optional attributes of a queue declaration.
type queueOptions struct {
	maxSize    int
	ttlSeconds int
}

// QueueOption customizes one CreateQueue call.
type QueueOption func(*queueOptions)

func applyQueueOptions(opts []QueueOption) queueOptions {
	var o queueOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithMaxSize bounds the number of pending messages. Zero means unbounded.
func WithMaxSize(n int) QueueOption {
	return func(o *queueOptions) { o.maxSize = n }
}

// WithTTL records a message time-to-live in seconds.
func WithTTL(seconds int) QueueOption {
	return func(o *queueOptions) { o.ttlSeconds = seconds }
}

// pollInterval is the cooperative wait step used by polling receives.
const pollInterval = 100 * time.Millisecond
