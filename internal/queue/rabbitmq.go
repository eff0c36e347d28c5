package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
)

const deadLetterSuffix = ".deadletter"

// rabbitInflight pairs a decoded message with the broker delivery it came
// from, so ack and reject can settle the right delivery tag.
type rabbitInflight struct {
	delivery amqp.Delivery
	msg      *Message
}

// RabbitQueue implements the queue contract over RabbitMQ. Queues are
// declared durable with x-max-priority=4, so the broker itself enforces
// priority-first, FIFO-within-class ordering. The contract is pull-based,
// so receives poll basic.get rather than registering a consumer.
// DelaySeconds is carried on the message but not honored by this backend.
type RabbitQueue struct {
	url    string
	logger *logger.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	declared map[string]bool
	inflight map[string]*rabbitInflight
	counters map[string]*Stats
}

var _ Queue = (*RabbitQueue)(nil)

// NewRabbitQueue creates a RabbitMQ-backed queue from the queue configuration.
func NewRabbitQueue(cfg config.QueueConfig, log *logger.Logger) *RabbitQueue {
	return &RabbitQueue{
		url:      cfg.RabbitURL,
		logger:   log.WithFields(zap.String("component", "rabbitmq_queue")),
		declared: make(map[string]bool),
		inflight: make(map[string]*rabbitInflight),
		counters: make(map[string]*Stats),
	}
}

// Initialize dials the broker and opens the shared channel.
func (q *RabbitQueue) Initialize(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.conn != nil && !q.conn.IsClosed() {
		return nil
	}
	conn, err := amqp.Dial(q.url)
	if err != nil {
		return fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("rabbitmq channel: %w", err)
	}
	q.conn = conn
	q.ch = ch
	return nil
}

// Shutdown closes the channel and connection. Durable queues survive.
func (q *RabbitQueue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.conn == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
		q.ch = nil
	}
	err := q.conn.Close()
	q.conn = nil
	q.inflight = make(map[string]*rabbitInflight)
	return err
}

// CreateQueue declares a durable priority queue. Returns false when this
// process already declared it.
func (q *RabbitQueue) CreateQueue(ctx context.Context, name string, opts ...QueueOption) (bool, error) {
	o := applyQueueOptions(opts)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch == nil {
		return false, ErrQueueClosed
	}
	known := q.declared[name]
	if err := q.declareLocked(name, o); err != nil {
		return false, err
	}
	return !known, nil
}

// DeleteQueue removes the queue from the broker.
func (q *RabbitQueue) DeleteQueue(ctx context.Context, name string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch == nil {
		return false, ErrQueueClosed
	}
	known := q.declared[name]
	if _, err := q.ch.QueueDelete(name, false, false, false); err != nil {
		return false, fmt.Errorf("rabbitmq delete queue %s: %w", name, err)
	}
	delete(q.declared, name)
	delete(q.counters, name)
	return known, nil
}

// PurgeQueue drops all pending messages and returns the count removed.
func (q *RabbitQueue) PurgeQueue(ctx context.Context, name string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch == nil {
		return 0, ErrQueueClosed
	}
	if !q.declared[name] {
		return 0, nil
	}
	n, err := q.ch.QueuePurge(name, false)
	if err != nil {
		return 0, fmt.Errorf("rabbitmq purge %s: %w", name, err)
	}
	return n, nil
}

// ListQueues returns the queues this process has declared. AMQP exposes no
// broker-wide listing without the management plugin.
func (q *RabbitQueue) ListQueues(ctx context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	names := make([]string, 0, len(q.declared))
	for name := range q.declared {
		names = append(names, name)
	}
	return names, nil
}

// SendMessage publishes a payload with its priority header.
func (q *RabbitQueue) SendMessage(ctx context.Context, queueName string, payload []byte, opts ...SendOption) (string, error) {
	msg := NewMessage(queueName, payload, opts...)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch == nil {
		return "", ErrQueueClosed
	}
	if err := q.declareLocked(queueName, queueOptions{}); err != nil {
		return "", err
	}
	if err := q.publishLocked(ctx, msg); err != nil {
		return "", err
	}
	q.countersLocked(queueName).Total++
	return msg.ID, nil
}

// ReceiveMessage polls basic.get with the cooperative wait loop the
// contract prescribes.
func (q *RabbitQueue) ReceiveMessage(ctx context.Context, queueName string, timeout time.Duration) (*Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		msg, err := q.tryReceive(queueName)
		if err != nil || msg != nil {
			return msg, err
		}
		if timeout <= 0 || !time.Now().Before(deadline) {
			return nil, nil
		}
		wait := pollInterval
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// ReceiveMessages delivers up to max messages as a contiguous prefix of
// the priority order.
func (q *RabbitQueue) ReceiveMessages(ctx context.Context, queueName string, max int, timeout time.Duration) ([]*Message, error) {
	if max <= 0 {
		return nil, nil
	}
	first, err := q.ReceiveMessage(ctx, queueName, timeout)
	if err != nil || first == nil {
		return nil, err
	}
	msgs := []*Message{first}
	for len(msgs) < max {
		next, err := q.tryReceive(queueName)
		if err != nil {
			return msgs, err
		}
		if next == nil {
			break
		}
		msgs = append(msgs, next)
	}
	return msgs, nil
}

// AcknowledgeMessage settles the broker delivery. Idempotent.
func (q *RabbitQueue) AcknowledgeMessage(ctx context.Context, msg *Message) (bool, error) {
	if msg == nil {
		return false, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.inflight[msg.ID]
	if !ok {
		return false, nil
	}
	delete(q.inflight, msg.ID)
	if err := entry.delivery.Ack(false); err != nil {
		return false, fmt.Errorf("rabbitmq ack: %w", err)
	}
	q.countersLocked(msg.QueueName).Completed++
	return true, nil
}

// RejectMessage republishes the message to the tail of its priority class
// when budget remains, or routes it to <queue>.deadletter otherwise. The
// original delivery is acked in both cases; redelivery bookkeeping lives
// on the message envelope, not the broker delivery.
func (q *RabbitQueue) RejectMessage(ctx context.Context, msg *Message, requeue bool, reason string) (bool, error) {
	if msg == nil {
		return false, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.inflight[msg.ID]
	if !ok {
		return false, nil
	}
	delete(q.inflight, msg.ID)

	stored := entry.msg
	if requeue && stored.RetryCount < stored.MaxRetries {
		stored.RetryCount++
		stored.Status = StatusRetry
		stored.UpdatedAt = time.Now().UTC()
		if err := q.publishLocked(ctx, stored); err != nil {
			return false, err
		}
		if err := entry.delivery.Ack(false); err != nil {
			return false, fmt.Errorf("rabbitmq reject ack: %w", err)
		}
		q.countersLocked(msg.QueueName).Retried++
		return true, nil
	}

	stored.Status = StatusFailed
	stored.UpdatedAt = time.Now().UTC()
	dead := *stored
	dead.QueueName = msg.QueueName + deadLetterSuffix
	if err := q.declareLocked(dead.QueueName, queueOptions{}); err != nil {
		return false, err
	}
	if err := q.publishLocked(ctx, &dead); err != nil {
		return false, err
	}
	if err := entry.delivery.Ack(false); err != nil {
		return false, fmt.Errorf("rabbitmq deadletter ack: %w", err)
	}
	q.countersLocked(msg.QueueName).Failed++
	q.logger.Debug("message dead-lettered",
		zap.String("queue", msg.QueueName),
		zap.String("message_id", msg.ID),
		zap.String("reason", reason))
	return true, nil
}

// GetQueueStats combines a passive declare with local counters. Pending
// counts come from the broker; outcome counters are per-process.
func (q *RabbitQueue) GetQueueStats(ctx context.Context, name string) (*Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch == nil {
		return nil, ErrQueueClosed
	}
	if !q.declared[name] {
		return nil, ErrQueueNotFound
	}
	state, err := q.ch.QueueDeclarePassive(name, true, false, false, false, priorityArgs())
	if err != nil {
		return nil, fmt.Errorf("rabbitmq stats %s: %w", name, err)
	}
	stats := *q.countersLocked(name)
	stats.Name = name
	stats.Pending = state.Messages
	stats.Processing = q.inflightCountLocked(name)
	return &stats, nil
}

func (q *RabbitQueue) tryReceive(queueName string) (*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch == nil {
		return nil, ErrQueueClosed
	}
	// Declare before basic.get: a get on an unknown queue is a channel
	// error that closes the channel.
	if err := q.declareLocked(queueName, queueOptions{}); err != nil {
		return nil, err
	}
	delivery, ok, err := q.ch.Get(queueName, false)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq get: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var msg Message
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		// Poisoned body: settle it so the queue keeps draining.
		_ = delivery.Nack(false, false)
		return nil, fmt.Errorf("rabbitmq decode: %w", err)
	}
	msg.Status = StatusProcessing
	msg.UpdatedAt = time.Now().UTC()
	q.inflight[msg.ID] = &rabbitInflight{delivery: delivery, msg: &msg}
	return &msg, nil
}

func (q *RabbitQueue) publishLocked(ctx context.Context, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	err = q.ch.PublishWithContext(ctx, "", msg.QueueName, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Priority:      uint8(msg.Priority),
		MessageId:     msg.ID,
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		Timestamp:     msg.CreatedAt,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("rabbitmq publish: %w", err)
	}
	return nil
}

func (q *RabbitQueue) declareLocked(name string, o queueOptions) error {
	if q.declared[name] {
		return nil
	}
	args := priorityArgs()
	if o.maxSize > 0 {
		args["x-max-length"] = int32(o.maxSize)
	}
	if o.ttlSeconds > 0 {
		args["x-message-ttl"] = int32(o.ttlSeconds * 1000)
	}
	if _, err := q.ch.QueueDeclare(name, true, false, false, false, args); err != nil {
		return fmt.Errorf("rabbitmq declare %s: %w", name, err)
	}
	q.declared[name] = true
	return nil
}

func (q *RabbitQueue) countersLocked(name string) *Stats {
	stats, ok := q.counters[name]
	if !ok {
		stats = &Stats{Name: name}
		q.counters[name] = stats
	}
	return stats
}

func (q *RabbitQueue) inflightCountLocked(name string) int {
	n := 0
	for _, entry := range q.inflight {
		if entry.msg.QueueName == name {
			n++
		}
	}
	return n
}

func priorityArgs() amqp.Table {
	return amqp.Table{"x-max-priority": int32(int(PriorityUrgent))}
}
