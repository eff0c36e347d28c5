package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
)

// queuedMessage wraps a message with its heap bookkeeping. The sequence
// number is assigned on every push, so a requeued message rejoins the
// tail of its priority class instead of its original FIFO slot.
type queuedMessage struct {
	msg   *Message
	seq   uint64
	index int
}

// messageHeap orders by priority (higher first), then sequence (FIFO).
type messageHeap []*queuedMessage

func (h messageHeap) Len() int { return len(h) }

func (h messageHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority > h[j].msg.Priority
	}
	return h[i].seq < h[j].seq
}

func (h messageHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *messageHeap) Push(x any) {
	n := len(*h)
	item := x.(*queuedMessage)
	item.index = n
	*h = append(*h, item)
}

func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// memQueue is one named queue: pending heap plus in-flight set.
type memQueue struct {
	name     string
	pending  messageHeap
	inFlight map[string]*Message
	maxSize  int
	ttl      int
	stats    Stats
}

// MemoryQueue is the in-process reference backend. A single mutex covers
// every queue's pending heap, in-flight set, and stats, so all operations
// are atomic with respect to each other. DelaySeconds is stored on the
// message but not honored.
type MemoryQueue struct {
	mu      sync.Mutex
	queues  map[string]*memQueue
	seq     uint64
	running bool
	logger  *logger.Logger
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates the in-process queue backend.
func NewMemoryQueue(log *logger.Logger) *MemoryQueue {
	return &MemoryQueue{
		queues: make(map[string]*memQueue),
		logger: log.WithFields(zap.String("component", "memory_queue")),
	}
}

// Initialize marks the backend running. Idempotent.
func (q *MemoryQueue) Initialize(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.running = true
	return nil
}

// Shutdown drops all in-memory state. Idempotent.
func (q *MemoryQueue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return nil
	}
	q.running = false
	q.queues = make(map[string]*memQueue)
	q.logger.Debug("memory queue shut down")
	return nil
}

// CreateQueue declares a queue. Returns false when it already exists.
func (q *MemoryQueue) CreateQueue(ctx context.Context, name string, opts ...QueueOption) (bool, error) {
	o := applyQueueOptions(opts)

	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return false, ErrQueueClosed
	}
	if _, exists := q.queues[name]; exists {
		return false, nil
	}
	q.queues[name] = &memQueue{
		name:     name,
		inFlight: make(map[string]*Message),
		maxSize:  o.maxSize,
		ttl:      o.ttlSeconds,
		stats:    Stats{Name: name},
	}
	q.logger.Debug("queue created", zap.String("queue", name))
	return true, nil
}

// DeleteQueue removes a queue and everything in it.
func (q *MemoryQueue) DeleteQueue(ctx context.Context, name string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return false, ErrQueueClosed
	}
	if _, exists := q.queues[name]; !exists {
		return false, nil
	}
	delete(q.queues, name)
	q.logger.Debug("queue deleted", zap.String("queue", name))
	return true, nil
}

// PurgeQueue drops all pending messages, leaving in-flight ones alone.
func (q *MemoryQueue) PurgeQueue(ctx context.Context, name string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return 0, ErrQueueClosed
	}
	mq, exists := q.queues[name]
	if !exists {
		return 0, nil
	}
	removed := len(mq.pending)
	mq.pending = nil
	heap.Init(&mq.pending)
	mq.stats.Pending = 0
	return removed, nil
}

// ListQueues returns the known queue names.
func (q *MemoryQueue) ListQueues(ctx context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return nil, ErrQueueClosed
	}
	names := make([]string, 0, len(q.queues))
	for name := range q.queues {
		names = append(names, name)
	}
	return names, nil
}

// SendMessage enqueues a payload, auto-creating the queue on first use.
func (q *MemoryQueue) SendMessage(ctx context.Context, queueName string, payload []byte, opts ...SendOption) (string, error) {
	msg := NewMessage(queueName, payload, opts...)

	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return "", ErrQueueClosed
	}
	mq := q.getOrCreateLocked(queueName)
	if mq.maxSize > 0 && len(mq.pending) >= mq.maxSize {
		return "", ErrQueueFull
	}
	q.pushLocked(mq, msg)
	mq.stats.Total++
	return msg.ID, nil
}

// ReceiveMessage delivers the highest-priority pending message. With a
// zero timeout it returns nil immediately when the queue is empty; with a
// positive timeout it polls cooperatively until message, deadline, or ctx
// cancellation.
func (q *MemoryQueue) ReceiveMessage(ctx context.Context, queueName string, timeout time.Duration) (*Message, error) {
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
// the priority order. It waits for at most one message, then drains
// whatever else is immediately available.
func (q *MemoryQueue) ReceiveMessages(ctx context.Context, queueName string, max int, timeout time.Duration) ([]*Message, error) {
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

// AcknowledgeMessage removes an in-flight message. Idempotent.
func (q *MemoryQueue) AcknowledgeMessage(ctx context.Context, msg *Message) (bool, error) {
	if msg == nil {
		return false, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return false, ErrQueueClosed
	}
	mq, exists := q.queues[msg.QueueName]
	if !exists {
		return false, nil
	}
	if _, inFlight := mq.inFlight[msg.ID]; !inFlight {
		return false, nil
	}
	delete(mq.inFlight, msg.ID)
	msg.Status = StatusCompleted
	msg.UpdatedAt = time.Now().UTC()
	mq.stats.Processing = len(mq.inFlight)
	mq.stats.Completed++
	return true, nil
}

// RejectMessage returns an in-flight message to the queue or dead-letters
// it. Requeued messages keep their priority but rejoin the tail of their
// priority class.
func (q *MemoryQueue) RejectMessage(ctx context.Context, msg *Message, requeue bool, reason string) (bool, error) {
	if msg == nil {
		return false, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return false, ErrQueueClosed
	}
	mq, exists := q.queues[msg.QueueName]
	if !exists {
		return false, nil
	}
	stored, inFlight := mq.inFlight[msg.ID]
	if !inFlight {
		return false, nil
	}
	delete(mq.inFlight, msg.ID)
	mq.stats.Processing = len(mq.inFlight)

	if requeue && stored.RetryCount < stored.MaxRetries {
		stored.RetryCount++
		stored.Status = StatusRetry
		stored.UpdatedAt = time.Now().UTC()
		q.pushLocked(mq, stored)
		mq.stats.Retried++
		q.logger.Debug("message requeued",
			zap.String("queue", msg.QueueName),
			zap.String("message_id", msg.ID),
			zap.Int("retry_count", stored.RetryCount),
			zap.String("reason", reason))
		return true, nil
	}

	stored.Status = StatusFailed
	stored.UpdatedAt = time.Now().UTC()
	mq.stats.Failed++
	q.logger.Debug("message dead-lettered",
		zap.String("queue", msg.QueueName),
		zap.String("message_id", msg.ID),
		zap.Int("retry_count", stored.RetryCount),
		zap.String("reason", reason))
	return true, nil
}

// GetQueueStats returns a consistent snapshot of the queue counters.
func (q *MemoryQueue) GetQueueStats(ctx context.Context, name string) (*Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return nil, ErrQueueClosed
	}
	mq, exists := q.queues[name]
	if !exists {
		return nil, ErrQueueNotFound
	}
	stats := mq.stats
	stats.Pending = len(mq.pending)
	stats.Processing = len(mq.inFlight)
	return &stats, nil
}

// tryReceive pops the head of the priority order, if any, and moves it
// in-flight. Unknown queues read as empty so a consumer can start polling
// before the producer's first send.
func (q *MemoryQueue) tryReceive(queueName string) (*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return nil, ErrQueueClosed
	}
	mq, exists := q.queues[queueName]
	if !exists || len(mq.pending) == 0 {
		return nil, nil
	}
	item := heap.Pop(&mq.pending).(*queuedMessage)
	msg := item.msg
	msg.Status = StatusProcessing
	msg.UpdatedAt = time.Now().UTC()
	mq.inFlight[msg.ID] = msg
	mq.stats.Pending = len(mq.pending)
	mq.stats.Processing = len(mq.inFlight)
	return msg, nil
}

func (q *MemoryQueue) getOrCreateLocked(name string) *memQueue {
	mq, exists := q.queues[name]
	if !exists {
		mq = &memQueue{
			name:     name,
			inFlight: make(map[string]*Message),
			stats:    Stats{Name: name},
		}
		q.queues[name] = mq
	}
	return mq
}

func (q *MemoryQueue) pushLocked(mq *memQueue, msg *Message) {
	q.seq++
	heap.Push(&mq.pending, &queuedMessage{msg: msg, seq: q.seq})
	mq.stats.Pending = len(mq.pending)
}
