package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/agent/store"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/events/bus"
	"github.com/agentmux/agentmux/internal/executor"
	"github.com/agentmux/agentmux/internal/queue"
	"github.com/agentmux/agentmux/internal/tracing"
)

// streamChannelBuffer is the capacity of the chunk channel StreamResults
// hands to its consumer.
const streamChannelBuffer = 100

// Config holds the orchestrator construction parameters.
type Config struct {
	MaxWorkers          int
	CleanupInterval     time.Duration
	InstanceTimeout     time.Duration
	MaxConcurrentAgents int
	// ReceiveTimeout is the worker poll window on the primary queue.
	ReceiveTimeout time.Duration
	// StreamReceiveTimeout is the per-chunk wait; its expiry ends a
	// stream as EOF.
	StreamReceiveTimeout time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:           10,
		CleanupInterval:      60 * time.Second,
		InstanceTimeout:      time.Hour,
		MaxConcurrentAgents:  100,
		ReceiveTimeout:       5 * time.Second,
		StreamReceiveTimeout: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = d.MaxWorkers
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.InstanceTimeout <= 0 {
		c.InstanceTimeout = d.InstanceTimeout
	}
	if c.MaxConcurrentAgents <= 0 {
		c.MaxConcurrentAgents = d.MaxConcurrentAgents
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = d.ReceiveTimeout
	}
	if c.StreamReceiveTimeout <= 0 {
		c.StreamReceiveTimeout = d.StreamReceiveTimeout
	}
	return c
}

// Orchestrator owns the message queue, worker pool, and instance cache
// for its lifetime. Submit decouples request submission from execution;
// AwaitResult and StreamResults plumb outcomes back to callers.
type Orchestrator struct {
	cfg    Config
	queue  queue.Queue
	exec   executor.Executor
	bus    bus.EventBus
	cache  *instanceCache
	logger *logger.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New constructs an orchestrator. The event bus may be nil; lifecycle
// events are then skipped.
func New(cfg Config, q queue.Queue, s store.Store, exec executor.Executor, eventBus bus.EventBus, log *logger.Logger) *Orchestrator {
	o := &Orchestrator{
		cfg:    cfg.withDefaults(),
		queue:  q,
		exec:   exec,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "orchestrator")),
		stopCh: make(chan struct{}),
	}
	o.cache = newInstanceCache(s, o.cfg.MaxConcurrentAgents, log, o.publish)
	return o
}

// Initialize prepares the executor and queue, declares the primary and
// result queues, and starts the worker pool plus the cleanup loop.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return nil
	}

	if err := o.exec.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize executor: %w", err)
	}
	if err := o.queue.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize queue: %w", err)
	}
	if _, err := o.queue.CreateQueue(ctx, QueueMessages); err != nil {
		return fmt.Errorf("create primary queue: %w", err)
	}
	if _, err := o.queue.CreateQueue(ctx, QueueResults); err != nil {
		return fmt.Errorf("create result queue: %w", err)
	}

	for i := 0; i < o.cfg.MaxWorkers; i++ {
		o.wg.Add(1)
		go o.runWorker(i)
	}
	o.wg.Add(1)
	go o.runCleanup()

	o.started = true
	o.logger.Info("orchestrator started",
		zap.Int("max_workers", o.cfg.MaxWorkers),
		zap.Duration("cleanup_interval", o.cfg.CleanupInterval),
		zap.Duration("instance_timeout", o.cfg.InstanceTimeout))
	return nil
}

// Shutdown stops the workers and cleanup loop, waits for them to drain,
// destroys all instances, and shuts down the queue and executor. Safe to
// call repeatedly; only the first call does the work.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if !o.started || o.stopped {
		o.mu.Unlock()
		return nil
	}
	o.stopped = true
	close(o.stopCh)
	o.mu.Unlock()

	o.wg.Wait()
	destroyed := o.cache.DestroyAll()

	if err := o.queue.Shutdown(ctx); err != nil {
		o.logger.Error("queue shutdown failed", zap.Error(err))
	}
	if err := o.exec.Shutdown(ctx); err != nil {
		o.logger.Error("executor shutdown failed", zap.Error(err))
	}
	o.logger.Info("orchestrator stopped", zap.Int("instances_destroyed", destroyed))
	return nil
}

// Submit serializes the request onto the primary queue and returns its
// message ID without waiting for execution. Queue-full errors propagate.
func (o *Orchestrator) Submit(ctx context.Context, req *ExecutionRequest) (string, error) {
	ctx, span := tracing.Tracer("orchestrator").Start(ctx, "orchestrator.Submit")
	defer span.End()

	if req.AgentID == "" {
		return "", fmt.Errorf("execution request has no agent id")
	}
	if len(req.Messages) == 0 {
		return "", fmt.Errorf("execution request has no messages")
	}
	if req.MessageID == "" {
		req.MessageID = uuid.New().String()
	}
	if req.Stream {
		req.MessageType = MessageTypeStreamExecute
	} else {
		req.MessageType = MessageTypeExecute
	}
	if req.TimeoutSeconds <= 0 {
		req.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if !req.Priority.Valid() {
		req.Priority = queue.PriorityNormal
	}
	if req.ReplyTo == "" {
		req.ReplyTo = QueueResults
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode execution request: %w", err)
	}

	_, err = o.queue.SendMessage(ctx, QueueMessages, payload,
		queue.WithPriority(req.Priority),
		queue.WithCorrelationID(req.CorrelationID),
		queue.WithReplyTo(req.ReplyTo),
		queue.WithMetadata(map[string]any{
			metaMessageType: req.MessageType,
			metaSubmittedAt: epochSeconds(time.Now()),
		}),
	)
	if err != nil {
		return "", fmt.Errorf("enqueue execution request: %w", err)
	}

	o.logger.Debug("request submitted",
		zap.String("message_id", req.MessageID),
		zap.String("agent_id", req.AgentID),
		zap.String("message_type", req.MessageType),
		zap.String("priority", req.Priority.String()))
	o.publish(events.ExecutionSubmitted, map[string]any{
		"message_id": req.MessageID,
		"agent_id":   req.AgentID,
		"task_id":    req.TaskID,
		"stream":     req.Stream,
	})
	return req.MessageID, nil
}

// AwaitResult drains the reply queue until a result for the given
// message ID appears or the timeout expires. Results for other message
// IDs are acked and dropped: this is the single-waiter reference
// behavior; multi-consumer deployments should route each request to its
// own reply queue instead.
func (o *Orchestrator) AwaitResult(ctx context.Context, messageID string, timeout time.Duration) (*ExecutionResult, error) {
	if timeout <= 0 {
		timeout = DefaultTimeoutSeconds * time.Second
	}
	deadline := time.Now().Add(timeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		recvTimeout := remaining
		if recvTimeout > time.Second {
			recvTimeout = time.Second
		}

		msg, err := o.queue.ReceiveMessage(ctx, QueueResults, recvTimeout)
		if err != nil {
			return nil, err
		}
		if msg == nil {
			continue
		}

		var result ExecutionResult
		if err := json.Unmarshal(msg.Payload, &result); err != nil {
			o.logger.Warn("dropping undecodable result",
				zap.String("queue_message_id", msg.ID),
				zap.Error(err))
			_, _ = o.queue.AcknowledgeMessage(ctx, msg)
			continue
		}
		if _, err := o.queue.AcknowledgeMessage(ctx, msg); err != nil {
			return nil, err
		}
		if result.MessageID == messageID {
			return &result, nil
		}
		o.logger.Debug("discarding result for another waiter",
			zap.String("wanted", messageID),
			zap.String("got", result.MessageID))
	}
}

// StreamResults consumes the per-message stream queue and yields chunks
// in order until the end marker. A pure end marker terminates silently;
// an error terminal chunk is forwarded first. The stream queue is
// deleted on termination.
func (o *Orchestrator) StreamResults(ctx context.Context, messageID string) (<-chan StreamingChunk, error) {
	streamQueue := StreamQueueName(messageID)
	// Declare so a consumer that starts before the worker can poll.
	if _, err := o.queue.CreateQueue(ctx, streamQueue); err != nil {
		return nil, fmt.Errorf("create stream queue: %w", err)
	}

	out := make(chan StreamingChunk, streamChannelBuffer)
	go func() {
		defer close(out)
		defer func() {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := o.queue.DeleteQueue(cleanupCtx, streamQueue); err != nil {
				o.logger.Warn("failed to delete stream queue",
					zap.String("queue", streamQueue), zap.Error(err))
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-o.stopCh:
				return
			default:
			}

			msg, err := o.queue.ReceiveMessage(ctx, streamQueue, o.cfg.StreamReceiveTimeout)
			if err != nil {
				o.logger.Warn("stream receive failed",
					zap.String("queue", streamQueue), zap.Error(err))
				return
			}
			if msg == nil {
				// EOF guard: no chunk within the window ends the stream.
				o.logger.Warn("stream timed out waiting for chunks",
					zap.String("message_id", messageID))
				return
			}

			var chunk StreamingChunk
			decodeErr := json.Unmarshal(msg.Payload, &chunk)
			_, _ = o.queue.AcknowledgeMessage(ctx, msg)
			if decodeErr != nil {
				o.logger.Warn("dropping undecodable chunk",
					zap.String("queue", streamQueue), zap.Error(decodeErr))
				continue
			}

			if chunk.IsStreamEnd() {
				if chunk.FinishReason == executor.FinishError {
					select {
					case out <- chunk:
					case <-ctx.Done():
					}
				}
				return
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			case <-o.stopCh:
				return
			}
		}
	}()
	return out, nil
}

// Instances returns the live instance summaries.
func (o *Orchestrator) Instances() []InstanceSummary {
	return o.cache.List()
}

// DestroyInstance removes one live instance.
func (o *Orchestrator) DestroyInstance(agentID, taskID string) bool {
	return o.cache.Destroy(agentID, taskID)
}

// DestroyAgentInstances removes every live instance of an agent. Used
// when an agent record is deleted.
func (o *Orchestrator) DestroyAgentInstances(agentID string) int {
	return o.cache.DestroyAgent(agentID)
}

// QueueStats reports the primary and result queue statistics.
func (o *Orchestrator) QueueStats(ctx context.Context) ([]*queue.Stats, error) {
	var stats []*queue.Stats
	for _, name := range []string{QueueMessages, QueueResults} {
		s, err := o.queue.GetQueueStats(ctx, name)
		if err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, nil
}

// runCleanup periodically destroys idle instances until shutdown.
func (o *Orchestrator) runCleanup() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			if removed := o.cache.Sweep(o.cfg.InstanceTimeout); removed > 0 {
				o.logger.Info("cleanup pass evicted instances", zap.Int("count", removed))
			}
		}
	}
}

// publish emits a lifecycle event on the bus, best-effort.
func (o *Orchestrator) publish(eventType string, data map[string]any) {
	if o.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	event := bus.NewEvent(eventType, "orchestrator", data)
	if err := o.bus.Publish(ctx, events.Subject(eventType), event); err != nil {
		o.logger.Debug("event publish failed",
			zap.String("event_type", eventType), zap.Error(err))
	}
}
