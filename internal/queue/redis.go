package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
)

// Redis key layout, all under the "amq:" namespace:
//
//	amq:queues                 set of declared queue names
//	amq:{queue}:p{1..4}        pending lists, one per priority (LPUSH head, RPOP tail)
//	amq:{queue}:delayed        sorted set of delayed messages, scored by ready time
//	amq:{queue}:inflight       hash message id -> encoded message
//	amq:{queue}:counters       hash of completed/failed/retried/total counters
const (
	redisNamespace = "amq"
	redisQueuesKey = redisNamespace + ":queues"
)

// RedisQueue implements the queue contract over a Redis server. Unlike the
// memory backend it honors DelaySeconds: delayed messages sit in a sorted
// set and are promoted to their pending list on the receive path once due.
type RedisQueue struct {
	client *redis.Client
	logger *logger.Logger
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue creates a Redis-backed queue from the queue configuration.
func NewRedisQueue(cfg config.QueueConfig, log *logger.Logger) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &RedisQueue{
		client: client,
		logger: log.WithFields(zap.String("component", "redis_queue")),
	}
}

// Initialize verifies connectivity.
func (q *RedisQueue) Initialize(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Shutdown closes the client connection. Queue contents stay in Redis.
func (q *RedisQueue) Shutdown(ctx context.Context) error {
	return q.client.Close()
}

// CreateQueue declares a queue name. Size and TTL options are recorded by
// the caller's configuration only; Redis lists are unbounded.
func (q *RedisQueue) CreateQueue(ctx context.Context, name string, opts ...QueueOption) (bool, error) {
	added, err := q.client.SAdd(ctx, redisQueuesKey, name).Result()
	if err != nil {
		return false, fmt.Errorf("redis create queue %s: %w", name, err)
	}
	return added > 0, nil
}

// DeleteQueue removes the queue and every key belonging to it.
func (q *RedisQueue) DeleteQueue(ctx context.Context, name string) (bool, error) {
	removed, err := q.client.SRem(ctx, redisQueuesKey, name).Result()
	if err != nil {
		return false, fmt.Errorf("redis delete queue %s: %w", name, err)
	}
	keys := []string{q.delayedKey(name), q.inflightKey(name), q.countersKey(name)}
	for p := PriorityLow; p <= PriorityUrgent; p++ {
		keys = append(keys, q.pendingKey(name, p))
	}
	if err := q.client.Del(ctx, keys...).Err(); err != nil {
		return false, fmt.Errorf("redis delete queue keys %s: %w", name, err)
	}
	return removed > 0, nil
}

// PurgeQueue drops all pending and delayed messages.
func (q *RedisQueue) PurgeQueue(ctx context.Context, name string) (int, error) {
	removed := 0
	for p := PriorityLow; p <= PriorityUrgent; p++ {
		n, err := q.client.LLen(ctx, q.pendingKey(name, p)).Result()
		if err != nil {
			return removed, fmt.Errorf("redis purge %s: %w", name, err)
		}
		removed += int(n)
		if err := q.client.Del(ctx, q.pendingKey(name, p)).Err(); err != nil {
			return removed, fmt.Errorf("redis purge %s: %w", name, err)
		}
	}
	n, err := q.client.ZCard(ctx, q.delayedKey(name)).Result()
	if err == nil {
		removed += int(n)
	}
	if err := q.client.Del(ctx, q.delayedKey(name)).Err(); err != nil {
		return removed, fmt.Errorf("redis purge delayed %s: %w", name, err)
	}
	return removed, nil
}

// ListQueues returns the declared queue names.
func (q *RedisQueue) ListQueues(ctx context.Context) ([]string, error) {
	names, err := q.client.SMembers(ctx, redisQueuesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list queues: %w", err)
	}
	return names, nil
}

// SendMessage enqueues a payload. Delayed messages go to the delayed set
// and surface once their ready time passes.
func (q *RedisQueue) SendMessage(ctx context.Context, queueName string, payload []byte, opts ...SendOption) (string, error) {
	msg := NewMessage(queueName, payload, opts...)
	encoded, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}

	if err := q.client.SAdd(ctx, redisQueuesKey, queueName).Err(); err != nil {
		return "", fmt.Errorf("redis declare queue %s: %w", queueName, err)
	}

	if msg.DelaySeconds > 0 {
		ready := float64(time.Now().Add(time.Duration(msg.DelaySeconds) * time.Second).UnixMilli())
		if err := q.client.ZAdd(ctx, q.delayedKey(queueName), redis.Z{Score: ready, Member: encoded}).Err(); err != nil {
			return "", fmt.Errorf("redis delay message: %w", err)
		}
	} else {
		if err := q.client.LPush(ctx, q.pendingKey(queueName, msg.Priority), encoded).Err(); err != nil {
			return "", fmt.Errorf("redis send message: %w", err)
		}
	}
	if err := q.client.HIncrBy(ctx, q.countersKey(queueName), "total", 1).Err(); err != nil {
		return "", fmt.Errorf("redis count message: %w", err)
	}
	return msg.ID, nil
}

// ReceiveMessage scans the priority lists urgent-first with a cooperative
// poll loop, promoting due delayed messages before each scan.
func (q *RedisQueue) ReceiveMessage(ctx context.Context, queueName string, timeout time.Duration) (*Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		msg, err := q.tryReceive(ctx, queueName)
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
func (q *RedisQueue) ReceiveMessages(ctx context.Context, queueName string, max int, timeout time.Duration) ([]*Message, error) {
	if max <= 0 {
		return nil, nil
	}
	first, err := q.ReceiveMessage(ctx, queueName, timeout)
	if err != nil || first == nil {
		return nil, err
	}
	msgs := []*Message{first}
	for len(msgs) < max {
		next, err := q.tryReceive(ctx, queueName)
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
func (q *RedisQueue) AcknowledgeMessage(ctx context.Context, msg *Message) (bool, error) {
	if msg == nil {
		return false, nil
	}
	removed, err := q.client.HDel(ctx, q.inflightKey(msg.QueueName), msg.ID).Result()
	if err != nil {
		return false, fmt.Errorf("redis ack: %w", err)
	}
	if removed == 0 {
		return false, nil
	}
	if err := q.client.HIncrBy(ctx, q.countersKey(msg.QueueName), "completed", 1).Err(); err != nil {
		return true, fmt.Errorf("redis ack counter: %w", err)
	}
	return true, nil
}

// RejectMessage requeues to the tail of the original priority class or
// dead-letters when the retry budget is exhausted.
func (q *RedisQueue) RejectMessage(ctx context.Context, msg *Message, requeue bool, reason string) (bool, error) {
	if msg == nil {
		return false, nil
	}
	inflightKey := q.inflightKey(msg.QueueName)
	encoded, err := q.client.HGet(ctx, inflightKey, msg.ID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis reject lookup: %w", err)
	}
	var stored Message
	if err := json.Unmarshal([]byte(encoded), &stored); err != nil {
		return false, fmt.Errorf("redis reject decode: %w", err)
	}
	if err := q.client.HDel(ctx, inflightKey, msg.ID).Err(); err != nil {
		return false, fmt.Errorf("redis reject remove: %w", err)
	}

	if requeue && stored.RetryCount < stored.MaxRetries {
		stored.RetryCount++
		stored.Status = StatusRetry
		stored.UpdatedAt = time.Now().UTC()
		reencoded, err := json.Marshal(&stored)
		if err != nil {
			return false, fmt.Errorf("redis reject encode: %w", err)
		}
		// LPUSH puts the message at the head of the list; RPOP consumes
		// from the tail, so this is the tail of the priority class.
		if err := q.client.LPush(ctx, q.pendingKey(msg.QueueName, stored.Priority), reencoded).Err(); err != nil {
			return false, fmt.Errorf("redis requeue: %w", err)
		}
		if err := q.client.HIncrBy(ctx, q.countersKey(msg.QueueName), "retried", 1).Err(); err != nil {
			return true, fmt.Errorf("redis retry counter: %w", err)
		}
		return true, nil
	}

	if err := q.client.HIncrBy(ctx, q.countersKey(msg.QueueName), "failed", 1).Err(); err != nil {
		return true, fmt.Errorf("redis failed counter: %w", err)
	}
	q.logger.Debug("message dead-lettered",
		zap.String("queue", msg.QueueName),
		zap.String("message_id", msg.ID),
		zap.String("reason", reason))
	return true, nil
}

// GetQueueStats assembles the stats snapshot from list lengths and counters.
func (q *RedisQueue) GetQueueStats(ctx context.Context, name string) (*Stats, error) {
	member, err := q.client.SIsMember(ctx, redisQueuesKey, name).Result()
	if err != nil {
		return nil, fmt.Errorf("redis stats: %w", err)
	}
	if !member {
		return nil, ErrQueueNotFound
	}

	stats := &Stats{Name: name}
	for p := PriorityLow; p <= PriorityUrgent; p++ {
		n, err := q.client.LLen(ctx, q.pendingKey(name, p)).Result()
		if err != nil {
			return nil, fmt.Errorf("redis stats: %w", err)
		}
		stats.Pending += int(n)
	}
	delayed, err := q.client.ZCard(ctx, q.delayedKey(name)).Result()
	if err == nil {
		stats.Pending += int(delayed)
	}
	inflight, err := q.client.HLen(ctx, q.inflightKey(name)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis stats: %w", err)
	}
	stats.Processing = int(inflight)

	counters, err := q.client.HGetAll(ctx, q.countersKey(name)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis stats counters: %w", err)
	}
	stats.Completed = atoi(counters["completed"])
	stats.Failed = atoi(counters["failed"])
	stats.Retried = atoi(counters["retried"])
	stats.Total = atoi(counters["total"])
	return stats, nil
}

// tryReceive promotes due delayed messages, then pops the highest
// priority list that has a message and moves it in-flight.
func (q *RedisQueue) tryReceive(ctx context.Context, queueName string) (*Message, error) {
	if err := q.promoteDelayed(ctx, queueName); err != nil {
		return nil, err
	}
	for p := PriorityUrgent; p >= PriorityLow; p-- {
		encoded, err := q.client.RPop(ctx, q.pendingKey(queueName, p)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis receive: %w", err)
		}
		var msg Message
		if err := json.Unmarshal([]byte(encoded), &msg); err != nil {
			return nil, fmt.Errorf("redis receive decode: %w", err)
		}
		msg.Status = StatusProcessing
		msg.UpdatedAt = time.Now().UTC()
		stored, err := json.Marshal(&msg)
		if err != nil {
			return nil, fmt.Errorf("redis receive encode: %w", err)
		}
		if err := q.client.HSet(ctx, q.inflightKey(queueName), msg.ID, stored).Err(); err != nil {
			return nil, fmt.Errorf("redis receive inflight: %w", err)
		}
		return &msg, nil
	}
	return nil, nil
}

// promoteDelayed moves due messages from the delayed set to their
// priority lists. Promotion order inside one batch follows ready time.
func (q *RedisQueue) promoteDelayed(ctx context.Context, queueName string) error {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	due, err := q.client.ZRangeByScore(ctx, q.delayedKey(queueName), &redis.ZRangeBy{
		Min: "-inf", Max: now,
	}).Result()
	if err != nil {
		return fmt.Errorf("redis promote delayed: %w", err)
	}
	for _, encoded := range due {
		var msg Message
		if err := json.Unmarshal([]byte(encoded), &msg); err != nil {
			// Unreadable entry: drop it rather than wedge the queue.
			q.client.ZRem(ctx, q.delayedKey(queueName), encoded)
			continue
		}
		removed, err := q.client.ZRem(ctx, q.delayedKey(queueName), encoded).Result()
		if err != nil || removed == 0 {
			continue // another consumer promoted it first
		}
		if err := q.client.LPush(ctx, q.pendingKey(queueName, msg.Priority), encoded).Err(); err != nil {
			return fmt.Errorf("redis promote push: %w", err)
		}
	}
	return nil
}

func (q *RedisQueue) pendingKey(queueName string, p Priority) string {
	return fmt.Sprintf("%s:%s:p%d", redisNamespace, queueName, int(p))
}

func (q *RedisQueue) delayedKey(queueName string) string {
	return fmt.Sprintf("%s:%s:delayed", redisNamespace, queueName)
}

func (q *RedisQueue) inflightKey(queueName string) string {
	return fmt.Sprintf("%s:%s:inflight", redisNamespace, queueName)
}

func (q *RedisQueue) countersKey(queueName string) string {
	return fmt.Sprintf("%s:%s:counters", redisNamespace, queueName)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
