package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/common/logger"
)

func setupQueue(t *testing.T) (*MemoryQueue, context.Context) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	q := NewMemoryQueue(log)
	ctx := context.Background()
	require.NoError(t, q.Initialize(ctx))
	t.Cleanup(func() { _ = q.Shutdown(ctx) })
	return q, ctx
}

func TestCreateQueue(t *testing.T) {
	q, ctx := setupQueue(t)

	created, err := q.CreateQueue(ctx, "work")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = q.CreateQueue(ctx, "work")
	require.NoError(t, err)
	assert.False(t, created, "second create of the same queue reports existing")

	names, err := q.ListQueues(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"work"}, names)
}

func TestSendAutoCreatesQueue(t *testing.T) {
	q, ctx := setupQueue(t)

	id, err := q.SendMessage(ctx, "implicit", []byte("payload"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	stats, err := q.GetQueueStats(ctx, "implicit")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Total)
}

func TestPriorityOrdering(t *testing.T) {
	q, ctx := setupQueue(t)

	// Enqueued Normal, High, Low, Urgent; delivered Urgent, High, Normal, Low.
	for _, p := range []Priority{PriorityNormal, PriorityHigh, PriorityLow, PriorityUrgent} {
		_, err := q.SendMessage(ctx, "work", []byte(p.String()), WithPriority(p))
		require.NoError(t, err)
	}

	var got []string
	for i := 0; i < 4; i++ {
		msg, err := q.ReceiveMessage(ctx, "work", 0)
		require.NoError(t, err)
		require.NotNil(t, msg)
		got = append(got, string(msg.Payload))
	}
	assert.Equal(t, []string{"urgent", "high", "normal", "low"}, got)
}

func TestFIFOWithinPriority(t *testing.T) {
	q, ctx := setupQueue(t)

	for i := 0; i < 5; i++ {
		_, err := q.SendMessage(ctx, "work", []byte(fmt.Sprintf("msg-%d", i)))
		require.NoError(t, err)
	}
	for i := 0; i < 5; i++ {
		msg, err := q.ReceiveMessage(ctx, "work", 0)
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, fmt.Sprintf("msg-%d", i), string(msg.Payload))
	}
}

func TestReceiveEmptyQueue(t *testing.T) {
	q, ctx := setupQueue(t)
	_, err := q.CreateQueue(ctx, "empty")
	require.NoError(t, err)

	t.Run("zero timeout returns immediately", func(t *testing.T) {
		start := time.Now()
		msg, err := q.ReceiveMessage(ctx, "empty", 0)
		require.NoError(t, err)
		assert.Nil(t, msg)
		assert.Less(t, time.Since(start), 100*time.Millisecond)
	})

	t.Run("positive timeout blocks until message", func(t *testing.T) {
		done := make(chan *Message, 1)
		go func() {
			msg, _ := q.ReceiveMessage(ctx, "empty", 2*time.Second)
			done <- msg
		}()

		time.Sleep(50 * time.Millisecond)
		_, err := q.SendMessage(ctx, "empty", []byte("late"))
		require.NoError(t, err)

		select {
		case msg := <-done:
			require.NotNil(t, msg)
			assert.Equal(t, "late", string(msg.Payload))
		case <-time.After(3 * time.Second):
			t.Fatal("receive did not observe the message")
		}
	})

	t.Run("timeout expires without message", func(t *testing.T) {
		msg, err := q.ReceiveMessage(ctx, "empty", 150*time.Millisecond)
		require.NoError(t, err)
		assert.Nil(t, msg)
	})
}

func TestReceiveMessagesPrefix(t *testing.T) {
	q, ctx := setupQueue(t)

	for i := 0; i < 3; i++ {
		_, err := q.SendMessage(ctx, "work", []byte(fmt.Sprintf("n-%d", i)))
		require.NoError(t, err)
	}
	_, err := q.SendMessage(ctx, "work", []byte("urgent"), WithPriority(PriorityUrgent))
	require.NoError(t, err)

	msgs, err := q.ReceiveMessages(ctx, "work", 3, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "urgent", string(msgs[0].Payload))
	assert.Equal(t, "n-0", string(msgs[1].Payload))
	assert.Equal(t, "n-1", string(msgs[2].Payload))
}

func TestAcknowledgeIdempotent(t *testing.T) {
	q, ctx := setupQueue(t)

	_, err := q.SendMessage(ctx, "work", []byte("one"))
	require.NoError(t, err)
	msg, err := q.ReceiveMessage(ctx, "work", 0)
	require.NoError(t, err)
	require.NotNil(t, msg)

	ok, err := q.AcknowledgeMessage(ctx, msg)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.AcknowledgeMessage(ctx, msg)
	require.NoError(t, err)
	assert.False(t, ok, "second ack is a no-op")

	stats, err := q.GetQueueStats(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 0, stats.Processing)
	assert.Equal(t, 1, stats.Completed)
}

func TestRejectRequeueGoesToTailOfClass(t *testing.T) {
	q, ctx := setupQueue(t)

	_, err := q.SendMessage(ctx, "work", []byte("first"))
	require.NoError(t, err)
	_, err = q.SendMessage(ctx, "work", []byte("second"))
	require.NoError(t, err)

	first, err := q.ReceiveMessage(ctx, "work", 0)
	require.NoError(t, err)
	require.Equal(t, "first", string(first.Payload))

	ok, err := q.RejectMessage(ctx, first, true, "transient")
	require.NoError(t, err)
	assert.True(t, ok)

	// The requeued message keeps its priority but follows "second".
	msg, err := q.ReceiveMessage(ctx, "work", 0)
	require.NoError(t, err)
	assert.Equal(t, "second", string(msg.Payload))

	msg, err = q.ReceiveMessage(ctx, "work", 0)
	require.NoError(t, err)
	assert.Equal(t, "first", string(msg.Payload))
	assert.Equal(t, 1, msg.RetryCount)
	assert.Equal(t, StatusProcessing, msg.Status)
}

func TestRejectExhaustsRetryBudget(t *testing.T) {
	q, ctx := setupQueue(t)

	_, err := q.SendMessage(ctx, "work", []byte("poison"), WithMaxRetries(2))
	require.NoError(t, err)

	// Two requeues succeed, the third reject dead-letters.
	for i := 0; i < 2; i++ {
		msg, err := q.ReceiveMessage(ctx, "work", 0)
		require.NoError(t, err)
		require.NotNil(t, msg)
		ok, err := q.RejectMessage(ctx, msg, true, "still failing")
		require.NoError(t, err)
		assert.True(t, ok)
	}

	msg, err := q.ReceiveMessage(ctx, "work", 0)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, 2, msg.RetryCount)

	ok, err := q.RejectMessage(ctx, msg, true, "exhausted")
	require.NoError(t, err)
	assert.True(t, ok)

	gone, err := q.ReceiveMessage(ctx, "work", 0)
	require.NoError(t, err)
	assert.Nil(t, gone, "dead-lettered message is removed")

	stats, err := q.GetQueueStats(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 2, stats.Retried)
}

func TestRejectWithoutRequeueDropsImmediately(t *testing.T) {
	q, ctx := setupQueue(t)

	_, err := q.SendMessage(ctx, "work", []byte("permanent"))
	require.NoError(t, err)
	msg, err := q.ReceiveMessage(ctx, "work", 0)
	require.NoError(t, err)

	ok, err := q.RejectMessage(ctx, msg, false, "permanent failure")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.RejectMessage(ctx, msg, false, "again")
	require.NoError(t, err)
	assert.False(t, ok, "reject of an unknown message is a no-op")
}

func TestBoundedQueueSurfacesFull(t *testing.T) {
	q, ctx := setupQueue(t)

	_, err := q.CreateQueue(ctx, "bounded", WithMaxSize(2))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := q.SendMessage(ctx, "bounded", []byte("x"))
		require.NoError(t, err)
	}
	_, err = q.SendMessage(ctx, "bounded", []byte("overflow"))
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestPurgeAndDelete(t *testing.T) {
	q, ctx := setupQueue(t)

	for i := 0; i < 3; i++ {
		_, err := q.SendMessage(ctx, "work", []byte("x"))
		require.NoError(t, err)
	}
	inflight, err := q.ReceiveMessage(ctx, "work", 0)
	require.NoError(t, err)
	require.NotNil(t, inflight)

	removed, err := q.PurgeQueue(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, 2, removed, "purge drops pending, not in-flight")

	ok, err := q.AcknowledgeMessage(ctx, inflight)
	require.NoError(t, err)
	assert.True(t, ok, "in-flight message survives the purge")

	removed, err = q.PurgeQueue(ctx, "missing")
	require.NoError(t, err)
	assert.Zero(t, removed)

	deleted, err := q.DeleteQueue(ctx, "work")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = q.DeleteQueue(ctx, "work")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestDelaySecondsPreserved(t *testing.T) {
	q, ctx := setupQueue(t)

	// The memory backend does not honor the delay but must preserve it.
	_, err := q.SendMessage(ctx, "work", []byte("delayed"), WithDelay(30))
	require.NoError(t, err)

	msg, err := q.ReceiveMessage(ctx, "work", 0)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, 30, msg.DelaySeconds)
}

func TestShutdownIdempotent(t *testing.T) {
	q, ctx := setupQueue(t)

	_, err := q.SendMessage(ctx, "work", []byte("x"))
	require.NoError(t, err)

	require.NoError(t, q.Shutdown(ctx))
	require.NoError(t, q.Shutdown(ctx), "second shutdown is a no-op")

	_, err = q.SendMessage(ctx, "work", []byte("x"))
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestConcurrentConsumersCompete(t *testing.T) {
	q, ctx := setupQueue(t)

	const total = 50
	for i := 0; i < total; i++ {
		_, err := q.SendMessage(ctx, "work", []byte(fmt.Sprintf("m-%d", i)))
		require.NoError(t, err)
	}

	received := make(chan string, total)
	for w := 0; w < 4; w++ {
		go func() {
			for {
				msg, err := q.ReceiveMessage(ctx, "work", 0)
				if err != nil || msg == nil {
					return
				}
				received <- msg.ID
				_, _ = q.AcknowledgeMessage(ctx, msg)
			}
		}()
	}

	seen := make(map[string]bool)
	for i := 0; i < total; i++ {
		select {
		case id := <-received:
			assert.False(t, seen[id], "message %s delivered twice", id)
			seen[id] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d messages delivered", i, total)
		}
	}
}
