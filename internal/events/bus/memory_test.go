package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/common/logger"
)

func newBusLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

// collector records delivered events so tests can wait for them.
type collector struct {
	mu     sync.Mutex
	events []*Event
}

func (c *collector) handler(ctx context.Context, event *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestMemoryBusExactSubject(t *testing.T) {
	bus := NewMemoryEventBus(newBusLogger(t))
	defer bus.Close()

	var got collector
	sub, err := bus.Subscribe("agentmux.execution.completed", got.handler)
	require.NoError(t, err)
	assert.True(t, sub.IsValid())

	event := NewEvent("execution.completed", "test", map[string]any{"message_id": "m1"})
	require.NoError(t, bus.Publish(context.Background(), "agentmux.execution.completed", event))

	require.Eventually(t, func() bool { return got.count() == 1 },
		time.Second, 5*time.Millisecond)

	// A different subject is not delivered.
	other := NewEvent("execution.failed", "test", nil)
	require.NoError(t, bus.Publish(context.Background(), "agentmux.execution.failed", other))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, got.count())
}

func TestMemoryBusWildcards(t *testing.T) {
	bus := NewMemoryEventBus(newBusLogger(t))
	defer bus.Close()

	var single, multi collector
	_, err := bus.Subscribe("agentmux.*", single.handler)
	require.NoError(t, err)
	_, err = bus.Subscribe("agentmux.>", multi.handler)
	require.NoError(t, err)

	// Two tokens after the prefix: only > matches.
	deep := NewEvent("execution.completed", "test", nil)
	require.NoError(t, bus.Publish(context.Background(), "agentmux.execution.completed", deep))

	// One token: both match.
	flat := NewEvent("heartbeat", "test", nil)
	require.NoError(t, bus.Publish(context.Background(), "agentmux.heartbeat", flat))

	require.Eventually(t, func() bool { return multi.count() == 2 },
		time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return single.count() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newBusLogger(t))
	defer bus.Close()

	var got collector
	sub, err := bus.Subscribe("agentmux.agent.created", got.handler)
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	event := NewEvent("agent.created", "test", nil)
	require.NoError(t, bus.Publish(context.Background(), "agentmux.agent.created", event))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, got.count())
}

func TestMemoryBusQueueGroupDeliversOnce(t *testing.T) {
	bus := NewMemoryEventBus(newBusLogger(t))
	defer bus.Close()

	var a, b collector
	_, err := bus.QueueSubscribe("agentmux.execution.submitted", "workers", a.handler)
	require.NoError(t, err)
	_, err = bus.QueueSubscribe("agentmux.execution.submitted", "workers", b.handler)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		event := NewEvent("execution.submitted", "test", nil)
		require.NoError(t, bus.Publish(context.Background(), "agentmux.execution.submitted", event))
	}

	require.Eventually(t, func() bool { return a.count()+b.count() == 4 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, a.count(), "round-robin splits the group evenly")
	assert.Equal(t, 2, b.count())
}

func TestMemoryBusClose(t *testing.T) {
	bus := NewMemoryEventBus(newBusLogger(t))
	assert.True(t, bus.IsConnected())

	bus.Close()
	assert.False(t, bus.IsConnected())

	err := bus.Publish(context.Background(), "agentmux.heartbeat", NewEvent("heartbeat", "test", nil))
	assert.Error(t, err)

	_, err = bus.Subscribe("agentmux.>", func(ctx context.Context, event *Event) error { return nil })
	assert.Error(t, err)
}
