package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/agent/models"
	"github.com/agentmux/agentmux/internal/agent/store"
	"github.com/agentmux/agentmux/internal/executor"
	"github.com/agentmux/agentmux/internal/queue"
	"github.com/agentmux/agentmux/internal/template"
)

type testEnv struct {
	orch  *Orchestrator
	queue queue.Queue
	store store.Store
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxWorkers = 4
	cfg.ReceiveTimeout = 100 * time.Millisecond
	cfg.StreamReceiveTimeout = 2 * time.Second
	cfg.CleanupInterval = time.Hour
	return cfg
}

// newTestEnv wires a memory queue, a memory store, and the reference
// executor into an orchestrator. A nil exec uses the reference executor.
func newTestEnv(t *testing.T, cfg Config, exec executor.Executor) *testEnv {
	t.Helper()
	log := testLogger(t)
	q := queue.NewMemoryQueue(log)
	s := store.NewMemoryStore()
	if exec == nil {
		registry, err := template.NewRegistry(log)
		require.NoError(t, err)
		exec = executor.NewReference(registry, log)
	}

	orch := New(cfg, q, s, exec, nil, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, orch.Shutdown(ctx))
	})
	return &testEnv{orch: orch, queue: q, store: s}
}

func (e *testEnv) start(t *testing.T) {
	t.Helper()
	require.NoError(t, e.orch.Initialize(context.Background()))
}

func (e *testEnv) seedChatAgent(t *testing.T, templateConfig map[string]any) *models.Agent {
	t.Helper()
	cfg, err := models.NewAgentConfiguration("", "", nil, nil, templateConfig)
	require.NoError(t, err)
	agent := &models.Agent{
		Name:          "chat",
		TemplateID:    "simple-chat",
		Configuration: cfg,
		Status:        models.AgentStatusActive,
	}
	require.NoError(t, e.store.Create(context.Background(), agent))
	return agent
}

func executeRequest(t *testing.T, agentID, content string) *ExecutionRequest {
	t.Helper()
	msg, err := models.NewChatMessage(models.RoleUser, content)
	require.NoError(t, err)
	return &ExecutionRequest{
		AgentID:  agentID,
		Messages: []*models.ChatMessage{msg},
	}
}

func TestExecuteRoundTrip(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	agent := env.seedChatAgent(t, map[string]any{"response_prefix": "Echo: "})
	env.start(t)
	ctx := context.Background()

	messageID, err := env.orch.Submit(ctx, executeRequest(t, agent.ID, "hello there"))
	require.NoError(t, err)
	require.NotEmpty(t, messageID)

	result, err := env.orch.AwaitResult(ctx, messageID, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.True(t, result.Success)
	assert.Equal(t, "Echo: hello there", result.Content)
	assert.Equal(t, executor.FinishStop, result.FinishReason)
	assert.Equal(t, messageID, result.MessageID)
	assert.Equal(t, agent.ID, result.AgentID)
	assert.Equal(t, 2, result.PromptTokens)
	assert.Equal(t, 3, result.CompletionTokens)
}

func TestStreamingRoundTrip(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	agent := env.seedChatAgent(t, map[string]any{
		"response_prefix": "",
		"chunk_words":     float64(1),
	})
	env.start(t)
	ctx := context.Background()

	req := executeRequest(t, agent.ID, "alpha beta gamma delta")
	req.Stream = true
	messageID, err := env.orch.Submit(ctx, req)
	require.NoError(t, err)

	chunks, err := env.orch.StreamResults(ctx, messageID)
	require.NoError(t, err)

	var received []StreamingChunk
	for chunk := range chunks {
		received = append(received, chunk)
	}
	require.Len(t, received, 4)
	var assembled string
	for i, chunk := range received {
		assert.Equal(t, i, chunk.ChunkIndex)
		assert.Equal(t, messageID, chunk.MessageID)
		assembled += chunk.Content
	}
	assert.Equal(t, "alpha beta gamma delta", assembled)

	result, err := env.orch.AwaitResult(ctx, messageID, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Success)
	assert.Equal(t, "Streaming completed with 4 chunks", result.Content)
	assert.EqualValues(t, 4, result.Metadata["chunk_count"])
}

func TestUnknownAgentFailsCleanly(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	env.start(t)
	ctx := context.Background()

	messageID, err := env.orch.Submit(ctx, executeRequest(t, "ghost", "hi"))
	require.NoError(t, err)

	result, err := env.orch.AwaitResult(ctx, messageID, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "not found")
	assert.Equal(t, executor.FinishError, result.FinishReason)

	// The triggering message is consumed, not left in flight or requeued.
	require.Eventually(t, func() bool {
		stats, err := env.queue.GetQueueStats(ctx, QueueMessages)
		return err == nil && stats.Pending == 0 && stats.Processing == 0
	}, 2*time.Second, 20*time.Millisecond)
	assert.Empty(t, env.orch.Instances())
}

// errStreamExecutor streams one content chunk and then fails.
type errStreamExecutor struct {
	executor.Executor
}

func (e errStreamExecutor) StreamExecute(ctx context.Context, req *executor.Request) (<-chan executor.Chunk, error) {
	ch := make(chan executor.Chunk, 2)
	ch <- executor.Chunk{Content: "partial ", ChunkIndex: 0}
	ch <- executor.Chunk{
		ChunkIndex:   1,
		FinishReason: executor.FinishError,
		Metadata:     map[string]any{"error": "backend connection lost"},
	}
	close(ch)
	return ch, nil
}

func TestStreamingFailureMidStream(t *testing.T) {
	log := testLogger(t)
	registry, err := template.NewRegistry(log)
	require.NoError(t, err)
	exec := errStreamExecutor{Executor: executor.NewReference(registry, log)}

	env := newTestEnv(t, testConfig(), exec)
	agent := env.seedChatAgent(t, nil)
	env.start(t)
	ctx := context.Background()

	req := executeRequest(t, agent.ID, "doomed")
	req.Stream = true
	messageID, err := env.orch.Submit(ctx, req)
	require.NoError(t, err)

	chunks, err := env.orch.StreamResults(ctx, messageID)
	require.NoError(t, err)

	var received []StreamingChunk
	for chunk := range chunks {
		received = append(received, chunk)
	}
	require.Len(t, received, 2, "the content chunk and the terminal error chunk")
	assert.Equal(t, "partial ", received[0].Content)
	assert.Equal(t, executor.FinishError, received[1].FinishReason)
	assert.True(t, received[1].IsStreamEnd())

	result, err := env.orch.AwaitResult(ctx, messageID, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Equal(t, "backend connection lost", result.Error)

	// The ephemeral stream queue is gone once the consumer finishes.
	require.Eventually(t, func() bool {
		names, err := env.queue.ListQueues(ctx)
		if err != nil {
			return false
		}
		for _, name := range names {
			if name == StreamQueueName(messageID) {
				return false
			}
		}
		return true
	}, 2*time.Second, 20*time.Millisecond)
}

func TestPriorityOrderWithSingleWorker(t *testing.T) {
	cfg := testConfig()
	cfg.MaxWorkers = 1
	env := newTestEnv(t, cfg, nil)
	agent := env.seedChatAgent(t, map[string]any{"response_prefix": ""})
	ctx := context.Background()
	require.NoError(t, env.queue.Initialize(ctx))

	// Submit before the worker starts so all four are pending together.
	priorities := []queue.Priority{
		queue.PriorityLow,
		queue.PriorityNormal,
		queue.PriorityHigh,
		queue.PriorityUrgent,
	}
	byMessage := make(map[string]queue.Priority, len(priorities))
	for _, p := range priorities {
		req := executeRequest(t, agent.ID, "ping")
		req.Priority = p
		messageID, err := env.orch.Submit(ctx, req)
		require.NoError(t, err)
		byMessage[messageID] = p
	}

	env.start(t)

	var order []queue.Priority
	for len(order) < len(priorities) {
		msg, err := env.queue.ReceiveMessage(ctx, QueueResults, 5*time.Second)
		require.NoError(t, err)
		require.NotNil(t, msg, "expected a result before the timeout")
		var result ExecutionResult
		require.NoError(t, json.Unmarshal(msg.Payload, &result))
		_, err = env.queue.AcknowledgeMessage(ctx, msg)
		require.NoError(t, err)
		order = append(order, byMessage[result.MessageID])
	}

	assert.Equal(t, []queue.Priority{
		queue.PriorityUrgent,
		queue.PriorityHigh,
		queue.PriorityNormal,
		queue.PriorityLow,
	}, order)
}

func TestInstanceReuseAcrossMessages(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	agent := env.seedChatAgent(t, map[string]any{"response_prefix": "Echo: "})
	env.start(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		req := executeRequest(t, agent.ID, "again")
		req.TaskID = "conversation-1"
		messageID, err := env.orch.Submit(ctx, req)
		require.NoError(t, err)
		result, err := env.orch.AwaitResult(ctx, messageID, 5*time.Second)
		require.NoError(t, err)
		require.NotNil(t, result)
		require.True(t, result.Success)
	}

	summaries := env.orch.Instances()
	require.Len(t, summaries, 1, "both messages share one instance")
	assert.Equal(t, 2, summaries[0].MessageCount)
	assert.Equal(t, "conversation-1", summaries[0].TaskID)
}

func TestScriptedAgentFollowsMessageCount(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	cfg, err := models.NewAgentConfiguration("", "", nil, nil, map[string]any{
		"responses": []any{"first", "second"},
	})
	require.NoError(t, err)
	agent := &models.Agent{
		Name:          "scripted",
		TemplateID:    "scripted",
		Configuration: cfg,
		Status:        models.AgentStatusActive,
	}
	require.NoError(t, env.store.Create(context.Background(), agent))
	env.start(t)
	ctx := context.Background()

	for _, want := range []string{"first", "second"} {
		req := executeRequest(t, agent.ID, "next")
		req.TaskID = "t"
		messageID, err := env.orch.Submit(ctx, req)
		require.NoError(t, err)
		result, err := env.orch.AwaitResult(ctx, messageID, 5*time.Second)
		require.NoError(t, err)
		require.NotNil(t, result)
		require.True(t, result.Success)
		assert.Equal(t, want, result.Content)
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	ctx := context.Background()

	_, err := env.orch.Submit(ctx, &ExecutionRequest{})
	assert.Error(t, err, "missing agent id")

	_, err = env.orch.Submit(ctx, &ExecutionRequest{AgentID: "a"})
	assert.Error(t, err, "missing messages")
}

func TestAwaitResultTimeout(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	env.start(t)

	result, err := env.orch.AwaitResult(context.Background(), "nobody", 300*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, result, "a timeout yields no result and no error")
}

func TestShutdownIsIdempotent(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	env.start(t)
	ctx := context.Background()

	require.NoError(t, env.orch.Shutdown(ctx))
	require.NoError(t, env.orch.Shutdown(ctx))
}
