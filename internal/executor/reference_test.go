package executor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/agent/models"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/template"
)

func setupExecutor(t *testing.T) *Reference {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	registry, err := template.NewRegistry(log)
	require.NoError(t, err)
	return NewReference(registry, log)
}

func userMessage(t *testing.T, content string) *models.ChatMessage {
	t.Helper()
	msg, err := models.NewChatMessage(models.RoleUser, content)
	require.NoError(t, err)
	return msg
}

func TestExecuteSimpleChat(t *testing.T) {
	exec := setupExecutor(t)

	res, err := exec.Execute(context.Background(), &Request{
		TemplateID:    "simple-chat",
		Configuration: map[string]any{"response_prefix": "Echo: "},
		Messages:      []*models.ChatMessage{userMessage(t, "hello world")},
	})
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.True(t, res.Success)
	assert.Equal(t, "Echo: hello world", res.Content)
	assert.Equal(t, FinishStop, res.FinishReason)
	assert.Equal(t, 2, res.PromptTokens)
	assert.Equal(t, 3, res.CompletionTokens)
	assert.Empty(t, res.Error)
}

func TestExecuteUnknownTemplate(t *testing.T) {
	exec := setupExecutor(t)

	res, err := exec.Execute(context.Background(), &Request{
		TemplateID: "nope",
		Messages:   []*models.ChatMessage{userMessage(t, "hi")},
	})
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not found")
	assert.Equal(t, FinishError, res.FinishReason)
	assert.Zero(t, res.PromptTokens)
	assert.Zero(t, res.CompletionTokens)
}

func TestExecuteMaxTokensTruncates(t *testing.T) {
	exec := setupExecutor(t)

	maxTokens := 2
	res, err := exec.Execute(context.Background(), &Request{
		TemplateID:    "simple-chat",
		Configuration: map[string]any{"response_prefix": ""},
		Messages:      []*models.ChatMessage{userMessage(t, "one two three four five")},
		MaxTokens:     &maxTokens,
	})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, FinishLength, res.FinishReason)
	assert.Equal(t, 2, res.CompletionTokens)
}

func TestExecuteTimeout(t *testing.T) {
	exec := setupExecutor(t)
	exec.RegisterRuntime("slow", runtimeFunc(func(ctx context.Context, req *Request) (string, map[string]any, error) {
		select {
		case <-time.After(5 * time.Second):
			return "too late", nil, nil
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}
	}))

	res, err := exec.Execute(context.Background(), &Request{
		TemplateID: "slow",
		Messages:   []*models.ChatMessage{userMessage(t, "hi")},
		Timeout:    50 * time.Millisecond,
	})
	require.NoError(t, err, "timeouts surface in the result, not as errors")
	require.NotNil(t, res)

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "timed out")
	assert.Equal(t, FinishError, res.FinishReason)
}

func TestExecuteTransientErrorPropagates(t *testing.T) {
	exec := setupExecutor(t)
	exec.RegisterRuntime("flaky", runtimeFunc(func(ctx context.Context, req *Request) (string, map[string]any, error) {
		return "", nil, fmt.Errorf("upstream 503: %w", ErrTransient)
	}))

	res, err := exec.Execute(context.Background(), &Request{
		TemplateID: "flaky",
		Messages:   []*models.ChatMessage{userMessage(t, "hi")},
	})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, IsTransient(err))
}

func TestStreamExecuteChunkOrder(t *testing.T) {
	exec := setupExecutor(t)

	ch, err := exec.StreamExecute(context.Background(), &Request{
		TemplateID:    "simple-chat",
		Configuration: map[string]any{"response_prefix": "", "chunk_words": float64(1)},
		Messages:      []*models.ChatMessage{userMessage(t, "alpha beta gamma")},
	})
	require.NoError(t, err)

	var chunks []Chunk
	for chunk := range ch {
		chunks = append(chunks, chunk)
	}
	require.Len(t, chunks, 3)

	var assembled string
	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.ChunkIndex, "chunk indices are strictly increasing from 0")
		assembled += chunk.Content
		if i < len(chunks)-1 {
			assert.Empty(t, chunk.FinishReason)
		}
	}
	assert.Equal(t, "alpha beta gamma", assembled)
	assert.Equal(t, FinishStop, chunks[len(chunks)-1].FinishReason, "only the final chunk carries a finish reason")
}

func TestStreamExecuteUnknownTemplate(t *testing.T) {
	exec := setupExecutor(t)

	ch, err := exec.StreamExecute(context.Background(), &Request{TemplateID: "nope"})
	require.NoError(t, err)

	var chunks []Chunk
	for chunk := range ch {
		chunks = append(chunks, chunk)
	}
	require.Len(t, chunks, 1, "unknown template yields exactly one chunk")
	assert.Equal(t, FinishError, chunks[0].FinishReason)
	assert.Contains(t, chunks[0].Metadata["error"], "not found")
}

func TestStreamExecuteEmptyStream(t *testing.T) {
	exec := setupExecutor(t)
	exec.RegisterRuntime("silent", runtimeFunc(func(ctx context.Context, req *Request) (string, map[string]any, error) {
		return "", nil, nil
	}))

	ch, err := exec.StreamExecute(context.Background(), &Request{TemplateID: "silent"})
	require.NoError(t, err)

	var chunks []Chunk
	for chunk := range ch {
		chunks = append(chunks, chunk)
	}
	require.Len(t, chunks, 1, "empty stream still yields a terminal chunk")
	assert.Empty(t, chunks[0].Content)
	assert.Equal(t, FinishStop, chunks[0].FinishReason)
}

func TestScriptedRuntimeSequence(t *testing.T) {
	exec := setupExecutor(t)
	cfg := map[string]any{
		"responses": []any{"first", "second"},
		"loop":      true,
	}

	for i, want := range []string{"first", "second", "first"} {
		res, err := exec.Execute(context.Background(), &Request{
			TemplateID:    "scripted",
			Configuration: cfg,
			Messages:      []*models.ChatMessage{userMessage(t, "next")},
			Metadata:      map[string]any{"message_count": float64(i + 1)},
		})
		require.NoError(t, err)
		require.True(t, res.Success)
		assert.Equal(t, want, res.Content, "request %d", i+1)
	}
}

func TestScriptedRuntimeMissingResponses(t *testing.T) {
	exec := setupExecutor(t)

	res, err := exec.Execute(context.Background(), &Request{
		TemplateID:    "scripted",
		Configuration: map[string]any{},
		Messages:      []*models.ChatMessage{userMessage(t, "next")},
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "responses")
}

func TestValidateConfiguration(t *testing.T) {
	exec := setupExecutor(t)

	t.Run("valid", func(t *testing.T) {
		ok, errs := exec.ValidateConfiguration("simple-chat", "", map[string]any{
			"response_prefix": "Hi: ",
		})
		assert.True(t, ok)
		assert.Empty(t, errs)
	})

	t.Run("constraint violation", func(t *testing.T) {
		ok, errs := exec.ValidateConfiguration("simple-chat", "", map[string]any{
			"chunk_words": float64(1000),
		})
		assert.False(t, ok)
		assert.NotEmpty(t, errs)
	})

	t.Run("unknown template", func(t *testing.T) {
		ok, errs := exec.ValidateConfiguration("nope", "", map[string]any{})
		assert.False(t, ok)
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0], "not found")
	})

	t.Run("version mismatch", func(t *testing.T) {
		ok, errs := exec.ValidateConfiguration("simple-chat", "9.9.9", map[string]any{})
		assert.False(t, ok)
		require.NotEmpty(t, errs)
		assert.Contains(t, errs[0], "version")
	})
}

func TestGetSupportedTemplates(t *testing.T) {
	exec := setupExecutor(t)

	infos := exec.GetSupportedTemplates()
	require.Len(t, infos, 2)
	ids := []string{infos[0].ID, infos[1].ID}
	assert.Contains(t, ids, "simple-chat")
	assert.Contains(t, ids, "scripted")
}

// runtimeFunc adapts a completion function to the Runtime interface for tests.
type runtimeFunc func(ctx context.Context, req *Request) (string, map[string]any, error)

func (f runtimeFunc) Complete(ctx context.Context, req *Request) (string, map[string]any, error) {
	return f(ctx, req)
}

func (f runtimeFunc) Chunks(completion string, cfg map[string]any) []string {
	if completion == "" {
		return nil
	}
	return []string{completion}
}
