package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/agent/service"
	"github.com/agentmux/agentmux/internal/agent/store"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/executor"
	"github.com/agentmux/agentmux/internal/orchestrator"
	"github.com/agentmux/agentmux/internal/queue"
	"github.com/agentmux/agentmux/internal/template"
)

func setupAPI(t *testing.T) *gin.Engine {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	registry, err := template.NewRegistry(log)
	require.NoError(t, err)
	s := store.NewMemoryStore()
	q := queue.NewMemoryQueue(log)
	exec := executor.NewReference(registry, log)

	cfg := orchestrator.DefaultConfig()
	cfg.MaxWorkers = 2
	cfg.ReceiveTimeout = 100 * time.Millisecond
	cfg.CleanupInterval = time.Hour
	orch := orchestrator.New(cfg, q, s, exec, nil, log)
	require.NoError(t, orch.Initialize(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, orch.Shutdown(ctx))
	})

	agents := service.NewAgentService(s, registry, orch, nil, log)
	execute := service.NewExecuteService(orch, log)
	handler := NewHandler(agents, execute, orch, registry, log)
	return NewRouter(handler, log)
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func createTestAgent(t *testing.T, router *gin.Engine) map[string]any {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/api/v1/agents", map[string]any{
		"name":            "echo",
		"template_id":     "simple-chat",
		"template_config": map[string]any{"response_prefix": "Echo: "},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var agent map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agent))
	return agent
}

func TestHealth(t *testing.T) {
	router := setupAPI(t)
	rec := doJSON(t, router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestAgentCRUD(t *testing.T) {
	router := setupAPI(t)

	agent := createTestAgent(t, router)
	agentID := agent["id"].(string)
	assert.Equal(t, "active", agent["status"])

	t.Run("get", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodGet, "/api/v1/agents/"+agentID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("list", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodGet, "/api/v1/agents", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Total int `json:"total"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, 1, body.Total)
	})

	t.Run("update", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodPut, "/api/v1/agents/"+agentID, map[string]any{
			"name": "renamed",
		})
		require.Equal(t, http.StatusOK, rec.Code)
		var updated map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
		assert.Equal(t, "renamed", updated["name"])
	})

	t.Run("delete", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodDelete, "/api/v1/agents/"+agentID, nil)
		require.Equal(t, http.StatusNoContent, rec.Code)

		rec = doJSON(t, router, http.MethodGet, "/api/v1/agents/"+agentID, nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestGetAgentNotFoundEnvelope(t *testing.T) {
	router := setupAPI(t)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/agents/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
	assert.Contains(t, body.Error.Message, "missing")
}

func TestCreateAgentValidation(t *testing.T) {
	router := setupAPI(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/agents", map[string]any{
		"name": "incomplete",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "template_id is required")
}

func TestExecuteAgentEndpoint(t *testing.T) {
	router := setupAPI(t)
	agent := createTestAgent(t, router)
	agentID := agent["id"].(string)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/agents/"+agentID+"/execute", map[string]any{
		"messages": []map[string]any{{"role": "user", "content": "hello api"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result struct {
		Success bool   `json:"success"`
		Content string `json:"content"`
		TaskID  string `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Success)
	assert.Equal(t, "Echo: hello api", result.Content)
	assert.NotEmpty(t, result.TaskID)
}

func TestExecuteUnknownAgentReturnsFailureResult(t *testing.T) {
	router := setupAPI(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/agents/ghost/execute", map[string]any{
		"messages": []map[string]any{{"role": "user", "content": "hi"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, "execution failures are result envelopes, not HTTP errors")

	var result struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "not found")
}

func TestTemplates(t *testing.T) {
	router := setupAPI(t)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/templates", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Total)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/templates/simple-chat", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/templates/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueueStatsAndInstances(t *testing.T) {
	router := setupAPI(t)
	agent := createTestAgent(t, router)
	agentID := agent["id"].(string)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/agents/"+agentID+"/execute", map[string]any{
		"messages": []map[string]any{{"role": "user", "content": "hi"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/queues/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		Queues []struct {
			Name string `json:"name"`
		} `json:"queues"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Len(t, stats.Queues, 2)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/instances", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var instances struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &instances))
	assert.Equal(t, 1, instances.Total)
}
