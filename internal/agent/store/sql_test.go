package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/agent/models"
	"github.com/agentmux/agentmux/internal/common/errors"
	"github.com/agentmux/agentmux/internal/db"
)

func newSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	pool, err := db.OpenSQLitePool(filepath.Join(t.TempDir(), "agents.db"))
	require.NoError(t, err)
	s, err := NewSQLStore(pool)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sqlTestAgent(t *testing.T, name string) *models.Agent {
	t.Helper()
	cfg, err := models.NewAgentConfiguration("be brief", "", map[string]any{
		"temperature": 0.3,
	}, nil, map[string]any{
		"response_prefix": "Echo: ",
	})
	require.NoError(t, err)
	return &models.Agent{
		Name:          name,
		TemplateID:    "simple-chat",
		Configuration: cfg,
		Status:        models.AgentStatusActive,
		Metadata:      map[string]any{"team": "platform"},
	}
}

func TestSQLStoreCreateAndGet(t *testing.T) {
	s := newSQLStore(t)
	ctx := context.Background()

	agent := sqlTestAgent(t, "echo")
	require.NoError(t, s.Create(ctx, agent))
	require.NotEmpty(t, agent.ID)
	assert.False(t, agent.CreatedAt.IsZero())

	got, err := s.GetByID(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "echo", got.Name)
	assert.Equal(t, "simple-chat", got.TemplateID)
	assert.Equal(t, models.AgentStatusActive, got.Status)
	require.NotNil(t, got.Configuration)
	assert.Equal(t, "be brief", got.Configuration.SystemPrompt)
	assert.Equal(t, "Echo: ", got.Configuration.TemplateConfig["response_prefix"])
	assert.Equal(t, "platform", got.Metadata["team"])
}

func TestSQLStoreGetMissing(t *testing.T) {
	s := newSQLStore(t)
	_, err := s.GetByID(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestSQLStoreListNewestFirst(t *testing.T) {
	s := newSQLStore(t)
	ctx := context.Background()

	first := sqlTestAgent(t, "first")
	require.NoError(t, s.Create(ctx, first))
	time.Sleep(5 * time.Millisecond)
	second := sqlTestAgent(t, "second")
	require.NoError(t, s.Create(ctx, second))

	agents, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "second", agents[0].Name)
	assert.Equal(t, "first", agents[1].Name)
}

func TestSQLStoreUpdate(t *testing.T) {
	s := newSQLStore(t)
	ctx := context.Background()

	agent := sqlTestAgent(t, "original")
	require.NoError(t, s.Create(ctx, agent))

	agent.Name = "renamed"
	agent.Status = models.AgentStatusInactive
	require.NoError(t, s.Update(ctx, agent))

	got, err := s.GetByID(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, models.AgentStatusInactive, got.Status)
	assert.True(t, got.UpdatedAt.After(got.CreatedAt) || got.UpdatedAt.Equal(got.CreatedAt))

	missing := sqlTestAgent(t, "ghost")
	missing.ID = "missing-id"
	err = s.Update(ctx, missing)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestSQLStoreDelete(t *testing.T) {
	s := newSQLStore(t)
	ctx := context.Background()

	agent := sqlTestAgent(t, "doomed")
	require.NoError(t, s.Create(ctx, agent))
	require.NoError(t, s.Delete(ctx, agent.ID))

	_, err := s.GetByID(ctx, agent.ID)
	assert.True(t, errors.IsNotFound(err))

	err = s.Delete(ctx, agent.ID)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}
