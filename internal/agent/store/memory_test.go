package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/agent/models"
	"github.com/agentmux/agentmux/internal/common/errors"
)

func sampleAgent(t *testing.T, name string) *models.Agent {
	t.Helper()
	cfg, err := models.NewAgentConfiguration("be helpful", "", nil, nil, map[string]any{
		"response_prefix": "Hi: ",
	})
	require.NoError(t, err)
	return &models.Agent{
		Name:          name,
		TemplateID:    "simple-chat",
		Configuration: cfg,
		Status:        models.AgentStatusActive,
	}
}

func TestMemoryStoreCRUD(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	agent := sampleAgent(t, "helper")
	require.NoError(t, s.Create(ctx, agent))
	require.NotEmpty(t, agent.ID)
	assert.False(t, agent.CreatedAt.IsZero())

	t.Run("get", func(t *testing.T) {
		got, err := s.GetByID(ctx, agent.ID)
		require.NoError(t, err)
		assert.Equal(t, "helper", got.Name)
		assert.Equal(t, "simple-chat", got.TemplateID)
		assert.Equal(t, models.AgentStatusActive, got.Status)
	})

	t.Run("get returns a copy", func(t *testing.T) {
		got, err := s.GetByID(ctx, agent.ID)
		require.NoError(t, err)
		got.Name = "mutated"

		again, err := s.GetByID(ctx, agent.ID)
		require.NoError(t, err)
		assert.Equal(t, "helper", again.Name)
	})

	t.Run("update", func(t *testing.T) {
		got, err := s.GetByID(ctx, agent.ID)
		require.NoError(t, err)
		got.Status = models.AgentStatusInactive
		require.NoError(t, s.Update(ctx, got))

		again, err := s.GetByID(ctx, agent.ID)
		require.NoError(t, err)
		assert.Equal(t, models.AgentStatusInactive, again.Status)
	})

	t.Run("list", func(t *testing.T) {
		second := sampleAgent(t, "second")
		require.NoError(t, s.Create(ctx, second))

		agents, err := s.List(ctx)
		require.NoError(t, err)
		assert.Len(t, agents, 2)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, agent.ID))
		_, err := s.GetByID(ctx, agent.ID)
		assert.True(t, errors.IsNotFound(err))
	})
}

func TestMemoryStoreNotFound(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.GetByID(ctx, "missing")
	assert.True(t, errors.IsNotFound(err))

	err = s.Update(ctx, &models.Agent{ID: "missing"})
	assert.True(t, errors.IsNotFound(err))

	err = s.Delete(ctx, "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestMemoryStoreDuplicateCreate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	agent := sampleAgent(t, "dup")
	agent.ID = "fixed-id"
	require.NoError(t, s.Create(ctx, agent))

	err := s.Create(ctx, sampleAgentWithID(t, "fixed-id"))
	require.Error(t, err)
	assert.False(t, errors.IsNotFound(err))
}

func sampleAgentWithID(t *testing.T, id string) *models.Agent {
	t.Helper()
	agent := sampleAgent(t, "dup")
	agent.ID = id
	return agent
}
