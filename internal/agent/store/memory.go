package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmux/agentmux/internal/agent/models"
	"github.com/agentmux/agentmux/internal/common/errors"
)

// MemoryStore is a map-backed agent store. Used by tests and available
// via the "memory" database driver for throwaway deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]*models.Agent
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory agent store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{agents: make(map[string]*models.Agent)}
}

// Create stores a new agent, assigning an ID and timestamps when missing.
func (s *MemoryStore) Create(ctx context.Context, agent *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	if _, exists := s.agents[agent.ID]; exists {
		return errors.Conflict("agent " + agent.ID + " already exists")
	}
	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now
	s.agents[agent.ID] = agent.Clone()
	return nil
}

// GetByID returns a copy of the agent with the given id.
func (s *MemoryStore) GetByID(ctx context.Context, id string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, exists := s.agents[id]
	if !exists {
		return nil, errors.NotFound("agent", id)
	}
	return agent.Clone(), nil
}

// List returns all agents sorted by creation time, newest first.
func (s *MemoryStore) List(ctx context.Context) ([]*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agents := make([]*models.Agent, 0, len(s.agents))
	for _, agent := range s.agents {
		agents = append(agents, agent.Clone())
	}
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].CreatedAt.Equal(agents[j].CreatedAt) {
			return agents[i].ID < agents[j].ID
		}
		return agents[i].CreatedAt.After(agents[j].CreatedAt)
	})
	return agents, nil
}

// Update replaces an existing agent record.
func (s *MemoryStore) Update(ctx context.Context, agent *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.agents[agent.ID]
	if !exists {
		return errors.NotFound("agent", agent.ID)
	}
	agent.CreatedAt = existing.CreatedAt
	agent.UpdatedAt = time.Now().UTC()
	s.agents[agent.ID] = agent.Clone()
	return nil
}

// Delete removes the agent with the given id.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.agents[id]; !exists {
		return errors.NotFound("agent", id)
	}
	delete(s.agents, id)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
