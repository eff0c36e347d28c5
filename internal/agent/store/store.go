// Package store persists agent records. Backends: sqlite (default),
// postgres, and an in-memory map used by tests.
package store

import (
	"context"

	"github.com/agentmux/agentmux/internal/agent/models"
)

// Store is the agent repository the orchestrator and the API read from.
// GetByID returns a NOT_FOUND AppError (errors.IsNotFound) for unknown ids.
type Store interface {
	Create(ctx context.Context, agent *models.Agent) error
	GetByID(ctx context.Context, id string) (*models.Agent, error)
	List(ctx context.Context) ([]*models.Agent, error)
	Update(ctx context.Context, agent *models.Agent) error
	Delete(ctx context.Context, id string) error
	Close() error
}
