package store

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentmux/agentmux/internal/agent/models"
	"github.com/agentmux/agentmux/internal/common/errors"
	"github.com/agentmux/agentmux/internal/db"
)

// SQLStore persists agents through a db.Pool. The same statements serve
// sqlite and postgres; sqlx.Rebind translates the placeholders per driver.
type SQLStore struct {
	pool *db.Pool
}

var _ Store = (*SQLStore)(nil)

// agentRow is the flat database shape of an agent. Configuration and
// metadata are JSON TEXT columns.
type agentRow struct {
	ID              string    `db:"id"`
	Name            string    `db:"name"`
	TemplateID      string    `db:"template_id"`
	TemplateVersion string    `db:"template_version"`
	Configuration   string    `db:"configuration"`
	Status          string    `db:"status"`
	Metadata        string    `db:"metadata"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

const agentSchema = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	template_id TEXT NOT NULL,
	template_version TEXT NOT NULL DEFAULT '',
	configuration TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'created',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);
CREATE INDEX IF NOT EXISTS idx_agents_template_id ON agents(template_id);
`

// NewSQLStore creates the store and applies the idempotent schema.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	if _, err := pool.Writer().Exec(agentSchema); err != nil {
		return nil, fmt.Errorf("initialize agents schema: %w", err)
	}
	return &SQLStore{pool: pool}, nil
}

// Create inserts a new agent, assigning an ID and timestamps when missing.
func (s *SQLStore) Create(ctx context.Context, agent *models.Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now

	row, err := toRow(agent)
	if err != nil {
		return err
	}
	writer := s.pool.Writer()
	query := writer.Rebind(`
		INSERT INTO agents (id, name, template_id, template_version, configuration, status, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = writer.ExecContext(ctx, query,
		row.ID, row.Name, row.TemplateID, row.TemplateVersion,
		row.Configuration, row.Status, row.Metadata, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "create agent")
	}
	return nil
}

// GetByID fetches one agent.
func (s *SQLStore) GetByID(ctx context.Context, id string) (*models.Agent, error) {
	reader := s.pool.Reader()
	query := reader.Rebind(`SELECT * FROM agents WHERE id = ?`)

	var row agentRow
	if err := reader.GetContext(ctx, &row, query, id); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NotFound("agent", id)
		}
		return nil, errors.Wrap(err, "get agent")
	}
	return fromRow(&row)
}

// List returns all agents, newest first.
func (s *SQLStore) List(ctx context.Context) ([]*models.Agent, error) {
	reader := s.pool.Reader()

	var rows []agentRow
	if err := reader.SelectContext(ctx, &rows, `SELECT * FROM agents ORDER BY created_at DESC, id`); err != nil {
		return nil, errors.Wrap(err, "list agents")
	}
	agents := make([]*models.Agent, 0, len(rows))
	for i := range rows {
		agent, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

// Update rewrites an existing agent record.
func (s *SQLStore) Update(ctx context.Context, agent *models.Agent) error {
	agent.UpdatedAt = time.Now().UTC()

	row, err := toRow(agent)
	if err != nil {
		return err
	}
	writer := s.pool.Writer()
	query := writer.Rebind(`
		UPDATE agents
		SET name = ?, template_id = ?, template_version = ?, configuration = ?, status = ?, metadata = ?, updated_at = ?
		WHERE id = ?`)
	result, err := writer.ExecContext(ctx, query,
		row.Name, row.TemplateID, row.TemplateVersion, row.Configuration,
		row.Status, row.Metadata, row.UpdatedAt, row.ID)
	if err != nil {
		return errors.Wrap(err, "update agent")
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return errors.NotFound("agent", agent.ID)
	}
	return nil
}

// Delete removes an agent record.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	writer := s.pool.Writer()
	query := writer.Rebind(`DELETE FROM agents WHERE id = ?`)
	result, err := writer.ExecContext(ctx, query, id)
	if err != nil {
		return errors.Wrap(err, "delete agent")
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return errors.NotFound("agent", id)
	}
	return nil
}

// Close closes the underlying pool.
func (s *SQLStore) Close() error { return s.pool.Close() }

func toRow(agent *models.Agent) (*agentRow, error) {
	configuration, err := json.Marshal(agent.Configuration)
	if err != nil {
		return nil, errors.Wrap(err, "encode agent configuration")
	}
	metadata := []byte("{}")
	if agent.Metadata != nil {
		if metadata, err = json.Marshal(agent.Metadata); err != nil {
			return nil, errors.Wrap(err, "encode agent metadata")
		}
	}
	return &agentRow{
		ID:              agent.ID,
		Name:            agent.Name,
		TemplateID:      agent.TemplateID,
		TemplateVersion: agent.TemplateVersion,
		Configuration:   string(configuration),
		Status:          string(agent.Status),
		Metadata:        string(metadata),
		CreatedAt:       agent.CreatedAt,
		UpdatedAt:       agent.UpdatedAt,
	}, nil
}

func fromRow(row *agentRow) (*models.Agent, error) {
	agent := &models.Agent{
		ID:              row.ID,
		Name:            row.Name,
		TemplateID:      row.TemplateID,
		TemplateVersion: row.TemplateVersion,
		Status:          models.AgentStatus(row.Status),
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}
	if row.Configuration != "" && row.Configuration != "null" {
		var cfg models.AgentConfiguration
		if err := json.Unmarshal([]byte(row.Configuration), &cfg); err != nil {
			return nil, errors.Wrap(err, "decode agent configuration")
		}
		agent.Configuration = &cfg
	}
	if row.Metadata != "" && row.Metadata != "{}" {
		if err := json.Unmarshal([]byte(row.Metadata), &agent.Metadata); err != nil {
			return nil, errors.Wrap(err, "decode agent metadata")
		}
	}
	return agent, nil
}
