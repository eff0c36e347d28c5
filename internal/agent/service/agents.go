package service

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/agent/models"
	"github.com/agentmux/agentmux/internal/agent/store"
	apperrors "github.com/agentmux/agentmux/internal/common/errors"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/events/bus"
	"github.com/agentmux/agentmux/internal/template"
)

// InstanceDestroyer removes live instances of an agent. Satisfied by the
// orchestrator; nil disables instance cleanup on delete.
type InstanceDestroyer interface {
	DestroyAgentInstances(agentID string) int
}

// CreateAgentCommand carries the inputs for a new agent record.
type CreateAgentCommand struct {
	Name               string
	TemplateID         string
	TemplateVersion    string
	SystemPrompt       string
	LLMConfigID        string
	ConversationConfig map[string]any
	Toolsets           []string
	TemplateConfig     map[string]any
	Metadata           map[string]any
}

// UpdateAgentCommand carries a partial update. Nil fields are untouched.
type UpdateAgentCommand struct {
	Name          *string
	Configuration *CreateAgentCommand
	Status        *models.AgentStatus
	Metadata      map[string]any
}

// AgentService manages agent records against the store, validating
// configuration against the template registry.
type AgentService struct {
	store     store.Store
	registry  *template.Registry
	instances InstanceDestroyer
	bus       bus.EventBus
	logger    *logger.Logger
}

// NewAgentService builds the agent management service. instances and
// eventBus may be nil.
func NewAgentService(s store.Store, registry *template.Registry, instances InstanceDestroyer, eventBus bus.EventBus, log *logger.Logger) *AgentService {
	return &AgentService{
		store:     s,
		registry:  registry,
		instances: instances,
		bus:       eventBus,
		logger:    log.WithFields(zap.String("component", "agent_service")),
	}
}

// Create validates and stores a new agent. An agent whose template is
// unknown or whose configuration fails the template schema is stored
// with status error instead of being rejected, so the record can be
// fixed and activated later.
func (s *AgentService) Create(ctx context.Context, cmd *CreateAgentCommand) (*models.Agent, error) {
	if strings.TrimSpace(cmd.Name) == "" {
		return nil, apperrors.ValidationError("name", "must not be empty")
	}
	if strings.TrimSpace(cmd.TemplateID) == "" {
		return nil, apperrors.ValidationError("template_id", "must not be empty")
	}

	cfg, err := models.NewAgentConfiguration(cmd.SystemPrompt, cmd.LLMConfigID,
		cmd.ConversationConfig, cmd.Toolsets, cmd.TemplateConfig)
	if err != nil {
		return nil, apperrors.BadRequest(err.Error())
	}

	agent := &models.Agent{
		Name:            cmd.Name,
		TemplateID:      cmd.TemplateID,
		TemplateVersion: cmd.TemplateVersion,
		Configuration:   cfg,
		Metadata:        cmd.Metadata,
		Status:          models.AgentStatusActive,
	}
	if reasons := s.configurationProblems(agent); len(reasons) > 0 {
		agent.Status = models.AgentStatusError
		s.logger.Warn("agent created with invalid configuration",
			zap.String("name", cmd.Name),
			zap.String("template_id", cmd.TemplateID),
			zap.Strings("problems", reasons))
	}

	if err := s.store.Create(ctx, agent); err != nil {
		return nil, err
	}
	s.logger.Info("agent created",
		zap.String("agent_id", agent.ID),
		zap.String("template_id", agent.TemplateID),
		zap.String("status", string(agent.Status)))
	s.publish(events.AgentCreated, agent)
	return agent, nil
}

// Get fetches one agent by ID.
func (s *AgentService) Get(ctx context.Context, id string) (*models.Agent, error) {
	return s.store.GetByID(ctx, id)
}

// List returns all agents, newest first.
func (s *AgentService) List(ctx context.Context) ([]*models.Agent, error) {
	return s.store.List(ctx)
}

// Update applies a partial update. Configuration changes are revalidated
// against the template schema; an agent that no longer validates drops
// to status error.
func (s *AgentService) Update(ctx context.Context, id string, cmd *UpdateAgentCommand) (*models.Agent, error) {
	agent, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if cmd.Name != nil {
		if strings.TrimSpace(*cmd.Name) == "" {
			return nil, apperrors.ValidationError("name", "must not be empty")
		}
		agent.Name = *cmd.Name
	}
	if cmd.Configuration != nil {
		cfg, err := models.NewAgentConfiguration(
			cmd.Configuration.SystemPrompt,
			cmd.Configuration.LLMConfigID,
			cmd.Configuration.ConversationConfig,
			cmd.Configuration.Toolsets,
			cmd.Configuration.TemplateConfig)
		if err != nil {
			return nil, apperrors.BadRequest(err.Error())
		}
		agent.Configuration = cfg
		if cmd.Configuration.TemplateID != "" {
			agent.TemplateID = cmd.Configuration.TemplateID
		}
		if cmd.Configuration.TemplateVersion != "" {
			agent.TemplateVersion = cmd.Configuration.TemplateVersion
		}
		if reasons := s.configurationProblems(agent); len(reasons) > 0 {
			agent.Status = models.AgentStatusError
			s.logger.Warn("agent configuration no longer valid",
				zap.String("agent_id", id),
				zap.Strings("problems", reasons))
		}
	}
	if cmd.Metadata != nil {
		agent.Metadata = cmd.Metadata
	}
	if cmd.Status != nil {
		if err := s.checkStatusChange(agent, *cmd.Status); err != nil {
			return nil, err
		}
		agent.Status = *cmd.Status
	}

	if err := s.store.Update(ctx, agent); err != nil {
		return nil, err
	}
	s.publish(events.AgentUpdated, agent)
	return agent, nil
}

// SetStatus changes the lifecycle status. Activation requires a valid
// configuration against the template schema.
func (s *AgentService) SetStatus(ctx context.Context, id string, status models.AgentStatus) (*models.Agent, error) {
	agent, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkStatusChange(agent, status); err != nil {
		return nil, err
	}
	agent.Status = status
	agent.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, agent); err != nil {
		return nil, err
	}
	s.publish(events.AgentUpdated, agent)
	return agent, nil
}

// Delete removes an agent record and destroys its live instances.
func (s *AgentService) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	if s.instances != nil {
		if destroyed := s.instances.DestroyAgentInstances(id); destroyed > 0 {
			s.logger.Info("destroyed live instances of deleted agent",
				zap.String("agent_id", id),
				zap.Int("count", destroyed))
		}
	}
	s.publish(events.AgentDeleted, &models.Agent{ID: id})
	return nil
}

// checkStatusChange gates transitions into the active state.
func (s *AgentService) checkStatusChange(agent *models.Agent, status models.AgentStatus) error {
	switch status {
	case models.AgentStatusCreated, models.AgentStatusActive, models.AgentStatusInactive, models.AgentStatusError:
	default:
		return apperrors.ValidationError("status", "unknown agent status")
	}
	if status != models.AgentStatusActive {
		return nil
	}
	if reasons := s.configurationProblems(agent); len(reasons) > 0 {
		return apperrors.BadRequest("cannot activate agent: " + strings.Join(reasons, "; "))
	}
	return nil
}

// configurationProblems validates the agent against the template
// registry. Empty means the agent is executable as configured.
func (s *AgentService) configurationProblems(agent *models.Agent) []string {
	if !s.registry.Has(agent.TemplateID, agent.TemplateVersion) {
		return []string{"template " + agent.TemplateID + " not found"}
	}
	ok, errs := s.registry.ValidateConfiguration(agent.TemplateID,
		agent.Configuration.ResolveTemplateConfiguration())
	if !ok {
		return errs
	}
	return nil
}

func (s *AgentService) publish(eventType string, agent *models.Agent) {
	if s.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	event := bus.NewEvent(eventType, "agent_service", map[string]any{
		"agent_id":    agent.ID,
		"template_id": agent.TemplateID,
		"status":      string(agent.Status),
	})
	if err := s.bus.Publish(ctx, events.Subject(eventType), event); err != nil {
		s.logger.Debug("event publish failed",
			zap.String("event_type", eventType), zap.Error(err))
	}
}
