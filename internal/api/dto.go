package api

import (
	"strings"

	"github.com/agentmux/agentmux/internal/agent/models"
	"github.com/agentmux/agentmux/internal/agent/service"
	"github.com/agentmux/agentmux/internal/queue"
)

// CreateAgentRequest is the POST /agents body.
type CreateAgentRequest struct {
	Name               string         `json:"name" binding:"required"`
	TemplateID         string         `json:"template_id" binding:"required"`
	TemplateVersion    string         `json:"template_version"`
	SystemPrompt       string         `json:"system_prompt"`
	LLMConfigID        string         `json:"llm_config_id"`
	ConversationConfig map[string]any `json:"conversation_config"`
	Toolsets           []string       `json:"toolsets"`
	TemplateConfig     map[string]any `json:"template_config"`
	Metadata           map[string]any `json:"metadata"`
}

func (r *CreateAgentRequest) toCommand() *service.CreateAgentCommand {
	return &service.CreateAgentCommand{
		Name:               r.Name,
		TemplateID:         r.TemplateID,
		TemplateVersion:    r.TemplateVersion,
		SystemPrompt:       r.SystemPrompt,
		LLMConfigID:        r.LLMConfigID,
		ConversationConfig: r.ConversationConfig,
		Toolsets:           r.Toolsets,
		TemplateConfig:     r.TemplateConfig,
		Metadata:           r.Metadata,
	}
}

// UpdateAgentRequest is the PUT /agents/:id body. Absent fields are
// left untouched.
type UpdateAgentRequest struct {
	Name          *string             `json:"name"`
	Status        *string             `json:"status"`
	Configuration *CreateAgentRequest `json:"configuration"`
	Metadata      map[string]any      `json:"metadata"`
}

func (r *UpdateAgentRequest) toCommand() *service.UpdateAgentCommand {
	cmd := &service.UpdateAgentCommand{
		Name:     r.Name,
		Metadata: r.Metadata,
	}
	if r.Status != nil {
		status := models.AgentStatus(*r.Status)
		cmd.Status = &status
	}
	if r.Configuration != nil {
		cmd.Configuration = r.Configuration.toCommand()
	}
	return cmd
}

// ChatMessageRequest is one conversation turn in an execute body.
type ChatMessageRequest struct {
	Role    string `json:"role" binding:"required"`
	Content string `json:"content" binding:"required"`
}

// ExecuteAgentRequest is the POST /agents/:id/execute body.
type ExecuteAgentRequest struct {
	Messages       []ChatMessageRequest `json:"messages" binding:"required"`
	TaskID         string               `json:"task_id"`
	ContextID      string               `json:"context_id"`
	UserID         string               `json:"user_id"`
	Temperature    *float64             `json:"temperature"`
	MaxTokens      *int                 `json:"max_tokens"`
	TimeoutSeconds int                  `json:"timeout_seconds"`
	Priority       string               `json:"priority"`
	Metadata       map[string]any       `json:"metadata"`
}

func (r *ExecuteAgentRequest) toCommand(agentID string) *service.ExecuteCommand {
	messages := make([]*models.ChatMessage, 0, len(r.Messages))
	for _, m := range r.Messages {
		messages = append(messages, &models.ChatMessage{
			Role:    models.MessageRole(m.Role),
			Content: m.Content,
		})
	}
	return &service.ExecuteCommand{
		AgentID:        agentID,
		TaskID:         r.TaskID,
		ContextID:      r.ContextID,
		UserID:         r.UserID,
		Messages:       messages,
		Temperature:    r.Temperature,
		MaxTokens:      r.MaxTokens,
		TimeoutSeconds: r.TimeoutSeconds,
		Priority:       parsePriority(r.Priority),
		Metadata:       r.Metadata,
	}
}

// parsePriority maps a wire priority name to a queue priority. Unknown
// or empty names fall back to normal.
func parsePriority(name string) queue.Priority {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "low":
		return queue.PriorityLow
	case "high":
		return queue.PriorityHigh
	case "urgent":
		return queue.PriorityUrgent
	default:
		return queue.PriorityNormal
	}
}
