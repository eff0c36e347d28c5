// Package models defines the agent domain types shared by the store,
// the orchestrator, and the execution service.
package models

import (
	"fmt"
	"strings"
	"time"
)

// AgentStatus represents the lifecycle state of an agent record
type AgentStatus string

const (
	// AgentStatusCreated is the initial state after creation
	AgentStatusCreated AgentStatus = "created"
	// AgentStatusActive means the agent accepts execution requests
	AgentStatusActive AgentStatus = "active"
	// AgentStatusInactive means the agent is disabled
	AgentStatusInactive AgentStatus = "inactive"
	// AgentStatusError means the agent configuration failed validation
	AgentStatusError AgentStatus = "error"
)

// Agent represents a configured agent record
type Agent struct {
	ID              string              `json:"id"`
	Name            string              `json:"name"`
	TemplateID      string              `json:"template_id"`
	TemplateVersion string              `json:"template_version"`
	Configuration   *AgentConfiguration `json:"configuration"`
	Status          AgentStatus         `json:"status"`
	Metadata        map[string]any      `json:"metadata,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// Executable reports whether the agent may receive execution requests.
// Configuration validity against the template schema is checked separately
// by the service, which owns the template registry.
func (a *Agent) Executable() bool {
	return a.Status == AgentStatusActive && a.TemplateID != ""
}

// Clone returns a deep copy of the agent. Instances hold a snapshot so
// later repository updates do not leak into running conversations.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	clone := *a
	clone.Configuration = a.Configuration.Clone()
	clone.Metadata = copyMap(a.Metadata)
	return &clone
}

// AgentConfiguration is the immutable execution configuration of an agent.
type AgentConfiguration struct {
	SystemPrompt       string         `json:"system_prompt,omitempty"`
	LLMConfigID        string         `json:"llm_config_id,omitempty"`
	ConversationConfig map[string]any `json:"conversation_config,omitempty"`
	Toolsets           []string       `json:"toolsets,omitempty"`
	TemplateConfig     map[string]any `json:"template_config,omitempty"`
}

// Recognized conversation config keys.
const (
	ConvKeyTemperature   = "temperature"
	ConvKeyMaxTokens     = "max_tokens"
	ConvKeyHistoryLength = "history_length"
)

// NewAgentConfiguration validates and builds an AgentConfiguration.
// All validation errors are collected and returned together.
func NewAgentConfiguration(systemPrompt, llmConfigID string, conversationConfig map[string]any, toolsets []string, templateConfig map[string]any) (*AgentConfiguration, error) {
	var errs []string

	if conversationConfig != nil {
		if raw, ok := conversationConfig[ConvKeyTemperature]; ok {
			if temp, ok := toFloat(raw); !ok {
				errs = append(errs, "temperature must be a number")
			} else if temp < 0.0 || temp > 2.0 {
				errs = append(errs, fmt.Sprintf("temperature must be between 0.0 and 2.0, got %v", temp))
			}
		}
		if raw, ok := conversationConfig[ConvKeyMaxTokens]; ok {
			if maxTokens, ok := toInt(raw); !ok {
				errs = append(errs, "max_tokens must be an integer")
			} else if maxTokens <= 0 {
				errs = append(errs, fmt.Sprintf("max_tokens must be positive, got %d", maxTokens))
			}
		}
	}

	for i, name := range toolsets {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, fmt.Sprintf("toolsets[%d] must be a non-empty string", i))
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid agent configuration: %s", strings.Join(errs, "; "))
	}

	return &AgentConfiguration{
		SystemPrompt:       systemPrompt,
		LLMConfigID:        llmConfigID,
		ConversationConfig: copyMap(conversationConfig),
		Toolsets:           append([]string(nil), toolsets...),
		TemplateConfig:     copyMap(templateConfig),
	}, nil
}

// Temperature returns the configured temperature, if any.
func (c *AgentConfiguration) Temperature() (float64, bool) {
	if c == nil || c.ConversationConfig == nil {
		return 0, false
	}
	raw, ok := c.ConversationConfig[ConvKeyTemperature]
	if !ok {
		return 0, false
	}
	return toFloat(raw)
}

// MaxTokens returns the configured max token budget, if any.
func (c *AgentConfiguration) MaxTokens() (int, bool) {
	if c == nil || c.ConversationConfig == nil {
		return 0, false
	}
	raw, ok := c.ConversationConfig[ConvKeyMaxTokens]
	if !ok {
		return 0, false
	}
	return toInt(raw)
}

// ResolveTemplateConfiguration produces the flat mapping the executor
// receives: template config first, then prompt/LLM/toolset keys, then
// conversation config. Later keys override earlier ones.
func (c *AgentConfiguration) ResolveTemplateConfiguration() map[string]any {
	resolved := make(map[string]any)
	if c == nil {
		return resolved
	}
	for k, v := range c.TemplateConfig {
		resolved[k] = v
	}
	if c.SystemPrompt != "" {
		resolved["system_prompt"] = c.SystemPrompt
	}
	if c.LLMConfigID != "" {
		resolved["llm_config_id"] = c.LLMConfigID
	}
	if len(c.Toolsets) > 0 {
		resolved["toolset_configs"] = append([]string(nil), c.Toolsets...)
	}
	for k, v := range c.ConversationConfig {
		resolved[k] = v
	}
	return resolved
}

// Clone returns a deep copy of the configuration.
func (c *AgentConfiguration) Clone() *AgentConfiguration {
	if c == nil {
		return nil
	}
	return &AgentConfiguration{
		SystemPrompt:       c.SystemPrompt,
		LLMConfigID:        c.LLMConfigID,
		ConversationConfig: copyMap(c.ConversationConfig),
		Toolsets:           append([]string(nil), c.Toolsets...),
		TemplateConfig:     copyMap(c.TemplateConfig),
	}
}

// MessageRole identifies the author of a chat message
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// ValidRole reports whether the role is one of the four chat roles.
func ValidRole(role MessageRole) bool {
	switch role {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// ChatMessage is one turn in a conversation.
type ChatMessage struct {
	Role      MessageRole    `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewChatMessage validates and builds a ChatMessage with the current timestamp.
func NewChatMessage(role MessageRole, content string) (*ChatMessage, error) {
	if !ValidRole(role) {
		return nil, fmt.Errorf("invalid message role %q", role)
	}
	if content == "" {
		return nil, fmt.Errorf("message content must not be empty")
	}
	return &ChatMessage{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Validate checks the message invariants on deserialized values.
func (m *ChatMessage) Validate() error {
	if !ValidRole(m.Role) {
		return fmt.Errorf("invalid message role %q", m.Role)
	}
	if m.Content == "" {
		return fmt.Errorf("message content must not be empty")
	}
	return nil
}

func copyMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// toFloat normalizes JSON and YAML numeric decodings to float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// toInt normalizes JSON and YAML numeric decodings to int, rejecting fractions.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	case float32:
		if n == float32(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}
