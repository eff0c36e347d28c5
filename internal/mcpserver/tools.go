package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
)

func registerTools(s *server.MCPServer, cfg Config, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("list_agents",
			mcp.WithDescription("List all registered agents. Use this first to get agent IDs for other operations."),
		),
		listAgentsHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("get_agent",
			mcp.WithDescription("Get a single agent by ID, including its template configuration and status."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("The agent ID to fetch"),
			),
		),
		getAgentHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("create_agent",
			mcp.WithDescription("Register a new agent from a template. Use list_templates to see available templates and their configuration schemas."),
			mcp.WithString("name",
				mcp.Required(),
				mcp.Description("Human-readable agent name"),
			),
			mcp.WithString("template_id",
				mcp.Required(),
				mcp.Description("The template the agent is built from (e.g. simple-chat, scripted)"),
			),
			mcp.WithString("template_config",
				mcp.Description("Template configuration as a JSON object string (optional)"),
			),
			mcp.WithString("description",
				mcp.Description("Agent description (optional)"),
			),
		),
		createAgentHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("execute_agent",
			mcp.WithDescription("Submit a message to an agent and wait for the execution result. Pass the same task_id across calls to continue a conversation."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("The agent ID to execute"),
			),
			mcp.WithString("message",
				mcp.Required(),
				mcp.Description("The user message to send to the agent"),
			),
			mcp.WithString("task_id",
				mcp.Description("Conversation ID. Reuse to continue a conversation, omit to start a new one."),
			),
			mcp.WithString("priority",
				mcp.Description("Queue priority: low, normal, high, or urgent (default normal)"),
			),
		),
		executeAgentHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("list_templates",
			mcp.WithDescription("List the available agent templates and their configuration field schemas."),
		),
		listTemplatesHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("queue_stats",
			mcp.WithDescription("Show pending and processing message counts for the execution queues."),
		),
		queueStatsHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("list_instances",
			mcp.WithDescription("List the live agent instances held in the orchestrator cache."),
		),
		listInstancesHandler(cfg, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 7))
}

// apiGet fetches a JSON document from the agentmux API and pretty
// prints it as a tool result.
func apiGet(ctx context.Context, url string, log *logger.Logger) (*mcp.CallToolResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create request: %v", err)), nil
	}

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		log.Error("API request failed", zap.String("url", url), zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("Failed to reach agentmux API: %v", err)), nil
	}
	defer func() { _ = resp.Body.Close() }()

	var result json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}

	if resp.StatusCode >= 400 {
		return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", resp.StatusCode, string(result))), nil
	}

	formatted, _ := json.MarshalIndent(result, "", "  ")
	return mcp.NewToolResultText(string(formatted)), nil
}

// apiPost sends a JSON payload to the agentmux API and pretty prints
// the response as a tool result.
func apiPost(ctx context.Context, url string, payload any, log *logger.Logger) (*mcp.CallToolResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode payload: %v", err)), nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create request: %v", err)), nil
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		log.Error("API request failed", zap.String("url", url), zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("Failed to reach agentmux API: %v", err)), nil
	}
	defer func() { _ = resp.Body.Close() }()

	var result json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}

	if resp.StatusCode >= 400 {
		return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", resp.StatusCode, string(result))), nil
	}

	formatted, _ := json.MarshalIndent(result, "", "  ")
	return mcp.NewToolResultText(string(formatted)), nil
}

func listAgentsHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return apiGet(ctx, fmt.Sprintf("%s/api/v1/agents", cfg.APIURL), log)
	}
}

func getAgentHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return apiGet(ctx, fmt.Sprintf("%s/api/v1/agents/%s", cfg.APIURL, agentID), log)
	}
}

func createAgentHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		templateID, err := req.RequireString("template_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		payload := map[string]any{
			"name":        name,
			"template_id": templateID,
		}
		if desc := req.GetString("description", ""); desc != "" {
			payload["description"] = desc
		}
		if raw := req.GetString("template_config", ""); raw != "" {
			var templateConfig map[string]any
			if err := json.Unmarshal([]byte(raw), &templateConfig); err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("template_config must be a JSON object: %v", err)), nil
			}
			payload["template_config"] = templateConfig
		}

		return apiPost(ctx, fmt.Sprintf("%s/api/v1/agents", cfg.APIURL), payload, log)
	}
}

func executeAgentHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		payload := map[string]any{
			"messages": []map[string]any{
				{"role": "user", "content": message},
			},
		}
		if taskID := req.GetString("task_id", ""); taskID != "" {
			payload["task_id"] = taskID
		}
		if priority := req.GetString("priority", ""); priority != "" {
			payload["priority"] = priority
		}

		log.Debug("submitting execution", zap.String("agent_id", agentID))
		return apiPost(ctx, fmt.Sprintf("%s/api/v1/agents/%s/execute", cfg.APIURL, agentID), payload, log)
	}
}

func listTemplatesHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return apiGet(ctx, fmt.Sprintf("%s/api/v1/templates", cfg.APIURL), log)
	}
}

func queueStatsHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return apiGet(ctx, fmt.Sprintf("%s/api/v1/queues/stats", cfg.APIURL), log)
	}
}

func listInstancesHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return apiGet(ctx, fmt.Sprintf("%s/api/v1/instances", cfg.APIURL), log)
	}
}
