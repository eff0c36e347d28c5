// Package service holds the application services the API surfaces: agent
// record management against the store and template registry, and the
// execute-agent use case over the orchestrator.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/agent/models"
	apperrors "github.com/agentmux/agentmux/internal/common/errors"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/executor"
	"github.com/agentmux/agentmux/internal/orchestrator"
	"github.com/agentmux/agentmux/internal/queue"
)

// ExecuteCommand is the use-case input for running a conversation
// against an agent.
type ExecuteCommand struct {
	AgentID        string
	TaskID         string
	ContextID      string
	UserID         string
	Messages       []*models.ChatMessage
	Temperature    *float64
	MaxTokens      *int
	TimeoutSeconds int
	Priority       queue.Priority
	Metadata       map[string]any
	CorrelationID  string
	ReplyTo        string
}

// ExecuteService runs conversations through the orchestrator and waits
// for their outcome.
type ExecuteService struct {
	orch   *orchestrator.Orchestrator
	logger *logger.Logger
}

// NewExecuteService builds the execute-agent service.
func NewExecuteService(orch *orchestrator.Orchestrator, log *logger.Logger) *ExecuteService {
	return &ExecuteService{
		orch:   orch,
		logger: log.WithFields(zap.String("component", "execute_service")),
	}
}

// Execute validates the command, submits it, and blocks until the result
// arrives or the timeout expires. Execution failures come back as failure
// results; the error return covers validation and submission only.
func (s *ExecuteService) Execute(ctx context.Context, cmd *ExecuteCommand) (*orchestrator.ExecutionResult, error) {
	req, err := s.buildRequest(cmd, false)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("executing agent",
		zap.String("agent_id", req.AgentID),
		zap.String("task_id", req.TaskID),
		zap.String("message_id", req.MessageID))

	messageID, err := s.orch.Submit(ctx, req)
	if err != nil {
		return nil, apperrors.Wrap(err, "submit execution request")
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	result, err := s.orch.AwaitResult(ctx, messageID, timeout)
	if err != nil {
		return nil, apperrors.Wrap(err, "await execution result")
	}
	if result == nil {
		s.logger.Error("execution timed out",
			zap.String("message_id", messageID),
			zap.Duration("timeout", timeout))
		return &orchestrator.ExecutionResult{
			MessageID:    messageID,
			TaskID:       req.TaskID,
			AgentID:      req.AgentID,
			ContextID:    req.ContextID,
			Success:      false,
			Error:        fmt.Sprintf("execution timed out after %ds awaiting result", req.TimeoutSeconds),
			FinishReason: executor.FinishError,
		}, nil
	}

	if result.Success {
		s.logger.Info("execution completed",
			zap.String("message_id", messageID),
			zap.String("agent_id", req.AgentID),
			zap.Int64("processing_time_ms", result.ProcessingTimeMs))
	} else {
		s.logger.Error("execution failed",
			zap.String("message_id", messageID),
			zap.String("agent_id", req.AgentID),
			zap.String("error", result.Error))
	}
	return result, nil
}

// ExecuteStreaming validates the command, submits it with streaming
// enabled, and returns the chunk channel. Error chunks are forwarded
// as-is; the channel closes on stream end.
func (s *ExecuteService) ExecuteStreaming(ctx context.Context, cmd *ExecuteCommand) (<-chan orchestrator.StreamingChunk, error) {
	req, err := s.buildRequest(cmd, true)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("executing agent with streaming",
		zap.String("agent_id", req.AgentID),
		zap.String("task_id", req.TaskID),
		zap.String("message_id", req.MessageID))

	messageID, err := s.orch.Submit(ctx, req)
	if err != nil {
		return nil, apperrors.Wrap(err, "submit streaming execution request")
	}
	return s.orch.StreamResults(ctx, messageID)
}

// buildRequest validates the command and produces the queue envelope
// with defaults applied.
func (s *ExecuteService) buildRequest(cmd *ExecuteCommand, stream bool) (*orchestrator.ExecutionRequest, error) {
	if cmd.AgentID == "" {
		return nil, apperrors.ValidationError("agent_id", "must not be empty")
	}
	if len(cmd.Messages) == 0 {
		return nil, apperrors.ValidationError("messages", "must contain at least one message")
	}
	for i, msg := range cmd.Messages {
		if msg == nil {
			return nil, apperrors.ValidationError("messages", fmt.Sprintf("message %d is null", i))
		}
		if err := msg.Validate(); err != nil {
			return nil, apperrors.ValidationError("messages", fmt.Sprintf("message %d: %v", i, err))
		}
	}
	if cmd.Temperature != nil && (*cmd.Temperature < 0 || *cmd.Temperature > 2) {
		return nil, apperrors.ValidationError("temperature", "must be between 0.0 and 2.0")
	}
	if cmd.MaxTokens != nil && *cmd.MaxTokens <= 0 {
		return nil, apperrors.ValidationError("max_tokens", "must be positive")
	}

	taskID := cmd.TaskID
	if taskID == "" {
		taskID = uuid.New().String()
		s.logger.Debug("generated task id", zap.String("task_id", taskID))
	}
	correlationID := cmd.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	priority := cmd.Priority
	if !priority.Valid() {
		priority = queue.PriorityNormal
	}
	timeoutSeconds := cmd.TimeoutSeconds
	if timeoutSeconds <= 0 {
		timeoutSeconds = orchestrator.DefaultTimeoutSeconds
	}

	return &orchestrator.ExecutionRequest{
		MessageID:      uuid.New().String(),
		AgentID:        cmd.AgentID,
		TaskID:         taskID,
		ContextID:      cmd.ContextID,
		UserID:         cmd.UserID,
		Messages:       cmd.Messages,
		Stream:         stream,
		Temperature:    cmd.Temperature,
		MaxTokens:      cmd.MaxTokens,
		Metadata:       cmd.Metadata,
		TimeoutSeconds: timeoutSeconds,
		Priority:       priority,
		CorrelationID:  correlationID,
		ReplyTo:        cmd.ReplyTo,
	}, nil
}
