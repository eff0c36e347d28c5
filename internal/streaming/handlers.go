package streaming

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/agent/models"
	"github.com/agentmux/agentmux/internal/agent/service"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/executor"
	"github.com/agentmux/agentmux/internal/queue"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSHandler serves the WebSocket endpoints.
type WSHandler struct {
	hub     *Hub
	execute *service.ExecuteService
	logger  *logger.Logger
}

// NewWSHandler creates the WebSocket handler set.
func NewWSHandler(hub *Hub, execute *service.ExecuteService, log *logger.Logger) *WSHandler {
	return &WSHandler{
		hub:     hub,
		execute: execute,
		logger:  log.WithFields(zap.String("component", "ws_handler")),
	}
}

// executeFrame is the single request frame a streaming client sends
// after connecting. It mirrors the execute endpoint body.
type executeFrame struct {
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	TaskID         string         `json:"task_id"`
	ContextID      string         `json:"context_id"`
	UserID         string         `json:"user_id"`
	Temperature    *float64       `json:"temperature"`
	MaxTokens      *int           `json:"max_tokens"`
	TimeoutSeconds int            `json:"timeout_seconds"`
	Priority       string         `json:"priority"`
	Metadata       map[string]any `json:"metadata"`
}

func (f *executeFrame) toCommand(agentID string) *service.ExecuteCommand {
	messages := make([]*models.ChatMessage, 0, len(f.Messages))
	for _, m := range f.Messages {
		messages = append(messages, &models.ChatMessage{
			Role:    models.MessageRole(m.Role),
			Content: m.Content,
		})
	}
	priority := queue.PriorityNormal
	switch strings.ToLower(strings.TrimSpace(f.Priority)) {
	case "low":
		priority = queue.PriorityLow
	case "high":
		priority = queue.PriorityHigh
	case "urgent":
		priority = queue.PriorityUrgent
	}
	return &service.ExecuteCommand{
		AgentID:        agentID,
		TaskID:         f.TaskID,
		ContextID:      f.ContextID,
		UserID:         f.UserID,
		Messages:       messages,
		Temperature:    f.Temperature,
		MaxTokens:      f.MaxTokens,
		TimeoutSeconds: f.TimeoutSeconds,
		Priority:       priority,
		Metadata:       f.Metadata,
	}
}

// StreamExecute handles GET /api/v1/agents/:id/execute/stream. The
// client sends one JSON request frame; every chunk comes back as a JSON
// frame, followed by a summary frame with stream_end true.
func (h *WSHandler) StreamExecute(c *gin.Context) {
	agentID := c.Param("id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed",
			zap.String("agent_id", agentID), zap.Error(err))
		return
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	var frame executeFrame
	if err := conn.ReadJSON(&frame); err != nil {
		h.writeError(conn, "invalid request frame: "+err.Error())
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Watch for client disconnect while we stream.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	chunks, err := h.execute.ExecuteStreaming(ctx, frame.toCommand(agentID))
	if err != nil {
		h.writeError(conn, err.Error())
		return
	}

	total := 0
	finishReason := executor.FinishStop
	for chunk := range chunks {
		if chunk.FinishReason == executor.FinishError {
			finishReason = executor.FinishError
		} else {
			total++
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(chunk); err != nil {
			h.logger.Warn("websocket write failed",
				zap.String("agent_id", agentID), zap.Error(err))
			return
		}
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteJSON(gin.H{
		"stream_end":    true,
		"total_chunks":  total,
		"finish_reason": finishReason,
	})
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// writeError sends a single error frame and closes.
func (h *WSHandler) writeError(conn *websocket.Conn, message string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteJSON(gin.H{
		"stream_end":    true,
		"finish_reason": executor.FinishError,
		"error":         message,
	})
}

// EventFeed handles GET /api/v1/ws/events: every event on the bus is
// forwarded to the client as a JSON frame.
func (h *WSHandler) EventFeed(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, h.hub, h.logger)
	h.hub.Register(client)
	h.logger.Debug("event feed client connected", zap.String("client_id", client.ID))

	go client.WritePump()
	go client.ReadPump()
}

// SetupWebSocketRoutes attaches the WebSocket routes to the API group.
func SetupWebSocketRoutes(router *gin.RouterGroup, handler *WSHandler) {
	router.GET("/agents/:id/execute/stream", handler.StreamExecute)
	router.GET("/ws/events", handler.EventFeed)
}
