// Package orchestrator is the single-process scheduling surface: request
// submission onto the priority queue, the worker pool, the per-conversation
// instance cache with idle eviction, and result/stream plumbing.
package orchestrator

import (
	"time"

	"github.com/agentmux/agentmux/internal/agent/models"
	"github.com/agentmux/agentmux/internal/queue"
)

// Queue naming conventions. Fixed, not configurable.
const (
	// QueueMessages is the primary work queue.
	QueueMessages = "agent.messages"
	// QueueResults is the default reply queue when a request names none.
	QueueResults = "agent.results"
	// streamQueuePrefix prefixes the per-message ephemeral stream queues.
	streamQueuePrefix = "agent.stream."
)

// StreamQueueName returns the ephemeral stream queue for a message.
func StreamQueueName(messageID string) string {
	return streamQueuePrefix + messageID
}

// Message types recorded in queue metadata.
const (
	MessageTypeExecute       = "execute"
	MessageTypeStreamExecute = "stream_execute"
)

// Metadata keys on queue messages and stream chunks.
const (
	metaMessageType = "message_type"
	metaSubmittedAt = "submitted_at"
	metaStreamEnd   = "stream_end"
	metaTotalChunks = "total_chunks"
	metaChunkCount  = "chunk_count"
	metaError       = "error"
)

// ExecutionRequest is the envelope placed on the primary queue. Field
// names are normative for the wire format.
type ExecutionRequest struct {
	MessageID      string                `json:"message_id"`
	MessageType    string                `json:"message_type"`
	AgentID        string                `json:"agent_id"`
	TaskID         string                `json:"task_id,omitempty"`
	ContextID      string                `json:"context_id,omitempty"`
	UserID         string                `json:"user_id,omitempty"`
	Messages       []*models.ChatMessage `json:"messages"`
	Stream         bool                  `json:"stream"`
	Temperature    *float64              `json:"temperature,omitempty"`
	MaxTokens      *int                  `json:"max_tokens,omitempty"`
	Metadata       map[string]any        `json:"metadata,omitempty"`
	TimeoutSeconds int                   `json:"timeout_seconds"`
	Priority       queue.Priority        `json:"priority"`
	CorrelationID  string                `json:"correlation_id,omitempty"`
	ReplyTo        string                `json:"reply_to,omitempty"`
}

// DefaultTimeoutSeconds applies when a request carries no timeout.
const DefaultTimeoutSeconds = 300

// Timeout returns the effective execution timeout.
func (r *ExecutionRequest) Timeout() time.Duration {
	seconds := r.TimeoutSeconds
	if seconds <= 0 {
		seconds = DefaultTimeoutSeconds
	}
	return time.Duration(seconds) * time.Second
}

// ExecutionResult is the envelope sent on the reply queue.
type ExecutionResult struct {
	MessageID        string         `json:"message_id"`
	TaskID           string         `json:"task_id,omitempty"`
	AgentID          string         `json:"agent_id"`
	ContextID        string         `json:"context_id,omitempty"`
	Success          bool           `json:"success"`
	Content          string         `json:"content"`
	Error            string         `json:"error,omitempty"`
	FinishReason     string         `json:"finish_reason,omitempty"`
	ProcessingTimeMs int64          `json:"processing_time_ms"`
	PromptTokens     int            `json:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	Timestamp        float64        `json:"timestamp"`
}

// StreamingChunk is the envelope sent on a per-message stream queue. The
// terminal chunk has empty content, finish_reason stop or error, and
// metadata stream_end=true.
type StreamingChunk struct {
	MessageID    string         `json:"message_id"`
	TaskID       string         `json:"task_id,omitempty"`
	AgentID      string         `json:"agent_id"`
	ContextID    string         `json:"context_id,omitempty"`
	Content      string         `json:"content"`
	ChunkIndex   int            `json:"chunk_index"`
	FinishReason string         `json:"finish_reason,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Timestamp    float64        `json:"timestamp"`
}

// IsStreamEnd reports whether the chunk is a stream terminator.
func (c *StreamingChunk) IsStreamEnd() bool {
	if c.Metadata == nil {
		return false
	}
	end, _ := c.Metadata[metaStreamEnd].(bool)
	return end
}

// epochSeconds is the timestamp representation of the wire envelopes.
func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
