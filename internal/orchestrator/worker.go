package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/executor"
	"github.com/agentmux/agentmux/internal/queue"
)

// runWorker polls the primary queue until shutdown and dispatches each
// message. Receive errors back off briefly so a broken backend does not
// spin the pool.
func (o *Orchestrator) runWorker(id int) {
	defer o.wg.Done()
	log := o.logger.WithFields(zap.Int("worker", id))

	for {
		select {
		case <-o.stopCh:
			return
		default:
		}

		ctx := context.Background()
		msg, err := o.queue.ReceiveMessage(ctx, QueueMessages, o.cfg.ReceiveTimeout)
		if err != nil {
			if errors.Is(err, queue.ErrQueueClosed) {
				return
			}
			log.Error("receive failed", zap.Error(err))
			select {
			case <-o.stopCh:
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if msg == nil {
			continue
		}
		o.handleMessage(ctx, log, msg)
	}
}

// handleMessage decodes one queue message and runs it to a terminal
// queue state: acknowledged, rejected for requeue, or dead-lettered. A
// panic in the handler rejects the message without requeue so a
// poisoned payload cannot crash-loop the pool.
func (o *Orchestrator) handleMessage(ctx context.Context, log *logger.Logger, msg *queue.Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("worker panic recovered",
				zap.Any("panic", r),
				zap.String("queue_message_id", msg.ID),
				zap.ByteString("stack", debug.Stack()))
			_, _ = o.queue.RejectMessage(ctx, msg, false, fmt.Sprintf("panic: %v", r))
		}
	}()

	var req ExecutionRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		log.Warn("dropping undecodable execution request",
			zap.String("queue_message_id", msg.ID), zap.Error(err))
		_, _ = o.queue.AcknowledgeMessage(ctx, msg)
		return
	}
	replyTo := msg.ReplyTo
	if replyTo == "" {
		replyTo = QueueResults
	}

	inst, err := o.cache.GetOrCreate(ctx, req.AgentID, req.TaskID)
	if err != nil {
		// Not-found, not-executable, and cap errors are permanent and
		// carry no retryable state: report and consume the message.
		log.Warn("execution request rejected",
			zap.String("message_id", req.MessageID),
			zap.String("agent_id", req.AgentID),
			zap.Error(err))
		o.deliverResult(ctx, log, replyTo, &req, o.failureResult(&req, err.Error(), 0))
		_, _ = o.queue.AcknowledgeMessage(ctx, msg)
		o.publish(events.ExecutionFailed, map[string]any{
			"message_id": req.MessageID,
			"agent_id":   req.AgentID,
			"error":      err.Error(),
		})
		return
	}

	o.publish(events.ExecutionStarted, map[string]any{
		"message_id": req.MessageID,
		"agent_id":   req.AgentID,
		"task_id":    req.TaskID,
		"stream":     req.Stream,
	})

	execReq := o.buildExecutorRequest(&req, inst)
	if req.Stream || req.MessageType == MessageTypeStreamExecute {
		o.handleStreaming(ctx, log, msg, &req, execReq, replyTo)
	} else {
		o.handleExecute(ctx, log, msg, &req, execReq, replyTo)
	}
}

// buildExecutorRequest resolves the effective execution parameters:
// request-level temperature and max tokens win over the agent
// configuration, and the executor metadata is the request metadata
// augmented with the agent and conversation identity.
func (o *Orchestrator) buildExecutorRequest(req *ExecutionRequest, inst *AgentInstance) *executor.Request {
	agent := inst.Agent

	temperature := req.Temperature
	if temperature == nil {
		if v, ok := agent.Configuration.Temperature(); ok {
			temperature = &v
		}
	}
	maxTokens := req.MaxTokens
	if maxTokens == nil {
		if v, ok := agent.Configuration.MaxTokens(); ok {
			maxTokens = &v
		}
	}

	metadata := make(map[string]any, len(req.Metadata)+9)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	metadata["agent_id"] = agent.ID
	metadata["agent_name"] = agent.Name
	metadata["template_id"] = agent.TemplateID
	metadata["template_version"] = agent.TemplateVersion
	metadata["message_id"] = req.MessageID
	metadata["message_count"] = o.cache.snapshotCount(inst)
	if req.TaskID != "" {
		metadata["task_id"] = req.TaskID
	}
	if req.ContextID != "" {
		metadata["context_id"] = req.ContextID
	}
	if req.UserID != "" {
		metadata["user_id"] = req.UserID
	}

	return &executor.Request{
		TemplateID:      agent.TemplateID,
		TemplateVersion: agent.TemplateVersion,
		Configuration:   agent.Configuration.ResolveTemplateConfiguration(),
		Messages:        req.Messages,
		Temperature:     temperature,
		MaxTokens:       maxTokens,
		Timeout:         req.Timeout(),
		Metadata:        metadata,
	}
}

// handleExecute runs a non-streaming execution. Success acknowledges;
// a failure result rejects without requeue; a transient executor error
// rejects with requeue so the retry budget applies.
func (o *Orchestrator) handleExecute(ctx context.Context, log *logger.Logger, msg *queue.Message, req *ExecutionRequest, execReq *executor.Request, replyTo string) {
	start := time.Now()
	result, err := o.exec.Execute(ctx, execReq)
	if err != nil {
		requeue := executor.IsTransient(err)
		log.Warn("execution errored",
			zap.String("message_id", req.MessageID),
			zap.Bool("requeue", requeue),
			zap.Error(err))
		o.deliverResult(ctx, log, replyTo, req, o.failureResult(req, err.Error(), time.Since(start)))
		_, _ = o.queue.RejectMessage(ctx, msg, requeue, err.Error())
		o.publish(events.ExecutionFailed, map[string]any{
			"message_id": req.MessageID,
			"agent_id":   req.AgentID,
			"error":      err.Error(),
			"transient":  requeue,
		})
		return
	}

	o.deliverResult(ctx, log, replyTo, req, o.resultEnvelope(req, result))
	if result.Success {
		_, _ = o.queue.AcknowledgeMessage(ctx, msg)
		o.publish(events.ExecutionCompleted, map[string]any{
			"message_id":         req.MessageID,
			"agent_id":           req.AgentID,
			"processing_time_ms": result.ProcessingTimeMs,
		})
		return
	}
	_, _ = o.queue.RejectMessage(ctx, msg, false, result.Error)
	o.publish(events.ExecutionFailed, map[string]any{
		"message_id": req.MessageID,
		"agent_id":   req.AgentID,
		"error":      result.Error,
	})
}

// handleStreaming forwards executor chunks onto the per-message stream
// queue. A clean stream ends with an explicit end marker carrying the
// chunk total plus a summary result; an error chunk from the executor
// becomes the stream terminator and a failure result.
func (o *Orchestrator) handleStreaming(ctx context.Context, log *logger.Logger, msg *queue.Message, req *ExecutionRequest, execReq *executor.Request, replyTo string) {
	streamQueue := StreamQueueName(req.MessageID)
	if _, err := o.queue.CreateQueue(ctx, streamQueue); err != nil {
		log.Error("create stream queue failed",
			zap.String("queue", streamQueue), zap.Error(err))
		o.deliverResult(ctx, log, replyTo, req, o.failureResult(req, err.Error(), 0))
		_, _ = o.queue.RejectMessage(ctx, msg, false, err.Error())
		return
	}

	start := time.Now()
	chunks, err := o.exec.StreamExecute(ctx, execReq)
	if err != nil {
		requeue := executor.IsTransient(err)
		log.Warn("stream execution errored",
			zap.String("message_id", req.MessageID),
			zap.Bool("requeue", requeue),
			zap.Error(err))
		o.deliverResult(ctx, log, replyTo, req, o.failureResult(req, err.Error(), time.Since(start)))
		_, _ = o.queue.RejectMessage(ctx, msg, requeue, err.Error())
		o.publish(events.ExecutionFailed, map[string]any{
			"message_id": req.MessageID,
			"agent_id":   req.AgentID,
			"error":      err.Error(),
			"transient":  requeue,
		})
		return
	}

	sent := 0
	var failure string
	for chunk := range chunks {
		envelope := o.chunkEnvelope(req, chunk)
		if chunk.FinishReason == executor.FinishError {
			failure = chunkError(chunk)
			if envelope.Metadata == nil {
				envelope.Metadata = make(map[string]any, 2)
			}
			envelope.Metadata[metaStreamEnd] = true
			envelope.Metadata[metaError] = failure
			o.sendChunk(ctx, log, streamQueue, envelope)
			continue
		}
		o.sendChunk(ctx, log, streamQueue, envelope)
		sent++
	}

	elapsed := time.Since(start)
	if failure != "" {
		o.deliverResult(ctx, log, replyTo, req, o.failureResult(req, failure, elapsed))
		_, _ = o.queue.RejectMessage(ctx, msg, false, failure)
		o.publish(events.ExecutionFailed, map[string]any{
			"message_id": req.MessageID,
			"agent_id":   req.AgentID,
			"error":      failure,
		})
		return
	}

	end := &StreamingChunk{
		MessageID:    req.MessageID,
		TaskID:       req.TaskID,
		AgentID:      req.AgentID,
		ContextID:    req.ContextID,
		ChunkIndex:   sent,
		FinishReason: executor.FinishStop,
		Metadata: map[string]any{
			metaStreamEnd:   true,
			metaTotalChunks: sent,
		},
		Timestamp: epochSeconds(time.Now()),
	}
	o.sendChunk(ctx, log, streamQueue, end)

	summary := &ExecutionResult{
		MessageID:        req.MessageID,
		TaskID:           req.TaskID,
		AgentID:          req.AgentID,
		ContextID:        req.ContextID,
		Success:          true,
		Content:          fmt.Sprintf("Streaming completed with %d chunks", sent),
		FinishReason:     executor.FinishStop,
		ProcessingTimeMs: elapsed.Milliseconds(),
		Metadata:         map[string]any{metaChunkCount: sent},
		Timestamp:        epochSeconds(time.Now()),
	}
	o.deliverResult(ctx, log, replyTo, req, summary)
	_, _ = o.queue.AcknowledgeMessage(ctx, msg)
	o.publish(events.ExecutionCompleted, map[string]any{
		"message_id":         req.MessageID,
		"agent_id":           req.AgentID,
		"chunk_count":        sent,
		"processing_time_ms": summary.ProcessingTimeMs,
	})
}

// resultEnvelope wraps an executor result in the wire envelope.
func (o *Orchestrator) resultEnvelope(req *ExecutionRequest, r *executor.Result) *ExecutionResult {
	return &ExecutionResult{
		MessageID:        req.MessageID,
		TaskID:           req.TaskID,
		AgentID:          req.AgentID,
		ContextID:        req.ContextID,
		Success:          r.Success,
		Content:          r.Content,
		Error:            r.Error,
		FinishReason:     r.FinishReason,
		ProcessingTimeMs: r.ProcessingTimeMs,
		PromptTokens:     r.PromptTokens,
		CompletionTokens: r.CompletionTokens,
		Metadata:         r.Metadata,
		Timestamp:        epochSeconds(time.Now()),
	}
}

func (o *Orchestrator) failureResult(req *ExecutionRequest, errMsg string, elapsed time.Duration) *ExecutionResult {
	return &ExecutionResult{
		MessageID:        req.MessageID,
		TaskID:           req.TaskID,
		AgentID:          req.AgentID,
		ContextID:        req.ContextID,
		Success:          false,
		Error:            errMsg,
		FinishReason:     executor.FinishError,
		ProcessingTimeMs: elapsed.Milliseconds(),
		Timestamp:        epochSeconds(time.Now()),
	}
}

func (o *Orchestrator) chunkEnvelope(req *ExecutionRequest, c executor.Chunk) *StreamingChunk {
	var metadata map[string]any
	if len(c.Metadata) > 0 {
		metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			metadata[k] = v
		}
	}
	return &StreamingChunk{
		MessageID:    req.MessageID,
		TaskID:       req.TaskID,
		AgentID:      req.AgentID,
		ContextID:    req.ContextID,
		Content:      c.Content,
		ChunkIndex:   c.ChunkIndex,
		FinishReason: c.FinishReason,
		Metadata:     metadata,
		Timestamp:    epochSeconds(time.Now()),
	}
}

// chunkError extracts the error text of an error chunk.
func chunkError(c executor.Chunk) string {
	if msg, ok := c.Metadata[metaError].(string); ok && msg != "" {
		return msg
	}
	if c.Content != "" {
		return c.Content
	}
	return "stream execution failed"
}

// deliverResult publishes a result envelope on the reply queue.
// Best-effort: a reply failure is logged, not retried, since the queue
// state of the triggering message is settled separately.
func (o *Orchestrator) deliverResult(ctx context.Context, log *logger.Logger, replyTo string, req *ExecutionRequest, result *ExecutionResult) {
	payload, err := json.Marshal(result)
	if err != nil {
		log.Error("encode result failed",
			zap.String("message_id", result.MessageID), zap.Error(err))
		return
	}
	_, err = o.queue.SendMessage(ctx, replyTo, payload,
		queue.WithPriority(queue.PriorityHigh),
		queue.WithCorrelationID(req.CorrelationID))
	if err != nil {
		log.Error("deliver result failed",
			zap.String("message_id", result.MessageID),
			zap.String("reply_to", replyTo),
			zap.Error(err))
	}
}

// sendChunk publishes a chunk envelope on the stream queue at high
// priority so chunks outrun ordinary traffic.
func (o *Orchestrator) sendChunk(ctx context.Context, log *logger.Logger, queueName string, chunk *StreamingChunk) {
	payload, err := json.Marshal(chunk)
	if err != nil {
		log.Error("encode chunk failed",
			zap.String("message_id", chunk.MessageID), zap.Error(err))
		return
	}
	_, err = o.queue.SendMessage(ctx, queueName, payload,
		queue.WithPriority(queue.PriorityHigh))
	if err != nil {
		log.Error("deliver chunk failed",
			zap.String("message_id", chunk.MessageID),
			zap.String("queue", queueName),
			zap.Error(err))
	}
}
