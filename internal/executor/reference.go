package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/template"
)

// streamBuffer is the chunk channel capacity. It gives the producer
// headroom while a slow consumer catches up without unbounded growth.
const streamBuffer = 100

// Runtime is one template's execution logic. Runtimes are registered at
// construction and must be stateless: the reference executor calls the
// same runtime value from every worker concurrently.
type Runtime interface {
	// Complete produces the full completion for the conversation, plus
	// optional metadata to attach to the result.
	Complete(ctx context.Context, req *Request) (string, map[string]any, error)
	// Chunks splits a completion into the streaming chunk contents.
	Chunks(completion string, cfg map[string]any) []string
}

// Reference dispatches on template ID to registered runtimes. The runtime
// map is fixed after construction, so lookups need no locking.
type Reference struct {
	registry *template.Registry
	runtimes map[string]Runtime
	logger   *logger.Logger
}

var _ Executor = (*Reference)(nil)

// NewReference creates the reference executor with the built-in runtimes
// registered for every embedded template they serve.
func NewReference(registry *template.Registry, log *logger.Logger) *Reference {
	r := &Reference{
		registry: registry,
		runtimes: make(map[string]Runtime),
		logger:   log.WithFields(zap.String("component", "executor")),
	}
	r.runtimes["simple-chat"] = &chatRuntime{}
	r.runtimes["scripted"] = &scriptedRuntime{}
	return r
}

// RegisterRuntime binds a runtime to a template ID. Must be called before
// the executor is handed to the orchestrator.
func (r *Reference) RegisterRuntime(templateID string, rt Runtime) {
	r.runtimes[templateID] = rt
}

// Initialize is a no-op for the reference executor.
func (r *Reference) Initialize(ctx context.Context) error { return nil }

// Shutdown is a no-op for the reference executor.
func (r *Reference) Shutdown(ctx context.Context) error { return nil }

// Execute runs one conversation through its template runtime. Domain
// failures come back as failure results; only errors wrapping
// ErrTransient propagate as errors.
func (r *Reference) Execute(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()

	rt, ok := r.runtimes[req.TemplateID]
	if !ok {
		return failureResult(start, FinishError,
			fmt.Sprintf("template %q not found", req.TemplateID)), nil
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	type outcome struct {
		content  string
		metadata map[string]any
		err      error
	}
	done := make(chan outcome, 1)
	go func() {
		content, md, err := rt.Complete(ctx, req)
		done <- outcome{content: content, metadata: md, err: err}
	}()

	select {
	case <-ctx.Done():
		return failureResult(start, FinishError,
			fmt.Sprintf("execution timed out after %s", req.Timeout)), nil
	case out := <-done:
		if out.err != nil {
			if IsTransient(out.err) {
				return nil, out.err
			}
			return failureResult(start, FinishError, out.err.Error()), nil
		}
		return r.buildResult(start, req, out.content, out.metadata), nil
	}
}

// StreamExecute produces chunks on a channel the producer goroutine
// closes after the terminal chunk. Consumer cancellation propagates
// through ctx and stops production at the next send.
func (r *Reference) StreamExecute(ctx context.Context, req *Request) (<-chan Chunk, error) {
	out := make(chan Chunk, streamBuffer)

	rt, ok := r.runtimes[req.TemplateID]
	if !ok {
		out <- Chunk{
			ChunkIndex:   0,
			FinishReason: FinishError,
			Metadata:     map[string]any{"error": fmt.Sprintf("template %q not found", req.TemplateID)},
		}
		close(out)
		return out, nil
	}

	go func() {
		defer close(out)

		content, _, err := rt.Complete(ctx, req)
		if err != nil {
			r.logger.Debug("stream completion failed",
				zap.String("template_id", req.TemplateID),
				zap.Error(err))
			emit(ctx, out, Chunk{
				ChunkIndex:   0,
				FinishReason: FinishError,
				Metadata:     map[string]any{"error": err.Error()},
			})
			return
		}

		pieces := rt.Chunks(content, req.Configuration)
		if len(pieces) == 0 {
			emit(ctx, out, Chunk{ChunkIndex: 0, FinishReason: FinishStop})
			return
		}
		for i, piece := range pieces {
			chunk := Chunk{Content: piece, ChunkIndex: i}
			if i == len(pieces)-1 {
				chunk.FinishReason = FinishStop
			}
			if !emit(ctx, out, chunk) {
				return
			}
		}
	}()

	return out, nil
}

// ValidateConfiguration checks the configuration against the template's
// schema without executing anything.
func (r *Reference) ValidateConfiguration(templateID, templateVersion string, cfg map[string]any) (bool, []string) {
	if templateVersion != "" && !r.registry.Has(templateID, templateVersion) {
		if !r.registry.Has(templateID, "") {
			return false, []string{fmt.Sprintf("template %q not found", templateID)}
		}
		return false, []string{fmt.Sprintf("template %q has no version %q", templateID, templateVersion)}
	}
	return r.registry.ValidateConfiguration(templateID, cfg)
}

// GetSupportedTemplates lists the registry templates that have a runtime.
func (r *Reference) GetSupportedTemplates() []*template.Info {
	var infos []*template.Info
	for _, info := range r.registry.List() {
		if _, ok := r.runtimes[info.ID]; ok {
			infos = append(infos, info)
		}
	}
	return infos
}

// buildResult assembles a success result, applying the max token budget
// by truncating the completion.
func (r *Reference) buildResult(start time.Time, req *Request, content string, md map[string]any) *Result {
	finish := FinishStop
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		words := strings.Fields(content)
		if len(words) > *req.MaxTokens {
			content = strings.Join(words[:*req.MaxTokens], " ")
			finish = FinishLength
		}
	}

	prompt := 0
	for _, msg := range req.Messages {
		prompt += approxTokens(msg.Content)
	}

	return &Result{
		Success:          true,
		Content:          content,
		FinishReason:     finish,
		PromptTokens:     prompt,
		CompletionTokens: approxTokens(content),
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		Metadata:         md,
	}
}

func failureResult(start time.Time, finish, errMsg string) *Result {
	return &Result{
		Success:          false,
		Error:            errMsg,
		FinishReason:     finish,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	}
}

// emit sends a chunk unless the consumer is gone.
func emit(ctx context.Context, out chan<- Chunk, chunk Chunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// approxTokens is the word-count token estimate the reference runtimes
// report. Real provider integrations replace this with exact counts.
func approxTokens(s string) int {
	return len(strings.Fields(s))
}
