// Package executor defines the stateless execution contract the
// orchestrator's workers call, plus a reference implementation that
// dispatches on template ID to registered runtimes.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/agentmux/agentmux/internal/agent/models"
	"github.com/agentmux/agentmux/internal/template"
)

// ErrTransient marks infrastructure failures worth retrying. Workers
// requeue the triggering message when the execution error wraps it;
// every other failure is permanent.
var ErrTransient = errors.New("transient executor failure")

// IsTransient reports whether err is worth a retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Finish reasons carried on results and terminal chunks.
const (
	FinishStop   = "stop"
	FinishLength = "length"
	FinishError  = "error"
)

// Request carries one execution through the contract: the template to
// run, the resolved configuration, the conversation so far, and the
// effective sampling parameters.
type Request struct {
	TemplateID      string
	TemplateVersion string
	Configuration   map[string]any
	Messages        []*models.ChatMessage
	Temperature     *float64
	MaxTokens       *int
	Timeout         time.Duration
	Metadata        map[string]any
}

// Result is the outcome of a non-streaming execution. Execution failures
// are expressed in the result, never as a panic or a raw error; the error
// return of Execute is reserved for transient infrastructure failures.
type Result struct {
	Success          bool
	Content          string
	Error            string
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
	ProcessingTimeMs int64
	Metadata         map[string]any
}

// Chunk is one element of a streaming execution. Chunks arrive in strict
// ChunkIndex order starting at 0; exactly the final chunk carries a
// non-empty FinishReason.
type Chunk struct {
	Content      string
	ChunkIndex   int
	FinishReason string
	Metadata     map[string]any
}

// Executor is the stateless execution contract. A single executor serves
// all concurrent requests; neither method may mutate executor state, and
// concurrent calls with different arguments must not interfere.
type Executor interface {
	// Initialize prepares the executor. Idempotent.
	Initialize(ctx context.Context) error
	// Shutdown releases executor resources. Idempotent.
	Shutdown(ctx context.Context) error

	// Execute runs the conversation through the template and returns a
	// well-formed result within the request timeout. A non-nil error
	// signals a transient infrastructure failure (wrap ErrTransient);
	// all domain failures, unknown templates and timeouts included, are
	// failure results with a nil error.
	Execute(ctx context.Context, req *Request) (*Result, error)

	// StreamExecute runs the conversation and returns a channel of
	// chunks the producer closes after the terminal chunk. An empty
	// stream still yields one terminal chunk; an unknown template yields
	// exactly one chunk with FinishReason "error".
	StreamExecute(ctx context.Context, req *Request) (<-chan Chunk, error)

	// ValidateConfiguration checks schema compatibility without
	// executing the template. All errors are collected and returned.
	ValidateConfiguration(templateID, templateVersion string, cfg map[string]any) (bool, []string)

	// GetSupportedTemplates lists the templates this executor can run.
	GetSupportedTemplates() []*template.Info
}
