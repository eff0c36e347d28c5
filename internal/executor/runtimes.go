package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentmux/agentmux/internal/agent/models"
)

// chatRuntime backs the simple-chat template: an echo-style completion
// over the latest user content, optionally prefixed. It exists to
// exercise the execution pipeline end to end without a provider.
type chatRuntime struct{}

func (r *chatRuntime) Complete(ctx context.Context, req *Request) (string, map[string]any, error) {
	var lastUser string
	for _, msg := range req.Messages {
		if msg.Role == models.RoleUser {
			lastUser = msg.Content
		}
	}
	if lastUser == "" {
		return "", nil, fmt.Errorf("conversation has no user message")
	}

	prefix, _ := req.Configuration["response_prefix"].(string)
	if prefix == "" {
		prefix = "You said: "
	}
	return prefix + lastUser, nil, nil
}

// Chunks splits the completion into groups of chunk_words words, keeping
// the whitespace so the concatenation reproduces the completion.
func (r *chatRuntime) Chunks(completion string, cfg map[string]any) []string {
	perChunk := 1
	if raw, ok := cfg["chunk_words"]; ok {
		if n, ok := asInt(raw); ok && n > 0 {
			perChunk = n
		}
	}

	words := strings.Fields(completion)
	if len(words) == 0 {
		return nil
	}
	var chunks []string
	for i := 0; i < len(words); i += perChunk {
		end := i + perChunk
		if end > len(words) {
			end = len(words)
		}
		piece := strings.Join(words[i:end], " ")
		if end < len(words) {
			piece += " "
		}
		chunks = append(chunks, piece)
	}
	return chunks
}

// scriptedRuntime backs the scripted template: canned responses returned
// in order, selected by the instance message count the worker passes in
// metadata. Deterministic output for integration tests and demos.
type scriptedRuntime struct{}

func (r *scriptedRuntime) Complete(ctx context.Context, req *Request) (string, map[string]any, error) {
	raw, ok := req.Configuration["responses"]
	if !ok {
		return "", nil, fmt.Errorf("scripted template requires a responses list")
	}
	items, ok := raw.([]any)
	if !ok || len(items) == 0 {
		return "", nil, fmt.Errorf("scripted template requires a non-empty responses list")
	}
	responses := make([]string, 0, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			return "", nil, fmt.Errorf("responses[%d] is not a string", i)
		}
		responses = append(responses, s)
	}

	// The first request for an instance carries message_count 1.
	idx := 0
	if raw, ok := req.Metadata["message_count"]; ok {
		if n, ok := asInt(raw); ok && n > 0 {
			idx = n - 1
		}
	}

	loop := true
	if v, ok := req.Configuration["loop"].(bool); ok {
		loop = v
	}
	if loop {
		idx = idx % len(responses)
	} else if idx >= len(responses) {
		idx = len(responses) - 1
	}

	var md map[string]any
	if annotations, ok := req.Configuration["annotations"].(map[string]any); ok {
		md = annotations
	}
	return responses[idx], md, nil
}

// Chunks returns the scripted completion as a single chunk.
func (r *scriptedRuntime) Chunks(completion string, cfg map[string]any) []string {
	if completion == "" {
		return nil
	}
	return []string{completion}
}

// asInt normalizes JSON-decoded numbers to int.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}
