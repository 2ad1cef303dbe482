// Package provider defines the CompletionProvider interface and the three
// vendor adapters that implement it.
//
// Every LLM backend (OpenAI, Anthropic, Gemini) implements
// CompletionProvider. The completion service, the HTTP handlers and the SSE
// writer only see the normalized types in this file, so they never need to
// know which vendor handled a request.
//
// The set of adapters is closed. IDs lists them.
package provider

import (
	"context"
	"slices"
	"time"
)

// Provider identifiers. These are the keys used in configuration, in URL
// paths (/v1/providers/{provider}/...), and in compare results.
const (
	OpenAI    = "openai"
	Anthropic = "anthropic"
	Gemini    = "gemini"
)

// IDs returns every supported provider identifier in a stable order.
func IDs() []string {
	return []string{Anthropic, Gemini, OpenAI}
}

// CompletionProvider is the interface that every LLM backend must satisfy.
type CompletionProvider interface {
	// Name returns the provider identifier, e.g. "openai".
	Name() string

	// Complete sends a request and returns the complete response. Failures
	// are *ProviderError values; retries for transient failures have
	// already happened by the time Complete returns.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// StreamComplete sends a streaming request. An error return means the
	// vendor never accepted the request. Otherwise the returned channel
	// delivers text chunks in vendor order and is closed after exactly one
	// of: a chunk with Final set, or a chunk with Err set.
	//
	// A stream cannot be restarted; retrying means calling StreamComplete
	// again.
	StreamComplete(ctx context.Context, req *CompletionRequest) (<-chan StreamChunk, error)

	// ListModels returns the model identifiers this provider serves. The
	// list is cached for the life of the adapter.
	ListModels(ctx context.Context) ([]string, error)
}

// ---------------------------------------------------------------------------
// Unified request types
// ---------------------------------------------------------------------------

// CompletionRequest is the normalized completion request. Optional
// sampling parameters are pointers so "unset" can be told apart from an
// explicit zero; the completion service fills unset ones with defaults
// before an adapter sees the request.
type CompletionRequest struct {
	Prompt      string   `json:"prompt"`
	Model       string   `json:"model,omitempty"`
	System      string   `json:"system,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// Clone returns a deep copy so defaults can be applied without touching
// the caller's value.
func (r *CompletionRequest) Clone() *CompletionRequest {
	c := *r
	if r.Temperature != nil {
		v := *r.Temperature
		c.Temperature = &v
	}
	if r.MaxTokens != nil {
		v := *r.MaxTokens
		c.MaxTokens = &v
	}
	if r.TopP != nil {
		v := *r.TopP
		c.TopP = &v
	}
	c.Stop = slices.Clone(r.Stop)
	return &c
}

// ---------------------------------------------------------------------------
// Unified response types
// ---------------------------------------------------------------------------

// CompletionResponse is the normalized result of a non-streaming call.
type CompletionResponse struct {
	ID           string        // vendor response ID, or a generated UUID
	Provider     string        // provider identifier that served the call
	Model        string        // the model that actually generated the text
	Text         string        // the generated text
	FinishReason string        // "stop", "length", "content_filter", ...
	Usage        Usage         // token counts, where the vendor reports them
	Latency      time.Duration // wall time including retries
}

// Usage holds token counts. Each field is optional because not every
// vendor reports every count on every call.
type Usage struct {
	PromptTokens     *int `json:"prompt_tokens,omitempty"`
	CompletionTokens *int `json:"completion_tokens,omitempty"`
	TotalTokens      *int `json:"total_tokens,omitempty"`
}

// NewUsage builds a fully populated Usage.
func NewUsage(prompt, completion, total int) Usage {
	return Usage{PromptTokens: &prompt, CompletionTokens: &completion, TotalTokens: &total}
}

// StreamChunk is one piece of a streaming response.
type StreamChunk struct {
	Model string // model name
	Text  string // the new text fragment in this chunk
	Final bool   // true on the last chunk of a successful stream

	// FinishReason and Usage are only populated on the final chunk.
	FinishReason string
	Usage        *Usage

	// Err is set on the single chunk that ends a failed stream.
	Err error
}

// ---------------------------------------------------------------------------
// Shared helpers
// ---------------------------------------------------------------------------

// normalizeFinishReason maps each vendor's stop vocabulary onto the small
// set clients care about.
func normalizeFinishReason(reason string) string {
	switch reason {
	case "":
		return ""
	case "stop", "end_turn", "stop_sequence", "STOP":
		return "stop"
	case "length", "max_tokens", "MAX_TOKENS":
		return "length"
	case "content_filter", "refusal", "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return "content_filter"
	case "tool_calls", "tool_use", "function_call":
		return "tool_calls"
	default:
		return "other"
	}
}
