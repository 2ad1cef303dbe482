package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/tidwall/gjson"

	"github.com/howard-nolan/llmbridge/internal/security"
)

// ---------------------------------------------------------------------------
// AnthropicProvider struct + constructor
// ---------------------------------------------------------------------------

// AnthropicProvider implements CompletionProvider for Anthropic's Messages
// API. It translates our CompletionRequest into Anthropic's format, makes
// the HTTP call through Base (which owns retries and classification), and
// translates the response back.
type AnthropicProvider struct {
	Base
}

// NewAnthropicProvider creates an AnthropicProvider ready to make API calls.
// opts.BaseURL is e.g. "https://api.anthropic.com/v1".
func NewAnthropicProvider(opts Options) *AnthropicProvider {
	a := &AnthropicProvider{}
	a.Base = newBase(Anthropic, opts, classifyAnthropic)
	return a
}

// anthropicAPIVersion pins the Anthropic API behavior. Anthropic versions
// its API with a date header rather than the URL path, and rejects
// requests without one.
const anthropicAPIVersion = "2023-06-01"

// fallbackMaxTokens is used when a request reaches the adapter with no
// max_tokens. Anthropic requires the field. The completion service
// normally fills it from configured defaults first.
const fallbackMaxTokens = 1024

func (a *AnthropicProvider) headers() http.Header {
	h := http.Header{}
	h.Set("x-api-key", a.apiKey)
	h.Set("anthropic-version", anthropicAPIVersion)
	return h
}

// ---------------------------------------------------------------------------
// Anthropic API types (unexported)
// ---------------------------------------------------------------------------

// anthropicRequest is the request body for /v1/messages.
//
// Compared to Gemini:
//   - "system" is a top-level string, not nested inside messages
//   - "max_tokens" is REQUIRED
//   - "model" is in the request body (Gemini puts it in the URL path)
type anthropicRequest struct {
	Model         string             `json:"model"`
	MaxTokens     int                `json:"max_tokens"`
	System        string             `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// anthropicResponse is the response from /v1/messages. Content is an array
// of blocks because responses can mix text and tool_use; we only keep the
// text ones.
type anthropicResponse struct {
	ID         string                  `json:"id"`
	Content    []anthropicContentBlock `json:"content"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Usage      *anthropicUsage         `json:"usage"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u *anthropicUsage) toUsage() Usage {
	if u == nil {
		return Usage{}
	}
	return NewUsage(u.InputTokens, u.OutputTokens, u.InputTokens+u.OutputTokens)
}

// --- Streaming event types ---
//
// Anthropic sends NAMED events, each with its own payload shape:
//
//	event: message_start       → response ID, model, input token count
//	event: content_block_delta → a text fragment
//	event: message_delta       → stop_reason and output token count
//	event: message_stop        → the stream is done
//	event: error               → the vendor failed mid-stream
//
// Every payload repeats the event name in its "type" field, so one struct
// with all the optional fields covers them.
type anthropicStreamEvent struct {
	Type    string                 `json:"type"`
	Message *anthropicEventMessage `json:"message,omitempty"` // message_start
	Delta   *anthropicEventDelta   `json:"delta,omitempty"`   // content_block_delta, message_delta
	Usage   *anthropicUsage        `json:"usage,omitempty"`   // message_delta
}

type anthropicEventMessage struct {
	ID    string         `json:"id"`
	Model string         `json:"model"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicEventDelta struct {
	Type       string `json:"type,omitempty"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

func (a *AnthropicProvider) toAnthropicRequest(req *CompletionRequest) *anthropicRequest {
	ar := &anthropicRequest{
		Model:         a.model(req),
		MaxTokens:     fallbackMaxTokens,
		System:        req.System,
		Messages:      []anthropicMessage{{Role: "user", Content: req.Prompt}},
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		ar.MaxTokens = *req.MaxTokens
	}
	return ar
}

// ---------------------------------------------------------------------------
// Complete
// ---------------------------------------------------------------------------

// Complete sends a non-streaming request to /v1/messages.
func (a *AnthropicProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	body := a.toAnthropicRequest(req)
	url := a.baseURL + "/messages"

	var ar anthropicResponse
	err := a.withRetry(ctx, "complete", func(ctx context.Context) error {
		httpResp, err := a.do(ctx, http.MethodPost, url, a.headers(), body)
		if err != nil {
			return err
		}
		ar = anthropicResponse{}
		return a.decode(httpResp, &ar)
	})
	if err != nil {
		return nil, err
	}

	// Concatenate every text block. For a plain completion there is one.
	var text strings.Builder
	for _, block := range ar.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	resp := &CompletionResponse{
		ID:           ar.ID,
		Provider:     Anthropic,
		Model:        ar.Model,
		Text:         text.String(),
		FinishReason: normalizeFinishReason(ar.StopReason),
		Usage:        ar.Usage.toUsage(),
	}
	if resp.ID == "" {
		resp.ID = uuid.NewString()
	}
	if resp.Model == "" {
		resp.Model = body.Model
	}
	return resp, nil
}

// ---------------------------------------------------------------------------
// StreamComplete
// ---------------------------------------------------------------------------

// StreamComplete sends a streaming request to /v1/messages. Anthropic uses
// the same endpoint for both modes; "stream": true in the body switches it
// to SSE.
//
// The pump goroutine accumulates metadata across events: message_start
// gives the model and input tokens, message_delta the stop reason and
// output tokens, and message_stop turns all of it into the final chunk.
func (a *AnthropicProvider) StreamComplete(ctx context.Context, req *CompletionRequest) (<-chan StreamChunk, error) {
	body := a.toAnthropicRequest(req)
	body.Stream = true
	url := a.baseURL + "/messages"

	var httpResp *http.Response
	err := a.withRetry(ctx, "stream", func(ctx context.Context) error {
		var err error
		httpResp, err = a.do(ctx, http.MethodPost, url, a.headers(), body)
		return err
	})
	if err != nil {
		return nil, err
	}

	var (
		model        = body.Model
		stopReason   string
		inputTokens  int
		outputTokens int
	)

	handle := func(ev ssestream.Event, out *emitter) error {
		var event anthropicStreamEvent
		if err := json.Unmarshal(ev.Data, &event); err != nil {
			return a.unknown("decoding stream event: %v", err)
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				if event.Message.Model != "" {
					model = event.Message.Model
				}
				inputTokens = event.Message.Usage.InputTokens
			}

		case "content_block_delta":
			if event.Delta == nil || event.Delta.Text == "" {
				return nil
			}
			out.send(StreamChunk{Model: model, Text: event.Delta.Text})

		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				stopReason = event.Delta.StopReason
			}
			if event.Usage != nil {
				outputTokens = event.Usage.OutputTokens
			}

		case "message_stop":
			usage := NewUsage(inputTokens, outputTokens, inputTokens+outputTokens)
			out.send(StreamChunk{
				Model:        model,
				Final:        true,
				FinishReason: normalizeFinishReason(stopReason),
				Usage:        &usage,
			})

		case "error":
			return a.streamError(ev.Data)

		default:
			// content_block_start, content_block_stop and ping carry
			// nothing we need.
		}
		return nil
	}

	return a.pump(ctx, httpResp, handle), nil
}

// streamError classifies an error event that arrives after the stream
// was accepted. The HTTP status is long gone, so only the payload's
// error.type can tell us what happened.
func (a *AnthropicProvider) streamError(data []byte) *ProviderError {
	perr := NewProviderError(Anthropic, KindUnknown, gjson.GetBytes(data, "error.message").String())
	if kind, ok := anthropicErrorKinds[gjson.GetBytes(data, "error.type").String()]; ok {
		perr.Kind = kind
	}
	return perr
}

// ---------------------------------------------------------------------------
// ListModels
// ---------------------------------------------------------------------------

// ListModels returns the model IDs from GET /v1/models.
func (a *AnthropicProvider) ListModels(ctx context.Context) ([]string, error) {
	return a.listModels(ctx, func(ctx context.Context) ([]string, error) {
		httpResp, err := a.do(ctx, http.MethodGet, a.baseURL+"/models?limit=1000", a.headers(), nil)
		if err != nil {
			return nil, err
		}
		defer httpResp.Body.Close()

		raw, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return nil, a.transportError(ctx, err)
		}
		if !gjson.ValidBytes(raw) {
			return nil, a.unknown("unparseable model list")
		}

		var models []string
		for _, id := range gjson.GetBytes(raw, "data.#.id").Array() {
			models = append(models, id.String())
		}
		return models, nil
	})
}

// ---------------------------------------------------------------------------
// Error classification
// ---------------------------------------------------------------------------

// anthropicErrorKinds maps the error.type field of Anthropic's error
// envelope:
//
//	{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}
var anthropicErrorKinds = map[string]ErrorKind{
	"authentication_error":  KindAuth,
	"permission_error":      KindAuth,
	"rate_limit_error":      KindRateLimited,
	"overloaded_error":      KindUnavailable,
	"api_error":             KindUnavailable,
	"invalid_request_error": KindInvalidRequest,
	"not_found_error":       KindInvalidRequest,
	"request_too_large":     KindInvalidRequest,
}

func classifyAnthropic(status int, header http.Header, body []byte) *ProviderError {
	perr := classifyStatus(Anthropic, status, header)

	if kind, ok := anthropicErrorKinds[gjson.GetBytes(body, "error.type").String()]; ok {
		perr.Kind = kind
	}
	if perr.Kind == KindRateLimited && perr.RetryAfter == 0 {
		perr.RetryAfter = parseRetryAfter(header.Get("Retry-After"), time.Now())
	}

	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = fmt.Sprintf("HTTP %d", status)
	}
	perr.Message = security.Redact(msg)
	return perr
}
