package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/tidwall/gjson"

	"github.com/howard-nolan/llmbridge/internal/security"
)

// ---------------------------------------------------------------------------
// OpenAIProvider struct + constructor
// ---------------------------------------------------------------------------

// OpenAIProvider implements CompletionProvider on top of the official
// openai-go SDK. The SDK handles the wire format and SSE decoding; the
// embedded Base still owns retries, so the SDK's own retry loop is off.
type OpenAIProvider struct {
	Base
	client *openai.Client
}

// NewOpenAIProvider creates an OpenAIProvider. opts.BaseURL is e.g.
// "https://api.openai.com/v1". Other OpenAI-compatible endpoints usually
// work, but the SDK sends message content as an array of text parts,
// which some of them reject.
func NewOpenAIProvider(opts Options) *OpenAIProvider {
	p := &OpenAIProvider{}
	p.Base = newBase(OpenAI, opts, classifyOpenAI)

	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(0),
		option.WithHTTPClient(p.Base.client),
	}
	if opts.BaseURL != "" {
		// The SDK resolves paths relative to the base URL, so it needs
		// the trailing slash.
		reqOpts = append(reqOpts, option.WithBaseURL(strings.TrimSuffix(opts.BaseURL, "/")+"/"))
	}
	p.client = openai.NewClient(reqOpts...)
	return p
}

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

func (p *OpenAIProvider) toParams(req *CompletionRequest) openai.ChatCompletionNewParams {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Messages: openai.F(messages),
		Model:    openai.F(p.model(req)),
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openai.Float(*req.TopP)
	}
	if req.MaxTokens != nil {
		params.MaxTokens = openai.Int(int64(*req.MaxTokens))
	}
	if len(req.Stop) > 0 {
		params.Stop = openai.F[openai.ChatCompletionNewParamsStopUnion](openai.ChatCompletionNewParamsStopArray(req.Stop))
	}
	return params
}

func toUsage(u openai.CompletionUsage) Usage {
	return NewUsage(int(u.PromptTokens), int(u.CompletionTokens), int(u.TotalTokens))
}

// ---------------------------------------------------------------------------
// Complete
// ---------------------------------------------------------------------------

// Complete calls /chat/completions once per attempt.
func (p *OpenAIProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	params := p.toParams(req)

	var chat *openai.ChatCompletion
	err := p.withRetry(ctx, "complete", func(ctx context.Context) error {
		var err error
		chat, err = p.client.Chat.Completions.New(ctx, params)
		return p.classifyErr(ctx, err)
	})
	if err != nil {
		return nil, err
	}
	if len(chat.Choices) == 0 {
		return nil, p.unknown("response contained no choices")
	}

	choice := chat.Choices[0]
	resp := &CompletionResponse{
		ID:           chat.ID,
		Provider:     OpenAI,
		Model:        chat.Model,
		Text:         choice.Message.Content,
		FinishReason: normalizeFinishReason(string(choice.FinishReason)),
		Usage:        toUsage(chat.Usage),
	}
	if resp.ID == "" {
		resp.ID = uuid.NewString()
	}
	if resp.Model == "" {
		resp.Model = p.model(req)
	}
	return resp, nil
}

// ---------------------------------------------------------------------------
// StreamComplete
// ---------------------------------------------------------------------------

// StreamComplete opens a streaming chat completion. With include_usage set
// OpenAI sends one extra chunk after the finish_reason chunk, carrying only
// usage, and then [DONE]. The final StreamChunk is emitted once the SDK
// stream ends so it can carry that usage.
func (p *OpenAIProvider) StreamComplete(ctx context.Context, req *CompletionRequest) (<-chan StreamChunk, error) {
	params := p.toParams(req)
	params.StreamOptions = openai.F(openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	})

	// NewStreaming performs the HTTP call synchronously, so a rejected
	// request shows up in Err before any chunk is read.
	var strm interface {
		Next() bool
		Current() openai.ChatCompletionChunk
		Err() error
		Close() error
	}
	err := p.withRetry(ctx, "stream", func(ctx context.Context) error {
		s := p.client.Chat.Completions.NewStreaming(ctx, params)
		if err := s.Err(); err != nil {
			return p.classifyErr(ctx, err)
		}
		strm = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		defer strm.Close()

		out := &emitter{ctx: ctx, ch: ch}
		var (
			model  = p.model(req)
			reason string
			usage  *Usage
		)

		for strm.Next() {
			chunk := strm.Current()
			if chunk.Model != "" {
				model = chunk.Model
			}
			if chunk.Usage.TotalTokens > 0 {
				u := toUsage(chunk.Usage)
				usage = &u
			}
			if len(chunk.Choices) == 0 {
				continue
			}

			choice := chunk.Choices[0]
			if choice.FinishReason != "" {
				reason = string(choice.FinishReason)
			}
			if choice.Delta.Content != "" {
				if !out.send(StreamChunk{Model: model, Text: choice.Delta.Content}) {
					return
				}
			}
		}

		if err := strm.Err(); err != nil {
			out.fail(p.classifyErr(ctx, err))
			return
		}
		if ctx.Err() != nil {
			return
		}
		if reason == "" {
			out.fail(&ProviderError{
				Kind:     KindUnknown,
				Provider: OpenAI,
				Message:  ErrIncompleteStream.Error(),
				Err:      ErrIncompleteStream,
			})
			return
		}
		out.send(StreamChunk{
			Model:        model,
			Final:        true,
			FinishReason: normalizeFinishReason(reason),
			Usage:        usage,
		})
	}()

	return ch, nil
}

// ---------------------------------------------------------------------------
// ListModels
// ---------------------------------------------------------------------------

// ListModels returns every model ID from GET /models. OpenAI does not say
// which of them accept chat completions, so nothing is filtered.
func (p *OpenAIProvider) ListModels(ctx context.Context) ([]string, error) {
	return p.listModels(ctx, func(ctx context.Context) ([]string, error) {
		page, err := p.client.Models.List(ctx)
		if err != nil {
			return nil, p.classifyErr(ctx, err)
		}
		models := make([]string, 0, len(page.Data))
		for _, m := range page.Data {
			models = append(models, m.ID)
		}
		return models, nil
	})
}

// ---------------------------------------------------------------------------
// Error classification
// ---------------------------------------------------------------------------

// classifyErr turns an SDK error into a *ProviderError. API errors keep
// their status and error envelope; anything else means the vendor could
// not be reached or the stream broke.
func (p *OpenAIProvider) classifyErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		header := http.Header{}
		var body []byte
		// The SDK puts the error body back on the response after reading it.
		if apiErr.Response != nil {
			header = apiErr.Response.Header
			if apiErr.Response.Body != nil {
				body, _ = io.ReadAll(io.LimitReader(apiErr.Response.Body, maxErrorBody))
			}
		}
		if !gjson.GetBytes(body, "error").Exists() {
			body, _ = json.Marshal(map[string]any{
				"error": map[string]string{
					"message": apiErr.Message,
					"type":    apiErr.Type,
					"code":    apiErr.Code,
				},
			})
		}
		perr := p.classify(apiErr.StatusCode, header, body)
		perr.Err = err
		return perr
	}

	// The SDK reports an error event inside an accepted stream as a plain
	// error carrying the event's error object.
	if _, payload, ok := strings.Cut(err.Error(), "error while streaming: "); ok {
		return p.streamError(payload, err)
	}
	return p.transportError(ctx, err)
}

// streamError classifies an in-stream error event by its type and code.
// There is no status code, so StatusCode is left at zero.
func (p *OpenAIProvider) streamError(payload string, err error) *ProviderError {
	body := []byte(payload)
	if !gjson.GetBytes(body, "error").Exists() {
		body = []byte(`{"error":` + payload + `}`)
	}
	perr := classifyOpenAI(0, http.Header{}, body)
	if !gjson.GetBytes(body, "error.message").Exists() {
		perr.Message = security.Redact(payload)
	}
	perr.Err = err
	return perr
}

// openAIErrorKinds refines the status-code mapping with the error envelope:
//
//	{"error":{"message":"...","type":"invalid_request_error","code":"invalid_api_key"}}
//
// code is checked before type because it is the more specific of the two.
var openAIErrorKinds = map[string]ErrorKind{
	"invalid_api_key":         KindAuth,
	"invalid_organization":    KindAuth,
	"rate_limit_exceeded":     KindRateLimited,
	"model_not_found":         KindInvalidRequest,
	"context_length_exceeded": KindInvalidRequest,
	"server_error":            KindUnavailable,
	"invalid_request_error":   KindInvalidRequest,
	"authentication_error":    KindAuth,
	"rate_limit_error":        KindRateLimited,
}

func classifyOpenAI(status int, header http.Header, body []byte) *ProviderError {
	perr := classifyStatus(OpenAI, status, header)

	// The status code stays authoritative for 5xx: OpenAI sometimes labels
	// overload as invalid_request_error.
	if perr.Kind != KindUnavailable {
		for _, field := range []string{"error.code", "error.type"} {
			if kind, ok := openAIErrorKinds[gjson.GetBytes(body, field).String()]; ok {
				perr.Kind = kind
				break
			}
		}
	}
	if perr.Kind != KindRateLimited {
		perr.RetryAfter = 0
	}

	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = fmt.Sprintf("HTTP %d", status)
	}
	perr.Message = security.Redact(msg)
	return perr
}
