package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/tidwall/gjson"

	"github.com/howard-nolan/llmbridge/internal/security"
)

// ---------------------------------------------------------------------------
// GeminiProvider struct + constructor
// ---------------------------------------------------------------------------

// GeminiProvider implements CompletionProvider for Google's Gemini API.
type GeminiProvider struct {
	Base
}

// NewGeminiProvider creates a GeminiProvider ready to make API calls.
// opts.BaseURL is e.g. "https://generativelanguage.googleapis.com/v1beta".
func NewGeminiProvider(opts Options) *GeminiProvider {
	g := &GeminiProvider{}
	g.Base = newBase(Gemini, opts, classifyGemini)
	return g
}

// headers carries the API key. Gemini also accepts ?key= in the query
// string, but a header keeps the key out of URLs, and URLs end up in logs
// and error messages.
func (g *GeminiProvider) headers() http.Header {
	h := http.Header{}
	h.Set("x-goog-api-key", g.apiKey)
	return h
}

// ---------------------------------------------------------------------------
// Gemini API types (unexported)
// ---------------------------------------------------------------------------

// geminiRequest is the request body for generateContent and
// streamGenerateContent.
type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

// geminiContent is one message. Gemini uses "parts" because it supports
// multimodal input; for text we always send a single part.
type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

// geminiResponse is the response from generateContent. Streaming sends the
// same shape once per event, each carrying only the new text.
type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata"`
	ModelVersion  string               `json:"modelVersion"`
	ResponseID    string               `json:"responseId"`
}

// geminiCandidate is one generated response. Gemini can return several;
// we only ask for and use the first.
type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

func (m *geminiUsageMetadata) toUsage() *Usage {
	if m == nil {
		return nil
	}
	u := NewUsage(m.PromptTokenCount, m.CandidatesTokenCount, m.TotalTokenCount)
	return &u
}

// text joins the parts of the first candidate.
func (r *geminiResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

func (r *geminiResponse) finishReason() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	return r.Candidates[0].FinishReason
}

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

// toGeminiRequest translates a CompletionRequest. The system prompt goes
// into systemInstruction, and sampling parameters move into
// generationConfig under Gemini's camelCase names.
func toGeminiRequest(req *CompletionRequest) *geminiRequest {
	gr := &geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: req.Prompt}}}},
	}
	if req.System != "" {
		gr.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	if req.Temperature != nil || req.TopP != nil || req.MaxTokens != nil || len(req.Stop) > 0 {
		gr.GenerationConfig = &geminiGenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.Stop,
		}
	}
	return gr
}

// endpoint builds {baseURL}/models/{model}:{method}. The model goes in the
// path, not the body.
func (g *GeminiProvider) endpoint(model, method string) string {
	return fmt.Sprintf("%s/models/%s:%s", g.baseURL, url.PathEscape(model), method)
}

// ---------------------------------------------------------------------------
// Complete
// ---------------------------------------------------------------------------

// Complete sends a non-streaming request to generateContent.
func (g *GeminiProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	model := g.model(req)
	body := toGeminiRequest(req)

	var gr geminiResponse
	err := g.withRetry(ctx, "complete", func(ctx context.Context) error {
		httpResp, err := g.do(ctx, http.MethodPost, g.endpoint(model, "generateContent"), g.headers(), body)
		if err != nil {
			return err
		}
		gr = geminiResponse{}
		return g.decode(httpResp, &gr)
	})
	if err != nil {
		return nil, err
	}

	// A response with no candidates means the prompt itself was blocked.
	if len(gr.Candidates) == 0 {
		return nil, NewProviderError(Gemini, KindInvalidRequest, "no candidates returned; prompt may have been blocked")
	}

	resp := &CompletionResponse{
		ID:           gr.ResponseID,
		Provider:     Gemini,
		Model:        model,
		Text:         gr.text(),
		FinishReason: normalizeFinishReason(gr.finishReason()),
	}
	if gr.ModelVersion != "" {
		resp.Model = gr.ModelVersion
	}
	if resp.ID == "" {
		resp.ID = uuid.NewString()
	}
	if u := gr.UsageMetadata.toUsage(); u != nil {
		resp.Usage = *u
	}
	return resp, nil
}

// ---------------------------------------------------------------------------
// StreamComplete
// ---------------------------------------------------------------------------

// StreamComplete sends a streaming request to streamGenerateContent.
// ?alt=sse makes Gemini answer with Server-Sent Events instead of one
// JSON array. Every event has the same shape; the one carrying a
// finishReason is the last.
func (g *GeminiProvider) StreamComplete(ctx context.Context, req *CompletionRequest) (<-chan StreamChunk, error) {
	model := g.model(req)
	body := toGeminiRequest(req)
	endpoint := g.endpoint(model, "streamGenerateContent") + "?alt=sse"

	var httpResp *http.Response
	err := g.withRetry(ctx, "stream", func(ctx context.Context) error {
		var err error
		httpResp, err = g.do(ctx, http.MethodPost, endpoint, g.headers(), body)
		return err
	})
	if err != nil {
		return nil, err
	}

	handle := func(ev ssestream.Event, out *emitter) error {
		if gjson.GetBytes(ev.Data, "error").Exists() {
			return g.streamError(ev.Data)
		}

		var gr geminiResponse
		if err := json.Unmarshal(ev.Data, &gr); err != nil {
			return g.unknown("decoding stream event: %v", err)
		}
		if gr.ModelVersion != "" {
			model = gr.ModelVersion
		}

		chunk := StreamChunk{Model: model, Text: gr.text()}
		if reason := gr.finishReason(); reason != "" {
			chunk.Final = true
			chunk.FinishReason = normalizeFinishReason(reason)
			chunk.Usage = gr.UsageMetadata.toUsage()
		}
		if chunk.Text == "" && !chunk.Final {
			return nil
		}
		out.send(chunk)
		return nil
	}

	return g.pump(ctx, httpResp, handle), nil
}

func (g *GeminiProvider) streamError(data []byte) *ProviderError {
	perr := classifyGemini(int(gjson.GetBytes(data, "error.code").Int()), http.Header{}, data)
	perr.StatusCode = 0
	return perr
}

// ---------------------------------------------------------------------------
// ListModels
// ---------------------------------------------------------------------------

// ListModels returns the models that support generateContent, with the
// "models/" prefix stripped so the IDs can be used in requests as-is.
func (g *GeminiProvider) ListModels(ctx context.Context) ([]string, error) {
	return g.listModels(ctx, func(ctx context.Context) ([]string, error) {
		httpResp, err := g.do(ctx, http.MethodGet, g.baseURL+"/models?pageSize=1000", g.headers(), nil)
		if err != nil {
			return nil, err
		}
		defer httpResp.Body.Close()

		raw, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return nil, g.transportError(ctx, err)
		}
		if !gjson.ValidBytes(raw) {
			return nil, g.unknown("unparseable model list")
		}

		var models []string
		gjson.GetBytes(raw, "models").ForEach(func(_, m gjson.Result) bool {
			var methods []string
			for _, v := range m.Get("supportedGenerationMethods").Array() {
				methods = append(methods, v.String())
			}
			if slices.Contains(methods, "generateContent") {
				models = append(models, strings.TrimPrefix(m.Get("name").String(), "models/"))
			}
			return true
		})
		return models, nil
	})
}

// ---------------------------------------------------------------------------
// Error classification
// ---------------------------------------------------------------------------

// geminiStatusKinds maps the google.rpc status in Gemini's error envelope:
//
//	{"error":{"code":429,"message":"...","status":"RESOURCE_EXHAUSTED"}}
var geminiStatusKinds = map[string]ErrorKind{
	"UNAUTHENTICATED":     KindAuth,
	"PERMISSION_DENIED":   KindAuth,
	"RESOURCE_EXHAUSTED":  KindRateLimited,
	"UNAVAILABLE":         KindUnavailable,
	"INTERNAL":            KindUnavailable,
	"DEADLINE_EXCEEDED":   KindUnavailable,
	"INVALID_ARGUMENT":    KindInvalidRequest,
	"FAILED_PRECONDITION": KindInvalidRequest,
	"NOT_FOUND":           KindInvalidRequest,
}

func classifyGemini(status int, header http.Header, body []byte) *ProviderError {
	perr := classifyStatus(Gemini, status, header)

	if kind, ok := geminiStatusKinds[gjson.GetBytes(body, "error.status").String()]; ok {
		perr.Kind = kind
	}

	// A bad key comes back as 400 INVALID_ARGUMENT; only the detail
	// reason says it is really an auth failure.
	for _, d := range gjson.GetBytes(body, "error.details").Array() {
		if d.Get("reason").String() == "API_KEY_INVALID" {
			perr.Kind = KindAuth
		}
		// RetryInfo carries a protobuf duration such as "17s".
		if delay := d.Get("retryDelay").String(); delay != "" && perr.RetryAfter == 0 {
			perr.RetryAfter = parseRetryAfter(strings.TrimSuffix(delay, "s"), time.Time{})
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
