package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/howard-nolan/llmbridge/internal/httperr"
	"github.com/howard-nolan/llmbridge/internal/provider"
	"github.com/howard-nolan/llmbridge/internal/stream"
)

// maxBodyBytes caps request bodies. Prompts are text; a megabyte is plenty.
const maxBodyBytes = 1 << 20

// completionRequest is the body of POST /v1/providers/{provider}/completions.
// Stream switches the response to Server-Sent Events.
type completionRequest struct {
	provider.CompletionRequest
	Stream bool `json:"stream,omitempty"`
}

// compareRequest is the body of POST /v1/compare.
type compareRequest struct {
	provider.CompletionRequest
	Providers []string `json:"providers"`
}

// completionJSON is the wire shape of a CompletionResponse.
type completionJSON struct {
	ID           string          `json:"id"`
	Provider     string          `json:"provider"`
	Model        string          `json:"model"`
	Text         string          `json:"text"`
	FinishReason string          `json:"finish_reason,omitempty"`
	Usage        *provider.Usage `json:"usage,omitempty"`
	LatencyMS    int64           `json:"latency_ms"`
}

func toJSON(resp *provider.CompletionResponse) completionJSON {
	out := completionJSON{
		ID:           resp.ID,
		Provider:     resp.Provider,
		Model:        resp.Model,
		Text:         resp.Text,
		FinishReason: resp.FinishReason,
		LatencyMS:    resp.Latency.Milliseconds(),
	}
	if u := resp.Usage; u.PromptTokens != nil || u.CompletionTokens != nil || u.TotalTokens != nil {
		out.Usage = &u
	}
	return out
}

// compareEntry holds either a response or an error, never both.
type compareEntry struct {
	Response *completionJSON `json:"response,omitempty"`
	Error    *httperr.Detail `json:"error,omitempty"`
}

// handleHealth is a basic liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListProviders handles GET /v1/providers.
func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	ids := s.svc.Providers()
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": ids})
}

// handleListModels handles GET /v1/providers/{provider}/models.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "provider")

	models, err := s.svc.ListModels(r.Context(), id)
	if err != nil {
		s.logger.WarnContext(r.Context(), "list models failed", "provider", id, "error", err)
		httperr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"provider": id, "models": models})
}

// handleCompletion handles POST /v1/providers/{provider}/completions.
func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "provider")

	// Step 1: Decode the body into the normalized request.
	var body completionRequest
	if !s.decode(w, r, &body) {
		return
	}

	// Step 2: Streaming requests go down their own path.
	if body.Stream {
		s.streamCompletion(w, r, id, &body.CompletionRequest)
		return
	}

	// Step 3: Run the completion. r.Context() is cancelled if the client
	// disconnects, which also cancels the vendor call and any retry sleep.
	resp, err := s.svc.Generate(r.Context(), id, &body.CompletionRequest)
	if err != nil {
		httperr.Write(w, err)
		return
	}

	// Step 4: Return the normalized response.
	writeJSON(w, http.StatusOK, toJSON(resp))
}

// streamCompletion answers with Server-Sent Events. Anything that fails
// before the first byte gets a normal JSON error and status code; after
// that, stream.Write reports failures in-band.
func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, id string, req *provider.CompletionRequest) {
	// Cancelling on return releases the producer if the client write fails
	// before the channel is drained.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	chunks, err := s.svc.Stream(ctx, id, req)
	if err != nil {
		httperr.Write(w, err)
		return
	}

	if err := stream.Write(w, id, chunks); err != nil {
		s.logger.WarnContext(ctx, "stream ended with error", "provider", id, "error", err)
	}
}

// handleCompare handles POST /v1/compare. Per-provider failures are
// reported inside the results, so the status is 200 unless the request
// itself is bad.
func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	var body compareRequest
	if !s.decode(w, r, &body) {
		return
	}

	outcomes, err := s.svc.Compare(r.Context(), body.Providers, &body.CompletionRequest)
	if err != nil {
		httperr.Write(w, err)
		return
	}

	results := make(map[string]compareEntry, len(outcomes))
	for id, o := range outcomes {
		if o.Err != nil {
			_, eb := httperr.Describe(o.Err)
			results[id] = compareEntry{Error: &eb.Error}
			continue
		}
		resp := toJSON(o.Response)
		results[id] = compareEntry{Response: &resp}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// decode reads a JSON body into v. On failure it writes a 400 and returns
// false.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httperr.BadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
