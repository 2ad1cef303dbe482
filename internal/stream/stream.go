// Package stream writes completion chunks to HTTP clients as Server-Sent
// Events.
package stream

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/howard-nolan/llmbridge/internal/httperr"
	"github.com/howard-nolan/llmbridge/internal/provider"
)

// ---------------------------------------------------------------------------
// Wire format
// ---------------------------------------------------------------------------

// Each SSE event carries one sseChunk:
//
//	data: {"provider":"openai","model":"gpt-4o-mini","text":"Hi","final":false,"finish_reason":null}
//
// The last one has "final":true, the finish reason and usage, and is
// followed by the OpenAI-style sentinel "data: [DONE]".
//
// A stream that fails after the first byte can't change its status code
// any more, so the failure is sent as a named event instead and [DONE] is
// never written:
//
//	event: error
//	data: {"error":{"kind":"provider_unavailable","message":"...","provider":"anthropic"}}

// sseChunk is the JSON object inside every data event.
type sseChunk struct {
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
	Text     string `json:"text"`
	Final    bool   `json:"final"`

	// FinishReason is null on every chunk but the final one. A *string
	// renders as JSON null when unset, which a plain string can't do.
	FinishReason *string `json:"finish_reason"`

	// Usage only appears on the final chunk.
	Usage *provider.Usage `json:"usage,omitempty"`
}

// doneSentinel tells clients the stream finished cleanly.
const doneSentinel = "[DONE]"

// ---------------------------------------------------------------------------
// SSE Writer
// ---------------------------------------------------------------------------

// Write reads StreamChunks from the channel and writes them to w as
// Server-Sent Events, flushing after each one so the client sees tokens as
// they arrive.
//
// It returns nil after a final chunk and the [DONE] sentinel. It returns
// the stream's error after writing an error event, and a write error if the
// client went away. Callers should cancel the producer's context when
// Write returns so nothing is left blocked on the channel.
func Write(w http.ResponseWriter, providerID string, chunks <-chan provider.StreamChunk) error {
	// --- Step 1: Make sure we can flush ---
	//
	// The ResponseWriter Go's HTTP server hands to handlers also implements
	// http.Flusher. Without Flush, the server buffers output and the client
	// would see nothing until the buffer fills or the handler returns.
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support flushing (http.Flusher)")
	}

	// --- Step 2: SSE headers ---
	//
	// These must be set before the first Write; after that the header block
	// has already gone over the wire.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// --- Step 3: One data event per chunk ---
	for chunk := range chunks {
		if chunk.Err != nil {
			if err := writeError(w, flusher, chunk.Err); err != nil {
				return err
			}
			return chunk.Err
		}

		event := sseChunk{
			Provider: providerID,
			Model:    chunk.Model,
			Text:     chunk.Text,
			Final:    chunk.Final,
		}
		if chunk.Final {
			reason := chunk.FinishReason
			if reason == "" {
				reason = "stop"
			}
			event.FinishReason = &reason
			event.Usage = chunk.Usage
		}

		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshaling SSE chunk: %w", err)
		}
		if err := writeEvent(w, flusher, "", payload); err != nil {
			return err
		}

		if chunk.Final {
			// --- Step 4: The [DONE] sentinel ---
			//
			// Not JSON, just the marker OpenAI-compatible clients stop on.
			// Anything still in the channel after this is ignored.
			return writeEvent(w, flusher, "", []byte(doneSentinel))
		}
	}

	// The channel closed without a final chunk. Report it the same way as
	// any other mid-stream failure.
	err := &provider.ProviderError{
		Kind:     provider.KindUnknown,
		Provider: providerID,
		Message:  "stream closed without a final chunk",
		Err:      provider.ErrIncompleteStream,
	}
	if werr := writeError(w, flusher, err); werr != nil {
		return errors.Join(err, werr)
	}
	return err
}

// writeError sends err as an "event: error" frame.
func writeError(w http.ResponseWriter, flusher http.Flusher, streamErr error) error {
	_, body := httperr.Describe(streamErr)
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling SSE error: %w", err)
	}
	return writeEvent(w, flusher, "error", payload)
}

// writeEvent writes one event in SSE framing: an optional "event:" line,
// a "data:" line, then the blank line that tells the client the event is
// complete.
func writeEvent(w http.ResponseWriter, flusher http.Flusher, name string, data []byte) error {
	if name != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", name); err != nil {
			return fmt.Errorf("writing SSE event: %w", err)
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("writing SSE event: %w", err)
	}
	flusher.Flush()
	return nil
}
