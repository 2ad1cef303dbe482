package provider

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"reflect"
	"sync/atomic"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/dnaeon/go-vcr.v4/pkg/cassette"
	"gopkg.in/dnaeon/go-vcr.v4/pkg/recorder"
)

// replayClient returns an HTTP client that serves responses from
// testdata/<name>.yaml and never touches the network. A request matches an
// interaction when method, URL and JSON body all agree.
func replayClient(t *testing.T, name string) *http.Client {
	t.Helper()

	matcher := func(r *http.Request, i cassette.Request) bool {
		if r.Method != i.Method || r.URL.String() != i.URL {
			return false
		}
		var body []byte
		if r.Body != nil {
			body, _ = io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewReader(body))
		}
		return jsonEqual(body, []byte(i.Body))
	}

	rec, err := recorder.New("testdata/"+name,
		recorder.WithMode(recorder.ModeReplayOnly),
		recorder.WithMatcher(matcher),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rec.Stop() })
	return rec.GetDefaultClient()
}

func jsonEqual(a, b []byte) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == len(b)
	}
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}

func anthropicReplay(t *testing.T, cassetteName string) *AnthropicProvider {
	t.Helper()
	opts := testOptions("https://api.anthropic.com/v1")
	opts.DefaultModel = "claude-3-5-haiku-latest"
	opts.HTTPClient = replayClient(t, cassetteName)
	return NewAnthropicProvider(opts)
}

func TestAnthropic_Complete(t *testing.T) {
	a := anthropicReplay(t, "anthropic_complete")

	temp, maxTokens := 0.5, 64
	resp, err := a.Complete(context.Background(), &CompletionRequest{
		Prompt:      "What color is the sky?",
		System:      "Answer in one word.",
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	})
	require.NoError(t, err)

	assert.Equal(t, "msg_01XFDUDYJgAACzvnptvVoYEL", resp.ID)
	assert.Equal(t, Anthropic, resp.Provider)
	assert.Equal(t, "claude-3-5-haiku-20241022", resp.Model)
	assert.Equal(t, "Blue.", resp.Text)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, NewUsage(19, 5, 24), resp.Usage)
}

func TestAnthropic_StreamComplete(t *testing.T) {
	a := anthropicReplay(t, "anthropic_stream")

	maxTokens := 64
	ch, err := a.StreamComplete(context.Background(), &CompletionRequest{
		Prompt:    "Count to three.",
		MaxTokens: &maxTokens,
	})
	require.NoError(t, err)
	chunks := collect(ch)

	require.Len(t, chunks, 4)
	var text string
	for _, c := range chunks[:3] {
		assert.False(t, c.Final)
		assert.Equal(t, "claude-3-5-haiku-20241022", c.Model)
		text += c.Text
	}
	assert.Equal(t, "One, two, three.", text)

	final := chunks[3]
	assert.True(t, final.Final)
	assert.NoError(t, final.Err)
	assert.Equal(t, "stop", final.FinishReason)
	require.NotNil(t, final.Usage)
	assert.Equal(t, NewUsage(12, 9, 21), *final.Usage)
}

func TestAnthropic_RequestHeaders(t *testing.T) {
	headers := make(chan http.Header, 1)
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		_, _ = w.Write([]byte(`{"id":"m","model":"x","content":[],"stop_reason":"max_tokens"}`))
	})

	a := NewAnthropicProvider(testOptions(srv.URL))
	resp, err := a.Complete(context.Background(), &CompletionRequest{Prompt: "hi"})
	require.NoError(t, err)

	got := <-headers
	assert.Equal(t, "sk-test-key-1234567890abcdef", got.Get("x-api-key"))
	assert.Equal(t, anthropicAPIVersion, got.Get("anthropic-version"))
	assert.Equal(t, "application/json", got.Get("Content-Type"))
	assert.Equal(t, "length", resp.FinishReason)
}

func TestAnthropic_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   ErrorKind
	}{
		{"overloaded", 529, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`, KindUnavailable},
		{"bad key", 401, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`, KindAuth},
		{"rate limited", 429, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`, KindRateLimited},
		{"bad model", 404, `{"type":"error","error":{"type":"not_found_error","message":"model: nope"}}`, KindInvalidRequest},
		{"not json", 502, `<html>bad gateway</html>`, KindUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			perr := classifyAnthropic(tt.status, http.Header{}, []byte(tt.body))
			assert.Equal(t, tt.want, perr.Kind)
			assert.Equal(t, Anthropic, perr.Provider)
			assert.NotEmpty(t, perr.Message)
		})
	}
}

func TestAnthropic_StreamErrorEvent(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: content_block_delta\n"+
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`+"\n\n"+
			"event: error\n"+
			`data: {"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`+"\n\n")
	})

	a := NewAnthropicProvider(testOptions(srv.URL))
	ch, err := a.StreamComplete(context.Background(), &CompletionRequest{Prompt: "hi"})
	require.NoError(t, err)
	chunks := collect(ch)

	require.Len(t, chunks, 2)
	assert.Equal(t, "Hi", chunks[0].Text)
	perr, ok := AsProviderError(chunks[1].Err)
	require.True(t, ok)
	assert.Equal(t, KindUnavailable, perr.Kind)
	assert.Equal(t, "Overloaded", perr.Message)
}

func TestAnthropic_StreamCutShortIsIncomplete(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: content_block_delta\n"+
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`+"\n\n")
	})

	a := NewAnthropicProvider(testOptions(srv.URL))
	ch, err := a.StreamComplete(context.Background(), &CompletionRequest{Prompt: "hi"})
	require.NoError(t, err)
	chunks := collect(ch)

	require.Len(t, chunks, 2)
	assert.ErrorIs(t, chunks[1].Err, ErrIncompleteStream)
}

func TestAnthropic_StreamConnectionDropIsUnavailable(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: message_start\n"+
			`data: {"type":"message_start","message":{"id":"msg_1","model":"claude-3-5-haiku-latest","usage":{"input_tokens":3}}}`+"\n\n"+
			"event: content_block_delta\n"+
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`+"\n\n")
		w.(http.Flusher).Flush()

		conn, _, err := w.(http.Hijacker).Hijack()
		if !assert.NoError(t, err) {
			return
		}
		_ = conn.Close()
	})

	a := NewAnthropicProvider(testOptions(srv.URL))
	ch, err := a.StreamComplete(context.Background(), &CompletionRequest{Prompt: "hi"})
	require.NoError(t, err)
	chunks := collect(ch)

	require.NotEmpty(t, chunks)
	assert.Equal(t, "Hi", chunks[0].Text)
	last := chunks[len(chunks)-1]
	perr, ok := AsProviderError(last.Err)
	require.True(t, ok)
	assert.Equal(t, KindUnavailable, perr.Kind)
	assert.NotErrorIs(t, last.Err, ErrIncompleteStream)
}

func TestAnthropic_ListModels(t *testing.T) {
	var calls atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/models", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":[
			{"type":"model","id":"claude-sonnet-4-20250514","display_name":"Claude Sonnet 4"},
			{"type":"model","id":"claude-3-5-haiku-20241022","display_name":"Claude Haiku 3.5"}],
			"has_more":false}`))
	})

	a := NewAnthropicProvider(testOptions(srv.URL))
	models, err := a.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"claude-3-5-haiku-20241022", "claude-sonnet-4-20250514"}, models)

	_, err = a.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}
