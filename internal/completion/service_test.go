package completion

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmbridge/internal/config"
	"github.com/howard-nolan/llmbridge/internal/metrics"
	"github.com/howard-nolan/llmbridge/internal/provider"
	"github.com/howard-nolan/llmbridge/internal/registry"
)

// MockProvider is a testify mock of provider.CompletionProvider.
type MockProvider struct {
	mock.Mock
	name string
}

func newMockProvider(name string) *MockProvider {
	return &MockProvider{name: name}
}

func (m *MockProvider) Name() string { return m.name }

func (m *MockProvider) Complete(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*provider.CompletionResponse)
	return resp, args.Error(1)
}

func (m *MockProvider) StreamComplete(ctx context.Context, req *provider.CompletionRequest) (<-chan provider.StreamChunk, error) {
	args := m.Called(ctx, req)
	ch, _ := args.Get(0).(<-chan provider.StreamChunk)
	return ch, args.Error(1)
}

func (m *MockProvider) ListModels(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	models, _ := args.Get(0).([]string)
	return models, args.Error(1)
}

// fakeResolver serves a fixed set of adapters.
type fakeResolver map[string]provider.CompletionProvider

func (f fakeResolver) GetAdapter(id string) (provider.CompletionProvider, error) {
	if a, ok := f[id]; ok {
		return a, nil
	}
	return nil, &registry.ConfigurationError{Provider: id, Reason: registry.ErrUnknownProvider}
}

func (f fakeResolver) ListAvailableProviders() []string {
	ids := make([]string, 0, len(f))
	for id := range f {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// fakeRecorder keeps every outcome it is told about.
type fakeRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (f *fakeRecorder) ObserveRequest(providerID, operation, outcome string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, providerID+"/"+operation+"/"+outcome)
}

func (f *fakeRecorder) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.outcomes)
}

var testDefaults = Defaults{Temperature: 0.7, MaxTokens: 1024, TopP: 1.0}

func newTestService(adapters ...*MockProvider) (*Service, *fakeRecorder) {
	res := fakeResolver{}
	for _, a := range adapters {
		res[a.name] = a
	}
	rec := &fakeRecorder{}
	return NewService(res, testDefaults, WithRecorder(rec)), rec
}

func feed(chunks ...provider.StreamChunk) <-chan provider.StreamChunk {
	ch := make(chan provider.StreamChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

func drain(ch <-chan provider.StreamChunk) []provider.StreamChunk {
	var out []provider.StreamChunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func TestGenerate_SayHi(t *testing.T) {
	openai := newMockProvider(provider.OpenAI)
	openai.On("Complete", mock.Anything, mock.MatchedBy(func(r *provider.CompletionRequest) bool {
		return r.Prompt == "Say hi" &&
			*r.Temperature == 0.7 && *r.MaxTokens == 1024 && *r.TopP == 1.0
	})).Return(&provider.CompletionResponse{
		ID:           "chatcmpl-1",
		Model:        "gpt-4o-mini",
		Text:         "Hi there",
		FinishReason: "stop",
		Usage:        provider.NewUsage(2, 2, 4),
	}, nil)

	svc, rec := newTestService(openai)
	resp, err := svc.Generate(context.Background(), provider.OpenAI, &provider.CompletionRequest{Prompt: "Say hi"})
	require.NoError(t, err)

	assert.Equal(t, "Hi there", resp.Text)
	assert.Equal(t, provider.OpenAI, resp.Provider)
	require.NotNil(t, resp.Usage.TotalTokens)
	assert.Equal(t, 4, *resp.Usage.TotalTokens)
	assert.Equal(t, []string{"openai/generate/ok"}, rec.seen())
	openai.AssertExpectations(t)
}

func TestGenerate_ProviderAlwaysMatchesRequest(t *testing.T) {
	gemini := newMockProvider(provider.Gemini)
	gemini.On("Complete", mock.Anything, mock.Anything).
		Return(&provider.CompletionResponse{Provider: "google", Text: "x"}, nil)

	svc, _ := newTestService(gemini)
	resp, err := svc.Generate(context.Background(), provider.Gemini, &provider.CompletionRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, provider.Gemini, resp.Provider)
}

func TestGenerate_KeepsExplicitValuesAndLeavesRequestAlone(t *testing.T) {
	var seen *provider.CompletionRequest
	openai := newMockProvider(provider.OpenAI)
	openai.On("Complete", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { seen = args.Get(1).(*provider.CompletionRequest) }).
		Return(&provider.CompletionResponse{Text: "ok"}, nil)

	temp := 0.0
	req := &provider.CompletionRequest{Prompt: "hi", Temperature: &temp}

	svc, _ := newTestService(openai)
	_, err := svc.Generate(context.Background(), provider.OpenAI, req)
	require.NoError(t, err)

	require.NotNil(t, seen)
	assert.NotSame(t, req, seen)
	assert.Equal(t, 0.0, *seen.Temperature, "an explicit zero is not a missing value")
	assert.Equal(t, 1024, *seen.MaxTokens)
	assert.Nil(t, req.MaxTokens, "defaults must not leak into the caller's request")
	assert.Nil(t, req.TopP)
}

func TestGenerate_Validation(t *testing.T) {
	hot, zero, negative := 2.5, 0, -0.1
	tests := []struct {
		name string
		req  *provider.CompletionRequest
	}{
		{"nil request", nil},
		{"empty prompt", &provider.CompletionRequest{}},
		{"blank prompt", &provider.CompletionRequest{Prompt: "  \n\t"}},
		{"temperature too high", &provider.CompletionRequest{Prompt: "hi", Temperature: &hot}},
		{"zero max tokens", &provider.CompletionRequest{Prompt: "hi", MaxTokens: &zero}},
		{"negative top_p", &provider.CompletionRequest{Prompt: "hi", TopP: &negative}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			openai := newMockProvider(provider.OpenAI)
			svc, _ := newTestService(openai)

			_, err := svc.Generate(context.Background(), provider.OpenAI, tt.req)
			perr, ok := provider.AsProviderError(err)
			require.True(t, ok, "got %T: %v", err, err)
			assert.Equal(t, provider.KindInvalidRequest, perr.Kind)
			openai.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
		})
	}
}

func TestGenerate_UnknownProvider(t *testing.T) {
	svc, rec := newTestService()

	_, err := svc.Generate(context.Background(), "cohere", &provider.CompletionRequest{Prompt: "hi"})

	var cerr *registry.ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.ErrorIs(t, err, registry.ErrUnknownProvider)
	assert.Equal(t, []string{"cohere/generate/configuration"}, rec.seen())
}

func TestGenerate_MissingKeyIsConfigurationNotAuth(t *testing.T) {
	reg := registry.New(&config.Config{
		Providers: map[string]config.ProviderConfig{
			provider.OpenAI: {BaseURL: "http://127.0.0.1:1", DefaultModel: "gpt-4o-mini"},
		},
	})
	svc := NewService(reg, testDefaults)

	_, err := svc.Generate(context.Background(), provider.OpenAI, &provider.CompletionRequest{Prompt: "Say hi"})

	var cerr *registry.ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.ErrorIs(t, err, registry.ErrMissingCredential)
	_, isProviderErr := provider.AsProviderError(err)
	assert.False(t, isProviderErr)
}

func TestGenerate_ProviderErrorPassesThrough(t *testing.T) {
	anthropic := newMockProvider(provider.Anthropic)
	anthropic.On("Complete", mock.Anything, mock.Anything).
		Return(nil, &provider.ProviderError{Kind: provider.KindAuth, Provider: provider.Anthropic, StatusCode: 401})

	svc, rec := newTestService(anthropic)
	_, err := svc.Generate(context.Background(), provider.Anthropic, &provider.CompletionRequest{Prompt: "hi"})

	perr, ok := provider.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, provider.KindAuth, perr.Kind)
	assert.Equal(t, []string{"anthropic/generate/auth"}, rec.seen())
}

func TestStream_PassThrough(t *testing.T) {
	openai := newMockProvider(provider.OpenAI)
	usage := provider.NewUsage(3, 2, 5)
	openai.On("StreamComplete", mock.Anything, mock.Anything).Return(feed(
		provider.StreamChunk{Text: "Hel"},
		provider.StreamChunk{Text: "lo"},
		provider.StreamChunk{Final: true, FinishReason: "stop", Usage: &usage},
	), nil)

	svc, rec := newTestService(openai)
	ch, err := svc.Stream(context.Background(), provider.OpenAI, &provider.CompletionRequest{Prompt: "hi"})
	require.NoError(t, err)
	chunks := drain(ch)

	require.Len(t, chunks, 3)
	assert.Equal(t, "Hel", chunks[0].Text)
	assert.Equal(t, "lo", chunks[1].Text)
	assert.True(t, chunks[2].Final)
	assert.Equal(t, &usage, chunks[2].Usage)

	assert.Eventually(t, func() bool {
		return slices.Equal(rec.seen(), []string{"openai/stream/ok"})
	}, time.Second, 5*time.Millisecond)
}

func TestStream_NothingAfterFinal(t *testing.T) {
	openai := newMockProvider(provider.OpenAI)
	openai.On("StreamComplete", mock.Anything, mock.Anything).Return(feed(
		provider.StreamChunk{Text: "a"},
		provider.StreamChunk{Final: true},
		provider.StreamChunk{Text: "late"},
		provider.StreamChunk{Err: errors.New("late error")},
	), nil)

	svc, _ := newTestService(openai)
	ch, err := svc.Stream(context.Background(), provider.OpenAI, &provider.CompletionRequest{Prompt: "hi"})
	require.NoError(t, err)
	chunks := drain(ch)

	require.Len(t, chunks, 2)
	assert.True(t, chunks[1].Final)
}

func TestStream_ClosedWithoutFinalFails(t *testing.T) {
	gemini := newMockProvider(provider.Gemini)
	gemini.On("StreamComplete", mock.Anything, mock.Anything).
		Return(feed(provider.StreamChunk{Text: "partial"}), nil)

	svc, rec := newTestService(gemini)
	ch, err := svc.Stream(context.Background(), provider.Gemini, &provider.CompletionRequest{Prompt: "hi"})
	require.NoError(t, err)
	chunks := drain(ch)

	require.Len(t, chunks, 2)
	perr, ok := provider.AsProviderError(chunks[1].Err)
	require.True(t, ok)
	assert.Equal(t, provider.KindUnknown, perr.Kind)
	assert.Equal(t, provider.Gemini, perr.Provider)
	assert.ErrorIs(t, chunks[1].Err, provider.ErrIncompleteStream)

	assert.Eventually(t, func() bool {
		return slices.Equal(rec.seen(), []string{"gemini/stream/unknown"})
	}, time.Second, 5*time.Millisecond)
}

func TestStream_ErrorChunkEndsStream(t *testing.T) {
	anthropic := newMockProvider(provider.Anthropic)
	overloaded := &provider.ProviderError{Kind: provider.KindUnavailable, Provider: provider.Anthropic}
	anthropic.On("StreamComplete", mock.Anything, mock.Anything).Return(feed(
		provider.StreamChunk{Text: "Hi"},
		provider.StreamChunk{Err: overloaded},
	), nil)

	svc, _ := newTestService(anthropic)
	ch, err := svc.Stream(context.Background(), provider.Anthropic, &provider.CompletionRequest{Prompt: "hi"})
	require.NoError(t, err)
	chunks := drain(ch)

	require.Len(t, chunks, 2)
	assert.Same(t, overloaded, chunks[1].Err)
}

func TestStream_RejectedBeforeStart(t *testing.T) {
	openai := newMockProvider(provider.OpenAI)
	openai.On("StreamComplete", mock.Anything, mock.Anything).
		Return(nil, &provider.ProviderError{Kind: provider.KindRateLimited, Provider: provider.OpenAI})

	svc, _ := newTestService(openai)
	ch, err := svc.Stream(context.Background(), provider.OpenAI, &provider.CompletionRequest{Prompt: "hi"})

	assert.Nil(t, ch)
	perr, ok := provider.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, provider.KindRateLimited, perr.Kind)
}

func TestCompare_OneFailureDoesNotSpoilTheRest(t *testing.T) {
	openai := newMockProvider(provider.OpenAI)
	openai.On("Complete", mock.Anything, mock.Anything).Return(&provider.CompletionResponse{Text: "from openai"}, nil)
	anthropic := newMockProvider(provider.Anthropic)
	anthropic.On("Complete", mock.Anything, mock.Anything).Return(&provider.CompletionResponse{Text: "from anthropic"}, nil)
	gemini := newMockProvider(provider.Gemini)
	gemini.On("Complete", mock.Anything, mock.Anything).
		Return(nil, &provider.ProviderError{Kind: provider.KindRateLimited, Provider: provider.Gemini})

	svc, _ := newTestService(openai, anthropic, gemini)
	results, err := svc.Compare(context.Background(),
		[]string{provider.OpenAI, provider.Anthropic, provider.Gemini},
		&provider.CompletionRequest{Prompt: "hi"})
	require.NoError(t, err)

	require.Len(t, results, 3)
	assert.Equal(t, "from openai", results[provider.OpenAI].Response.Text)
	assert.Equal(t, provider.OpenAI, results[provider.OpenAI].Response.Provider)
	assert.Equal(t, "from anthropic", results[provider.Anthropic].Response.Text)
	assert.Nil(t, results[provider.Gemini].Response)
	perr, ok := provider.AsProviderError(results[provider.Gemini].Err)
	require.True(t, ok)
	assert.Equal(t, provider.KindRateLimited, perr.Kind)
}

func TestCompare_EmptyListIsInvalid(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.Compare(context.Background(), nil, &provider.CompletionRequest{Prompt: "hi"})
	perr, ok := provider.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, provider.KindInvalidRequest, perr.Kind)
}

func TestCompare_DuplicatesCollapse(t *testing.T) {
	openai := newMockProvider(provider.OpenAI)
	openai.On("Complete", mock.Anything, mock.Anything).Return(&provider.CompletionResponse{Text: "x"}, nil)

	svc, _ := newTestService(openai)
	results, err := svc.Compare(context.Background(),
		[]string{provider.OpenAI, provider.OpenAI, provider.OpenAI},
		&provider.CompletionRequest{Prompt: "hi"})
	require.NoError(t, err)

	assert.Len(t, results, 1)
	openai.AssertNumberOfCalls(t, "Complete", 1)
}

func TestCompare_UnknownProviderIsItsOwnOutcome(t *testing.T) {
	openai := newMockProvider(provider.OpenAI)
	openai.On("Complete", mock.Anything, mock.Anything).Return(&provider.CompletionResponse{Text: "x"}, nil)

	svc, _ := newTestService(openai)
	results, err := svc.Compare(context.Background(),
		[]string{provider.OpenAI, "cohere"},
		&provider.CompletionRequest{Prompt: "hi"})
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.NoError(t, results[provider.OpenAI].Err)
	var cerr *registry.ConfigurationError
	assert.ErrorAs(t, results["cohere"].Err, &cerr)
}

func TestCompare_CancelStopsEveryBranch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var started sync.WaitGroup
	started.Add(2)
	blocking := func(name string) *MockProvider {
		m := newMockProvider(name)
		m.On("Complete", mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) {
				started.Done()
				<-args.Get(0).(context.Context).Done()
			}).
			Return(nil, context.Canceled)
		return m
	}

	svc, _ := newTestService(blocking(provider.OpenAI), blocking(provider.Anthropic))

	go func() {
		started.Wait()
		cancel()
	}()

	results, err := svc.Compare(ctx, []string{provider.OpenAI, provider.Anthropic}, &provider.CompletionRequest{Prompt: "hi"})
	require.NoError(t, err)
	for id, o := range results {
		assert.ErrorIs(t, o.Err, context.Canceled, id)
	}
}

func TestListModels(t *testing.T) {
	openai := newMockProvider(provider.OpenAI)
	openai.On("ListModels", mock.Anything).Return([]string{"gpt-4o", "gpt-4o-mini"}, nil)

	svc, rec := newTestService(openai)
	models, err := svc.ListModels(context.Background(), provider.OpenAI)
	require.NoError(t, err)
	assert.Equal(t, []string{"gpt-4o", "gpt-4o-mini"}, models)
	assert.Equal(t, []string{"openai/list_models/ok"}, rec.seen())

	_, err = svc.ListModels(context.Background(), "cohere")
	assert.ErrorIs(t, err, registry.ErrUnknownProvider)
}

func TestOutcomeOf(t *testing.T) {
	assert.Equal(t, metrics.OutcomeOK, outcomeOf(nil))
	assert.Equal(t, metrics.OutcomeCanceled, outcomeOf(context.DeadlineExceeded))
	assert.Equal(t, "unknown", outcomeOf(errors.New("boom")))
	assert.Equal(t, "rate_limited", outcomeOf(&provider.ProviderError{Kind: provider.KindRateLimited}))
}
