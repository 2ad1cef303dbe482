// Package completion routes completion requests to vendor adapters.
//
// The Service is the only thing the HTTP layer talks to. It resolves a
// provider id to an adapter, validates the request, fills in defaults, and
// records how the call went. It never knows which vendor it is talking to.
package completion

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/howard-nolan/llmbridge/internal/config"
	"github.com/howard-nolan/llmbridge/internal/metrics"
	"github.com/howard-nolan/llmbridge/internal/provider"
	"github.com/howard-nolan/llmbridge/internal/registry"
)

// Resolver hands out adapters by provider id. *registry.Registry is the
// production implementation.
type Resolver interface {
	GetAdapter(id string) (provider.CompletionProvider, error)
	ListAvailableProviders() []string
}

// Recorder receives one observation per finished call.
type Recorder interface {
	ObserveRequest(providerID, operation, outcome string, d time.Duration)
}

// Defaults are applied to any sampling parameter a caller leaves unset.
type Defaults struct {
	Temperature float64
	MaxTokens   int
	TopP        float64
}

// DefaultsFromConfig copies the configured request defaults.
func DefaultsFromConfig(c config.DefaultsConfig) Defaults {
	return Defaults{Temperature: c.Temperature, MaxTokens: c.MaxTokens, TopP: c.TopP}
}

// Outcome is one provider's result in a comparison. Exactly one of
// Response and Err is set.
type Outcome struct {
	Response *provider.CompletionResponse
	Err      error
}

// Service runs completions against whichever provider the caller names.
type Service struct {
	resolver Resolver
	defaults Defaults
	recorder Recorder
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithRecorder reports every finished call, e.g. to Prometheus.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a Service.
func NewService(resolver Resolver, defaults Defaults, opts ...Option) *Service {
	s := &Service{
		resolver: resolver,
		defaults: defaults,
		recorder: metrics.Nop(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Providers lists the provider ids that have a credential configured.
func (s *Service) Providers() []string {
	return s.resolver.ListAvailableProviders()
}

// Generate runs one non-streaming completion. The response's Provider is
// always providerID. An unknown or unconfigured provider is a
// *registry.ConfigurationError; everything else is a *provider.ProviderError
// or the context's error.
func (s *Service) Generate(ctx context.Context, providerID string, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	start := time.Now()

	// Step 1: resolve and validate before anything touches the network.
	adapter, prepared, err := s.prepare(providerID, req)
	if err != nil {
		s.observe(providerID, metrics.OperationGenerate, err, time.Since(start))
		return nil, err
	}

	// Step 2: call the vendor. Retries happen inside the adapter.
	resp, err := adapter.Complete(ctx, prepared)
	latency := time.Since(start)
	s.observe(providerID, metrics.OperationGenerate, err, latency)
	if err != nil {
		s.logger.WarnContext(ctx, "completion failed", "provider", providerID, "error", err, "latency", latency)
		return nil, err
	}

	// Step 3: stamp what the vendor can't know.
	resp.Provider = providerID
	resp.Latency = latency

	s.logger.InfoContext(ctx, "completion finished",
		"provider", providerID,
		"model", resp.Model,
		"finish_reason", resp.FinishReason,
		"latency", latency,
	)
	return resp, nil
}

// Stream starts a streaming completion. A returned error means nothing was
// streamed: the provider could not be resolved, the request was invalid,
// or the vendor rejected it. Otherwise the channel delivers the vendor's
// chunks in order and ends with exactly one chunk that has Final or Err
// set.
func (s *Service) Stream(ctx context.Context, providerID string, req *provider.CompletionRequest) (<-chan provider.StreamChunk, error) {
	start := time.Now()
	g := &guard{state: stateIdle}

	adapter, prepared, err := s.prepare(providerID, req)
	if err != nil {
		s.observe(providerID, metrics.OperationStream, err, time.Since(start))
		return nil, err
	}

	g.advance(stateRequesting)
	in, err := adapter.StreamComplete(ctx, prepared)
	if err != nil {
		g.advance(stateFailed)
		s.observe(providerID, metrics.OperationStream, err, time.Since(start))
		s.logger.WarnContext(ctx, "stream rejected", "provider", providerID, "error", err)
		return nil, err
	}
	g.advance(stateStreaming)

	out := make(chan provider.StreamChunk)
	go func() {
		defer close(out)
		err := g.run(ctx, providerID, in, out)
		latency := time.Since(start)
		s.observe(providerID, metrics.OperationStream, err, latency)
		if err != nil {
			s.logger.WarnContext(ctx, "stream failed", "provider", providerID, "error", err, "latency", latency)
			return
		}
		s.logger.InfoContext(ctx, "stream finished", "provider", providerID, "latency", latency)
	}()
	return out, nil
}

// Compare sends the same request to every provider in providerIDs at once
// and waits for all of them. Duplicate ids are collapsed. A failing
// provider only affects its own Outcome; cancelling ctx cancels every
// branch.
func (s *Service) Compare(ctx context.Context, providerIDs []string, req *provider.CompletionRequest) (map[string]Outcome, error) {
	if len(providerIDs) == 0 {
		return nil, provider.NewProviderError("", provider.KindInvalidRequest, "at least one provider is required")
	}
	if err := s.validate("", req); err != nil {
		return nil, err
	}

	ids := slices.Clone(providerIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	outcomes := make([]Outcome, len(ids))
	var wg conc.WaitGroup
	for i, id := range ids {
		wg.Go(func() {
			resp, err := s.Generate(ctx, id, req)
			outcomes[i] = Outcome{Response: resp, Err: err}
		})
	}
	wg.Wait()

	results := make(map[string]Outcome, len(ids))
	for i, id := range ids {
		results[id] = outcomes[i]
	}
	return results, nil
}

// ListModels returns the models providerID serves.
func (s *Service) ListModels(ctx context.Context, providerID string) ([]string, error) {
	start := time.Now()
	adapter, err := s.resolver.GetAdapter(providerID)
	if err != nil {
		s.observe(providerID, metrics.OperationListModels, err, time.Since(start))
		return nil, err
	}
	models, err := adapter.ListModels(ctx)
	s.observe(providerID, metrics.OperationListModels, err, time.Since(start))
	return models, err
}

// prepare resolves the adapter and returns a validated copy of req with
// defaults applied. The caller's request is never modified.
func (s *Service) prepare(providerID string, req *provider.CompletionRequest) (provider.CompletionProvider, *provider.CompletionRequest, error) {
	adapter, err := s.resolver.GetAdapter(providerID)
	if err != nil {
		return nil, nil, err
	}
	if err := s.validate(providerID, req); err != nil {
		return nil, nil, err
	}

	prepared := req.Clone()
	if prepared.Temperature == nil {
		prepared.Temperature = &s.defaults.Temperature
	}
	if prepared.MaxTokens == nil {
		prepared.MaxTokens = &s.defaults.MaxTokens
	}
	if prepared.TopP == nil {
		prepared.TopP = &s.defaults.TopP
	}
	// The pointers above alias the service defaults; clone once more so an
	// adapter can't reach back into them.
	return adapter, prepared.Clone(), nil
}

func (s *Service) validate(providerID string, req *provider.CompletionRequest) error {
	invalid := func(msg string) error {
		return provider.NewProviderError(providerID, provider.KindInvalidRequest, msg)
	}

	switch {
	case req == nil:
		return invalid("request is required")
	case strings.TrimSpace(req.Prompt) == "":
		return invalid("prompt must not be empty")
	case req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2):
		return invalid("temperature must be within [0, 2]")
	case req.MaxTokens != nil && *req.MaxTokens <= 0:
		return invalid("max_tokens must be positive")
	case req.TopP != nil && (*req.TopP <= 0 || *req.TopP > 1):
		return invalid("top_p must be within (0, 1]")
	}
	return nil
}

func (s *Service) observe(providerID, operation string, err error, d time.Duration) {
	s.recorder.ObserveRequest(providerID, operation, outcomeOf(err), d)
}

// outcomeOf turns an error into a metrics label.
func outcomeOf(err error) string {
	if err == nil {
		return metrics.OutcomeOK
	}
	var cerr *registry.ConfigurationError
	if errors.As(err, &cerr) {
		return metrics.OutcomeConfig
	}
	if perr, ok := provider.AsProviderError(err); ok {
		return string(perr.Kind)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return metrics.OutcomeCanceled
	}
	return string(provider.KindUnknown)
}
