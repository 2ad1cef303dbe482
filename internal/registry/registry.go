// Package registry builds vendor adapters from configuration and hands out
// one shared instance per provider.
//
// A Registry is created once in main and injected into the completion
// service. Adapters are constructed lazily on first use; after that every
// lookup is a lock-free map read.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/alphadose/haxmap"

	"github.com/howard-nolan/llmbridge/internal/catalog"
	"github.com/howard-nolan/llmbridge/internal/config"
	"github.com/howard-nolan/llmbridge/internal/provider"
)

var (
	// ErrUnknownProvider is the reason for a provider id outside the
	// supported set.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrMissingCredential is the reason for a supported provider with no
	// API key configured.
	ErrMissingCredential = errors.New("missing credential")
)

// ConfigurationError reports that a provider cannot be used as configured.
// It is returned before any network call and is never retried.
type ConfigurationError struct {
	Provider string
	Reason   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("provider %q: %v", e.Provider, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Reason
}

// constructors is the closed set of adapters. There is no way to register
// another one at runtime.
var constructors = map[string]func(provider.Options) provider.CompletionProvider{
	provider.OpenAI: func(o provider.Options) provider.CompletionProvider {
		return provider.NewOpenAIProvider(o)
	},
	provider.Anthropic: func(o provider.Options) provider.CompletionProvider {
		return provider.NewAnthropicProvider(o)
	},
	provider.Gemini: func(o provider.Options) provider.CompletionProvider {
		return provider.NewGeminiProvider(o)
	},
}

// Registry hands out adapters by provider id.
type Registry struct {
	providers map[string]config.ProviderConfig
	policy    provider.RetryPolicy

	logger    *slog.Logger
	observer  provider.RetryObserver
	catalog   catalog.Store
	transport func() http.RoundTripper

	adapters *haxmap.Map[string, provider.CompletionProvider]
	mu       sync.Mutex // serializes construction only
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger handed to every adapter.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithRetryObserver reports every scheduled retry, e.g. to metrics.
func WithRetryObserver(o provider.RetryObserver) Option {
	return func(r *Registry) { r.observer = o }
}

// WithCatalog shares model lists through store.
func WithCatalog(store catalog.Store) Option {
	return func(r *Registry) { r.catalog = store }
}

// WithTransport replaces the HTTP transport every adapter is built with.
// newTransport is called once per adapter so pools stay separate.
func WithTransport(newTransport func() http.RoundTripper) Option {
	return func(r *Registry) { r.transport = newTransport }
}

// New creates a Registry. Nothing is constructed and nothing is dialed
// until GetAdapter is called.
func New(cfg *config.Config, opts ...Option) *Registry {
	r := &Registry{
		providers: cfg.Providers,
		policy:    cfg.Retry.Policy(),
		logger:    slog.Default(),
		adapters:  haxmap.New[string, provider.CompletionProvider](),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetAdapter returns the adapter for id, building it on first use. Repeated
// calls return the same instance. An unknown id or a provider with no
// credential is a *ConfigurationError.
func (r *Registry) GetAdapter(id string) (provider.CompletionProvider, error) {
	if a, ok := r.adapters.Get(id); ok {
		return a, nil
	}

	newAdapter, ok := constructors[id]
	if !ok {
		return nil, &ConfigurationError{Provider: id, Reason: ErrUnknownProvider}
	}
	pc := r.providers[id]
	if pc.APIKey == "" {
		return nil, &ConfigurationError{Provider: id, Reason: ErrMissingCredential}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another caller may have built it while we waited for the lock.
	if a, ok := r.adapters.Get(id); ok {
		return a, nil
	}

	a := newAdapter(provider.Options{
		APIKey:       pc.APIKey,
		BaseURL:      pc.BaseURL,
		DefaultModel: pc.DefaultModel,
		Models:       pc.Models,
		HTTPClient:   r.newHTTPClient(pc.ResponseHeaderTimeout),
		Retry:        r.policy,
		Logger:       r.logger,
		Observer:     r.observer,
		Catalog:      r.catalog,
	})
	r.adapters.Set(id, a)

	r.logger.Info("adapter ready", "provider", id, "base_url", pc.BaseURL, "default_model", pc.DefaultModel)
	return a, nil
}

// ListAvailableProviders returns, sorted, every provider id that has a
// credential configured.
func (r *Registry) ListAvailableProviders() []string {
	var ids []string
	for _, id := range provider.IDs() {
		if r.providers[id].APIKey != "" {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

const (
	dialTimeout     = 10 * time.Second
	keepAlive       = 30 * time.Second
	idleConnTimeout = 90 * time.Second
)

// newHTTPClient gives each adapter its own transport and connection pool.
//
// No Client.Timeout: it caps the whole body read, streams included.
// ResponseHeaderTimeout bounds the wait for the vendor to start answering
// and the request context bounds the rest.
func (r *Registry) newHTTPClient(headerTimeout time.Duration) *http.Client {
	if r.transport != nil {
		return &http.Client{Transport: r.transport()}
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: dialTimeout, KeepAlive: keepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       idleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: transport}
}
