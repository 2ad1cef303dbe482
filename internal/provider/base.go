package provider

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/howard-nolan/llmbridge/internal/catalog"
)

// maxErrorBody bounds how much of a failed response we read for
// classification.
const maxErrorBody = 64 << 10

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

// Options configures a vendor adapter. The registry builds one per
// provider from configuration.
type Options struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Models       []string // static model list; skips the vendor model endpoint

	// HTTPClient is owned by the adapter: each provider gets its own so
	// connection pools are never shared across vendors.
	HTTPClient *http.Client

	Retry    RetryPolicy
	Logger   *slog.Logger
	Observer RetryObserver
	Catalog  catalog.Store // optional shared model catalog
}

// RetryObserver is told about every retry the base adapter schedules.
type RetryObserver interface {
	ObserveRetry(provider string, kind ErrorKind)
}

// Base holds what every vendor adapter shares: the HTTP client, the retry
// loop, error classification, the stream pump, and the model list cache.
// Vendor adapters embed it and supply their Classifier.
type Base struct {
	name         string
	apiKey       string
	baseURL      string
	defaultModel string
	client       *http.Client
	policy       RetryPolicy
	classify     Classifier
	logger       *slog.Logger
	observer     RetryObserver

	// jitter returns a uniform value in [0, n). Swapped in tests.
	jitter func(n int64) int64
	// sleep waits for d or until ctx is done. Swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error

	staticModels []string
	store        catalog.Store
	modelsMu     sync.Mutex
	models       []string
}

func newBase(name string, opts Options, classify Classifier) Base {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return Base{
		name:         name,
		apiKey:       opts.APIKey,
		baseURL:      opts.BaseURL,
		defaultModel: opts.DefaultModel,
		client:       client,
		policy:       opts.Retry,
		classify:     classify,
		logger:       logger.With("provider", name),
		observer:     opts.Observer,
		jitter:       rand.Int64N,
		sleep:        sleepContext,
		staticModels: slices.Clone(opts.Models),
		store:        opts.Catalog,
	}
}

// Name returns the provider identifier.
func (b *Base) Name() string {
	return b.name
}

// model picks the request's model or falls back to the configured default.
func (b *Base) model(req *CompletionRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return b.defaultModel
}

// ---------------------------------------------------------------------------
// Retry policy
// ---------------------------------------------------------------------------

// RetryPolicy bounds how the base adapter retries transient failures.
//
// Retry n (1-based) waits min(MaxDelay, BaseDelay*2^(n-1)) with "equal
// jitter": a uniform value in the upper half of that delay. A vendor
// Retry-After hint raises the wait to at least the hint. Before sleeping,
// the accumulated wait plus the next delay is checked against
// MaxTotalWait; if it would overflow, the last error is returned instead.
type RetryPolicy struct {
	MaxRetries         int // retries for KindRateLimited
	UnavailableRetries int // retries for KindUnavailable
	BaseDelay          time.Duration
	MaxDelay           time.Duration
	MaxTotalWait       time.Duration // 0 means unbounded
}

// DefaultRetryPolicy is used when configuration says nothing.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:         3,
		UnavailableRetries: 2,
		BaseDelay:          250 * time.Millisecond,
		MaxDelay:           8 * time.Second,
		MaxTotalWait:       30 * time.Second,
	}
}

// allowance is the number of retries permitted for kind. Auth, invalid
// request, and unknown failures are never transient.
func (p RetryPolicy) allowance(kind ErrorKind) int {
	switch kind {
	case KindRateLimited:
		return p.MaxRetries
	case KindUnavailable:
		return p.UnavailableRetries
	default:
		return 0
	}
}

// backoff returns the wait before retry n (1-based). jitter(k) must return
// a uniform value in [0, k).
func (p RetryPolicy) backoff(n int, hint time.Duration, jitter func(int64) int64) time.Duration {
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}

	if half := d / 2; d > 0 {
		d = half + time.Duration(jitter(int64(d-half)+1))
	}
	if hint > d {
		d = hint
	}
	return d
}

// withRetry runs call until it succeeds, fails with something that is not
// retryable, or the policy is exhausted. Retries are invisible to callers
// except as latency.
func (b *Base) withRetry(ctx context.Context, op string, call func(ctx context.Context) error) error {
	var (
		waited time.Duration
		used   = make(map[ErrorKind]int)
	)

	for attempt := 1; ; attempt++ {
		err := call(ctx)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		perr, ok := AsProviderError(err)
		if !ok {
			return err
		}

		n := used[perr.Kind] + 1
		if n > b.policy.allowance(perr.Kind) {
			if b.policy.allowance(perr.Kind) > 0 {
				b.logger.Warn("retries exhausted", "op", op, "kind", perr.Kind, "attempts", attempt)
			}
			return err
		}

		wait := b.policy.backoff(n, perr.RetryAfter, b.jitter)
		if b.policy.MaxTotalWait > 0 && waited+wait > b.policy.MaxTotalWait {
			b.logger.Warn("retry budget exhausted", "op", op, "kind", perr.Kind,
				"attempts", attempt, "waited", waited, "next_wait", wait)
			return err
		}
		used[perr.Kind] = n

		b.logger.Debug("retrying vendor call", "op", op, "kind", perr.Kind,
			"attempt", attempt, "wait", wait)
		if b.observer != nil {
			b.observer.ObserveRetry(b.name, perr.Kind)
		}

		if err := b.sleep(ctx, wait); err != nil {
			return err
		}
		waited += wait
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ---------------------------------------------------------------------------
// HTTP plumbing shared by the hand-written adapters
// ---------------------------------------------------------------------------

// do sends one request and returns the response with an open body when
// the vendor answered 2xx. Anything else comes back as a classified error
// with the body already closed.
func (b *Base) do(ctx context.Context, method, url string, header http.Header, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for k, v := range header {
		httpReq.Header[k] = v
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, b.transportError(ctx, err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		defer httpResp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		return nil, b.classify(httpResp.StatusCode, httpResp.Header, raw)
	}
	return httpResp, nil
}

// decode reads a JSON body into v. A body that does not parse is an
// unknown failure, not a transport one: the vendor answered, we just
// could not understand it.
func (b *Base) decode(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return &ProviderError{
			Kind:     KindUnknown,
			Provider: b.name,
			Message:  "unparseable response from vendor",
			Err:      err,
		}
	}
	return nil
}

// transportError converts a failure to reach the vendor. Cancellation is
// passed through untouched so callers can tell it apart.
func (b *Base) transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return &ProviderError{
		Kind:     KindUnavailable,
		Provider: b.name,
		Message:  "vendor unreachable",
		Err:      err,
	}
}

func (b *Base) unknown(format string, args ...any) *ProviderError {
	return NewProviderError(b.name, KindUnknown, fmt.Sprintf(format, args...))
}

// ---------------------------------------------------------------------------
// Streaming
// ---------------------------------------------------------------------------

// emitter is the producing side of a stream channel. It enforces the
// channel contract: once a final or error chunk has been sent nothing
// else goes out, and no send blocks past cancellation.
type emitter struct {
	ctx  context.Context
	ch   chan<- StreamChunk
	done bool
}

// send delivers c and reports whether the stream is still open.
func (e *emitter) send(c StreamChunk) bool {
	if e.done {
		return false
	}
	select {
	case e.ch <- c:
	case <-e.ctx.Done():
		e.done = true
		return false
	}
	if c.Final || c.Err != nil {
		e.done = true
	}
	return !e.done
}

func (e *emitter) fail(err error) {
	e.send(StreamChunk{Err: err})
}

// eventHandler consumes one complete SSE event. It returns an error to
// fail the stream; it ends the stream successfully by sending a final
// chunk through out.
type eventHandler func(ev ssestream.Event, out *emitter) error

// pump reads Server-Sent Events from resp and hands each complete event
// to handle. The decoder buffers lines until the blank line that
// terminates an event, so handlers never see a partial frame. Multi-line
// data is joined with newlines and keeps a trailing one; events with no
// data at all are skipped.
//
// The goroutine owns resp.Body and closes it. The returned channel is
// unbuffered: the vendor connection is read only as fast as the consumer
// drains chunks.
func (b *Base) pump(ctx context.Context, resp *http.Response, handle eventHandler) <-chan StreamChunk {
	ch := make(chan StreamChunk)

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		out := &emitter{ctx: ctx, ch: ch}
		dec := newSSEDecoder(resp.Body)

		for !out.done && dec.Next() {
			ev := dec.Event()
			if len(bytes.TrimSpace(ev.Data)) == 0 {
				continue
			}
			if err := handle(ev, out); err != nil {
				out.fail(err)
				return
			}
		}
		if out.done {
			return
		}

		if err := dec.Err(); err != nil {
			if errors.Is(err, bufio.ErrTooLong) {
				out.fail(b.unknown("stream event line exceeds %d bytes", maxSSELine))
				return
			}
			out.fail(b.transportError(ctx, err))
			return
		}
		if ctx.Err() != nil {
			return
		}
		out.fail(&ProviderError{
			Kind:     KindUnknown,
			Provider: b.name,
			Message:  ErrIncompleteStream.Error(),
			Err:      ErrIncompleteStream,
		})
	}()

	return ch
}

// ---------------------------------------------------------------------------
// Model list cache
// ---------------------------------------------------------------------------

// listModels resolves the model list in order: static configuration, the
// in-process cache, the shared catalog, then fetch. The mutex is held
// across the fetch so concurrent first callers share one vendor call.
// Failures are not cached.
func (b *Base) listModels(ctx context.Context, fetch func(ctx context.Context) ([]string, error)) ([]string, error) {
	if len(b.staticModels) > 0 {
		return slices.Clone(b.staticModels), nil
	}

	b.modelsMu.Lock()
	defer b.modelsMu.Unlock()

	if b.models != nil {
		return slices.Clone(b.models), nil
	}

	if b.store != nil {
		models, ok, err := b.store.Get(ctx, b.name)
		switch {
		case err != nil:
			b.logger.Warn("model catalog read failed", "error", err)
		case ok:
			b.models = models
			return slices.Clone(models), nil
		}
	}

	var models []string
	err := b.withRetry(ctx, "list_models", func(ctx context.Context) error {
		var err error
		models, err = fetch(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	slices.Sort(models)
	models = slices.Compact(models)
	if models == nil {
		models = []string{}
	}
	b.models = models

	if b.store != nil && len(models) > 0 {
		if err := b.store.Put(ctx, b.name, models); err != nil {
			b.logger.Warn("model catalog write failed", "error", err)
		}
	}
	return slices.Clone(models), nil
}
