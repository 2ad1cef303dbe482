package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/howard-nolan/llmbridge/internal/security"
)

// ErrorKind classifies a vendor failure. The kind alone decides whether
// the base adapter retries.
type ErrorKind string

const (
	KindAuth           ErrorKind = "auth"
	KindRateLimited    ErrorKind = "rate_limited"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindUnavailable    ErrorKind = "provider_unavailable"
	KindUnknown        ErrorKind = "unknown"
)

// ErrIncompleteStream is wrapped by the error a stream reports when the
// vendor closed the connection without a terminal event.
var ErrIncompleteStream = errors.New("stream ended without a final chunk")

// ProviderError is a classified vendor failure.
type ProviderError struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int           // HTTP status from the vendor, 0 if none
	Message    string        // vendor message with credentials redacted
	RetryAfter time.Duration // vendor hint, only for KindRateLimited
	Err        error         // underlying cause, if any
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// AsProviderError unwraps err into a *ProviderError if it holds one.
func AsProviderError(err error) (*ProviderError, bool) {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}

// NewProviderError builds a ProviderError with a redacted message.
func NewProviderError(provider string, kind ErrorKind, message string) *ProviderError {
	return &ProviderError{Kind: kind, Provider: provider, Message: security.Redact(message)}
}

// ---------------------------------------------------------------------------
// Classification
// ---------------------------------------------------------------------------

// Classifier maps a failed vendor HTTP response onto a ProviderError. body
// holds at most the first 64 KiB of the response. Each vendor adapter
// supplies its own, usually by refining classifyStatus with fields from
// the vendor's error payload.
type Classifier func(status int, header http.Header, body []byte) *ProviderError

// classifyStatus is the vendor-neutral part of classification: status code
// to kind, plus the Retry-After hint.
func classifyStatus(provider string, status int, header http.Header) *ProviderError {
	perr := &ProviderError{Provider: provider, StatusCode: status, Kind: kindForStatus(status)}
	if perr.Kind == KindRateLimited {
		perr.RetryAfter = parseRetryAfter(header.Get("Retry-After"), time.Now())
	}
	return perr
}

func kindForStatus(status int) ErrorKind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuth
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusBadRequest, http.StatusNotFound, http.StatusConflict,
		http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return KindInvalidRequest
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout,
		529: // Anthropic "overloaded"
		return KindUnavailable
	default:
		return KindUnknown
	}
}

// parseRetryAfter understands both forms of the header: delta-seconds and
// an HTTP date. Anything unparseable yields zero (no hint).
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
