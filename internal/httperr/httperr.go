// Package httperr turns service errors into HTTP status codes and JSON
// bodies. The same body is used for plain responses and for SSE error
// events, so clients parse failures one way.
package httperr

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/howard-nolan/llmbridge/internal/provider"
	"github.com/howard-nolan/llmbridge/internal/registry"
	"github.com/howard-nolan/llmbridge/internal/security"
)

// Kinds that don't come from a vendor.
const (
	KindConfiguration = "configuration"
	KindTimeout       = "timeout"
	KindInternal      = "internal"
)

// Body is the JSON error envelope.
type Body struct {
	Error Detail `json:"error"`
}

// Detail describes one failure. Message never contains a credential.
type Detail struct {
	Kind              string `json:"kind"`
	Message           string `json:"message"`
	Provider          string `json:"provider,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

var kindStatus = map[provider.ErrorKind]int{
	provider.KindAuth:           http.StatusUnauthorized,
	provider.KindRateLimited:    http.StatusTooManyRequests,
	provider.KindInvalidRequest: http.StatusBadRequest,
	provider.KindUnavailable:    http.StatusBadGateway,
	provider.KindUnknown:        http.StatusBadGateway,
}

// Describe maps err onto a status code and body.
func Describe(err error) (int, Body) {
	var cerr *registry.ConfigurationError
	if errors.As(err, &cerr) {
		return http.StatusNotFound, Body{Detail{
			Kind:     KindConfiguration,
			Message:  cerr.Error(),
			Provider: cerr.Provider,
		}}
	}

	if perr, ok := provider.AsProviderError(err); ok {
		status, known := kindStatus[perr.Kind]
		if !known {
			status = http.StatusBadGateway
		}
		msg := perr.Message
		if msg == "" {
			msg = string(perr.Kind)
		}
		d := Detail{Kind: string(perr.Kind), Message: security.Redact(msg), Provider: perr.Provider}
		if perr.Kind == provider.KindRateLimited && perr.RetryAfter > 0 {
			d.RetryAfterSeconds = int(math.Ceil(perr.RetryAfter.Seconds()))
		}
		return status, Body{d}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return http.StatusGatewayTimeout, Body{Detail{Kind: KindTimeout, Message: err.Error()}}
	}

	return http.StatusInternalServerError, Body{Detail{Kind: KindInternal, Message: "internal error"}}
}

// Write sends err as a JSON error response, with Retry-After when the
// vendor gave a hint.
func Write(w http.ResponseWriter, err error) {
	status, body := Describe(err)
	if body.Error.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(body.Error.RetryAfterSeconds))
	}
	WriteBody(w, status, body)
}

// BadRequest sends a 400 for a request the gateway itself can't parse.
func BadRequest(w http.ResponseWriter, msg string) {
	WriteBody(w, http.StatusBadRequest, Body{Detail{
		Kind:    string(provider.KindInvalidRequest),
		Message: msg,
	}})
}

// WriteBody encodes body with the given status.
func WriteBody(w http.ResponseWriter, status int, body Body) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
