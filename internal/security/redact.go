// Package security keeps credentials out of logs and error messages.
//
// Vendor APIs sometimes echo the key they were sent back inside an error
// body ("Incorrect API key provided: sk-abc..."). Log lines, error JSON and
// SSE error events all go through Redact first, so a misconfigured key is
// never repeated to a client.
package security

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
)

// RedactedPlaceholder replaces anything that looks like a credential.
const RedactedPlaceholder = "[REDACTED]"

// sensitivePatterns matches the key formats of the vendors we talk to.
// Order matters: the more specific Anthropic pattern runs before the
// generic OpenAI one would otherwise leave an "sk-ant" prefix behind.
var sensitivePatterns = []*regexp.Regexp{
	// Anthropic keys: sk-ant-api03-...
	regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`),
	// OpenAI keys: sk-..., sk-proj-...
	regexp.MustCompile(`sk-(?:proj-)?[a-zA-Z0-9_-]{20,}`),
	// Google AI keys: AIza...
	regexp.MustCompile(`AIza[a-zA-Z0-9_-]{30,}`),
	// Bearer tokens copied out of headers.
	regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]{20,}`),
	// Keys passed as a query parameter.
	regexp.MustCompile(`key=[a-zA-Z0-9_-]{20,}`),
}

// Redact replaces every credential-shaped substring of s.
func Redact(s string) string {
	for _, pattern := range sensitivePatterns {
		s = pattern.ReplaceAllString(s, RedactedPlaceholder)
	}
	return s
}

// RedactedHandler wraps an slog.Handler and redacts the message and every
// string attribute before the record reaches the inner handler.
type RedactedHandler struct {
	inner slog.Handler
}

// NewRedactedHandler wraps inner.
func NewRedactedHandler(inner slog.Handler) *RedactedHandler {
	return &RedactedHandler{inner: inner}
}

func (h *RedactedHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *RedactedHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, Redact(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, out)
}

func (h *RedactedHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = redactAttr(a)
	}
	return &RedactedHandler{inner: h.inner.WithAttrs(redacted)}
}

func (h *RedactedHandler) WithGroup(name string) slog.Handler {
	return &RedactedHandler{inner: h.inner.WithGroup(name)}
}

func redactAttr(a slog.Attr) slog.Attr {
	if isSensitiveKey(strings.ToLower(a.Key)) {
		return slog.String(a.Key, RedactedPlaceholder)
	}

	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, Redact(a.Value.String()))
	case slog.KindGroup:
		group := a.Value.Group()
		redacted := make([]any, len(group))
		for i, ga := range group {
			redacted[i] = redactAttr(ga)
		}
		return slog.Group(a.Key, redacted...)
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			return slog.String(a.Key, Redact(err.Error()))
		}
	}
	return a
}

func isSensitiveKey(key string) bool {
	for _, k := range []string{"authorization", "api_key", "apikey", "api-key", "secret", "password", "credential"} {
		if strings.Contains(key, k) {
			return true
		}
	}
	return false
}
