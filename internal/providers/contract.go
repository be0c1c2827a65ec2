// Package providers defines the uniform adapter contract over heterogeneous
// upstream API families, plus the shared HTTP and SSE plumbing the per-family
// subpackages build on.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/modelrelay/modelrelay/internal/chat"
)

// Adapter is the capability set every wire family implements. Adapters are
// stateless with respect to requests; credentials and the endpoint base are
// bound at construction. Instances must be safe for concurrent use.
type Adapter interface {
	ID() string

	// Complete performs a unary chat call.
	Complete(ctx context.Context, model string, req chat.Request) (*chat.Response, error)

	// Stream opens a streaming chat call. The returned stream is a lazy
	// finite sequence; closing it cancels the upstream transport.
	Stream(ctx context.Context, model string, req chat.Request) (*chat.Stream, error)
}

// ModelLister is implemented by adapters whose upstream exposes a
// model-listing endpoint. ProviderDiscovery polls it.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// StatusError captures a non-2xx upstream response with a readable body.
type StatusError struct {
	StatusCode int
	Body       string
	// RetryAfter is the parsed Retry-After header in seconds, 0 if absent.
	RetryAfter int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream error (status %d): %s", e.StatusCode, truncate(e.Body, 512))
}

// ParseRetryAfter parses a Retry-After header value (delta-seconds form).
func (e *StatusError) ParseRetryAfter(v string) {
	if v == "" {
		return
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		e.RetryAfter = secs
	}
}

// Classify maps an adapter error to the gateway error taxonomy. Anything
// that is not a StatusError classifies as transport_error, unless the
// caller's context was cancelled.
func Classify(err error) chat.Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return chat.KindCancelled
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusTooManyRequests:
			return chat.KindUpstreamRateLimit
		case se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden:
			return chat.KindUpstreamAuthError
		case se.StatusCode >= 500:
			return chat.KindUpstreamServerError
		default:
			return chat.KindUpstreamClientError
		}
	}
	// Deadline exceeded included: a timed-out attempt counts as transport.
	return chat.KindTransportError
}

// StatusOf returns the upstream HTTP status from err, 0 when unknown.
func StatusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Options carries per-adapter construction knobs shared by all families.
type Options struct {
	Timeout time.Duration
	Headers map[string]string
	Client  *http.Client
}

// Option configures an adapter at construction time.
type Option func(*Options)

// WithTimeout sets the HTTP client timeout for unary calls.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

// WithHeaders adds fixed headers to every outbound call.
func WithHeaders(h map[string]string) Option {
	return func(o *Options) { o.Headers = h }
}

// WithClient replaces the HTTP client (tests, custom transports).
func WithClient(c *http.Client) Option {
	return func(o *Options) { o.Client = c }
}

// BuildOptions folds opts into a ready Options value with defaults applied.
// Streaming calls share the client; its Timeout bounds the whole response
// body, so adapters use a separate, timeout-free client for streams.
func BuildOptions(opts []Option) Options {
	var o Options
	for _, fn := range opts {
		fn(&o)
	}
	if o.Client == nil {
		o.Client = &http.Client{Timeout: o.Timeout}
	}
	return o
}
