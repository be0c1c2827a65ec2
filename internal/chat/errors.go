package chat

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies gateway errors. Kinds, not concrete messages, drive the
// routing policy: upstream kinds rotate to the next candidate, the rest
// surface to the caller.
type Kind string

const (
	KindInvalidRequest      Kind = "invalid_request"
	KindModelNotFound       Kind = "model_not_found"
	KindBudgetExceeded      Kind = "budget_exceeded"
	KindNoCandidates        Kind = "no_candidates"
	KindUpstreamClientError Kind = "upstream_client_error"
	KindUpstreamAuthError   Kind = "upstream_auth_error"
	KindUpstreamRateLimit   Kind = "upstream_rate_limit"
	KindUpstreamServerError Kind = "upstream_server_error"
	KindTransportError      Kind = "transport_error"
	KindAllCandidatesFailed Kind = "all_candidates_failed"
	KindCancelled           Kind = "cancelled"
	KindInternal            Kind = "internal_error"
)

// AttemptError records one failed candidate attempt with provider
// attribution. The order of attempts is itself diagnostic and is preserved.
type AttemptError struct {
	Provider string `json:"provider"`
	Kind     Kind   `json:"kind"`
	Status   int    `json:"status,omitempty"`
	Message  string `json:"message"`
}

// Error is the gateway's terminal error type.
type Error struct {
	Kind    Kind
	Message string

	// Status is the upstream HTTP status, when one was observed.
	Status int
	// Provider attributes single-upstream failures.
	Provider string
	// Attempts holds the ordered inner errors of an all_candidates_failed.
	Attempts []AttemptError

	cause error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s (provider %s): %s", e.Kind, e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError builds an Error of the given kind wrapping cause (which may be nil).
func NewError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// ModelNotFound reports an unresolvable requested id.
func ModelNotFound(requested string) *Error {
	return &Error{Kind: KindModelNotFound, Message: fmt.Sprintf("model %q does not resolve to any known model", requested)}
}

// BudgetExceeded reports a tenant whose monthly budget is exhausted.
func BudgetExceeded(tenant, model string) *Error {
	return &Error{Kind: KindBudgetExceeded, Message: fmt.Sprintf("tenant %q has exhausted its monthly budget for %q", tenant, model)}
}

// NoCandidates reports that the model resolved but nothing is currently usable.
func NoCandidates(requested string) *Error {
	return &Error{Kind: KindNoCandidates, Message: fmt.Sprintf("no usable provider for model %q", requested)}
}

// AllCandidatesFailed aggregates the ordered inner errors of an exhausted
// candidate list.
func AllCandidatesFailed(attempts []AttemptError) *Error {
	providers := make([]string, len(attempts))
	for i, a := range attempts {
		providers[i] = a.Provider
	}
	return &Error{
		Kind:     KindAllCandidatesFailed,
		Message:  fmt.Sprintf("all %d candidates failed (%s)", len(attempts), strings.Join(providers, ", ")),
		Attempts: attempts,
	}
}

// Cancelled reports caller cancellation. No health penalty is recorded for it.
func Cancelled(cause error) *Error {
	return &Error{Kind: KindCancelled, Message: "request cancelled by caller", cause: cause}
}

// KindOf extracts the Kind from err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error kind to the status code of the outer API surface.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindModelNotFound:
		return http.StatusNotFound
	case KindBudgetExceeded, KindUpstreamRateLimit:
		return http.StatusTooManyRequests
	case KindNoCandidates:
		return http.StatusServiceUnavailable
	case KindUpstreamAuthError, KindUpstreamServerError, KindTransportError, KindAllCandidatesFailed:
		return http.StatusBadGateway
	case KindInvalidRequest, KindUpstreamClientError:
		return http.StatusBadRequest
	case KindCancelled:
		return 499 // client closed request
	default:
		return http.StatusInternalServerError
	}
}
