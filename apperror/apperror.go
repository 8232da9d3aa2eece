/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Logic:       Typed error kinds for the admission/login pipelines,
             mapped exactly once to an HTTP status at the edge.
             Components never write status codes directly; they
             return *apperror.Error and let httpapi translate it.
Context:     Consolidates the upstream prototype's split between
             an "internal_error" kind and several narrower
             quota_file_{read,write}_error codes into a single
             Kind enum, per the open question in the design notes.
Suitability: L2 — a lookup table plus a typed error wrapper.
──────────────────────────────────────────────────────────────
*/

package apperror

import (
	"fmt"
	"net/http"
)

// Kind classifies a failure the way the admission and login pipelines
// report it; httpapi maps each Kind to exactly one HTTP status.
type Kind string

const (
	KindUnauthorized    Kind = "unauthorized"
	KindTokenExpired    Kind = "token_expired"
	KindAccountDisabled Kind = "account_disabled"
	KindBadRequest      Kind = "bad_request"
	KindNotFound        Kind = "not_found"
	KindQuotaExceeded   Kind = "quota_exceeded"
	KindQueueTimeout    Kind = "queue_timeout"
	KindTooManyRequests Kind = "too_many_requests"
	KindUpstreamTimeout Kind = "upstream_timeout"
	KindUpstreamError   Kind = "upstream_error"
	KindInternal        Kind = "internal_error"
)

var statusByKind = map[Kind]int{
	KindUnauthorized:    http.StatusUnauthorized,
	KindTokenExpired:    http.StatusUnauthorized,
	KindAccountDisabled: http.StatusForbidden,
	KindBadRequest:      http.StatusBadRequest,
	KindNotFound:        http.StatusNotFound,
	KindQuotaExceeded:   http.StatusPaymentRequired,
	KindQueueTimeout:    http.StatusRequestTimeout,
	KindTooManyRequests: http.StatusTooManyRequests,
	KindUpstreamTimeout: http.StatusGatewayTimeout,
	KindUpstreamError:   http.StatusBadGateway,
	KindInternal:        http.StatusInternalServerError,
}

// Status returns the HTTP status the kind maps to. Unknown kinds map to 500.
func (k Kind) Status() int {
	if s, ok := statusByKind[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is a typed failure carried through the pipeline. Details is an
// optional machine-readable payload (e.g. {used, limit, reset_at} for a
// quota_exceeded kind); it is serialized verbatim by httpapi.
type Error struct {
	Kind    Kind
	Message string
	Details any
	// UpgradeURL is set only on KindQuotaExceeded; httpapi surfaces it as a
	// top-level field alongside details, per the quota_exceeded response shape.
	UpgradeURL string
	cause      error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithDetails attaches a details payload and returns the same error.
func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

// WithUpgradeURL attaches the quota_exceeded upgrade link and returns the
// same error. A blank url is a no-op, so callers can pass an unconfigured
// value without special-casing it.
func (e *Error) WithUpgradeURL(url string) *Error {
	if url != "" {
		e.UpgradeURL = url
	}
	return e
}

// As is a convenience wrapper so callers can pattern-match without importing
// the standard errors package directly in every call site.
func As(err error) (*Error, bool) {
	ae, ok := err.(*Error)
	return ae, ok
}
