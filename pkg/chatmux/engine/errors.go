// Package engine – errors.go defines the dispatch error taxonomy. Failures
// are classified once, by status code and body, and the classification drives
// every retry/failover decision.
package engine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoProviderConfigured means the catalog resolved an empty route list.
	// Configuration error: surfaced synchronously, never retried.
	ErrNoProviderConfigured = errors.New("no provider configured for category")

	// ErrBadRequest means a provider rejected the payload as malformed. The
	// payload is likely invalid for every provider, so no failover happens.
	ErrBadRequest = errors.New("provider rejected request payload")

	// ErrPayloadTooLarge means the combined inline attachment bytes exceeded
	// the configured cap. Reported instead of silently dropping media.
	ErrPayloadTooLarge = errors.New("attachment payload too large")

	// ErrAlreadyInFlight means Send was called while a request was active on
	// the session. At most one dispatch per session at a time.
	ErrAlreadyInFlight = errors.New("request already in flight for session")

	// ErrEmptyStream means the stream ended before delivering any content.
	ErrEmptyStream = errors.New("stream ended without content")
)

// ErrorKind classifies a dispatch attempt outcome. Granular classification
// enables the 429-vs-5xx backoff distinction and auth failover.
type ErrorKind int

const (
	KindServer         ErrorKind = iota // 5xx — transient server fault
	KindRateLimited                     // 429 — short-term demand, longer backoff
	KindTransport                       // timeout, DNS, connection reset
	KindAuth                            // 401/403 — fatal for this provider only
	KindBadRequest                      // 400 — fatal for the whole dispatch
	KindContentBlocked                  // provider content-safety refusal
	KindFatal                           // everything else
)

// String returns the label used in logs.
func (k ErrorKind) String() string {
	switch k {
	case KindServer:
		return "server_error"
	case KindRateLimited:
		return "rate_limited"
	case KindTransport:
		return "transport_error"
	case KindAuth:
		return "auth_error"
	case KindBadRequest:
		return "bad_request"
	case KindContentBlocked:
		return "content_blocked"
	default:
		return "fatal"
	}
}

// Retryable reports whether the same provider should be attempted again.
func (k ErrorKind) Retryable() bool {
	return k == KindServer || k == KindRateLimited || k == KindTransport
}

// apiError captures a non-2xx provider response for classification.
type apiError struct {
	statusCode    int
	body          string
	retryAfterSec int // from Retry-After, 0 if absent
}

func (e *apiError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.statusCode, truncate(e.body, 200))
}

// classifyStatus maps a status code and response body to an ErrorKind.
func classifyStatus(statusCode int, body string) ErrorKind {
	bodyLower := strings.ToLower(body)

	if strings.Contains(bodyLower, "content_filter") ||
		strings.Contains(bodyLower, "content policy") ||
		(strings.Contains(bodyLower, "safety") && statusCode == 400) {
		return KindContentBlocked
	}

	switch {
	case statusCode == 429:
		return KindRateLimited
	case statusCode == 401 || statusCode == 403:
		return KindAuth
	case statusCode == 400:
		return KindBadRequest
	case statusCode >= 500:
		return KindServer
	case statusCode == 0:
		return KindTransport
	default:
		return KindFatal
	}
}

// DispatchFailure is the terminal, non-retryable result of an exhausted
// dispatch. Callers must not retry further.
type DispatchFailure struct {
	Kind       ErrorKind
	ProviderID string
	Model      string
	Err        error
}

func (f *DispatchFailure) Error() string {
	if f.ProviderID != "" {
		return fmt.Sprintf("dispatch failed (%s) on %s/%s: %v", f.Kind, f.ProviderID, f.Model, f.Err)
	}
	return fmt.Sprintf("dispatch failed (%s): %v", f.Kind, f.Err)
}

func (f *DispatchFailure) Unwrap() error { return f.Err }

// truncate shortens s to max bytes for log output.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
