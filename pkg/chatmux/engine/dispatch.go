// Package engine – dispatch.go is the retrying dispatcher: the one place
// where the retry, backoff, and failover policy is defined. States:
// Idle → Attempting(n) → {Succeeded | Backoff(n) → Attempting(n+1) |
// FailedOver(next route) | Exhausted}.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// DefaultMaxRetries is the attempt count per provider before failing over.
const DefaultMaxRetries = 3

// DefaultBaseDelay seeds the backoff schedule: 429 sleeps base×attempt×2,
// server/transport faults sleep base×attempt. Rate limiting is demand-driven
// and wants a longer initial pause than a transient fault.
const DefaultBaseDelay = 500 * time.Millisecond

// DefaultAttemptTimeout bounds the wait for response headers on one attempt.
const DefaultAttemptTimeout = 75 * time.Second

// RequestPlan carries everything a dispatch needs: the ranked route chain
// from the catalog plus the request inputs.
type RequestPlan struct {
	Routes        []Route
	SystemPrompt  string
	Turns         []Turn
	MaxImageBytes int64
}

// ProviderStream is a successful dispatch: the raw response body of the
// provider that answered, ready for normalization.
type ProviderStream struct {
	Route     Route
	Body      io.ReadCloser
	Streaming bool
}

// DispatchAttempt is the ephemeral per-attempt record used for backoff
// decisions and logging. Never persisted.
type DispatchAttempt struct {
	ProviderID    string
	ModelID       string
	AttemptNumber int
	Kind          ErrorKind
	ElapsedMs     int64
}

// Dispatcher executes outbound provider calls with bounded retry and
// failover. Stateless between Dispatch invocations except for the backoff
// clock.
type Dispatcher struct {
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	logger     *slog.Logger

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDispatcher creates a dispatcher. The HTTP client carries no global
// timeout: a global timeout would race with streaming responses, so only the
// time-to-headers is bounded.
func NewDispatcher(cfg FallbackConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	baseDelay := time.Duration(cfg.BaseDelayMs) * time.Millisecond
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	attemptTimeout := time.Duration(cfg.AttemptTimeoutSec) * time.Second
	if attemptTimeout <= 0 {
		attemptTimeout = DefaultAttemptTimeout
	}

	return &Dispatcher{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   5,
				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: attemptTimeout,
			},
		},
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		logger:     logger.With("component", "dispatch"),
		sleep:      sleepCtx,
	}
}

// Dispatch walks the route chain, primary first. Retryable failures back off
// and retry the same route; auth failures abandon the route immediately; a
// bad request aborts the whole dispatch since the payload is likely invalid
// for every provider. Exhaustion returns a DispatchFailure carrying the last
// classification — the caller must not retry further.
func (d *Dispatcher) Dispatch(ctx context.Context, plan RequestPlan) (*ProviderStream, error) {
	if len(plan.Routes) == 0 {
		return nil, ErrNoProviderConfigured
	}

	var last DispatchAttempt
	var lastErr error

	for _, route := range plan.Routes {
		req, err := BuildRequest(route, plan.SystemPrompt, plan.Turns, plan.MaxImageBytes)
		if err != nil {
			return nil, err
		}

	attempts:
		for attempt := 1; attempt <= d.maxRetries; attempt++ {
			start := time.Now()
			stream, attemptErr := d.attempt(ctx, req)
			elapsed := time.Since(start).Milliseconds()

			if attemptErr == nil {
				d.logger.Info("dispatch succeeded",
					"provider", route.Provider.ID,
					"model", route.Model,
					"attempt", attempt,
					"elapsed_ms", elapsed,
				)
				return stream, nil
			}
			lastErr = attemptErr

			kind := KindTransport
			retryAfterSec := 0
			if apierr, ok := attemptErr.(*apiError); ok {
				kind = classifyStatus(apierr.statusCode, apierr.body)
				retryAfterSec = apierr.retryAfterSec
			}
			last = DispatchAttempt{
				ProviderID:    route.Provider.ID,
				ModelID:       route.Model,
				AttemptNumber: attempt,
				Kind:          kind,
				ElapsedMs:     elapsed,
			}

			d.logger.Warn("dispatch attempt failed",
				"provider", last.ProviderID,
				"model", last.ModelID,
				"attempt", last.AttemptNumber,
				"kind", last.Kind.String(),
				"elapsed_ms", last.ElapsedMs,
				"error", attemptErr,
			)

			switch {
			case kind == KindBadRequest || kind == KindContentBlocked:
				// Fatal for the request as a whole: the payload will not get
				// better at another provider.
				if kind == KindContentBlocked {
					return nil, &DispatchFailure{Kind: kind, ProviderID: route.Provider.ID, Model: route.Model, Err: attemptErr}
				}
				return nil, &DispatchFailure{
					Kind:       KindBadRequest,
					ProviderID: route.Provider.ID,
					Model:      route.Model,
					Err:        fmt.Errorf("%w: %v", ErrBadRequest, attemptErr),
				}

			case kind == KindAuth:
				// Credentials do not improve with retrying: abandon the
				// remaining attempts on this provider and fail over.
				break attempts

			case kind.Retryable():
				if attempt == d.maxRetries {
					break attempts // provider exhausted, fail over
				}
				if err := d.sleep(ctx, d.backoff(kind, attempt, retryAfterSec)); err != nil {
					return nil, fmt.Errorf("dispatch cancelled during backoff: %w", err)
				}

			default:
				break attempts
			}
		}

		d.logger.Warn("provider exhausted, failing over",
			"provider", route.Provider.ID,
			"model", route.Model,
		)
	}

	return nil, &DispatchFailure{
		Kind:       last.Kind,
		ProviderID: last.ProviderID,
		Model:      last.ModelID,
		Err:        lastErr,
	}
}

// attempt issues one HTTP call. Non-2xx responses become *apiError so the
// caller can classify; transport failures pass through as-is.
func (d *Dispatcher) attempt(ctx context.Context, pr *ProviderRequest) (*ProviderStream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, pr.URL, bytes.NewReader(pr.Body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for k, vs := range pr.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		apierr := &apiError{statusCode: resp.StatusCode, body: string(body)}
		if resp.StatusCode == http.StatusTooManyRequests {
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if sec, err := strconv.Atoi(ra); err == nil && sec > 0 {
					apierr.retryAfterSec = sec
				}
			}
		}
		return nil, apierr
	}

	return &ProviderStream{
		Route:     pr.Route,
		Body:      resp.Body,
		Streaming: pr.Stream,
	}, nil
}

// backoff computes the delay before the next attempt on the same provider.
// attempt is 1-based. A Retry-After hint can only lengthen the wait.
func (d *Dispatcher) backoff(kind ErrorKind, attempt, retryAfterSec int) time.Duration {
	var delay time.Duration
	if kind == KindRateLimited {
		delay = d.baseDelay * time.Duration(attempt) * 2
	} else {
		delay = d.baseDelay * time.Duration(attempt)
	}
	if serverDelay := time.Duration(retryAfterSec) * time.Second; serverDelay > delay {
		delay = serverDelay
	}
	return delay
}

// sleepCtx waits for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
