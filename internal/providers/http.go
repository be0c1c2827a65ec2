package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	// maxTransportRetries bounds in-adapter retries of pre-header transport
	// failures. Once headers are in, no in-adapter retry happens.
	maxTransportRetries = 3

	retryBaseDelay = 100 * time.Millisecond
)

// DoRequest sends a POST with a JSON payload and returns the response body.
// It handles marshaling, header setting (Content-Type plus caller headers),
// request-ID forwarding, trace propagation, and error responses (StatusError
// with Retry-After parsing). Transport-level failures are retried with
// exponential backoff and jitter; upstream status errors are not.
func DoRequest(ctx context.Context, client *http.Client, url string, payload any, headers map[string]string) ([]byte, error) {
	ctx, span := otel.Tracer("modelrelay.providers").Start(ctx, "provider.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.url", url)),
	)
	defer span.End()

	jsonData, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal failed")
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	operation := func() ([]byte, error) {
		req, err := newJSONRequest(ctx, url, jsonData, headers)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			// Pre-header transport failure: retryable.
			return nil, fmt.Errorf("request failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("read response: %w", err))
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			se := &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
			se.ParseRetryAfter(resp.Header.Get("Retry-After"))
			return nil, backoff.Permanent(error(se))
		}
		return body, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryBaseDelay
	body, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(maxTransportRetries),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return body, nil
}

// DoStreamRequest sends a POST with a JSON payload and returns the raw
// response body for streaming consumption. The caller must close the
// returned ReadCloser; closing it ends the span and releases the connection.
// The client's Timeout is ignored for streams (it would bound the whole
// body); deadlines come from ctx.
func DoStreamRequest(ctx context.Context, client *http.Client, url string, payload any, headers map[string]string) (io.ReadCloser, error) {
	ctx, span := otel.Tracer("modelrelay.providers").Start(ctx, "provider.stream",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.url", url)),
	)

	jsonData, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal failed")
		span.End()
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	streamClient := *client
	streamClient.Timeout = 0

	operation := func() (*http.Response, error) {
		req, err := newJSONRequest(ctx, url, jsonData, headers)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Accept", "text/event-stream")
		resp, err := streamClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			body, readErr := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
			_ = resp.Body.Close()
			if readErr != nil {
				return nil, backoff.Permanent(fmt.Errorf("read error response: %w", readErr))
			}
			se := &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
			se.ParseRetryAfter(resp.Header.Get("Retry-After"))
			return nil, backoff.Permanent(error(se))
		}
		return resp, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryBaseDelay
	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(maxTransportRetries),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	span.SetStatus(codes.Ok, "")
	return &spanCloser{ReadCloser: resp.Body, span: span}, nil
}

func newJSONRequest(ctx context.Context, url string, body []byte, headers map[string]string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if reqID := GetRequestID(ctx); reqID != "" {
		req.Header.Set("X-Request-ID", reqID)
	}
	// Propagate W3C trace context (traceparent/tracestate) to the provider.
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	return req, nil
}

// DoGet issues a GET (model listings) with the same header and error
// conventions as DoRequest, without retry.
func DoGet(ctx context.Context, client *http.Client, url string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		se.ParseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, se
	}
	return body, nil
}

// spanCloser wraps an io.ReadCloser and ends the associated span on Close.
type spanCloser struct {
	io.ReadCloser
	span trace.Span
}

func (sc *spanCloser) Close() error {
	err := sc.ReadCloser.Close()
	sc.span.End()
	return err
}
