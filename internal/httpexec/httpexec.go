// Package httpexec implements the HTTP Executor (C2): a single outbound
// request with timeout scaling, response-time/status capture, and lowering
// of 5xx into a structured error so the caller can always classify.
package httpexec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	baseTimeout     = 10 * time.Second
	perAttemptBump  = 5 * time.Second
	maxTimeout      = 30 * time.Second
	maxResponseBody = 1024 * 1024
)

// Response is what C2 returns on a completed round trip, 2xx-4xx alike.
type Response struct {
	Status     int
	Headers    map[string]string
	Body       []byte
	DurationMs int64
}

// Error carries enough transport/response context for the classifier (C3)
// to do its job without re-inspecting a generic error value.
type Error struct {
	Err        error // non-nil for network/timeout failures
	Status     int   // non-zero for 5xx responses raised as errors
	Headers    map[string]string
	Body       []byte
	DurationMs int64
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("server error: status %d", e.Status)
}

// Executor performs a single outbound request over a shared, connection-pooling
// *http.Client.
type Executor struct {
	client *http.Client
}

// New builds an Executor with a connection-pooling transport.
func New() *Executor {
	return &Executor{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// TimeoutForAttempt grows the per-attempt timeout by 5s per retry on top of
// a 10s base, capped at 30s.
func TimeoutForAttempt(attempt int) time.Duration {
	t := baseTimeout + time.Duration(attempt)*perAttemptBump
	if t > maxTimeout {
		return maxTimeout
	}
	return t
}

// Do performs url/method/body/headers within timeout. Statuses >= 500 are
// raised as *Error; everything else (including 4xx) is returned as a
// Response so the Record Pipeline can classify it.
func (e *Executor) Do(ctx context.Context, url, method string, body []byte, headers map[string]string, timeout time.Duration) (*Response, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, url, bodyReader)
	if err != nil {
		return nil, &Error{Err: err, DurationMs: time.Since(start).Milliseconds()}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	duration := time.Since(start).Milliseconds()
	if err != nil {
		return nil, &Error{Err: err, DurationMs: duration}
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	duration = time.Since(start).Milliseconds()
	if err != nil {
		return nil, &Error{Err: err, DurationMs: duration}
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	if resp.StatusCode >= 500 {
		return nil, &Error{Status: resp.StatusCode, Headers: respHeaders, Body: bodyBytes, DurationMs: duration}
	}

	return &Response{
		Status:     resp.StatusCode,
		Headers:    respHeaders,
		Body:       bodyBytes,
		DurationMs: duration,
	}, nil
}
