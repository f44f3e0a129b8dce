// Package pipeline implements the Record Pipeline (C5): the per-record
// flow from circuit-breaker gate check through rate-limited dispatch,
// retry-with-backoff, classification, and durable persistence of the
// resulting trace and terminal artifact.
package pipeline

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dandantas/dispatchengine/internal/breaker"
	"github.com/dandantas/dispatchengine/internal/classify"
	"github.com/dandantas/dispatchengine/internal/httpexec"
	"github.com/dandantas/dispatchengine/internal/metrics"
	"github.com/dandantas/dispatchengine/internal/model"
	"github.com/dandantas/dispatchengine/internal/ratelimit"
	"github.com/dandantas/dispatchengine/internal/store"
)

const maxAttempts = 4

// Pipeline wires the rate limiter, executor, classifier, breaker, metrics,
// and store into a single per-record dispatch routine.
type Pipeline struct {
	limiter *ratelimit.Limiter
	exec    *httpexec.Executor
	breaker *breaker.Breaker
	store   *store.Store
	metrics *metrics.Aggregator
}

// New builds a Pipeline from its already-constructed collaborators.
func New(limiter *ratelimit.Limiter, exec *httpexec.Executor, cb *breaker.Breaker, st *store.Store, agg *metrics.Aggregator) *Pipeline {
	return &Pipeline{limiter: limiter, exec: exec, breaker: cb, store: st, metrics: agg}
}

// Outcome is what ProcessRecord resolves to: the terminal classification
// plus whether the record ultimately succeeded.
type Outcome struct {
	Success  bool
	Category model.Category
	Result   classify.Result
}

// ProcessRecord dispatches one record against the session's target API,
// retrying on transient failures, and persists every attempt's trace plus
// the terminal UserActionError/SuccessResponse artifact.
func (p *Pipeline) ProcessRecord(ctx context.Context, sess model.Session, jobID string, rec model.Record) (Outcome, error) {
	if !p.breaker.CanAttempt() {
		return Outcome{}, fmt.Errorf("Circuit breaker active: %s", p.breaker.Reason())
	}

	headers := authHeaders(sess.Auth)
	headers["Content-Type"] = "application/json"
	headers["User-Agent"] = "POC-Excel-Formatter/1.0"
	headers["X-Correlation-Id"] = uuid.NewString()

	var lastResult classify.Result
	var originalTraceID string

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		timeout := httpexec.TimeoutForAttempt(attempt - 1)

		var resp *httpexec.Response
		var execErr error
		err := p.limiter.Schedule(ctx, func() error {
			resp, execErr = p.exec.Do(ctx, sess.APIURL, http.MethodPost, rec.Raw, headers, timeout)
			return nil
		})
		if err != nil {
			return Outcome{}, err
		}

		result := classify.Classify(resp, execErr)
		lastResult = result

		traceID := uuid.NewString()
		if originalTraceID == "" {
			originalTraceID = traceID
		}
		p.saveTrace(ctx, sess.SessionID, rec.RequestID, traceID, originalTraceID, attempt, resp, result)
		var durationMs int64
		if resp != nil {
			durationMs = resp.DurationMs
		}
		p.recordStats(ctx, sess, result, durationMs)

		if result.RawError == nil && result.StatusCode >= 200 && result.StatusCode < 300 {
			p.saveSuccess(ctx, sess, jobID, rec, resp)
			return Outcome{Success: true, Result: result}, nil
		}

		if !p.shouldRetry(attempt, result) {
			p.terminal(ctx, sess, jobID, rec, result)
			return Outcome{Success: false, Category: result.Category, Result: result}, nil
		}

		delay := p.retryDelay(attempt, resp)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
	}

	p.terminal(ctx, sess, jobID, rec, lastResult)
	return Outcome{Success: false, Category: lastResult.Category, Result: lastResult}, nil
}

// shouldRetry mirrors the retry strategy's status/error decision tree:
// retry only on TEMPORARY_FAILURE (429) and NETWORK_ERROR; SYSTEM_ERROR and
// every other category terminate on first classification; never past
// maxAttempts.
func (p *Pipeline) shouldRetry(attempt int, r classify.Result) bool {
	if attempt >= maxAttempts {
		return false
	}
	return r.CanRetry
}

// retryDelay honors a Retry-After header (integer seconds or HTTP-date,
// floored at 1s) and otherwise falls back to exponential backoff.
func (p *Pipeline) retryDelay(attempt int, resp *httpexec.Response) time.Duration {
	if resp != nil {
		if ra, ok := resp.Headers["Retry-After"]; ok && ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				d := time.Duration(secs) * time.Second
				if d < time.Second {
					d = time.Second
				}
				return d
			}
			if t, err := http.ParseTime(ra); err == nil {
				d := time.Until(t)
				if d < time.Second {
					d = time.Second
				}
				return d
			}
		}
	}
	delayMs := 1000.0
	for i := 1; i < attempt; i++ {
		delayMs *= 2
	}
	if delayMs > 8000 {
		delayMs = 8000
	}
	return time.Duration(delayMs) * time.Millisecond
}

func (p *Pipeline) saveTrace(ctx context.Context, sessionID, reqID, traceID, originalTraceID string, attempt int, resp *httpexec.Response, r classify.Result) {
	trace := model.RequestTrace{
		TraceID:         traceID,
		SessionID:       sessionID,
		ReqID:           reqID,
		Timestamp:       time.Now().UTC(),
		Method:          http.MethodPost,
		Status:          r.StatusCode,
		Success:         r.RawError == nil && r.StatusCode >= 200 && r.StatusCode < 300,
		ErrorMessage:    r.Message,
		Attempt:         attempt,
		IsRetry:         attempt > 1,
		OriginalTraceID: originalTraceID,
	}
	if resp != nil {
		trace.RespHeaders = resp.Headers
		trace.RespBody = string(resp.Body)
		trace.TimeMs = resp.DurationMs
	}
	if err := p.store.SaveTrace(ctx, trace); err != nil {
		slog.Warn("failed to save request trace", "session_id", sessionID, "req_id", reqID, "err", err)
	}
}

func (p *Pipeline) recordStats(ctx context.Context, sess model.Session, r classify.Result, durationMs int64) {
	success := r.RawError == nil && r.StatusCode >= 200 && r.StatusCode < 300
	if err := p.store.IncrementStats(ctx, sess.SessionID, success, r.StatusCode); err != nil {
		slog.Warn("failed to increment session stats", "session_id", sess.SessionID, "err", err)
	}
	now := time.Now().UTC()
	if !success {
		if err := p.store.PushErrorTimestamp(ctx, now); err != nil {
			slog.Warn("failed to push error timestamp", "err", err)
		}
	}
	if p.metrics != nil {
		p.metrics.Observe(sess.APIURL, r.StatusCode, durationMs, !success, now)
	}
}

func (p *Pipeline) saveSuccess(ctx context.Context, sess model.Session, jobID string, rec model.Record, resp *httpexec.Response) {
	sr := model.SuccessResponse{
		ResponseID: uuid.NewString(),
		SessionID:  sess.SessionID,
		JobID:      jobID,
		Timestamp:  time.Now().UTC(),
		Record:     rec,
	}
	if resp != nil {
		sr.StatusCode = resp.Status
		sr.Headers = resp.Headers
		sr.Data = string(resp.Body)
		sr.DurationMs = resp.DurationMs
	}
	if err := p.store.SaveSuccessResponse(ctx, sr); err != nil {
		slog.Warn("failed to save success response", "session_id", sess.SessionID, "err", err)
	}
}

func (p *Pipeline) terminal(ctx context.Context, sess model.Session, jobID string, rec model.Record, r classify.Result) {
	if r.StatusCode == http.StatusTooManyRequests || r.StatusCode >= 500 {
		if err := p.store.BumpRecordError(ctx, sess.APIURL, r.StatusCode, r.Message); err != nil {
			slog.Warn("failed to bump record error metric", "err", err)
		}
	}

	if r.Category != model.CategoryRequiresUserAction {
		return
	}

	uae := model.UserActionError{
		ErrorID:            uuid.NewString(),
		SessionID:          sess.SessionID,
		JobID:              jobID,
		Timestamp:          time.Now().UTC(),
		StatusCode:         r.StatusCode,
		Category:           r.Category,
		Message:            r.Message,
		ValidationErrors:   r.ValidationErrors,
		PermissionInfo:     r.PermissionInfo,
		UserActionGuidance: r.UserActionGuidance,
		Record:             rec,
	}
	if err := p.store.SaveUserActionError(ctx, uae); err != nil {
		slog.Warn("failed to save user action error", "session_id", sess.SessionID, "err", err)
	}
}

func authHeaders(a model.Auth) map[string]string {
	basic := a.UserID + ":" + a.APIKey
	return map[string]string{
		"Authorization": "Basic " + base64.StdEncoding.EncodeToString([]byte(basic)),
		"X-User-Id":     a.UserID,
	}
}
