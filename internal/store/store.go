// Package store implements the Context Store (C9): the thin policy layer
// over the durable KV that publishes a single key namespace for sessions,
// traces, stats, user-action errors, success responses, and metrics,
// built on Redis hash/list/sorted-set/TTL primitives.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dandantas/dispatchengine/internal/model"
)

// LogSink is the lazy logging interface the store receives at construction,
// inverting the cyclic import between logger and durable store: the store
// can report a persistence failure without importing the logging package's
// own store-backed appender.
type LogSink interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Store wraps a pooled Redis client.
type Store struct {
	rdb *redis.Client
	log LogSink
}

// Connect establishes the Redis connection, pings it, and wraps it.
func Connect(ctx context.Context, addr, password string, db int, log LogSink) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     100,
		MinIdleConns: 10,
		DialTimeout:  10 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Store{rdb: rdb, log: log}, nil
}

// Close disconnects the Redis client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping reports whether the store is reachable (used by the ambient
// /health endpoint).
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// RedisClient exposes the underlying pooled client so other durable
// components (the job queue's streams and consumer group) can share this
// store's single connection pool instead of opening their own.
func (s *Store) RedisClient() *redis.Client {
	return s.rdb
}

// --- session:<sessionId>, user:sessions:<ownerUserId> ---

func sessionKey(sessionID string) string { return "session:" + sessionID }
func userSessionsKey(ownerUserID string) string { return "user:sessions:" + ownerUserID }

// SaveSession writes the session JSON and refreshes its TTL.
func (s *Store) SaveSession(ctx context.Context, sess model.Session, ttl time.Duration) error {
	b, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, sessionKey(sess.SessionID), b, ttl)
	pipe.RPush(ctx, userSessionsKey(sess.OwnerUserID), sess.SessionID)
	_, err = pipe.Exec(ctx)
	if err != nil {
		s.warnSink("failed to save session", "session_id", sess.SessionID, "err", err)
	}
	return err
}

// GetSession reads a session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	b, err := s.rdb.Get(ctx, sessionKey(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sess model.Session
	if err := json.Unmarshal(b, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// --- apidata:<sessionId>:<reqId>, apirequests:<sessionId> ---

func traceKey(sessionID, reqID string) string { return "apidata:" + sessionID + ":" + reqID }
func tracesIndexKey(sessionID string) string  { return "apirequests:" + sessionID }

// SaveTrace stores the RequestTrace hash and pushes its reqId into the
// session's sorted set, keyed by wall-clock timestamp. The two writes are
// separately atomic — readers must tolerate a brief window where the
// index outruns the hash.
func (s *Store) SaveTrace(ctx context.Context, t model.RequestTrace) error {
	fields, err := traceToHash(t)
	if err != nil {
		return err
	}
	if err := s.rdb.HSet(ctx, traceKey(t.SessionID, t.ReqID), fields).Err(); err != nil {
		s.warnSink("failed to save request trace", "session_id", t.SessionID, "req_id", t.ReqID, "err", err)
		return err
	}
	err = s.rdb.ZAdd(ctx, tracesIndexKey(t.SessionID), redis.Z{
		Score:  float64(t.Timestamp.UnixMilli()),
		Member: t.ReqID,
	}).Err()
	if err != nil {
		s.warnSink("failed to index request trace", "session_id", t.SessionID, "req_id", t.ReqID, "err", err)
	}
	return err
}

func traceToHash(t model.RequestTrace) (map[string]interface{}, error) {
	reqHeaders, err := json.Marshal(t.ReqHeaders)
	if err != nil {
		return nil, err
	}
	respHeaders, err := json.Marshal(t.RespHeaders)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"traceId":      t.TraceID,
		"ts":           t.Timestamp.UnixMilli(),
		"url":          t.URL,
		"method":       t.Method,
		"reqHeaders":   string(reqHeaders),
		"reqBody":      t.ReqBody,
		"status":       t.Status,
		"respHeaders":  string(respHeaders),
		"respBody":     t.RespBody,
		"success":      boolToRedis(t.Success),
		"errorMessage": t.ErrorMessage,
		"timeMs":       t.TimeMs,
		"attempt":      t.Attempt,
		"isRetry":      boolToRedis(t.IsRetry),
	}, nil
}

func boolToRedis(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// --- apistats:<sessionId> ---

func statsKey(sessionID string) string { return "apistats:" + sessionID }

// IncrementStats applies the total/success-or-failure/status:<code>
// increments for one terminal outcome in a single pipelined round-trip,
// so a reader never observes total incremented without its status bucket.
func (s *Store) IncrementStats(ctx context.Context, sessionID string, success bool, statusCode int) error {
	pipe := s.rdb.TxPipeline()
	pipe.HIncrBy(ctx, statsKey(sessionID), "total", 1)
	if success {
		pipe.HIncrBy(ctx, statsKey(sessionID), "success", 1)
	} else {
		pipe.HIncrBy(ctx, statsKey(sessionID), "failure", 1)
	}
	pipe.HIncrBy(ctx, statsKey(sessionID), fmt.Sprintf("status:%d", statusCode), 1)
	_, err := pipe.Exec(ctx)
	if err != nil {
		s.warnSink("failed to increment session stats", "session_id", sessionID, "err", err)
	}
	return err
}

// GetStats reads the current SessionStats snapshot.
func (s *Store) GetStats(ctx context.Context, sessionID string) (model.SessionStats, error) {
	raw, err := s.rdb.HGetAll(ctx, statsKey(sessionID)).Result()
	if err != nil {
		return model.SessionStats{}, err
	}
	stats := model.SessionStats{Status: map[string]int64{}}
	for k, v := range raw {
		var n int64
		fmt.Sscanf(v, "%d", &n)
		switch k {
		case "total":
			stats.Total = n
		case "success":
			stats.Success = n
		case "failure":
			stats.Failure = n
		default:
			stats.Status[k] = n
		}
	}
	return stats, nil
}

// --- userActionError:<errorId>, userActionErrors:<sessionId> (TTL 24h) ---

const userActionTTL = 24 * time.Hour

func userActionErrorKey(errorID string) string      { return "userActionError:" + errorID }
func userActionErrorsIndex(sessionID string) string { return "userActionErrors:" + sessionID }

// SaveUserActionError persists the terminal REQUIRES_USER_ACTION error and
// appends its id to the session's index, both refreshed to 24h TTL.
func (s *Store) SaveUserActionError(ctx context.Context, e model.UserActionError) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, userActionErrorKey(e.ErrorID), b, userActionTTL)
	pipe.RPush(ctx, userActionErrorsIndex(e.SessionID), e.ErrorID)
	pipe.Expire(ctx, userActionErrorsIndex(e.SessionID), userActionTTL)
	_, err = pipe.Exec(ctx)
	if err != nil {
		s.warnSink("failed to save user action error", "session_id", e.SessionID, "error_id", e.ErrorID, "err", err)
	}
	return err
}

// --- successResponse:<responseId>, successResponses:<sessionId> (TTL 24h) ---

func successResponseKey(responseID string) string      { return "successResponse:" + responseID }
func successResponsesIndex(sessionID string) string    { return "successResponses:" + sessionID }

// SaveSuccessResponse persists a terminal success outcome.
func (s *Store) SaveSuccessResponse(ctx context.Context, r model.SuccessResponse) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, successResponseKey(r.ResponseID), b, userActionTTL)
	pipe.RPush(ctx, successResponsesIndex(r.SessionID), r.ResponseID)
	pipe.Expire(ctx, successResponsesIndex(r.SessionID), userActionTTL)
	_, err = pipe.Exec(ctx)
	if err != nil {
		s.warnSink("failed to save success response", "session_id", r.SessionID, "response_id", r.ResponseID, "err", err)
	}
	return err
}

// --- metrics:recordErrors ---

// BumpRecordError increments metrics:recordErrors["<url>:<code>"] and
// records the last error's details.
func (s *Store) BumpRecordError(ctx context.Context, url string, code int, detail string) error {
	field := fmt.Sprintf("%s:%d", url, code)
	pipe := s.rdb.TxPipeline()
	pipe.HIncrBy(ctx, "metrics:recordErrors", field, 1)
	pipe.HSet(ctx, "metrics:recordErrors", "lastError", field)
	pipe.HSet(ctx, "metrics:recordErrors", "lastErrorDetails", detail)
	_, err := pipe.Exec(ctx)
	if err != nil {
		s.warnSink("failed to bump record error metric", "url", url, "code", code, "err", err)
	}
	return err
}

// --- metrics:errorTimestamps (trim to last 100) ---

// PushErrorTimestamp appends now (ms) to the durable error-timestamp list
// and trims it to the last 100 entries. This is the durable half of the
// error-rate signal; the Metrics Aggregator's ErrorRate combines it with its
// in-memory window.
func (s *Store) PushErrorTimestamp(ctx context.Context, ts time.Time) error {
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, "metrics:errorTimestamps", ts.UnixMilli())
	pipe.LTrim(ctx, "metrics:errorTimestamps", -100, -1)
	_, err := pipe.Exec(ctx)
	if err != nil {
		s.warnSink("failed to push error timestamp", "err", err)
	}
	return err
}

// DurableErrorTimestamps reads the durable error-timestamp list.
func (s *Store) DurableErrorTimestamps(ctx context.Context) ([]int64, error) {
	vals, err := s.rdb.LRange(ctx, "metrics:errorTimestamps", 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(vals))
	for _, v := range vals {
		var n int64
		fmt.Sscanf(v, "%d", &n)
		out = append(out, n)
	}
	return out, nil
}

// --- metrics:rateLimiter, metrics:circuitBreaker, metrics:apiPerformance, metrics:endpoints ---

// PublishRateLimiterState writes C1's tunable settings for observability.
func (s *Store) PublishRateLimiterState(ctx context.Context, maxConcurrent int, minTime time.Duration, errorRate, avgResponseTime float64) error {
	err := s.rdb.HSet(ctx, "metrics:rateLimiter", map[string]interface{}{
		"maxConcurrent":   maxConcurrent,
		"minTime":         minTime.Milliseconds(),
		"errorRate":       errorRate,
		"avgResponseTime": avgResponseTime,
		"lastUpdated":     time.Now().UnixMilli(),
	}).Err()
	if err != nil {
		s.warnSink("failed to publish rate limiter state", "err", err)
	}
	return err
}

// PublishCircuitBreaker mirrors the process-wide breaker for cross-process
// visibility (never control — the breaker remains process-local).
func (s *Store) PublishCircuitBreaker(ctx context.Context, cb model.CircuitBreakerState) error {
	snapshot := map[string]interface{}{
		"lastTripped":  cb.LastTripped.UnixMilli(),
		"reason":       cb.Reason,
		"resetTimeout": cb.ResetTimeout.Milliseconds(),
		"metrics":      cb.MetricsSnapshot,
	}
	err := s.rdb.HSet(ctx, "metrics:circuitBreaker", snapshot).Err()
	if err != nil {
		s.warnSink("failed to publish circuit breaker state", "reason", cb.Reason, "err", err)
	}
	return err
}

// PublishAPIPerformance writes C6's rolling summary.
func (s *Store) PublishAPIPerformance(ctx context.Context, avgResponseTime float64, callsLastMinute int, statusCodes string) error {
	err := s.rdb.HSet(ctx, "metrics:apiPerformance", map[string]interface{}{
		"avgResponseTime": avgResponseTime,
		"callsLastMinute": callsLastMinute,
		"timestamp":       time.Now().UnixMilli(),
		"statusCodes":     statusCodes,
	}).Err()
	if err != nil {
		s.warnSink("failed to publish API performance", "err", err)
	}
	return err
}

// PublishEndpointPattern records per-urlPattern rolling average time.
func (s *Store) PublishEndpointPattern(ctx context.Context, urlPattern string, avgTime float64, calls int) error {
	payload, err := json.Marshal(map[string]interface{}{
		"avgTime":     avgTime,
		"calls":       calls,
		"lastUpdated": time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	err = s.rdb.HSet(ctx, "metrics:endpoints", urlPattern, payload).Err()
	if err != nil {
		s.warnSink("failed to publish endpoint pattern", "url_pattern", urlPattern, "err", err)
	}
	return err
}

// --- metrics:<jobId>, worker:globalMetrics:<workerId> ---

// SaveJobMetrics writes the terminal job-level hash once a job completes.
func (s *Store) SaveJobMetrics(ctx context.Context, jobID string, success, failure, total int) error {
	err := s.rdb.HSet(ctx, "metrics:"+jobID, map[string]interface{}{
		"successCount": success,
		"failureCount": failure,
		"totalRecords": total,
		"completedAt":  time.Now().UnixMilli(),
	}).Err()
	if err != nil {
		s.warnSink("failed to save job metrics", "job_id", jobID, "err", err)
	}
	return err
}

// SaveWorkerMetrics overwrites worker:globalMetrics:<workerId>.
func (s *Store) SaveWorkerMetrics(ctx context.Context, m model.WorkerMetrics) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	err = s.rdb.Set(ctx, "worker:globalMetrics:"+m.WorkerID, b, 0).Err()
	if err != nil {
		s.warnSink("failed to save worker metrics", "worker_id", m.WorkerID, "err", err)
	}
	return err
}

// --- logs:<sessionId> (TTL 24h) ---

// AppendLog pushes a JSON log entry to the session's durable log list.
func (s *Store) AppendLog(ctx context.Context, sessionID string, entry map[string]interface{}) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	key := "logs:" + sessionID
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, b)
	pipe.Expire(ctx, key, userActionTTL)
	_, err = pipe.Exec(ctx)
	if err != nil {
		s.warnSink("failed to append log entry", "session_id", sessionID, "err", err)
	}
	return err
}

// warnSink reports a persistence failure through the injected LogSink,
// so every Save*/Publish*/Increment*/Bump*/Push*/Append* method above is
// observable even when its caller discards the returned error.
func (s *Store) warnSink(msg string, args ...any) {
	if s.log != nil {
		s.log.Warn(msg, args...)
	}
}
