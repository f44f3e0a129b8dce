package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/dandantas/dispatchengine/internal/breaker"
	"github.com/dandantas/dispatchengine/internal/httpexec"
	"github.com/dandantas/dispatchengine/internal/metrics"
	"github.com/dandantas/dispatchengine/internal/model"
	"github.com/dandantas/dispatchengine/internal/ratelimit"
	"github.com/dandantas/dispatchengine/internal/store"
)

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	st, err := store.Connect(context.Background(), mr.Addr(), "", 0, nil)
	if err != nil {
		t.Fatalf("store.Connect() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	limiter := ratelimit.New()
	cb := breaker.New(time.Minute)
	agg := metrics.New(st)

	return New(limiter, httpexec.New(), cb, st, agg)
}

func testSession(apiURL string) model.Session {
	return model.Session{
		SessionID: "sess-1",
		APIURL:    apiURL,
		Auth:      model.Auth{UserID: "u1", APIKey: "k1"},
	}
}

func TestProcessRecordSucceedsOnFirstAttempt(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	p := newTestPipeline(t)
	outcome, err := p.ProcessRecord(context.Background(), testSession(srv.URL), "job-1", model.Record{MemberID: "m1", RequestID: "r1"})
	if err != nil {
		t.Fatalf("ProcessRecord() error = %v", err)
	}
	if !outcome.Success {
		t.Error("outcome.Success = false, want true")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("server received %d calls, want 1", calls)
	}
}

func TestProcessRecordTerminatesOn4xxWithoutRetrying(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"errors":["invalid payload"]}`))
	}))
	defer srv.Close()

	p := newTestPipeline(t)
	outcome, err := p.ProcessRecord(context.Background(), testSession(srv.URL), "job-1", model.Record{MemberID: "m1", RequestID: "r1"})
	if err != nil {
		t.Fatalf("ProcessRecord() error = %v", err)
	}
	if outcome.Success {
		t.Error("outcome.Success = true, want false for a 400")
	}
	if outcome.Category != model.CategoryRequiresUserAction {
		t.Errorf("outcome.Category = %v, want REQUIRES_USER_ACTION", outcome.Category)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("server received %d calls, want exactly 1 (no retry on a non-retryable 4xx)", calls)
	}
}

func TestProcessRecordTerminatesOn5xxWithoutRetrying(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := newTestPipeline(t)
	outcome, err := p.ProcessRecord(context.Background(), testSession(srv.URL), "job-1", model.Record{MemberID: "m1", RequestID: "r1"})
	if err != nil {
		t.Fatalf("ProcessRecord() error = %v", err)
	}
	if outcome.Success {
		t.Error("outcome.Success = true, want false for a 503")
	}
	if outcome.Category != model.CategorySystemError {
		t.Errorf("outcome.Category = %v, want SYSTEM_ERROR", outcome.Category)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("server received %d calls, want exactly 1 (SYSTEM_ERROR is not retryable)", calls)
	}
}

func TestProcessRecordRetriesOn429ThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := newTestPipeline(t)
	outcome, err := p.ProcessRecord(context.Background(), testSession(srv.URL), "job-1", model.Record{MemberID: "m1", RequestID: "r1"})
	if err != nil {
		t.Fatalf("ProcessRecord() error = %v", err)
	}
	if !outcome.Success {
		t.Error("outcome.Success = false, want true after a retried 429")
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("server received %d calls, want 2", calls)
	}
}

func TestProcessRecordHonorsOpenBreaker(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := newTestPipeline(t)
	p.breaker.Trip("system health below threshold")

	_, err := p.ProcessRecord(context.Background(), testSession(srv.URL), "job-1", model.Record{MemberID: "m1", RequestID: "r1"})
	if err == nil {
		t.Fatal("ProcessRecord() error = nil, want an error while the breaker is open")
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Errorf("server received %d calls, want 0 while the breaker is open", calls)
	}
}

func TestAuthHeadersEncodesBasicAuth(t *testing.T) {
	headers := authHeaders(model.Auth{UserID: "alice", APIKey: "secret"})

	if headers["X-User-Id"] != "alice" {
		t.Errorf("X-User-Id = %q, want %q", headers["X-User-Id"], "alice")
	}
	want := "Basic YWxpY2U6c2VjcmV0" // base64("alice:secret")
	if headers["Authorization"] != want {
		t.Errorf("Authorization = %q, want %q", headers["Authorization"], want)
	}
}
