package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/dandantas/dispatchengine/internal/model"
)

func setupMiniredis(t *testing.T) *Store {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	st, err := Connect(context.Background(), mr.Addr(), "", 0, nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	return st
}

func TestSaveAndGetSession(t *testing.T) {
	st := setupMiniredis(t)
	ctx := context.Background()

	sess := model.Session{
		SessionID:   "sess-1",
		APIURL:      "https://api.example.com/members",
		Auth:        model.Auth{UserID: "u1", APIKey: "k1"},
		CreatedAt:   time.Now().UTC(),
		OwnerUserID: "owner-1",
	}

	if err := st.SaveSession(ctx, sess, time.Hour); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	got, err := st.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got == nil {
		t.Fatal("GetSession() = nil, want the saved session")
	}
	if got.APIURL != sess.APIURL {
		t.Errorf("APIURL = %q, want %q", got.APIURL, sess.APIURL)
	}
	if got.Auth.UserID != "u1" {
		t.Errorf("Auth.UserID = %q, want %q", got.Auth.UserID, "u1")
	}
}

func TestGetSessionMissingReturnsNil(t *testing.T) {
	st := setupMiniredis(t)

	got, err := st.GetSession(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("GetSession() error = %v, want nil", err)
	}
	if got != nil {
		t.Errorf("GetSession() = %v, want nil for a missing session", got)
	}
}

func TestIncrementStatsAndGetStats(t *testing.T) {
	st := setupMiniredis(t)
	ctx := context.Background()

	if err := st.IncrementStats(ctx, "sess-1", true, 200); err != nil {
		t.Fatalf("IncrementStats() error = %v", err)
	}
	if err := st.IncrementStats(ctx, "sess-1", false, 500); err != nil {
		t.Fatalf("IncrementStats() error = %v", err)
	}

	stats, err := st.GetStats(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetStats() error = %v", err)
	}
	if stats.Total != 2 {
		t.Errorf("Total = %d, want 2", stats.Total)
	}
	if stats.Success != 1 {
		t.Errorf("Success = %d, want 1", stats.Success)
	}
	if stats.Failure != 1 {
		t.Errorf("Failure = %d, want 1", stats.Failure)
	}
	if stats.Status["status:200"] != 1 {
		t.Errorf("Status[status:200] = %d, want 1", stats.Status["status:200"])
	}
}

func TestPushErrorTimestampTrimsToLast100(t *testing.T) {
	st := setupMiniredis(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 110; i++ {
		if err := st.PushErrorTimestamp(ctx, base.Add(time.Duration(i)*time.Millisecond)); err != nil {
			t.Fatalf("PushErrorTimestamp() error = %v", err)
		}
	}

	ts, err := st.DurableErrorTimestamps(ctx)
	if err != nil {
		t.Fatalf("DurableErrorTimestamps() error = %v", err)
	}
	if len(ts) != 100 {
		t.Errorf("len(timestamps) = %d, want 100 after trimming", len(ts))
	}
}

func TestSaveUserActionErrorPersists(t *testing.T) {
	st := setupMiniredis(t)
	ctx := context.Background()

	e := model.UserActionError{
		ErrorID:    "err-1",
		SessionID:  "sess-1",
		JobID:      "job-1",
		Timestamp:  time.Now().UTC(),
		StatusCode: 403,
		Category:   model.CategoryRequiresUserAction,
		Message:    "missing permission",
	}
	if err := st.SaveUserActionError(ctx, e); err != nil {
		t.Fatalf("SaveUserActionError() error = %v", err)
	}
}

func TestPingReportsHealth(t *testing.T) {
	st := setupMiniredis(t)
	if err := st.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v, want nil for a live store", err)
	}
}

func TestRedisClientIsSharable(t *testing.T) {
	st := setupMiniredis(t)
	if st.RedisClient() == nil {
		t.Error("RedisClient() = nil, want the underlying pooled client")
	}
}

type recordingSink struct {
	warnings []string
}

func (r *recordingSink) Warn(msg string, args ...any) { r.warnings = append(r.warnings, msg) }
func (r *recordingSink) Error(msg string, args ...any) { r.warnings = append(r.warnings, msg) }

func TestPersistenceFailureLogsThroughTheInjectedSink(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	sink := &recordingSink{}
	st, err := Connect(context.Background(), mr.Addr(), "", 0, sink)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	mr.Close() // sever the connection so every subsequent call fails

	ctx := context.Background()
	_ = st.SaveSession(ctx, model.Session{SessionID: "sess-1"}, time.Hour)
	_ = st.IncrementStats(ctx, "sess-1", true, 200)
	_ = st.PushErrorTimestamp(ctx, time.Now().UTC())

	if len(sink.warnings) < 3 {
		t.Errorf("len(sink.warnings) = %d, want at least 3 after 3 failed persistence calls", len(sink.warnings))
	}
}
