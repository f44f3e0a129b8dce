package pool

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSubmitReturnsValue(t *testing.T) {
	p := New(2)
	defer p.Stop()

	v, err := p.Submit(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Submit() error = %v, want nil", err)
	}
	if v != 42 {
		t.Errorf("Submit() value = %v, want 42", v)
	}
}

func TestSubmitPropagatesTaskError(t *testing.T) {
	p := New(2)
	defer p.Stop()

	wantErr := errors.New("task failed")
	_, err := p.Submit(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		return nil, wantErr
	})
	if err != wantErr {
		t.Errorf("Submit() error = %v, want %v", err, wantErr)
	}
}

func TestSubmitRecoversPanic(t *testing.T) {
	p := New(2)
	defer p.Stop()

	_, err := p.Submit(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		panic("boom")
	})
	if err == nil {
		t.Fatal("Submit() error = nil, want a recovered-panic error")
	}
}

func TestSubmitAfterStopReturnsErrShutdown(t *testing.T) {
	p := New(2)
	p.Stop()

	_, err := p.Submit(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	if err != ErrShutdown {
		t.Errorf("Submit() error after Stop = %v, want ErrShutdown", err)
	}
}

func TestBatchProcessPreservesOrder(t *testing.T) {
	p := New(4)
	defer p.Stop()

	results := p.BatchProcess(context.Background(), "test", 10, func(ctx context.Context, i int) (interface{}, error) {
		time.Sleep(time.Duration(10-i) * time.Millisecond)
		return i, nil
	})

	if len(results) != 10 {
		t.Fatalf("len(results) = %d, want 10", len(results))
	}
	for i, r := range results {
		if !r.Success {
			t.Errorf("results[%d].Success = false, want true", i)
		}
		if r.Value != i {
			t.Errorf("results[%d].Value = %v, want %d (order must match input index)", i, r.Value, i)
		}
	}
}

func TestBatchProcessSettlesEveryItemEvenOnError(t *testing.T) {
	p := New(2)
	defer p.Stop()

	results := p.BatchProcess(context.Background(), "test", 4, func(ctx context.Context, i int) (interface{}, error) {
		if i%2 == 0 {
			return nil, errors.New("even index failed")
		}
		return i, nil
	})

	if len(results) != 4 {
		t.Fatalf("len(results) = %d, want 4", len(results))
	}
	for i, r := range results {
		if i%2 == 0 && r.Success {
			t.Errorf("results[%d].Success = true, want false", i)
		}
		if i%2 == 1 && !r.Success {
			t.Errorf("results[%d].Success = false, want true", i)
		}
	}
}

func TestStopIsIdempotent(t *testing.T) {
	p := New(2)
	p.Stop()
	p.Stop() // must not panic or block
}

func TestQueueLengthReflectsBacklog(t *testing.T) {
	p := New(1)
	defer p.Stop()

	block := make(chan struct{})
	go p.Submit(context.Background(), "blocker", func(ctx context.Context) (interface{}, error) {
		<-block
		return nil, nil
	})

	// Give the sole worker time to pick up the blocking task.
	time.Sleep(10 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		p.Submit(context.Background(), "queued", func(ctx context.Context) (interface{}, error) {
			return nil, nil
		})
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	if p.QueueLength() < 1 {
		t.Errorf("QueueLength() = %d, want at least 1 while the worker is busy", p.QueueLength())
	}

	close(block)
	<-done
}
