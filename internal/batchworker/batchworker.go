// Package batchworker implements the Batch Worker (C8): it dequeues jobs,
// loads the owning session, fans its records out through the Worker Pool
// in fixed sub-batches via the Record Pipeline, reports progress, and
// records terminal job metrics.
package batchworker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dandantas/dispatchengine/internal/config"
	"github.com/dandantas/dispatchengine/internal/model"
	"github.com/dandantas/dispatchengine/internal/pipeline"
	"github.com/dandantas/dispatchengine/internal/pool"
	"github.com/dandantas/dispatchengine/internal/queue"
	"github.com/dandantas/dispatchengine/internal/store"
)

const maxProgressHistory = 20

// sessionLoader is the subset of *store.Store the worker needs; named so
// tests can substitute a stub.
type sessionLoader interface {
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
}

// Worker consumes jobs from the queue at a controller-tuned width C.
type Worker struct {
	id       string
	cfg      *config.Config
	queue    *queue.Queue
	pipeline *pipeline.Pipeline
	pool     *pool.Pool
	store    *store.Store
	sessions sessionLoader

	mu          sync.Mutex
	width       int
	sem         chan struct{}
	controllerStatus string

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Worker at the given initial width C.
func New(cfg *config.Config, q *queue.Queue, p *pipeline.Pipeline, wp *pool.Pool, st *store.Store, initialWidth int) *Worker {
	id, err := os.Hostname()
	if err != nil {
		id = uuid.NewString()
	}
	w := &Worker{
		id:       id,
		cfg:      cfg,
		queue:    q,
		pipeline: p,
		pool:     wp,
		store:    st,
		sessions: st,
		width:    initialWidth,
		sem:      make(chan struct{}, initialWidth),
		stopCh:   make(chan struct{}),
	}
	return w
}

// Resize changes the job-handling width C. In-flight jobs are unaffected;
// the new width governs only future admissions.
func (w *Worker) Resize(newSize int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if newSize == w.width {
		return
	}
	old := w.sem
	inUse := len(old)
	next := make(chan struct{}, newSize)
	for i := 0; i < inUse && i < newSize; i++ {
		next <- struct{}{}
	}
	w.sem = next
	w.width = newSize
	slog.Info("batch worker resized", "worker_id", w.id, "new_width", newSize)
}

func (w *Worker) acquire(ctx context.Context) error {
	w.mu.Lock()
	sem := w.sem
	w.mu.Unlock()
	select {
	case sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) release() {
	w.mu.Lock()
	sem := w.sem
	w.mu.Unlock()
	select {
	case <-sem:
	default:
	}
}

// Start begins dequeuing jobs until Stop is called.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop drains in-flight jobs up to the pool task timeout, then returns.
func (w *Worker) Stop() {
	close(w.stopCh)
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.cfg.PoolTaskTimeout):
		slog.Warn("batch worker drain timed out", "worker_id", w.id)
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := w.acquire(ctx); err != nil {
			return
		}

		dq, err := w.queue.Pop(ctx, 5000)
		if err != nil {
			slog.Error("failed to pop job", "worker_id", w.id, "err", err)
			w.release()
			continue
		}
		if dq == nil {
			w.release()
			continue
		}

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer w.release()
			w.processJob(ctx, *dq)
		}()
	}
}

// processJob implements the six-step job flow.
func (w *Worker) processJob(ctx context.Context, dq queue.Dequeued) {
	job := dq.Job

	if len(job.Records) == 0 {
		w.failWithError(ctx, job.JobID, dq.MessageID, "job has no records")
		return
	}
	if bad := validateRecords(job.Records); len(bad) > 0 {
		w.failWithError(ctx, job.JobID, dq.MessageID, fmt.Sprintf("invalid records at indices %v", bad))
		return
	}

	sess, err := w.sessions.GetSession(ctx, job.SessionID)
	if err != nil || sess == nil {
		w.failWithError(ctx, job.JobID, dq.MessageID, "No config found")
		return
	}

	slog.Info("job START", "job_id", job.JobID, "worker_id", w.id, "records", len(job.Records))

	progress := model.JobProgress{Total: len(job.Records)}
	var progressHistory []float64
	var totalProcessingTime float64
	processed := 0

	for start := 0; start < len(job.Records); start += w.cfg.SubBatchSize {
		end := start + w.cfg.SubBatchSize
		if end > len(job.Records) {
			end = len(job.Records)
		}
		sub := job.Records[start:end]

		subStart := time.Now()
		results := w.pool.BatchProcess(ctx, "process_record", len(sub), func(ctx context.Context, i int) (interface{}, error) {
			return w.pipeline.ProcessRecord(ctx, *sess, job.JobID, sub[i])
		})
		if allShutdown(results) {
			slog.Warn("pool unavailable, falling back to serial processing", "job_id", job.JobID)
			results = w.processSerially(ctx, *sess, job.JobID, sub)
		}
		elapsed := time.Since(subStart).Seconds() * 1000

		for _, r := range results {
			processed++
			if r.Err != nil {
				progress.FailureCount++
				continue
			}
			outcome, ok := r.Value.(pipeline.Outcome)
			if !ok {
				progress.FailureCount++
				continue
			}
			if outcome.Success {
				progress.SuccessCount++
			} else {
				progress.FailureCount++
				if outcome.Category == model.CategoryRequiresUserAction {
					progress.UserActionCount++
				}
			}
		}

		totalProcessingTime += elapsed
		progress.Processed = processed
		progress.AvgTimePerRecord = totalProcessingTime / float64(processed)

		recordsLeft := len(job.Records) - processed
		c := w.currentWidth()
		if c < 1 {
			c = 1
		}
		progress.EstTimeLeftSec = int(ceilDiv(progress.AvgTimePerRecord*float64(recordsLeft)/float64(c), 1000))

		progressHistory = append(progressHistory, float64(processed)/float64(len(job.Records)))
		if len(progressHistory) > maxProgressHistory {
			progressHistory = progressHistory[len(progressHistory)-maxProgressHistory:]
		}

		backlog, _ := w.queue.Backlog(ctx)
		progress.Backlog = backlog
		progress.ControllerStatus = w.controllerStatus

		if err := w.queue.UpdateProgress(ctx, job.JobID, progress); err != nil {
			slog.Warn("failed to update job progress", "job_id", job.JobID, "err", err)
		}

		wm := model.WorkerMetrics{
			WorkerID:           w.id,
			CurrentConcurrency: c,
			AvgTimePerRecordMs: progress.AvgTimePerRecord,
			EstTimeLeftSec:     progress.EstTimeLeftSec,
			SuccessCount:       progress.SuccessCount,
			FailureCount:       progress.FailureCount,
			Completed:          processed,
			Total:              len(job.Records),
			Backlog:            backlog,
			ProgressHistory:    progressHistory,
			ControllerStatus:   w.controllerStatus,
			Timestamp:          time.Now().UTC(),
		}
		if err := w.store.SaveWorkerMetrics(ctx, wm); err != nil {
			slog.Warn("failed to save worker metrics", "worker_id", w.id, "err", err)
		}
	}

	result := model.JobResult{
		SuccessCount: progress.SuccessCount,
		FailureCount: progress.FailureCount,
		TotalRecords: len(job.Records),
	}
	if err := w.queue.Complete(ctx, job.JobID, result); err != nil {
		slog.Error("failed to mark job complete", "job_id", job.JobID, "err", err)
	}
	if err := w.store.SaveJobMetrics(ctx, job.JobID, result.SuccessCount, result.FailureCount, result.TotalRecords); err != nil {
		slog.Warn("failed to save job metrics", "job_id", job.JobID, "err", err)
	}
	if err := w.queue.Ack(ctx, dq.MessageID); err != nil {
		slog.Warn("failed to ack job message", "job_id", job.JobID, "err", err)
	}

	slog.Info("job COMPLETE", "job_id", job.JobID, "worker_id", w.id,
		"success", result.SuccessCount, "failure", result.FailureCount)
}

func (w *Worker) failWithError(ctx context.Context, jobID, messageID, reason string) {
	slog.Error("job failed validation", "job_id", jobID, "reason", reason)
	if err := w.queue.Fail(ctx, jobID); err != nil {
		slog.Warn("failed to mark job failed", "job_id", jobID, "err", err)
	}
	if err := w.queue.Ack(ctx, messageID); err != nil {
		slog.Warn("failed to ack failed job message", "job_id", jobID, "err", err)
	}
}

func (w *Worker) currentWidth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.width
}

// SetControllerStatus lets the controller annotate progress/metrics
// writes with a human-readable status (e.g. "stable", "recovering").
func (w *Worker) SetControllerStatus(status string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.controllerStatus = status
}

// allShutdown reports whether every sub-batch result failed because the
// pool itself rejected submission, the signal to fall back to serial
// processing rather than counting every record as a failure.
func allShutdown(results []pool.BatchResult) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if r.Err != pool.ErrShutdown {
			return false
		}
	}
	return true
}

// processSerially bypasses the pool entirely, running each record through
// the pipeline in-process to preserve liveness when the pool is down.
func (w *Worker) processSerially(ctx context.Context, sess model.Session, jobID string, records []model.Record) []pool.BatchResult {
	out := make([]pool.BatchResult, len(records))
	for i, rec := range records {
		outcome, err := w.pipeline.ProcessRecord(ctx, sess, jobID, rec)
		out[i] = pool.BatchResult{Index: i, Value: outcome, Err: err, Success: err == nil}
	}
	return out
}

func validateRecords(records []model.Record) []int {
	var bad []int
	for i, r := range records {
		if r.MemberID == "" || r.RequestID == "" {
			bad = append(bad, i)
		}
	}
	return bad
}

func ceilDiv(v float64, divisor float64) float64 {
	return math.Ceil(v / divisor)
}
