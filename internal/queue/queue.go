// Package queue implements the standard job-queue contract the dispatch
// engine dequeues batch jobs from, backed by Redis Streams with a
// consumer group — add/getJob/getJobCountByTypes/updateProgress/
// moveToDelayed/promote/remove/pause/resume. There is no getJobs listing.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dandantas/dispatchengine/internal/model"
)

const (
	streamKey     = "jobs:dispatch"
	delayedZKey   = "jobs:dispatch:delayed"
	consumerGroup = "dispatch-workers"
	jobHashPrefix = "job:"

	defaultAttempts     = 3
	backoffBaseSec      = 5
	completedRetention  = 24 * time.Hour
	completedKeepLast   = 1000
	failedRetention     = 7 * 24 * time.Hour
)

// Queue is the Redis-streams-backed job queue.
type Queue struct {
	rdb      *redis.Client
	workerID string
	paused   bool
}

// New wraps an existing Redis client (shared with the Context Store's
// connection) as a job queue, ensuring its consumer group exists.
func New(ctx context.Context, rdb *redis.Client, workerID string) (*Queue, error) {
	err := rdb.XGroupCreateMkStream(ctx, streamKey, consumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}
	return &Queue{rdb: rdb, workerID: workerID}, nil
}

func jobKey(jobID string) string { return jobHashPrefix + jobID }

// Add enqueues a new job, persisting its full record under job:<id> and
// pushing a lightweight pointer onto the stream for dequeue.
func (q *Queue) Add(ctx context.Context, job model.Job) error {
	job.Status = model.JobWaiting
	job.CreatedAt = time.Now().UTC()

	b, err := json.Marshal(job)
	if err != nil {
		return err
	}

	pipe := q.rdb.TxPipeline()
	pipe.Set(ctx, jobKey(job.JobID), b, 0)
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]interface{}{"jobId": job.JobID},
	})
	_, err = pipe.Exec(ctx)
	return err
}

// Dequeued is one popped message: the job plus enough stream context to
// ack or retry it.
type Dequeued struct {
	MessageID string
	Job       model.Job
}

// Pop blocks up to blockMs for the next available job, honoring Pause.
func (q *Queue) Pop(ctx context.Context, blockMs int) (*Dequeued, error) {
	if q.paused {
		return nil, nil
	}
	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: q.workerID,
		Streams:  []string{streamKey, ">"},
		Count:    1,
		Block:    time.Duration(blockMs) * time.Millisecond,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}

	msg := streams[0].Messages[0]
	jobID, _ := msg.Values["jobId"].(string)
	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		_ = q.Ack(ctx, msg.ID)
		return nil, nil
	}
	return &Dequeued{MessageID: msg.ID, Job: *job}, nil
}

// Ack acknowledges a consumed message after its job reaches a terminal state
// and deletes it from the stream, so the stream holds only unfinished jobs.
func (q *Queue) Ack(ctx context.Context, messageID string) error {
	pipe := q.rdb.TxPipeline()
	pipe.XAck(ctx, streamKey, consumerGroup, messageID)
	pipe.XDel(ctx, streamKey, messageID)
	_, err := pipe.Exec(ctx)
	return err
}

// GetJob reads a job by id.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	b, err := q.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var job model.Job
	if err := json.Unmarshal(b, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// saveJob persists a mutated job back to its job:<id> key as JSON.
func (q *Queue) saveJob(ctx context.Context, job model.Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	ttl := time.Duration(0)
	switch job.Status {
	case model.JobCompleted:
		ttl = completedRetention
	case model.JobFailed:
		ttl = failedRetention
	}
	return q.rdb.Set(ctx, jobKey(job.JobID), b, ttl).Err()
}

// UpdateProgress persists the job's progress snapshot (job.updateProgress).
func (q *Queue) UpdateProgress(ctx context.Context, jobID string, progress model.JobProgress) error {
	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", jobID)
	}
	job.Progress = progress
	return q.saveJob(ctx, *job)
}

// Complete marks a job completed with its terminal result.
func (q *Queue) Complete(ctx context.Context, jobID string, result model.JobResult) error {
	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", jobID)
	}
	job.Status = model.JobCompleted
	job.ReturnValue = &result
	job.FinishedAt = time.Now().UTC()
	return q.saveJob(ctx, *job)
}

// Fail marks a job failed.
func (q *Queue) Fail(ctx context.Context, jobID string) error {
	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", jobID)
	}
	job.Status = model.JobFailed
	job.FinishedAt = time.Now().UTC()
	return q.saveJob(ctx, *job)
}

// MoveToDelayed removes a job from active processing and schedules a
// retry at until, per the exponential backoff policy (5s base).
func (q *Queue) MoveToDelayed(ctx context.Context, jobID string, until time.Time) error {
	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", jobID)
	}
	job.Status = model.JobDelayed
	if err := q.saveJob(ctx, *job); err != nil {
		return err
	}
	return q.rdb.ZAdd(ctx, delayedZKey, redis.Z{Score: float64(until.UnixMilli()), Member: jobID}).Err()
}

// Promote re-enqueues every delayed job whose delay has elapsed.
func (q *Queue) Promote(ctx context.Context) (int, error) {
	now := time.Now().UnixMilli()
	ids, err := q.rdb.ZRangeByScore(ctx, delayedZKey, &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%d", now)}).Result()
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil || job == nil {
			continue
		}
		job.Status = model.JobWaiting
		if err := q.saveJob(ctx, *job); err != nil {
			continue
		}
		q.rdb.XAdd(ctx, &redis.XAddArgs{Stream: streamKey, Values: map[string]interface{}{"jobId": id}})
		q.rdb.ZRem(ctx, delayedZKey, id)
	}
	return len(ids), nil
}

// Remove deletes a job entirely.
func (q *Queue) Remove(ctx context.Context, jobID string) error {
	pipe := q.rdb.TxPipeline()
	pipe.Del(ctx, jobKey(jobID))
	pipe.ZRem(ctx, delayedZKey, jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// Pause stops Pop from returning new jobs (pause/resume contract).
func (q *Queue) Pause() { q.paused = true }

// Resume re-enables Pop.
func (q *Queue) Resume() { q.paused = false }

// GetJobCountByTypes reports the queue depth, used as the controller's
// backlog signal (avgBacklog = waiting count).
func (q *Queue) GetJobCountByTypes(ctx context.Context, statuses ...model.JobStatus) (int, error) {
	pending, err := q.rdb.XPending(ctx, streamKey, consumerGroup).Result()
	if err != nil && err != redis.Nil {
		return 0, err
	}
	waiting := int64(0)
	if pending != nil {
		waiting = pending.Count
	}
	length, err := q.rdb.XLen(ctx, streamKey).Result()
	if err != nil {
		return 0, err
	}
	return int(length - waiting), nil
}

// Backlog returns the number of jobs not yet claimed by any consumer.
func (q *Queue) Backlog(ctx context.Context) (int, error) {
	return q.GetJobCountByTypes(ctx, model.JobWaiting)
}

// DefaultAttempts and backoff policy, per the standard job-queue contract.
func DefaultAttempts() int { return defaultAttempts }

// BackoffDelay implements exponential backoff, 5s base.
func BackoffDelay(attempt int) time.Duration {
	delay := backoffBaseSec
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return time.Duration(delay) * time.Second
}
