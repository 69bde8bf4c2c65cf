package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/for-the-greater-good/sheltermap/internal/errs"
)

// Queue is a Redis-backed job queue over three named lists (llm,
// reconciler, recorder), with a per-queue sorted set holding deferred
// jobs until they come due.
type Queue struct {
	client    *redis.Client
	statusTTL time.Duration
	newID     func() string
	now       func() time.Time
}

// New constructs a Queue over an existing Redis client.
func New(client *redis.Client) *Queue {
	return &Queue{
		client:    client,
		statusTTL: 24 * time.Hour,
		newID:     func() string { return ulid.Make().String() },
		now:       time.Now,
	}
}

func queueKey(name Name) string     { return fmt.Sprintf("rq:queue:%s", name) }
func deferredKey(name Name) string  { return fmt.Sprintf("rq:queue:%s:deferred", name) }
func statusKey(jobID string) string { return fmt.Sprintf("rq:job:%s:status", jobID) }

// Enqueue writes job onto the named queue, assigning an id if job.ID is
// empty, and records its status as queued. Returns the job id.
func (q *Queue) Enqueue(ctx context.Context, name Name, job *Job) (string, error) {
	if job.ID == "" {
		job.ID = q.newID()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = q.now()
	}
	data, err := json.Marshal(envelope{Job: *job})
	if err != nil {
		return "", errs.NewQueueError("encoding job", err)
	}
	if err := q.client.LPush(ctx, queueKey(name), data).Err(); err != nil {
		return "", errs.NewQueueError("enqueuing job", err)
	}
	if err := q.SetStatus(ctx, job.ID, StatusQueued); err != nil {
		return "", err
	}
	return job.ID, nil
}

// EnqueueSink enqueues a fan-out job for an external collaborator (the
// reconciler or recorder): a function key plus positional args. This
// pipeline never dequeues from the sink queues itself.
func (q *Queue) EnqueueSink(ctx context.Context, name Name, function string, args ...any) error {
	data, err := json.Marshal(sinkJob{Function: function, Args: args})
	if err != nil {
		return errs.NewQueueError("encoding sink job", err)
	}
	if err := q.client.LPush(ctx, queueKey(name), data).Err(); err != nil {
		return errs.NewQueueError("enqueuing sink job", err)
	}
	return nil
}

// EnqueueReconcilerAndRecorder enqueues the two fan-out jobs that follow a
// successful alignment, in that order from the same call. Enqueue order is
// preserved; execution order across the two queues is not guaranteed, so
// the reconciler must be idempotent on the job id.
func (q *Queue) EnqueueReconcilerAndRecorder(ctx context.Context, result Result) error {
	if err := q.EnqueueSink(ctx, Reconciler, fnProcessJobResult, result); err != nil {
		return err
	}
	return q.EnqueueSink(ctx, Recorder, fnRecordResult, result)
}

// Dequeue promotes any due deferred jobs back onto the queue, then blocks
// up to timeout for the next job. Returns (nil, nil) on timeout with no
// job available, matching BRPOP's semantics.
func (q *Queue) Dequeue(ctx context.Context, name Name, timeout time.Duration) (*Job, error) {
	if err := q.PromoteDue(ctx, name); err != nil {
		return nil, err
	}

	result, err := q.client.BRPop(ctx, timeout, queueKey(name)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errs.NewQueueError("dequeuing job", err)
	}
	if len(result) < 2 {
		return nil, errs.NewQueueError("unexpected BRPOP result shape", nil)
	}

	var env envelope
	if err := json.Unmarshal([]byte(result[1]), &env); err != nil {
		return nil, errs.NewQueueError("decoding dequeued job", err)
	}
	if err := q.SetStatus(ctx, env.Job.ID, StatusStarted); err != nil {
		return nil, err
	}
	return &env.Job, nil
}

// DeferSchedule re-schedules job to become due again after delay, under a
// distinct retry job id (job.ID plus a "-retry-N" suffix) so observers can
// count retries. The copied job body carries the retry id; every other
// field of the original job is kept unchanged.
func (q *Queue) DeferSchedule(ctx context.Context, name Name, job *Job, delay time.Duration, retryIndex int) (string, error) {
	newJob := *job
	newJob.ID = fmt.Sprintf("%s-retry-%d", job.ID, retryIndex)

	data, err := json.Marshal(envelope{Job: newJob})
	if err != nil {
		return "", errs.NewQueueError("encoding deferred job", err)
	}
	dueAt := float64(q.now().Add(delay).Unix())
	if err := q.client.ZAdd(ctx, deferredKey(name), redis.Z{Score: dueAt, Member: data}).Err(); err != nil {
		return "", errs.NewQueueError("scheduling deferred job", err)
	}
	if err := q.SetStatus(ctx, newJob.ID, StatusDeferred); err != nil {
		return "", err
	}
	return newJob.ID, nil
}

// PromoteDue moves any deferred jobs on name whose due time has elapsed
// back onto the head of the live queue, marking each queued again.
func (q *Queue) PromoteDue(ctx context.Context, name Name) error {
	nowStr := strconv.FormatInt(q.now().Unix(), 10)
	due, err := q.client.ZRangeByScore(ctx, deferredKey(name), &redis.ZRangeBy{
		Min: "-inf",
		Max: nowStr,
	}).Result()
	if err != nil {
		return errs.NewQueueError("scanning deferred jobs", err)
	}
	for _, member := range due {
		if err := q.client.LPush(ctx, queueKey(name), member).Err(); err != nil {
			return errs.NewQueueError("promoting deferred job", err)
		}
		if err := q.client.ZRem(ctx, deferredKey(name), member).Err(); err != nil {
			return errs.NewQueueError("removing promoted deferred job", err)
		}
		var env envelope
		if json.Unmarshal([]byte(member), &env) == nil {
			_ = q.SetStatus(ctx, env.Job.ID, StatusQueued)
		}
	}
	return nil
}

// Status reads the current status of jobID, if known.
func (q *Queue) Status(ctx context.Context, jobID string) (Status, bool, error) {
	val, err := q.client.Get(ctx, statusKey(jobID)).Result()
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		return "", false, errs.NewQueueError("reading job status", err)
	}
	return Status(val), true, nil
}

// SetStatus records jobID's status with the queue's status TTL.
func (q *Queue) SetStatus(ctx context.Context, jobID string, status Status) error {
	if err := q.client.Set(ctx, statusKey(jobID), string(status), q.statusTTL).Err(); err != nil {
		return errs.NewQueueError("writing job status", err)
	}
	return nil
}

// MarkFinished records jobID as finished.
func (q *Queue) MarkFinished(ctx context.Context, jobID string) error {
	return q.SetStatus(ctx, jobID, StatusFinished)
}

// MarkFailed records jobID as failed.
func (q *Queue) MarkFailed(ctx context.Context, jobID string) error {
	return q.SetStatus(ctx, jobID, StatusFailed)
}

// Length returns the number of jobs currently queued (not deferred) on name.
func (q *Queue) Length(ctx context.Context, name Name) (int64, error) {
	n, err := q.client.LLen(ctx, queueKey(name)).Result()
	if err != nil {
		return 0, errs.NewQueueError("reading queue length", err)
	}
	return n, nil
}
