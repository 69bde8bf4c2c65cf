// Package queue implements the Redis-backed job queue: typed job and
// result records, three named queues (llm, reconciler, recorder), and a
// deferred-schedule mechanism for auth/quota backoff. Queues are plain
// Redis lists (LPUSH/BRPOP); deferred jobs live in a per-queue sorted set
// scored by due time, since a list has no native delayed-execution
// registry.
package queue

import (
	"time"

	"github.com/for-the-greater-good/sheltermap/internal/llm"
)

// Name identifies one of the three named queues.
type Name string

const (
	LLM        Name = "llm"
	Reconciler Name = "reconciler"
	Recorder   Name = "recorder"
)

// Status is one of the five job lifecycle states.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusDeferred Status = "deferred"
	StatusStarted  Status = "started"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

// Job is the immutable record enqueued onto the llm queue. ProviderConfig
// carries temperature/max-tokens/stop overrides; Metadata carries at
// minimum "scraper_id" and "content_hash".
type Job struct {
	ID             string                `json:"id"`
	Prompt         string                `json:"prompt"`
	Format         *llm.JSONSchemaFormat `json:"format,omitempty"`
	ProviderConfig llm.GenerateConfig    `json:"provider_config"`
	Metadata       map[string]string     `json:"metadata"`
	CreatedAt      time.Time             `json:"created_at"`
}

// ContentHash returns job.Metadata["content_hash"], or "" if absent.
func (j *Job) ContentHash() string {
	if j.Metadata == nil {
		return ""
	}
	return j.Metadata["content_hash"]
}

// envelope is the on-the-wire shape for an enqueued llm job: `{job:
// {...}}`, so workers reconstitute typed jobs from untyped queue entries.
type envelope struct {
	Job Job `json:"job"`
}

// Result pairs a job id with its outcome, for the fan-out sinks.
type Result struct {
	JobID    string        `json:"job_id"`
	Status   ResultStatus  `json:"status"`
	Response *llm.Response `json:"response,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// ResultStatus is the two-valued outcome a Result carries.
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultFailed    ResultStatus = "failed"
)

// sinkJob is the payload shape enqueued onto the reconciler/recorder
// queues: a function key plus positional args.
type sinkJob struct {
	Function string `json:"function"`
	Args     []any  `json:"args"`
}

const (
	fnProcessJobResult = "process_job_result"
	fnRecordResult     = "record_result"
)
