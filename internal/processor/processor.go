// Package processor implements the per-job worker body. Given a dequeued
// job and a provider, it consults the content store for a cached result,
// otherwise runs the HSDS aligner, then stores the result and fans out to
// the reconciler and recorder queues.
package processor

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/for-the-greater-good/sheltermap/internal/authstate"
	"github.com/for-the-greater-good/sheltermap/internal/contentstore"
	"github.com/for-the-greater-good/sheltermap/internal/errs"
	"github.com/for-the-greater-good/sheltermap/internal/hsds/aligner"
	"github.com/for-the-greater-good/sheltermap/internal/llm"
	"github.com/for-the-greater-good/sheltermap/internal/queue"
)

// Processor bundles the collaborators a job needs: the content store, the
// HSDS aligner, the job queue (for fan-out), and the auth/quota state
// manager (updated on provider auth/quota failures so the worker gate sees
// them on the very next dequeue).
type Processor struct {
	Store   *contentstore.Store
	Aligner *aligner.Aligner
	Queue   *queue.Queue
	AuthMgr *authstate.Manager

	// DefaultFormat, when set, is used for jobs that carry no
	// structured-output format of their own.
	DefaultFormat *llm.JSONSchemaFormat

	logger *slog.Logger
}

// New constructs a Processor from its collaborators.
func New(store *contentstore.Store, al *aligner.Aligner, q *queue.Queue, auth *authstate.Manager) *Processor {
	return &Processor{Store: store, Aligner: al, Queue: q, AuthMgr: auth, logger: slog.Default().With("component", "processor")}
}

// knownFieldsFromMetadata extracts a known_fields map from a job's
// metadata, if the caller encoded one under the "known_fields" key as a
// JSON object of entity -> field list.
func knownFieldsFromMetadata(metadata map[string]string) map[string][]string {
	raw, ok := metadata["known_fields"]
	if !ok || raw == "" {
		return nil
	}
	var known map[string][]string
	if json.Unmarshal([]byte(raw), &known) != nil {
		return nil
	}
	return known
}

// Process runs one dequeued job against provider: cache check, alignment,
// result storage, fan-out.
func (p *Processor) Process(ctx context.Context, job *queue.Job, provider llm.Provider) (*llm.Response, error) {
	hash := job.ContentHash()

	if hash != "" && p.Store != nil {
		if cached, ok, err := p.Store.GetResult(hash); err != nil {
			// A broken cache is treated as a missing cache; the job
			// proceeds without dedup.
			p.logger.Warn("content store read failed, proceeding without cache", "job_id", job.ID, "error", err)
		} else if ok {
			resp := &llm.Response{Text: cached, Model: provider.ModelName()}
			if err := p.fanOut(ctx, job, resp); err != nil {
				return nil, err
			}
			return resp, nil
		}
	}

	if hash != "" && p.Store != nil {
		_ = p.Store.LinkJob(hash, job.ID)
	}

	format := job.Format
	if format == nil {
		format = p.DefaultFormat
	}

	known := knownFieldsFromMetadata(job.Metadata)
	result, _, err := p.Aligner.Align(ctx, job.Prompt, format, known)
	if err != nil {
		if e, ok := errs.As(err); ok {
			switch e.Kind {
			case errs.KindAuth:
				if p.AuthMgr != nil {
					_ = p.AuthMgr.SetAuthFailed(ctx, e.Message, e.RetryAfter)
				}
			case errs.KindQuota:
				if p.AuthMgr != nil {
					_ = p.AuthMgr.SetQuotaExceeded(ctx, e.Message, e.RetryAfter)
				}
			}
		}
		return nil, err
	}

	payloadJSON, err := json.Marshal(result.HSDSData)
	if err != nil {
		return nil, errs.NewValidationError("encoding aligned payload", err)
	}

	resp := &llm.Response{
		Text:   string(payloadJSON),
		Model:  provider.ModelName(),
		Parsed: result.HSDSData,
	}
	if result.ValidationDetails != nil {
		resp.ValidationDetails = map[string]any{
			"confidence":              result.ValidationDetails.Confidence,
			"hallucination_detected":  result.ValidationDetails.HallucinationDetected,
			"missing_required_fields": result.ValidationDetails.MissingRequiredFields,
			"mismatched_fields":       result.ValidationDetails.MismatchedFields,
			"feedback":                result.ValidationDetails.Feedback,
		}
	}

	if hash != "" && p.Store != nil {
		if err := p.Store.StoreResult(hash, string(payloadJSON)); err != nil {
			// The aligned result still reaches the sinks through the
			// fan-out below; only the dedup cache misses out.
			p.logger.Warn("content store write failed, result not cached", "job_id", job.ID, "error", err)
		}
	}

	if err := p.fanOut(ctx, job, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// fanOut enqueues the reconciler and recorder jobs for a successfully (or
// cache-hit) processed job: exactly one of each, both referencing the same
// job id.
func (p *Processor) fanOut(ctx context.Context, job *queue.Job, resp *llm.Response) error {
	if p.Queue == nil {
		return nil
	}
	result := queue.Result{JobID: job.ID, Status: queue.ResultCompleted, Response: resp}
	return p.Queue.EnqueueReconcilerAndRecorder(ctx, result)
}
