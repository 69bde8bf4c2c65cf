// Package worker implements the auth-aware worker: a poll loop over the
// llm queue that gates job execution on shared auth/quota health, probes
// that health periodically, and defers jobs rather than executing them
// while unhealthy.
package worker

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/for-the-greater-good/sheltermap/internal/authstate"
	"github.com/for-the-greater-good/sheltermap/internal/errs"
	"github.com/for-the-greater-good/sheltermap/internal/llm"
	"github.com/for-the-greater-good/sheltermap/internal/processor"
	"github.com/for-the-greater-good/sheltermap/internal/queue"
)

// Config parameterises the worker pool.
type Config struct {
	Concurrency         int
	PollTimeout         time.Duration // how long a single Dequeue blocks
	MaxPollTimeout      time.Duration // upper bound for the backed-off block on an idle queue
	ShutdownGracePeriod time.Duration
	AuthCheckInterval   time.Duration
}

// Worker runs Concurrency goroutines, each pulling from the llm queue,
// gating on auth/quota health, and invoking the processor.
type Worker struct {
	queue     *queue.Queue
	authMgr   *authstate.Manager
	processor *processor.Processor
	provider  llm.Provider

	concurrency         int
	pollTimeout         time.Duration
	maxPollTimeout      time.Duration
	shutdownGracePeriod time.Duration
	authCheckInterval   time.Duration

	stop         chan struct{}
	wg           sync.WaitGroup
	activeJobs   int64
	activeJobsMu sync.Mutex

	logger *slog.Logger
}

// New constructs a Worker. provider is the LLM backend this worker's
// processor invokes; it is also, when it implements llm.AuthProber, the
// subject of the periodic background probe.
func New(q *queue.Queue, authMgr *authstate.Manager, proc *processor.Processor, provider llm.Provider, cfg Config, logger *slog.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	if cfg.MaxPollTimeout < cfg.PollTimeout {
		cfg.MaxPollTimeout = cfg.PollTimeout
	}
	if cfg.ShutdownGracePeriod <= 0 {
		cfg.ShutdownGracePeriod = 5 * time.Minute
	}
	if cfg.AuthCheckInterval <= 0 {
		cfg.AuthCheckInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:               q,
		authMgr:             authMgr,
		processor:           proc,
		provider:            provider,
		concurrency:         cfg.Concurrency,
		pollTimeout:         cfg.PollTimeout,
		maxPollTimeout:      cfg.MaxPollTimeout,
		shutdownGracePeriod: cfg.ShutdownGracePeriod,
		authCheckInterval:   cfg.AuthCheckInterval,
		stop:                make(chan struct{}),
		logger:              logger.With("component", "worker"),
	}
}

// Start runs an initial health probe, logs the result, then launches the
// worker pool. Non-blocking: each worker goroutine runs independently
// until Stop is called or ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	w.logStartupHealth(ctx)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.runWorker(ctx, i)
	}
}

func (w *Worker) logStartupHealth(ctx context.Context) {
	w.runProbe(ctx)
	healthy, details, err := w.authMgr.IsHealthy(ctx)
	if err != nil {
		w.logger.Error("startup health check failed", "error", err)
		return
	}
	if healthy {
		w.logger.Info("healthy")
		return
	}
	w.logger.Warn(details.Kind, "message", details.Message, "retry_in_seconds", details.RetryInSeconds)
}

// ActiveJobs reports the number of jobs currently being processed.
func (w *Worker) ActiveJobs() int64 {
	w.activeJobsMu.Lock()
	defer w.activeJobsMu.Unlock()
	return w.activeJobs
}

// Stop signals every worker goroutine to exit after its current job,
// waits up to ShutdownGracePeriod for in-flight jobs to finish (logging a
// warning if some are still running), then waits for every worker
// goroutine to return.
func (w *Worker) Stop() {
	w.logger.Info("stopping, waiting for active jobs to complete", "grace_period", w.shutdownGracePeriod)
	close(w.stop)

	deadline := time.Now().Add(w.shutdownGracePeriod)
	for time.Now().Before(deadline) {
		if w.ActiveJobs() == 0 {
			w.logger.Info("all active jobs completed")
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if remaining := w.ActiveJobs(); remaining > 0 {
		w.logger.Warn("shutdown grace period exceeded, some jobs may be interrupted", "remaining_jobs", remaining)
	}

	w.wg.Wait()
	w.logger.Info("stopped")
}

func (w *Worker) runWorker(ctx context.Context, workerID int) {
	defer w.wg.Done()

	// Each empty poll doubles the next blocking window up to
	// maxPollTimeout, so an idle worker costs Redis a few round trips a
	// minute instead of a constant stream of them.
	timeout := w.pollTimeout

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.queue.Dequeue(ctx, queue.LLM, timeout)
		if err != nil {
			w.logger.Error("dequeue failed", "worker_id", workerID, "error", err)
			continue
		}
		if job == nil {
			timeout *= 2
			if timeout > w.maxPollTimeout {
				timeout = w.maxPollTimeout
			}
			continue
		}
		timeout = w.pollTimeout

		w.handleJob(ctx, workerID, job)
	}
}

// handleJob runs one dequeued job through the lifecycle: gate on health,
// probe if due, execute, classify the outcome.
func (w *Worker) handleJob(ctx context.Context, workerID int, job *queue.Job) {
	healthy, details, err := w.authMgr.IsHealthy(ctx)
	if err != nil {
		w.logger.Error("auth state check failed", "worker_id", workerID, "job_id", job.ID, "error", err)
		return
	}
	if !healthy {
		w.deferJob(ctx, workerID, job, details)
		return
	}

	if due, err := w.authMgr.ShouldCheckAuth(ctx, w.authCheckInterval); err == nil && due {
		w.runProbe(ctx)
	}

	w.trackActive(func() {
		w.execute(ctx, workerID, job)
	})
}

func (w *Worker) deferJob(ctx context.Context, workerID int, job *queue.Job, details *authstate.Details) {
	retryDelay := clampSeconds(details.RetryInSeconds, 1, 300)
	retryIndex := strings.Count(job.ID, "-retry-") + 1
	newID, err := w.queue.DeferSchedule(ctx, queue.LLM, job, time.Duration(retryDelay)*time.Second, retryIndex)
	if err != nil {
		w.logger.Error("failed to defer job", "worker_id", workerID, "job_id", job.ID, "error", err)
		return
	}
	w.logger.Warn("deferring job, worker unhealthy",
		"worker_id", workerID, "job_id", job.ID, "retry_job_id", newID,
		"reason", details.Kind, "retry_delay_seconds", retryDelay,
	)
	time.Sleep(1 * time.Second)
}

func clampSeconds(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func (w *Worker) trackActive(fn func()) {
	w.activeJobsMu.Lock()
	w.activeJobs++
	w.activeJobsMu.Unlock()
	defer func() {
		w.activeJobsMu.Lock()
		w.activeJobs--
		w.activeJobsMu.Unlock()
	}()
	fn()
}

func (w *Worker) execute(ctx context.Context, workerID int, job *queue.Job) {
	w.logger.Info("processing job", "worker_id", workerID, "job_id", job.ID)

	_, err := w.processor.Process(ctx, job, w.provider)
	if err != nil {
		// Auth/quota state has already been updated by the processor;
		// the job itself is simply marked failed here. The next
		// dequeue (by this worker or another) will see the unhealthy
		// state and defer.
		if markErr := w.queue.MarkFailed(ctx, job.ID); markErr != nil {
			w.logger.Error("failed to mark job failed", "job_id", job.ID, "error", markErr)
		}
		w.logger.Error("job failed", "worker_id", workerID, "job_id", job.ID, "error", err)
		return
	}

	if err := w.queue.MarkFinished(ctx, job.ID); err != nil {
		w.logger.Error("failed to mark job finished", "job_id", job.ID, "error", err)
	}
	w.logger.Info("completed job", "worker_id", workerID, "job_id", job.ID)
}

// runProbe runs a background auth/quota health check against the
// provider, when it implements llm.AuthProber. Probe errors that are not
// recognisably auth/quota failures cause no state change.
func (w *Worker) runProbe(ctx context.Context) {
	prober, ok := w.provider.(llm.AuthProber)
	if !ok {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err := prober.CheckAuthentication(probeCtx)
	if err == nil {
		if setErr := w.authMgr.SetHealthy(ctx); setErr != nil {
			w.logger.Error("failed to record healthy state", "error", setErr)
		}
		return
	}

	e, ok := errs.As(err)
	if !ok {
		return
	}
	switch e.Kind {
	case errs.KindAuth:
		_ = w.authMgr.SetAuthFailed(ctx, e.Message, e.RetryAfter)
	case errs.KindQuota:
		_ = w.authMgr.SetQuotaExceeded(ctx, e.Message, e.RetryAfter)
	}
}
