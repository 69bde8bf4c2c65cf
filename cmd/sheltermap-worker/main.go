// Command sheltermap-worker runs the HSDS alignment pipeline's worker
// pool: it drains the llm queue, consults the content store for cached
// results, runs the HSDS aligner against the configured provider, and
// fans out finished jobs to the reconciler and recorder queues.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/for-the-greater-good/sheltermap/internal/authstate"
	"github.com/for-the-greater-good/sheltermap/internal/config"
	"github.com/for-the-greater-good/sheltermap/internal/contentstore"
	"github.com/for-the-greater-good/sheltermap/internal/errs"
	"github.com/for-the-greater-good/sheltermap/internal/hsds/aligner"
	"github.com/for-the-greater-good/sheltermap/internal/hsds/schema"
	"github.com/for-the-greater-good/sheltermap/internal/hsds/validator"
	"github.com/for-the-greater-good/sheltermap/internal/llm"
	"github.com/for-the-greater-good/sheltermap/internal/logging"
	"github.com/for-the-greater-good/sheltermap/internal/processor"
	"github.com/for-the-greater-good/sheltermap/internal/queue"
	"github.com/for-the-greater-good/sheltermap/internal/shutdown"
	"github.com/for-the-greater-good/sheltermap/internal/version"
	"github.com/for-the-greater-good/sheltermap/internal/worker"
)

func main() {
	logger := logging.SetDefault()

	v := version.Get()
	logger.Info("starting sheltermap-worker",
		"version", v.Version,
		"commit", v.Commit,
		"built", v.Date,
		"go_version", v.GoVersion,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Error("failed to parse redis url", "error", err)
		os.Exit(1)
	}
	redisOpts.PoolSize = cfg.Redis.PoolSize
	redisOpts.MaxRetries = cfg.Redis.MaxRetries
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	if err := pingWithRetries(context.Background(), redisClient, cfg.Redis.MaxRetries, cfg.Redis.RetryDelay); err != nil {
		logger.Error("failed to reach redis", "error", err)
		os.Exit(1)
	}

	store, err := contentstore.New(cfg.ContentStore.Path)
	if err != nil {
		logger.Error("failed to initialize content store", "error", err)
		os.Exit(1)
	}
	if cfg.ContentStore.Path == "" {
		logger.Warn("CONTENT_STORE_PATH not set, result caching disabled")
	}

	authMgr := authstate.New(redisClient)
	q := queue.New(redisClient)

	provider, err := newProvider(cfg)
	if err != nil {
		logger.Error("failed to initialize llm provider", "error", err)
		os.Exit(1)
	}

	systemPrompt := aligner.DefaultSystemPrompt
	if path := os.Getenv("HSDS_SYSTEM_PROMPT_PATH"); path != "" {
		loaded, err := aligner.LoadSystemPrompt(path)
		if err != nil {
			logger.Error("failed to load system prompt", "error", err)
			os.Exit(1)
		}
		systemPrompt = loaded
	}

	judgeProvider := provider
	al := aligner.New(provider, validator.New(judgeProvider), systemPrompt, aligner.Config{
		MinConfidence:  cfg.HSDS.MinConfidence,
		RetryThreshold: cfg.HSDS.RetryThreshold,
		MaxRetries:     cfg.HSDS.MaxRetries,
		Temperature:    cfg.LLM.Temperature,
		MaxTokens:      cfg.LLM.MaxTokens,
	})

	proc := processor.New(store, al, q, authMgr)
	if path := os.Getenv("HSDS_SCHEMA_PATH"); path != "" {
		tables, err := schema.LoadTables(path)
		if err != nil {
			logger.Error("failed to load hsds schema", "error", err)
			os.Exit(1)
		}
		format, err := schema.HSDSRootFormat(tables)
		if err != nil {
			logger.Error("failed to convert hsds schema", "error", err)
			os.Exit(1)
		}
		proc.DefaultFormat = format
	}

	w := worker.New(q, authMgr, proc, provider, worker.Config{
		Concurrency:         cfg.Worker.Concurrency,
		PollTimeout:         cfg.Worker.PollInterval,
		MaxPollTimeout:      cfg.Worker.MaxPollInterval,
		ShutdownGracePeriod: cfg.Worker.ShutdownGracePeriod,
		AuthCheckInterval:   cfg.Worker.AuthCheckInterval,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	idleMonitor := shutdown.NewIdleMonitor(shutdown.IdleMonitorConfig{
		Timeout:    cfg.Worker.IdleShutdownTimeout,
		Logger:     logger,
		ActiveJobs: w.ActiveJobs,
	})
	idleMonitor.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	select {
	case <-sigChan:
		logger.Info("received shutdown signal")
	case <-idleMonitor.ShutdownChan():
		logger.Info("idle timeout reached")
	}

	idleMonitor.Stop()
	cancel()
	w.Stop()

	logger.Info("sheltermap-worker stopped")
}

// pingWithRetries checks Redis reachability at startup, retrying up to
// maxRetries times with retryDelay between attempts before giving up with
// a fatal QueueInitError.
func pingWithRetries(ctx context.Context, client *redis.Client, maxRetries int, retryDelay time.Duration) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryDelay)
		}
		if err = client.Ping(ctx).Err(); err == nil {
			return nil
		}
	}
	return errs.NewQueueInitError(fmt.Sprintf("redis unreachable after %d attempts", maxRetries+1), err)
}

func newProvider(cfg *config.Config) (llm.Provider, error) {
	switch cfg.LLM.Provider {
	case "cli":
		return llm.NewCLIProvider(cfg.LLM.ClaudeCLIPath, cfg.LLM.ModelName, cfg.LLM.APIKey, cfg.Claude.QuotaRetryDelay), nil
	default:
		return llm.NewHTTPProvider(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.ModelName), nil
	}
}
