/**
 * Redis List Consumer for OCRGateway Worker
 *
 * Primary queue driver, wire-compatible with the Node gateway's list queue.
 * Worker goroutines BRPOP job payloads, pace dispatch through a shared rate
 * limiter, and run each job under its own timeout. Queue state lives in
 * Redis sets and hashes; lifecycle events go out on pub/sub.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/adverant/nexus/ocrgateway-worker/internal/errors"
	"github.com/adverant/nexus/ocrgateway-worker/internal/logging"
	"github.com/adverant/nexus/ocrgateway-worker/internal/processor"
)

// JobRunner is the processing surface the queue drivers call into.
type JobRunner interface {
	ProcessJob(ctx context.Context, job *processor.Job) (*processor.JobResult, error)
}

var errNoJobs = fmt.Errorf("no jobs available")

// defaultMaxAttempts applies when the producer enqueued a bare payload with
// no attempt budget of its own.
const defaultMaxAttempts = 3

// RedisConsumer pulls jobs off a Redis list and runs them
type RedisConsumer struct {
	client   *redis.Client
	runner   JobRunner
	config   *RedisConsumerConfig
	throttle *rate.Limiter
	logger   *logging.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL           string
	QueueName          string
	Concurrency        int
	DispatchRatePerSec float64       // jobs/sec across all workers; 0 disables pacing
	JobTimeout         time.Duration // per-job deadline (default 5 minutes)
	Runner             JobRunner
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("Runner is required")
	}
	if cfg.QueueName == "" {
		cfg.QueueName = "ocrgateway:jobs"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	// Dispatch pacing smooths backlog floods. The provider client's sliding
	// window stays the hard cap; this only spreads bursts out.
	var throttle *rate.Limiter
	if cfg.DispatchRatePerSec > 0 {
		throttle = rate.NewLimiter(rate.Limit(cfg.DispatchRatePerSec), cfg.Concurrency)
	}

	consumerCtx, cancel := context.WithCancel(context.Background())

	return &RedisConsumer{
		client:   client,
		runner:   cfg.Runner,
		config:   cfg,
		throttle: throttle,
		logger:   logging.NewLogger("queue"),
		ctx:      consumerCtx,
		cancel:   cancel,
	}, nil
}

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start() error {
	c.logger.Info("Starting Redis queue consumer",
		"queue", c.config.QueueName,
		"concurrency", c.config.Concurrency,
		"dispatch_rate", c.config.DispatchRatePerSec,
		"job_timeout", c.config.JobTimeout)

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}

	return nil
}

// Stop gracefully stops the consumer
func (c *RedisConsumer) Stop() error {
	c.logger.Info("Stopping queue consumer")
	c.cancel()
	c.wg.Wait()
	return c.client.Close()
}

// worker is a goroutine that processes jobs
func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	c.logger.Debug("Worker started", "worker", id)

	for {
		select {
		case <-c.ctx.Done():
			c.logger.Debug("Worker stopping", "worker", id)
			return
		default:
			if err := c.processNext(); err != nil && err != errNoJobs {
				c.logger.Warn("Worker error", "worker", id, "error", err)
				time.Sleep(time.Second)
			}
		}
	}
}

// processNext fetches and runs the next job from the queue
func (c *RedisConsumer) processNext() error {
	// Block for up to 5 seconds waiting for a job.
	result, err := c.client.BRPop(c.ctx, 5*time.Second, c.config.QueueName).Result()
	if err != nil {
		if err == redis.Nil {
			return errNoJobs
		}
		return fmt.Errorf("failed to fetch job: %w", err)
	}
	if len(result) < 2 {
		return fmt.Errorf("invalid BRPOP result")
	}

	queued, err := DecodeQueued([]byte(result[1]))
	if err != nil {
		// Poison entries are dropped, not requeued: they would never decode.
		c.logger.Error("Dropping undecodable queue entry", "error", err)
		return nil
	}
	queued.Payload.Normalize()
	jobID := queued.Payload.JobID

	if c.throttle != nil {
		if err := c.throttle.Wait(c.ctx); err != nil {
			// Shutting down mid-dispatch: put the job back for the next worker.
			c.pushBack(queued)
			return nil
		}
	}

	c.recordStatus(jobID, processor.StatusProcessing, nil)
	c.logger.Info("Dispatching job", "job_id", jobID, "filename", queued.Payload.Filename)

	ctx, cancel := context.WithTimeout(context.Background(), c.config.JobTimeout)
	defer cancel()

	startTime := time.Now()
	jobResult, err := c.runner.ProcessJob(ctx, queued.Payload.ToJob())
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = errors.NewProcessingTimeoutError(jobID, c.config.JobTimeout, err)
		}
		code := errors.CodeOf(err)

		maxAttempts := queued.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = defaultMaxAttempts
		}

		queued.Attempts++
		if requeueable(code) && queued.Attempts < maxAttempts {
			c.pushBack(queued)
			c.logger.Warn("Job requeued",
				"job_id", jobID, "attempt", queued.Attempts,
				"max_attempts", maxAttempts, "error_code", string(code))
			return nil
		}

		c.recordStatus(jobID, processor.StatusFailed, map[string]interface{}{
			"error":     err.Error(),
			"errorCode": string(code),
			"attempts":  queued.Attempts,
		})
		c.logger.Error("Job failed",
			"job_id", jobID, "error_code", string(code),
			"duration_ms", time.Since(startTime).Milliseconds(), "error", err)
		return nil
	}

	c.recordStatus(jobID, processor.StatusCompleted, jobResult)
	c.logger.Info("Job completed",
		"job_id", jobID, "duration_ms", time.Since(startTime).Milliseconds())
	return nil
}

// requeueable reports whether a failed job is worth another delivery.
// Permanent classifications would fail identically on every attempt.
func requeueable(code errors.ErrorCode) bool {
	switch code {
	case errors.ErrorRateLimitLocal,
		errors.ErrorNetworkFailure,
		errors.ErrorStorageFailed,
		errors.ErrorProcessingTimeout:
		return true
	}
	return false
}

// pushBack returns a job to the list. Uses a fresh context so shutdown
// requeues still land.
func (c *RedisConsumer) pushBack(job *QueuedJob) {
	data, err := json.Marshal(job)
	if err != nil {
		c.logger.Error("Failed to marshal job for requeue", "job_id", job.Payload.JobID, "error", err)
		return
	}
	if err := c.client.LPush(context.Background(), c.config.QueueName, data).Err(); err != nil {
		c.logger.Error("Failed to requeue job", "job_id", job.Payload.JobID, "error", err)
	}
}

// recordStatus maintains the queue's Redis bookkeeping and publishes the
// lifecycle event. Durable job state lives in PostgreSQL and is written by
// the processor.
func (c *RedisConsumer) recordStatus(jobID, status string, detail interface{}) {
	processing := c.key("processing")

	switch status {
	case processor.StatusProcessing:
		c.client.SAdd(c.ctx, processing, jobID)
	case processor.StatusCompleted:
		c.client.SRem(c.ctx, processing, jobID)
		c.client.SAdd(c.ctx, c.key("completed"), jobID)
		if detail != nil {
			if data, err := json.Marshal(detail); err == nil {
				c.client.HSet(c.ctx, c.key("results"), jobID, data)
			}
		}
	case processor.StatusFailed:
		c.client.SRem(c.ctx, processing, jobID)
		c.client.SAdd(c.ctx, c.key("failed"), jobID)
		if detail != nil {
			if data, err := json.Marshal(detail); err == nil {
				c.client.HSet(c.ctx, c.key("errors"), jobID, data)
			}
		}
	}

	event := map[string]interface{}{
		"event":     fmt.Sprintf("job:%s", status),
		"jobId":     jobID,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	if data, err := json.Marshal(event); err == nil {
		c.client.Publish(c.ctx, c.key("events"), data)
	}
}

func (c *RedisConsumer) key(suffix string) string {
	return fmt.Sprintf("%s:%s", c.config.QueueName, suffix)
}

// Enqueue pushes a job onto the list. Used by producers and tests.
func (c *RedisConsumer) Enqueue(ctx context.Context, payload *JobPayload, maxAttempts int) error {
	payload.Normalize()
	data, err := json.Marshal(&QueuedJob{
		Payload:     *payload,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return c.client.LPush(ctx, c.config.QueueName, data).Err()
}

// GetStats returns queue statistics
func (c *RedisConsumer) GetStats() (map[string]int64, error) {
	ctx := context.Background()

	waiting, _ := c.client.LLen(ctx, c.config.QueueName).Result()
	processing, _ := c.client.SCard(ctx, c.key("processing")).Result()
	completed, _ := c.client.SCard(ctx, c.key("completed")).Result()
	failed, _ := c.client.SCard(ctx, c.key("failed")).Result()

	return map[string]int64{
		"waiting":    waiting,
		"processing": processing,
		"completed":  completed,
		"failed":     failed,
	}, nil
}
