/**
 * asynq Consumer for OCRGateway Worker
 *
 * Alternative queue driver, selected by QUEUE_DRIVER=asynq. asynq owns
 * delivery, retry scheduling, and archival; the handler signals permanent
 * failures with asynq.SkipRetry so only transient ones are redelivered.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/ocrgateway-worker/internal/errors"
	"github.com/adverant/nexus/ocrgateway-worker/internal/logging"
)

// TaskTypeAnalyze is the asynq task type for OCR jobs.
const TaskTypeAnalyze = "ocr:analyze"

// Consumer is the lifecycle surface shared by the queue drivers.
type Consumer interface {
	Start() error
	Stop() error
}

// AsynqConsumer handles job consumption through asynq
type AsynqConsumer struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	runner JobRunner
	config *AsynqConsumerConfig
	logger *logging.Logger
}

// AsynqConsumerConfig holds consumer configuration
type AsynqConsumerConfig struct {
	RedisURL    string
	QueueName   string
	Concurrency int
	JobTimeout  time.Duration // per-job deadline (default 5 minutes)
	MaxRetry    int           // asynq redeliveries per task; 0 keeps asynq's default
	Runner      JobRunner
}

// NewAsynqConsumer creates a new asynq-based queue consumer
func NewAsynqConsumer(cfg *AsynqConsumerConfig) (*AsynqConsumer, error) {
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

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	logger := logging.NewLogger("asynq")
	client := asynq.NewClient(redisOpt)

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10, // Priority 10 for main queue
				"default":     1,  // Priority 1 for fallback
			},
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				// Exponential backoff: 5s, 10s, 20s, 40s, capped at 60s
				delay := time.Duration(5*(1<<uint(n))) * time.Second
				if delay > 60*time.Second {
					delay = 60 * time.Second
				}
				return delay
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("Task processing error", "type", task.Type(), "error", err)
			}),
		},
	)

	mux := asynq.NewServeMux()

	consumer := &AsynqConsumer{
		client: client,
		server: server,
		mux:    mux,
		runner: cfg.Runner,
		config: cfg,
		logger: logger,
	}

	mux.HandleFunc(TaskTypeAnalyze, consumer.handleAnalyze)

	return consumer, nil
}

// Start starts the queue consumer
func (c *AsynqConsumer) Start() error {
	c.logger.Info("Starting asynq consumer",
		"queue", c.config.QueueName, "concurrency", c.config.Concurrency)

	go func() {
		if err := c.server.Run(c.mux); err != nil {
			c.logger.Error("asynq server exited", "error", err)
		}
	}()

	return nil
}

// Stop stops the queue consumer gracefully
func (c *AsynqConsumer) Stop() error {
	c.logger.Info("Stopping asynq consumer")
	c.server.Shutdown()
	return c.client.Close()
}

// handleAnalyze processes one OCR task
func (c *AsynqConsumer) handleAnalyze(ctx context.Context, task *asynq.Task) error {
	queued, err := DecodeQueued(task.Payload())
	if err != nil {
		return fmt.Errorf("failed to decode task payload: %v: %w", err, asynq.SkipRetry)
	}
	queued.Payload.Normalize()
	jobID := queued.Payload.JobID

	c.logger.Info("Dispatching job", "job_id", jobID, "filename", queued.Payload.Filename)

	processCtx, cancel := context.WithTimeout(ctx, c.config.JobTimeout)
	defer cancel()

	startTime := time.Now()
	_, err = c.runner.ProcessJob(processCtx, queued.Payload.ToJob())
	duration := time.Since(startTime)

	if err != nil {
		if processCtx.Err() == context.DeadlineExceeded {
			err = errors.NewProcessingTimeoutError(jobID, c.config.JobTimeout, err)
		}
		code := errors.CodeOf(err)

		// The processor already recorded the failure; here we only decide
		// whether asynq should deliver the task again.
		if !requeueable(code) {
			c.logger.Error("Job failed permanently",
				"job_id", jobID, "error_code", string(code),
				"duration_ms", duration.Milliseconds(), "error", err)
			return fmt.Errorf("job %s failed permanently (%s): %v: %w", jobID, code, err, asynq.SkipRetry)
		}

		c.logger.Warn("Job failed, leaving redelivery to asynq",
			"job_id", jobID, "error_code", string(code), "error", err)
		return fmt.Errorf("job %s failed: %w", jobID, err)
	}

	c.logger.Info("Job completed", "job_id", jobID, "duration_ms", duration.Milliseconds())
	return nil
}

// Enqueue submits a job through asynq. Used by producers and tests.
func (c *AsynqConsumer) Enqueue(ctx context.Context, payload *JobPayload) error {
	payload.Normalize()
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	opts := []asynq.Option{
		asynq.Queue(c.config.QueueName),
		asynq.Timeout(c.config.JobTimeout),
	}
	if c.config.MaxRetry > 0 {
		opts = append(opts, asynq.MaxRetry(c.config.MaxRetry))
	}

	if _, err := c.client.EnqueueContext(ctx, asynq.NewTask(TaskTypeAnalyze, data), opts...); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}
