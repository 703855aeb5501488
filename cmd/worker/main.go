/**
 * OCRGateway Worker - Main Entry Point
 *
 * Go worker for queued OCR processing.
 *
 * Architecture:
 * - Redis list (or asynq) consumer for the job queue
 * - Remote OCR provider client with sliding-window admission control
 *   and exponential-backoff retries
 * - Tesseract fallback tier for terminal remote failures
 * - VoyageAI embeddings over extracted text
 * - PostgreSQL job/extraction persistence, Qdrant vector index
 * - Webhook completion notices
 */

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/adverant/nexus/ocrgateway-worker/internal/clients"
	"github.com/adverant/nexus/ocrgateway-worker/internal/config"
	"github.com/adverant/nexus/ocrgateway-worker/internal/processor"
	"github.com/adverant/nexus/ocrgateway-worker/internal/queue"
	"github.com/adverant/nexus/ocrgateway-worker/internal/storage"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(".env.nexus"); err != nil {
		log.Printf("Warning: .env.nexus not found, using system environment variables")
	}

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("OCRGateway Worker starting...")
	log.Printf("Configuration loaded: Redis=%s, Qdrant=%s, Driver=%s, Workers=%d, LogLevel=%s",
		cfg.RedisURL, cfg.QdrantURL, cfg.QueueDriver, cfg.WorkerConcurrency, cfg.LogLevel)

	// Initialize unified storage manager (PostgreSQL + Qdrant)
	log.Printf("Connecting to storage (PostgreSQL + Qdrant)...")
	storageManager, err := storage.NewStorageManager(context.Background(), storage.StorageConfig{
		PostgresURL:      cfg.DatabaseURL,
		QdrantAddress:    cfg.QdrantURL,
		QdrantCollection: cfg.QdrantCollection,
	})
	if err != nil {
		log.Fatalf("Failed to initialize storage manager: %v", err)
	}
	defer storageManager.Close()
	log.Printf("Storage manager initialized (PostgreSQL + Qdrant)")

	// Initialize remote OCR client
	ocrClient, err := clients.NewOCRClient(&clients.OCRClientConfig{
		BaseURL: cfg.OCRBaseURL,
		APIKey:  cfg.OCRAPIKey,
		ModelID: cfg.OCRModelID,

		MaxRequests: cfg.OCRMaxRequests,
		Window:      time.Duration(cfg.OCRWindowMs) * time.Millisecond,

		MaxRetries:        cfg.OCRMaxRetries,
		BaseDelay:         time.Duration(cfg.OCRBaseDelayMs) * time.Millisecond,
		BackoffMultiplier: cfg.OCRBackoffMultiplier,
		MaxDelay:          time.Duration(cfg.OCRMaxDelayMs) * time.Millisecond,

		RateLimitMessage:        cfg.RateLimitMessage,
		GenericUpstreamMessage:  cfg.GenericUpstreamMessage,
		RetriesExhaustedMessage: cfg.RetriesExhaustedMessage,
	})
	if err != nil {
		log.Fatalf("Failed to initialize OCR client: %v", err)
	}
	log.Printf("OCR client initialized: model=%s, window=%dms, max_requests=%d",
		cfg.OCRModelID, cfg.OCRWindowMs, cfg.OCRMaxRequests)

	// Tesseract fallback tier
	var fallback processor.FallbackOCR
	if cfg.TesseractFallbackEnabled {
		tesseract, err := processor.NewTesseractOCR(&processor.TesseractConfig{
			Languages: cfg.TesseractLanguages,
		})
		if err != nil {
			log.Fatalf("Failed to initialize Tesseract fallback: %v", err)
		}
		fallback = tesseract
		log.Printf("Tesseract fallback enabled: languages=%v", cfg.TesseractLanguages)
	} else {
		log.Printf("Tesseract fallback disabled")
	}

	// VoyageAI embeddings (optional)
	var embedder processor.Embedder
	if cfg.VoyageAPIKey != "" {
		embeddingClient, err := processor.NewEmbeddingClient(cfg.VoyageAPIKey)
		if err != nil {
			log.Fatalf("Failed to initialize embedding client: %v", err)
		}
		embedder = embeddingClient
		log.Printf("VoyageAI embeddings enabled")
	} else {
		log.Printf("VOYAGE_API_KEY not set, embeddings disabled")
	}

	// Webhook notifier; jobs may still carry their own callback URL when
	// no worker-wide default is configured
	notifier := clients.NewWebhookClient(cfg.CallbackURL)

	// Initialize job processor
	proc, err := processor.NewJobProcessor(&processor.ProcessorConfig{
		Remote:          ocrClient,
		Fallback:        fallback,
		Embedder:        embedder,
		Store:           storageManager,
		Notifier:        notifier,
		FallbackEnabled: cfg.TesseractFallbackEnabled,
		DefaultModelID:  cfg.OCRModelID,
	})
	if err != nil {
		log.Fatalf("Failed to initialize job processor: %v", err)
	}
	log.Printf("Job processor initialized")

	// Initialize queue consumer per QUEUE_DRIVER
	log.Printf("Connecting to Redis queue...")
	var consumer queue.Consumer
	switch cfg.QueueDriver {
	case config.QueueDriverAsynq:
		consumer, err = queue.NewAsynqConsumer(&queue.AsynqConsumerConfig{
			RedisURL:    cfg.RedisURL,
			QueueName:   cfg.QueueName,
			Concurrency: cfg.WorkerConcurrency,
			JobTimeout:  time.Duration(cfg.JobTimeoutSeconds) * time.Second,
			MaxRetry:    3,
			Runner:      proc,
		})
	default:
		consumer, err = queue.NewRedisConsumer(&queue.RedisConsumerConfig{
			RedisURL:           cfg.RedisURL,
			QueueName:          cfg.QueueName,
			Concurrency:        cfg.WorkerConcurrency,
			DispatchRatePerSec: cfg.DispatchRatePerSec,
			JobTimeout:         time.Duration(cfg.JobTimeoutSeconds) * time.Second,
			Runner:             proc,
		})
	}
	if err != nil {
		log.Fatalf("Failed to initialize queue consumer: %v", err)
	}
	log.Printf("Queue consumer initialized: driver=%s, concurrency=%d", cfg.QueueDriver, cfg.WorkerConcurrency)

	// Start queue consumer
	if err := consumer.Start(); err != nil {
		log.Fatalf("Failed to start queue consumer: %v", err)
	}

	// Print startup summary
	log.Printf("===========================================")
	log.Printf("OCRGateway Worker is READY")
	log.Printf("===========================================")
	log.Printf("Queue: %s (driver=%s)", cfg.QueueName, cfg.QueueDriver)
	log.Printf("Workers: %d", cfg.WorkerConcurrency)
	log.Printf("OCR model: %s", cfg.OCRModelID)
	log.Printf("Admission: %d requests / %dms window", cfg.OCRMaxRequests, cfg.OCRWindowMs)
	log.Printf("Retries: %d (base %dms, x%.1f, cap %dms)",
		cfg.OCRMaxRetries, cfg.OCRBaseDelayMs, cfg.OCRBackoffMultiplier, cfg.OCRMaxDelayMs)
	log.Printf("Fallback: tesseract=%v", cfg.TesseractFallbackEnabled)
	log.Printf("===========================================")
	log.Printf("Waiting for jobs...")

	// Periodic liveness reporting. Only the worker-wide callback URL is
	// probed; per-job callback URLs are unknown until a job arrives.
	var healthNotifier *clients.WebhookClient
	if cfg.CallbackURL != "" {
		healthNotifier = notifier
	}
	healthCtx, stopHealth := context.WithCancel(context.Background())
	defer stopHealth()
	go reportHealth(healthCtx, storageManager, consumer, healthNotifier)

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	// Wait for shutdown signal
	sig := <-sigChan
	log.Printf("Received signal %v, initiating graceful shutdown...", sig)

	stopHealth()

	// Stop queue consumer
	log.Printf("Stopping queue consumer...")
	if err := consumer.Stop(); err != nil {
		log.Printf("Error stopping queue consumer: %v", err)
	} else {
		log.Printf("Queue consumer stopped successfully")
	}

	// Close storage manager
	log.Printf("Closing storage manager...")
	if err := storageManager.Close(); err != nil {
		log.Printf("Error closing storage manager: %v", err)
	} else {
		log.Printf("Storage manager closed")
	}

	log.Printf("Shutdown complete")
}

// reportHealth logs storage and queue liveness once a minute so a stalled
// worker shows up in the logs before the queue backs up behind it.
func reportHealth(ctx context.Context, store *storage.StorageManager, consumer queue.Consumer, notifier *clients.WebhookClient) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)

		if err := store.Ping(checkCtx); err != nil {
			log.Printf("Health: PostgreSQL unreachable: %v", err)
		}

		if stats, err := store.GetStats(checkCtx); err != nil {
			log.Printf("Health: storage stats unavailable: %v", err)
		} else {
			log.Printf("Health: storage stats: %v", stats)
		}

		// Queue depth only exists for the list driver; asynq keeps its
		// own bookkeeping.
		if rc, ok := consumer.(*queue.RedisConsumer); ok {
			if stats, err := rc.GetStats(); err != nil {
				log.Printf("Health: queue stats unavailable: %v", err)
			} else {
				log.Printf("Health: queue waiting=%d processing=%d completed=%d failed=%d",
					stats["waiting"], stats["processing"], stats["completed"], stats["failed"])
			}
		}

		if notifier != nil {
			if err := notifier.HealthCheck(checkCtx); err != nil {
				log.Printf("Health: callback endpoint unreachable: %v", err)
			}
		}

		cancel()
	}
}
