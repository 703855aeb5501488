/**
 * Job Processor for OCRGateway Worker
 *
 * Runs queued OCR jobs end to end:
 * - Payload validation with magic-byte MIME correction
 * - Remote OCR through the rate-limited provider client
 * - Tesseract fallback on terminal remote failures
 * - Text metrics, extraction storage, optional vector indexing
 * - Job status bookkeeping and webhook notification
 */

package processor

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/adverant/nexus/ocrgateway-worker/internal/clients"
	"github.com/adverant/nexus/ocrgateway-worker/internal/errors"
	"github.com/adverant/nexus/ocrgateway-worker/internal/logging"
	"github.com/adverant/nexus/ocrgateway-worker/internal/storage"
)

// Job statuses recorded in storage and published to callbacks.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// The remote provider reports no per-request score; completed remote jobs
// carry this fixed confidence.
const remoteConfidence = 0.9

// RemoteOCR is the provider client surface the processor needs.
type RemoteOCR interface {
	AnalyzeImage(ctx context.Context, req *clients.AnalyzeRequest) (string, error)
}

// FallbackOCR runs local OCR when the remote provider fails terminally.
type FallbackOCR interface {
	Process(ctx context.Context, image []byte) (*OCRResult, error)
}

// Embedder produces semantic embeddings for extracted text.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// JobStore persists job status and extractions.
type JobStore interface {
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error
	StoreExtraction(ctx context.Context, input *storage.ExtractionInput) (*storage.ExtractionRecord, error)
}

// Notifier delivers completion notices to callback URLs.
type Notifier interface {
	NotifyCompletion(ctx context.Context, callbackURL string, notice *clients.CompletionNotice) error
}

// Job is one unit of OCR work, decoded from the queue
type Job struct {
	JobID       string
	UserID      string
	Filename    string
	MimeType    string
	ImageData   []byte
	ModelID     string
	CallbackURL string
	Metadata    map[string]interface{}
}

// JobResult summarizes a successfully processed job
type JobResult struct {
	JobID        string
	Text         string
	Confidence   float64
	Engine       string
	Model        string
	ExtractionID string
	DurationMs   int64
}

// ProcessorConfig wires the processor's collaborators. Remote and Store are
// required; Fallback, Embedder and Notifier degrade gracefully when absent.
type ProcessorConfig struct {
	Remote          RemoteOCR
	Fallback        FallbackOCR
	Embedder        Embedder
	Store           JobStore
	Notifier        Notifier
	FallbackEnabled bool
	DefaultModelID  string
	Logger          *logging.Logger
}

// JobProcessor executes OCR jobs
type JobProcessor struct {
	remote          RemoteOCR
	fallback        FallbackOCR
	embedder        Embedder
	store           JobStore
	notifier        Notifier
	fallbackEnabled bool
	defaultModelID  string
	logger          *logging.Logger
}

// supportedMimeTypes lists the formats the remote provider accepts.
var supportedMimeTypes = map[string]bool{
	"image/png":       true,
	"image/jpeg":      true,
	"image/jpg":       true,
	"image/webp":      true,
	"image/tiff":      true,
	"image/bmp":       true,
	"image/gif":       true,
	"application/pdf": true,
}

// NewJobProcessor creates a new job processor
func NewJobProcessor(cfg *ProcessorConfig) (*JobProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Remote == nil {
		return nil, fmt.Errorf("remote OCR client is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("job store is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("processor")
	}

	return &JobProcessor{
		remote:          cfg.Remote,
		fallback:        cfg.Fallback,
		embedder:        cfg.Embedder,
		store:           cfg.Store,
		notifier:        cfg.Notifier,
		fallbackEnabled: cfg.FallbackEnabled,
		defaultModelID:  cfg.DefaultModelID,
		logger:          logger,
	}, nil
}

// ProcessJob runs one job through the full pipeline. On failure the job is
// marked failed and the callback fired before the error is returned, so
// callers only decide requeue behavior.
func (p *JobProcessor) ProcessJob(ctx context.Context, job *Job) (*JobResult, error) {
	startTime := time.Now()

	if job == nil || job.JobID == "" {
		return nil, errors.NewConfigurationError("queue payload carries no job ID")
	}

	p.logger.Info("Starting OCR job",
		"job_id", job.JobID, "filename", job.Filename, "bytes", len(job.ImageData))

	if len(job.ImageData) == 0 {
		return nil, p.failJob(ctx, job, startTime,
			errors.NewConfigurationError("job carries no image data").WithJob(job.JobID))
	}

	// Sources that stage uploads through generic blob storage often report
	// application/octet-stream; correct from magic bytes before validating.
	if detected := detectImageMime(job.ImageData); detected != "" &&
		(job.MimeType == "" || job.MimeType == "application/octet-stream") {
		p.logger.Debug("Corrected MIME type from magic bytes",
			"job_id", job.JobID, "from", job.MimeType, "to", detected)
		job.MimeType = detected
	}
	if job.MimeType == "" {
		job.MimeType = "image/jpeg"
	}
	if !supportedMimeTypes[job.MimeType] {
		return nil, p.failJob(ctx, job, startTime,
			errors.NewUnsupportedFormatError(job.JobID, job.MimeType))
	}

	if err := p.store.UpdateJobStatus(ctx, &storage.JobUpdate{
		JobID:  job.JobID,
		Status: StatusProcessing,
		Metadata: map[string]interface{}{
			"filename": job.Filename,
			"mimeType": job.MimeType,
			"fileSize": len(job.ImageData),
			"userId":   job.UserID,
		},
	}); err != nil {
		p.logger.Warn("Failed to mark job processing", "job_id", job.JobID, "error", err)
	}

	ocrResult, err := p.runOCR(ctx, job)
	if err != nil {
		return nil, p.failJob(ctx, job, startTime, err)
	}

	metrics := MeasureText(ocrResult.Text)

	var embedding []float32
	if p.embedder != nil {
		embedding, err = p.embedder.GenerateEmbedding(ctx, ocrResult.Text)
		if err != nil {
			// Non-fatal: the extraction is stored either way, just not indexed.
			p.logger.Warn("Embedding generation failed, skipping vector indexing",
				"job_id", job.JobID, "error", err)
			embedding = nil
		}
	}

	record, err := p.store.StoreExtraction(ctx, &storage.ExtractionInput{
		JobID:      job.JobID,
		UserID:     job.UserID,
		Filename:   job.Filename,
		MimeType:   job.MimeType,
		Text:       ocrResult.Text,
		Characters: metrics.Characters,
		Words:      metrics.Words,
		Lines:      metrics.Lines,
		Confidence: ocrResult.Confidence,
		Engine:     ocrResult.Engine,
		Model:      ocrResult.Model,
		Embedding:  embedding,
		Metadata:   job.Metadata,
	})
	if err != nil {
		return nil, p.failJob(ctx, job, startTime, errors.NewStorageFailedError(job.JobID, err))
	}

	durationMs := time.Since(startTime).Milliseconds()

	if err := p.store.UpdateJobStatus(ctx, &storage.JobUpdate{
		JobID:            job.JobID,
		Status:           StatusCompleted,
		Confidence:       ocrResult.Confidence,
		ProcessingTimeMs: durationMs,
		ExtractionID:     record.ID,
		EngineUsed:       ocrResult.Engine,
		Metadata: map[string]interface{}{
			"characters": metrics.Characters,
			"words":      metrics.Words,
			"lines":      metrics.Lines,
			"model":      ocrResult.Model,
			"embedded":   embedding != nil,
		},
	}); err != nil {
		p.logger.Warn("Failed to mark job completed", "job_id", job.JobID, "error", err)
	}

	p.notify(ctx, job, &clients.CompletionNotice{
		JobID:       job.JobID,
		Status:      StatusCompleted,
		TextLength:  metrics.Characters,
		Confidence:  ocrResult.Confidence,
		Engine:      ocrResult.Engine,
		Model:       ocrResult.Model,
		DurationMs:  durationMs,
		CompletedAt: time.Now(),
	})

	p.logger.Info("OCR job completed",
		"job_id", job.JobID, "engine", ocrResult.Engine, "confidence", ocrResult.Confidence,
		"characters", metrics.Characters, "duration_ms", durationMs)

	return &JobResult{
		JobID:        job.JobID,
		Text:         ocrResult.Text,
		Confidence:   ocrResult.Confidence,
		Engine:       ocrResult.Engine,
		Model:        ocrResult.Model,
		ExtractionID: record.ID,
		DurationMs:   durationMs,
	}, nil
}

// runOCR tries the remote provider first, then Tesseract. The fallback only
// helps when the remote side itself failed: local configuration and admission
// errors would fail the same way on any engine, and Tesseract cannot read
// PDFs.
func (p *JobProcessor) runOCR(ctx context.Context, job *Job) (*OCRResult, error) {
	startTime := time.Now()

	modelID := job.ModelID
	if modelID == "" {
		modelID = p.defaultModelID
	}

	text, remoteErr := p.remote.AnalyzeImage(ctx, &clients.AnalyzeRequest{
		ImageBase64: base64.StdEncoding.EncodeToString(job.ImageData),
		MimeType:    job.MimeType,
		ModelID:     job.ModelID,
	})
	if remoteErr == nil {
		return &OCRResult{
			Text:       text,
			Confidence: remoteConfidence,
			Engine:     EngineRemote,
			Model:      modelID,
			Duration:   time.Since(startTime),
		}, nil
	}

	code := errors.CodeOf(remoteErr)
	if !p.fallbackEnabled || p.fallback == nil ||
		!strings.HasPrefix(job.MimeType, "image/") ||
		code == errors.ErrorConfiguration || code == errors.ErrorRateLimitLocal {
		return nil, remoteErr
	}

	p.logger.Warn("Remote OCR failed, attempting Tesseract fallback",
		"job_id", job.JobID, "error_code", string(code), "error", remoteErr)

	fallbackResult, fbErr := p.fallback.Process(ctx, job.ImageData)
	if fbErr != nil {
		p.logger.Error("Tesseract fallback failed",
			"job_id", job.JobID, "remote_error", remoteErr, "fallback_error", fbErr)
		return nil, errors.NewFallbackFailedError(job.JobID, fbErr)
	}
	if strings.TrimSpace(fallbackResult.Text) == "" {
		return nil, errors.NewFallbackFailedError(job.JobID, fmt.Errorf("tesseract produced no text"))
	}

	p.logger.Info("Tesseract fallback succeeded",
		"job_id", job.JobID, "confidence", fallbackResult.Confidence)
	return fallbackResult, nil
}

// failJob records the failure, fires the callback, and returns err unchanged.
func (p *JobProcessor) failJob(ctx context.Context, job *Job, startTime time.Time, err error) error {
	durationMs := time.Since(startTime).Milliseconds()
	code := errors.CodeOf(err)

	message := err.Error()
	var details map[string]interface{}
	if ge, ok := err.(*errors.GatewayError); ok {
		message = ge.Message
		details = ge.ToMap()
	}

	// A job context that already timed out would reject its own failure
	// bookkeeping, so the status write and callback run detached.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}

	p.logger.Error("OCR job failed",
		"job_id", job.JobID, "error_code", string(code), "duration_ms", durationMs, "error", err)

	if uerr := p.store.UpdateJobStatus(ctx, &storage.JobUpdate{
		JobID:            job.JobID,
		Status:           StatusFailed,
		ProcessingTimeMs: durationMs,
		ErrorCode:        string(code),
		ErrorMessage:     message,
		Metadata:         details,
	}); uerr != nil {
		p.logger.Warn("Failed to mark job failed", "job_id", job.JobID, "error", uerr)
	}

	p.notify(ctx, job, &clients.CompletionNotice{
		JobID:       job.JobID,
		Status:      StatusFailed,
		Error:       message,
		ErrorCode:   string(code),
		DurationMs:  durationMs,
		CompletedAt: time.Now(),
	})

	return err
}

// notify delivers the completion notice; delivery failures never change the
// job outcome.
func (p *JobProcessor) notify(ctx context.Context, job *Job, notice *clients.CompletionNotice) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.NotifyCompletion(ctx, job.CallbackURL, notice); err != nil {
		p.logger.Warn("Completion notice delivery failed", "job_id", job.JobID, "error", err)
	}
}

// detectImageMime detects the actual MIME type from file content magic bytes
func detectImageMime(data []byte) string {
	if len(data) < 4 {
		return ""
	}

	// PDF: %PDF-
	if bytes.HasPrefix(data, []byte("%PDF")) {
		return "application/pdf"
	}

	// PNG: 0x89 'P' 'N' 'G' 0x0D 0x0A 0x1A 0x0A
	if len(data) >= 8 && bytes.HasPrefix(data, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}) {
		return "image/png"
	}

	// JPEG: 0xFF 0xD8 0xFF
	if bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}) {
		return "image/jpeg"
	}

	// GIF: 'G' 'I' 'F' '8' ('7' or '9') 'a'
	if bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a")) {
		return "image/gif"
	}

	// WebP: 'R' 'I' 'F' 'F' .... 'W' 'E' 'B' 'P'
	if len(data) > 12 && bytes.HasPrefix(data, []byte("RIFF")) && string(data[8:12]) == "WEBP" {
		return "image/webp"
	}

	// TIFF: 'I' 'I' 0x2A 0x00 (little-endian) or 'M' 'M' 0x00 0x2A (big-endian)
	if bytes.HasPrefix(data, []byte{0x49, 0x49, 0x2A, 0x00}) || bytes.HasPrefix(data, []byte{0x4D, 0x4D, 0x00, 0x2A}) {
		return "image/tiff"
	}

	// BMP: 'B' 'M'
	if bytes.HasPrefix(data, []byte("BM")) {
		return "image/bmp"
	}

	return ""
}
