/**
 * PostgreSQL Client for OCRGateway Worker
 *
 * Persists OCR job lifecycle rows and extraction records. Job updates are
 * UPSERTs so the worker can create the row when the producer enqueued the
 * job without registering it first.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// JobUpdate represents a job status update
type JobUpdate struct {
	JobID            string
	Status           string
	Confidence       float64
	ProcessingTimeMs int64
	ExtractionID     string
	EngineUsed       string
	ErrorCode        string
	ErrorMessage     string
	Metadata         map[string]interface{}
}

// Extraction is a stored extraction row, including the embedding when
// one was generated.
type Extraction struct {
	ID            string
	JobID         string
	UserID        string
	Filename      string
	MimeType      string
	Text          string
	Characters    int
	Words         int
	Lines         int
	Confidence    float64
	Engine        string
	Model         string
	Embedding     []float32
	QdrantPointID string
	Metadata      map[string]interface{}
	CreatedAt     time.Time
}

// sanitizeConfidence rounds confidence to 4 decimal places and clamps it to
// [0.0, 1.0]. Float64 representations like 0.9632000000000001 overflow the
// NUMERIC(5,4) column and fail the insert.
func sanitizeConfidence(confidence float64) float64 {
	if confidence < 0.0 {
		return 0.0
	}
	if confidence > 1.0 {
		return 1.0
	}
	return float64(int(confidence*10000+0.5)) / 10000
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// UpdateJobStatus upserts the job row with the new status. Zero-valued
// fields never overwrite data written by an earlier update, so a failure
// update keeps the confidence recorded at completion and vice versa.
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	sanitizedConfidence := sanitizeConfidence(update.Confidence)

	// A nil map marshals to the JSON literal null, which the jsonb merge
	// below chokes on; send an empty object instead.
	metadataJSON := []byte("{}")
	if update.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(update.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadataJSON = sanitizeJSONForPostgres(metadataJSON)
	}

	// Confidence goes through an explicit NUMERIC(5,4) cast so the stored
	// value is bounded to 4 decimals regardless of column affinity.
	query := `
		INSERT INTO ocrgateway.ocr_jobs (
			id, user_id, filename, mime_type, file_size,
			status, confidence, processing_time_ms, extraction_id,
			error_code, error_message, engine_used, metadata,
			created_at, updated_at
		) VALUES (
			$1::uuid, COALESCE(NULLIF($13, ''), 'anonymous'), COALESCE(NULLIF($10, ''), 'unknown.bin'),
			COALESCE(NULLIF($11, ''), 'application/octet-stream'), COALESCE($12, 0),
			$2, NULLIF($3::NUMERIC(5,4), 0), NULLIF($4, 0),
			CASE WHEN $5 = '' THEN NULL ELSE $5::uuid END,
			NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''),
			COALESCE($9::jsonb, '{}'::jsonb),
			NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			confidence = COALESCE(NULLIF(EXCLUDED.confidence::NUMERIC(5,4), 0), ocrgateway.ocr_jobs.confidence),
			processing_time_ms = COALESCE(NULLIF(EXCLUDED.processing_time_ms, 0), ocrgateway.ocr_jobs.processing_time_ms),
			extraction_id = CASE
				WHEN EXCLUDED.extraction_id IS NOT NULL THEN EXCLUDED.extraction_id
				ELSE ocrgateway.ocr_jobs.extraction_id
			END,
			error_code = NULLIF(EXCLUDED.error_code, ''),
			error_message = NULLIF(EXCLUDED.error_message, ''),
			engine_used = COALESCE(NULLIF(EXCLUDED.engine_used, ''), ocrgateway.ocr_jobs.engine_used),
			metadata = COALESCE(ocrgateway.ocr_jobs.metadata, '{}'::jsonb) || COALESCE(EXCLUDED.metadata, '{}'::jsonb),
			filename = COALESCE(NULLIF($10, ''), ocrgateway.ocr_jobs.filename),
			mime_type = COALESCE(NULLIF($11, ''), ocrgateway.ocr_jobs.mime_type),
			file_size = COALESCE(NULLIF($12, 0), ocrgateway.ocr_jobs.file_size),
			user_id = COALESCE(NULLIF($13, ''), ocrgateway.ocr_jobs.user_id),
			updated_at = NOW()
		RETURNING id
	`

	// The processing update carries file facts in metadata; lift them into
	// their own columns so the row is queryable without JSONB operators.
	var filename, mimeType, userID string
	var fileSize int64
	if update.Metadata != nil {
		if fn, ok := update.Metadata["filename"].(string); ok {
			filename = fn
		}
		if mt, ok := update.Metadata["mimeType"].(string); ok {
			mimeType = mt
		}
		switch fs := update.Metadata["fileSize"].(type) {
		case int:
			fileSize = int64(fs)
		case int64:
			fileSize = fs
		case float64:
			fileSize = int64(fs)
		}
		if uid, ok := update.Metadata["userId"].(string); ok {
			userID = uid
		}
	}

	var returnedID string
	err := p.db.QueryRowContext(
		ctx,
		query,
		update.JobID,            // $1
		update.Status,           // $2
		sanitizedConfidence,     // $3
		update.ProcessingTimeMs, // $4
		update.ExtractionID,     // $5
		update.ErrorCode,        // $6
		update.ErrorMessage,     // $7
		update.EngineUsed,       // $8
		metadataJSON,            // $9
		filename,                // $10
		mimeType,                // $11
		fileSize,                // $12
		userID,                  // $13
	).Scan(&returnedID)

	if err == sql.ErrNoRows {
		return fmt.Errorf("job not found: %s", update.JobID)
	}

	if err != nil {
		return fmt.Errorf("failed to update job status (job=%s, status=%s, confidence=%.4f): %w",
			update.JobID, update.Status, sanitizedConfidence, err)
	}

	return nil
}

// insertExtraction writes one extraction row. IDs are assigned by the
// caller so the Qdrant point and the row can share bookkeeping.
func (p *PostgresClient) insertExtraction(ctx context.Context, input *ExtractionInput, extractionID, qdrantPointID string) (time.Time, error) {
	metadataJSON := []byte("{}")
	if input.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(input.Metadata)
		if err != nil {
			return time.Time{}, fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadataJSON = sanitizeJSONForPostgres(metadataJSON)
	}

	query := `
		INSERT INTO ocrgateway.extractions (
			id, job_id, user_id, filename, mime_type,
			content, characters, words, lines,
			confidence, engine, model,
			embedding, qdrant_point_id, metadata,
			created_at
		) VALUES (
			$1::uuid, $2::uuid, NULLIF($3, ''), $4, $5,
			$6, $7, $8, $9,
			$10::NUMERIC(5,4), $11, $12,
			$13, CASE WHEN $14 = '' THEN NULL ELSE $14::uuid END, COALESCE($15::jsonb, '{}'::jsonb),
			NOW()
		)
		RETURNING created_at
	`

	var createdAt time.Time
	err := p.db.QueryRowContext(
		ctx,
		query,
		extractionID,
		input.JobID,
		input.UserID,
		input.Filename,
		input.MimeType,
		input.Text,
		input.Characters,
		input.Words,
		input.Lines,
		sanitizeConfidence(input.Confidence),
		input.Engine,
		input.Model,
		pq.Array(input.Embedding),
		qdrantPointID,
		metadataJSON,
	).Scan(&createdAt)

	if err != nil {
		return time.Time{}, fmt.Errorf("failed to store extraction: %w", err)
	}

	return createdAt, nil
}

// GetExtraction retrieves an extraction row by ID
func (p *PostgresClient) GetExtraction(ctx context.Context, extractionID string) (*Extraction, error) {
	if extractionID == "" {
		return nil, fmt.Errorf("extraction ID is required")
	}

	query := `
		SELECT
			id, job_id, user_id, filename, mime_type,
			content, characters, words, lines,
			confidence, engine, model,
			embedding, qdrant_point_id, metadata,
			created_at
		FROM ocrgateway.extractions
		WHERE id = $1::uuid
	`

	var (
		ext            Extraction
		userID         sql.NullString
		confidence     sql.NullFloat64
		embeddingArray pq.Float32Array
		qdrantPointID  sql.NullString
		metadataJSON   []byte
	)

	err := p.db.QueryRowContext(ctx, query, extractionID).Scan(
		&ext.ID, &ext.JobID, &userID, &ext.Filename, &ext.MimeType,
		&ext.Text, &ext.Characters, &ext.Words, &ext.Lines,
		&confidence, &ext.Engine, &ext.Model,
		&embeddingArray, &qdrantPointID, &metadataJSON,
		&ext.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("extraction not found: %s", extractionID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get extraction: %w", err)
	}

	ext.UserID = userID.String
	ext.Confidence = confidence.Float64
	ext.Embedding = []float32(embeddingArray)
	ext.QdrantPointID = qdrantPointID.String

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &ext.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &ext, nil
}

// GetJobByID retrieves a job by ID
func (p *PostgresClient) GetJobByID(ctx context.Context, jobID string) (map[string]interface{}, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	query := `
		SELECT
			id,
			user_id,
			filename,
			mime_type,
			file_size,
			status,
			confidence,
			processing_time_ms,
			extraction_id,
			error_code,
			error_message,
			engine_used,
			metadata,
			created_at,
			updated_at
		FROM ocrgateway.ocr_jobs
		WHERE id = $1::uuid
	`

	var (
		id, userID, filename                 string
		mimeType, status                     sql.NullString
		fileSize                             sql.NullInt64
		confidence                           sql.NullFloat64
		processingTimeMs                     sql.NullInt64
		extractionID, errorCode, errorMessage sql.NullString
		engineUsed                           sql.NullString
		metadataJSON                         []byte
		createdAt, updatedAt                 time.Time
	)

	err := p.db.QueryRowContext(ctx, query, jobID).Scan(
		&id, &userID, &filename, &mimeType, &fileSize, &status,
		&confidence, &processingTimeMs, &extractionID,
		&errorCode, &errorMessage, &engineUsed,
		&metadataJSON, &createdAt, &updatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var metadata map[string]interface{}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	result := map[string]interface{}{
		"id":        id,
		"userId":    userID,
		"filename":  filename,
		"status":    status.String,
		"createdAt": createdAt,
		"updatedAt": updatedAt,
		"metadata":  metadata,
	}

	if mimeType.Valid {
		result["mimeType"] = mimeType.String
	}
	if fileSize.Valid {
		result["fileSize"] = fileSize.Int64
	}
	if confidence.Valid {
		result["confidence"] = confidence.Float64
	}
	if processingTimeMs.Valid {
		result["processingTimeMs"] = processingTimeMs.Int64
	}
	if extractionID.Valid {
		result["extractionId"] = extractionID.String
	}
	if errorCode.Valid {
		result["errorCode"] = errorCode.String
	}
	if errorMessage.Valid {
		result["errorMessage"] = errorMessage.String
	}
	if engineUsed.Valid {
		result["engineUsed"] = engineUsed.String
	}

	return result, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}
