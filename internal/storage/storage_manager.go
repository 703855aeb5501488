/**
 * Storage Manager for OCRGateway Worker
 *
 * Coordinates extraction storage across PostgreSQL (text, metrics, job rows)
 * and Qdrant (embedding vectors). The vector is written first so a database
 * failure can roll it back; the reverse order would leave rows pointing at
 * vectors that were never indexed.
 */

package storage

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/adverant/nexus/ocrgateway-worker/internal/logging"
)

// StorageManager coordinates PostgreSQL and Qdrant operations
type StorageManager struct {
	postgres *PostgresClient
	qdrant   *QdrantClient
	logger   *logging.Logger
}

// StorageConfig carries connection settings for both backends.
type StorageConfig struct {
	PostgresURL      string
	QdrantAddress    string
	QdrantCollection string
	EmbeddingDims    int
	// BootstrapTimeout caps how long startup waits for the backends to
	// accept connections. Zero selects the default of 60 seconds.
	BootstrapTimeout time.Duration
}

// ExtractionInput represents one extraction to store
type ExtractionInput struct {
	JobID      string
	UserID     string
	Filename   string
	MimeType   string
	Text       string
	Characters int
	Words      int
	Lines      int
	Confidence float64
	Engine     string
	Model      string
	Embedding  []float32
	Metadata   map[string]interface{}
}

// ExtractionRecord identifies a stored extraction
type ExtractionRecord struct {
	ID            string
	QdrantPointID string
	CreatedAt     time.Time
}

// TextSearchResult is one similarity hit hydrated with its stored text
type TextSearchResult struct {
	ExtractionID    string
	JobID           string
	Filename        string
	Text            string
	Engine          string
	SimilarityScore float64
	CreatedAt       time.Time
}

// NewStorageManager connects to both backends, retrying with exponential
// backoff. At deploy time the worker often comes up before PostgreSQL and
// Qdrant finish their own startup.
func NewStorageManager(ctx context.Context, cfg StorageConfig) (*StorageManager, error) {
	logger := logging.NewLogger("storage")

	timeout := cfg.BootstrapTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	var postgres *PostgresClient
	var qdrantClient *QdrantClient

	connect := func() error {
		var err error
		if postgres == nil {
			postgres, err = NewPostgresClient(cfg.PostgresURL)
			if err != nil {
				logger.Warn("PostgreSQL not ready, retrying", "error", err)
				return err
			}
		}
		if qdrantClient == nil {
			qdrantClient, err = NewQdrantClient(cfg.QdrantAddress, cfg.QdrantCollection, cfg.EmbeddingDims)
			if err != nil {
				logger.Warn("Qdrant not ready, retrying", "error", err)
				return err
			}
		}
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.MaxElapsedTime = timeout
	expo.MaxInterval = 10 * time.Second

	if err := backoff.Retry(connect, backoff.WithContext(expo, ctx)); err != nil {
		if postgres != nil {
			postgres.Close()
		}
		return nil, fmt.Errorf("storage bootstrap failed: %w", err)
	}

	logger.Info("Storage connected",
		"qdrant_collection", cfg.QdrantCollection,
	)

	return &StorageManager{
		postgres: postgres,
		qdrant:   qdrantClient,
		logger:   logger,
	}, nil
}

// StoreExtraction stores one extraction across both backends. When the
// input carries an embedding the vector goes to Qdrant first; a PostgreSQL
// failure then deletes the vector so neither backend holds an orphan.
func (sm *StorageManager) StoreExtraction(ctx context.Context, input *ExtractionInput) (*ExtractionRecord, error) {
	if input == nil {
		return nil, fmt.Errorf("input is required")
	}

	if input.JobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	extractionID := uuid.New().String()

	var qdrantPointID string
	if input.Embedding != nil {
		qdrantPointID = uuid.New().String()

		point := &VectorPoint{
			ID:     qdrantPointID,
			Vector: input.Embedding,
			Metadata: map[string]interface{}{
				"job_id":        input.JobID,
				"extraction_id": extractionID,
				"user_id":       input.UserID,
				"filename":      input.Filename,
				"engine":        input.Engine,
			},
			Timestamp: time.Now().Unix(),
		}

		if err := sm.qdrant.UpsertVector(ctx, point); err != nil {
			return nil, fmt.Errorf("failed to store vector in Qdrant: %w", err)
		}
	}

	createdAt, err := sm.postgres.insertExtraction(ctx, input, extractionID, qdrantPointID)
	if err != nil {
		if qdrantPointID != "" {
			if delErr := sm.qdrant.DeleteVector(ctx, qdrantPointID); delErr != nil {
				sm.logger.Error("Failed to roll back Qdrant point",
					"point_id", qdrantPointID,
					"error", delErr,
				)
			}
		}
		return nil, fmt.Errorf("failed to store extraction in PostgreSQL: %w", err)
	}

	return &ExtractionRecord{
		ID:            extractionID,
		QdrantPointID: qdrantPointID,
		CreatedAt:     createdAt,
	}, nil
}

// GetExtraction retrieves a stored extraction by ID
func (sm *StorageManager) GetExtraction(ctx context.Context, extractionID string) (*Extraction, error) {
	return sm.postgres.GetExtraction(ctx, extractionID)
}

// SearchSimilarText finds extractions whose embeddings are close to the
// query vector and hydrates each hit with its stored text.
func (sm *StorageManager) SearchSimilarText(ctx context.Context, queryVector []float32, limit int) ([]*TextSearchResult, error) {
	points, err := sm.qdrant.SearchVectors(ctx, queryVector, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search vectors: %w", err)
	}

	results := make([]*TextSearchResult, 0, len(points))
	for _, point := range points {
		extractionID, ok := point.Metadata["extraction_id"].(string)
		if !ok {
			continue
		}

		ext, err := sm.postgres.GetExtraction(ctx, extractionID)
		if err != nil {
			// Skip hits whose rows were deleted out from under the index
			sm.logger.Warn("Search hit has no extraction row",
				"extraction_id", extractionID,
				"error", err,
			)
			continue
		}

		score := 0.0
		switch s := point.Metadata["score"].(type) {
		case float32:
			score = float64(s)
		case float64:
			score = s
		}

		results = append(results, &TextSearchResult{
			ExtractionID:    ext.ID,
			JobID:           ext.JobID,
			Filename:        ext.Filename,
			Text:            ext.Text,
			Engine:          ext.Engine,
			SimilarityScore: score,
			CreatedAt:       ext.CreatedAt,
		})
	}

	return results, nil
}

// FindSimilarToExtraction runs a similarity search seeded by an extraction
// that is already stored, reusing the vector held in Qdrant instead of
// re-embedding the text.
func (sm *StorageManager) FindSimilarToExtraction(ctx context.Context, extractionID string, limit int) ([]*TextSearchResult, error) {
	ext, err := sm.postgres.GetExtraction(ctx, extractionID)
	if err != nil {
		return nil, err
	}

	if ext.QdrantPointID == "" {
		return nil, fmt.Errorf("extraction has no embedding: %s", extractionID)
	}

	point, err := sm.qdrant.GetVector(ctx, ext.QdrantPointID)
	if err != nil {
		return nil, fmt.Errorf("failed to get vector from Qdrant: %w", err)
	}

	// Ask for one extra hit: the seed extraction is its own closest match.
	results, err := sm.SearchSimilarText(ctx, point.Vector, limit+1)
	if err != nil {
		return nil, err
	}

	filtered := results[:0]
	for _, r := range results {
		if r.ExtractionID == extractionID {
			continue
		}
		filtered = append(filtered, r)
	}
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}

	return filtered, nil
}

// UpdateJobStatus updates job status in PostgreSQL
func (sm *StorageManager) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	return sm.postgres.UpdateJobStatus(ctx, update)
}

// GetJobByID retrieves job by ID
func (sm *StorageManager) GetJobByID(ctx context.Context, jobID string) (map[string]interface{}, error) {
	return sm.postgres.GetJobByID(ctx, jobID)
}

// Ping checks connectivity to PostgreSQL
func (sm *StorageManager) Ping(ctx context.Context) error {
	return sm.postgres.Ping(ctx)
}

// GetStats returns statistics from both systems
func (sm *StorageManager) GetStats(ctx context.Context) (map[string]interface{}, error) {
	pgStats := sm.postgres.GetStats()

	qdrantStats, err := sm.qdrant.GetCollectionInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get Qdrant stats: %w", err)
	}

	return map[string]interface{}{
		"postgres": map[string]interface{}{
			"max_open_connections": pgStats.MaxOpenConnections,
			"open_connections":     pgStats.OpenConnections,
			"in_use":               pgStats.InUse,
			"idle":                 pgStats.Idle,
			"wait_count":           pgStats.WaitCount,
			"wait_duration":        pgStats.WaitDuration.String(),
		},
		"qdrant": qdrantStats,
	}, nil
}

// Close closes all connections
func (sm *StorageManager) Close() error {
	var pgErr, qdErr error

	if sm.postgres != nil {
		pgErr = sm.postgres.Close()
	}

	if sm.qdrant != nil {
		qdErr = sm.qdrant.Close()
	}

	if pgErr != nil {
		return fmt.Errorf("failed to close PostgreSQL: %w", pgErr)
	}

	if qdErr != nil {
		return fmt.Errorf("failed to close Qdrant: %w", qdErr)
	}

	return nil
}

// sanitizeJSONForPostgres strips Unicode escape sequences that PostgreSQL
// JSONB rejects. \u0000 is invalid outright; other control characters
// surface as errors in some contexts, so they become spaces.
func sanitizeJSONForPostgres(jsonBytes []byte) []byte {
	result := nullEscapePattern.ReplaceAll(jsonBytes, []byte{})
	return controlEscapePattern.ReplaceAll(result, []byte(" "))
}

var (
	nullEscapePattern    = regexp.MustCompile(`\\u0000`)
	controlEscapePattern = regexp.MustCompile(`\\u00[01][0-9a-fA-F]`)
)
