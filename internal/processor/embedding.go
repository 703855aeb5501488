/**
 * Embedding Client for OCRGateway Worker
 *
 * Generates VoyageAI voyage-3 embeddings (1024 dimensions) for extracted text
 * so completed jobs can be searched by similarity.
 */

package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/adverant/nexus/ocrgateway-worker/internal/logging"
)

const (
	voyageEndpoint      = "https://api.voyageai.com/v1/embeddings"
	voyageModel         = "voyage-3"
	embeddingDimensions = 1024

	// Approximate input budget; VoyageAI enforces token limits.
	maxEmbeddingChars = 16000
)

// EmbeddingClient handles VoyageAI embedding generation
type EmbeddingClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

type voyageRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

type voyageResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// NewEmbeddingClient creates a new embedding client
func NewEmbeddingClient(apiKey string) (*EmbeddingClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("VoyageAI API key is required")
	}

	return &EmbeddingClient{
		apiKey:  apiKey,
		baseURL: voyageEndpoint,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logging.NewLogger("embeddings"),
	}, nil
}

// GenerateEmbedding generates a 1024-dimensional embedding for the given text
func (e *EmbeddingClient) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("text is required")
	}

	if len(text) > maxEmbeddingChars {
		e.logger.Warn("Text exceeds embedding input budget, truncating",
			"chars", len(text), "max_chars", maxEmbeddingChars)
		text = text[:maxEmbeddingChars]
	}

	payload, err := json.Marshal(voyageRequest{
		Input: text,
		Model: voyageModel,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", e.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", e.apiKey))

	startTime := time.Now()
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read embedding response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("VoyageAI API returned status %d: %s", resp.StatusCode, string(body))
	}

	var voyageResp voyageResponse
	if err := json.Unmarshal(body, &voyageResp); err != nil {
		return nil, fmt.Errorf("failed to parse embedding response: %w", err)
	}

	if len(voyageResp.Data) == 0 {
		return nil, fmt.Errorf("no embedding data in response")
	}

	embedding := voyageResp.Data[0].Embedding
	if len(embedding) != embeddingDimensions {
		return nil, fmt.Errorf("unexpected embedding dimensions: got %d, expected %d",
			len(embedding), embeddingDimensions)
	}

	e.logger.Debug("Embedding generated",
		"dimensions", len(embedding),
		"tokens", voyageResp.Usage.TotalTokens,
		"duration_ms", time.Since(startTime).Milliseconds())

	return embedding, nil
}
