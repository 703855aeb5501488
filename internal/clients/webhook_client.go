/**
 * Webhook Client for OCRGateway Worker
 *
 * Delivers job completion notices to callback URLs. Producers can register
 * a callback per job or rely on the worker-wide default; either way the
 * worker POSTs a JSON notice when a job settles. Delivery is best-effort:
 * failures are reported to the caller but never alter the job outcome.
 */

package clients

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

// WebhookClient posts completion notices to registered callback URLs
type WebhookClient struct {
	defaultURL string
	httpClient *http.Client
	logger     *logging.Logger
}

// CompletionNotice is the payload POSTed to the callback URL when a job
// reaches a terminal status.
type CompletionNotice struct {
	JobID       string    `json:"jobId"`
	Status      string    `json:"status"` // "completed" or "failed"
	TextLength  int       `json:"textLength,omitempty"`
	Confidence  float64   `json:"confidence,omitempty"`
	Engine      string    `json:"engine,omitempty"` // which OCR engine produced the text
	Model       string    `json:"model,omitempty"`
	Error       string    `json:"error,omitempty"`
	ErrorCode   string    `json:"errorCode,omitempty"`
	DurationMs  int64     `json:"durationMs"`
	CompletedAt time.Time `json:"completedAt"`
}

// NewWebhookClient creates a webhook client. defaultURL may be empty; jobs
// without their own callback URL are then skipped silently.
func NewWebhookClient(defaultURL string) *WebhookClient {
	return &WebhookClient{
		defaultURL: defaultURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logging.NewLogger("webhook"),
	}
}

// HealthCheck verifies the default callback endpoint is reachable. Webhook
// receivers commonly reject GET with 405, so anything below 500 counts as
// alive.
func (c *WebhookClient) HealthCheck(ctx context.Context) error {
	if c.defaultURL == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.defaultURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("webhook health check returned status %d", resp.StatusCode)
	}

	return nil
}

// NotifyCompletion POSTs the notice to callbackURL, falling back to the
// worker-wide default. A job with no callback anywhere is not an error.
func (c *WebhookClient) NotifyCompletion(ctx context.Context, callbackURL string, notice *CompletionNotice) error {
	url := callbackURL
	if url == "" {
		url = c.defaultURL
	}
	if url == "" {
		c.logger.Debug("No callback URL registered, skipping notification", "job_id", notice.JobID)
		return nil
	}

	payload, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("failed to marshal completion notice: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create notification request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "ocrgateway-worker")
	httpReq.Header.Set("X-OCRGateway-Event", "job."+notice.Status)

	c.logger.Info("Delivering completion notice",
		"job_id", notice.JobID, "status", notice.Status, "url", url)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to deliver completion notice: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read webhook response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, truncateBody(string(body)))
	}

	c.logger.Debug("Completion notice delivered", "job_id", notice.JobID, "status_code", resp.StatusCode)
	return nil
}
