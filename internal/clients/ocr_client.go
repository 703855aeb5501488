/**
 * OCR Provider Client for OCRGateway Worker
 *
 * Resilient client for the remote OCR service. Every call runs through local
 * sliding-window admission control, then an attempt loop with exponential
 * backoff and pluggable failure classification, then schema-tolerant text
 * extraction. All outcomes surface as typed GatewayErrors; nothing panics
 * past AnalyzeImage.
 */

package clients

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/adverant/nexus/ocrgateway-worker/internal/errors"
	"github.com/adverant/nexus/ocrgateway-worker/internal/logging"
	"github.com/adverant/nexus/ocrgateway-worker/internal/ratelimit"
)

const (
	// Model display name users keep pasting where a model ID belongs.
	placeholderModelName = "Nanonets-ocr2-7B"
	// A real model ID, shown in the corrective error.
	exampleModelID = "nanonets/Nanonets-OCR2-7B"

	defaultMimeType = "image/jpeg"

	// Upstream error bodies are capped before they reach users or job records.
	maxErrorBodyChars = 500
)

// OCRClientConfig configures the OCR provider client. BaseURL is required;
// zero values elsewhere fall back to the documented defaults.
type OCRClientConfig struct {
	BaseURL string
	APIKey  string
	ModelID string

	// Local admission control
	MaxRequests int
	Window      time.Duration

	// Retry/backoff
	MaxRetries        int
	BaseDelay         time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration

	// User-facing message templates
	RateLimitMessage        string
	GenericUpstreamMessage  string
	RetriesExhaustedMessage string

	// RetryDecider classifies failed responses; nil means DefaultRetryDecider.
	RetryDecider RetryDecider

	// HTTPClient is the transport; timeouts are its responsibility.
	HTTPClient *http.Client

	Logger *logging.Logger
}

// OCRClient uploads images to the remote OCR provider and extracts text from
// its responses.
type OCRClient struct {
	baseURL string
	apiKey  string
	modelID string

	limiter    *ratelimit.SlidingWindow
	httpClient *http.Client
	logger     *logging.Logger

	maxRetries        int
	baseDelay         time.Duration
	backoffMultiplier float64
	maxDelay          time.Duration
	retryDecider      RetryDecider

	msgRateLimit        string
	msgGenericUpstream  string
	msgRetriesExhausted string

	// sleep suspends between attempts without outliving the call's context;
	// swapped out in tests.
	sleep func(context.Context, time.Duration)
}

// AnalyzeRequest describes one OCR call. ImageBase64 is the encoded image
// (a data-URI prefix is tolerated). APIKey and ModelID override the client's
// configured values for this call only.
type AnalyzeRequest struct {
	ImageBase64 string
	MimeType    string
	APIKey      string
	ModelID     string
}

// NewOCRClient creates a new OCR provider client
func NewOCRClient(cfg *OCRClientConfig) (*OCRClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("client config is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("OCR provider base URL is required")
	}

	maxRequests := cfg.MaxRequests
	if maxRequests <= 0 {
		maxRequests = 10
	}
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}

	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := cfg.BaseDelay
	if baseDelay < 0 {
		baseDelay = 0
	}
	multiplier := cfg.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 2
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}

	decider := cfg.RetryDecider
	if decider == nil {
		decider = DefaultRetryDecider
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("ocr-client")
	}

	msgRateLimit := cfg.RateLimitMessage
	if msgRateLimit == "" {
		msgRateLimit = "OCR rate limit reached. Try again in %d seconds."
	}
	msgGeneric := cfg.GenericUpstreamMessage
	if msgGeneric == "" {
		msgGeneric = "The OCR service returned an error with no details (HTTP %d)."
	}
	msgExhausted := cfg.RetriesExhaustedMessage
	if msgExhausted == "" {
		msgExhausted = "OCR request failed after %d attempts: max retries exceeded."
	}

	return &OCRClient{
		baseURL:             strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:              cfg.APIKey,
		modelID:             cfg.ModelID,
		limiter:             ratelimit.NewSlidingWindow(maxRequests, window),
		httpClient:          httpClient,
		logger:              logger,
		maxRetries:          maxRetries,
		baseDelay:           baseDelay,
		backoffMultiplier:   multiplier,
		maxDelay:            maxDelay,
		retryDecider:        decider,
		msgRateLimit:        msgRateLimit,
		msgGenericUpstream:  msgGeneric,
		msgRetriesExhausted: msgExhausted,
		sleep:               sleepContext,
	}, nil
}

// AnalyzeImage uploads a base64-encoded image to the OCR provider and returns
// the extracted text. Every failure comes back as a *errors.GatewayError;
// exactly one of the return values is populated.
func (c *OCRClient) AnalyzeImage(ctx context.Context, req *AnalyzeRequest) (string, error) {
	if req == nil {
		req = &AnalyzeRequest{}
	}

	// Credential and model resolution are pure checks; they must not consume
	// an admission slot.
	apiKey := req.APIKey
	if apiKey == "" {
		apiKey = c.apiKey
	}
	if apiKey == "" {
		return "", errors.NewConfigurationError("OCR API key is not configured: pass one per call or set OCR_API_KEY")
	}

	modelID := req.ModelID
	if modelID == "" {
		modelID = c.modelID
	}
	if modelID == "" {
		return "", errors.NewConfigurationError("OCR model ID is not configured: pass one per call or set OCR_MODEL_ID")
	}
	if strings.EqualFold(modelID, placeholderModelName) {
		return "", errors.NewConfigurationError(fmt.Sprintf(
			"%q is the model's display name, not its ID; set the model ID instead (for example %q)",
			modelID, exampleModelID))
	}

	if !c.limiter.Allow() {
		wait := c.limiter.TimeUntilNext()
		seconds := int(math.Ceil(wait.Seconds()))
		return "", errors.NewLocalRateLimitError(fmt.Sprintf(c.msgRateLimit, seconds), wait)
	}

	image, err := decodeImageBase64(req.ImageBase64)
	if err != nil {
		return "", errors.NewConfigurationError(fmt.Sprintf("image payload is not valid base64: %v", err))
	}

	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = defaultMimeType
	}

	c.logger.Debug("Dispatching OCR request",
		"model", modelID,
		"image_bytes", len(image),
		"mime_type", mimeType,
		"window_used", c.limiter.InWindow())

	return c.analyzeWithRetry(ctx, image, mimeType, apiKey, modelID)
}

// analyzeWithRetry runs the attempt loop: maxRetries+1 attempts, exponential
// backoff between retryable failures, terminal classification otherwise.
func (c *OCRClient) analyzeWithRetry(ctx context.Context, image []byte, mimeType, apiKey, modelID string) (string, error) {
	attempts := c.maxRetries + 1

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		status, body, err := c.upload(ctx, image, mimeType, apiKey, modelID)

		if err != nil {
			if attempt == c.maxRetries {
				return "", errors.NewNetworkFailureError("Unexpected error while calling the OCR service", err)
			}
			delay := c.backoffDelay(attempt)
			c.logger.Warn("OCR transport failure, retrying",
				"attempt", attempt+1, "attempts", attempts, "delay_ms", delay.Milliseconds(), "error", err)
			c.sleep(ctx, delay)
			continue
		}

		if status < 200 || status >= 300 {
			bodyText := strings.TrimSpace(string(body))
			if c.retryDecider(status, bodyText) && attempt < c.maxRetries {
				retryErr := errors.NewUpstreamRetryableError(status, truncateBody(bodyText))
				delay := c.backoffDelay(attempt)
				c.logger.Warn("OCR service returned retryable failure",
					"status", status, "attempt", attempt+1, "attempts", attempts,
					"delay_ms", delay.Milliseconds(), "error", retryErr)
				c.sleep(ctx, delay)
				continue
			}
			return "", c.terminalUpstreamError(status, bodyText)
		}

		// Success: decode and extract. A non-JSON 2xx body is treated as the
		// text node itself, matching the extractor's tolerance of bare strings.
		var node interface{}
		if uerr := json.Unmarshal(body, &node); uerr != nil {
			node = string(body)
		}

		text := extractText(node)
		if text == "" {
			return "", errors.NewExtractionFailedError("OCR succeeded but no text could be extracted from the response")
		}
		return text, nil
	}

	// Reached only if every attempt classified retryable without returning.
	return "", errors.NewUpstreamTerminalError(0, fmt.Sprintf(c.msgRetriesExhausted, attempts), nil)
}

// upload performs one multipart POST to the per-model endpoint. The returned
// error covers transport-level failures only; HTTP failures come back as a
// status code plus body.
func (c *OCRClient) upload(ctx context.Context, image []byte, mimeType, apiKey, modelID string) (int, []byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", filenameForMime(mimeType))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return 0, nil, fmt.Errorf("failed to write image payload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return 0, nil, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	url := fmt.Sprintf("%s/%s", c.baseURL, modelID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	httpReq.SetBasicAuth(apiKey, "")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return resp.StatusCode, body, nil
}

// backoffDelay computes the pause before the attempt after attemptIndex:
// baseDelay * multiplier^attemptIndex, capped at maxDelay. Pure computation,
// separate from the sleep itself.
func (c *OCRClient) backoffDelay(attemptIndex int) time.Duration {
	delay := time.Duration(float64(c.baseDelay) * math.Pow(c.backoffMultiplier, float64(attemptIndex)))
	if delay > c.maxDelay || delay < 0 {
		delay = c.maxDelay
	}
	return delay
}

// sleepContext waits out the backoff delay, returning early if the context
// ends first. A dead context makes the remaining attempts fail fast instead
// of holding the worker slot through every delay.
func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// terminalUpstreamError builds the user-visible terminal error for a failed
// response: capped body text, generic fallback when the body is empty, and a
// corrective hint when a 400 complains about the model identifier.
func (c *OCRClient) terminalUpstreamError(status int, bodyText string) error {
	message := truncateBody(bodyText)
	if message == "" {
		message = fmt.Sprintf(c.msgGenericUpstream, status)
	}
	if status == http.StatusBadRequest && mentionsInvalidModel(bodyText) {
		message += fmt.Sprintf(" Hint: pass the model's ID rather than its display name (for example %q).", exampleModelID)
	}
	return errors.NewUpstreamTerminalError(status, message, nil)
}

// AdmittedInWindow reports how many requests the local limiter has admitted
// in the current trailing window.
func (c *OCRClient) AdmittedInWindow() int {
	return c.limiter.InWindow()
}

// truncateBody caps upstream error text so oversized or sensitive payloads
// never reach job records or users verbatim.
func truncateBody(body string) string {
	runes := []rune(body)
	if len(runes) <= maxErrorBodyChars {
		return body
	}
	return string(runes[:maxErrorBodyChars])
}

// filenameForMime derives the multipart filename from the MIME subtype,
// e.g. image/png -> image.png.
func filenameForMime(mimeType string) string {
	subtype := mimeType
	if i := strings.Index(mimeType, "/"); i >= 0 {
		subtype = mimeType[i+1:]
	}
	if i := strings.Index(subtype, ";"); i >= 0 {
		subtype = subtype[:i]
	}
	subtype = strings.TrimSpace(subtype)
	if subtype == "" {
		subtype = "jpeg"
	}
	return "image." + subtype
}

// decodeImageBase64 decodes the image payload, tolerating a data-URI prefix,
// embedded line breaks, and missing padding.
func decodeImageBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, s)

	if decoded, err := base64.StdEncoding.DecodeString(s); err == nil {
		return decoded, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}
