/**
 * Job Payload Codec for OCRGateway Worker
 *
 * Wire format shared by the Redis list and asynq drivers. Producers written
 * against the original Node gateway serialize image bytes either as a base64
 * string or as the legacy Buffer JSON object; both forms are accepted.
 */

package queue

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus/ocrgateway-worker/internal/processor"
)

// JobPayload contains one OCR job as it travels through the queue
type JobPayload struct {
	JobID       string                 `json:"jobId"`
	UserID      string                 `json:"userId,omitempty"`
	Filename    string                 `json:"filename,omitempty"`
	MimeType    string                 `json:"mimeType,omitempty"`
	ImageData   []byte                 `json:"-"` // decoded from imageData by UnmarshalJSON
	ModelID     string                 `json:"modelId,omitempty"`
	CallbackURL string                 `json:"callbackUrl,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// QueuedJob is the envelope on the Redis list: the payload plus attempt
// bookkeeping for requeues. Bare JobPayload objects are accepted too.
type QueuedJob struct {
	Payload     JobPayload `json:"payload"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"maxAttempts"`
	EnqueuedAt  time.Time  `json:"enqueuedAt"`
}

// UnmarshalJSON decodes imageData from either a base64 string or the legacy
// Node.js Buffer object form ({"type":"Buffer","data":[...]}).
func (p *JobPayload) UnmarshalJSON(data []byte) error {
	// Alias avoids recursing into this method.
	type Alias JobPayload
	aux := &struct {
		ImageData interface{} `json:"imageData,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal job payload: %w", err)
	}

	if aux.ImageData == nil {
		return nil
	}

	switch v := aux.ImageData.(type) {
	case string:
		decoded, err := decodeBase64(v)
		if err != nil {
			return fmt.Errorf("failed to decode base64 imageData: %w", err)
		}
		p.ImageData = decoded

	case map[string]interface{}:
		if bufferType, ok := v["type"].(string); !ok || bufferType != "Buffer" {
			return fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		dataArray, ok := v["data"].([]interface{})
		if !ok {
			return fmt.Errorf("Buffer object missing 'data' array")
		}
		p.ImageData = make([]byte, len(dataArray))
		for i, val := range dataArray {
			byteVal, ok := val.(float64)
			if !ok {
				return fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			p.ImageData[i] = byte(byteVal)
		}

	default:
		return fmt.Errorf("imageData must be either base64 string or Buffer object, got %T", v)
	}

	return nil
}

// MarshalJSON writes imageData back as a base64 string so requeued jobs
// round-trip without losing the image.
func (p JobPayload) MarshalJSON() ([]byte, error) {
	type Alias JobPayload
	return json.Marshal(&struct {
		ImageData string `json:"imageData,omitempty"`
		*Alias
	}{
		ImageData: base64.StdEncoding.EncodeToString(p.ImageData),
		Alias:     (*Alias)(&p),
	})
}

// Normalize fills derivable fields: a missing job ID gets a fresh UUID so
// downstream bookkeeping always has a key.
func (p *JobPayload) Normalize() {
	if p.JobID == "" {
		p.JobID = uuid.NewString()
	}
}

// ToJob converts the payload into the processor's job form.
func (p *JobPayload) ToJob() *processor.Job {
	return &processor.Job{
		JobID:       p.JobID,
		UserID:      p.UserID,
		Filename:    p.Filename,
		MimeType:    p.MimeType,
		ImageData:   p.ImageData,
		ModelID:     p.ModelID,
		CallbackURL: p.CallbackURL,
		Metadata:    p.Metadata,
	}
}

// DecodeQueued parses a queue entry, accepting both the QueuedJob envelope
// and a bare JobPayload object.
func DecodeQueued(data []byte) (*QueuedJob, error) {
	var envelope struct {
		Payload     *JobPayload `json:"payload"`
		Attempts    int         `json:"attempts"`
		MaxAttempts int         `json:"maxAttempts"`
		EnqueuedAt  time.Time   `json:"enqueuedAt"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Payload != nil {
		return &QueuedJob{
			Payload:     *envelope.Payload,
			Attempts:    envelope.Attempts,
			MaxAttempts: envelope.MaxAttempts,
			EnqueuedAt:  envelope.EnqueuedAt,
		}, nil
	}

	var payload JobPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode queued job: %w", err)
	}
	return &QueuedJob{Payload: payload}, nil
}

// decodeBase64 decodes standard encoding, then retries without padding.
func decodeBase64(s string) ([]byte, error) {
	if decoded, err := base64.StdEncoding.DecodeString(s); err == nil {
		return decoded, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}
