package queue

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/adverant/nexus/ocrgateway-worker/internal/errors"
)

func TestJobPayloadUnmarshalBase64String(t *testing.T) {
	image := []byte("image-bytes")
	raw := fmt.Sprintf(
		`{"jobId":"job-1","userId":"user-1","filename":"scan.png","mimeType":"image/png","imageData":%q,"modelId":"acme/ocr-1","callbackUrl":"http://callbacks.example/hook"}`,
		base64.StdEncoding.EncodeToString(image))

	var p JobPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if p.JobID != "job-1" || p.Filename != "scan.png" || p.ModelID != "acme/ocr-1" {
		t.Fatalf("fields did not decode: %+v", p)
	}
	if !bytes.Equal(p.ImageData, image) {
		t.Fatalf("image bytes mismatch: %q", p.ImageData)
	}
	if p.CallbackURL != "http://callbacks.example/hook" {
		t.Fatalf("callback URL mismatch: %q", p.CallbackURL)
	}
}

func TestJobPayloadUnmarshalNodeBuffer(t *testing.T) {
	raw := `{"jobId":"job-2","imageData":{"type":"Buffer","data":[104,105]}}`

	var p JobPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if string(p.ImageData) != "hi" {
		t.Fatalf("expected Buffer bytes decoded, got %q", p.ImageData)
	}
}

func TestJobPayloadUnmarshalMissingImage(t *testing.T) {
	var p JobPayload
	if err := json.Unmarshal([]byte(`{"jobId":"job-3"}`), &p); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if p.ImageData != nil {
		t.Fatalf("expected nil image data, got %q", p.ImageData)
	}
}

func TestJobPayloadUnmarshalRejectsBadImageData(t *testing.T) {
	testCases := []struct {
		name string
		raw  string
	}{
		{"wrong buffer type", `{"imageData":{"type":"NotBuffer","data":[1]}}`},
		{"missing data array", `{"imageData":{"type":"Buffer"}}`},
		{"non-numeric byte", `{"imageData":{"type":"Buffer","data":[1,"x"]}}`},
		{"numeric field", `{"imageData":42}`},
		{"invalid base64", `{"imageData":"!!!not-base64!!!"}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var p JobPayload
			if err := json.Unmarshal([]byte(tc.raw), &p); err == nil {
				t.Fatalf("expected decode error for %s", tc.raw)
			}
		})
	}
}

func TestJobPayloadMarshalRoundTrip(t *testing.T) {
	p := JobPayload{
		JobID:     "job-4",
		MimeType:  "image/png",
		ImageData: []byte{0x00, 0x01, 0xFF, 'a'},
	}

	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if strings.Contains(string(data), `"ImageData"`) {
		t.Fatalf("raw field name leaked into JSON: %s", data)
	}
	if !strings.Contains(string(data), `"imageData"`) {
		t.Fatalf("expected imageData key in JSON: %s", data)
	}

	var back JobPayload
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("round-trip unmarshal failed: %v", err)
	}
	if !bytes.Equal(back.ImageData, p.ImageData) {
		t.Fatalf("image bytes lost in round trip: %q", back.ImageData)
	}
}

func TestJobPayloadMarshalOmitsEmptyImage(t *testing.T) {
	data, err := json.Marshal(JobPayload{JobID: "job-5"})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if strings.Contains(string(data), "imageData") {
		t.Fatalf("empty image should be omitted: %s", data)
	}
}

func TestNormalizeFillsJobID(t *testing.T) {
	p := &JobPayload{}
	p.Normalize()
	if p.JobID == "" {
		t.Fatal("expected generated job ID")
	}
	if _, err := uuid.Parse(p.JobID); err != nil {
		t.Fatalf("generated job ID is not a UUID: %q", p.JobID)
	}

	q := &JobPayload{JobID: "explicit"}
	q.Normalize()
	if q.JobID != "explicit" {
		t.Fatalf("existing job ID must be kept, got %q", q.JobID)
	}
}

func TestToJobMapsAllFields(t *testing.T) {
	p := &JobPayload{
		JobID:       "job-6",
		UserID:      "user-6",
		Filename:    "receipt.jpg",
		MimeType:    "image/jpeg",
		ImageData:   []byte("img"),
		ModelID:     "acme/ocr-1",
		CallbackURL: "http://cb",
		Metadata:    map[string]interface{}{"source": "upload"},
	}

	job := p.ToJob()
	if job.JobID != p.JobID || job.UserID != p.UserID || job.Filename != p.Filename ||
		job.MimeType != p.MimeType || job.ModelID != p.ModelID || job.CallbackURL != p.CallbackURL {
		t.Fatalf("field mapping mismatch: %+v", job)
	}
	if !bytes.Equal(job.ImageData, p.ImageData) {
		t.Fatal("image bytes not carried over")
	}
	if job.Metadata["source"] != "upload" {
		t.Fatal("metadata not carried over")
	}
}

func TestDecodeQueuedEnvelope(t *testing.T) {
	raw := `{"payload":{"jobId":"e-1","imageData":"aGk="},"attempts":1,"maxAttempts":3}`

	queued, err := DecodeQueued([]byte(raw))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if queued.Payload.JobID != "e-1" || string(queued.Payload.ImageData) != "hi" {
		t.Fatalf("payload did not decode: %+v", queued.Payload)
	}
	if queued.Attempts != 1 || queued.MaxAttempts != 3 {
		t.Fatalf("attempt bookkeeping lost: %+v", queued)
	}
}

func TestDecodeQueuedBarePayload(t *testing.T) {
	raw := `{"jobId":"b-1","imageData":"aGk="}`

	queued, err := DecodeQueued([]byte(raw))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if queued.Payload.JobID != "b-1" || string(queued.Payload.ImageData) != "hi" {
		t.Fatalf("bare payload did not decode: %+v", queued.Payload)
	}
	if queued.Attempts != 0 || queued.MaxAttempts != 0 {
		t.Fatalf("bare payload should carry zero attempt bookkeeping: %+v", queued)
	}
}

func TestDecodeQueuedInvalid(t *testing.T) {
	if _, err := DecodeQueued([]byte(`{`)); err == nil {
		t.Fatal("expected error for truncated JSON")
	}
}

func TestQueuedJobRequeueRoundTrip(t *testing.T) {
	queued := &QueuedJob{
		Payload:     JobPayload{JobID: "r-1", ImageData: []byte("precious bytes")},
		Attempts:    2,
		MaxAttempts: 5,
	}

	data, err := json.Marshal(queued)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	back, err := DecodeQueued(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if string(back.Payload.ImageData) != "precious bytes" {
		t.Fatal("requeued job lost its image bytes")
	}
	if back.Attempts != 2 || back.MaxAttempts != 5 {
		t.Fatalf("attempt bookkeeping lost in round trip: %+v", back)
	}
}

func TestRequeueable(t *testing.T) {
	testCases := []struct {
		code     errors.ErrorCode
		expected bool
	}{
		{errors.ErrorRateLimitLocal, true},
		{errors.ErrorNetworkFailure, true},
		{errors.ErrorStorageFailed, true},
		{errors.ErrorProcessingTimeout, true},
		{errors.ErrorConfiguration, false},
		{errors.ErrorUpstreamTerminal, false},
		{errors.ErrorUpstreamRetryable, false},
		{errors.ErrorUnsupportedFormat, false},
		{errors.ErrorExtractionFailed, false},
		{errors.ErrorFallbackFailed, false},
	}

	for _, tc := range testCases {
		if got := requeueable(tc.code); got != tc.expected {
			t.Errorf("requeueable(%s) = %v, expected %v", tc.code, got, tc.expected)
		}
	}
}
