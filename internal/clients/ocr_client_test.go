package clients

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adverant/nexus/ocrgateway-worker/internal/errors"
)

const testModelID = "nanonets/Nanonets-OCR2-7B"

func newTestClient(t *testing.T, baseURL string) *OCRClient {
	t.Helper()
	client, err := NewOCRClient(&OCRClientConfig{
		BaseURL:           baseURL,
		APIKey:            "test-key",
		ModelID:           testModelID,
		MaxRequests:       100,
		Window:            time.Minute,
		MaxRetries:        3,
		BaseDelay:         10 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxDelay:          80 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewOCRClient failed: %v", err)
	}
	return client
}

func recordSleeps(client *OCRClient) *[]time.Duration {
	var slept []time.Duration
	client.sleep = func(_ context.Context, d time.Duration) { slept = append(slept, d) }
	return &slept
}

func encodeImage(payload string) string {
	return base64.StdEncoding.EncodeToString([]byte(payload))
}

func gatewayError(t *testing.T, err error) *errors.GatewayError {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error")
	}
	ge, ok := err.(*errors.GatewayError)
	if !ok {
		t.Fatalf("expected *errors.GatewayError, got %T: %v", err, err)
	}
	return ge
}

func TestAnalyzeImageSuccess(t *testing.T) {
	imageBytes := []byte("fake-png-bytes")

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)

		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/"+testModelID {
			t.Errorf("expected per-model path /%s, got %s", testModelID, r.URL.Path)
		}

		user, pass, ok := r.BasicAuth()
		if !ok || user != "test-key" || pass != "" {
			t.Errorf("expected basic auth with API key as username and empty password, got %q/%q", user, pass)
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("expected multipart field %q: %v", "file", err)
		} else {
			defer file.Close()
			uploaded, _ := io.ReadAll(file)
			if string(uploaded) != string(imageBytes) {
				t.Errorf("uploaded bytes mismatch: got %q", uploaded)
			}
			if header.Filename != "image.png" {
				t.Errorf("expected filename image.png, got %q", header.Filename)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"result":[{"pages":[{"lines":[{"text":"INVOICE"},{"text":"#42"}]}]}]}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	text, err := client.AnalyzeImage(context.Background(), &AnalyzeRequest{
		ImageBase64: encodeImage(string(imageBytes)),
		MimeType:    "image/png",
	})

	if err != nil {
		t.Fatalf("AnalyzeImage failed: %v", err)
	}
	if text != "INVOICE\n#42" {
		t.Fatalf("expected extracted text %q, got %q", "INVOICE\n#42", text)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected 1 upstream call, got %d", got)
	}
}

func TestAnalyzeImageRetriesThenSucceeds(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, "Too many requests")
			return
		}
		fmt.Fprint(w, `{"text":"recovered"}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	slept := recordSleeps(client)

	text, err := client.AnalyzeImage(context.Background(), &AnalyzeRequest{ImageBase64: encodeImage("img")})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if text != "recovered" {
		t.Fatalf("expected %q, got %q", "recovered", text)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}

	expected := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}
	if len(*slept) != len(expected) {
		t.Fatalf("expected %d backoff sleeps, got %d (%v)", len(expected), len(*slept), *slept)
	}
	for i, d := range expected {
		if (*slept)[i] != d {
			t.Fatalf("sleep %d: expected %v, got %v", i, d, (*slept)[i])
		}
	}
}

func TestAnalyzeImageNonRetryableIsSingleAttempt(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, "image could not be decoded")
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	slept := recordSleeps(client)

	_, err := client.AnalyzeImage(context.Background(), &AnalyzeRequest{ImageBase64: encodeImage("img")})
	ge := gatewayError(t, err)

	if ge.Code != errors.ErrorUpstreamTerminal {
		t.Fatalf("expected %s, got %s", errors.ErrorUpstreamTerminal, ge.Code)
	}
	if !strings.Contains(ge.Message, "image could not be decoded") {
		t.Fatalf("expected body text in message, got %q", ge.Message)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly 1 attempt, got %d", got)
	}
	if len(*slept) != 0 {
		t.Fatalf("expected no backoff sleeps, got %v", *slept)
	}
}

func TestAnalyzeImageRetryableUntilExhaustion(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "backend warming up")
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	slept := recordSleeps(client)

	_, err := client.AnalyzeImage(context.Background(), &AnalyzeRequest{ImageBase64: encodeImage("img")})
	ge := gatewayError(t, err)

	if ge.Code != errors.ErrorUpstreamTerminal {
		t.Fatalf("expected %s after exhaustion, got %s", errors.ErrorUpstreamTerminal, ge.Code)
	}
	if !strings.Contains(ge.Message, "backend warming up") {
		t.Fatalf("expected last body text in message, got %q", ge.Message)
	}
	if got := atomic.LoadInt32(&calls); got != 4 {
		t.Fatalf("expected maxRetries+1 = 4 attempts, got %d", got)
	}

	expected := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	if len(*slept) != len(expected) {
		t.Fatalf("expected %d sleeps, got %v", len(expected), *slept)
	}
	for i, d := range expected {
		if (*slept)[i] != d {
			t.Fatalf("sleep %d: expected %v, got %v", i, d, (*slept)[i])
		}
	}
}

func TestAnalyzeImageNetworkFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // every request now fails at the transport level

	client := newTestClient(t, server.URL)
	slept := recordSleeps(client)

	_, err := client.AnalyzeImage(context.Background(), &AnalyzeRequest{ImageBase64: encodeImage("img")})
	ge := gatewayError(t, err)

	if ge.Code != errors.ErrorNetworkFailure {
		t.Fatalf("expected %s, got %s", errors.ErrorNetworkFailure, ge.Code)
	}
	if len(*slept) != 3 {
		t.Fatalf("expected 3 backoff sleeps before giving up, got %v", *slept)
	}
}

func TestAnalyzeImageTruncatesLongErrorBody(t *testing.T) {
	longBody := strings.Repeat("x", 600)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, longBody)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.AnalyzeImage(context.Background(), &AnalyzeRequest{ImageBase64: encodeImage("img")})
	ge := gatewayError(t, err)

	if len([]rune(ge.Message)) != maxErrorBodyChars {
		t.Fatalf("expected message capped at %d chars, got %d", maxErrorBodyChars, len([]rune(ge.Message)))
	}
}

func TestAnalyzeImageEmptyErrorBodyGetsGenericMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.AnalyzeImage(context.Background(), &AnalyzeRequest{ImageBase64: encodeImage("img")})
	ge := gatewayError(t, err)

	if !strings.Contains(ge.Message, "404") {
		t.Fatalf("expected generic message naming the status, got %q", ge.Message)
	}
}

func TestAnalyzeImageInvalidModelHint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, "Invalid model identifier provided")
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.AnalyzeImage(context.Background(), &AnalyzeRequest{ImageBase64: encodeImage("img")})
	ge := gatewayError(t, err)

	if !strings.Contains(ge.Message, exampleModelID) {
		t.Fatalf("expected corrective hint naming a valid model ID, got %q", ge.Message)
	}
}

func TestAnalyzeImageNoTextExtracted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"pages":[]}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.AnalyzeImage(context.Background(), &AnalyzeRequest{ImageBase64: encodeImage("img")})
	ge := gatewayError(t, err)

	if ge.Code != errors.ErrorExtractionFailed {
		t.Fatalf("expected %s, got %s", errors.ErrorExtractionFailed, ge.Code)
	}
}

func TestAnalyzeImagePlainTextSuccessBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "RAW OCR OUTPUT")
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	text, err := client.AnalyzeImage(context.Background(), &AnalyzeRequest{ImageBase64: encodeImage("img")})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if text != "RAW OCR OUTPUT" {
		t.Fatalf("expected raw body as text, got %q", text)
	}
}

func TestAnalyzeImagePlaceholderModelRejectedWithoutNetworkCall(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	for _, modelID := range []string{"Nanonets-ocr2-7B", "NANONETS-OCR2-7B", "nanonets-ocr2-7b"} {
		_, err := client.AnalyzeImage(context.Background(), &AnalyzeRequest{
			ImageBase64: encodeImage("img"),
			ModelID:     modelID,
		})
		ge := gatewayError(t, err)

		if ge.Code != errors.ErrorConfiguration {
			t.Fatalf("model %q: expected %s, got %s", modelID, errors.ErrorConfiguration, ge.Code)
		}
		if !strings.Contains(ge.Message, "display name") {
			t.Fatalf("model %q: expected corrective error, got %q", modelID, ge.Message)
		}
	}

	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Fatalf("expected no network calls, got %d", got)
	}
	if got := client.AdmittedInWindow(); got != 0 {
		t.Fatalf("expected no limiter slots consumed, got %d", got)
	}
}

func TestAnalyzeImageMissingAPIKeyDoesNotConsumeSlot(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	client, err := NewOCRClient(&OCRClientConfig{
		BaseURL: server.URL,
		ModelID: testModelID,
	})
	if err != nil {
		t.Fatalf("NewOCRClient failed: %v", err)
	}

	_, err = client.AnalyzeImage(context.Background(), &AnalyzeRequest{ImageBase64: encodeImage("img")})
	ge := gatewayError(t, err)

	if ge.Code != errors.ErrorConfiguration {
		t.Fatalf("expected %s, got %s", errors.ErrorConfiguration, ge.Code)
	}
	if !strings.Contains(ge.Message, "API key") {
		t.Fatalf("expected missing-credentials message, got %q", ge.Message)
	}
	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Fatalf("expected no network calls, got %d", got)
	}
	if got := client.AdmittedInWindow(); got != 0 {
		t.Fatalf("missing API key consumed a rate-limiter slot: %d in window", got)
	}
}

func TestAnalyzeImageMissingModel(t *testing.T) {
	client, err := NewOCRClient(&OCRClientConfig{
		BaseURL: "http://ocr.invalid",
		APIKey:  "test-key",
	})
	if err != nil {
		t.Fatalf("NewOCRClient failed: %v", err)
	}

	_, err = client.AnalyzeImage(context.Background(), &AnalyzeRequest{ImageBase64: encodeImage("img")})
	ge := gatewayError(t, err)

	if ge.Code != errors.ErrorConfiguration {
		t.Fatalf("expected %s, got %s", errors.ErrorConfiguration, ge.Code)
	}
	if !strings.Contains(ge.Message, "model") {
		t.Fatalf("expected missing-model message, got %q", ge.Message)
	}
}

func TestAnalyzeImageLocalRateLimitDenial(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, `{"text":"ok"}`)
	}))
	defer server.Close()

	client, err := NewOCRClient(&OCRClientConfig{
		BaseURL:     server.URL,
		APIKey:      "test-key",
		ModelID:     testModelID,
		MaxRequests: 1,
		Window:      time.Minute,
	})
	if err != nil {
		t.Fatalf("NewOCRClient failed: %v", err)
	}

	if _, err := client.AnalyzeImage(context.Background(), &AnalyzeRequest{ImageBase64: encodeImage("img")}); err != nil {
		t.Fatalf("first call should pass: %v", err)
	}

	_, err = client.AnalyzeImage(context.Background(), &AnalyzeRequest{ImageBase64: encodeImage("img")})
	ge := gatewayError(t, err)

	if ge.Code != errors.ErrorRateLimitLocal {
		t.Fatalf("expected %s, got %s", errors.ErrorRateLimitLocal, ge.Code)
	}
	if retryAfter, ok := ge.Details["retry_after_ms"].(int64); !ok || retryAfter <= 0 {
		t.Fatalf("expected positive retry_after_ms detail, got %v", ge.Details["retry_after_ms"])
	}
	if !strings.Contains(ge.Message, "second") {
		t.Fatalf("expected wait time in message, got %q", ge.Message)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("denied call must not reach the network; got %d calls", got)
	}
}

func TestAnalyzeImagePerCallOverrides(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, _, _ := r.BasicAuth()
		if user != "override-key" {
			t.Errorf("expected per-call API key, got %q", user)
		}
		if !strings.HasSuffix(r.URL.Path, "/acme/custom-ocr-1") {
			t.Errorf("expected per-call model in path, got %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"text":"ok"}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.AnalyzeImage(context.Background(), &AnalyzeRequest{
		ImageBase64: encodeImage("img"),
		APIKey:      "override-key",
		ModelID:     "acme/custom-ocr-1",
	})
	if err != nil {
		t.Fatalf("AnalyzeImage failed: %v", err)
	}
}

func TestAnalyzeImageCustomRetryDecider(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, "slow down")
	}))
	defer server.Close()

	client, err := NewOCRClient(&OCRClientConfig{
		BaseURL:      server.URL,
		APIKey:       "test-key",
		ModelID:      testModelID,
		MaxRetries:   3,
		RetryDecider: func(status int, body string) bool { return false },
	})
	if err != nil {
		t.Fatalf("NewOCRClient failed: %v", err)
	}
	recordSleeps(client)

	_, err = client.AnalyzeImage(context.Background(), &AnalyzeRequest{ImageBase64: encodeImage("img")})
	ge := gatewayError(t, err)

	if ge.Code != errors.ErrorUpstreamTerminal {
		t.Fatalf("expected terminal error under custom decider, got %s", ge.Code)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("custom decider should stop after 1 attempt, got %d", got)
	}
}

func TestSleepContextReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	sleepContext(ctx, time.Hour)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("sleepContext ignored the canceled context, waited %v", elapsed)
	}
}

func TestBackoffDelaySequence(t *testing.T) {
	client, err := NewOCRClient(&OCRClientConfig{
		BaseURL:           "http://ocr.invalid",
		BaseDelay:         1000 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxDelay:          10000 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewOCRClient failed: %v", err)
	}

	expected := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		10000 * time.Millisecond,
		10000 * time.Millisecond,
	}

	previous := time.Duration(0)
	for i, want := range expected {
		got := client.backoffDelay(i)
		if got != want {
			t.Fatalf("backoffDelay(%d) = %v, expected %v", i, got, want)
		}
		if got < previous {
			t.Fatalf("backoffDelay not monotonic at index %d: %v < %v", i, got, previous)
		}
		if got > 10000*time.Millisecond {
			t.Fatalf("backoffDelay(%d) = %v exceeds the ceiling", i, got)
		}
		previous = got
	}
}

func TestDecodeImageBase64Variants(t *testing.T) {
	raw := []byte("binary\x00image\xffdata")
	encoded := base64.StdEncoding.EncodeToString(raw)

	testCases := []struct {
		name  string
		input string
	}{
		{"plain", encoded},
		{"data URI prefix", "data:image/png;base64," + encoded},
		{"embedded newlines", encoded[:8] + "\n" + encoded[8:]},
		{"surrounding whitespace", "  " + encoded + "\n"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			decoded, err := decodeImageBase64(tc.input)
			if err != nil {
				t.Fatalf("decodeImageBase64 failed: %v", err)
			}
			if string(decoded) != string(raw) {
				t.Fatalf("decoded bytes mismatch: got %q", decoded)
			}
		})
	}
}

func TestFilenameForMime(t *testing.T) {
	testCases := []struct {
		mimeType string
		expected string
	}{
		{"image/png", "image.png"},
		{"image/jpeg", "image.jpeg"},
		{"image/tiff; quality=high", "image.tiff"},
		{"image/webp", "image.webp"},
		{"", "image.jpeg"},
	}

	for _, tc := range testCases {
		if got := filenameForMime(tc.mimeType); got != tc.expected {
			t.Fatalf("filenameForMime(%q) = %q, expected %q", tc.mimeType, got, tc.expected)
		}
	}
}
