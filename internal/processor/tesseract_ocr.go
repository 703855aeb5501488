/**
 * Tesseract OCR - Local fallback engine
 *
 * Free, offline OCR using Tesseract. Used when the remote provider fails
 * terminally on an image job. gosseract's plain Text() call carries no
 * per-word scores, so confidence is estimated from text quality.
 */

package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/otiai10/gosseract/v2"
)

// TesseractOCR runs OCR through the system Tesseract installation
type TesseractOCR struct {
	languages []string
}

// TesseractConfig holds Tesseract configuration
type TesseractConfig struct {
	Languages []string // defaults to ["eng"]
}

// NewTesseractOCR creates a new Tesseract OCR instance
func NewTesseractOCR(cfg *TesseractConfig) (*TesseractOCR, error) {
	languages := []string{"eng"}
	if cfg != nil && len(cfg.Languages) > 0 {
		languages = cfg.Languages
	}

	return &TesseractOCR{
		languages: languages,
	}, nil
}

// Process performs OCR on the image bytes
func (t *TesseractOCR) Process(ctx context.Context, image []byte) (*OCRResult, error) {
	startTime := time.Now()

	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(t.languages...); err != nil {
		return nil, fmt.Errorf("failed to set tesseract languages: %w", err)
	}
	if err := client.SetImageFromBytes(image); err != nil {
		return nil, fmt.Errorf("failed to set image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return nil, fmt.Errorf("tesseract OCR failed: %w", err)
	}

	return &OCRResult{
		Text:       text,
		Confidence: estimateConfidence(text),
		Engine:     EngineTesseract,
		Model:      "tesseract-local",
		Duration:   time.Since(startTime),
	}, nil
}

// estimateConfidence scores text quality: base 0.5 plus bonuses for volume
// and a plausible letter distribution, capped at 0.85.
func estimateConfidence(text string) float64 {
	metrics := MeasureText(text)

	confidence := 0.5
	if metrics.Characters > 1000 {
		confidence += 0.1
	}
	if metrics.Characters > 5000 {
		confidence += 0.1
	}
	if metrics.Words > 100 {
		confidence += 0.1
	}
	if metrics.AlphaRatio > 0.5 && metrics.AlphaRatio < 0.9 {
		confidence += 0.1
	}

	if confidence > 0.85 {
		confidence = 0.85
	}
	return confidence
}
