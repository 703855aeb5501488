/**
 * OCR Types - Shared result and measurement types
 *
 * Common types used by the remote OCR path and the Tesseract fallback.
 */

package processor

import (
	"strings"
	"time"
	"unicode"
)

// Engines that can produce an OCRResult.
const (
	EngineRemote    = "remote"
	EngineTesseract = "tesseract"
)

// OCRResult represents the outcome of one OCR pass over an image
type OCRResult struct {
	Text       string
	Confidence float64
	Engine     string // EngineRemote or EngineTesseract
	Model      string // specific model or binary that produced the text
	Duration   time.Duration
}

// TextMetrics summarizes extracted text for job metadata and storage
type TextMetrics struct {
	Characters int
	Words      int
	Lines      int
	AlphaRatio float64 // share of letter runes, used by quality heuristics
}

// MeasureText computes metrics over extracted text
func MeasureText(text string) TextMetrics {
	var metrics TextMetrics
	if text == "" {
		return metrics
	}

	alpha := 0
	total := 0
	for _, r := range text {
		total++
		if unicode.IsLetter(r) {
			alpha++
		}
	}

	metrics.Characters = total
	metrics.Words = len(strings.Fields(text))
	metrics.Lines = len(strings.Split(strings.TrimRight(text, "\n"), "\n"))
	if total > 0 {
		metrics.AlphaRatio = float64(alpha) / float64(total)
	}
	return metrics
}
