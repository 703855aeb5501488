/**
 * OCR Response Text Extraction for OCRGateway Worker
 *
 * The upstream provider's response schema is not stable across models and
 * versions. Rather than binding to one schema, extraction walks the decoded
 * JSON value duck-typed and collects every text-bearing fragment it knows
 * about, in traversal order.
 */

package clients

import (
	"strings"
)

// Bound on how deep extraction follows nested collections. Real provider
// payloads nest a handful of levels; anything deeper is pathological input.
const maxExtractDepth = 64

// Single-value fields that carry text directly on a node.
var textFields = []string{"text", "ocr_text", "fullText"}

// Collection-valued fields whose elements are visited recursively.
var collectionFields = []string{"result", "results", "predictions", "fields", "pages", "page_data", "lines"}

// extractText recovers plain text from a decoded OCR response of unknown
// shape. Fragments are trimmed, empties dropped, survivors joined with a
// newline. Returns "" when the tree carries no text. Pure function.
func extractText(node interface{}) string {
	var fragments []string
	collectText(node, 0, &fragments)

	parts := make([]string, 0, len(fragments))
	for _, fragment := range fragments {
		fragment = strings.TrimSpace(fragment)
		if fragment != "" {
			parts = append(parts, fragment)
		}
	}

	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// collectText appends text fragments from node in traversal order: a string
// node contributes itself, an object node contributes its known text fields
// before its known collections.
func collectText(node interface{}, depth int, out *[]string) {
	if node == nil || depth > maxExtractDepth {
		return
	}

	switch v := node.(type) {
	case string:
		*out = append(*out, v)
	case map[string]interface{}:
		for _, field := range textFields {
			if s, ok := v[field].(string); ok {
				*out = append(*out, s)
			}
		}
		for _, field := range collectionFields {
			if items, ok := v[field].([]interface{}); ok {
				for _, item := range items {
					collectText(item, depth+1, out)
				}
			}
		}
	}
}
