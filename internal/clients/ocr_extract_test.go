package clients

import (
	"encoding/json"
	"testing"
)

func mustDecode(t *testing.T, raw string) interface{} {
	t.Helper()
	var node interface{}
	if err := json.Unmarshal([]byte(raw), &node); err != nil {
		t.Fatalf("failed to decode test payload %q: %v", raw, err)
	}
	return node
}

func TestExtractTextKnownShapes(t *testing.T) {
	testCases := []struct {
		name     string
		payload  string
		expected string
	}{
		{
			name:     "lines with text fields",
			payload:  `{"lines":[{"text":"A"},{"text":"B "}]}`,
			expected: "A\nB",
		},
		{
			name:     "empty object",
			payload:  `{}`,
			expected: "",
		},
		{
			name:     "empty pages",
			payload:  `{"pages":[]}`,
			expected: "",
		},
		{
			name:     "bare string response",
			payload:  `"ACME CORP"`,
			expected: "ACME CORP",
		},
		{
			name:     "null response",
			payload:  `null`,
			expected: "",
		},
		{
			name:     "own text before nested collections",
			payload:  `{"text":"own","lines":[{"text":"nested"}]}`,
			expected: "own\nnested",
		},
		{
			name:     "text field priority order",
			payload:  `{"fullText":"C","ocr_text":"B","text":"A"}`,
			expected: "A\nB\nC",
		},
		{
			name:     "whitespace fragments dropped",
			payload:  `{"lines":[{"text":"   "},{"text":" kept "},{"text":""}]}`,
			expected: "kept",
		},
		{
			name:     "deeply nested provider shape",
			payload:  `{"result":[{"prediction":"ignored","pages":[{"lines":[{"text":"INVOICE"},{"text":"#42"}]}]}]}`,
			expected: "INVOICE\n#42",
		},
		{
			name:     "predictions before fields",
			payload:  `{"fields":[{"text":"f1"}],"predictions":[{"text":"p1"},{"text":"p2"}]}`,
			expected: "p1\np2\nf1",
		},
		{
			name:     "page_data variant",
			payload:  `{"page_data":[{"ocr_text":"scanned body"}]}`,
			expected: "scanned body",
		},
		{
			name:     "string elements inside collections",
			payload:  `{"results":["first","second"]}`,
			expected: "first\nsecond",
		},
		{
			name:     "non-string text field ignored",
			payload:  `{"text":42,"lines":[{"text":"real"}]}`,
			expected: "real",
		},
		{
			name:     "non-array collection field ignored",
			payload:  `{"lines":{"text":"hidden"}}`,
			expected: "",
		},
		{
			name:     "unknown fields contribute nothing",
			payload:  `{"status":"ok","confidence":0.97,"meta":{"text":"unreachable"}}`,
			expected: "",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := extractText(mustDecode(t, tc.payload))
			if got != tc.expected {
				t.Fatalf("extractText(%s) = %q, expected %q", tc.payload, got, tc.expected)
			}
		})
	}
}

func TestExtractTextIsIdempotent(t *testing.T) {
	node := mustDecode(t, `{"result":[{"text":"alpha"},{"pages":[{"text":"beta"},{"lines":[{"text":"gamma"}]}]}]}`)

	first := extractText(node)
	second := extractText(node)

	if first != second {
		t.Fatalf("extraction not idempotent: %q vs %q", first, second)
	}
	if first != "alpha\nbeta\ngamma" {
		t.Fatalf("unexpected traversal order: %q", first)
	}
}

func TestExtractTextDepthBound(t *testing.T) {
	// A leaf buried deeper than the bound contributes nothing; shallow text
	// on the same tree still comes through.
	leaf := map[string]interface{}{"text": "buried"}
	node := interface{}(leaf)
	for i := 0; i < maxExtractDepth+10; i++ {
		node = map[string]interface{}{"lines": []interface{}{node}}
	}
	root := map[string]interface{}{
		"text":  "surface",
		"pages": []interface{}{node},
	}

	if got := extractText(root); got != "surface" {
		t.Fatalf("expected only shallow text, got %q", got)
	}
}

func TestExtractTextNilNode(t *testing.T) {
	if got := extractText(nil); got != "" {
		t.Fatalf("expected empty result for nil node, got %q", got)
	}
}
