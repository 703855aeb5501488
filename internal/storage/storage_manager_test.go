package storage

import (
	"testing"
)

func TestSanitizeJSONForPostgres(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{
			"null escape removed",
			`{"text":"hello\u0000world"}`,
			`{"text":"helloworld"}`,
		},
		{
			"repeated null escapes removed",
			`{"text":"\u0000\u0000"}`,
			`{"text":""}`,
		},
		{
			"control escape becomes space",
			`{"text":"x\u0001y"}`,
			`{"text":"x y"}`,
		},
		{
			"uppercase hex control escape becomes space",
			`{"text":"a\u001Fb"}`,
			`{"text":"a b"}`,
		},
		{
			"clean JSON passes through",
			`{"text":"plain value"}`,
			`{"text":"plain value"}`,
		},
		{
			"non-control escapes survive",
			`{"text":"caf\u00e9"}`,
			`{"text":"caf\u00e9"}`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := string(sanitizeJSONForPostgres([]byte(tc.input)))
			if got != tc.expected {
				t.Errorf("sanitizeJSONForPostgres(%s) = %s, expected %s", tc.input, got, tc.expected)
			}
		})
	}
}
