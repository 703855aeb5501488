/**
 * Retryability Policy for OCRGateway Worker
 *
 * Classifies failed provider responses as retryable or terminal. Upstream
 * error-message formats are an unversioned external contract, so the policy
 * is an injectable function rather than logic baked into the retry loop.
 */

package clients

import (
	"net/http"
	"regexp"
)

// RetryDecider reports whether a failed response (status code plus body text)
// is worth retrying. Replaceable per client.
type RetryDecider func(statusCode int, body string) bool

var transientBodyPattern = regexp.MustCompile(`(?i)rate limit|too many requests|temporarily unavailable|overloaded`)

var invalidModelPattern = regexp.MustCompile(`(?i)(invalid|unknown|unrecognized)[^.]{0,40}model|model[^.]{0,40}(invalid|not found|unknown|does not exist)`)

// DefaultRetryDecider treats timeouts, throttling, and server-side failures
// as retryable, plus anything whose body reads like a transient overload.
func DefaultRetryDecider(statusCode int, body string) bool {
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	if statusCode >= 500 {
		return true
	}
	return transientBodyPattern.MatchString(body)
}

// mentionsInvalidModel reports whether an error body complains about the
// model identifier, which earns the user a corrective hint.
func mentionsInvalidModel(body string) bool {
	return invalidModelPattern.MatchString(body)
}
