// Package api is the typed client for the brokerage's two JSON APIs: the
// legacy cookie-authenticated API on the web origin and the newer
// bearer-token API used for transactions.
package api

import "fmt"

// bodySnippetLen bounds response bodies embedded in errors.
const bodySnippetLen = 200

// APIError is returned for any non-2xx API response outside the documented
// 204 and one-shot-401 cases.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("nordnet api error %d: %s", e.StatusCode, e.Body)
}

func apiError(status int, body []byte) *APIError {
	s := string(body)
	if len(s) > bodySnippetLen {
		s = s[:bodySnippetLen]
	}
	return &APIError{StatusCode: status, Body: s}
}
