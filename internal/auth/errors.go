// Package auth drives the MitID/Signicat login flow against the brokerage's
// web login: cookie priming, server-side OIDC flow registration, delegation to
// the identity challenge, interception of the one-time authorization code, and
// the final exchange for session cookies and the ntag header.
package auth

import "fmt"

// bodySnippetLen bounds response bodies embedded in errors and debug logs.
const bodySnippetLen = 300

// AuthError indicates that a login step did not find its required HTTP
// status, HTML attribute, or JSON field. It carries enough context to
// diagnose upstream page-structure drift.
type AuthError struct {
	Step       string
	StatusCode int
	Message    string
	Err        error
}

func (e *AuthError) Error() string {
	msg := fmt.Sprintf("auth: step %s failed", e.Step)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// ProtocolError indicates that the redirect/form chain was exhausted or stuck
// before an authorization code could be intercepted.
type ProtocolError struct {
	Hops       int
	URL        string
	StatusCode int
	Body       string
}

func (e *ProtocolError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("auth: redirect chain exceeded %d hops without yielding a code", e.Hops)
	}
	return fmt.Sprintf("auth: redirect chain stuck at %s after hop %d (status %d, body %q)",
		e.URL, e.Hops, e.StatusCode, e.Body)
}

// snippet truncates a response body for errors and logs.
func snippet(body []byte) string {
	if len(body) > bodySnippetLen {
		return string(body[:bodySnippetLen])
	}
	return string(body)
}
