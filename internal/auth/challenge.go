package auth

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/nordnet-unofficial/nordgo/internal/browser"
)

// Challenge method selectors understood by MitID challengers.
const (
	MethodApp   = "APP"
	MethodToken = "TOKEN"
)

// Challenger completes the identity provider's challenge (app push or
// one-time code) and returns the opaque authorization code string. The call
// may block indefinitely while waiting for out-of-band user action; callers
// that need cancellation must abandon the call and discard the session.
type Challenger interface {
	AuthCode(sess *browser.Session, aux []byte, method, userID, secret string, showQR func(string)) (string, error)
}

// ChallengerFunc adapts a function to the Challenger interface.
type ChallengerFunc func(sess *browser.Session, aux []byte, method, userID, secret string, showQR func(string)) (string, error)

// AuthCode implements Challenger.
func (f ChallengerFunc) AuthCode(sess *browser.Session, aux []byte, method, userID, secret string, showQR func(string)) (string, error) {
	return f(sess, aux, method, userID, secret, showQR)
}

// ManualChallenger is the fallback challenger for operators driving the
// identity app by hand: it forwards any app-link embedded in the aux blob to
// the QR sink and then prompts for the resulting authorization code.
type ManualChallenger struct {
	// Input blocks until the operator supplies a value for the prompt.
	Input func(prompt string) (string, error)
}

// AuthCode implements Challenger.
func (m *ManualChallenger) AuthCode(_ *browser.Session, aux []byte, _, _, _ string, showQR func(string)) (string, error) {
	if m.Input == nil {
		return "", fmt.Errorf("manual challenger: no input callback configured")
	}
	if showQR != nil {
		for _, key := range []string{"link", "url", "qrCode"} {
			if v := gjson.GetBytes(aux, key); v.Exists() && v.String() != "" {
				showQR(v.String())
				break
			}
		}
	}
	code, err := m.Input("Authorization code from the identity app: ")
	if err != nil {
		return "", err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return "", fmt.Errorf("manual challenger: empty authorization code")
	}
	return code, nil
}
