// Package session persists authenticated browser sessions to disk and
// estimates how much of the session lifetime remains.
package session

import (
	"encoding/json"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/nordnet-unofficial/nordgo/internal/browser"
)

// Lifetime is the assumed server-side session lifetime. The server never
// reports a real expiry, so remaining time is an estimate from the save
// timestamp only.
const Lifetime = 30 * time.Minute

// record is the on-disk session snapshot.
type record struct {
	Cookies map[string]string `json:"cookies"`
	Headers map[string]string `json:"headers"`
	SavedAt string            `json:"saved_at"`
}

// Store saves and restores session cookies and headers at a fixed path with
// owner-only file permissions.
type Store struct {
	Path string

	// cookieURL scopes restored cookies; loads set every saved cookie for
	// this host.
	cookieURL string
	// accountsURL is the lightweight authenticated endpoint used by Validate.
	accountsURL string

	authenticatedAt time.Time
}

// NewStore creates a store backed by the given file path.
func NewStore(path string) *Store {
	return &Store{
		Path:        path,
		cookieURL:   "https://www.nordnet.dk",
		accountsURL: "https://www.nordnet.dk/api/2/accounts",
	}
}

// Save snapshots the session's cookies and headers to disk (mode 0600) and
// records the current time as the authentication instant.
func (s *Store) Save(sess *browser.Session) error {
	now := time.Now()
	rec := record{
		Cookies: sess.CookieMap(),
		Headers: sess.HeaderMap(),
		SavedAt: now.Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	if err = os.WriteFile(s.Path, data, 0o600); err != nil {
		return err
	}
	// WriteFile permissions only apply to newly created files.
	if err = os.Chmod(s.Path, 0o600); err != nil {
		return err
	}
	s.authenticatedAt = now
	log.Debugf("session saved to %s (%d cookies, %d headers)", s.Path, len(rec.Cookies), len(rec.Headers))
	return nil
}

// Load merges a previously saved session into sess and restores the
// authentication instant. It returns false when the file does not exist or
// cannot be parsed; neither case is an error for callers.
func (s *Store) Load(sess *browser.Session) bool {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return false
	}
	var rec record
	if err = json.Unmarshal(data, &rec); err != nil {
		log.Debugf("session file %s is malformed: %v", s.Path, err)
		return false
	}
	for name, value := range rec.Cookies {
		if errCookie := sess.SetCookie(s.cookieURL, name, value); errCookie != nil {
			return false
		}
	}
	for name, value := range rec.Headers {
		sess.SetHeader(name, value)
	}
	if rec.SavedAt != "" {
		if savedAt, errParse := time.Parse(time.RFC3339, rec.SavedAt); errParse == nil {
			s.authenticatedAt = savedAt
		}
	}
	return true
}

// Validate issues a lightweight authenticated GET and reports whether the
// session still works. Transport failures count as invalid, not as errors:
// "can't tell" and "doesn't work" are handled identically by callers.
func (s *Store) Validate(sess *browser.Session) bool {
	resp, err := sess.Get(s.accountsURL)
	if err != nil {
		log.Debugf("session validation request failed: %v", err)
		return false
	}
	if resp.StatusCode != 200 {
		return false
	}
	parsed := gjson.ParseBytes(resp.Body)
	return parsed.IsArray() && len(parsed.Array()) > 0
}

// LoadAndValidate loads a saved session and tests it against the API.
func (s *Store) LoadAndValidate(sess *browser.Session) bool {
	if !s.Load(sess) {
		return false
	}
	return s.Validate(sess)
}

// SecondsRemaining estimates the seconds left before the session expires.
// ok is false when no session has been saved or loaded in this process.
func (s *Store) SecondsRemaining() (remaining int, ok bool) {
	if s.authenticatedAt.IsZero() {
		return 0, false
	}
	left := Lifetime - time.Since(s.authenticatedAt)
	if left < 0 {
		left = 0
	}
	return int(left.Seconds()), true
}
