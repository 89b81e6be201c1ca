package browser

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

const defaultTimeout = 30 * time.Second

// defaultUserAgent is the Chrome user agent the TLS fingerprint claims to be.
const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// trackedJar wraps a cookiejar.Jar and additionally records a flat name→value
// view of every cookie that passes through it. The standard jar is
// domain-scoped and cannot be enumerated, but session persistence needs the
// full cookie set regardless of which host set each cookie.
type trackedJar struct {
	mu   sync.Mutex
	jar  *cookiejar.Jar
	seen map[string]string
}

func newTrackedJar() (*trackedJar, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &trackedJar{jar: jar, seen: make(map[string]string)}, nil
}

// SetCookies implements http.CookieJar.
func (j *trackedJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.Lock()
	for _, c := range cookies {
		if c.MaxAge < 0 {
			delete(j.seen, c.Name)
			continue
		}
		j.seen[c.Name] = c.Value
	}
	j.mu.Unlock()
	j.jar.SetCookies(u, cookies)
}

// Cookies implements http.CookieJar.
func (j *trackedJar) Cookies(u *url.URL) []*http.Cookie {
	return j.jar.Cookies(u)
}

func (j *trackedJar) snapshot() map[string]string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make(map[string]string, len(j.seen))
	for k, v := range j.seen {
		out[k] = v
	}
	return out
}

// Session is a mutable bag of cookies and default headers shared by reference
// across the login flow, the session store, and the API client for the
// lifetime of one login+work cycle.
type Session struct {
	jar     *trackedJar
	mu      sync.Mutex
	headers map[string]string

	follow   *http.Client
	noFollow *http.Client
}

// Options configures a new Session.
type Options struct {
	// ProxyURL routes all traffic through a proxy (socks5:// or http(s)://).
	ProxyURL string
	// Transport overrides the default Chrome-fingerprint transport.
	Transport http.RoundTripper
	// Timeout overrides the default 30s per-request timeout.
	Timeout time.Duration
}

// New creates a Session with a fresh cookie jar and browser default headers.
func New(opts Options) (*Session, error) {
	jar, err := newTrackedJar()
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	transport := opts.Transport
	if transport == nil {
		transport = newChromeRoundTripper(opts.ProxyURL)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	s := &Session{
		jar: jar,
		headers: map[string]string{
			"User-Agent":      defaultUserAgent,
			"Accept-Language": "da-DK,da;q=0.9,en-US;q=0.8,en;q=0.7",
		},
	}
	s.follow = &http.Client{Jar: jar, Transport: transport, Timeout: timeout}
	s.noFollow = &http.Client{
		Jar:       jar,
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return s, nil
}

// Response is a fully buffered HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// URL is the final URL after any automatic redirects.
	URL *url.URL
}

// IsRedirect reports whether the response carries an HTTP redirect status.
func (r *Response) IsRedirect() bool {
	switch r.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// Location returns the Location header, or "".
func (r *Response) Location() string {
	return r.Header.Get("Location")
}

// Request describes one outbound HTTP request made through the session.
type Request struct {
	Method string
	URL    string
	Body   []byte
	// Header holds per-request headers layered over the session defaults.
	Header map[string]string
	// FollowRedirects enables automatic redirect following for this request.
	FollowRedirects bool
}

// Do executes the request with the session's cookies and default headers.
func (s *Session) Do(req Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequest(req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	for k, v := range s.HeaderMap() {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Header {
		httpReq.Header.Set(k, v)
	}

	client := s.noFollow
	if req.FollowRedirects {
		client = s.follow
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	finalURL := httpReq.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
		URL:        finalURL,
	}, nil
}

// Get performs a GET that follows redirects, like a browser navigation.
func (s *Session) Get(rawURL string) (*Response, error) {
	return s.Do(Request{Method: http.MethodGet, URL: rawURL, FollowRedirects: true})
}

// GetNoRedirect performs a GET with automatic redirects disabled.
func (s *Session) GetNoRedirect(rawURL string) (*Response, error) {
	return s.Do(Request{Method: http.MethodGet, URL: rawURL})
}

// Post performs a POST with the given content type and body, no redirects.
func (s *Session) Post(rawURL, contentType string, body []byte) (*Response, error) {
	return s.Do(Request{
		Method: http.MethodPost,
		URL:    rawURL,
		Body:   body,
		Header: map[string]string{"Content-Type": contentType},
	})
}

// PostForm performs an application/x-www-form-urlencoded POST, no redirects.
func (s *Session) PostForm(rawURL string, form url.Values) (*Response, error) {
	return s.Post(rawURL, "application/x-www-form-urlencoded", []byte(form.Encode()))
}

// SetCookie stores a cookie in the jar, scoped to the host of rawURL.
func (s *Session) SetCookie(rawURL, name, value string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse cookie URL: %w", err)
	}
	s.jar.SetCookies(u, []*http.Cookie{{Name: name, Value: value, Path: "/"}})
	return nil
}

// CookieMap returns a flat name→value view of every cookie the session holds.
func (s *Session) CookieMap() map[string]string {
	return s.jar.snapshot()
}

// CookieNames returns the sorted cookie names, handy for debug logging.
func (s *Session) CookieNames() []string {
	m := s.jar.snapshot()
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// SetHeader sets a default header sent on every request. An empty value
// removes the header.
func (s *Session) SetHeader(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == "" {
		delete(s.headers, name)
		return
	}
	s.headers[name] = value
}

// Header returns the default header value, or "".
func (s *Session) Header(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// HeaderMap returns a copy of the session's default headers.
func (s *Session) HeaderMap() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.headers))
	for k, v := range s.headers {
		out[k] = v
	}
	return out
}
