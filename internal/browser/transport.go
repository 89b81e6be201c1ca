// Package browser provides the shared HTTP session used by the login flow and
// the API client. The session mimics a real Chrome browser: cookies, default
// headers, and a TLS fingerprint produced by utls, since the brokerage's edge
// rejects handshakes that do not look like a mainstream browser.
package browser

import (
	"net/http"
	"net/url"
	"strings"
	"sync"

	tls "github.com/refraction-networking/utls"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"
)

// chromeRoundTripper implements http.RoundTripper using utls with a Chrome
// fingerprint so the TLS handshake (JA3/JA4 hash) matches a genuine browser.
type chromeRoundTripper struct {
	// mu protects the connections map and pending map
	mu sync.Mutex
	// connections caches HTTP/2 client connections per host
	connections map[string]*http2.ClientConn
	// pending tracks hosts that are currently being connected to
	pending map[string]*sync.Cond
	// dialer is used to create network connections, supporting proxies
	dialer proxy.Dialer
	// plain handles non-https requests (local test servers)
	plain http.RoundTripper
}

// newChromeRoundTripper creates a utls-based round tripper with optional proxy
// support. proxyURL may be empty, an http(s):// URL, or a socks5:// URL.
func newChromeRoundTripper(proxyURL string) *chromeRoundTripper {
	var dialer proxy.Dialer = proxy.Direct
	plain := http.DefaultTransport
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			log.Errorf("failed to parse proxy URL %q: %v", proxyURL, err)
		} else {
			pDialer, errDialer := proxy.FromURL(parsed, proxy.Direct)
			if errDialer != nil {
				log.Errorf("failed to create proxy dialer for %q: %v", proxyURL, errDialer)
			} else {
				dialer = pDialer
				plain = &http.Transport{Proxy: http.ProxyURL(parsed)}
			}
		}
	}

	return &chromeRoundTripper{
		connections: make(map[string]*http2.ClientConn),
		pending:     make(map[string]*sync.Cond),
		dialer:      dialer,
		plain:       plain,
	}
}

// getOrCreateConnection gets an existing connection or creates a new one.
// A per-host condition variable prevents multiple goroutines from handshaking
// to the same host at once.
func (t *chromeRoundTripper) getOrCreateConnection(host, addr string) (*http2.ClientConn, error) {
	t.mu.Lock()

	if h2Conn, ok := t.connections[host]; ok && h2Conn.CanTakeNewRequest() {
		t.mu.Unlock()
		return h2Conn, nil
	}

	if cond, ok := t.pending[host]; ok {
		cond.Wait()
		if h2Conn, ok1 := t.connections[host]; ok1 && h2Conn.CanTakeNewRequest() {
			t.mu.Unlock()
			return h2Conn, nil
		}
	}

	cond := sync.NewCond(&t.mu)
	t.pending[host] = cond
	t.mu.Unlock()

	h2Conn, err := t.createConnection(host, addr)

	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.pending, host)
	cond.Broadcast()

	if err != nil {
		return nil, err
	}

	t.connections[host] = h2Conn
	return h2Conn, nil
}

// createConnection dials and performs a Chrome-fingerprint TLS handshake,
// then binds an HTTP/2 client connection on top of it.
func (t *chromeRoundTripper) createConnection(host, addr string) (*http2.ClientConn, error) {
	conn, err := t.dialer.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{ServerName: host}
	tlsConn := tls.UClient(conn, tlsConfig, tls.HelloChrome_Auto)

	if err = tlsConn.Handshake(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	tr := &http2.Transport{}
	h2Conn, err := tr.NewClientConn(tlsConn)
	if err != nil {
		_ = tlsConn.Close()
		return nil, err
	}

	return h2Conn, nil
}

// RoundTrip implements http.RoundTripper.
func (t *chromeRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != "https" {
		return t.plain.RoundTrip(req)
	}

	addr := req.URL.Host
	if !strings.Contains(addr, ":") {
		addr += ":443"
	}
	hostname := req.URL.Hostname()

	h2Conn, err := t.getOrCreateConnection(hostname, addr)
	if err != nil {
		return nil, err
	}

	resp, err := h2Conn.RoundTrip(req)
	if err != nil {
		t.mu.Lock()
		if cached, ok := t.connections[hostname]; ok && cached == h2Conn {
			delete(t.connections, hostname)
		}
		t.mu.Unlock()
		return nil, err
	}

	return resp, nil
}
