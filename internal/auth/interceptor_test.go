package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/nordnet-unofficial/nordgo/internal/browser"
)

func newTestSession(t *testing.T) *browser.Session {
	t.Helper()
	sess, err := browser.New(browser.Options{Transport: http.DefaultTransport})
	if err != nil {
		t.Fatalf("browser.New() error = %v", err)
	}
	return sess
}

func redirectResponse(t *testing.T, from, location string) *browser.Response {
	t.Helper()
	u, err := url.Parse(from)
	if err != nil {
		t.Fatalf("url.Parse(%q) error = %v", from, err)
	}
	h := http.Header{}
	h.Set("Location", location)
	return &browser.Response{StatusCode: http.StatusFound, Header: h, URL: u}
}

func TestInterceptCodeFromLocationWithoutFetching(t *testing.T) {
	t.Parallel()

	// The coded URL points at an unresolvable host on purpose: if the chain
	// ever fetched it instead of reading the Location header, the test would
	// fail with a transport error.
	sess := newTestSession(t)
	resp := redirectResponse(t, "https://idp.example/finalize",
		"https://www.nordnet.invalid/login?code=one-time-42&state=s")

	code, err := interceptCode(sess, resp, "nordnet")
	if err != nil {
		t.Fatalf("interceptCode() error = %v", err)
	}
	if code != "one-time-42" {
		t.Errorf("interceptCode() = %q, want %q", code, "one-time-42")
	}
}

func TestInterceptCodeWalksRedirectChain(t *testing.T) {
	t.Parallel()

	var codedFetched atomic.Bool
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/hop1", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/hop2", http.StatusFound)
	})
	mux.HandleFunc("/hop2", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+"/login?code=final-code", http.StatusFound)
	})
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		codedFetched.Store(true)
	})

	sess := newTestSession(t)
	resp := redirectResponse(t, srv.URL+"/start", srv.URL+"/hop1")

	// The test server's host stands in for the brokerage host marker.
	marker := mustHost(t, srv.URL)
	code, err := interceptCode(sess, resp, marker)
	if err != nil {
		t.Fatalf("interceptCode() error = %v", err)
	}
	if code != "final-code" {
		t.Errorf("interceptCode() = %q, want %q", code, "final-code")
	}
	if codedFetched.Load() {
		t.Error("the coded URL was fetched; the code must be read from the Location header only")
	}
}

func TestInterceptCodeFollowsSAMLForms(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/acs", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("acs method = %s, want POST", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("acs ParseForm() error = %v", err)
		}
		if got := r.PostFormValue("SAMLResponse"); got != "resp-b64" {
			t.Errorf("SAMLResponse = %q, want %q", got, "resp-b64")
		}
		if got := r.PostFormValue("RelayState"); got != "rs-1" {
			t.Errorf("RelayState = %q, want %q", got, "rs-1")
		}
		// GET binding back towards the brokerage.
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`<form action="` + srv.URL + `/resume" method="get">
			<input type="hidden" name="token" value="t-9"/></form>`))
	})
	mux.HandleFunc("/resume", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "t-9" {
			t.Errorf("resume token = %q, want %q", got, "t-9")
		}
		http.Redirect(w, r, srv.URL+"/login?code=saml-code", http.StatusFound)
	})

	sess := newTestSession(t)
	start, _ := url.Parse(srv.URL + "/idp")
	resp := &browser.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		URL:        start,
		Body: []byte(`<form action="` + srv.URL + `/acs" method="post">
			<input type="hidden" name="SAMLResponse" value="resp-b64"/>
			<input type="hidden" name="RelayState" value="rs-1"/></form>`),
	}

	code, err := interceptCode(sess, resp, mustHost(t, srv.URL))
	if err != nil {
		t.Fatalf("interceptCode() error = %v", err)
	}
	if code != "saml-code" {
		t.Errorf("interceptCode() = %q, want %q", code, "saml-code")
	}
}

func TestInterceptCodeGetFormActionWithQuery(t *testing.T) {
	t.Parallel()

	// A GET-bound form whose action already carries a query string keeps the
	// existing parameters alongside the hidden fields.
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/resume", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if got := q.Get("sid"); got != "abc" {
			t.Errorf("resume sid = %q, want %q", got, "abc")
		}
		if got := q.Get("token"); got != "t-9" {
			t.Errorf("resume token = %q, want %q", got, "t-9")
		}
		if strings.Contains(r.URL.RawQuery, "?") {
			t.Errorf("resume query = %q, contains a stray question mark", r.URL.RawQuery)
		}
		http.Redirect(w, r, srv.URL+"/login?code=merged-code", http.StatusFound)
	})

	sess := newTestSession(t)
	start, _ := url.Parse(srv.URL + "/idp")
	resp := &browser.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		URL:        start,
		Body: []byte(`<form action="` + srv.URL + `/resume?sid=abc" method="get">
			<input type="hidden" name="token" value="t-9"/></form>`),
	}

	code, err := interceptCode(sess, resp, mustHost(t, srv.URL))
	if err != nil {
		t.Fatalf("interceptCode() error = %v", err)
	}
	if code != "merged-code" {
		t.Errorf("interceptCode() = %q, want %q", code, "merged-code")
	}
}

func TestInterceptCodeAlreadyLoadedPage(t *testing.T) {
	t.Parallel()

	// A followed redirect can land on the brokerage page with the code in its
	// final URL. The code is returned even though rendering may have burned it.
	sess := newTestSession(t)
	u, _ := url.Parse("https://www.nordnet.dk/login?code=maybe-consumed")
	resp := &browser.Response{StatusCode: http.StatusOK, Header: http.Header{}, URL: u}

	code, err := interceptCode(sess, resp, "nordnet")
	if err != nil {
		t.Fatalf("interceptCode() error = %v", err)
	}
	if code != "maybe-consumed" {
		t.Errorf("interceptCode() = %q, want %q", code, "maybe-consumed")
	}
}

func TestInterceptCodeStuck(t *testing.T) {
	t.Parallel()

	sess := newTestSession(t)
	u, _ := url.Parse("https://idp.example/dead-end")
	resp := &browser.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		URL:        u,
		Body:       []byte("<html><body>nothing actionable</body></html>"),
	}

	_, err := interceptCode(sess, resp, "nordnet")
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("interceptCode() error = %v, want *ProtocolError", err)
	}
	if protoErr.URL != "https://idp.example/dead-end" {
		t.Errorf("ProtocolError.URL = %q, want %q", protoErr.URL, "https://idp.example/dead-end")
	}
	if protoErr.StatusCode != http.StatusOK {
		t.Errorf("ProtocolError.StatusCode = %d, want %d", protoErr.StatusCode, http.StatusOK)
	}
}

func TestInterceptCodeHopLimit(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	}))
	defer srv.Close()

	sess := newTestSession(t)
	resp := redirectResponse(t, srv.URL+"/loop", srv.URL+"/loop")

	_, err := interceptCode(sess, resp, "nordnet")
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("interceptCode() error = %v, want *ProtocolError", err)
	}
	if protoErr.Hops != maxRedirectHops {
		t.Errorf("ProtocolError.Hops = %d, want %d", protoErr.Hops, maxRedirectHops)
	}
}

func mustHost(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("url.Parse(%q) error = %v", rawURL, err)
	}
	return u.Hostname()
}
