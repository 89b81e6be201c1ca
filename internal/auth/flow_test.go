package auth

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/nordnet-unofficial/nordgo/internal/browser"
	"github.com/nordnet-unofficial/nordgo/internal/session"
)

// loginFixture wires a full fake provider+brokerage behind one test server.
type loginFixture struct {
	srv *httptest.Server
	mux *http.ServeMux

	authCodeBody  string
	sessionsBody  string
	sessionsNtag  string
	registerBody  string
	cprSubmitted  string
	codedURLHits  int
	withCPRDetour bool
	cprBehindHop  bool
}

func newLoginFixture(t *testing.T, withCPR bool) *loginFixture {
	t.Helper()
	fx := &loginFixture{mux: http.NewServeMux(), withCPRDetour: withCPR}
	fx.srv = httptest.NewServer(fx.mux)
	t.Cleanup(fx.srv.Close)
	base := fx.srv.URL

	fx.mux.HandleFunc("/logind", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body data-csrf="csrf-1"></body></html>`))
	})
	fx.mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fx.registerBody = string(body)
		_, _ = w.Write([]byte(`{"data":{"requestUri":"` + base + `/authorize"}}`))
	})
	fx.mux.HandleFunc("/authorize", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<div data-index-url="` + base + `/index"></div>`))
	})
	fx.mux.HandleFunc("/index", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<div data-base-url="` + base + `"
			data-init-auth-path="/init" data-auth-code-path="/code"
			data-finalize-auth-path="/fin"></div>`))
	})
	fx.mux.HandleFunc("/init", func(w http.ResponseWriter, r *http.Request) {
		aux := base64.StdEncoding.EncodeToString([]byte(`{"link":"mitid://go"}`))
		_, _ = w.Write([]byte(`{"aux":"` + aux + `"}`))
	})
	fx.mux.HandleFunc("/code", func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/form-data; boundary=---------------------------") {
			t.Errorf("auth code Content-Type = %q, want a dashed multipart boundary", ct)
		}
		body, _ := io.ReadAll(r.Body)
		fx.authCodeBody = string(body)
	})
	fx.mux.HandleFunc("/fin", func(w http.ResponseWriter, r *http.Request) {
		if fx.withCPRDetour {
			if fx.cprBehindHop {
				http.Redirect(w, r, "/fin-interstitial", http.StatusFound)
				return
			}
			http.Redirect(w, r, "/cpr/page", http.StatusFound)
			return
		}
		http.Redirect(w, r, "/hop", http.StatusFound)
	})
	fx.mux.HandleFunc("/fin-interstitial", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/cpr/page", http.StatusFound)
	})
	fx.mux.HandleFunc("/cpr/page", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<form id="cpr-form" data-base-url="` + base + `"
			data-verify-path="/cpr/verify" data-finalize-cpr-path="/cpr/fin"></form>`))
	})
	fx.mux.HandleFunc("/cpr/verify", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("cpr verify ParseForm() error = %v", err)
		}
		fx.cprSubmitted = r.PostFormValue("cpr")
		if got := r.PostFormValue("remember"); got != "false" {
			t.Errorf("cpr remember = %q, want %q", got, "false")
		}
		_, _ = w.Write([]byte(`{"success":true}`))
	})
	fx.mux.HandleFunc("/cpr/fin", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/hop", http.StatusFound)
	})
	fx.mux.HandleFunc("/hop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, base+"/login?code=one-time-code", http.StatusFound)
	})
	fx.mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("code") != "" {
			fx.codedURLHits++
		}
	})
	fx.mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fx.sessionsBody = string(body)
		fx.sessionsNtag = r.Header.Get("ntag")
		if got := r.Header.Get("client-id"); got != "NEXT" {
			t.Errorf("sessions client-id = %q, want NEXT", got)
		}
		_, _ = w.Write([]byte(`{}`))
	})
	fx.mux.HandleFunc("/confirm", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ntag", "ntag-fresh-1")
		_, _ = w.Write([]byte(`{}`))
	})
	return fx
}

func (fx *loginFixture) flow(t *testing.T, challenger Challenger) (*Flow, *browser.Session, *session.Store) {
	t.Helper()
	sess, err := browser.New(browser.Options{Transport: http.DefaultTransport})
	if err != nil {
		t.Fatalf("browser.New() error = %v", err)
	}
	store := session.NewStore(filepath.Join(t.TempDir(), "session.json"))

	f := NewFlow(sess, store, challenger)
	f.loginPageURL = fx.srv.URL + "/logind"
	f.startURL = fx.srv.URL + "/start"
	f.sessionsURL = fx.srv.URL + "/sessions"
	f.loginConfirmURL = fx.srv.URL + "/confirm"
	f.origin = fx.srv.URL
	f.codeHostMarker = "127.0.0.1"
	f.cookieURL = fx.srv.URL + "/"
	return f, sess, store
}

func TestFlowLogin(t *testing.T) {
	t.Parallel()

	fx := newLoginFixture(t, false)

	var gotAux, gotMethod, gotUser string
	challenger := ChallengerFunc(func(_ *browser.Session, aux []byte, method, userID, _ string, _ func(string)) (string, error) {
		gotAux = string(aux)
		gotMethod = method
		gotUser = userID
		return "challenge-code-7", nil
	})

	f, sess, store := fx.flow(t, challenger)
	var statuses []string
	err := f.Login(Credentials{UserID: "user-9", Method: MethodApp}, Callbacks{
		OnStatus: func(msg string) { statuses = append(statuses, msg) },
	})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	if gotAux != `{"link":"mitid://go"}` {
		t.Errorf("challenger aux = %q, want the decoded init blob", gotAux)
	}
	if gotMethod != MethodApp || gotUser != "user-9" {
		t.Errorf("challenger got method=%q user=%q, want %q and %q", gotMethod, gotUser, MethodApp, "user-9")
	}

	if !strings.Contains(fx.authCodeBody, "challenge-code-7") {
		t.Error("auth code submission does not carry the challenge code")
	}
	if !strings.Contains(fx.authCodeBody, `name="authCode"`) {
		t.Error("auth code submission is missing the authCode form field")
	}

	if fx.codedURLHits != 0 {
		t.Errorf("coded redirect target fetched %d times, want 0", fx.codedURLHits)
	}

	reg := gjson.Parse(fx.registerBody)
	if got := reg.Get("idp").String(); got != "MITID" {
		t.Errorf("register idp = %q, want MITID", got)
	}
	if !strings.HasPrefix(reg.Get("state").String(), "NEXT_OIDC_STATE_") {
		t.Errorf("register state = %q, want a NEXT_OIDC_STATE_ prefix", reg.Get("state").String())
	}
	if strings.ContainsAny(fx.registerBody, " \n\t") {
		t.Errorf("register body = %q, want minified JSON", fx.registerBody)
	}

	sessBody := gjson.Parse(fx.sessionsBody)
	if got := sessBody.Get("signicat.authorizationCode").String(); got != "one-time-code" {
		t.Errorf("sessions authorizationCode = %q, want %q", got, "one-time-code")
	}
	if got := sessBody.Get("authenticationProvider").String(); got != "SIGNICAT" {
		t.Errorf("sessions authenticationProvider = %q, want SIGNICAT", got)
	}
	if !sessBody.Get("signicat.useDtp").Bool() {
		t.Error("sessions useDtp = false, want true")
	}
	if fx.sessionsNtag != ntagPlaceholder {
		t.Errorf("sessions ntag = %q, want the placeholder %q", fx.sessionsNtag, ntagPlaceholder)
	}

	if got := sess.Header("ntag"); got != "ntag-fresh-1" {
		t.Errorf("session ntag header = %q, want %q", got, "ntag-fresh-1")
	}

	if remaining, ok := store.SecondsRemaining(); !ok || remaining <= 0 {
		t.Errorf("SecondsRemaining() = %d, %v after login, want a positive estimate", remaining, ok)
	}
	if len(statuses) == 0 {
		t.Error("no status messages delivered")
	}
}

func TestFlowLoginCPRDetour(t *testing.T) {
	t.Parallel()

	fx := newLoginFixture(t, true)
	challenger := ChallengerFunc(func(_ *browser.Session, _ []byte, _, _, _ string, _ func(string)) (string, error) {
		return "challenge-code-7", nil
	})

	f, _, _ := fx.flow(t, challenger)
	err := f.Login(Credentials{UserID: "user-9", Method: MethodApp}, Callbacks{
		OnInput: func(prompt string) (string, error) {
			if !strings.Contains(prompt, "CPR") {
				t.Errorf("input prompt = %q, want a CPR prompt", prompt)
			}
			return "0101901234", nil
		},
	})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if fx.cprSubmitted != "0101901234" {
		t.Errorf("submitted CPR = %q, want %q", fx.cprSubmitted, "0101901234")
	}
	if fx.codedURLHits != 0 {
		t.Errorf("coded redirect target fetched %d times, want 0", fx.codedURLHits)
	}
}

func TestFlowLoginCPRDetourBehindIntermediateHop(t *testing.T) {
	t.Parallel()

	fx := newLoginFixture(t, true)
	fx.cprBehindHop = true
	challenger := ChallengerFunc(func(_ *browser.Session, _ []byte, _, _, _ string, _ func(string)) (string, error) {
		return "challenge-code-7", nil
	})

	f, _, _ := fx.flow(t, challenger)
	err := f.Login(Credentials{UserID: "user-9", Method: MethodApp}, Callbacks{
		OnInput: func(string) (string, error) { return "0101901234", nil },
	})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if fx.cprSubmitted != "0101901234" {
		t.Errorf("submitted CPR = %q, want %q", fx.cprSubmitted, "0101901234")
	}
	if fx.codedURLHits != 0 {
		t.Errorf("coded redirect target fetched %d times, want 0", fx.codedURLHits)
	}
}

func TestFlowLoginCPRWithoutInput(t *testing.T) {
	t.Parallel()

	fx := newLoginFixture(t, true)
	challenger := ChallengerFunc(func(_ *browser.Session, _ []byte, _, _, _ string, _ func(string)) (string, error) {
		return "challenge-code-7", nil
	})

	f, _, _ := fx.flow(t, challenger)
	err := f.Login(Credentials{UserID: "user-9", Method: MethodApp}, Callbacks{})
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Login() error = %v, want *AuthError", err)
	}
	if authErr.Step != "verify-cpr" {
		t.Errorf("AuthError.Step = %q, want %q", authErr.Step, "verify-cpr")
	}
}

func TestFlowChallengerFailure(t *testing.T) {
	t.Parallel()

	fx := newLoginFixture(t, false)
	challenger := ChallengerFunc(func(_ *browser.Session, _ []byte, _, _, _ string, _ func(string)) (string, error) {
		return "", errors.New("user declined in app")
	})

	f, _, _ := fx.flow(t, challenger)
	err := f.Login(Credentials{UserID: "user-9", Method: MethodApp}, Callbacks{})
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Login() error = %v, want *AuthError", err)
	}
	if authErr.Step != "challenge" {
		t.Errorf("AuthError.Step = %q, want %q", authErr.Step, "challenge")
	}
}

func TestRegisterFlowFallback(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sess, err := browser.New(browser.Options{Transport: http.DefaultTransport})
	if err != nil {
		t.Fatalf("browser.New() error = %v", err)
	}
	f := NewFlow(sess, session.NewStore(filepath.Join(t.TempDir(), "s.json")), nil)
	f.startURL = srv.URL + "/start"

	got := f.registerFlow()
	if !strings.HasPrefix(got, fallbackAuthorizeURL+"?") {
		t.Fatalf("registerFlow() = %q, want the hand-built authorize URL", got)
	}
	if !strings.Contains(got, "client_id="+fallbackClientID) {
		t.Errorf("registerFlow() = %q, want client_id=%s", got, fallbackClientID)
	}
	if !strings.Contains(got, "scope=openid+nin") {
		t.Errorf("registerFlow() = %q, want scope=openid nin", got)
	}
}

func TestFlowInitAuthErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"non-200 status", http.StatusBadGateway, `{}`},
		{"missing aux", http.StatusOK, `{}`},
		{"aux not base64", http.StatusOK, `{"aux":"%%%not-base64%%%"}`},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			sess, err := browser.New(browser.Options{Transport: http.DefaultTransport})
			if err != nil {
				t.Fatalf("browser.New() error = %v", err)
			}
			f := NewFlow(sess, nil, nil)

			_, err = f.initAuth(srv.URL, "/init")
			var authErr *AuthError
			if !errors.As(err, &authErr) {
				t.Fatalf("initAuth() error = %v, want *AuthError", err)
			}
			if authErr.Step != "init-auth" {
				t.Errorf("AuthError.Step = %q, want %q", authErr.Step, "init-auth")
			}
		})
	}
}
