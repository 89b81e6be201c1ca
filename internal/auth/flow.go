package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/nordnet-unofficial/nordgo/internal/browser"
	"github.com/nordnet-unofficial/nordgo/internal/session"
)

// Default flow endpoints. The signicatStart call lives on a separate API
// host; the rest of the brokerage endpoints share the web origin.
const (
	defaultLoginPageURL     = "https://www.nordnet.dk/logind"
	defaultStartURL         = "https://api.prod.nntech.io/authentication/v2/methods/signicat/start"
	defaultRedirectURI      = "https://www.nordnet.dk/login"
	defaultSessionsURL      = "https://www.nordnet.dk/nnxapi/authentication/v2/sessions"
	defaultLoginConfirmURL  = "https://www.nordnet.dk/api/2/authentication/nnx-session/login"
	defaultOrigin           = "https://www.nordnet.dk"
	defaultCodeHostMarker   = "nordnet"
	fallbackAuthorizeURL    = "https://nordnet-login.app.signicat.com/auth/open/connect/authorize"
	fallbackClientID        = "prod-joyous-bag-934"
	defaultCookieDomainURL  = "https://www.nordnet.dk/"
	ntagPlaceholder         = "NO_NTAG_RECEIVED_YET"
	identityProviderKey     = "MITID"
	sessionAuthProvider     = "SIGNICAT"
)

// Callbacks carries the interaction sinks the flow needs from its caller.
// Any of them may be nil.
type Callbacks struct {
	// OnStatus receives human-readable progress messages.
	OnStatus func(message string)
	// OnInput blocks until the user answers the prompt; required when the
	// provider demands secondary national-ID verification.
	OnInput func(prompt string) (string, error)
	// OnQR receives scannable codes produced by app-push challenges.
	OnQR func(code string)
}

// Credentials identifies the user towards the identity provider.
type Credentials struct {
	UserID string
	// Method selects the challenge mechanism (MethodApp or MethodToken).
	Method string
	// Secret is the one-time-code secret; empty for app push.
	Secret string
}

// Flow runs the full login sequence on one shared browser session. Every
// step is a blocking network call executed in order; there is no internal
// parallelism or retry, so a failed Login can simply be run again by the
// caller on a fresh session.
type Flow struct {
	sess       *browser.Session
	store      *session.Store
	challenger Challenger

	loginPageURL    string
	startURL        string
	redirectURI     string
	sessionsURL     string
	loginConfirmURL string
	origin          string
	codeHostMarker  string
	cookieURL       string
}

// NewFlow creates a login flow bound to the session, the session store it
// persists into on success, and the identity challenger.
func NewFlow(sess *browser.Session, store *session.Store, challenger Challenger) *Flow {
	return &Flow{
		sess:            sess,
		store:           store,
		challenger:      challenger,
		loginPageURL:    defaultLoginPageURL,
		startURL:        defaultStartURL,
		redirectURI:     defaultRedirectURI,
		sessionsURL:     defaultSessionsURL,
		loginConfirmURL: defaultLoginConfirmURL,
		origin:          defaultOrigin,
		codeHostMarker:  defaultCodeHostMarker,
		cookieURL:       defaultCookieDomainURL,
	}
}

// Login drives the full authentication sequence and persists the session on
// success. It returns an *AuthError whenever a step's required HTTP status,
// HTML attribute, or JSON field is missing.
func (f *Flow) Login(creds Credentials, cb Callbacks) error {
	status := cb.OnStatus
	if status == nil {
		status = func(string) {}
	}

	if err := f.primeCookies(); err != nil {
		return err
	}

	authorizeURL := f.registerFlow()

	status("Initiating MitID login...")
	base, paths, err := f.loadAuthorize(authorizeURL)
	if err != nil {
		return err
	}

	aux, err := f.initAuth(base, paths.initAuth)
	if err != nil {
		return err
	}

	status("Waiting for MitID authentication...")
	log.Infof("step challenge: delegating to identity challenger (method=%s)", creds.Method)
	authorizationCode, err := f.challenger.AuthCode(f.sess, aux, creds.Method, creds.UserID, creds.Secret, cb.OnQR)
	if err != nil {
		return &AuthError{Step: "challenge", Err: err}
	}
	log.Infof("step challenge complete: got authorization code (len=%d)", len(authorizationCode))
	status("MitID authentication successful")

	if err = f.submitAuthCode(base, paths.authCode, authorizationCode); err != nil {
		return err
	}

	resp, err := f.finalize(base, paths.finalizeAuth, cb, status)
	if err != nil {
		return err
	}

	status("Completing authentication...")
	code, err := interceptCode(f.sess, resp, f.codeHostMarker)
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			return err
		}
		return &AuthError{Step: "extract-code", Err: err}
	}
	log.Infof("step extract-code: intercepted code (len=%d)", len(code))
	log.Debugf("cookies after interception: %v", f.sess.CookieNames())

	f.refreshCookies()

	if err = f.exchangeSession(code); err != nil {
		return err
	}

	if err = f.confirmLogin(); err != nil {
		return err
	}

	if err = f.store.Save(f.sess); err != nil {
		return &AuthError{Step: "persist", Err: err}
	}
	status("Successfully logged in to Nordnet!")
	return nil
}

// primeCookies loads the login landing page for its server-set cookies and
// synthesizes the cookies a browser's client-side script would add, since no
// script engine runs here.
func (f *Flow) primeCookies() error {
	log.Infof("step prime-cookies: GET %s", f.loginPageURL)
	resp, err := f.sess.Get(f.loginPageURL)
	if err != nil {
		return &AuthError{Step: "prime-cookies", Err: err}
	}
	log.Debugf("prime-cookies response: status=%d cookies=%v", resp.StatusCode, f.sess.CookieNames())

	// The page embeds an anti-forgery token that may differ from the _csrf
	// cookie; the server keys CSRF checks off Origin, so it is only logged.
	if page, errParse := ParsePage(resp.Body); errParse == nil {
		if csrf, ok := page.Attr("data-csrf"); ok {
			log.Debugf("prime-cookies: page data-csrf=%s", csrf)
		}
	}

	// The browser JS sets all four consent categories.
	_ = f.sess.SetCookie(f.cookieURL, "consent_cookie", "analytics,functional,marketing,necessary")
	_ = f.sess.SetCookie(f.cookieURL, "lang", "da")
	dcid := fmt.Sprintf("dcid.1.%d.%s", time.Now().UnixMilli(), randomDigits(9))
	_ = f.sess.SetCookie(f.cookieURL, "_dcid", dcid)
	log.Debugf("prime-cookies: set consent_cookie, lang=da, _dcid=%s", dcid)
	return nil
}

// registerFlow registers the OIDC flow server-side through the pushed
// authorization request endpoint and returns the authorize URL. On any
// failure it falls back to a hand-built authorize URL, which lacks the
// server-generated request_uri reference and will likely be rejected.
func (f *Flow) registerFlow() string {
	state := "NEXT_OIDC_STATE_" + uuid.NewString()

	// The provider is sensitive to the payload byte length, so the body must
	// be minified JSON with no inserted whitespace.
	body, _ := sjson.Set("", "redirectUri", f.redirectURI)
	body, _ = sjson.Set(body, "state", state)
	body, _ = sjson.Set(body, "idp", identityProviderKey)

	headers := map[string]string{
		"content-type":   "application/json",
		"x-locale":       "da-DK",
		"accept":         "*/*",
		"origin":         f.origin,
		"referer":        f.origin + "/",
		"sec-fetch-site": "cross-site",
		"sec-fetch-mode": "cors",
		"sec-fetch-dest": "empty",
		"dnt":            "1",
	}

	log.Infof("step register-flow: POST %s", f.startURL)
	log.Debugf("register-flow body (%d bytes): %s", len(body), body)
	resp, err := f.sess.Do(browser.Request{
		Method: http.MethodPost,
		URL:    f.startURL,
		Body:   []byte(body),
		Header: headers,
	})
	if err != nil {
		log.Warnf("register-flow request failed: %v", err)
	} else {
		log.Debugf("register-flow response: status=%d body=%q", resp.StatusCode, snippet(resp.Body))
		if resp.StatusCode == http.StatusOK {
			requestURI := gjson.GetBytes(resp.Body, "data.requestUri")
			if !requestURI.Exists() {
				requestURI = gjson.GetBytes(resp.Body, "requestUri")
			}
			if requestURI.String() != "" {
				log.Infof("register-flow: got requestUri (len=%d)", len(requestURI.String()))
				return requestURI.String()
			}
			log.Warnf("register-flow: 200 but no requestUri in response: %s", snippet(resp.Body))
		} else {
			log.Warnf("register-flow failed: status=%d", resp.StatusCode)
		}
	}

	log.Warnf("register-flow FAILED; falling back to a hand-built authorize URL, which will likely not work for pushed-authorization flows")
	params := url.Values{
		"client_id":     {fallbackClientID},
		"response_type": {"code"},
		"redirect_uri":  {f.redirectURI},
		"scope":         {"openid nin"},
		"state":         {state},
	}
	return fallbackAuthorizeURL + "?" + params.Encode()
}

// flowPaths holds the provider path fragments discovered on the authorize
// pages.
type flowPaths struct {
	initAuth     string
	authCode     string
	finalizeAuth string
}

// loadAuthorize loads the authorize page, follows its embedded index URL, and
// extracts the provider base URL plus the per-step path fragments.
func (f *Flow) loadAuthorize(authorizeURL string) (string, flowPaths, error) {
	log.Infof("step load-authorize: GET authorize page")
	resp, err := f.sess.Get(authorizeURL)
	if err != nil {
		return "", flowPaths{}, &AuthError{Step: "load-authorize", Err: err}
	}
	log.Debugf("load-authorize response: status=%d url=%s", resp.StatusCode, resp.URL)
	if resp.StatusCode != http.StatusOK {
		return "", flowPaths{}, &AuthError{Step: "load-authorize", StatusCode: resp.StatusCode, Message: "failed session setup"}
	}

	page, err := ParsePage(resp.Body)
	if err != nil {
		return "", flowPaths{}, &AuthError{Step: "load-authorize", Err: err}
	}
	indexURL, ok := page.Attr("data-index-url")
	if !ok {
		log.Errorf("load-authorize: no data-index-url attribute, body=%q", snippet(resp.Body))
		return "", flowPaths{}, &AuthError{Step: "load-authorize", Message: "login page missing data-index-url, page structure may have changed"}
	}

	log.Infof("step load-authorize: GET index url %s", indexURL)
	resp, err = f.sess.Get(indexURL)
	if err != nil {
		return "", flowPaths{}, &AuthError{Step: "load-authorize", Err: err}
	}
	log.Debugf("index response: status=%d url=%s", resp.StatusCode, resp.URL)

	page, err = ParsePage(resp.Body)
	if err != nil {
		return "", flowPaths{}, &AuthError{Step: "load-authorize", Err: err}
	}
	el, ok := page.FindWithAttr("data-base-url")
	if !ok {
		log.Errorf("load-authorize: no data-base-url attribute, body=%q", snippet(resp.Body))
		return "", flowPaths{}, &AuthError{Step: "load-authorize", Message: "auth page missing data-base-url, page structure may have changed"}
	}
	base, _ := el.Attr("data-base-url")
	log.Debugf("load-authorize: base url=%s", base)

	paths := flowPaths{}
	paths.initAuth, _ = el.Attr("data-init-auth-path")
	paths.authCode, _ = el.Attr("data-auth-code-path")
	paths.finalizeAuth, _ = el.Attr("data-finalize-auth-path")
	if paths.initAuth == "" || paths.authCode == "" || paths.finalizeAuth == "" {
		return "", flowPaths{}, &AuthError{Step: "load-authorize", Message: "auth page missing step path attributes"}
	}
	return base, paths, nil
}

// initAuth starts the provider-side authentication and decodes the aux blob
// that parameterizes the identity challenge.
func (f *Flow) initAuth(base, initPath string) ([]byte, error) {
	initURL := base + initPath
	log.Infof("step init-auth: POST %s", initURL)
	resp, err := f.sess.Do(browser.Request{Method: http.MethodPost, URL: initURL})
	if err != nil {
		return nil, &AuthError{Step: "init-auth", Err: err}
	}
	log.Debugf("init-auth response: status=%d", resp.StatusCode)
	if resp.StatusCode != http.StatusOK {
		return nil, &AuthError{Step: "init-auth", StatusCode: resp.StatusCode, Message: "failed auth init"}
	}

	auxB64 := gjson.GetBytes(resp.Body, "aux").String()
	if auxB64 == "" {
		return nil, &AuthError{Step: "init-auth", Message: "response missing aux field"}
	}
	aux, err := base64.StdEncoding.DecodeString(auxB64)
	if err != nil {
		return nil, &AuthError{Step: "init-auth", Message: "aux is not valid base64", Err: err}
	}
	return aux, nil
}

// submitAuthCode posts the challenge's authorization code as a hand-built
// multipart body with a fresh random boundary.
func (f *Flow) submitAuthCode(base, authCodePath, code string) error {
	body, contentType := authCodePayload(code, randomDigits(29))
	authCodeURL := base + authCodePath
	log.Infof("step submit-code: POST %s", authCodeURL)
	resp, err := f.sess.Post(authCodeURL, contentType, []byte(body))
	if err != nil {
		return &AuthError{Step: "submit-code", Err: err}
	}
	log.Debugf("submit-code response: status=%d body=%q", resp.StatusCode, snippet(resp.Body))
	return nil
}

// finalize loads the provider finalize endpoint with redirects disabled, and
// handles the optional secondary national-ID (CPR) verification detour.
func (f *Flow) finalize(base, finalizePath string, cb Callbacks, status func(string)) (*browser.Response, error) {
	finalizeURL := base + finalizePath
	log.Infof("step finalize: GET %s (no auto-redirect)", finalizeURL)
	resp, err := f.sess.GetNoRedirect(finalizeURL)
	if err != nil {
		return nil, &AuthError{Step: "finalize", Err: err}
	}
	log.Debugf("finalize response: status=%d", resp.StatusCode)

	// Finalize either redirects into the CPR verification detour or starts
	// the redirect chain towards the brokerage. The CPR redirect may sit
	// behind intermediate hops, so redirects are walked one at a time until
	// /cpr or a non-redirect shows up. A coded redirect stops the walk
	// untouched: fetching its target would burn the code, so it goes to the
	// code interceptor as-is.
	for hop := 1; resp.IsRedirect() && hop <= maxRedirectHops; hop++ {
		loc := resp.Location()
		if strings.Contains(loc, "/cpr") {
			log.Infof("finalize: redirect to CPR page %s", loc)
			// This one hop may auto-redirect; the CPR form HTML is needed.
			resp, err = f.sess.Get(resolveRef(resp.URL, loc))
			if err != nil {
				return nil, &AuthError{Step: "verify-cpr", Err: err}
			}
			break
		}
		if target, errParse := url.Parse(loc); errParse == nil && target.Query().Get("code") != "" {
			break
		}
		log.Debugf("finalize redirect: %d -> %s", resp.StatusCode, loc)
		resp, err = f.sess.GetNoRedirect(resolveRef(resp.URL, loc))
		if err != nil {
			return nil, &AuthError{Step: "finalize", Err: err}
		}
	}

	if resp.URL != nil && strings.Contains(resp.URL.Path, "/cpr") {
		return f.verifyCPR(resp, cb, status)
	}
	return resp, nil
}

// verifyCPR collects the CPR number through the blocking input callback and
// completes the secondary verification.
func (f *Flow) verifyCPR(resp *browser.Response, cb Callbacks, status func(string)) (*browser.Response, error) {
	status("CPR verification required")
	log.Infof("step verify-cpr: verification required (url=%s)", resp.URL)
	if cb.OnInput == nil {
		return nil, &AuthError{Step: "verify-cpr", Message: "no input callback configured"}
	}

	page, err := ParsePage(resp.Body)
	if err != nil {
		return nil, &AuthError{Step: "verify-cpr", Err: err}
	}
	form, ok := page.FindByID("cpr-form")
	if !ok {
		return nil, &AuthError{Step: "verify-cpr", Message: "CPR form not found"}
	}
	baseURL, _ := form.Attr("data-base-url")
	verifyPath, _ := form.Attr("data-verify-path")
	finalizePath, _ := form.Attr("data-finalize-cpr-path")
	if baseURL == "" || verifyPath == "" || finalizePath == "" {
		return nil, &AuthError{Step: "verify-cpr", Message: "CPR form missing path attributes"}
	}

	cpr, err := cb.OnInput("Please enter your CPR number (DDMMYYXXXX): ")
	if err != nil {
		return nil, &AuthError{Step: "verify-cpr", Err: err}
	}
	cpr = strings.TrimSpace(cpr)
	if len(cpr) != 10 {
		return nil, &AuthError{Step: "verify-cpr", Message: "CPR number must be 10 digits (DDMMYYXXXX)"}
	}

	verifyURL := baseURL + verifyPath
	log.Infof("step verify-cpr: POST %s", verifyURL)
	verifyResp, err := f.sess.Do(browser.Request{
		Method:          http.MethodPost,
		URL:             verifyURL,
		Body:            []byte(url.Values{"cpr": {cpr}, "remember": {"false"}}.Encode()),
		Header:          map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
		FollowRedirects: true,
	})
	if err != nil {
		return nil, &AuthError{Step: "verify-cpr", Err: err}
	}
	log.Debugf("verify-cpr response: status=%d body=%q", verifyResp.StatusCode, snippet(verifyResp.Body))
	if verifyResp.StatusCode != http.StatusOK || strings.Contains(string(verifyResp.Body), `"success":false`) {
		return nil, &AuthError{Step: "verify-cpr", StatusCode: verifyResp.StatusCode, Message: snippet(verifyResp.Body)}
	}
	status("CPR verified successfully")

	finalizeURL := baseURL + finalizePath
	log.Infof("step verify-cpr: GET %s (no auto-redirect)", finalizeURL)
	finalResp, err := f.sess.GetNoRedirect(finalizeURL)
	if err != nil {
		return nil, &AuthError{Step: "verify-cpr", Err: err}
	}
	return finalResp, nil
}

// refreshCookies reloads the login landing page (without any code parameter)
// to pick up the cookies the page would refresh after redirecting back.
func (f *Flow) refreshCookies() {
	log.Infof("step refresh-cookies: GET %s", f.loginPageURL)
	resp, err := f.sess.Get(f.loginPageURL)
	if err != nil {
		log.Warnf("refresh-cookies failed: %v", err)
		return
	}
	log.Debugf("refresh-cookies response: status=%d cookies=%v", resp.StatusCode, f.sess.CookieNames())
}

// exchangeSession trades the intercepted authorization code for session
// cookies, sending the header set a genuine in-app fetch would carry.
func (f *Flow) exchangeSession(code string) error {
	f.sess.SetHeader("client-id", "NEXT")
	f.sess.SetHeader("ntag", ntagPlaceholder)
	f.sess.SetHeader("accept", "application/json")
	f.sess.SetHeader("content-type", "application/json")
	f.sess.SetHeader("origin", f.origin)
	f.sess.SetHeader("referer", f.origin+"/")
	f.sess.SetHeader("sec-fetch-site", "same-origin")
	f.sess.SetHeader("sec-fetch-mode", "cors")
	f.sess.SetHeader("sec-fetch-dest", "empty")
	f.sess.SetHeader("dnt", "1")

	body, _ := sjson.Set("", "authenticationProvider", sessionAuthProvider)
	body, _ = sjson.Set(body, "countryCode", "DK")
	body, _ = sjson.Set(body, "signicat.authorizationCode", code)
	body, _ = sjson.Set(body, "signicat.redirectUri", f.redirectURI)
	body, _ = sjson.Set(body, "signicat.useDtp", true)

	log.Infof("step exchange-session: POST %s", f.sessionsURL)
	log.Debugf("exchange-session payload (%d bytes): %s", len(body), body)
	resp, err := f.sess.Do(browser.Request{
		Method: http.MethodPost,
		URL:    f.sessionsURL,
		Body:   []byte(body),
	})
	if err != nil {
		return &AuthError{Step: "exchange-session", Err: err}
	}
	log.Debugf("exchange-session response: status=%d body=%q", resp.StatusCode, snippet(resp.Body))
	if resp.StatusCode != http.StatusOK {
		log.Errorf("sessions endpoint failed: status=%d body=%q", resp.StatusCode, snippet(resp.Body))
		return &AuthError{Step: "exchange-session", StatusCode: resp.StatusCode, Message: snippet(resp.Body)}
	}
	return nil
}

// confirmLogin confirms the new session and captures the ntag correlation
// header required on all subsequent calls.
func (f *Flow) confirmLogin() error {
	log.Infof("step confirm-login: POST %s", f.loginConfirmURL)
	resp, err := f.sess.Do(browser.Request{
		Method: http.MethodPost,
		URL:    f.loginConfirmURL,
		Body:   []byte("{}"),
	})
	if err != nil {
		return &AuthError{Step: "confirm-login", Err: err}
	}
	log.Debugf("confirm-login response: status=%d body=%q", resp.StatusCode, snippet(resp.Body))
	if resp.StatusCode != http.StatusOK {
		return &AuthError{Step: "confirm-login", StatusCode: resp.StatusCode, Message: snippet(resp.Body)}
	}
	ntag := resp.Header.Get("ntag")
	if ntag == "" {
		return &AuthError{Step: "confirm-login", Message: "response missing ntag header"}
	}
	f.sess.SetHeader("ntag", ntag)
	log.Infof("auth complete, ntag set")
	return nil
}
