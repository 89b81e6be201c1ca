package auth

import (
	"net/http"
	"net/url"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/nordnet-unofficial/nordgo/internal/browser"
)

// maxRedirectHops bounds the redirect/SAML-form chain so a misbehaving
// provider cannot loop the flow forever.
const maxRedirectHops = 15

// interceptCode walks the redirect and SAML-form chain after the identity
// provider finalizes, and pulls the one-time authorization code out of a
// Location header pointing back at the brokerage.
//
// The coded URL is never fetched: the brokerage's server rendering consumes
// the code while rendering the login page, which silently invalidates it for
// the subsequent session exchange. The chain therefore stops at the redirect
// itself and reads the code from the header.
func interceptCode(sess *browser.Session, resp *browser.Response, hostMarker string) (string, error) {
	for hop := 1; hop <= maxRedirectHops; hop++ {
		if resp.IsRedirect() {
			location := resp.Location()
			log.Debugf("redirect hop %d: %d -> %s", hop, resp.StatusCode, location)

			target, err := url.Parse(location)
			if err == nil {
				if code := target.Query().Get("code"); code != "" && strings.Contains(target.Host, hostMarker) {
					log.Infof("redirect hop %d: intercepted authorization code (len=%d) without loading %s", hop, len(code), target.Host)
					return code, nil
				}
			}

			next, errGet := sess.GetNoRedirect(resolveRef(resp.URL, location))
			if errGet != nil {
				return "", &AuthError{Step: "extract-code", Message: "redirect hop failed", Err: errGet}
			}
			resp = next
			continue
		}

		// The page was already loaded with the code in its URL. The code may
		// have been consumed by server rendering, but it is the best we have.
		if resp.URL != nil {
			if code := resp.URL.Query().Get("code"); code != "" {
				log.Warnf("redirect hop %d: page loaded with code in URL, server rendering may have consumed it: %s", hop, resp.URL)
				return code, nil
			}
		}

		if resp.StatusCode == http.StatusOK && len(resp.Body) > 0 {
			if page, err := ParsePage(resp.Body); err == nil {
				if form, ok := page.Form(); ok {
					action := resolveRef(resp.URL, form.Action)
					log.Infof("saml form hop %d: %s %s (fields=%v)", hop, form.Method, action, fieldNames(form.Fields))
					var next *browser.Response
					var errSubmit error
					if form.Method == http.MethodPost {
						next, errSubmit = sess.PostForm(action, form.Fields)
					} else {
						next, errSubmit = sess.GetNoRedirect(withQuery(action, form.Fields))
					}
					if errSubmit != nil {
						return "", &AuthError{Step: "extract-code", Message: "saml form submit failed", Err: errSubmit}
					}
					resp = next
					continue
				}
			}
		}

		stuckURL := ""
		if resp.URL != nil {
			stuckURL = resp.URL.String()
		}
		log.Errorf("redirect hop %d: stuck at %s (status=%d, body=%q)", hop, stuckURL, resp.StatusCode, snippet(resp.Body))
		return "", &ProtocolError{
			Hops:       hop,
			URL:        stuckURL,
			StatusCode: resp.StatusCode,
			Body:       snippet(resp.Body),
		}
	}

	return "", &ProtocolError{Hops: maxRedirectHops}
}

// resolveRef resolves a possibly relative redirect target against the URL of
// the response that produced it.
func resolveRef(base *url.URL, ref string) string {
	if base == nil {
		return ref
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(parsed).String()
}

// withQuery appends form fields to a URL, merging with any query string the
// form action already carries.
func withQuery(rawURL string, fields url.Values) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL + "?" + fields.Encode()
	}
	query := parsed.Query()
	for name, values := range fields {
		for _, value := range values {
			query.Add(name, value)
		}
	}
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

func fieldNames(fields url.Values) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	return names
}
