package api

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// jwtExpiry extracts the exp claim from a JWT without verifying its
// signature. The token was just issued by the authenticated session, so only
// its expiry matters here.
func jwtExpiry(token string) (time.Time, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return time.Time{}, false
	}
	claims, err := base64URLDecode(parts[1])
	if err != nil {
		return time.Time{}, false
	}
	exp := gjson.GetBytes(claims, "exp")
	if !exp.Exists() || exp.Int() == 0 {
		return time.Time{}, false
	}
	return time.Unix(exp.Int(), 0).UTC(), true
}

// base64URLDecode decodes a Base64 URL-encoded string, re-adding the padding
// JWTs omit.
func base64URLDecode(s string) ([]byte, error) {
	if pad := len(s) % 4; pad != 0 {
		s += strings.Repeat("=", 4-pad)
	}
	return base64.URLEncoding.DecodeString(s)
}
