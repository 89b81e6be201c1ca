package auth

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// randomDigits returns n random decimal digits, used for the multipart
// boundary and the synthesized device-id cookie.
func randomDigits(n int) string {
	digits := make([]byte, n)
	for i := range digits {
		v, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			// crypto/rand only fails when the OS entropy source is broken
			panic(err)
		}
		digits[i] = byte('0' + v.Int64())
	}
	return string(digits)
}

// authCodePayload hand-builds the multipart/form-data body for the auth-code
// submission. The provider expects exactly one authCode field and this exact
// delimiter layout, so encoding/mime multipart writers are not used here.
func authCodePayload(code, boundaryDigits string) (body, contentType string) {
	body = fmt.Sprintf(
		"-----------------------------%s\r\n"+
			"Content-Disposition: form-data; name=\"authCode\"\r\n\r\n"+
			"%s\r\n"+
			"-----------------------------%s--\r\n",
		boundaryDigits, code, boundaryDigits,
	)
	contentType = fmt.Sprintf(
		"multipart/form-data; boundary=---------------------------%s", boundaryDigits)
	return body, contentType
}
