package callback

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignPayload computes the hex HMAC-SHA256 of the exact payload bytes. The
// receiver recomputes it over the raw request body, so the payload must not
// be re-serialized between signing and sending.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeader is the outbound signature header name.
const SignatureHeader = "x-ecodrix-signature"
