package cryptoutil

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignWebhookPayload computes the hex-encoded HMAC-SHA-256 of payload
// with its "signature" field nulled out, keyed by secret. The caller is
// expected to marshal payload once more with the returned signature
// inserted before sending.
func SignWebhookPayload(secret string, payload map[string]any) (string, error) {
	clone := make(map[string]any, len(payload))
	for k, v := range payload {
		clone[k] = v
	}
	clone["signature"] = nil

	raw, err := canonicalJSON(clone)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyWebhookPayload recomputes the signature over payload (with its
// "signature" field nulled) and compares it in constant time against
// sig.
func VerifyWebhookPayload(secret string, payload map[string]any, sig string) bool {
	want, err := SignWebhookPayload(secret, payload)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(want), []byte(sig))
}
