package elicitation

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// deriveResponseKey derives a per-elicitation HMAC key from a coordinator
// master secret, the elicitation's own ID, the bound responder (to_agent),
// and a per-elicitation nonce: response_key = HKDF(id ∥ to ∥ nonce, secret).
// Binding to and nonce into the derivation means the key is useless to
// anyone but the named responder, and useless a second time once the nonce
// is consumed. Because the key is deterministic from its inputs, the
// coordinator never stores the key itself on the log or in memory longer
// than one request: it is recomputed whenever a response needs verifying,
// and only a fingerprint of it (see Fingerprint) is ever persisted.
func deriveResponseKey(masterSecret []byte, elicitationID, toAgent string, nonce []byte) ([]byte, error) {
	if len(masterSecret) == 0 {
		return nil, fmt.Errorf("elicitation: master secret required")
	}
	salt := make([]byte, 0, len(elicitationID)+len(toAgent)+len(nonce)+2)
	salt = append(salt, []byte(elicitationID)...)
	salt = append(salt, 0)
	salt = append(salt, []byte(toAgent)...)
	salt = append(salt, 0)
	salt = append(salt, nonce...)

	h := hkdf.New(sha256.New, masterSecret, salt, []byte("bridge-elicitation-response-key"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, fmt.Errorf("elicitation: derive response key: %w", err)
	}
	return key, nil
}

// Fingerprint returns a public, non-reversible identifier for a response
// key, safe to store on the log so a later response can be checked against
// "was this key used for this elicitation" without exposing the key.
func Fingerprint(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:8])
}

// Sign computes the HMAC-SHA256 signature a responder must attach to a
// response payload.
func Sign(key []byte, payload []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a response signature in constant time.
func Verify(key []byte, payload []byte, signatureHex string) bool {
	expected, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	computed := mac.Sum(nil)
	return hmac.Equal(expected, computed)
}
