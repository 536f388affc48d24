// Package fileops implements the File-Mutation Service (C10): two-phase
// preview/confirm delete, move, trash_restore, and trash_empty operations
// bound by an HMAC confirm token over the observed source state, trash
// archival under "_trash/<token>/", and time-based retention GC.
package fileops

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"sort"
)

// TokenSigner issues and verifies confirm tokens over a canonical JSON
// payload: base64url(hmac_sha256(secret, canonical_json(payload))), per
// spec.md §4.9.
type TokenSigner struct {
	secret []byte
}

// NewTokenSigner builds a signer over secret. secret must be non-empty.
func NewTokenSigner(secret []byte) *TokenSigner {
	return &TokenSigner{secret: secret}
}

// Sign returns the confirm token for payload.
func (s *TokenSigner) Sign(payload map[string]interface{}) (string, error) {
	canon, err := canonicalJSON(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(canon)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether token matches the signature of payload.
func (s *TokenSigner) Verify(payload map[string]interface{}, token string) (bool, error) {
	expected, err := s.Sign(payload)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(expected), []byte(token)), nil
}

// canonicalJSON renders payload with sorted keys and no extraneous
// whitespace. encoding/json.Marshal on a map[string]interface{} already
// sorts keys lexicographically and emits no spaces, which is exactly the
// canonical form spec.md §4.9 calls for; HTMLEscape is disabled so non-ASCII
// (and characters like "<"/">"/"&") round-trip unescaped for determinism
// across implementations.
func canonicalJSON(payload map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make(map[string]interface{}, len(payload))
	for _, k := range keys {
		ordered[k] = payload[k]
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(ordered); err != nil {
		return nil, err
	}
	// Encode appends a trailing newline; canonical form has none.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
