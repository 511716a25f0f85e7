// Package token mints and verifies the signed, time-boxed payloads encoded
// into attendance QR codes. The codec is stateless: every function is a pure
// computation over its inputs, keyed by the session's rotating secret.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrMalformed means the payload is not a decodable token or is
	// missing required fields.
	ErrMalformed = errors.New("token malformed")
	// ErrSignatureMismatch means the MAC does not match the session
	// secret. A recurring mismatch for one student is an audit signal.
	ErrSignatureMismatch = errors.New("token signature mismatch")
	// ErrExpired means the token was authentic but its window has passed.
	ErrExpired = errors.New("token expired")
)

// Token is the QR payload. Timestamps are unix milliseconds UTC.
type Token struct {
	SessionID string `json:"sid"`
	IssuedAt  int64  `json:"iat"`
	Nonce     string `json:"non"`
	ExpiresAt int64  `json:"exp"`
	Signature string `json:"sig"`
}

// NewSecret returns a fresh 256-bit signing secret, hex encoded.
// Each rotation replaces the previous secret entirely, so a leaked
// QR screenshot is only useful for one rotation window.
func NewSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic("token: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// Mint creates a signed token for sessionID valid for ttl from now.
func Mint(sessionID, secret string, now time.Time, ttl time.Duration) Token {
	t := Token{
		SessionID: sessionID,
		IssuedAt:  now.UTC().UnixMilli(),
		Nonce:     uuid.NewString(),
		ExpiresAt: now.UTC().Add(ttl).UnixMilli(),
	}
	t.Signature = sign(t, secret)
	return t
}

// Verify checks t against secret at instant now. It never panics on
// attacker-controlled input; every failure is one of the typed errors above.
func Verify(t Token, secret string, now time.Time) error {
	if t.SessionID == "" || t.Nonce == "" || t.Signature == "" || t.IssuedAt <= 0 || t.ExpiresAt <= 0 {
		return ErrMalformed
	}
	want, err := base64.RawURLEncoding.DecodeString(t.Signature)
	if err != nil {
		return ErrMalformed
	}
	got, err := base64.RawURLEncoding.DecodeString(sign(t, secret))
	if err != nil {
		return ErrMalformed
	}
	if !hmac.Equal(want, got) {
		return ErrSignatureMismatch
	}
	if now.UTC().UnixMilli() > t.ExpiresAt {
		return ErrExpired
	}
	return nil
}

// Encode serializes t for embedding in a QR image.
func Encode(t Token) string {
	raw, _ := json.Marshal(t)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// Decode parses a payload produced by Encode. Unknown or garbage input
// yields ErrMalformed.
func Decode(payload string) (Token, error) {
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Token{}, ErrMalformed
	}
	var t Token
	if err := json.Unmarshal(raw, &t); err != nil {
		return Token{}, ErrMalformed
	}
	return t, nil
}

// sign computes the MAC over the canonical sessionId|issuedAt|nonce string.
// Binding the session id prevents replay of a token minted for another
// session even when nonces collide.
func sign(t Token, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s|%d|%s", t.SessionID, t.IssuedAt, t.Nonce)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
