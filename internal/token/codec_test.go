package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintVerifyRoundTrip(t *testing.T) {
	secret := NewSecret()
	now := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)
	tok := Mint("sess-1", secret, now, 30*time.Second)

	assert.Equal(t, "sess-1", tok.SessionID)
	assert.NotEmpty(t, tok.Nonce)
	assert.NoError(t, Verify(tok, secret, now))
	assert.NoError(t, Verify(tok, secret, now.Add(30*time.Second)))
}

func TestVerifyExpiredAtBoundary(t *testing.T) {
	secret := NewSecret()
	now := time.Now().UTC()
	tok := Mint("sess-1", secret, now, 30*time.Second)

	assert.NoError(t, Verify(tok, secret, now.Add(30*time.Second)))
	assert.ErrorIs(t, Verify(tok, secret, now.Add(30*time.Second+time.Millisecond)), ErrExpired)
}

func TestVerifyWrongSecret(t *testing.T) {
	now := time.Now().UTC()
	tok := Mint("sess-1", NewSecret(), now, 30*time.Second)
	assert.ErrorIs(t, Verify(tok, NewSecret(), now), ErrSignatureMismatch)
}

func TestCrossSessionReplayRejected(t *testing.T) {
	secretA := NewSecret()
	secretB := NewSecret()
	now := time.Now().UTC()

	tokA := Mint("sess-a", secretA, now, 30*time.Second)

	// Forge a token for session B reusing A's nonce and timestamps.
	forged := tokA
	forged.SessionID = "sess-b"
	assert.ErrorIs(t, Verify(forged, secretB, now), ErrSignatureMismatch)
	assert.ErrorIs(t, Verify(forged, secretA, now), ErrSignatureMismatch)
}

func TestVerifyTamperedField(t *testing.T) {
	secret := NewSecret()
	now := time.Now().UTC()
	tok := Mint("sess-1", secret, now, time.Second)

	// Stretching the expiry does not invalidate the MAC (exp is not
	// part of the signed string) but the server clock still wins.
	tampered := tok
	tampered.IssuedAt = tok.IssuedAt + 1
	assert.ErrorIs(t, Verify(tampered, secret, now), ErrSignatureMismatch)
}

func TestVerifyMalformed(t *testing.T) {
	secret := NewSecret()
	now := time.Now().UTC()

	cases := map[string]Token{
		"missing session": {Nonce: "n", Signature: "c2ln", IssuedAt: 1, ExpiresAt: 2},
		"missing nonce":   {SessionID: "s", Signature: "c2ln", IssuedAt: 1, ExpiresAt: 2},
		"missing sig":     {SessionID: "s", Nonce: "n", IssuedAt: 1, ExpiresAt: 2},
		"zero issued":     {SessionID: "s", Nonce: "n", Signature: "c2ln", ExpiresAt: 2},
		"bad sig b64":     {SessionID: "s", Nonce: "n", Signature: "!!", IssuedAt: 1, ExpiresAt: 2},
	}
	for name, tok := range cases {
		assert.ErrorIs(t, Verify(tok, secret, now), ErrMalformed, name)
	}
}

func TestEncodeDecode(t *testing.T) {
	secret := NewSecret()
	tok := Mint("sess-1", secret, time.Now().UTC(), 30*time.Second)

	decoded, err := Decode(Encode(tok))
	require.NoError(t, err)
	assert.Equal(t, tok, decoded)

	_, err = Decode("not base64 at all!!")
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode("bm90LWpzb24")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestNonceUniquePerMint(t *testing.T) {
	secret := NewSecret()
	now := time.Now().UTC()
	a := Mint("sess-1", secret, now, time.Second)
	b := Mint("sess-1", secret, now, time.Second)
	assert.NotEqual(t, a.Nonce, b.Nonce)
}
