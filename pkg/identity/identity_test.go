package identity

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onecompany/gpt/pkg/seed"
)

func TestNewSession_FreshKeysEveryBoot(t *testing.T) {
	a, err := NewSession()
	require.NoError(t, err)
	b, err := NewSession()
	require.NoError(t, err)

	assert.NotEqual(t, a.Principal, b.Principal, "principal must rotate per boot")
	assert.NotEqual(t, a.RecipientPublic, b.RecipientPublic)
}

func TestSession_SignVerifiesUnderPrincipal(t *testing.T) {
	s, err := NewSession()
	require.NoError(t, err)

	msg := []byte("heartbeat")
	sig := s.Sign(msg)

	pub, err := PublicKeyFromPrincipal(s.Principal)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(pub, msg, sig))
	assert.False(t, ed25519.Verify(pub, []byte("tampered"), sig))

	other, err := NewSession()
	require.NoError(t, err)
	otherPub, err := PublicKeyFromPrincipal(other.Principal)
	require.NoError(t, err)
	assert.False(t, ed25519.Verify(otherPub, msg, sig), "signature must not verify under another session's principal")
}

func TestPublicKeyFromPrincipal_RejectsGarbage(t *testing.T) {
	_, err := PublicKeyFromPrincipal("not!base64url")
	assert.Error(t, err)

	_, err = PublicKeyFromPrincipal("c2hvcnQ") // valid base64url, wrong length
	assert.Error(t, err)
}

func TestSession_RecipientIsAgeEncoded(t *testing.T) {
	s, err := NewSession()
	require.NoError(t, err)

	recipient, err := s.Recipient()
	require.NoError(t, err)
	assert.Regexp(t, "^age1", recipient)

	decoded, err := seed.DecodePublic(recipient)
	require.NoError(t, err)
	assert.Equal(t, s.RecipientPublic, decoded)
}

func TestSession_RecipientSecretIsClamped(t *testing.T) {
	s, err := NewSession()
	require.NoError(t, err)
	k := s.recipientSecret
	assert.Zero(t, k[0]&7)
	assert.Zero(t, k[31]&128)
	assert.Equal(t, byte(64), k[31]&64)
}
