package apikey

import (
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onecompany/gpt/pkg/seed"
)

func mustIdentity(t *testing.T) seed.Identity {
	t.Helper()
	var s seed.Seed
	_, err := io.ReadFull(rand.Reader, s[:])
	require.NoError(t, err)
	id, err := seed.DeriveIdentity(s)
	require.NoError(t, err)
	return id
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	id := mustIdentity(t)
	plaintext := []byte("sk-test-0123456789")

	ciphertext, err := EncryptForRecipient(id.Public, plaintext)
	require.NoError(t, err)
	assert.NotContains(t, string(ciphertext), "sk-test", "ciphertext must not leak the plaintext")

	got, err := DecryptWithIdentity(id.Secret, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestEncryptDecrypt_DifferentCiphertextEachCall(t *testing.T) {
	id := mustIdentity(t)
	plaintext := []byte("sk-test-0123456789")

	c1, err := EncryptForRecipient(id.Public, plaintext)
	require.NoError(t, err)
	c2, err := EncryptForRecipient(id.Public, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, c1, c2, "fresh ephemeral key and nonce must vary each call")
}

func TestDecrypt_WrongIdentityFails(t *testing.T) {
	recipient := mustIdentity(t)
	other := mustIdentity(t)

	ciphertext, err := EncryptForRecipient(recipient.Public, []byte("secret"))
	require.NoError(t, err)

	_, err = DecryptWithIdentity(other.Secret, ciphertext)
	assert.Error(t, err)
}

func TestDecrypt_TamperedCiphertextFails(t *testing.T) {
	id := mustIdentity(t)
	ciphertext, err := EncryptForRecipient(id.Public, []byte("secret"))
	require.NoError(t, err)

	tampered := append([]byte(nil), ciphertext...)
	tampered[len(tampered)-1] ^= 0xFF

	_, err = DecryptWithIdentity(id.Secret, tampered)
	assert.Error(t, err)
}

func TestDecrypt_TruncatedCiphertextFails(t *testing.T) {
	id := mustIdentity(t)
	_, err := DecryptWithIdentity(id.Secret, make([]byte, 10))
	assert.Error(t, err)
}
