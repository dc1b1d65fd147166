package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVault_RoundTrip(t *testing.T) {
	v, err := New("a-test-encryption-key-of-any-length")
	require.NoError(t, err)

	plaintext := "sk-tenant-owned-upstream-key-12345"
	ciphertext, err := v.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	decrypted, err := v.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestVault_EncryptIsNonDeterministic(t *testing.T) {
	v, err := New("key")
	require.NoError(t, err)

	a, err := v.Encrypt("same-plaintext")
	require.NoError(t, err)
	b, err := v.Encrypt("same-plaintext")
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "random nonce must make repeated encryptions differ")
}

func TestVault_DecryptRejectsCorruption(t *testing.T) {
	v, err := New("key")
	require.NoError(t, err)

	ciphertext, err := v.Encrypt("plaintext")
	require.NoError(t, err)

	corrupted := ciphertext[:len(ciphertext)-4] + "abcd"
	_, err = v.Decrypt(corrupted)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestVault_DecryptRejectsGarbage(t *testing.T) {
	v, err := New("key")
	require.NoError(t, err)

	_, err = v.Decrypt("not-valid-base64-or-ciphertext!!")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestVault_WrongKeyFailsToDecrypt(t *testing.T) {
	v1, err := New("key-one")
	require.NoError(t, err)
	v2, err := New("key-two")
	require.NoError(t, err)

	ciphertext, err := v1.Encrypt("secret")
	require.NoError(t, err)

	_, err = v2.Decrypt(ciphertext)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestNew_RejectsEmptyKey(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}
