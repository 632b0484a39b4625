package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptedStringRoundTrip(t *testing.T) {
	require.NoError(t, InitEncryption([]byte("01234567890123456789012345678901")))

	original := EncryptedString("super-secret-shared-key")
	stored, err := original.Value()
	require.NoError(t, err)
	assert.NotEqual(t, string(original), stored, "stored value must not be the plaintext")

	var decoded EncryptedString
	require.NoError(t, decoded.Scan(stored))
	assert.Equal(t, original, decoded)
}

func TestEncryptedStringEmptyStaysEmpty(t *testing.T) {
	require.NoError(t, InitEncryption([]byte("01234567890123456789012345678901")))

	var empty EncryptedString
	stored, err := empty.Value()
	require.NoError(t, err)
	assert.Equal(t, "", stored)

	var decoded EncryptedString
	require.NoError(t, decoded.Scan(""))
	assert.Equal(t, EncryptedString(""), decoded)
}

func TestEncryptedStringScanRejectsNonString(t *testing.T) {
	require.NoError(t, InitEncryption([]byte("01234567890123456789012345678901")))
	var decoded EncryptedString
	assert.Error(t, decoded.Scan(12345))
}

func TestEncryptedStringScanNilYieldsEmpty(t *testing.T) {
	require.NoError(t, InitEncryption([]byte("01234567890123456789012345678901")))
	var decoded EncryptedString
	require.NoError(t, decoded.Scan(nil))
	assert.Equal(t, EncryptedString(""), decoded)
}

func TestEncryptedStringProducesDistinctCiphertextsPerCall(t *testing.T) {
	require.NoError(t, InitEncryption([]byte("01234567890123456789012345678901")))

	v := EncryptedString("same-plaintext")
	a, err := v.Value()
	require.NoError(t, err)
	b, err := v.Value()
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "GCM nonce must be fresh per encryption")
}
