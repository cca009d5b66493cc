package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 64 hex chars = 32 bytes = valid AES-256 key
const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestNewAesGcmService_InvalidKeys(t *testing.T) {
	tests := []struct {
		name   string
		hexKey string
	}{
		{"not hex", "zzzz"},
		{"too short (31 bytes)", "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := NewAesGcmService(tt.hexKey)
			assert.Error(t, err)
			assert.Nil(t, svc)
		})
	}
}

func TestEncryptDecrypt_Roundtrip(t *testing.T) {
	svc, err := NewAesGcmService(testKey)
	require.NoError(t, err)

	sealed, err := svc.Encrypt("portal-access-token", "member-1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, sealedPrefix))
	assert.NotContains(t, sealed, "portal-access-token")

	plain, err := svc.Decrypt(sealed, "member-1")
	require.NoError(t, err)
	assert.Equal(t, "portal-access-token", plain)
}

func TestEncrypt_UniqueNonces(t *testing.T) {
	svc, err := NewAesGcmService(testKey)
	require.NoError(t, err)

	a, err := svc.Encrypt("same", "m")
	require.NoError(t, err)
	b, err := svc.Encrypt("same", "m")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecrypt_WrongAssociatedValue(t *testing.T) {
	svc, err := NewAesGcmService(testKey)
	require.NoError(t, err)

	sealed, err := svc.Encrypt("token", "member-1")
	require.NoError(t, err)

	_, err = svc.Decrypt(sealed, "member-2")
	assert.Error(t, err)
}

func TestDecrypt_LegacyPlaintextPassesThrough(t *testing.T) {
	svc, err := NewAesGcmService(testKey)
	require.NoError(t, err)

	plain, err := svc.Decrypt("stored-before-encryption", "member-1")
	require.NoError(t, err)
	assert.Equal(t, "stored-before-encryption", plain)
}

func TestDecrypt_Corrupted(t *testing.T) {
	svc, err := NewAesGcmService(testKey)
	require.NoError(t, err)

	_, err = svc.Decrypt(sealedPrefix+"nothex", "m")
	assert.Error(t, err)

	_, err = svc.Decrypt(sealedPrefix+"abcd", "m")
	assert.ErrorContains(t, err, "too short")
}

func TestEmptyValuesStayEmpty(t *testing.T) {
	svc, err := NewAesGcmService(testKey)
	require.NoError(t, err)

	sealed, err := svc.Encrypt("", "m")
	require.NoError(t, err)
	assert.Empty(t, sealed)

	plain, err := svc.Decrypt("", "m")
	require.NoError(t, err)
	assert.Empty(t, plain)
}
