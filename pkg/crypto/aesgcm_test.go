package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestEncryptDecryptAESGCM(t *testing.T) {
	sealed, err := EncryptAESGCM(testKeyHex, []byte(`{"access_token":"abc"}`))
	require.NoError(t, err)

	plain, err := DecryptAESGCM(testKeyHex, sealed)
	require.NoError(t, err)
	assert.Equal(t, `{"access_token":"abc"}`, string(plain))
}

func TestDecryptAESGCM_WrongKey(t *testing.T) {
	sealed, err := EncryptAESGCM(testKeyHex, []byte("secret"))
	require.NoError(t, err)

	otherKey := strings.Repeat("ab", 32)
	_, err = DecryptAESGCM(otherKey, sealed)
	assert.ErrorIs(t, err, ErrValueDecryptionFailed)
}

func TestDecryptAESGCM_BadInput(t *testing.T) {
	_, err := DecryptAESGCM("abcd", "whatever")
	assert.ErrorIs(t, err, ErrInvalidAESKeySize)

	_, err = DecryptAESGCM(testKeyHex, "!!not-base64!!")
	assert.ErrorIs(t, err, ErrInvalidSealedFormat)

	_, err = DecryptAESGCM(testKeyHex, "AAAA")
	assert.ErrorIs(t, err, ErrCiphertextTooShort)
}

func TestSha256Hex(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Sha256Hex(""))
}

func TestFingerprint(t *testing.T) {
	assert.Equal(t, "", Fingerprint(""))
	assert.Equal(t, Sha256Hex("tok")[:16], Fingerprint("tok"))
	assert.NotEqual(t, Fingerprint("a"), Fingerprint("b"))
}
