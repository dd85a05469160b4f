package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/reviewdesk/internal/domain/port/driven"
)

func testKey(b byte) []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = b
	}
	return key
}

func TestAESGCM_RoundTrip(t *testing.T) {
	v, err := New(testKey(0x42))
	require.NoError(t, err)

	blob, err := v.Encrypt("dana\nhttp-token-secret")
	require.NoError(t, err)
	assert.NotContains(t, blob, "dana")

	plain, err := v.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, "dana\nhttp-token-secret", plain)
}

func TestAESGCM_NoncesDiffer(t *testing.T) {
	v, err := New(testKey(0x42))
	require.NoError(t, err)

	a, err := v.Encrypt("same input")
	require.NoError(t, err)
	b, err := v.Encrypt("same input")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestAESGCM_WrongKeyFails(t *testing.T) {
	v1, err := New(testKey(0x01))
	require.NoError(t, err)
	v2, err := New(testKey(0x02))
	require.NoError(t, err)

	blob, err := v1.Encrypt("secret")
	require.NoError(t, err)

	_, err = v2.Decrypt(blob)
	assert.Error(t, err)
}

func TestAESGCM_NilKey(t *testing.T) {
	v, err := New(nil)
	require.NoError(t, err)

	_, err = v.Encrypt("secret")
	assert.ErrorIs(t, err, driven.ErrVaultKeyNotSet)

	_, err = v.Decrypt("irrelevant")
	assert.ErrorIs(t, err, driven.ErrVaultKeyNotSet)
}

func TestAESGCM_BadKeyLength(t *testing.T) {
	_, err := New([]byte("too short"))
	assert.Error(t, err)
}

func TestAESGCM_CorruptCiphertext(t *testing.T) {
	v, err := New(testKey(0x42))
	require.NoError(t, err)

	_, err = v.Decrypt("not base64!!")
	assert.Error(t, err)

	_, err = v.Decrypt("c2hvcnQ=") // valid base64, shorter than a nonce
	assert.Error(t, err)
}
