package cryptox

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveMasterKey_Deterministic(t *testing.T) {
	password := []byte("secret-password")
	salt := []byte("fixed-salt")

	key1 := DeriveMasterKey(password, salt)
	key2 := DeriveMasterKey(password, salt)

	if !bytes.Equal(key1, key2) {
		t.Errorf("expected same result for same inputs, got different")
	}
	assert.Len(t, key1, KeySize)
}

func TestDeriveMasterKey_DifferentInputs(t *testing.T) {
	password := []byte("secret-password")

	key1 := DeriveMasterKey(password, []byte("salt-1"))
	key2 := DeriveMasterKey(password, []byte("salt-2"))

	if bytes.Equal(key1, key2) {
		t.Errorf("expected different results for different salts, got same")
	}
}

func TestMakeVerifier_DiffersFromKey(t *testing.T) {
	key := DeriveMasterKey([]byte("pw"), []byte("salt"))
	v := MakeVerifier(key)

	assert.Len(t, v, 32)
	assert.NotEqual(t, key, v)
	assert.Equal(t, v, MakeVerifier(key))
}

func TestSealOpen_RoundTrip(t *testing.T) {
	key, err := GenerateRandBytes(KeySize)
	require.NoError(t, err)

	sealed, err := Seal(key, []byte(`{"accessToken":"abc"}`))
	require.NoError(t, err)

	plain, err := Open(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, `{"accessToken":"abc"}`, string(plain))
}

func TestSeal_FreshNoncePerCall(t *testing.T) {
	key := make([]byte, KeySize)

	a, err := Seal(key, []byte("same"))
	require.NoError(t, err)
	b, err := Seal(key, []byte("same"))
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestOpen_WrongKeyFails(t *testing.T) {
	key1 := DeriveMasterKey([]byte("one"), []byte("salt"))
	key2 := DeriveMasterKey([]byte("two"), []byte("salt"))

	sealed, err := Seal(key1, []byte("payload"))
	require.NoError(t, err)

	_, err = Open(key2, sealed)
	require.Error(t, err)
}

func TestOpen_TamperedFails(t *testing.T) {
	key := make([]byte, KeySize)
	sealed, err := Seal(key, []byte("payload"))
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0xFF
	_, err = Open(key, sealed)
	require.Error(t, err)
}

func TestOpen_TooShort(t *testing.T) {
	_, err := Open(make([]byte, KeySize), []byte{1, 2, 3})
	require.ErrorIs(t, err, ErrCiphertextTooShort)
}

func TestSeal_BadKeySize(t *testing.T) {
	_, err := Seal([]byte("short"), []byte("x"))
	require.Error(t, err)
}

func TestWipeByteArray(t *testing.T) {
	buf := []byte{1, 2, 3}
	WipeByteArray(buf)
	assert.Equal(t, []byte{0, 0, 0}, buf)
	WipeByteArray(nil)
}
