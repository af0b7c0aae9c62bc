package crypto

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "unit-test-master-secret-0123456789"

func newTestMasterKey(t *testing.T) *MasterKey {
	t.Helper()
	mk, err := NewMasterKey(testSecret)
	require.NoError(t, err)
	return mk
}

// ============================================================================
// MASTER KEY
// ============================================================================

func TestNewMasterKey_RejectsShortSecret(t *testing.T) {
	_, err := NewMasterKey("")
	assert.ErrorIs(t, err, ErrMasterKeyUnavailable)

	_, err = NewMasterKey("too-short")
	assert.ErrorIs(t, err, ErrMasterKeyUnavailable)
}

func TestNewMasterKey_Deterministic(t *testing.T) {
	mk1, err := NewMasterKey(testSecret)
	require.NoError(t, err)
	mk2, err := NewMasterKey(testSecret)
	require.NoError(t, err)

	// Same secret must derive the same wrapping key: a blob written by
	// one process is readable by another.
	key, err := GenerateChannelKey()
	require.NoError(t, err)
	blob, err := mk1.EncryptChannelKey(key, 1)
	require.NoError(t, err)

	got, err := mk2.DecryptChannelKey(blob)
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

// ============================================================================
// SIGNING KEY PAIRS
// ============================================================================

func TestSignPayload_RoundTrip(t *testing.T) {
	mk := newTestMasterKey(t)

	pair, err := mk.GenerateEncryptedKeyPair(1)
	require.NoError(t, err)
	assert.Len(t, pair.PublicKey, ed25519.PublicKeySize)
	require.NotNil(t, pair.EncryptedPrivateKey)
	assert.Equal(t, 1, pair.EncryptedPrivateKey.KeyVersion)

	payload := []byte("cross-org invocation payload")
	sig := mk.SignPayload(payload, pair.EncryptedPrivateKey)
	require.Len(t, sig, ed25519.SignatureSize, "Ed25519 signature must be 64 bytes")

	assert.True(t, VerifySignature(payload, sig, pair.PublicKey))
	assert.False(t, VerifySignature([]byte("tampered payload"), sig, pair.PublicKey),
		"signature must not verify for different bytes")
}

func TestSignPayload_WrongMasterKeyYieldsNil(t *testing.T) {
	mk := newTestMasterKey(t)
	other, err := NewMasterKey("a-completely-different-secret-value")
	require.NoError(t, err)

	pair, err := mk.GenerateEncryptedKeyPair(1)
	require.NoError(t, err)

	sig := other.SignPayload([]byte("payload"), pair.EncryptedPrivateKey)
	assert.Nil(t, sig, "unwrap under the wrong master key must fail soft")
}

func TestVerifySignature_MalformedInputs(t *testing.T) {
	mk := newTestMasterKey(t)
	pair, err := mk.GenerateEncryptedKeyPair(1)
	require.NoError(t, err)

	payload := []byte("payload")
	sig := mk.SignPayload(payload, pair.EncryptedPrivateKey)
	require.NotNil(t, sig)

	assert.False(t, VerifySignature(payload, sig[:10], pair.PublicKey))
	assert.False(t, VerifySignature(payload, sig, pair.PublicKey[:5]))
	assert.False(t, VerifySignature(payload, nil, pair.PublicKey))
	assert.False(t, VerifySignature(payload, sig, nil))
}

func TestVerifySignature_WrongKey(t *testing.T) {
	mk := newTestMasterKey(t)
	pairA, err := mk.GenerateEncryptedKeyPair(1)
	require.NoError(t, err)
	pairB, err := mk.GenerateEncryptedKeyPair(1)
	require.NoError(t, err)

	payload := []byte("payload")
	sig := mk.SignPayload(payload, pairA.EncryptedPrivateKey)
	require.NotNil(t, sig)

	assert.False(t, VerifySignature(payload, sig, pairB.PublicKey))
}

// ============================================================================
// CHANNEL KEYS AND MESSAGE ENCRYPTION
// ============================================================================

func TestChannelKey_WrapUnwrap(t *testing.T) {
	mk := newTestMasterKey(t)

	key, err := GenerateChannelKey()
	require.NoError(t, err)
	require.Len(t, key, ChannelKeySize)

	blob, err := mk.EncryptChannelKey(key, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, blob.KeyVersion)
	assert.NotEmpty(t, blob.IV)
	assert.NotEmpty(t, blob.Tag)
	assert.NotEmpty(t, blob.Ciphertext)

	got, err := mk.DecryptChannelKey(blob)
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

func TestEncryptChannelKey_RejectsWrongSize(t *testing.T) {
	mk := newTestMasterKey(t)
	_, err := mk.EncryptChannelKey([]byte("short"), 1)
	assert.Error(t, err)
}

func TestEncryptWithKey_RoundTrip(t *testing.T) {
	key, err := GenerateChannelKey()
	require.NoError(t, err)

	plaintext := []byte("the quick brown fox")
	blob, err := EncryptWithKey(plaintext, key, 1)
	require.NoError(t, err)

	got := DecryptWithKey(blob, key)
	assert.Equal(t, plaintext, got)
}

func TestEncryptWithKey_FreshIVPerCall(t *testing.T) {
	key, err := GenerateChannelKey()
	require.NoError(t, err)

	a, err := EncryptWithKey([]byte("same plaintext"), key, 1)
	require.NoError(t, err)
	b, err := EncryptWithKey([]byte("same plaintext"), key, 1)
	require.NoError(t, err)

	assert.NotEqual(t, a.IV, b.IV)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestDecryptWithKey_FailsSoft(t *testing.T) {
	key, err := GenerateChannelKey()
	require.NoError(t, err)
	otherKey, err := GenerateChannelKey()
	require.NoError(t, err)

	blob, err := EncryptWithKey([]byte("payload"), key, 1)
	require.NoError(t, err)

	// Wrong key.
	assert.Nil(t, DecryptWithKey(blob, otherKey))

	// Tampered ciphertext.
	tampered := *blob
	tampered.Ciphertext = "00" + tampered.Ciphertext[2:]
	assert.Nil(t, DecryptWithKey(&tampered, key))

	// Tampered tag.
	tampered = *blob
	tampered.Tag = "00" + tampered.Tag[2:]
	assert.Nil(t, DecryptWithKey(&tampered, key))

	// Malformed hex.
	tampered = *blob
	tampered.IV = "not-hex"
	assert.Nil(t, DecryptWithKey(&tampered, key))

	// Nil blob.
	assert.Nil(t, DecryptWithKey(nil, key))
}

func BenchmarkSignPayload(b *testing.B) {
	mk, _ := NewMasterKey(testSecret)
	pair, _ := mk.GenerateEncryptedKeyPair(1)
	payload := []byte("benchmark payload for signing")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		mk.SignPayload(payload, pair.EncryptedPrivateKey)
	}
}
