// Package crypto implements the key material layer for the federation
// trust gateway: org signing key pairs, per-agreement channel keys, and
// the authenticated encryption used for every message that crosses a
// trust boundary.
//
// Contract: no plaintext private key or channel key is ever persisted.
// Every at-rest representation is an EncryptedBlob carrying
// {iv, tag, ciphertext, keyVersion}.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// ChannelKeySize is the size of the symmetric key shared by the two
	// parties of one agreement (AES-256).
	ChannelKeySize = 32

	gcmNonceSize = 12
	gcmTagSize   = 16

	// hkdfInfo binds the derived wrapping key to this subsystem so the
	// same platform secret can be reused elsewhere without key reuse.
	hkdfInfo = "agentc2/federation/master-wrap/v1"

	minMasterSecretLen = 16
)

var (
	// ErrMasterKeyUnavailable indicates the platform master secret is
	// absent or too short to derive a wrapping key from.
	ErrMasterKeyUnavailable = errors.New("master encryption secret is absent or misconfigured")

	// ErrKeyGeneration indicates asymmetric key pair generation failed.
	ErrKeyGeneration = errors.New("key pair generation failed")
)

// EncryptedBlob is the at-rest representation of any encrypted secret or
// message payload. IV, Tag and Ciphertext are hex-encoded.
type EncryptedBlob struct {
	IV         string `json:"iv"`
	Tag        string `json:"tag"`
	Ciphertext string `json:"ciphertext"`
	KeyVersion int    `json:"keyVersion"`
}

// EncryptedKeyPair is the result of provisioning a fresh signing key
// pair: the raw Ed25519 public key plus the wrapped private key.
type EncryptedKeyPair struct {
	PublicKey           []byte
	EncryptedPrivateKey *EncryptedBlob
}

// MasterKey wraps the platform master secret. The secret itself is never
// used directly; an AES-256 wrapping key is derived from it via
// HKDF-SHA256.
type MasterKey struct {
	key []byte
}

// NewMasterKey derives a MasterKey from the configured platform secret.
// Returns ErrMasterKeyUnavailable for an empty or implausibly short
// secret.
func NewMasterKey(secret string) (*MasterKey, error) {
	if len(secret) < minMasterSecretLen {
		return nil, ErrMasterKeyUnavailable
	}

	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive wrapping key: %w", err)
	}
	return &MasterKey{key: key}, nil
}

// GenerateEncryptedKeyPair creates a fresh Ed25519 signing key pair and
// wraps the private key under the master key. keyVersion is recorded on
// the blob so historical signatures stay verifiable after rotation.
func (mk *MasterKey) GenerateEncryptedKeyPair(keyVersion int) (*EncryptedKeyPair, error) {
	if mk == nil || len(mk.key) == 0 {
		return nil, ErrMasterKeyUnavailable
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}

	blob, err := mk.encrypt(priv.Seed(), keyVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}

	return &EncryptedKeyPair{
		PublicKey:           []byte(pub),
		EncryptedPrivateKey: blob,
	}, nil
}

// SignPayload unwraps the private key in memory, signs the exact byte
// sequence of payload, and discards the key. Returns nil rather than an
// error on unwrap failure: callers must treat nil as "signing
// unavailable", not a crash.
func (mk *MasterKey) SignPayload(payload []byte, encPriv *EncryptedBlob) []byte {
	if mk == nil || encPriv == nil {
		return nil
	}

	seed := mk.decrypt(encPriv)
	if len(seed) != ed25519.SeedSize {
		return nil
	}

	priv := ed25519.NewKeyFromSeed(seed)
	sig := ed25519.Sign(priv, payload)

	// Scrub the transient key material.
	for i := range seed {
		seed[i] = 0
	}
	for i := range priv {
		priv[i] = 0
	}
	return sig
}

// VerifySignature is pure and never panics; any malformed input yields
// false.
func VerifySignature(payload, signature, publicKey []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), payload, signature)
}

// GenerateChannelKey returns a fresh 256-bit symmetric channel key.
func GenerateChannelKey() ([]byte, error) {
	key := make([]byte, ChannelKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate channel key: %w", err)
	}
	return key, nil
}

// EncryptChannelKey wraps a channel key for at-rest storage under the
// platform master key.
func (mk *MasterKey) EncryptChannelKey(channelKey []byte, keyVersion int) (*EncryptedBlob, error) {
	if mk == nil || len(mk.key) == 0 {
		return nil, ErrMasterKeyUnavailable
	}
	if len(channelKey) != ChannelKeySize {
		return nil, fmt.Errorf("channel key must be %d bytes, got %d", ChannelKeySize, len(channelKey))
	}
	return mk.encrypt(channelKey, keyVersion)
}

// DecryptChannelKey unwraps an at-rest channel key. The returned key is
// transient and must not be persisted.
func (mk *MasterKey) DecryptChannelKey(blob *EncryptedBlob) ([]byte, error) {
	if mk == nil || len(mk.key) == 0 {
		return nil, ErrMasterKeyUnavailable
	}
	key := mk.decrypt(blob)
	if len(key) != ChannelKeySize {
		return nil, errors.New("channel key unwrap failed")
	}
	return key, nil
}

// EncryptWithKey encrypts plaintext with AES-256-GCM under the given
// key. Each call draws a fresh random IV; the authentication tag is
// stored separately on the blob.
func EncryptWithKey(plaintext, key []byte, keyVersion int) (*EncryptedBlob, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, gcmNonceSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}

	sealed := aead.Seal(nil, iv, plaintext, nil)
	body := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	return &EncryptedBlob{
		IV:         hex.EncodeToString(iv),
		Tag:        hex.EncodeToString(tag),
		Ciphertext: hex.EncodeToString(body),
		KeyVersion: keyVersion,
	}, nil
}

// DecryptWithKey reverses EncryptWithKey. A tampered ciphertext, wrong
// key, or malformed blob yields nil, never corrupted plaintext.
func DecryptWithKey(blob *EncryptedBlob, key []byte) []byte {
	if blob == nil {
		return nil
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil
	}

	iv, err := hex.DecodeString(blob.IV)
	if err != nil || len(iv) != gcmNonceSize {
		return nil
	}
	body, err := hex.DecodeString(blob.Ciphertext)
	if err != nil {
		return nil
	}
	tag, err := hex.DecodeString(blob.Tag)
	if err != nil || len(tag) != gcmTagSize {
		return nil
	}

	plaintext, err := aead.Open(nil, iv, append(body, tag...), nil)
	if err != nil {
		return nil
	}
	return plaintext
}

// encrypt wraps arbitrary secret bytes under the master wrapping key.
func (mk *MasterKey) encrypt(secret []byte, keyVersion int) (*EncryptedBlob, error) {
	return EncryptWithKey(secret, mk.key, keyVersion)
}

// decrypt unwraps a blob under the master wrapping key. Returns nil on
// any failure.
func (mk *MasterKey) decrypt(blob *EncryptedBlob) []byte {
	return DecryptWithKey(blob, mk.key)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != ChannelKeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", ChannelKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return aead, nil
}
