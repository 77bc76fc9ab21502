// Package cryptox holds the key-derivation and authenticated-encryption
// primitives used by the credential vault.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// KeySize is the AES-256 key length produced by DeriveMasterKey.
const KeySize = 32

// SaltSize is the length of salts generated for key derivation.
const SaltSize = 16

var ErrCiphertextTooShort = errors.New("ciphertext too short")

// MakeVerifier returns a one-way digest of a derived key. Storing the
// verifier lets a client check a passphrase without keeping the key itself.
func MakeVerifier(masterKey []byte) []byte {
	hash := sha256.Sum256(masterKey)
	return hash[:]
}

// DeriveMasterKey stretches a passphrase into a KeySize key with argon2id.
func DeriveMasterKey(password []byte, salt []byte) []byte {
	return argon2.IDKey(password, salt, 1, 64*1024, 4, KeySize)
}

// GenerateRandBytes returns n bytes from crypto/rand.
func GenerateRandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Seal encrypts plaintext with AES-GCM and returns nonce||ciphertext.
//
// A fresh random nonce is generated per call, so sealing the same plaintext
// twice yields different output.
func Seal(key, plaintext []byte) ([]byte, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce, err := GenerateRandBytes(aesgcm.NonceSize())
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aesgcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal. It fails if the key is wrong or the data was altered.
func Open(key, sealed []byte) ([]byte, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	ns := aesgcm.NonceSize()
	if len(sealed) < ns {
		return nil, ErrCiphertextTooShort
	}

	nonce, ciphertext := sealed[:ns], sealed[ns:]
	plaintext, err := aesgcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// WipeByteArray overwrites b with zeros. Safe on nil.
func WipeByteArray(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
