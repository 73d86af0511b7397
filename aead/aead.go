// Package aead provides the envelope package's AEAD implementation:
// AES-256-GCM with a ciphertext||nonce wire layout and a fresh random nonce
// generated for every call.
package aead

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/pkg/errors"

	"github.com/vaultkeep/envelope/internal/envelopekey"
)

const (
	gcmNonceSize   = 12
	gcmTagSize     = 16
	gcmMaxDataSize = ((1 << 32) - 2) * 16 // NIST SP 800-38D limit for a single GCM invocation
)

type cryptoFunc func(key []byte) (cipher.AEAD, error)

// Encrypt encrypts data with encKey and appends a fresh nonce, returning
// ciphertext||nonce.
func (c cryptoFunc) Encrypt(data, encKey []byte) ([]byte, error) {
	aeadCipher, err := c(encKey)
	if err != nil {
		return nil, err
	}

	if len(data) > gcmMaxDataSize {
		return nil, errors.New("aead: data too large for a single GCM invocation")
	}

	if gcmTagSize != aeadCipher.Overhead() {
		return nil, errors.New("aead: unexpected cipher overhead")
	}

	if gcmNonceSize != aeadCipher.NonceSize() {
		return nil, errors.New("aead: unexpected cipher nonce size")
	}

	size := len(data) + gcmTagSize + gcmNonceSize

	cipherAndNonce := make([]byte, size)
	noncePos := len(cipherAndNonce) - aeadCipher.NonceSize()

	if err := envelopekey.FillRandom(cipherAndNonce[noncePos:]); err != nil {
		return nil, errors.Wrap(err, "aead: failed to generate nonce")
	}

	aeadCipher.Seal(cipherAndNonce[:0], cipherAndNonce[noncePos:], data, nil)

	return cipherAndNonce, nil
}

// Decrypt splits data into ciphertext||nonce and opens it with key.
func (c cryptoFunc) Decrypt(data, key []byte) ([]byte, error) {
	aeadCipher, err := c(key)
	if err != nil {
		return nil, err
	}

	if len(data) < aeadCipher.NonceSize() {
		return nil, errors.New("aead: data shorter than nonce size")
	}

	noncePos := len(data) - aeadCipher.NonceSize()

	// d is freshly allocated rather than reusing data's storage: the caller
	// may be decrypting straight out of a Secret's scoped buffer, whose
	// lifetime this function does not control.
	d, err := aeadCipher.Open(nil, data[noncePos:], data[:noncePos], nil)

	return d, errors.Wrap(err, "aead: decryption failed")
}

func aesGCMCipherFactory(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	return cipher.NewGCM(block)
}

// AEAD is satisfied by envelope.AEAD; declared here to avoid an import
// cycle while documenting the contract NewAES256GCM fulfills.
type AEAD interface {
	Encrypt(data, key []byte) ([]byte, error)
	Decrypt(data, key []byte) ([]byte, error)
}

// NewAES256GCM returns an AEAD implementation backed by AES-256 in GCM mode.
func NewAES256GCM() AEAD {
	return cryptoFunc(aesGCMCipherFactory)
}
