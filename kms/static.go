// Package kms provides KeyManagementService implementations: a static,
// in-memory one for tests and local development, and (in the aws
// subpackage) a multi-region AWS KMS-backed one for production.
package kms

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/vaultkeep/envelope/aead"
	"github.com/vaultkeep/envelope/envelope"
	"github.com/vaultkeep/envelope/internal/envelopekey"
	"github.com/vaultkeep/envelope/securesecret/memguard"
)

const staticKeySize = 32

var _ envelope.KeyManagementService = (*Static)(nil)

// Static is an in-memory KeyManagementService holding one fixed master key.
//
// It never calls out to an external KMS and is meant for tests and local
// development only.
type Static struct {
	crypto envelope.AEAD
	key    *envelopekey.CryptoKey
}

// NewStatic builds a Static KMS from a 32-byte master key.
func NewStatic(masterKey string, crypto envelope.AEAD) (*Static, error) {
	if len(masterKey) != staticKeySize {
		return nil, errors.Errorf("kms: static master key must be %d bytes, got %d", staticKeySize, len(masterKey))
	}

	k, err := envelopekey.New(new(memguard.SecretFactory), time.Now().Unix(), false, []byte(masterKey))
	if err != nil {
		return nil, err
	}

	return &Static{crypto: crypto, key: k}, nil
}

// NewStaticAES256GCM builds a Static KMS using aead.NewAES256GCM.
func NewStaticAES256GCM(masterKey string) (*Static, error) {
	return NewStatic(masterKey, aead.NewAES256GCM())
}

// EncryptKey encrypts keyBytes with the static master key.
func (s *Static) EncryptKey(_ context.Context, keyBytes []byte) ([]byte, error) {
	return s.key.WithBytesFunc(func(masterKey []byte) ([]byte, error) {
		return s.crypto.Encrypt(keyBytes, masterKey)
	})
}

// DecryptKey decrypts a value previously returned by EncryptKey.
func (s *Static) DecryptKey(_ context.Context, encryptedKeyBytes []byte) ([]byte, error) {
	return s.key.WithBytesFunc(func(masterKey []byte) ([]byte, error) {
		return s.crypto.Decrypt(encryptedKeyBytes, masterKey)
	})
}

// Close frees the memory locked by the master key. Call once the KMS is no
// longer needed.
func (s *Static) Close() {
	s.key.Close()
}
