package envelopekey

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vaultkeep/envelope/securesecret"
)

// CryptoKey is an in-memory decrypted SK, IK, or DRK. Its material lives
// exclusively inside a securesecret.Secret; CryptoKey itself never holds
// plaintext bytes directly. It is exclusively owned by whichever cache (or,
// for a DRK, whichever single call) created it, and callers only ever
// receive a borrowed handle valid for one scoped operation.
type CryptoKey struct {
	created int64
	secret  securesecret.Secret
	once    sync.Once
	revoked uint32
}

// Created returns the key's creation time as a Unix second.
func (k *CryptoKey) Created() int64 { return k.created }

// Revoked reports whether the key has been marked revoked.
func (k *CryptoKey) Revoked() bool { return atomic.LoadUint32(&k.revoked) == 1 }

// SetRevoked atomically updates the revoked flag.
func (k *CryptoKey) SetRevoked(revoked bool) {
	var v uint32
	if revoked {
		v = 1
	}

	atomic.StoreUint32(&k.revoked, v)
}

// Close destroys the underlying secret. Idempotent.
func (k *CryptoKey) Close() {
	k.once.Do(func() {
		if k.secret != nil {
			_ = k.secret.Close()
		}
	})
}

// IsClosed reports whether Close has completed.
func (k *CryptoKey) IsClosed() bool {
	return k.secret != nil && k.secret.IsClosed()
}

func (k *CryptoKey) String() string {
	return fmt.Sprintf("CryptoKey(%p){created=%d,revoked=%t}", k, k.created, k.Revoked())
}

// WithBytes exposes the key's plaintext for the duration of action.
func (k *CryptoKey) WithBytes(action func([]byte) error) error {
	return k.secret.WithBytes(action)
}

// WithBytesFunc exposes the key's plaintext for the duration of action,
// returning whatever action returns.
func (k *CryptoKey) WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error) {
	return k.secret.WithBytesFunc(action)
}

// New wraps key (already decrypted plaintext) in a CryptoKey backed by a
// Secret from factory. key is wiped by the factory as part of allocation.
func New(factory securesecret.SecretFactory, created int64, revoked bool, key []byte) (*CryptoKey, error) {
	sec, err := factory.New(key)
	if err != nil {
		return nil, err
	}

	var v uint32
	if revoked {
		v = 1
	}

	return &CryptoKey{created: created, revoked: v, secret: sec}, nil
}

// Generate creates a new CryptoKey with size bytes of fresh random material.
func Generate(factory securesecret.SecretFactory, created int64, size int) (*CryptoKey, error) {
	sec, err := factory.CreateRandom(size)
	if err != nil {
		return nil, err
	}

	return &CryptoKey{created: created, secret: sec}, nil
}

// BytesAccessor exposes scoped read access to plaintext key bytes.
type BytesAccessor interface {
	WithBytes(action func([]byte) error) error
}

// WithKey is a free function form of BytesAccessor.WithBytes.
func WithKey(key BytesAccessor, action func([]byte) error) error {
	return key.WithBytes(action)
}

// BytesFuncAccessor exposes scoped read access to plaintext key bytes that
// also produces a result.
type BytesFuncAccessor interface {
	WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error)
}

// WithKeyFunc is a free function form of BytesFuncAccessor.WithBytesFunc.
func WithKeyFunc(key BytesFuncAccessor, action func([]byte) ([]byte, error)) ([]byte, error) {
	return key.WithBytesFunc(action)
}

// Revokable is anything with a revoked flag and a creation time.
type Revokable interface {
	Revoked() bool
	Created() int64
}

// IsExpired reports whether created is older than expireAfter.
func IsExpired(created int64, expireAfter time.Duration) bool {
	return time.Now().After(time.Unix(created, 0).Add(expireAfter))
}

// IsInvalid reports whether key is revoked or expired.
func IsInvalid(key Revokable, expireAfter time.Duration) bool {
	return key.Revoked() || IsExpired(key.Created(), expireAfter)
}
