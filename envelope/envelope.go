// Package envelope implements the envelope-encryption core: the key
// hierarchy state machine (EnvelopeEngine), its reference-counted session
// cache, and the Session/SessionFactory façade in front of them. Plaintext
// key material never exists outside a securesecret.Secret; payload
// ciphertext is the only thing that leaves this package.
//
// A SessionFactory should be created once at application start and kept for
// the life of the process. A Session should be closed as soon as it is no
// longer needed — the longer a session lives, the more key material it
// keeps locked in memory, and locked memory is a limited, often
// ulimit-constrained, resource.
package envelope

import "context"

// MetricsPrefix prefixes every metric name this package registers.
const MetricsPrefix = "envelope"

// AES256KeySize is the key size, in bytes, produced by generateKey and
// expected by the AEAD implementation.
const AES256KeySize = 32

// Encryption is the per-partition encrypt/decrypt state machine. The engine
// (envelopeEncryption) implements it and a Session delegates to one;
// sharedEncryption (the session-cache wrapper) implements it by deferring
// the real Close.
type Encryption interface {
	// EncryptPayload encrypts data and returns a DataRowRecord containing
	// everything required to decrypt it later.
	EncryptPayload(ctx context.Context, data []byte) (*DataRowRecord, error)

	// DecryptDataRowRecord decrypts d and returns the original plaintext.
	DecryptDataRowRecord(ctx context.Context, d DataRowRecord) ([]byte, error)

	// Close releases any resources (cached keys) held by this instance.
	Close() error
}

// KeyManagementService encrypts and decrypts System Key material using an
// externally-held master key that never leaves the KMS.
type KeyManagementService interface {
	// EncryptKey encrypts keyBytes with the master key. The result is
	// opaque to the engine and safe to persist in a Metastore.
	EncryptKey(ctx context.Context, keyBytes []byte) ([]byte, error)

	// DecryptKey decrypts a value previously returned by EncryptKey.
	DecryptKey(ctx context.Context, encryptedKeyBytes []byte) ([]byte, error)
}

// Metastore is the append-only store of EnvelopeKeyRecords keyed by
// (id, created). Implementations never need to authenticate their own
// contents beyond what the AEAD already provides.
type Metastore interface {
	// Load retrieves the EKR with the exact (id, created) pair, or nil if
	// none exists.
	Load(ctx context.Context, id string, created int64) (*EnvelopeKeyRecord, error)

	// LoadLatest retrieves the EKR with the largest Created for id, or nil
	// if none exists.
	LoadLatest(ctx context.Context, id string) (*EnvelopeKeyRecord, error)

	// Store attempts to insert ekr under (id, created). It returns
	// (true, nil) on success and (false, nil) if a record already exists
	// for that key — Metastore content is append-only and primary-keyed on
	// (id, created), so a collision is reported, not overwritten.
	Store(ctx context.Context, id string, created int64, ekr *EnvelopeKeyRecord) (bool, error)
}

// RegionSuffixed is implemented by Metastores that expect region-suffixed
// key IDs (see Partition). SessionFactory checks for it via a type
// assertion rather than requiring every Metastore to implement it.
type RegionSuffixed interface {
	RegionSuffix() string
}

// AEAD is any 256-bit authenticated cipher with a fixed nonce size. The
// engine always commits to a ciphertext||nonce layout; nonces are fresh
// random values generated per call.
type AEAD interface {
	Encrypt(data, key []byte) ([]byte, error)
	Decrypt(data, key []byte) ([]byte, error)
}

// Loader retrieves a DataRowRecord from an external persistence store.
type Loader interface {
	Load(ctx context.Context, key interface{}) (*DataRowRecord, error)
}

// Storer persists a DataRowRecord to an external persistence store and
// returns whatever identifier the caller should keep to look it up again.
type Storer interface {
	Store(ctx context.Context, d DataRowRecord) (interface{}, error)
}

// LoaderFunc adapts an ordinary function to a Loader.
type LoaderFunc func(ctx context.Context, key interface{}) (*DataRowRecord, error)

// Load calls f(ctx, key).
func (f LoaderFunc) Load(ctx context.Context, key interface{}) (*DataRowRecord, error) {
	return f(ctx, key)
}

// StorerFunc adapts an ordinary function to a Storer.
type StorerFunc func(ctx context.Context, d DataRowRecord) (interface{}, error)

// Store calls f(ctx, d).
func (f StorerFunc) Store(ctx context.Context, d DataRowRecord) (interface{}, error) {
	return f(ctx, d)
}
