package envelope

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	gometrics "github.com/rcrowley/go-metrics"

	"github.com/vaultkeep/envelope/internal/envelopekey"
	"github.com/vaultkeep/envelope/securesecret"
)

var (
	encryptTimer = gometrics.GetOrRegisterTimer(MetricsPrefix+".drr.encrypt", nil)
	decryptTimer = gometrics.GetOrRegisterTimer(MetricsPrefix+".drr.decrypt", nil)
)

var _ Encryption = (*envelopeEncryption)(nil)

// envelopeEncryption is the EnvelopeEngine: the encrypt/decrypt state
// machine scoped to one partition. A Session owns exactly one of these.
type envelopeEncryption struct {
	partition partition

	metastore Metastore
	kms       KeyManagementService
	policy    *CryptoPolicy
	crypto    AEAD
	factory   securesecret.SecretFactory

	systemKeys       keyCacher
	intermediateKeys keyCacher
}

// loadSystemKey fetches a known System Key from the Metastore and decrypts
// it via the KMS.
func (e *envelopeEncryption) loadSystemKey(ctx context.Context, meta KeyMeta) (*envelopekey.CryptoKey, error) {
	ekr, err := e.metastore.Load(ctx, meta.ID, meta.Created)
	if err != nil {
		return nil, wrapf(err, ErrMetastoreRead, "loading system key "+meta.String())
	}

	if ekr == nil {
		return nil, errors.Wrap(ErrMissingSK, meta.String())
	}

	return e.systemKeyFromEKR(ctx, ekr)
}

func (e *envelopeEncryption) systemKeyFromEKR(ctx context.Context, ekr *EnvelopeKeyRecord) (*envelopekey.CryptoKey, error) {
	keyBytes, err := e.kms.DecryptKey(ctx, ekr.EncryptedKey)
	if err != nil {
		return nil, errors.Wrap(ErrKmsDecrypt, err.Error())
	}

	return envelopekey.New(e.factory, ekr.Created, ekr.Revoked, keyBytes)
}

// intermediateKeyFromEKR decrypts ekr using sk. If ekr's recorded parent
// doesn't match sk's Created — because the System Key rotated between the
// IK's creation and now — the correct parent is resolved first.
func (e *envelopeEncryption) intermediateKeyFromEKR(sk *envelopekey.CryptoKey, ekr *EnvelopeKeyRecord) (*envelopekey.CryptoKey, error) {
	if ekr != nil && ekr.ParentKeyMeta != nil && sk.Created() != ekr.ParentKeyMeta.Created {
		loaded, err := e.getOrLoadSystemKey(context.Background(), *ekr.ParentKeyMeta)
		if err != nil {
			return nil, err
		}

		sk = loaded
	}

	ikBytes, err := sk.WithBytesFunc(func(skBytes []byte) ([]byte, error) {
		return e.crypto.Decrypt(ekr.EncryptedKey, skBytes)
	})
	if err != nil {
		return nil, errors.Wrap(ErrIntegrity, err.Error())
	}

	return envelopekey.New(e.factory, ekr.Created, ekr.Revoked, ikBytes)
}

// loadLatestOrCreateSystemKey returns the newest valid SK for id, or mints
// and persists a new one.
func (e *envelopeEncryption) loadLatestOrCreateSystemKey(ctx context.Context, id string) (*envelopekey.CryptoKey, error) {
	ekr, err := e.metastore.LoadLatest(ctx, id)
	if err != nil {
		return nil, wrapf(err, ErrMetastoreRead, "loading latest system key "+id)
	}

	if ekr != nil && !e.isEnvelopeInvalid(ekr) {
		return e.systemKeyFromEKR(ctx, ekr)
	}

	sk, err := e.generateKey()
	if err != nil {
		return nil, err
	}

	if success, err := e.tryStoreSystemKey(ctx, sk); err != nil {
		return nil, err
	} else if success {
		return sk, nil
	}

	sk.Close()

	ekr, err = e.mustLoadLatest(ctx, id)
	if err != nil {
		return nil, err
	}

	return e.systemKeyFromEKR(ctx, ekr)
}

func (e *envelopeEncryption) tryStoreSystemKey(ctx context.Context, sk *envelopekey.CryptoKey) (bool, error) {
	encKey, err := sk.WithBytesFunc(func(keyBytes []byte) ([]byte, error) {
		return e.kms.EncryptKey(ctx, keyBytes)
	})
	if err != nil {
		return false, errors.Wrap(ErrKmsEncrypt, err.Error())
	}

	ekr := &EnvelopeKeyRecord{
		ID:           e.partition.SystemKeyID(),
		Created:      sk.Created(),
		EncryptedKey: encKey,
	}

	return e.tryStore(ctx, ekr), nil
}

// reloader adapts a keyLoader into a keyReloader that additionally tracks
// every key it loads, so Close can release them all in one place — even
// the ones that turned out not to be the final winner of a GetOrLoadLatest
// call.
type reloader struct {
	mu         sync.Mutex
	loaded     []*envelopekey.CryptoKey
	loader     keyLoader
	invalid    func(*envelopekey.CryptoKey) bool
	keyID      string
	keepCached bool
}

var _ keyReloader = (*reloader)(nil)

func (r *reloader) Load() (*envelopekey.CryptoKey, error) {
	k, err := r.loader.Load()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.loaded = append(r.loaded, k)
	r.mu.Unlock()

	return k, nil
}

func (r *reloader) IsInvalid(k *envelopekey.CryptoKey) bool {
	return r.invalid(k)
}

// Close releases every key this reloader loaded that didn't end up cached.
func (r *reloader) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, k := range r.loaded {
		maybeCloseKey(r.keepCached, k)
	}
}

func (r *reloader) getOrLoadLatest(c keyCacher) (*envelopekey.CryptoKey, error) {
	return c.GetOrLoadLatest(r.keyID, r)
}

func (e *envelopeEncryption) newIntermediateKeyReloader(ctx context.Context) *reloader {
	return e.newKeyReloader(ctx, e.partition.IntermediateKeyID(), e.policy.CacheIntermediateKeys, e.loadLatestOrCreateIntermediateKey)
}

func (e *envelopeEncryption) newSystemKeyReloader(ctx context.Context) *reloader {
	return e.newKeyReloader(ctx, e.partition.SystemKeyID(), e.policy.CacheSystemKeys, e.loadLatestOrCreateSystemKey)
}

func (e *envelopeEncryption) newKeyReloader(
	ctx context.Context,
	id string,
	keepCached bool,
	load func(context.Context, string) (*envelopekey.CryptoKey, error),
) *reloader {
	return &reloader{
		keyID:      id,
		keepCached: keepCached,
		loader: keyLoaderFunc(func() (*envelopekey.CryptoKey, error) {
			return load(ctx, id)
		}),
		invalid: e.isKeyInvalid,
	}
}

func (e *envelopeEncryption) isKeyInvalid(k *envelopekey.CryptoKey) bool {
	return envelopekey.IsInvalid(k, e.policy.ExpireKeyAfter)
}

func (e *envelopeEncryption) isEnvelopeInvalid(ekr *EnvelopeKeyRecord) bool {
	return envelopekey.IsExpired(ekr.Created, e.policy.ExpireKeyAfter) || ekr.Revoked
}

func (e *envelopeEncryption) generateKey() (*envelopekey.CryptoKey, error) {
	created := newKeyTimestamp(e.policy.CreateDatePrecision)
	return envelopekey.Generate(e.factory, created, AES256KeySize)
}

// tryStore persists ekr, treating every failure — including an explicit
// duplicate-key response — identically: the caller always falls back to
// reloading whatever is now in the Metastore. Some Metastore
// implementations (e.g. SQL) cannot distinguish a duplicate-key violation
// from any other write failure, so this is the only uniformly correct
// contract.
func (e *envelopeEncryption) tryStore(ctx context.Context, ekr *EnvelopeKeyRecord) bool {
	success, _ := e.metastore.Store(ctx, ekr.ID, ekr.Created, ekr)
	return success
}

func (e *envelopeEncryption) mustLoadLatest(ctx context.Context, id string) (*EnvelopeKeyRecord, error) {
	ekr, err := e.metastore.LoadLatest(ctx, id)
	if err != nil {
		return nil, wrapf(err, ErrMetastoreRead, "reloading latest for "+id)
	}

	if ekr == nil {
		return nil, errors.Wrap(ErrMetastoreWrite, "no record for "+id+" after a failed store")
	}

	return ekr, nil
}

// createIntermediateKey mints a new IK wrapped by the current SK and
// attempts to persist it. On a losing race it discards the new key and
// reloads whichever IK won.
func (e *envelopeEncryption) createIntermediateKey(ctx context.Context) (*envelopekey.CryptoKey, error) {
	r := e.newSystemKeyReloader(ctx)
	defer r.Close()

	sk, err := r.getOrLoadLatest(e.systemKeys)
	if err != nil {
		return nil, err
	}

	ik, err := e.generateKey()
	if err != nil {
		return nil, err
	}

	if success, err := e.tryStoreIntermediateKey(ctx, ik, sk); err != nil {
		return nil, err
	} else if success {
		return ik, nil
	}

	ik.Close()

	ekr, err := e.mustLoadLatest(ctx, e.partition.IntermediateKeyID())
	if err != nil {
		return nil, err
	}

	return e.intermediateKeyFromEKR(sk, ekr)
}

func (e *envelopeEncryption) tryStoreIntermediateKey(ctx context.Context, ik, sk *envelopekey.CryptoKey) (bool, error) {
	encBytes, err := ik.WithBytesFunc(func(ikBytes []byte) ([]byte, error) {
		return sk.WithBytesFunc(func(skBytes []byte) ([]byte, error) {
			return e.crypto.Encrypt(ikBytes, skBytes)
		})
	})
	if err != nil {
		return false, errors.Wrap(ErrKmsEncrypt, err.Error())
	}

	ekr := &EnvelopeKeyRecord{
		ID:           e.partition.IntermediateKeyID(),
		Created:      ik.Created(),
		EncryptedKey: encBytes,
		ParentKeyMeta: &KeyMeta{
			ID:      e.partition.SystemKeyID(),
			Created: sk.Created(),
		},
	}

	return e.tryStore(ctx, ekr), nil
}

// loadLatestOrCreateIntermediateKey returns the newest valid IK for id
// (validating its parent SK too), or mints a new one.
func (e *envelopeEncryption) loadLatestOrCreateIntermediateKey(ctx context.Context, id string) (*envelopekey.CryptoKey, error) {
	ekr, err := e.metastore.LoadLatest(ctx, id)
	if err != nil {
		return nil, wrapf(err, ErrMetastoreRead, "loading latest intermediate key "+id)
	}

	if ekr == nil || e.isEnvelopeInvalid(ekr) {
		return e.createIntermediateKey(ctx)
	}

	sk, err := e.getOrLoadSystemKey(ctx, *ekr.ParentKeyMeta)
	if err != nil {
		return e.createIntermediateKey(ctx)
	}

	defer maybeCloseKey(e.policy.CacheSystemKeys, sk)

	if ik := e.getValidIntermediateKey(sk, ekr); ik != nil {
		return ik, nil
	}

	return e.createIntermediateKey(ctx)
}

func (e *envelopeEncryption) getOrLoadSystemKey(ctx context.Context, meta KeyMeta) (*envelopekey.CryptoKey, error) {
	loader := keyLoaderFunc(func() (*envelopekey.CryptoKey, error) {
		return e.loadSystemKey(ctx, meta)
	})

	return e.systemKeys.GetOrLoad(meta, loader)
}

// getValidIntermediateKey returns ekr decrypted under sk, or nil if sk is
// itself invalid or decryption fails.
func (e *envelopeEncryption) getValidIntermediateKey(sk *envelopekey.CryptoKey, ekr *EnvelopeKeyRecord) *envelopekey.CryptoKey {
	if e.isKeyInvalid(sk) {
		return nil
	}

	ik, err := e.intermediateKeyFromEKR(sk, ekr)
	if err != nil {
		return nil
	}

	return ik
}

// decryptRow decrypts d under ik: first the DRK, then the payload under the
// DRK, wiping the DRK's plaintext the moment it's no longer needed.
func decryptRow(ik *envelopekey.CryptoKey, d DataRowRecord, crypto AEAD) ([]byte, error) {
	return ik.WithBytesFunc(func(ikBytes []byte) ([]byte, error) {
		rawDRK, err := crypto.Decrypt(d.Key.EncryptedKey, ikBytes)
		if err != nil {
			return nil, err
		}

		defer envelopekey.MemClr(rawDRK)

		return crypto.Decrypt(d.Data, rawDRK)
	})
}

// maybeCloseKey closes key unless it's slated to live on in a cache.
func maybeCloseKey(keepCached bool, key *envelopekey.CryptoKey) {
	if !keepCached {
		key.Close()
	}
}

// EncryptPayload implements Encryption.
func (e *envelopeEncryption) EncryptPayload(ctx context.Context, data []byte) (*DataRowRecord, error) {
	defer encryptTimer.UpdateSince(time.Now())

	r := e.newIntermediateKeyReloader(ctx)
	defer r.Close()

	ik, err := r.getOrLoadLatest(e.intermediateKeys)
	if err != nil {
		return nil, err
	}

	drk, err := envelopekey.Generate(e.factory, time.Now().Unix(), AES256KeySize)
	if err != nil {
		return nil, err
	}

	defer drk.Close()

	encData, err := drk.WithBytesFunc(func(drkBytes []byte) ([]byte, error) {
		return e.crypto.Encrypt(data, drkBytes)
	})
	if err != nil {
		return nil, err
	}

	encDRK, err := ik.WithBytesFunc(func(ikBytes []byte) ([]byte, error) {
		return drk.WithBytesFunc(func(drkBytes []byte) ([]byte, error) {
			return e.crypto.Encrypt(drkBytes, ikBytes)
		})
	})
	if err != nil {
		return nil, err
	}

	return &DataRowRecord{
		Data: encData,
		Key: &EnvelopeKeyRecord{
			Created:      drk.Created(),
			EncryptedKey: encDRK,
			ParentKeyMeta: &KeyMeta{
				ID:      e.partition.IntermediateKeyID(),
				Created: ik.Created(),
			},
		},
	}, nil
}

// DecryptDataRowRecord implements Encryption.
func (e *envelopeEncryption) DecryptDataRowRecord(ctx context.Context, d DataRowRecord) ([]byte, error) {
	defer decryptTimer.UpdateSince(time.Now())

	if d.Key == nil {
		return nil, errors.Wrap(ErrCodec, "data row record has no key")
	}

	if d.Key.ParentKeyMeta == nil {
		return nil, errors.Wrap(ErrCodec, "data row key record has no parent key meta")
	}

	if !e.partition.IsValidIntermediateKeyID(d.Key.ParentKeyMeta.ID) {
		return nil, errors.Wrap(ErrBadPartition, d.Key.ParentKeyMeta.ID)
	}

	meta := *d.Key.ParentKeyMeta

	loader := keyLoaderFunc(func() (*envelopekey.CryptoKey, error) {
		return e.loadIntermediateKey(ctx, meta)
	})

	ik, err := e.intermediateKeys.GetOrLoad(meta, loader)
	if err != nil {
		return nil, err
	}

	defer maybeCloseKey(e.policy.CacheIntermediateKeys, ik)

	if e.policy.NotifyExpiredIntermediateKeyOnRead && envelopekey.IsExpired(ik.Created(), e.policy.ExpireKeyAfter) {
		e.notifyExpired(ik.Created(), meta.ID)
	}

	return decryptRow(ik, d, e.crypto)
}

func (e *envelopeEncryption) notifyExpired(created int64, keyID string) {
	if e.policy.ExpiredKeyNotifier != nil {
		e.policy.ExpiredKeyNotifier(keyID, created)
	}
}

// loadIntermediateKey fetches a known IK from the Metastore and decrypts it
// under its parent SK (also notifying on an expired SK if configured).
func (e *envelopeEncryption) loadIntermediateKey(ctx context.Context, meta KeyMeta) (*envelopekey.CryptoKey, error) {
	ekr, err := e.metastore.Load(ctx, meta.ID, meta.Created)
	if err != nil {
		return nil, wrapf(err, ErrMetastoreRead, "loading intermediate key "+meta.String())
	}

	if ekr == nil {
		return nil, errors.Wrap(ErrMissingIK, meta.String())
	}

	sk, err := e.getOrLoadSystemKey(ctx, *ekr.ParentKeyMeta)
	if err != nil {
		return nil, err
	}

	defer maybeCloseKey(e.policy.CacheSystemKeys, sk)

	if e.policy.NotifyExpiredSystemKeyOnRead && envelopekey.IsExpired(sk.Created(), e.policy.ExpireKeyAfter) {
		e.notifyExpired(sk.Created(), ekr.ParentKeyMeta.ID)
	}

	return e.intermediateKeyFromEKR(sk, ekr)
}

// Close releases the per-session Intermediate Key cache. The System Key
// cache is process-wide and owned by the SessionFactory instead.
func (e *envelopeEncryption) Close() error {
	return e.intermediateKeys.Close()
}
