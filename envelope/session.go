package envelope

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/vaultkeep/envelope/log"
	"github.com/vaultkeep/envelope/securesecret"
	"github.com/vaultkeep/envelope/securesecret/memguard"
)

// SessionFactory creates Sessions scoped to a partition ID and owns the
// process-wide System Key cache (and, if enabled, the SessionCache).
// Construct one per process at startup and Close it at shutdown.
type SessionFactory struct {
	config        *Config
	metastore     Metastore
	kms           KeyManagementService
	crypto        AEAD
	secretFactory securesecret.SecretFactory

	systemKeys keyCacher
	sessions   *sessionCache
}

// FactoryOption configures a SessionFactory at construction time.
type FactoryOption func(*SessionFactory)

// WithSecretFactory overrides the SecretFactory used to allocate every key
// this factory's sessions create. Defaults to the memguard-backed backend.
func WithSecretFactory(f securesecret.SecretFactory) FactoryOption {
	return func(sf *SessionFactory) { sf.secretFactory = f }
}

// WithMetricsDisabled unregisters every metric this module has registered
// in the default go-metrics registry.
func WithMetricsDisabled() FactoryOption {
	return func(*SessionFactory) {
		metrics.DefaultRegistry.UnregisterAll()
	}
}

// NewSessionFactory constructs a SessionFactory. config.Policy defaults to
// NewCryptoPolicy() if nil.
func NewSessionFactory(config *Config, store Metastore, kms KeyManagementService, crypto AEAD, opts ...FactoryOption) *SessionFactory {
	if config.Policy == nil {
		config.Policy = NewCryptoPolicy()
	}

	var systemKeys keyCacher
	if config.Policy.CacheSystemKeys {
		systemKeys = newKeyCache(config.Policy, config.Policy.SystemKeyCacheMaxSize)
	} else {
		systemKeys = neverCache{}
	}

	log.Debugf("new session factory: service=%s product=%s", config.Service, config.Product)

	f := &SessionFactory{
		config:        config,
		metastore:     store,
		kms:           kms,
		crypto:        crypto,
		secretFactory: new(memguard.SecretFactory),
		systemKeys:    systemKeys,
	}

	for _, opt := range opts {
		opt(f)
	}

	if config.Policy.CacheSessions {
		f.sessions = newSessionCache(func(id string) (*Session, error) {
			return f.newSession(id)
		}, config.Policy)
	}

	return f
}

// GetSession returns a Session for the given partition ID. If the
// SessionCache is enabled, the returned Session may be shared with other
// callers holding the same ID; each caller must still call Close exactly
// once when done.
func (f *SessionFactory) GetSession(id string) (*Session, error) {
	if id == "" {
		return nil, errors.New("envelope: partition id cannot be empty")
	}

	if f.sessions != nil {
		return f.sessions.Get(id)
	}

	return f.newSession(id)
}

func (f *SessionFactory) newSession(id string) (*Session, error) {
	s := &Session{
		encryption: &envelopeEncryption{
			partition:        f.newPartition(id),
			metastore:        f.metastore,
			kms:              f.kms,
			policy:           f.config.Policy,
			crypto:           f.crypto,
			factory:          f.secretFactory,
			systemKeys:       f.systemKeys,
			intermediateKeys: f.newIntermediateKeyCache(),
		},
	}

	log.Debugf("new session for partition %s", id)

	return s, nil
}

// newPartition picks a suffixed or unsuffixed partition depending on
// whether the configured Metastore implements RegionSuffixed.
func (f *SessionFactory) newPartition(id string) partition {
	if rs, ok := f.metastore.(RegionSuffixed); ok && rs.RegionSuffix() != "" {
		return newSuffixedPartition(id, f.config.Service, f.config.Product, rs.RegionSuffix())
	}

	return newPartition(id, f.config.Service, f.config.Product)
}

func (f *SessionFactory) newIntermediateKeyCache() keyCacher {
	if f.config.Policy.CacheIntermediateKeys {
		return newKeyCache(f.config.Policy, f.config.Policy.IntermediateKeyCacheMaxSize)
	}

	return neverCache{}
}

// Close releases every resource this factory owns: the process-wide System
// Key cache and, if enabled, the SessionCache. Call once at shutdown.
func (f *SessionFactory) Close() error {
	if f.sessions != nil {
		f.sessions.Close()
	}

	return f.systemKeys.Close()
}

// Session encrypts and decrypts payloads for one partition ID.
type Session struct {
	encryption Encryption
}

// Encrypt encrypts data and returns a DataRowRecord suitable for storage.
func (s *Session) Encrypt(ctx context.Context, data []byte) (*DataRowRecord, error) {
	return s.encryption.EncryptPayload(ctx, data)
}

// Decrypt decrypts d and returns the original plaintext.
func (s *Session) Decrypt(ctx context.Context, d DataRowRecord) ([]byte, error) {
	return s.encryption.DecryptDataRowRecord(ctx, d)
}

// Load retrieves a DataRowRecord from store and decrypts it.
func (s *Session) Load(ctx context.Context, key interface{}, store Loader) ([]byte, error) {
	d, err := store.Load(ctx, key)
	if err != nil {
		return nil, err
	}

	if d == nil {
		return nil, errors.New("envelope: loader returned no record")
	}

	return s.Decrypt(ctx, *d)
}

// Store encrypts payload and persists the result via store, returning
// whatever identifier store assigns it.
func (s *Session) Store(ctx context.Context, payload []byte, store Storer) (interface{}, error) {
	d, err := s.Encrypt(ctx, payload)
	if err != nil {
		return nil, err
	}

	return store.Store(ctx, *d)
}

// Close releases the resources (cached keys) held by this Session. Must be
// called exactly once per GetSession call, even when the SessionCache
// hands back a shared underlying Session.
func (s *Session) Close() error {
	return s.encryption.Close()
}
