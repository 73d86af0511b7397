package envelope

import (
	"fmt"
	"sync"
	"time"

	"github.com/vaultkeep/envelope/internal/envelopekey"
	"github.com/vaultkeep/envelope/log"
)

// keyLoader fetches a CryptoKey on demand — from the Metastore plus KMS for
// a System Key, or from the Metastore plus a resolved System Key for an
// Intermediate Key.
type keyLoader interface {
	Load() (*envelopekey.CryptoKey, error)
}

type keyLoaderFunc func() (*envelopekey.CryptoKey, error)

func (f keyLoaderFunc) Load() (*envelopekey.CryptoKey, error) { return f() }

// keyReloader extends keyLoader with the ability to tell whether an
// already-cached key is still valid, so GetOrLoadLatest knows when to
// re-resolve rather than return a stale handle.
type keyReloader interface {
	keyLoader
	IsInvalid(*envelopekey.CryptoKey) bool
}

// keyCacher is the contract satisfied by both keyCache and neverCache. The
// engine only ever talks to this interface, never to a concrete cache type.
type keyCacher interface {
	GetOrLoad(id KeyMeta, loader keyLoader) (*envelopekey.CryptoKey, error)
	GetOrLoadLatest(id string, loader keyLoader) (*envelopekey.CryptoKey, error)
	Close() error
}

// cacheEntry pairs a cached key with the time it was last (re)loaded, which
// drives the revoke-check TTL.
type cacheEntry struct {
	loadedAt time.Time
	key      *envelopekey.CryptoKey
}

func newCacheEntry(k *envelopekey.CryptoKey) cacheEntry {
	return cacheEntry{loadedAt: time.Now(), key: k}
}

func cacheKey(id string, created int64) string {
	return fmt.Sprintf("%s-%d", id, created)
}

// keyCache is the KeyCache (C3): a map from KeyId to a "latest" entry plus a
// set of historical entries keyed by Created. It is used both for the
// process-wide System Key cache and for each session's Intermediate Key
// cache, with a max-size bound applied by the caller's choice of
// maxSize.
//
// Plaintext material is never re-derived on a revoke-check; only the
// Revoked flag is refreshed, per spec.
type keyCache struct {
	once    sync.Once
	rw      sync.RWMutex
	policy  *CryptoPolicy
	maxSize int
	entries map[string]cacheEntry
	history map[string][]int64
}

var _ keyCacher = (*keyCache)(nil)

// newKeyCache builds a keyCache bounding each ID's cached version history to
// maxSize entries (0 or negative means unbounded). The same type backs both
// the process-wide System Key cache and each session's Intermediate Key
// cache; maxSize is the caller's choice of which CryptoPolicy field applies.
func newKeyCache(policy *CryptoPolicy, maxSize int) *keyCache {
	return &keyCache{
		policy:  policy,
		maxSize: maxSize,
		entries: make(map[string]cacheEntry),
		history: make(map[string][]int64),
	}
}

// isReloadRequired reports whether entry's revoke-check TTL has elapsed. A
// key already known to be revoked never needs rechecking.
func isReloadRequired(entry cacheEntry, checkInterval time.Duration) bool {
	if entry.key.Revoked() {
		return false
	}

	return entry.loadedAt.Add(checkInterval).Before(time.Now())
}

// GetOrLoad returns the cached key for id if present and fresh; otherwise it
// loads via loader, caches the result, and returns it.
func (c *keyCache) GetOrLoad(id KeyMeta, loader keyLoader) (*envelopekey.CryptoKey, error) {
	c.rw.RLock()
	k, ok := c.fresh(id)
	c.rw.RUnlock()

	if ok {
		return k, nil
	}

	c.rw.Lock()
	defer c.rw.Unlock()

	// Another goroutine may have loaded it while we waited for the write lock.
	if k, ok := c.fresh(id); ok {
		return k, nil
	}

	return c.load(id, loader)
}

// fresh returns the cached key for id only if present and its revoke-check
// TTL has not elapsed.
func (c *keyCache) fresh(id KeyMeta) (*envelopekey.CryptoKey, bool) {
	e, ok := c.read(cacheKey(id.ID, id.Created))
	if ok && !isReloadRequired(e, c.policy.RevokeCheckInterval) {
		return e.key, true
	}

	return nil, false
}

// load retrieves a key via loader and folds it into the cache.
//
// If an entry already exists for the same (ID, Created), the loader's
// result is discarded after copying over its Revoked flag — the loser of a
// concurrent load race is destroyed immediately rather than left to be
// garbage collected, so a duplicate never lingers as an orphaned CryptoKey.
func (c *keyCache) load(id KeyMeta, loader keyLoader) (*envelopekey.CryptoKey, error) {
	k, err := loader.Load()
	if err != nil {
		return nil, err
	}

	key := cacheKey(id.ID, id.Created)

	e, ok := c.read(key)
	if ok && e.key.Created() == k.Created() {
		e.key.SetRevoked(k.Revoked())
		e.loadedAt = time.Now()
		c.write(key, e)

		k.Close()
	} else {
		e = newCacheEntry(k)
		c.write(key, e)
		c.trackHistory(id.ID, e.key.Created())
	}

	c.maintainLatest(id.ID, key, e)

	return e.key, nil
}

// trackHistory records a newly-loaded version of id and, once the number of
// versions kept for id exceeds maxSize, closes and evicts the oldest ones.
// Neither the version just loaded nor the one the "latest" (id-0) alias
// points at is evicted by this bound, so neither is closed while the cache
// still hands it out.
func (c *keyCache) trackHistory(id string, created int64) {
	if c.maxSize <= 0 {
		return
	}

	versions := append(c.history[id], created)

	aliased := created
	if e, ok := c.entries[cacheKey(id, 0)]; ok {
		aliased = e.key.Created()
	}

	for len(versions) > c.maxSize {
		evict := versions[0]
		versions = versions[1:]

		if evict == created || evict == aliased {
			continue
		}

		evictKey := cacheKey(id, evict)
		if e, ok := c.entries[evictKey]; ok {
			delete(c.entries, evictKey)
			e.key.Close()
		}
	}

	c.history[id] = versions
}

// maintainLatest keeps the ID-only ("latest") entry pointing at whichever
// cached entry for id has the largest Created.
func (c *keyCache) maintainLatest(id, key string, e cacheEntry) {
	latestKey := cacheKey(id, 0)

	if key == latestKey {
		c.write(cacheKey(id, e.key.Created()), e)
		return
	}

	if latest, ok := c.read(latestKey); !ok || latest.key.Created() < e.key.Created() {
		c.write(latestKey, e)
	}
}

func (c *keyCache) read(key string) (cacheEntry, bool) {
	e, ok := c.entries[key]
	if !ok {
		log.Debugf("keyCache miss: %s", key)
	}

	return e, ok
}

func (c *keyCache) write(key string, e cacheEntry) {
	log.Debugf("keyCache write: %s -> %s", key, e.key)
	c.entries[key] = e
}

// GetOrLoadLatest returns the cached "latest" key for id if present and
// fresh. If loader also implements keyReloader and the resolved key is
// invalid (revoked or expired), it is reloaded and the cache updated before
// returning.
func (c *keyCache) GetOrLoadLatest(id string, loader keyLoader) (*envelopekey.CryptoKey, error) {
	c.rw.Lock()
	defer c.rw.Unlock()

	meta := KeyMeta{ID: id}

	key, ok := c.fresh(meta)
	if !ok {
		var err error
		key, err = c.load(meta, loader)
		if err != nil {
			return nil, err
		}
	}

	reloader, ok := loader.(keyReloader)
	if !ok || !reloader.IsInvalid(key) {
		return key, nil
	}

	reloaded, err := loader.Load()
	if err != nil {
		return nil, err
	}

	e := newCacheEntry(reloaded)
	c.write(cacheKey(id, 0), e)
	c.write(cacheKey(id, reloaded.Created()), e)
	c.trackHistory(id, reloaded.Created())

	return reloaded, nil
}

// Close frees every key held by this cache. Must be called when the owning
// session (or, for the System Key cache, the factory) is done, to avoid
// exhausting the process's memlock budget.
func (c *keyCache) Close() error {
	c.once.Do(func() {
		c.rw.Lock()
		defer c.rw.Unlock()

		for _, e := range c.entries {
			e.key.Close()
		}
	})

	return nil
}

func (c *keyCache) String() string {
	return fmt.Sprintf("keyCache(%p)", c)
}

// neverCache implements keyCacher without retaining anything: every call
// loads fresh and the returned key is never cached, used when the
// corresponding CryptoPolicy Cache* flag is false.
type neverCache struct{}

var _ keyCacher = neverCache{}

func (neverCache) GetOrLoad(_ KeyMeta, loader keyLoader) (*envelopekey.CryptoKey, error) {
	return loader.Load()
}

func (neverCache) GetOrLoadLatest(_ string, loader keyLoader) (*envelopekey.CryptoKey, error) {
	return loader.Load()
}

func (neverCache) Close() error { return nil }
