package envelope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultkeep/envelope/internal/envelopekey"
	"github.com/vaultkeep/envelope/securesecret/memguard"
)

var testSecretFactory = new(memguard.SecretFactory)

func newTestKey(t *testing.T, created int64) *envelopekey.CryptoKey {
	t.Helper()

	k, err := envelopekey.Generate(testSecretFactory, created, 32)
	require.NoError(t, err)

	return k
}

func countingLoader(t *testing.T, created int64) (keyLoaderFunc, *int) {
	calls := 0

	return keyLoaderFunc(func() (*envelopekey.CryptoKey, error) {
		calls++
		return newTestKey(t, created), nil
	}), &calls
}

func TestKeyCache_GetOrLoad_CachesOnSecondCall(t *testing.T) {
	c := newKeyCache(NewCryptoPolicy(), DefaultKeyCacheMaxSize)
	defer c.Close()

	loader, calls := countingLoader(t, 100)

	id := KeyMeta{ID: "_SK_svc_prod", Created: 100}

	k1, err := c.GetOrLoad(id, loader)
	require.NoError(t, err)
	assert.Equal(t, 1, *calls)

	k2, err := c.GetOrLoad(id, loader)
	require.NoError(t, err)
	assert.Equal(t, 1, *calls, "second GetOrLoad for the same id must not reload")
	assert.Same(t, k1, k2)
}

func TestKeyCache_GetOrLoadLatest_CachesAcrossCalls(t *testing.T) {
	c := newKeyCache(NewCryptoPolicy(), DefaultKeyCacheMaxSize)
	defer c.Close()

	loader, calls := countingLoader(t, 100)

	k1, err := c.GetOrLoadLatest("_SK_svc_prod", loader)
	require.NoError(t, err)
	assert.Equal(t, 1, *calls)

	k2, err := c.GetOrLoadLatest("_SK_svc_prod", loader)
	require.NoError(t, err)
	assert.Equal(t, 1, *calls)
	assert.Same(t, k1, k2)
}

// invalidatingLoader implements keyReloader: the first resolved key is
// reported invalid exactly once, forcing GetOrLoadLatest to reload.
type invalidatingLoader struct {
	loader      keyLoaderFunc
	invalidated bool
}

func (l *invalidatingLoader) Load() (*envelopekey.CryptoKey, error) { return l.loader() }

func (l *invalidatingLoader) IsInvalid(*envelopekey.CryptoKey) bool {
	if l.invalidated {
		return false
	}

	l.invalidated = true

	return true
}

func TestKeyCache_GetOrLoadLatest_ReloadsWhenReloaderReportsInvalid(t *testing.T) {
	c := newKeyCache(NewCryptoPolicy(), DefaultKeyCacheMaxSize)
	defer c.Close()

	created := int64(100)
	loader := &invalidatingLoader{
		loader: keyLoaderFunc(func() (*envelopekey.CryptoKey, error) {
			created++
			return newTestKey(t, created), nil
		}),
	}

	first, err := c.GetOrLoadLatest("_SK_svc_prod", loader)
	require.NoError(t, err)

	// The key loaded first (created 101) is reported invalid, so the same
	// call reloads and returns its replacement.
	assert.Equal(t, int64(102), first.Created())

	second, err := c.GetOrLoadLatest("_SK_svc_prod", loader)
	require.NoError(t, err)

	assert.Same(t, first, second, "the reloaded key must now be the cached latest")
}

func TestKeyCache_RevokeCheckTTL_TriggersReload(t *testing.T) {
	policy := NewCryptoPolicy(WithRevokeCheckInterval(0))
	c := newKeyCache(policy, DefaultKeyCacheMaxSize)
	defer c.Close()

	loader, calls := countingLoader(t, 100)

	id := KeyMeta{ID: "_SK_svc_prod", Created: 100}

	_, err := c.GetOrLoad(id, loader)
	require.NoError(t, err)
	assert.Equal(t, 1, *calls)

	// RevokeCheckInterval of 0 means every lookup is immediately stale.
	_, err = c.GetOrLoad(id, loader)
	require.NoError(t, err)
	assert.Equal(t, 2, *calls)
}

func TestKeyCache_RevokedKeyNeverReloads(t *testing.T) {
	policy := NewCryptoPolicy(WithRevokeCheckInterval(0))
	c := newKeyCache(policy, DefaultKeyCacheMaxSize)
	defer c.Close()

	calls := 0
	loader := keyLoaderFunc(func() (*envelopekey.CryptoKey, error) {
		calls++
		k := newTestKey(t, 100)
		k.SetRevoked(true)
		return k, nil
	})

	id := KeyMeta{ID: "_SK_svc_prod", Created: 100}

	_, err := c.GetOrLoad(id, loader)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	_, err = c.GetOrLoad(id, loader)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "a revoked key's revoke-check TTL never re-triggers a reload")
}

func TestKeyCache_DuplicateLoadRace_LoserDestroyedWinnerRevokedCopied(t *testing.T) {
	c := newKeyCache(NewCryptoPolicy(), DefaultKeyCacheMaxSize)
	defer c.Close()

	id := KeyMeta{ID: "_SK_svc_prod", Created: 100}

	winner, err := c.GetOrLoad(id, keyLoaderFunc(func() (*envelopekey.CryptoKey, error) {
		return newTestKey(t, 100), nil
	}))
	require.NoError(t, err)

	// Simulate a second, concurrent loader for the same (id, created) that
	// resolves a revoked copy after the first has already won the race by
	// forcing a direct call into the unexported load path.
	loser := newTestKey(t, 100)
	loser.SetRevoked(true)

	resolved, err := c.load(id, keyLoaderFunc(func() (*envelopekey.CryptoKey, error) {
		return loser, nil
	}))
	require.NoError(t, err)

	assert.Same(t, winner, resolved, "the already-cached entry must win, not the new loader result")
	assert.True(t, resolved.Revoked(), "the loser's Revoked flag must still be copied onto the winner")
	assert.True(t, loser.IsClosed(), "the loser's key must be destroyed")
}

func TestKeyCache_Close_ClosesEveryEntry(t *testing.T) {
	c := newKeyCache(NewCryptoPolicy(), DefaultKeyCacheMaxSize)

	k, err := c.GetOrLoad(KeyMeta{ID: "id", Created: 1}, keyLoaderFunc(func() (*envelopekey.CryptoKey, error) {
		return newTestKey(t, 1), nil
	}))
	require.NoError(t, err)

	require.NoError(t, c.Close())

	assert.True(t, k.IsClosed())
}

func TestKeyCache_MaxSize_ClosesOldestHistoricalVersionButKeepsLatest(t *testing.T) {
	c := newKeyCache(NewCryptoPolicy(), 2)
	defer c.Close()

	id := "_IK_shopper-1_svc_prod"

	first, err := c.GetOrLoad(KeyMeta{ID: id, Created: 1}, keyLoaderFunc(func() (*envelopekey.CryptoKey, error) {
		return newTestKey(t, 1), nil
	}))
	require.NoError(t, err)

	_, err = c.GetOrLoad(KeyMeta{ID: id, Created: 2}, keyLoaderFunc(func() (*envelopekey.CryptoKey, error) {
		return newTestKey(t, 2), nil
	}))
	require.NoError(t, err)

	third, err := c.GetOrLoad(KeyMeta{ID: id, Created: 3}, keyLoaderFunc(func() (*envelopekey.CryptoKey, error) {
		return newTestKey(t, 3), nil
	}))
	require.NoError(t, err)

	assert.True(t, first.IsClosed(), "the oldest version beyond the bound must be closed")
	assert.False(t, third.IsClosed(), "the most recently loaded version must never be evicted by the bound")

	latest, err := c.GetOrLoad(KeyMeta{ID: id}, keyLoaderFunc(func() (*envelopekey.CryptoKey, error) {
		t.Fatal("latest must still be cached")
		return nil, nil
	}))
	require.NoError(t, err)
	assert.Same(t, third, latest)
}

func TestKeyCache_MaxSizeZero_NeverEvicts(t *testing.T) {
	c := newKeyCache(NewCryptoPolicy(), 0)
	defer c.Close()

	id := "_IK_shopper-1_svc_prod"

	var keys []*envelopekey.CryptoKey

	for created := int64(1); created <= 5; created++ {
		created := created
		k, err := c.GetOrLoad(KeyMeta{ID: id, Created: created}, keyLoaderFunc(func() (*envelopekey.CryptoKey, error) {
			return newTestKey(t, created), nil
		}))
		require.NoError(t, err)
		keys = append(keys, k)
	}

	for _, k := range keys {
		assert.False(t, k.IsClosed(), "a zero max size must never evict")
	}
}

func TestNeverCache_NeverCaches(t *testing.T) {
	c := neverCache{}

	calls := 0
	loader := keyLoaderFunc(func() (*envelopekey.CryptoKey, error) {
		calls++
		return newTestKey(t, 1), nil
	})

	_, err := c.GetOrLoad(KeyMeta{ID: "id", Created: 1}, loader)
	require.NoError(t, err)

	_, err = c.GetOrLoad(KeyMeta{ID: "id", Created: 1}, loader)
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	assert.NoError(t, c.Close())
}

func TestIsReloadRequired(t *testing.T) {
	k := newTestKey(t, 100)
	defer k.Close()

	fresh := cacheEntry{loadedAt: time.Now(), key: k}
	assert.False(t, isReloadRequired(fresh, time.Hour))

	stale := cacheEntry{loadedAt: time.Now().Add(-2 * time.Hour), key: k}
	assert.True(t, isReloadRequired(stale, time.Hour))

	k.SetRevoked(true)
	assert.False(t, isReloadRequired(stale, time.Hour), "a revoked key is never considered reload-due")
}
