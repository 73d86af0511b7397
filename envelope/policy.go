package envelope

import "time"

// Default values for CryptoPolicy fields left unset by the caller.
const (
	DefaultExpireAfter           = 90 * 24 * time.Hour
	DefaultRevokeCheckInterval   = 60 * time.Minute
	DefaultCreateDatePrecision   = time.Minute
	DefaultKeyCacheMaxSize       = 1000
	DefaultSessionCacheMaxSize   = 1000
	DefaultSessionCacheExpire    = 2 * time.Hour
)

// RotationStrategy selects how an expired System/Intermediate Key is
// handled when it is encountered during resolution.
type RotationStrategy int

const (
	// Inline creates a replacement key synchronously, on the calling
	// goroutine, the moment an expired key is encountered. This is the only
	// strategy this package fully implements.
	Inline RotationStrategy = iota

	// Queued marks the key for asynchronous rotation by some external
	// process and, in the meantime, continues to use the expired key. The
	// enum value exists for contract compatibility; this package treats it
	// identically to Inline at the IK/SK resolution fork (see SPEC_FULL.md
	// §6 Open Question resolutions) — no queue is implemented.
	Queued
)

// CryptoPolicy configures the engine's caching, expiration, and rotation
// behavior. There is no dynamic property bag; every tunable is an explicit,
// typed field, set either by zero value, NewCryptoPolicy defaults, or a
// PolicyOption.
type CryptoPolicy struct {
	// ExpireKeyAfter is how long after creation a key is considered expired
	// (regularly-scheduled rotation).
	ExpireKeyAfter time.Duration

	// RevokeCheckInterval is how long a cached key may go without a
	// Metastore re-read to refresh its Revoked flag (irregularly-scheduled
	// rotation/revocation).
	RevokeCheckInterval time.Duration

	// CreateDatePrecision truncates a newly-created key's timestamp, so
	// concurrent creators racing within the same window collide on the same
	// (id, created) pair instead of each minting a distinct key.
	CreateDatePrecision time.Duration

	// CacheSystemKeys enables the process-wide System Key cache.
	CacheSystemKeys bool

	// CacheIntermediateKeys enables the per-session Intermediate Key cache.
	CacheIntermediateKeys bool

	// SystemKeyCacheMaxSize bounds how many historical versions of each
	// System Key ID the System Key cache keeps before closing and evicting
	// the oldest; the current version is never evicted by this bound.
	SystemKeyCacheMaxSize int

	// IntermediateKeyCacheMaxSize is the same bound as SystemKeyCacheMaxSize,
	// applied per session to that session's Intermediate Key cache.
	IntermediateKeyCacheMaxSize int

	// CacheSessions enables the reference-counted SessionCache (C6). When
	// disabled, SessionFactory.GetSession always builds a fresh Session.
	CacheSessions bool

	// SessionCacheMaxSize is the size at which the SessionCache starts
	// compacting idle (refcount == 0) entries to make room for a new id. A
	// partition with any outstanding borrower is never evicted to satisfy
	// this bound, even while the cache is full: re-acquiring it remains a
	// cache hit for as long as any caller still holds it.
	SessionCacheMaxSize int

	// SessionCacheExpire is the sliding TTL, measured from the last release,
	// after which an idle session becomes eligible for eviction.
	SessionCacheExpire time.Duration

	// RotationStrategy selects Inline or Queued handling of expired keys.
	RotationStrategy RotationStrategy

	// NotifyExpiredSystemKeyOnRead, if set, causes Decrypt to invoke the
	// configured ExpiredKeyNotifier when the System Key used to wrap the
	// resolved Intermediate Key is expired. Non-fatal.
	NotifyExpiredSystemKeyOnRead bool

	// NotifyExpiredIntermediateKeyOnRead, if set, causes Decrypt to invoke
	// the configured ExpiredKeyNotifier when the resolved Intermediate Key
	// itself is expired. Non-fatal.
	NotifyExpiredIntermediateKeyOnRead bool

	// ExpiredKeyNotifier receives (keyID, created) for each expired-key
	// notification requested above. A nil notifier makes the notification a
	// silent no-op.
	ExpiredKeyNotifier func(keyID string, created int64)
}

// PolicyOption configures a CryptoPolicy at construction time.
type PolicyOption func(*CryptoPolicy)

// WithExpireAfter sets how long a key remains valid after creation.
func WithExpireAfter(d time.Duration) PolicyOption {
	return func(p *CryptoPolicy) { p.ExpireKeyAfter = d }
}

// WithRevokeCheckInterval sets the cached-key revocation re-check interval.
func WithRevokeCheckInterval(d time.Duration) PolicyOption {
	return func(p *CryptoPolicy) { p.RevokeCheckInterval = d }
}

// WithNoKeyCaching disables both the System Key and Intermediate Key caches.
func WithNoKeyCaching() PolicyOption {
	return func(p *CryptoPolicy) {
		p.CacheSystemKeys = false
		p.CacheIntermediateKeys = false
	}
}

// WithSessionCache enables the SessionCache (C6).
func WithSessionCache() PolicyOption {
	return func(p *CryptoPolicy) { p.CacheSessions = true }
}

// WithSessionCacheMaxSize sets the SessionCache's advisory size limit.
func WithSessionCacheMaxSize(n int) PolicyOption {
	return func(p *CryptoPolicy) { p.SessionCacheMaxSize = n }
}

// WithSessionCacheExpire sets the SessionCache's idle TTL.
func WithSessionCacheExpire(d time.Duration) PolicyOption {
	return func(p *CryptoPolicy) { p.SessionCacheExpire = d }
}

// WithRotationStrategy overrides the default Inline rotation strategy.
func WithRotationStrategy(s RotationStrategy) PolicyOption {
	return func(p *CryptoPolicy) { p.RotationStrategy = s }
}

// WithExpiredKeyNotifications enables expiry notifications on decrypt and
// registers notifier to receive them.
func WithExpiredKeyNotifications(notifier func(keyID string, created int64)) PolicyOption {
	return func(p *CryptoPolicy) {
		p.NotifyExpiredSystemKeyOnRead = true
		p.NotifyExpiredIntermediateKeyOnRead = true
		p.ExpiredKeyNotifier = notifier
	}
}

// NewCryptoPolicy returns a CryptoPolicy with the package defaults applied,
// then customized by opts.
func NewCryptoPolicy(opts ...PolicyOption) *CryptoPolicy {
	p := &CryptoPolicy{
		ExpireKeyAfter:              DefaultExpireAfter,
		RevokeCheckInterval:         DefaultRevokeCheckInterval,
		CreateDatePrecision:         DefaultCreateDatePrecision,
		CacheSystemKeys:             true,
		CacheIntermediateKeys:       true,
		SystemKeyCacheMaxSize:       DefaultKeyCacheMaxSize,
		IntermediateKeyCacheMaxSize: DefaultKeyCacheMaxSize,
		CacheSessions:               false,
		SessionCacheMaxSize:         DefaultSessionCacheMaxSize,
		SessionCacheExpire:          DefaultSessionCacheExpire,
		RotationStrategy:            Inline,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// newKeyTimestamp returns the current Unix second, truncated to precision
// (or un-truncated if precision is zero).
func newKeyTimestamp(precision time.Duration) int64 {
	if precision > 0 {
		return time.Now().Truncate(precision).Unix()
	}

	return time.Now().Unix()
}

// Config carries the identifiers and policy needed to construct a
// SessionFactory.
type Config struct {
	// Service identifies the calling service.
	Service string

	// Product identifies the team or product that owns Service.
	Product string

	// Policy controls caching, expiration, and rotation. A nil Policy is
	// replaced with NewCryptoPolicy()'s defaults.
	Policy *CryptoPolicy
}
