package envelope

import (
	"context"
	"sync"

	goburrow "github.com/goburrow/cache"
)

// sessionLoaderFunc constructs a fresh Session for a partition ID.
type sessionLoaderFunc func(id string) (*Session, error)

// sessionCache is the reference-counted, size- and TTL-bounded SessionCache
// (C6). The lookup map (slots) is the single source of truth for cache
// membership. A goburrow cache alongside it tracks access recency and idle
// TTL and its removal listener only ever proposes a compaction; compact
// vetoes that proposal for any partition still borrowed, so a caller
// holding one partition's Session can always re-acquire it as a pure hit
// even while the cache is full and other partitions are cycling through
// it.
type sessionCache struct {
	mu    sync.Mutex
	slots map[string]*Session

	loader  sessionLoaderFunc
	recency goburrow.LoadingCache

	closed bool
}

// newSessionCache builds a SessionCache backed by loader, wrapping every
// loaded Session's Encryption in a sharedEncryption so that borrowing and
// destruction are decoupled from map membership.
func newSessionCache(loader sessionLoaderFunc, policy *CryptoPolicy) *sessionCache {
	c := &sessionCache{
		slots:  make(map[string]*Session),
		loader: loader,
	}

	c.recency = goburrow.NewLoadingCache(
		func(k goburrow.Key) (goburrow.Value, error) {
			return k, nil
		},
		goburrow.WithMaximumSize(policy.SessionCacheMaxSize),
		goburrow.WithExpireAfterAccess(policy.SessionCacheExpire),
		goburrow.WithRemovalListener(func(k goburrow.Key, _ goburrow.Value) {
			c.compact(k.(string))
		}),
	)

	return c
}

// touch records id's access with the recency cache so its size/TTL
// bookkeeping stays accurate. It never affects slots.
func (c *sessionCache) touch(id string) {
	c.recency.Put(goburrow.Key(id), goburrow.Value(id))
}

// compact runs when the recency cache decides id's turn has come up for
// eviction, by size pressure or idle TTL. A partition with any outstanding
// borrower is not eligible and is left exactly as it was: per the
// compaction rule, an entry with no eligible slot is simply never evicted.
func (c *sessionCache) compact(id string) {
	c.mu.Lock()

	s, ok := c.slots[id]
	if !ok {
		c.mu.Unlock()
		return
	}

	se := s.encryption.(*sharedEncryption)
	if !se.evictable() {
		c.mu.Unlock()
		return
	}

	delete(c.slots, id)
	c.mu.Unlock()

	go se.release()
}

// Get returns the cached Session for id, loading (and caching) one if
// absent, and increments its borrow count. The returned Session must be
// Close()'d exactly once by the caller.
func (c *sessionCache) Get(id string) (*Session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosedSession
	}

	if s, ok := c.slots[id]; ok {
		s.encryption.(*sharedEncryption).borrow()
		c.mu.Unlock()
		c.touch(id)

		return s, nil
	}
	c.mu.Unlock()

	s, err := c.loader(id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = s.encryption.Close()

		return nil, ErrClosedSession
	}

	if existing, ok := c.slots[id]; ok {
		// Lost the race to a concurrent loader for the same id: keep the
		// winner already installed and discard the loser.
		existing.encryption.(*sharedEncryption).borrow()
		c.mu.Unlock()
		c.touch(id)

		_ = s.encryption.Close()

		return existing, nil
	}

	mu := new(sync.Mutex)
	s.encryption = &sharedEncryption{
		Encryption: s.encryption,
		mu:         mu,
		cond:       sync.NewCond(mu),
	}
	s.encryption.(*sharedEncryption).borrow()

	c.slots[id] = s
	c.mu.Unlock()
	c.touch(id)

	return s, nil
}

// Count reports the number of sessions currently in the lookup map.
func (c *sessionCache) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.slots)
}

// Close force-destroys every remaining session regardless of outstanding
// borrowers and stops the cache from serving any more. Any handle obtained
// before Close, borrowed or not, returns ErrClosedSession on its next use;
// any later call to Get also returns ErrClosedSession.
func (c *sessionCache) Close() {
	c.mu.Lock()
	c.closed = true
	slots := c.slots
	c.slots = make(map[string]*Session)
	c.mu.Unlock()

	c.recency.Close()

	for _, s := range slots {
		s.encryption.(*sharedEncryption).forceClose()
	}
}

// sharedEncryption wraps a Session's real Encryption so that multiple
// concurrent holders of the same cached Session can each call Close
// independently: the underlying engine is only actually closed once the
// borrow count returns to zero AND the session cache has evicted the
// entry, or once the owning factory forces it closed at shutdown.
type sharedEncryption struct {
	Encryption

	mu         *sync.Mutex
	cond       *sync.Cond
	borrowed   int
	releasable bool
	closed     bool
}

func (s *sharedEncryption) borrow() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.borrowed++
}

// evictable reports whether this entry currently has no outstanding
// borrowers and is therefore safe for the session cache to drop from its
// lookup map.
func (s *sharedEncryption) evictable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.borrowed == 0
}

// Close implements Encryption.Close from the caller's point of view: it
// only decrements the borrow count and, once it reaches zero, marks this
// entry eligible for the real close. The real close itself is always
// performed by release or forceClose, so a borrower racing an eviction (or
// a factory shutdown) can never double-close the underlying engine.
func (s *sharedEncryption) Close() error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return ErrClosedSession
	}

	defer s.mu.Unlock()
	defer s.cond.Broadcast()

	s.borrowed--
	if s.borrowed == 0 {
		s.releasable = true
	}

	return nil
}

// release is invoked once the session cache has already evicted this
// entry's map slot. It blocks until every borrower has released the
// session, then performs the one real close.
func (s *sharedEncryption) release() {
	s.mu.Lock()

	for !s.releasable && !s.closed {
		s.cond.Wait()
	}

	if s.closed {
		s.mu.Unlock()
		return
	}

	s.closed = true
	s.mu.Unlock()

	s.Encryption.Close()
}

// forceClose performs the real close immediately, regardless of any
// outstanding borrowers, and marks every subsequent Close or use as closed.
// Used only when the owning factory is torn down: in-use sessions are
// destroyed unconditionally and every handle still held against them
// becomes unusable.
func (s *sharedEncryption) forceClose() {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return
	}

	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	s.Encryption.Close()
}

func (s *sharedEncryption) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

// EncryptPayload delegates to the wrapped Encryption unless this entry has
// already been force-closed by factory teardown.
func (s *sharedEncryption) EncryptPayload(ctx context.Context, data []byte) (*DataRowRecord, error) {
	if s.isClosed() {
		return nil, ErrClosedSession
	}

	return s.Encryption.EncryptPayload(ctx, data)
}

// DecryptDataRowRecord delegates to the wrapped Encryption unless this
// entry has already been force-closed by factory teardown.
func (s *sharedEncryption) DecryptDataRowRecord(ctx context.Context, d DataRowRecord) ([]byte, error) {
	if s.isClosed() {
		return nil, ErrClosedSession
	}

	return s.Encryption.DecryptDataRowRecord(ctx, d)
}
