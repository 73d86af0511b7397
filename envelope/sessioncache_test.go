package envelope

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEncryption struct {
	closed int32
}

func (f *fakeEncryption) EncryptPayload(_ context.Context, data []byte) (*DataRowRecord, error) {
	return &DataRowRecord{Data: data}, nil
}

func (f *fakeEncryption) DecryptDataRowRecord(_ context.Context, d DataRowRecord) ([]byte, error) {
	return d.Data, nil
}

func (f *fakeEncryption) Close() error {
	atomic.StoreInt32(&f.closed, 1)
	return nil
}

func (f *fakeEncryption) isClosed() bool {
	return atomic.LoadInt32(&f.closed) == 1
}

func newFakeSession() (*Session, *fakeEncryption) {
	enc := &fakeEncryption{}
	return &Session{encryption: enc}, enc
}

func TestSessionCache_Get_ReturnsSameSessionForSameID(t *testing.T) {
	loads := 0

	c := newSessionCache(func(id string) (*Session, error) {
		loads++
		s, _ := newFakeSession()
		return s, nil
	}, NewCryptoPolicy())
	defer c.Close()

	s1, err := c.Get("shopper-1")
	require.NoError(t, err)

	s2, err := c.Get("shopper-1")
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.Equal(t, 1, loads)

	require.NoError(t, s1.Close())
	require.NoError(t, s2.Close())
}

func TestSessionCache_RealCloseOnlyHappensAfterEveryBorrowerReleases(t *testing.T) {
	var underlying *fakeEncryption

	c := newSessionCache(func(id string) (*Session, error) {
		s, enc := newFakeSession()
		underlying = enc
		return s, nil
	}, NewCryptoPolicy())
	defer c.Close()

	s1, err := c.Get("shopper-1")
	require.NoError(t, err)

	s2, err := c.Get("shopper-1")
	require.NoError(t, err)

	require.NoError(t, s1.Close())
	assert.False(t, underlying.isClosed(), "must not close while a second borrower still holds it")

	require.NoError(t, s2.Close())
	assert.False(t, underlying.isClosed(), "borrower Close never performs the real close directly")
}

func TestSessionCache_BorrowedEntrySurvivesSizePressure(t *testing.T) {
	loads := map[string]int{}

	c := newSessionCache(func(id string) (*Session, error) {
		loads[id]++
		s, _ := newFakeSession()
		return s, nil
	}, NewCryptoPolicy(WithSessionCacheMaxSize(1)))
	defer c.Close()

	p1, err := c.Get("p1")
	require.NoError(t, err)

	// A second, different partition is acquired and released while the
	// cache is already at its size bound and p1 is still held. p1 is the
	// only slot and it is not eligible, so it must not be evicted.
	p2, err := c.Get("p2")
	require.NoError(t, err)
	require.NoError(t, p2.Close())

	p1Again, err := c.Get("p1")
	require.NoError(t, err)

	assert.Same(t, p1, p1Again, "a borrowed partition must remain a cache hit under size pressure")
	assert.Equal(t, 1, loads["p1"], "re-acquiring a still-borrowed partition must never reload it")

	require.NoError(t, p1.Close())
	require.NoError(t, p1Again.Close())
}

func TestSessionCache_Close_ForceDestroysInUseSessionAndFailsStaleHandle(t *testing.T) {
	var underlying *fakeEncryption

	c := newSessionCache(func(id string) (*Session, error) {
		s, enc := newFakeSession()
		underlying = enc
		return s, nil
	}, NewCryptoPolicy())

	s, err := c.Get("shopper-1")
	require.NoError(t, err)

	c.Close()

	assert.True(t, underlying.isClosed(), "factory teardown must force-destroy sessions regardless of refcount")

	_, err = s.Encrypt(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, ErrClosedSession)

	_, err = c.Get("shopper-2")
	assert.ErrorIs(t, err, ErrClosedSession)
}

func TestSharedEncryption_ReleaseWaitsForEveryBorrowerThenClosesOnce(t *testing.T) {
	enc := &fakeEncryption{}

	mu := new(sync.Mutex)
	s := &sharedEncryption{Encryption: enc, mu: mu, cond: sync.NewCond(mu)}

	s.borrow()
	s.borrow()

	done := make(chan struct{})
	go func() {
		s.release()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("release must not return before every borrower has closed")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, s.Close())

	select {
	case <-done:
		t.Fatal("release must still be waiting for the second Close")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, s.Close())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("release never returned after the last borrower closed")
	}

	assert.True(t, enc.isClosed())
}
