// Package memguard implements the second SecureSecret backend, delegating
// allocation, locking, and protection toggling to awnumar/memguard's
// LockedBuffer. It exists as an interchangeable tagged variant of the same
// Secret contract the protected package implements — useful on platforms or
// in test harnesses where a second, independently-audited allocator is
// preferable to this module's own mmap plumbing.
package memguard

import (
	"io"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/vaultkeep/envelope/securesecret"
	"github.com/vaultkeep/envelope/securesecret/internal/secrets"
)

// AllocTimer records the time taken to allocate a secret.
var AllocTimer = metrics.GetOrRegisterTimer("secret.memguard.alloctimer", nil)

type secret struct {
	buffer  *memguard.LockedBuffer
	mu      sync.Mutex
	cond    *sync.Cond
	readers int
	closing bool
}

var _ securesecret.Secret = (*secret)(nil)

func (s *secret) WithBytes(action func([]byte) error) (err error) {
	if err = s.acquire(); err != nil {
		return err
	}

	defer func() {
		if relErr := s.release(); relErr != nil && err == nil {
			err = relErr
		}
	}()

	return action(s.buffer.Bytes())
}

func (s *secret) WithBytesFunc(action func([]byte) ([]byte, error)) (ret []byte, err error) {
	if err = s.acquire(); err != nil {
		return nil, err
	}

	defer func() {
		if relErr := s.release(); relErr != nil && err == nil {
			err = relErr
		}
	}()

	return action(s.buffer.Bytes())
}

func (s *secret) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing || s.buffer.Destroyed() {
		return securesecret.ErrClosed
	}

	if s.readers == 0 {
		s.buffer.Melt()
	}

	s.readers++

	return nil
}

func (s *secret) release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.cond.Broadcast()

	s.readers--

	if s.readers == 0 {
		s.buffer.Freeze()
	}

	return nil
}

func (s *secret) IsClosed() bool {
	return s.buffer.Destroyed()
}

func (s *secret) NewReader() io.Reader {
	return secrets.NewReader(s)
}

func (s *secret) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}

	s.closing = true

	for s.readers > 0 && !s.buffer.Destroyed() {
		s.cond.Wait()
	}
	s.mu.Unlock()

	s.buffer.Destroy()

	securesecret.InUseCounter.Dec(1)

	return nil
}

// SecretFactory creates memguard-backed Secrets.
type SecretFactory struct{}

var _ securesecret.SecretFactory = (*SecretFactory)(nil)

func newSecretFromBuffer(buf *memguard.LockedBuffer) *secret {
	s := &secret{buffer: buf}
	s.cond = sync.NewCond(&s.mu)

	securesecret.AllocCounter.Inc(1)
	securesecret.InUseCounter.Inc(1)

	return s
}

// New copies b into a new memguard-backed Secret and wipes b.
func (f *SecretFactory) New(b []byte) (securesecret.Secret, error) {
	defer AllocTimer.UpdateSince(time.Now())

	buf := memguard.NewBufferFromBytes(b)
	if buf.Size() == 0 && len(b) != 0 {
		return nil, errors.WithMessage(securesecret.ErrAlloc, "memguard buffer creation failed")
	}

	buf.Freeze()

	return newSecretFromBuffer(buf), nil
}

// CreateRandom returns a memguard-backed Secret filled with size random bytes.
func (f *SecretFactory) CreateRandom(size int) (securesecret.Secret, error) {
	defer AllocTimer.UpdateSince(time.Now())

	buf := memguard.NewBufferRandom(size)
	if buf.Size() == 0 && size != 0 {
		return nil, errors.WithMessage(securesecret.ErrAlloc, "memguard buffer creation failed")
	}

	buf.Freeze()

	return newSecretFromBuffer(buf), nil
}
