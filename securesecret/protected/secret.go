// Package protected implements the primary SecureSecret backend: each
// secret gets its own page-aligned mmap region, locked into RAM with
// mlock(2), excluded from core dumps, and toggled between NO_ACCESS and
// READ protection around every scoped access.
package protected

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/awnumar/memguard/core"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/vaultkeep/envelope/log"
	"github.com/vaultkeep/envelope/securesecret"
	"github.com/vaultkeep/envelope/securesecret/internal/memcall"
	"github.com/vaultkeep/envelope/securesecret/internal/secrets"
)

// errMemlockBudget is returned by checkMemlockBudget; wrapped into
// securesecret.ErrResourceLimit at the call site so callers only ever
// compare against the exported sentinel.
var errMemlockBudget = errors.New("memlock budget exceeded")

// AllocTimer records the time taken to allocate a secret.
var AllocTimer = metrics.GetOrRegisterTimer("secret.protected.alloctimer", nil)

// lockedBytes tracks the process-wide total of currently locked secret
// memory so new allocations can be preflighted against RLIMIT_MEMLOCK
// without relying solely on the kernel to reject the mlock call.
var lockedBytes uint64

// secret is the protected-memory-backed Secret implementation. Always call
// Close after use; relying on the finalizer alone risks running into the
// process's memlock budget before the GC catches up.
type secret struct {
	*state
	// canary exists only so a finalizer can be attached without keeping the
	// secret itself reachable (a finalizer on secret directly would always
	// find a reference to itself and never fire).
	canary *byte
}

// state holds everything the finalizer needs without referencing secret.
type state struct {
	bytes []byte
	mc    memcall.Interface

	mu      sync.Mutex
	cond    *sync.Cond
	readers int
	closing bool
	closed  bool

	stack        []byte
	externalAddr string
}

var _ securesecret.Secret = (*secret)(nil)

// WithBytes implements securesecret.Secret.
func (s *secret) WithBytes(action func([]byte) error) (err error) {
	if err = s.acquire(); err != nil {
		return err
	}

	defer func() {
		if relErr := s.release(); relErr != nil {
			if err == nil {
				err = relErr
			} else {
				err = errors.WithMessage(err, relErr.Error())
			}
		}
	}()

	return action(s.bytes)
}

// WithBytesFunc implements securesecret.Secret.
func (s *secret) WithBytesFunc(action func([]byte) ([]byte, error)) (ret []byte, err error) {
	if err = s.acquire(); err != nil {
		return nil, err
	}

	defer func() {
		if relErr := s.release(); relErr != nil {
			if err == nil {
				err = relErr
			} else {
				err = errors.WithMessage(err, relErr.Error())
			}
		}
	}()

	return action(s.bytes)
}

// IsClosed implements securesecret.Secret.
func (s *secret) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

// NewReader implements securesecret.Secret.
func (s *secret) NewReader() io.Reader {
	return secrets.NewReader(s)
}

// acquire transitions the region from NO_ACCESS to READ on the first
// concurrent reader; subsequent concurrent readers just bump the counter.
func (s *state) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing || s.closed {
		return securesecret.ErrClosed
	}

	if s.readers == 0 {
		if err := s.mc.Protect(s.bytes, memcall.ReadOnly()); err != nil {
			return errors.WithMessage(err, "unable to mark secret memory readable")
		}
	}

	s.readers++

	return nil
}

// release transitions the region back to NO_ACCESS once the last concurrent
// reader exits.
func (s *state) release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.cond.Broadcast()

	s.readers--

	if s.readers == 0 {
		if err := s.mc.Protect(s.bytes, memcall.NoAccess()); err != nil {
			return errors.WithMessage(err, "unable to mark secret memory inaccessible")
		}
	}

	return nil
}

func (s *state) finalize() {
	s.mu.Lock()
	wasClosing := s.closing
	s.mu.Unlock()

	if !wasClosing {
		log.Debugf("protected secret finalized before Close: %s\n%s", s.externalAddr, s.stack)
	}

	_ = s.Close()
}

// Close implements securesecret.Secret. Idempotent: a second call is a no-op.
func (s *state) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closing = true

	for {
		if s.closed {
			return nil
		}

		if s.readers == 0 {
			return s.wipeAndFree()
		}

		s.cond.Wait()
	}
}

func (s *state) wipeAndFree() error {
	if err := s.mc.Protect(s.bytes, memcall.ReadWrite()); err != nil {
		return err
	}

	// core.Wipe is a compiler-proof zeroing primitive; a hand-rolled loop
	// risks being optimized away by the compiler since the slice is never
	// read again afterward from the compiler's point of view.
	core.Wipe(s.bytes)

	if err := s.mc.Unlock(s.bytes); err != nil {
		return err
	}

	if err := s.mc.Free(s.bytes); err != nil {
		return err
	}

	atomic.AddUint64(&lockedBytes, ^uint64(len(s.bytes)-1))

	s.bytes = nil
	s.closed = true

	securesecret.InUseCounter.Dec(1)

	return nil
}

// SecretFactory creates protected-memory-backed Secrets.
type SecretFactory struct {
	mc memcall.Interface
}

var _ securesecret.SecretFactory = (*SecretFactory)(nil)

func (f *SecretFactory) memcall() memcall.Interface {
	if f.mc == nil {
		return memcall.Default
	}

	return f.mc
}

// New copies b into a new protected Secret and wipes b.
func (f *SecretFactory) New(b []byte) (securesecret.Secret, error) {
	defer AllocTimer.UpdateSince(time.Now())

	sec, err := newSecret(len(b), f.memcall())
	if err != nil {
		return nil, err
	}

	subtle.ConstantTimeCopy(1, sec.bytes, b)
	core.Wipe(b)

	if err := f.memcall().Protect(sec.bytes, memcall.NoAccess()); err != nil {
		if cleanErr := memcall.Clean(f.memcall(), sec.bytes); cleanErr != nil {
			err = errors.Wrap(err, cleanErr.Error())
		}

		return nil, errors.WithMessage(securesecret.ErrPlatform, err.Error())
	}

	securesecret.AllocCounter.Inc(1)
	securesecret.InUseCounter.Inc(1)

	return sec, nil
}

// CreateRandom returns a protected Secret filled with size bytes from
// crypto/rand.
func (f *SecretFactory) CreateRandom(size int) (securesecret.Secret, error) {
	defer AllocTimer.UpdateSince(time.Now())

	sec, err := newSecret(size, f.memcall())
	if err != nil {
		return nil, err
	}

	if _, err := rand.Read(sec.bytes); err != nil {
		if cleanErr := memcall.Clean(f.memcall(), sec.bytes); cleanErr != nil {
			err = errors.Wrap(err, cleanErr.Error())
		}

		return nil, errors.WithMessage(securesecret.ErrAlloc, "entropy source failed: "+err.Error())
	}

	if err := f.memcall().Protect(sec.bytes, memcall.NoAccess()); err != nil {
		if cleanErr := memcall.Clean(f.memcall(), sec.bytes); cleanErr != nil {
			err = errors.Wrap(err, cleanErr.Error())
		}

		return nil, errors.WithMessage(securesecret.ErrPlatform, err.Error())
	}

	securesecret.AllocCounter.Inc(1)
	securesecret.InUseCounter.Inc(1)

	return sec, nil
}

// newSecret allocates, checks the memlock budget, and locks size bytes.
func newSecret(size int, mc memcall.Interface) (*secret, error) {
	if size < 1 {
		return nil, errors.New("invalid secret length")
	}

	locked := atomic.LoadUint64(&lockedBytes)
	if err := checkMemlockBudget(size, locked); err != nil {
		return nil, securesecret.ErrResourceLimit
	}

	bytes, err := mc.Alloc(size)
	if err != nil {
		return nil, errors.WithMessage(securesecret.ErrAlloc, err.Error())
	}

	if err := mc.Lock(bytes); err != nil {
		if cleanErr := mc.Free(bytes); cleanErr != nil {
			err = errors.Wrap(err, cleanErr.Error())
		}

		return nil, errors.WithMessage(securesecret.ErrPlatform, err.Error())
	}

	atomic.AddUint64(&lockedBytes, uint64(size))

	st := &state{
		bytes: bytes,
		mc:    mc,
	}
	st.cond = sync.NewCond(&st.mu)

	sec := &secret{
		state:  st,
		canary: new(byte),
	}

	if log.DebugEnabled() {
		st.externalAddr = fmt.Sprintf("%p", sec)
		st.stack = debug.Stack()
	}

	runtime.SetFinalizer(sec.canary, func(*byte) {
		go st.finalize()
	})

	return sec, nil
}
