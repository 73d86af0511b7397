// Package securesecret defines the contract for off-heap, locked,
// non-dumpable storage of a single piece of plaintext key material.
//
// Two implementations satisfy this contract: protected (an mmap/mlock/mprotect
// region owned exclusively by the secret) and memguard (an
// awnumar/memguard-backed LockedBuffer). Callers select a backend by
// choosing a SecretFactory; the rest of this module only depends on the
// Secret/SecretFactory interfaces below, so the two are interchangeable tagged
// variants of one contract rather than a class hierarchy.
package securesecret

import (
	"io"

	"github.com/rcrowley/go-metrics"
)

var (
	// AllocCounter tracks cumulative secret allocations. Unlike InUseCounter
	// it never decreases.
	AllocCounter = metrics.GetOrRegisterCounter("secret.allocated", nil)

	// InUseCounter tracks the number of secrets currently allocated and not
	// yet closed.
	InUseCounter = metrics.GetOrRegisterCounter("secret.inuse", nil)
)

// Secret holds exactly one piece of plaintext key material outside normal
// heap, unswappable, and excluded from core dumps. Plaintext is only
// reachable from inside a With* scoped-access call.
type Secret interface {
	// WithBytes makes the plaintext readable for the duration of action and
	// passes it to action. The slice passed to action MUST NOT be retained
	// beyond the call; it is invalid as soon as action returns.
	//
	// Calling WithBytes on a closed Secret returns an error.
	WithBytes(action func([]byte) error) error

	// WithBytesFunc is WithBytes for actions that also produce a new byte
	// slice (e.g. the result of an AEAD operation keyed by the plaintext).
	WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error)

	// IsClosed reports whether Close has completed on this Secret.
	IsClosed() bool

	// Close wipes the plaintext using a compiler-proof wipe primitive,
	// releases the underlying memory, and is idempotent: a second Close is a
	// no-op. Using the Secret afterward returns an error rather than
	// panicking.
	Close() error

	// NewReader returns an io.Reader that streams the plaintext through
	// WithBytes without an extra heap copy.
	NewReader() io.Reader
}

// SecretFactory creates Secret instances using one specific backend.
type SecretFactory interface {
	// New copies b into a new Secret and wipes b. b must not be retained by
	// the caller afterward.
	New(b []byte) (Secret, error)

	// CreateRandom returns a new Secret filled with size bytes from a
	// cryptographic RNG.
	CreateRandom(size int) (Secret, error)
}
