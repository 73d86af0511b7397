package securesecret

// Error is a plain string-based error used throughout this package so that
// callers can compare against the exported sentinels with errors.Is without
// pulling in a stack-trace-carrying dependency for conditions that are
// expected and routinely handled (a closed secret, a memlock limit hit).
type Error string

func (e Error) Error() string { return string(e) }

const (
	// ErrClosed is returned by any scoped-access operation on a Secret after
	// Close has completed.
	ErrClosed Error = "secret has already been closed"

	// ErrResourceLimit is returned when allocating a new Secret would exceed
	// the process's RLIMIT_MEMLOCK budget.
	ErrResourceLimit Error = "allocating secret would exceed memlock limit"

	// ErrAlloc is returned when the underlying page allocation fails for a
	// reason other than the memlock limit. The protected backend's
	// CreateRandom also returns it when filling the new Secret from
	// crypto/rand fails.
	ErrAlloc Error = "failed to allocate secret memory"

	// ErrPlatform is returned when a lock or protect OS call fails
	// after allocation succeeded; the partial allocation is rolled back
	// before this is returned.
	ErrPlatform Error = "secret memory platform call failed"
)
