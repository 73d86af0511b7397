//go:build linux

package protected

import "golang.org/x/sys/unix"

// checkMemlockBudget reports whether allocating an additional size bytes of
// locked memory would exceed RLIMIT_MEMLOCK. It is a best-effort preflight
// check: mlock(2) is still the authority and is checked after allocation.
func checkMemlockBudget(size int, lockedSoFar uint64) error {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		// Can't determine the limit; defer to the OS call that follows.
		return nil
	}

	if rlimit.Cur == unix.RLIM_INFINITY {
		return nil
	}

	if lockedSoFar+uint64(size) > rlimit.Cur {
		return errMemlockBudget
	}

	return nil
}
