//go:build !linux

package protected

// checkMemlockBudget is a no-op on platforms where we don't know how to read
// RLIMIT_MEMLOCK ahead of time; the subsequent mlock(2)-equivalent call is
// still the authoritative check, and its failure is reported as ErrPlatform
// via the normal allocation error path.
func checkMemlockBudget(size int, lockedSoFar uint64) error {
	return nil
}
