// Package memcall wraps the raw mmap/mlock/mprotect primitives used by the
// protected secret backend behind a small interface, so tests can substitute
// a fake allocator without touching real pages.
package memcall

import "github.com/awnumar/memcall"

// MemoryProtectionFlag re-exports the underlying protection flag type.
type MemoryProtectionFlag = memcall.MemoryProtectionFlag

// NoAccess, ReadOnly and ReadWrite are the three protection states a
// protected secret's pages transition through.
func NoAccess() MemoryProtectionFlag  { return memcall.NoAccess() }
func ReadOnly() MemoryProtectionFlag  { return memcall.ReadOnly() }
func ReadWrite() MemoryProtectionFlag { return memcall.ReadWrite() }

// Interface provides the allocation/protection operations a secret backend
// needs, wrapping the package-level memcall functions so they can be faked.
type Interface interface {
	Alloc(size int) ([]byte, error)
	Protect(b []byte, mpf MemoryProtectionFlag) error
	Lock(b []byte) error
	Unlock(b []byte) error
	Free(b []byte) error
}

// Default is the real implementation backed by mmap/mlock/mprotect syscalls.
var Default Interface = wrapper{}

type wrapper struct{}

func (wrapper) Alloc(size int) ([]byte, error) { return memcall.Alloc(size) }

func (wrapper) Protect(b []byte, mpf MemoryProtectionFlag) error { return memcall.Protect(b, mpf) }

func (wrapper) Lock(b []byte) error { return memcall.Lock(b) }

func (wrapper) Unlock(b []byte) error { return memcall.Unlock(b) }

func (wrapper) Free(b []byte) error { return memcall.Free(b) }

// Clean is a best-effort rollback helper used when allocation fails partway
// through: it unlocks then frees b, returning the first error encountered.
func Clean(mc Interface, b []byte) error {
	if err := mc.Unlock(b); err != nil {
		return err
	}

	return mc.Free(b)
}
