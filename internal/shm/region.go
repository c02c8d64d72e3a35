// Package shm backs every registered memory region and receive-buffer slab
// in this module with real anonymous shared memory: a memfd plus one or more
// independent mmap mappings of it, the same primitive spec.md §6 describes
// for the process boundary ("Backend receive MRs are sent to the client as
// (memfd, file_off, map_len) triples; the client mmaps these at addresses it
// controls").
//
// Grounded on ehrlich-b-go-ublk's internal/uring, which maps io_uring's
// shared submission/completion rings the same way: unix.Mmap over a kernel
// fd, MAP_SHARED, matching protection flags.
package shm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// PageSize is cached at init; every slab/MR alignment is validated against
// it (spec.md §3: "align must be a power of two and a multiple of page
// size").
var PageSize = unix.Getpagesize()

// Region is a single memfd-backed mapping. The adapter process and the
// (simulated) client process each get their own Region over the same fd, so
// the backend address and the app address are genuinely distinct virtual
// addresses, as they would be across a real process boundary.
type Region struct {
	fd   int
	data []byte
}

// Alloc creates a fresh memfd of the given size and mmaps it once, returning
// the backend-side Region. The fd stays open so a caller can hand it to
// MapFd for an independent "app-side" mapping, or ship it across a process
// boundary as *os.File via NewFile in a real deployment.
func Alloc(size int) (*Region, error) {
	fd, err := unix.MemfdCreate("shmrpc-mr", 0)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ftruncate: %w", err)
	}
	return MapFd(fd, 0, size)
}

// MapFd creates an independent mapping of an existing memfd. Calling this
// twice on the same fd (once for the backend, once to simulate the app's own
// mmap of the shipped fd) yields two Regions whose Data() slices alias the
// same physical pages but live at different virtual addresses — the
// app_vaddr / addr distinction in spec.md §3.
func MapFd(fd int, offset int64, size int) (*Region, error) {
	data, err := unix.Mmap(fd, offset, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &Region{fd: fd, data: data}, nil
}

// Fd returns the backing memfd, valid for as long as the Region (or any
// sibling mapping of the same fd) is alive.
func (r *Region) Fd() int { return r.fd }

// Data returns the mapped bytes. Its address (via SliceAddr) is the
// Region's own virtual address — distinct from any sibling mapping's.
func (r *Region) Data() []byte { return r.data }

// Len reports the mapping size in bytes.
func (r *Region) Len() int { return len(r.data) }

// Close unmaps this Region. It does not close the underlying fd, since
// sibling mappings (or the remote process) may still reference it.
func (r *Region) Close() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	return err
}

// CloseFd closes the backing memfd. Call this only once all mappings of it
// (local and remote) have been torn down.
func (r *Region) CloseFd() error {
	return unix.Close(r.fd)
}
