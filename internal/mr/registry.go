// Package mr is the adapter-wide memory region registry: every MR the
// engine allocates or learns about is indexed here, by handle and by
// backend address range, so datapath code can resolve a raw SGL segment
// back into live bytes without ever casting a pointer itself
// (spec.md §9: "Avoid the raw-pointer cast in the source").
package mr

import (
	"fmt"
	"sort"
	"sync"

	"shmrpc/errs"
	"shmrpc/internal/verbs"
)

// Registry indexes MemoryRegions by handle and by backend address range. It
// satisfies marshal.Resolver.
type Registry struct {
	mu       sync.RWMutex
	byHandle map[verbs.Handle]*verbs.MemoryRegion
	ranges   []rangeEntry // kept sorted by start for binary search
}

type rangeEntry struct {
	start, end uintptr
	mr         *verbs.MemoryRegion
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byHandle: make(map[verbs.Handle]*verbs.MemoryRegion)}
}

// Insert records mr under its handle and backend address range.
func (r *Registry) Insert(m *verbs.MemoryRegion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byHandle[m.Handle()] = m
	start := m.Addr()
	entry := rangeEntry{start: start, end: start + uintptr(m.Len()), mr: m}
	i := sort.Search(len(r.ranges), func(i int) bool { return r.ranges[i].start >= start })
	r.ranges = append(r.ranges, rangeEntry{})
	copy(r.ranges[i+1:], r.ranges[i:])
	r.ranges[i] = entry
}

// Remove drops mr's entries from the registry (spec.md §3: an MR is live as
// long as any posted work request references it; callers remove it only
// once nothing does).
func (r *Registry) Remove(handle verbs.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byHandle[handle]
	if !ok {
		return
	}
	delete(r.byHandle, handle)
	for i, e := range r.ranges {
		if e.mr == m {
			r.ranges = append(r.ranges[:i], r.ranges[i+1:]...)
			break
		}
	}
}

// Lookup returns the MR registered under handle.
func (r *Registry) Lookup(handle verbs.Handle) (*verbs.MemoryRegion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byHandle[handle]
	if !ok {
		return nil, errs.NotFound("mr", handle)
	}
	return m, nil
}

// Resolve is Translate's counterpart for the send path: it returns the
// owning MR and byte offset for a backend address range, so a caller that
// needs to post a work request (which takes an MR + offset, not a raw
// slice) can recover them from a marshalled SgList segment.
func (r *Registry) Resolve(ptr uintptr, length uint64) (*verbs.MemoryRegion, uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i := sort.Search(len(r.ranges), func(i int) bool { return r.ranges[i].end > ptr })
	if i >= len(r.ranges) {
		return nil, 0, fmt.Errorf("mr: address %#x not in any registered region", ptr)
	}
	e := r.ranges[i]
	if ptr < e.start || ptr+uintptr(length) > e.end {
		return nil, 0, fmt.Errorf("mr: range [%#x, %#x) not contained in region [%#x, %#x)", ptr, ptr+uintptr(length), e.start, e.end)
	}
	return e.mr, uint64(ptr - e.start), nil
}

// Translate resolves a backend address range into the live byte slice
// behind it, implementing marshal.Resolver. This is the one place a raw
// (ptr, len) pair is turned back into memory; everywhere else code carries
// the MR itself.
func (r *Registry) Translate(ptr uintptr, length uint64) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i := sort.Search(len(r.ranges), func(i int) bool { return r.ranges[i].end > ptr })
	if i >= len(r.ranges) {
		return nil, fmt.Errorf("mr: address %#x not in any registered region", ptr)
	}
	e := r.ranges[i]
	if ptr < e.start || ptr+uintptr(length) > e.end {
		return nil, fmt.Errorf("mr: range [%#x, %#x) not contained in region [%#x, %#x)", ptr, ptr+uintptr(length), e.start, e.end)
	}
	off := uint64(ptr - e.start)
	return e.mr.Bytes()[off : off+length], nil
}
