// Package pool implements the pre-registered receive-buffer pool of
// spec.md §4.2, grounded on original_source/src/koala/src/rpc_adapter/pool.rs:
// fixed-size slabs of registered MRs, a bitmap free-list per slab, and a
// handle encoding that lets a receiver locate the owning slab in O(1).
package pool

import (
	"fmt"
	"sync"

	"shmrpc/errs"
	"shmrpc/internal/verbs"
)

// DefaultBuffersPerSlab and DefaultBufferSize mirror pool.rs's
// BufferSlab::new(128, 8 * 1024 * 1024, ...) call in prepare_recv_buffers.
const (
	DefaultBuffersPerSlab = 128
	DefaultBufferSize     = 8 * 1024 * 1024
	DefaultBufferAlign    = 4096
)

// RecvBuffer is one leased buffer: an offset/length range inside a slab's
// MR, identified by a Handle stable across the lifetime of the lease.
type RecvBuffer struct {
	Handle Handle
	MR     *verbs.MemoryRegion
	Off    uint64
	Len    uint64
}

// Bytes returns the buffer's backing slice.
func (b RecvBuffer) Bytes() []byte {
	return b.MR.Bytes()[b.Off : b.Off+b.Len]
}

// Handle encodes (slab index, buffer index) into one value, the same
// high*(1<<16)+low scheme as pool.rs's BufferPool handle so wr_id can carry
// it directly (spec.md §3: "handle = slab_id<<16 | buffer_index").
type Handle uint64

func newHandle(slabIdx, bufIdx int) Handle {
	return Handle(uint64(slabIdx)<<16 | uint64(bufIdx))
}

func (h Handle) split() (slabIdx, bufIdx int) {
	return int(h >> 16), int(h & 0xffff)
}

func (h Handle) String() string { return fmt.Sprintf("0x%x", uint64(h)) }

// bitset is a fixed-size bitmap free-list. No bitset/bitvec library appears
// directly imported by any example repo's own source (only in go.mod-only
// manifests under other_examples/), so this hand-rolled version stands in
// for pool.rs's bitvec! macro.
type bitset struct {
	bits []uint64
	n    int
}

func newBitset(n int) *bitset {
	return &bitset{bits: make([]uint64, (n+63)/64), n: n}
}

func (b *bitset) get(i int) bool {
	return b.bits[i/64]&(1<<uint(i%64)) != 0
}

func (b *bitset) set(i int, v bool) {
	if v {
		b.bits[i/64] |= 1 << uint(i%64)
	} else {
		b.bits[i/64] &^= 1 << uint(i%64)
	}
}

// firstClear returns the index of the first unset bit, or -1 if all are set.
func (b *bitset) firstClear() int {
	for i := 0; i < b.n; i++ {
		if !b.get(i) {
			return i
		}
	}
	return -1
}

// Slab is a fixed-size, fixed-count allocation from one MR, split into
// numBuffers equal buffers of bufferSize each (pool.rs's BufferSlab).
type Slab struct {
	idx        int
	mr         *verbs.MemoryRegion
	bufferSize uint64
	numBuffers int
	used       *bitset
}

func newSlab(idx int, pd *verbs.PD, numBuffers int, bufferSize, align uint64) (*Slab, error) {
	if align&(align-1) != 0 {
		return nil, fmt.Errorf("pool: alignment %d is not a power of two", align)
	}
	if align%4096 != 0 {
		return nil, fmt.Errorf("pool: alignment %d is not a multiple of the page size", align)
	}
	if bufferSize < align {
		bufferSize = align
	}
	mr, err := pd.Allocate(bufferSize*uint64(numBuffers), verbs.AccessLocalWrite|verbs.AccessRemoteWrite)
	if err != nil {
		return nil, fmt.Errorf("pool: allocate slab %d: %w", idx, err)
	}
	return &Slab{
		idx:        idx,
		mr:         mr,
		bufferSize: bufferSize,
		numBuffers: numBuffers,
		used:       newBitset(numBuffers),
	}, nil
}

func (s *Slab) obtain() (RecvBuffer, bool) {
	i := s.used.firstClear()
	if i < 0 {
		return RecvBuffer{}, false
	}
	s.used.set(i, true)
	return RecvBuffer{
		Handle: newHandle(s.idx, i),
		MR:     s.mr,
		Off:    uint64(i) * s.bufferSize,
		Len:    s.bufferSize,
	}, true
}

func (s *Slab) release(bufIdx int) {
	s.used.set(bufIdx, false)
}

// Pool is a growable collection of slabs (pool.rs's BufferPool), protected
// by a plain mutex — no spin-lock equivalent appears in the example pack,
// so sync.Mutex is the idiomatic Go substitute for spin::Mutex here.
type Pool struct {
	pd         *verbs.PD
	numBuffers int
	bufferSize uint64
	align      uint64

	mu    sync.Mutex
	slabs []*Slab
}

// NewPool creates an empty pool that allocates slabs of numBuffers buffers
// of bufferSize bytes, aligned to align, from pd as needed.
func NewPool(pd *verbs.PD, numBuffers int, bufferSize, align uint64) *Pool {
	return &Pool{pd: pd, numBuffers: numBuffers, bufferSize: bufferSize, align: align}
}

// NewDefaultPool creates a pool using the 128-buffer/8MiB/4096-align sizing
// prepare_recv_buffers uses for every connection's receive queue.
func NewDefaultPool(pd *verbs.PD) *Pool {
	return NewPool(pd, DefaultBuffersPerSlab, DefaultBufferSize, DefaultBufferAlign)
}

// Obtain leases one free buffer, replenishing (allocating a new slab) if
// every existing slab is full (pool.rs's BufferPool::obtain).
func (p *Pool) Obtain() (RecvBuffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slabs {
		if rb, ok := s.obtain(); ok {
			return rb, nil
		}
	}
	s, err := newSlab(len(p.slabs), p.pd, p.numBuffers, p.bufferSize, p.align)
	if err != nil {
		return RecvBuffer{}, err
	}
	p.slabs = append(p.slabs, s)
	rb, ok := s.obtain()
	if !ok {
		return RecvBuffer{}, fmt.Errorf("pool: freshly allocated slab %d has no free buffer", s.idx)
	}
	return rb, nil
}

// Release returns a leased buffer to its slab's free list.
func (p *Pool) Release(h Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	slabIdx, bufIdx := h.split()
	if slabIdx < 0 || slabIdx >= len(p.slabs) {
		return errs.NotFound("pool", h)
	}
	p.slabs[slabIdx].release(bufIdx)
	return nil
}

// Find looks up the RecvBuffer a handle refers to, the lookup
// unmarshal_and_deliver_up performs to turn a completion's wr_id back into a
// buffer (pool.rs's BufferPool::find).
func (p *Pool) Find(h Handle) (RecvBuffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	slabIdx, bufIdx := h.split()
	if slabIdx < 0 || slabIdx >= len(p.slabs) {
		return RecvBuffer{}, errs.NotFound("pool", h)
	}
	s := p.slabs[slabIdx]
	if bufIdx < 0 || bufIdx >= s.numBuffers {
		return RecvBuffer{}, errs.NotFound("pool", h)
	}
	return RecvBuffer{
		Handle: h,
		MR:     s.mr,
		Off:    uint64(bufIdx) * s.bufferSize,
		Len:    s.bufferSize,
	}, nil
}

// NumSlabs reports how many slabs have been allocated so far.
func (p *Pool) NumSlabs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slabs)
}
