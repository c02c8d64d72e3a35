package verbs

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"shmrpc/internal/shm"
)

var nextHandle uint64

func newHandle() Handle {
	return Handle(atomic.AddUint64(&nextHandle, 1))
}

// PD is a protection domain: an RDMA namespace grouping MRs and cmids that
// may interoperate (spec.md GLOSSARY). One adapter engine uses a single
// default PD for AllocShm and one PD per connection for its pre-posted
// receive MRs, the way engine.rs's `prepare_recv_buffers` allocates from
// `pre_id`'s own PD.
type PD struct {
	handle Handle
}

// NewPD creates a fresh protection domain.
func NewPD() *PD {
	return &PD{handle: newHandle()}
}

func (p *PD) Handle() Handle { return p.handle }

// Allocate registers a new MR of nbytes from this PD with the given access
// flags (spec.md §4.1.1 AllocShm). The backing storage is real memfd+mmap
// shared memory (internal/shm).
func (p *PD) Allocate(nbytes uint64, access AccessFlags) (*MemoryRegion, error) {
	region, err := shm.Alloc(int(nbytes))
	if err != nil {
		return nil, fmt.Errorf("pd.allocate: %w", err)
	}
	return &MemoryRegion{
		handle: newHandle(),
		pd:     p,
		region: region,
		access: access,
		rkey:   uint32(newHandle()),
		lkey:   uint32(newHandle()),
	}, nil
}

// MemoryRegion is the MR of spec.md §3: attributes `handle`, `app_vaddr`,
// `addr`, `len`, `lkey`/`rkey`, file offset, owning PD. `app_vaddr` may be
// set at most once; `addr` and `len` are immutable after registration.
type MemoryRegion struct {
	handle     Handle
	pd         *PD
	region     *shm.Region
	access     AccessFlags
	lkey, rkey uint32
	fileOff    uint64

	appVaddrSet bool
	appVaddr    uint64
}

func (mr *MemoryRegion) Handle() Handle  { return mr.handle }
func (mr *MemoryRegion) PD() *PD         { return mr.pd }
func (mr *MemoryRegion) Rkey() uint32    { return mr.rkey }
func (mr *MemoryRegion) Lkey() uint32    { return mr.lkey }
func (mr *MemoryRegion) Len() uint64     { return uint64(mr.region.Len()) }
func (mr *MemoryRegion) FileOff() uint64 { return mr.fileOff }
func (mr *MemoryRegion) Fd() int         { return mr.region.Fd() }

// Addr returns the backend (adapter-process) virtual address of byte 0 of
// this MR, used as the key space for MR registry address-range lookups.
func (mr *MemoryRegion) Addr() uintptr {
	data := mr.region.Data()
	if len(data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&data[0]))
}

// Bytes returns the MR's backing slice in the adapter's own address space.
func (mr *MemoryRegion) Bytes() []byte { return mr.region.Data() }

// SetAppVaddr attaches the application-side virtual address for this MR
// (spec.md §4.1.1 NewMappedAddrs). One-shot: a second call is a programming
// error, since spec.md §3 states "app_vaddr may be set at most once".
func (mr *MemoryRegion) SetAppVaddr(v uint64) error {
	if mr.appVaddrSet {
		return fmt.Errorf("mr %s: app_vaddr already set", mr.handle)
	}
	mr.appVaddr = v
	mr.appVaddrSet = true
	return nil
}

func (mr *MemoryRegion) AppVaddr() (uint64, bool) { return mr.appVaddr, mr.appVaddrSet }

// Close releases the backing mapping. The fd itself is left open until the
// owning table also drops its reference (recv MRs may still be referenced
// by in-flight work requests; see spec.md §3 "an MR is live as long as any
// posted work-request references it").
func (mr *MemoryRegion) Close() error {
	return mr.region.Close()
}

// Descriptor is the wire-shape MR descriptor of spec.md §6:
// {handle, rkey, vaddr, map_len, file_off, pd}.
type Descriptor struct {
	Handle  Handle
	Rkey    uint32
	Vaddr   uint64
	MapLen  uint64
	FileOff uint64
	Pd      Handle
}

func (mr *MemoryRegion) Descriptor() Descriptor {
	return Descriptor{
		Handle:  mr.handle,
		Rkey:    mr.rkey,
		Vaddr:   uint64(mr.Addr()),
		MapLen:  mr.Len(),
		FileOff: mr.fileOff,
		Pd:      mr.pd.handle,
	}
}
