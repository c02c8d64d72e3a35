package marshal

import (
	"fmt"
	"sync"

	"shmrpc/internal/verbs"
)

// RpcMessage is any message that can be enumerated into an SGL for posting
// and reconstructed from one on receipt (spec.md §4.3). Concrete
// implementations, like HelloRequest/HelloReply below, already live in
// registered SHM by the time Marshal is called — marshal does not copy
// payload bytes, only the header (spec.md External Interfaces: "the message
// already resides in registered SHM").
type RpcMessage interface {
	Meta() MessageMeta
	SetConnID(connID uint64)
	IsRequest() bool
	// Marshal writes the current header into the message's own meta
	// segment and returns the full SGL (header + payload).
	Marshal() SgList
}

// segment is a (memory region, byte range) pair backing one SGL entry.
type segment struct {
	mr  *verbs.MemoryRegion
	off uint64
	len uint64
}

func (s segment) shmSeg() ShmSeg {
	return ShmSeg{Ptr: s.mr.Addr() + uintptr(s.off), Len: s.len}
}

func (s segment) bytes() []byte {
	return s.mr.Bytes()[s.off : s.off+s.len]
}

// UnmarshalFunc reconstructs a typed RpcMessage from its already-resolved
// payload segments (header excluded — the caller has already decoded meta).
type UnmarshalFunc func(meta MessageMeta, payload [][]byte) (RpcMessage, error)

type key struct {
	t MsgType
	f FuncID
}

// Registry maps (msg_type, func_id) to an unmarshal function, replacing the
// hardcoded per-func_id match spec.md §9 flags ("Replace per-func_id match
// on a message template with a registry ... built at service registration
// time, so adding an RPC method does not require editing the adapter").
type Registry struct {
	mu      sync.RWMutex
	entries map[key]UnmarshalFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[key]UnmarshalFunc)}
}

// Register adds (or replaces) the unmarshal function for (t, f).
func (r *Registry) Register(t MsgType, f FuncID, fn UnmarshalFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key{t, f}] = fn
}

// Lookup returns the unmarshal function for (t, f), or ok=false if none was
// registered.
func (r *Registry) Lookup(t MsgType, f FuncID) (UnmarshalFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.entries[key{t, f}]
	return fn, ok
}

// Unmarshal decodes the header from sgl's first segment via resolver, looks
// up the matching UnmarshalFunc, and reconstructs the message. An unknown
// (msg_type, func_id) is a protocol break (spec.md §7: "fatal (panic)
// because it indicates a protocol break").
func (r *Registry) Unmarshal(sgl SgList, resolver Resolver) (RpcMessage, error) {
	if len(sgl) == 0 {
		return nil, fmt.Errorf("marshal: empty sgl")
	}
	segs, err := sgl.Bytes(resolver)
	if err != nil {
		return nil, err
	}
	if len(segs[0]) < MetaSize {
		return nil, fmt.Errorf("marshal: header segment too short: %d bytes", len(segs[0]))
	}
	meta := DecodeMeta(segs[0])
	fn, ok := r.Lookup(meta.MsgType, meta.FuncID)
	if !ok {
		panic(fmt.Sprintf("marshal: unknown func_id %d for msg_type %s, meta: %+v", meta.FuncID, meta.MsgType, meta))
	}
	return fn(meta, segs[1:])
}
