// Package verbs is a software model of the RDMA verbs surface the adapter
// drives: protection domains, memory regions, completion queues, and
// connection identifiers (cmids) with their post_send/post_recv/poll calls.
//
// There is no ibverbs binding in the retrieval pack (see DESIGN.md for why
// that substitution was made), so this package plays the part of the NIC in
// software: two CmIds paired by Connect/Accept hand data to each other
// in-process, backed by real memfd+mmap shared memory (internal/shm) so the
// rest of the adapter — marshalling into registered MRs, scatter-gather
// posting, completion polling — runs unmodified against it.
package verbs

import "fmt"

// Handle is the module-wide opaque resource identifier (spec.md GLOSSARY):
// used for MRs, cmids, listeners, and work requests.
type Handle uint64

func (h Handle) String() string { return fmt.Sprintf("0x%x", uint64(h)) }

// AccessFlags mirrors ibv_access_flags; only the bits spec.md §4.1.1 uses.
type AccessFlags uint32

const (
	AccessLocalWrite AccessFlags = 1 << iota
	AccessRemoteWrite
	AccessRemoteRead
)

// SendFlags mirrors ibv_send_flags.
type SendFlags uint32

const (
	SendSignaled SendFlags = 1 << iota
)

// WcOpcode mirrors ibv_wc_opcode, restricted to what the adapter handles
// (spec.md §4.1 item 2: "Any other opcode: fatal").
type WcOpcode int

const (
	WcOpcodeSend WcOpcode = iota
	WcOpcodeRecv
	WcOpcodeInvalid
)

func (o WcOpcode) String() string {
	switch o {
	case WcOpcodeSend:
		return "Send"
	case WcOpcodeRecv:
		return "Recv"
	default:
		return "Invalid"
	}
}

// WcFlags mirrors ibv_wc_flags; WithImm marks the message-boundary signal
// spec.md §6 describes ("Receivers detect message boundaries solely by the
// WITH_IMM flag on the recv completion").
type WcFlags uint32

const (
	WcFlagsWithImm WcFlags = 1 << iota
)

func (f WcFlags) Has(bit WcFlags) bool { return f&bit != 0 }

// WcStatus is Success or a carried error; spec.md §4.1 item 2 treats any
// non-success status uniformly ("log; do not repost; do not panic").
type WcStatus struct {
	Err error // nil means success
}

func (s WcStatus) Success() bool { return s.Err == nil }

// WorkCompletion mirrors ibv_wc.
type WorkCompletion struct {
	WrID    uint64
	Opcode  WcOpcode
	Status  WcStatus
	Flags   WcFlags
	ByteLen uint32
	ImmData uint32
}
