// Package datapath defines the control-plane command/completion types and
// the datapath message union the adapter engine exchanges with its client
// session (spec.md §6 External Interfaces, supplemented per SPEC_FULL.md §12
// from original_source/src/phoenix/src/engine/datapath/message.rs).
package datapath

import (
	"shmrpc/internal/marshal"
	"shmrpc/internal/verbs"
)

// CommandKind tags which control-plane request a Command carries.
type CommandKind int

const (
	CmdAllocShm CommandKind = iota
	CmdConnect
	CmdBind
	CmdNewMappedAddrs
	CmdSetTransport // rejected: process_cmd panics on it (spec.md §13 Open Question 3)
)

func (k CommandKind) String() string {
	switch k {
	case CmdAllocShm:
		return "AllocShm"
	case CmdConnect:
		return "Connect"
	case CmdBind:
		return "Bind"
	case CmdNewMappedAddrs:
		return "NewMappedAddrs"
	case CmdSetTransport:
		return "SetTransport"
	default:
		return "Unknown"
	}
}

// Command is one control-plane request queued to the engine's input command
// queue (spec.md §4.1.1).
type Command struct {
	Kind CommandKind

	// AllocShm
	AllocNbytes uint64
	AllocAccess verbs.AccessFlags

	// Connect
	ConnectAddr string

	// Bind
	BindAddr string

	// NewMappedAddrs: app-side vaddrs for each (handle, vaddr) pair the
	// client reports after mmap'ing its copy of an MR.
	MappedAddrs map[verbs.Handle]uint64
}

// CompletionKind tags which Command a Completion answers.
type CompletionKind int

const (
	CompletedAllocShm CompletionKind = iota
	CompletedConnect
	CompletedBind
	CompletedNewMappedAddrs
	CompletedNewConnectionInternal // server-side: an incoming connection was accepted
	CompletedError
)

// Completion is the engine's answer to a Command, delivered back on the
// session's command-completion channel.
type Completion struct {
	Kind CompletionKind

	Descriptor verbs.Descriptor // AllocShm
	ConnID     uint64           // Connect, Bind-accepted, NewConnectionInternal
	ListenAddr string           // Bind

	Err error
}

// DatapathMsgKind tags a DatapathMsg's payload.
type DatapathMsgKind int

const (
	MsgRpcMessage DatapathMsgKind = iota
	MsgAck
	MsgRecvError
	MsgReclaimRecvBuf
)

// RECV_RECLAIM_BATCH_SIZE mirrors message.rs's RECV_RECLAIM_BS batching
// size for the call_ids carried in one ReclaimRecvBuf message.
const RECV_RECLAIM_BATCH_SIZE = 32

// DatapathMsg is the tagged union of messages flowing on the fast path
// between the engine and a client session (SPEC_FULL.md §12, grounded on
// message.rs's EngineTxMessage/EngineRxMessage enums).
type DatapathMsg struct {
	Kind DatapathMsgKind

	ConnID uint64

	// MsgRpcMessage
	Message marshal.RpcMessage

	// MsgAck
	AckCallID marshal.CallID
	AckStatus error

	// MsgRecvError
	ErrHandle uint64
	ErrStatus error

	// MsgReclaimRecvBuf: REDESIGN item 1 — the batch of call_ids whose
	// recv buffers the session has finished reading and the engine may
	// now safely repost, replacing the original's immediate repost on
	// delivery.
	ReclaimCallIDs []marshal.CallID
}
