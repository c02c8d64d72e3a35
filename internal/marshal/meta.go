package marshal

import "encoding/binary"

// MsgType distinguishes request and response messages (spec.md §3:
// "msg_type ∈ {Request, Response}").
type MsgType uint8

const (
	MsgTypeRequest MsgType = iota
	MsgTypeResponse
)

func (t MsgType) String() string {
	if t == MsgTypeResponse {
		return "Response"
	}
	return "Request"
}

// FuncID identifies the registered RPC method a message carries.
type FuncID uint32

// CallID identifies one RPC invocation on a connection; spec.md §3 requires
// FIFO matching of the call_id sequence on outstanding_req against the
// call_id sequence of arriving responses.
type CallID uint64

// MetaSize is the wire size of MessageMeta: ConnID(8) + CallID(8) +
// FuncID(4) + MsgType(1).
const MetaSize = 8 + 8 + 4 + 1

// MessageMeta is the fixed-layout header every RPC message carries as
// segment 0 (spec.md §3, §4.3).
type MessageMeta struct {
	ConnID  uint64
	CallID  CallID
	FuncID  FuncID
	MsgType MsgType
}

// EncodeMeta writes m into buf, which must be at least MetaSize bytes.
func EncodeMeta(buf []byte, m MessageMeta) {
	binary.BigEndian.PutUint64(buf[0:8], m.ConnID)
	binary.BigEndian.PutUint64(buf[8:16], uint64(m.CallID))
	binary.BigEndian.PutUint32(buf[16:20], uint32(m.FuncID))
	buf[20] = byte(m.MsgType)
}

// DecodeMeta reads a MessageMeta out of buf (spec.md §4.3: "Unmarshal
// reconstructs the typed message polymorphically on (msg_type, func_id)").
func DecodeMeta(buf []byte) MessageMeta {
	return MessageMeta{
		ConnID:  binary.BigEndian.Uint64(buf[0:8]),
		CallID:  CallID(binary.BigEndian.Uint64(buf[8:16])),
		FuncID:  FuncID(binary.BigEndian.Uint32(buf[16:20])),
		MsgType: MsgType(buf[20]),
	}
}
