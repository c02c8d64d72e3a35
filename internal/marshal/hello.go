package marshal

import (
	"fmt"

	"shmrpc/internal/verbs"
)

// HelloFuncID is the func_id of the sample greeter method registered below,
// modeled on original_source's rpc_echo example (HelloRequest/HelloReply
// exchanged through a GreeterClient).
const HelloFuncID FuncID = 0

// HelloRequest is the outbound, SHM-resident form of a hello call: its
// fields already live in registered MRs allocated from the caller's PD, so
// Marshal only has to fill in the header segment.
type HelloRequest struct {
	meta    MessageMeta
	metaSeg segment
	nameSeg segment
}

// NewHelloRequest allocates the request's meta and name segments from pd and
// copies name into the name segment.
func NewHelloRequest(pd *verbs.PD, callID CallID, name string) (*HelloRequest, error) {
	metaMR, err := pd.Allocate(uint64(MetaSize), verbs.AccessLocalWrite|verbs.AccessRemoteRead)
	if err != nil {
		return nil, fmt.Errorf("marshal: allocate hello request meta: %w", err)
	}
	nameMR, err := pd.Allocate(uint64(len(name)), verbs.AccessLocalWrite|verbs.AccessRemoteRead)
	if err != nil {
		return nil, fmt.Errorf("marshal: allocate hello request name: %w", err)
	}
	copy(nameMR.Bytes(), name)
	return &HelloRequest{
		meta:    MessageMeta{CallID: callID, FuncID: HelloFuncID, MsgType: MsgTypeRequest},
		metaSeg: segment{mr: metaMR, off: 0, len: uint64(MetaSize)},
		nameSeg: segment{mr: nameMR, off: 0, len: uint64(len(name))},
	}, nil
}

func (m *HelloRequest) Meta() MessageMeta      { return m.meta }
func (m *HelloRequest) SetConnID(connID uint64) { m.meta.ConnID = connID }
func (m *HelloRequest) IsRequest() bool         { return true }

func (m *HelloRequest) Marshal() SgList {
	EncodeMeta(m.metaSeg.bytes(), m.meta)
	return SgList{m.metaSeg.shmSeg(), m.nameSeg.shmSeg()}
}

// HelloRequestView is the receive-side reconstruction of a HelloRequest: its
// payload has already been copied out of SHM by Registry.Unmarshal, so it
// carries plain Go values rather than segments.
type HelloRequestView struct {
	meta MessageMeta
	Name string
}

func (v *HelloRequestView) Meta() MessageMeta       { return v.meta }
func (v *HelloRequestView) SetConnID(connID uint64) { v.meta.ConnID = connID }
func (v *HelloRequestView) IsRequest() bool         { return true }
func (v *HelloRequestView) Marshal() SgList         { return nil }

func unmarshalHelloRequest(meta MessageMeta, payload [][]byte) (RpcMessage, error) {
	if len(payload) != 1 {
		return nil, fmt.Errorf("marshal: hello request wants 1 payload segment, got %d", len(payload))
	}
	return &HelloRequestView{meta: meta, Name: string(payload[0])}, nil
}

// HelloReply is the outbound, SHM-resident form of a hello response.
type HelloReply struct {
	meta       MessageMeta
	metaSeg    segment
	messageSeg segment
}

// NewHelloReply allocates the reply's segments from pd and copies message in.
func NewHelloReply(pd *verbs.PD, callID CallID, message string) (*HelloReply, error) {
	metaMR, err := pd.Allocate(uint64(MetaSize), verbs.AccessLocalWrite|verbs.AccessRemoteRead)
	if err != nil {
		return nil, fmt.Errorf("marshal: allocate hello reply meta: %w", err)
	}
	msgMR, err := pd.Allocate(uint64(len(message)), verbs.AccessLocalWrite|verbs.AccessRemoteRead)
	if err != nil {
		return nil, fmt.Errorf("marshal: allocate hello reply message: %w", err)
	}
	copy(msgMR.Bytes(), message)
	return &HelloReply{
		meta:       MessageMeta{CallID: callID, FuncID: HelloFuncID, MsgType: MsgTypeResponse},
		metaSeg:    segment{mr: metaMR, off: 0, len: uint64(MetaSize)},
		messageSeg: segment{mr: msgMR, off: 0, len: uint64(len(message))},
	}, nil
}

func (m *HelloReply) Meta() MessageMeta       { return m.meta }
func (m *HelloReply) SetConnID(connID uint64) { m.meta.ConnID = connID }
func (m *HelloReply) IsRequest() bool         { return false }

func (m *HelloReply) Marshal() SgList {
	EncodeMeta(m.metaSeg.bytes(), m.meta)
	return SgList{m.metaSeg.shmSeg(), m.messageSeg.shmSeg()}
}

// HelloReplyView is the receive-side reconstruction of a HelloReply.
type HelloReplyView struct {
	meta    MessageMeta
	Message string
}

func (v *HelloReplyView) Meta() MessageMeta       { return v.meta }
func (v *HelloReplyView) SetConnID(connID uint64) { v.meta.ConnID = connID }
func (v *HelloReplyView) IsRequest() bool         { return false }
func (v *HelloReplyView) Marshal() SgList         { return nil }

func unmarshalHelloReply(meta MessageMeta, payload [][]byte) (RpcMessage, error) {
	if len(payload) != 1 {
		return nil, fmt.Errorf("marshal: hello reply wants 1 payload segment, got %d", len(payload))
	}
	return &HelloReplyView{meta: meta, Message: string(payload[0])}, nil
}

// RegisterHelloMethods registers the sample greeter method's request and
// response unmarshal functions, standing in for the RegisterMethods call a
// generated service stub would make at startup.
func RegisterHelloMethods(r *Registry) {
	r.Register(MsgTypeRequest, HelloFuncID, unmarshalHelloRequest)
	r.Register(MsgTypeResponse, HelloFuncID, unmarshalHelloReply)
}
