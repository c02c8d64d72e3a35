package marshal

import (
	"testing"
	"unsafe"

	"shmrpc/internal/verbs"
)

func TestMetaEncodeDecodeRoundTrip(t *testing.T) {
	want := MessageMeta{ConnID: 7, CallID: 42, FuncID: 3, MsgType: MsgTypeResponse}
	buf := make([]byte, MetaSize)
	EncodeMeta(buf, want)
	got := DecodeMeta(buf)
	if got != want {
		t.Errorf("round trip: got %+v, want %+v", got, want)
	}
}

// rawResolver resolves a segment's backend address directly, the same
// unsafe.Pointer cast verbs.MemoryRegion.Addr uses internally. Tests use it
// in place of internal/mr.Registry so they don't need to separately track
// every MR a message constructor allocates.
type rawResolver struct{}

func (rawResolver) Translate(ptr uintptr, length uint64) ([]byte, error) {
	return unsafe.Slice((*byte)(unsafe.Pointer(ptr)), length), nil
}

func TestHelloRequestRoundTrip(t *testing.T) {
	pd := verbs.NewPD()
	registry := NewRegistry()
	RegisterHelloMethods(registry)

	req, err := NewHelloRequest(pd, 1, "alice")
	if err != nil {
		t.Fatalf("NewHelloRequest: %v", err)
	}
	req.SetConnID(9)
	sgl := req.Marshal()

	got, err := registry.Unmarshal(sgl, rawResolver{})
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	view, ok := got.(*HelloRequestView)
	if !ok {
		t.Fatalf("Unmarshal returned %T, want *HelloRequestView", got)
	}
	if view.Name != "alice" {
		t.Errorf("Name: got %q, want %q", view.Name, "alice")
	}
	if view.Meta().CallID != 1 || view.Meta().ConnID != 9 {
		t.Errorf("Meta: got %+v, want CallID=1 ConnID=9", view.Meta())
	}
}

func TestHelloReplyRoundTrip(t *testing.T) {
	pd := verbs.NewPD()
	registry := NewRegistry()
	RegisterHelloMethods(registry)

	reply, err := NewHelloReply(pd, 1, "hello back")
	if err != nil {
		t.Fatalf("NewHelloReply: %v", err)
	}
	sgl := reply.Marshal()

	got, err := registry.Unmarshal(sgl, rawResolver{})
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	view, ok := got.(*HelloReplyView)
	if !ok {
		t.Fatalf("Unmarshal returned %T, want *HelloReplyView", got)
	}
	if view.Message != "hello back" {
		t.Errorf("Message: got %q, want %q", view.Message, "hello back")
	}
	if view.Meta().MsgType != MsgTypeResponse {
		t.Errorf("MsgType: got %v, want %v", view.Meta().MsgType, MsgTypeResponse)
	}
}

func TestUnmarshalUnknownFuncIDPanics(t *testing.T) {
	pd := verbs.NewPD()
	registry := NewRegistry() // deliberately empty: no methods registered

	reply, err := NewHelloReply(pd, 1, "hi")
	if err != nil {
		t.Fatalf("NewHelloReply: %v", err)
	}
	sgl := reply.Marshal()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected a panic unmarshaling an unregistered func_id, got none")
		}
	}()
	registry.Unmarshal(sgl, rawResolver{})
}

func TestUnmarshalEmptySglFails(t *testing.T) {
	registry := NewRegistry()
	if _, err := registry.Unmarshal(nil, rawResolver{}); err == nil {
		t.Fatal("expected error unmarshaling an empty sgl, got nil")
	}
}
