package adapter

import (
	"context"
	"testing"
	"time"

	"shmrpc/internal/conn"
	"shmrpc/internal/datapath"
	"shmrpc/internal/marshal"
	"shmrpc/internal/verbs"
)

func newTestEngine(fabric *Fabric, msgReg *marshal.Registry) *Engine {
	return NewEngine(Config{Fabric: fabric, MsgRegistry: msgReg})
}

func awaitCompletion(t *testing.T, ch <-chan datapath.Completion, want datapath.CompletionKind) datapath.Completion {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case c := <-ch:
			if c.Kind == want {
				return c
			}
			if c.Kind == datapath.CompletedError {
				t.Fatalf("completion error: %v", c.Err)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for completion kind %v", want)
		}
	}
}

// testMessage is a minimal marshal.RpcMessage backed by MRs allocated
// directly from an engine's own PD, standing in for a generated request
// type the way marshal.HelloRequest does, but with its MRs left reachable
// so the test can register them in the sending engine's MR registry (a real
// client session would do this as part of allocating the message's SHM in
// the first place).
type testMessage struct {
	meta   marshal.MessageMeta
	metaMR *verbs.MemoryRegion
	bodyMR *verbs.MemoryRegion
}

func (m *testMessage) Meta() marshal.MessageMeta { return m.meta }
func (m *testMessage) SetConnID(connID uint64)   { m.meta.ConnID = connID }
func (m *testMessage) IsRequest() bool           { return m.meta.MsgType == marshal.MsgTypeRequest }
func (m *testMessage) Marshal() marshal.SgList {
	marshal.EncodeMeta(m.metaMR.Bytes(), m.meta)
	return marshal.SgList{
		{Ptr: m.metaMR.Addr(), Len: uint64(marshal.MetaSize)},
		{Ptr: m.bodyMR.Addr(), Len: m.bodyMR.Len()},
	}
}

func newTestRequest(t *testing.T, e *Engine, callID marshal.CallID, body string) *testMessage {
	t.Helper()
	metaMR, err := e.pd.Allocate(uint64(marshal.MetaSize), verbs.AccessLocalWrite|verbs.AccessRemoteRead)
	if err != nil {
		t.Fatalf("allocate meta mr: %v", err)
	}
	bodyMR, err := e.pd.Allocate(uint64(len(body)), verbs.AccessLocalWrite|verbs.AccessRemoteRead)
	if err != nil {
		t.Fatalf("allocate body mr: %v", err)
	}
	copy(bodyMR.Bytes(), body)
	e.mrReg.Insert(metaMR)
	e.mrReg.Insert(bodyMR)
	return &testMessage{
		meta:   marshal.MessageMeta{CallID: callID, FuncID: marshal.HelloFuncID, MsgType: marshal.MsgTypeRequest},
		metaMR: metaMR,
		bodyMR: bodyMR,
	}
}

// TestEngineConnectAndDeliver drives a full Bind/Connect handshake between
// two engines sharing one simulated fabric, then sends one request and
// asserts the server engine delivers it with the right payload and the
// server-side connection ID (spec.md §4.1's control plane ordering, §8 S1/S2).
func TestEngineConnectAndDeliver(t *testing.T) {
	fabric := verbs.NewFabric()
	msgReg := marshal.NewRegistry()
	marshal.RegisterHelloMethods(msgReg)

	server := newTestEngine(fabric, msgReg)
	client := newTestEngine(fabric, msgReg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Run(ctx)
	go client.Run(ctx)

	if err := server.SubmitCommand(ctx, datapath.Command{Kind: datapath.CmdBind, BindAddr: "engine-test-addr"}); err != nil {
		t.Fatalf("SubmitCommand Bind: %v", err)
	}
	awaitCompletion(t, server.Completions(), datapath.CompletedBind)

	if err := client.SubmitCommand(ctx, datapath.Command{Kind: datapath.CmdConnect, ConnectAddr: "engine-test-addr"}); err != nil {
		t.Fatalf("SubmitCommand Connect: %v", err)
	}
	clientConn := awaitCompletion(t, client.Completions(), datapath.CompletedConnect)
	serverConn := awaitCompletion(t, server.Completions(), datapath.CompletedNewConnectionInternal)

	req := newTestRequest(t, client, 1, "alice")
	if err := client.Send(ctx, datapath.DatapathMsg{Kind: datapath.MsgRpcMessage, ConnID: clientConn.ConnID, Message: req}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case delivered := <-server.Received():
		if delivered.Kind != datapath.MsgRpcMessage {
			t.Fatalf("delivered kind: got %v, want MsgRpcMessage", delivered.Kind)
		}
		view, ok := delivered.Message.(*marshal.HelloRequestView)
		if !ok {
			t.Fatalf("delivered message type: got %T, want *marshal.HelloRequestView", delivered.Message)
		}
		if view.Name != "alice" {
			t.Errorf("Name: got %q, want %q", view.Name, "alice")
		}
		if delivered.ConnID != serverConn.ConnID {
			t.Errorf("ConnID: got %d, want %d", delivered.ConnID, serverConn.ConnID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the server to deliver the request")
	}
}

// TestEngineHoldsSendUntilCreditRecovers drives a connection's credit down
// to the low-water mark and confirms a send is held rather than dropped
// (spec.md §4.1 item 1, §8 S2): it only reaches the server once credit is
// replenished, exercising checkInputQueue's localBuffer requeue.
func TestEngineHoldsSendUntilCreditRecovers(t *testing.T) {
	fabric := verbs.NewFabric()
	msgReg := marshal.NewRegistry()
	marshal.RegisterHelloMethods(msgReg)

	server := newTestEngine(fabric, msgReg)
	client := newTestEngine(fabric, msgReg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Run(ctx)
	go client.Run(ctx)

	if err := server.SubmitCommand(ctx, datapath.Command{Kind: datapath.CmdBind, BindAddr: "credit-hold-test-addr"}); err != nil {
		t.Fatalf("SubmitCommand Bind: %v", err)
	}
	awaitCompletion(t, server.Completions(), datapath.CompletedBind)

	if err := client.SubmitCommand(ctx, datapath.Command{Kind: datapath.CmdConnect, ConnectAddr: "credit-hold-test-addr"}); err != nil {
		t.Fatalf("SubmitCommand Connect: %v", err)
	}
	clientConn := awaitCompletion(t, client.Completions(), datapath.CompletedConnect)
	awaitCompletion(t, server.Completions(), datapath.CompletedNewConnectionInternal)

	c := client.connByID(clientConn.ConnID)
	if c == nil {
		t.Fatal("client connection context missing after connect")
	}
	c.ReplenishCredit(conn.LowWaterMark - c.Credit())

	req := newTestRequest(t, client, 1, "carol")
	if err := client.Send(ctx, datapath.DatapathMsg{Kind: datapath.MsgRpcMessage, ConnID: clientConn.ConnID, Message: req}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case delivered := <-server.Received():
		t.Fatalf("server received %v while client credit sat at the low-water mark", delivered.Kind)
	case <-time.After(200 * time.Millisecond):
	}

	c.ReplenishCredit(conn.InitialCredit - c.Credit())

	select {
	case delivered := <-server.Received():
		if delivered.Kind != datapath.MsgRpcMessage {
			t.Fatalf("delivered kind: got %v, want MsgRpcMessage", delivered.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the held send to go out once credit recovered")
	}
}

// TestResumeBackoffStaysBounded drives an idle engine's Resume loop and
// checks backoff never leaves [1, DpLimit] (spec.md's bound on the
// dp_spin_cnt/backoff pair, engine.rs's resume()).
func TestResumeBackoffStaysBounded(t *testing.T) {
	fabric := verbs.NewFabric()
	msgReg := marshal.NewRegistry()
	e := newTestEngine(fabric, msgReg)
	ctx := context.Background()

	if e.backoff != 1 {
		t.Fatalf("initial backoff: got %d, want 1", e.backoff)
	}
	for i := 0; i < 10000; i++ {
		e.Resume(ctx)
		if e.backoff < 1 || e.backoff > DpLimit {
			t.Fatalf("backoff out of bounds after %d idle resumes: got %d, want [1, %d]", i+1, e.backoff, DpLimit)
		}
	}
}

func TestEngineRejectsSetTransport(t *testing.T) {
	fabric := verbs.NewFabric()
	msgReg := marshal.NewRegistry()
	e := newTestEngine(fabric, msgReg)

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected a panic dispatching SetTransport, got none")
		}
	}()
	e.dispatchCmd(context.Background(), datapath.Command{Kind: datapath.CmdSetTransport})
}

func TestEngineAllocShmRegistersMR(t *testing.T) {
	fabric := verbs.NewFabric()
	msgReg := marshal.NewRegistry()
	e := newTestEngine(fabric, msgReg)

	completion := e.dispatchCmd(context.Background(), datapath.Command{
		Kind:        datapath.CmdAllocShm,
		AllocNbytes: 4096,
		AllocAccess: verbs.AccessLocalWrite,
	})
	if completion.Kind != datapath.CompletedAllocShm {
		t.Fatalf("Kind: got %v, want CompletedAllocShm", completion.Kind)
	}
	if _, err := e.mrReg.Lookup(completion.Descriptor.Handle); err != nil {
		t.Errorf("AllocShm did not register its MR: %v", err)
	}
}
