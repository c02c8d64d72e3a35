package verbs

import "testing"

func TestAllocateRegistersDistinctHandles(t *testing.T) {
	pd := NewPD()
	a, err := pd.Allocate(4096, AccessLocalWrite)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	b, err := pd.Allocate(4096, AccessLocalWrite)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if a.Handle() == b.Handle() {
		t.Fatalf("two allocations returned the same handle %s", a.Handle())
	}
	if a.Len() != 4096 || b.Len() != 4096 {
		t.Errorf("Len mismatch: got %d, %d, want 4096, 4096", a.Len(), b.Len())
	}
}

func TestSetAppVaddrOnce(t *testing.T) {
	pd := NewPD()
	mr, err := pd.Allocate(4096, AccessLocalWrite)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := mr.SetAppVaddr(0x1000); err != nil {
		t.Fatalf("first SetAppVaddr: %v", err)
	}
	if err := mr.SetAppVaddr(0x2000); err == nil {
		t.Fatal("expected error setting app_vaddr a second time, got nil")
	}
	v, ok := mr.AppVaddr()
	if !ok || v != 0x1000 {
		t.Errorf("AppVaddr: got (%#x, %v), want (0x1000, true)", v, ok)
	}
}

// connectPair binds a listener on fabric, resolves and connects a client
// cmid to it, and accepts the connection server-side, returning both
// endpoints already paired (the Connect/Accept handshake of spec.md §4.1.2).
func connectPair(t *testing.T, fabric *Fabric, addr string) (client, server *CmId) {
	t.Helper()

	l, err := NewCmIdBuilder(fabric).Bind(addr)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}

	clientCQ := NewCompletionQueue(16)
	prepared, err := NewCmIdBuilder(fabric).SetSendCQ(clientCQ).ResolveRoute(addr)
	if err != nil {
		t.Fatalf("ResolveRoute: %v", err)
	}

	connected := make(chan *CmId, 1)
	go func() {
		c, err := prepared.Connect()
		if err != nil {
			t.Errorf("Connect: %v", err)
		}
		connected <- c
	}()

	var req *ConnectRequest
	for req == nil {
		req = l.TryGetRequest()
	}

	serverCQ := NewCompletionQueue(16)
	serverPrepared, err := NewCmIdBuilder(fabric).SetSendCQ(serverCQ).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	server = l.AcceptPrepared(req, serverPrepared)
	client = <-connected
	return client, server
}

func TestConnectAcceptPairsCmIds(t *testing.T) {
	fabric := NewFabric()
	client, server := connectPair(t, fabric, "addr-1")

	if client.PD().Handle() == server.PD().Handle() {
		t.Fatal("client and server cmids unexpectedly share a PD")
	}
}

func TestResolveRouteWithoutListenerFails(t *testing.T) {
	fabric := NewFabric()
	if _, err := NewCmIdBuilder(fabric).ResolveRoute("nowhere"); err == nil {
		t.Fatal("expected error resolving a route with no listener, got nil")
	}
}

func TestBindDuplicateAddrFails(t *testing.T) {
	fabric := NewFabric()
	if _, err := fabric.Listen("dup"); err != nil {
		t.Fatalf("first Listen: %v", err)
	}
	if _, err := fabric.Listen("dup"); err == nil {
		t.Fatal("expected error binding a second listener to the same address, got nil")
	}
}

// TestSendRecvRoundTrip posts a recv on the server side, sends one message
// from the client, and asserts the receiver's completion carries the right
// wr_id, opcode, WITH_IMM flag, and payload, and that the sender gets its
// send completion (spec.md §4.1 item 1 and §8 S2's round trip).
func TestSendRecvRoundTrip(t *testing.T) {
	fabric := NewFabric()
	client, server := connectPair(t, fabric, "addr-2")

	clientMR, err := client.PD().Allocate(4096, AccessLocalWrite|AccessRemoteWrite)
	if err != nil {
		t.Fatalf("client Allocate: %v", err)
	}
	serverMR, err := server.PD().Allocate(4096, AccessLocalWrite|AccessRemoteWrite)
	if err != nil {
		t.Fatalf("server Allocate: %v", err)
	}

	const wrID = uint64(42)
	if err := server.PostRecv(serverMR, 0, 4096, wrID); err != nil {
		t.Fatalf("PostRecv: %v", err)
	}

	payload := []byte("hello over rdma")
	copy(clientMR.Bytes(), payload)
	if err := client.PostSendWithImm(clientMR, 0, uint64(len(payload)), 7, SendSignaled, 0); err != nil {
		t.Fatalf("PostSendWithImm: %v", err)
	}

	wcs := server.CQ().Poll(32)
	if len(wcs) != 1 {
		t.Fatalf("server CQ: got %d completions, want 1", len(wcs))
	}
	wc := wcs[0]
	if wc.WrID != wrID {
		t.Errorf("WrID: got %d, want %d", wc.WrID, wrID)
	}
	if wc.Opcode != WcOpcodeRecv {
		t.Errorf("Opcode: got %v, want %v", wc.Opcode, WcOpcodeRecv)
	}
	if !wc.Status.Success() {
		t.Errorf("Status: got error %v, want success", wc.Status.Err)
	}
	if !wc.Flags.Has(WcFlagsWithImm) {
		t.Error("expected WITH_IMM flag on the recv completion, got none")
	}
	if wc.ByteLen != uint32(len(payload)) {
		t.Errorf("ByteLen: got %d, want %d", wc.ByteLen, len(payload))
	}
	if got := string(serverMR.Bytes()[:wc.ByteLen]); got != string(payload) {
		t.Errorf("payload: got %q, want %q", got, payload)
	}

	sendWcs := client.CQ().Poll(32)
	if len(sendWcs) != 1 {
		t.Fatalf("client CQ: got %d completions, want 1", len(sendWcs))
	}
	if sendWcs[0].Opcode != WcOpcodeSend || sendWcs[0].WrID != 7 {
		t.Errorf("send completion: got %+v, want WrID=7 Opcode=Send", sendWcs[0])
	}
}

func TestSendWithoutPostedRecvFails(t *testing.T) {
	fabric := NewFabric()
	client, _ := connectPair(t, fabric, "addr-3")

	mr, err := client.PD().Allocate(4096, AccessLocalWrite)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := client.PostSend(mr, 0, 16, 1, SendSignaled); err == nil {
		t.Fatal("expected error sending into an empty recv queue, got nil")
	}
	wcs := client.CQ().Poll(32)
	if len(wcs) != 1 || wcs[0].Status.Success() {
		t.Fatalf("expected one failed send completion, got %+v", wcs)
	}
}

func TestPostSendOnUnconnectedCmIdFails(t *testing.T) {
	fabric := NewFabric()
	cq := NewCompletionQueue(16)
	if _, err := NewCmIdBuilder(fabric).Bind("addr-4"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	prepared, err := NewCmIdBuilder(fabric).SetSendCQ(cq).ResolveRoute("addr-4")
	if err != nil {
		t.Fatalf("ResolveRoute: %v", err)
	}
	mr, err := prepared.AllocMsgs(4096)
	if err != nil {
		t.Fatalf("AllocMsgs: %v", err)
	}

	if err := prepared.CmId().PostSend(mr, 0, 16, 1, SendSignaled); err == nil {
		t.Fatal("expected error posting a send before the handshake completes, got nil")
	}
}

func TestCloseRejectsFurtherSends(t *testing.T) {
	fabric := NewFabric()
	client, server := connectPair(t, fabric, "addr-5")

	mr, err := client.PD().Allocate(4096, AccessLocalWrite)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	server.Close()

	if err := client.PostSend(mr, 0, 16, 1, SendSignaled); err == nil {
		t.Fatal("expected error sending to a closed peer, got nil")
	}
}

func TestCompletionQueueOverrunDropsCompletion(t *testing.T) {
	cq := NewCompletionQueue(2)
	for i := 0; i < 5; i++ {
		cq.push(WorkCompletion{WrID: uint64(i)})
	}
	wcs := cq.Poll(32)
	if len(wcs) != 2 {
		t.Fatalf("expected the CQ to cap at capacity 2, got %d completions", len(wcs))
	}
}
