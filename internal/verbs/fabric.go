package verbs

import (
	"fmt"
	"sync"
)

// ConnectRequest is one pending connect request waiting for a listener's
// incoming-connection sweep to Accept it.
type ConnectRequest struct {
	client   *CmId
	accepted chan *CmId
}

// Listener is a passive cmid (spec.md §3 Listener table) accepting incoming
// connection requests.
type Listener struct {
	handle  Handle
	addr    string
	fabric  *Fabric
	pending chan *ConnectRequest
}

func (l *Listener) Handle() Handle { return l.handle }

// TryGetRequest non-blockingly returns one pending connect request, or nil
// (spec.md §4.1.2: "non-blockingly poll it for a pending request").
func (l *Listener) TryGetRequest() *ConnectRequest {
	select {
	case h := <-l.pending:
		return h
	default:
		return nil
	}
}

// Accept completes a ConnectRequest, pairing the prepared server-side cmid with
// the waiting client and unblocking the client's Connect call
// (spec.md §4.1.2 `pre_id.accept(None)`).
func (l *Listener) Accept(h *ConnectRequest, server *CmId) {
	server.mu.Lock()
	server.peer = h.client
	server.mu.Unlock()

	h.client.mu.Lock()
	h.client.peer = server
	h.client.mu.Unlock()

	h.accepted <- server
	close(h.accepted)
}

// Close stops accepting new connections on this listener.
func (l *Listener) Close() {
	l.fabric.mu.Lock()
	delete(l.fabric.listeners, l.addr)
	l.fabric.mu.Unlock()
}

// Fabric is the simulated NIC fabric: the process-wide registry of bound
// listener addresses that Connect's "resolve route" step consults. A real
// deployment has exactly one NIC (spec.md §6 Config surface: nic_index);
// tests typically construct one Fabric per scenario and share it between a
// client-side and server-side engine.
type Fabric struct {
	mu        sync.Mutex
	listeners map[string]*Listener
}

// NewFabric creates an empty fabric.
func NewFabric() *Fabric {
	return &Fabric{listeners: make(map[string]*Listener)}
}

// Listen binds addr, returning a Listener that TryGetRequest/Accept drains
// (spec.md §4.1.1 Bind).
func (f *Fabric) Listen(addr string) (*Listener, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.listeners[addr]; exists {
		return nil, fmt.Errorf("fabric: address already in use: %s", addr)
	}
	l := &Listener{handle: newHandle(), addr: addr, fabric: f, pending: make(chan *ConnectRequest, 16)}
	f.listeners[addr] = l
	return l, nil
}

// CmIdBuilder mirrors ulib::ucm::CmIdBuilder: accumulates CQ/PD/depth
// settings before resolving a route or binding a listener.
type CmIdBuilder struct {
	fabric    *Fabric
	cq        *CompletionQueue
	maxSendWr int
	maxRecvWr int
}

// NewCmIdBuilder starts a builder bound to a fabric (the simulated NIC).
func NewCmIdBuilder(fabric *Fabric) *CmIdBuilder {
	return &CmIdBuilder{fabric: fabric}
}

func (b *CmIdBuilder) SetSendCQ(cq *CompletionQueue) *CmIdBuilder { b.cq = cq; return b }
func (b *CmIdBuilder) SetRecvCQ(cq *CompletionQueue) *CmIdBuilder { b.cq = cq; return b }
func (b *CmIdBuilder) SetMaxSendWr(n int) *CmIdBuilder            { b.maxSendWr = n; return b }
func (b *CmIdBuilder) SetMaxRecvWr(n int) *CmIdBuilder            { b.maxRecvWr = n; return b }

// Bind builds a passive cmid listening at addr (spec.md §4.1.1 Bind).
func (b *CmIdBuilder) Bind(addr string) (*Listener, error) {
	return b.fabric.Listen(addr)
}

// PreparedCmId is an unconnected, locally-built cmid with its own PD and
// receive queue, ready for prepare_recv_buffers and then Connect (client
// side) or Accept (server side) — spec.md's state machine "Preparing".
type PreparedCmId struct {
	cmid   *CmId
	addr   string // resolved peer address, client side only
	fabric *Fabric
}

// ResolveRoute resolves addr and prepares a client-side cmid
// (spec.md §4.1.1 Connect: "resolve route").
func (b *CmIdBuilder) ResolveRoute(addr string) (*PreparedCmId, error) {
	b.fabric.mu.Lock()
	_, ok := b.fabric.listeners[addr]
	b.fabric.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("fabric: no listener at %s", addr)
	}
	pd := NewPD()
	return &PreparedCmId{
		cmid:   &CmId{handle: newHandle(), cq: b.cq, pd: pd},
		addr:   addr,
		fabric: b.fabric,
	}, nil
}

// Build prepares a server-side cmid for an about-to-be-accepted connection
// (spec.md §4.1.2 "build a PreparedCmId with the engine's CQ").
func (b *CmIdBuilder) Build() (*PreparedCmId, error) {
	pd := NewPD()
	return &PreparedCmId{cmid: &CmId{handle: newHandle(), cq: b.cq, pd: pd}, fabric: b.fabric}, nil
}

func (p *PreparedCmId) CmId() *CmId { return p.cmid }
func (p *PreparedCmId) PD() *PD     { return p.cmid.pd }

// AllocMsgs allocates a registered MR of nbytes from this cmid's PD
// (spec.md §4.1.3: "pre_id.alloc_msgs(8 * 1024 * 1024)").
func (p *PreparedCmId) AllocMsgs(nbytes uint64) (*MemoryRegion, error) {
	return p.cmid.pd.Allocate(nbytes, AccessLocalWrite|AccessRemoteRead|AccessRemoteWrite)
}

// PostRecv posts a receive on the underlying (not yet connected) cmid; the
// descriptor is drained once a peer is paired via Connect/Accept.
func (p *PreparedCmId) PostRecv(mr *MemoryRegion, off, length uint64, wrID uint64) error {
	return p.cmid.PostRecv(mr, off, length, wrID)
}

// Connect performs the blocking half of the RDMA CM handshake: it registers
// a connect request with the resolved listener and blocks until that
// listener's incoming-connection sweep calls Accept. spec.md §5 permits this
// brief block ("connect/bind/accept live inside command handling and may
// block briefly ... because they are rare control-plane operations").
func (p *PreparedCmId) Connect() (*CmId, error) {
	p.fabric.mu.Lock()
	l, ok := p.fabric.listeners[p.addr]
	p.fabric.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("fabric: listener at %s disappeared", p.addr)
	}
	h := &ConnectRequest{client: p.cmid, accepted: make(chan *CmId, 1)}
	select {
	case l.pending <- h:
	default:
		return nil, fmt.Errorf("fabric: listener %s backlog full", p.addr)
	}
	server, ok := <-h.accepted
	if !ok || server == nil {
		return nil, fmt.Errorf("fabric: connect to %s was rejected", p.addr)
	}
	return p.cmid, nil
}

// AcceptPrepared finalizes a connection observed via
// Listener.TryGetRequest, using a PreparedCmId that already has its
// receive buffers posted (spec.md §4.1.2 order: build, prepare_recv_buffers,
// accept).
func (l *Listener) AcceptPrepared(h *ConnectRequest, p *PreparedCmId) *CmId {
	l.Accept(h, p.cmid)
	return p.cmid
}
