// Package conn holds the per-connection state the adapter engine threads
// through every probe (spec.md §3 ConnectionContext, §4 Concurrency Model):
// credit, the FIFO of outstanding requests awaiting a response, and the
// delayed receive-buffer reclamation refcounts REDESIGN item 1 introduces.
package conn

import (
	"fmt"
	"sync"
	"sync/atomic"

	"shmrpc/errs"
	"shmrpc/internal/marshal"
	"shmrpc/internal/pool"
	"shmrpc/internal/verbs"
)

// InitialCredit and LowWaterMark mirror engine.rs's credit constants: a
// connection starts with 128 units of send credit (one per SGL segment) and
// refuses new sends once its credit has fallen to 5 (spec.md §3, §4.2).
const (
	InitialCredit = 128
	LowWaterMark  = 5
)

// ReqContext is one outstanding request awaiting its response, kept in call_id
// order so responses can be matched FIFO (spec.md §3, §8 S2).
type ReqContext struct {
	CallID marshal.CallID
	SgLen  int
}

// Context is the per-connection state table: one per accepted or initiated
// cmid, keyed by the engine on its connection ID.
type Context struct {
	CmId   *verbs.CmId
	ConnID uint64

	credit int64 // atomic

	mu             sync.Mutex
	outstandingReq []ReqContext

	recvPool *pool.Pool

	refMu       sync.Mutex
	refcount    map[pool.Handle]int               // REDESIGN item 1: delayed repost
	reclaimMu   sync.Mutex
	reclaimable map[marshal.CallID][]pool.Handle // call_id -> recv buffers it still owns
}

// New creates a connection context with full initial credit and its own
// receive-buffer pool.
func New(cmid *verbs.CmId, connID uint64, recvPool *pool.Pool) *Context {
	return &Context{
		CmId:     cmid,
		ConnID:   connID,
		credit:   InitialCredit,
		recvPool:    recvPool,
		refcount:    make(map[pool.Handle]int),
		reclaimable: make(map[marshal.CallID][]pool.Handle),
	}
}

// Credit returns the current send credit.
func (c *Context) Credit() int64 { return atomic.LoadInt64(&c.credit) }

// ConsumeCredit decrements credit by n (a message's sg_len) before sending,
// refusing once credit has fallen to the low-water mark rather than only
// when fully exhausted (spec.md §4.2 backpressure; engine.rs's
// check_input_queue: "if conn_ctx.credit.load(..) <= 5 { ... push_front ... }").
func (c *Context) ConsumeCredit(n int64) bool {
	for {
		cur := atomic.LoadInt64(&c.credit)
		if cur <= LowWaterMark {
			return false
		}
		if atomic.CompareAndSwapInt64(&c.credit, cur, cur-n) {
			return true
		}
	}
}

// ReplenishCredit restores n units of credit. The engine calls it when a
// response is delivered, with the sg_len of the request it answers.
func (c *Context) ReplenishCredit(n int64) {
	atomic.AddInt64(&c.credit, n)
}

// NeedsReplenish reports whether credit has fallen to the low-water mark,
// the level at which ConsumeCredit refuses. The engine does not call it and
// sends no replenishment signal to the peer.
func (c *Context) NeedsReplenish() bool {
	return atomic.LoadInt64(&c.credit) <= LowWaterMark
}

// PushOutstanding records a newly sent request awaiting its response.
func (c *Context) PushOutstanding(r ReqContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outstandingReq = append(c.outstandingReq, r)
}

// PopOutstanding removes and returns the oldest outstanding request,
// asserting the incoming response's call_id matches it (spec.md §3: "a
// connection's outstanding_req is a FIFO: it matches the call_id of the
// oldest outstanding request against the call_id of the next response").
func (c *Context) PopOutstanding(respCallID marshal.CallID) (ReqContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.outstandingReq) == 0 {
		return ReqContext{}, fmt.Errorf("conn %d: response for call_id %d but outstanding_req is empty", c.ConnID, respCallID)
	}
	head := c.outstandingReq[0]
	if head.CallID != respCallID {
		panic(fmt.Sprintf("conn %d: FIFO violation: expected response for call_id %d, got %d", c.ConnID, head.CallID, respCallID))
	}
	c.outstandingReq = c.outstandingReq[1:]
	return head, nil
}

// OutstandingLen reports how many requests are awaiting a response,
// exercised by tests asserting credit/outstanding-queue conservation (spec.md
// §8 S1).
func (c *Context) OutstandingLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outstandingReq)
}

// RecvPool returns this connection's receive-buffer pool.
func (c *Context) RecvPool() *pool.Pool { return c.recvPool }

// TrackRecvBuffer adds one reference to h, used to delay the buffer's
// repost until every reference to it has been released
// (REDESIGN item 1, grounded on message.rs's ReclaimRecvBuf datapath
// message: the original immediately reposts on delivery, which this repo
// replaces with explicit, batched reclamation).
func (c *Context) TrackRecvBuffer(h pool.Handle) {
	c.refMu.Lock()
	defer c.refMu.Unlock()
	c.refcount[h]++
}

// ReleaseRecvBuffer drops one reference to h and reports whether that was
// the last one. It does not repost anything itself; the caller reposts the
// buffer's receive when released is true.
func (c *Context) ReleaseRecvBuffer(h pool.Handle) (released bool, err error) {
	c.refMu.Lock()
	n, ok := c.refcount[h]
	if !ok || n == 0 {
		c.refMu.Unlock()
		return false, fmt.Errorf("conn %d: %w", c.ConnID, errs.NotFound("recv buffer", h))
	}
	n--
	if n == 0 {
		delete(c.refcount, h)
	} else {
		c.refcount[h] = n
	}
	c.refMu.Unlock()
	return n == 0, nil
}

// AddReclaimable records that the recv buffers in handles back the message
// identified by callID, so a later ReclaimRecvBuf naming callID knows which
// buffers to release (REDESIGN item 1).
func (c *Context) AddReclaimable(callID marshal.CallID, handles []pool.Handle) {
	c.reclaimMu.Lock()
	defer c.reclaimMu.Unlock()
	cp := append([]pool.Handle(nil), handles...)
	c.reclaimable[callID] = cp
}

// TakeReclaimable removes and returns the recv buffer handles registered
// for callID.
func (c *Context) TakeReclaimable(callID marshal.CallID) ([]pool.Handle, error) {
	c.reclaimMu.Lock()
	defer c.reclaimMu.Unlock()
	handles, ok := c.reclaimable[callID]
	if !ok {
		return nil, fmt.Errorf("conn %d: call_id %d: %w", c.ConnID, callID, errs.ErrNotFound)
	}
	delete(c.reclaimable, callID)
	return handles, nil
}

// WrContext maps a posted work request's wr_id back to the buffer it
// reserved, so a completion callback can resolve "which buffer did this
// wr_id reserve" without a side channel (engine.rs's WrContext table).
type WrContext struct {
	mu   sync.Mutex
	byID map[uint64]pool.Handle
}

// NewWrContext creates an empty wr_id table.
func NewWrContext() *WrContext {
	return &WrContext{byID: make(map[uint64]pool.Handle)}
}

// Insert records that wrID reserved the buffer identified by h.
func (w *WrContext) Insert(wrID uint64, h pool.Handle) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.byID[wrID] = h
}

// Take removes and returns the buffer handle wrID reserved.
func (w *WrContext) Take(wrID uint64) (pool.Handle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	h, ok := w.byID[wrID]
	if !ok {
		return 0, fmt.Errorf("conn: wr_id %d: %w", wrID, errs.ErrNotFound)
	}
	delete(w.byID, wrID)
	return h, nil
}
