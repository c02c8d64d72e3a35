// Package adapter implements the RPC Adapter Engine itself (spec.md §4):
// the cooperative, single-threaded scheduler that moves RPC messages
// between an application's shared-memory queues and the simulated RDMA
// fabric, grounded throughout on
// original_source/src/koala/src/rpc_adapter/engine.rs.
package adapter

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"shmrpc/internal/conn"
	"shmrpc/internal/datapath"
	"shmrpc/internal/marshal"
	"shmrpc/internal/mr"
	"shmrpc/internal/pool"
	"shmrpc/internal/verbs"
	"shmrpc/middleware"
)

// inflight accumulates the segments and recv-buffer handles of one message
// still being received across several check_transport_service completions,
// closed out once a WITH_IMM completion marks its final segment.
type inflight struct {
	segs    [][]byte
	handles []pool.Handle
}

// Engine is one instance of the RPC adapter, serving the connections one
// application session has opened or accepted (engine.rs's RpcAdapterEngine).
type Engine struct {
	fabric *Fabric
	pd     *verbs.PD
	mrReg  *mr.Registry
	msgReg *marshal.Registry

	cmdHandler middleware.HandlerFunc // dispatchCmd wrapped by the configured middleware chain

	cmdQueue   chan datapath.Command
	cmdResult  chan datapath.Completion
	txQueue    chan datapath.DatapathMsg // session -> engine (outgoing)
	rxQueue    chan datapath.DatapathMsg // engine -> session (incoming)

	mu             sync.Mutex
	conns          map[uint64]*conn.Context
	connByHandle   map[verbs.Handle]uint64
	nextConnID     uint64
	listener       *Listener
	inflightByConn map[uint64]*inflight

	wrs         *conn.WrContext
	nextWrID    uint64
	localBuffer []datapath.DatapathMsg // send held for insufficient credit (engine.rs's local_buffer)

	backoff   int
	dpSpinCnt int
	lastCmdTs time.Time
}

// Fabric and Listener are aliases so callers outside this package never
// need to import internal/verbs directly to wire an Engine together.
type Fabric = verbs.Fabric
type Listener = verbs.Listener

// Config bundles the pieces NewEngine needs; shm, cmd, and rx/tx channel
// sizes mirror spec.md §6's sizing guidance for a single client session.
type Config struct {
	Fabric         *Fabric
	MsgRegistry    *marshal.Registry
	CmdQueueSize   int
	DataQueueSize  int
	RateLimit      float64       // Connect/Bind commands per second (0 disables limiting)
	RateBurst      int
	CmdTimeout     time.Duration // Connect/Bind deadline (0 disables the timeout middleware)
	ConnectRetries int           // Connect attempts on a transient fabric error (0 disables retrying)
}

// NewEngine creates an engine bound to fabric, with its own default PD (used
// for AllocShm) and MR registry. Command processing runs through the
// middleware chain so Connect/Bind rate limiting wraps dispatchCmd without
// process_cmd's own switch needing to know about it.
func NewEngine(cfg Config) *Engine {
	if cfg.CmdQueueSize == 0 {
		cfg.CmdQueueSize = 16
	}
	if cfg.DataQueueSize == 0 {
		cfg.DataQueueSize = 1024
	}
	e := &Engine{
		fabric:         cfg.Fabric,
		pd:             verbs.NewPD(),
		mrReg:          mr.NewRegistry(),
		msgReg:         cfg.MsgRegistry,
		cmdQueue:       make(chan datapath.Command, cfg.CmdQueueSize),
		cmdResult:      make(chan datapath.Completion, cfg.CmdQueueSize),
		txQueue:        make(chan datapath.DatapathMsg, cfg.DataQueueSize),
		rxQueue:        make(chan datapath.DatapathMsg, cfg.DataQueueSize),
		conns:          make(map[uint64]*conn.Context),
		connByHandle:   make(map[verbs.Handle]uint64),
		inflightByConn: make(map[uint64]*inflight),
		wrs:            conn.NewWrContext(),
		backoff:        1,
		lastCmdTs:      time.Now(),
	}
	var layers []middleware.Middleware
	layers = append(layers, middleware.LoggingMiddleware())
	if cfg.RateLimit > 0 {
		layers = append(layers, middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst))
	}
	if cfg.ConnectRetries > 0 {
		layers = append(layers, middleware.RetryMiddleware(cfg.ConnectRetries, 10*time.Millisecond))
	}
	if cfg.CmdTimeout > 0 {
		layers = append(layers, middleware.TimeOutMiddleware(cfg.CmdTimeout))
	}
	e.cmdHandler = middleware.Chain(layers...)(e.dispatchCmd)
	return e
}

// SubmitCommand enqueues a control-plane command, blocking only if the
// command queue is momentarily full (spec.md §4.1.1).
func (e *Engine) SubmitCommand(ctx context.Context, cmd datapath.Command) error {
	select {
	case e.cmdQueue <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Completions returns the channel command completions arrive on.
func (e *Engine) Completions() <-chan datapath.Completion { return e.cmdResult }

// Send enqueues an outgoing datapath message (spec.md §4.1 item: the input
// queue check_input_queue drains).
func (e *Engine) Send(ctx context.Context, msg datapath.DatapathMsg) error {
	select {
	case e.txQueue <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Received returns the channel inbound datapath messages are delivered on.
func (e *Engine) Received() <-chan datapath.DatapathMsg { return e.rxQueue }

func (e *Engine) nextWr() uint64 { return atomic.AddUint64(&e.nextWrID, 1) }

// Run drives resume() until ctx is cancelled, the way a real dataplane
// thread loops calling resume() back to back (engine.rs's executor).
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if busy := e.Resume(ctx); !busy {
			// Nothing to do this tick; yield briefly rather than spin the
			// host CPU the way a pure busy-poll dataplane thread would.
			time.Sleep(100 * time.Microsecond)
		}
	}
}

// Resume runs one iteration of the engine's three non-blocking probes, then
// applies engine.rs's exponential backoff to the low-rate incoming-
// connection sweep: backoff doubles (capped at DpLimit) whenever a probe
// found work, and only once dp_spin_cnt catches up to backoff does the
// engine consider sweeping, at which point backoff halves (floor 1) if
// CmdMaxInterval has elapsed, or doubles again if it hasn't (engine.rs's
// resume()). It returns whether any probe (including the sweep) found work,
// so Run can decide whether to yield.
func (e *Engine) Resume(ctx context.Context) bool {
	work := 0
	if e.checkInputQueue() {
		work++
	}
	if e.checkTransportService() {
		work++
	}
	if e.checkInputCmdQueue(ctx) {
		work++
	}
	if work > 0 {
		e.backoff = min(DpLimit, e.backoff*2)
	}

	e.dpSpinCnt++
	if e.dpSpinCnt < e.backoff {
		return work > 0
	}
	e.dpSpinCnt = 0

	if time.Since(e.lastCmdTs) > CmdMaxInterval {
		e.lastCmdTs = time.Now()
		e.backoff = max(1, e.backoff/2)
		if e.sweepIncoming() {
			work++
		}
	} else {
		e.backoff = min(DpLimit, e.backoff*2)
	}
	return work > 0
}

// checkInputQueue drains outgoing datapath messages (engine.rs's
// check_input_queue). A send held for insufficient credit stays at the head
// of localBuffer rather than being dropped: the caller's Call would
// otherwise hang forever waiting for a response to a request that was never
// transmitted (spec.md §4.1 item 1, §8 S2).
func (e *Engine) checkInputQueue() bool {
	if len(e.localBuffer) > 0 {
		msg := e.localBuffer[0]
		if !e.trySendRpcMessage(msg) {
			return false
		}
		e.localBuffer = e.localBuffer[1:]
		return true
	}

	select {
	case msg := <-e.txQueue:
		switch msg.Kind {
		case datapath.MsgRpcMessage:
			e.localBuffer = append(e.localBuffer, msg)
			return false
		case datapath.MsgReclaimRecvBuf:
			e.reclaimRecvBuffers(msg.ConnID, msg.ReclaimCallIDs)
			return true
		default:
			log.Printf("adapter: check_input_queue: unsupported outgoing datapath message kind %d", msg.Kind)
			return true
		}
	default:
		return false
	}
}

// trySendRpcMessage marshals and posts msg, consuming exactly sg_len units
// of credit (engine.rs: "conn_ctx.credit.fetch_sub(sglist.0.len(), ..)").
// It reports false only when the connection lacks the credit to send right
// now, so checkInputQueue leaves msg at the head of localBuffer to retry;
// every other outcome (including an unknown conn or a marshal/post error)
// is terminal for msg and reports true so the caller drops it.
func (e *Engine) trySendRpcMessage(msg datapath.DatapathMsg) bool {
	c := e.connByID(msg.ConnID)
	if c == nil {
		log.Printf("adapter: check_input_queue: unknown conn %d, dropping message", msg.ConnID)
		return true
	}
	sgl := msg.Message.Marshal()
	if len(sgl) == 0 {
		log.Printf("adapter: conn %d: message has no segments to send", msg.ConnID)
		return true
	}
	if !c.ConsumeCredit(int64(len(sgl))) {
		return false
	}
	meta := msg.Message.Meta()
	if meta.MsgType == marshal.MsgTypeRequest {
		c.PushOutstanding(conn.ReqContext{CallID: meta.CallID, SgLen: len(sgl)})
	}
	for i, seg := range sgl {
		regMr, off, err := e.mrReg.Resolve(seg.Ptr, seg.Len)
		if err != nil {
			log.Printf("adapter: conn %d: resolve send segment %d: %v", msg.ConnID, i, err)
			return true
		}
		wrID := e.nextWr()
		last := i == len(sgl)-1
		if last {
			err = c.CmId.PostSendWithImm(regMr, off, seg.Len, wrID, verbs.SendSignaled, 0)
		} else {
			err = c.CmId.PostSend(regMr, off, seg.Len, wrID, verbs.SendSignaled)
		}
		if err != nil {
			log.Printf("adapter: conn %d: post_send segment %d: %v", msg.ConnID, i, err)
			return true
		}
	}
	return true
}

// checkTransportService polls each connection's completion queue and
// unmarshals fully-received messages (engine.rs's check_transport_service /
// unmarshal_and_deliver_up).
func (e *Engine) checkTransportService() bool {
	did := false
	for _, c := range e.snapshotConns() {
		for _, wc := range c.CmId.CQ().Poll(CqPollBatch) {
			did = true
			e.handleCompletion(c, wc)
		}
	}
	return did
}

func (e *Engine) handleCompletion(c *conn.Context, wc verbs.WorkCompletion) {
	if !wc.Status.Success() {
		log.Printf("adapter: conn %d: work completion error on wr %d: %v", c.ConnID, wc.WrID, wc.Status.Err)
		return
	}
	switch wc.Opcode {
	case verbs.WcOpcodeSend:
		// Nothing further to do: the peer's recv-side completion is what
		// drives delivery.
	case verbs.WcOpcodeRecv:
		e.handleRecvCompletion(c, wc)
	default:
		panic(fmt.Sprintf("conn %d: unexpected completion opcode %v", c.ConnID, wc.Opcode))
	}
}

func (e *Engine) handleRecvCompletion(c *conn.Context, wc verbs.WorkCompletion) {
	h, err := e.wrs.Take(wc.WrID)
	if err != nil {
		log.Printf("adapter: conn %d: %v", c.ConnID, err)
		return
	}
	rb, err := c.RecvPool().Find(h)
	if err != nil {
		log.Printf("adapter: conn %d: %v", c.ConnID, err)
		return
	}
	seg := append([]byte(nil), rb.Bytes()[:wc.ByteLen]...)
	c.TrackRecvBuffer(h)

	fl := e.inflightByConn[c.ConnID]
	if fl == nil {
		fl = &inflight{}
		e.inflightByConn[c.ConnID] = fl
	}
	fl.segs = append(fl.segs, seg)
	fl.handles = append(fl.handles, h)

	if !wc.Flags.Has(verbs.WcFlagsWithImm) {
		return
	}
	delete(e.inflightByConn, c.ConnID)
	e.deliverMessage(c, fl)
}

func (e *Engine) deliverMessage(c *conn.Context, fl *inflight) {
	if len(fl.segs) == 0 || len(fl.segs[0]) < marshal.MetaSize {
		log.Printf("adapter: conn %d: malformed message header, %d segments", c.ConnID, len(fl.segs))
		return
	}
	meta := marshal.DecodeMeta(fl.segs[0])
	fn, ok := e.msgReg.Lookup(meta.MsgType, meta.FuncID)
	if !ok {
		panic(fmt.Sprintf("adapter: conn %d: unknown func_id %d for msg_type %s", c.ConnID, meta.FuncID, meta.MsgType))
	}
	msg, err := fn(meta, fl.segs[1:])
	if err != nil {
		log.Printf("adapter: conn %d: unmarshal: %v", c.ConnID, err)
		return
	}
	msg.SetConnID(c.ConnID)
	c.AddReclaimable(meta.CallID, fl.handles)

	if meta.MsgType == marshal.MsgTypeResponse {
		popped, err := c.PopOutstanding(meta.CallID)
		if err != nil {
			log.Printf("adapter: conn %d: %v", c.ConnID, err)
			return
		}
		// Replenish exactly what this request consumed, unconditionally
		// (engine.rs: "conn_ctx.credit.fetch_add(req_ctx.sg_len, ..)").
		c.ReplenishCredit(int64(popped.SgLen))
	}

	select {
	case e.rxQueue <- datapath.DatapathMsg{Kind: datapath.MsgRpcMessage, ConnID: c.ConnID, Message: msg}:
	default:
		log.Printf("adapter: conn %d: rx queue full, dropping delivered message for call %d", c.ConnID, meta.CallID)
	}
}

// reclaimRecvBuffers is the REDESIGN item 1 handler: once a session has
// finished reading a delivered message's payload, it reports the call_ids
// whose recv buffers can now be reposted (message.rs's ReclaimRecvBuf),
// instead of this engine reposting them the instant delivery happens.
func (e *Engine) reclaimRecvBuffers(connID uint64, callIDs []marshal.CallID) {
	c := e.connByID(connID)
	if c == nil {
		return
	}
	for _, id := range callIDs {
		handles, err := c.TakeReclaimable(id)
		if err != nil {
			log.Printf("adapter: conn %d: reclaim call %d: %v", connID, id, err)
			continue
		}
		for _, h := range handles {
			released, err := c.ReleaseRecvBuffer(h)
			if err != nil {
				log.Printf("adapter: conn %d: release buffer %v: %v", connID, h, err)
				continue
			}
			if released {
				e.repostRecvBuffer(c, h)
			}
		}
	}
}

// repostRecvBuffer reposts a released recv buffer's descriptor under a
// fresh wr_id, the delayed equivalent of the original's immediate repost on
// delivery (REDESIGN item 1).
func (e *Engine) repostRecvBuffer(c *conn.Context, h pool.Handle) {
	rb, err := c.RecvPool().Find(h)
	if err != nil {
		log.Printf("adapter: conn %d: repost: %v", c.ConnID, err)
		return
	}
	wrID := e.nextWr()
	if err := c.CmId.PostRecv(rb.MR, rb.Off, rb.Len, wrID); err != nil {
		log.Printf("adapter: conn %d: repost post_recv: %v", c.ConnID, err)
		return
	}
	e.wrs.Insert(wrID, h)
}

func (e *Engine) connByID(connID uint64) *conn.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conns[connID]
}

func (e *Engine) snapshotConns() []*conn.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*conn.Context, 0, len(e.conns))
	for _, c := range e.conns {
		out = append(out, c)
	}
	return out
}
