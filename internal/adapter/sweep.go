package adapter

import (
	"log"

	"shmrpc/internal/conn"
	"shmrpc/internal/datapath"
	"shmrpc/internal/pool"
	"shmrpc/internal/verbs"
)

// sweepIncoming polls this engine's listener, if any, for one pending
// connection request and completes it (engine.rs's check_incoming_connection).
// Resume is what gates how often this runs: it only calls sweepIncoming once
// dp_spin_cnt has caught up to backoff and CmdMaxInterval has elapsed.
func (e *Engine) sweepIncoming() bool {
	e.mu.Lock()
	l := e.listener
	e.mu.Unlock()
	if l == nil {
		return false
	}

	req := l.TryGetRequest()
	if req == nil {
		return false
	}

	cq := verbs.NewCompletionQueue(1024)
	builder := verbs.NewCmIdBuilder(e.fabric).SetSendCQ(cq)
	prepared, err := builder.Build()
	if err != nil {
		log.Printf("adapter: accept: build prepared cmid: %v", err)
		return true
	}
	p, err := e.prepareRecvBuffers(prepared)
	if err != nil {
		log.Printf("adapter: accept: prepare_recv_buffers: %v", err)
		return true
	}
	cmid := l.AcceptPrepared(req, prepared)
	connID := e.registerConn(cmid, p)

	completion := datapath.Completion{Kind: datapath.CompletedNewConnectionInternal, ConnID: connID}
	select {
	case e.cmdResult <- completion:
	default:
		log.Printf("adapter: command result queue full, dropping NewConnectionInternal for conn %d", connID)
	}
	return true
}

// prepareRecvBuffers allocates a connection's receive-buffer pool and
// pre-posts its first slab of receives (128 buffers of 8 MiB each),
// recording each wr_id's buffer handle for later completion lookup
// (engine.rs's prepare_recv_buffers). The 128 buffers are carved from one
// slab and so share a single MR; each wr_id comes from the engine-wide
// nextWr counter, not from an MR handle.
func (e *Engine) prepareRecvBuffers(prepared *verbs.PreparedCmId) (*pool.Pool, error) {
	p := pool.NewPool(prepared.PD(), RecvBufferSlabBuffers, RecvBufferSize, RecvBufferAlign)
	seenMRs := make(map[verbs.Handle]bool)
	for i := 0; i < RecvBufferSlabBuffers; i++ {
		rb, err := p.Obtain()
		if err != nil {
			return nil, err
		}
		wrID := e.nextWr()
		if err := prepared.PostRecv(rb.MR, rb.Off, rb.Len, wrID); err != nil {
			return nil, err
		}
		e.wrs.Insert(wrID, rb.Handle)
		if !seenMRs[rb.MR.Handle()] {
			e.mrReg.Insert(rb.MR)
			seenMRs[rb.MR.Handle()] = true
		}
	}
	return p, nil
}

// registerConn assigns a new connection ID and stores the context the
// engine's probes will look up by it.
func (e *Engine) registerConn(cmid *verbs.CmId, p *pool.Pool) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextConnID++
	id := e.nextConnID
	e.conns[id] = conn.New(cmid, id, p)
	e.connByHandle[cmid.Handle()] = id
	return id
}
