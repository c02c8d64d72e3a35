package adapter

import (
	"context"
	"fmt"
	"log"

	"shmrpc/errs"
	"shmrpc/internal/datapath"
	"shmrpc/internal/verbs"
)

// checkInputCmdQueue drains queued control-plane commands and processes
// each one, posting its completion (engine.rs's check_input_cmd_queue).
func (e *Engine) checkInputCmdQueue(ctx context.Context) bool {
	did := false
	for {
		var cmd datapath.Command
		select {
		case cmd = <-e.cmdQueue:
		default:
			return did
		}
		did = true
		result := e.cmdHandler(ctx, cmd)
		select {
		case e.cmdResult <- result:
		default:
			log.Printf("adapter: command result queue full, dropping completion for %v", cmd.Kind)
		}
	}
}

// dispatchCmd is process_cmd itself: the per-kind switch the middleware
// chain built in NewEngine wraps (engine.rs's process_cmd).
func (e *Engine) dispatchCmd(ctx context.Context, cmd datapath.Command) datapath.Completion {
	switch cmd.Kind {
	case datapath.CmdAllocShm:
		return e.processAllocShm(cmd.AllocNbytes, cmd.AllocAccess)
	case datapath.CmdConnect:
		return e.processConnect(ctx, cmd.ConnectAddr)
	case datapath.CmdBind:
		return e.processBind(ctx, cmd.BindAddr)
	case datapath.CmdNewMappedAddrs:
		return e.processNewMappedAddrs(cmd.MappedAddrs)
	case datapath.CmdSetTransport:
		// process_cmd's `Command::SetTransport(..) => unreachable!()`: the
		// transport is fixed to the simulated fabric at engine
		// construction, so changing it mid-session is a programming error
		// (spec.md §13 Open Question: SetTransport stays rejected).
		panic("adapter: SetTransport is not supported; the transport is fixed at engine construction")
	default:
		return errCompletion(fmt.Errorf("adapter: unknown command kind %v", cmd.Kind))
	}
}

func errCompletion(err error) datapath.Completion {
	return datapath.Completion{Kind: datapath.CompletedError, Err: err}
}

// processAllocShm registers a fresh MR from the engine's default PD
// (spec.md §4.1.1 AllocShm).
func (e *Engine) processAllocShm(nbytes uint64, access verbs.AccessFlags) datapath.Completion {
	m, err := e.pd.Allocate(nbytes, access)
	if err != nil {
		return errCompletion(errs.Transport("alloc_shm", err))
	}
	e.mrReg.Insert(m)
	return datapath.Completion{Kind: datapath.CompletedAllocShm, Descriptor: m.Descriptor()}
}

// processConnect resolves addr, pre-posts receive buffers, and blocks on
// the handshake (spec.md §4.1.1 Connect; §4.1.2's required build,
// prepare_recv_buffers, connect/accept ordering).
func (e *Engine) processConnect(ctx context.Context, addr string) datapath.Completion {
	cq := verbs.NewCompletionQueue(1024)
	builder := verbs.NewCmIdBuilder(e.fabric).SetSendCQ(cq)
	prepared, err := builder.ResolveRoute(addr)
	if err != nil {
		return errCompletion(errs.Transport("resolve_route", err))
	}
	p, err := e.prepareRecvBuffers(prepared)
	if err != nil {
		return errCompletion(errs.Transport("prepare_recv_buffers", err))
	}
	cmid, err := prepared.Connect()
	if err != nil {
		return errCompletion(errs.Transport("connect", err))
	}
	connID := e.registerConn(cmid, p)
	return datapath.Completion{Kind: datapath.CompletedConnect, ConnID: connID}
}

// processBind binds a listener on the simulated fabric (spec.md §4.1.1 Bind).
func (e *Engine) processBind(ctx context.Context, addr string) datapath.Completion {
	builder := verbs.NewCmIdBuilder(e.fabric)
	l, err := builder.Bind(addr)
	if err != nil {
		return errCompletion(errs.Transport("bind", err))
	}
	e.mu.Lock()
	e.listener = l
	e.mu.Unlock()
	return datapath.Completion{Kind: datapath.CompletedBind, ListenAddr: addr}
}

// processNewMappedAddrs attaches app-side virtual addresses to already
// registered MRs (spec.md §4.1.1 NewMappedAddrs; §3's one-shot app_vaddr).
func (e *Engine) processNewMappedAddrs(addrs map[verbs.Handle]uint64) datapath.Completion {
	for h, vaddr := range addrs {
		m, err := e.mrReg.Lookup(h)
		if err != nil {
			return errCompletion(fmt.Errorf("new_mapped_addrs: %w", err))
		}
		if err := m.SetAppVaddr(vaddr); err != nil {
			return errCompletion(errs.Transport("new_mapped_addrs", err))
		}
	}
	return datapath.Completion{Kind: datapath.CompletedNewMappedAddrs}
}
