// Package clientside implements the per-client Session object: REDESIGN
// item 3 replaces the original's global one-shot completion channels with
// one owned command/datapath channel pair per client, so two clients of the
// same engine process can never observe each other's completions.
package clientside

import (
	"context"
	"fmt"
	"sync"

	"shmrpc/internal/adapter"
	"shmrpc/internal/datapath"
	"shmrpc/internal/marshal"
	"shmrpc/internal/verbs"
)

// Session is one application's handle onto an Engine: it owns the request
// lifecycle (call_id allocation, request/response correlation) for every
// connection that application opens or accepts through the engine, and
// demultiplexes the engine's shared receive/completion channels into
// session-private streams.
type Session struct {
	engine *adapter.Engine
	cancel context.CancelFunc

	mu       sync.Mutex
	nextCall marshal.CallID
	pending  map[marshal.CallID]chan marshal.RpcMessage

	reqCh      chan marshal.RpcMessage
	acceptedCh chan uint64
	cmdCh      chan datapath.Completion
	cmdMu      sync.Mutex
}

// New starts a session bound to engine and launches the two demultiplexing
// loops that turn the engine's shared channels into session-private ones.
func New(ctx context.Context, engine *adapter.Engine) *Session {
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		engine:     engine,
		cancel:     cancel,
		pending:    make(map[marshal.CallID]chan marshal.RpcMessage),
		reqCh:      make(chan marshal.RpcMessage, 64),
		acceptedCh: make(chan uint64, 16),
		cmdCh:      make(chan datapath.Completion, 4),
	}
	go s.deliveryLoop(ctx)
	go s.completionLoop(ctx)
	return s
}

func (s *Session) deliveryLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.engine.Received():
			if !ok {
				return
			}
			if msg.Kind != datapath.MsgRpcMessage {
				continue
			}
			if msg.Message.IsRequest() {
				select {
				case s.reqCh <- msg.Message:
				default:
					// Caller isn't draining Requests(): drop rather than
					// block the engine's delivery path.
				}
				continue
			}
			s.dispatchResponse(msg.Message)
		}
	}
}

func (s *Session) dispatchResponse(msg marshal.RpcMessage) {
	meta := msg.Meta()
	s.mu.Lock()
	ch, ok := s.pending[meta.CallID]
	if ok {
		delete(s.pending, meta.CallID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	ch <- msg
	close(ch)
}

func (s *Session) completionLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-s.engine.Completions():
			if !ok {
				return
			}
			if c.Kind == datapath.CompletedNewConnectionInternal {
				select {
				case s.acceptedCh <- c.ConnID:
				default:
				}
				continue
			}
			s.cmdCh <- c
		}
	}
}

// Requests returns the stream of inbound messages that are requests rather
// than responses to one of this session's own calls — a server-side session
// answers each of these with Reply.
func (s *Session) Requests() <-chan marshal.RpcMessage { return s.reqCh }

// AcceptedConns returns the stream of connection IDs this session's bound
// listener has accepted.
func (s *Session) AcceptedConns() <-chan uint64 { return s.acceptedCh }

// AllocCallID reserves the next call_id this session will use.
func (s *Session) AllocCallID() marshal.CallID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCall++
	return s.nextCall
}

// Call sends req and blocks for its matching response.
func (s *Session) Call(ctx context.Context, connID uint64, req marshal.RpcMessage) (marshal.RpcMessage, error) {
	req.SetConnID(connID)
	meta := req.Meta()

	ch := make(chan marshal.RpcMessage, 1)
	s.mu.Lock()
	s.pending[meta.CallID] = ch
	s.mu.Unlock()

	if err := s.engine.Send(ctx, datapath.DatapathMsg{Kind: datapath.MsgRpcMessage, ConnID: connID, Message: req}); err != nil {
		s.mu.Lock()
		delete(s.pending, meta.CallID)
		s.mu.Unlock()
		return nil, fmt.Errorf("session: call %d: %w", meta.CallID, err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, meta.CallID)
		s.mu.Unlock()
		return nil, fmt.Errorf("session: call %d: %w", meta.CallID, ctx.Err())
	}
}

// Reply sends resp without waiting for any further response.
func (s *Session) Reply(ctx context.Context, connID uint64, resp marshal.RpcMessage) error {
	resp.SetConnID(connID)
	return s.engine.Send(ctx, datapath.DatapathMsg{Kind: datapath.MsgRpcMessage, ConnID: connID, Message: resp})
}

// ReclaimRecvBuf reports that this session has finished reading the payload
// of the given call_ids, letting the engine repost their recv buffers
// (REDESIGN item 1).
func (s *Session) ReclaimRecvBuf(ctx context.Context, connID uint64, callIDs []marshal.CallID) error {
	return s.engine.Send(ctx, datapath.DatapathMsg{Kind: datapath.MsgReclaimRecvBuf, ConnID: connID, ReclaimCallIDs: callIDs})
}

// Connect issues a Connect command and waits for its completion.
func (s *Session) Connect(ctx context.Context, addr string) (uint64, error) {
	c, err := s.command(ctx, datapath.Command{Kind: datapath.CmdConnect, ConnectAddr: addr})
	if err != nil {
		return 0, err
	}
	return c.ConnID, nil
}

// Bind issues a Bind command and waits for its completion.
func (s *Session) Bind(ctx context.Context, addr string) error {
	_, err := s.command(ctx, datapath.Command{Kind: datapath.CmdBind, BindAddr: addr})
	return err
}

// AllocShm issues an AllocShm command and returns the new MR's descriptor.
func (s *Session) AllocShm(ctx context.Context, nbytes uint64, access verbs.AccessFlags) (verbs.Descriptor, error) {
	c, err := s.command(ctx, datapath.Command{Kind: datapath.CmdAllocShm, AllocNbytes: nbytes, AllocAccess: access})
	if err != nil {
		return verbs.Descriptor{}, err
	}
	return c.Descriptor, nil
}

// NewMappedAddrs issues a NewMappedAddrs command attaching app-side virtual
// addresses to already-registered MRs.
func (s *Session) NewMappedAddrs(ctx context.Context, addrs map[verbs.Handle]uint64) error {
	_, err := s.command(ctx, datapath.Command{Kind: datapath.CmdNewMappedAddrs, MappedAddrs: addrs})
	return err
}

// command submits cmd and waits for the matching completion, serialized so
// a concurrent caller can never steal another's completion off cmdCh.
func (s *Session) command(ctx context.Context, cmd datapath.Command) (datapath.Completion, error) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	if err := s.engine.SubmitCommand(ctx, cmd); err != nil {
		return datapath.Completion{}, fmt.Errorf("session: submit %v: %w", cmd.Kind, err)
	}
	select {
	case c := <-s.cmdCh:
		if c.Kind == datapath.CompletedError {
			return datapath.Completion{}, fmt.Errorf("session: %v failed: %w", cmd.Kind, c.Err)
		}
		return c, nil
	case <-ctx.Done():
		return datapath.Completion{}, ctx.Err()
	}
}

// Close cancels the session's demultiplexing loops.
func (s *Session) Close() {
	s.cancel()
}
