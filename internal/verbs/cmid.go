package verbs

import (
	"fmt"
	"sync"
)

// recvDesc is a posted receive: a byte range inside a registered MR waiting
// to be filled by the next inbound send on this cmid.
type recvDesc struct {
	mr   *MemoryRegion
	off  uint64
	len  uint64
	wrID uint64
}

// CmId is a connection identifier: the RDMA connection endpoint
// (spec.md GLOSSARY). Exactly two CmIds are ever paired together (client and
// server side of one connection); PostSend on one delivers into the other's
// oldest posted receive, FIFO, matching spec.md §5's "per connection,
// outbound send ordering equals the engine's TX drain order".
type CmId struct {
	handle Handle
	cq     *CompletionQueue
	pd     *PD

	mu        sync.Mutex
	recvQueue []recvDesc
	peer      *CmId
	closed    bool
}

func (c *CmId) Handle() Handle       { return c.handle }
func (c *CmId) PD() *PD              { return c.pd }
func (c *CmId) CQ() *CompletionQueue { return c.cq }

// PostRecv pre-posts a receive descriptor against a byte range of mr
// (spec.md §4.1.3: "post a recv of the full MR range with that wr_id").
func (c *CmId) PostRecv(mr *MemoryRegion, off, length uint64, wrID uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("cmid %s: post_recv on closed connection", c.handle)
	}
	c.recvQueue = append(c.recvQueue, recvDesc{mr: mr, off: off, len: length, wrID: wrID})
	return nil
}

// PostSend posts a send of mr[off:off+length] with the given wr_id
// (spec.md §4.1 item 1: "Post one RDMA send per segment").
func (c *CmId) PostSend(mr *MemoryRegion, off, length uint64, wrID uint64, flags SendFlags) error {
	return c.postSend(mr, off, length, wrID, flags, false, 0)
}

// PostSendWithImm posts the final segment of a message, carrying imm data
// used only as the WITH_IMM boundary marker (spec.md §6: "a 32-bit opaque
// value reserved for future use; currently 0").
func (c *CmId) PostSendWithImm(mr *MemoryRegion, off, length uint64, wrID uint64, flags SendFlags, imm uint32) error {
	return c.postSend(mr, off, length, wrID, flags, true, imm)
}

func (c *CmId) postSend(mr *MemoryRegion, off, length uint64, wrID uint64, flags SendFlags, withImm bool, imm uint32) error {
	c.mu.Lock()
	peer := c.peer
	closed := c.closed
	c.mu.Unlock()

	if closed || peer == nil {
		if flags&SendSignaled != 0 {
			c.cq.push(WorkCompletion{WrID: wrID, Opcode: WcOpcodeSend, Status: WcStatus{Err: fmt.Errorf("cmid %s: not connected", c.handle)}})
		}
		return fmt.Errorf("cmid %s: post_send on unconnected connection", c.handle)
	}

	payload := mr.Bytes()[off : off+length]
	if err := peer.deliver(payload, withImm, imm); err != nil {
		c.cq.push(WorkCompletion{WrID: wrID, Opcode: WcOpcodeSend, Status: WcStatus{Err: err}})
		return err
	}
	if flags&SendSignaled != 0 {
		c.cq.push(WorkCompletion{WrID: wrID, Opcode: WcOpcodeSend, Status: WcStatus{}})
	}
	return nil
}

// deliver copies an inbound segment into the oldest posted receive
// descriptor and posts the matching Recv completion on the receiver's own
// CQ. This is the software stand-in for the NIC placing data directly into
// a pre-posted receive buffer.
func (c *CmId) deliver(payload []byte, withImm bool, imm uint32) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("cmid %s: peer closed", c.handle)
	}
	if len(c.recvQueue) == 0 {
		c.mu.Unlock()
		return fmt.Errorf("cmid %s: recv queue exhausted", c.handle)
	}
	desc := c.recvQueue[0]
	c.recvQueue = c.recvQueue[1:]
	c.mu.Unlock()

	if uint64(len(payload)) > desc.len {
		return fmt.Errorf("cmid %s: inbound segment %d exceeds posted buffer %d", c.handle, len(payload), desc.len)
	}
	copy(desc.mr.Bytes()[desc.off:], payload)

	var flags WcFlags
	if withImm {
		flags |= WcFlagsWithImm
	}
	c.cq.push(WorkCompletion{
		WrID:    desc.wrID,
		Opcode:  WcOpcodeRecv,
		Status:  WcStatus{},
		Flags:   flags,
		ByteLen: uint32(len(payload)),
		ImmData: imm,
	})
	return nil
}

// Close marks the cmid disconnected. Further sends to or from it fail
// rather than panicking (spec.md §7: transport errors are logged, not
// fatal).
func (c *CmId) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
