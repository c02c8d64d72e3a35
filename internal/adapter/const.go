package adapter

import "time"

// DpLimit caps how many resume() calls Resume's dp_spin_cnt must reach
// before it will even consider sweeping for incoming connections again
// (engine.rs: DP_LIMIT = 1 << 17). backoff doubles toward this cap on every
// tick that finds work and halves (floor 1) on a sweep tick once
// CmdMaxInterval has elapsed.
const DpLimit = 1 << 17

// CmdMaxInterval is the minimum time between two incoming-connection
// sweeps: once dp_spin_cnt catches up to backoff, Resume sweeps (and halves
// backoff) only if this much time has passed since the last sweep, and
// doubles backoff otherwise (engine.rs: CMD_MAX_INTERVAL_MS = 1000).
const CmdMaxInterval = 1000 * time.Millisecond

// CqPollBatch is how many work completions check_transport_service drains
// per resume() call (engine.rs: cq.poll(&mut wc, 32)).
const CqPollBatch = 32

// RecvBufferSlabBuffers and RecvBufferSize size every connection's
// pre-posted receive queue (engine.rs's prepare_recv_buffers).
const (
	RecvBufferSlabBuffers = 128
	RecvBufferSize        = 8 * 1024 * 1024
	RecvBufferAlign       = 4096
)
