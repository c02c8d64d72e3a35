package verbs

import "sync"

// CompletionQueue is the NIC's out-of-band notification stream for posted
// work requests (spec.md GLOSSARY). The adapter engine builds one CQ per
// connection (in processConnect and sweepIncoming) and binds it to that
// connection's cmid via CmIdBuilder.SetSendCQ; the engine has no single
// shared CQ and polls each connection's CQ in turn.
type CompletionQueue struct {
	mu       sync.Mutex
	pending  []WorkCompletion
	capacity int
}

// NewCompletionQueue creates a CQ with the given capacity (spec.md §4.1.2's
// engine CQ is created with capacity 1024).
func NewCompletionQueue(capacity int) *CompletionQueue {
	return &CompletionQueue{capacity: capacity}
}

// push enqueues a completion, silently dropping it if the CQ is saturated;
// nothing records or reports the overrun. In
// practice the engine drains faster than the simulated fabric produces
// completions, so this path is exercised only under pathological test
// backpressure.
func (cq *CompletionQueue) push(wc WorkCompletion) {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if len(cq.pending) >= cq.capacity {
		return
	}
	cq.pending = append(cq.pending, wc)
}

// Poll drains up to max completions (spec.md §4.1 item 2: "depth 32 per
// poll").
func (cq *CompletionQueue) Poll(max int) []WorkCompletion {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if max > len(cq.pending) {
		max = len(cq.pending)
	}
	out := make([]WorkCompletion, max)
	copy(out, cq.pending[:max])
	cq.pending = cq.pending[max:]
	return out
}
