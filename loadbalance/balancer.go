// Package loadbalance provides strategies for picking one peer out of
// several registered under the same symbolic name in internal/peerdir —
// e.g. one adapter instance per NIC, or several replicas behind one logical
// endpoint.
//
// Three strategies are implemented:
//   - RoundRobin:      Stateless replicas, equal-capacity instances
//   - WeightedRandom:  Heterogeneous instances (different NIC bandwidth)
//   - ConsistentHash:  Connections that should stick to the same peer
package loadbalance

import "shmrpc/internal/peerdir"

// Balancer is the interface for load balancing strategies.
// The engine's Connect command does not call Pick(); it dials the literal
// address it is given.
type Balancer interface {
	// Pick selects one peer from the available list.
	// Called on every resolution — must be goroutine-safe.
	Pick(peers []peerdir.Peer) (*peerdir.Peer, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}
