// Package peerdir maps symbolic peer names to dial addresses, grounded on registry/etcd_registry.go: the same TTL-lease
// registration and prefix-scoped lookup, repurposed from RPC service
// discovery to an RDMA peer directory (SPEC_FULL.md §11).
package peerdir

import (
	"context"
	"encoding/json"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/shmrpc/peers/"

// Peer is one registered adapter endpoint: its dial address, the NIC index
// it advertises itself on, and a balancing weight for when several peers
// register under the same symbolic name (registry.ServiceInstance's Addr/
// Weight, repurposed for RDMA peers).
type Peer struct {
	Name     string `json:"name"`
	Addr     string `json:"addr"`
	NicIndex int    `json:"nic_index"`
	Weight   int    `json:"weight"`
}

// Directory is an etcd-backed registry of adapter peers.
type Directory struct {
	client *clientv3.Client
}

// Open connects to etcd at the given endpoints.
func Open(endpoints []string) (*Directory, error) {
	c, err := clientv3.New(clientv3.Config{Endpoints: endpoints})
	if err != nil {
		return nil, fmt.Errorf("peerdir: connect: %w", err)
	}
	return &Directory{client: c}, nil
}

// entryKey is a peer's full etcd key: several peers can register under the
// same symbolic Name (e.g. one per NIC, or one per adapter replica), each
// keyed by its own address, so Discover can return all of them for a
// Balancer to choose among.
func entryKey(name, addr string) string {
	return keyPrefix + name + "/" + addr
}

// Register advertises this adapter instance under a TTL lease, the way
// EtcdRegistry.Register keeps an RPC service instance alive: if the process
// dies without deregistering, the lease expires and the entry disappears.
func (d *Directory) Register(ctx context.Context, p Peer, ttlSeconds int64) error {
	lease, err := d.client.Grant(ctx, ttlSeconds)
	if err != nil {
		return fmt.Errorf("peerdir: grant lease: %w", err)
	}
	val, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("peerdir: marshal peer: %w", err)
	}
	if _, err := d.client.Put(ctx, entryKey(p.Name, p.Addr), string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("peerdir: put: %w", err)
	}
	ch, err := d.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("peerdir: keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Deregister removes this adapter's directory entry, called during
// graceful shutdown before the fabric stops accepting connections.
func (d *Directory) Deregister(ctx context.Context, name, addr string) error {
	_, err := d.client.Delete(ctx, entryKey(name, addr))
	if err != nil {
		return fmt.Errorf("peerdir: delete: %w", err)
	}
	return nil
}

// Discover returns every peer currently registered under name (registry.
// Registry's Discover, repurposed for RDMA peers). The result can be fed to a
// loadbalance.Balancer; the engine's Connect command does neither.
func (d *Directory) Discover(ctx context.Context, name string) ([]Peer, error) {
	resp, err := d.client.Get(ctx, keyPrefix+name+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("peerdir: get %s: %w", name, err)
	}
	peers := make([]Peer, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var p Peer
		if err := json.Unmarshal(kv.Value, &p); err != nil {
			return nil, fmt.Errorf("peerdir: decode %s: %w", name, err)
		}
		peers = append(peers, p)
	}
	return peers, nil
}

// Watch emits the updated peer list for name whenever etcd reports a change
// under its prefix (registry.Registry's Watch), so a long-lived client can
// react to peers joining or leaving without polling Discover.
func (d *Directory) Watch(ctx context.Context, name string) <-chan []Peer {
	out := make(chan []Peer, 1)
	go func() {
		defer close(out)
		if peers, err := d.Discover(ctx, name); err == nil {
			out <- peers
		}
		wch := d.client.Watch(ctx, keyPrefix+name+"/", clientv3.WithPrefix())
		for range wch {
			peers, err := d.Discover(ctx, name)
			if err != nil {
				continue
			}
			select {
			case out <- peers:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Resolve looks up a single peer by name and returns the first one
// registered under it. The engine's Connect command does not call it; its
// target is always a literal fabric address.
func (d *Directory) Resolve(ctx context.Context, name string) (Peer, error) {
	peers, err := d.Discover(ctx, name)
	if err != nil {
		return Peer{}, err
	}
	if len(peers) == 0 {
		return Peer{}, fmt.Errorf("peerdir: no peer registered as %q", name)
	}
	return peers[0], nil
}

// Close releases the underlying etcd client.
func (d *Directory) Close() error {
	return d.client.Close()
}
