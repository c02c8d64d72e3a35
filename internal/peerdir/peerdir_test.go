package peerdir

import (
	"context"
	"testing"
	"time"
)

func TestRegisterAndDiscover(t *testing.T) {
	dir, err := Open([]string{"localhost:2379"})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	p1 := Peer{Name: "echo", Addr: "127.0.0.1:8001", NicIndex: 0, Weight: 10}
	p2 := Peer{Name: "echo", Addr: "127.0.0.1:8002", NicIndex: 1, Weight: 5}

	if err := dir.Register(ctx, p1, 10); err != nil {
		t.Fatal(err)
	}
	if err := dir.Register(ctx, p2, 10); err != nil {
		t.Fatal(err)
	}

	peers, err := dir.Discover(ctx, "echo")
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 2 {
		t.Fatalf("expect 2 peers, got %d", len(peers))
	}

	if err := dir.Deregister(ctx, "echo", p1.Addr); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)

	peers, err = dir.Discover(ctx, "echo")
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 1 {
		t.Fatalf("expect 1 peer after deregister, got %d", len(peers))
	}
	if peers[0].Addr != p2.Addr {
		t.Fatalf("expect %s, got %s", p2.Addr, peers[0].Addr)
	}

	dir.Deregister(ctx, "echo", p2.Addr)
}
