package conn

import (
	"testing"

	"shmrpc/internal/marshal"
	"shmrpc/internal/pool"
)

func TestCreditConsumeReplenish(t *testing.T) {
	c := New(nil, 1, nil)
	if c.Credit() != InitialCredit {
		t.Fatalf("initial credit: got %d, want %d", c.Credit(), InitialCredit)
	}

	const sgLen = 2
	consumed := int64(0)
	for c.ConsumeCredit(sgLen) {
		consumed += sgLen
	}
	if remaining := InitialCredit - consumed; remaining != c.Credit() {
		t.Fatalf("credit after exhaustion: got %d, want %d", c.Credit(), remaining)
	}
	if c.Credit() > LowWaterMark {
		t.Fatalf("ConsumeCredit stopped early: %d credit remaining, want <= %d", c.Credit(), LowWaterMark)
	}
	if c.ConsumeCredit(sgLen) {
		t.Fatal("ConsumeCredit succeeded at or below the low-water mark")
	}
	if !c.NeedsReplenish() {
		t.Error("expected NeedsReplenish at the low-water mark")
	}

	c.ReplenishCredit(InitialCredit - c.Credit())
	if c.Credit() != InitialCredit {
		t.Errorf("credit after replenish: got %d, want %d", c.Credit(), InitialCredit)
	}
	if c.NeedsReplenish() {
		t.Error("NeedsReplenish should be false at full credit")
	}
}

func TestConsumeCreditRefusesAtLowWaterMark(t *testing.T) {
	c := New(nil, 1, nil)
	c.ReplenishCredit(LowWaterMark - InitialCredit) // drive credit down to exactly LowWaterMark
	if c.Credit() != LowWaterMark {
		t.Fatalf("credit: got %d, want %d", c.Credit(), LowWaterMark)
	}
	if c.ConsumeCredit(1) {
		t.Fatal("ConsumeCredit succeeded with credit at the low-water mark")
	}
}

func TestOutstandingFIFOMatch(t *testing.T) {
	c := New(nil, 1, nil)
	c.PushOutstanding(ReqContext{CallID: 1, SgLen: 2})
	c.PushOutstanding(ReqContext{CallID: 2, SgLen: 1})

	if c.OutstandingLen() != 2 {
		t.Fatalf("OutstandingLen: got %d, want 2", c.OutstandingLen())
	}

	req, err := c.PopOutstanding(1)
	if err != nil {
		t.Fatalf("PopOutstanding: %v", err)
	}
	if req.CallID != 1 || req.SgLen != 2 {
		t.Errorf("PopOutstanding: got %+v, want CallID=1 SgLen=2", req)
	}
	if c.OutstandingLen() != 1 {
		t.Fatalf("OutstandingLen after pop: got %d, want 1", c.OutstandingLen())
	}
}

func TestPopOutstandingEmptyFails(t *testing.T) {
	c := New(nil, 1, nil)
	if _, err := c.PopOutstanding(1); err == nil {
		t.Fatal("expected error popping from an empty outstanding queue, got nil")
	}
}

func TestPopOutstandingFIFOViolationPanics(t *testing.T) {
	c := New(nil, 1, nil)
	c.PushOutstanding(ReqContext{CallID: 5})

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected a panic on a FIFO violation, got none")
		}
	}()
	c.PopOutstanding(6)
}

func TestRecvBufferRefcounting(t *testing.T) {
	c := New(nil, 1, nil)
	h := pool.Handle(7)

	c.TrackRecvBuffer(h)
	c.TrackRecvBuffer(h)

	released, err := c.ReleaseRecvBuffer(h)
	if err != nil {
		t.Fatalf("ReleaseRecvBuffer: %v", err)
	}
	if released {
		t.Fatal("buffer reported released after only one of two references dropped")
	}

	released, err = c.ReleaseRecvBuffer(h)
	if err != nil {
		t.Fatalf("ReleaseRecvBuffer: %v", err)
	}
	if !released {
		t.Fatal("buffer should be released once its last reference drops")
	}

	if _, err := c.ReleaseRecvBuffer(h); err == nil {
		t.Fatal("expected error releasing a buffer with no outstanding references, got nil")
	}
}

func TestReclaimableRoundTrip(t *testing.T) {
	c := New(nil, 1, nil)
	callID := marshal.CallID(3)
	handles := []pool.Handle{1, 2, 3}

	c.AddReclaimable(callID, handles)
	got, err := c.TakeReclaimable(callID)
	if err != nil {
		t.Fatalf("TakeReclaimable: %v", err)
	}
	if len(got) != len(handles) {
		t.Fatalf("TakeReclaimable: got %d handles, want %d", len(got), len(handles))
	}
	for i := range handles {
		if got[i] != handles[i] {
			t.Errorf("handle %d: got %s, want %s", i, got[i], handles[i])
		}
	}

	if _, err := c.TakeReclaimable(callID); err == nil {
		t.Fatal("expected error taking an already-consumed reclaim set, got nil")
	}
}

func TestWrContextInsertTake(t *testing.T) {
	w := NewWrContext()
	w.Insert(10, pool.Handle(99))

	h, err := w.Take(10)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if h != pool.Handle(99) {
		t.Errorf("Take: got %s, want %s", h, pool.Handle(99))
	}

	if _, err := w.Take(10); err == nil {
		t.Fatal("expected error taking an already-consumed wr_id, got nil")
	}
}
