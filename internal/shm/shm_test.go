package shm

import "testing"

func TestAllocZeroesAndSizesCorrectly(t *testing.T) {
	r, err := Alloc(4096)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer r.Close()
	defer r.CloseFd()

	if r.Len() != 4096 {
		t.Fatalf("Len: got %d, want 4096", r.Len())
	}
	for i, b := range r.Data() {
		if b != 0 {
			t.Fatalf("byte %d: got %d, want 0 (fresh memfd should be zeroed)", i, b)
		}
	}
}

func TestMapFdAliasesSamePhysicalPages(t *testing.T) {
	a, err := Alloc(4096)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer a.Close()
	defer a.CloseFd()

	b, err := MapFd(a.Fd(), 0, 4096)
	if err != nil {
		t.Fatalf("MapFd: %v", err)
	}
	defer b.Close()

	copy(a.Data(), []byte("hello"))
	if got := string(b.Data()[:5]); got != "hello" {
		t.Errorf("second mapping: got %q, want %q", got, "hello")
	}

	// but the two mappings live at distinct virtual addresses.
	if &a.Data()[0] == &b.Data()[0] {
		t.Error("MapFd returned the same backing slice as the original mapping")
	}
}

func TestCloseUnmapsWithoutClosingFd(t *testing.T) {
	r, err := Alloc(4096)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer r.CloseFd()

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got error: %v", err)
	}

	// the fd itself should still be mappable after Close.
	b, err := MapFd(r.Fd(), 0, 4096)
	if err != nil {
		t.Fatalf("MapFd after Close: %v", err)
	}
	b.Close()
}
