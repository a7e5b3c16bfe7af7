package buffer

import "testing"

func TestRingKeepsNewest(t *testing.T) {
	ring := NewRing[int](3)
	for i := 1; i <= 5; i++ {
		ring.Add(i)
	}
	got := ring.List()
	if len(got) != 3 || got[0] != 3 || got[2] != 5 {
		t.Fatalf("expected [3 4 5], got %v", got)
	}
	if ring.Len() != 3 || ring.Cap() != 3 {
		t.Fatalf("expected len and cap 3, got %d/%d", ring.Len(), ring.Cap())
	}
}

func TestRingZeroSizeHoldsOne(t *testing.T) {
	ring := NewRing[string](0)
	ring.Add("a")
	ring.Add("b")
	if got := ring.List(); len(got) != 1 || got[0] != "b" {
		t.Fatalf("expected [b], got %v", got)
	}
}

func TestNilRing(t *testing.T) {
	var ring *Ring[int]
	ring.Add(1)
	if ring.Len() != 0 || ring.List() != nil {
		t.Fatal("nil ring must be empty")
	}
}
