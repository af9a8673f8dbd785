package frame

import "testing"

func TestRingEvictsOldest(t *testing.T) {
	r := NewRing(3)
	for i := 0; i < 5; i++ {
		r.Push(CanFrame{ID: uint32(i)})
	}
	if r.Len() != 3 {
		t.Fatalf("len = %d, want 3", r.Len())
	}
	snap := r.Snapshot()
	want := []uint32{2, 3, 4}
	for i, f := range snap {
		if f.ID != want[i] {
			t.Fatalf("snap[%d].ID = %d, want %d", i, f.ID, want[i])
		}
	}
}

func TestRingCapacityConstant(t *testing.T) {
	r := NewRing(0)
	if r.Capacity() != DefaultRingCapacity {
		t.Fatalf("capacity = %d, want default", r.Capacity())
	}
}

func TestCanFrameCloneIndependentBacking(t *testing.T) {
	orig := CanFrame{ID: 1, Data: []byte{1, 2, 3}}
	c := orig.Clone()
	c.Data[0] = 0xFF
	if orig.Data[0] == 0xFF {
		t.Fatal("clone shares backing array with original")
	}
}
