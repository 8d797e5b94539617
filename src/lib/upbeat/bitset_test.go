package upbeat

import "testing"

func TestBitSetRoundsUpToWords(t *testing.T) {
	b := NewBitSet(100)
	if b.Size() != 128 {
		t.Fatalf("size = %d, want 128", b.Size())
	}
}

func TestBitSetSetClearOn(t *testing.T) {
	b := NewBitSet(128)
	for _, bit := range []BitIndex{0, 1, 63, 64, 127} {
		if b.On(bit) {
			t.Fatalf("bit %d set before Set", bit)
		}
		b.Set(bit)
		if !b.On(bit) {
			t.Fatalf("bit %d clear after Set", bit)
		}
	}
	b.Clear(63)
	if b.On(63) {
		t.Fatal("bit 63 still set after Clear")
	}
	if !b.On(64) {
		t.Fatal("Clear(63) disturbed bit 64")
	}
	b.ClearAll()
	for _, bit := range []BitIndex{0, 1, 64, 127} {
		if b.On(bit) {
			t.Fatalf("bit %d survived ClearAll", bit)
		}
	}
}

func TestFirstClearScansAndWraps(t *testing.T) {
	b := NewBitSet(64)
	for i := BitIndex(0); i < 10; i++ {
		b.Set(i)
	}
	got, ok := b.FirstClear(0)
	if !ok || got != 10 {
		t.Fatalf("FirstClear(0) = %d,%v, want 10,true", got, ok)
	}

	// from inside the set prefix it walks forward
	got, ok = b.FirstClear(5)
	if !ok || got != 10 {
		t.Fatalf("FirstClear(5) = %d,%v, want 10,true", got, ok)
	}

	// wraparound: everything from 60 up is set, so it comes back to 10
	for i := BitIndex(60); i < 64; i++ {
		b.Set(i)
	}
	got, ok = b.FirstClear(60)
	if !ok || got != 10 {
		t.Fatalf("FirstClear(60) = %d,%v, want 10,true", got, ok)
	}
}

func TestFirstClearFull(t *testing.T) {
	b := NewBitSet(64)
	for i := BitIndex(0); i < 64; i++ {
		b.Set(i)
	}
	if _, ok := b.FirstClear(0); ok {
		t.Fatal("FirstClear found a bit in a full set")
	}
}
