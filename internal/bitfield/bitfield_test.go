package bitfield

import "testing"

func TestNewSizeRounding(t *testing.T) {
	cases := []struct {
		nBits     int
		wantBytes int
	}{
		{0, 0},
		{1, 1},
		{7, 1},
		{8, 1},
		{9, 2},
		{16, 2},
		{17, 3},
	}

	for _, tc := range cases {
		bf := New(tc.nBits)
		if got := len(bf); got != tc.wantBytes {
			t.Fatalf("New(%d) bytes = %d; want %d", tc.nBits, got, tc.wantBytes)
		}
	}
}

func TestSetHasRoundTrip(t *testing.T) {
	var bf Bitfield

	for i := 0; i < 32; i += 3 {
		bf.Set(i)
		if !bf.Has(i) {
			t.Fatalf("bit %d should be set", i)
		}
		if bf.Has(i + 1) {
			t.Fatalf("bit %d should not be set", i+1)
		}
	}
}

func TestSetGrowsAndZeroFillsIntermediateBytes(t *testing.T) {
	var bf Bitfield

	bf.Set(23) // byte index 2, past an empty bitfield
	if len(bf) != 3 {
		t.Fatalf("len = %d, want 3", len(bf))
	}
	if bf[0] != 0 || bf[1] != 0 {
		t.Fatalf("intermediate bytes not zero-filled: %v", bf)
	}
	if !bf.Has(23) {
		t.Fatalf("bit 23 should be set")
	}
}

func TestHasOutOfRangeIsFalse(t *testing.T) {
	bf := New(10)
	if bf.Has(-1) || bf.Has(1000) {
		t.Fatalf("Has out-of-range should be false")
	}
}

func TestZeroSizeMeansUnknown(t *testing.T) {
	var bf Bitfield
	if bf.Size() != 0 {
		t.Fatalf("zero-value Bitfield should report Size() == 0")
	}
}

func TestFromBytesAndBytesIndependence(t *testing.T) {
	src := []byte{0xFF, 0x00}
	bf := FromBytes(src)

	src[0] = 0x00
	if !bf.Equals(Bitfield{0xFF, 0x00}) {
		t.Fatalf("FromBytes must copy input")
	}

	out := bf.Bytes()
	out[1] = 0xAA
	if bf[1] != 0x00 {
		t.Fatalf("Bytes must return a copy, not alias")
	}
}

func TestStringRepresentation(t *testing.T) {
	bf := FromBytes([]byte{0xA5, 0x01}) // 1010 0101 0000 0001
	got := bf.String()
	want := "1010010100000001"
	if got != want {
		t.Fatalf("String() = %q; want %q", got, want)
	}
}

func TestCountAndEquals(t *testing.T) {
	var bf Bitfield
	bf.Set(0)
	bf.Set(2)
	bf.Set(3)
	bf.Set(8)

	if got := bf.Count(); got != 4 {
		t.Fatalf("Count() = %d; want %d", got, 4)
	}

	same := FromBytes(bf.Bytes())
	if !bf.Equals(same) {
		t.Fatalf("Equals should report identical contents")
	}

	diff := FromBytes(bf.Bytes())
	diff.Set(9)
	if bf.Equals(diff) {
		t.Fatalf("Equals should detect difference")
	}
}
