package sliceops

import (
	"bytes"
	"testing"
)

func TestSwapBuf(t *testing.T) {
	in := []byte{1, 2, 3, 4, 5}
	out := SwapBuf(in)
	if !bytes.Equal(out, []byte{5, 4, 3, 2, 1}) {
		t.Fatalf("unexpected swap result %v", out)
	}
	if in[0] != 1 {
		t.Fatalf("input was modified")
	}
}

func TestConcat(t *testing.T) {
	out := Concat([]byte{1}, nil, []byte{2, 3})
	if !bytes.Equal(out, []byte{1, 2, 3}) {
		t.Fatalf("unexpected concat result %v", out)
	}
}

func TestPadRight(t *testing.T) {
	out := PadRight([]byte{7, 8}, 4)
	if !bytes.Equal(out, []byte{7, 8, 0, 0}) {
		t.Fatalf("unexpected pad result %v", out)
	}

	long := []byte{1, 2, 3}
	if got := PadRight(long, 2); !bytes.Equal(got, long) {
		t.Fatalf("expected copy of long input, got %v", got)
	}
}

func TestRandom(t *testing.T) {
	a, err := Random(16)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Random(16)
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 16 || bytes.Equal(a, b) {
		t.Fatalf("expected two distinct 16 byte values")
	}
}
