package keyframes_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/oryxext/flvpatch/keyframes"
)

func TestIndexLen(t *testing.T) {
	idx := keyframes.New()
	idx.Add(200, 0)
	idx.Add(500, 1.0)

	if idx.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", idx.Len())
	}
}

func TestIntoAMF0AppliesOffsetOnlyAtSerialization(t *testing.T) {
	idx := keyframes.New()
	idx.Add(200, 0)
	idx.Add(500, 1.0)

	key, obj := idx.IntoAMF0(56)
	if key != "keyframes" {
		t.Fatalf("key = %q, want keyframes", key)
	}

	// Re-serializing with a different offset must not be affected by the
	// first call: the Index itself stores raw, unadjusted positions.
	_, obj2 := idx.IntoAMF0(0)
	b1, err := obj.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	b2, err := obj2.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if cmp.Equal(b1, b2) {
		t.Fatalf("expected different serialized bytes for different offsets")
	}
}
