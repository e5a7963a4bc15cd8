package keyfold

import (
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
)

func TestPrefixDeletingFilter(t *testing.T) {
	dropped := roaring.New()
	dropped.Add(3)
	f := newPrefixDeletingFilter(dropped)

	// Prefix-major runs exercise the single-entry cache on both outcomes.
	for i, key := range [][]byte{tkey(3, "a"), tkey(3, "b"), tkey(3, "c")} {
		if !f.Drop(key) {
			t.Errorf("** key %d of dropped prefix 3 kept", i)
		}
	}
	for i, key := range [][]byte{tkey(7, "a"), tkey(7, "b")} {
		if f.Drop(key) {
			t.Errorf("** key %d of live prefix 7 dropped", i)
		}
	}

	// Alternation must not leave a stale cache entry behind.
	eq(t, f.Drop(tkey(3, "d")), true)
	eq(t, f.Drop(tkey(7, "c")), false)
	eq(t, f.Drop(tkey(3, "e")), true)
}

func TestPrefixDeletingFilterShortKey(t *testing.T) {
	dropped := roaring.New()
	dropped.Add(0)
	f := newPrefixDeletingFilter(dropped)
	eq(t, f.Drop([]byte{0x00, 0x00}), false)
}
