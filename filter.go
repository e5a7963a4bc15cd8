package keyfold

import "github.com/RoaringBitmap/roaring/v2"

// prefixDeletingFilter drops every key whose namespace prefix has been
// dropped. Each instance owns an immutable snapshot of the dropped set, so no
// locking happens on the per-key path. A filter instance is never shared
// between concurrent compactions.
type prefixDeletingFilter struct {
	dropped *roaring.Bitmap

	// Single-entry cache: iteration is prefix-major, so runs of keys share a
	// prefix. Prefix 0 is reserved and never dropped, making the zero value a
	// correct seed.
	cachePrefix  uint32
	cacheDropped bool
}

func newPrefixDeletingFilter(dropped *roaring.Bitmap) *prefixDeletingFilter {
	return &prefixDeletingFilter{dropped: dropped}
}

func (f *prefixDeletingFilter) Drop(key []byte) bool {
	prefix, ok := extractPrefix(key)
	if !ok {
		// A key shorter than the prefix width means the database is corrupted,
		// but it is not the compaction filter's job to report corruption.
		return false
	}
	if prefix == f.cachePrefix {
		return f.cacheDropped
	}
	f.cachePrefix = prefix
	f.cacheDropped = f.dropped.Contains(prefix)
	return f.cacheDropped
}
