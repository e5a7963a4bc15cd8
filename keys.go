package keyfold

import "encoding/binary"

// prefixLen is the width of the namespace prefix at the start of every key.
const prefixLen = 4

// Reserved keys live under prefix 0, so they sort before all table data.
var (
	metadataKeyPrefix = appendPrefix(nil, 0, "metadata-")
	droppedKeyPrefix  = appendPrefix(nil, 0, "droppedprefix-")
	reopenModeKey     = appendPrefix(nil, 0, "reopenmode")
)

func appendPrefix(buf []byte, prefix uint32, suffix string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, prefix)
	return append(buf, suffix...)
}

// encodePrefix encodes a prefix big-endian, so that seek-to-last finds the
// largest allocated prefix.
func encodePrefix(prefix uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, prefix)
}

// extractPrefix returns false for keys shorter than the prefix width.
func extractPrefix(key []byte) (uint32, bool) {
	if len(key) < prefixLen {
		return 0, false
	}
	return binary.BigEndian.Uint32(key), true
}

func metadataKey(ident string) []byte {
	return append(append([]byte(nil), metadataKeyPrefix...), ident...)
}

func droppedKey(prefix uint32) []byte {
	return binary.BigEndian.AppendUint32(append([]byte(nil), droppedKeyPrefix...), prefix)
}

// prefixRange returns the key range [start, limit) covering every key of the
// given namespace. limit is nil for the largest possible prefix, meaning
// "to the end of the keyspace".
func prefixRange(prefix uint32) (start, limit []byte) {
	start = encodePrefix(prefix)
	if prefix == ^uint32(0) {
		return start, nil
	}
	return start, encodePrefix(prefix + 1)
}
