package keyfold

import (
	"encoding/binary"
	"maps"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// IdentConfig is the persisted per-table config record. The prefix field is
// required; everything else is owned by table-level collaborators.
type IdentConfig struct {
	Prefix uint32            `msgpack:"prefix"`
	Oplog  bool              `msgpack:"oplog,omitempty"`
	Extra  map[string]string `msgpack:"extra,omitempty"`
}

func (c *IdentConfig) clone() IdentConfig {
	out := *c
	out.Extra = maps.Clone(c.Extra)
	return out
}

const configChecksumLen = 8

// encodeIdentConfig appends an xxhash64 footer so that recovery can tell a
// damaged record from a merely unexpected one.
func encodeIdentConfig(c *IdentConfig) []byte {
	body := must(msgpack.Marshal(c))
	return binary.BigEndian.AppendUint64(body, xxhash.Sum64(body))
}

func decodeIdentConfig(key, raw []byte) (*IdentConfig, error) {
	if len(raw) < configChecksumLen {
		return nil, corruptf(key, nil, "config record too short (%d bytes)", len(raw))
	}
	body := raw[:len(raw)-configChecksumLen]
	sum := binary.BigEndian.Uint64(raw[len(raw)-configChecksumLen:])
	if xxhash.Sum64(body) != sum {
		return nil, corruptf(key, nil, "config record checksum mismatch")
	}
	var c IdentConfig
	if err := msgpack.Unmarshal(body, &c); err != nil {
		return nil, corruptf(key, err, "failed to decode config record")
	}
	if c.Prefix == 0 {
		return nil, corruptf(key, nil, "config record is missing the prefix field")
	}
	return &c, nil
}
