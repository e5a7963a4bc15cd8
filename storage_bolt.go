package keyfold

import (
	"bytes"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"go.etcd.io/bbolt"
)

// boltStorage adapts bbolt to the storage interface. Column groups map to
// top-level buckets. Commits run with NoSync; SyncWAL forces an fsync, which
// gives the durability pacer the same contract as an LSM write-ahead log.
// Bolt has no native compression, so values optionally go through a codec.
type boltStorage struct {
	bdb    *bbolt.DB
	codec  valueCodec
	gate   *workGate
	groups []string

	mu      sync.Mutex
	factory filterFactory
}

var boltKVBucket = []byte("kv")

func openBoltStorage(path string, opt Options) (storage, error) {
	bopt := *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	bopt.NoSync = true
	if opt.IsTesting {
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.InitialMmapSize = 1024 * 1024 * 1024
		bopt.FreelistType = bbolt.FreelistMapType
	}

	bdb, err := bbolt.Open(path, 0666, &bopt)
	if err != nil {
		return nil, fmt.Errorf("keyfold: %w", err)
	}

	codec, err := newValueCodec(opt.Compression)
	if err != nil {
		bdb.Close()
		return nil, err
	}

	requested := []string{defaultGroup}
	if opt.UseSeparateOplogGroup {
		requested = append(requested, oplogGroup)
	}

	err = bdb.Update(func(btx *bbolt.Tx) error {
		kv, err := btx.CreateBucketIfNotExists(boltKVBucket)
		if err != nil {
			return err
		}
		var recorded []string
		if raw := kv.Get(reopenModeKey); raw != nil {
			recorded = strings.Split(string(raw), ",")
		}
		if slices.Contains(recorded, oplogGroup) && !opt.UseSeparateOplogGroup {
			return &GroupMismatchError{Path: path, Recorded: recorded, Requested: requested}
		}
		if opt.UseSeparateOplogGroup {
			if _, err := btx.CreateBucketIfNotExists([]byte(oplogGroup)); err != nil {
				return err
			}
		}
		return kv.Put(reopenModeKey, []byte(strings.Join(requested, ",")))
	})
	if err != nil {
		bdb.Close()
		return nil, err
	}

	return &boltStorage{bdb: bdb, codec: codec, gate: newWorkGate(), groups: requested}, nil
}

func (s *boltStorage) Get(key []byte) ([]byte, error) {
	var out []byte
	err := s.bdb.View(func(btx *bbolt.Tx) error {
		raw := btx.Bucket(boltKVBucket).Get(key)
		if raw == nil {
			return ErrKeyNotFound
		}
		var err error
		out, err = s.codec.decode(raw)
		return err
	})
	return out, err
}

func (s *boltStorage) Put(key, value []byte, sync bool) error {
	err := s.bdb.Update(func(btx *bbolt.Tx) error {
		return btx.Bucket(boltKVBucket).Put(key, s.codec.encode(value))
	})
	if err != nil {
		return err
	}
	return s.maybeSync(sync)
}

func (s *boltStorage) Delete(key []byte, sync bool) error {
	err := s.bdb.Update(func(btx *bbolt.Tx) error {
		return btx.Bucket(boltKVBucket).Delete(key)
	})
	if err != nil {
		return err
	}
	return s.maybeSync(sync)
}

func (s *boltStorage) WriteBatch(b *writeBatch, sync bool) error {
	err := s.bdb.Update(func(btx *bbolt.Tx) error {
		kv := btx.Bucket(boltKVBucket)
		for _, op := range b.ops {
			if op.delete {
				if err := kv.Delete(op.key); err != nil {
					return err
				}
			} else if err := kv.Put(op.key, s.codec.encode(op.value)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.maybeSync(sync)
}

func (s *boltStorage) maybeSync(sync bool) error {
	if !sync {
		return nil
	}
	return s.bdb.Sync()
}

func (s *boltStorage) NewIter() (storageIterator, error) {
	btx, err := s.bdb.Begin(false)
	if err != nil {
		return nil, err
	}
	return &boltIterator{st: s, btx: btx, c: btx.Bucket(boltKVBucket).Cursor()}, nil
}

func (s *boltStorage) SetFilterFactory(f filterFactory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factory = f
}

func (s *boltStorage) CompactRange(start, limit []byte) error {
	s.gate.enter()
	defer s.gate.exit()

	s.mu.Lock()
	factory := s.factory
	s.mu.Unlock()
	if factory == nil {
		return nil
	}
	f := factory()
	if f == nil {
		return nil
	}

	return s.bdb.Update(func(btx *bbolt.Tx) error {
		c := btx.Bucket(boltKVBucket).Cursor()
		for k, _ := c.Seek(start); k != nil && (limit == nil || bytes.Compare(k, limit) < 0); k, _ = c.Next() {
			if f.Drop(k) {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *boltStorage) PauseBackgroundWork() error {
	s.gate.pause()
	return nil
}

func (s *boltStorage) ResumeBackgroundWork() error {
	s.gate.resume()
	return nil
}

func (s *boltStorage) SyncWAL() error {
	return s.bdb.Sync()
}

func (s *boltStorage) Groups() []string {
	return slices.Clone(s.groups)
}

func (s *boltStorage) Close() error {
	return s.bdb.Close()
}

type boltIterator struct {
	st   *boltStorage
	btx  *bbolt.Tx
	c    *bbolt.Cursor
	k    []byte
	rawv []byte
}

func (c *boltIterator) set(k, v []byte) bool {
	c.k = k
	c.rawv = v
	return k != nil
}

func (c *boltIterator) First() bool            { return c.set(c.c.First()) }
func (c *boltIterator) Last() bool             { return c.set(c.c.Last()) }
func (c *boltIterator) SeekGE(key []byte) bool { return c.set(c.c.Seek(key)) }
func (c *boltIterator) Next() bool             { return c.set(c.c.Next()) }
func (c *boltIterator) Valid() bool            { return c.k != nil }
func (c *boltIterator) Key() []byte            { return c.k }

// Value decodes lazily; reserved bookkeeping keys (the reopen marker) bypass
// the codec and must only ever be read by key.
func (c *boltIterator) Value() []byte          { return must(c.st.codec.decode(c.rawv)) }
func (c *boltIterator) Close() error           { return c.btx.Rollback() }

// valueCodec compresses values before they reach bolt pages. Tag byte first,
// payload after, so that the codec can change between opens.
type valueCodec struct {
	kind byte
	zenc *zstd.Encoder
	zdec *zstd.Decoder
}

const (
	codecRaw    = 'r'
	codecSnappy = 's'
	codecZstd   = 'z'
)

func newValueCodec(name string) (valueCodec, error) {
	switch name {
	case "none":
		return valueCodec{kind: codecRaw}, nil
	case "", "snappy":
		return valueCodec{kind: codecSnappy}, nil
	case "zstd":
		zenc := must(zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1)))
		zdec := must(zstd.NewReader(nil, zstd.WithDecoderConcurrency(1)))
		return valueCodec{kind: codecZstd, zenc: zenc, zdec: zdec}, nil
	default:
		return valueCodec{}, fmt.Errorf("keyfold: unknown compression %q", name)
	}
}

func (vc valueCodec) encode(v []byte) []byte {
	switch vc.kind {
	case codecSnappy:
		return append([]byte{codecSnappy}, s2.Encode(nil, v)...)
	case codecZstd:
		return vc.zenc.EncodeAll(v, []byte{codecZstd})
	default:
		return append([]byte{codecRaw}, v...)
	}
}

func (vc valueCodec) decode(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("keyfold: empty stored value")
	}
	switch raw[0] {
	case codecSnappy:
		return s2.Decode(nil, raw[1:])
	case codecZstd:
		return vc.zdec.DecodeAll(raw[1:], nil)
	case codecRaw:
		return slices.Clone(raw[1:]), nil
	default:
		return nil, fmt.Errorf("keyfold: unknown value codec 0x%02x", raw[0])
	}
}
