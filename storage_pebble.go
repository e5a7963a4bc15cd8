package keyfold

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
)

// pebbleStorage is the production LSM backend. The optional oplog column group
// maps to a second pebble instance under <path>/oplog; pebble has no column
// families. Pebble also has no pluggable compaction filters, so CompactRange
// applies the registered filter in a sweep before compacting the range.
type pebbleStorage struct {
	db     *pebble.DB
	oplog  *pebble.DB
	groups []string
	gate   *workGate

	mu      sync.Mutex
	factory filterFactory
}

func openPebbleStorage(path string, opt Options) (storage, error) {
	popts := pebbleOptions(opt)
	db, err := pebble.Open(path, popts)
	if err != nil {
		return nil, fmt.Errorf("keyfold: %w", err)
	}

	recorded, err := readGroupMarker(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	requested := []string{defaultGroup}
	if opt.UseSeparateOplogGroup {
		requested = append(requested, oplogGroup)
	}

	// A store that previously carried the oplog group cannot be opened
	// without it: the group's data would silently disappear from view.
	if slices.Contains(recorded, oplogGroup) && !opt.UseSeparateOplogGroup {
		db.Close()
		return nil, &GroupMismatchError{Path: path, Recorded: recorded, Requested: requested}
	}

	var oplogDB *pebble.DB
	if opt.UseSeparateOplogGroup {
		oplogPath := path + "/" + oplogGroup
		// Strict open first; if the group does not exist yet (first request,
		// or a fresh store), create it with a second, plain open. Bounded:
		// exactly one retry, no recursion.
		strict := pebbleOptions(opt)
		strict.ErrorIfNotExists = true
		oplogDB, err = pebble.Open(oplogPath, strict)
		if err != nil {
			oplogDB, err = pebble.Open(oplogPath, pebbleOptions(opt))
			if err != nil {
				db.Close()
				return nil, fmt.Errorf("keyfold: creating %s group: %w", oplogGroup, err)
			}
		}
	}

	s := &pebbleStorage{db: db, oplog: oplogDB, groups: requested, gate: newWorkGate()}
	if err := writeGroupMarker(db, requested); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func pebbleOptions(opt Options) *pebble.Options {
	popts := &pebble.Options{
		FS: opt.FS,
	}
	if opt.IsTesting {
		popts.MemTableSize = 1 << 20
	}

	compression := pebble.SnappyCompression
	switch opt.Compression {
	case "", "snappy":
	case "zstd":
		compression = pebble.ZstdCompression
	case "none":
		compression = pebble.NoCompression
	}
	// Lowest two levels stay uncompressed; they are rewritten too often for
	// compression to pay off.
	popts.Levels = make([]pebble.LevelOptions, 7)
	for i := range popts.Levels {
		if i < 2 {
			popts.Levels[i].Compression = pebble.NoCompression
		} else {
			popts.Levels[i].Compression = compression
		}
	}
	return popts
}

func readGroupMarker(db *pebble.DB) ([]string, error) {
	raw, closer, err := db.Get(reopenModeKey)
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keyfold: reading reopen marker: %w", err)
	}
	groups := strings.Split(string(raw), ",")
	closer.Close()
	return groups, nil
}

func writeGroupMarker(db *pebble.DB, groups []string) error {
	return db.Set(reopenModeKey, []byte(strings.Join(groups, ",")), pebble.NoSync)
}

func (s *pebbleStorage) Get(key []byte) ([]byte, error) {
	raw, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	out := slices.Clone(raw)
	closer.Close()
	return out, nil
}

func (s *pebbleStorage) Put(key, value []byte, sync bool) error {
	return s.db.Set(key, value, pebbleWriteOpts(sync))
}

func (s *pebbleStorage) Delete(key []byte, sync bool) error {
	return s.db.Delete(key, pebbleWriteOpts(sync))
}

func (s *pebbleStorage) WriteBatch(b *writeBatch, sync bool) error {
	pb := s.db.NewBatch()
	for _, op := range b.ops {
		if op.delete {
			ensure(pb.Delete(op.key, nil))
		} else {
			ensure(pb.Set(op.key, op.value, nil))
		}
	}
	err := pb.Commit(pebbleWriteOpts(sync))
	cerr := pb.Close()
	if err != nil {
		return err
	}
	return cerr
}

func pebbleWriteOpts(sync bool) *pebble.WriteOptions {
	if sync {
		return pebble.Sync
	}
	return pebble.NoSync
}

func (s *pebbleStorage) NewIter() (storageIterator, error) {
	it, err := s.db.NewIter(nil)
	if err != nil {
		return nil, err
	}
	return &pebbleIterator{it: it}, nil
}

func (s *pebbleStorage) SetFilterFactory(f filterFactory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factory = f
}

func (s *pebbleStorage) CompactRange(start, limit []byte) error {
	s.gate.enter()
	defer s.gate.exit()

	s.mu.Lock()
	factory := s.factory
	s.mu.Unlock()

	if factory != nil {
		f := factory()
		if f != nil {
			if err := s.sweep(f, start, limit); err != nil {
				return err
			}
		}
	}
	if limit == nil {
		// Largest possible prefix; cannot be allocated while the counter is
		// monotonic, and pebble needs a bounded range. The sweep above has
		// already removed the data.
		return nil
	}
	return s.db.Compact(start, limit, true)
}

func (s *pebbleStorage) sweep(f compactionFilter, start, limit []byte) error {
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: start, UpperBound: limit})
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	for it.First(); it.Valid(); it.Next() {
		if f.Drop(it.Key()) {
			ensure(b.Delete(it.Key(), nil))
		}
	}
	if err := it.Close(); err != nil {
		b.Close()
		return err
	}
	err = b.Commit(pebble.NoSync)
	cerr := b.Close()
	if err != nil {
		return err
	}
	return cerr
}

func (s *pebbleStorage) PauseBackgroundWork() error {
	s.gate.pause()
	return nil
}

func (s *pebbleStorage) ResumeBackgroundWork() error {
	s.gate.resume()
	return nil
}

// SyncWAL forces the write-ahead log to a durable state using an empty
// data-only batch committed with sync.
func (s *pebbleStorage) SyncWAL() error {
	if err := syncPebbleWAL(s.db); err != nil {
		return err
	}
	if s.oplog != nil {
		return syncPebbleWAL(s.oplog)
	}
	return nil
}

func syncPebbleWAL(db *pebble.DB) error {
	b := db.NewBatch()
	ensure(b.LogData([]byte("sync"), nil))
	err := b.Commit(pebble.Sync)
	cerr := b.Close()
	if err != nil {
		return err
	}
	return cerr
}

func (s *pebbleStorage) Groups() []string {
	return slices.Clone(s.groups)
}

func (s *pebbleStorage) Close() error {
	err := s.db.Close()
	if s.oplog != nil {
		if oerr := s.oplog.Close(); err == nil {
			err = oerr
		}
	}
	return err
}

type pebbleIterator struct {
	it *pebble.Iterator
}

func (c *pebbleIterator) First() bool            { return c.it.First() }
func (c *pebbleIterator) Last() bool             { return c.it.Last() }
func (c *pebbleIterator) SeekGE(key []byte) bool { return c.it.SeekGE(key) }
func (c *pebbleIterator) Next() bool             { return c.it.Next() }
func (c *pebbleIterator) Valid() bool            { return c.it.Valid() }
func (c *pebbleIterator) Key() []byte            { return c.it.Key() }
func (c *pebbleIterator) Value() []byte          { return c.it.Value() }
func (c *pebbleIterator) Close() error           { return c.it.Close() }
