package keyfold

import "sync"

// Column group names. The oplog group is reserved for a high-write-rate table
// class and is only present when the store was opened with it.
const (
	defaultGroup = "default"
	oplogGroup   = "oplog"
)

// storage represents an ordered key-value backend (pebble, Bolt, in-memory).
// All keyed operations address the default column group; the oplog group, when
// present, is managed by table-level collaborators.
type storage interface {
	// Get retrieves a value by key. Returns ErrKeyNotFound for missing keys.
	// The returned slice is owned by the caller.
	Get(key []byte) ([]byte, error)

	// Put stores a key-value pair. sync forces the write-ahead log to a
	// durable state before returning.
	Put(key, value []byte, sync bool) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(key []byte, sync bool) error

	// WriteBatch applies a batch atomically.
	WriteBatch(b *writeBatch, sync bool) error

	// NewIter returns an ordered iterator over the whole default group.
	NewIter() (storageIterator, error)

	// SetFilterFactory installs the compaction-filter factory consulted by
	// CompactRange. Must be called before the first CompactRange.
	SetFilterFactory(f filterFactory)

	// CompactRange physically removes keys in [start, limit) that the
	// registered filter discards, then compacts the range. limit == nil means
	// "to the end of the keyspace".
	CompactRange(start, limit []byte) error

	// PauseBackgroundWork blocks new compaction work and waits for in-flight
	// work to finish. ResumeBackgroundWork undoes it.
	PauseBackgroundWork() error
	ResumeBackgroundWork() error

	// SyncWAL forces the write-ahead log to a durable state.
	SyncWAL() error

	// Groups returns the column groups this store was opened with.
	Groups() []string

	// Close closes the storage.
	Close() error
}

// storageIterator iterates over the store in key order.
type storageIterator interface {
	First() bool
	Last() bool
	SeekGE(key []byte) bool
	Next() bool
	Valid() bool
	Key() []byte
	Value() []byte
	Close() error
}

// filterFactory produces a compaction filter for one compaction run, or nil
// when there is nothing to drop.
type filterFactory func() compactionFilter

// compactionFilter decides whether a key should be physically removed during
// compaction. A filter instance is used by a single compaction at a time.
type compactionFilter interface {
	Drop(key []byte) bool
}

type batchOp struct {
	delete bool
	key    []byte
	value  []byte
}

// writeBatch is an ordered set of mutations applied atomically.
type writeBatch struct {
	ops  []batchOp
	size int
}

func (b *writeBatch) Put(key, value []byte) {
	b.ops = append(b.ops, batchOp{key: key, value: value})
	b.size += len(key) + len(value)
}

func (b *writeBatch) Delete(key []byte) {
	b.ops = append(b.ops, batchOp{delete: true, key: key})
	b.size += len(key)
}

func (b *writeBatch) Len() int { return len(b.ops) }

func (b *writeBatch) ByteSize() int { return b.size }

// get reports the batch's own view of a key: the last op wins.
func (b *writeBatch) get(key []byte) (value []byte, deleted, found bool) {
	for i := len(b.ops) - 1; i >= 0; i-- {
		op := b.ops[i]
		if string(op.key) == string(key) {
			return op.value, op.delete, true
		}
	}
	return nil, false, false
}

// workGate serializes background compaction work against backup-style pauses.
// pause waits for in-flight work to drain before returning.
type workGate struct {
	mu     sync.Mutex
	cond   *sync.Cond
	paused bool
	active int
}

func newWorkGate() *workGate {
	g := new(workGate)
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *workGate) enter() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.paused {
		g.cond.Wait()
	}
	g.active++
}

func (g *workGate) exit() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active--
	g.cond.Broadcast()
}

func (g *workGate) pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paused = true
	for g.active > 0 {
		g.cond.Wait()
	}
}

func (g *workGate) resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paused = false
	g.cond.Broadcast()
}
