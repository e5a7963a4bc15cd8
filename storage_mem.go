package keyfold

import (
	"bytes"
	"fmt"
	"slices"
	"sort"
	"sync"
)

type memKV struct {
	key   []byte
	value []byte
}

// memStorage is a transient in-memory storage implementation intended for
// tests. Compaction only happens through explicit CompactRange calls, which
// makes filter behavior deterministic.
type memStorage struct {
	mu      sync.Mutex
	items   []memKV // sorted by key
	factory filterFactory
	gate    *workGate
	groups  []string
	closed  bool

	syncCount int
	// failCompact, when set, makes every CompactRange fail without touching
	// data (purge-retry tests).
	failCompact error
}

func newMemStorage(groups ...string) *memStorage {
	if len(groups) == 0 {
		groups = []string{defaultGroup}
	}
	return &memStorage{gate: newWorkGate(), groups: slices.Clone(groups)}
}

func (s *memStorage) Get(key []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("storage closed")
	}
	i, ok := s.find(key)
	if !ok {
		return nil, ErrKeyNotFound
	}
	return slices.Clone(s.items[i].value), nil
}

func (s *memStorage) Put(key, value []byte, sync bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("storage closed")
	}
	s.putLocked(key, value)
	if sync {
		s.syncCount++
	}
	return nil
}

func (s *memStorage) Delete(key []byte, sync bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("storage closed")
	}
	s.deleteLocked(key)
	if sync {
		s.syncCount++
	}
	return nil
}

func (s *memStorage) WriteBatch(b *writeBatch, sync bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("storage closed")
	}
	for _, op := range b.ops {
		if op.delete {
			s.deleteLocked(op.key)
		} else {
			s.putLocked(op.key, op.value)
		}
	}
	if sync {
		s.syncCount++
	}
	return nil
}

func (s *memStorage) putLocked(key, value []byte) {
	key = slices.Clone(key)
	value = slices.Clone(value)
	i, ok := s.find(key)
	if ok {
		s.items[i].value = value
		return
	}
	s.items = slices.Insert(s.items, i, memKV{key: key, value: value})
}

func (s *memStorage) deleteLocked(key []byte) {
	i, ok := s.find(key)
	if !ok {
		return
	}
	s.items = slices.Delete(s.items, i, i+1)
}

func (s *memStorage) find(key []byte) (idx int, ok bool) {
	items := s.items
	i := sort.Search(len(items), func(i int) bool {
		return bytes.Compare(items[i].key, key) >= 0
	})
	if i < len(items) && bytes.Equal(items[i].key, key) {
		return i, true
	}
	return i, false
}

// NewIter iterates over a snapshot of the store (simplicity over efficiency).
func (s *memStorage) NewIter() (storageIterator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("storage closed")
	}
	snap := make([]memKV, len(s.items))
	for i, kv := range s.items {
		snap[i] = memKV{key: slices.Clone(kv.key), value: slices.Clone(kv.value)}
	}
	return &memIterator{items: snap, pos: -1}, nil
}

func (s *memStorage) SetFilterFactory(f filterFactory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factory = f
}

func (s *memStorage) CompactRange(start, limit []byte) error {
	s.gate.enter()
	defer s.gate.exit()

	s.mu.Lock()
	factory := s.factory
	fail := s.failCompact
	s.mu.Unlock()
	if fail != nil {
		return fail
	}
	if factory == nil {
		return nil
	}
	f := factory()
	if f == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.items[:0]
	for _, kv := range s.items {
		inRange := bytes.Compare(kv.key, start) >= 0 && (limit == nil || bytes.Compare(kv.key, limit) < 0)
		if inRange && f.Drop(kv.key) {
			continue
		}
		kept = append(kept, kv)
	}
	s.items = kept
	return nil
}

func (s *memStorage) PauseBackgroundWork() error {
	s.gate.pause()
	return nil
}

func (s *memStorage) ResumeBackgroundWork() error {
	s.gate.resume()
	return nil
}

func (s *memStorage) SyncWAL() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrShuttingDown
	}
	s.syncCount++
	return nil
}

func (s *memStorage) Groups() []string {
	return slices.Clone(s.groups)
}

func (s *memStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type memIterator struct {
	items []memKV
	pos   int
}

func (c *memIterator) First() bool {
	c.pos = 0
	return c.Valid()
}

func (c *memIterator) Last() bool {
	c.pos = len(c.items) - 1
	return c.Valid()
}

func (c *memIterator) SeekGE(key []byte) bool {
	c.pos = sort.Search(len(c.items), func(i int) bool {
		return bytes.Compare(c.items[i].key, key) >= 0
	})
	return c.Valid()
}

func (c *memIterator) Next() bool {
	c.pos++
	return c.Valid()
}

func (c *memIterator) Valid() bool {
	return c.pos >= 0 && c.pos < len(c.items)
}

func (c *memIterator) Key() []byte   { return c.items[c.pos].key }
func (c *memIterator) Value() []byte { return c.items[c.pos].value }
func (c *memIterator) Close() error  { return nil }
