package keyfold

import (
	"bytes"
	"errors"
	"log/slog"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"
)

// droppedTracker records namespaces that are logically deleted but whose data
// may still physically exist. Membership is backed by durable drop markers;
// the in-memory set only drives compaction filtering and diagnostics.
//
// The tracker has its own lock, independent from the registry's, so the two
// subsystems never nest locks across each other.
type droppedTracker struct {
	st     storage
	sched  *compactionScheduler
	logger *slog.Logger

	mu      sync.Mutex
	dropped *roaring.Bitmap
}

func newDroppedTracker(st storage, sched *compactionScheduler, logger *slog.Logger) *droppedTracker {
	return &droppedTracker{st: st, sched: sched, logger: logger, dropped: roaring.New()}
}

// markDropped inserts the prefixes into the dropped set and schedules an
// asynchronous purge per prefix. The durable drop markers must already be on
// disk: filtering may begin the moment a prefix enters the set.
func (t *droppedTracker) markDropped(prefixes []uint32) {
	t.mu.Lock()
	for _, p := range prefixes {
		t.dropped.Add(p)
	}
	t.mu.Unlock()

	for _, p := range prefixes {
		p := p
		t.logger.Debug("compacting dropped prefix", hexAttr("prefix", encodePrefix(p)))
		err := t.sched.compactDroppedPrefix(p, func(ok bool) {
			t.purgeDone(p, ok)
		})
		if err != nil {
			// Left for the next startup's recovery scan: the marker is still
			// durable, so the purge is retried then.
			t.logger.Warn("failed to schedule compaction for dropped prefix",
				hexAttr("prefix", encodePrefix(p)), "err", err)
		}
	}
}

// purgeDone removes the prefix from the set regardless of outcome; the set
// tracks "purge in flight or pending", not "physically gone". On success the
// durable marker is deleted with forced durability so a future restart does
// not re-enqueue the purge. On failure the marker stays: at-least-once retry.
func (t *droppedTracker) purgeDone(prefix uint32, succeeded bool) {
	t.mu.Lock()
	t.dropped.Remove(prefix)
	t.mu.Unlock()

	if succeeded {
		if err := t.st.Delete(droppedKey(prefix), true); err != nil {
			t.logger.Warn("failed to delete drop marker",
				hexAttr("prefix", encodePrefix(prefix)), "err", err)
		}
	}
}

// snapshot returns an immutable copy for a compaction filter instance, so the
// filter never shares mutable state with background compaction threads.
func (t *droppedTracker) snapshot() *roaring.Bitmap {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped.Clone()
}

func (t *droppedTracker) prefixes() []uint32 {
	return t.snapshot().ToArray()
}

// filterFactory is installed into the store. A nil filter means nothing to
// drop and the store skips filtering for that compaction.
func (t *droppedTracker) filterFactory() compactionFilter {
	snap := t.snapshot()
	if snap.IsEmpty() {
		return nil
	}
	return newPrefixDeletingFilter(snap)
}

// recover scans the drop-marker namespace and re-enqueues every interrupted
// purge. Markers found here survived a prior shutdown or crash.
func (t *droppedTracker) recover(it storageIterator) error {
	var prefixes []uint32
	for ok := it.SeekGE(droppedKeyPrefix); ok && bytes.HasPrefix(it.Key(), droppedKeyPrefix); ok = it.Next() {
		raw := it.Key()[len(droppedKeyPrefix):]
		prefix, ok2 := extractPrefix(raw)
		if !ok2 {
			return corruptf(it.Key(), nil, "truncated drop marker")
		}
		prefixes = append(prefixes, prefix)
	}
	t.logger.Info("dropped prefixes need compaction", "count", len(prefixes))
	t.markDropped(prefixes)
	return nil
}

// purgeWorkers bounds concurrent purge compactions; purgeQueueDepth bounds
// purges waiting for a worker.
const (
	purgeWorkers    = 2
	purgeQueueDepth = 128
)

var errPurgeQueueFull = errors.New("purge queue is full")

type purgeTask struct {
	prefix uint32
	done   func(ok bool)
}

// compactionScheduler runs purge compactions on a fixed pool of workers fed by
// a bounded queue, and reports each task's outcome through an explicit
// completion callback. Scheduling never blocks the caller: foreground drops
// must not wait behind purge work.
type compactionScheduler struct {
	st     storage
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan purgeTask
	g      errgroup.Group
}

func newCompactionScheduler(st storage, logger *slog.Logger) *compactionScheduler {
	cs := &compactionScheduler{st: st, logger: logger, queue: make(chan purgeTask, purgeQueueDepth)}
	for i := 0; i < purgeWorkers; i++ {
		cs.g.Go(cs.runWorker)
	}
	return cs
}

func (cs *compactionScheduler) runWorker() error {
	for task := range cs.queue {
		start, limit := prefixRange(task.prefix)
		err := cs.st.CompactRange(start, limit)
		if err != nil {
			cs.logger.Warn("purge compaction failed", hexAttr("prefix", start), "err", err)
		}
		task.done(err == nil)
	}
	return nil
}

// compactDroppedPrefix schedules a compaction of the prefix's whole key range.
// A full queue is an error, not a wait: the durable drop marker keeps the
// purge retryable on the next startup. done is invoked exactly once from a
// scheduler worker; it must not block.
func (cs *compactionScheduler) compactDroppedPrefix(prefix uint32, done func(ok bool)) error {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	if cs.closed {
		return ErrShuttingDown
	}
	select {
	case cs.queue <- purgeTask{prefix: prefix, done: done}:
		return nil
	default:
		return errPurgeQueueFull
	}
}

// close stops intake and drains queued purges; their side effects are
// idempotent and safe to resume on the next startup, but none may outlive the
// store handle. Closing the channel under the write lock keeps it ordered
// after every in-flight send, which happens under the read lock.
func (cs *compactionScheduler) close() {
	cs.mu.Lock()
	cs.closed = true
	close(cs.queue)
	cs.mu.Unlock()
	_ = cs.g.Wait()
}
