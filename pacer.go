package keyfold

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// defaultCommitInterval is how often the pacer forces the write-ahead log to a
// durable state when no interval is configured.
const defaultCommitInterval = 100 * time.Millisecond

// durabilityManager owns the store's durability boundary. Callers either force
// a log flush themselves or park until the pacer's next flush.
type durabilityManager struct {
	st      storage
	durable bool

	mu     sync.Mutex
	cond   *sync.Cond
	epoch  uint64
	closed bool
}

func newDurabilityManager(st storage, durable bool) *durabilityManager {
	dm := &durabilityManager{st: st, durable: durable}
	dm.cond = sync.NewCond(&dm.mu)
	return dm
}

// waitUntilDurable blocks until everything written so far is durable. With
// forceFlush it flushes the log itself; otherwise it waits for the pacer's
// next flush. When durability is disabled there is no pacer, so the flush
// always happens inline.
func (dm *durabilityManager) waitUntilDurable(forceFlush bool) error {
	if forceFlush || !dm.durable {
		return dm.sync()
	}

	dm.mu.Lock()
	e := dm.epoch
	for dm.epoch == e && !dm.closed {
		dm.cond.Wait()
	}
	advanced := dm.epoch != e
	dm.mu.Unlock()
	if advanced {
		return nil
	}
	return ErrShuttingDown
}

// sync flushes the write-ahead log and advances the durability epoch.
func (dm *durabilityManager) sync() error {
	dm.mu.Lock()
	if dm.closed {
		dm.mu.Unlock()
		return ErrShuttingDown
	}
	dm.mu.Unlock()

	if err := dm.st.SyncWAL(); err != nil {
		return err
	}

	dm.mu.Lock()
	dm.epoch++
	dm.cond.Broadcast()
	dm.mu.Unlock()
	return nil
}

// close releases all waiters. Must happen before store teardown.
func (dm *durabilityManager) close() {
	dm.mu.Lock()
	dm.closed = true
	dm.cond.Broadcast()
	dm.mu.Unlock()
}

// durabilityPacer is the background loop that periodically forces the
// write-ahead log durable, unblocking operations waiting on the durability
// boundary. It runs only when durability is enabled.
type durabilityPacer struct {
	dm       *durabilityManager
	interval time.Duration
	logger   *slog.Logger
	stopc    chan struct{}
	donec    chan struct{}
}

func startDurabilityPacer(dm *durabilityManager, interval time.Duration, logger *slog.Logger) *durabilityPacer {
	if interval <= 0 {
		interval = defaultCommitInterval
	}
	p := &durabilityPacer{
		dm:       dm,
		interval: interval,
		logger:   logger,
		stopc:    make(chan struct{}),
		donec:    make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *durabilityPacer) run() {
	p.logger.Debug("starting durability pacer", "interval", p.interval)
	defer close(p.donec)

	t := time.NewTicker(p.interval)
	defer t.Stop()

	for {
		select {
		case <-p.stopc:
			p.logger.Debug("stopping durability pacer")
			return
		case <-t.C:
			err := p.dm.sync()
			if err == nil || errors.Is(err, ErrShuttingDown) {
				continue
			}
			// A flush failure outside shutdown leaves callers believing in
			// durability that doesn't exist.
			ensure(err)
		}
	}
}

// shutdown signals the loop and waits for it to exit, so no background
// durability work races with store teardown.
func (p *durabilityPacer) shutdown() {
	close(p.stopc)
	<-p.donec
}
