package keyfold

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"golang.org/x/time/rate"
)

// Storage backends.
const (
	BackendPebble = "pebble"
	BackendBolt   = "bolt"
)

type Options struct {
	// Backend selects the storage engine; default BackendPebble.
	Backend string

	// FS overrides the pebble filesystem; tests pass vfs.NewMem().
	FS vfs.FS

	// Durable enables crash-safety: synced drop markers stay meaningful even
	// without it, but the durability pacer only runs when set.
	Durable bool

	// CommitInterval paces background log flushes; default 100ms.
	CommitInterval time.Duration

	// UseSeparateOplogGroup opens the store with the extra column group
	// reserved for the high-write-rate table class.
	UseSeparateOplogGroup bool

	// Compression: "snappy" (default), "zstd" or "none".
	Compression string

	// MaxWriteBytesPerSec throttles recovery-unit commit throughput;
	// 0 disables throttling.
	MaxWriteBytesPerSec int

	// WriteTickets and ReadTickets bound concurrently open transactional
	// operations on each side; default 128.
	WriteTickets int
	ReadTickets  int

	Logger    *slog.Logger
	IsTesting bool
}

// Engine multiplexes logical tables into the shared keyspace of one embedded
// ordered KV store. A single process owns the store exclusively.
type Engine struct {
	st     storage
	logger *slog.Logger

	registry *identRegistry
	dropped  *droppedTracker
	sched    *compactionScheduler
	dm       *durabilityManager
	pacer    *durabilityPacer

	writeTickets *TicketHolder
	readTickets  *TicketHolder
	writeLimiter *rate.Limiter
}

// Open opens (creating if necessary) the store at path and reconstructs all
// namespace state from its contents: the ident→prefix map, the max-prefix
// counter and any purges interrupted by a prior shutdown or crash.
func Open(path string, opt Options) (*Engine, error) {
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}

	st, err := openStorage(path, opt)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		st:           st,
		logger:       logger,
		writeTickets: NewTicketHolder(opt.WriteTickets),
		readTickets:  NewTicketHolder(opt.ReadTickets),
	}
	if opt.MaxWriteBytesPerSec > 0 {
		e.writeLimiter = rate.NewLimiter(rate.Limit(opt.MaxWriteBytesPerSec), opt.MaxWriteBytesPerSec)
	}

	e.sched = newCompactionScheduler(st, logger)
	e.dropped = newDroppedTracker(st, e.sched, logger)
	e.registry = newIdentRegistry(st)
	e.dm = newDurabilityManager(st, opt.Durable)

	// The filter factory must be in place before recovery re-enqueues purges:
	// those compactions snapshot the dropped set through it.
	st.SetFilterFactory(e.dropped.filterFactory)

	if err := e.recover(); err != nil {
		e.sched.close()
		st.Close()
		return nil, err
	}

	if opt.Durable {
		e.pacer = startDurabilityPacer(e.dm, opt.CommitInterval, logger)
	}
	return e, nil
}

func openStorage(path string, opt Options) (storage, error) {
	switch opt.Backend {
	case "", BackendPebble:
		return openPebbleStorage(path, opt)
	case BackendBolt:
		return openBoltStorage(path, opt)
	default:
		return nil, fmt.Errorf("keyfold: unknown backend %q", opt.Backend)
	}
}

// recover runs registry reconstruction before dropped-prefix reconstruction;
// no table open is served and no filter snapshot is requested until both are
// done.
func (e *Engine) recover() error {
	it, err := e.st.NewIter()
	if err != nil {
		return err
	}
	defer it.Close()

	if err := e.registry.recover(it); err != nil {
		return err
	}
	return e.dropped.recover(it)
}

// Close shuts the engine down cooperatively: the pacer is signaled and
// joined, durability waiters released, in-flight purges drained, and only
// then is the store torn down.
func (e *Engine) Close() {
	if e.pacer != nil {
		e.pacer.shutdown()
	}
	e.dm.close()
	e.sched.close()
	if err := e.st.Close(); err != nil {
		panic(fmt.Errorf("keyfold: closing: %w", err))
	}
}

// CreateIdent registers a logical table and returns its namespace prefix.
// Idempotent: an already-registered ident returns its existing prefix.
func (e *Engine) CreateIdent(ident string, opt IdentOptions) (uint32, error) {
	return e.registry.create(ident, opt)
}

// GetIdent returns a copy of the ident's persisted config.
func (e *Engine) GetIdent(ident string) (IdentConfig, error) {
	return e.registry.lookup(ident)
}

// IdentPrefix is a convenience lookup of just the namespace prefix.
func (e *Engine) IdentPrefix(ident string) (uint32, error) {
	cfg, err := e.registry.lookup(ident)
	if err != nil {
		return 0, err
	}
	return cfg.Prefix, nil
}

func (e *Engine) HasIdent(ident string) bool {
	return e.registry.has(ident)
}

func (e *Engine) AllIdents() []string {
	return e.registry.all()
}

// DropIdent retires the ident. The drop is durable before it is visible:
// marker write and fsync happen first, then the registry forgets the ident,
// then asynchronous purge compactions start deleting its data.
func (e *Engine) DropIdent(ident string) error {
	prefixes, err := e.registry.drop(ident)
	if err != nil {
		return err
	}
	e.dropped.markDropped(prefixes)
	return nil
}

// DroppedPrefixes reports namespaces whose purge is pending or in flight.
func (e *Engine) DroppedPrefixes() []uint32 {
	return e.dropped.prefixes()
}

// WaitUntilDurable blocks until everything written so far is durable.
func (e *Engine) WaitUntilDurable(forceFlush bool) error {
	return e.dm.waitUntilDurable(forceFlush)
}

// Groups returns the column groups the store was opened with.
func (e *Engine) Groups() []string {
	return e.st.Groups()
}

// BeginBackup pauses background compaction work so files can be copied out
// consistently; EndBackup resumes it.
func (e *Engine) BeginBackup() error {
	return e.st.PauseBackgroundWork()
}

func (e *Engine) EndBackup() error {
	return e.st.ResumeBackgroundWork()
}

type TicketStats struct {
	Used      int
	Available int
	Total     int
}

type EngineStats struct {
	Write TicketStats
	Read  TicketStats
}

func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Write: ticketStats(e.writeTickets),
		Read:  ticketStats(e.readTickets),
	}
}

func ticketStats(h *TicketHolder) TicketStats {
	return TicketStats{Used: h.Used(), Available: h.Available(), Total: h.Total()}
}

// WriteTickets exposes the write-side admission gate (for resize).
func (e *Engine) WriteTickets() *TicketHolder { return e.writeTickets }

// ReadTickets exposes the read-side admission gate (for resize).
func (e *Engine) ReadTickets() *TicketHolder { return e.readTickets }
