package keyfold

import (
	"bytes"
	"maps"
	"sync"
)

// identRegistry assigns and persists a unique namespace prefix per ident. The
// in-memory map and the max-prefix counter are guarded by a single short-held
// lock; store writes happen with the lock released.
type identRegistry struct {
	st storage

	mu         sync.Mutex
	idents     map[string]*IdentConfig
	maxPrefix  uint32
	oplogIdent string
}

func newIdentRegistry(st storage) *identRegistry {
	return &identRegistry{st: st, idents: make(map[string]*IdentConfig)}
}

// IdentOptions carries table-specific config fields persisted alongside the
// allocated prefix. Oplog tables reserve a second prefix (prefix+1) for their
// internal key tracker, allocated atomically with the table's own.
type IdentOptions struct {
	Oplog bool
	Extra map[string]string
}

// create registers the ident, allocating the next prefix. Creating an ident
// that already exists is a no-op returning the existing prefix, never a
// duplicate allocation.
func (r *identRegistry) create(ident string, opt IdentOptions) (uint32, error) {
	r.mu.Lock()
	if cfg, ok := r.idents[ident]; ok {
		prefix := cfg.Prefix
		r.mu.Unlock()
		return prefix, nil
	}
	r.maxPrefix++
	prefix := r.maxPrefix
	cfg := &IdentConfig{Prefix: prefix, Oplog: opt.Oplog, Extra: maps.Clone(opt.Extra)}
	r.idents[ident] = cfg
	var trackerPrefix uint32
	if opt.Oplog {
		r.oplogIdent = ident
		r.maxPrefix++
		trackerPrefix = r.maxPrefix
	}
	r.mu.Unlock()

	if err := r.st.Put(metadataKey(ident), encodeIdentConfig(cfg), false); err != nil {
		return 0, err
	}
	// Allocation markers: bare prefix keys keep the max-prefix recovery scan
	// correct even before the table has any data.
	if err := r.st.Put(encodePrefix(prefix), nil, false); err != nil {
		return 0, err
	}
	if opt.Oplog {
		if err := r.st.Put(encodePrefix(trackerPrefix), nil, false); err != nil {
			return 0, err
		}
	}
	return prefix, nil
}

// lookup returns a copy of the stored config; callers never observe mutation
// of the registry's internal record.
func (r *identRegistry) lookup(ident string) (IdentConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.idents[ident]
	if !ok {
		return IdentConfig{}, ErrIdentNotFound
	}
	return cfg.clone(), nil
}

func (r *identRegistry) has(ident string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.idents[ident]
	return ok
}

func (r *identRegistry) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.idents))
	for ident := range r.idents {
		out = append(out, ident)
	}
	return out
}

// drop retires the ident's prefix(es): the metadata record is deleted and a
// drop marker written per prefix, in one atomic batch with forced durability.
// Once the markers are durable the drop cannot be rolled back; only then is
// the ident removed from the in-memory map. Returns the retired prefixes for
// the dropped-prefix tracker.
func (r *identRegistry) drop(ident string) ([]uint32, error) {
	r.mu.Lock()
	cfg, ok := r.idents[ident]
	if !ok {
		r.mu.Unlock()
		return nil, ErrIdentNotFound
	}
	prefixes := []uint32{cfg.Prefix}
	if r.oplogIdent == ident {
		// The oplog's key tracker lives at prefix+1 and dies with it.
		prefixes = append(prefixes, cfg.Prefix+1)
	}
	r.mu.Unlock()

	var b writeBatch
	b.Delete(metadataKey(ident))
	for _, p := range prefixes {
		b.Put(droppedKey(p), nil)
	}
	// The markers must be on disk before compactions may start deleting data.
	if err := r.st.WriteBatch(&b, true); err != nil {
		// Drop not committed; the ident stays registered.
		return nil, err
	}

	r.mu.Lock()
	delete(r.idents, ident)
	if r.oplogIdent == ident {
		r.oplogIdent = ""
	}
	r.mu.Unlock()
	return prefixes, nil
}

// recover rebuilds the registry from store contents alone: seed the max-prefix
// counter from the largest key present, then scan the metadata namespace.
// Runs single-threaded before the engine is published, which is the one place
// the lock stays held across store iteration.
func (r *identRegistry) recover(it storageIterator) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if it.Last() {
		// Otherwise the store is empty and the counter stays at 0.
		prefix, ok := extractPrefix(it.Key())
		if !ok {
			return corruptf(it.Key(), nil, "key shorter than the prefix width")
		}
		r.maxPrefix = prefix
	}

	for ok := it.SeekGE(metadataKeyPrefix); ok && bytes.HasPrefix(it.Key(), metadataKeyPrefix); ok = it.Next() {
		ident := string(it.Key()[len(metadataKeyPrefix):])
		cfg, err := decodeIdentConfig(it.Key(), it.Value())
		if err != nil {
			return err
		}
		r.idents[ident] = cfg
		if cfg.Oplog {
			r.oplogIdent = ident
		}
		if cfg.Prefix > r.maxPrefix {
			r.maxPrefix = cfg.Prefix
		}
	}

	// One extra slot, in case the last allocation was an oplog table whose
	// key tracker reserved prefix+1 without a metadata record of its own.
	r.maxPrefix++
	return nil
}
