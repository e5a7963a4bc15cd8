package keyfold

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/vfs"
)

func TestEngineOpenClose(t *testing.T) {
	e := setup(t, Options{})
	deepEqual(t, e.Groups(), []string{defaultGroup})
	eq(t, len(e.AllIdents()), 0)
}

func TestEngineCreateDropReopen(t *testing.T) {
	fs := vfs.NewMem()

	e := must(Open("store", Options{FS: fs, IsTesting: true}))
	p1 := must(e.CreateIdent("coll-main", IdentOptions{Extra: map[string]string{"opts": "x"}}))
	p2 := must(e.CreateIdent("index-main-a", IdentOptions{}))

	u := e.NewRecoveryUnit(true)
	u.Put(tkey(p1, "doc1"), []byte("hello"))
	u.Put(tkey(p2, "key1"), []byte("ref"))
	noerr(t, u.Commit(true))
	u.Close()
	e.Close()

	e = must(Open("store", Options{FS: fs, IsTesting: true}))
	eq(t, e.HasIdent("coll-main"), true)
	eq(t, must(e.IdentPrefix("coll-main")), p1)
	cfg := must(e.GetIdent("coll-main"))
	eq(t, cfg.Extra["opts"], "x")

	u = e.NewRecoveryUnit(false)
	deepEqual(t, must(u.Get(tkey(p1, "doc1"))), []byte("hello"))
	u.Close()

	noerr(t, e.DropIdent("index-main-a"))
	_, err := e.IdentPrefix("index-main-a")
	iserr(t, err, ErrIdentNotFound)
	e.Close() // waits for the purge

	e = must(Open("store", Options{FS: fs, IsTesting: true}))
	eq(t, e.HasIdent("index-main-a"), false)
	eq(t, len(e.DroppedPrefixes()), 0)

	u = e.NewRecoveryUnit(false)
	deepEqual(t, must(u.Get(tkey(p1, "doc1"))), []byte("hello"))
	_, err = u.Get(tkey(p2, "key1"))
	iserr(t, err, ErrKeyNotFound)
	u.Close()

	// Prefixes are never reused, even for a recreated ident.
	p3 := must(e.CreateIdent("index-main-a", IdentOptions{}))
	if p3 <= p2 {
		t.Fatalf("** reused prefix %d", p3)
	}
	e.Close()
}

func TestEngineInterruptedDropResumesOnOpen(t *testing.T) {
	// Simulate a crash after the drop markers became durable but before the
	// purge ran: write table data plus a marker by hand, then open.
	fs := vfs.NewMem()

	e := must(Open("store", Options{FS: fs, IsTesting: true}))
	p := must(e.CreateIdent("coll-doomed", IdentOptions{}))
	u := e.NewRecoveryUnit(true)
	u.Put(tkey(p, "doc1"), []byte("x"))
	noerr(t, u.Commit(true))
	u.Close()
	noerr(t, e.st.WriteBatch(newDropState("coll-doomed", p), true))
	e.Close()

	e = must(Open("store", Options{FS: fs, IsTesting: true}))
	e.Close() // open re-enqueued the purge; close drains it

	e = must(Open("store", Options{FS: fs, IsTesting: true}))
	defer e.Close()
	u = e.NewRecoveryUnit(false)
	defer u.Close()
	_, err := u.Get(tkey(p, "doc1"))
	iserr(t, err, ErrKeyNotFound)
	eq(t, len(e.DroppedPrefixes()), 0)
}

// newDropState builds the batch a crashed drop would have left behind.
func newDropState(ident string, prefix uint32) *writeBatch {
	var b writeBatch
	b.Delete(metadataKey(ident))
	b.Put(droppedKey(prefix), nil)
	return &b
}

func TestEngineGroupMismatch(t *testing.T) {
	fs := vfs.NewMem()

	e := must(Open("store", Options{FS: fs, IsTesting: true, UseSeparateOplogGroup: true}))
	deepEqual(t, e.Groups(), []string{defaultGroup, oplogGroup})
	e.Close()

	_, err := Open("store", Options{FS: fs, IsTesting: true})
	var gme *GroupMismatchError
	if !errors.As(err, &gme) {
		t.Fatalf("** got %v, wanted a group mismatch error", err)
	}
}

func TestEngineGroupCreatedOnReopen(t *testing.T) {
	fs := vfs.NewMem()

	e := must(Open("store", Options{FS: fs, IsTesting: true}))
	p := must(e.CreateIdent("coll-a", IdentOptions{}))
	u := e.NewRecoveryUnit(true)
	u.Put(tkey(p, "doc1"), []byte("kept"))
	noerr(t, u.Commit(true))
	u.Close()
	e.Close()

	// Requesting the oplog group against a default-only store creates it;
	// existing data stays visible.
	e = must(Open("store", Options{FS: fs, IsTesting: true, UseSeparateOplogGroup: true}))
	defer e.Close()
	deepEqual(t, e.Groups(), []string{defaultGroup, oplogGroup})
	u = e.NewRecoveryUnit(false)
	defer u.Close()
	deepEqual(t, must(u.Get(tkey(p, "doc1"))), []byte("kept"))
}

func TestEngineUnknownBackend(t *testing.T) {
	_, err := Open("store", Options{Backend: "leveldb"})
	wanterr(t, err)
}

func TestEngineStats(t *testing.T) {
	e := setup(t, Options{WriteTickets: 4, ReadTickets: 3})

	s := e.Stats()
	deepEqual(t, s, EngineStats{
		Write: TicketStats{Used: 0, Available: 4, Total: 4},
		Read:  TicketStats{Used: 0, Available: 3, Total: 3},
	})

	w := e.NewRecoveryUnit(true)
	r := e.NewRecoveryUnit(false)
	s = e.Stats()
	eq(t, s.Write.Used, 1)
	eq(t, s.Write.Available, 3)
	eq(t, s.Read.Used, 1)

	w.Close()
	r.Close()
	r.Close() // idempotent
	s = e.Stats()
	eq(t, s.Write.Used, 0)
	eq(t, s.Read.Used, 0)
}

func TestEngineDurability(t *testing.T) {
	e := setup(t, Options{Durable: true, CommitInterval: 2 * time.Millisecond})
	p := must(e.CreateIdent("coll-a", IdentOptions{}))

	u := e.NewRecoveryUnit(true)
	u.Put(tkey(p, "doc1"), []byte("x"))
	noerr(t, u.Commit(false))
	u.Close()

	noerr(t, e.WaitUntilDurable(false)) // paced
	noerr(t, e.WaitUntilDurable(true))  // forced
}

func TestEngineBackupPausesPurges(t *testing.T) {
	e := setup(t, Options{})
	p := must(e.CreateIdent("coll-a", IdentOptions{}))
	u := e.NewRecoveryUnit(true)
	u.Put(tkey(p, "doc1"), []byte("x"))
	noerr(t, u.Commit(true))
	u.Close()

	noerr(t, e.BeginBackup())
	noerr(t, e.DropIdent("coll-a"))
	// The purge is enqueued but gated; data is still on disk for the copy.
	time.Sleep(10 * time.Millisecond)
	u = e.NewRecoveryUnit(false)
	_, err := u.Get(tkey(p, "doc1"))
	noerr(t, err)
	u.Close()
	noerr(t, e.EndBackup())
}

func TestEngineBoltBackend(t *testing.T) {
	path := t.TempDir() + "/store.db"

	e := must(Open(path, Options{Backend: BackendBolt, Compression: "zstd", IsTesting: true}))
	p := must(e.CreateIdent("coll-a", IdentOptions{}))
	u := e.NewRecoveryUnit(true)
	u.Put(tkey(p, "doc1"), []byte("persisted"))
	noerr(t, u.Commit(true))
	u.Close()
	noerr(t, e.DropIdent("coll-a"))
	p2 := must(e.CreateIdent("coll-b", IdentOptions{}))
	u = e.NewRecoveryUnit(true)
	u.Put(tkey(p2, "doc1"), []byte("kept"))
	noerr(t, u.Commit(true))
	u.Close()
	e.Close()

	e = must(Open(path, Options{Backend: BackendBolt, Compression: "zstd", IsTesting: true}))
	defer e.Close()
	eq(t, e.HasIdent("coll-a"), false)
	eq(t, must(e.IdentPrefix("coll-b")), p2)
	u = e.NewRecoveryUnit(false)
	defer u.Close()
	deepEqual(t, must(u.Get(tkey(p2, "doc1"))), []byte("kept"))
	_, err := u.Get(tkey(p, "doc1"))
	iserr(t, err, ErrKeyNotFound)
}

func TestEngineWriteRateLimit(t *testing.T) {
	// A batch larger than the burst must still commit (charged at the burst).
	e := setup(t, Options{MaxWriteBytesPerSec: 64})
	p := must(e.CreateIdent("coll-a", IdentOptions{}))

	u := e.NewRecoveryUnit(true)
	u.Put(tkey(p, "doc1"), bytes.Repeat([]byte{0xab}, 256))
	noerr(t, u.Commit(false))
	u.Close()
}

func TestEngineDropDuringBackupReturnsPromptly(t *testing.T) {
	fs := vfs.NewMem()
	e := must(Open("store", Options{FS: fs, IsTesting: true}))
	idents := []string{"coll-a", "coll-b", "coll-c"}
	prefixes := make([]uint32, len(idents))
	for i, ident := range idents {
		prefixes[i] = must(e.CreateIdent(ident, IdentOptions{}))
		u := e.NewRecoveryUnit(true)
		u.Put(tkey(prefixes[i], "doc1"), []byte("x"))
		noerr(t, u.Commit(true))
		u.Close()
	}

	// More drops than purge workers while all workers are gated: the drops
	// must not wait behind the paused purges.
	noerr(t, e.BeginBackup())
	done := make(chan error, 1)
	go func() {
		for _, ident := range idents {
			if err := e.DropIdent(ident); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	select {
	case err := <-done:
		noerr(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("** drop blocked behind paused purge workers")
	}
	noerr(t, e.EndBackup())
	e.Close() // drains the queued purges

	e = must(Open("store", Options{FS: fs, IsTesting: true}))
	defer e.Close()
	u := e.NewRecoveryUnit(false)
	defer u.Close()
	for _, p := range prefixes {
		_, err := u.Get(tkey(p, "doc1"))
		iserr(t, err, ErrKeyNotFound)
	}
}
