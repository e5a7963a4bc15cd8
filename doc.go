/*
Package keyfold multiplexes many independent logical tables (collections and
indexes) into the single shared keyspace of one embedded ordered key-value
engine.

We implement:

1. Idents, opaque names of logical tables, each mapped to a numeric namespace
prefix inside the shared keyspace.

2. Crash-safe metadata: the ident→prefix mapping is persisted inside the store
itself and reconstructed from store contents alone at startup.

3. Deferred deletion: dropping an ident writes a durable marker first, then a
compaction-time filter physically removes the namespace's keys in the
background. Interrupted purges are resumed on the next startup.

4. Durability pacing: a background loop periodically forces the write-ahead log
to a durable state, decoupling caller-visible commit latency from log-flush
frequency.

5. Admission control: two bounded ticket holders (read side, write side) limit
the number of simultaneously open transactional operations.

# Technical Details

**Prefixes.**
Every key of a logical table starts with the table's 4-byte big-endian prefix,
so lexicographic key order equals (prefix, table-local order). Big-endian
encoding lets recovery find the largest allocated prefix with a single
seek-to-last. Prefix 0 is reserved for metadata and bookkeeping.

**Metadata layout** (all under the reserved prefix-0 namespace):

  - "metadata-<ident>" → config record (msgpack body + xxhash64 footer)
  - "droppedprefix-<bigEndianPrefix>" → empty drop marker
  - bare "<bigEndianPrefix>" → empty allocation marker
  - "reopenmode" → the column groups the store was last opened with

**Prefix allocation.**
A process-local max-prefix counter is seeded at startup from the largest prefix
observed in the store, then advanced monotonically. Prefixes are never reused.

**Backends.**
The storage interface is satisfied by a pebble-backed LSM store (production),
a bbolt-backed store, and a transient in-memory store for tests.
*/
package keyfold
