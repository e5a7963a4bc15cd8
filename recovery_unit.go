package keyfold

import "context"

// RecoveryUnit is the per-operation transaction context: it holds an admission
// ticket for its lifetime, buffers writes into one atomic batch, and commits
// through the engine's write rate limiter. Not safe for concurrent use; each
// operation gets its own unit.
type RecoveryUnit struct {
	e        *Engine
	tickets  *TicketHolder
	writable bool
	batch    writeBatch
	closed   bool
}

// NewRecoveryUnit admits a new operation, blocking while all tickets on the
// requested side are out. The unit must be Closed to return the ticket.
func (e *Engine) NewRecoveryUnit(writable bool) *RecoveryUnit {
	tickets := e.readTickets
	if writable {
		tickets = e.writeTickets
	}
	tickets.Acquire()
	return &RecoveryUnit{e: e, tickets: tickets, writable: writable}
}

// Get reads through the unit: buffered writes shadow the store.
func (u *RecoveryUnit) Get(key []byte) ([]byte, error) {
	if u.closed {
		return nil, ErrShuttingDown
	}
	if value, deleted, found := u.batch.get(key); found {
		if deleted {
			return nil, ErrKeyNotFound
		}
		return value, nil
	}
	return u.e.st.Get(key)
}

// Put buffers a write. Panics on a read-only unit; mixing up the two sides is
// a programming error, not a runtime condition.
func (u *RecoveryUnit) Put(key, value []byte) {
	u.ensureWritable()
	u.batch.Put(key, value)
}

// Delete buffers a deletion.
func (u *RecoveryUnit) Delete(key []byte) {
	u.ensureWritable()
	u.batch.Delete(key)
}

func (u *RecoveryUnit) ensureWritable() {
	if u.closed {
		panic("write on a closed recovery unit")
	}
	if !u.writable {
		panic("write on a read-only recovery unit")
	}
}

// Pending reports the number of buffered mutations.
func (u *RecoveryUnit) Pending() int {
	return u.batch.Len()
}

// Commit applies the buffered batch atomically. durable forces the log to a
// durable state as part of the commit; otherwise durability arrives with the
// pacer's next flush. The batch is throttled against the engine's write rate
// limit before it hits the store.
func (u *RecoveryUnit) Commit(durable bool) error {
	if u.closed {
		return ErrShuttingDown
	}
	if u.batch.Len() == 0 {
		return nil
	}
	if lim := u.e.writeLimiter; lim != nil {
		n := u.batch.ByteSize()
		// An oversized batch can't be represented as one reservation; charging
		// the full burst still paces sustained throughput correctly.
		if burst := lim.Burst(); n > burst {
			n = burst
		}
		if err := lim.WaitN(context.Background(), n); err != nil {
			return err
		}
	}
	if err := u.e.st.WriteBatch(&u.batch, durable); err != nil {
		return err
	}
	u.batch = writeBatch{}
	return nil
}

// WaitUntilDurable blocks until everything committed so far is durable.
func (u *RecoveryUnit) WaitUntilDurable(forceFlush bool) error {
	return u.e.dm.waitUntilDurable(forceFlush)
}

// Close discards any uncommitted batch and returns the admission ticket.
// Idempotent.
func (u *RecoveryUnit) Close() {
	if u.closed {
		return
	}
	u.closed = true
	u.batch = writeBatch{}
	u.tickets.Release()
}
