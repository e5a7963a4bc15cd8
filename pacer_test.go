package keyfold

import (
	"log/slog"
	"testing"
	"time"
)

func TestPacerUnblocksWaiters(t *testing.T) {
	st := newMemStorage()
	dm := newDurabilityManager(st, true)
	p := startDurabilityPacer(dm, 2*time.Millisecond, slog.Default())

	done := make(chan error, 1)
	go func() {
		done <- dm.waitUntilDurable(false)
	}()
	select {
	case err := <-done:
		noerr(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("** pacer never advanced the durability epoch")
	}

	p.shutdown()
	dm.close()
	if st.syncCount == 0 {
		t.Fatal("** pacer never synced the log")
	}
}

func TestWaitUntilDurableForceFlush(t *testing.T) {
	st := newMemStorage()
	dm := newDurabilityManager(st, true)
	noerr(t, dm.waitUntilDurable(true))
	eq(t, st.syncCount, 1)
}

func TestWaitUntilDurableWithoutDurability(t *testing.T) {
	// No pacer runs, so the flush has to happen inline.
	st := newMemStorage()
	dm := newDurabilityManager(st, false)
	noerr(t, dm.waitUntilDurable(false))
	eq(t, st.syncCount, 1)
}

func TestDurabilityManagerCloseReleasesWaiters(t *testing.T) {
	st := newMemStorage()
	dm := newDurabilityManager(st, true)

	done := make(chan error, 1)
	go func() {
		done <- dm.waitUntilDurable(false)
	}()
	time.Sleep(10 * time.Millisecond)
	dm.close()

	select {
	case err := <-done:
		iserr(t, err, ErrShuttingDown)
	case <-time.After(5 * time.Second):
		t.Fatal("** close did not release the waiter")
	}

	iserr(t, dm.sync(), ErrShuttingDown)
}

func TestPacerShutdownJoins(t *testing.T) {
	st := newMemStorage()
	dm := newDurabilityManager(st, true)
	p := startDurabilityPacer(dm, time.Millisecond, slog.Default())
	time.Sleep(5 * time.Millisecond)
	p.shutdown()

	select {
	case <-p.donec:
	default:
		t.Fatal("** shutdown returned before the pacer loop exited")
	}
}
