package ksync

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kcore/kernel/defs"
)

func TestMutexRecursiveLockUnlock(t *testing.T) {
	var m Mutex
	const tid = defs.Tid_t(1)

	m.Lock(tid)
	m.Lock(tid) // re-entrant, must not deadlock
	owner, held := m.Owner()
	require.True(t, held)
	require.Equal(t, tid, owner)

	m.Unlock(tid)
	_, held = m.Owner()
	require.True(t, held, "still held after only one of two Unlocks")

	m.Unlock(tid)
	_, held = m.Owner()
	require.False(t, held)
}

func TestMutexTryLockFailsWhenHeldByOther(t *testing.T) {
	var m Mutex
	m.Lock(defs.Tid_t(1))
	require.False(t, m.TryLock(defs.Tid_t(2)))
	require.True(t, m.TryLock(defs.Tid_t(1)))
	m.Unlock(defs.Tid_t(1))
	m.Unlock(defs.Tid_t(1))
}

func TestMutexUnlockByNonOwnerPanics(t *testing.T) {
	var m Mutex
	m.Lock(defs.Tid_t(1))
	require.Panics(t, func() { m.Unlock(defs.Tid_t(2)) })
}

func TestMutexHandsOffToWaiter(t *testing.T) {
	var m Mutex
	m.Lock(defs.Tid_t(1))

	acquired := make(chan struct{})
	go func() {
		m.Lock(defs.Tid_t(2))
		close(acquired)
		m.Unlock(defs.Tid_t(2))
	}()

	select {
	case <-acquired:
		t.Fatal("waiter acquired before the holder unlocked")
	case <-time.After(30 * time.Millisecond):
	}

	m.Unlock(defs.Tid_t(1))

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the mutex after hand-off")
	}
}

func TestCondVarSignalWakesSingleWaiter(t *testing.T) {
	var cv CondVar
	var mu sync.Mutex
	ready := false

	woke := make(chan struct{})
	go func() {
		mu.Lock()
		for !ready {
			cv.Wait(mu.Unlock, mu.Lock)
		}
		mu.Unlock()
		close(woke)
	}()

	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	ready = true
	mu.Unlock()
	cv.Signal()

	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("waiter never woke after Signal")
	}
}

func TestCondVarBroadcastWakesEveryWaiter(t *testing.T) {
	var cv CondVar
	var mu sync.Mutex
	ready := false

	const n = 5
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			mu.Lock()
			for !ready {
				cv.Wait(mu.Unlock, mu.Lock)
			}
			mu.Unlock()
		}()
	}

	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	ready = true
	mu.Unlock()
	cv.Broadcast()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("not every waiter woke after Broadcast")
	}
}

func TestCondVarWaitTimeoutExpiresWithoutSignal(t *testing.T) {
	var cv CondVar
	var mu sync.Mutex
	mu.Lock()
	woke := cv.WaitTimeout(mu.Unlock, mu.Lock, 20*time.Millisecond)
	mu.Unlock()
	require.False(t, woke)
}

// TestCondVarCatchesSignalRacingTheUnlock exercises the exact hazard the
// sequence number exists for: a Signal that lands the instant the waiter
// releases its external lock, before it re-enters the wait loop. A naive
// condvar built on a bare channel could drop this wakeup entirely.
func TestCondVarCatchesSignalRacingTheUnlock(t *testing.T) {
	var cv CondVar
	var extMu sync.Mutex
	unlockCalled := make(chan struct{})
	unlock := func() {
		extMu.Unlock()
		close(unlockCalled)
	}
	relock := func() { extMu.Lock() }

	extMu.Lock()
	go func() {
		<-unlockCalled
		cv.Signal()
	}()

	woke := cv.WaitTimeout(unlock, relock, 2*time.Second)
	require.True(t, woke)
}

func TestRWLockReaderPrefAllowsConcurrentReaders(t *testing.T) {
	var l RWLockReaderPref
	l.RLock()
	second := make(chan struct{})
	go func() {
		l.RLock()
		close(second)
		l.RUnlock()
	}()

	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("a second reader should not block behind an existing reader")
	}
	l.RUnlock()
}

func TestRWLockReaderPrefWriterWaitsForReaders(t *testing.T) {
	var l RWLockReaderPref
	l.RLock()

	writerDone := make(chan struct{})
	go func() {
		l.Lock()
		close(writerDone)
		l.Unlock()
	}()

	select {
	case <-writerDone:
		t.Fatal("writer acquired the lock while a reader still held it")
	case <-time.After(30 * time.Millisecond):
	}

	l.RUnlock()
	select {
	case <-writerDone:
	case <-time.After(time.Second):
		t.Fatal("writer never acquired the lock once the reader released it")
	}
}

func TestRWLockWriterPrefBlocksNewReaderOnceWriterWaiting(t *testing.T) {
	var l RWLockWriterPref
	l.RLock()

	writerStarted := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		close(writerStarted)
		l.Lock()
		close(writerDone)
		l.Unlock()
	}()
	<-writerStarted
	time.Sleep(20 * time.Millisecond) // let the writer register as waiting

	readerAcquired := make(chan struct{})
	go func() {
		l.RLock()
		close(readerAcquired)
		l.RUnlock()
	}()

	select {
	case <-readerAcquired:
		t.Fatal("a new reader must not cut in front of a waiting writer")
	case <-time.After(50 * time.Millisecond):
	}

	l.RUnlock() // release the original reader, letting the writer proceed
	select {
	case <-writerDone:
	case <-time.After(time.Second):
		t.Fatal("writer never acquired the lock")
	}
	select {
	case <-readerAcquired:
	case <-time.After(time.Second):
		t.Fatal("reader never acquired the lock after the writer released it")
	}
}

func TestWaiterReadyUnblocksWait(t *testing.T) {
	w := NewWaiter(
		WaitObj{Kind: WaitMutex},
		WaitObj{Kind: WaitCondVar},
		WaitObj{Kind: WaitChild, Tid: 7},
	)
	go func() {
		time.Sleep(5 * time.Millisecond)
		w.Ready(2)
	}()

	idx := w.Wait(time.Second)
	require.Equal(t, 2, idx)
}

func TestWaiterFirstReadySticks(t *testing.T) {
	w := NewWaiter(WaitObj{Kind: WaitMutex}, WaitObj{Kind: WaitCondVar})
	w.Ready(0)
	w.Ready(1) // must be a no-op; index 0 already won
	require.Equal(t, 0, w.Wait(time.Second))
}

func TestWaiterTimesOut(t *testing.T) {
	w := NewWaiter(WaitObj{Kind: WaitTimer, At: time.Now().Add(time.Hour)})
	require.Equal(t, -1, w.Wait(20*time.Millisecond))
}
