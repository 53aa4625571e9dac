// Package ksync implements the kernel's synchronization primitives
// (§4.E): a recursive mutex whose final unlock wakes one waiter, a condition variable
// with lost-signal-safe semantics, two flavors of reader/writer lock, and
// the tagged-union wait-object plumbing the scheduler parks tasks on.
//
// Grounded on the teacher's lock shape in biscuit/src/util/util.go (an
// embedded sync.Mutex plus a owner/depth pair for recursion) and on
// original_source/kernel/sync/condvar.c for the lost-signal-safe handoff
// protocol a plain sync.Cond does not give us (Go's sync.Cond requires
// the caller to already hold the lock it signals under, which doesn't
// match kernel code that signals from a different lock's critical
// section). CondVar therefore parks and wakes on channels; Mutex and the
// reader/writer locks use sync.Cond internally.
package ksync

import (
	"sync"
	"time"

	"kcore/kernel/defs"
)

/// Mutex is a recursive, owner-tracked lock. Unlock() must be called
/// exactly as many times as Lock()/TryLock() succeeded. The innermost
/// Unlock marks the mutex free and wakes a single waiter; ownership is not
/// handed to that waiter, so a Lock or TryLock that runs before the woken
/// waiter re-checks can take the mutex first.
type Mutex struct {
	mu    sync.Mutex
	cond  sync.Cond
	owner defs.Tid_t
	held  bool
	depth int
}

func (m *Mutex) init() {
	if m.cond.L == nil {
		m.cond.L = &m.mu
	}
}

/// Lock acquires the mutex for tid, blocking if another task holds it.
/// Re-entrant: the same tid may call Lock again without deadlocking.
func (m *Mutex) Lock(tid defs.Tid_t) {
	m.mu.Lock()
	m.init()
	for m.held && m.owner != tid {
		m.cond.Wait()
	}
	m.owner = tid
	m.held = true
	m.depth++
	m.mu.Unlock()
}

/// TryLock attempts to acquire the mutex without blocking.
func (m *Mutex) TryLock(tid defs.Tid_t) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	if m.held && m.owner != tid {
		return false
	}
	m.owner = tid
	m.held = true
	m.depth++
	return true
}

/// Unlock releases one level of recursion. At depth 0 it sets m.held to
/// false and signals one waiter, which then competes with any other
/// caller of Lock or TryLock for the mutex.
func (m *Mutex) Unlock(tid defs.Tid_t) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	if !m.held || m.owner != tid {
		panic("ksync: unlock by non-owner")
	}
	m.depth--
	if m.depth > 0 {
		return
	}
	m.held = false
	m.cond.Signal()
}

/// Owner returns the current owning tid and whether the mutex is held.
func (m *Mutex) Owner() (defs.Tid_t, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner, m.held
}

/// CondVar is a lost-signal-safe condition variable: Wait captures a
/// sequence number before releasing the caller's lock, so a Signal/
/// Broadcast that races the Wait call is never silently dropped.
type CondVar struct {
	mu  sync.Mutex
	seq uint64
	ch  chan struct{}
}

func (c *CondVar) init() {
	if c.ch == nil {
		c.ch = make(chan struct{})
	}
}

// Wait blocks until Signal/Broadcast is observed; it is WaitTimeout with
// no timeout. unlock/relock let the caller park
// while holding an arbitrary external lock, mirroring the teacher's
// condvar-over-spinlock usage in task park/unpark.
func (c *CondVar) Wait(unlock, relock func()) {
	c.WaitTimeout(unlock, relock, 0)
}

/// WaitTimeout is Wait with a bounded wait; it reports whether it woke
/// due to a signal (true) or timed out (false).
func (c *CondVar) WaitTimeout(unlock, relock func(), timeout time.Duration) bool {
	c.mu.Lock()
	c.init()
	mySeq := c.seq
	ch := c.ch
	c.mu.Unlock()

	unlock()
	defer relock()

	var timer *time.Timer
	var timerC <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		timerC = timer.C
		defer timer.Stop()
	}

	for {
		c.mu.Lock()
		woke := c.seq != mySeq
		c.mu.Unlock()
		if woke {
			return true
		}
		select {
		case <-ch:
			continue
		case <-timerC:
			return false
		}
	}
}

/// Signal wakes at least one waiter (spuriously may wake more, which is
/// always safe under the re-check loop in WaitTimeout).
func (c *CondVar) Signal() {
	c.mu.Lock()
	c.init()
	c.seq++
	old := c.ch
	c.ch = make(chan struct{})
	c.mu.Unlock()
	close(old)
}

/// Broadcast is Signal; every waiter re-checks the sequence number, so a
/// single channel close already wakes everyone blocked in select.
func (c *CondVar) Broadcast() { c.Signal() }

/// RWLockReaderPref is a reader-preferring shared/exclusive lock: readers
/// never block behind a waiting writer, so a steady stream of readers can
/// starve writers. Grounded on the classic first/second-readers-writers
/// structure.
type RWLockReaderPref struct {
	mu        sync.Mutex
	readCond  sync.Cond
	writeCond sync.Cond
	readers   int
	writer    bool
}

func (l *RWLockReaderPref) init() {
	if l.readCond.L == nil {
		l.readCond.L = &l.mu
		l.writeCond.L = &l.mu
	}
}

func (l *RWLockReaderPref) RLock() {
	l.mu.Lock()
	l.init()
	for l.writer {
		l.readCond.Wait()
	}
	l.readers++
	l.mu.Unlock()
}

func (l *RWLockReaderPref) RUnlock() {
	l.mu.Lock()
	l.readers--
	if l.readers == 0 {
		l.writeCond.Signal()
	}
	l.mu.Unlock()
}

func (l *RWLockReaderPref) Lock() {
	l.mu.Lock()
	l.init()
	for l.writer || l.readers > 0 {
		l.writeCond.Wait()
	}
	l.writer = true
	l.mu.Unlock()
}

func (l *RWLockReaderPref) Unlock() {
	l.mu.Lock()
	l.writer = false
	l.readCond.Broadcast()
	l.writeCond.Signal()
	l.mu.Unlock()
}

/// RWLockWriterPref is a writer-preferring shared/exclusive lock: once a
/// writer is waiting, new readers block behind it, bounding writer
/// starvation at the cost of letting a waiting writer starve a burst of
/// readers that all arrived first.
type RWLockWriterPref struct {
	mu           sync.Mutex
	readCond     sync.Cond
	writeCond    sync.Cond
	readers      int
	writer       bool
	waitingWrite int
}

func (l *RWLockWriterPref) init() {
	if l.readCond.L == nil {
		l.readCond.L = &l.mu
		l.writeCond.L = &l.mu
	}
}

func (l *RWLockWriterPref) RLock() {
	l.mu.Lock()
	l.init()
	for l.writer || l.waitingWrite > 0 {
		l.readCond.Wait()
	}
	l.readers++
	l.mu.Unlock()
}

func (l *RWLockWriterPref) RUnlock() {
	l.mu.Lock()
	l.readers--
	if l.readers == 0 {
		l.writeCond.Signal()
	}
	l.mu.Unlock()
}

func (l *RWLockWriterPref) Lock() {
	l.mu.Lock()
	l.init()
	l.waitingWrite++
	for l.writer || l.readers > 0 {
		l.writeCond.Wait()
	}
	l.waitingWrite--
	l.writer = true
	l.mu.Unlock()
}

func (l *RWLockWriterPref) Unlock() {
	l.mu.Lock()
	l.writer = false
	if l.waitingWrite > 0 {
		l.writeCond.Signal()
	} else {
		l.readCond.Broadcast()
	}
	l.mu.Unlock()
}

// --- wait objects --------------------------------------------------------

/// WaitKind tags what a WaitObj is parked on.
type WaitKind int

const (
	WaitNone WaitKind = iota
	WaitMutex
	WaitCondVar
	WaitChild
	WaitTimer
)

/// WaitObj is the tagged union a parked task's tinfo carries, letting
/// irq/sched wake it regardless of which primitive it's blocked on
/// (§4.E/§4.F "multi-object waiter").
type WaitObj struct {
	Kind WaitKind
	Mu   *Mutex
	CV   *CondVar
	Tid  defs.Tid_t // WaitChild: tid being waited for
	At   time.Time  // WaitTimer: deadline
}

/// Waiter lets a task block on several WaitObjs at once, waking on
/// whichever becomes ready first (e.g. waitpid(-1) racing against a
/// pending signal timer).
type Waiter struct {
	mu   sync.Mutex
	objs []WaitObj
	done chan int // index of the object that became ready
}

/// NewWaiter creates a Waiter over objs.
func NewWaiter(objs ...WaitObj) *Waiter {
	return &Waiter{objs: objs, done: make(chan int, 1)}
}

/// Ready marks the i'th object as satisfied, unblocking Wait. Only the
/// first call has any effect; later calls are no-ops, matching "first
/// satisfied wait object wins" semantics.
func (w *Waiter) Ready(i int) {
	select {
	case w.done <- i:
	default:
	}
}

/// Wait blocks until Ready is called or timeout elapses (<=0 means
/// forever), returning the index of the ready object, or -1 on timeout.
func (w *Waiter) Wait(timeout time.Duration) int {
	if timeout <= 0 {
		return <-w.done
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case i := <-w.done:
		return i
	case <-t.C:
		return -1
	}
}
