// Package sched implements the task/process model and the
// cooperative-with-preemption round-robin scheduler (§4.F): a single
// run-queue, task-table lookup by tid via ttree, kernel threads, fork/
// vfork/exec, waitpid/exit, a minimal signal table, and brk/mmap that map
// shared zero pages straight into the process pdir.
//
// Grounded on justanotherdot-biscuit's kernel/main.go for the trap-loop
// shape (current-task pointer, fd table, dev_t) and on
// biscuit/src/fd/fd.go (Fd_t/Cwd_t) and biscuit/src/accnt/accnt.go
// (per-task accounting counters), adapted to a single logical CPU with no
// real hardware context switch: each task body runs on its own goroutine
// and a resume/yielded channel pair stands in for the save/restore of a
// register frame, so only one task's body ever executes at a time,
// matching spec.md §5's "single logical CPU, no SMP" model.
package sched

import (
	"sync"

	"kcore/kernel/defs"
	"kcore/kernel/ksync"
	"kcore/kernel/paging"
	"kcore/kernel/ttree"
)

/// State is a task's scheduling state.
type State int

const (
	Runnable State = iota
	Running
	Sleeping
	Stopped
	VforkStopped
	Zombie
)

func (s State) String() string {
	switch s {
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case Sleeping:
		return "sleeping"
	case Stopped:
		return "stopped"
	case VforkStopped:
		return "vfork-stopped"
	case Zombie:
		return "zombie"
	default:
		return "unknown"
	}
}

/// Accnt mirrors the teacher's accnt.Accnt_t: coarse per-task CPU time
/// accounting, in ticks rather than wall-clock, since there is no real
/// timer in the simulated kernel.
type Accnt struct {
	UserTicks   uint64
	SystemTicks uint64
}

/// FileOps is the minimal capability-trait vtable a Handle dispatches
/// through (SPEC_FULL's SUPPLEMENTED FEATURES: a stand-in for
/// original_source's fops, since the filesystem itself is out of scope).
type FileOps interface {
	Read(p []byte) (int, defs.Err_t)
	Write(p []byte) (int, defs.Err_t)
	Close() defs.Err_t
}

/// Handle is an open file-descriptor-like object (§6 "fd table").
type Handle struct {
	Ops         FileOps
	CloseOnExec bool
	refcount    int32
}

const maxHandles = defs.MaxHandles

/// SigHandler is either a user handler address (x86 trampoline target) or
/// one of the two sentinel dispositions.
type SigHandler uintptr

const (
	SigDefault SigHandler = 0
	SigIgnore  SigHandler = 1
)

const nsig = 32

// Reserved fault signals (§4.F "reserved faults").
const (
	SIGSEGV = 11
	SIGILL  = 4
	SIGBUS  = 7
	SIGFPE  = 8
	SIGCHLD = 17
	SIGKILL = 9
)

/// Task is one schedulable unit: every kernel thread and every user
/// process thread is a *Task. User processes additionally carry a pdir,
/// handle table, and brk heap.
type Task struct {
	mu sync.Mutex

	Tid  defs.Tid_t
	Pid  defs.Pid_t
	Pgid defs.Pgid_t
	Ppid defs.Pid_t

	state    State
	sched    *Scheduler
	kernel   bool
	pdir     *paging.Pdir
	quantum  int
	sliceLen int

	Accnt Accnt

	handles    [maxHandles]*Handle
	sigTable   [nsig]SigHandler
	sigPend    uint32
	vforkChild bool
	vforkParent *Task

	brkBase defs.Va_t
	brkCur  defs.Va_t
	brkMax  defs.Va_t

	exitCode int
	children []defs.Pid_t

	wobj ksync.WaitObj

	resume  chan struct{}
	yielded chan struct{}
	fn      func(*Task)
}

/// State returns the task's current scheduling state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

/// Pdir returns the task's address space (shared kernel pdir for kernel
/// threads).
func (t *Task) Pdir() *paging.Pdir { return t.pdir }

/// DefaultQuantum is the number of ticks each task runs before a
/// reschedule is requested (§4.F "each tick decrements the running
/// task's remaining time slice").
const DefaultQuantum = 10

/// Scheduler is the single run-queue dispatcher (§4.F). There is exactly
/// one logical CPU: RunNext drives at most one task's body at a time.
type Scheduler struct {
	mu             sync.Mutex
	tasks          ttree.Tree[defs.Tid_t, *Task]
	runnable       []*Task
	current        *Task
	idle           *Task
	nextTid        defs.Tid_t
	preemptDisable int
	kernelPdir     *paging.Pdir
	pagingMgr      *paging.Manager
}

/// NewScheduler creates a scheduler whose kernel threads share
/// kernelPdir, and creates an idle task that simply parks forever.
/// RunNext never dispatches the idle task.
func NewScheduler(kernelPdir *paging.Pdir) *Scheduler {
	s := &Scheduler{kernelPdir: kernelPdir, nextTid: 1}
	s.idle = s.newTask(true, nil, func(*Task) {
		for {
			// The idle task is created Sleeping and never enqueued by the
			// scheduler itself; when nothing is runnable, RunNext returns
			// nil rather than switching to it.
			select {}
		}
	})
	s.idle.state = Sleeping
	return s
}

func (s *Scheduler) newTask(kernel bool, pdir *paging.Pdir, fn func(*Task)) *Task {
	s.mu.Lock()
	tid := s.nextTid
	s.nextTid++
	s.mu.Unlock()

	t := &Task{
		Tid:      tid,
		sched:    s,
		kernel:   kernel,
		pdir:     pdir,
		state:    Runnable,
		sliceLen: DefaultQuantum,
		resume:   make(chan struct{}),
		yielded:  make(chan struct{}, 1),
		fn:       fn,
	}
	t.quantum = t.sliceLen
	s.mu.Lock()
	s.tasks.Set(tid, t)
	s.mu.Unlock()

	go func() {
		<-t.resume
		fn(t)
		t.mu.Lock()
		t.state = Zombie
		t.mu.Unlock()
		s.onExit(t)
		t.yielded <- struct{}{}
	}()
	return t
}

/// KthreadCreate allocates a kernel thread running fn(arg-carrying task),
/// sharing kernel_pdir, and enqueues it runnable (§4.F "kthread_create").
func (s *Scheduler) KthreadCreate(fn func(*Task)) *Task {
	t := s.newTask(true, s.kernelPdir, fn)
	s.enqueue(t)
	return t
}

/// GetTask looks up a task by tid in O(log N) via the ttree index.
func (s *Scheduler) GetTask(tid defs.Tid_t) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks.Get(tid)
}

func (s *Scheduler) removeTask(tid defs.Tid_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks.Del(tid)
}

func (s *Scheduler) enqueue(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.mu.Lock()
	t.state = Runnable
	t.mu.Unlock()
	s.runnable = append(s.runnable, t)
}

// popRunnable pops the head of the run queue, implementing "walk the
// runnable list circularly starting after current" via plain FIFO order
// (current is always re-enqueued at the tail before the next pop).
func (s *Scheduler) popRunnable() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.runnable) == 0 {
		return nil
	}
	t := s.runnable[0]
	s.runnable = s.runnable[1:]
	return t
}

/// DisablePreemption/EnablePreemption implement the nesting counter
/// §4.F step 1 checks ("if disable_preemption_count > 0, defer").
func (s *Scheduler) DisablePreemption() {
	s.mu.Lock()
	s.preemptDisable++
	s.mu.Unlock()
}

func (s *Scheduler) EnablePreemption() {
	s.mu.Lock()
	s.preemptDisable--
	s.mu.Unlock()
}

func (s *Scheduler) preemptable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preemptDisable == 0
}

/// RunNext performs one dispatch: pops the next runnable task, runs it
/// until it yields, sleeps, or exits, and returns the task that ran. If
/// preemption is disabled or nothing is runnable, it runs nothing and
/// returns nil; it does not switch to the idle task.
func (s *Scheduler) RunNext() *Task {
	if !s.preemptable() {
		return nil
	}
	next := s.popRunnable()
	if next == nil {
		return nil
	}
	next.mu.Lock()
	next.state = Running
	next.quantum = next.sliceLen
	next.mu.Unlock()

	s.mu.Lock()
	s.current = next
	s.mu.Unlock()

	next.resume <- struct{}{}
	<-next.yielded

	s.mu.Lock()
	if s.current == next {
		s.current = nil
	}
	s.mu.Unlock()
	return next
}

/// Current returns the task presently running, or nil between dispatches.
func (s *Scheduler) Current() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

/// Tick decrements the running task's time slice and, at zero, calls
/// RequestReschedule. Nothing in the scheduler reads the time slice: the
/// goroutine-per-task model can't preempt mid-instruction, so a task
/// keeps the CPU until its body calls Yield, blocks, or returns, and
/// RunNext resets the slice on every dispatch.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()
	if cur == nil {
		return
	}
	cur.mu.Lock()
	cur.quantum--
	expired := cur.quantum <= 0
	cur.mu.Unlock()
	if expired {
		cur.RequestReschedule()
	}
}

/// RequestReschedule sets t's remaining time slice to zero. Yield does not
/// consult it (every Yield re-enqueues the task), so it does not by
/// itself take the CPU away; kernel threads that never yield voluntarily
/// are expected to call Yield periodically.
func (t *Task) RequestReschedule() {
	t.mu.Lock()
	t.quantum = 0
	t.mu.Unlock()
}

/// Yield voluntarily gives up the CPU, per §5's suspension points
/// ("kernel_yield"). It must be called from within the task's own body.
func (t *Task) Yield() {
	t.sched.enqueue(t)
	t.yielded <- struct{}{}
	<-t.resume
}

/// sleepOn transitions t to Sleeping with the given wait object attached
/// (§4.E task_set_wait_obj) and blocks until Wake is called.
func (t *Task) sleepOn(w ksync.WaitObj) {
	t.mu.Lock()
	t.state = Sleeping
	t.wobj = w
	t.mu.Unlock()
	t.yielded <- struct{}{}
	<-t.resume
}

/// Wake transitions a sleeping task back to runnable (§4.E
/// task_reset_wait_obj) and enqueues it for the scheduler.
func (s *Scheduler) Wake(t *Task) {
	t.mu.Lock()
	if t.state != Sleeping {
		t.mu.Unlock()
		return
	}
	t.wobj = ksync.WaitObj{}
	t.mu.Unlock()
	s.enqueue(t)
}

func (s *Scheduler) onExit(t *Task) {
	if ppid := t.Ppid; ppid != 0 {
		if parent := s.findByPid(ppid); parent != nil {
			s.Wake(parent) // a parent may be blocked in waitpid
		}
	}
}

func (s *Scheduler) findByPid(pid defs.Pid_t) *Task {
	var found *Task
	s.mu.Lock()
	s.tasks.Walk(func(p ttree.Pair[defs.Tid_t, *Task]) bool {
		if p.Value.Pid == pid {
			found = p.Value
			return false
		}
		return true
	})
	s.mu.Unlock()
	return found
}

// --- fork / vfork / exec / wait / exit ------------------------------------

/// Fork clones parent into a new task per §4.F: COW pdir clone (once
/// WirePaging has been called), new tid, duplicated handles. The child
/// runs childBody in place of a copied trapframe; the parent gets the
/// child *Task back.
func (s *Scheduler) Fork(parent *Task, vfork bool, childBody func(*Task)) (*Task, defs.Err_t) {
	var child *Task
	if parent.kernel {
		child = s.newTask(true, parent.pdir, childBody)
	} else {
		newPd := s.clonePdir(parent)
		child = s.newTask(false, newPd, childBody)
	}
	child.Pid = defs.Pid_t(child.Tid)
	child.Ppid = parent.Pid
	child.Pgid = parent.Pgid
	child.vforkChild = vfork
	if vfork {
		child.vforkParent = parent
	}

	parent.mu.Lock()
	for i, h := range parent.handles {
		if h != nil {
			h.refcount++
			child.handles[i] = h
		}
	}
	parent.children = append(parent.children, child.Pid)
	parent.mu.Unlock()

	s.enqueue(child)

	if vfork {
		// The parent shares the child's address space until the child
		// execs or exits, so it must not run concurrently with it; park
		// in VforkStopped (not a plain Yield, which would re-enqueue the
		// parent immediately) until wakeVforkParent fires.
		parent.mu.Lock()
		parent.state = VforkStopped
		parent.mu.Unlock()
		parent.yielded <- struct{}{}
		<-parent.resume
	}
	return child, 0
}

// wakeVforkParent resumes a parent parked in VforkStopped by a vfork, as
// soon as the child either execs or exits, whichever comes first.
func (s *Scheduler) wakeVforkParent(child *Task) {
	child.mu.Lock()
	parent := child.vforkParent
	child.vforkParent = nil
	child.mu.Unlock()
	if parent == nil {
		return
	}
	parent.mu.Lock()
	parked := parent.state == VforkStopped
	parent.mu.Unlock()
	if parked {
		s.enqueue(parent)
	}
}

// clonePdir falls back to sharing the parent's pdir when no
// paging.Manager has been wired in (e.g. scheduler-only unit tests);
// production callers always call WirePaging first.
func (s *Scheduler) clonePdir(parent *Task) *paging.Pdir {
	if s.pagingMgr == nil {
		return parent.pdir
	}
	return s.pagingMgr.PdirClone(parent.pdir)
}

/// WirePaging supplies the paging.Manager used by Fork (COW clone). Brk
/// and MmapAnon take their Manager as an argument instead.
func (s *Scheduler) WirePaging(mgr *paging.Manager) { s.pagingMgr = mgr }

/// Exec replaces the current image: resets handles with close-on-exec
/// set, resets signal handlers to default, and runs newEntry as the
/// task's new body identity (a stand-in for jumping to a fresh ELF entry
/// point, since this kernel never loads real ELF images).
func (t *Task) Exec(newEntry func(*Task)) defs.Err_t {
	t.mu.Lock()
	for i, h := range t.handles {
		if h != nil && h.CloseOnExec {
			t.handles[i] = nil
		}
	}
	for i := range t.sigTable {
		t.sigTable[i] = SigDefault
	}
	t.fn = newEntry
	t.mu.Unlock()
	t.sched.wakeVforkParent(t)
	newEntry(t)
	return 0
}

/// Waitpid implements §4.F's pid-selection rules and zombie reaping. It
/// must be called from the parent task's own body; it parks the parent
/// (sleepOn) when no matching child has exited yet, unless nohang.
func (s *Scheduler) Waitpid(parent *Task, pid defs.Pid_t, nohang bool) (defs.Pid_t, int, defs.Err_t) {
	for {
		parent.mu.Lock()
		var match *Task
		var idx int
		for i, cpid := range parent.children {
			c := s.findByPid(cpid)
			if c == nil {
				continue
			}
			if !matchesPid(pid, parent.Pgid, c) {
				continue
			}
			if c.State() == Zombie {
				match = c
				idx = i
				break
			}
		}
		if match != nil {
			parent.children = append(parent.children[:idx], parent.children[idx+1:]...)
			parent.mu.Unlock()
			s.removeTask(match.Tid)
			return match.Pid, match.exitCode, 0
		}
		if len(parent.children) == 0 {
			parent.mu.Unlock()
			return 0, 0, defs.ECHILD
		}
		parent.mu.Unlock()
		if nohang {
			return 0, 0, 0
		}
		parent.sleepOn(ksync.WaitObj{Kind: ksync.WaitChild, Tid: defs.Tid_t(pid)})
	}
}

func matchesPid(pid defs.Pid_t, parentPgid defs.Pgid_t, c *Task) bool {
	switch {
	case pid > 0:
		return c.Pid == pid
	case pid == 0:
		return c.Pgid == parentPgid
	case pid == defs.AnyChild:
		return true
	default:
		return c.Pgid == defs.Pgid_t(-pid)
	}
}

/// Exit releases handles, reparents children to init (pid 1), signals and
/// wakes the parent, marks self zombie, and never returns to its caller's
/// body — it hands the CPU back to RunNext and parks the goroutine
/// forever, so RunNext never sees it runnable again. (A body that returns
/// without calling Exit becomes a zombie through the newTask goroutine
/// wrapper instead, which also runs onExit.)
func (t *Task) Exit(code int) {
	t.sched.wakeVforkParent(t)
	t.mu.Lock()
	for i, h := range t.handles {
		if h != nil {
			h.refcount--
			if h.refcount <= 0 && h.Ops != nil {
				h.Ops.Close()
			}
			t.handles[i] = nil
		}
	}
	t.exitCode = code
	kids := t.children
	t.children = nil
	t.mu.Unlock()

	for _, kpid := range kids {
		if k := t.sched.findByPid(kpid); k != nil {
			k.mu.Lock()
			k.Ppid = 1
			k.mu.Unlock()
		}
	}
	if parent := t.sched.findByPid(t.Ppid); parent != nil {
		parent.mu.Lock()
		parent.sigPend |= 1 << (SIGCHLD - 1)
		parent.mu.Unlock()
		t.sched.Wake(parent)
	}

	t.mu.Lock()
	t.state = Zombie
	t.mu.Unlock()
	t.yielded <- struct{}{}
	select {}
}

// --- signals ---------------------------------------------------------------

/// SetHandler installs a disposition for signal sig (1-indexed, like
/// POSIX) — §4.F "table of handlers".
func (t *Task) SetHandler(sig int, h SigHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sigTable[sig-1] = h
}

/// Raise marks sig pending on t. Reserved faults (SIGSEGV et al.) are
/// raised this way from a fault handler.
func (t *Task) Raise(sig int) {
	t.mu.Lock()
	t.sigPend |= 1 << (sig - 1)
	t.mu.Unlock()
}

/// PendingSignals returns and clears the pending mask — called at the
/// "return to userland" delivery point §4.F names.
func (t *Task) PendingSignals() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.sigPend
	t.sigPend = 0
	return p
}

// --- brk / mmap --------------------------------------------------------

/// InitBrk records the brk range [base, max) a process may grow into
/// (§4.F "must be page-aligned and within [initial_brk, MAX_BRK)").
func (t *Task) InitBrk(base, max defs.Va_t) {
	t.brkBase = base
	t.brkCur = base
	t.brkMax = max
}

/// Brk grows or shrinks the heap to newBrk, mapping or unmapping pages
/// through mgr (§4.F "brk grows/shrinks the heap by mapping/unmapping
/// pages via 4.C"). newBrk must be page-aligned and within
/// [initial_brk, MAX_BRK).
func (t *Task) Brk(mgr *paging.Manager, newBrk defs.Va_t) defs.Err_t {
	if newBrk%paging.PageSize != 0 || newBrk < t.brkBase || newBrk >= t.brkMax {
		return defs.EINVAL
	}
	if newBrk > t.brkCur {
		for va := t.brkCur; va < newBrk; va += paging.PageSize {
			if err := mgr.MapZeroPage(t.pdir, va, paging.FlagW); err != 0 {
				return err
			}
		}
	} else {
		for va := newBrk; va < t.brkCur; va += paging.PageSize {
			mgr.UnmapPagePermissive(t.pdir, va, true)
		}
	}
	t.brkCur = newBrk
	return 0
}

/// MmapAnon maps an anonymous private region of n pages at va, backed by
/// shared zero pages until first write (§4.F "mmap_pgoff ... anonymous
/// private mappings ... zero-page sharing until first write").
func (t *Task) MmapAnon(mgr *paging.Manager, va defs.Va_t, n int) defs.Err_t {
	for i := 0; i < n; i++ {
		if err := mgr.MapZeroPage(t.pdir, va+defs.Va_t(i*paging.PageSize), paging.FlagW); err != 0 {
			return err
		}
	}
	return 0
}
