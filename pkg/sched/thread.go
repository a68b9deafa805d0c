// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package sched is the kernel's thread scheduler. A Thread is
// the bookkeeping record for one simulated CloudABI thread; the execution
// itself is an ordinary goroutine contending for the kernel-wide big lock
// (pkg/cond.Kernel), so Go's runtime supplies the interleaving a hardware
// kernel gets from context switches. Scheduler only needs to track which
// thread is nominally "running" (for %fs/kernel-stack bookkeeping
// analogues and for syscalls like thread_yield) and which are ready
// versus blocked, a running slot plus a ready queue.
package sched

import (
	"github.com/go-logr/logr"
	"k8s.io/client-go/util/workqueue"
)

// ThreadID is a per-process monotonically increasing thread identifier.
// The top two bits are always zero and the first thread of a process is
// MainThread.
type ThreadID uint32

// MainThread is the thread id of the first thread of every process.
const MainThread ThreadID = 1

const threadIDMask = ThreadID(1)<<30 - 1

// Thread is the scheduler's record of one simulated thread of execution.
type Thread struct {
	ID ThreadID

	// Blocked is true whenever the thread is parked on a condition and
	// not presently runnable.
	Blocked bool

	// Unscheduled means "this thread would have been picked to run
	// while still blocked": set by Scheduler when a blocked thread
	// reaches the head of the ready queue, cleared (and the thread
	// re-added to ready) by Unblock.
	Unscheduled bool

	// Exited is set at most once, only before the Thread record is
	// dropped from its process's thread list.
	Exited bool

	// UserLockWaits counts how many userspace locks/condvars (pkg/ulock)
	// this thread is currently enqueued on, for diagnostics only.
	UserLockWaits int
}

// NewThread allocates a fresh, ready-to-run thread record.
func NewThread(id ThreadID) *Thread {
	if id != MainThread && id&^threadIDMask != 0 {
		panic("sched: thread id top two bits must be zero")
	}
	return &Thread{ID: id}
}

// Scheduler owns the ready queue and the notion of "the running thread" for
// one process. It does not itself run goroutines; whichever goroutine is
// executing a thread's syscalls calls Yield/Block/Unblock/Exit through
// pkg/syscall, pkg/poll and pkg/proc, the way a syscall handler calls into
// the scheduler.
type Scheduler struct {
	logger  logr.Logger
	ready   workqueue.TypedInterface[ThreadID]
	running ThreadID
	byID    map[ThreadID]*Thread
	nextID  ThreadID
}

// NewScheduler creates an empty scheduler.
func NewScheduler(logger logr.Logger) *Scheduler {
	return &Scheduler{
		logger: logger.WithName("scheduler"),
		ready:  workqueue.NewTyped[ThreadID](),
		byID:   make(map[ThreadID]*Thread),
		nextID: MainThread,
	}
}

// NextThreadID returns MainThread for the first call and a monotonically
// increasing id (top two bits always zero) thereafter
func (s *Scheduler) NextThreadID() ThreadID {
	id := s.nextID
	if id == MainThread {
		s.nextID++
		return id
	}
	s.nextID = (s.nextID + 1) &^ (ThreadID(3) << 30)
	return id
}

// Add registers t as ready to run. workqueue's "an item already queued is
// not re-queued" dedup semantics are exactly the invariant that a thread is
// on at most one of {ready, running, nothing} at a time.
func (s *Scheduler) Add(t *Thread) {
	s.byID[t.ID] = t
	s.ready.Add(t.ID)
	s.logger.V(2).Info("thread ready", "tid", t.ID)
}

// Get looks up a thread record by id.
func (s *Scheduler) Get(id ThreadID) (*Thread, bool) {
	t, ok := s.byID[id]
	return t, ok
}

// Running returns the thread currently marked running, if any.
func (s *Scheduler) Running() (*Thread, bool) {
	if s.running == 0 {
		return nil, false
	}
	t, ok := s.byID[s.running]
	return t, ok
}

// ScheduleNext pops the head of the ready queue and marks it running.
// If the popped thread is blocked (raced with Block between Add and pop)
// it is left unscheduled instead of becoming the running thread.
func (s *Scheduler) ScheduleNext() (*Thread, bool) {
	if s.running != 0 {
		s.ready.Add(s.running)
		s.running = 0
	}
	if s.ready.Len() == 0 {
		return nil, false
	}
	id, shutdown := s.ready.Get()
	if shutdown {
		return nil, false
	}
	s.ready.Done(id)
	t := s.byID[id]
	if t == nil || t.Exited {
		return s.ScheduleNext()
	}
	if t.Blocked {
		t.Unscheduled = true
		return s.ScheduleNext()
	}
	s.running = id
	return t, true
}

// Yield appends the running thread to the tail of ready and picks a new
// running thread.
func (s *Scheduler) Yield() (*Thread, bool) {
	return s.ScheduleNext()
}

// Block marks t blocked and, if it is the running thread, clears the
// running slot. It does not pick another thread to run; a later
// ScheduleNext or Yield does that.
func (s *Scheduler) Block(t *Thread) {
	t.Blocked = true
	t.Unscheduled = false
	if s.running == t.ID {
		s.running = 0
	}
}

// Unblock clears blocked on t; if the scheduler had already tried to run it
// while blocked (Unscheduled), it is re-added to the ready queue now.
func (s *Scheduler) Unblock(t *Thread) {
	t.Blocked = false
	if t.Unscheduled {
		t.Unscheduled = false
		s.ready.Add(t.ID)
	}
}

// Exit marks t exited and drops it from scheduling. The caller (pkg/proc)
// is responsible for removing t from the process's thread list; Exit only
// guarantees the scheduler never hands this id out again.
func (s *Scheduler) Exit(t *Thread) {
	t.Exited = true
	delete(s.byID, t.ID)
	if s.running == t.ID {
		s.running = 0
	}
}
