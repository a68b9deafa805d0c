// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package proc is the process descriptor: the per-process
// address space, descriptor table, thread set and exit state, plus the
// fork/exec/exit operations that tie pkg/mem, pkg/fd and pkg/sched
// together into one execution context.
package proc

import (
	"github.com/cloudabi/kcore/pkg/cond"
	"github.com/cloudabi/kcore/pkg/errno"
	"github.com/cloudabi/kcore/pkg/fd"
	"github.com/cloudabi/kcore/pkg/mem"
	"github.com/cloudabi/kcore/pkg/sched"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// PID is the process's 16-byte random identifier; uuid.New() produces
// exactly that.
type PID uuid.UUID

func newPID() PID { return PID(uuid.New()) }

func (p PID) String() string { return uuid.UUID(p).String() }

// Process is the kernel's process descriptor. Attributes mirror the
// Process entity one for one: pid, name, address space (standing in for
// "owned page directory plus lower page tables", since this simulation has
// no real page tables), descriptor table, thread set, termination
// signaler, running/exit state.
type Process struct {
	logger logr.Logger
	kernel *cond.Kernel

	PID     PID
	Name    string
	Space   *mem.AddressSpace
	FDs     *fd.Table
	Sched   *sched.Scheduler
	threads map[sched.ThreadID]*sched.Thread

	Terminate *cond.Signaler

	Running  bool
	ExitCode int32
	Signal   int32

	// LockWaiters and CondvarWaiters are keyed by userspace atomic
	// address; populated by pkg/ulock, which needs a place to hang
	// per-process contention state.
	LockWaiters    map[uint32]*LockWaiters
	CondvarWaiters map[uint32]*CondvarWaiters
}

// LockWaiters is the kernel-managed contention state for one userspace
// lock address.
type LockWaiters struct {
	Readers         *cond.Signaler
	NumberOfReaders int
	WaitingWriters  []*WriterWaiter
}

// WriterWaiter is one thread queued for write ownership of a contended
// userspace lock. Acquired fires when release transfers the lock to this
// thread, which is the signaler poll's LOCK_WRLOCK subscription attaches
// to.
type WriterWaiter struct {
	TID      sched.ThreadID
	Acquired *cond.Signaler
}

// CondvarWaiters is the kernel-managed contention state for one userspace
// condvar address.
type CondvarWaiters struct {
	AssociatedLock uint32
	WaitersCount   int
	CV             *cond.Signaler
}

// New creates a fresh, not-yet-running process: an empty address space, an
// empty descriptor table, no threads. Exec (or the caller of New directly,
// for the very first process) is responsible for populating it.
func New(logger logr.Logger, kernel *cond.Kernel, frames *mem.FrameAllocator, name string) *Process {
	p := &Process{
		logger:         logger.WithName("proc").WithValues("name", name),
		kernel:         kernel,
		PID:            newPID(),
		Name:           name,
		Space:          mem.NewAddressSpace(frames),
		FDs:            fd.NewTable(),
		Sched:          sched.NewScheduler(logger),
		threads:        make(map[sched.ThreadID]*sched.Thread),
		Terminate:      cond.NewSignaler(kernel),
		LockWaiters:    make(map[uint32]*LockWaiters),
		CondvarWaiters: make(map[uint32]*CondvarWaiters),
	}
	return p
}

// NewThread creates and registers a new thread; the first one gets
// sched.MainThread.
func (p *Process) NewThread() *sched.Thread {
	t := sched.NewThread(p.Sched.NextThreadID())
	p.threads[t.ID] = t
	p.Sched.Add(t)
	return t
}

// Exit sets running=false, records exit state, broadcasts the
// termination signaler, closes every descriptor, and unschedules every
// thread. It is the caller's responsibility (pkg/syscall) to check
// whether p is the init process and panic instead of calling Exit.
func (p *Process) Exit(exitCode, signal int32) []fd.Descriptor {
	p.Running = false
	p.ExitCode = exitCode
	p.Signal = signal
	p.Terminate.Broadcast(nil)
	closed := p.FDs.CloseAll()
	for _, t := range p.threads {
		if !t.Exited {
			p.Sched.Exit(t)
		}
	}
	p.logger.V(1).Info("process exited", "exitCode", exitCode, "signal", signal)
	return closed
}

// Fork duplicates the descriptor table (shared handles, same rights)
// and copies every mapping via AddressSpace's
// eager CopyFrom, and creates a fresh main thread for the child; no
// state is copied from the parent's threads. The returned thread is the child's new
// MainThread; pkg/syscall is responsible for arranging its distinguished
// fork-return value before resuming it.
func (p *Process) Fork(logger logr.Logger, frames *mem.FrameAllocator) (*Process, *sched.Thread, errno.Errno) {
	child := New(logger, p.kernel, frames, p.Name)
	child.FDs = p.FDs.Clone()
	child.Running = p.Running

	for _, m := range p.Space.Mappings() {
		if _, e := child.Space.CopyFrom(m); e != errno.Success {
			return nil, nil, e
		}
	}
	childMain := child.NewThread()
	return child, childMain, errno.Success
}
