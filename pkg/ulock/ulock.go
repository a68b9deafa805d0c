// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package ulock implements the kernel side of CloudABI userspace locks and
// condition variables. A lock is a 32-bit atomic word in user
// memory: bit 31 is WRLOCKED, bit 30 is KERNEL_MANAGED, the low 30 bits are
// the writer's thread id (when write-locked) or the reader count. The
// uncontended paths never enter the kernel; this package only handles the
// contended cases, keyed by the word's virtual address in the owning
// process's per-process waiter maps (proc.LockWaiters, proc.CondvarWaiters).
package ulock

import (
	"github.com/cloudabi/kcore/pkg/cond"
	"github.com/cloudabi/kcore/pkg/errno"
	"github.com/cloudabi/kcore/pkg/proc"
	"github.com/cloudabi/kcore/pkg/sched"
	"github.com/go-logr/logr"
)

// Lock word bits.
const (
	WRLocked      uint32 = 1 << 31
	KernelManaged uint32 = 1 << 30
	TIDMask       uint32 = KernelManaged - 1
)

// Memory is the narrow user-memory access a lock operation needs: loading
// and storing one aligned 32-bit word. proc.Process implements it over its
// address space; tests substitute a map.
type Memory interface {
	LoadWord(addr uint32) (uint32, errno.Errno)
	StoreWord(addr, val uint32) errno.Errno
}

// Manager performs contended lock and condvar transitions for any process.
// All methods must be called with the kernel big lock held, like every
// other signaler manipulation.
type Manager struct {
	logger logr.Logger
	kernel *cond.Kernel
}

// NewManager creates a lock manager bound to the kernel's big lock.
func NewManager(logger logr.Logger, kernel *cond.Kernel) *Manager {
	return &Manager{logger: logger.WithName("ulock"), kernel: kernel}
}

func waiters(p *proc.Process, addr uint32) *proc.LockWaiters {
	lw, ok := p.LockWaiters[addr]
	if !ok {
		lw = &proc.LockWaiters{}
		p.LockWaiters[addr] = lw
	}
	return lw
}

// Acquire attempts to take the lock at addr for thread t. If the lock was
// taken on the spot the returned signaler is nil and acquired is true;
// otherwise the caller (poll's LOCK_RDLOCK/LOCK_WRLOCK path) must wait on
// the returned signaler, which fires once this thread owns the lock.
func (m *Manager) Acquire(p *proc.Process, mem Memory, t *sched.Thread, addr uint32, write bool) (*cond.Signaler, bool, errno.Errno) {
	word, e := mem.LoadWord(addr)
	if e != errno.Success {
		return nil, false, e
	}

	if write {
		if word&^KernelManaged == 0 && !hasContention(p, addr) {
			if e := mem.StoreWord(addr, WRLocked|uint32(t.ID)); e != errno.Success {
				return nil, false, e
			}
			return nil, true, errno.Success
		}
		if e := mem.StoreWord(addr, word|KernelManaged); e != errno.Success {
			return nil, false, e
		}
		lw := waiters(p, addr)
		w := &proc.WriterWaiter{TID: t.ID, Acquired: cond.NewSignaler(m.kernel)}
		lw.WaitingWriters = append(lw.WaitingWriters, w)
		t.UserLockWaits++
		return w.Acquired, false, errno.Success
	}

	// Reader: no kernel help needed unless the lock is write-held or a
	// writer is already queued (writers would starve otherwise).
	lw := p.LockWaiters[addr]
	writerQueued := lw != nil && len(lw.WaitingWriters) > 0
	if word&WRLocked == 0 && !writerQueued {
		if e := mem.StoreWord(addr, (word&^KernelManaged)+1); e != errno.Success {
			return nil, false, e
		}
		return nil, true, errno.Success
	}
	if e := mem.StoreWord(addr, word|KernelManaged); e != errno.Success {
		return nil, false, e
	}
	lw = waiters(p, addr)
	if lw.Readers == nil {
		lw.Readers = cond.NewSignaler(m.kernel)
	}
	lw.NumberOfReaders++
	t.UserLockWaits++
	return lw.Readers, false, errno.Success
}

func hasContention(p *proc.Process, addr uint32) bool {
	lw, ok := p.LockWaiters[addr]
	return ok && (len(lw.WaitingWriters) > 0 || lw.NumberOfReaders > 0)
}

// Release drops write ownership of the lock at addr (the lock_unlock
// syscall; only writers enter the kernel to unlock). A waiting writer
// gets ownership transferred atomically; otherwise queued readers
// are admitted all at once and the kernel entry is dropped; with no
// waiters at all the word is simply zeroed. KERNEL_MANAGED is cleared on
// the last release that empties the entry.
func (m *Manager) Release(p *proc.Process, mem Memory, t *sched.Thread, addr uint32) errno.Errno {
	word, e := mem.LoadWord(addr)
	if e != errno.Success {
		return e
	}
	if word&WRLocked == 0 {
		return errno.EPERM
	}
	if word&TIDMask != uint32(t.ID) {
		// Another thread may have made progress on the word in the
		// meantime; informational, not fatal.
		m.logger.V(1).Info("lock word does not name the releasing thread",
			"addr", addr, "word", word, "tid", t.ID)
	}

	lw := p.LockWaiters[addr]
	if lw != nil && len(lw.WaitingWriters) > 0 {
		w := lw.WaitingWriters[0]
		lw.WaitingWriters = lw.WaitingWriters[1:]
		next := WRLocked | uint32(w.TID)
		if len(lw.WaitingWriters) > 0 || lw.NumberOfReaders > 0 {
			next |= KernelManaged
		} else {
			delete(p.LockWaiters, addr)
		}
		if e := mem.StoreWord(addr, next); e != errno.Success {
			return e
		}
		w.Acquired.Notify(nil)
		return errno.Success
	}
	if lw != nil && lw.NumberOfReaders > 0 {
		if e := mem.StoreWord(addr, uint32(lw.NumberOfReaders)); e != errno.Success {
			return e
		}
		lw.Readers.Broadcast(nil)
		delete(p.LockWaiters, addr)
		return errno.Success
	}
	delete(p.LockWaiters, addr)
	return mem.StoreWord(addr, 0)
}

// CondvarWait enqueues t on the condvar at cvAddr, marks the condvar word
// contended, drops the associated userspace lock, and returns the signaler
// that fires when the condvar is signaled. Re-acquiring the lock is the
// poll completion path's job, not this function's.
func (m *Manager) CondvarWait(p *proc.Process, mem Memory, t *sched.Thread, cvAddr, lockAddr uint32) (*cond.Signaler, errno.Errno) {
	cw, ok := p.CondvarWaiters[cvAddr]
	if !ok {
		cw = &proc.CondvarWaiters{AssociatedLock: lockAddr, CV: cond.NewSignaler(m.kernel)}
		p.CondvarWaiters[cvAddr] = cw
	}
	if cw.AssociatedLock != lockAddr {
		return nil, errno.EINVAL
	}
	cw.WaitersCount++
	if e := mem.StoreWord(cvAddr, 1); e != errno.Success {
		return nil, e
	}
	if e := m.Release(p, mem, t, lockAddr); e != errno.Success {
		return nil, e
	}
	t.UserLockWaits++
	return cw.CV, errno.Success
}

// CondvarSignal wakes up to n waiters of the condvar at cvAddr. Signaling
// at least as many waiters as are queued broadcasts and forgets the kernel
// entry, zeroing the condvar word; otherwise exactly n waiters are
// notified individually.
func (m *Manager) CondvarSignal(p *proc.Process, mem Memory, cvAddr uint32, n uint32) errno.Errno {
	cw, ok := p.CondvarWaiters[cvAddr]
	if !ok {
		return errno.Success
	}
	if n >= uint32(cw.WaitersCount) {
		cw.CV.Broadcast(nil)
		delete(p.CondvarWaiters, cvAddr)
		return mem.StoreWord(cvAddr, 0)
	}
	for i := uint32(0); i < n; i++ {
		cw.CV.Notify(nil)
	}
	cw.WaitersCount -= int(n)
	return errno.Success
}

// DropWaiter removes any queue entry thread t still holds for the lock at
// addr, poll's deterministic-cancellation step for LOCK subscriptions that
// did not fire.
func (m *Manager) DropWaiter(p *proc.Process, t *sched.Thread, addr uint32) {
	lw, ok := p.LockWaiters[addr]
	if !ok {
		return
	}
	for i, w := range lw.WaitingWriters {
		if w.TID == t.ID {
			lw.WaitingWriters = append(lw.WaitingWriters[:i], lw.WaitingWriters[i+1:]...)
			if t.UserLockWaits > 0 {
				t.UserLockWaits--
			}
			break
		}
	}
	if len(lw.WaitingWriters) == 0 && lw.NumberOfReaders == 0 {
		delete(p.LockWaiters, addr)
	}
}
