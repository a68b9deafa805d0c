// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ulock_test

import (
	"testing"

	"github.com/cloudabi/kcore/pkg/cond"
	"github.com/cloudabi/kcore/pkg/errno"
	"github.com/cloudabi/kcore/pkg/mem"
	"github.com/cloudabi/kcore/pkg/proc"
	"github.com/cloudabi/kcore/pkg/ulock"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// words is a fake user memory: a flat map of aligned 32-bit words.
type words map[uint32]uint32

func (w words) LoadWord(addr uint32) (uint32, errno.Errno) {
	if addr%4 != 0 {
		return 0, errno.EINVAL
	}
	return w[addr], errno.Success
}

func (w words) StoreWord(addr, val uint32) errno.Errno {
	if addr%4 != 0 {
		return errno.EINVAL
	}
	w[addr] = val
	return errno.Success
}

func newTestProc(t *testing.T, k *cond.Kernel) *proc.Process {
	t.Helper()
	frames := mem.NewFrameAllocator(logr.Discard(), 8)
	return proc.New(logr.Discard(), k, frames, "ulock-test")
}

const lockAddr = 0x1000

func TestAcquireUncontendedWrite(t *testing.T) {
	k := cond.NewKernel()
	p := newTestProc(t, k)
	m := ulock.NewManager(logr.Discard(), k)
	uw := words{}
	a := p.NewThread()

	sig, acquired, e := m.Acquire(p, uw, a, lockAddr, true)
	require.Equal(t, errno.Success, e)
	assert.True(t, acquired)
	assert.Nil(t, sig)
	assert.Equal(t, ulock.WRLocked|uint32(a.ID), uw[lockAddr])
}

func TestAcquireContendedWriteTransfersOnRelease(t *testing.T) {
	k := cond.NewKernel()
	p := newTestProc(t, k)
	m := ulock.NewManager(logr.Discard(), k)
	uw := words{}
	a := p.NewThread()
	b := p.NewThread()

	_, acquired, e := m.Acquire(p, uw, a, lockAddr, true)
	require.Equal(t, errno.Success, e)
	require.True(t, acquired)

	sig, acquired, e := m.Acquire(p, uw, b, lockAddr, true)
	require.Equal(t, errno.Success, e)
	require.False(t, acquired)
	require.NotNil(t, sig)
	assert.NotZero(t, uw[lockAddr]&ulock.KernelManaged)

	k.Lock()
	c := cond.NewCondition(sig, nil)
	w := cond.NewWaiter(k)
	w.AddCondition(c)
	require.Equal(t, errno.Success, m.Release(p, uw, a, lockAddr))
	satisfied := w.Finish()
	k.Unlock()

	require.Len(t, satisfied, 1)
	assert.Equal(t, ulock.WRLocked|uint32(b.ID), uw[lockAddr])
	assert.Empty(t, p.LockWaiters)
}

func TestReadersAdmittedTogetherOnRelease(t *testing.T) {
	k := cond.NewKernel()
	p := newTestProc(t, k)
	m := ulock.NewManager(logr.Discard(), k)
	uw := words{}
	writer := p.NewThread()
	r1 := p.NewThread()
	r2 := p.NewThread()

	_, acquired, e := m.Acquire(p, uw, writer, lockAddr, true)
	require.Equal(t, errno.Success, e)
	require.True(t, acquired)

	_, acquired, e = m.Acquire(p, uw, r1, lockAddr, false)
	require.Equal(t, errno.Success, e)
	require.False(t, acquired)
	_, acquired, e = m.Acquire(p, uw, r2, lockAddr, false)
	require.Equal(t, errno.Success, e)
	require.False(t, acquired)

	require.Equal(t, errno.Success, m.Release(p, uw, writer, lockAddr))
	assert.Equal(t, uint32(2), uw[lockAddr])
	assert.Empty(t, p.LockWaiters)
}

func TestReaderSkipsKernelWhenReadLocked(t *testing.T) {
	k := cond.NewKernel()
	p := newTestProc(t, k)
	m := ulock.NewManager(logr.Discard(), k)
	uw := words{lockAddr: 1} // one reader, no writers queued
	r := p.NewThread()

	_, acquired, e := m.Acquire(p, uw, r, lockAddr, false)
	require.Equal(t, errno.Success, e)
	assert.True(t, acquired)
	assert.Equal(t, uint32(2), uw[lockAddr])
}

func TestReleaseNotHeldFailsEPERM(t *testing.T) {
	k := cond.NewKernel()
	p := newTestProc(t, k)
	m := ulock.NewManager(logr.Discard(), k)
	assert.Equal(t, errno.EPERM, m.Release(p, words{}, p.NewThread(), lockAddr))
}

func TestCondvarWaitDropsLockAndSignalWakes(t *testing.T) {
	k := cond.NewKernel()
	p := newTestProc(t, k)
	m := ulock.NewManager(logr.Discard(), k)
	uw := words{}
	a := p.NewThread()
	const cvAddr = 0x2000

	_, acquired, e := m.Acquire(p, uw, a, lockAddr, true)
	require.Equal(t, errno.Success, e)
	require.True(t, acquired)

	sig, e := m.CondvarWait(p, uw, a, cvAddr, lockAddr)
	require.Equal(t, errno.Success, e)
	assert.Equal(t, uint32(1), uw[cvAddr])
	assert.Equal(t, uint32(0), uw[lockAddr]) // lock dropped, no other waiters

	k.Lock()
	c := cond.NewCondition(sig, nil)
	w := cond.NewWaiter(k)
	w.AddCondition(c)
	require.Equal(t, errno.Success, m.CondvarSignal(p, uw, cvAddr, 1))
	satisfied := w.Finish()
	k.Unlock()

	require.Len(t, satisfied, 1)
	assert.Equal(t, uint32(0), uw[cvAddr])
	assert.Empty(t, p.CondvarWaiters)
}

func TestCondvarSignalFewerThanWaiters(t *testing.T) {
	k := cond.NewKernel()
	p := newTestProc(t, k)
	m := ulock.NewManager(logr.Discard(), k)
	uw := words{}
	const cvAddr = 0x2000

	// Each waiter holds the lock when it calls wait; wait drops the lock,
	// so the next thread acquires it uncontended.
	for i := 0; i < 3; i++ {
		th := p.NewThread()
		_, acquired, e := m.Acquire(p, uw, th, lockAddr, true)
		require.Equal(t, errno.Success, e)
		require.True(t, acquired)
		_, e = m.CondvarWait(p, uw, th, cvAddr, lockAddr)
		require.Equal(t, errno.Success, e)
	}

	cw := p.CondvarWaiters[cvAddr]
	require.NotNil(t, cw)
	require.Equal(t, 3, cw.WaitersCount)
	require.Equal(t, errno.Success, m.CondvarSignal(p, uw, cvAddr, 2))
	assert.Equal(t, 1, cw.WaitersCount)
	assert.Equal(t, uint32(1), uw[cvAddr]) // still contended
}

func TestDropWaiterRemovesQueuedWriter(t *testing.T) {
	k := cond.NewKernel()
	p := newTestProc(t, k)
	m := ulock.NewManager(logr.Discard(), k)
	uw := words{}
	a := p.NewThread()
	b := p.NewThread()

	_, acquired, e := m.Acquire(p, uw, a, lockAddr, true)
	require.Equal(t, errno.Success, e)
	require.True(t, acquired)
	_, acquired, e = m.Acquire(p, uw, b, lockAddr, true)
	require.Equal(t, errno.Success, e)
	require.False(t, acquired)

	m.DropWaiter(p, b, lockAddr)
	assert.Empty(t, p.LockWaiters)

	// With the waiter gone, release falls back to a plain unlock.
	require.Equal(t, errno.Success, m.Release(p, uw, a, lockAddr))
	assert.Equal(t, uint32(0), uw[lockAddr])
}
