// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package syscall

import (
	"github.com/cloudabi/kcore/pkg/errno"
	"github.com/cloudabi/kcore/pkg/fd"
	"github.com/cloudabi/kcore/pkg/mem"
	"github.com/cloudabi/kcore/pkg/proc"
	"github.com/cloudabi/kcore/pkg/sched"
)

// procExec implements proc_exec: validate the executable descriptor,
// replace the address space with the new image, and rebuild the FD table
// from the caller-supplied post-exec list; FDs not in that list are
// closed.
func (m *Machine) procExec(p *proc.Process, args *Args) (Ret, errno.Errno) {
	d, e := p.FDs.GetChecked(args.FD, fd.RightProcExec)
	if e != errno.Success {
		return Ret{}, e
	}
	backing, ok := d.(mem.Backing)
	if !ok {
		return Ret{}, errno.ENOEXEC
	}
	var size int64
	switch v := d.(type) {
	case *fd.File:
		size = v.Size()
	case *fd.Memory:
		size = int64(v.Len())
	default:
		return Ret{}, errno.ENOEXEC
	}

	// Capture the new table first so a bad FD number fails before the
	// point of no return.
	newTable := fd.NewTable()
	for i, num := range args.PassedFDs {
		s, ok := p.FDs.Get(num)
		if !ok || s.Empty() {
			return Ret{}, errno.EBADF
		}
		newTable.InstallAt(i, s.Handle, s.BaseRights, s.InheritingRights)
	}

	entry, e := p.Exec(backing, size, m.vdso, args.Buf)
	if e != errno.Success {
		return Ret{}, e
	}
	p.FDs = newTable
	p.Running = true
	m.logger.V(1).Info("exec accepted", "process", p.Name, "entry", entry.EntryPoint)
	return Ret{Entry: entry}, errno.Success
}

// procFork implements proc_fork: duplicate the process and hand the
// parent a pollable process descriptor for the child. The child's main
// thread is returned so the caller can run it with the distinguished
// fork return value.
func (m *Machine) procFork(p *proc.Process, t *sched.Thread, args *Args) (Ret, errno.Errno) {
	child, childMain, e := p.Fork(m.logger, m.frames)
	if e != errno.Success {
		return Ret{}, e
	}
	handle := fd.NewProcessHandle(fd.NewBase(m.kernel, fd.FiletypeProcess, "proc:"+child.Name), child.Terminate)
	m.children[child] = append(m.children[child], handle)
	base, inheriting := fd.AttenuateForOpen(fd.FiletypeProcess, ^fd.Rights(0), ^fd.Rights(0))
	num := p.FDs.Install(handle, base, inheriting)
	return Ret{NewFD: num, Entry: &sched.ThreadEntry{Thread: childMain}, Value: uint64(childMain.ID)}, errno.Success
}

// Children returns every fork-created process that has not yet exited,
// so the host (internal/kernel) can start running them.
func (m *Machine) Children() []*proc.Process {
	out := make([]*proc.Process, 0, len(m.children))
	for c := range m.children {
		out = append(out, c)
	}
	return out
}

func (m *Machine) procRaise(p *proc.Process, s Signal) (Ret, errno.Errno) {
	if s < SigAbrt || s > SigXfsz {
		return Ret{}, errno.EINVAL
	}
	m.signalLocked(p, s)
	return Ret{}, errno.Success
}

func (m *Machine) threadCreate(p *proc.Process, args *Args) (Ret, errno.Errno) {
	t := p.NewThread()
	entry := &sched.ThreadEntry{Thread: t, EntryPoint: args.Addr, Argument: args.Addr2}
	return Ret{Value: uint64(t.ID), Entry: entry}, errno.Success
}

// threadExit unlocks the caller-supplied join lock (so a joiner polling
// on it wakes) and removes the thread from scheduling.
func (m *Machine) threadExit(p *proc.Process, t *sched.Thread, args *Args) (Ret, errno.Errno) {
	if args.Addr != 0 {
		// The join lock may or may not be contended; a failed release
		// only means nobody is waiting.
		if e := m.locks.Release(p, p, t, args.Addr); e != errno.Success {
			p.StoreWord(args.Addr, 0)
		}
	}
	p.Sched.Exit(t)
	return Ret{}, errno.Success
}
