// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package syscall is the kernel's system-call surface: the ~55
// numbered CloudABI calls, dispatched from a single entry point the way
// a hardware kernel switches on the number left in a register by the
// software interrupt. Each call looks up the per-process descriptor,
// checks its rights, and delegates to the owning subsystem; an unknown
// number delivers SIGSYS and returns ENOSYS.
package syscall

import (
	"github.com/cloudabi/kcore/pkg/cond"
	"github.com/cloudabi/kcore/pkg/diag"
	"github.com/cloudabi/kcore/pkg/errno"
	"github.com/cloudabi/kcore/pkg/fd"
	"github.com/cloudabi/kcore/pkg/mem"
	"github.com/cloudabi/kcore/pkg/poll"
	"github.com/cloudabi/kcore/pkg/proc"
	"github.com/cloudabi/kcore/pkg/sched"
	"github.com/cloudabi/kcore/pkg/ulock"
	"github.com/go-logr/logr"
)

// Number identifies one system call. The values are the CloudABI
// syscall numbers.
type Number uint32

const (
	NumClockResGet Number = iota
	NumClockTimeGet
	NumCondvarSignal
	NumFDClose
	NumFDCreate1
	NumFDCreate2
	NumFDDatasync
	NumFDDup
	NumFDPread
	NumFDPwrite
	NumFDRead
	NumFDReplace
	NumFDSeek
	NumFDStatGet
	NumFDStatPut
	NumFDSync
	NumFDWrite
	NumFileAdvise
	NumFileAllocate
	NumFileCreate
	NumFileLink
	NumFileOpen
	NumFileReaddir
	NumFileReadlink
	NumFileRename
	NumFileStatFGet
	NumFileStatFPut
	NumFileStatGet
	NumFileStatPut
	NumFileSymlink
	NumFileUnlink
	NumLockUnlock
	NumMemAdvise
	NumMemMap
	NumMemProtect
	NumMemSync
	NumMemUnmap
	NumPoll
	NumPollFD
	NumProcExec
	NumProcExit
	NumProcFork
	NumProcRaise
	NumRandomGet
	NumSockAccept
	NumSockBind
	NumSockConnect
	NumSockListen
	NumSockRecv
	NumSockSend
	NumSockShutdown
	NumSockStatGet
	NumThreadCreate
	NumThreadExit
	NumThreadYield
)

// Signal is the CloudABI signal number set.
type Signal int32

const (
	SigAbrt Signal = iota + 1
	SigAlrm
	SigBus
	SigChld
	SigCont
	SigFpe
	SigHup
	SigIll
	SigInt
	SigKill
	SigPipe
	SigQuit
	SigSegv
	SigStop
	SigSys
	SigTerm
	SigTrap
	SigTstp
	SigTtin
	SigTtou
	SigUrg
	SigUsr1
	SigUsr2
	SigVtalrm
	SigXcpu
	SigXfsz
)

// terminates reports whether s is in the set of signals that end the
// process; CloudABI cannot install handlers, so everything else is
// ignored.
func terminates(s Signal) bool {
	switch s {
	case SigAbrt, SigAlrm, SigBus, SigFpe, SigHup, SigIll, SigInt, SigKill,
		SigQuit, SigSegv, SigSys, SigTerm, SigTrap, SigUsr1, SigUsr2,
		SigVtalrm, SigXcpu, SigXfsz:
		return true
	}
	return false
}

// Whence selects the origin of an fd_seek.
type Whence uint8

const (
	WhenceSet Whence = iota
	WhenceCur
	WhenceEnd
)

// OFlags are the file_open open flags.
type OFlags uint16

const (
	OCreat OFlags = 1 << iota
	ODirectory
	OExcl
	OTrunc
)

// FilestatFlags selects which fields a file_stat_fput/file_stat_put call
// applies. The *_NOW variants substitute the kernel clock for the value
// in the stat record.
type FilestatFlags uint16

const (
	FilestatATim FilestatFlags = 1 << iota
	FilestatATimNow
	FilestatMTim
	FilestatMTimNow
	FilestatSize
)

// Args is the argument record a caller passes by pointer, standing in
// for the userspace argument struct read off the user stack. Only the
// fields for the invoked call are meaningful.
type Args struct {
	FD, FD2 int

	Path, Path2    string
	FollowSymlinks bool
	OFlags         OFlags

	Buf    []byte
	OutLen int
	Offset int64
	Whence Whence
	Flags  uint64

	Rights, RightsInheriting fd.Rights
	Filetype                 fd.Filetype

	Addr, Addr2 uint32
	NPages      int
	Prot        mem.Prot
	Advice      mem.Advice
	SyncFlags   mem.SyncFlags
	Anon        bool
	Shared      bool

	ClockID  uint32
	ExitCode int32
	Signal   Signal

	// FileStat carries the input record for file_stat_fput and
	// file_stat_put; Flags holds the FilestatFlags saying which of its
	// fields to apply.
	FileStat Stat

	Subscriptions []poll.Subscription
	PassedFDs     []int
	Backlog       int
	Dgram         bool
}

// FDStat is fd_stat_get's result.
type FDStat struct {
	Filetype   fd.Filetype
	Base       fd.Rights
	Inheriting fd.Rights
}

// Stat is the file_stat_* record: results for the get calls, input for
// the put calls.
type Stat struct {
	Dev      uint64
	Inode    uint64
	Filetype fd.Filetype
	Size     uint64
	Atim     uint64
	Mtim     uint64
}

// Ret carries a call's outputs. Value is the primary scalar result.
type Ret struct {
	Value  uint64
	NewFD  int
	NewFD2 int
	Data   []byte
	Names  []string
	Events []poll.Event
	NewFDs []int
	Entry  *sched.ThreadEntry
	FDStat *FDStat
	Stat   *Stat

	// SockError is sock_stat_get's drained last-error slot.
	SockError errno.Errno
}

// Machine is the syscall dispatcher: the only entry into the kernel from
// a running thread. It owns the kernel-global socket bind table and the
// parent/child process-handle registry.
type Machine struct {
	logger logr.Logger
	kernel *cond.Kernel
	frames *mem.FrameAllocator
	locks  *ulock.Manager
	poller *poll.Engine
	trace  *diag.Ring
	vdso   []byte

	init     *proc.Process
	bound    map[string]*fd.Socket
	children map[*proc.Process][]*fd.ProcessHandle
}

// Options configures a Machine.
type Options struct {
	Logger logr.Logger
	Kernel *cond.Kernel
	Frames *mem.FrameAllocator
	Locks  *ulock.Manager
	Poller *poll.Engine
	Trace  *diag.Ring
	VDSO   []byte
}

// NewMachine wires the syscall surface to its subsystems.
func NewMachine(opts Options) (*Machine, error) {
	if opts.Logger.GetSink() == nil {
		return nil, errno.New("logger is required")
	}
	if opts.Kernel == nil || opts.Frames == nil || opts.Locks == nil || opts.Poller == nil {
		return nil, errno.New("kernel, frames, locks and poller are required")
	}
	return &Machine{
		logger:   opts.Logger.WithName("syscall"),
		kernel:   opts.Kernel,
		frames:   opts.Frames,
		locks:    opts.Locks,
		poller:   opts.Poller,
		trace:    opts.Trace,
		vdso:     opts.VDSO,
		bound:    make(map[string]*fd.Socket),
		children: make(map[*proc.Process][]*fd.ProcessHandle),
	}, nil
}

// SetInit designates p as the init process; its exit panics the kernel.
func (m *Machine) SetInit(p *proc.Process) {
	m.init = p
}

// Dispatch executes syscall num for thread t of process p. Poll manages
// the kernel lock itself; every other call runs with the big lock held
// for its whole duration, so kernel code runs to completion or to an
// explicit block, never concurrently with other kernel code.
func (m *Machine) Dispatch(p *proc.Process, t *sched.Thread, num Number, args *Args) (Ret, errno.Errno) {
	if m.trace != nil {
		m.trace.Record("syscall", num.String())
	}
	if num == NumPoll {
		events, e := m.poller.Poll(p, t, args.Subscriptions)
		return Ret{Events: events}, e
	}

	m.kernel.Lock()
	defer m.kernel.Unlock()

	switch num {
	case NumClockResGet:
		return m.clockResGet(args)
	case NumClockTimeGet:
		return m.clockTimeGet(args)
	case NumCondvarSignal:
		return Ret{}, m.locks.CondvarSignal(p, p, args.Addr, uint32(args.Flags))
	case NumFDClose:
		return m.fdClose(p, args)
	case NumFDCreate1:
		return m.fdCreate1(p, args)
	case NumFDCreate2:
		return m.fdCreate2(p, args)
	case NumFDDatasync, NumFDSync:
		return m.fdSync(p, args)
	case NumFDDup:
		return m.fdDup(p, args)
	case NumFDPread:
		return m.fdPread(p, t, args)
	case NumFDPwrite:
		return m.fdPwrite(p, t, args)
	case NumFDRead:
		return m.fdRead(p, t, args)
	case NumFDReplace:
		return m.fdReplace(p, args)
	case NumFDSeek:
		return m.fdSeek(p, args)
	case NumFDStatGet:
		return m.fdStatGet(p, args)
	case NumFDStatPut:
		return m.fdStatPut(p, args)
	case NumFDWrite:
		return m.fdWrite(p, t, args)
	case NumFileAdvise:
		return Ret{}, errno.Success
	case NumFileAllocate:
		return m.fileAllocate(p, args)
	case NumFileCreate:
		return m.fileCreate(p, args)
	case NumFileLink:
		return m.fileLink(p, args)
	case NumFileOpen:
		return m.fileOpen(p, args)
	case NumFileReaddir:
		return m.fileReaddir(p, args)
	case NumFileReadlink:
		return m.fileReadlink(p, args)
	case NumFileRename:
		return m.fileRename(p, args)
	case NumFileStatFGet:
		return m.fileStatFGet(p, args)
	case NumFileStatFPut:
		return m.fileStatFPut(p, args)
	case NumFileStatGet:
		return m.fileStatGet(p, args)
	case NumFileStatPut:
		return m.fileStatPut(p, args)
	case NumFileSymlink:
		return m.fileSymlink(p, args)
	case NumFileUnlink:
		return m.fileUnlink(p, args)
	case NumLockUnlock:
		return Ret{}, m.locks.Release(p, p, t, args.Addr)
	case NumMemAdvise:
		return m.memAdvise(p, args)
	case NumMemMap:
		return m.memMap(p, args)
	case NumMemProtect:
		return Ret{}, p.Space.Protect(args.Addr, args.NPages, args.Prot)
	case NumMemSync:
		return m.memSync(p, args)
	case NumMemUnmap:
		return Ret{}, p.Space.Unmap(args.Addr, args.NPages)
	case NumPollFD:
		// Present in the ABI table; no implementation exists.
		return Ret{}, errno.ENOSYS
	case NumProcExec:
		return m.procExec(p, args)
	case NumProcExit:
		m.exitProcess(p, args.ExitCode, 0)
		return Ret{}, errno.Success
	case NumProcFork:
		return m.procFork(p, t, args)
	case NumProcRaise:
		return m.procRaise(p, args.Signal)
	case NumRandomGet:
		return m.randomGet(args)
	case NumSockAccept:
		return m.sockAccept(p, t, args)
	case NumSockBind:
		return m.sockBind(p, args)
	case NumSockConnect:
		return m.sockConnect(p, args)
	case NumSockListen:
		return m.sockListen(p, args)
	case NumSockRecv:
		return m.sockRecv(p, t, args)
	case NumSockSend:
		return m.sockSend(p, args)
	case NumSockShutdown:
		return m.sockShutdown(p, args)
	case NumSockStatGet:
		return m.sockStatGet(p, args)
	case NumThreadCreate:
		return m.threadCreate(p, args)
	case NumThreadExit:
		return m.threadExit(p, t, args)
	case NumThreadYield:
		p.Sched.Yield()
		return Ret{}, errno.Success
	default:
		m.logger.Info("unknown syscall, signalling process", "num", uint32(num), "process", p.Name)
		m.signalLocked(p, SigSys)
		return Ret{}, errno.ENOSYS
	}
}

// signalLocked delivers signal s to p with the kernel lock held: signals
// in the terminating set end the process, everything else is dropped.
func (m *Machine) signalLocked(p *proc.Process, s Signal) {
	if !terminates(s) {
		return
	}
	m.exitProcess(p, 0, int32(s))
}

// exitProcess is the one place a process dies: the init process panics
// the kernel, every other process marks its parent-held handles, records
// its exit state, broadcasts termination and closes its descriptors.
func (m *Machine) exitProcess(p *proc.Process, exitCode, signal int32) {
	if p == m.init {
		diag.Bug("init process exited (code=%d signal=%d)", exitCode, signal)
	}
	for _, h := range m.children[p] {
		h.MarkTerminated(exitCode, signal)
	}
	delete(m.children, p)
	closed := p.Exit(exitCode, signal)
	for _, d := range closed {
		if ps, ok := d.(*fd.Pseudo); ok {
			m.kernel.Unlock()
			ps.Close()
			m.kernel.Lock()
		}
	}
}

// waitOn blocks t on sig until ready() reports true, re-checking after
// every wakeup. Must be called with the kernel lock held; the park
// releases it.
func (m *Machine) waitOn(p *proc.Process, t *sched.Thread, sig *cond.Signaler, ready func() bool) {
	for !ready() {
		w := cond.NewWaiter(m.kernel)
		w.AddCondition(cond.NewCondition(sig, nil))
		p.Sched.Block(t)
		w.Wait()
		p.Sched.Unblock(t)
		w.Finish()
	}
}

var numNames = map[Number]string{
	NumClockResGet: "clock_res_get", NumClockTimeGet: "clock_time_get",
	NumCondvarSignal: "condvar_signal", NumFDClose: "fd_close",
	NumFDCreate1: "fd_create1", NumFDCreate2: "fd_create2",
	NumFDDatasync: "fd_datasync", NumFDDup: "fd_dup",
	NumFDPread: "fd_pread", NumFDPwrite: "fd_pwrite",
	NumFDRead: "fd_read", NumFDReplace: "fd_replace",
	NumFDSeek: "fd_seek", NumFDStatGet: "fd_stat_get",
	NumFDStatPut: "fd_stat_put", NumFDSync: "fd_sync",
	NumFDWrite: "fd_write", NumFileAdvise: "file_advise",
	NumFileAllocate: "file_allocate", NumFileCreate: "file_create",
	NumFileLink: "file_link", NumFileOpen: "file_open",
	NumFileReaddir: "file_readdir", NumFileReadlink: "file_readlink",
	NumFileRename: "file_rename", NumFileStatFGet: "file_stat_fget",
	NumFileStatFPut: "file_stat_fput", NumFileStatGet: "file_stat_get",
	NumFileStatPut: "file_stat_put", NumFileSymlink: "file_symlink",
	NumFileUnlink: "file_unlink", NumLockUnlock: "lock_unlock",
	NumMemAdvise: "mem_advise", NumMemMap: "mem_map",
	NumMemProtect: "mem_protect", NumMemSync: "mem_sync",
	NumMemUnmap: "mem_unmap", NumPoll: "poll", NumPollFD: "poll_fd",
	NumProcExec: "proc_exec", NumProcExit: "proc_exit",
	NumProcFork: "proc_fork", NumProcRaise: "proc_raise",
	NumRandomGet: "random_get", NumSockAccept: "sock_accept",
	NumSockBind: "sock_bind", NumSockConnect: "sock_connect",
	NumSockListen: "sock_listen", NumSockRecv: "sock_recv",
	NumSockSend: "sock_send", NumSockShutdown: "sock_shutdown",
	NumSockStatGet: "sock_stat_get", NumThreadCreate: "thread_create",
	NumThreadExit: "thread_exit", NumThreadYield: "thread_yield",
}

func (n Number) String() string {
	if s, ok := numNames[n]; ok {
		return s
	}
	return "unknown"
}

// ulockMemory asserts the process as the lock-word memory; kept as a
// compile-time check that proc.Process satisfies ulock.Memory.
var _ ulock.Memory = (*proc.Process)(nil)
