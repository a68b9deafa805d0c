// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package syscall_test

import (
	"testing"

	"github.com/cloudabi/kcore/pkg/cond"
	"github.com/cloudabi/kcore/pkg/errno"
	"github.com/cloudabi/kcore/pkg/fd"
	"github.com/cloudabi/kcore/pkg/mem"
	"github.com/cloudabi/kcore/pkg/poll"
	"github.com/cloudabi/kcore/pkg/proc"
	"github.com/cloudabi/kcore/pkg/rpc"
	"github.com/cloudabi/kcore/pkg/sched"
	"github.com/cloudabi/kcore/pkg/syscall"
	"github.com/cloudabi/kcore/pkg/ulock"
	"github.com/go-logr/logr"
	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type machineFixture struct {
	kernel  *cond.Kernel
	frames  *mem.FrameAllocator
	machine *syscall.Machine
	proc    *proc.Process
	thread  *sched.Thread
}

func newMachine(t *testing.T) *machineFixture {
	t.Helper()
	k := cond.NewKernel()
	frames := mem.NewFrameAllocator(logr.Discard(), 256)
	locks := ulock.NewManager(logr.Discard(), k)
	poller := poll.NewEngine(logr.Discard(), k, locks, poll.Options{})
	m, err := syscall.NewMachine(syscall.Options{
		Logger: testr.New(t),
		Kernel: k,
		Frames: frames,
		Locks:  locks,
		Poller: poller,
	})
	require.NoError(t, err)
	p := proc.New(logr.Discard(), k, frames, "test")
	return &machineFixture{kernel: k, frames: frames, machine: m, proc: p, thread: p.NewThread()}
}

func (f *machineFixture) call(t *testing.T, num syscall.Number, args *syscall.Args) syscall.Ret {
	t.Helper()
	ret, e := f.machine.Dispatch(f.proc, f.thread, num, args)
	require.Equal(t, errno.Success, e)
	return ret
}

func TestCloseTwiceReturnsEBADF(t *testing.T) {
	f := newMachine(t)
	ret := f.call(t, syscall.NumFDCreate1, &syscall.Args{Filetype: fd.FiletypeSharedMemory})

	f.call(t, syscall.NumFDClose, &syscall.Args{FD: ret.NewFD})
	_, e := f.machine.Dispatch(f.proc, f.thread, syscall.NumFDClose, &syscall.Args{FD: ret.NewFD})
	assert.Equal(t, errno.EBADF, e)
}

func TestPipeWriteThenRead(t *testing.T) {
	f := newMachine(t)
	pair := f.call(t, syscall.NumFDCreate2, &syscall.Args{Filetype: fd.FiletypePipe})

	// The read end has no write right and vice versa.
	_, e := f.machine.Dispatch(f.proc, f.thread, syscall.NumFDWrite, &syscall.Args{FD: pair.NewFD, Buf: []byte("x")})
	assert.Equal(t, errno.ENOTCAPABLE, e)

	f.call(t, syscall.NumFDWrite, &syscall.Args{FD: pair.NewFD2, Buf: []byte("abcde")})
	got := f.call(t, syscall.NumFDRead, &syscall.Args{FD: pair.NewFD, OutLen: 3})
	assert.Equal(t, "abc", string(got.Data))
	got = f.call(t, syscall.NumFDRead, &syscall.Args{FD: pair.NewFD, OutLen: 3})
	assert.Equal(t, "de", string(got.Data))
}

func newRootDir(f *machineFixture) int {
	dir := fd.NewDir(fd.NewBase(f.kernel, fd.FiletypeDirectory, "root"))
	all := ^fd.Rights(0)
	base, _ := fd.AttenuateForOpen(fd.FiletypeDirectory, all, all)
	return f.proc.FDs.Install(dir, base, all)
}

func TestFileOpenCreateAndReadBack(t *testing.T) {
	f := newMachine(t)
	root := newRootDir(f)

	rights := fd.RightFDRead | fd.RightFDWrite | fd.RightFDSeek
	opened := f.call(t, syscall.NumFileOpen, &syscall.Args{
		FD: root, Path: "hello.txt", OFlags: syscall.OCreat, Rights: rights,
	})
	f.call(t, syscall.NumFDWrite, &syscall.Args{FD: opened.NewFD, Buf: []byte("payload")})

	reopened := f.call(t, syscall.NumFileOpen, &syscall.Args{
		FD: root, Path: "hello.txt", Rights: fd.RightFDRead | fd.RightFDSeek,
	})
	got := f.call(t, syscall.NumFDPread, &syscall.Args{FD: reopened.NewFD, OutLen: 16, Offset: 0})
	assert.Equal(t, "payload", string(got.Data))
}

func TestFileOpenTruncWithoutWriteFailsEINVAL(t *testing.T) {
	f := newMachine(t)
	root := newRootDir(f)
	_, e := f.machine.Dispatch(f.proc, f.thread, syscall.NumFileOpen, &syscall.Args{
		FD: root, Path: "x", OFlags: syscall.OCreat | syscall.OTrunc, Rights: fd.RightFDRead,
	})
	assert.Equal(t, errno.EINVAL, e)
}

func TestFileOpenRightsExceedInheritingFailsENOTCAPABLE(t *testing.T) {
	f := newMachine(t)
	dir := fd.NewDir(fd.NewBase(f.kernel, fd.FiletypeDirectory, "root"))
	num := f.proc.FDs.Install(dir, fd.RightPathOpen, fd.RightFDRead) // inheriting: read only
	_, e := f.machine.Dispatch(f.proc, f.thread, syscall.NumFileOpen, &syscall.Args{
		FD: num, Path: "x", Rights: fd.RightFDRead | fd.RightFDWrite,
	})
	assert.Equal(t, errno.ENOTCAPABLE, e)
}

func TestAbsolutePathRejected(t *testing.T) {
	f := newMachine(t)
	root := newRootDir(f)
	_, e := f.machine.Dispatch(f.proc, f.thread, syscall.NumFileOpen, &syscall.Args{
		FD: root, Path: "/etc/passwd", Rights: fd.RightFDRead,
	})
	assert.Equal(t, errno.ENOTCAPABLE, e)
}

func TestSymlinkLoopFailsELOOP(t *testing.T) {
	f := newMachine(t)
	root := newRootDir(f)
	f.call(t, syscall.NumFileSymlink, &syscall.Args{FD: root, Path: "a", Path2: "b"})
	f.call(t, syscall.NumFileSymlink, &syscall.Args{FD: root, Path: "b", Path2: "a"})
	_, e := f.machine.Dispatch(f.proc, f.thread, syscall.NumFileOpen, &syscall.Args{
		FD: root, Path: "a", FollowSymlinks: true, Rights: fd.RightFDRead,
	})
	assert.Equal(t, errno.ELOOP, e)
}

func TestUnknownSyscallSignalsSIGSYS(t *testing.T) {
	f := newMachine(t)
	f.proc.Running = true
	_, e := f.machine.Dispatch(f.proc, f.thread, syscall.Number(999), &syscall.Args{})
	assert.Equal(t, errno.ENOSYS, e)
	assert.False(t, f.proc.Running)
	assert.Equal(t, int32(syscall.SigSys), f.proc.Signal)
}

func TestIgnoredSignalDoesNotTerminate(t *testing.T) {
	f := newMachine(t)
	f.proc.Running = true
	f.call(t, syscall.NumProcRaise, &syscall.Args{Signal: syscall.SigChld})
	assert.True(t, f.proc.Running)
}

func TestForkThenPollProcTerminate(t *testing.T) {
	f := newMachine(t)
	ret := f.call(t, syscall.NumProcFork, &syscall.Args{})
	require.NotNil(t, ret.Entry)

	var child *proc.Process
	for _, c := range f.machine.Children() {
		child = c
	}
	require.NotNil(t, child)

	_, e := f.machine.Dispatch(child, ret.Entry.Thread, syscall.NumProcExit, &syscall.Args{ExitCode: 7})
	require.Equal(t, errno.Success, e)

	events, e := f.machine.Dispatch(f.proc, f.thread, syscall.NumPoll, &syscall.Args{
		Subscriptions: []poll.Subscription{{Type: poll.EventProcTerminate, FD: ret.NewFD}},
	})
	require.Equal(t, errno.Success, e)
	require.Len(t, events.Events, 1)
	assert.Equal(t, int32(7), events.Events[0].ExitCode)
	assert.Equal(t, int32(0), events.Events[0].Signal)
}

func TestForkCopiesMemoryEagerly(t *testing.T) {
	f := newMachine(t)
	mapped := f.call(t, syscall.NumMemMap, &syscall.Args{Anon: true, NPages: 1, Prot: mem.ProtRead | mem.ProtWrite})
	addr := uint32(mapped.Value)
	require.Equal(t, errno.Success, f.proc.WriteBytes(addr, []byte{0xAA}))

	f.call(t, syscall.NumProcFork, &syscall.Args{})
	var child *proc.Process
	for _, c := range f.machine.Children() {
		child = c
	}
	require.NotNil(t, child)

	// The child sees the parent's byte; writes in one do not affect the other.
	got := make([]byte, 1)
	require.Equal(t, errno.Success, child.ReadBytes(addr, got))
	assert.Equal(t, byte(0xAA), got[0])
	require.Equal(t, errno.Success, child.WriteBytes(addr, []byte{0xBB}))
	require.Equal(t, errno.Success, f.proc.ReadBytes(addr, got))
	assert.Equal(t, byte(0xAA), got[0])
}

func TestSocketpairPassesDescriptors(t *testing.T) {
	f := newMachine(t)
	pipePair := f.call(t, syscall.NumFDCreate2, &syscall.Args{Filetype: fd.FiletypePipe})
	f.call(t, syscall.NumFDWrite, &syscall.Args{FD: pipePair.NewFD2, Buf: []byte{1, 2, 3}})

	sockPair := f.call(t, syscall.NumFDCreate2, &syscall.Args{Filetype: fd.FiletypeSocketStream})
	f.call(t, syscall.NumSockSend, &syscall.Args{
		FD: sockPair.NewFD, Buf: []byte{1, 2, 3}, PassedFDs: []int{pipePair.NewFD},
	})

	got := f.call(t, syscall.NumSockRecv, &syscall.Args{FD: sockPair.NewFD2, OutLen: 8})
	assert.Equal(t, []byte{1, 2, 3}, got.Data)
	require.Len(t, got.NewFDs, 1)

	// The passed descriptor reads the same bytes the original pipe held.
	read := f.call(t, syscall.NumFDRead, &syscall.Args{FD: got.NewFDs[0], OutLen: 8})
	assert.Equal(t, []byte{1, 2, 3}, read.Data)
}

func TestMsyncInvalidateReturnsFreshZeroPages(t *testing.T) {
	f := newMachine(t)
	mapped := f.call(t, syscall.NumMemMap, &syscall.Args{Anon: true, NPages: 4, Prot: mem.ProtRead | mem.ProtWrite})
	addr := uint32(mapped.Value)

	require.Equal(t, errno.Success, f.proc.WriteBytes(addr, []byte{0xFF}))
	require.Equal(t, errno.Success, f.proc.WriteBytes(addr+3*mem.PageSize, []byte{0xFF}))

	f.call(t, syscall.NumMemSync, &syscall.Args{
		Addr: addr, NPages: 4, SyncFlags: mem.SyncSync | mem.SyncInvalidate,
	})

	got := make([]byte, 1)
	require.Equal(t, errno.Success, f.proc.ReadBytes(addr, got))
	assert.Equal(t, byte(0), got[0])
	require.Equal(t, errno.Success, f.proc.ReadBytes(addr+3*mem.PageSize, got))
	assert.Equal(t, byte(0), got[0])
}

func TestMemUnmapLeavesNoOverlap(t *testing.T) {
	f := newMachine(t)
	mapped := f.call(t, syscall.NumMemMap, &syscall.Args{Anon: true, NPages: 4, Prot: mem.ProtRead | mem.ProtWrite})
	addr := uint32(mapped.Value)
	f.call(t, syscall.NumMemUnmap, &syscall.Args{Addr: addr + mem.PageSize, NPages: 2})

	for _, m := range f.proc.Space.Mappings() {
		overlap := addr+mem.PageSize < m.End() && addr+3*mem.PageSize > m.VirtAddr
		assert.False(t, overlap, "mapping %#x-%#x overlaps unmapped range", m.VirtAddr, m.End())
	}
}

// A process holding the reverse end serves the wire protocol with plain
// fd_read/fd_write while the kernel translates a pseudo-FD operation into
// one framed request.
func TestReversePseudoPairServesLookup(t *testing.T) {
	f := newMachine(t)
	pair := f.call(t, syscall.NumFDCreate2, &syscall.Args{Filetype: fd.FiletypeReverse})
	revFD, rootFD := pair.NewFD, pair.NewFD2

	s, ok := f.proc.FDs.Get(rootFD)
	require.True(t, ok)
	root, ok := s.Handle.(*fd.Pseudo)
	require.True(t, ok)

	type lookupResult struct {
		child fd.Descriptor
		e     errno.Errno
	}
	done := make(chan lookupResult, 1)
	go func() {
		child, e := root.Lookup("boot")
		done <- lookupResult{child, e}
	}()

	// Serve exactly one request: header, then the name payload.
	server := f.proc.NewThread()
	hdr, e := f.machine.Dispatch(f.proc, server, syscall.NumFDRead, &syscall.Args{FD: revFD, OutLen: rpc.RequestHeaderSize})
	require.Equal(t, errno.Success, e)
	req, err := rpc.DecodeRequestHeader(hdr.Data)
	require.NoError(t, err)
	require.Equal(t, rpc.OpLookup, req.Op)
	body, e := f.machine.Dispatch(f.proc, server, syscall.NumFDRead, &syscall.Args{FD: revFD, OutLen: int(req.Length)})
	require.Equal(t, errno.Success, e)
	require.Equal(t, "boot", string(body.Data))

	resp := rpc.Response{Result: 42, Flags: 1}
	_, e = f.machine.Dispatch(f.proc, server, syscall.NumFDWrite, &syscall.Args{FD: revFD, Buf: rpc.EncodeResponse(&resp)})
	require.Equal(t, errno.Success, e)

	got := <-done
	require.Equal(t, errno.Success, got.e)
	child, ok := got.child.(*fd.Pseudo)
	require.True(t, ok)
	assert.Equal(t, uint64(42), child.Inode)
	assert.Equal(t, fd.FiletypeDirectory, child.Filetype())
}

func TestRandomGet(t *testing.T) {
	f := newMachine(t)
	got := f.call(t, syscall.NumRandomGet, &syscall.Args{OutLen: 16})
	assert.Len(t, got.Data, 16)
}

func TestClockTimeMonotonic(t *testing.T) {
	f := newMachine(t)
	a := f.call(t, syscall.NumClockTimeGet, &syscall.Args{ClockID: poll.ClockMonotonic})
	b := f.call(t, syscall.NumClockTimeGet, &syscall.Args{ClockID: poll.ClockMonotonic})
	assert.GreaterOrEqual(t, b.Value, a.Value)

	_, e := f.machine.Dispatch(f.proc, f.thread, syscall.NumClockTimeGet, &syscall.Args{ClockID: 99})
	assert.Equal(t, errno.EINVAL, e)
}

func TestFileStatFPutSizeAndTimes(t *testing.T) {
	f := newMachine(t)
	root := newRootDir(f)
	rights := fd.RightFDRead | fd.RightFDSeek | fd.RightFDWrite |
		fd.RightFDFilestatGet | fd.RightFDFilestatSetSize | fd.RightFDFilestatSetTimes
	opened := f.call(t, syscall.NumFileOpen, &syscall.Args{
		FD: root, Path: "f", OFlags: syscall.OCreat, Rights: rights,
	})
	f.call(t, syscall.NumFDWrite, &syscall.Args{FD: opened.NewFD, Buf: []byte("abcdef")})

	// Truncate to 3 bytes and set an explicit mtim.
	f.call(t, syscall.NumFileStatFPut, &syscall.Args{
		FD:       opened.NewFD,
		Flags:    uint64(syscall.FilestatSize | syscall.FilestatMTim),
		FileStat: syscall.Stat{Size: 3, Mtim: 12345},
	})
	st := f.call(t, syscall.NumFileStatFGet, &syscall.Args{FD: opened.NewFD})
	require.NotNil(t, st.Stat)
	assert.Equal(t, uint64(3), st.Stat.Size)
	assert.Equal(t, uint64(12345), st.Stat.Mtim)

	// ATIM_NOW stamps the kernel clock, which starts at boot and only
	// moves forward.
	f.call(t, syscall.NumFileStatFPut, &syscall.Args{
		FD: opened.NewFD, Flags: uint64(syscall.FilestatATimNow),
	})
	st = f.call(t, syscall.NumFileStatFGet, &syscall.Args{FD: opened.NewFD})
	assert.NotZero(t, st.Stat.Atim)

	// Extending zero-fills.
	f.call(t, syscall.NumFileStatFPut, &syscall.Args{
		FD: opened.NewFD, Flags: uint64(syscall.FilestatSize), FileStat: syscall.Stat{Size: 5},
	})
	got := f.call(t, syscall.NumFDPread, &syscall.Args{FD: opened.NewFD, OutLen: 8})
	assert.Equal(t, []byte{'a', 'b', 'c', 0, 0}, got.Data)
}

func TestFileStatFPutRejectsBadFlagsAndRights(t *testing.T) {
	f := newMachine(t)
	root := newRootDir(f)
	opened := f.call(t, syscall.NumFileOpen, &syscall.Args{
		FD: root, Path: "f", OFlags: syscall.OCreat, Rights: fd.RightFDRead,
	})

	// Unknown flag bits fail EINVAL before any rights check.
	_, e := f.machine.Dispatch(f.proc, f.thread, syscall.NumFileStatFPut, &syscall.Args{
		FD: opened.NewFD, Flags: 1 << 15,
	})
	assert.Equal(t, errno.EINVAL, e)

	// The descriptor was opened without the filestat-set rights.
	_, e = f.machine.Dispatch(f.proc, f.thread, syscall.NumFileStatFPut, &syscall.Args{
		FD: opened.NewFD, Flags: uint64(syscall.FilestatSize), FileStat: syscall.Stat{Size: 1},
	})
	assert.Equal(t, errno.ENOTCAPABLE, e)
	_, e = f.machine.Dispatch(f.proc, f.thread, syscall.NumFileStatFPut, &syscall.Args{
		FD: opened.NewFD, Flags: uint64(syscall.FilestatMTimNow),
	})
	assert.Equal(t, errno.ENOTCAPABLE, e)
}

func TestFileStatPutByPath(t *testing.T) {
	f := newMachine(t)
	root := newRootDir(f)
	opened := f.call(t, syscall.NumFileOpen, &syscall.Args{
		FD: root, Path: "f", OFlags: syscall.OCreat, Rights: fd.RightFDWrite | fd.RightFDRead | fd.RightFDSeek,
	})
	f.call(t, syscall.NumFDWrite, &syscall.Args{FD: opened.NewFD, Buf: []byte("payload")})

	f.call(t, syscall.NumFileStatPut, &syscall.Args{
		FD: root, Path: "f",
		Flags:    uint64(syscall.FilestatSize | syscall.FilestatATim),
		FileStat: syscall.Stat{Size: 2, Atim: 777},
	})

	st := f.call(t, syscall.NumFileStatGet, &syscall.Args{FD: root, Path: "f"})
	require.NotNil(t, st.Stat)
	assert.Equal(t, uint64(2), st.Stat.Size)
	assert.Equal(t, uint64(777), st.Stat.Atim)

	// Size on a directory is not a thing.
	_, e := f.machine.Dispatch(f.proc, f.thread, syscall.NumFileStatPut, &syscall.Args{
		FD: root, Path: ".", Flags: uint64(syscall.FilestatSize), FileStat: syscall.Stat{Size: 1},
	})
	assert.Equal(t, errno.EISDIR, e)
}

func TestFDStatGetAndPut(t *testing.T) {
	f := newMachine(t)
	pair := f.call(t, syscall.NumFDCreate2, &syscall.Args{Filetype: fd.FiletypePipe})

	st := f.call(t, syscall.NumFDStatGet, &syscall.Args{FD: pair.NewFD})
	require.NotNil(t, st.FDStat)
	assert.Equal(t, fd.FiletypePipe, st.FDStat.Filetype)
	assert.NotZero(t, st.FDStat.Base&fd.RightFDRead)

	// Dropping rights is allowed; adding is not.
	f.call(t, syscall.NumFDStatPut, &syscall.Args{FD: pair.NewFD, Rights: fd.RightFDRead})
	_, e := f.machine.Dispatch(f.proc, f.thread, syscall.NumFDStatPut, &syscall.Args{
		FD: pair.NewFD, Rights: fd.RightFDRead | fd.RightFDWrite,
	})
	assert.Equal(t, errno.ENOTCAPABLE, e)
}
