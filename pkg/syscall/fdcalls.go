// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package syscall

import (
	"crypto/rand"
	"io"

	"github.com/cloudabi/kcore/pkg/errno"
	"github.com/cloudabi/kcore/pkg/fd"
	"github.com/cloudabi/kcore/pkg/poll"
	"github.com/cloudabi/kcore/pkg/proc"
	"github.com/cloudabi/kcore/pkg/rpc"
	"github.com/cloudabi/kcore/pkg/sched"
)

// pipeDuplex is the in-kernel stand-in for the UNIX-domain stream a
// reverse-FD channel rides on.
type pipeDuplex struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (d pipeDuplex) Read(p []byte) (int, error)  { return d.r.Read(p) }
func (d pipeDuplex) Write(p []byte) (int, error) { return d.w.Write(p) }

// unlocked runs fn with the kernel lock released: transport I/O on a
// pseudo or reverse descriptor is a suspension point, and the
// peer needs the lock to make progress.
func (m *Machine) unlocked(fn func() (Ret, errno.Errno)) (Ret, errno.Errno) {
	m.kernel.Unlock()
	defer m.kernel.Lock()
	return fn()
}

func (m *Machine) clockResGet(args *Args) (Ret, errno.Errno) {
	if args.ClockID != poll.ClockRealtime && args.ClockID != poll.ClockMonotonic {
		return Ret{}, errno.EINVAL
	}
	return Ret{Value: 1}, errno.Success // nanosecond resolution
}

func (m *Machine) clockTimeGet(args *Args) (Ret, errno.Errno) {
	if args.ClockID != poll.ClockRealtime && args.ClockID != poll.ClockMonotonic {
		return Ret{}, errno.EINVAL
	}
	return Ret{Value: uint64(m.poller.Now().Nanoseconds())}, errno.Success
}

func (m *Machine) randomGet(args *Args) (Ret, errno.Errno) {
	buf := make([]byte, args.OutLen)
	if _, err := rand.Read(buf); err != nil {
		return Ret{}, errno.EIO
	}
	return Ret{Data: buf}, errno.Success
}

func (m *Machine) fdClose(p *proc.Process, args *Args) (Ret, errno.Errno) {
	d := p.FDs.Close(args.FD)
	if d == nil {
		return Ret{}, errno.EBADF
	}
	if ps, ok := d.(*fd.Pseudo); ok {
		return m.unlocked(func() (Ret, errno.Errno) {
			ps.Close()
			return Ret{}, errno.Success
		})
	}
	return Ret{}, errno.Success
}

// fdCreate1 creates single-descriptor objects: shared memory is the only
// filetype CloudABI defines for it.
func (m *Machine) fdCreate1(p *proc.Process, args *Args) (Ret, errno.Errno) {
	if args.Filetype != fd.FiletypeSharedMemory {
		return Ret{}, errno.EINVAL
	}
	shm := fd.NewShm(fd.NewBase(m.kernel, fd.FiletypeSharedMemory, "shm"))
	base, inheriting := fd.AttenuateForOpen(fd.FiletypeSharedMemory, ^fd.Rights(0), ^fd.Rights(0))
	return Ret{NewFD: p.FDs.Install(shm, base, inheriting)}, errno.Success
}

// fdCreate2 creates descriptor pairs: a pipe (read end, write end) or a
// connected stream/datagram socketpair.
func (m *Machine) fdCreate2(p *proc.Process, args *Args) (Ret, errno.Errno) {
	switch args.Filetype {
	case fd.FiletypePipe:
		pipe := fd.NewPipe(fd.NewBase(m.kernel, fd.FiletypePipe, "pipe"), pipeCapacity)
		readRights := fd.RightFDRead | fd.RightFDStatFGet | fd.RightPollFDReadwrite
		writeRights := fd.RightFDWrite | fd.RightFDStatFGet | fd.RightPollFDReadwrite
		r := p.FDs.Install(pipe, readRights, 0)
		w := p.FDs.Install(pipe, writeRights, 0)
		return Ret{NewFD: r, NewFD2: w}, errno.Success
	case fd.FiletypeReverse:
		// A reverse/pseudo pair: the caller keeps the reverse end and
		// serves the wire protocol over it; the pseudo root is handed
		// to clients of the new filesystem.
		r1, w1 := io.Pipe()
		r2, w2 := io.Pipe()
		kernelSide := pipeDuplex{r: r2, w: w1}
		serverSide := pipeDuplex{r: r1, w: w2}
		rev := fd.NewReverse(fd.NewBase(m.kernel, fd.FiletypeReverse, "reversefd"), serverSide)
		channel := rpc.NewChannel(m.logger, kernelSide)
		root := fd.NewPseudo(fd.NewBase(m.kernel, fd.FiletypeDirectory, "pseudofd"),
			fd.FiletypeDirectory, channel, 0, 1)
		revRights := fd.RightFDRead | fd.RightFDWrite | fd.RightPollFDReadwrite
		rootBase, rootInheriting := fd.AttenuateForOpen(fd.FiletypeDirectory, ^fd.Rights(0), ^fd.Rights(0))
		fdRev := p.FDs.Install(rev, revRights, 0)
		fdRoot := p.FDs.Install(root, rootBase, rootInheriting)
		return Ret{NewFD: fdRev, NewFD2: fdRoot}, errno.Success
	case fd.FiletypeSocketStream, fd.FiletypeSocketDgram:
		dgram := args.Filetype == fd.FiletypeSocketDgram
		a := fd.NewSocket(fd.NewBase(m.kernel, args.Filetype, "socketpair"), dgram)
		// A socketpair is made by a private listener nobody else can
		// reach, matching connect's sibling-creation path.
		listener := fd.NewSocket(fd.NewBase(m.kernel, args.Filetype, "socketpair-listener"), dgram)
		if e := listener.Bind(""); e != errno.Success {
			return Ret{}, e
		}
		if e := listener.Listen(1); e != errno.Success {
			return Ret{}, e
		}
		b, e := a.Connect(listener, fd.NewBase(m.kernel, args.Filetype, "socketpair"))
		if e != errno.Success {
			return Ret{}, e
		}
		if _, e := listener.Accept(); e != errno.Success {
			return Ret{}, e
		}
		rights := fd.RightFDRead | fd.RightFDWrite | fd.RightFDStatFGet |
			fd.RightPollFDReadwrite | fd.RightSockShutdown
		fdA := p.FDs.Install(a, rights, rights)
		fdB := p.FDs.Install(b, rights, rights)
		return Ret{NewFD: fdA, NewFD2: fdB}, errno.Success
	default:
		return Ret{}, errno.EINVAL
	}
}

const pipeCapacity = 65536

func (m *Machine) fdSync(p *proc.Process, args *Args) (Ret, errno.Errno) {
	d, e := p.FDs.GetChecked(args.FD, fd.RightFDSync)
	if e != errno.Success {
		return Ret{}, e
	}
	// In-kernel files have no dirty cache to flush. Pseudo-FDs are not
	// forwarded either: no sync request is sent to their server.
	_ = d
	return Ret{}, errno.Success
}

func (m *Machine) fdDup(p *proc.Process, args *Args) (Ret, errno.Errno) {
	s, ok := p.FDs.Get(args.FD)
	if !ok || s.Empty() {
		return Ret{}, errno.EBADF
	}
	return Ret{NewFD: p.FDs.Install(s.Handle, s.BaseRights, s.InheritingRights)}, errno.Success
}

func (m *Machine) fdReplace(p *proc.Process, args *Args) (Ret, errno.Errno) {
	s, ok := p.FDs.Get(args.FD)
	if !ok || s.Empty() {
		return Ret{}, errno.EBADF
	}
	if old, ok := p.FDs.Get(args.FD2); !ok || old.Empty() {
		return Ret{}, errno.EBADF
	}
	p.FDs.InstallAt(args.FD2, s.Handle, s.BaseRights, s.InheritingRights)
	return Ret{}, errno.Success
}

func (m *Machine) fdSeek(p *proc.Process, args *Args) (Ret, errno.Errno) {
	d, e := p.FDs.GetChecked(args.FD, fd.RightFDSeek)
	if e != errno.Success {
		return Ret{}, e
	}
	var pos, size int64
	switch v := d.(type) {
	case *fd.File:
		pos, size = v.Pos, v.Size()
	case *fd.Shm:
		pos, size = v.Pos, v.Size()
	case *fd.Memory:
		pos, size = v.Pos, int64(v.Len())
	default:
		return Ret{}, errno.EINVAL
	}
	switch args.Whence {
	case WhenceSet:
		pos = args.Offset
	case WhenceCur:
		pos += args.Offset
	case WhenceEnd:
		pos = size + args.Offset
	default:
		return Ret{}, errno.EINVAL
	}
	if pos < 0 {
		return Ret{}, errno.EINVAL
	}
	switch v := d.(type) {
	case *fd.File:
		v.Pos = pos
	case *fd.Shm:
		v.Pos = pos
	case *fd.Memory:
		v.Pos = pos
	}
	return Ret{Value: uint64(pos)}, errno.Success
}

func (m *Machine) fdStatGet(p *proc.Process, args *Args) (Ret, errno.Errno) {
	s, ok := p.FDs.Get(args.FD)
	if !ok || s.Empty() {
		return Ret{}, errno.EBADF
	}
	return Ret{FDStat: &FDStat{
		Filetype:   s.Handle.Filetype(),
		Base:       s.BaseRights,
		Inheriting: s.InheritingRights,
	}}, errno.Success
}

// fdStatPut may only drop rights, never add them.
func (m *Machine) fdStatPut(p *proc.Process, args *Args) (Ret, errno.Errno) {
	s, ok := p.FDs.Get(args.FD)
	if !ok || s.Empty() {
		return Ret{}, errno.EBADF
	}
	if !args.Rights.Subset(s.BaseRights) || !args.RightsInheriting.Subset(s.InheritingRights) {
		return Ret{}, errno.ENOTCAPABLE
	}
	p.FDs.InstallAt(args.FD, s.Handle, args.Rights, args.RightsInheriting)
	return Ret{}, errno.Success
}

func (m *Machine) fdRead(p *proc.Process, t *sched.Thread, args *Args) (Ret, errno.Errno) {
	d, e := p.FDs.GetChecked(args.FD, fd.RightFDRead)
	if e != errno.Success {
		return Ret{}, e
	}
	buf := make([]byte, args.OutLen)
	switch v := d.(type) {
	case *fd.Pipe:
		m.waitOn(p, t, v.Readable, v.HasData)
		n := v.Read(buf)
		return Ret{Value: uint64(n), Data: buf[:n]}, errno.Success
	case *fd.Socket:
		return m.recvInto(p, t, v, buf)
	case *fd.File:
		n, e := v.PRead(buf, v.Pos)
		if e != errno.Success {
			return Ret{}, e
		}
		v.Pos += int64(n)
		return Ret{Value: uint64(n), Data: buf[:n]}, errno.Success
	case *fd.Shm:
		n, e := v.PRead(buf, v.Pos)
		if e != errno.Success {
			return Ret{}, e
		}
		v.Pos += int64(n)
		return Ret{Value: uint64(n), Data: buf[:n]}, errno.Success
	case *fd.Memory:
		n, e := v.PRead(buf, v.Pos)
		if e != errno.Success {
			return Ret{}, e
		}
		v.Pos += int64(n)
		return Ret{Value: uint64(n), Data: buf[:n]}, errno.Success
	case *fd.Pseudo:
		pos := v.Pos
		ret, e := m.unlocked(func() (Ret, errno.Errno) {
			n, e := v.PRead(buf, pos)
			if e != errno.Success {
				return Ret{}, e
			}
			return Ret{Value: uint64(n), Data: buf[:n]}, errno.Success
		})
		if e == errno.Success {
			v.Pos += int64(ret.Value)
		}
		return ret, e
	case *fd.Reverse:
		return m.unlocked(func() (Ret, errno.Errno) {
			n, e := v.Read(buf)
			return Ret{Value: uint64(n), Data: buf[:n]}, e
		})
	default:
		return Ret{}, errno.EINVAL
	}
}

func (m *Machine) fdPread(p *proc.Process, t *sched.Thread, args *Args) (Ret, errno.Errno) {
	d, e := p.FDs.GetChecked(args.FD, fd.RightFDRead|fd.RightFDSeek)
	if e != errno.Success {
		return Ret{}, e
	}
	b, ok := d.(interface {
		PRead([]byte, int64) (int, errno.Errno)
	})
	if !ok {
		return Ret{}, errno.EINVAL
	}
	buf := make([]byte, args.OutLen)
	if _, isPseudo := d.(*fd.Pseudo); isPseudo {
		return m.unlocked(func() (Ret, errno.Errno) {
			n, e := b.PRead(buf, args.Offset)
			if e != errno.Success {
				return Ret{}, e
			}
			return Ret{Value: uint64(n), Data: buf[:n]}, errno.Success
		})
	}
	n, e := b.PRead(buf, args.Offset)
	if e != errno.Success {
		return Ret{}, e
	}
	return Ret{Value: uint64(n), Data: buf[:n]}, errno.Success
}

func (m *Machine) fdWrite(p *proc.Process, t *sched.Thread, args *Args) (Ret, errno.Errno) {
	d, e := p.FDs.GetChecked(args.FD, fd.RightFDWrite)
	if e != errno.Success {
		return Ret{}, e
	}
	switch v := d.(type) {
	case *fd.Pipe:
		if len(args.Buf) > v.Capacity() {
			return Ret{}, errno.EINVAL
		}
		m.waitOn(p, t, v.Writable, func() bool { return v.HasSpace(len(args.Buf)) })
		n, e := v.Write(args.Buf)
		return Ret{Value: uint64(n)}, e
	case *fd.Socket:
		if e := v.Send(args.Buf, nil); e != errno.Success {
			return Ret{}, e
		}
		return Ret{Value: uint64(len(args.Buf))}, errno.Success
	case *fd.VGA:
		n, e := v.Write(args.Buf)
		return Ret{Value: uint64(n)}, e
	case *fd.File:
		n, e := v.PWrite(args.Buf, v.Pos)
		if e != errno.Success {
			return Ret{}, e
		}
		v.Pos += int64(n)
		return Ret{Value: uint64(n)}, errno.Success
	case *fd.Shm:
		n, e := v.PWrite(args.Buf, v.Pos)
		if e != errno.Success {
			return Ret{}, e
		}
		v.Pos += int64(n)
		return Ret{Value: uint64(n)}, errno.Success
	case *fd.Pseudo:
		pos := v.Pos
		ret, e := m.unlocked(func() (Ret, errno.Errno) {
			n, e := v.PWrite(args.Buf, pos)
			return Ret{Value: uint64(n)}, e
		})
		if e == errno.Success {
			v.Pos += int64(ret.Value)
		}
		return ret, e
	case *fd.Reverse:
		return m.unlocked(func() (Ret, errno.Errno) {
			n, e := v.Write(args.Buf)
			return Ret{Value: uint64(n)}, e
		})
	default:
		return Ret{}, errno.EINVAL
	}
}

func (m *Machine) fdPwrite(p *proc.Process, t *sched.Thread, args *Args) (Ret, errno.Errno) {
	d, e := p.FDs.GetChecked(args.FD, fd.RightFDWrite|fd.RightFDSeek)
	if e != errno.Success {
		return Ret{}, e
	}
	b, ok := d.(interface {
		PWrite([]byte, int64) (int, errno.Errno)
	})
	if !ok {
		return Ret{}, errno.EINVAL
	}
	if _, isPseudo := d.(*fd.Pseudo); isPseudo {
		return m.unlocked(func() (Ret, errno.Errno) {
			n, e := b.PWrite(args.Buf, args.Offset)
			if e != errno.Success {
				return Ret{}, e
			}
			return Ret{Value: uint64(n)}, errno.Success
		})
	}
	n, e := b.PWrite(args.Buf, args.Offset)
	if e != errno.Success {
		return Ret{}, e
	}
	return Ret{Value: uint64(n)}, errno.Success
}

func (m *Machine) fileAllocate(p *proc.Process, args *Args) (Ret, errno.Errno) {
	d, e := p.FDs.GetChecked(args.FD, fd.RightFDAllocate)
	if e != errno.Success {
		return Ret{}, e
	}
	a, ok := d.(interface {
		Allocate(int64, int64) errno.Errno
	})
	if !ok {
		return Ret{}, errno.EINVAL
	}
	return Ret{}, a.Allocate(args.Offset, int64(args.OutLen))
}
