// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package syscall

import (
	"github.com/cloudabi/kcore/pkg/errno"
	"github.com/cloudabi/kcore/pkg/fd"
	"github.com/cloudabi/kcore/pkg/proc"
	"github.com/cloudabi/kcore/pkg/sched"
)

func (m *Machine) sockFD(p *proc.Process, num int, needed fd.Rights) (*fd.Socket, errno.Errno) {
	d, e := p.FDs.GetChecked(num, needed)
	if e != errno.Success {
		return nil, e
	}
	s, ok := d.(*fd.Socket)
	if !ok {
		return nil, errno.EINVAL
	}
	return s, errno.Success
}

// sockBind publishes the socket in the kernel-global bind table under
// args.Path as given; the directory descriptor is checked for
// RightSockConnDirectory but the path is not resolved against it.
func (m *Machine) sockBind(p *proc.Process, args *Args) (Ret, errno.Errno) {
	s, e := m.sockFD(p, args.FD, 0)
	if e != errno.Success {
		return Ret{}, e
	}
	if _, _, e := m.resolveDir(p, args.FD2, fd.RightSockConnDirectory); e != errno.Success {
		return Ret{}, e
	}
	key := args.Path
	if _, taken := m.bound[key]; taken {
		return Ret{}, errno.EADDRINUSE
	}
	if e := s.Bind(key); e != errno.Success {
		return Ret{}, e
	}
	m.bound[key] = s
	return Ret{}, errno.Success
}

func (m *Machine) sockListen(p *proc.Process, args *Args) (Ret, errno.Errno) {
	s, e := m.sockFD(p, args.FD, 0)
	if e != errno.Success {
		return Ret{}, e
	}
	backlog := args.Backlog
	if backlog <= 0 {
		backlog = 8
	}
	return Ret{}, s.Listen(backlog)
}

func (m *Machine) sockConnect(p *proc.Process, args *Args) (Ret, errno.Errno) {
	s, e := m.sockFD(p, args.FD, 0)
	if e != errno.Success {
		return Ret{}, e
	}
	if _, _, e := m.resolveDir(p, args.FD2, fd.RightSockConnDirectory); e != errno.Success {
		return Ret{}, e
	}
	listener, ok := m.bound[args.Path]
	if !ok {
		return Ret{}, errno.EADDRNOTAVAIL
	}
	if listener.Dgram != s.Dgram {
		return Ret{}, errno.EPROTOTYPE
	}
	_, e = s.Connect(listener, fd.NewBase(m.kernel, s.Filetype(), "accepted:"+args.Path))
	return Ret{}, e
}

func (m *Machine) sockAccept(p *proc.Process, t *sched.Thread, args *Args) (Ret, errno.Errno) {
	s, e := m.sockFD(p, args.FD, fd.RightSockAcceptConn)
	if e != errno.Success {
		return Ret{}, e
	}
	if s.State != fd.SocketListening {
		return Ret{}, errno.EINVAL
	}
	m.waitOn(p, t, s.Readable, s.HasPendingAccept)
	conn, e := s.Accept()
	if e != errno.Success {
		return Ret{}, e
	}
	slot, _ := p.FDs.Get(args.FD)
	base, inheriting := fd.AttenuateForOpen(conn.Filetype(), slot.InheritingRights, slot.InheritingRights)
	return Ret{NewFD: p.FDs.Install(conn, base, inheriting)}, errno.Success
}

// sockSend collects the payload plus any passed descriptor slots and
// enqueues the message on the peer.
func (m *Machine) sockSend(p *proc.Process, args *Args) (Ret, errno.Errno) {
	s, e := m.sockFD(p, args.FD, fd.RightFDWrite)
	if e != errno.Success {
		return Ret{}, e
	}
	var passed []fd.PassedFD
	for _, num := range args.PassedFDs {
		slot, ok := p.FDs.Get(num)
		if !ok || slot.Empty() {
			return Ret{}, errno.EBADF
		}
		passed = append(passed, fd.PassedFD{
			Handle:     slot.Handle,
			Base:       slot.BaseRights,
			Inheriting: slot.InheritingRights,
		})
	}
	if e := s.Send(args.Buf, passed); e != errno.Success {
		return Ret{}, e
	}
	return Ret{Value: uint64(len(args.Buf))}, errno.Success
}

// sockRecv consumes one message (datagram) or fills the buffer across
// messages (stream); descriptors passed with the message are installed
// into the receiver's table with the rights they were sent with.
func (m *Machine) sockRecv(p *proc.Process, t *sched.Thread, args *Args) (Ret, errno.Errno) {
	s, e := m.sockFD(p, args.FD, fd.RightFDRead)
	if e != errno.Success {
		return Ret{}, e
	}
	buf := make([]byte, args.OutLen)
	ret, e := m.recvInto(p, t, s, buf)
	return ret, e
}

func (m *Machine) recvInto(p *proc.Process, t *sched.Thread, s *fd.Socket, buf []byte) (Ret, errno.Errno) {
	m.waitOn(p, t, s.Readable, func() bool {
		return s.HasMessage() || s.State == fd.SocketShutdown || s.LastError() != errno.Success
	})
	if !s.HasMessage() {
		// EOF after shutdown; surface any connection-reset error once.
		e := s.LastError()
		s.SetLastError(errno.Success)
		return Ret{Value: 0}, e
	}
	n, passed, e := s.Recv(buf)
	if e != errno.Success {
		return Ret{}, e
	}
	var installed []int
	for _, pf := range passed {
		installed = append(installed, p.FDs.Install(pf.Handle, pf.Base, pf.Inheriting))
	}
	return Ret{Value: uint64(n), Data: buf[:n], NewFDs: installed}, errno.Success
}

func (m *Machine) sockShutdown(p *proc.Process, args *Args) (Ret, errno.Errno) {
	s, e := m.sockFD(p, args.FD, fd.RightSockShutdown)
	if e != errno.Success {
		return Ret{}, e
	}
	s.Shutdown()
	return Ret{}, errno.Success
}

func (m *Machine) sockStatGet(p *proc.Process, args *Args) (Ret, errno.Errno) {
	s, e := m.sockFD(p, args.FD, fd.RightFDStatFGet)
	if e != errno.Success {
		return Ret{}, e
	}
	lastError := s.LastError()
	s.SetLastError(errno.Success)
	return Ret{Value: uint64(s.State), Stat: &Stat{Filetype: s.Filetype()}, SockError: lastError}, errno.Success
}
