// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package fd

import "github.com/cloudabi/kcore/pkg/errno"

// SocketState is the UNIX-domain socket's connection state.
type SocketState uint8

const (
	SocketIdle SocketState = iota
	SocketBound
	SocketListening
	SocketConnecting
	SocketConnected
	SocketShutdown
)

// PassedFD is one descriptor handed across a socket alongside a message's
// payload bytes, carrying the rights it should be installed with in the
// receiver's table.
type PassedFD struct {
	Handle     Descriptor
	Base       Rights
	Inheriting Rights
}

// Message is one unit enqueued on a socket's receive list: payload bytes
// plus any descriptors passed alongside them.
type Message struct {
	Payload []byte
	FDs     []PassedFD
}

// MaxSizeBuffers is the total receive-queue byte budget; sock_send
// fails ENOBUFS once a peer's queue would exceed it.
const MaxSizeBuffers = 1 << 20

// Socket is a UNIX-domain stream or datagram socket descriptor. Dgram
// is true for SOCK_DGRAM, false for SOCK_STREAM.
type Socket struct {
	Base
	Dgram bool

	State   SocketState
	Addr    string // (dev, inode)-style bind key, opaque here
	Backlog int

	acceptQueue []*Socket
	peer        *Socket
	recvQueue   []Message
	recvBytes   int
}

// NewSocket creates an idle socket descriptor.
func NewSocket(b Base, dgram bool) *Socket {
	if dgram {
		b.filetype = FiletypeSocketDgram
	} else {
		b.filetype = FiletypeSocketStream
	}
	return &Socket{Base: b, Dgram: dgram}
}

// Bind associates the socket with addr. The kernel-global bind table
// lives in pkg/syscall; Bind itself only flips local state.
func (s *Socket) Bind(addr string) errno.Errno {
	if s.State != SocketIdle {
		return errno.EINVAL
	}
	s.Addr = addr
	s.State = SocketBound
	return errno.Success
}

// Listen publishes the socket as accepting connections with the given
// backlog.
func (s *Socket) Listen(backlog int) errno.Errno {
	if s.State != SocketBound {
		return errno.EINVAL
	}
	s.State = SocketListening
	s.Backlog = backlog
	return errno.Success
}

// Connect atomically creates an accepting sibling socket on listener,
// enqueues it on the listener's accept queue, and marks both ends
// connected.
func (s *Socket) Connect(listener *Socket, peerBase Base) (*Socket, errno.Errno) {
	if listener.State != SocketListening {
		return nil, errno.ECONNREFUSED
	}
	if len(listener.acceptQueue) >= listener.Backlog {
		return nil, errno.ENOBUFS
	}
	sibling := NewSocket(peerBase, s.Dgram)
	sibling.State = SocketConnected
	sibling.peer = s
	s.peer = sibling
	s.State = SocketConnected
	listener.acceptQueue = append(listener.acceptQueue, sibling)
	listener.Readable.Broadcast(nil)
	return sibling, errno.Success
}

// HasPendingAccept reports whether Accept would not block.
func (s *Socket) HasPendingAccept() bool {
	return len(s.acceptQueue) > 0
}

// Accept dequeues the oldest waiting connection.
func (s *Socket) Accept() (*Socket, errno.Errno) {
	if len(s.acceptQueue) == 0 {
		return nil, errno.EINVAL
	}
	conn := s.acceptQueue[0]
	s.acceptQueue = s.acceptQueue[1:]
	return conn, errno.Success
}

// Send builds a message and enqueues it on the peer's receive list,
// failing ENOBUFS if that would exceed MaxSizeBuffers.
func (s *Socket) Send(payload []byte, fds []PassedFD) errno.Errno {
	if s.peer == nil {
		return errno.ENOTCONN
	}
	if s.peer.recvBytes+len(payload) > MaxSizeBuffers {
		return errno.ENOBUFS
	}
	s.peer.recvQueue = append(s.peer.recvQueue, Message{Payload: payload, FDs: fds})
	s.peer.recvBytes += len(payload)
	s.peer.Readable.Broadcast(nil)
	return errno.Success
}

// HasMessage reports whether Recv would not block.
func (s *Socket) HasMessage() bool {
	return len(s.recvQueue) > 0
}

// QueuedBytes reports the total payload bytes waiting in the receive
// queue, for poll's FD_READ byte count.
func (s *Socket) QueuedBytes() int {
	return s.recvBytes
}

// SendSpace reports how many more payload bytes the peer's receive queue
// can absorb before Send fails ENOBUFS.
func (s *Socket) SendSpace() int {
	if s.peer == nil {
		return 0
	}
	return MaxSizeBuffers - s.peer.recvBytes
}

// Recv consumes one whole message for a datagram socket, or fills out
// across messages for a stream socket.
func (s *Socket) Recv(out []byte) (int, []PassedFD, errno.Errno) {
	if len(s.recvQueue) == 0 {
		return 0, nil, errno.Success
	}
	if s.Dgram {
		m := s.recvQueue[0]
		s.recvQueue = s.recvQueue[1:]
		s.recvBytes -= len(m.Payload)
		n := copy(out, m.Payload)
		return n, m.FDs, errno.Success
	}
	total := 0
	var fds []PassedFD
	for len(s.recvQueue) > 0 && total < len(out) {
		m := &s.recvQueue[0]
		n := copy(out[total:], m.Payload)
		total += n
		fds = append(fds, m.FDs...)
		m.FDs = nil
		if n == len(m.Payload) {
			s.recvBytes -= len(m.Payload)
			s.recvQueue = s.recvQueue[1:]
		} else {
			m.Payload = m.Payload[n:]
		}
	}
	return total, fds, errno.Success
}

// Shutdown marks the socket SHUTDOWN, which causes the peer to observe
// EOF plus ECONNRESET on its error slot.
func (s *Socket) Shutdown() {
	s.State = SocketShutdown
	if s.peer != nil {
		s.peer.SetLastError(errno.ECONNRESET)
		s.peer.Readable.Broadcast(nil)
	}
}
