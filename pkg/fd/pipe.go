// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package fd

import "github.com/cloudabi/kcore/pkg/errno"

// Pipe is a bounded byte FIFO with separate readable/writable
// signalers: fixed capacity, a used counter, read blocks until used > 0,
// write blocks until used+n <= capacity.
type Pipe struct {
	Base
	buf      []byte
	used     int
	capacity int
}

// NewPipe creates an empty pipe with the given byte capacity.
func NewPipe(b Base, capacity int) *Pipe {
	b.filetype = FiletypePipe
	return &Pipe{Base: b, buf: make([]byte, capacity), capacity: capacity}
}

// HasData reports whether a read would return data without blocking,
// i.e. the already-satisfied predicate poll's FD_READ subscription tests.
func (p *Pipe) HasData() bool {
	return p.used > 0
}

// HasSpace reports whether a write of n bytes would not block.
func (p *Pipe) HasSpace(n int) bool {
	return p.used+n <= p.capacity
}

// Used reports how many bytes are buffered, and Capacity the fixed total;
// poll's FD_READ/FD_WRITE events report these as their byte counts.
func (p *Pipe) Used() int     { return p.used }
func (p *Pipe) Capacity() int { return p.capacity }

// Read copies up to len(out) bytes out of the pipe (the caller, pkg/syscall,
// is responsible for blocking on p.Readable until HasData is true before
// calling Read, following the thread-condition pattern uniformly applied
// across the kernel). Returns the number of bytes actually read.
func (p *Pipe) Read(out []byte) int {
	n := min(len(out), p.used)
	copy(out, p.buf[:n])
	copy(p.buf, p.buf[n:p.used])
	p.used -= n
	if n > 0 {
		p.Writable.Broadcast(nil)
	}
	return n
}

// Write copies in into the pipe. A write larger than the pipe's total
// capacity fails EINVAL outright rather than being accepted partially.
func (p *Pipe) Write(in []byte) (int, errno.Errno) {
	if len(in) > p.capacity {
		return 0, errno.EINVAL
	}
	copy(p.buf[p.used:], in)
	p.used += len(in)
	if len(in) > 0 {
		p.Readable.Broadcast(nil)
	}
	return len(in), errno.Success
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
