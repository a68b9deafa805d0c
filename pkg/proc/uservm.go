// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package proc

import (
	"encoding/binary"

	"github.com/cloudabi/kcore/pkg/errno"
	"github.com/cloudabi/kcore/pkg/mem"
)

// LoadWord reads one aligned 32-bit little-endian word from user memory,
// faulting the page in if needed. Userspace lock and condvar words are
// accessed through this; the alignment requirement matches the
// hardware's atomic-access requirement.
func (p *Process) LoadWord(addr uint32) (uint32, errno.Errno) {
	if addr%4 != 0 {
		return 0, errno.EINVAL
	}
	f, _, e := p.Space.Translate(addr, mem.ProtRead)
	if e != errno.Success {
		return 0, e
	}
	off := addr % mem.PageSize
	return binary.LittleEndian.Uint32(p.Space.Frames().Bytes(f)[off:]), errno.Success
}

// StoreWord writes one aligned 32-bit little-endian word into user memory.
func (p *Process) StoreWord(addr, val uint32) errno.Errno {
	if addr%4 != 0 {
		return errno.EINVAL
	}
	f, _, e := p.Space.Translate(addr, mem.ProtWrite)
	if e != errno.Success {
		return e
	}
	off := addr % mem.PageSize
	binary.LittleEndian.PutUint32(p.Space.Frames().Bytes(f)[off:], val)
	return errno.Success
}

// ReadBytes copies out of user memory starting at addr, crossing page
// boundaries as needed; the syscall layer uses it to fetch path strings
// and iovec contents.
func (p *Process) ReadBytes(addr uint32, out []byte) errno.Errno {
	for len(out) > 0 {
		f, _, e := p.Space.Translate(addr, mem.ProtRead)
		if e != errno.Success {
			return e
		}
		off := addr % mem.PageSize
		n := copy(out, p.Space.Frames().Bytes(f)[off:])
		out = out[n:]
		addr += uint32(n)
	}
	return errno.Success
}

// WriteBytes copies into user memory starting at addr.
func (p *Process) WriteBytes(addr uint32, in []byte) errno.Errno {
	for len(in) > 0 {
		f, _, e := p.Space.Translate(addr, mem.ProtWrite)
		if e != errno.Success {
			return e
		}
		off := addr % mem.PageSize
		n := copy(p.Space.Frames().Bytes(f)[off:], in)
		in = in[n:]
		addr += uint32(n)
	}
	return errno.Success
}
