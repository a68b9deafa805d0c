// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package fd

import (
	"context"
	"encoding/binary"

	"github.com/cloudabi/kcore/pkg/errno"
	"github.com/cloudabi/kcore/pkg/rpc"
)

// Filetype values as they appear on the reverse-FD wire, shared with the
// serving side (pkg/store mirrors these).
const (
	pseudoTypeDirectory uint64 = 1
	pseudoTypeFile      uint64 = 2
	pseudoTypeSymlink   uint64 = 3
)

func pseudoFiletype(wire uint64) Filetype {
	switch wire {
	case pseudoTypeDirectory:
		return FiletypeDirectory
	case pseudoTypeFile:
		return FiletypeRegularFile
	default:
		return FiletypeUnknown
	}
}

// Pseudo is the kernel-side handle for one file, directory or socket served
// by a userspace filesystem over a reverse-FD channel.
// Every operation is translated into rpc.Channel.Call requests (one per
// operation, except Readdir, which issues one per resume cookie); the
// channel itself guarantees at most one outstanding request regardless of
// how many Pseudo descriptors share it. Path resolution works on Pseudo
// directories exactly as on in-kernel Dir trees: Lookup returns child
// descriptors, so the caller never learns whether the tree is served in
// kernel or by a process.
type Pseudo struct {
	Base
	channel *rpc.Channel
	id      rpc.PseudoFD
	inode   uint64
}

// NewPseudo wraps pseudofd id on channel as a descriptor of filetype ft.
func NewPseudo(b Base, ft Filetype, channel *rpc.Channel, id rpc.PseudoFD, inode uint64) *Pseudo {
	b.filetype = ft
	b.Inode = inode
	return &Pseudo{Base: b, channel: channel, id: id, inode: inode}
}

func (p *Pseudo) call(ctx context.Context, op rpc.Op, flags, offset uint64, out []byte) (rpc.Response, errno.Errno) {
	req := rpc.Request{PseudoFD: p.id, Op: op, Inode: p.inode, Flags: flags, Offset: offset}
	if out != nil {
		req.Length = uint8(min(len(out), rpc.MaxPayload))
	}
	resp, err := p.channel.Call(ctx, &req)
	if err != nil {
		return rpc.Response{}, errno.EIO
	}
	if resp.Result < 0 {
		return resp, errno.Errno(-resp.Result)
	}
	return resp, errno.Success
}

// nameCall issues an op whose payload is a single name (or name\x00extra)
// against this descriptor's inode.
func (p *Pseudo) nameCall(op rpc.Op, flags uint64, payload string) (rpc.Response, errno.Errno) {
	if len(payload) > rpc.MaxPayload {
		return rpc.Response{}, errno.ENAMETOOLONG
	}
	req := rpc.Request{PseudoFD: p.id, Op: op, Inode: p.inode, Flags: flags, Length: uint8(len(payload))}
	copy(req.Buffer[:], payload)
	resp, err := p.channel.Call(context.Background(), &req)
	if err != nil {
		return rpc.Response{}, errno.EIO
	}
	if resp.Result < 0 {
		return rpc.Response{}, errno.Errno(-resp.Result)
	}
	return resp, errno.Success
}

// child wraps inode as a descriptor sharing this Pseudo's channel. Symlink
// entries get the PseudoSymlink wrapper so resolution can follow them.
func (p *Pseudo) child(name string, inode uint64, wireType uint64) Descriptor {
	base := NewBase(p.Readable.Kernel(), pseudoFiletype(wireType), p.DebugName()+"/"+name)
	c := NewPseudo(base, pseudoFiletype(wireType), p.channel, p.id, inode)
	if wireType == pseudoTypeSymlink {
		return &PseudoSymlink{Pseudo: c}
	}
	return c
}

// PRead implements mem.Backing by issuing an OpPread request.
func (p *Pseudo) PRead(buf []byte, offset int64) (int, errno.Errno) {
	resp, e := p.call(context.Background(), rpc.OpPread, 0, uint64(offset), buf)
	if e != errno.Success {
		return 0, e
	}
	n := copy(buf, resp.Buffer[:resp.Length])
	return n, errno.Success
}

// PWrite issues an OpPwrite request with buf as the payload.
func (p *Pseudo) PWrite(buf []byte, offset int64) (int, errno.Errno) {
	n := len(buf)
	if n > rpc.MaxPayload {
		n = rpc.MaxPayload
	}
	req := rpc.Request{PseudoFD: p.id, Op: rpc.OpPwrite, Inode: p.inode, Offset: uint64(offset), Length: uint8(n)}
	copy(req.Buffer[:], buf[:n])
	resp, err := p.channel.Call(context.Background(), &req)
	if err != nil {
		return 0, errno.EIO
	}
	if resp.Result < 0 {
		return 0, errno.Errno(-resp.Result)
	}
	return int(resp.Result), errno.Success
}

// Lookup issues an OpLookup request for name and wraps the resulting
// (inode, filetype) pair as a child descriptor, the same shape Dir.Lookup
// returns for in-kernel trees.
func (p *Pseudo) Lookup(name string) (Descriptor, errno.Errno) {
	resp, e := p.nameCall(rpc.OpLookup, 0, name)
	if e != errno.Success {
		return nil, e
	}
	return p.child(name, uint64(resp.Result), resp.Flags), errno.Success
}

// Open issues an OpOpen request for this descriptor's inode, returning a
// new Pseudo with its own server-side pseudofd. Descriptors installed
// into an FD table must come from Open so that closing one never tears
// down another's server state.
func (p *Pseudo) Open() (*Pseudo, errno.Errno) {
	resp, e := p.call(context.Background(), rpc.OpOpen, 0, 0, nil)
	if e != errno.Success {
		return nil, e
	}
	base := NewBase(p.Readable.Kernel(), p.Filetype(), p.DebugName())
	return NewPseudo(base, p.Filetype(), p.channel, rpc.PseudoFD(resp.Result), p.inode), errno.Success
}

// Create issues an OpCreate request for name under this directory,
// returning the new entry as a child descriptor.
func (p *Pseudo) Create(name string, dir bool) (Descriptor, errno.Errno) {
	wireType := pseudoTypeFile
	if dir {
		wireType = pseudoTypeDirectory
	}
	resp, e := p.nameCall(rpc.OpCreate, wireType, name)
	if e != errno.Success {
		return nil, e
	}
	return p.child(name, uint64(resp.Result), wireType), errno.Success
}

// Unlink removes the entry named name from this directory.
func (p *Pseudo) Unlink(name string, mustBeDir bool) errno.Errno {
	flags := uint64(0)
	if mustBeDir {
		flags = 1
	}
	_, e := p.nameCall(rpc.OpUnlink, flags, name)
	return e
}

// Rename moves oldName in this directory to newName in dst, which must be
// served over the same channel.
func (p *Pseudo) Rename(oldName string, dst *Pseudo, newName string) errno.Errno {
	if dst.channel != p.channel {
		return errno.EXDEV
	}
	if dst.inode != p.inode {
		// Cross-directory renames carry the target directory inode.
		_, e := p.nameCall(rpc.OpRename, dst.inode, oldName+"\x00"+newName)
		return e
	}
	_, e := p.nameCall(rpc.OpRename, 0, oldName+"\x00"+newName)
	return e
}

// LinkTo creates name in this directory pointing at the existing entry
// src, which must be served over the same channel.
func (p *Pseudo) LinkTo(name string, src *Pseudo) errno.Errno {
	if src.channel != p.channel {
		return errno.EXDEV
	}
	if len(name) > rpc.MaxPayload {
		return errno.ENAMETOOLONG
	}
	req := rpc.Request{PseudoFD: p.id, Op: rpc.OpLink, Inode: src.inode, Flags: p.inode, Length: uint8(len(name))}
	copy(req.Buffer[:], name)
	resp, err := p.channel.Call(context.Background(), &req)
	if err != nil {
		return errno.EIO
	}
	if resp.Result < 0 {
		return errno.Errno(-resp.Result)
	}
	return errno.Success
}

// Symlink creates a symlink named name with the given target under this
// directory.
func (p *Pseudo) Symlink(name, target string) errno.Errno {
	_, e := p.nameCall(rpc.OpSymlink, 0, name+"\x00"+target)
	return e
}

// Readdir returns every entry name in this directory, following the
// server's resume cookies until the listing is complete.
func (p *Pseudo) Readdir() ([]string, errno.Errno) {
	var names []string
	cookie := uint64(0)
	for {
		resp, e := p.call(context.Background(), rpc.OpReaddir, 0, cookie, nil)
		if e != errno.Success {
			return nil, e
		}
		for _, raw := range splitNames(resp.Buffer[:resp.Length]) {
			names = append(names, raw)
		}
		if resp.Flags == 0 {
			return names, errno.Success
		}
		cookie = resp.Flags
	}
}

func splitNames(buf []byte) []string {
	var names []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			if i > start {
				names = append(names, string(buf[start:i]))
			}
			start = i + 1
		}
	}
	return names
}

// Stat issues an OpStatGet request: size and filetype in the fixed
// fields, access/modification timestamps in the response buffer.
func (p *Pseudo) Stat() (size int64, ft Filetype, atim, mtim uint64, e errno.Errno) {
	resp, e := p.call(context.Background(), rpc.OpStatGet, 0, 0, nil)
	if e != errno.Success {
		return 0, FiletypeUnknown, 0, 0, e
	}
	if resp.Length >= 16 {
		atim = binary.LittleEndian.Uint64(resp.Buffer[0:8])
		mtim = binary.LittleEndian.Uint64(resp.Buffer[8:16])
	}
	return resp.Result, pseudoFiletype(resp.Flags), atim, mtim, errno.Success
}

// StatPut issues an OpStatFPut request: flags says which of size, atim
// and mtim to apply; the three values ride in the request buffer.
func (p *Pseudo) StatPut(flags uint64, size int64, atim, mtim uint64) errno.Errno {
	req := rpc.Request{PseudoFD: p.id, Op: rpc.OpStatFPut, Inode: p.inode, Flags: flags, Length: 24}
	binary.LittleEndian.PutUint64(req.Buffer[0:8], uint64(size))
	binary.LittleEndian.PutUint64(req.Buffer[8:16], atim)
	binary.LittleEndian.PutUint64(req.Buffer[16:24], mtim)
	resp, err := p.channel.Call(context.Background(), &req)
	if err != nil {
		return errno.EIO
	}
	if resp.Result < 0 {
		return errno.Errno(-resp.Result)
	}
	return errno.Success
}

// readLink issues an OpReadlink request for this inode.
func (p *Pseudo) readLink() (string, errno.Errno) {
	resp, e := p.call(context.Background(), rpc.OpReadlink, 0, 0, nil)
	if e != errno.Success {
		return "", e
	}
	return string(resp.Buffer[:resp.Length]), errno.Success
}

// Close issues an OpClose request, releasing the server's state for this
// pseudo-FD.
func (p *Pseudo) Close() errno.Errno {
	_, e := p.call(context.Background(), rpc.OpClose, 0, 0, nil)
	return e
}

// PseudoSymlink is a symlink entry inside a pseudo-FD-served directory.
// It is a distinct type so that only entries the server reported as
// symlinks expose ReadLink and get followed during resolution.
type PseudoSymlink struct {
	*Pseudo
}

// ReadLink reports the link target via an OpReadlink request.
func (s *PseudoSymlink) ReadLink() (string, errno.Errno) {
	return s.Pseudo.readLink()
}
