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
	"github.com/cloudabi/kcore/pkg/rpc"
	"github.com/cloudabi/kcore/pkg/vfs"
)

// resolveDir fetches the directory descriptor a path operation starts
// from, checking the slot carries the needed path right. In-kernel Dir
// trees and pseudo-FD-served trees come back as the same vfs.Directory.
func (m *Machine) resolveDir(p *proc.Process, num int, needed fd.Rights) (vfs.Directory, fd.Slot, errno.Errno) {
	s, ok := p.FDs.Get(num)
	if !ok || s.Empty() {
		return nil, fd.Slot{}, errno.EBADF
	}
	if !needed.Subset(s.BaseRights) {
		return nil, fd.Slot{}, errno.ENOTCAPABLE
	}
	dir, ok := s.Handle.(vfs.Directory)
	if !ok || dir.Filetype() != fd.FiletypeDirectory {
		return nil, fd.Slot{}, errno.ENOTDIR
	}
	return dir, s, errno.Success
}

// resolvePath runs path resolution, dropping the big lock when the root
// is pseudo-FD-served: every component lookup is then an RPC, and RPC
// round trips are suspension points.
func (m *Machine) resolvePath(root vfs.Directory, path string, follow bool) (vfs.Resolved, errno.Errno) {
	if _, ok := root.(*fd.Pseudo); ok {
		m.kernel.Unlock()
		defer m.kernel.Lock()
		return vfs.Resolve(root, path, follow)
	}
	return vfs.Resolve(root, path, follow)
}

// pseudoOp runs one pseudo-FD RPC with the big lock dropped.
func (m *Machine) pseudoOp(fn func() errno.Errno) errno.Errno {
	m.kernel.Unlock()
	defer m.kernel.Lock()
	return fn()
}

// asPseudo unwraps d to its *fd.Pseudo, looking through the symlink
// wrapper.
func asPseudo(d fd.Descriptor) (*fd.Pseudo, bool) {
	switch v := d.(type) {
	case *fd.Pseudo:
		return v, true
	case *fd.PseudoSymlink:
		return v.Pseudo, true
	}
	return nil, false
}

// fileOpen implements file_open / open_at: resolve, create if
// requested, enforce the inheriting-rights ceiling, apply O_TRUNC, and
// attenuate the new slot's rights for the resulting filetype.
func (m *Machine) fileOpen(p *proc.Process, args *Args) (Ret, errno.Errno) {
	dir, slot, e := m.resolveDir(p, args.FD, fd.RightPathOpen)
	if e != errno.Success {
		return Ret{}, e
	}
	// Requested rights may not exceed what the parent allows derived
	// descriptors to have.
	if !args.Rights.Subset(slot.InheritingRights) || !args.RightsInheriting.Subset(slot.InheritingRights) {
		return Ret{}, errno.ENOTCAPABLE
	}
	if args.OFlags&OTrunc != 0 && args.Rights&fd.RightFDWrite == 0 {
		return Ret{}, errno.EINVAL
	}

	res, e := m.resolvePath(dir, args.Path, args.FollowSymlinks)
	if e != errno.Success {
		return Ret{}, e
	}

	target := res.Terminal
	switch {
	case target == nil && res.Name == "":
		// Path resolved to a directory itself (e.g. ".").
		target = res.Dir
	case target == nil:
		if args.OFlags&OCreat == 0 {
			return Ret{}, errno.ENOENT
		}
		if slot.BaseRights&fd.RightPathCreateFile == 0 {
			return Ret{}, errno.ENOTCAPABLE
		}
		switch parent := res.Dir.(type) {
		case *fd.Dir:
			f := fd.NewFile(fd.NewBase(m.kernel, fd.FiletypeRegularFile, args.Path))
			if e := parent.Link(res.Name, f, true); e != errno.Success {
				return Ret{}, e
			}
			target = f
		case *fd.Pseudo:
			var created fd.Descriptor
			if e := m.pseudoOp(func() errno.Errno {
				var e errno.Errno
				created, e = parent.Create(res.Name, false)
				return e
			}); e != errno.Success {
				return Ret{}, e
			}
			target = created
		default:
			return Ret{}, errno.ENOTDIR
		}
	case args.OFlags&(OCreat|OExcl) == OCreat|OExcl:
		return Ret{}, errno.EEXIST
	}

	if args.OFlags&ODirectory != 0 && target.Filetype() != fd.FiletypeDirectory {
		return Ret{}, errno.ENOTDIR
	}
	if args.OFlags&OTrunc != 0 {
		switch f := target.(type) {
		case *fd.File:
			f.Truncate()
		case *fd.Pseudo:
			if f.Filetype() != fd.FiletypeRegularFile {
				return Ret{}, errno.EINVAL
			}
			if e := m.pseudoOp(func() errno.Errno {
				return f.StatPut(rpc.StatPutSize, 0, 0, 0)
			}); e != errno.Success {
				return Ret{}, e
			}
		default:
			return Ret{}, errno.EINVAL
		}
	}

	// A pseudo entry installed into the table gets its own server-side
	// pseudofd, so closing it never tears down a sibling's state.
	if ps, ok := target.(*fd.Pseudo); ok {
		var opened *fd.Pseudo
		if e := m.pseudoOp(func() errno.Errno {
			var e errno.Errno
			opened, e = ps.Open()
			return e
		}); e != errno.Success {
			return Ret{}, e
		}
		target = opened
	}

	base, inheriting := fd.AttenuateForOpen(target.Filetype(), args.Rights, args.RightsInheriting)
	return Ret{NewFD: p.FDs.Install(target, base, inheriting)}, errno.Success
}

// fileCreate creates a directory entry of the requested filetype;
// CloudABI only defines directories here.
func (m *Machine) fileCreate(p *proc.Process, args *Args) (Ret, errno.Errno) {
	if args.Filetype != fd.FiletypeDirectory {
		return Ret{}, errno.EINVAL
	}
	dir, _, e := m.resolveDir(p, args.FD, fd.RightPathCreateDirectory)
	if e != errno.Success {
		return Ret{}, e
	}
	res, e := m.resolvePath(dir, args.Path, false)
	if e != errno.Success {
		return Ret{}, e
	}
	if res.Terminal != nil {
		return Ret{}, errno.EEXIST
	}
	if res.Name == "" {
		return Ret{}, errno.EINVAL
	}
	switch parent := res.Dir.(type) {
	case *fd.Dir:
		sub := fd.NewDir(fd.NewBase(m.kernel, fd.FiletypeDirectory, args.Path))
		return Ret{}, parent.Link(res.Name, sub, true)
	case *fd.Pseudo:
		return Ret{}, m.pseudoOp(func() errno.Errno {
			_, e := parent.Create(res.Name, true)
			return e
		})
	default:
		return Ret{}, errno.ENOTDIR
	}
}

func (m *Machine) fileLink(p *proc.Process, args *Args) (Ret, errno.Errno) {
	srcDir, _, e := m.resolveDir(p, args.FD, fd.RightPathLinkSource)
	if e != errno.Success {
		return Ret{}, e
	}
	dstDir, _, e := m.resolveDir(p, args.FD2, fd.RightPathLinkTarget)
	if e != errno.Success {
		return Ret{}, e
	}
	src, e := m.resolvePath(srcDir, args.Path, args.FollowSymlinks)
	if e != errno.Success {
		return Ret{}, e
	}
	if src.Terminal == nil {
		return Ret{}, errno.ENOENT
	}
	dst, e := m.resolvePath(dstDir, args.Path2, false)
	if e != errno.Success {
		return Ret{}, e
	}
	if dst.Terminal != nil {
		return Ret{}, errno.EEXIST
	}
	if dst.Name == "" {
		return Ret{}, errno.EINVAL
	}
	switch parent := dst.Dir.(type) {
	case *fd.Dir:
		if _, ok := asPseudo(src.Terminal); ok {
			return Ret{}, errno.EXDEV
		}
		return Ret{}, parent.Link(dst.Name, src.Terminal, true)
	case *fd.Pseudo:
		srcPseudo, ok := asPseudo(src.Terminal)
		if !ok {
			return Ret{}, errno.EXDEV
		}
		return Ret{}, m.pseudoOp(func() errno.Errno {
			return parent.LinkTo(dst.Name, srcPseudo)
		})
	default:
		return Ret{}, errno.ENOTDIR
	}
}

func (m *Machine) fileSymlink(p *proc.Process, args *Args) (Ret, errno.Errno) {
	dir, _, e := m.resolveDir(p, args.FD, fd.RightPathSymlink)
	if e != errno.Success {
		return Ret{}, e
	}
	res, e := m.resolvePath(dir, args.Path, false)
	if e != errno.Success {
		return Ret{}, e
	}
	if res.Terminal != nil {
		return Ret{}, errno.EEXIST
	}
	if res.Name == "" {
		return Ret{}, errno.EINVAL
	}
	// Path2 is the link target.
	switch parent := res.Dir.(type) {
	case *fd.Dir:
		sl, e := fd.NewSymlink(fd.NewBase(m.kernel, fd.FiletypeUnknown, args.Path), args.Path2)
		if e != errno.Success {
			return Ret{}, e
		}
		return Ret{}, parent.Link(res.Name, sl, true)
	case *fd.Pseudo:
		return Ret{}, m.pseudoOp(func() errno.Errno {
			return parent.Symlink(res.Name, args.Path2)
		})
	default:
		return Ret{}, errno.ENOTDIR
	}
}

func (m *Machine) fileReadlink(p *proc.Process, args *Args) (Ret, errno.Errno) {
	dir, _, e := m.resolveDir(p, args.FD, fd.RightPathReadlink)
	if e != errno.Success {
		return Ret{}, e
	}
	res, e := m.resolvePath(dir, args.Path, false)
	if e != errno.Success {
		return Ret{}, e
	}
	sl, ok := res.Terminal.(vfs.Symlink)
	if !ok {
		return Ret{}, errno.EINVAL
	}
	var target string
	read := func() errno.Errno {
		var e errno.Errno
		target, e = sl.ReadLink()
		return e
	}
	if _, pseudo := res.Terminal.(*fd.PseudoSymlink); pseudo {
		e = m.pseudoOp(read)
	} else {
		e = read()
	}
	if e != errno.Success {
		return Ret{}, e
	}
	return Ret{Data: []byte(target), Value: uint64(len(target))}, errno.Success
}

func (m *Machine) fileRename(p *proc.Process, args *Args) (Ret, errno.Errno) {
	srcDir, _, e := m.resolveDir(p, args.FD, fd.RightPathRenameSource)
	if e != errno.Success {
		return Ret{}, e
	}
	dstDir, _, e := m.resolveDir(p, args.FD2, fd.RightPathRenameTarget)
	if e != errno.Success {
		return Ret{}, e
	}
	src, e := m.resolvePath(srcDir, args.Path, false)
	if e != errno.Success {
		return Ret{}, e
	}
	if src.Terminal == nil {
		return Ret{}, errno.ENOENT
	}
	dst, e := m.resolvePath(dstDir, args.Path2, false)
	if e != errno.Success {
		return Ret{}, e
	}
	if dst.Name == "" {
		return Ret{}, errno.EINVAL
	}
	switch from := src.Dir.(type) {
	case *fd.Dir:
		to, ok := dst.Dir.(*fd.Dir)
		if !ok {
			return Ret{}, errno.EXDEV
		}
		return Ret{}, from.Rename(src.Name, to, dst.Name)
	case *fd.Pseudo:
		to, ok := dst.Dir.(*fd.Pseudo)
		if !ok {
			return Ret{}, errno.EXDEV
		}
		return Ret{}, m.pseudoOp(func() errno.Errno {
			return from.Rename(src.Name, to, dst.Name)
		})
	default:
		return Ret{}, errno.ENOTDIR
	}
}

func (m *Machine) fileUnlink(p *proc.Process, args *Args) (Ret, errno.Errno) {
	removeDir := args.Flags != 0
	right := fd.RightPathUnlinkFile
	if removeDir {
		right = fd.RightPathRemoveDirectory
	}
	dir, _, e := m.resolveDir(p, args.FD, right)
	if e != errno.Success {
		return Ret{}, e
	}
	res, e := m.resolvePath(dir, args.Path, false)
	if e != errno.Success {
		return Ret{}, e
	}
	if res.Name == "" {
		return Ret{}, errno.EINVAL
	}
	switch parent := res.Dir.(type) {
	case *fd.Dir:
		return Ret{}, parent.Unlink(res.Name, removeDir)
	case *fd.Pseudo:
		return Ret{}, m.pseudoOp(func() errno.Errno {
			return parent.Unlink(res.Name, removeDir)
		})
	default:
		return Ret{}, errno.ENOTDIR
	}
}

func (m *Machine) fileReaddir(p *proc.Process, args *Args) (Ret, errno.Errno) {
	d, e := p.FDs.GetChecked(args.FD, fd.RightFDReaddir)
	if e != errno.Success {
		return Ret{}, e
	}
	switch dir := d.(type) {
	case *fd.Dir:
		names := dir.Readdir()
		return Ret{Names: names, Value: uint64(len(names))}, errno.Success
	case *fd.Pseudo:
		var names []string
		if e := m.pseudoOp(func() errno.Errno {
			var e errno.Errno
			names, e = dir.Readdir()
			return e
		}); e != errno.Success {
			return Ret{}, e
		}
		return Ret{Names: names, Value: uint64(len(names))}, errno.Success
	default:
		return Ret{}, errno.ENOTDIR
	}
}

func statOf(d fd.Descriptor) *Stat {
	st := &Stat{Filetype: d.Filetype()}
	switch v := d.(type) {
	case *fd.File:
		st.Size = uint64(v.Size())
		st.Dev, st.Inode = v.Device, v.Inode
		st.Atim, st.Mtim = v.Atim, v.Mtim
	case *fd.Shm:
		st.Size = uint64(v.Size())
		st.Atim, st.Mtim = v.Atim, v.Mtim
	case *fd.Memory:
		st.Size = uint64(v.Len())
	case *fd.Dir:
		st.Size = uint64(len(v.Readdir()))
		st.Dev, st.Inode = v.Device, v.Inode
		st.Atim, st.Mtim = v.Atim, v.Mtim
	}
	return st
}

// statOfDesc builds the stat record for any descriptor, issuing the RPC
// for pseudo-FD-served entries.
func (m *Machine) statOfDesc(d fd.Descriptor) (*Stat, errno.Errno) {
	if ps, ok := asPseudo(d); ok {
		var st Stat
		if e := m.pseudoOp(func() errno.Errno {
			size, ft, atim, mtim, e := ps.Stat()
			if e != errno.Success {
				return e
			}
			st = Stat{Inode: ps.Inode, Filetype: ft, Size: uint64(size), Atim: atim, Mtim: mtim}
			return errno.Success
		}); e != errno.Success {
			return nil, e
		}
		return &st, errno.Success
	}
	return statOf(d), errno.Success
}

func (m *Machine) fileStatFGet(p *proc.Process, args *Args) (Ret, errno.Errno) {
	d, e := p.FDs.GetChecked(args.FD, fd.RightFDFilestatGet)
	if e != errno.Success {
		return Ret{}, e
	}
	st, e := m.statOfDesc(d)
	if e != errno.Success {
		return Ret{}, e
	}
	return Ret{Stat: st}, errno.Success
}

func (m *Machine) fileStatGet(p *proc.Process, args *Args) (Ret, errno.Errno) {
	dir, _, e := m.resolveDir(p, args.FD, fd.RightPathFilestatGet)
	if e != errno.Success {
		return Ret{}, e
	}
	res, e := m.resolvePath(dir, args.Path, args.FollowSymlinks)
	if e != errno.Success {
		return Ret{}, e
	}
	if res.Terminal == nil {
		if res.Name == "" {
			st, e := m.statOfDesc(res.Dir)
			if e != errno.Success {
				return Ret{}, e
			}
			return Ret{Stat: st}, errno.Success
		}
		return Ret{}, errno.ENOENT
	}
	st, e := m.statOfDesc(res.Terminal)
	if e != errno.Success {
		return Ret{}, e
	}
	return Ret{Stat: st}, errno.Success
}

// filestatRights maps the which-fields flags to the rights the call
// needs, EINVAL-ing unknown bits; size and times are gated separately.
func filestatRights(raw uint64, sizeRight, timesRight fd.Rights) (FilestatFlags, fd.Rights, errno.Errno) {
	known := FilestatATim | FilestatATimNow | FilestatMTim | FilestatMTimNow | FilestatSize
	if raw&^uint64(known) != 0 {
		return 0, 0, errno.EINVAL
	}
	flags := FilestatFlags(raw)
	var needed fd.Rights
	if flags&(FilestatATim|FilestatATimNow|FilestatMTim|FilestatMTimNow) != 0 {
		needed |= timesRight
	}
	if flags&FilestatSize != 0 {
		needed |= sizeRight
	}
	return flags, needed, errno.Success
}

// statPutApply mutates d per the flags: size truncation/extension and
// access/modification timestamps, with *_NOW resolved against the
// kernel clock.
func (m *Machine) statPutApply(d fd.Descriptor, flags FilestatFlags, st Stat) errno.Errno {
	atim, mtim := st.Atim, st.Mtim
	now := uint64(m.poller.Now().Nanoseconds())
	if flags&FilestatATimNow != 0 {
		atim = now
	}
	if flags&FilestatMTimNow != 0 {
		mtim = now
	}
	setATim := flags&(FilestatATim|FilestatATimNow) != 0
	setMTim := flags&(FilestatMTim|FilestatMTimNow) != 0

	switch v := d.(type) {
	case *fd.File:
		if flags&FilestatSize != 0 {
			if e := v.SetSize(int64(st.Size)); e != errno.Success {
				return e
			}
			v.Mtim = now
		}
		if setATim {
			v.Atim = atim
		}
		if setMTim {
			v.Mtim = mtim
		}
		return errno.Success
	case *fd.Shm:
		if flags&FilestatSize != 0 {
			if e := v.SetSize(int64(st.Size)); e != errno.Success {
				return e
			}
			v.Mtim = now
		}
		if setATim {
			v.Atim = atim
		}
		if setMTim {
			v.Mtim = mtim
		}
		return errno.Success
	case *fd.Dir:
		if flags&FilestatSize != 0 {
			return errno.EISDIR
		}
		if setATim {
			v.Atim = atim
		}
		if setMTim {
			v.Mtim = mtim
		}
		return errno.Success
	case *fd.Pseudo:
		var wire uint64
		if flags&FilestatSize != 0 {
			wire |= rpc.StatPutSize
		}
		if setATim {
			wire |= rpc.StatPutATim
		}
		if setMTim {
			wire |= rpc.StatPutMTim
		}
		return m.pseudoOp(func() errno.Errno {
			return v.StatPut(wire, int64(st.Size), atim, mtim)
		})
	default:
		return errno.EINVAL
	}
}

// fileStatFPut implements file_stat_fput: which-fields flags are checked
// against the descriptor's FD-level filestat rights, then applied.
func (m *Machine) fileStatFPut(p *proc.Process, args *Args) (Ret, errno.Errno) {
	flags, needed, e := filestatRights(args.Flags, fd.RightFDFilestatSetSize, fd.RightFDFilestatSetTimes)
	if e != errno.Success {
		return Ret{}, e
	}
	d, e := p.FDs.GetChecked(args.FD, needed)
	if e != errno.Success {
		return Ret{}, e
	}
	return Ret{}, m.statPutApply(d, flags, args.FileStat)
}

// fileStatPut implements file_stat_put: the path-addressed variant,
// gated on the directory descriptor's path-level filestat rights.
func (m *Machine) fileStatPut(p *proc.Process, args *Args) (Ret, errno.Errno) {
	flags, needed, e := filestatRights(args.Flags, fd.RightPathFilestatSetSize, fd.RightPathFilestatSetTimes)
	if e != errno.Success {
		return Ret{}, e
	}
	dir, _, e := m.resolveDir(p, args.FD, needed)
	if e != errno.Success {
		return Ret{}, e
	}
	res, e := m.resolvePath(dir, args.Path, args.FollowSymlinks)
	if e != errno.Success {
		return Ret{}, e
	}
	target := res.Terminal
	if target == nil {
		if res.Name != "" {
			return Ret{}, errno.ENOENT
		}
		target = res.Dir
	}
	return Ret{}, m.statPutApply(target, flags, args.FileStat)
}
