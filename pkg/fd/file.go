// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package fd

import (
	"sync"

	"github.com/cloudabi/kcore/pkg/errno"
)

// File is a plain in-kernel regular-file descriptor: a growable byte
// buffer, the concrete backing a Dir entry resolves to when it is not
// served by a pseudo-FD (the pseudo/reverse-FD pair in pseudo.go is the
// other implementation of the same filetype, for userspace-served
// filesystems).
type File struct {
	Base
	mu   sync.Mutex
	data []byte
}

// NewFile creates an empty regular file descriptor.
func NewFile(b Base) *File {
	b.filetype = FiletypeRegularFile
	return &File{Base: b}
}

// PRead implements mem.Backing so a File can back a memory mapping.
func (f *File) PRead(buf []byte, offset int64) (int, errno.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if offset < 0 {
		return 0, errno.EINVAL
	}
	if offset >= int64(len(f.data)) {
		return 0, errno.Success
	}
	return copy(buf, f.data[offset:]), errno.Success
}

// PWrite implements mem.Backing, growing the file if the write extends
// past the current end.
func (f *File) PWrite(buf []byte, offset int64) (int, errno.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if offset < 0 {
		return 0, errno.EINVAL
	}
	end := offset + int64(len(buf))
	if end > int64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	return copy(f.data[offset:], buf), errno.Success
}

// Size reports the file's current length in bytes.
func (f *File) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.data))
}

// Allocate extends the file to at least offset+length bytes,
// zero-filling the new region.
func (f *File) Allocate(offset, length int64) errno.Errno {
	if offset < 0 || length < 0 {
		return errno.EINVAL
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	end := offset + length
	if end > int64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	return errno.Success
}

// Truncate discards the file's contents, the O_TRUNC step of open.
func (f *File) Truncate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = nil
}

// SetSize truncates or zero-extends the file to exactly n bytes, the
// FILESTAT_SIZE half of file_stat_fput.
func (f *File) SetSize(n int64) errno.Errno {
	if n < 0 {
		return errno.EINVAL
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if n <= int64(len(f.data)) {
		f.data = f.data[:n]
		return errno.Success
	}
	grown := make([]byte, n)
	copy(grown, f.data)
	f.data = grown
	return errno.Success
}

// dirEntry is one name -> descriptor binding inside a Dir.
type dirEntry struct {
	name string
	d    Descriptor
}

// Dir is a plain in-kernel directory descriptor: an ordered set of named
// children, the concrete backing pkg/vfs resolves path components against
// when a directory is not pseudo-FD served.
type Dir struct {
	Base
	mu      sync.Mutex
	entries []dirEntry
}

// NewDir creates an empty directory descriptor.
func NewDir(b Base) *Dir {
	b.filetype = FiletypeDirectory
	return &Dir{Base: b}
}

// Lookup returns the child named name, the per-component step of path
// resolution.
func (d *Dir) Lookup(name string) (Descriptor, errno.Errno) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.entries {
		if e.name == name {
			return e.d, errno.Success
		}
	}
	return nil, errno.ENOENT
}

// Link adds (or replaces) a child binding. Replacing an existing directory
// entry with exclusive=true fails EEXIST.
func (d *Dir) Link(name string, child Descriptor, exclusive bool) errno.Errno {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, e := range d.entries {
		if e.name == name {
			if exclusive {
				return errno.EEXIST
			}
			d.entries[i].d = child
			return errno.Success
		}
	}
	d.entries = append(d.entries, dirEntry{name: name, d: child})
	return errno.Success
}

// Unlink removes the child named name. If mustBeDir is set, the target
// must itself be a directory and must be empty (matching
// path_remove_directory's extra checks versus path_unlink_file).
func (d *Dir) Unlink(name string, mustBeDir bool) errno.Errno {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, e := range d.entries {
		if e.name != name {
			continue
		}
		if mustBeDir {
			sub, ok := e.d.(*Dir)
			if !ok {
				return errno.ENOTDIR
			}
			if len(sub.entries) > 0 {
				return errno.ENOTEMPTY
			}
		} else if _, ok := e.d.(*Dir); ok {
			return errno.EISDIR
		}
		d.entries = append(d.entries[:i], d.entries[i+1:]...)
		return errno.Success
	}
	return errno.ENOENT
}

// Rename moves the entry named oldName to newName inside dst (which may
// be d itself).
func (d *Dir) Rename(oldName string, dst *Dir, newName string) errno.Errno {
	d.mu.Lock()
	var moved dirEntry
	found := false
	for i, e := range d.entries {
		if e.name == oldName {
			moved = e
			d.entries = append(d.entries[:i], d.entries[i+1:]...)
			found = true
			break
		}
	}
	d.mu.Unlock()
	if !found {
		return errno.ENOENT
	}
	return dst.Link(newName, moved.d, false)
}

// Readdir returns the directory's entry names in insertion order, matching
// fd_readdir's simplest (non-cookie-resuming) form.
func (d *Dir) Readdir() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, len(d.entries))
	for i, e := range d.entries {
		names[i] = e.name
	}
	return names
}
