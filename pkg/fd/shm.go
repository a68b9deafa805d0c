// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package fd

import "github.com/cloudabi/kcore/pkg/errno"

// Shm is a growable byte buffer descriptor usable as mmap backing. It
// is distinct from File only in filetype tag; CloudABI programs create
// one via fd_create1(FILETYPE_SHARED_MEMORY) rather than a path open.
type Shm struct {
	Base
	file *File
}

// NewShm creates an empty shared-memory descriptor.
func NewShm(b Base) *Shm {
	inner := NewFile(Base{})
	b.filetype = FiletypeSharedMemory
	return &Shm{Base: b, file: inner}
}

func (s *Shm) PRead(buf []byte, offset int64) (int, errno.Errno)  { return s.file.PRead(buf, offset) }
func (s *Shm) PWrite(buf []byte, offset int64) (int, errno.Errno) { return s.file.PWrite(buf, offset) }
func (s *Shm) Size() int64                                        { return s.file.Size() }
func (s *Shm) Allocate(offset, length int64) errno.Errno          { return s.file.Allocate(offset, length) }
func (s *Shm) SetSize(n int64) errno.Errno                        { return s.file.SetSize(n) }
