// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package fd

import "github.com/cloudabi/kcore/pkg/errno"

// Symlink is a directory entry holding a path to be re-resolved during
// traversal. Targets longer than NAME_MAX are rejected at creation, so
// ReadLink never has to truncate.
type Symlink struct {
	Base
	target string
}

const symlinkTargetMax = 255

// NewSymlink creates a symlink entry pointing at target.
func NewSymlink(b Base, target string) (*Symlink, errno.Errno) {
	if len(target) > symlinkTargetMax {
		return nil, errno.ENAMETOOLONG
	}
	b.filetype = FiletypeUnknown
	return &Symlink{Base: b, target: target}, errno.Success
}

// ReadLink reports the link's target; pkg/vfs follows it during path
// resolution through this same method.
func (s *Symlink) ReadLink() (string, errno.Errno) {
	return s.target, errno.Success
}
