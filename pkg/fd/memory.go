// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package fd

import "github.com/cloudabi/kcore/pkg/errno"

// Memory is a fixed, immutable, read-only blob descriptor, such as the
// boot-time images and the init executable that internal/kernel hands to
// the init process. Exec copies the vDSO and program headers into
// mappings directly, not through this variant.
type Memory struct {
	Base
	data []byte
}

// NewMemory wraps an immutable blob. The caller must not mutate data after
// handing it to NewMemory.
func NewMemory(b Base, data []byte) *Memory {
	b.filetype = FiletypeMemory
	return &Memory{Base: b, data: data}
}

// PRead copies min(len(buf), len(data)-offset) bytes starting at offset;
// reads past the end return 0 bytes, not an error.
func (m *Memory) PRead(buf []byte, offset int64) (int, errno.Errno) {
	if offset < 0 {
		return 0, errno.EINVAL
	}
	if offset >= int64(len(m.data)) {
		return 0, errno.Success
	}
	n := copy(buf, m.data[offset:])
	return n, errno.Success
}

// PWrite always fails: Memory descriptors are immutable.
func (m *Memory) PWrite(buf []byte, offset int64) (int, errno.Errno) {
	return 0, errno.EPERM
}

// Len reports the blob's size in bytes.
func (m *Memory) Len() int {
	return len(m.data)
}
