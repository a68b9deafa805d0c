// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package fd

import (
	"io"

	"github.com/cloudabi/kcore/pkg/errno"
)

// VGA is the write-only text sink every process is born with. On real
// hardware this would be VGA text memory; here the sink is any
// io.Writer (kerneld wires stdout).
type VGA struct {
	Base
	sink io.Writer
}

// NewVGA wraps sink as a write-only descriptor.
func NewVGA(b Base, sink io.Writer) *VGA {
	b.filetype = FiletypeVGA
	return &VGA{Base: b, sink: sink}
}

// Write appends buf to the sink. Reads on a VGA descriptor are not defined.
func (v *VGA) Write(buf []byte) (int, errno.Errno) {
	n, err := v.sink.Write(buf)
	if err != nil {
		return n, errno.EIO
	}
	return n, errno.Success
}
