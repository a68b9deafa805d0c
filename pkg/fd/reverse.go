// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package fd

import (
	"io"

	"github.com/cloudabi/kcore/pkg/errno"
	"github.com/cloudabi/kcore/pkg/rpc"
)

// Reverse is the server end of a pseudo-FD channel: the
// descriptor a userspace filesystem process holds to read the kernel's
// framed requests and write back responses. The holder speaks the wire
// format directly through fd_read/fd_write; Server wraps the same
// transport for in-process servers (pkg/store) that want decoded records
// instead of raw bytes.
type Reverse struct {
	Base
	Server    *rpc.Server
	transport io.ReadWriter
}

// NewReverse wraps the server side of a channel transport as a
// descriptor.
func NewReverse(b Base, transport io.ReadWriter) *Reverse {
	b.filetype = FiletypeReverse
	return &Reverse{Base: b, Server: rpc.NewServer(transport), transport: transport}
}

// Read blocks for the next raw bytes the kernel side wrote (request
// header or body). The caller must not hold the kernel lock.
func (r *Reverse) Read(buf []byte) (int, errno.Errno) {
	n, err := r.transport.Read(buf)
	if err != nil {
		return n, errno.EIO
	}
	return n, errno.Success
}

// Write feeds raw response bytes back to the kernel side.
func (r *Reverse) Write(buf []byte) (int, errno.Errno) {
	n, err := r.transport.Write(buf)
	if err != nil {
		return n, errno.EIO
	}
	return n, errno.Success
}
