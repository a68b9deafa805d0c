// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package rpc

import "io"

// Server is the receiving side of a reverse-FD channel: it reads requests
// the kernel's pkg/fd.Pseudo sent and writes back responses, the inverse of
// Channel.Call. pkg/store uses this to implement a userspace filesystem
// without needing a real socket underneath; pkg/fd.Reverse wraps it as the
// kernel-side descriptor a process holds for that control channel.
type Server struct {
	transport Transport
}

// NewServer wraps transport as the server side of a reverse-FD channel.
func NewServer(transport Transport) *Server {
	return &Server{transport: transport}
}

// ReadRequest blocks for the next request's fixed header plus its tail
// buffer, a two-phase read tolerant of partial delivery.
func (s *Server) ReadRequest() (Request, error) {
	header := make([]byte, RequestHeaderSize)
	if _, err := io.ReadFull(s.transport, header); err != nil {
		return Request{}, err
	}
	req, err := DecodeRequestHeader(header)
	if err != nil {
		return Request{}, err
	}
	if req.Length > 0 {
		if _, err := io.ReadFull(s.transport, req.Buffer[:req.Length]); err != nil {
			return Request{}, err
		}
	}
	return req, nil
}

// WriteResponse sends resp back to the kernel.
func (s *Server) WriteResponse(resp *Response) error {
	_, err := s.transport.Write(EncodeResponse(resp))
	return err
}

// WriteGratuitous sends an unsolicited readiness notification for
// pseudofd, distinguished on the wire by the gratuitous flag bit.
func (s *Server) WriteGratuitous(pseudofd PseudoFD) error {
	resp := Response{Result: int64(pseudofd), Flags: gratuitousFlag}
	return s.WriteResponse(&resp)
}
