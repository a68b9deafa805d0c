// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package rpc_test

import (
	"testing"

	"github.com/cloudabi/kcore/pkg/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	req := rpc.Request{
		PseudoFD: 42,
		Op:       rpc.OpLookup,
		Inode:    7,
		Flags:    0x1,
		Offset:   0,
		Length:   5,
	}
	copy(req.Buffer[:], "hello")

	wire := rpc.EncodeRequest(&req)
	got, err := rpc.DecodeRequestHeader(wire)
	require.NoError(t, err)

	assert.Equal(t, req.PseudoFD, got.PseudoFD)
	assert.Equal(t, req.Op, got.Op)
	assert.Equal(t, req.Inode, got.Inode)
	assert.Equal(t, req.Flags, got.Flags)
	assert.Equal(t, req.Length, got.Length)
	assert.Equal(t, "hello", string(wire[rpc.RequestHeaderSize:]))
}

func TestResponseRoundTrip(t *testing.T) {
	resp := rpc.Response{Result: -5, Flags: 2, Length: 3}
	copy(resp.Buffer[:], "abc")

	wire := rpc.EncodeResponse(&resp)
	got, err := rpc.DecodeResponseHeader(wire)
	require.NoError(t, err)

	assert.Equal(t, int64(-5), got.Result)
	assert.Equal(t, uint64(2), got.Flags)
	assert.Equal(t, uint8(3), got.Length)
}

func TestDecodeRequestHeaderShort(t *testing.T) {
	_, err := rpc.DecodeRequestHeader(make([]byte, 4))
	assert.Error(t, err)
}
