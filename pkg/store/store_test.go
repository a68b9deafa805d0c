// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package store_test

import (
	"context"
	"encoding/binary"
	"io"
	"testing"

	"github.com/cloudabi/kcore/pkg/errno"
	"github.com/cloudabi/kcore/pkg/rpc"
	"github.com/cloudabi/kcore/pkg/store"
	"github.com/go-logr/logr"
	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(store.Options{Logger: testr.New(t)})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func request(op rpc.Op, inode uint64, name string) *rpc.Request {
	req := &rpc.Request{Op: op, Inode: inode, Length: uint8(len(name))}
	copy(req.Buffer[:], name)
	return req
}

func TestCreateLookupRoundTrip(t *testing.T) {
	s := newStore(t)

	created := s.Handle(&rpc.Request{
		Op: rpc.OpCreate, Inode: store.RootInode, Flags: store.TypeFile,
		Length: 5, Buffer: bufferOf("hello"),
	})
	require.GreaterOrEqual(t, created.Result, int64(0))

	found := s.Handle(request(rpc.OpLookup, store.RootInode, "hello"))
	assert.Equal(t, created.Result, found.Result)
	assert.Equal(t, store.TypeFile, found.Flags)

	missing := s.Handle(request(rpc.OpLookup, store.RootInode, "absent"))
	assert.Equal(t, -int64(errno.ENOENT), missing.Result)
}

func bufferOf(s string) [rpc.BufferSize]byte {
	var b [rpc.BufferSize]byte
	copy(b[:], s)
	return b
}

func TestPwriteThenPread(t *testing.T) {
	s := newStore(t)
	created := s.Handle(&rpc.Request{
		Op: rpc.OpCreate, Inode: store.RootInode, Flags: store.TypeFile,
		Length: 1, Buffer: bufferOf("f"),
	})
	inode := uint64(created.Result)

	write := &rpc.Request{Op: rpc.OpPwrite, Inode: inode, Offset: 4, Length: 3, Buffer: bufferOf("abc")}
	resp := s.Handle(write)
	require.Equal(t, int64(3), resp.Result)

	read := &rpc.Request{Op: rpc.OpPread, Inode: inode, Offset: 0, Length: 16}
	resp = s.Handle(read)
	require.Equal(t, int64(7), resp.Result)
	assert.Equal(t, []byte{0, 0, 0, 0, 'a', 'b', 'c'}, resp.Buffer[:resp.Length])

	st := s.Handle(&rpc.Request{Op: rpc.OpStatGet, Inode: inode})
	assert.Equal(t, int64(7), st.Result)
	assert.Equal(t, store.TypeFile, st.Flags)
}

func TestReaddirListsSorted(t *testing.T) {
	s := newStore(t)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		resp := s.Handle(&rpc.Request{
			Op: rpc.OpCreate, Inode: store.RootInode, Flags: store.TypeFile,
			Length: uint8(len(name)), Buffer: bufferOf(name),
		})
		require.GreaterOrEqual(t, resp.Result, int64(0))
	}
	resp := s.Handle(&rpc.Request{Op: rpc.OpReaddir, Inode: store.RootInode})
	require.Equal(t, int64(3), resp.Result)
	assert.Equal(t, "alpha\x00mid\x00zeta\x00", string(resp.Buffer[:resp.Length]))
}

func TestRenameAndUnlink(t *testing.T) {
	s := newStore(t)
	s.Handle(&rpc.Request{
		Op: rpc.OpCreate, Inode: store.RootInode, Flags: store.TypeFile,
		Length: 3, Buffer: bufferOf("old"),
	})

	resp := s.Handle(&rpc.Request{
		Op: rpc.OpRename, Inode: store.RootInode,
		Length: 7, Buffer: bufferOf("old\x00new"),
	})
	require.Equal(t, int64(0), resp.Result)

	assert.Equal(t, -int64(errno.ENOENT), s.Handle(request(rpc.OpLookup, store.RootInode, "old")).Result)
	assert.GreaterOrEqual(t, s.Handle(request(rpc.OpLookup, store.RootInode, "new")).Result, int64(0))

	resp = s.Handle(request(rpc.OpUnlink, store.RootInode, "new"))
	require.Equal(t, int64(0), resp.Result)
	assert.Equal(t, -int64(errno.ENOENT), s.Handle(request(rpc.OpLookup, store.RootInode, "new")).Result)
}

func TestUnlinkNonEmptyDirectoryFails(t *testing.T) {
	s := newStore(t)
	created := s.Handle(&rpc.Request{
		Op: rpc.OpCreate, Inode: store.RootInode, Flags: store.TypeDirectory,
		Length: 3, Buffer: bufferOf("dir"),
	})
	sub := uint64(created.Result)
	s.Handle(&rpc.Request{
		Op: rpc.OpCreate, Inode: sub, Flags: store.TypeFile,
		Length: 5, Buffer: bufferOf("child"),
	})

	resp := s.Handle(request(rpc.OpUnlink, store.RootInode, "dir"))
	assert.Equal(t, -int64(errno.ENOTEMPTY), resp.Result)
}

func TestStatPutSizeAndTimes(t *testing.T) {
	s := newStore(t)
	created := s.Handle(&rpc.Request{
		Op: rpc.OpCreate, Inode: store.RootInode, Flags: store.TypeFile,
		Length: 1, Buffer: bufferOf("f"),
	})
	inode := uint64(created.Result)
	s.Handle(&rpc.Request{Op: rpc.OpPwrite, Inode: inode, Length: 6, Buffer: bufferOf("abcdef")})

	// Truncate to 3 bytes and stamp both timestamps.
	put := &rpc.Request{
		Op: rpc.OpStatFPut, Inode: inode,
		Flags:  rpc.StatPutSize | rpc.StatPutATim | rpc.StatPutMTim,
		Length: 24,
	}
	binary.LittleEndian.PutUint64(put.Buffer[0:8], 3)
	binary.LittleEndian.PutUint64(put.Buffer[8:16], 111)
	binary.LittleEndian.PutUint64(put.Buffer[16:24], 222)
	resp := s.Handle(put)
	require.Equal(t, int64(0), resp.Result)

	st := s.Handle(&rpc.Request{Op: rpc.OpStatGet, Inode: inode})
	assert.Equal(t, int64(3), st.Result)
	require.GreaterOrEqual(t, int(st.Length), 16)
	assert.Equal(t, uint64(111), binary.LittleEndian.Uint64(st.Buffer[0:8]))
	assert.Equal(t, uint64(222), binary.LittleEndian.Uint64(st.Buffer[8:16]))

	// Zero-extension grows the data record.
	put = &rpc.Request{Op: rpc.OpStatFPut, Inode: inode, Flags: rpc.StatPutSize, Length: 24}
	binary.LittleEndian.PutUint64(put.Buffer[0:8], 5)
	require.Equal(t, int64(0), s.Handle(put).Result)
	read := s.Handle(&rpc.Request{Op: rpc.OpPread, Inode: inode, Length: 8})
	assert.Equal(t, []byte{'a', 'b', 'c', 0, 0}, read.Buffer[:read.Length])
}

func TestStatPutSizeOnDirectoryFails(t *testing.T) {
	s := newStore(t)
	put := &rpc.Request{Op: rpc.OpStatPut, Inode: store.RootInode, Flags: rpc.StatPutSize, Length: 24}
	resp := s.Handle(put)
	assert.Equal(t, -int64(errno.EISDIR), resp.Result)
}

func TestRenameAcrossDirectories(t *testing.T) {
	s := newStore(t)
	dir := s.Handle(&rpc.Request{
		Op: rpc.OpCreate, Inode: store.RootInode, Flags: store.TypeDirectory,
		Length: 3, Buffer: bufferOf("sub"),
	})
	s.Handle(&rpc.Request{
		Op: rpc.OpCreate, Inode: store.RootInode, Flags: store.TypeFile,
		Length: 1, Buffer: bufferOf("f"),
	})

	resp := s.Handle(&rpc.Request{
		Op: rpc.OpRename, Inode: store.RootInode, Flags: uint64(dir.Result),
		Length: 3, Buffer: bufferOf("f\x00g"),
	})
	require.Equal(t, int64(0), resp.Result)

	assert.Equal(t, -int64(errno.ENOENT), s.Handle(request(rpc.OpLookup, store.RootInode, "f")).Result)
	assert.GreaterOrEqual(t, s.Handle(request(rpc.OpLookup, uint64(dir.Result), "g")).Result, int64(0))
}

func TestSymlinkReadlink(t *testing.T) {
	s := newStore(t)
	resp := s.Handle(&rpc.Request{
		Op: rpc.OpSymlink, Inode: store.RootInode,
		Length: 10, Buffer: bufferOf("link\x00a/b/c"),
	})
	require.GreaterOrEqual(t, resp.Result, int64(0))
	inode := uint64(resp.Result)

	resp = s.Handle(&rpc.Request{Op: rpc.OpReadlink, Inode: inode})
	assert.Equal(t, "a/b/c", string(resp.Buffer[:resp.Length]))
}

// duplex is the in-memory stand-in for the UNIX-domain stream a reverse-FD
// channel normally rides on.
type duplex struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (d duplex) Read(p []byte) (int, error)  { return d.r.Read(p) }
func (d duplex) Write(p []byte) (int, error) { return d.w.Write(p) }

func TestServeOverChannel(t *testing.T) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	kernelSide := duplex{r: r2, w: w1}
	serverSide := duplex{r: r1, w: w2}

	s, err := store.New(store.Options{Logger: testr.New(t), Transport: serverSide})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Start(ctx)

	ch := rpc.NewChannel(logr.Discard(), kernelSide)
	resp, err := ch.Call(ctx, &rpc.Request{
		Op: rpc.OpCreate, Inode: store.RootInode, Flags: store.TypeFile,
		Length: 4, Buffer: bufferOf("file"),
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, resp.Result, int64(0))

	resp, err = ch.Call(ctx, &rpc.Request{Op: rpc.OpLookup, Inode: store.RootInode, Length: 4, Buffer: bufferOf("file")})
	require.NoError(t, err)
	assert.Equal(t, store.TypeFile, resp.Flags)
}
