// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package mem_test

import (
	"testing"

	"github.com/cloudabi/kcore/pkg/errno"
	"github.com/cloudabi/kcore/pkg/mem"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFile struct {
	data []byte
}

func (f *fakeFile) PRead(buf []byte, offset int64) (int, errno.Errno) {
	if offset >= int64(len(f.data)) {
		return 0, errno.Success
	}
	n := copy(buf, f.data[offset:])
	return n, errno.Success
}

func (f *fakeFile) PWrite(buf []byte, offset int64) (int, errno.Errno) {
	end := offset + int64(len(buf))
	if end > int64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	n := copy(f.data[offset:], buf)
	return n, errno.Success
}

func newSpace(t *testing.T, frames int) *mem.AddressSpace {
	t.Helper()
	return mem.NewAddressSpace(mem.NewFrameAllocator(logr.Discard(), frames))
}

func TestAddressSpaceAnonymousMapping(t *testing.T) {
	as := newSpace(t, 16)

	_, e := as.Map(0x1000, 4, mem.ProtRead|mem.ProtWrite, nil, 0, false)
	require.Equal(t, errno.Success, e)

	f, _, e := as.Translate(0x1000, mem.ProtWrite)
	require.Equal(t, errno.Success, e)
	assert.Equal(t, make([]byte, mem.PageSize), as.Frames().Bytes(f))
}

func TestAddressSpaceOverlapRejected(t *testing.T) {
	as := newSpace(t, 16)
	_, e := as.Map(0x1000, 4, mem.ProtRead, nil, 0, false)
	require.Equal(t, errno.Success, e)

	_, e = as.Map(0x2000, 4, mem.ProtRead, nil, 0, false)
	assert.Equal(t, errno.EINVAL, e)
}

func TestAddressSpaceProtectionViolation(t *testing.T) {
	as := newSpace(t, 16)
	_, e := as.Map(0x1000, 1, mem.ProtRead, nil, 0, false)
	require.Equal(t, errno.Success, e)

	_, _, e = as.Translate(0x1000, mem.ProtWrite)
	assert.Equal(t, errno.ENOTCAPABLE, e)
}

func TestAddressSpaceDemandFillFromBacking(t *testing.T) {
	as := newSpace(t, 16)
	backing := &fakeFile{data: []byte("hello world")}
	_, e := as.Map(0x1000, 1, mem.ProtRead, backing, 0, false)
	require.Equal(t, errno.Success, e)

	f, _, e := as.Translate(0x1000, mem.ProtRead)
	require.Equal(t, errno.Success, e)
	assert.Equal(t, byte('h'), as.Frames().Bytes(f)[0])
}

func TestAddressSpaceUnmapSplitsPartialOverlap(t *testing.T) {
	as := newSpace(t, 16)
	_, e := as.Map(0x1000, 4, mem.ProtRead|mem.ProtWrite, nil, 0, false)
	require.Equal(t, errno.Success, e)

	// unmap the middle two of four pages
	e = as.Unmap(0x1000+mem.PageSize, 2)
	require.Equal(t, errno.Success, e)

	mappings := as.Mappings()
	require.Len(t, mappings, 2)
	assert.Equal(t, uint32(0x1000), mappings[0].VirtAddr)
	assert.Equal(t, 1, mappings[0].NumPages)
	assert.Equal(t, uint32(0x1000+3*mem.PageSize), mappings[1].VirtAddr)
	assert.Equal(t, 1, mappings[1].NumPages)

	// the unmapped range must no longer translate
	_, _, e = as.Translate(0x1000+mem.PageSize, mem.ProtRead)
	assert.Equal(t, errno.EINVAL, e)
}

func TestAddressSpaceSyncWritesBackDirtyPages(t *testing.T) {
	as := newSpace(t, 16)
	backing := &fakeFile{data: make([]byte, mem.PageSize)}
	m, e := as.Map(0x1000, 1, mem.ProtRead|mem.ProtWrite, backing, 0, true)
	require.Equal(t, errno.Success, e)

	f, _, e := as.Translate(0x1000, mem.ProtWrite)
	require.Equal(t, errno.Success, e)
	as.Frames().Bytes(f)[0] = 0x42

	e = as.Sync(m, mem.SyncSync)
	require.Equal(t, errno.Success, e)
	assert.Equal(t, byte(0x42), backing.data[0])
}

func TestAddressSpaceSyncInvalidateReclaimsFrames(t *testing.T) {
	as := newSpace(t, 4)
	m, e := as.Map(0x1000, 1, mem.ProtRead|mem.ProtWrite, nil, 0, false)
	require.Equal(t, errno.Success, e)

	_, _, e = as.Translate(0x1000, mem.ProtRead)
	require.Equal(t, errno.Success, e)

	free := as.Frames().Free()
	e = as.Sync(m, mem.SyncInvalidate)
	require.Equal(t, errno.Success, e)
	assert.Equal(t, free+1, as.Frames().Free())

	// reading the same address again must fault in a fresh zero page
	f, _, e := as.Translate(0x1000, mem.ProtRead)
	require.Equal(t, errno.Success, e)
	assert.Equal(t, make([]byte, mem.PageSize), as.Frames().Bytes(f))
}

func TestAddressSpaceCopyFromIsIndependent(t *testing.T) {
	as := newSpace(t, 16)
	m, e := as.Map(0x1000, 1, mem.ProtRead|mem.ProtWrite, nil, 0, false)
	require.Equal(t, errno.Success, e)

	f, _, e := as.Translate(0x1000, mem.ProtWrite)
	require.Equal(t, errno.Success, e)
	as.Frames().Bytes(f)[0] = 7

	dst, e := as.CopyFrom(m)
	require.Equal(t, errno.Success, e)

	dstFrame, ok := dst.FrameAt(0)
	require.True(t, ok)
	assert.Equal(t, byte(7), as.Frames().Bytes(dstFrame)[0])

	// mutating the source after the copy must not affect the copy
	as.Frames().Bytes(f)[0] = 9
	assert.Equal(t, byte(7), as.Frames().Bytes(dstFrame)[0])
}
