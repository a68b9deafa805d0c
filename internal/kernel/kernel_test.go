// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernel_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/cloudabi/kcore/internal/kernel"
	"github.com/cloudabi/kcore/pkg/errno"
	"github.com/cloudabi/kcore/pkg/fd"
	"github.com/cloudabi/kcore/pkg/syscall"
	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKernel(t *testing.T, opts kernel.Options) *kernel.Kernel {
	t.Helper()
	if opts.Logger.GetSink() == nil {
		opts.Logger = testr.New(t)
	}
	k, err := kernel.New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { k.Close() })
	return k
}

func TestBootInstallsRootDescriptors(t *testing.T) {
	k := newKernel(t, kernel.Options{Console: &bytes.Buffer{}})
	p := k.Init()

	expect := map[int]fd.Filetype{
		kernel.FDVGA:       fd.FiletypeVGA,
		kernel.FDBootInfo:  fd.FiletypeMemory,
		kernel.FDProcfs:    fd.FiletypeDirectory,
		kernel.FDBootfs:    fd.FiletypeDirectory,
		kernel.FDInitrdfs:  fd.FiletypeDirectory,
		kernel.FDIfstore:   fd.FiletypeSocketStream,
		kernel.FDTermstore: fd.FiletypeDirectory,
	}
	for num, ft := range expect {
		s, ok := p.FDs.Get(num)
		require.True(t, ok, "fd %d missing", num)
		require.False(t, s.Empty(), "fd %d empty", num)
		assert.Equal(t, ft, s.Handle.Filetype(), "fd %d", num)
	}
}

func TestVGAWriteReachesConsole(t *testing.T) {
	console := &bytes.Buffer{}
	k := newKernel(t, kernel.Options{Console: console})
	p := k.Init()
	th := p.NewThread()

	ret, e := k.Machine().Dispatch(p, th, syscall.NumFDWrite, &syscall.Args{
		FD: kernel.FDVGA, Buf: []byte("hi\n"),
	})
	require.Equal(t, errno.Success, e)
	assert.Equal(t, uint64(3), ret.Value)
	assert.Equal(t, "hi\n", console.String())
}

// The initrd root is pseudo-FD-served; every path syscall against it must
// behave exactly as against an in-kernel directory, with the kernel
// translating each step into reverse-FD RPCs against the store.
func TestInitrdPathSyscallsRoundTripThroughStore(t *testing.T) {
	k := newKernel(t, kernel.Options{Console: &bytes.Buffer{}})
	p := k.Init()
	th := p.NewThread()
	m := k.Machine()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	// Opening something that does not exist resolves over RPC and fails
	// cleanly.
	_, e := m.Dispatch(p, th, syscall.NumFileOpen, &syscall.Args{
		FD: kernel.FDInitrdfs, Path: "no-such-file", Rights: fd.RightFDRead,
	})
	require.Equal(t, errno.ENOENT, e)

	// Create, write, and read back a file purely through path syscalls.
	rights := fd.RightFDRead | fd.RightFDWrite | fd.RightFDSeek | fd.RightFDFilestatGet
	opened, e := m.Dispatch(p, th, syscall.NumFileOpen, &syscall.Args{
		FD: kernel.FDInitrdfs, Path: "init", OFlags: syscall.OCreat, Rights: rights,
	})
	require.Equal(t, errno.Success, e)
	_, e = m.Dispatch(p, th, syscall.NumFDWrite, &syscall.Args{FD: opened.NewFD, Buf: []byte("elf-image")})
	require.Equal(t, errno.Success, e)

	reopened, e := m.Dispatch(p, th, syscall.NumFileOpen, &syscall.Args{
		FD: kernel.FDInitrdfs, Path: "init", Rights: rights,
	})
	require.Equal(t, errno.Success, e)
	got, e := m.Dispatch(p, th, syscall.NumFDPread, &syscall.Args{FD: reopened.NewFD, OutLen: 16})
	require.Equal(t, errno.Success, e)
	assert.Equal(t, "elf-image", string(got.Data))

	// Directories, listing and stat flow through the same RPC channel.
	_, e = m.Dispatch(p, th, syscall.NumFileCreate, &syscall.Args{
		FD: kernel.FDInitrdfs, Path: "etc", Filetype: fd.FiletypeDirectory,
	})
	require.Equal(t, errno.Success, e)
	listing, e := m.Dispatch(p, th, syscall.NumFileReaddir, &syscall.Args{FD: kernel.FDInitrdfs})
	require.Equal(t, errno.Success, e)
	assert.ElementsMatch(t, []string{"init", "etc"}, listing.Names)

	st, e := m.Dispatch(p, th, syscall.NumFileStatGet, &syscall.Args{FD: kernel.FDInitrdfs, Path: "init"})
	require.Equal(t, errno.Success, e)
	require.NotNil(t, st.Stat)
	assert.Equal(t, fd.FiletypeRegularFile, st.Stat.Filetype)
	assert.Equal(t, uint64(len("elf-image")), st.Stat.Size)

	// file_stat_put reaches the store's metadata too.
	_, e = m.Dispatch(p, th, syscall.NumFileStatPut, &syscall.Args{
		FD: kernel.FDInitrdfs, Path: "init",
		Flags:    uint64(syscall.FilestatSize | syscall.FilestatMTim),
		FileStat: syscall.Stat{Size: 3, Mtim: 999},
	})
	require.Equal(t, errno.Success, e)
	st, e = m.Dispatch(p, th, syscall.NumFileStatGet, &syscall.Args{FD: kernel.FDInitrdfs, Path: "init"})
	require.Equal(t, errno.Success, e)
	assert.Equal(t, uint64(3), st.Stat.Size)
	assert.Equal(t, uint64(999), st.Stat.Mtim)

	// Symlinks created and followed over RPC, unlink cleans up.
	_, e = m.Dispatch(p, th, syscall.NumFileSymlink, &syscall.Args{
		FD: kernel.FDInitrdfs, Path: "current", Path2: "init",
	})
	require.Equal(t, errno.Success, e)
	viaLink, e := m.Dispatch(p, th, syscall.NumFileOpen, &syscall.Args{
		FD: kernel.FDInitrdfs, Path: "current", FollowSymlinks: true, Rights: fd.RightFDRead | fd.RightFDSeek,
	})
	require.Equal(t, errno.Success, e)
	got, e = m.Dispatch(p, th, syscall.NumFDPread, &syscall.Args{FD: viaLink.NewFD, OutLen: 16})
	require.Equal(t, errno.Success, e)
	assert.Equal(t, "elf", string(got.Data))

	_, e = m.Dispatch(p, th, syscall.NumFileUnlink, &syscall.Args{FD: kernel.FDInitrdfs, Path: "current"})
	require.Equal(t, errno.Success, e)
	_, e = m.Dispatch(p, th, syscall.NumFileOpen, &syscall.Args{
		FD: kernel.FDInitrdfs, Path: "current", Rights: fd.RightFDRead,
	})
	assert.Equal(t, errno.ENOENT, e)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("kernel did not shut down")
	}
}

// makeELF builds a minimal 32-bit little-endian CloudABI executable with a
// single PT_LOAD segment.
func makeELF(code []byte) []byte {
	const (
		ehSize = 52
		phSize = 32
		vaddr  = 0x08048000
	)
	buf := make([]byte, ehSize+phSize+len(code))
	copy(buf, "\x7fELF")
	buf[4] = 1  // ELFCLASS32
	buf[5] = 1  // ELFDATA2LSB
	buf[6] = 1  // EV_CURRENT
	buf[7] = 17 // ELFOSABI_CLOUDABI
	le := binary.LittleEndian
	le.PutUint16(buf[16:], 2) // ET_EXEC
	le.PutUint16(buf[18:], 3) // EM_386
	le.PutUint32(buf[20:], 1)
	le.PutUint32(buf[24:], vaddr) // entry
	le.PutUint32(buf[28:], ehSize)
	le.PutUint16(buf[40:], ehSize)
	le.PutUint16(buf[42:], phSize)
	le.PutUint16(buf[44:], 1)

	ph := buf[ehSize:]
	le.PutUint32(ph[0:], 1) // PT_LOAD
	le.PutUint32(ph[4:], ehSize+phSize)
	le.PutUint32(ph[8:], vaddr)
	le.PutUint32(ph[12:], vaddr)
	le.PutUint32(ph[16:], uint32(len(code)))
	le.PutUint32(ph[20:], uint32(len(code)))
	le.PutUint32(ph[24:], 5) // R+X
	le.PutUint32(ph[28:], 0x1000)

	copy(buf[ehSize+phSize:], code)
	return buf
}

func TestExecInitLeavesInitRunning(t *testing.T) {
	k := newKernel(t, kernel.Options{Console: &bytes.Buffer{}})

	require.NoError(t, k.ExecInit(makeELF([]byte{0xC3}), []byte("")))
	p := k.Init()
	assert.True(t, p.Running)

	// The birth descriptors survive at their well-known numbers; the
	// transient exec descriptor does not.
	assert.Equal(t, 7, p.FDs.Len())

	// The loaded segment is readable at its virtual address.
	got := make([]byte, 1)
	require.Equal(t, errno.Success, p.ReadBytes(0x08048000, got))
	assert.Equal(t, byte(0xC3), got[0])
}

func TestExecRejectsNonCloudABI(t *testing.T) {
	k := newKernel(t, kernel.Options{Console: &bytes.Buffer{}})
	image := makeELF([]byte{0xC3})
	image[7] = 0 // ELFOSABI_NONE
	err := k.ExecInit(image, nil)
	require.Error(t, err)
}
