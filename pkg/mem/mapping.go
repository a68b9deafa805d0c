// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package mem

import (
	"sort"

	"github.com/cloudabi/kcore/pkg/diag"
	"github.com/cloudabi/kcore/pkg/errno"
)

// Prot is the R/W/X subset of the CloudABI mprot bits a mapping carries.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

// Advice holds mem_advise's hint values; the allocator does not act on
// these beyond recording them for readback (advice influences readahead
// heuristics this simulation has no use for).
type Advice uint8

const (
	AdviceNormal Advice = iota
	AdviceSequential
	AdviceRandom
	AdviceWillNeed
	AdviceDontNeed
)

// SyncFlags is the ms_flags argument to mem_sync.
type SyncFlags uint8

const (
	SyncAsync      SyncFlags = 1 << iota // reinterpreted as SyncSync
	SyncSync
	SyncInvalidate
)

// Backing is the narrow interface a mapping needs from whatever descriptor
// backs it (a pkg/fd.File, typically). Declared here so that pkg/mem does
// not depend on pkg/fd.
type Backing interface {
	PRead(buf []byte, offset int64) (int, errno.Errno)
	PWrite(buf []byte, offset int64) (int, errno.Errno)
}

// KernelVirtualBase is the address at and above which no user mapping
// may extend; the upper quarter of address space belongs to the kernel.
const KernelVirtualBase = 0xC0000000

// Mapping is one virtually-contiguous, identically-protected range of
// pages. No page tables exist here; a Mapping simply records which Frame
// (if any) backs each page index.
type Mapping struct {
	VirtAddr  uint32
	NumPages  int
	Prot      Prot
	Advice    Advice
	Backing   Backing
	FileOff   int64
	Shared    bool
	pages     map[int]Frame // page index within mapping -> frame; absent = not yet faulted in
	dirty     map[int]bool
}

func newMapping(virt uint32, numPages int, prot Prot, backing Backing, fileOff int64, shared bool) *Mapping {
	return &Mapping{
		VirtAddr: virt,
		NumPages: numPages,
		Prot:     prot,
		Backing:  backing,
		FileOff:  fileOff,
		Shared:   shared,
		pages:    make(map[int]Frame),
		dirty:    make(map[int]bool),
	}
}

// End returns the address one past the mapping's last byte.
func (m *Mapping) End() uint32 {
	return m.VirtAddr + uint32(m.NumPages)*PageSize
}

// covers reports whether page index i (0-based within the mapping) exists.
func (m *Mapping) covers(addr uint32) (int, bool) {
	if addr < m.VirtAddr || addr >= m.End() {
		return 0, false
	}
	return int((addr - m.VirtAddr) / PageSize), true
}

// AddressSpace is one process's collection of mappings, its page
// directory in effect. Mappings never overlap; FindFreeVirtualRange and
// Unmap maintain that invariant.
type AddressSpace struct {
	frames   *FrameAllocator
	mappings []*Mapping // kept sorted by VirtAddr
}

// NewAddressSpace creates an empty address space backed by frames.
func NewAddressSpace(frames *FrameAllocator) *AddressSpace {
	return &AddressSpace{frames: frames}
}

func (as *AddressSpace) insert(m *Mapping) {
	i := sort.Search(len(as.mappings), func(i int) bool { return as.mappings[i].VirtAddr >= m.VirtAddr })
	as.mappings = append(as.mappings, nil)
	copy(as.mappings[i+1:], as.mappings[i:])
	as.mappings[i] = m
}

// FindFreeVirtualRangeStart is the fixed high address the mmap search
// starts from.
const FindFreeVirtualRangeStart = 0x90000000

// FindFreeVirtualRange scans downward from FindFreeVirtualRangeStart
// for a gap of numPages free pages among the existing mappings.
func (as *AddressSpace) FindFreeVirtualRange(numPages int) (uint32, bool) {
	const pageAllocGranularity = PageSize
	candidate := uint32(FindFreeVirtualRangeStart) - uint32(numPages)*PageSize
	for candidate > 0 {
		end := candidate + uint32(numPages)*PageSize
		conflict := false
		for _, m := range as.mappings {
			if candidate < m.End() && end > m.VirtAddr {
				conflict = true
				candidate = m.VirtAddr - uint32(numPages)*PageSize
				break
			}
		}
		if !conflict {
			return candidate, true
		}
		if candidate < pageAllocGranularity {
			break
		}
	}
	return 0, false
}

// Map creates a new mapping at virt (or at a kernel-chosen address if virt
// is 0) covering numPages pages and returns it. It is the caller's (the
// pkg/syscall mem_map handler, or pkg/proc's exec) job to validate virt's alignment and
// to reject ranges that would extend past KernelVirtualBase before calling
// Map; Map itself only checks for overlap with existing mappings.
func (as *AddressSpace) Map(virt uint32, numPages int, prot Prot, backing Backing, fileOff int64, shared bool) (*Mapping, errno.Errno) {
	if virt%PageSize != 0 {
		diag.Bug("mem: Map called with unaligned virt=%#x", virt)
	}
	if shared && backing == nil {
		diag.Bug("mem: shared mapping without a backing descriptor")
	}
	m := newMapping(virt, numPages, prot, backing, fileOff, shared)
	for _, other := range as.mappings {
		if m.VirtAddr < other.End() && m.End() > other.VirtAddr {
			return nil, errno.EINVAL
		}
	}
	as.insert(m)
	return m, errno.Success
}

// Translate resolves a virtual address to the frame backing it,
// faulting it in first if it is not yet backed. access is checked
// against the mapping's protection bits; a violation returns
// ENOTCAPABLE, the same error used everywhere a requested access
// exceeds what was granted.
func (as *AddressSpace) Translate(addr uint32, access Prot) (Frame, int, errno.Errno) {
	m, pageIdx, ok := as.find(addr)
	if !ok {
		return 0, 0, errno.EINVAL
	}
	if m.Prot&access != access {
		return 0, 0, errno.ENOTCAPABLE
	}
	f, e := as.ensureBacked(m, pageIdx)
	if e != errno.Success {
		return 0, 0, e
	}
	if access&ProtWrite != 0 {
		m.dirty[pageIdx] = true
	}
	return f, pageIdx, errno.Success
}

func (as *AddressSpace) find(addr uint32) (*Mapping, int, bool) {
	for _, m := range as.mappings {
		if idx, ok := m.covers(addr); ok {
			return m, idx, true
		}
	}
	return nil, 0, false
}

// ensureBacked demand-fills page pageIdx of m: allocate a frame, then
// either pread from the backing descriptor (short reads are zero-filled
// past EOF) or zero-fill if the mapping is anonymous.
func (as *AddressSpace) ensureBacked(m *Mapping, pageIdx int) (Frame, errno.Errno) {
	if f, ok := m.pages[pageIdx]; ok {
		return f, errno.Success
	}
	f, ok := as.frames.Allocate()
	if !ok {
		return 0, errno.ENOMEM
	}
	buf := as.frames.Bytes(f)
	for i := range buf {
		buf[i] = 0
	}
	if m.Backing != nil {
		off := m.FileOff + int64(pageIdx)*PageSize
		if _, e := m.Backing.PRead(buf, off); e != errno.Success && e != errno.EXDEV {
			as.frames.Deallocate(f)
			return 0, e
		}
	}
	m.pages[pageIdx] = f
	return f, errno.Success
}

// EnsureBacked exposes ensureBacked for explicit mlock-style prefaulting
// callers (mem_advise WillNeed).
func (as *AddressSpace) EnsureBacked(m *Mapping, pageIdx int) (Frame, errno.Errno) {
	return as.ensureBacked(m, pageIdx)
}

// FillCompletely backs every page of m up front, the exec-time counterpart
// of ensure_completely_backed: PT_LOAD segments and the helper mappings
// (program headers, vDSO, auxv, argdata) must be fully resident before
// their contents are written, since exec has no later fault path to rely
// on for a process that hasn't run yet.
func (as *AddressSpace) FillCompletely(m *Mapping) errno.Errno {
	for i := 0; i < m.NumPages; i++ {
		if _, e := as.ensureBacked(m, i); e != errno.Success {
			return e
		}
	}
	return errno.Success
}

// WriteAt copies data into m's already-backed pages starting at byte offset
// off, crossing page boundaries as needed. Used by exec to install segment
// contents and helper blobs into anonymous mappings that have no backing
// descriptor to pread from.
func (as *AddressSpace) WriteAt(m *Mapping, off int, data []byte) errno.Errno {
	for len(data) > 0 {
		pageIdx := off / PageSize
		if pageIdx >= m.NumPages {
			return errno.EINVAL
		}
		pageOff := off % PageSize
		f, e := as.ensureBacked(m, pageIdx)
		if e != errno.Success {
			return e
		}
		n := copy(as.frames.Bytes(f)[pageOff:], data)
		data = data[n:]
		off += n
	}
	return errno.Success
}

// Unmap tears down numPages pages starting at addr, splitting any
// mapping that only partially overlaps the range. After Unmap returns
// successfully, no mapping overlaps [addr, addr+numPages*PageSize).
func (as *AddressSpace) Unmap(addr uint32, numPages int) errno.Errno {
	if addr%PageSize != 0 {
		return errno.EINVAL
	}
	start := addr
	end := addr + uint32(numPages)*PageSize

	var kept []*Mapping
	for _, m := range as.mappings {
		if end <= m.VirtAddr || start >= m.End() {
			kept = append(kept, m)
			continue
		}
		// overlap: free frames in [max(start,m.VirtAddr), min(end,m.End()))
		left := as.splitLeft(m, start)
		right := as.splitRight(m, end)
		as.freeRange(m, start, end)
		if left != nil {
			kept = append(kept, left)
		}
		if right != nil {
			kept = append(kept, right)
		}
	}
	as.mappings = kept
	sort.Slice(as.mappings, func(i, j int) bool { return as.mappings[i].VirtAddr < as.mappings[j].VirtAddr })
	return errno.Success
}

// splitLeft returns the portion of m strictly before cut, if any, carrying
// over any frames already faulted into that portion.
func (as *AddressSpace) splitLeft(m *Mapping, cut uint32) *Mapping {
	if cut <= m.VirtAddr {
		return nil
	}
	n := int((cut - m.VirtAddr) / PageSize)
	if n <= 0 {
		return nil
	}
	left := newMapping(m.VirtAddr, n, m.Prot, m.Backing, m.FileOff, m.Shared)
	for idx, f := range m.pages {
		if idx < n {
			left.pages[idx] = f
			left.dirty[idx] = m.dirty[idx]
		}
	}
	return left
}

// splitRight returns the portion of m at or after cut, if any.
func (as *AddressSpace) splitRight(m *Mapping, cut uint32) *Mapping {
	if cut >= m.End() {
		return nil
	}
	if cut <= m.VirtAddr {
		return nil
	}
	n := int((m.End() - cut) / PageSize)
	if n <= 0 {
		return nil
	}
	offsetPages := int(cut-m.VirtAddr) / PageSize
	right := newMapping(cut, n, m.Prot, m.Backing, m.FileOff+int64(offsetPages)*PageSize, m.Shared)
	for idx, f := range m.pages {
		if idx >= offsetPages {
			right.pages[idx-offsetPages] = f
			right.dirty[idx-offsetPages] = m.dirty[idx]
		}
	}
	return right
}

func (as *AddressSpace) freeRange(m *Mapping, start, end uint32) {
	for idx, f := range m.pages {
		pageAddr := m.VirtAddr + uint32(idx)*PageSize
		if pageAddr >= start && pageAddr < end {
			as.frames.Deallocate(f)
			delete(m.pages, idx)
			delete(m.dirty, idx)
		}
	}
}

// Protect changes the protection bits of every page in the given range,
// splitting any mapping that only partially overlaps it so the new bits
// apply to exactly the requested pages (mem_protect).
func (as *AddressSpace) Protect(addr uint32, numPages int, prot Prot) errno.Errno {
	if addr%PageSize != 0 {
		return errno.EINVAL
	}
	start := addr
	end := addr + uint32(numPages)*PageSize

	var result []*Mapping
	for _, m := range as.mappings {
		if end <= m.VirtAddr || start >= m.End() {
			result = append(result, m)
			continue
		}
		left := as.splitLeft(m, start)
		right := as.splitRight(m, end)
		midStart := max32(start, m.VirtAddr)
		midEnd := min32(end, m.End())
		mid := newMapping(midStart, int((midEnd-midStart)/PageSize), prot, m.Backing, m.FileOff+int64(midStart-m.VirtAddr), m.Shared)
		offsetPages := int(midStart-m.VirtAddr) / PageSize
		for idx, f := range m.pages {
			pageAddr := m.VirtAddr + uint32(idx)*PageSize
			if pageAddr >= midStart && pageAddr < midEnd {
				mid.pages[idx-offsetPages] = f
				mid.dirty[idx-offsetPages] = m.dirty[idx]
			}
		}
		if left != nil {
			result = append(result, left)
		}
		result = append(result, mid)
		if right != nil {
			result = append(result, right)
		}
	}
	as.mappings = result
	sort.Slice(as.mappings, func(i, j int) bool { return as.mappings[i].VirtAddr < as.mappings[j].VirtAddr })
	return errno.Success
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// Sync implements msync semantics for every page of m: a shared, writable,
// dirty page with a backing descriptor is written back via PWrite.
// SyncAsync is folded into SyncSync; SyncInvalidate additionally
// tears down the page table entry and returns the frame to the allocator.
func (as *AddressSpace) Sync(m *Mapping, flags SyncFlags) errno.Errno {
	for idx, f := range m.pages {
		if m.Shared && m.dirty[idx] && m.Backing != nil {
			off := m.FileOff + int64(idx)*PageSize
			if _, e := m.Backing.PWrite(as.frames.Bytes(f), off); e != errno.Success {
				return e
			}
			m.dirty[idx] = false
		}
		if flags&SyncInvalidate != 0 {
			as.frames.Deallocate(f)
			delete(m.pages, idx)
			delete(m.dirty, idx)
		}
	}
	return errno.Success
}

// CopyFrom performs fork's eager copy: syncs src fully, then for every
// backed page of src, allocates the matching page in dst and copies the
// bytes across. An explicit placeholder for future copy-on-write.
func (as *AddressSpace) CopyFrom(src *Mapping) (*Mapping, errno.Errno) {
	if e := as.Sync(src, SyncSync); e != errno.Success {
		return nil, e
	}
	dst := newMapping(src.VirtAddr, src.NumPages, src.Prot, src.Backing, src.FileOff, src.Shared)
	for idx, srcFrame := range src.pages {
		f, ok := as.frames.Allocate()
		if !ok {
			return nil, errno.ENOMEM
		}
		copy(as.frames.Bytes(f), as.frames.Bytes(srcFrame))
		dst.pages[idx] = f
	}
	as.insert(dst)
	return dst, errno.Success
}

// Mappings returns the address space's mappings in ascending virtual
// address order. The returned slice must not be mutated by the caller.
func (as *AddressSpace) Mappings() []*Mapping {
	return as.mappings
}

// Frames returns the frame allocator backing this address space, so
// callers that already hold a Frame (from Translate or CopyFrom) can read
// or write its bytes directly.
func (as *AddressSpace) Frames() *FrameAllocator {
	return as.frames
}

// FrameAt reports the frame backing page index i of m, if one has been
// faulted in yet.
func (m *Mapping) FrameAt(i int) (Frame, bool) {
	f, ok := m.pages[i]
	return f, ok
}
