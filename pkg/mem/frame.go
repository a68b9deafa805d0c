// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package mem is the kernel's page allocator, virtual-memory mapper and
// memory-mapping policy. A physical frame here is not a real page of
// RAM; it is an index into a single backing arena ([]byte), so frame
// contents are directly addressable from Go without simulating page
// tables or a TLB, and every allocated frame has real, inspectable
// storage.
package mem

import (
	"fmt"
	"sort"

	"github.com/cloudabi/kcore/pkg/diag"
	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/api/resource"
)

// PageSize is the fixed frame size.
const PageSize = 4096

// Frame is a handle to one page-sized slot in the arena. Frame 0 is
// never allocated so it can serve as a "no frame" sentinel.
type Frame uint32

// FrameAllocator hands out Frame handles backed by a fixed-size arena:
// a free list and a used count. Contiguous allocation is a linear
// ascending-adjacency scan over the sorted free list, not a buddy
// allocator; nothing here needs one.
type FrameAllocator struct {
	logger logr.Logger
	arena  []byte
	free   []Frame // kept sorted ascending
	used   int
}

// NewFrameAllocator creates an allocator with numFrames frames of backing
// storage, all initially free.
func NewFrameAllocator(logger logr.Logger, numFrames int) *FrameAllocator {
	a := &FrameAllocator{
		logger: logger.WithName("mem.frames"),
		arena:  make([]byte, numFrames*PageSize),
		free:   make([]Frame, 0, numFrames),
	}
	for i := numFrames - 1; i >= 1; i-- {
		a.free = append(a.free, Frame(i))
	}
	sort.Slice(a.free, func(i, j int) bool { return a.free[i] < a.free[j] })
	a.logger.V(1).Info("frame pool bootstrapped",
		"frames", numFrames,
		"bytes", resource.NewQuantity(int64(len(a.arena)), resource.BinarySI).String())
	return a
}

// NumFrames reports the total (free + used) frame count.
func (a *FrameAllocator) NumFrames() int {
	return len(a.arena) / PageSize
}

// Free reports how many frames are currently unallocated.
func (a *FrameAllocator) Free() int {
	return len(a.free)
}

// Allocate hands out one frame. The second return value is false if the
// pool is exhausted (ENOMEM at the syscall layer, not a kernel bug:
// running out of physical memory is an expected condition).
func (a *FrameAllocator) Allocate() (Frame, bool) {
	if len(a.free) == 0 {
		return 0, false
	}
	f := a.free[0]
	a.free = a.free[1:]
	a.used++
	return f, true
}

// AllocateContiguous hands out num frames whose indices are ascending
// and adjacent. Used for images that must occupy one physically-linear
// span (e.g. a DMA-style buffer); everything else should call Allocate
// in a loop via AddressSpace, which does not require adjacency.
func (a *FrameAllocator) AllocateContiguous(num int) ([]Frame, bool) {
	if num <= 0 {
		diag.Bug("mem: AllocateContiguous called with num=%d", num)
	}
	for i := 0; i+num <= len(a.free); i++ {
		adjacent := true
		for j := 1; j < num; j++ {
			if a.free[i+j] != a.free[i+j-1]+1 {
				adjacent = false
				break
			}
		}
		if !adjacent {
			continue
		}
		run := append([]Frame(nil), a.free[i:i+num]...)
		a.free = append(a.free[:i], a.free[i+num:]...)
		a.used += num
		return run, true
	}
	return nil, false
}

// Deallocate returns f to the free list. It is a kernel bug (not a
// userspace error) to deallocate a frame twice or one never allocated,
// since the descriptor/mapping bookkeeping is supposed to make that
// impossible.
func (a *FrameAllocator) Deallocate(f Frame) {
	if f == 0 {
		diag.Bug("mem: deallocate of null frame")
	}
	idx := sort.Search(len(a.free), func(i int) bool { return a.free[i] >= f })
	if idx < len(a.free) && a.free[idx] == f {
		diag.Bug("mem: double free of frame %d", f)
	}
	a.free = append(a.free, 0)
	copy(a.free[idx+1:], a.free[idx:])
	a.free[idx] = f
	a.used--
}

// Bytes returns the arena slice backing f, for reading or writing the
// frame's contents directly.
func (a *FrameAllocator) Bytes(f Frame) []byte {
	if f == 0 || int(f) >= a.NumFrames() {
		diag.Bug("mem: Bytes on out-of-range frame %d", f)
	}
	start := int(f) * PageSize
	return a.arena[start : start+PageSize]
}

// String implements fmt.Stringer for logging frame-pool pressure.
func (a *FrameAllocator) String() string {
	return fmt.Sprintf("frames: %d used, %d free", a.used, len(a.free))
}
