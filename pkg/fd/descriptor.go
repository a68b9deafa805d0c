// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package fd

import (
	"sync"

	"github.com/cloudabi/kcore/pkg/cond"
	"github.com/cloudabi/kcore/pkg/errno"
)

// Filetype tags which descriptor variant a Descriptor implements: the
// CloudABI filetype enum.
type Filetype uint8

const (
	FiletypeUnknown Filetype = iota
	FiletypeMemory
	FiletypeRegularFile
	FiletypeDirectory
	FiletypePipe
	FiletypeSocketStream
	FiletypeSocketDgram
	FiletypePseudo
	FiletypeReverse
	FiletypeProcess
	FiletypeSharedMemory
	FiletypeRawSocket
	FiletypeVGA
)

// Descriptor is the common interface every descriptor variant
// implements. It deliberately exposes only what every variant has;
// variant-specific operations (Read, Write, Lookup, Accept, ...) live on
// the concrete types and are reached via type assertion from
// pkg/syscall, one dispatch point per operation.
type Descriptor interface {
	Filetype() Filetype
	DebugName() string
	LastError() errno.Errno
	SetLastError(errno.Errno)
}

// Base is embedded by every concrete descriptor variant; it supplies
// the attributes common to all of them: filetype tag, debug name,
// last-error slot, current position, device id, inode number, plus the
// read/write signalers poll subscribes to.
type Base struct {
	mu        sync.Mutex
	filetype  Filetype
	debugName string
	lastError errno.Errno

	Pos    int64
	Device uint64
	Inode  uint64

	// Atim and Mtim are the access/modification timestamps in
	// nanoseconds, mutated by file_stat_fput/file_stat_put.
	Atim uint64
	Mtim uint64

	Readable *cond.Signaler
	Writable *cond.Signaler
}

// NewBase constructs the common descriptor state. kernel is the shared big
// lock every signaler is bound to.
func NewBase(kernel *cond.Kernel, ft Filetype, debugName string) Base {
	return Base{
		filetype:  ft,
		debugName: truncateDebugName(debugName),
		Readable:  cond.NewSignaler(kernel),
		Writable:  cond.NewSignaler(kernel),
	}
}

func truncateDebugName(name string) string {
	const maxDebugName = 64
	if len(name) > maxDebugName {
		return name[:maxDebugName]
	}
	return name
}

func (b *Base) Filetype() Filetype { return b.filetype }
func (b *Base) DebugName() string  { return b.debugName }

func (b *Base) LastError() errno.Errno {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastError
}

func (b *Base) SetLastError(e errno.Errno) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastError = e
}

// Table is a process's densely packed vector of descriptor slots.
// Indexes of closed slots are reused via a free list.
type Table struct {
	slots []Slot
	free  []int
}

// NewTable creates an empty descriptor table.
func NewTable() *Table {
	return &Table{}
}

// Install places d into the most recently freed slot (or a fresh one)
// and returns its index.
func (t *Table) Install(d Descriptor, base, inheriting Rights) int {
	slot := Slot{Handle: d, BaseRights: base, InheritingRights: inheriting}
	if len(t.free) > 0 {
		idx := t.free[len(t.free)-1]
		t.free = t.free[:len(t.free)-1]
		t.slots[idx] = slot
		return idx
	}
	t.slots = append(t.slots, slot)
	return len(t.slots) - 1
}

// InstallAt places d into a caller-chosen slot index, growing the table
// with empty slots if needed. Used by exec's "close FDs not in the
// caller-supplied post-exec FD list" step, which may want to preserve
// specific numbers.
func (t *Table) InstallAt(idx int, d Descriptor, base, inheriting Rights) {
	for len(t.slots) <= idx {
		t.slots = append(t.slots, Slot{})
	}
	t.slots[idx] = Slot{Handle: d, BaseRights: base, InheritingRights: inheriting}
}

// Get returns the slot at idx and whether idx is in range.
func (t *Table) Get(idx int) (Slot, bool) {
	if idx < 0 || idx >= len(t.slots) {
		return Slot{}, false
	}
	return t.slots[idx], true
}

// GetChecked is the rights-checking lookup every syscall starts with:
// EBADF for an empty or out-of-range slot, ENOTCAPABLE if needed exceeds
// the slot's base rights.
func (t *Table) GetChecked(idx int, needed Rights) (Descriptor, errno.Errno) {
	s, ok := t.Get(idx)
	if !ok || s.Empty() {
		return nil, errno.EBADF
	}
	if !needed.Subset(s.BaseRights) {
		return nil, errno.ENOTCAPABLE
	}
	return s.Handle, errno.Success
}

// Close empties the slot at idx, returning the descriptor that was there
// (or nil if already empty / out of range).
func (t *Table) Close(idx int) Descriptor {
	s, ok := t.Get(idx)
	if !ok || s.Empty() {
		return nil
	}
	d := s.Handle
	t.slots[idx] = Slot{}
	t.free = append(t.free, idx)
	return d
}

// Clone duplicates every non-empty slot into a fresh table with the
// same rights, fork's descriptor duplication: the handle itself, a
// Descriptor interface value, stays shared, so Clone only copies the
// interface value and rights, never deep state.
func (t *Table) Clone() *Table {
	clone := &Table{
		slots: append([]Slot(nil), t.slots...),
		free:  append([]int(nil), t.free...),
	}
	return clone
}

// CloseAll closes every non-empty slot, returning the descriptors that were
// present, for exit's "closes every descriptor" step.
func (t *Table) CloseAll() []Descriptor {
	var closed []Descriptor
	for i, s := range t.slots {
		if !s.Empty() {
			closed = append(closed, s.Handle)
			t.slots[i] = Slot{}
			t.free = append(t.free, i)
		}
	}
	return closed
}

// Len reports the table's current slot count, including empty slots.
func (t *Table) Len() int {
	return len(t.slots)
}
