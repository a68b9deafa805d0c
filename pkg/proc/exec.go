// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package proc

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/cloudabi/kcore/pkg/errno"
	"github.com/cloudabi/kcore/pkg/mem"
	"github.com/cloudabi/kcore/pkg/sched"
)

// Fixed virtual addresses every CloudABI image is loaded against:
// program header table, vDSO, auxv+pid, argdata, and the 64 KiB stack
// topped at 0x80000000.
const (
	addrProgramHeaders = 0x80060000
	addrVDSO           = 0x80040000
	addrAuxv           = 0x80010000
	addrArgdata        = 0x80100000
	addrStackTop       = 0x80000000
	stackSize          = 64 * 1024

	auxvEntries = 9
)

// Auxv tags with their CloudABI numeric values: AT_ARGDATA,
// AT_ARGDATALEN, AT_BASE, AT_PAGESZ, AT_SYSINFO_EHDR, AT_PHDR, AT_PHNUM,
// AT_PID, AT_NULL.
const (
	atNull        = 0
	atPhdr        = 3
	atPhnum       = 5
	atPagesz      = 6
	atBase        = 7
	atSysinfoEhdr = 33
	atArgdata     = 256
	atArgdatalen  = 257
	atPid         = 258
)

func ceilPages(n uint64) int {
	return int((n + mem.PageSize - 1) / mem.PageSize)
}

func progFlagsToProt(f elf.ProgFlag) mem.Prot {
	var p mem.Prot
	if f&elf.PF_R != 0 {
		p |= mem.ProtRead
	}
	if f&elf.PF_W != 0 {
		p |= mem.ProtWrite
	}
	if f&elf.PF_X != 0 {
		p |= mem.ProtExec
	}
	return p
}

// Exec validates the CloudABI ELF header, maps every PT_LOAD segment,
// installs the program-header/vDSO/auxv/argdata helper mappings and the
// stack, and creates the new main thread at the entry point. backing is
// the already-opened executable descriptor; vdso and argdata are the
// kernel's embedded vDSO blob and the caller's argdata bytes
// respectively. Exec is reversible: on any failure p is left untouched
// and the previous address space and thread set remain valid; the old
// state is discarded only once the new ELF has been accepted.
func (p *Process) Exec(backing mem.Backing, size int64, vdso []byte, argdata []byte) (*sched.ThreadEntry, errno.Errno) {
	buf := make([]byte, size)
	if n, e := backing.PRead(buf, 0); e != errno.Success || int64(n) != size {
		if e == errno.Success {
			e = errno.EINVAL
		}
		return nil, e
	}

	f, err := elf.NewFile(bytes.NewReader(buf))
	if err != nil {
		return nil, errno.ENOEXEC
	}
	if f.Class != elf.ELFCLASS32 || f.Data != elf.ELFDATA2LSB || f.OSABI != elf.ELFOSABI_CLOUDABI {
		return nil, errno.ENOEXEC
	}
	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return nil, errno.ENOEXEC
	}
	if f.Machine != elf.EM_386 {
		return nil, errno.ENOEXEC
	}

	newSpace := mem.NewAddressSpace(p.Space.Frames())

	// The program-header table itself is re-exposed to the process at a
	// fixed address; its location comes from the raw ELF32 header.
	phOff := uint64(binary.LittleEndian.Uint32(buf[28:]))
	phEntSize := uint64(binary.LittleEndian.Uint16(buf[42:]))
	phNum := uint64(binary.LittleEndian.Uint16(buf[44:]))
	phEnd := phOff + phEntSize*phNum
	if phEnd > uint64(len(buf)) {
		return nil, errno.ENOEXEC
	}
	phdrBytes := buf[phOff:phEnd]

	for _, seg := range f.Progs {
		if seg.Type != elf.PT_LOAD {
			continue
		}
		if seg.Off+seg.Filesz > uint64(len(buf)) || seg.Filesz > seg.Memsz {
			return nil, errno.ENOEXEC
		}
		numPages := ceilPages(seg.Memsz)
		m, e := newSpace.Map(uint32(seg.Vaddr), numPages, progFlagsToProt(seg.Flags), nil, 0, false)
		if e != errno.Success {
			return nil, e
		}
		if e := newSpace.FillCompletely(m); e != errno.Success {
			return nil, e
		}
		segData := buf[seg.Off : seg.Off+seg.Filesz]
		if e := newSpace.WriteAt(m, 0, segData); e != errno.Success {
			return nil, e
		}
	}

	phdrPages := ceilPages(uint64(len(phdrBytes)))
	if phdrPages == 0 {
		phdrPages = 1
	}
	phdrMap, e := newSpace.Map(addrProgramHeaders, phdrPages, mem.ProtRead|mem.ProtWrite, nil, 0, false)
	if e != errno.Success {
		return nil, e
	}
	if e := newSpace.FillCompletely(phdrMap); e != errno.Success {
		return nil, e
	}
	if e := newSpace.WriteAt(phdrMap, 0, phdrBytes); e != errno.Success {
		return nil, e
	}

	vdsoPages := ceilPages(uint64(len(vdso)))
	if vdsoPages == 0 {
		vdsoPages = 1
	}
	vdsoMap, e := newSpace.Map(addrVDSO, vdsoPages, mem.ProtRead|mem.ProtExec, nil, 0, false)
	if e != errno.Success {
		return nil, e
	}
	if e := newSpace.FillCompletely(vdsoMap); e != errno.Success {
		return nil, e
	}
	if e := newSpace.WriteAt(vdsoMap, 0, vdso); e != errno.Success {
		return nil, e
	}

	argdataPages := ceilPages(uint64(len(argdata)))
	if argdataPages == 0 {
		argdataPages = 1
	}
	argdataMap, e := newSpace.Map(addrArgdata, argdataPages, mem.ProtRead, nil, 0, false)
	if e != errno.Success {
		return nil, e
	}
	if e := newSpace.FillCompletely(argdataMap); e != errno.Success {
		return nil, e
	}
	if e := newSpace.WriteAt(argdataMap, 0, argdata); e != errno.Success {
		return nil, e
	}

	auxv := make([]byte, auxvEntries*8+16)
	putAuxv(auxv, 0, atArgdata, addrArgdata)
	putAuxv(auxv, 1, atArgdatalen, uint32(len(argdata)))
	putAuxv(auxv, 2, atBase, 0)
	putAuxv(auxv, 3, atPagesz, mem.PageSize)
	putAuxv(auxv, 4, atSysinfoEhdr, addrVDSO)
	putAuxv(auxv, 5, atPhdr, addrProgramHeaders)
	putAuxv(auxv, 6, atPhnum, uint32(len(f.Progs)))
	putAuxv(auxv, 7, atPid, addrAuxv+auxvEntries*8)
	putAuxv(auxv, 8, atNull, 0)
	copy(auxv[auxvEntries*8:], p.PID[:])

	auxvMap, e := newSpace.Map(addrAuxv, ceilPages(uint64(len(auxv))), mem.ProtRead|mem.ProtWrite, nil, 0, false)
	if e != errno.Success {
		return nil, e
	}
	if e := newSpace.FillCompletely(auxvMap); e != errno.Success {
		return nil, e
	}
	if e := newSpace.WriteAt(auxvMap, 0, auxv); e != errno.Success {
		return nil, e
	}

	stackPages := stackSize / mem.PageSize
	stackMap, e := newSpace.Map(addrStackTop-stackSize, stackPages, mem.ProtRead|mem.ProtWrite, nil, 0, false)
	if e != errno.Success {
		return nil, e
	}
	// Only the topmost page is prebacked; the rest fault in on
	// demand the first time the stack grows down into them.
	if _, e := newSpace.EnsureBacked(stackMap, stackPages-1); e != errno.Success {
		return nil, e
	}

	// Exec accepted: swap in the new address space and thread set.
	p.Space = newSpace
	for id, t := range p.threads {
		if !t.Exited {
			p.Sched.Exit(t)
		}
		delete(p.threads, id)
	}
	main := p.NewThread()
	entry := &sched.ThreadEntry{Thread: main, EntryPoint: uint32(f.Entry), Argument: addrAuxv}
	return entry, errno.Success
}

func putAuxv(buf []byte, idx int, tag uint32, value uint32) {
	off := idx * 8
	binary.LittleEndian.PutUint32(buf[off:], tag)
	binary.LittleEndian.PutUint32(buf[off+4:], value)
}
