// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package syscall

import (
	"github.com/cloudabi/kcore/pkg/errno"
	"github.com/cloudabi/kcore/pkg/fd"
	"github.com/cloudabi/kcore/pkg/mem"
	"github.com/cloudabi/kcore/pkg/proc"
)

// memMap implements mem_map: an anonymous mapping, or one backed by a
// descriptor carrying RightMemMap (plus RightMemMapExec for executable
// mappings).
func (m *Machine) memMap(p *proc.Process, args *Args) (Ret, errno.Errno) {
	var backing mem.Backing
	var shared bool
	if !args.Anon {
		needed := fd.RightMemMap
		if args.Prot&mem.ProtExec != 0 {
			needed |= fd.RightMemMapExec
		}
		d, e := p.FDs.GetChecked(args.FD, needed)
		if e != errno.Success {
			return Ret{}, e
		}
		b, ok := d.(mem.Backing)
		if !ok {
			return Ret{}, errno.ENODEV
		}
		backing = b
		shared = args.Shared
	} else if args.Shared {
		// A shared mapping must have a backing descriptor.
		return Ret{}, errno.EINVAL
	}

	addr := args.Addr
	if addr == 0 {
		var ok bool
		addr, ok = p.Space.FindFreeVirtualRange(args.NPages)
		if !ok {
			return Ret{}, errno.ENOMEM
		}
	}
	if addr%mem.PageSize != 0 {
		return Ret{}, errno.EINVAL
	}
	end := uint64(addr) + uint64(args.NPages)*mem.PageSize
	if end > mem.KernelVirtualBase {
		return Ret{}, errno.EINVAL
	}
	mp, e := p.Space.Map(addr, args.NPages, args.Prot, backing, args.Offset, shared)
	if e != errno.Success {
		return Ret{}, e
	}
	return Ret{Value: uint64(mp.VirtAddr)}, errno.Success
}

func (m *Machine) memAdvise(p *proc.Process, args *Args) (Ret, errno.Errno) {
	end := args.Addr + uint32(args.NPages)*mem.PageSize
	for _, mp := range p.Space.Mappings() {
		if args.Addr < mp.End() && end > mp.VirtAddr {
			mp.Advice = args.Advice
			if args.Advice == mem.AdviceWillNeed {
				for i := 0; i < mp.NumPages; i++ {
					if _, e := p.Space.EnsureBacked(mp, i); e != errno.Success {
						return Ret{}, e
					}
				}
			}
		}
	}
	return Ret{}, errno.Success
}

func (m *Machine) memSync(p *proc.Process, args *Args) (Ret, errno.Errno) {
	flags := args.SyncFlags
	// MS_ASYNC is reinterpreted as MS_SYNC.
	if flags&mem.SyncAsync != 0 {
		flags = (flags &^ mem.SyncAsync) | mem.SyncSync
	}
	end := args.Addr + uint32(args.NPages)*mem.PageSize
	for _, mp := range p.Space.Mappings() {
		if args.Addr < mp.End() && end > mp.VirtAddr {
			if e := p.Space.Sync(mp, flags); e != errno.Success {
				return Ret{}, e
			}
		}
	}
	return Ret{}, errno.Success
}
