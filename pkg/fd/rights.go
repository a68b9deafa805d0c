// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package fd is the kernel's polymorphic descriptor subsystem: the
// descriptor-slot/rights-attenuation model and every descriptor variant
// (memory, file, dir, pipe, socket, pseudo, reverse, process, shm).
package fd

// Rights is the CloudABI capability bitmask. Each bit grants one
// operation; a descriptor slot carries both a base-rights mask (what
// this descriptor itself may do) and an inheriting-rights mask (the
// ceiling for descriptors derived from it).
type Rights uint64

const (
	RightFDDatasync Rights = 1 << iota
	RightFDRead
	RightFDSeek
	RightFDStatFGet
	RightFDSync
	RightFDStatFPut
	RightFDWrite
	RightFDAdvise
	RightFDAllocate
	RightPathCreateDirectory
	RightPathCreateFile
	RightPathLinkSource
	RightPathLinkTarget
	RightPathOpen
	RightFDReaddir
	RightPathReadlink
	RightPathRenameSource
	RightPathRenameTarget
	RightPathFilestatGet
	RightPathFilestatSetSize
	RightPathFilestatSetTimes
	RightFDFilestatGet
	RightFDFilestatSetSize
	RightFDFilestatSetTimes
	RightPathSymlink
	RightPathRemoveDirectory
	RightPathUnlinkFile
	RightPollFDReadwrite
	RightSockShutdown
	RightSockAcceptConn
	RightMemMap
	RightMemMapExec
	RightMemProt
	RightMemSync
	RightProcExec
	RightProcFork
	RightSockConnDirectory
)

// Subset reports whether every bit in r is also set in allowed.
func (r Rights) Subset(allowed Rights) bool {
	return r&^allowed == 0
}

// Slot is one entry in a process's descriptor table: a handle plus the
// rights it carries. An empty slot has a nil Handle and is reusable.
type Slot struct {
	Handle           Descriptor
	BaseRights       Rights
	InheritingRights Rights
}

// Empty reports whether the slot holds no descriptor.
func (s Slot) Empty() bool {
	return s.Handle == nil
}

// typefileRightsMask maps a Filetype to the rights that remain
// meaningful once a descriptor of that type has been opened.
func typefileRightsMask(ft Filetype) Rights {
	switch ft {
	case FiletypeDirectory:
		return RightFDDatasync | RightFDSync | RightFDAdvise |
			RightPathCreateDirectory | RightPathCreateFile | RightPathLinkSource |
			RightPathLinkTarget | RightPathOpen | RightFDReaddir | RightPathReadlink |
			RightPathRenameSource | RightPathRenameTarget | RightPathFilestatGet |
			RightPathFilestatSetSize | RightPathFilestatSetTimes | RightFDFilestatGet |
			RightFDFilestatSetTimes | RightPathSymlink | RightPathRemoveDirectory |
			RightPathUnlinkFile | RightPollFDReadwrite | RightSockConnDirectory
	case FiletypeRegularFile, FiletypeSharedMemory:
		return RightFDDatasync | RightFDRead | RightFDSeek | RightFDStatFGet |
			RightFDSync | RightFDStatFPut | RightFDWrite | RightFDAdvise |
			RightFDAllocate | RightFDFilestatGet | RightFDFilestatSetSize |
			RightFDFilestatSetTimes | RightPollFDReadwrite | RightMemMap |
			RightMemMapExec | RightMemProt | RightMemSync
	case FiletypeProcess:
		return RightFDStatFGet | RightPollFDReadwrite | RightProcExec | RightProcFork
	case FiletypeSocketStream, FiletypeSocketDgram:
		return RightFDRead | RightFDWrite | RightFDStatFGet | RightPollFDReadwrite |
			RightSockShutdown | RightSockAcceptConn
	default:
		return RightFDStatFGet | RightPollFDReadwrite
	}
}

// AttenuateForOpen clears every right meaningless for ft from both the
// base and inheriting masks, the post-open attenuation step.
func AttenuateForOpen(ft Filetype, base, inheriting Rights) (Rights, Rights) {
	mask := typefileRightsMask(ft)
	return base & mask, inheriting & mask
}
