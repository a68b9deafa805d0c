// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sched

// ThreadEntry is the userspace entry state a freshly created thread starts
// from: the instruction pointer and the single argument register CloudABI
// passes (the auxv address for a main thread, the thread_create attr
// argument for secondary threads). It stands in for the prefabricated
// IRET frame a hardware kernel pushes onto a new thread's kernel stack.
type ThreadEntry struct {
	Thread     *Thread
	EntryPoint uint32
	Argument   uint32
}
