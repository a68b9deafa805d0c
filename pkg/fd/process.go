// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package fd

import "github.com/cloudabi/kcore/pkg/cond"

// Terminated is the process-descriptor data poll's PROC_TERMINATE
// subscription reads back once the termination signaler has fired: the
// exit code and signal recorded by the process's exit path.
type Terminated struct {
	ExitCode int32
	Signal   int32
}

// ProcessHandle is the descriptor variant returned by fork and handed
// to a poller wanting PROC_TERMINATE notification. It does not own the
// process; pkg/proc.Process owns its own lifecycle and simply exposes
// its termination signaler through this handle.
type ProcessHandle struct {
	Base
	Terminate  *cond.Signaler
	terminated *Terminated
}

// NewProcessHandle wraps terminate, the target process's termination
// signaler, as a pollable descriptor.
func NewProcessHandle(b Base, terminate *cond.Signaler) *ProcessHandle {
	b.filetype = FiletypeProcess
	return &ProcessHandle{Base: b, Terminate: terminate}
}

// MarkTerminated records the exit state for Result to report once a
// poller's PROC_TERMINATE condition fires.
func (p *ProcessHandle) MarkTerminated(exitCode, signal int32) {
	p.terminated = &Terminated{ExitCode: exitCode, Signal: signal}
}

// Result reports the process's exit state, if it has exited.
func (p *ProcessHandle) Result() (Terminated, bool) {
	if p.terminated == nil {
		return Terminated{}, false
	}
	return *p.terminated, true
}
