// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package diag holds the kernel's internal diagnostics: a fixed-capacity
// trace ring buffer for recent scheduling/syscall events, and the panic
// helper every subsystem calls on an unrecoverable invariant violation
// (double free, translate of a non-existent frame, corrupt descriptor
// table, ...). Kernel bugs panic; userspace errors return Errno.
package diag

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Trace is one recorded kernel event: what happened, and a random id so
// external tooling can correlate it with a reverse-FD request or poll
// subscription without the ring buffer needing to know their types.
type Trace struct {
	ID     uuid.UUID
	Kind   string
	Detail string
}

// Ring is a fixed-capacity, overwrite-oldest ring buffer of Trace
// events. Safe for concurrent use: every kernel subsystem already
// serializes on the big lock (pkg/cond.Kernel) before calling Record, but
// Ring also guards itself so diagnostics can be read from outside that lock
// (e.g. an admin endpoint) without risking a torn read.
type Ring struct {
	mu     sync.Mutex
	buf    []Trace
	start  int
	length int
}

// NewRing allocates a ring buffer holding at most capacity events. capacity
// must be positive.
func NewRing(capacity int) (*Ring, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("diag: capacity must be greater than 0, got %d", capacity)
	}
	return &Ring{buf: make([]Trace, capacity)}, nil
}

// Record appends an event, evicting the oldest one if the ring is full.
func (r *Ring) Record(kind, detail string) Trace {
	t := Trace{ID: uuid.New(), Kind: kind, Detail: detail}
	r.mu.Lock()
	defer r.mu.Unlock()
	cap := len(r.buf)
	if r.length < cap {
		r.buf[(r.start+r.length)%cap] = t
		r.length++
	} else {
		r.buf[r.start] = t
		r.start = (r.start + 1) % cap
	}
	return t
}

// All returns every currently retained event, oldest first.
func (r *Ring) All() []Trace {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Trace, 0, r.length)
	cap := len(r.buf)
	for i := 0; i < r.length; i++ {
		out = append(out, r.buf[(r.start+i)%cap])
	}
	return out
}

// Len reports how many events are currently retained.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.length
}

// Cap reports the ring's fixed capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// Clear discards every retained event.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.start, r.length = 0, 0
}

// Bug panics with a formatted message prefixed so a recovered panic is
// unambiguously a kernel invariant violation rather than a Go runtime
// panic. Callers in pkg/mem and pkg/syscall use this instead
// of returning an Errno when the violated invariant is one the kernel
// itself is supposed to make impossible (e.g. double-freeing a frame).
func Bug(format string, args ...any) {
	panic("kernel bug: " + fmt.Sprintf(format, args...))
}
