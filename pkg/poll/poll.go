// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package poll is the kernel's wait composition engine: the
// single primitive that multiplexes heterogeneous events (clock expiry,
// fd readability/writability, process termination, userspace lock
// acquisition, condvar signaling) by attaching one thread condition per
// subscription to the right signaler and blocking on the aggregate.
package poll

import (
	"time"

	"github.com/cloudabi/kcore/pkg/cond"
	"github.com/cloudabi/kcore/pkg/errno"
	"github.com/cloudabi/kcore/pkg/fd"
	"github.com/cloudabi/kcore/pkg/proc"
	"github.com/cloudabi/kcore/pkg/sched"
	"github.com/cloudabi/kcore/pkg/ulock"
	"github.com/go-logr/logr"
)

// EventType tags one subscription / resulting event kind.
type EventType uint8

const (
	EventClock EventType = iota
	EventFDRead
	EventFDWrite
	EventProcTerminate
	EventLockRdlock
	EventLockWrlock
	EventCondvar
)

// Subscription is one element of a poll's input array. Only the fields for
// its Type are meaningful.
type Subscription struct {
	UserData uint64
	Type     EventType

	// EventClock
	ClockID   uint32
	Timeout   time.Duration
	Precision time.Duration
	Abstime   bool

	// EventFDRead / EventFDWrite / EventProcTerminate
	FD int

	// EventLockRdlock / EventLockWrlock / EventCondvar
	Lock    uint32
	Condvar uint32
}

// Event is one satisfied subscription's result.
type Event struct {
	UserData uint64
	Type     EventType
	Error    errno.Errno

	// EventFDRead / EventFDWrite
	NBytes uint64

	// EventProcTerminate
	ExitCode int32
	Signal   int32
}

// Clock ids understood by EventClock subscriptions: realtime and monotonic
// behave identically in the simulation (there is no settable wall clock).
const (
	ClockRealtime  = 0
	ClockMonotonic = 1
)

// Engine builds composite waits over the kernel's signalers. Timer expiry
// is driven by after (time.AfterFunc by default), which must eventually
// run the callback it is given; tests substitute a manual trigger.
type Engine struct {
	logger logr.Logger
	kernel *cond.Kernel
	locks  *ulock.Manager
	epoch  time.Time
	now    func() time.Time
	after  func(time.Duration, func())
}

// Options carries the optional clock overrides for NewEngine.
type Options struct {
	Now   func() time.Time
	After func(time.Duration, func())
}

// NewEngine creates a poll engine bound to the kernel's big lock.
func NewEngine(logger logr.Logger, kernel *cond.Kernel, locks *ulock.Manager, opts Options) *Engine {
	e := &Engine{
		logger: logger.WithName("poll"),
		kernel: kernel,
		locks:  locks,
		now:    opts.Now,
		after:  opts.After,
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.after == nil {
		e.after = func(d time.Duration, f func()) { time.AfterFunc(d, f) }
	}
	e.epoch = e.now()
	return e
}

// Now reports the engine's monotonic time since boot, the value clock_time_get
// returns for both supported clocks.
func (e *Engine) Now() time.Duration {
	return e.now().Sub(e.epoch)
}

func isLockKind(t EventType) bool {
	return t == EventLockRdlock || t == EventLockWrlock || t == EventCondvar
}

// sentinel returns a condition that is satisfied before the wait even
// starts, used for invalid subscriptions and already-true predicates so
// they inhibit blocking (the always-already-satisfied signaler).
func (e *Engine) sentinel(idx int, ev Event) *cond.Condition {
	s := cond.NewSignaler(e.kernel)
	s.SetAlreadySatisfiedFunc(func(*cond.Condition) (bool, any) {
		return true, ev
	})
	return cond.NewCondition(s, idx)
}

// Poll blocks thread t of process p until at least one subscription is
// satisfied, returning the satisfied events in subscription order. An
// empty subscription array returns immediately with zero events. The
// kernel lock must NOT be held by the caller; Poll manages it itself.
func (e *Engine) Poll(p *proc.Process, t *sched.Thread, subs []Subscription) ([]Event, errno.Errno) {
	if len(subs) == 0 {
		return nil, errno.Success
	}
	if isLockKind(subs[0].Type) {
		// A lock or condvar subscription may only be combined with a
		// single trailing clock (the timeout), nothing else.
		if len(subs) > 2 || (len(subs) == 2 && subs[1].Type != EventClock) {
			return nil, errno.EINVAL
		}
	} else {
		for _, s := range subs {
			if isLockKind(s.Type) {
				return nil, errno.EINVAL
			}
		}
	}

	e.kernel.Lock()
	defer e.kernel.Unlock()

	waiter := cond.NewWaiter(e.kernel)
	conditions := make([]*cond.Condition, len(subs))
	for i, s := range subs {
		conditions[i] = e.subscribe(p, t, i, s)
		waiter.AddCondition(conditions[i])
	}

	p.Sched.Block(t)
	waiter.Wait()
	p.Sched.Unblock(t)

	satisfied := waiter.Finish()

	var events []Event
	for _, c := range satisfied {
		idx := c.UserData.(int)
		_, data := c.Satisfied()
		events = append(events, e.complete(p, t, subs[idx], data))
	}

	// Deterministic cancellation: any lock or condvar queue entry this
	// thread still holds for an unsatisfied subscription is removed.
	for i, c := range conditions {
		if ok, _ := c.Satisfied(); ok {
			continue
		}
		switch subs[i].Type {
		case EventLockRdlock, EventLockWrlock:
			e.locks.DropWaiter(p, t, subs[i].Lock)
		case EventCondvar:
			if cw, ok := p.CondvarWaiters[subs[i].Condvar]; ok {
				cw.WaitersCount--
				if cw.WaitersCount <= 0 {
					delete(p.CondvarWaiters, subs[i].Condvar)
				}
			}
		}
	}
	return events, errno.Success
}

// subscribe attaches one condition for s to the right signaler, or to a
// sentinel when the subscription is invalid or already true.
func (e *Engine) subscribe(p *proc.Process, t *sched.Thread, idx int, s Subscription) *cond.Condition {
	fail := func(err errno.Errno) *cond.Condition {
		return e.sentinel(idx, Event{UserData: s.UserData, Type: s.Type, Error: err})
	}

	switch s.Type {
	case EventClock:
		if s.ClockID != ClockRealtime && s.ClockID != ClockMonotonic {
			return fail(errno.EINVAL)
		}
		// Relative timeouts are converted to absolute at acquisition
		// time
		deadline := s.Timeout
		if !s.Abstime {
			deadline += e.Now()
		}
		remaining := deadline - e.Now()
		if remaining <= 0 {
			return fail(errno.Success)
		}
		sig := cond.NewSignaler(e.kernel)
		e.after(remaining, func() {
			e.kernel.Lock()
			sig.Broadcast(nil)
			e.kernel.Unlock()
		})
		return cond.NewCondition(sig, idx)

	case EventFDRead, EventFDWrite:
		d, err := p.FDs.GetChecked(s.FD, fd.RightPollFDReadwrite)
		if err != errno.Success {
			return fail(err)
		}
		ready, nbytes := fdReadiness(d, s.Type)
		if ready {
			return e.sentinel(idx, Event{UserData: s.UserData, Type: s.Type, NBytes: nbytes})
		}
		base := baseOf(d)
		if base == nil {
			return fail(errno.EINVAL)
		}
		if s.Type == EventFDRead {
			return cond.NewCondition(base.Readable, idx)
		}
		return cond.NewCondition(base.Writable, idx)

	case EventProcTerminate:
		d, err := p.FDs.GetChecked(s.FD, fd.RightPollFDReadwrite)
		if err != errno.Success {
			return fail(err)
		}
		h, ok := d.(*fd.ProcessHandle)
		if !ok {
			return fail(errno.EBADF)
		}
		if res, done := h.Result(); done {
			return e.sentinel(idx, Event{
				UserData: s.UserData, Type: s.Type,
				ExitCode: res.ExitCode, Signal: res.Signal,
			})
		}
		return cond.NewCondition(h.Terminate, idx)

	case EventLockRdlock, EventLockWrlock:
		sig, acquired, err := e.locks.Acquire(p, p, t, s.Lock, s.Type == EventLockWrlock)
		if err != errno.Success {
			return fail(err)
		}
		if acquired {
			return e.sentinel(idx, Event{UserData: s.UserData, Type: s.Type})
		}
		return cond.NewCondition(sig, idx)

	case EventCondvar:
		sig, err := e.locks.CondvarWait(p, p, t, s.Condvar, s.Lock)
		if err != errno.Success {
			return fail(err)
		}
		return cond.NewCondition(sig, idx)

	default:
		return fail(errno.ENOSYS)
	}
}

// complete fills in the kind-specific event fields once a condition fired.
func (e *Engine) complete(p *proc.Process, t *sched.Thread, s Subscription, data any) Event {
	if ev, ok := data.(Event); ok {
		// Sentinel conditions carry their finished event directly.
		return ev
	}
	ev := Event{UserData: s.UserData, Type: s.Type}
	switch s.Type {
	case EventFDRead, EventFDWrite:
		if d, err := p.FDs.GetChecked(s.FD, fd.RightPollFDReadwrite); err == errno.Success {
			_, ev.NBytes = fdReadiness(d, s.Type)
		}
	case EventProcTerminate:
		if d, err := p.FDs.GetChecked(s.FD, fd.RightPollFDReadwrite); err == errno.Success {
			if h, ok := d.(*fd.ProcessHandle); ok {
				if res, done := h.Result(); done {
					ev.ExitCode, ev.Signal = res.ExitCode, res.Signal
				}
			}
		}
	case EventCondvar:
		// The condvar fired; ownership of the associated lock must be
		// re-acquired before the event is reported.
		sig, acquired, err := e.locks.Acquire(p, p, t, s.Lock, true)
		if err != errno.Success {
			ev.Error = err
			return ev
		}
		if !acquired {
			w := cond.NewWaiter(e.kernel)
			w.AddCondition(cond.NewCondition(sig, nil))
			p.Sched.Block(t)
			w.Wait()
			p.Sched.Unblock(t)
			w.Finish()
		}
	}
	return ev
}

// fdReadiness reports whether an FD_READ/FD_WRITE subscription on d is
// already satisfied and the byte count to report, dispatching on the
// concrete descriptor variant.
func fdReadiness(d fd.Descriptor, t EventType) (bool, uint64) {
	switch v := d.(type) {
	case *fd.Pipe:
		if t == EventFDRead {
			return v.HasData(), uint64(v.Used())
		}
		return v.HasSpace(1), uint64(v.Capacity() - v.Used())
	case *fd.Socket:
		if t == EventFDRead {
			if v.State == fd.SocketListening {
				return v.HasPendingAccept(), 0
			}
			if v.State == fd.SocketShutdown || v.LastError() == errno.ECONNRESET {
				return true, 0
			}
			return v.HasMessage(), uint64(v.QueuedBytes())
		}
		return v.SendSpace() > 0, uint64(v.SendSpace())
	case *fd.File:
		// Regular files never block.
		return true, uint64(v.Size())
	case *fd.Memory:
		return t == EventFDRead, uint64(v.Len())
	case *fd.Shm:
		return true, uint64(v.Size())
	default:
		return false, 0
	}
}

// baseOf reaches the embedded Base of the known variants so a not-ready
// subscription can attach to its readable/writable signaler.
func baseOf(d fd.Descriptor) *fd.Base {
	switch v := d.(type) {
	case *fd.Pipe:
		return &v.Base
	case *fd.Socket:
		return &v.Base
	case *fd.File:
		return &v.Base
	case *fd.Memory:
		return &v.Base
	case *fd.Shm:
		return &v.Base
	case *fd.Pseudo:
		return &v.Base
	case *fd.PseudoSymlink:
		return &v.Pseudo.Base
	case *fd.Reverse:
		return &v.Base
	case *fd.ProcessHandle:
		return &v.Base
	default:
		return nil
	}
}
