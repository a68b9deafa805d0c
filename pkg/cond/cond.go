// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package cond implements the kernel's thread-condition primitives:
// Signaler, Condition and Waiter, the generic wait/notify abstraction
// every blocking point in the kernel (I/O, timers, process exit,
// userspace locks/condvars, signals) is built out of.
//
// The kernel is single-CPU and never preempts kernel-mode code; a
// condition can therefore never become true between a thread checking it
// and the thread blocking on it, so no per-condition mutex is needed
// around that check. That guarantee holds here because every caller must
// hold a single *Kernel big lock (BKL) while touching any condition,
// signaler or waiter, and blocking happens inside a sync.Cond bound to
// that lock: Cond.Wait atomically releases the lock and parks, then
// reacquires it before returning. Each simulated CloudABI thread is an
// ordinary Go goroutine contending for the same lock, so Go's runtime
// supplies the multiplexing a hardware kernel gets from context
// switches.
package cond

import "sync"

// Kernel is the big lock shared by every kernel data structure. All
// subsystem packages (pkg/mem, pkg/proc, pkg/fd, ...) take a *Kernel and
// hold Lock for the duration of any operation that touches shared state.
type Kernel struct {
	mu   sync.Mutex
	wake *sync.Cond
}

// NewKernel allocates a fresh big lock and its wake condition.
func NewKernel() *Kernel {
	k := &Kernel{}
	k.wake = sync.NewCond(&k.mu)
	return k
}

func (k *Kernel) Lock()   { k.mu.Lock() }
func (k *Kernel) Unlock() { k.mu.Unlock() }

// Park blocks the calling goroutine until some signaler on the kernel
// broadcasts. The caller must hold k.Lock(); it is released for the
// duration of the park and reacquired before Park returns.
func (k *Kernel) Park() { k.wake.Wait() }

// WakeAll wakes every goroutine parked in Park. Called after any Signaler
// satisfies or cancels a condition, since a Waiter may be waiting on
// conditions spread across multiple signalers.
func (k *Kernel) WakeAll() { k.wake.Broadcast() }

// AlreadySatisfiedFunc reports, for the condition about to be
// subscribed, whether it is satisfied right away (e.g. an elapsed clock,
// an already-exited process) and, if so, the data to attach.
type AlreadySatisfiedFunc func(*Condition) (bool, any)

// Signaler is the notification end of a generalized condition variable. It
// owns an ordered (FIFO) list of the conditions currently waiting on it;
// Notify satisfies the head of that list (first-in, first-out, so no
// waiter starves), Broadcast satisfies all of them.
//
// A Signaler does not own its conditions; they live on the stack (or in
// the struct) of whichever Waiter subscribed them.
type Signaler struct {
	kernel    *Kernel
	waiting   []*Condition
	satisfied AlreadySatisfiedFunc
}

// NewSignaler creates a signaler bound to the kernel's big lock.
func NewSignaler(k *Kernel) *Signaler {
	return &Signaler{kernel: k}
}

// Kernel returns the big lock this signaler is bound to, so holders of a
// signaler can mint further signalers on the same lock.
func (s *Signaler) Kernel() *Kernel {
	return s.kernel
}

// SetAlreadySatisfiedFunc installs the already-satisfied hook.
func (s *Signaler) SetAlreadySatisfiedFunc(f AlreadySatisfiedFunc) {
	s.satisfied = f
}

// AlreadySatisfied invokes the already-satisfied hook for c, if any.
func (s *Signaler) AlreadySatisfied(c *Condition) (bool, any) {
	if s.satisfied == nil {
		return false, nil
	}
	return s.satisfied(c)
}

// HasConditions reports whether any condition is currently subscribed.
func (s *Signaler) HasConditions() bool {
	return len(s.waiting) > 0
}

func (s *Signaler) subscribe(c *Condition) {
	s.waiting = append(s.waiting, c)
}

// remove drops c from the FIFO if present; it is a no-op if c already fired
// or was already removed (Waiter.Finish calls this on every leftover
// condition, satisfied or not).
func (s *Signaler) remove(c *Condition) {
	for i, w := range s.waiting {
		if w == c {
			s.waiting = append(s.waiting[:i], s.waiting[i+1:]...)
			return
		}
	}
}

// Notify satisfies the head of the FIFO, if any, and wakes every parked
// waiter so they can recheck their own condition lists.
func (s *Signaler) Notify(data any) {
	if len(s.waiting) == 0 {
		return
	}
	c := s.waiting[0]
	s.waiting = s.waiting[1:]
	c.satisfy(data)
	s.kernel.WakeAll()
}

// Broadcast satisfies every currently-subscribed condition, in the FIFO
// order they were subscribed.
func (s *Signaler) Broadcast(dataFor func() any) {
	for len(s.waiting) > 0 {
		c := s.waiting[0]
		s.waiting = s.waiting[1:]
		var data any
		if dataFor != nil {
			data = dataFor()
		}
		c.satisfy(data)
	}
	s.kernel.WakeAll()
}

// Condition is one element of a wait set: a single subscription to a
// single Signaler, tagged with whatever userdata the subscriber needs to
// interpret it (e.g. which poll subscription index it came from).
type Condition struct {
	Signaler  *Signaler
	UserData  any
	satisfied bool
	data      any
}

// NewCondition creates an unsubscribed condition on signaler s.
func NewCondition(s *Signaler, userdata any) *Condition {
	return &Condition{Signaler: s, UserData: userdata}
}

func (c *Condition) satisfy(data any) {
	c.satisfied = true
	c.data = data
}

// Satisfied reports whether the condition has fired and, if so, the data
// it was satisfied with.
func (c *Condition) Satisfied() (bool, any) {
	return c.satisfied, c.data
}

// Waiter is the caller-side aggregator used to build a poll: it multiplexes
// any number of Conditions, possibly from different Signalers, and blocks
// until at least one of them is satisfied.
type Waiter struct {
	kernel     *Kernel
	conditions []*Condition
}

// NewWaiter creates an empty waiter bound to the kernel's big lock.
func NewWaiter(k *Kernel) *Waiter {
	return &Waiter{kernel: k}
}

// AddCondition subscribes c to its signaler and registers it with the
// waiter. The caller must hold the kernel lock.
func (w *Waiter) AddCondition(c *Condition) {
	c.Signaler.subscribe(c)
	w.conditions = append(w.conditions, c)
	if ok, data := c.Signaler.AlreadySatisfied(c); ok {
		c.Signaler.remove(c)
		c.satisfy(data)
	}
}

// Wait blocks (parking on the kernel's wake condition) until at least one
// registered condition is satisfied. The caller must hold the kernel lock.
func (w *Waiter) Wait() {
	for !w.anySatisfied() {
		w.kernel.Park()
	}
}

func (w *Waiter) anySatisfied() bool {
	for _, c := range w.conditions {
		if ok, _ := c.Satisfied(); ok {
			return true
		}
	}
	return false
}

// Finish returns every satisfied condition, in the order they were added,
// and cancels (unsubscribes) every condition that did not fire, restoring
// the waiter to its initial, empty state. The caller must hold the kernel
// lock.
func (w *Waiter) Finish() []*Condition {
	var satisfied []*Condition
	for _, c := range w.conditions {
		if ok, _ := c.Satisfied(); ok {
			satisfied = append(satisfied, c)
		} else {
			c.Signaler.remove(c)
		}
	}
	w.conditions = nil
	return satisfied
}
