// Copyright (C) 2024, the gear authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package task provides the cooperative multitasking used inside one
// program invocation. A Scheduler round-robins its sub-tasks on a
// single logical thread of control: exactly one sub-task runs at any
// instant, control moves only at explicit yield points, so scheduling
// is deterministic. This inner level is distinct from, and nested
// inside, the outer suspend/resume of whole invocations.
package task

import (
	"errors"
	"fmt"
)

var ErrDeadlock = errors.New("every sub-task is blocked")

// canceledSignal unwinds a sub-task when the scheduler tears down.
type canceledSignal struct{}

// Task is one cooperative sub-task. Blocking operations take the
// running task so they can hand control back to the scheduler.
type Task struct {
	s      *Scheduler
	resume chan struct{}
	done   bool
	err    error
}

// Scheduler drives sub-tasks in FIFO order. Control is handed between
// the scheduler and the running task over unbuffered channels, so at
// most one goroutine of the invocation is ever runnable.
type Scheduler struct {
	ready   []*Task
	all     []*Task
	yieldCh chan struct{}
	running *Task

	blocked  int
	canceled bool
	err      error
}

func NewScheduler() *Scheduler {
	return &Scheduler{yieldCh: make(chan struct{})}
}

// Spawn queues [fn] as a new sub-task. It may be called before Run or
// from inside a running sub-task.
func (s *Scheduler) Spawn(fn func(*Task) error) *Task {
	t := &Task{s: s, resume: make(chan struct{})}
	s.all = append(s.all, t)
	s.ready = append(s.ready, t)

	go func() {
		<-t.resume
		if !s.canceled {
			t.err = runTask(fn, t)
		}
		t.done = true
		s.yieldCh <- struct{}{}
	}()
	return t
}

func runTask(fn func(*Task) error, t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(canceledSignal); ok {
				err = nil
				return
			}
			err = fmt.Errorf("sub-task panic: %v", r)
		}
	}()
	return fn(t)
}

// Run drives every sub-task to completion and returns the first error
// any of them produced. On error the remaining sub-tasks are unwound;
// their deferred lock releases still run. If all runnable work drains
// while sub-tasks stay blocked on a lock, Run reports ErrDeadlock.
func (s *Scheduler) Run() error {
	for s.err == nil && len(s.ready) > 0 {
		t := s.ready[0]
		s.ready = s.ready[1:]

		s.running = t
		t.resume <- struct{}{}
		<-s.yieldCh
		s.running = nil

		if t.done && t.err != nil {
			s.err = t.err
		}
	}
	if s.err == nil && s.blocked > 0 {
		s.err = ErrDeadlock
	}
	s.cancel()
	return s.err
}

// Running returns the sub-task currently holding control.
func (s *Scheduler) Running() *Task { return s.running }

func (s *Scheduler) cancel() {
	s.canceled = true
	for _, t := range s.all {
		if t.done {
			continue
		}
		t.resume <- struct{}{}
		<-s.yieldCh
	}
}

func (s *Scheduler) wake(t *Task) {
	s.ready = append(s.ready, t)
}

// Yield requeues the task and lets the next runnable sub-task proceed.
func (t *Task) Yield() {
	t.s.ready = append(t.s.ready, t)
	t.park()
}

// park hands the baton to the scheduler without requeueing; whoever
// wakes the task must have queued or granted it first.
func (t *Task) park() {
	t.s.yieldCh <- struct{}{}
	<-t.resume
	if t.s.canceled {
		panic(canceledSignal{})
	}
}

// blockOn parks the task until a lock hands it ownership.
func (t *Task) blockOn() {
	t.s.blocked++
	t.park()
	t.s.blocked--
}
