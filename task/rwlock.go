// Copyright (C) 2024, the gear authors. All rights reserved.
// See the file LICENSE for licensing terms.

package task

// RwLock is a shared/exclusive lock for sub-tasks of one invocation.
// Waiters are served in FIFO request order: a queued writer blocks
// later readers, and a contiguous run of queued readers is admitted
// together when the lock frees up.
type RwLock struct {
	writer  *Task
	readers int
	waiters []rwWaiter
}

type rwWaiter struct {
	t     *Task
	write bool
}

// RLock blocks [t] until shared access is granted.
func (l *RwLock) RLock(t *Task) *Guard {
	if l.writer == nil && len(l.waiters) == 0 {
		l.readers++
	} else {
		l.waiters = append(l.waiters, rwWaiter{t: t})
		// The releasing guard counts us in before waking us.
		t.blockOn()
	}
	return &Guard{release: l.rUnlock}
}

// Lock blocks [t] until exclusive access is granted.
func (l *RwLock) Lock(t *Task) *Guard {
	if l.writer == nil && l.readers == 0 && len(l.waiters) == 0 {
		l.writer = t
	} else {
		l.waiters = append(l.waiters, rwWaiter{t: t, write: true})
		t.blockOn()
	}
	return &Guard{release: l.wUnlock}
}

// Readers returns the number of sub-tasks holding shared access.
func (l *RwLock) Readers() int { return l.readers }

// WriteLocked reports whether a sub-task holds exclusive access.
func (l *RwLock) WriteLocked() bool { return l.writer != nil }

func (l *RwLock) rUnlock() {
	l.readers--
	if l.readers == 0 {
		l.grant()
	}
}

func (l *RwLock) wUnlock() {
	l.writer = nil
	l.grant()
}

// grant hands the freed lock to the head of the queue.
func (l *RwLock) grant() {
	if len(l.waiters) == 0 {
		return
	}
	if l.waiters[0].write {
		if l.readers > 0 {
			return
		}
		w := l.waiters[0]
		l.waiters = l.waiters[1:]
		l.writer = w.t
		w.t.s.wake(w.t)
		return
	}
	for len(l.waiters) > 0 && !l.waiters[0].write {
		w := l.waiters[0]
		l.waiters = l.waiters[1:]
		l.readers++
		w.t.s.wake(w.t)
	}
}
