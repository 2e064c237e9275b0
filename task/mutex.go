// Copyright (C) 2024, the gear authors. All rights reserved.
// See the file LICENSE for licensing terms.

package task

// Guard is a scoped lock acquisition. Callers defer Release so the
// lock is returned on every exit path, including unwinding; releasing
// twice is a no-op.
type Guard struct {
	release  func()
	released bool
}

func (g *Guard) Release() {
	if g.released {
		return
	}
	g.released = true
	g.release()
}

// Mutex is a single-owner exclusive lock for sub-tasks of one
// invocation. It is pure in-invocation coordination, not an OS
// primitive: a contended acquisition parks the sub-task and ownership
// is handed to waiters in FIFO request order.
type Mutex struct {
	owner   *Task
	waiters []*Task
}

// Lock blocks [t] until it owns the mutex.
func (m *Mutex) Lock(t *Task) *Guard {
	if m.owner == nil {
		m.owner = t
	} else {
		m.waiters = append(m.waiters, t)
		// Ownership is transferred directly by the releasing guard, so
		// a later sub-task can never barge ahead of a queued one.
		t.blockOn()
	}
	return &Guard{release: m.unlock}
}

// Locked reports whether some sub-task owns the mutex.
func (m *Mutex) Locked() bool { return m.owner != nil }

func (m *Mutex) unlock() {
	if len(m.waiters) == 0 {
		m.owner = nil
		return
	}
	next := m.waiters[0]
	m.waiters = m.waiters[1:]
	m.owner = next
	next.s.wake(next)
}
