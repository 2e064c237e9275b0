// Copyright (C) 2024, the gear authors. All rights reserved.
// See the file LICENSE for licensing terms.

package task

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundRobinOrder(t *testing.T) {
	require := require.New(t)

	var trace []string
	s := NewScheduler()
	s.Spawn(func(t *Task) error {
		trace = append(trace, "a1")
		t.Yield()
		trace = append(trace, "a2")
		return nil
	})
	s.Spawn(func(t *Task) error {
		trace = append(trace, "b1")
		t.Yield()
		trace = append(trace, "b2")
		return nil
	})

	require.NoError(s.Run())
	require.Equal([]string{"a1", "b1", "a2", "b2"}, trace)
}

func TestSpawnFromRunningTask(t *testing.T) {
	require := require.New(t)

	var trace []string
	s := NewScheduler()
	s.Spawn(func(t *Task) error {
		trace = append(trace, "outer")
		t.s.Spawn(func(*Task) error {
			trace = append(trace, "inner")
			return nil
		})
		t.Yield()
		trace = append(trace, "outer again")
		return nil
	})

	require.NoError(s.Run())
	require.Equal([]string{"outer", "inner", "outer again"}, trace)
}

func TestFirstErrorStopsRun(t *testing.T) {
	require := require.New(t)

	boom := errors.New("boom")
	ran := false
	s := NewScheduler()
	s.Spawn(func(t *Task) error {
		t.Yield()
		// Never reached: the error below cancels the run.
		ran = true
		return nil
	})
	s.Spawn(func(*Task) error { return boom })

	require.ErrorIs(s.Run(), boom)
	require.False(ran)
}

func TestMutexExclusionFIFO(t *testing.T) {
	require := require.New(t)

	var (
		mu      Mutex
		holders int
		maxHeld int
		order   []string
	)
	s := NewScheduler()
	worker := func(name string) func(*Task) error {
		return func(t *Task) error {
			guard := mu.Lock(t)
			defer guard.Release()

			order = append(order, name)
			holders++
			if holders > maxHeld {
				maxHeld = holders
			}
			// Hold the lock across a yield so overlap would be visible.
			t.Yield()
			holders--
			return nil
		}
	}
	s.Spawn(worker("first"))
	s.Spawn(worker("second"))
	s.Spawn(worker("third"))

	require.NoError(s.Run())
	require.Equal(1, maxHeld)
	require.Equal([]string{"first", "second", "third"}, order)
	require.False(mu.Locked())
}

func TestMutexReleaseOnUnwind(t *testing.T) {
	require := require.New(t)

	var mu Mutex
	boom := errors.New("boom")
	s := NewScheduler()
	s.Spawn(func(t *Task) error {
		guard := mu.Lock(t)
		defer guard.Release()
		return boom
	})

	require.ErrorIs(s.Run(), boom)
	require.False(mu.Locked())
}

func TestDeadlockDetected(t *testing.T) {
	var a, b Mutex
	s := NewScheduler()
	s.Spawn(func(t *Task) error {
		ga := a.Lock(t)
		defer ga.Release()
		t.Yield()
		gb := b.Lock(t)
		defer gb.Release()
		return nil
	})
	s.Spawn(func(t *Task) error {
		gb := b.Lock(t)
		defer gb.Release()
		t.Yield()
		ga := a.Lock(t)
		defer ga.Release()
		return nil
	})

	assert.ErrorIs(t, s.Run(), ErrDeadlock)
}

func TestRwLockSharedThenExclusive(t *testing.T) {
	require := require.New(t)

	var (
		rw       RwLock
		maxRead  int
		wrote    bool
		readDone int
	)
	s := NewScheduler()
	reader := func(t *Task) error {
		guard := rw.RLock(t)
		defer guard.Release()
		if rw.Readers() > maxRead {
			maxRead = rw.Readers()
		}
		require.False(wrote) // queued writer must not run under readers
		t.Yield()
		readDone++
		return nil
	}
	s.Spawn(reader)
	s.Spawn(reader)
	s.Spawn(func(t *Task) error {
		guard := rw.Lock(t)
		defer guard.Release()
		require.Equal(2, readDone)
		require.Equal(0, rw.Readers())
		wrote = true
		return nil
	})

	require.NoError(s.Run())
	require.Equal(2, maxRead)
	require.True(wrote)
	require.False(rw.WriteLocked())
}

func TestRwLockWriterBlocksLaterReaders(t *testing.T) {
	require := require.New(t)

	var (
		rw    RwLock
		order []string
	)
	s := NewScheduler()
	s.Spawn(func(t *Task) error {
		guard := rw.RLock(t)
		order = append(order, "r1")
		t.Yield()
		guard.Release()
		return nil
	})
	s.Spawn(func(t *Task) error {
		guard := rw.Lock(t)
		order = append(order, "w")
		guard.Release()
		return nil
	})
	// Requested after the writer: FIFO fairness parks it behind.
	s.Spawn(func(t *Task) error {
		guard := rw.RLock(t)
		order = append(order, "r2")
		guard.Release()
		return nil
	})

	require.NoError(s.Run())
	require.Equal([]string{"r1", "w", "r2"}, order)
}

func TestGuardReleaseIdempotent(t *testing.T) {
	require := require.New(t)

	var mu Mutex
	s := NewScheduler()
	s.Spawn(func(t *Task) error {
		guard := mu.Lock(t)
		guard.Release()
		guard.Release()
		return nil
	})
	s.Spawn(func(t *Task) error {
		guard := mu.Lock(t)
		defer guard.Release()
		return nil
	})
	require.NoError(s.Run())
	require.False(mu.Locked())
}
