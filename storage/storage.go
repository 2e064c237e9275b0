// Copyright (C) 2024, the gear authors. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"errors"

	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/database/prefixdb"
	"github.com/ava-labs/avalanchego/database/versiondb"

	"github.com/Zombieliu/gear/message"
)

var (
	ErrProgramBusy = errors.New("program is referenced by a wait-list entry")

	// These are prefixes for db keys.
	// It's important to set different prefixes for each separate database objects.
	queuePrefix    = []byte("queue")
	programPrefix  = []byte("program")
	waitListPrefix = []byte("waitlist")
	logPrefix      = []byte("log")

	_ Storage = (*storage)(nil)
)

// Storage is the composition of the four sub-stores the executor works
// against: the message queue, the program registry, the wait list and
// the processed-message log.
//
// Mutations buffer in a version layer until Commit; Abort discards
// everything since the last commit. The executor commits a dequeue
// before executing and then commits or aborts each handling attempt as
// a whole, which is what makes a failed attempt leave no partial
// state.
type Storage interface {
	Queue
	Programs
	WaitList
	Log

	Commit() error
	Abort()
	Close() error
}

type storage struct {
	Queue
	WaitList
	Log
	programs Programs

	baseDB *versiondb.Database
}

// New composes the sub-stores over prefixed slices of [db].
func New(db database.Database) Storage {
	baseDB := versiondb.New(db)

	return &storage{
		Queue:    NewQueue(prefixdb.New(queuePrefix, baseDB)),
		WaitList: NewWaitList(prefixdb.New(waitListPrefix, baseDB)),
		Log:      NewLog(prefixdb.New(logPrefix, baseDB)),
		programs: NewPrograms(prefixdb.New(programPrefix, baseDB)),
		baseDB:   baseDB,
	}
}

func (s *storage) GetProgram(id message.ProgramID) (*Program, error) {
	return s.programs.GetProgram(id)
}

func (s *storage) PutProgram(p *Program) error {
	return s.programs.PutProgram(p)
}

// RemoveProgram refuses to delete a program while a parked
// continuation still references it.
func (s *storage) RemoveProgram(id message.ProgramID) error {
	waiting, err := s.AnyWaiting(id)
	if err != nil {
		return err
	}
	if waiting {
		return ErrProgramBusy
	}
	return s.programs.RemoveProgram(id)
}

func (s *storage) HasProgram(id message.ProgramID) (bool, error) {
	return s.programs.HasProgram(id)
}

// Commit flushes pending operations to the underlying database.
func (s *storage) Commit() error {
	return s.baseDB.Commit()
}

// Abort discards every mutation since the last commit. The program
// cache is flushed as well: it may hold entries written by the
// discarded attempt.
func (s *storage) Abort() {
	s.baseDB.Abort()
	s.programs.(*programs).clearCache()
}

// Close closes the underlying base database.
func (s *storage) Close() error {
	return s.baseDB.Close()
}
