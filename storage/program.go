// Copyright (C) 2024, the gear authors. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"errors"

	"github.com/ava-labs/avalanchego/cache"
	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/ids"

	"github.com/Zombieliu/gear/memory"
	"github.com/Zombieliu/gear/message"
)

const programCacheSize = 2048

var (
	ErrWrongCodecVersion = errors.New("wrong codec version")

	_ Programs = (*programs)(nil)
)

// PageEntry is one persisted page of a program's memory. The page
// table is stored as entries sorted by page number so the serialized
// layout is reproducible.
type PageEntry struct {
	Page uint32 `serialize:"true"`
	Data []byte `serialize:"true"`
}

// Program is a deployed, executable unit: its identity, the reference
// to the handler code that executes it, its static data and its
// persistent page table. The page table only changes through
// memory-context operations during execution.
type Program struct {
	ID     message.ProgramID `serialize:"true"`
	Code   ids.ID            `serialize:"true"`
	Nonce  uint64            `serialize:"true"`
	Static []byte            `serialize:"true"`
	Pages  []PageEntry       `serialize:"true"`
}

// PageTable decodes the persisted entries into a live page table.
func (p *Program) PageTable() memory.PageTable {
	pt := make(memory.PageTable, len(p.Pages))
	for _, e := range p.Pages {
		data := make([]byte, len(e.Data))
		copy(data, e.Data)
		pt[memory.PageNumber(e.Page)] = data
	}
	return pt
}

// SetPageTable replaces the persisted entries with [pt], sorted by
// page number.
func (p *Program) SetPageTable(pt memory.PageTable) {
	entries := make([]PageEntry, 0, len(pt))
	for _, n := range pt.Numbers() {
		entries = append(entries, PageEntry{Page: uint32(n), Data: pt[n]})
	}
	p.Pages = entries
}

// Programs is the registry of deployed programs, keyed by ProgramID.
type Programs interface {
	GetProgram(id message.ProgramID) (*Program, error)
	PutProgram(p *Program) error
	// RemoveProgram deletes a program. The storage aggregate refuses
	// removal while any wait-list entry references the program.
	RemoveProgram(id message.ProgramID) error
	HasProgram(id message.ProgramID) (bool, error)
}

type programs struct {
	programCache cache.Cacher
	programDB    database.Database
}

// NewPrograms returns a program registry backed by [db].
func NewPrograms(db database.Database) Programs {
	return &programs{
		programCache: &cache.LRU{Size: programCacheSize},
		programDB:    db,
	}
}

func (s *programs) GetProgram(id message.ProgramID) (*Program, error) {
	if entry, cached := s.programCache.Get(ids.ID(id)); cached {
		return entry.(*Program), nil
	}

	bytes, err := s.programDB.Get(id[:])
	if err != nil {
		return nil, err
	}

	prog := &Program{}
	parsedVersion, err := Codec.Unmarshal(bytes, prog)
	if err != nil {
		return nil, err
	}
	if parsedVersion != CodecVersion {
		return nil, ErrWrongCodecVersion
	}

	s.programCache.Put(ids.ID(id), prog)
	return prog, nil
}

func (s *programs) PutProgram(p *Program) error {
	bytes, err := Codec.Marshal(CodecVersion, p)
	if err != nil {
		return err
	}

	s.programCache.Put(ids.ID(p.ID), p)
	return s.programDB.Put(p.ID[:], bytes)
}

func (s *programs) RemoveProgram(id message.ProgramID) error {
	s.programCache.Evict(ids.ID(id))
	return s.programDB.Delete(id[:])
}

func (s *programs) HasProgram(id message.ProgramID) (bool, error) {
	if _, cached := s.programCache.Get(ids.ID(id)); cached {
		return true, nil
	}
	return s.programDB.Has(id[:])
}

func (s *programs) clearCache() {
	s.programCache.Flush()
}
