// Copyright (C) 2024, the gear authors. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/utils/wrappers"

	"github.com/Zombieliu/gear/message"
)

var (
	logSizeKey = []byte("size")

	_ Log = (*log)(nil)
)

// Outcome is the terminal (or suspension) state of one message
// handling attempt.
type Outcome uint8

const (
	OutcomeCompleted Outcome = iota
	OutcomeSuspended
	OutcomeResumed
	OutcomeAborted
	OutcomeExpired
	OutcomeDropped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeSuspended:
		return "suspended"
	case OutcomeResumed:
		return "resumed"
	case OutcomeAborted:
		return "aborted"
	case OutcomeExpired:
		return "expired"
	case OutcomeDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// LogEntry records one processed message and how handling it ended.
type LogEntry struct {
	Message message.Message `serialize:"true"`
	Outcome Outcome         `serialize:"true"`
	Reason  string          `serialize:"true"`
	Tick    uint64          `serialize:"true"`
}

// Log is the append-only archive of processed messages. It is never
// mutated, only appended, and exists for audit and replay.
type Log interface {
	AppendLog(e *LogEntry) error
	LogEntries() ([]*LogEntry, error)
	LogLen() (uint64, error)
}

type log struct {
	logDB database.Database
}

// NewLog returns a log backed by [db].
func NewLog(db database.Database) Log {
	return &log{logDB: db}
}

func (l *log) AppendLog(e *LogEntry) error {
	size, err := l.LogLen()
	if err != nil {
		return err
	}

	bytes, err := Codec.Marshal(CodecVersion, e)
	if err != nil {
		return err
	}
	if err := l.logDB.Put(packIndex(size), bytes); err != nil {
		return err
	}

	p := wrappers.Packer{Bytes: make([]byte, 0, wrappers.LongLen)}
	p.PackLong(size + 1)
	return l.logDB.Put(logSizeKey, p.Bytes)
}

func (l *log) LogEntries() ([]*LogEntry, error) {
	size, err := l.LogLen()
	if err != nil {
		return nil, err
	}

	entries := make([]*LogEntry, 0, size)
	for i := uint64(0); i < size; i++ {
		bytes, err := l.logDB.Get(packIndex(i))
		if err != nil {
			return nil, err
		}
		e := &LogEntry{}
		parsedVersion, err := Codec.Unmarshal(bytes, e)
		if err != nil {
			return nil, err
		}
		if parsedVersion != CodecVersion {
			return nil, ErrWrongCodecVersion
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (l *log) LogLen() (uint64, error) {
	bytes, err := l.logDB.Get(logSizeKey)
	switch err {
	case nil:
		p := wrappers.Packer{Bytes: bytes}
		return p.UnpackLong(), p.Err
	case database.ErrNotFound:
		return 0, nil
	default:
		return 0, err
	}
}
