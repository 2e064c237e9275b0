// Copyright (C) 2024, the gear authors. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"errors"

	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/database/prefixdb"

	"github.com/Zombieliu/gear/message"
)

var (
	ErrAlreadyWaiting = errors.New("a continuation is already parked for this message")
	ErrNotWaiting     = errors.New("no continuation parked for this message")

	waitEntryPrefix = []byte("entry")
	waitIndexPrefix = []byte("index")

	_ WaitList = (*waitList)(nil)
)

// Signal is one correlated reply a parked invocation is interested in:
// the identifier of the message it sent, the program it sent it to,
// and the reply payload once one has been recorded.
type Signal struct {
	Awaited     message.MessageID `serialize:"true"`
	Destination message.ProgramID `serialize:"true"`
	HasReply    bool              `serialize:"true"`
	Payload     []byte            `serialize:"true"`
	Code        uint32            `serialize:"true"`
}

// Continuation is the serialized resumable state of a suspended
// invocation. Resuming re-executes the handler against the original
// message: the recorded signals resolve the futures that were already
// answered and the dispatch watermark keeps every earlier dispatch
// exactly-once.
type Continuation struct {
	Program message.ProgramID `serialize:"true"`
	Message message.Message   `serialize:"true"`

	// Awaited is the reply identifier whose absence suspended the
	// invocation.
	Awaited message.MessageID `serialize:"true"`

	Signals   []Signal `serialize:"true"`
	Watermark uint32   `serialize:"true"`
	GasLeft   uint64   `serialize:"true"`

	// ExpiryTick is the tick after which the entry is garbage
	// collected. Expired marks that the failure reply has already been
	// emitted so a later pass does not emit it twice.
	ExpiryTick uint64 `serialize:"true"`
	Expired    bool   `serialize:"true"`
}

// Signal returns the recorded signal for [awaited], if any.
func (c *Continuation) Signal(awaited message.MessageID) *Signal {
	for i := range c.Signals {
		if c.Signals[i].Awaited == awaited {
			return &c.Signals[i]
		}
	}
	return nil
}

// WaitList is the suspended-execution ledger. Entries are keyed by
// (ProgramID, MessageID of the parked invocation); a secondary index
// maps every reply identifier the entry awaits back to that key.
type WaitList interface {
	// InsertWaiting parks [c]. It fails with ErrAlreadyWaiting when a
	// continuation for the same (program, message) key exists.
	InsertWaiting(c *Continuation) error

	// UpdateWaiting overwrites an existing entry in place.
	UpdateWaiting(c *Continuation) error

	// RemoveWaiting removes and returns the parked continuation, or
	// nil when there is none. Removal is the only way to resume.
	RemoveWaiting(pid message.ProgramID, waiting message.MessageID) (*Continuation, error)

	// FindAwaiting resolves the identifier of the parked invocation
	// awaiting a reply to [awaited].
	FindAwaiting(pid message.ProgramID, awaited message.MessageID) (message.MessageID, bool, error)

	// ExpiredBefore returns every non-expired entry whose deadline is
	// at or before [tick], used by the garbage-collection pass.
	ExpiredBefore(tick uint64) ([]*Continuation, error)

	// AnyWaiting reports whether any entry references [pid].
	AnyWaiting(pid message.ProgramID) (bool, error)
}

type waitList struct {
	entryDB database.Database
	indexDB database.Database
}

// NewWaitList returns a wait list backed by [db].
func NewWaitList(db database.Database) WaitList {
	return &waitList{
		entryDB: prefixdb.New(waitEntryPrefix, db),
		indexDB: prefixdb.New(waitIndexPrefix, db),
	}
}

func waitKey(pid message.ProgramID, mid message.MessageID) []byte {
	key := make([]byte, 0, len(pid)+len(mid))
	key = append(key, pid[:]...)
	return append(key, mid[:]...)
}

func (w *waitList) InsertWaiting(c *Continuation) error {
	key := waitKey(c.Program, c.Message.ID)
	has, err := w.entryDB.Has(key)
	if err != nil {
		return err
	}
	if has {
		return ErrAlreadyWaiting
	}

	bytes, err := Codec.Marshal(CodecVersion, c)
	if err != nil {
		return err
	}
	if err := w.entryDB.Put(key, bytes); err != nil {
		return err
	}

	for i := range c.Signals {
		sig := &c.Signals[i]
		if sig.HasReply {
			continue
		}
		if err := w.indexDB.Put(waitKey(c.Program, sig.Awaited), c.Message.ID[:]); err != nil {
			return err
		}
	}
	return nil
}

func (w *waitList) UpdateWaiting(c *Continuation) error {
	key := waitKey(c.Program, c.Message.ID)
	has, err := w.entryDB.Has(key)
	if err != nil {
		return err
	}
	if !has {
		return ErrNotWaiting
	}

	bytes, err := Codec.Marshal(CodecVersion, c)
	if err != nil {
		return err
	}
	return w.entryDB.Put(key, bytes)
}

func (w *waitList) RemoveWaiting(pid message.ProgramID, waiting message.MessageID) (*Continuation, error) {
	key := waitKey(pid, waiting)
	bytes, err := w.entryDB.Get(key)
	switch err {
	case nil:
	case database.ErrNotFound:
		return nil, nil
	default:
		return nil, err
	}

	c := &Continuation{}
	parsedVersion, err := Codec.Unmarshal(bytes, c)
	if err != nil {
		return nil, err
	}
	if parsedVersion != CodecVersion {
		return nil, ErrWrongCodecVersion
	}

	if err := w.entryDB.Delete(key); err != nil {
		return nil, err
	}
	for i := range c.Signals {
		sig := &c.Signals[i]
		if sig.HasReply {
			continue
		}
		if err := w.indexDB.Delete(waitKey(pid, sig.Awaited)); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (w *waitList) FindAwaiting(pid message.ProgramID, awaited message.MessageID) (message.MessageID, bool, error) {
	bytes, err := w.indexDB.Get(waitKey(pid, awaited))
	switch err {
	case nil:
		var waiting message.MessageID
		copy(waiting[:], bytes)
		return waiting, true, nil
	case database.ErrNotFound:
		return message.EmptyMessageID, false, nil
	default:
		return message.EmptyMessageID, false, err
	}
}

func (w *waitList) ExpiredBefore(tick uint64) ([]*Continuation, error) {
	iter := w.entryDB.NewIterator()
	defer iter.Release()

	var expired []*Continuation
	for iter.Next() {
		c := &Continuation{}
		parsedVersion, err := Codec.Unmarshal(iter.Value(), c)
		if err != nil {
			return nil, err
		}
		if parsedVersion != CodecVersion {
			return nil, ErrWrongCodecVersion
		}
		if !c.Expired && c.ExpiryTick <= tick {
			expired = append(expired, c)
		}
	}
	return expired, iter.Error()
}

func (w *waitList) AnyWaiting(pid message.ProgramID) (bool, error) {
	iter := w.entryDB.NewIteratorWithPrefix(pid[:])
	defer iter.Release()

	waiting := iter.Next()
	return waiting, iter.Error()
}
