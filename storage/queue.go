// Copyright (C) 2024, the gear authors. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/utils/wrappers"

	"github.com/Zombieliu/gear/message"
)

var (
	queueHeadKey = []byte("head")
	queueTailKey = []byte("tail")

	_ Queue = (*queue)(nil)
)

// Queue is the FIFO inter-program mailbox. Order is global arrival
// order across all destination programs; the queue itself makes no
// fairness guarantee among distinct destinations.
type Queue interface {
	// Enqueue appends [msg].
	Enqueue(msg *message.Message) error
	// Dequeue removes and returns the oldest message, or nil when the
	// queue is empty.
	Dequeue() (*message.Message, error)
	QueueLen() (uint64, error)
}

// queue persists messages under contiguous big-endian indices between
// a head and a tail pointer.
type queue struct {
	queueDB database.Database
}

// NewQueue returns a message queue backed by [db].
func NewQueue(db database.Database) Queue {
	return &queue{queueDB: db}
}

func (q *queue) Enqueue(msg *message.Message) error {
	tail, err := q.pointer(queueTailKey)
	if err != nil {
		return err
	}

	bytes, err := Codec.Marshal(CodecVersion, msg)
	if err != nil {
		return err
	}
	if err := q.queueDB.Put(packIndex(tail), bytes); err != nil {
		return err
	}
	return q.setPointer(queueTailKey, tail+1)
}

func (q *queue) Dequeue() (*message.Message, error) {
	head, err := q.pointer(queueHeadKey)
	if err != nil {
		return nil, err
	}
	tail, err := q.pointer(queueTailKey)
	if err != nil {
		return nil, err
	}
	if head == tail {
		return nil, nil
	}

	key := packIndex(head)
	bytes, err := q.queueDB.Get(key)
	if err != nil {
		return nil, err
	}
	msg := &message.Message{}
	parsedVersion, err := Codec.Unmarshal(bytes, msg)
	if err != nil {
		return nil, err
	}
	if parsedVersion != CodecVersion {
		return nil, ErrWrongCodecVersion
	}

	if err := q.queueDB.Delete(key); err != nil {
		return nil, err
	}
	return msg, q.setPointer(queueHeadKey, head+1)
}

func (q *queue) QueueLen() (uint64, error) {
	head, err := q.pointer(queueHeadKey)
	if err != nil {
		return 0, err
	}
	tail, err := q.pointer(queueTailKey)
	if err != nil {
		return 0, err
	}
	return tail - head, nil
}

func (q *queue) pointer(key []byte) (uint64, error) {
	bytes, err := q.queueDB.Get(key)
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

func (q *queue) setPointer(key []byte, value uint64) error {
	p := wrappers.Packer{Bytes: make([]byte, 0, wrappers.LongLen)}
	p.PackLong(value)
	return q.queueDB.Put(key, p.Bytes)
}

func packIndex(i uint64) []byte {
	p := wrappers.Packer{Bytes: make([]byte, 0, wrappers.LongLen+1)}
	p.PackByte('m')
	p.PackLong(i)
	return p.Bytes
}
