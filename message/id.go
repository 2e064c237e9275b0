// Copyright (C) 2024, the gear authors. All rights reserved.
// See the file LICENSE for licensing terms.

package message

import (
	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/utils/hashing"
	"github.com/ava-labs/avalanchego/utils/wrappers"
)

// ProgramID is the stable identity of a deployed program.
type ProgramID ids.ID

// MessageID identifies one message instance for the system's lifetime.
type MessageID ids.ID

var (
	EmptyProgramID = ProgramID(ids.Empty)
	EmptyMessageID = MessageID(ids.Empty)
)

func (id ProgramID) String() string { return ids.ID(id).String() }

func (id MessageID) String() string { return ids.ID(id).String() }

// ParseProgramID parses the string form produced by ProgramID.String.
func ParseProgramID(s string) (ProgramID, error) {
	id, err := ids.FromString(s)
	return ProgramID(id), err
}

// ParseMessageID parses the string form produced by MessageID.String.
func ParseMessageID(s string) (MessageID, error) {
	id, err := ids.FromString(s)
	return MessageID(id), err
}

// DeriveID computes the identifier of the [nonce]-th sub-message
// produced while handling the message identified by [parent]. The
// derivation is a pure function so replayed executions regenerate
// identical identifiers.
func DeriveID(parent MessageID, nonce uint32) MessageID {
	p := wrappers.Packer{Bytes: make([]byte, 0, len(parent)+wrappers.IntLen)}
	p.PackFixedBytes(parent[:])
	p.PackInt(nonce)
	return MessageID(hashing.ComputeHash256Array(p.Bytes))
}

// OriginID computes the identifier of a message entering the system
// from outside, from the destination program's monotonic nonce.
func OriginID(program ProgramID, nonce uint64) MessageID {
	p := wrappers.Packer{Bytes: make([]byte, 0, len(program)+wrappers.LongLen)}
	p.PackFixedBytes(program[:])
	p.PackLong(nonce)
	return MessageID(hashing.ComputeHash256Array(p.Bytes))
}
