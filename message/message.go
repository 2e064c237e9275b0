// Copyright (C) 2024, the gear authors. All rights reserved.
// See the file LICENSE for licensing terms.

package message

import "github.com/ava-labs/avalanchego/utils/units"

// MaxPayloadSize bounds the payload of every message envelope.
const MaxPayloadSize = 64 * units.KiB

// Exit codes carried by reply messages. Anything nonzero marks the
// reply as a structured failure payload.
const (
	CodeSuccess uint32 = iota
	CodeFailure
	CodeExpired
)

// Message is an immutable envelope in transit between two programs.
// Once sealed by a Context it is never mutated; it is enqueued,
// dequeued exactly once, then archived into the log.
type Message struct {
	Source      ProgramID `serialize:"true" json:"source"`
	Destination ProgramID `serialize:"true" json:"destination"`
	ID          MessageID `serialize:"true" json:"id"`

	// ReplyTo is the identifier of the message this one answers.
	// It is EmptyMessageID on anything that is not a reply.
	ReplyTo MessageID `serialize:"true" json:"replyTo"`

	Payload  []byte `serialize:"true" json:"payload"`
	GasLimit uint64 `serialize:"true" json:"gasLimit"`
	Value    uint64 `serialize:"true" json:"value"`

	// Code is the exit code on replies. CodeSuccess everywhere else.
	Code uint32 `serialize:"true" json:"code"`
}

// IsReply reports whether the message answers another message.
func (m *Message) IsReply() bool { return m.ReplyTo != EmptyMessageID }

// Packet accumulates the parts of an outgoing message before a Context
// seals it into an immutable Message.
type Packet struct {
	destination ProgramID
	payload     []byte
	gasLimit    uint64
	value       uint64
}

// NewPacket starts a packet addressed to [destination].
func NewPacket(destination ProgramID) *Packet {
	return &Packet{destination: destination}
}

// Push appends [data] to the accumulated payload.
func (p *Packet) Push(data []byte) *Packet {
	p.payload = append(p.payload, data...)
	return p
}

// WithGasLimit sets the gas attached to the message. The sealing
// context reserves this amount from the current counter.
func (p *Packet) WithGasLimit(limit uint64) *Packet {
	p.gasLimit = limit
	return p
}

// WithValue sets the value transferred with the message.
func (p *Packet) WithValue(value uint64) *Packet {
	p.value = value
	return p
}
