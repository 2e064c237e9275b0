// Copyright (C) 2024, the gear authors. All rights reserved.
// See the file LICENSE for licensing terms.

package message

import (
	"errors"

	"github.com/Zombieliu/gear/gas"
)

var (
	ErrDuplicateReply  = errors.New("a reply to this message was already sealed")
	ErrPayloadTooLarge = errors.New("payload exceeds the configured maximum")
	ErrGasExhausted    = errors.New("not enough gas to reserve for outgoing message")
)

// Context accumulates the outgoing messages and the reply produced
// while handling one incoming message. Sub-message identifiers are a
// deterministic function of the incoming MessageID and an internal
// counter, so a replayed execution regenerates the exact identifiers
// of its previous attempts.
//
// The dispatch watermark restored from a parked continuation marks how
// many sub-messages earlier attempts already dispatched: sealing below
// the watermark re-derives the identifier but does not emit the
// message again, which keeps dispatch exactly-once across replays.
type Context struct {
	incoming *Message
	counter  gas.Counter

	outgoing  []*Message
	nonce     uint32
	watermark uint32
	replySent bool
}

// NewContext starts accumulating for [incoming]. Every dispatched
// message reserves its gas limit from [counter]: an invocation cannot
// hand out gas it does not hold.
func NewContext(incoming *Message, counter gas.Counter) *Context {
	return &Context{incoming: incoming, counter: counter}
}

// Restore sets the dispatch watermark from a parked continuation.
func (c *Context) Restore(watermark uint32) { c.watermark = watermark }

// Incoming returns the read-only input of this invocation.
func (c *Context) Incoming() *Message { return c.incoming }

// Nonce returns the sub-message counter. Parking persists it as the
// watermark of the next attempt.
func (c *Context) Nonce() uint32 { return c.nonce }

// ReplySent reports whether a reply has been sealed.
func (c *Context) ReplySent() bool { return c.replySent }

// Seal turns [p] into an immutable outgoing message. On failure the
// context is left exactly as it was.
func (c *Context) Seal(p *Packet) (*Message, error) {
	if len(p.payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	msg := &Message{
		Source:      c.incoming.Destination,
		Destination: p.destination,
		ID:          DeriveID(c.incoming.ID, c.nonce),
		Payload:     p.payload,
		GasLimit:    p.gasLimit,
		Value:       p.value,
	}
	if err := c.dispatch(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// SealReply seals the reply answering the incoming message. At most
// one reply may be sealed per incoming message; further attempts fail
// with ErrDuplicateReply and leave the context unaffected.
func (c *Context) SealReply(payload []byte, gasLimit, value uint64, code uint32) (*Message, error) {
	if c.replySent {
		return nil, ErrDuplicateReply
	}
	if len(payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	msg := &Message{
		Source:      c.incoming.Destination,
		Destination: c.incoming.Source,
		ID:          DeriveID(c.incoming.ID, c.nonce),
		ReplyTo:     c.incoming.ID,
		Payload:     payload,
		GasLimit:    gasLimit,
		Value:       value,
		Code:        code,
	}
	if err := c.dispatch(msg); err != nil {
		return nil, err
	}
	c.replySent = true
	return msg, nil
}

func (c *Context) dispatch(msg *Message) error {
	if c.nonce < c.watermark {
		// Replay of a dispatch an earlier attempt already performed:
		// same identifier, no second emission, no second reservation.
		c.nonce++
		return nil
	}
	if c.counter.Charge(msg.GasLimit) == gas.NotEnough {
		return ErrGasExhausted
	}
	c.nonce++
	c.outgoing = append(c.outgoing, msg)
	return nil
}

// Outgoing returns the messages dispatched by the current attempt, in
// seal order. The executor drains it when the attempt commits.
func (c *Context) Outgoing() []*Message { return c.outgoing }
