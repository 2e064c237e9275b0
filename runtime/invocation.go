// Copyright (C) 2024, the gear authors. All rights reserved.
// See the file LICENSE for licensing terms.

package runtime

import (
	"errors"
	"fmt"

	"github.com/Zombieliu/gear/gas"
	"github.com/Zombieliu/gear/memory"
	"github.com/Zombieliu/gear/message"
	"github.com/Zombieliu/gear/storage"
	"github.com/Zombieliu/gear/task"
)

// ErrSuspended unwinds a handler whose future has no reply yet. The
// executor parks the whole invocation and re-executes it when the
// correlated reply arrives.
var ErrSuspended = errors.New("invocation suspended awaiting a reply")

// ReplyError is the structured failure a future resolves to when the
// correlated reply carries a nonzero exit code, including the
// synthetic reply generated when a wait-list entry expires.
type ReplyError struct {
	Code    uint32
	Payload []byte
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("reply failed with code %d", e.Code)
}

// Expired reports whether the failure came from the reply deadline
// passing rather than from the destination program.
func (e *ReplyError) Expired() bool { return e.Code == message.CodeExpired }

// ReplyPoll is the result of polling a reply future.
type ReplyPoll uint8

const (
	Pending ReplyPoll = iota
	Ready
)

func (p ReplyPoll) String() string {
	switch p {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// signalState tracks one correlated reply within an invocation: where
// the original message went and the recorded reply once it arrived.
type signalState struct {
	destination message.ProgramID
	ready       bool
	payload     []byte
	code        uint32
}

// Invocation is everything a handler sees while processing one
// incoming message: the read-only envelope, the program's paged
// memory, the outgoing-message accumulator and the sub-task scheduler.
// It is owned exclusively by the single in-flight attempt.
type Invocation struct {
	program *storage.Program
	counter gas.Counter
	mem     *memory.Context
	msgCtx  *message.Context
	sched   *task.Scheduler

	signals map[message.MessageID]*signalState
	awaited message.MessageID
}

// Payload returns the incoming message's payload.
func (c *Invocation) Payload() []byte { return c.msgCtx.Incoming().Payload }

// Source returns the program (or external origin) that sent the
// incoming message.
func (c *Invocation) Source() message.ProgramID { return c.msgCtx.Incoming().Source }

// MessageID returns the identifier of the incoming message.
func (c *Invocation) MessageID() message.MessageID { return c.msgCtx.Incoming().ID }

// Value returns the value transferred with the incoming message.
func (c *Invocation) Value() uint64 { return c.msgCtx.Incoming().Value }

// Static returns the program's static data.
func (c *Invocation) Static() []byte { return c.program.Static }

// Memory returns the program's paged memory context.
func (c *Invocation) Memory() *memory.Context { return c.mem }

// GasRemaining returns what is left of the invocation's budget.
func (c *Invocation) GasRemaining() uint64 { return c.counter.Remaining() }

// Send seals and dispatches [p] without expecting a reply.
func (c *Invocation) Send(p *message.Packet) (message.MessageID, error) {
	msg, err := c.msgCtx.Seal(p)
	if err != nil {
		return message.EmptyMessageID, err
	}
	return msg.ID, nil
}

// SendForReply seals and dispatches [p] and returns the future that
// resolves when the correlated reply arrives.
func (c *Invocation) SendForReply(p *message.Packet) (*Future, error) {
	msg, err := c.msgCtx.Seal(p)
	if err != nil {
		return nil, err
	}
	// On replay the signal may already exist, possibly with a recorded
	// reply; it must not be reset.
	if _, ok := c.signals[msg.ID]; !ok {
		c.signals[msg.ID] = &signalState{destination: msg.Destination}
	}
	return &Future{call: c, awaited: msg.ID}, nil
}

// Reply seals the reply to the incoming message. At most one reply may
// be sealed per incoming message.
func (c *Invocation) Reply(payload []byte, gasLimit uint64) error {
	_, err := c.msgCtx.SealReply(payload, gasLimit, 0, message.CodeSuccess)
	return err
}

// Spawn queues [fn] as a cooperative sub-task of this invocation.
func (c *Invocation) Spawn(fn func(*task.Task) error) {
	c.sched.Spawn(fn)
}

// Task returns the currently running sub-task, for use with the
// cooperative Mutex and RwLock.
func (c *Invocation) Task() *task.Task { return c.sched.Running() }

// Future correlates a sent message with its eventual reply.
type Future struct {
	call    *Invocation
	awaited message.MessageID
}

// AwaitedID returns the identifier of the message whose reply resolves
// this future.
func (f *Future) AwaitedID() message.MessageID { return f.awaited }

// Poll reports whether the correlated reply has been recorded.
func (f *Future) Poll() ReplyPoll {
	if sig, ok := f.call.signals[f.awaited]; ok && sig.ready {
		return Ready
	}
	return Pending
}

// Await resolves the future. If the reply has been recorded it returns
// the payload, or a *ReplyError when the reply carries a failure code.
// Otherwise it marks the awaited identifier on the invocation and
// returns ErrSuspended, which the handler propagates so the executor
// parks the whole invocation; handling resumes from the top once the
// reply is recorded, at which point Await resolves inline.
func (f *Future) Await() ([]byte, error) {
	sig, ok := f.call.signals[f.awaited]
	if !ok {
		return nil, fmt.Errorf("future %s was never registered", f.awaited)
	}
	if sig.ready {
		if sig.code != message.CodeSuccess {
			return nil, &ReplyError{Code: sig.code, Payload: sig.payload}
		}
		return sig.payload, nil
	}
	if f.call.awaited == message.EmptyMessageID {
		f.call.awaited = f.awaited
	}
	return nil, ErrSuspended
}
