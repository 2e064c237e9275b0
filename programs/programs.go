// Copyright (C) 2024, the gear authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package programs holds the built-in demo handlers registered by the
// reference deployment and exercised by the end-to-end tests.
package programs

import (
	"bytes"
	"encoding/binary"
	"strconv"

	"github.com/ava-labs/avalanchego/ids"

	"github.com/Zombieliu/gear/message"
	"github.com/Zombieliu/gear/runtime"
	"github.com/Zombieliu/gear/task"
)

// Code identifiers of the built-in handlers.
var (
	PingCode    = ids.ID{'p', 'i', 'n', 'g'}
	CounterCode = ids.ID{'c', 'o', 'u', 'n', 't', 'e', 'r'}
	ProxyCode   = ids.ID{'p', 'r', 'o', 'x', 'y'}
	TallyCode   = ids.ID{'t', 'a', 'l', 'l', 'y'}
)

// Gas handed to messages the demo handlers dispatch.
const (
	replyGas = 10_000
	sendGas  = 100_000
)

// RegisterAll registers every built-in handler.
func RegisterAll(r *runtime.Registry) {
	r.Register(PingCode, Ping{})
	r.Register(CounterCode, SyncCounter{})
	r.Register(ProxyCode, Proxy{})
	r.Register(TallyCode, Tally{})
}

// peer reads the peer program identifier a handler was deployed with
// from its static data.
func peer(call *runtime.Invocation) message.ProgramID {
	var pid message.ProgramID
	copy(pid[:], call.Static())
	return pid
}

// Ping answers "ping" with "pong" and ignores everything else.
type Ping struct{}

func (Ping) Handle(call *runtime.Invocation) error {
	if !bytes.Equal(call.Payload(), []byte("ping")) {
		return nil
	}
	return call.Reply([]byte("pong"), replyGas)
}

// SyncCounter keeps a counter in its first memory page. On "async" it
// bumps the counter, pings its peer, awaits the reply, then answers
// with the counter value and clears it.
//
// The bump is deliberately unguarded: resuming re-executes the handler
// from the top, so the counter lands at 2 by the time the reply is
// sealed. This mirrors the behavior the handler is named after.
type SyncCounter struct{}

func (SyncCounter) Handle(call *runtime.Invocation) error {
	if !bytes.Equal(call.Payload(), []byte("async")) {
		return nil
	}

	raw, err := call.Memory().Read(0, 8)
	if err != nil {
		return err
	}
	count := binary.BigEndian.Uint64(raw) + 1
	binary.BigEndian.PutUint64(raw, count)
	if err := call.Memory().Write(0, raw); err != nil {
		return err
	}

	fut, err := call.SendForReply(
		message.NewPacket(peer(call)).Push([]byte("ping")).WithGasLimit(sendGas))
	if err != nil {
		return err
	}
	if _, err := fut.Await(); err != nil {
		return err
	}

	if err := call.Reply([]byte(strconv.FormatUint(count, 10)), replyGas); err != nil {
		return err
	}
	return call.Memory().Write(0, make([]byte, 8))
}

// Proxy forwards its payload to its peer and relays the reply back to
// the original sender.
type Proxy struct{}

func (Proxy) Handle(call *runtime.Invocation) error {
	fut, err := call.SendForReply(
		message.NewPacket(peer(call)).Push(call.Payload()).WithGasLimit(sendGas))
	if err != nil {
		return err
	}
	payload, err := fut.Await()
	if err != nil {
		return err
	}
	return call.Reply(payload, replyGas)
}

// Tally spawns one sub-task per input byte; each adds its byte to a
// shared total under a cooperative mutex. The reply carries the total,
// demonstrating in-invocation multitasking without touching the outer
// wait list.
type Tally struct{}

func (Tally) Handle(call *runtime.Invocation) error {
	var (
		mu    task.Mutex
		total uint64
		done  int
	)
	for _, b := range call.Payload() {
		b := b
		call.Spawn(func(t *task.Task) error {
			guard := mu.Lock(t)
			defer guard.Release()
			total += uint64(b)
			t.Yield()
			done++
			return nil
		})
	}
	for done < len(call.Payload()) {
		call.Task().Yield()
	}
	return call.Reply([]byte(strconv.FormatUint(total, 10)), replyGas)
}
