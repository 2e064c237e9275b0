// Copyright (C) 2024, the gear authors. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"math"

	"github.com/ava-labs/avalanchego/codec"
	"github.com/ava-labs/avalanchego/codec/linearcodec"
	"github.com/ava-labs/avalanchego/utils/wrappers"

	"github.com/Zombieliu/gear/message"
)

const (
	// CodecVersion is the current default codec version
	CodecVersion = 0
)

// Codec serializes and deserializes everything the stores persist:
// message envelopes, program entries, parked continuations and log
// entries.
var Codec codec.Manager

func init() {
	c := linearcodec.NewDefault()
	// A program entry carries its whole page table and a continuation
	// carries recorded reply payloads, so records routinely exceed the
	// default manager's size cap.
	Codec = codec.NewManager(math.MaxInt32)

	errs := wrappers.Errs{}

	errs.Add(
		c.RegisterType(&message.Message{}),
		c.RegisterType(&Program{}),
		c.RegisterType(&Continuation{}),
		c.RegisterType(&LogEntry{}),
	)

	errs.Add(
		Codec.RegisterCodec(CodecVersion, c),
	)
	if errs.Errored() {
		panic(errs.Err)
	}
}
