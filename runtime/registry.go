// Copyright (C) 2024, the gear authors. All rights reserved.
// See the file LICENSE for licensing terms.

package runtime

import (
	"github.com/ava-labs/avalanchego/ids"
)

// Handler executes a program's logic. The runtime treats it as an
// opaque executor: it is invoked once per incoming message and drives
// the invocation through the callbacks the Invocation exposes (page
// access, gas charging, message sealing).
//
// A handler signals suspension by returning an error wrapping
// ErrSuspended, which Future.Await produces; any other error aborts
// the attempt and rolls its state back.
type Handler interface {
	Handle(call *Invocation) error
}

// Initializer is implemented by handlers that run setup logic at
// deployment. Initialization executes under an unlimited gas counter
// and may not suspend.
type Initializer interface {
	Init(call *Invocation) error
}

// Registry maps code identifiers to the handlers that execute them.
// Programs reference code by identifier so several programs can share
// one handler implementation.
type Registry struct {
	handlers map[ids.ID]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[ids.ID]Handler)}
}

func (r *Registry) Register(code ids.ID, h Handler) {
	r.handlers[code] = h
}

func (r *Registry) Handler(code ids.ID) (Handler, bool) {
	h, ok := r.handlers[code]
	return h, ok
}
