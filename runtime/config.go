// Copyright (C) 2024, the gear authors. All rights reserved.
// See the file LICENSE for licensing terms.

package runtime

import (
	"github.com/ava-labs/avalanchego/version"

	"github.com/Zombieliu/gear/memory"
)

// Version of the node binary.
var Version = version.NewDefaultVersion(0, 1, 0)

// Config carries the metering and expiry policy of one runtime.
type Config struct {
	// MaxPages bounds every program's linear memory.
	MaxPages memory.PageNumber

	// PageCosts prices page transitions inside the memory context.
	PageCosts memory.Costs

	// SetupCost is charged before a handler runs, covering program and
	// page-table loading.
	SetupCost uint64

	// ExpiryTicks is how many ticks a parked continuation may wait for
	// its reply before the garbage-collection pass declares it expired
	// and delivers a failure reply instead.
	ExpiryTicks uint64
}

// DefaultConfig returns the documented defaults: 512 pages of linear
// memory, page allocation an order of magnitude above access, and a
// 64-tick reply deadline.
func DefaultConfig() Config {
	return Config{
		MaxPages:    512,
		PageCosts:   memory.Costs{Alloc: 1000, Access: 100},
		SetupCost:   250,
		ExpiryTicks: 64,
	}
}
