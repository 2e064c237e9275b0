// Copyright (C) 2024, the gear authors. All rights reserved.
// See the file LICENSE for licensing terms.

package gas

// ChargeResult is the outcome of charging gas against a counter.
type ChargeResult uint8

const (
	// Enough means the charge was fully applied.
	Enough ChargeResult = iota
	// NotEnough means the charge exceeded the remaining budget and the
	// counter was left untouched.
	NotEnough
)

func (r ChargeResult) String() string {
	switch r {
	case Enough:
		return "enough"
	case NotEnough:
		return "not enough"
	default:
		return "unknown"
	}
}

// Counter tracks the remaining compute budget of one invocation.
// A charge is atomic: it is either fully applied or the counter is
// left exactly as it was.
type Counter interface {
	// Charge attempts to decrement the remaining budget by [amount].
	Charge(amount uint64) ChargeResult

	// Remaining returns the budget left on the counter.
	Remaining() uint64

	// Limited reports whether this counter can ever run out.
	Limited() bool
}

var (
	_ Counter = (*LimitedCounter)(nil)
	_ Counter = (*UnlimitedCounter)(nil)
)

// LimitedCounter is a counter with a finite budget. It never goes
// negative: a charge larger than the remaining budget is rejected.
type LimitedCounter struct {
	remaining uint64
}

// NewLimited returns a counter holding [limit] units of gas.
func NewLimited(limit uint64) *LimitedCounter {
	return &LimitedCounter{remaining: limit}
}

func (c *LimitedCounter) Charge(amount uint64) ChargeResult {
	if amount > c.remaining {
		return NotEnough
	}
	c.remaining -= amount
	return Enough
}

func (c *LimitedCounter) Remaining() uint64 { return c.remaining }

func (c *LimitedCounter) Limited() bool { return true }

// UnlimitedCounter never runs out. It is used for privileged system
// invocations such as program initialization.
type UnlimitedCounter struct{}

// NewUnlimited returns an inexhaustible counter.
func NewUnlimited() *UnlimitedCounter { return &UnlimitedCounter{} }

func (c *UnlimitedCounter) Charge(uint64) ChargeResult { return Enough }

func (c *UnlimitedCounter) Remaining() uint64 { return 0 }

func (c *UnlimitedCounter) Limited() bool { return false }
