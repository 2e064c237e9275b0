// Copyright (C) 2024, the gear authors. All rights reserved.
// See the file LICENSE for licensing terms.

package gas

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLimitedCharge(t *testing.T) {
	assert := assert.New(t)

	c := NewLimited(100)
	assert.True(c.Limited())
	assert.Equal(uint64(100), c.Remaining())

	assert.Equal(Enough, c.Charge(40))
	assert.Equal(uint64(60), c.Remaining())

	// Overcharging leaves the counter untouched.
	assert.Equal(NotEnough, c.Charge(61))
	assert.Equal(uint64(60), c.Remaining())

	// Charging exactly the remaining budget drains it to zero.
	assert.Equal(Enough, c.Charge(60))
	assert.Equal(uint64(0), c.Remaining())

	assert.Equal(NotEnough, c.Charge(1))
	assert.Equal(uint64(0), c.Remaining())

	// Zero charges always succeed.
	assert.Equal(Enough, c.Charge(0))
}

func TestLimitedNeverNegative(t *testing.T) {
	assert := assert.New(t)

	c := NewLimited(10)
	charges := []uint64{3, 3, 3, 3, 3, 1, 1}
	for _, amount := range charges {
		before := c.Remaining()
		res := c.Charge(amount)
		if amount > before {
			assert.Equal(NotEnough, res)
			assert.Equal(before, c.Remaining())
		} else {
			assert.Equal(Enough, res)
			assert.Equal(before-amount, c.Remaining())
		}
	}
}

func TestUnlimitedCharge(t *testing.T) {
	assert := assert.New(t)

	c := NewUnlimited()
	assert.False(c.Limited())
	for i := 0; i < 4; i++ {
		assert.Equal(Enough, c.Charge(1<<62))
	}
}
