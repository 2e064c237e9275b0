// Copyright (C) 2024, the gear authors. All rights reserved.
// See the file LICENSE for licensing terms.

package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zombieliu/gear/gas"
)

var testCosts = Costs{Alloc: 10, Access: 1}

func TestAccessAllocatesOnce(t *testing.T) {
	assert := assert.New(t)

	c := NewContext(nil, 16, gas.NewLimited(100), testCosts)

	action, err := c.Access(0)
	assert.NoError(err)
	assert.Equal(Allocate, action.Kind)
	assert.Equal(PageNumber(0), action.Page)
	assert.Len(c.Pages()[0], PageSize)

	// Second touch of the same page in the same attempt is free.
	remaining := gasRemaining(c)
	action, err = c.Access(0)
	assert.NoError(err)
	assert.Equal(Available, action.Kind)
	assert.Equal(remaining, gasRemaining(c))
}

func TestAccessChargesExistingPage(t *testing.T) {
	assert := assert.New(t)

	pages := PageTable{3: make([]byte, PageSize)}
	c := NewContext(pages, 16, gas.NewLimited(100), testCosts)

	action, err := c.Access(3)
	assert.NoError(err)
	assert.Equal(Available, action.Kind)
	assert.Equal(uint64(99), gasRemaining(c))
}

func TestAccessOutOfBounds(t *testing.T) {
	c := NewContext(nil, 4, gas.NewLimited(100), testCosts)
	_, err := c.Access(4)
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestAccessGasExhausted(t *testing.T) {
	assert := assert.New(t)

	counter := gas.NewLimited(9) // alloc costs 10
	c := NewContext(nil, 4, counter, testCosts)
	_, err := c.Access(0)
	assert.ErrorIs(err, ErrGasExhausted)
	// The failed charge left the counter untouched and the page absent.
	assert.Equal(uint64(9), counter.Remaining())
	assert.Empty(c.Pages())
}

func TestGrowAndFree(t *testing.T) {
	assert := assert.New(t)

	c := NewContext(nil, 8, gas.NewLimited(1000), testCosts)

	assert.NoError(c.Grow(0, 1, 2))
	assert.Len(c.Pages(), 3)
	assert.Equal([]PageNumber{0, 1, 2}, c.Pages().Numbers())

	assert.ErrorIs(c.Grow(2), ErrAlreadyAllocated)
	assert.ErrorIs(c.Grow(8), ErrOutOfBounds)

	assert.NoError(c.Free(1))
	assert.Len(c.Pages(), 2)
	assert.ErrorIs(c.Free(1), ErrNotAllocated)
}

func TestReadWriteSpansPages(t *testing.T) {
	require := require.New(t)

	c := NewContext(nil, 8, gas.NewLimited(1000), testCosts)

	payload := []byte("straddles the page boundary")
	offset := uint64(PageSize - 5)
	require.NoError(c.Write(offset, payload))
	require.Len(c.Pages(), 2)

	got, err := c.Read(offset, len(payload))
	require.NoError(err)
	require.Equal(payload, got)
}

func TestReadWriteFaultPastLastPage(t *testing.T) {
	require := require.New(t)

	c := NewContext(nil, 16, gas.NewLimited(1000), testCosts)

	// Offsets whose page index overflows 32 bits must fault, not
	// alias a low page.
	require.ErrorIs(c.Write(1<<44, []byte{0xff}), ErrOutOfBounds)
	require.Empty(c.Pages())

	_, err := c.Read(1<<44, 1)
	require.ErrorIs(err, ErrOutOfBounds)

	// A range starting in bounds but ending past the last page faults
	// before touching anything.
	require.ErrorIs(c.Write(16*PageSize-1, []byte{1, 2}), ErrOutOfBounds)
	require.Empty(c.Pages())

	// A range wrapping the 64-bit address space faults too.
	require.ErrorIs(c.Write(^uint64(0), []byte{1, 2}), ErrOutOfBounds)

	// The last valid byte is still addressable.
	require.NoError(c.Write(16*PageSize-1, []byte{7}))
	got, err := c.Read(16*PageSize-1, 1)
	require.NoError(err)
	require.Equal([]byte{7}, got)
}

func TestCloneIsDeep(t *testing.T) {
	assert := assert.New(t)

	c := NewContext(nil, 8, gas.NewLimited(1000), testCosts)
	assert.NoError(c.Write(0, []byte("before")))

	snapshot := c.Pages().Clone()
	assert.NoError(c.Write(0, []byte("after!")))

	assert.Equal([]byte("before"), snapshot[0][:6])
	assert.Equal([]byte("after!"), c.Pages()[0][:6])
}

func gasRemaining(c *Context) uint64 { return c.gas.Remaining() }
