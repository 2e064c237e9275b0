// Copyright (C) 2024, the gear authors. All rights reserved.
// See the file LICENSE for licensing terms.

package memory

import (
	"errors"
	"sort"

	"github.com/ava-labs/avalanchego/utils/units"

	"github.com/Zombieliu/gear/gas"
)

// PageSize is the fixed byte size of one page of program memory.
const PageSize = 4 * units.KiB

var (
	ErrOutOfBounds      = errors.New("page beyond the configured maximum")
	ErrGasExhausted     = errors.New("not enough gas to touch page")
	ErrAlreadyAllocated = errors.New("page is already allocated")
	ErrNotAllocated     = errors.New("page is not allocated")
)

// PageNumber indexes a page inside a program's linear memory.
// Indices are contiguous from zero.
type PageNumber uint32

// PageTable maps a program's allocated pages to their contents.
// Every value is exactly PageSize bytes long.
type PageTable map[PageNumber][]byte

// Clone deep-copies the table. The executor snapshots a program's
// table this way before each handling attempt so an abort can discard
// every page mutation.
func (pt PageTable) Clone() PageTable {
	out := make(PageTable, len(pt))
	for n, data := range pt {
		cp := make([]byte, len(data))
		copy(cp, data)
		out[n] = cp
	}
	return out
}

// Numbers returns the allocated page numbers in ascending order.
// Persistence walks the table in this order so serialized layouts are
// reproducible.
func (pt PageTable) Numbers() []PageNumber {
	nums := make([]PageNumber, 0, len(pt))
	for n := range pt {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums
}

// ActionKind tags the step the executor must carry out after a page
// access.
type ActionKind uint8

const (
	// Allocate means the page was not present: it has been charged,
	// zero-filled and recorded; the executor maps it now.
	Allocate ActionKind = iota
	// Available means the page is present and may be read or written.
	Available
)

func (k ActionKind) String() string {
	switch k {
	case Allocate:
		return "allocate"
	case Available:
		return "available"
	default:
		return "unknown"
	}
}

// PageAction is the explicit result of touching one page, returned to
// the executor rather than performed behind its back.
type PageAction struct {
	Kind ActionKind
	Page PageNumber
}

// Costs holds the gas prices of page transitions.
type Costs struct {
	// Alloc is charged when a page is first materialized.
	Alloc uint64
	// Access is charged the first time an already-present page is
	// touched within one handling attempt.
	Access uint64
}

// Context manages one program's linear memory as lazily materialized
// fixed-size pages. It has no concurrency of its own: it is exercised
// synchronously inside a single invocation, which owns it exclusively.
type Context struct {
	pages    PageTable
	maxPages PageNumber
	gas      gas.Counter
	costs    Costs

	// pages charged for access during the current attempt
	touched map[PageNumber]struct{}
}

// NewContext builds a memory context over [pages]. The context takes
// ownership of the table; callers that need a rollback snapshot clone
// it first.
func NewContext(pages PageTable, maxPages PageNumber, counter gas.Counter, costs Costs) *Context {
	if pages == nil {
		pages = make(PageTable)
	}
	return &Context{
		pages:    pages,
		maxPages: maxPages,
		gas:      counter,
		costs:    costs,
		touched:  make(map[PageNumber]struct{}),
	}
}

// Access touches page [p], materializing it if needed, and reports the
// action for the executor to carry out. Every new page charges gas.
func (c *Context) Access(p PageNumber) (PageAction, error) {
	if p >= c.maxPages {
		return PageAction{}, ErrOutOfBounds
	}

	if _, ok := c.pages[p]; ok {
		if _, seen := c.touched[p]; !seen {
			if c.gas.Charge(c.costs.Access) == gas.NotEnough {
				return PageAction{}, ErrGasExhausted
			}
			c.touched[p] = struct{}{}
		}
		return PageAction{Kind: Available, Page: p}, nil
	}

	if c.gas.Charge(c.costs.Alloc) == gas.NotEnough {
		return PageAction{}, ErrGasExhausted
	}
	c.pages[p] = make([]byte, PageSize)
	c.touched[p] = struct{}{}
	return PageAction{Kind: Allocate, Page: p}, nil
}

// Grow allocates every page in [pages]. All pages must be absent.
func (c *Context) Grow(pages ...PageNumber) error {
	for _, p := range pages {
		if p >= c.maxPages {
			return ErrOutOfBounds
		}
		if _, ok := c.pages[p]; ok {
			return ErrAlreadyAllocated
		}
	}
	for _, p := range pages {
		if c.gas.Charge(c.costs.Alloc) == gas.NotEnough {
			return ErrGasExhausted
		}
		c.pages[p] = make([]byte, PageSize)
		c.touched[p] = struct{}{}
	}
	return nil
}

// Free releases every page in [pages]. All pages must be present.
func (c *Context) Free(pages ...PageNumber) error {
	for _, p := range pages {
		if _, ok := c.pages[p]; !ok {
			return ErrNotAllocated
		}
	}
	for _, p := range pages {
		delete(c.pages, p)
		delete(c.touched, p)
	}
	return nil
}

// pageRange bounds-checks the byte range [offset, offset+n) in 64-bit
// space and returns the pages it spans. Ranges past the last page or
// wrapping the address space fault before any page is touched.
func (c *Context) pageRange(offset, n uint64) (PageNumber, PageNumber, error) {
	end := offset + n - 1
	if end < offset {
		return 0, 0, ErrOutOfBounds
	}
	if end/PageSize >= uint64(c.maxPages) {
		return 0, 0, ErrOutOfBounds
	}
	return PageNumber(offset / PageSize), PageNumber(end / PageSize), nil
}

// Read copies [n] bytes starting at byte [offset], faulting in every
// page the range crosses.
func (c *Context) Read(offset uint64, n int) ([]byte, error) {
	out := make([]byte, n)
	if n == 0 {
		return out, nil
	}
	first, last, err := c.pageRange(offset, uint64(n))
	if err != nil {
		return nil, err
	}
	for p := first; p <= last; p++ {
		if _, err := c.Access(p); err != nil {
			return nil, err
		}
	}
	for i := 0; i < n; {
		p := PageNumber((offset + uint64(i)) / PageSize)
		inPage := int((offset + uint64(i)) % PageSize)
		i += copy(out[i:], c.pages[p][inPage:])
	}
	return out, nil
}

// Write copies [data] into memory starting at byte [offset], faulting
// in every page the range crosses.
func (c *Context) Write(offset uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	first, last, err := c.pageRange(offset, uint64(len(data)))
	if err != nil {
		return err
	}
	for p := first; p <= last; p++ {
		if _, err := c.Access(p); err != nil {
			return err
		}
	}
	for i := 0; i < len(data); {
		p := PageNumber((offset + uint64(i)) / PageSize)
		inPage := int((offset + uint64(i)) % PageSize)
		i += copy(c.pages[p][inPage:], data[i:])
	}
	return nil
}

// Pages returns the live page table. The caller must not retain it
// past the invocation that owns this context.
func (c *Context) Pages() PageTable { return c.pages }
