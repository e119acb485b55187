// Package arena implements a per-worker memory arena: a region-based
// allocator that carves blocks out of a private growable buffer with no
// cross-goroutine synchronization. Individual blocks can be freed back
// (adjacent free blocks are coalesced) or everything can be dropped at
// once with Reset. One arena must only ever be used by the goroutine
// that acquired it.
package arena

import (
	"fmt"
	"math"
	"unsafe"

	"github.com/bytedance/gopkg/lang/dirtmake"
	"github.com/bytedance/gopkg/lang/mcache"
)

const (
	// alignUnit is the maximum scalar alignment of the Go ABI.
	// Payload sizes and the bump offset are multiples of it.
	alignUnit = 8

	// headerSize is the size of the header preceding every payload.
	// It is a multiple of alignUnit so payloads stay aligned.
	headerSize = 24

	// growthFactor doubles the buffer on each growth step.
	growthFactor = 2

	// DefaultInitialCapacity is the buffer size for a new arena, sized
	// so allocation-heavy codec-style task workloads rarely grow.
	DefaultInitialCapacity = 5 << 20

	// maxAllocSize is the largest request the allocation paths accept;
	// anything bigger cannot gain a header and alignment padding
	// without overflowing int.
	maxAllocSize = math.MaxInt - headerSize - alignUnit

	// nilBlock terminates the free list.
	nilBlock = -1
)

// header is the per-block metadata embedded in the buffer right before
// the payload. next links the free list and is meaningful only while
// freed is set; a live block is never reachable from the free list.
type header struct {
	size  int64 // aligned payload bytes, header excluded
	next  int64 // offset of the next free header, nilBlock if none
	freed int64 // non-zero while the block sits on the free list
}

// Option holds the build-time tunables of an arena.
type Option struct {
	// InitialCapacity is the buffer size created by the first
	// allocation. Defaults to DefaultInitialCapacity if <= 0.
	InitialCapacity int

	// MaxCapacity caps buffer growth, rounded down to the alignment
	// unit; an allocation that would need more returns nil. 0 means
	// unbounded.
	MaxCapacity int
}

// DefaultOption returns the default values of Option.
func DefaultOption() *Option {
	return &Option{InitialCapacity: DefaultInitialCapacity}
}

// Stats is a snapshot of an arena's accounting.
type Stats struct {
	Live     int   // blocks currently allocated
	InUse    int64 // bytes held by live blocks, headers excluded
	Capacity int   // current buffer size
	Peak     int64 // high-water mark of InUse
	Grows    int   // buffer growth events
	Reuses   int64 // allocations served from the free list
}

// Arena is a region-based allocator over one contiguous buffer.
// The zero offset region [0, off) holds header+payload pairs handed out
// by the bump path; free is the head of a free list kept strictly
// ascending by offset, with touching neighbors always merged.
//
// Arena is not safe for concurrent use.
type Arena struct {
	buf  []byte
	base unsafe.Pointer // cached &buf[0]
	off  int            // bump boundary
	free int            // first free header offset, nilBlock when empty

	initial int
	max     int

	live   int
	inUse  int64
	peak   int64
	grows  int
	reuses int64

	registry *Registry
}

// NewArena creates an arena with the given options, nil means defaults.
// The backing buffer is not allocated until the first allocation call.
func NewArena(o *Option) (*Arena, error) {
	if o == nil {
		o = DefaultOption()
	}
	initial := o.InitialCapacity
	if initial <= 0 {
		initial = DefaultInitialCapacity
	}
	initial = alignUp(initial)
	if o.MaxCapacity < 0 {
		return nil, fmt.Errorf("memarena: MaxCapacity must be >= 0, got %d", o.MaxCapacity)
	}
	if o.MaxCapacity > 0 && o.MaxCapacity < initial {
		return nil, fmt.Errorf("memarena: MaxCapacity (%d) smaller than initial capacity (%d)",
			o.MaxCapacity, initial)
	}
	return &Arena{free: nilBlock, initial: initial, max: o.MaxCapacity}, nil
}

// Malloc returns a []byte of the requested size carved from the arena,
// or nil if size is not in (0, maxAllocSize] or growing the buffer
// would exceed MaxCapacity.
// The slice is a view into the buffer: it is valid until the block is
// freed, the arena is reset or released, or the buffer grows. Use
// Offset/FreeAt to address a block across growth, or Detach to copy a
// payload out. Contents may be dirty when a freed block is reused.
func (a *Arena) Malloc(size int) []byte {
	if size <= 0 || size > maxAllocSize {
		return nil
	}
	aligned := alignUp(size)

	// first fit on the sorted free list, blocks are handed out whole
	prev := nilBlock
	for off := a.free; off != nilBlock; {
		h := a.header(off)
		if h.size >= int64(aligned) {
			if prev == nilBlock {
				a.free = int(h.next)
			} else {
				a.header(prev).next = h.next
			}
			h.freed = 0
			h.next = nilBlock
			a.reuses++
			a.allocated(h.size)
			return a.payload(off, size, int(h.size))
		}
		prev = off
		off = int(h.next)
	}

	// bump allocation, growing the buffer if needed
	total := headerSize + aligned
	if a.off+total > len(a.buf) {
		if !a.grow(a.off + total) {
			return nil
		}
	}
	off := a.off
	a.off += total
	h := a.header(off)
	h.size = int64(aligned)
	h.next = nilBlock
	h.freed = 0
	a.allocated(int64(aligned))
	return a.payload(off, size, aligned)
}

// Calloc returns a zero-filled []byte of num*size bytes. It returns nil
// before touching the arena if the multiplication overflows, and nil on
// the same conditions as Malloc.
func (a *Arena) Calloc(num, size int) []byte {
	if num < 0 || size < 0 {
		return nil
	}
	if size != 0 && num > math.MaxInt/size {
		return nil
	}
	b := a.Malloc(num * size)
	if b != nil {
		clear(b)
	}
	return b
}

// Realloc resizes a block. A nil slice behaves like Malloc. Shrinking
// rewrites the block size in place and returns the same data pointer;
// the stranded tail is reclaimed only by Reset, and size 0 keeps one
// alignment unit so the block stays addressable for a later Free.
// Growing allocates a new block, copies the old payload and frees the
// old block. On failure (size out of range, or growth would exceed
// MaxCapacity) it returns nil and leaves the original block and its
// contents untouched.
func (a *Arena) Realloc(b []byte, size int) []byte {
	if b == nil {
		return a.Malloc(size)
	}
	if size < 0 || size > maxAllocSize {
		return nil
	}
	off := a.blockOffset(b)
	h := a.header(off)
	aligned := int64(alignUp(size))
	if aligned == 0 {
		aligned = alignUnit
	}
	if aligned <= h.size {
		a.inUse -= h.size - aligned
		h.size = aligned
		return a.payload(off, size, int(aligned))
	}

	// h is resolved against the current buffer and Malloc below may
	// grow and relocate it, so only the captured size survives; the
	// old payload is re-resolved by offset, growth copies the whole
	// bump region so the bytes are at the same offset either way
	oldSize := int(h.size)
	nb := a.Malloc(size)
	if nb == nil {
		return nil
	}
	copy(nb, a.payload(off, oldSize, oldSize))
	a.freeAt(off)
	return nb
}

// Free returns a block to the arena. It is a no-op for nil and for a
// block that is already free; it panics if the slice does not point
// into the arena's current buffer (foreign slice, or a payload issued
// before a growth event).
func (a *Arena) Free(b []byte) {
	if b == nil {
		return
	}
	a.freeAt(a.blockOffset(b))
}

// Offset returns the stable arena offset of a payload returned by
// Malloc/Calloc/Realloc. Offsets survive buffer growth; raw slices do
// not.
func (a *Arena) Offset(b []byte) int {
	return a.blockOffset(b) + headerSize
}

// FreeAt frees the block whose payload starts at the given offset, as
// returned by Offset.
func (a *Arena) FreeAt(dataOff int) {
	off := dataOff - headerSize
	if off < 0 || off+headerSize > a.off {
		panic("memarena: offset out of range")
	}
	a.freeAt(off)
}

// View returns the current payload slice for an offset returned by
// Offset. The block must be live.
func (a *Arena) View(dataOff, size int) []byte {
	off := dataOff - headerSize
	if off < 0 || off+headerSize > a.off {
		panic("memarena: offset out of range")
	}
	h := a.header(off)
	if h.freed != 0 || int64(alignUp(size)) > h.size {
		panic("memarena: bad view")
	}
	return a.payload(off, size, int(h.size))
}

// Detach copies a payload out of the arena so it survives growth,
// Reset and Release. The block itself stays live; free it as usual.
func (a *Arena) Detach(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := dirtmake.Bytes(len(b), len(b))
	copy(out, b)
	return out
}

// Reset drops every allocation in constant time and keeps the buffer.
// Every payload and offset previously handed out is invalid after it.
func (a *Arena) Reset() {
	a.off = 0
	a.free = nilBlock
	a.live = 0
	a.inUse = 0
}

// Release resets the arena and returns the buffer to the pool. It is
// safe to call more than once; the next allocation after a Release
// starts over with a fresh buffer.
func (a *Arena) Release() {
	if a.buf != nil {
		mcache.Free(a.buf)
		a.buf = nil
		a.base = nil
	}
	a.Reset()
}

// Available returns the bytes the arena can hand out without growing:
// free-list payload bytes plus the untouched bump region.
func (a *Arena) Available() int {
	n := len(a.buf) - a.off
	for off := a.free; off != nilBlock; off = int(a.header(off).next) {
		n += int(a.header(off).size)
	}
	return n
}

// Stats returns a snapshot of the arena's accounting.
func (a *Arena) Stats() Stats {
	return Stats{
		Live:     a.live,
		InUse:    a.inUse,
		Capacity: len(a.buf),
		Peak:     a.peak,
		Grows:    a.grows,
		Reuses:   a.reuses,
	}
}

func (a *Arena) header(off int) *header {
	return (*header)(unsafe.Add(a.base, off))
}

func (a *Arena) payload(off, length, capacity int) []byte {
	p := (*byte)(unsafe.Add(a.base, off+headerSize))
	return unsafe.Slice(p, capacity)[:length]
}

func (a *Arena) allocated(n int64) {
	a.live++
	a.inUse += n
	if a.inUse > a.peak {
		a.peak = a.inUse
	}
}

// blockOffset recovers the header offset for a payload slice, panicking
// if the slice does not point into the arena's current buffer.
func (a *Arena) blockOffset(b []byte) int {
	p := uintptr(unsafe.Pointer(unsafe.SliceData(b)))
	if a.base == nil || p < uintptr(a.base)+headerSize {
		panic("memarena: block not in arena")
	}
	off := int(p-uintptr(a.base)) - headerSize
	if off+headerSize > a.off {
		panic("memarena: block not in arena")
	}
	return off
}

// grow resizes the buffer to hold at least required bytes: double from
// the current capacity, clamped to exactly required if doubling
// overshoots past MaxCapacity or overflows. The buffer may relocate;
// offsets stay valid, raw payload slices issued before do not.
func (a *Arena) grow(required int) bool {
	if a.max > 0 && required > a.max {
		return false
	}
	newCap := len(a.buf)
	if newCap == 0 {
		newCap = a.initial
	}
	for newCap < required {
		newCap *= growthFactor
		if newCap < required && newCap <= 0 {
			newCap = required
		}
	}
	if a.max > 0 && newCap > a.max {
		newCap = a.max
	}
	buf := mcache.Malloc(newCap)
	buf = buf[:cap(buf)]
	if a.max > 0 && len(buf) > a.max {
		// the mcache bucket may be bigger than the cap, hide the excess
		buf = buf[:a.max&^(alignUnit-1)]
	}
	if a.buf != nil {
		copy(buf, a.buf[:a.off])
		mcache.Free(a.buf)
		a.grows++
	}
	a.buf = buf
	a.base = unsafe.Pointer(&buf[0])
	return true
}

// freeAt puts the block at header offset off on the free list, keeping
// the list sorted by offset and merging it with touching neighbors.
// Freeing an already-free block is a no-op.
func (a *Arena) freeAt(off int) {
	h := a.header(off)
	if h.freed != 0 {
		return
	}
	h.freed = 1
	a.live--
	a.inUse -= h.size

	// find the insertion point
	prev := nilBlock
	next := a.free
	for next != nilBlock && next < off {
		prev = next
		next = int(a.header(next).next)
	}
	if prev == nilBlock {
		a.free = off
	} else {
		a.header(prev).next = int64(off)
	}
	h.next = int64(next)

	// absorb the successor when the two blocks touch
	if next != nilBlock && off+headerSize+int(h.size) == next {
		nh := a.header(next)
		h.size += headerSize + nh.size
		h.next = nh.next
	}

	// and let the predecessor absorb this, possibly extended, block
	if prev != nilBlock {
		ph := a.header(prev)
		if prev+headerSize+int(ph.size) == off {
			ph.size += headerSize + h.size
			ph.next = h.next
		}
	}
}

// alignUp rounds n up to the next multiple of alignUnit.
func alignUp(n int) int {
	return (n + alignUnit - 1) &^ (alignUnit - 1)
}
