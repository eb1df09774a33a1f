// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tmalloc implements a general purpose dynamic memory allocator
// managing a single contiguous heap supplied by a host sbrk-like primitive.
package tmalloc

import (
	"github.com/cznic/mathutil"
)

/*

Allocator manages the heap image of a Heap: it hands out blocks of at least
the requested size, takes them back, and resizes them in place when it can.
All bookkeeping lives inside the image itself; the Allocator struct holds no
state besides the Heap reference and a cached view of its bytes, so an image
can be snapshotted, restored and reopened byte for byte.

The terms MUST or MUST NOT, if/where used in the documentation of Allocator,
written in all caps as seen here, are a requirement for any possible
alternative implementations aiming for compatibility with this one.

Heap image

The image is a linear sequence of 8 byte little-endian words:

	+--------------+--------------+--------------+-- ... --+----------+
	| bins[0..B-1] | prologue lo  | prologue hi  |  blocks | epilogue |
	+--------------+--------------+--------------+-- ... --+----------+

bins[i] is the root reference of the i-th size bin's trie, 0 when empty. B
is derived from the size limits: two block sizes share a bin iff they share
the position of their most significant bit, so B == clz(minSize) -
clz(MaxSize) + 1. The prologue pair and the epilogue are sentinel words
encoded as a zero size with the allocated flag set; they bracket the block
sequence so neighbour walks never leave the image. The image MUST end in the
epilogue word at all times.

Blocks

A block carrying a payload of size S (S aligned, minSize <= S <= MaxSize)
occupies S+16 bytes:

	+------------------+------------------+------------------+
	| header: S|alloc  |  payload (S B)   | footer: S|alloc  |
	+------------------+------------------+------------------+

A block reference is the int64 offset of the payload's first byte in the
image; 0 refers to no block. Header and footer of a block MUST be equal, and
two physically adjacent blocks MUST NOT both be free - deallocation
coalesces with both neighbours before the result reaches the index.

Free block index

Free blocks are kept in the bins/trie/stack structure described in trie.go.
A free block MUST be reachable from exactly one bin, the bin of its size,
and its back word MUST name the single slot pointing at it. Allocation
searches the request's bin by descending the trie along the request's size
bits, then falls back to any strictly larger bin; the block found is split
when the remainder can stand as a block of its own, and the remainder
returns to the index. Coalescing can grow a free block past MaxSize; such a
block has no bin and stays outside the index until an in-place realloc of
its left neighbour absorbs it and splits a piece of it back under the limit.

Ordering

Writes to a block's header and footer happen strictly before the block is
inserted into the index, and removal from the index happens strictly before
the allocated flag is flipped. The allocator is synchronous and not safe for
concurrent use; Heap implementations must not re-enter it.

*/
type Allocator struct {
	h Heap
	b []byte
}

// NewAllocator returns an Allocator managing the image of h. A zero sized
// Heap is bootstrapped: the bin table, prologue and epilogue are written and
// no initial free block exists. A non zero sized Heap is treated as an
// existing image, for example one restored by MemHeap.ReadFrom, and is only
// validated.
func NewAllocator(h Heap) (*Allocator, error) {
	a := &Allocator{h: h}
	if h.Size() == 0 {
		if _, err := h.Sbrk(heapHdrSize); err != nil {
			return nil, err
		}

		a.b = h.Bytes()
		for i := int64(0); i < binCount; i++ {
			a.setWord(binOff(i), 0)
		}
		sentinel := pack(0, true)
		a.setWord(binOff(binCount), sentinel)
		a.setWord(binOff(binCount)+wordSize, sentinel)
		a.setWord(binOff(binCount)+dblWord, sentinel)
		return a, nil
	}

	if h.Size() < heapHdrSize {
		return nil, &ErrINVAL{"NewAllocator: heap image too small", h.Size()}
	}

	a.b = h.Bytes()
	if a.word(h.Size()-wordSize) != pack(0, true) {
		return nil, &ErrILSEQ{Type: ErrEpilogue, Off: h.Size() - wordSize}
	}

	if err := a.audit(); err != nil {
		return nil, err
	}

	return a, nil
}

// Malloc allocates a block of at least size bytes and returns its reference.
// The block content is not zeroed. size == 0 returns 0 and no error. Sizes
// above MaxSize fail with *ErrINVAL; when the free block index holds nothing
// big enough and the host refuses to grow the heap, the host's error is
// returned.
func (a *Allocator) Malloc(size int64) (p int64, err error) {
	if size < 0 || size > MaxSize {
		return 0, &ErrINVAL{"Malloc: size out of limits", size}
	}

	if size == 0 {
		return 0, nil
	}

	asize := size
	if asize < minSize {
		asize = minSize
	} else {
		asize = align(asize)
	}

	if p = a.fltBestFit(asize); p != 0 {
		a.fltRemove(p)
	} else if p, err = a.extendHeap(asize); err != nil {
		return 0, err
	}

	a.place(p, asize)
	tracef("Malloc(%#x) %#x", size, p)
	if err = a.audit(); err != nil {
		return 0, err
	}

	return p, nil
}

// Free deallocates the block referred to by p. The reference must have been
// obtained from Malloc or Realloc and must still be valid; only cheap range
// checks guard against foreign values.
func (a *Allocator) Free(p int64) (err error) {
	if p < heapHdrSize || p >= a.size() || p&(Alignment-1) != 0 {
		return &ErrINVAL{"Free: block reference out of limits", p}
	}

	if !a.allocOf(p) {
		return &ErrINVAL{"Free: attempt to free a free block at", p}
	}

	size := a.szOf(p)
	a.setHdr(p, pack(size, false))
	a.setFtr(p, pack(size, false))
	a.coalesce(p)
	tracef("Free(%#x) size %#x", p, size)
	return a.audit()
}

// Realloc resizes the block referred to by p to at least size bytes,
// preferring to do so in place, and returns the reference of the resized
// block. Realloc(0, size) is Malloc(size); Realloc(p, 0) is Free(p),
// returning 0. On failure the original block is untouched and still valid.
func (a *Allocator) Realloc(p, size int64) (r int64, err error) {
	if p == 0 {
		return a.Malloc(size)
	}

	if size == 0 {
		return 0, a.Free(p)
	}

	if size < 0 || size > MaxSize {
		return 0, &ErrINVAL{"Realloc: size out of limits", size}
	}

	if p < heapHdrSize || p >= a.size() || p&(Alignment-1) != 0 || !a.allocOf(p) {
		return 0, &ErrINVAL{"Realloc: block reference out of limits", p}
	}

	asize := size
	if asize < minSize {
		asize = minSize
	} else {
		asize = align(asize)
	}

	p0 := p
	old := a.szOf(p)
	switch diff := asize - old; {
	case diff <= 0:
		// In place shrink; place returns any surplus to the index.
		a.place(p, asize)
	default:
		q := a.nextBlk(p)
		if !a.allocOf(q) && dblWord+a.szOf(q) >= diff {
			// In place grow over the free right neighbour. A
			// neighbour above MaxSize is not in the index.
			if a.szOf(q) <= MaxSize {
				a.fltRemove(q)
			}
			csize := old + dblWord + a.szOf(q)
			a.setHdr(p, pack(csize, true))
			a.setFtr(p, pack(csize, true))
			a.place(p, asize)
			break
		}

		// Move: allocate fresh, copy, release the old block.
		var np int64
		if np, err = a.Malloc(asize); err != nil {
			return 0, err
		}

		n := mathutil.MinInt64(old, asize)
		copy(a.b[np:np+n], a.b[p:p+n])
		if err = a.Free(p); err != nil {
			return 0, err
		}

		p = np
	}
	tracef("Realloc(%#x, %#x) %#x", p0, size, p)
	if err = a.audit(); err != nil {
		return 0, err
	}

	return p, nil
}

// UsableSize returns the payload size of the block referred to by p, which
// can be larger than the size originally requested.
func (a *Allocator) UsableSize(p int64) int64 {
	if p == 0 {
		return 0
	}

	return a.szOf(p)
}

// Bytes returns the payload of the block referred to by p, or nil for p ==
// 0. The slice is valid only until the next call to Malloc, Realloc or
// Free.
func (a *Allocator) Bytes(p int64) []byte {
	if p == 0 {
		return nil
	}

	return a.b[p : p+a.szOf(p)]
}

func (a *Allocator) size() int64 { return int64(len(a.b)) }

// extendHeap grows the heap by an aligned n plus the block overhead, writes
// a free block of size n where the old epilogue sat and a new epilogue past
// its footer. The new block is returned unindexed: the caller either places
// it immediately or hands it to coalesce.
func (a *Allocator) extendHeap(n int64) (int64, error) {
	p := a.h.Size()
	if _, err := a.h.Sbrk(n + dblWord); err != nil {
		return 0, err
	}

	a.b = a.h.Bytes()
	a.setHdr(p, pack(n, false))
	a.setFtr(p, pack(n, false))
	a.setHdr(a.nextBlk(p), pack(0, true))
	tracef("extendHeap(%#x) %#x", n, p)
	return p, nil
}

// coalesce merges the just freed, unindexed block p with any free physical
// neighbours, then inserts the result into the index. It returns the
// reference of the merged block. Free blocks above MaxSize live outside the
// index, so merging does not unlink them.
func (a *Allocator) coalesce(p int64) int64 {
	next := a.nextBlk(p)
	prevAlloc := packAlloc(a.prevFtr(p))
	nextAlloc := a.allocOf(next)
	size := a.szOf(p)
	switch {
	case prevAlloc && nextAlloc:
		// isolated
	case prevAlloc && !nextAlloc:
		// right join ->
		if a.szOf(next) <= MaxSize {
			a.fltRemove(next)
		}
		size += dblWord + a.szOf(next)
		a.setHdr(p, pack(size, false))
		a.setFtr(p, pack(size, false))
	case !prevAlloc && nextAlloc:
		// <- left join
		if prev := a.prevBlk(p); a.szOf(prev) <= MaxSize {
			a.fltRemove(prev)
		}
		size += dblWord + packSize(a.prevFtr(p))
		a.setFtr(p, pack(size, false))
		p = a.prevBlk(p)
		a.setHdr(p, pack(size, false))
	default:
		// <- middle join ->
		p = a.prevBlk(p)
		if a.szOf(p) <= MaxSize {
			a.fltRemove(p)
		}
		if a.szOf(next) <= MaxSize {
			a.fltRemove(next)
		}
		size += a.szOf(p) + a.szOf(next) + 2*dblWord
		a.setHdr(p, pack(size, false))
		a.setWord(a.ftrOff(next), pack(size, false))
	}
	a.fltAdd(p)
	return p
}

// place marks block p allocated with payload size asize. When the surplus
// can stand as a block of its own it is split off and released through
// coalesce, so a free right neighbour of p merges with it instead of
// leaving an adjacent free pair.
func (a *Allocator) place(p, asize int64) {
	csize := a.szOf(p)
	if csize-asize >= minSize+dblWord {
		a.setHdr(p, pack(asize, true))
		a.setFtr(p, pack(asize, true))
		q := a.nextBlk(p)
		rsize := csize - asize - dblWord
		a.setHdr(q, pack(rsize, false))
		a.setFtr(q, pack(rsize, false))
		a.coalesce(q)
		return
	}

	a.setHdr(p, pack(csize, true))
	a.setFtr(p, pack(csize, true))
}
