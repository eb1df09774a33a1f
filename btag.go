// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The boundary tag layer: every block is bracketed by a header and a footer
// word packing the payload size with the allocated flag. Walking to the
// physical neighbours of a block needs only those words.

package tmalloc

import (
	"encoding/binary"

	"github.com/cznic/mathutil"
)

const (
	wordSize = 8            // header/footer/index words, fixed 8 byte little-endian
	dblWord  = 2 * wordSize // per block overhead
	wordBits = 8 * wordSize
	allocBit = 1

	// Alignment of block payload offsets and sizes. Must be a power of
	// two dividing dblWord.
	Alignment = 8

	// MaxSize is the largest payload size the allocator accepts.
	MaxSize = 1<<28 - Alignment

	// minSize is the aligned size of the four word free node overlay, the
	// smallest payload any block can carry.
	minSize = (4*wordSize + Alignment - 1) &^ (Alignment - 1)
)

// clz returns the number of leading zero bits of n in a wordBits wide word.
func clz(n uint64) uint { return wordBits - uint(mathutil.BitLenUint64(n)) }

var (
	clzMax = clz(MaxSize) // bit position of the first bin's leading one
	clzMin = clz(minSize)

	// binCount is the number of size bins: two sizes share a bin iff they
	// share the position of their most significant bit.
	binCount = int64(clzMin - clzMax + 1)

	// heapHdrSize is the size of the heap preamble: the bin table, two
	// prologue words and the epilogue word. It is also the offset of the
	// first block payload.
	heapHdrSize = (binCount + 3) * wordSize
)

// align rounds n up to the nearest multiple of Alignment.
func align(n int64) int64 { return (n + Alignment - 1) &^ (Alignment - 1) }

// pack combines a payload size and the allocated flag into a tag word.
func pack(size int64, alloc bool) uint64 {
	w := uint64(size)
	if alloc {
		w |= allocBit
	}
	return w
}

func packSize(w uint64) int64 { return int64(w &^ (Alignment - 1)) }

func packAlloc(w uint64) bool { return w&allocBit != 0 }

// bitN returns bit n of s, indexed from the most significant bit of the
// word, bit 0 being the MSB.
func bitN(s uint64, n uint) uint64 { return (s >> (wordBits - 1 - n)) & 1 }

// binFor returns the bin index for a block size. Larger sizes map to
// smaller bin numbers.
func binFor(size int64) int64 { return int64(clz(uint64(size)) - clzMax) }

// binOff returns the image offset of the i-th bin slot.
func binOff(i int64) int64 { return i * wordSize }

func (a *Allocator) word(off int64) uint64       { return binary.LittleEndian.Uint64(a.b[off:]) }
func (a *Allocator) setWord(off int64, w uint64) { binary.LittleEndian.PutUint64(a.b[off:], w) }

// Block references are int64 offsets of the payload's first byte within the
// heap image. 0 refers to no block.

func (a *Allocator) hdr(p int64) uint64       { return a.word(p - wordSize) }
func (a *Allocator) setHdr(p int64, w uint64) { a.setWord(p-wordSize, w) }
func (a *Allocator) szOf(p int64) int64       { return packSize(a.hdr(p)) }
func (a *Allocator) allocOf(p int64) bool     { return packAlloc(a.hdr(p)) }
func (a *Allocator) ftrOff(p int64) int64     { return p + a.szOf(p) }
func (a *Allocator) setFtr(p int64, w uint64) { a.setWord(a.ftrOff(p), w) }
func (a *Allocator) prevFtr(p int64) uint64   { return a.word(p - dblWord) }

func (a *Allocator) nextBlk(p int64) int64 { return p + a.szOf(p) + dblWord }
func (a *Allocator) prevBlk(p int64) int64 { return p - dblWord - packSize(a.prevFtr(p)) }
