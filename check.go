// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The consistency checker.

package tmalloc

// Stats records statistics about a heap image. It is optionally filled by
// Check, if successful.
type Stats struct {
	TotalBytes  int64 // size of the heap image, preamble included
	AllocBlocks int64 // blocks currently allocated
	AllocBytes  int64 // payload bytes currently allocated
	FreeBlocks  int64 // blocks currently free, indexed or not
	FreeBytes   int64 // payload bytes currently free
}

// firstBitsEqual reports whether the first n bits of a and b, counted from
// the most significant bit, are the same.
func firstBitsEqual(a, b uint64, n uint) bool {
	if n == 0 {
		return true
	}

	if n >= wordBits {
		return a == b
	}

	m := ^(uint64(1)<<(wordBits-n) - 1)
	return a&m == b&m
}

// setNBit truncates size to its first bitp bits and forces bit bitp-1 to b.
// It produces the size prefix a trie child's subtree must match.
func setNBit(size uint64, bitp uint, b uint64) uint64 {
	return (size>>(wordBits-bitp)&^1 | b) << (wordBits - bitp)
}

// Check attempts to find any structural errors in the heap image wrt the
// invariants of Allocator: the image ends in the epilogue word, every
// header equals its footer, no two adjacent blocks are both free, and every
// free block sits in exactly one bin, at the trie position its size bits
// dictate, with its back link naming the one slot pointing at it.
//
// Problems found are reported to 'log' except non structural errors. If
// 'log' returns false the check stops. Passing a nil log works like
// providing a log function always returning false. Check returns nil only
// if it fully completed without detecting any error.
//
// The check marks visited free blocks by transiently flipping the allocated
// bit of their footers, then a linear sweep of the physical chain clears the
// marks and reports free blocks the trie crawl never reached. Free blocks
// above MaxSize are expected to be unindexed and are not reported.
// Statistics are returned via 'stats' if non nil; they are valid only if
// Check returned nil.
func (a *Allocator) Check(log func(error) bool, stats *Stats) (err error) {
	var first error
	report := func(e error) bool {
		if first == nil {
			first = e
		}
		if Debug > 0 {
			hlog.Error(e)
		}
		if log == nil {
			return false
		}
		return log(e)
	}

	sz := a.size()
	if sz < heapHdrSize || a.word(sz-wordSize) != pack(0, true) {
		report(&ErrILSEQ{Type: ErrEpilogue, Off: sz - wordSize})
		return first
	}

	var st Stats
	st.TotalBytes = sz

	// Physical walk: sizes, boundary tags, coalescing.
	prevFree := false
	prevP := int64(0)
	for p := heapHdrSize; ; p = a.nextBlk(p) {
		h := a.hdr(p)
		s := packSize(h)
		if s == 0 {
			if !packAlloc(h) || p != sz {
				report(&ErrILSEQ{Type: ErrEpilogue, Off: p - wordSize})
				return first
			}
			break
		}

		// No upper size check here: coalescing legally grows blocks
		// past MaxSize.
		if s < minSize || s&(Alignment-1) != 0 || p+s+wordSize > sz {
			report(&ErrILSEQ{Type: ErrBlockSize, Off: p, Arg: s})
			return first // cannot walk past a broken size
		}

		if f := a.word(p + s); f != h {
			if !report(&ErrILSEQ{Type: ErrHeadFoot, Off: p, Arg: int64(h), Arg2: int64(f)}) {
				return first
			}
		}

		switch alloc := packAlloc(h); {
		case alloc:
			st.AllocBlocks++
			st.AllocBytes += s
			prevFree = false
		default:
			if prevFree {
				if !report(&ErrILSEQ{Type: ErrAdjacentFree, Off: prevP, Arg: p}) {
					return first
				}
			}
			st.FreeBlocks++
			st.FreeBytes += s
			prevFree = true
		}
		prevP = p
	}

	// Trie crawl: every node's size must match the bit path leading to it,
	// its back link must close the loop, and it must be free and not seen
	// before. Visited nodes get the allocated bit of their footer set.
	ok := true
	var crawl func(n int64, psize uint64, bit uint) bool
	crawl = func(n int64, psize uint64, bit uint) bool {
		if n == 0 {
			return true
		}

		if n&(Alignment-1) != 0 || n < heapHdrSize || n >= sz {
			return report(&ErrILSEQ{Type: ErrOther, Off: n, More: "index reference outside the heap"})
		}

		s := a.szOf(n)
		if s < minSize || s > MaxSize || n+s+wordSize > sz {
			return report(&ErrILSEQ{Type: ErrBlockSize, Off: n, Arg: s})
		}

		if !firstBitsEqual(psize, uint64(s), bit) {
			if !report(&ErrILSEQ{Type: ErrTrieBits, Off: n, Arg: s}) {
				return false
			}
		}

		if a.allocOf(n) {
			if !report(&ErrILSEQ{Type: ErrNotFree, Off: n}) {
				return false
			}
		}

		if packAlloc(a.word(n + s)) {
			if !report(&ErrILSEQ{Type: ErrDoubleListed, Off: n}) {
				return false
			}
		}

		if back := a.fnBack(n); back < 0 || back+wordSize > sz || a.slot(back) != n {
			if !report(&ErrILSEQ{Type: ErrBackPointer, Off: n, Arg: a.fnBack(n)}) {
				return false
			}
		}

		a.setWord(n+s, pack(s, true)) // mark visited

		if !crawl(a.fnNext(n), uint64(s), wordBits) {
			return false
		}

		bit++
		if !crawl(a.fnChild(n, 0), setNBit(psize, bit, 0), bit) {
			return false
		}
		return crawl(a.fnChild(n, 1), setNBit(psize, bit, 1), bit)
	}

	largest := uint64(MaxSize)
	for i := int64(0); i < binCount; i++ {
		if !crawl(a.slot(binOff(i)), largest, uint(clzMax)+uint(i)+1) {
			ok = false
			break
		}
		largest >>= 1
	}
	// Sweep: clear the visit marks, report free blocks the crawl missed.
	// The marks are cleared even when the crawl or the reporting stopped
	// early.
	for p := heapHdrSize; ; p = a.nextBlk(p) {
		h := a.hdr(p)
		s := packSize(h)
		if s == 0 {
			break
		}

		if !packAlloc(h) {
			switch f := a.word(p + s); {
			case packAlloc(f):
				a.setWord(p+s, pack(s, false))
			case s > MaxSize:
				// Outgrew every bin; unindexed by design.
			case !ok:
				// The crawl or the reporting stopped early.
			default:
				ok = report(&ErrILSEQ{Type: ErrLostFreeBlock, Off: p})
			}
		}
	}

	if first == nil && stats != nil {
		*stats = st
	}
	return first
}
