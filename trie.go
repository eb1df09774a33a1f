// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The free block index: a table of size bins, each bin the root of a bitwise
// trie keyed on the size bits below the bin's leading one, each trie node
// heading a stack of free blocks of the same size. All of it lives inside
// the heap image - the bin table in the preamble, the node links in the
// payloads of the free blocks themselves.

package tmalloc

// A free block's payload starts with four words:
//
//	+------+-------------+-------------+------+
//	| next | children[0] | children[1] | back |
//	+------+-------------+-------------+------+
//
// next links free blocks of identical size (the same-size stack).
// children[0] and children[1] are the trie links. back holds the offset of
// the one word which points at this node: a bin slot, a children field of
// the trie parent, or the next field of the stack predecessor. Only a stack
// head carries children; pushing a block onto a stack promotes it to trie
// head and strips the old head's children.

func (a *Allocator) fnNext(p int64) int64               { return int64(a.word(p)) }
func (a *Allocator) setFnNext(p, v int64)               { a.setWord(p, uint64(v)) }
func (a *Allocator) fnChildOff(p int64, i uint64) int64 { return p + wordSize + int64(i)*wordSize }
func (a *Allocator) fnChild(p int64, i uint64) int64    { return int64(a.word(a.fnChildOff(p, i))) }
func (a *Allocator) fnBack(p int64) int64               { return int64(a.word(p + 3*wordSize)) }
func (a *Allocator) setFnBack(p, v int64)               { a.setWord(p+3*wordSize, uint64(v)) }

// slot reads and setSlot writes the node reference stored in the word at
// offset s.
func (a *Allocator) slot(s int64) int64 { return int64(a.word(s)) }
func (a *Allocator) setSlot(s, v int64) { a.setWord(s, uint64(v)) }

// adoptChildren moves src's trie links onto dst, repointing the children's
// back links at dst's fields.
func (a *Allocator) adoptChildren(dst, src int64) {
	for i := uint64(0); i < 2; i++ {
		c := a.fnChild(src, i)
		a.setWord(a.fnChildOff(dst, i), uint64(c))
		if c != 0 {
			a.setFnBack(c, a.fnChildOff(dst, i))
		}
	}
}

// leaf returns the rightmost leaf of the subtree rooted at n.
func (a *Allocator) leaf(n int64) int64 {
	for {
		switch {
		case a.fnChild(n, 1) != 0:
			n = a.fnChild(n, 1)
		case a.fnChild(n, 0) != 0:
			n = a.fnChild(n, 0)
		default:
			return n
		}
	}
}

// fltAdd inserts free block p into the index. p must carry a valid free
// header/footer pair and must not currently be in the index. Coalescing can
// grow a free block past MaxSize, beyond the reach of any bin; such a block
// stays outside the index until an in-place realloc of its left neighbour
// absorbs it and splits the surplus back under the limit.
func (a *Allocator) fltAdd(p int64) {
	size := a.szOf(p)
	if size > MaxSize {
		tracef("fltAdd: block @%#x size %#x above MaxSize, left unindexed", p, size)
		return
	}

	bit := clz(uint64(size))
	s := binOff(binFor(size))
	for {
		n := a.slot(s)
		if n == 0 {
			a.setSlot(s, p)
			a.setFnBack(p, s)
			a.setFnNext(p, 0)
			a.setWord(a.fnChildOff(p, 0), 0)
			a.setWord(a.fnChildOff(p, 1), 0)
			return
		}

		if a.szOf(n) == size {
			// Push p onto the same-size stack; p becomes the trie
			// representative and n slides under it.
			a.setFnBack(p, s)
			a.setFnNext(p, n)
			a.adoptChildren(p, n)
			a.setWord(a.fnChildOff(n, 0), 0)
			a.setWord(a.fnChildOff(n, 1), 0)
			a.setFnBack(n, p) // p's next field is at offset p
			a.setSlot(s, p)
			return
		}

		bit++
		s = a.fnChildOff(n, bitN(uint64(size), bit))
	}
}

// fltRemove unlinks free block p from the index in O(1) plus, when p is a
// trie node with no same-size successor, one descent to the rightmost leaf
// of its subtree.
func (a *Allocator) fltRemove(p int64) {
	if n := a.fnNext(p); n != 0 {
		// p heads a stack (or sits inside one); its successor takes
		// over p's slot and trie links.
		a.setFnBack(n, a.fnBack(p))
		a.setSlot(a.fnBack(p), n)
		a.adoptChildren(n, p)
		return
	}

	l := a.leaf(p)
	if l == p {
		a.setSlot(a.fnBack(p), 0)
		return
	}

	// The rightmost leaf of p's subtree replaces p. Detach it first so
	// the child copy below cannot resurrect a link to it.
	a.setSlot(a.fnBack(l), 0)
	a.adoptChildren(l, p)
	a.setFnBack(l, a.fnBack(p))
	a.setSlot(a.fnBack(p), l)
}

// fltBestFit returns a free block of size >= size, or 0. The search descends
// the trie of size's bin guided by size's bits, keeping the smallest
// sufficient block seen; an exact size hit returns immediately. When the bin
// yields nothing the first non-empty strictly-larger bin supplies an
// arbitrary block. The result is locally, not globally, optimal within the
// bin.
func (a *Allocator) fltBestFit(size int64) int64 {
	best := int64(0)
	bit := clz(uint64(size))
	bin := binFor(size)
	n := a.slot(binOff(bin))
	for n != 0 {
		s := a.szOf(n)
		if s == size {
			return n
		}

		if s > size && (best == 0 || s < a.szOf(best)) {
			best = n
		}

		bit++
		n = a.fnChild(n, bitN(uint64(size), bit))
	}
	if best != 0 {
		return best
	}

	for j := bin - 1; j >= 0; j-- {
		if n = a.slot(binOff(j)); n != 0 {
			return n
		}
	}
	return 0
}
