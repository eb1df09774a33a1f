// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tmalloc

import (
	"bytes"
	"fmt"
	"math/rand"
	"strings"
	"testing"
)

func newTestAllocator(t *testing.T) *Allocator {
	a, err := NewAllocator(NewMemHeap(0))
	if err != nil {
		t.Fatal(err)
	}

	return a
}

// verify runs the checker collecting every finding and fails the test on the
// first corrupted image.
func verify(t *testing.T, a *Allocator) Stats {
	var st Stats
	var errs []string
	err := a.Check(func(e error) bool {
		errs = append(errs, e.Error())
		return len(errs) < 100
	}, &st)
	if err != nil {
		t.Fatalf("%v\n%s", err, strings.Join(errs, "\n"))
	}

	return st
}

func TestBootstrap(t *testing.T) {
	a := newTestAllocator(t)
	if g, e := a.size(), heapHdrSize; g != e {
		t.Fatal(g, e)
	}

	sentinel := pack(0, true)
	for _, off := range []int64{binOff(binCount), binOff(binCount) + wordSize, a.size() - wordSize} {
		if g := a.word(off); g != sentinel {
			t.Fatalf("off %#x: %#x", off, g)
		}
	}

	for i := int64(0); i < binCount; i++ {
		if g := a.slot(binOff(i)); g != 0 {
			t.Fatal(i, g)
		}
	}

	st := verify(t, a)
	if st.AllocBlocks != 0 || st.FreeBlocks != 0 {
		t.Fatal(st)
	}
}

func TestDerivedConstants(t *testing.T) {
	if g, e := int64(minSize), align(4*wordSize); g != e {
		t.Fatal(g, e)
	}

	if g, e := binCount, int64(23); g != e {
		t.Fatal(g, e)
	}

	if MaxSize&(Alignment-1) != 0 {
		t.Fatal(int64(MaxSize))
	}
}

func TestSizeBoundaries(t *testing.T) {
	a := newTestAllocator(t)

	p, err := a.Malloc(0)
	if p != 0 || err != nil {
		t.Fatal(p, err)
	}

	if b := a.Bytes(0); b != nil {
		t.Fatal(b)
	}

	if g := a.UsableSize(0); g != 0 {
		t.Fatal(g)
	}

	if _, err = a.Malloc(-1); err == nil {
		t.Fatal("unexpected success")
	}

	if _, err = a.Malloc(MaxSize + 1); err == nil {
		t.Fatal("unexpected success")
	}

	for _, rq := range []int64{1, minSize - 1, minSize} {
		p, err = a.Malloc(rq)
		if err != nil {
			t.Fatal(rq, err)
		}

		if g, e := a.UsableSize(p), int64(minSize); g != e {
			t.Fatal(rq, g, e)
		}

		verify(t, a)
	}

	p, err = a.Malloc(minSize + 1)
	if err != nil {
		t.Fatal(err)
	}

	if g, e := a.UsableSize(p), align(minSize+1); g != e {
		t.Fatal(g, e)
	}

	verify(t, a)
}

// Freeing a block and allocating the same size again must return the same
// block.
func TestExactReuse(t *testing.T) {
	a := newTestAllocator(t)
	p, err := a.Malloc(40)
	if err != nil {
		t.Fatal(err)
	}

	if g, e := p, heapHdrSize; g != e {
		t.Fatal(g, e)
	}

	if err = a.Free(p); err != nil {
		t.Fatal(err)
	}

	q, err := a.Malloc(40)
	if err != nil {
		t.Fatal(err)
	}

	if q != p {
		t.Fatal(q, p)
	}

	verify(t, a)
}

// A small request served from a big free block splits it; the remainder
// returns to the index.
func TestSplit(t *testing.T) {
	a := newTestAllocator(t)
	p, err := a.Malloc(4096)
	if err != nil {
		t.Fatal(err)
	}

	if err = a.Free(p); err != nil {
		t.Fatal(err)
	}

	st := verify(t, a)
	if st.FreeBlocks != 1 || st.FreeBytes != 4096 {
		t.Fatal(st)
	}

	q, err := a.Malloc(64)
	if err != nil {
		t.Fatal(err)
	}

	if q != p {
		t.Fatal(q, p)
	}

	rem := q + 64 + dblWord
	if g, e := a.szOf(rem), int64(4096-64-dblWord); g != e {
		t.Fatal(g, e)
	}

	if a.allocOf(rem) {
		t.Fatal("remainder not free")
	}

	st = verify(t, a)
	if st.FreeBlocks != 1 || st.FreeBytes != 4016 {
		t.Fatal(st)
	}
}

// Freeing the middle block of three merges the whole span end to end.
func TestCoalesceMiddle(t *testing.T) {
	a := newTestAllocator(t)
	var p [3]int64
	var err error
	for i := range p {
		if p[i], err = a.Malloc(64); err != nil {
			t.Fatal(i, err)
		}
	}

	for _, i := range []int{0, 2, 1} {
		if err = a.Free(p[i]); err != nil {
			t.Fatal(i, err)
		}

		verify(t, a)
	}

	st := verify(t, a)
	if st.FreeBlocks != 1 || st.FreeBytes != 3*64+2*dblWord {
		t.Fatal(st)
	}

	q, err := a.Malloc(224)
	if err != nil {
		t.Fatal(err)
	}

	if q != p[0] {
		t.Fatal(q, p[0])
	}

	verify(t, a)
}

// Realloc grows in place by absorbing a free right neighbour.
func TestReallocInPlaceGrow(t *testing.T) {
	a := newTestAllocator(t)
	p, err := a.Malloc(64)
	if err != nil {
		t.Fatal(err)
	}

	q, err := a.Malloc(64)
	if err != nil {
		t.Fatal(err)
	}

	if err = a.Free(q); err != nil {
		t.Fatal(err)
	}

	sz := a.size()
	r, err := a.Realloc(p, 120)
	if err != nil {
		t.Fatal(err)
	}

	if r != p {
		t.Fatal(r, p)
	}

	if g, e := a.size(), sz; g != e {
		t.Fatal(g, e)
	}

	if g, e := a.UsableSize(r), int64(64+dblWord+64); g != e {
		t.Fatal(g, e)
	}

	st := verify(t, a)
	if st.FreeBlocks != 0 {
		t.Fatal(st)
	}
}

// Realloc falls back to move-and-copy when the right neighbour is in use.
func TestReallocMove(t *testing.T) {
	a := newTestAllocator(t)
	p, err := a.Malloc(64)
	if err != nil {
		t.Fatal(err)
	}

	b := a.Bytes(p)
	for i := range b {
		b[i] = byte(i)
	}

	if _, err = a.Malloc(64); err != nil {
		t.Fatal(err)
	}

	r, err := a.Realloc(p, 4096)
	if err != nil {
		t.Fatal(err)
	}

	if r == p {
		t.Fatal(r)
	}

	for i, b := range a.Bytes(r)[:64] {
		if b != byte(i) {
			t.Fatal(i, b)
		}
	}

	if a.allocOf(p) {
		t.Fatal("old block not freed")
	}

	verify(t, a)
}

// Realloc shrink returns the surplus to the index, merged with a free right
// neighbour when there is one.
func TestReallocShrinkCoalesce(t *testing.T) {
	a := newTestAllocator(t)
	p, err := a.Malloc(256)
	if err != nil {
		t.Fatal(err)
	}

	q, err := a.Malloc(64)
	if err != nil {
		t.Fatal(err)
	}

	if _, err = a.Malloc(32); err != nil { // hold the heap end
		t.Fatal(err)
	}

	if err = a.Free(q); err != nil {
		t.Fatal(err)
	}

	r, err := a.Realloc(p, 64)
	if err != nil {
		t.Fatal(err)
	}

	if r != p {
		t.Fatal(r, p)
	}

	st := verify(t, a)
	if st.FreeBlocks != 1 || st.FreeBytes != 256-64-dblWord+dblWord+64 {
		t.Fatal(st)
	}
}

func TestReallocNilAndZero(t *testing.T) {
	a := newTestAllocator(t)
	p, err := a.Realloc(0, 100)
	if err != nil || p == 0 {
		t.Fatal(p, err)
	}

	r, err := a.Realloc(p, 0)
	if err != nil || r != 0 {
		t.Fatal(r, err)
	}

	st := verify(t, a)
	if st.AllocBlocks != 0 {
		t.Fatal(st)
	}
}

// The best fit is the smallest sufficient block reachable by the descent,
// searched first in the request's own bin, then in larger bins.
func TestBestFitAcrossBins(t *testing.T) {
	a := newTestAllocator(t)
	var blocks [3]int64
	var err error
	for i, size := range []int64{48, 96, 200} {
		if blocks[i], err = a.Malloc(size); err != nil {
			t.Fatal(i, err)
		}

		if _, err = a.Malloc(32); err != nil { // separator
			t.Fatal(i, err)
		}
	}
	for i, p := range blocks {
		if err = a.Free(p); err != nil {
			t.Fatal(i, err)
		}
	}

	q, err := a.Malloc(80)
	if err != nil {
		t.Fatal(err)
	}

	if g, e := q, blocks[1]; g != e {
		t.Fatal(g, e)
	}

	if g, e := a.UsableSize(q), int64(96); g != e { // 96-80 < split threshold
		t.Fatal(g, e)
	}

	st := verify(t, a)
	if st.FreeBlocks != 2 {
		t.Fatal(st)
	}
}

func TestFreeInvalid(t *testing.T) {
	a := newTestAllocator(t)
	for _, p := range []int64{0, 13, heapHdrSize - wordSize, 1 << 40} {
		if err := a.Free(p); err == nil {
			t.Fatal(p)
		}
	}

	p, err := a.Malloc(64)
	if err != nil {
		t.Fatal(err)
	}

	if err = a.Free(p); err != nil {
		t.Fatal(err)
	}

	if err = a.Free(p); err == nil {
		t.Fatal("unexpected success of a double free")
	}

	verify(t, a)
}

func TestOutOfMemory(t *testing.T) {
	a, err := NewAllocator(NewMemHeap(4096))
	if err != nil {
		t.Fatal(err)
	}

	if _, err = a.Malloc(MaxSize); err == nil {
		t.Fatal("unexpected success")
	}

	if _, ok := err.(*ErrMEM); !ok {
		t.Fatalf("%T", err)
	}

	p, err := a.Malloc(2000)
	if err != nil {
		t.Fatal(err)
	}

	if _, err = a.Malloc(4096); err == nil {
		t.Fatal("unexpected success")
	}

	// A failed Realloc leaves the original block valid.
	r, err := a.Realloc(p, 1<<20)
	if err == nil {
		t.Fatal(r)
	}

	if g, e := a.UsableSize(p), int64(2000); g != e {
		t.Fatal(g, e)
	}

	verify(t, a)
}

// Requests below the alignment granularity land in the same footprint as
// their aligned size.
func TestFootprintIdempotence(t *testing.T) {
	for rq := int64(33); rq <= 40; rq++ {
		a := newTestAllocator(t)
		b := newTestAllocator(t)
		if _, err := a.Malloc(rq); err != nil {
			t.Fatal(rq, err)
		}

		if _, err := b.Malloc(40); err != nil {
			t.Fatal(err)
		}

		if g, e := a.size(), b.size(); g != e {
			t.Fatal(rq, g, e)
		}
	}
}

func TestReallocRoundTrip(t *testing.T) {
	a := newTestAllocator(t)
	rng := rand.New(rand.NewSource(42))
	p, err := a.Malloc(100)
	if err != nil {
		t.Fatal(err)
	}

	ref := make([]byte, 100)
	rng.Read(ref)
	copy(a.Bytes(p), ref)

	for _, size := range []int64{300, 64, 2000, 100} {
		if p, err = a.Realloc(p, size); err != nil {
			t.Fatal(size, err)
		}

		n := int64(len(ref))
		if size < n {
			n = size
		}
		if !bytes.Equal(a.Bytes(p)[:n], ref[:n]) {
			t.Fatal(size)
		}

		ref = make([]byte, size)
		rng.Read(ref)
		copy(a.Bytes(p), ref)
		verify(t, a)
	}
}

// Coalescing two MaxSize-grade blocks produces a free block no bin can
// hold. Such a block stays outside the index, is never handed out by
// Malloc, and re-enters the index once an in-place realloc carves a piece
// back under the limit.
func TestOversizeCoalesce(t *testing.T) {
	if testing.Short() {
		t.Skip("allocates a multi hundred MB heap")
	}

	const big = 1 << 27
	a := newTestAllocator(t)
	A, err := a.Malloc(64)
	if err != nil {
		t.Fatal(err)
	}

	B, err := a.Malloc(big)
	if err != nil {
		t.Fatal(err)
	}

	C, err := a.Malloc(big)
	if err != nil {
		t.Fatal(err)
	}

	D, err := a.Malloc(64)
	if err != nil {
		t.Fatal(err)
	}

	if err = a.Free(B); err != nil {
		t.Fatal(err)
	}

	verify(t, a)
	if err = a.Free(C); err != nil {
		t.Fatal(err)
	}

	big2 := int64(2*big + dblWord)
	if big2 <= MaxSize {
		t.Fatal(big2)
	}

	st := verify(t, a)
	if st.FreeBlocks != 1 || st.FreeBytes != big2 {
		t.Fatal(st)
	}

	for i := int64(0); i < binCount; i++ {
		if g := a.slot(binOff(i)); g != 0 {
			t.Fatal(i, g)
		}
	}

	// The unindexed block is invisible to Malloc: a new request extends
	// the heap instead.
	end := a.size()
	E, err := a.Malloc(64)
	if err != nil {
		t.Fatal(err)
	}

	if E != end {
		t.Fatal(E, end)
	}

	verify(t, a)

	// An in-place grow absorbs the oversize neighbour and splits the
	// surplus back under the limit, re-indexing it.
	r, err := a.Realloc(A, 128)
	if err != nil {
		t.Fatal(err)
	}

	if r != A {
		t.Fatal(r, A)
	}

	if g, e := a.UsableSize(A), int64(128); g != e {
		t.Fatal(g, e)
	}

	csize := 64 + dblWord + big2
	rem := csize - 128 - dblWord
	if rem > MaxSize {
		t.Fatal(rem)
	}

	st = verify(t, a)
	if st.FreeBlocks != 1 || st.FreeBytes != rem {
		t.Fatal(st)
	}

	// Freeing A merges it back over the limit and out of the index.
	if err = a.Free(A); err != nil {
		t.Fatal(err)
	}

	st = verify(t, a)
	if st.FreeBlocks != 1 || st.FreeBytes != csize {
		t.Fatal(st)
	}

	// Freeing D left-joins an unindexed oversize neighbour.
	if err = a.Free(D); err != nil {
		t.Fatal(err)
	}

	st = verify(t, a)
	if st.FreeBlocks != 1 || st.FreeBytes != csize+dblWord+64 {
		t.Fatal(st)
	}

	if err = a.Free(E); err != nil {
		t.Fatal(err)
	}

	verify(t, a)
}

// Paranoid Allocator, automatically verifies after every operation.
type pAllocator struct {
	*Allocator
	t *testing.T
}

func (a *pAllocator) check(s string, arg ...interface{}) {
	var errs []string
	err := a.Allocator.Check(func(e error) bool {
		errs = append(errs, e.Error())
		return len(errs) < 100
	}, nil)
	if err != nil {
		a.t.Fatalf("%s: %v\n%s", fmt.Sprintf(s, arg...), err, strings.Join(errs, "\n"))
	}
}

func (a *pAllocator) Malloc(size int64) (int64, error) {
	p, err := a.Allocator.Malloc(size)
	a.check("Malloc(%#x)", size)
	return p, err
}

func (a *pAllocator) Free(p int64) error {
	err := a.Allocator.Free(p)
	a.check("Free(%#x)", p)
	return err
}

func (a *pAllocator) Realloc(p, size int64) (int64, error) {
	r, err := a.Allocator.Realloc(p, size)
	a.check("Realloc(%#x, %#x)", p, size)
	return r, err
}

func TestAllocatorRnd(t *testing.T) {
	const N = 128

	rng := rand.New(rand.NewSource(42))
	a := &pAllocator{newTestAllocator(t), t}

	type ref struct {
		p int64
		b []byte
	}
	var live []ref

	fill := func(p int64, size int64) []byte {
		b := make([]byte, size)
		rng.Read(b)
		copy(a.Bytes(p), b)
		return b
	}

	for i := 0; i < N; i++ {
		size := rng.Int63n(2048) + 1
		p, err := a.Malloc(size)
		if err != nil {
			t.Fatal(i, err)
		}

		live = append(live, ref{p, fill(p, size)})
	}

	// Free half, verifying content on the way out.
	for i := 0; i < N/2; i++ {
		j := rng.Intn(len(live))
		r := live[j]
		if !bytes.Equal(a.Bytes(r.p)[:len(r.b)], r.b) {
			t.Fatal(i, r.p)
		}

		if err := a.Free(r.p); err != nil {
			t.Fatal(i, err)
		}

		live = append(live[:j], live[j+1:]...)
	}

	// Realloc a third of the survivors.
	for i := range live {
		if i%3 != 0 {
			continue
		}

		r := live[i]
		size := rng.Int63n(3000) + 1
		p, err := a.Realloc(r.p, size)
		if err != nil {
			t.Fatal(i, err)
		}

		n := int64(len(r.b))
		if size < n {
			n = size
		}
		if !bytes.Equal(a.Bytes(p)[:n], r.b[:n]) {
			t.Fatal(i, p)
		}

		live[i] = ref{p, fill(p, size)}
	}

	for i, r := range live {
		if !bytes.Equal(a.Bytes(r.p)[:len(r.b)], r.b) {
			t.Fatal(i, r.p)
		}

		if err := a.Free(r.p); err != nil {
			t.Fatal(i, err)
		}
	}

	var st Stats
	if err := a.Check(nil, &st); err != nil {
		t.Fatal(err)
	}

	// Everything released coalesces into a single spanning free block.
	if st.AllocBlocks != 0 || st.FreeBlocks != 1 {
		t.Fatal(st)
	}
}
