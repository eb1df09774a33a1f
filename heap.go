// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// An abstraction of the host memory primitive the allocator consumes.

package tmalloc

// A Heap is a contiguous byte range which can only grow from its high end,
// sbrk style. It is the single external collaborator of an Allocator. A Heap
// is not safe for concurrent access and its methods must not re-enter the
// Allocator using it.
type Heap interface {
	// Sbrk extends the heap by n bytes, contiguously with the existing
	// range, and returns the offset of the first byte of the new region.
	// The new bytes read as zero. Sbrk never shrinks the heap; it fails
	// when the host cannot, or will not, provide more memory.
	Sbrk(n int64) (off int64, err error)

	// Bytes returns the whole current heap image. The returned slice is
	// invalidated by the next call to Sbrk.
	Bytes() []byte

	// Size returns the current size of the heap in bytes.
	Size() int64
}
