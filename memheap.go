// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// A memory-only implementation of Heap.

package tmalloc

import (
	"io"
	"io/ioutil"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

var _ Heap = &MemHeap{} // Ensure MemHeap is a Heap.

// MemHeap is a memory backed Heap. Its zero value is an empty heap ready for
// use. MemHeap is not automatically persistent, but it has ReadFrom and
// WriteTo methods which move the whole image through the snappy framing
// format.
type MemHeap struct {
	b   []byte
	max int64
}

// NewMemHeap returns a new MemHeap which refuses to grow past max bytes.
// Pass max == 0 for no limit.
func NewMemHeap(max int64) *MemHeap {
	return &MemHeap{max: max}
}

// Sbrk implements Heap.
func (h *MemHeap) Sbrk(n int64) (int64, error) {
	if n < 0 {
		return 0, &ErrINVAL{"MemHeap.Sbrk: negative increment", n}
	}

	off := int64(len(h.b))
	if h.max != 0 && off+n > h.max {
		return 0, &ErrMEM{"MemHeap.Sbrk: brk limit reached", off + n}
	}

	h.b = append(h.b, make([]byte, n)...)
	return off, nil
}

// Bytes implements Heap.
func (h *MemHeap) Bytes() []byte { return h.b }

// Size implements Heap.
func (h *MemHeap) Size() int64 { return int64(len(h.b)) }

// WriteTo writes the snappy compressed heap image to w. 'n' reports the
// number of bytes written to 'w'.
func (h *MemHeap) WriteTo(w io.Writer) (n int64, err error) {
	cw := &countingWriter{w: w}
	zw := snappy.NewBufferedWriter(cw)
	if _, err = zw.Write(h.b); err != nil {
		return cw.n, errors.Wrap(err, "MemHeap.WriteTo")
	}

	if err = zw.Close(); err != nil {
		return cw.n, errors.Wrap(err, "MemHeap.WriteTo")
	}

	return cw.n, nil
}

// ReadFrom replaces the heap image with the snappy compressed content of r.
// 'n' reports the number of bytes read from 'r'.
func (h *MemHeap) ReadFrom(r io.Reader) (n int64, err error) {
	cr := &countingReader{r: r}
	b, err := ioutil.ReadAll(snappy.NewReader(cr))
	if err != nil {
		return cr.n, errors.Wrap(err, "MemHeap.ReadFrom")
	}

	if h.max != 0 && int64(len(b)) > h.max {
		return cr.n, &ErrMEM{"MemHeap.ReadFrom: image exceeds brk limit", int64(len(b))}
	}

	h.b = b
	return cr.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.n += int64(n)
	return n, err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	c.n += int64(n)
	return n, err
}
