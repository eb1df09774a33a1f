// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Trace file parsing and replay.

package main

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/cznic/mathutil"
	"github.com/pkg/errors"

	"github.com/cznic/tmalloc"
)

// A traceOp is one line of a trace body.
//
//	a id size
//	r id size
//	f id
type traceOp struct {
	kind byte
	id   int
	size int64
}

// A trace is a parsed allocator script: a four line header (suggested heap
// size, id count, op count, weight) followed by one op per line.
type trace struct {
	ids    int
	weight int
	ops    []traceOp
}

func parseTrace(r io.Reader) (*trace, error) {
	sc := bufio.NewScanner(r)
	ln := 0
	next := func() (string, bool) {
		for sc.Scan() {
			ln++
			s := strings.TrimSpace(sc.Text())
			if s != "" {
				return s, true
			}
		}
		return "", false
	}

	var hdr [4]int64
	for i := range hdr {
		s, ok := next()
		if !ok {
			return nil, errors.Errorf("line %d: truncated trace header", ln)
		}

		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d: trace header", ln)
		}

		hdr[i] = n
	}

	t := &trace{ids: int(hdr[1]), weight: int(hdr[3])}
	if t.ids < 0 {
		return nil, errors.Errorf("invalid id count %d", t.ids)
	}

	for {
		s, ok := next()
		if !ok {
			break
		}

		f := strings.Fields(s)
		var op traceOp
		op.kind = s[0]
		switch op.kind {
		case 'a', 'r':
			if len(f) != 3 {
				return nil, errors.Errorf("line %d: malformed op %q", ln, s)
			}

			size, err := strconv.ParseInt(f[2], 10, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d", ln)
			}

			if size <= 0 {
				return nil, errors.Errorf("line %d: non-positive size %d", ln, size)
			}

			op.size = size
		case 'f':
			if len(f) != 2 {
				return nil, errors.Errorf("line %d: malformed op %q", ln, s)
			}
		default:
			return nil, errors.Errorf("line %d: unknown op %q", ln, s)
		}

		id, err := strconv.Atoi(f[1])
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", ln)
		}

		if id < 0 || id >= t.ids {
			return nil, errors.Errorf("line %d: id %d out of range", ln, id)
		}

		op.id = id
		t.ops = append(t.ops, op)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "reading trace")
	}

	if int64(len(t.ops)) != hdr[2] {
		return nil, errors.Errorf("trace header promises %d ops, got %d", hdr[2], len(t.ops))
	}

	return t, nil
}

type replayResult struct {
	Ops      int
	PeakLive int64
	HeapSize int64
	Util     float64
}

// replay runs a trace against a fresh allocator over a MemHeap, verifying
// block content survives between ops. With check set the consistency
// checker runs after every op. max limits the heap, 0 means no limit.
func replay(t *trace, check bool, max int64) (*replayResult, error) {
	h := tmalloc.NewMemHeap(max)
	a, err := tmalloc.NewAllocator(h)
	if err != nil {
		return nil, err
	}

	blocks := make([]int64, t.ids)
	sizes := make([]int64, t.ids)
	var live, peak int64

	fill := func(id int, p, size int64) {
		b := a.Bytes(p)[:size]
		for i := range b {
			b[i] = byte(id)
		}
	}
	scan := func(id int, p, size int64) error {
		for i, b := range a.Bytes(p)[:size] {
			if b != byte(id) {
				return errors.Errorf("id %d: block @%#x clobbered at byte %d", id, p, i)
			}
		}
		return nil
	}

	for i, op := range t.ops {
		switch op.kind {
		case 'a':
			if blocks[op.id] != 0 {
				return nil, errors.Errorf("op %d: id %d already allocated", i, op.id)
			}

			p, err := a.Malloc(op.size)
			if err != nil {
				return nil, errors.Wrapf(err, "op %d: a %d %d", i, op.id, op.size)
			}

			fill(op.id, p, op.size)
			blocks[op.id], sizes[op.id] = p, op.size
			live += op.size
		case 'r':
			p := blocks[op.id]
			if p == 0 {
				return nil, errors.Errorf("op %d: realloc of unallocated id %d", i, op.id)
			}

			if err := scan(op.id, p, mathutil.MinInt64(sizes[op.id], op.size)); err != nil {
				return nil, errors.Wrapf(err, "op %d", i)
			}

			np, err := a.Realloc(p, op.size)
			if err != nil {
				return nil, errors.Wrapf(err, "op %d: r %d %d", i, op.id, op.size)
			}

			fill(op.id, np, op.size)
			live += op.size - sizes[op.id]
			blocks[op.id], sizes[op.id] = np, op.size
		case 'f':
			p := blocks[op.id]
			if p == 0 {
				return nil, errors.Errorf("op %d: free of unallocated id %d", i, op.id)
			}

			if err := scan(op.id, p, sizes[op.id]); err != nil {
				return nil, errors.Wrapf(err, "op %d", i)
			}

			if err := a.Free(p); err != nil {
				return nil, errors.Wrapf(err, "op %d: f %d", i, op.id)
			}

			live -= sizes[op.id]
			blocks[op.id], sizes[op.id] = 0, 0
		}
		if live > peak {
			peak = live
		}
		if check {
			if err := a.Check(nil, nil); err != nil {
				return nil, errors.Wrapf(err, "after op %d", i)
			}
		}
	}

	r := &replayResult{Ops: len(t.ops), PeakLive: peak, HeapSize: h.Size()}
	if r.HeapSize != 0 {
		r.Util = float64(r.PeakLive) / float64(r.HeapSize)
	}
	return r, nil
}
