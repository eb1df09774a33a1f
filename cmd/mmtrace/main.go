// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command mmtrace replays allocator trace files.
//
// A trace file has a four line header - suggested heap size, number of
// distinct block ids, number of ops and a weight - followed by one op per
// line:
//
//	a id size
//	r id size
//	f id
//
// Every trace runs against a fresh allocator over an in-memory heap. The
// replayer fills each block with an id derived pattern and verifies it on
// every realloc and free, so clobbered blocks surface as trace failures.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cznic/tmalloc"
)

var (
	optCheck bool
	optMax   int64
	optDebug int

	log = logrus.New()
)

func main() {
	cmd := &cobra.Command{
		Use:   "mmtrace [flags] trace...",
		Short: "replay allocator trace files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  run,

		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Flags().BoolVarP(&optCheck, "check", "c", false, "run the consistency checker after every op")
	cmd.Flags().Int64Var(&optMax, "max", 0, "heap size limit in bytes, 0 for none")
	cmd.Flags().IntVarP(&optDebug, "debug", "d", 0, "allocator debug level (0-2)")

	if err := cmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	tmalloc.Debug = optDebug

	fails := 0
	for _, name := range args {
		r, err := runTrace(name)
		if err != nil {
			log.Errorf("%s: %v", name, err)
			fails++
			continue
		}

		fmt.Printf("%s: %d ops, peak live %d B, heap %d B, util %5.1f%%\n",
			name, r.Ops, r.PeakLive, r.HeapSize, 100*r.Util)
	}
	if fails != 0 {
		return fmt.Errorf("%d of %d traces failed", fails, len(args))
	}

	return nil
}

func runTrace(name string) (*replayResult, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}

	defer f.Close()

	t, err := parseTrace(f)
	if err != nil {
		return nil, err
	}

	return replay(t, optCheck, optMax)
}
