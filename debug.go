// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tmalloc

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Debug selects the amount of self checking and tracing:
//
//	0 - no checks, no output
//	1 - the consistency checker runs after every mutating call and its
//	    findings go to the diagnostic stream
//	2 - additionally every operation is traced
//
// All diagnostic output is sent to stderr.
var Debug int

var hlog = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.DebugLevel)
	return l
}()

func tracef(format string, arg ...interface{}) {
	if Debug > 1 {
		hlog.Debugf(format, arg...)
	}
}

// audit runs the consistency checker when Debug asks for it. Mutating calls
// return its first finding, if any, so a corrupted image surfaces at the
// operation which produced it.
func (a *Allocator) audit() error {
	if Debug < 1 {
		return nil
	}

	return a.Check(nil, nil)
}
